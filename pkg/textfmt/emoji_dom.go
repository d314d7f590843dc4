package textfmt

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/imeyer/cooked/pkg/dom"
	"golang.org/x/net/html"
)

var toneSuffix = regexp.MustCompile(`^t([1-6]):`)

// Apply replaces unicode emoji (and shortcuts when enabled) in text nodes with
// emoji images, merges ":name:t3:" tone suffixes into the preceding image and
// marks lines made only of emoji. It returns the number of emoji images in the
// document.
func (t *EmojiTable) Apply(root *html.Node, shortcuts bool) int {
	eachText(root, func(n *html.Node) []*html.Node {
		text := n.Data
		var out []*html.Node
		changed := false

		if prev := n.PrevSibling; prev != nil && dom.IsElement(prev, "img") && dom.HasClass(prev, "emoji") {
			if m := toneSuffix.FindStringSubmatch(text); m != nil {
				t.applyTone(prev, m[1])
				text = text[len(m[0]):]
				changed = true
			}
		}

		segs := t.Translate(text, shortcuts)
		for _, s := range segs {
			if s.Emoji == "" {
				out = append(out, dom.Text(s.Text))
				continue
			}
			out = append(out, t.ImageNode(s.Emoji, s.Tone))
			changed = true
		}
		if !changed {
			return nil
		}
		if len(out) == 0 {
			// the whole node was a tone suffix
			return []*html.Node{dom.Text("")}
		}
		return out
	})

	markOnlyEmoji(root)

	count := 0
	dom.Walk(root, func(n *html.Node) bool {
		if dom.IsElement(n, "img") && dom.HasClass(n, "emoji") {
			count++
		}
		return true
	})
	return count
}

func (t *EmojiTable) applyTone(img *html.Node, digit string) {
	code := dom.AttrOr(img, "alt", "")
	name := strings.Trim(code, ":")
	if name == "" || strings.Contains(name, ":") || t.IsCustom(name) {
		return
	}
	tone, _ := strconv.Atoi(digit)
	if tone == 1 {
		// t1 is the default yellow
		tone = 0
	}
	repl := t.ImageNode(name, tone)
	img.Attr = repl.Attr
}

var lineContainers = []string{"p", "li", "h1", "h2", "h3", "h4", "h5", "h6", "td", "th"}

// markOnlyEmoji adds the only-emoji class to emoji on lines (split by <br>)
// that hold nothing else but whitespace.
func markOnlyEmoji(root *html.Node) {
	dom.Walk(root, func(n *html.Node) bool {
		if !dom.IsElement(n, lineContainers...) {
			return !protected(n)
		}
		var line []*html.Node
		clean := true
		flush := func() {
			if clean && len(line) > 0 {
				for _, img := range line {
					dom.AddClass(img, "only-emoji")
				}
			}
			line = nil
			clean = true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch {
			case dom.IsElement(c, "br"):
				flush()
			case dom.IsElement(c, "img") && dom.HasClass(c, "emoji"):
				line = append(line, c)
			case c.Type == html.TextNode && strings.TrimSpace(c.Data) == "":
			default:
				clean = false
			}
		}
		flush()
		return true
	})
}
