// Package excerpt shortens cooked HTML into a summary that keeps links and
// hashtags but drops quotes, media and onebox bodies.
package excerpt

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/textfmt"
	xhtml "golang.org/x/net/html"
)

const maxOneboxDepth = 3

var (
	spaceRun = regexp.MustCompile(`\s+`)

	blockTags = map[string]bool{
		"p": true, "div": true, "li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"blockquote": true, "pre": true, "tr": true, "table": true, "hr": true,
		"article": true, "header": true, "footer": true, "section": true, "figure": true, "figcaption": true,
	}
	skippedTags = map[string]bool{"audio": true, "video": true, "script": true, "style": true, "noscript": true}
)

type Options struct {
	KeepSVG          bool
	KeepOneboxBody   bool
	KeepQuotes       bool
	KeepOneboxSource bool
	StripLinks       bool
	StripImages      bool
	KeepEmojiImages  bool
	RemapEmoji       bool
	MarkdownImages   bool
	// TextEntities ends truncated excerpts with "..." instead of &hellip;.
	TextEntities bool
}

type Excerpter struct {
	Emoji      *textfmt.EmojiTable
	Translator i18n.Translator
}

func New(emoji *textfmt.EmojiTable, tr i18n.Translator) *Excerpter {
	if tr == nil {
		tr = i18n.New("en")
	}
	return &Excerpter{Emoji: emoji, Translator: tr}
}

var defaultExcerpter = New(nil, nil)

// Excerpt summarizes markup to at most maxLength visible runes with the
// default options.
func Excerpt(markup string, maxLength int) string {
	return defaultExcerpter.Excerpt(markup, maxLength, Options{})
}

// Excerpt summarizes markup to at most maxLength visible runes, plus an
// ellipsis when it was cut. A maxLength of zero or less never truncates.
func (e *Excerpter) Excerpt(markup string, maxLength int, opts Options) string {
	doc, err := dom.Parse(markup)
	if err != nil {
		return ""
	}

	w := &walker{e: e, opts: opts, budget: budget{remaining: maxLength, unlimited: maxLength <= 0}}
	if marked := findExcerptMarker(doc.Body()); marked != nil {
		w.budget.unlimited = true
		w.walk(marked)
	} else {
		w.walk(doc.Body())
	}
	return strings.TrimSpace(string(w.out))
}

// findExcerptMarker returns the first div.excerpt or span.excerpt, whose
// content replaces the whole excerpt.
func findExcerptMarker(root *xhtml.Node) *xhtml.Node {
	var found *xhtml.Node
	dom.Walk(root, func(n *xhtml.Node) bool {
		if found != nil {
			return false
		}
		if dom.IsElement(n, "div", "span") && dom.HasClass(n, "excerpt") {
			found = n
			return false
		}
		return true
	})
	return found
}

// budget counts the visible runes still allowed.
type budget struct {
	remaining int
	unlimited bool
}

// take consumes up to n runes and returns how many fit.
func (b *budget) take(n int) int {
	if b.unlimited {
		return n
	}
	if n > b.remaining {
		n = b.remaining
	}
	b.remaining -= n
	return n
}

type walker struct {
	e      *Excerpter
	opts   Options
	budget budget

	out          []byte
	pendingSpace bool
	done         bool
	inLink       bool
	oneboxDepth  int
}

func (w *walker) walk(n *xhtml.Node) {
	for c := n.FirstChild; c != nil && !w.done; c = c.NextSibling {
		switch c.Type {
		case xhtml.TextNode:
			w.characters(c.Data)
		case xhtml.ElementNode:
			w.element(c)
		}
	}
}

// characters writes visible text with whitespace collapsed. Spaces are held
// back until more text follows so they never trigger truncation.
func (w *walker) characters(s string) {
	if w.done {
		return
	}
	s = spaceRun.ReplaceAllString(s, " ")
	if strings.HasPrefix(s, " ") {
		w.space()
		s = s[1:]
	}
	trailing := strings.HasSuffix(s, " ")
	s = strings.TrimSuffix(s, " ")
	if s != "" {
		if w.pendingSpace {
			s = " " + s
			w.pendingSpace = false
		}
		w.write(s)
	}
	if trailing {
		w.space()
	}
}

// write appends text, cutting it off with an ellipsis once the budget runs
// out.
func (w *walker) write(s string) {
	if w.done {
		return
	}
	n := utf8.RuneCountInString(s)
	fit := w.budget.take(n)
	if fit == n {
		w.raw(html.EscapeString(s))
		return
	}

	w.raw(html.EscapeString(strings.TrimRight(string([]rune(s)[:fit]), " ")))
	if w.opts.TextEntities {
		w.raw("...")
	} else {
		w.raw("&hellip;")
	}
	if w.inLink {
		w.raw("</a>")
	}
	w.done = true
}

// raw writes markup that does not count against the budget.
func (w *walker) raw(s string) {
	w.out = append(w.out, s...)
}

// tag writes kept markup, placing any pending space before it.
func (w *walker) tag(s string) {
	if w.pendingSpace {
		w.pendingSpace = false
		w.write(" ")
	}
	if !w.done {
		w.raw(s)
	}
}

func (w *walker) space() {
	if !w.atBreak() {
		w.pendingSpace = true
	}
}

func (w *walker) atBreak() bool {
	if len(w.out) == 0 {
		return true
	}
	last := w.out[len(w.out)-1]
	return last == ' ' || last == '\n'
}

// block separates block-level content: a space normally, a blank line inside
// a kept onebox body.
func (w *walker) block() {
	if w.done || len(w.out) == 0 {
		return
	}
	if w.oneboxDepth > 0 && w.opts.KeepOneboxBody {
		w.pendingSpace = false
		for len(w.out) > 0 && (w.out[len(w.out)-1] == ' ' || w.out[len(w.out)-1] == '\n') {
			w.out = w.out[:len(w.out)-1]
		}
		if len(w.out) > 0 {
			w.raw("\n\n")
		}
		return
	}
	w.space()
}

func (w *walker) element(n *xhtml.Node) {
	switch {
	case skippedTags[n.Data]:
		return
	case n.Data == "br":
		w.block()
	case n.Data == "img":
		w.image(n)
	case n.Data == "a":
		w.link(n)
	case n.Data == "svg":
		if w.opts.KeepSVG {
			w.tag(dom.Render(n))
		}
	case n.Data == "aside" && dom.HasClass(n, "quote"):
		w.quote(n)
	case n.Data == "aside" && dom.HasClass(n, "onebox"), dom.HasClass(n, "onebox") && n.Data == "div":
		w.onebox(n)
	case n.Data == "details":
		w.details(n)
	case n.Data == "div" && dom.HasClass(n, "meta") && dom.Closest(n, dom.Tag("a", "lightbox")) != nil:
		return
	case n.Data == "span" && dom.HasClass(n, "hashtag-icon-placeholder"):
		w.tag(`<span class="hashtag-icon-placeholder">`)
		if w.done {
			return
		}
		w.walk(n)
		if !w.done {
			w.raw("</span>")
		}
	case blockTags[n.Data]:
		w.block()
		w.walk(n)
		w.block()
	default:
		w.walk(n)
	}
}

func (w *walker) link(n *xhtml.Node) {
	if w.opts.StripLinks || w.inLink {
		w.walk(n)
		return
	}
	w.tag(openTag(n))
	if w.done {
		return
	}
	w.inLink = true
	w.walk(n)
	if !w.done {
		w.raw("</a>")
	}
	w.inLink = false
}

func openTag(n *xhtml.Node) string {
	var sb strings.Builder
	sb.WriteString("<" + n.Data)
	for _, a := range n.Attr {
		sb.WriteString(" " + a.Key + `="` + html.EscapeString(a.Val) + `"`)
	}
	sb.WriteString(">")
	return sb.String()
}

func (w *walker) image(n *xhtml.Node) {
	alt := dom.AttrOr(n, "alt", "")
	if dom.HasClass(n, "emoji") {
		switch {
		case w.opts.RemapEmoji:
			w.characters(w.remapEmoji(alt))
		case w.opts.KeepEmojiImages:
			w.tag(dom.Render(n))
		default:
			w.characters(alt)
		}
		return
	}
	if w.opts.StripImages {
		return
	}

	label := alt
	if label == "" {
		label = dom.AttrOr(n, "title", "")
	}
	if label == "" {
		label = w.e.Translator.T(i18n.ExcerptImage)
	}
	if w.opts.MarkdownImages {
		w.characters("![" + label + "](" + dom.AttrOr(n, "src", "") + ")")
		return
	}
	w.characters("[" + label + "]")
}

// remapEmoji turns an emoji alt such as ":smile:" into its codepoints,
// keeping the code when there are none.
func (w *walker) remapEmoji(alt string) string {
	name := strings.Trim(alt, ":")
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	if w.e.Emoji != nil {
		if u, ok := w.e.Emoji.Unicode(name); ok {
			return u
		}
	}
	return alt
}

func (w *walker) quote(n *xhtml.Node) {
	if !w.opts.KeepQuotes {
		return
	}
	for _, c := range dom.ElementChildren(n) {
		if dom.IsElement(c, "blockquote") {
			w.block()
			w.walk(c)
			w.block()
		}
	}
}

func (w *walker) details(n *xhtml.Node) {
	for _, c := range dom.ElementChildren(n) {
		if dom.IsElement(c, "summary") {
			w.block()
			w.characters("▶ ")
			w.walk(c)
			w.block()
			return
		}
	}
}

// onebox keeps the preview's source link and, when asked, its body.
func (w *walker) onebox(n *xhtml.Node) {
	if w.oneboxDepth >= maxOneboxDepth || strings.TrimSpace(dom.TextContent(n)) == "" {
		return
	}

	if w.opts.KeepOneboxBody {
		w.oneboxDepth++
		w.block()
		w.walk(n)
		w.block()
		w.oneboxDepth--
		return
	}

	header := oneboxSource(n)
	if header == nil {
		return
	}
	w.block()
	if link := firstLink(header); link != nil && w.opts.KeepOneboxSource && !w.opts.StripLinks {
		w.link(link)
	} else {
		w.characters(dom.TextContent(header))
	}
	w.block()
}

func oneboxSource(n *xhtml.Node) *xhtml.Node {
	var found *xhtml.Node
	dom.Walk(n, func(c *xhtml.Node) bool {
		if found != nil || dom.HasClass(c, "onebox") {
			return false
		}
		if dom.IsElement(c, "header") && dom.HasClass(c, "source") {
			found = c
			return false
		}
		return true
	})
	return found
}

func firstLink(n *xhtml.Node) *xhtml.Node {
	var found *xhtml.Node
	dom.Walk(n, func(c *xhtml.Node) bool {
		if found == nil && dom.IsElement(c, "a") {
			found = c
		}
		return found == nil
	})
	return found
}
