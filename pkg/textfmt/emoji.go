package textfmt

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/yuin/goldmark-emoji/definition"
	"golang.org/x/net/html"
)

// emoji_unicode.txt is derived from the goldmark-emoji GitHub definitions:
// one "shortname<TAB>hex codepoints" line per emoji.
//
//go:embed emoji_unicode.txt
var unicodeIndex string

const (
	variationSelector = 0xFE0F
	zeroWidthJoiner   = 0x200D
	emojiVersion      = "12"
)

type EmojiOptions struct {
	CDNURL   string
	BasePath string
	Set      string
	External string
	// Custom maps site emoji names to image URLs.
	Custom map[string]string
}

type EmojiTable struct {
	opts      EmojiOptions
	defs      definition.Emojis
	byUnicode map[string]string
	maxRunes  int
	shortcuts []shortcut
}

type shortcut struct {
	seq  []rune
	name string
}

var emojiShortcuts = map[string]string{
	":)":  "slightly_smiling_face",
	":-)": "slightly_smiling_face",
	":(":  "frowning",
	":-(": "frowning",
	";)":  "wink",
	";-)": "wink",
	":'(": "cry",
	":p":  "stuck_out_tongue",
	":P":  "stuck_out_tongue",
	":-P": "stuck_out_tongue",
	":O":  "open_mouth",
	":-O": "open_mouth",
	":D":  "smiley",
	":-D": "smiley",
	":|":  "expressionless",
	":-|": "expressionless",
	":/":  "confused",
	"8-)": "sunglasses",
	";P":  "stuck_out_tongue_winking_eye",
	";-P": "stuck_out_tongue_winking_eye",
	":$":  "blush",
	"<3":  "heart",
}

func NewEmojiTable(opts EmojiOptions) *EmojiTable {
	if opts.Set == "" {
		opts.Set = "twitter"
	}

	t := &EmojiTable{
		opts:      opts,
		byUnicode: make(map[string]string),
	}

	defs := definition.Github().Clone()
	if len(opts.Custom) > 0 {
		names := make([]string, 0, len(opts.Custom))
		for name := range opts.Custom {
			names = append(names, name)
		}
		sort.Strings(names)
		custom := make([]definition.Emoji, 0, len(names))
		for _, name := range names {
			custom = append(custom, definition.NewEmoji(name, nil, name))
		}
		defs.Add(definition.NewEmojis(custom...))
	}
	t.defs = defs

	for _, line := range strings.Split(unicodeIndex, "\n") {
		name, cps, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		var runes []rune
		for _, cp := range strings.Fields(cps) {
			v, err := strconv.ParseUint(cp, 16, 32)
			if err != nil {
				continue
			}
			runes = append(runes, rune(v))
		}
		key, _ := normalizeEmoji(runes)
		if key == "" {
			continue
		}
		if _, dup := t.byUnicode[key]; !dup {
			t.byUnicode[key] = name
		}
		if n := len(runes); n > t.maxRunes {
			t.maxRunes = n
		}
	}

	for seq, name := range emojiShortcuts {
		t.shortcuts = append(t.shortcuts, shortcut{seq: []rune(seq), name: name})
	}
	// longest first so ":-)" wins over ":-"
	sort.Slice(t.shortcuts, func(i, j int) bool {
		if len(t.shortcuts[i].seq) != len(t.shortcuts[j].seq) {
			return len(t.shortcuts[i].seq) > len(t.shortcuts[j].seq)
		}
		return string(t.shortcuts[i].seq) < string(t.shortcuts[j].seq)
	})

	return t
}

// Definitions feeds the goldmark-emoji parser.
func (t *EmojiTable) Definitions() definition.Emojis {
	return t.defs
}

// Lookup reports whether name is a built-in or custom emoji.
func (t *EmojiTable) Lookup(name string) bool {
	_, ok := t.defs.Get(name)
	return ok
}

func (t *EmojiTable) IsCustom(name string) bool {
	_, ok := t.opts.Custom[name]
	return ok
}

// Unicode returns the codepoints for a built-in emoji name.
func (t *EmojiTable) Unicode(name string) (string, bool) {
	if t.IsCustom(name) {
		return "", false
	}
	e, ok := t.defs.Get(name)
	if !ok || !e.IsUnicode() {
		return "", false
	}
	return string(e.Unicode), true
}

// URL is the image source for an emoji; tone 0 means no skin tone.
func (t *EmojiTable) URL(name string, tone int) string {
	if u, ok := t.opts.Custom[name]; ok {
		return u
	}
	file := name
	if tone > 0 {
		file = fmt.Sprintf("%s/%d", name, tone)
	}
	if t.opts.External != "" {
		return fmt.Sprintf("%s/%s/%s.png", strings.TrimRight(t.opts.External, "/"), t.opts.Set, file)
	}
	return fmt.Sprintf("%s%s/images/emoji/%s/%s.png?v=%s",
		strings.TrimRight(t.opts.CDNURL, "/"), t.opts.BasePath, t.opts.Set, file, emojiVersion)
}

// Code is the :name: form, with the tone suffix when present.
func Code(name string, tone int) string {
	if tone > 0 {
		return fmt.Sprintf(":%s:t%d:", name, tone)
	}
	return ":" + name + ":"
}

func (t *EmojiTable) ImageNode(name string, tone int) *html.Node {
	class := "emoji"
	if t.IsCustom(name) {
		class = "emoji emoji-custom"
	}
	code := Code(name, tone)
	return dom.Element("img",
		"src", t.URL(name, tone),
		"title", code,
		"class", class,
		"alt", code,
		"loading", "lazy",
		"width", "20",
		"height", "20",
	)
}

func (t *EmojiTable) ImageHTML(name string, tone int) string {
	return dom.Render(t.ImageNode(name, tone))
}

// Segment is a run of plain text or a single recognized emoji.
type Segment struct {
	Text  string
	Emoji string
	Tone  int
}

// Translate splits text into plain runs and emoji. Unicode emoji are always
// recognized; ascii shortcuts only when shortcuts is set.
func (t *EmojiTable) Translate(s string, shortcuts bool) []Segment {
	runes := []rune(s)
	var out []Segment
	var buf []rune

	flush := func() {
		if len(buf) > 0 {
			out = append(out, Segment{Text: string(buf)})
			buf = buf[:0]
		}
	}

	for i := 0; i < len(runes); {
		if shortcuts {
			if name, n := t.matchShortcut(runes, i); n > 0 {
				flush()
				out = append(out, Segment{Emoji: name})
				i += n
				continue
			}
		}
		if name, tone, n := t.matchUnicode(runes, i); n > 0 {
			flush()
			out = append(out, Segment{Emoji: name, Tone: tone})
			i += n
			continue
		}
		buf = append(buf, runes[i])
		i++
	}
	flush()

	return out
}

func (t *EmojiTable) matchShortcut(runes []rune, i int) (string, int) {
	if i > 0 && !unicode.IsSpace(runes[i-1]) {
		return "", 0
	}
	for _, sc := range t.shortcuts {
		n := len(sc.seq)
		if i+n > len(runes) || string(runes[i:i+n]) != string(sc.seq) {
			continue
		}
		if i+n < len(runes) && !unicode.IsSpace(runes[i+n]) {
			continue
		}
		return sc.name, n
	}
	return "", 0
}

func (t *EmojiTable) matchUnicode(runes []rune, i int) (string, int, int) {
	if runes[i] < 0x80 || runes[i] == variationSelector || runes[i] == zeroWidthJoiner {
		return "", 0, 0
	}

	longest := t.maxRunes
	if rest := len(runes) - i; rest < longest {
		longest = rest
	}

	for n := longest; n > 0; n-- {
		key, tone := normalizeEmoji(runes[i : i+n])
		name, ok := t.byUnicode[key]
		if !ok {
			continue
		}
		end := i + n
		selected := i+1 < len(runes) && runes[i+1] == variationSelector
		if len([]rune(key)) == 1 && runes[i] < 0x10000 && !selected && !emojiPresentation(runes[i]) {
			// text-presentation characters such as (c) or arrows stay text
			continue
		}
		for end < len(runes) {
			switch r := runes[end]; {
			case r == variationSelector:
				end++
				continue
			case tone == 0 && isSkinTone(r):
				tone = skinTone(r)
				end++
				continue
			}
			break
		}
		return name, tone, end - i
	}

	return "", 0, 0
}

// normalizeEmoji drops variation selectors and skin tone modifiers, returning
// the lookup key and the first tone seen.
func normalizeEmoji(runes []rune) (string, int) {
	var sb strings.Builder
	tone := 0
	for _, r := range runes {
		switch {
		case r == variationSelector:
		case isSkinTone(r):
			if tone == 0 {
				tone = skinTone(r)
			}
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String(), tone
}

func isSkinTone(r rune) bool {
	return r >= 0x1F3FB && r <= 0x1F3FF
}

// skinTone maps the Fitzpatrick modifiers to the t2..t6 suffixes.
func skinTone(r rune) int {
	return int(r-0x1F3FB) + 2
}

// emojiPresentation reports BMP codepoints that render as emoji without a
// variation selector.
func emojiPresentation(r rune) bool {
	for _, rg := range emojiPresentationBMP {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

var emojiPresentationBMP = [][2]rune{
	{0x231A, 0x231B}, {0x23E9, 0x23EC}, {0x23F0, 0x23F0}, {0x23F3, 0x23F3},
	{0x25FD, 0x25FE}, {0x2614, 0x2615}, {0x2648, 0x2653}, {0x267F, 0x267F},
	{0x2693, 0x2693}, {0x26A1, 0x26A1}, {0x26AA, 0x26AB}, {0x26BD, 0x26BE},
	{0x26C4, 0x26C5}, {0x26CE, 0x26CE}, {0x26D4, 0x26D4}, {0x26EA, 0x26EA},
	{0x26F2, 0x26F3}, {0x26F5, 0x26F5}, {0x26FA, 0x26FA}, {0x26FD, 0x26FD},
	{0x2705, 0x2705}, {0x270A, 0x270B}, {0x2728, 0x2728}, {0x274C, 0x274C},
	{0x274E, 0x274E}, {0x2753, 0x2755}, {0x2757, 0x2757}, {0x2795, 0x2797},
	{0x27B0, 0x27B0}, {0x27BF, 0x27BF}, {0x2B1B, 0x2B1C}, {0x2B50, 0x2B50},
	{0x2B55, 0x2B55},
}
