package textfmt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/imeyer/cooked/pkg/dom"
	"golang.org/x/net/html"
)

type WatchedAction int

const (
	ActionCensor WatchedAction = iota + 1
	ActionReplace
	ActionLink
)

func (a WatchedAction) String() string {
	switch a {
	case ActionCensor:
		return "censor"
	case ActionReplace:
		return "replace"
	case ActionLink:
		return "link"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type WatchedWord struct {
	Word          string
	Action        WatchedAction
	Replacement   string
	CaseSensitive bool
}

const censorRune = '■'

type wordMatcher struct {
	re      *regexp.Regexp
	word    WatchedWord
	bounded bool
}

// WatchedWords is a compiled set of watched words, safe for concurrent use.
type WatchedWords struct {
	censor  []wordMatcher
	rewrite []wordMatcher
}

// CompileWatchedWords compiles words in literal mode ("*" is a wildcard and
// matches must stand alone) or, with regexMode, as regular expressions.
func CompileWatchedWords(words []WatchedWord, regexMode bool) (*WatchedWords, error) {
	ww := &WatchedWords{}
	for _, w := range words {
		if strings.TrimSpace(w.Word) == "" {
			continue
		}
		pattern := w.Word
		if !regexMode {
			parts := strings.Split(w.Word, "*")
			for i, p := range parts {
				parts[i] = regexp.QuoteMeta(p)
			}
			pattern = strings.Join(parts, `\S*`)
		}
		if !w.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid watched word %q: %w", w.Word, err)
		}
		m := wordMatcher{re: re, word: w, bounded: !regexMode}
		switch w.Action {
		case ActionCensor:
			ww.censor = append(ww.censor, m)
		case ActionReplace, ActionLink:
			ww.rewrite = append(ww.rewrite, m)
		default:
			return nil, fmt.Errorf("watched word %q has unknown action %v", w.Word, w.Action)
		}
	}
	return ww, nil
}

func (w *WatchedWords) Empty() bool {
	return w == nil || len(w.censor)+len(w.rewrite) == 0
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_'
}

// find returns every match of m in s. Bounded matchers retry one rune further
// on when a candidate touches a word character.
func (m wordMatcher) find(s string) [][2]int {
	var out [][2]int
	for pos := 0; pos <= len(s); {
		loc := m.re.FindStringIndex(s[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if end == start {
			_, size := utf8.DecodeRuneInString(s[start:])
			pos = start + max(size, 1)
			continue
		}
		if m.bounded && !standsAlone(s, start, end) {
			_, size := utf8.DecodeRuneInString(s[start:])
			pos = start + size
			continue
		}
		out = append(out, [2]int{start, end})
		pos = end
	}
	return out
}

func standsAlone(s string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(s[:start]); isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		if r, _ := utf8.DecodeRuneInString(s[end:]); isWordRune(r) {
			return false
		}
	}
	return true
}

// Censor blanks out every censored range of s.
func (w *WatchedWords) Censor(s string) string {
	if w == nil || len(w.censor) == 0 {
		return s
	}
	hit := make([]bool, len(s))
	found := false
	for _, m := range w.censor {
		for _, r := range m.find(s) {
			for i := r[0]; i < r[1]; i++ {
				hit[i] = true
			}
			found = true
		}
	}
	if !found {
		return s
	}
	var sb strings.Builder
	for i, r := range s {
		if hit[i] {
			sb.WriteRune(censorRune)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type rewriteMatch struct {
	start, end int
	word       WatchedWord
}

// rewrites picks leftmost, longest, non-overlapping replace and link matches.
func (w *WatchedWords) rewrites(s string, allowLinks bool) []rewriteMatch {
	var all []rewriteMatch
	for _, m := range w.rewrite {
		if m.word.Action == ActionLink && !allowLinks {
			continue
		}
		for _, r := range m.find(s) {
			all = append(all, rewriteMatch{start: r[0], end: r[1], word: m.word})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})
	var out []rewriteMatch
	last := 0
	for _, m := range all {
		if m.start < last {
			continue
		}
		out = append(out, m)
		last = m.end
	}
	return out
}

// Apply runs replace and link rewrites, then censoring, over the text nodes
// under root.
func (w *WatchedWords) Apply(root *html.Node) {
	if w.Empty() {
		return
	}

	if len(w.rewrite) > 0 {
		eachText(root, func(n *html.Node) []*html.Node {
			matches := w.rewrites(n.Data, !insideLink(n))
			if len(matches) == 0 {
				return nil
			}
			var out []*html.Node
			pos := 0
			for _, m := range matches {
				if m.start > pos {
					out = append(out, dom.Text(n.Data[pos:m.start]))
				}
				switch m.word.Action {
				case ActionReplace:
					out = append(out, dom.Text(m.word.Replacement))
				case ActionLink:
					a := dom.Element("a", "href", m.word.Replacement)
					a.AppendChild(dom.Text(n.Data[m.start:m.end]))
					out = append(out, a)
				}
				pos = m.end
			}
			if pos < len(n.Data) {
				out = append(out, dom.Text(n.Data[pos:]))
			}
			return out
		})
	}

	if len(w.censor) > 0 {
		eachText(root, func(n *html.Node) []*html.Node {
			n.Data = w.Censor(n.Data)
			return nil
		})
	}
}
