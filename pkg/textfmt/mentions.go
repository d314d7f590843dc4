package textfmt

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/imeyer/cooked/pkg/dom"
	"golang.org/x/net/html"
)

type MentionKind int

const (
	MentionUser MentionKind = iota + 1
	MentionGroup
)

// Mentionable is what a lookup knows about a mentioned name.
type Mentionable struct {
	Kind MentionKind
	Name string
	// Staged users never become links.
	Staged bool
	// Mentionable is false for groups the acting user may not mention.
	Mentionable bool
	Notify      bool
}

type MentionLookup interface {
	// LookupMentions returns entries keyed by lowercased name.
	LookupMentions(ctx context.Context, userID int64, names []string) (map[string]Mentionable, error)
}

type MentionOptions struct {
	Enabled  bool
	BasePath string
	UserID   int64
}

// ScanMention returns the byte length of the mention name at the start of s,
// which follows the '@'. Trailing dots and dashes are not part of a name.
func ScanMention(s []byte) int {
	end := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRune(s[i:])
		word := unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_'
		if i == 0 && !word {
			return 0
		}
		if !word && r != '.' && r != '-' {
			break
		}
		i += size
		if word {
			end = i
		}
	}
	return end
}

// MentionBoundary reports whether an '@' or '#' after r may start a mention or
// hashtag. utf8.RuneError stands for the start of the text.
func MentionBoundary(r rune) bool {
	if r == utf8.RuneError || unicode.IsSpace(r) {
		return true
	}
	return strings.ContainsRune("([{<\"'*_~>", r)
}

// ResolveMentions rewrites span.mention placeholders into links. Placeholders
// that cannot be resolved stay as inert spans; a lookup error is returned after
// the document has been left in that state.
func ResolveMentions(ctx context.Context, root *html.Node, lookup MentionLookup, opts MentionOptions) error {
	var spans []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if dom.IsElement(n, "code", "pre") {
			return false
		}
		if dom.IsElement(n, "span") && dom.HasClass(n, "mention") {
			spans = append(spans, n)
			return false
		}
		return true
	})
	if len(spans) == 0 {
		return nil
	}

	// a mention inside a link is just text
	live := spans[:0]
	for _, s := range spans {
		if insideLink(s) {
			dom.Replace(s, dom.Text(dom.TextContent(s)))
			continue
		}
		live = append(live, s)
	}
	if !opts.Enabled || lookup == nil || len(live) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, s := range live {
		name := strings.ToLower(strings.TrimPrefix(dom.TextContent(s), "@"))
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	found, err := lookup.LookupMentions(ctx, opts.UserID, names)
	if err != nil {
		return err
	}

	for _, s := range live {
		name := strings.TrimPrefix(dom.TextContent(s), "@")
		m, ok := found[strings.ToLower(name)]
		if !ok {
			continue
		}
		var a *html.Node
		switch {
		case m.Kind == MentionUser && !m.Staged:
			a = dom.Element("a", "class", "mention", "href", opts.BasePath+"/u/"+strings.ToLower(m.Name))
		case m.Kind == MentionGroup && m.Mentionable:
			class := "mention-group"
			if m.Notify {
				class += " notify"
			}
			a = dom.Element("a", "class", class, "href", opts.BasePath+"/groups/"+m.Name)
		default:
			continue
		}
		a.AppendChild(dom.Text("@" + name))
		dom.Replace(s, a)
	}

	return nil
}
