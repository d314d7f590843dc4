package textfmt

import (
	"context"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/imeyer/cooked/pkg/dom"
	"golang.org/x/net/html"
)

const (
	HashtagCategory = "category"
	HashtagTag      = "tag"
)

// HashtagRef is a parsed "#slug" or "#slug::type". An empty Type tries
// categories first, then tags.
type HashtagRef struct {
	Slug string
	Type string
}

func (r HashtagRef) String() string {
	if r.Type == "" {
		return "#" + r.Slug
	}
	return "#" + r.Slug + "::" + r.Type
}

// ParseHashtag reads a placeholder's text back into a ref.
func ParseHashtag(text string) HashtagRef {
	text = strings.TrimPrefix(text, "#")
	slug, typ, _ := strings.Cut(text, "::")
	if typ != HashtagCategory && typ != HashtagTag {
		typ = ""
	}
	return HashtagRef{Slug: slug, Type: typ}
}

type Hashtag struct {
	Type string
	ID   int64
	Slug string
	Text string
	URL  string
}

type HashtagLookup interface {
	LookupHashtags(ctx context.Context, userID int64, refs []HashtagRef) (map[HashtagRef]Hashtag, error)
}

// ScanHashtag returns the byte length of a hashtag body at the start of s,
// which follows the '#', including an optional "::category" or "::tag".
func ScanHashtag(s []byte) int {
	n := scanSlug(s)
	if n == 0 {
		return 0
	}
	rest := s[n:]
	for _, suffix := range []string{"::" + HashtagCategory, "::" + HashtagTag} {
		if strings.HasPrefix(string(rest), suffix) && scanSlug(rest[len(suffix):]) == 0 {
			return n + len(suffix)
		}
	}
	return n
}

func scanSlug(s []byte) int {
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRune(s[i:])
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '_' && r != '-' {
			break
		}
		i += size
	}
	return i
}

// ResolveHashtags turns span.hashtag-raw placeholders into category or tag
// links. Unresolved placeholders are left as they are.
func ResolveHashtags(ctx context.Context, root *html.Node, lookup HashtagLookup, userID int64) error {
	var spans []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if dom.IsElement(n, "code", "pre") {
			return false
		}
		if dom.IsElement(n, "span") && dom.HasClass(n, "hashtag-raw") {
			spans = append(spans, n)
			return false
		}
		return true
	})
	if len(spans) == 0 || lookup == nil {
		return nil
	}

	live := spans[:0]
	for _, s := range spans {
		if insideLink(s) {
			dom.Replace(s, dom.Text(dom.TextContent(s)))
			continue
		}
		live = append(live, s)
	}

	seen := make(map[HashtagRef]bool)
	var refs []HashtagRef
	for _, s := range live {
		ref := ParseHashtag(dom.TextContent(s))
		if ref.Slug != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}

	found, err := lookup.LookupHashtags(ctx, userID, refs)
	if err != nil {
		return err
	}

	for _, s := range live {
		h, ok := found[ParseHashtag(dom.TextContent(s))]
		if !ok {
			continue
		}
		dom.Replace(s, HashtagNode(h))
	}
	return nil
}

func HashtagNode(h Hashtag) *html.Node {
	a := dom.Element("a",
		"class", "hashtag-cooked",
		"href", h.URL,
		"data-type", h.Type,
		"data-slug", h.Slug,
		"data-id", strconv.FormatInt(h.ID, 10),
	)
	icon := dom.Element("span", "class", "hashtag-icon-placeholder")
	svg := dom.Icon("square-full")
	dom.AddClass(svg, "svg-node")
	dom.RemoveAttr(svg, "aria-hidden")
	icon.AppendChild(svg)
	a.AppendChild(icon)
	label := dom.Element("span")
	label.AppendChild(dom.Text(h.Text))
	a.AppendChild(label)
	return a
}
