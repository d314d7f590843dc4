// Package sanitize reduces cooked HTML to the elements and attributes a post
// may carry.
package sanitize

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

type Options struct {
	// HrefSchemes are allowed in addition to http, https and mailto.
	HrefSchemes []string
	// IframePrefixes are the allowed iframe src prefixes.
	IframePrefixes []string
}

// Sanitizer is safe for concurrent use.
type Sanitizer struct {
	policy  *bluemonday.Policy
	schemes map[string]bool
	iframes []string
}

func New(opts Options) *Sanitizer {
	schemes := map[string]bool{"http": true, "https": true, "mailto": true}
	for _, s := range opts.HrefSchemes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			schemes[s] = true
		}
	}
	return &Sanitizer{
		policy:  bodyPolicy(),
		schemes: schemes,
		iframes: opts.IframePrefixes,
	}
}

var (
	svgClass      = regexp.MustCompile(`^fa d-icon d-icon-[\w-]+ svg-icon( [\w-]+)*$`)
	svgUseHref    = regexp.MustCompile(`^#[\w-]+$`)
	attrClass     = regexp.MustCompile(`^[\w\s.+#-]*$`)
	langAttr      = regexp.MustCompile(`^[a-zA-Z]{1,8}(-[a-zA-Z0-9]{1,8})*$`)
	dirAttr       = regexp.MustCompile(`^(ltr|rtl|auto)$`)
	numeric       = regexp.MustCompile(`^\d+%?$`)
	checkboxInput = regexp.MustCompile(`^checkbox$`)
)

// bodyPolicy allowlists what markdown, bbcode, oneboxes and the pipeline's own
// markup produce. URL schemes are checked afterwards by enforce.
func bodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "hr", "div", "span")
	p.AllowElements("blockquote", "pre", "code")
	p.AllowElements("ul", "ol", "li", "dl", "dt", "dd")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")

	p.AllowElements("b", "i", "strong", "em", "u", "s", "strike", "del", "ins")
	p.AllowElements("sub", "sup", "small", "mark", "big")
	p.AllowElements("abbr", "acronym", "cite", "dfn", "kbd", "samp", "var")
	p.AllowElements("ruby", "rb", "rt", "rp")
	p.AllowNoAttrs().OnElements("rb")

	p.AllowElements("details", "summary")
	p.AllowAttrs("open").OnElements("details")

	p.AllowElements("aside", "article", "header", "footer", "figure", "figcaption")

	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption", "colgroup", "col")
	p.AllowAttrs("colspan", "rowspan").Matching(numeric).OnElements("th", "td")
	p.AllowAttrs("align").Matching(bluemonday.CellAlign).OnElements("th", "td")

	p.AllowAttrs("start").Matching(numeric).OnElements("ol")
	p.AllowAttrs("value").Matching(numeric).OnElements("li")

	// task lists
	p.AllowAttrs("type").Matching(checkboxInput).OnElements("input")
	p.AllowAttrs("disabled", "checked").OnElements("input")

	p.AllowAttrs("href", "title", "rel", "name").OnElements("a")

	p.AllowAttrs("src", "srcset", "alt", "title", "loading").OnElements("img")
	p.AllowAttrs("width", "height").Matching(numeric).OnElements("img", "iframe", "video")

	p.AllowAttrs("src", "frameborder", "allowfullscreen", "allow", "title").OnElements("iframe")
	p.AllowNoAttrs().OnElements("iframe")

	p.AllowAttrs("src", "controls", "preload", "poster", "loop", "muted", "playsinline").OnElements("audio", "video")
	p.AllowAttrs("src", "srcset", "type", "media").OnElements("source")
	p.AllowAttrs("src", "kind", "label", "srclang", "default").OnElements("track")

	p.AllowAttrs("aria-hidden").OnElements("svg")
	p.AllowAttrs("href").Matching(svgUseHref).OnElements("use")
	p.AllowNoAttrs().OnElements("use")

	p.AllowDataAttributes()
	p.AllowAttrs("class").Matching(attrClass).Globally()
	p.AllowAttrs("lang").Matching(langAttr).Globally()
	p.AllowAttrs("dir").Matching(dirAttr).Globally()
	p.AllowAttrs("title").Globally()

	return p
}

// Sanitize is idempotent.
func (s *Sanitizer) Sanitize(markup string) string {
	clean := s.policy.Sanitize(markup)
	d, err := dom.Parse(clean)
	if err != nil {
		return clean
	}
	s.Enforce(d.Body())
	return d.HTML()
}

// Enforce applies the structural and URL rules to an already allowlisted tree.
func (s *Sanitizer) Enforce(root *html.Node) {
	var svgs, iframes []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		stripBidiAttrs(n)

		switch n.Data {
		case "svg":
			svgs = append(svgs, n)
			return false
		case "use":
			// use outside an svg
			dom.Remove(n)
			return false
		case "iframe":
			iframes = append(iframes, n)
		case "a":
			s.checkURL(n, "href")
		case "img":
			s.checkURL(n, "src")
			s.checkSrcset(n)
		case "source":
			s.checkURL(n, "src")
			s.checkSrcset(n)
		case "track", "audio", "video":
			s.checkURL(n, "src")
			s.checkURL(n, "poster")
		}
		return true
	})

	for _, svg := range svgs {
		if !validSVG(svg) {
			dom.Remove(svg)
		}
	}
	for _, f := range iframes {
		if !s.iframeAllowed(dom.AttrOr(f, "src", "")) {
			dom.Remove(f)
		}
	}
}

func validSVG(svg *html.Node) bool {
	if !svgClass.MatchString(dom.AttrOr(svg, "class", "")) {
		return false
	}
	var children []*html.Node
	for c := svg.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			children = append(children, c)
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return false
			}
		}
	}
	if len(children) != 1 {
		return false
	}
	use := children[0]
	return use.Data == "use" && use.FirstChild == nil && svgUseHref.MatchString(dom.AttrOr(use, "href", ""))
}

func (s *Sanitizer) checkURL(n *html.Node, key string) {
	v, ok := dom.Attr(n, key)
	if !ok || s.URLAllowed(v) {
		return
	}
	dom.SetAttr(n, key, "")
}

func (s *Sanitizer) checkSrcset(n *html.Node) {
	v, ok := dom.Attr(n, "srcset")
	if !ok {
		return
	}
	candidates := strings.Split(v, ",")
	changed := false
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 || s.URLAllowed(fields[0]) {
			continue
		}
		candidates[i] = ""
		changed = true
	}
	if changed {
		dom.SetAttr(n, "srcset", strings.Join(candidates, ","))
	}
}

// URLAllowed accepts relative URLs, fragments and the allowed schemes. Only
// tel may carry a leading "+" after the scheme.
func (s *Sanitizer) URLAllowed(raw string) bool {
	v := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, raw)
	v = strings.TrimLeft(v, "\x00\x01\x02\x03\x04\x05\x06\x07\x08\x0b\x0c\x0e\x0f\x10\x11\x12\x13\x14\x15\x16\x17\x18\x19\x1a\x1b\x1c\x1d\x1e\x1f ")

	i := strings.IndexAny(v, ":/?#")
	if i < 0 || v[i] != ':' {
		return true
	}
	scheme := strings.ToLower(v[:i])
	if !s.schemes[scheme] {
		return false
	}
	if strings.HasPrefix(v[i+1:], "+") && scheme != "tel" {
		return false
	}
	return true
}

func (s *Sanitizer) iframeAllowed(src string) bool {
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	// browsers treat a backslash as a separator in http(s) paths
	p := strings.ReplaceAll(u.Path, `\`, "/")
	if p == "" {
		p = "/"
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	normalized := u.Scheme + "://" + u.Host + clean
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	for _, prefix := range s.iframes {
		if prefix != "" && strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// IsBidi reports the explicit directional embedding, override and isolate
// control characters.
func IsBidi(r rune) bool {
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069)
}

func stripBidi(s string) string {
	if !strings.ContainsFunc(s, IsBidi) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if IsBidi(r) {
			return -1
		}
		return r
	}, s)
}

func stripBidiAttrs(n *html.Node) {
	for i := range n.Attr {
		n.Attr[i].Val = stripBidi(n.Attr[i].Val)
	}
}

// StripScripts removes script elements and nothing else. It is used when a
// caller opts out of sanitizing.
func StripScripts(markup string) string {
	d, err := dom.Parse(markup)
	if err != nil {
		return markup
	}
	for _, n := range dom.Nodes(d.Find("script")) {
		dom.Remove(n)
	}
	return d.HTML()
}
