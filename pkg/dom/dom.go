// Package dom wraps a parsed HTML fragment so the render stages can mutate it
// in place and serialize it back.
package dom

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is a single-writer handle over a parsed body fragment. It must not
// be shared between goroutines while being mutated.
type Document struct {
	doc  *goquery.Document
	body *goquery.Selection
}

func Parse(fragment string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html fragment: %w", err)
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return nil, fmt.Errorf("parsed html has no body")
	}
	return &Document{doc: doc, body: body}, nil
}

// MustParse is Parse for fragments known to be well formed, such as test
// fixtures and markup the pipeline generated itself.
func MustParse(fragment string) *Document {
	d, err := Parse(fragment)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Document) Body() *html.Node {
	return d.body.Nodes[0]
}

// Root is the selection holding the body element.
func (d *Document) Root() *goquery.Selection {
	return d.body
}

func (d *Document) Find(selector string) *goquery.Selection {
	return d.body.Find(selector)
}

// HTML serializes the children of the body.
func (d *Document) HTML() string {
	return RenderChildren(d.Body())
}

func (d *Document) Text() string {
	return d.body.Text()
}

func RenderChildren(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		// Render only fails on writer errors or malformed void elements,
		// neither of which the parser produces.
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

func Render(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

var bodyContext = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}

// Fragment parses markup in body context, returning detached nodes.
func Fragment(markup string) []*html.Node {
	nodes, err := html.ParseFragment(strings.NewReader(markup), bodyContext)
	if err != nil {
		return nil
	}
	return nodes
}

// Element creates a detached element. attrs are key/value pairs.
func Element(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func Text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// Icon builds the svg sprite reference used for UI icons.
func Icon(name string) *html.Node {
	nodes := Fragment(`<svg class="fa d-icon d-icon-` + name + ` svg-icon" aria-hidden="true"><use href="#` + name + `"></use></svg>`)
	return nodes[0]
}

func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func AttrOr(n *html.Node, key, fallback string) string {
	if v, ok := Attr(n, key); ok {
		return v
	}
	return fallback
}

func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func RemoveAttr(n *html.Node, keys ...string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		drop := false
		for _, k := range keys {
			if a.Namespace == "" && a.Key == k {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func Classes(n *html.Node) []string {
	return strings.Fields(AttrOr(n, "class", ""))
}

func HasClass(n *html.Node, class string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, c := range Classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

func AddClass(n *html.Node, classes ...string) {
	cur := Classes(n)
	for _, c := range classes {
		if !HasClass(n, c) {
			cur = append(cur, c)
			SetAttr(n, "class", strings.Join(cur, " "))
		}
	}
}

func RemoveClass(n *html.Node, classes ...string) {
	var keep []string
	for _, c := range Classes(n) {
		drop := false
		for _, r := range classes {
			if c == r {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(keep, " "))
}

func IsElement(n *html.Node, tags ...string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if n.Data == t {
			return true
		}
	}
	return false
}

// Closest returns the nearest ancestor (excluding n) for which match is true.
func Closest(n *html.Node, match func(*html.Node) bool) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && match(p) {
			return p
		}
	}
	return nil
}

// Tag matches elements by name and, optionally, a class.
func Tag(tag string, class ...string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if tag != "" && n.Data != tag {
			return false
		}
		for _, c := range class {
			if !HasClass(n, c) {
				return false
			}
		}
		return true
	}
}

func ElementChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// TextContent concatenates all descendant text nodes.
func TextContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				sb.WriteString(c.Data)
			case html.ElementNode:
				walk(c)
			}
		}
	}
	walk(n)
	return sb.String()
}

// Wrap inserts wrapper where n is and moves n inside it.
func Wrap(n, wrapper *html.Node) {
	if n.Parent != nil {
		n.Parent.InsertBefore(wrapper, n)
		n.Parent.RemoveChild(n)
	}
	wrapper.AppendChild(n)
}

// Unwrap replaces n with its children.
func Unwrap(n *html.Node) {
	p := n.Parent
	if p == nil {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		p.InsertBefore(c, n)
		c = next
	}
	p.RemoveChild(n)
}

// Replace puts nodes where old is and detaches old.
func Replace(old *html.Node, nodes ...*html.Node) {
	p := old.Parent
	if p == nil {
		return
	}
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		p.InsertBefore(n, old)
	}
	p.RemoveChild(old)
}

func InsertAfter(ref, n *html.Node) {
	if ref.Parent == nil {
		return
	}
	if ref.NextSibling == nil {
		ref.Parent.AppendChild(n)
		return
	}
	ref.Parent.InsertBefore(n, ref.NextSibling)
}

func Remove(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Rename changes an element's tag in place.
func Rename(n *html.Node, tag string) {
	n.Data = tag
	n.DataAtom = atom.Lookup([]byte(tag))
}

// Walk visits n's descendants depth-first. Returning false from visit skips
// that node's children.
func Walk(n *html.Node, visit func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if visit(c) {
			Walk(c, visit)
		}
		c = next
	}
}

// Nodes collects the selection's nodes so callers can mutate the tree while
// iterating.
func Nodes(s *goquery.Selection) []*html.Node {
	out := make([]*html.Node, len(s.Nodes))
	copy(out, s.Nodes)
	return out
}
