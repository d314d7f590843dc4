package cook

import (
	"html"
	"regexp"
	"strings"

	"github.com/imeyer/cooked/pkg/textfmt"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

var (
	kindBBCodeToken = ast.NewNodeKind("BBCodeToken")
	kindBBCode      = ast.NewNodeKind("BBCode")
	kindPlaceholder = ast.NewNodeKind("Placeholder")
)

// bbcodeToken is an unpaired [b] or [/b]. The transformer either pairs it into
// a bbcodeNode or turns it back into literal text.
type bbcodeToken struct {
	ast.BaseInline
	Tag   string
	Href  string
	Close bool
	Raw   string
}

func (n *bbcodeToken) Kind() ast.NodeKind { return kindBBCodeToken }

func (n *bbcodeToken) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Tag": n.Tag, "Raw": n.Raw}, nil)
}

// bbcodeNode is a paired inline tag wrapping its children, or an atomic
// same-line form carrying Value.
type bbcodeNode struct {
	ast.BaseInline
	Tag    string
	Href   string
	Value  string
	Atomic bool
}

func (n *bbcodeNode) Kind() ast.NodeKind { return kindBBCode }

func (n *bbcodeNode) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Tag": n.Tag, "Value": n.Value}, nil)
}

// placeholder is an unresolved mention or hashtag.
type placeholder struct {
	ast.BaseInline
	Class string
	Label string
}

func (n *placeholder) Kind() ast.NodeKind { return kindPlaceholder }

func (n *placeholder) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Class": n.Class, "Label": n.Label}, nil)
}

var (
	bbcodeSimple   = regexp.MustCompile(`(?i)^\[(/?)(b|i|u|s)\]`)
	bbcodeURLOpen  = regexp.MustCompile(`(?i)^\[url=([^\]\s]+)\]`)
	bbcodeURLClose = regexp.MustCompile(`(?i)^\[/url\]`)
	bbcodeAtomic   = regexp.MustCompile(`(?i)^\[(code|img|url|email)\]([^\[\]\n]+)\[/(code|img|url|email)\]`)
)

type bbcodeParser struct{}

func (p *bbcodeParser) Trigger() []byte {
	return []byte{'['}
}

func (p *bbcodeParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	line, _ := block.PeekLine()

	if m := bbcodeAtomic.FindSubmatch(line); m != nil && strings.EqualFold(string(m[1]), string(m[3])) {
		block.Advance(len(m[0]))
		return &bbcodeNode{Tag: strings.ToLower(string(m[1])), Value: strings.TrimSpace(string(m[2])), Atomic: true}
	}
	if m := bbcodeURLOpen.FindSubmatch(line); m != nil {
		block.Advance(len(m[0]))
		return &bbcodeToken{Tag: "url", Href: string(m[1]), Raw: string(m[0])}
	}
	if m := bbcodeURLClose.Find(line); m != nil {
		block.Advance(len(m))
		return &bbcodeToken{Tag: "url", Close: true, Raw: string(m)}
	}
	if m := bbcodeSimple.FindSubmatch(line); m != nil {
		block.Advance(len(m[0]))
		return &bbcodeToken{Tag: strings.ToLower(string(m[2])), Close: len(m[1]) > 0, Raw: string(m[0])}
	}
	return nil
}

// bbcodeTransformer pairs open and close tokens among siblings. Tokens left
// without a partner render as the text they were written as.
type bbcodeTransformer struct{}

func (t *bbcodeTransformer) Transform(doc *ast.Document, _ text.Reader, _ parser.Context) {
	var parents []ast.Node
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.HasChildren() {
			parents = append(parents, n)
		}
		return ast.WalkContinue, nil
	})
	for _, p := range parents {
		pairTokens(p)
	}

	var leftover []*bbcodeToken
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if tok, ok := n.(*bbcodeToken); ok && entering {
			leftover = append(leftover, tok)
		}
		return ast.WalkContinue, nil
	})
	for _, tok := range leftover {
		tok.Parent().ReplaceChild(tok.Parent(), tok, ast.NewString([]byte(tok.Raw)))
	}
}

func pairTokens(parent ast.Node) {
	var open []*bbcodeToken
	for c := parent.FirstChild(); c != nil; {
		next := c.NextSibling()
		tok, ok := c.(*bbcodeToken)
		if !ok {
			c = next
			continue
		}
		if !tok.Close {
			open = append(open, tok)
			c = next
			continue
		}

		k := -1
		for i := len(open) - 1; i >= 0; i-- {
			if open[i].Tag == tok.Tag {
				k = i
				break
			}
		}
		if k < 0 {
			c = next
			continue
		}
		opener := open[k]
		open = open[:k]

		wrapper := &bbcodeNode{Tag: opener.Tag, Href: opener.Href}
		for s := opener.NextSibling(); s != nil && s != ast.Node(tok); {
			sn := s.NextSibling()
			wrapper.AppendChild(wrapper, s)
			s = sn
		}
		parent.ReplaceChild(parent, opener, wrapper)
		parent.RemoveChild(parent, tok)
		c = next
	}
}

// placeholderParser emits a span for an @mention or #hashtag. It only starts
// after whitespace, opening punctuation or the start of the block.
type placeholderParser struct {
	trigger byte
	class   string
	scan    func([]byte) int
}

func (p *placeholderParser) Trigger() []byte {
	return []byte{p.trigger}
}

func (p *placeholderParser) Parse(_ ast.Node, block text.Reader, pc parser.Context) ast.Node {
	if pc.IsInLinkLabel() || !textfmt.MentionBoundary(block.PrecendingCharacter()) {
		return nil
	}
	line, _ := block.PeekLine()
	if len(line) < 2 {
		return nil
	}
	n := p.scan(line[1:])
	if n == 0 {
		return nil
	}
	block.Advance(n + 1)
	return &placeholder{Class: p.class, Label: string(line[:n+1])}
}

type inlineRenderer struct{}

func (r *inlineRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(kindBBCode, r.renderBBCode)
	reg.Register(kindPlaceholder, r.renderPlaceholder)
}

func (r *inlineRenderer) renderBBCode(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*bbcodeNode)
	if n.Atomic {
		if entering {
			_, _ = w.WriteString(atomicHTML(n.Tag, n.Value))
		}
		return ast.WalkSkipChildren, nil
	}

	switch {
	case n.Tag == "url" && entering:
		_, _ = w.WriteString(`<a href="` + html.EscapeString(n.Href) + `" data-bbcode="true">`)
	case n.Tag == "url":
		_, _ = w.WriteString("</a>")
	case entering:
		_, _ = w.WriteString(`<span class="bbcode-` + n.Tag + `">`)
	default:
		_, _ = w.WriteString("</span>")
	}
	return ast.WalkContinue, nil
}

func atomicHTML(tag, value string) string {
	v := html.EscapeString(value)
	switch tag {
	case "code":
		return "<code>" + v + "</code>"
	case "img":
		return `<img src="` + v + `">`
	case "email":
		return `<a href="mailto:` + v + `" data-bbcode="true">` + v + "</a>"
	default:
		return `<a href="` + v + `" data-bbcode="true">` + v + "</a>"
	}
}

func (r *inlineRenderer) renderPlaceholder(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*placeholder)
		_, _ = w.WriteString(`<span class="` + n.Class + `">` + html.EscapeString(n.Label) + "</span>")
	}
	return ast.WalkContinue, nil
}
