// Package textfmt holds the inline micro-formatters that run over rendered
// text: emoji, mentions, hashtags and watched words.
package textfmt

import (
	"github.com/imeyer/cooked/pkg/dom"
	"golang.org/x/net/html"
)

// protected reports elements whose text the formatters leave alone.
func protected(n *html.Node) bool {
	switch {
	case dom.IsElement(n, "code", "pre", "script", "style", "svg"):
		return true
	case dom.IsElement(n, "a") && (dom.HasClass(n, "mention") || dom.HasClass(n, "mention-group") || dom.HasClass(n, "hashtag-cooked")):
		return true
	case dom.IsElement(n, "span") && (dom.HasClass(n, "mention") || dom.HasClass(n, "hashtag-raw")):
		return true
	}
	return false
}

// eachText calls fn for every text node under root outside protected
// elements. A non-nil result replaces the text node.
func eachText(root *html.Node, fn func(n *html.Node) []*html.Node) {
	dom.Walk(root, func(n *html.Node) bool {
		switch n.Type {
		case html.TextNode:
			if out := fn(n); out != nil {
				dom.Replace(n, out...)
			}
			return false
		case html.ElementNode:
			return !protected(n)
		}
		return true
	})
}

func insideLink(n *html.Node) bool {
	return dom.Closest(n, dom.Tag("a")) != nil
}
