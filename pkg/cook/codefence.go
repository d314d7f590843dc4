package cook

import (
	"html"
	"regexp"
	"strings"

	"github.com/imeyer/cooked/pkg/sanitize"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

var (
	fenceKeyStrip  = regexp.MustCompile(`[^\w-]`)
	fenceLangStrip = regexp.MustCompile(`[^\w.+#-]`)
	htmlTag        = regexp.MustCompile(`<[^>]*>`)
)

// FenceAttr is a key=value pair from a fence info string.
type FenceAttr struct {
	Key   string
	Value string
}

// ParseFenceInfo splits "lang key=value ..." into the language token and the
// cleaned attributes. An empty language is "auto".
func ParseFenceInfo(info string) (string, []FenceAttr) {
	lang := "auto"
	var attrs []FenceAttr
	for i, field := range strings.Fields(info) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			if i == 0 {
				if l := fenceLangStrip.ReplaceAllString(field, ""); l != "" {
					lang = l
				}
			}
			continue
		}
		k = fenceKeyStrip.ReplaceAllString(k, "")
		if k == "" {
			continue
		}
		v = strings.Trim(v, `"'`)
		v = htmlTag.ReplaceAllString(v, "")
		v = strings.Map(func(r rune) rune {
			if sanitize.IsBidi(r) {
				return -1
			}
			return r
		}, v)
		attrs = append(attrs, FenceAttr{Key: strings.ToLower(k), Value: v})
	}
	return lang, attrs
}

// codeFenceRenderer writes <pre data-code-k="v"><code class="lang-x">.
type codeFenceRenderer struct{}

func (r *codeFenceRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.render)
}

func (r *codeFenceRenderer) render(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.FencedCodeBlock)
	if !entering {
		_, _ = w.WriteString("</code></pre>\n")
		return ast.WalkContinue, nil
	}

	var info string
	if n.Info != nil {
		info = string(n.Info.Segment.Value(source))
	}
	lang, attrs := ParseFenceInfo(info)

	_, _ = w.WriteString("<pre")
	for _, a := range attrs {
		_, _ = w.WriteString(` data-code-` + a.Key + `="` + html.EscapeString(a.Value) + `"`)
	}
	_, _ = w.WriteString(`><code class="lang-` + html.EscapeString(lang) + `">`)
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		_, _ = w.Write(util.EscapeHTML(line.Value(source)))
	}
	return ast.WalkContinue, nil
}
