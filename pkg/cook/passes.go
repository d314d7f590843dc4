package cook

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/sanitize"
	"github.com/imeyer/cooked/pkg/textfmt"
	"golang.org/x/net/html"
)

// applyPasses runs the DOM passes in their fixed order. Lookup failures are
// logged and leave the affected markup unresolved.
func (e *Engine) applyPasses(ctx context.Context, doc *dom.Document, opts RenderOptions, f featureSet) {
	body := doc.Body()

	if f[FeatureEmoji] {
		e.Emoji.Apply(body, e.Settings.EnableEmojiShortcuts)
	}

	if f[FeatureMentions] {
		err := textfmt.ResolveMentions(ctx, body, e.Mentions, textfmt.MentionOptions{
			Enabled:  e.Settings.EnableMentions,
			BasePath: e.Settings.BasePath(),
			UserID:   opts.UserID,
		})
		if err != nil {
			e.Logger.WarnContext(ctx, "mention lookup failed", slog.String("error", err.Error()))
		}
	}

	if f[FeatureHashtags] {
		if err := textfmt.ResolveHashtags(ctx, body, e.Hashtags, opts.UserID); err != nil {
			e.Logger.WarnContext(ctx, "hashtag lookup failed", slog.String("error", err.Error()))
		}
	}

	if f[FeatureWatchedWords] && !e.WatchedWords.Empty() {
		e.WatchedWords.Apply(body)
	}

	applyImageMarkers(body)

	if f[FeatureUploads] {
		e.resolveUploads(ctx, body)
	}

	if f[FeatureOnebox] {
		markOneboxes(body)
	}

	e.applyRel(body, opts)

	for _, filter := range e.Registry.Document.Active(ctx) {
		filter(ctx, doc)
	}

	markBidi(body, e.Translator.T(i18n.BidiCharacterWarning))
}

var (
	altSize      = regexp.MustCompile(`^(\d+)x(\d+)(?:,\s*(\d+)%)?$`)
	altThumbnail = "thumbnail"
)

// applyImageMarkers reads "alt|WxH, P%" and "alt|thumbnail" from image alt
// text into attributes.
func applyImageMarkers(root *html.Node) {
	for _, img := range findAll(root, "img") {
		alt, ok := dom.Attr(img, "alt")
		if !ok || !strings.Contains(alt, "|") {
			continue
		}
		parts := strings.Split(alt, "|")
		kept := []string{parts[0]}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if p == altThumbnail {
				dom.SetAttr(img, "data-thumbnail", "true")
				continue
			}
			m := altSize.FindStringSubmatch(p)
			if m == nil {
				kept = append(kept, p)
				continue
			}
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			if m[3] != "" {
				pct, _ := strconv.Atoi(m[3])
				w = w * pct / 100
				h = h * pct / 100
			}
			dom.SetAttr(img, "width", strconv.Itoa(w))
			dom.SetAttr(img, "height", strconv.Itoa(h))
		}
		dom.SetAttr(img, "alt", strings.Join(kept, "|"))
	}
}

// resolveUploads swaps upload:// references for upload URLs, keeping the
// short form in data-orig-src or data-orig-href.
func (e *Engine) resolveUploads(ctx context.Context, root *html.Node) {
	resolve := func(n *html.Node, attr, orig string) {
		v, ok := dom.Attr(n, attr)
		if !ok || !strings.HasPrefix(v, "upload://") {
			return
		}
		dom.SetAttr(n, orig, v)
		if e.Uploads == nil {
			return
		}
		u, err := e.Uploads.FindBySHA1OrShortURL(ctx, v)
		if err != nil {
			e.Logger.DebugContext(ctx, "unresolved upload reference", slog.String("url", v), slog.String("error", err.Error()))
			return
		}
		dom.SetAttr(n, attr, u.URL)
	}
	for _, img := range findAll(root, "img") {
		resolve(img, "src", "data-orig-src")
	}
	for _, a := range findAll(root, "a") {
		resolve(a, "href", "data-orig-href")
	}
}

// markOneboxes adds class onebox to a link that is the only content of a
// top-level paragraph and reads as its own URL.
func markOneboxes(root *html.Node) {
	for p := root.FirstChild; p != nil; p = p.NextSibling {
		if !dom.IsElement(p, "p") {
			continue
		}
		var link *html.Node
		alone := true
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			switch {
			case c.Type == html.TextNode && strings.TrimSpace(c.Data) == "":
			case dom.IsElement(c, "a") && link == nil:
				link = c
			default:
				alone = false
			}
		}
		if !alone || link == nil {
			continue
		}
		href := dom.AttrOr(link, "href", "")
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
			continue
		}
		if strings.TrimSpace(dom.TextContent(link)) != href {
			continue
		}
		dom.AddClass(link, "onebox")
	}
}

// applyRel marks links to other hosts.
func (e *Engine) applyRel(root *html.Node, opts RenderOptions) {
	rel := "noopener nofollow ugc"
	if opts.OmitNofollow || !e.Settings.AddRelNofollow {
		rel = "noopener"
	}
	for _, a := range findAll(root, "a") {
		host := e.Settings.ExternalHost(dom.AttrOr(a, "href", ""))
		if host == "" {
			continue
		}
		if e.Settings.NofollowExcluded(host) {
			dom.SetAttr(a, "rel", "noopener")
			continue
		}
		dom.SetAttr(a, "rel", rel)
	}
}

// markBidi replaces bidi control characters inside code with visible
// warnings.
func markBidi(root *html.Node, title string) {
	var texts []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if n.Type == html.TextNode && strings.ContainsFunc(n.Data, sanitize.IsBidi) &&
			dom.Closest(n, func(p *html.Node) bool { return dom.IsElement(p, "code", "pre") }) != nil {
			texts = append(texts, n)
		}
		return true
	})

	for _, t := range texts {
		var out []*html.Node
		var run strings.Builder
		for _, r := range t.Data {
			if !sanitize.IsBidi(r) {
				run.WriteRune(r)
				continue
			}
			if run.Len() > 0 {
				out = append(out, dom.Text(run.String()))
				run.Reset()
			}
			span := dom.Element("span", "class", "bidi-warning", "title", title)
			span.AppendChild(dom.Text(fmt.Sprintf("<U+%04X>", r)))
			out = append(out, span)
		}
		if run.Len() > 0 {
			out = append(out, dom.Text(run.String()))
		}
		dom.Replace(t, out...)
	}
}

func findAll(root *html.Node, tag string) []*html.Node {
	var out []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if dom.IsElement(n, tag) {
			out = append(out, n)
		}
		return true
	})
	return out
}
