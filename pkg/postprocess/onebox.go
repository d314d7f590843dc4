package postprocess

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/media"
	"github.com/imeyer/cooked/pkg/store"
	xhtml "golang.org/x/net/html"
)

var (
	inQuote      = dom.Tag("", "quote")
	inOnebox     = func(n *xhtml.Node) bool { return dom.HasClass(n, "onebox") || dom.HasClass(n, "onebox-body") }
	inGitHubTree = dom.Tag("", "onebox", "githubfolder")
	inAspect     = func(n *xhtml.Node) bool {
		return dom.HasClass(n, "aspect-image") || dom.HasClass(n, "aspect-image-full-size")
	}
)

var fullSizeParents = []string{"scale-images", "tweet-images", "instagram-images"}

// oneboxes expands bare links into previews, then fixes link rel, hotlinked
// media and image sizing inside the previews.
func (r *run) oneboxes(ctx context.Context) {
	for _, a := range dom.Nodes(r.doc.Find("a.onebox[href]")) {
		if dom.Closest(a, inQuote) != nil {
			continue
		}
		preview := r.preview(ctx, dom.AttrOr(a, "href", ""))
		if strings.TrimSpace(preview) == "" {
			continue
		}
		r.res.HasOneboxes = true

		target := a
		if p := a.Parent; dom.IsElement(p, "p") && onlyContent(p, a) {
			target = p
		}
		dom.Replace(target, dom.Fragment(r.Sanitizer.Sanitize(preview))...)
	}

	r.applyRel(ctx)

	for _, img := range dom.Nodes(r.doc.Find(".onebox img, .onebox-body img, img.onebox")) {
		if img.Parent == nil {
			continue
		}
		if r.hotlink(ctx, img) {
			continue
		}
		sizeOneboxImage(img)
	}

	for _, box := range dom.Nodes(r.doc.Find(".onebox, .onebox-body")) {
		if box.Parent == nil || dom.IsElement(box, "a", "img") {
			continue
		}
		if !hasImage(box) && strings.TrimSpace(dom.TextContent(box)) == "" {
			dom.Remove(box)
		}
	}
}

// preview returns the onebox HTML for href, or "" when there is none. Local
// audio and video uploads get a player without a fetch.
func (r *run) preview(ctx context.Context, href string) string {
	if _, local := r.localUpload(href); local {
		esc := html.EscapeString(href)
		switch {
		case media.IsVideo(href):
			return `<div class="onebox video-onebox"><video width="100%" height="100%" controls=""><source src="` + esc + `"><a href="` + esc + `">` + esc + `</a></video></div>`
		case media.IsAudio(href):
			return `<audio controls=""><source src="` + esc + `"><a href="` + esc + `">` + esc + `</a></audio>`
		case media.IsImage(href):
			return ""
		}
	}
	if r.Oneboxes == nil {
		return ""
	}
	out, err := r.Oneboxes.Fetch(ctx, href, store.OneboxOptions{
		Invalidate: r.pc.InvalidateOneboxes,
		UserID:     r.pc.Post.UserID,
		CategoryID: r.pc.Topic.CategoryID,
	})
	if err != nil {
		r.warn(ctx, "onebox fetch failed", err, slog.String("url", href))
		return ""
	}
	return out
}

// onlyContent reports whether n is p's only child apart from whitespace and
// line breaks.
func onlyContent(p, n *xhtml.Node) bool {
	for c := p.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c == n:
		case c.Type == xhtml.TextNode && strings.TrimSpace(c.Data) == "":
		case dom.IsElement(c, "br"):
		default:
			return false
		}
	}
	return true
}

// applyRel sets rel on every external link. Links from trusted authors and
// to excluded domains are followed.
func (r *run) applyRel(ctx context.Context) {
	nofollow := r.Settings.AddRelNofollow && !r.pc.OmitNofollow
	if nofollow && r.pc.Author != nil && !r.Settings.TL3LinksNoFollow && r.Permissions != nil &&
		r.Permissions.IsStaffOrHigherTrust(ctx, r.pc.Author.ID, 3) {
		nofollow = false
	}

	for _, a := range dom.Nodes(r.doc.Find("a[href]")) {
		host := r.Settings.ExternalHost(dom.AttrOr(a, "href", ""))
		if host == "" {
			continue
		}
		rel := "noopener"
		if nofollow && !r.Settings.NofollowExcluded(host) {
			rel += " nofollow ugc"
		}
		dom.SetAttr(a, "rel", rel)
	}
}

// hotlink applies the recorded download state of a remote image. It reports
// whether img was replaced or removed.
func (r *run) hotlink(ctx context.Context, img *xhtml.Node) bool {
	if r.Hotlinked == nil {
		return false
	}
	src := dom.AttrOr(img, "src", "")
	if src == "" {
		return false
	}
	h, err := r.Hotlinked.StatusFor(ctx, r.pc.Post.ID, src)
	if err != nil {
		r.warn(ctx, "hotlinked media lookup failed", err, slog.String("url", src))
		return false
	}
	if h == nil {
		return false
	}

	switch h.Status {
	case store.HotlinkDownloaded:
		if h.Upload != nil && h.Upload.URL != "" {
			dom.SetAttr(img, "src", h.Upload.URL)
		}
		return false
	case store.HotlinkTooLarge, store.HotlinkDownloadFailed:
	default:
		return false
	}

	if box := dom.Closest(img, inOnebox); box != nil && hasOtherElements(box, img) {
		dom.Remove(img)
		return true
	}
	if h.Status == store.HotlinkTooLarge {
		dom.Replace(img, r.largeImagePlaceholder(src))
	} else {
		dom.Replace(img, r.brokenImage())
	}
	return true
}

// hasOtherElements reports whether box holds element children besides the
// branch leading to img.
func hasOtherElements(box, img *xhtml.Node) bool {
	for _, c := range dom.ElementChildren(box) {
		if c != img && !contains(c, img) {
			return true
		}
	}
	return false
}

func hasImage(n *xhtml.Node) bool {
	found := false
	dom.Walk(n, func(c *xhtml.Node) bool {
		if dom.IsElement(c, "img") {
			found = true
		}
		return !found
	})
	return found
}

func contains(ancestor, n *xhtml.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func (r *run) largeImagePlaceholder(src string) *xhtml.Node {
	limit := humanize.IBytes(uint64(r.Settings.MaxImageSizeKB) * 1024)

	div := dom.Element("div", "class", "large-image-placeholder")
	a := dom.Element("a", "href", src, "target", "_blank", "rel", "noopener nofollow ugc", "class", "link")
	a.AppendChild(dom.Icon("far-image"))
	url := dom.Element("span", "class", "url")
	url.AppendChild(dom.Text(src))
	a.AppendChild(url)
	help := dom.Element("span", "class", "help")
	help.AppendChild(dom.Text(r.Translator.T(i18n.ImageTooLarge, limit)))
	a.AppendChild(help)
	div.AppendChild(a)
	return div
}

func (r *run) brokenImage() *xhtml.Node {
	span := dom.Element("span", "class", "broken-image", "title", r.Translator.T(i18n.BrokenImage))
	span.AppendChild(dom.Icon("unlink"))
	return span
}

// sizeOneboxImage reserves space for a preview image from its declared size.
func sizeOneboxImage(img *xhtml.Node) {
	if dom.Closest(img, inAspect) != nil {
		return
	}
	w, _ := strconv.Atoi(dom.AttrOr(img, "width", ""))
	h, _ := strconv.Atoi(dom.AttrOr(img, "height", ""))
	if w <= 0 || h <= 0 {
		return
	}

	switch {
	case w == h && dom.Closest(img, dom.Tag("", "onebox-body")) != nil:
		dom.AddClass(img, "onebox-avatar")
		return
	case w < 64 && h < 64:
		dom.AddClass(img, "onebox-full-image")
		return
	}

	style := fmt.Sprintf("--aspect-ratio:%d/%d;", w, h)
	dom.RemoveAttr(img, "width", "height")
	if p := img.Parent; p != nil {
		for _, c := range fullSizeParents {
			if dom.HasClass(p, c) {
				dom.AddClass(p, "aspect-image-full-size")
				dom.SetAttr(p, "style", style)
				return
			}
		}
	}
	dom.Wrap(img, dom.Element("div", "class", "aspect-image", "style", style))
}
