package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/media"
	"github.com/imeyer/cooked/pkg/store"
	xhtml "golang.org/x/net/html"
)

var animatedHosts = regexp.MustCompile(`(giphy|tenor)\.com/`)

// imageInfo is what the images stage knows about one img element.
type imageInfo struct {
	Src      string
	Width    int
	Height   int
	Animated bool
	SVG      bool
}

// postImage reports whether img is content rather than chrome: emoji, avatars,
// quoted images and onebox furniture are excluded.
func postImage(img *xhtml.Node) bool {
	src := dom.AttrOr(img, "src", "")
	switch {
	case src == "", strings.HasPrefix(src, "data:"):
		return false
	case dom.HasClass(img, "emoji"), dom.HasClass(img, "site-icon"), dom.HasClass(img, "onebox-avatar"), dom.HasClass(img, "avatar"):
		return false
	case dom.Closest(img, inQuote) != nil, dom.Closest(img, inGitHubTree) != nil:
		return false
	}
	return true
}

func oneboxImage(img *xhtml.Node) bool {
	return dom.HasClass(img, "onebox") || dom.Closest(img, inOnebox) != nil
}

// images sizes post images, creates thumbnails for large uploads and wraps
// them in a lightbox.
func (r *run) images(ctx context.Context) {
	for _, img := range dom.Nodes(r.doc.Find("img[src]")) {
		if !postImage(img) || oneboxImage(img) {
			continue
		}
		if dom.Closest(img, dom.Tag("div", "lightbox-wrapper")) != nil {
			continue
		}
		if r.hotlink(ctx, img) {
			continue
		}
		r.processImage(ctx, img)
	}
}

func (r *run) processImage(ctx context.Context, img *xhtml.Node) {
	src := dom.AttrOr(img, "src", "")
	upload := r.findUpload(ctx, dom.AttrOr(img, "data-orig-src", src))

	info := imageInfo{
		Src:      src,
		Animated: animatedHosts.MatchString(src),
		SVG:      media.Extension(src) == "svg",
	}
	if upload != nil {
		info.Animated = info.Animated || upload.Animated
		info.SVG = info.SVG || upload.IsSVG()
	}

	original := r.originalSize(ctx, src, upload)
	display := r.displaySize(img, original)
	if !display.Valid() {
		return
	}
	info.Width, info.Height, _ = r.sizer.Target(display.Width, display.Height)
	dom.SetAttr(img, "width", strconv.Itoa(info.Width))
	dom.SetAttr(img, "height", strconv.Itoa(info.Height))

	if upload != nil && upload.DominantColor != "" {
		dom.SetAttr(img, "data-dominant-color", upload.DominantColor)
	}
	if info.Animated {
		dom.AddClass(img, "animated")
		return
	}

	if !original.Valid() {
		original = display
	}
	if !r.sizer.IsLarge(original.Width, original.Height) {
		return
	}
	_, _, crop := r.sizer.Target(original.Width, original.Height)

	// only uploads get thumbnails; remote images are still lightboxed
	var thumbs []store.OptimizedImage
	if upload != nil {
		thumbs = r.thumbnails(ctx, upload, info.Width, info.Height, crop)
	}
	if dom.Closest(img, dom.Tag("a")) != nil || info.SVG {
		return
	}
	r.lightbox(img, upload, original)
	if upload != nil {
		r.optimizeSrc(img, upload, info, thumbs, crop)
	}
}

// originalSize is the intrinsic size of the image, from its upload record or
// a remote probe of http(s) URLs.
func (r *run) originalSize(ctx context.Context, src string, upload *store.Upload) media.Size {
	if upload != nil && upload.Width > 0 && upload.Height > 0 {
		return media.Size{Width: upload.Width, Height: upload.Height}
	}
	abs := r.absoluteURL(src)
	if r.Probe == nil || !(strings.HasPrefix(abs, "http://") || strings.HasPrefix(abs, "https://")) {
		return media.Size{}
	}
	if s, ok := r.probed[abs]; ok {
		return s
	}

	s, err := r.Probe.Size(ctx, abs)
	if err != nil {
		var fe *media.FetchError
		attrs := []any{slog.String("url", abs)}
		if errors.As(err, &fe) && fe.Status != 0 {
			attrs = append(attrs, slog.Int("status", fe.Status))
		}
		r.warn(ctx, "image size probe failed", err, attrs...)
		s = media.Size{}
	}
	r.probed[abs] = s
	return s
}

// displaySize picks the size the image is shown at: client measurements,
// then attributes, then the intrinsic size. A single attribute is completed
// from the intrinsic aspect ratio.
func (r *run) displaySize(img *xhtml.Node, original media.Size) media.Size {
	if s, ok := r.pc.ImageSizes[r.absoluteURL(dom.AttrOr(img, "src", ""))]; ok && s.Valid() {
		return s
	}

	w, _ := strconv.Atoi(dom.AttrOr(img, "width", ""))
	h, _ := strconv.Atoi(dom.AttrOr(img, "height", ""))
	switch {
	case w > 0 && h > 0:
		return media.Size{Width: w, Height: h}
	case w > 0 && original.Valid():
		aspect := float64(original.Width) / float64(original.Height)
		return media.Size{Width: w, Height: int(math.Round(float64(w) / aspect))}
	case h > 0 && original.Valid():
		aspect := float64(original.Width) / float64(original.Height)
		return media.Size{Width: int(math.Round(float64(h) * aspect)), Height: h}
	}
	return original
}

// thumbnails returns the optimized images of upload, creating the display
// size and each responsive scale that fits the original.
func (r *run) thumbnails(ctx context.Context, upload *store.Upload, w, h int, crop bool) []store.OptimizedImage {
	var existing []store.OptimizedImage
	if r.Uploads != nil {
		var err error
		existing, err = r.Uploads.OptimizedImages(ctx, upload.ID)
		if err != nil {
			r.warn(ctx, "optimized image lookup failed", err, slog.Int64("upload_id", upload.ID))
		}
	}
	if r.Optimizer == nil || !r.Settings.CreateThumbnails {
		return existing
	}

	want := []media.Size{{Width: w, Height: h}}
	for _, ratio := range r.Settings.ResponsiveRatios() {
		rw, rh := int(float64(w)*ratio), int(float64(h)*ratio)
		if rw > upload.Width {
			break
		}
		want = append(want, media.Size{Width: rw, Height: rh})
	}

	for _, s := range want {
		if _, ok := store.Thumbnail(existing, s.Width, s.Height); ok {
			continue
		}
		oi, err := r.Optimizer.Create(ctx, upload, s.Width, s.Height, crop)
		if err != nil {
			r.warn(ctx, "thumbnail creation failed", err,
				slog.Int64("upload_id", upload.ID), slog.String("size", s.String()))
			continue
		}
		existing = append(existing, *oi)
	}
	return existing
}

// lightbox wraps img in a link to the full-size image with a caption bar.
// upload is nil for remote images: the link then points at src and the
// caption carries no file size.
func (r *run) lightbox(img *xhtml.Node, upload *store.Upload, original media.Size) {
	title := dom.AttrOr(img, "title", "")
	if title == "" {
		title = dom.AttrOr(img, "alt", "")
	}
	if title == "" {
		if upload != nil {
			title = upload.OriginalFilename
		} else {
			title = remoteFilename(dom.AttrOr(img, "src", ""))
		}
	}
	if title == "blob" || title == "blob.png" {
		title = r.Translator.T(i18n.PastedImageFilename)
	}

	var a *xhtml.Node
	if upload != nil {
		a = dom.Element("a", "class", "lightbox", "href", upload.URL,
			"data-download-href", upload.ShortPath(r.Settings.BasePath())+"?dl=1", "title", title)
	} else {
		a = dom.Element("a", "class", "lightbox", "href", dom.AttrOr(img, "src", ""), "title", title)
	}
	dom.Wrap(img, a)

	informations := fmt.Sprintf("%d×%d", original.Width, original.Height)
	if upload != nil && upload.Filesize > 0 {
		informations += " " + humanize.IBytes(uint64(upload.Filesize))
	}

	meta := dom.Element("div", "class", "meta")
	meta.AppendChild(dom.Icon("far-image"))
	filename := dom.Element("span", "class", "filename")
	filename.AppendChild(dom.Text(title))
	meta.AppendChild(filename)
	info := dom.Element("span", "class", "informations")
	info.AppendChild(dom.Text(informations))
	meta.AppendChild(info)
	meta.AppendChild(dom.Icon("discourse-expand"))
	a.AppendChild(meta)

	dom.Wrap(a, dom.Element("div", "class", "lightbox-wrapper"))
}

// optimizeSrc points img at its display-size thumbnail and lists the larger
// scales in srcset.
func (r *run) optimizeSrc(img *xhtml.Node, upload *store.Upload, info imageInfo, thumbs []store.OptimizedImage, crop bool) {
	base, ok := store.Thumbnail(thumbs, info.Width, info.Height)
	if !ok || base.Width >= upload.Width {
		return
	}
	dom.SetAttr(img, "src", base.URL)
	if crop {
		return
	}

	entries := []string{base.URL}
	for _, ratio := range r.Settings.ResponsiveRatios() {
		scale := strconv.FormatFloat(ratio, 'f', -1, 64) + "x"
		rw, rh := int(float64(info.Width)*ratio), int(float64(info.Height)*ratio)
		if rw > upload.Width {
			entries = append(entries, upload.URL+" "+scale)
			break
		}
		if oi, ok := store.Thumbnail(thumbs, rw, rh); ok {
			entries = append(entries, oi.URL+" "+scale)
		}
	}
	if len(entries) > 1 {
		dom.SetAttr(img, "srcset", strings.Join(entries, ", "))
	}
}

// remoteFilename is the last path segment of src without its query.
func remoteFilename(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	return path.Base(src)
}
