package postprocess

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/store"
	"golang.org/x/net/html"
)

// absoluteURL makes src absolute against the install so it can be probed or
// matched against client-reported sizes.
func (r *run) absoluteURL(src string) string {
	switch {
	case strings.HasPrefix(src, "//"):
		return r.Settings.Scheme() + ":" + src
	case strings.HasPrefix(src, "/"):
		return r.Settings.Origin() + src
	}
	return src
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "//") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// localUpload parses raw when it points at an upload served by this install,
// its CDN or its S3 bucket.
func (r *run) localUpload(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	s := r.Settings
	if s.EnableS3Uploads && host != "" && host == hostOf(s.S3BucketURL) {
		return u, true
	}
	if !strings.Contains(u.Path, "/uploads/") {
		return nil, false
	}
	switch host {
	case "", strings.ToLower(s.Host()), hostOf(s.CDNURL):
		return u, true
	}
	return nil, false
}

// findUpload looks up the upload behind a URL or upload:// token. Results,
// misses included, are remembered for the rest of the run.
func (r *run) findUpload(ctx context.Context, raw string) *store.Upload {
	if raw == "" || r.Uploads == nil {
		return nil
	}
	if u, ok := r.uploads[raw]; ok {
		return u
	}

	var up *store.Upload
	var err error
	if strings.HasPrefix(raw, "upload://") {
		up, err = r.Uploads.FindBySHA1OrShortURL(ctx, raw)
	} else {
		up, err = r.Uploads.Get(ctx, raw)
		if errors.Is(err, store.ErrNotFound) {
			if u, ok := r.localUpload(raw); ok && u.Host != "" && u.Path != raw {
				up, err = r.Uploads.Get(ctx, u.Path)
			}
		}
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.warn(ctx, "upload lookup failed", err, slog.String("url", raw))
		}
		up = nil
	}
	r.uploads[raw] = up
	return up
}

// optimizeUploadURLs rewrites local upload references to their
// scheme-relative, CDN or secure form.
func (r *run) optimizeUploadURLs(ctx context.Context) {
	rewrite := func(n *html.Node, attr string, mediaSource bool) {
		v, ok := dom.Attr(n, attr)
		if !ok || v == "" {
			return
		}
		if out := r.uploadURL(ctx, v, mediaSource); out != v {
			dom.SetAttr(n, attr, out)
		}
	}

	for _, n := range dom.Nodes(r.doc.Find("a[href]")) {
		rewrite(n, "href", false)
	}
	for _, n := range dom.Nodes(r.doc.Find("a[data-download-href]")) {
		rewrite(n, "data-download-href", false)
	}
	for _, n := range dom.Nodes(r.doc.Find("img[src], track[src]")) {
		rewrite(n, "src", false)
	}
	for _, n := range dom.Nodes(r.doc.Find("source[src]")) {
		rewrite(n, "src", true)
	}
}

// uploadURL returns the optimized form of raw, or raw when it is not a local
// upload. Media sources keep using the CDN when anonymous downloads are
// prevented.
func (r *run) uploadURL(ctx context.Context, raw string, mediaSource bool) string {
	u, ok := r.localUpload(raw)
	if !ok {
		return raw
	}
	s := r.Settings

	up := r.findUpload(ctx, raw)
	if s.SecureUploads && up != nil && up.Secure && !up.CustomEmoji {
		return r.secureURL(u)
	}

	tail := u.EscapedPath()
	if u.RawQuery != "" {
		tail += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		tail += "#" + u.EscapedFragment()
	}

	if s.EnableS3Uploads && strings.EqualFold(u.Hostname(), hostOf(s.S3BucketURL)) {
		if s.S3CDNURL != "" {
			return "//" + hostOf(s.S3CDNURL) + tail
		}
		return "//" + u.Host + tail
	}

	useCDN := s.CDNURL != "" && !s.LoginRequired && (mediaSource || !s.PreventAnonymousDownloads)
	if useCDN {
		return "//" + hostOf(s.CDNURL) + tail
	}
	host := u.Host
	if host == "" || strings.EqualFold(u.Hostname(), hostOf(s.CDNURL)) {
		host = r.baseHost()
	}
	return "//" + host + tail
}

// secureURL routes an upload through the access-checked endpoint.
func (r *run) secureURL(u *url.URL) string {
	p := u.EscapedPath()
	if i := strings.Index(p, "/uploads/"); i >= 0 {
		p = p[i+len("/uploads/"):]
	} else {
		p = strings.TrimPrefix(p, "/")
	}
	return "//" + r.baseHost() + r.Settings.BasePath() + "/secure-uploads/" + p
}

// baseHost is the host and port of the install.
func (r *run) baseHost() string {
	u, err := url.Parse(r.Settings.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// stripUserParam drops the u= share tracking parameter from links to this
// install.
func (r *run) stripUserParam(_ context.Context) {
	host := strings.ToLower(r.Settings.Host())
	for _, a := range dom.Nodes(r.doc.Find("a[href]")) {
		href := dom.AttrOr(a, "href", "")
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") && !strings.HasPrefix(href, "//") {
			continue
		}
		u, err := url.Parse(href)
		if err != nil || strings.ToLower(u.Hostname()) != host || u.RawQuery == "" {
			continue
		}

		var kept []string
		removed := false
		for _, part := range strings.Split(u.RawQuery, "&") {
			key, _, _ := strings.Cut(part, "=")
			if k, err := url.QueryUnescape(key); err == nil && k == "u" {
				removed = true
				continue
			}
			kept = append(kept, part)
		}
		if !removed {
			continue
		}
		u.RawQuery = strings.Join(kept, "&")
		u.ForceQuery = false
		dom.SetAttr(a, "href", u.String())
	}
}
