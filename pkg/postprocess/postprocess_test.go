package postprocess

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/imeyer/cooked/pkg/config"
	"github.com/imeyer/cooked/pkg/cook"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/media"
	"github.com/imeyer/cooked/pkg/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bigUploadURL   = "/uploads/default/original/1X/big.png"
	smallUploadURL = "/uploads/default/original/1X/small.png"
	bigSHA1        = "0123456789abcdef0123456789abcdef01234567"
)

type MockProbe struct {
	SizeFunc func(ctx context.Context, url string) (media.Size, error)
	calls    int
}

func (m *MockProbe) Size(ctx context.Context, url string) (media.Size, error) {
	m.calls++
	if m.SizeFunc != nil {
		return m.SizeFunc(ctx, url)
	}
	return media.Size{}, &media.FetchError{URL: url, Status: 404}
}

type cookerFunc func(ctx context.Context, raw string, opts cook.RenderOptions) string

func (f cookerFunc) Cook(ctx context.Context, raw string, opts cook.RenderOptions) string {
	return f(ctx, raw, opts)
}

// paragraphCooker stands in for the cook engine when re-rendering quoted
// posts.
var paragraphCooker = cookerFunc(func(_ context.Context, raw string, _ cook.RenderOptions) string {
	return "<p>" + raw + "</p>"
})

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.BaseURL = "http://forum.example.com"
	s.ExcludeRelNofollowDomains = "trusted.org"
	return s
}

func newTestProcessor(t *testing.T, mem *store.Memory, mutate ...func(*Deps)) *Processor {
	t.Helper()
	d := Deps{
		Settings:    testSettings(),
		Uploads:     mem,
		Posts:       mem,
		Permissions: mem,
		Oneboxes:    mem,
		Hotlinked:   mem,
		Badges:      mem,
		Revisor:     mem,
		Images:      mem,
		Optimizer:   mem,
		Cooker:      paragraphCooker,
	}
	for _, m := range mutate {
		m(&d)
	}
	return New(d)
}

func process(t *testing.T, p *Processor, markup string, pc PostContext) *Result {
	t.Helper()
	res, err := p.PostProcess(context.Background(), dom.MustParse(markup), pc)
	require.NoError(t, err)
	return res
}

func addUploads(mem *store.Memory) {
	mem.AddUpload(&store.Upload{
		ID:               1,
		URL:              bigUploadURL,
		SHA1:             bigSHA1,
		OriginalFilename: "big.png",
		Width:            1750,
		Height:           2000,
		Filesize:         204800,
		Extension:        "png",
		DominantColor:    "AABBCC",
	})
	mem.AddUpload(&store.Upload{
		ID:               2,
		URL:              smallUploadURL,
		SHA1:             "89abcdef0123456789abcdef0123456789abcdef",
		OriginalFilename: "small.png",
		Width:            300,
		Height:           200,
		Filesize:         2048,
		Extension:        "png",
	})
}

func TestOneboxes(t *testing.T) {
	const article = "https://example.org/article"
	preview := `<aside class="onebox"><article class="onebox-body"><h3><a href="` + article + `">Article</a></h3></article></aside>`

	t.Run("remote preview replaces paragraph", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddOnebox(article, preview)
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p><a href="`+article+`" class="onebox">`+article+`</a></p>`, PostContext{})
		assert.True(t, res.HasOneboxes)
		assert.Equal(t, 0, res.Document.Find("p").Length())
		link := res.Document.Find("aside.onebox article.onebox-body h3 a")
		require.Equal(t, 1, link.Length())
		assert.Equal(t, "noopener nofollow ugc", link.AttrOr("rel", ""))
	})

	t.Run("anchor inside text keeps paragraph", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddOnebox(article, preview)
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p>see <a href="`+article+`" class="onebox">`+article+`</a></p>`, PostContext{})
		assert.True(t, res.HasOneboxes)
		assert.Equal(t, 1, res.Document.Find("p > aside.onebox").Length())
	})

	t.Run("no preview", func(t *testing.T) {
		p := newTestProcessor(t, store.NewMemory())

		res := process(t, p, `<p><a href="`+article+`" class="onebox">`+article+`</a></p>`, PostContext{})
		assert.False(t, res.HasOneboxes)
		assert.Equal(t, 1, res.Document.Find("p > a.onebox").Length())
	})

	t.Run("quoted links are not expanded", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddOnebox(article, preview)
		p := newTestProcessor(t, mem)

		res := process(t, p, `<aside class="quote"><blockquote><p><a href="`+article+`" class="onebox">`+article+`</a></p></blockquote></aside>`, PostContext{})
		assert.False(t, res.HasOneboxes)
		assert.Equal(t, 1, res.Document.Find("a.onebox").Length())
	})

	t.Run("local video", func(t *testing.T) {
		p := newTestProcessor(t, store.NewMemory())
		src := "/uploads/default/original/1X/clip.mp4"

		res := process(t, p, `<p><a href="`+src+`" class="onebox">clip</a></p>`, PostContext{})
		assert.True(t, res.HasOneboxes)
		source := res.Document.Find("div.onebox.video-onebox video source")
		require.Equal(t, 1, source.Length())
		assert.Equal(t, "//forum.example.com"+src, source.AttrOr("src", ""))
	})

	t.Run("local image is never wrapped", func(t *testing.T) {
		p := newTestProcessor(t, store.NewMemory())

		res := process(t, p, `<p><a href="/uploads/default/original/1X/a.png" class="onebox">a</a></p>`, PostContext{})
		assert.False(t, res.HasOneboxes)
		assert.Equal(t, 1, res.Document.Find("p > a.onebox").Length())
	})
}

func TestLinkRel(t *testing.T) {
	mem := store.NewMemory()
	mem.AddUser(&store.User{ID: 5, Username: "regular", TrustLevel: 3})
	mem.AddUser(&store.User{ID: 6, Username: "newbie", TrustLevel: 1})

	tests := []struct {
		name   string
		href   string
		author *store.User
		mutate func(*Deps)
		omit   bool
		want   string
	}{
		{"external", "https://example.org/x", nil, nil, false, "noopener nofollow ugc"},
		{"excluded domain", "https://docs.trusted.org/x", nil, nil, false, "noopener"},
		{"omit nofollow", "https://example.org/x", nil, nil, true, "noopener"},
		{"trusted author", "https://example.org/x", &store.User{ID: 5}, nil, false, "noopener"},
		{"untrusted author", "https://example.org/x", &store.User{ID: 6}, nil, false, "noopener nofollow ugc"},
		{"tl3 still nofollow", "https://example.org/x", &store.User{ID: 5}, func(d *Deps) { d.Settings.TL3LinksNoFollow = true }, false, "noopener nofollow ugc"},
		{"setting off", "https://example.org/x", nil, func(d *Deps) { d.Settings.AddRelNofollow = false }, false, "noopener"},
		{"internal", "http://forum.example.com/t/1", nil, nil, false, ""},
		{"relative", "/t/1", nil, nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Deps)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			p := newTestProcessor(t, mem, mutate...)

			res := process(t, p, `<p><a href="`+tt.href+`">x</a></p>`, PostContext{Author: tt.author, OmitNofollow: tt.omit})
			assert.Equal(t, tt.want, res.Document.Find("a").AttrOr("rel", ""))
		})
	}
}

func TestHotlinkedImages(t *testing.T) {
	const remote = "https://cdn.other.com/big.png"
	post := &store.Post{ID: 1, TopicID: 7, PostNumber: 2}

	t.Run("too large", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddHotlinked(post.ID, &store.HotlinkedMedia{URL: remote, Status: store.HotlinkTooLarge})
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p><img src="`+remote+`"></p>`, PostContext{Post: post})
		assert.Equal(t, 0, res.Document.Find("img").Length())
		placeholder := res.Document.Find("div.large-image-placeholder a.link")
		require.Equal(t, 1, placeholder.Length())
		assert.Equal(t, remote, placeholder.AttrOr("href", ""))
		assert.Equal(t, remote, placeholder.Find("span.url").Text())
		assert.Equal(t, "image too large (max 4.0 MiB)", placeholder.Find("span.help").Text())
	})

	t.Run("download failed", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddHotlinked(post.ID, &store.HotlinkedMedia{URL: "http://cdn.other.com/big.png", Status: store.HotlinkDownloadFailed})
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p><img src="`+remote+`"></p>`, PostContext{Post: post})
		broken := res.Document.Find("span.broken-image")
		require.Equal(t, 1, broken.Length())
		assert.Equal(t, "This image is broken", broken.AttrOr("title", ""))
		assert.Equal(t, 1, broken.Find("svg.d-icon-unlink").Length())
	})

	t.Run("downloaded", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddHotlinked(post.ID, &store.HotlinkedMedia{
			URL:    remote,
			Status: store.HotlinkDownloaded,
			Upload: &store.Upload{ID: 9, URL: "/uploads/default/original/1X/copy.png"},
		})
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p><img src="`+remote+`"></p>`, PostContext{Post: post})
		assert.Equal(t, "//forum.example.com/uploads/default/original/1X/copy.png", res.Document.Find("img").AttrOr("src", ""))
	})

	t.Run("failed inside onebox with other content", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddHotlinked(post.ID, &store.HotlinkedMedia{URL: remote, Status: store.HotlinkDownloadFailed})
		p := newTestProcessor(t, mem)

		res := process(t, p, `<aside class="onebox"><article class="onebox-body"><img src="`+remote+`" width="300" height="200"><h3>Title</h3></article></aside>`, PostContext{Post: post})
		assert.Equal(t, 0, res.Document.Find("img").Length())
		assert.Equal(t, 0, res.Document.Find("span.broken-image").Length())
		assert.Equal(t, 1, res.Document.Find("aside.onebox h3").Length())
	})
}

func TestOneboxImageSizing(t *testing.T) {
	p := newTestProcessor(t, store.NewMemory())

	t.Run("square avatar", func(t *testing.T) {
		res := process(t, p, `<aside class="onebox"><article class="onebox-body"><img src="https://x.org/a.png" width="60" height="60"><h3>t</h3></article></aside>`, PostContext{})
		assert.True(t, res.Document.Find("img").HasClass("onebox-avatar"))
	})

	t.Run("small image", func(t *testing.T) {
		res := process(t, p, `<aside class="onebox"><img src="https://x.org/a.png" width="40" height="30"><p>t</p></aside>`, PostContext{})
		assert.True(t, res.Document.Find("img").HasClass("onebox-full-image"))
	})

	t.Run("aspect wrapper", func(t *testing.T) {
		res := process(t, p, `<aside class="onebox"><img src="https://x.org/a.png" width="600" height="300"><p>t</p></aside>`, PostContext{})
		wrapper := res.Document.Find("aside.onebox div.aspect-image")
		require.Equal(t, 1, wrapper.Length())
		assert.Equal(t, "--aspect-ratio:600/300;", wrapper.AttrOr("style", ""))
		_, hasWidth := wrapper.Find("img").Attr("width")
		assert.False(t, hasWidth)
	})

	t.Run("full size parent", func(t *testing.T) {
		res := process(t, p, `<aside class="onebox"><div class="tweet-images"><img src="https://x.org/a.png" width="600" height="300"></div></aside>`, PostContext{})
		parent := res.Document.Find("div.tweet-images")
		assert.True(t, parent.HasClass("aspect-image-full-size"))
		assert.Equal(t, "--aspect-ratio:600/300;", parent.AttrOr("style", ""))
		assert.Equal(t, 0, res.Document.Find("div.aspect-image").Length())
	})

	t.Run("empty onebox removed", func(t *testing.T) {
		res := process(t, p, `<aside class="onebox"><article class="onebox-body"> </article></aside><p>after</p>`, PostContext{})
		assert.Equal(t, 0, res.Document.Find(".onebox").Length())
		assert.Equal(t, "<p>after</p>", res.Document.HTML())
	})
}

func TestImages(t *testing.T) {
	tallSettings := func(d *Deps) { d.Settings.MaxImageHeight = 2000 }

	t.Run("large upload gets lightbox and thumbnails", func(t *testing.T) {
		mem := store.NewMemory()
		addUploads(mem)
		p := newTestProcessor(t, mem, tallSettings)

		res := process(t, p, `<p><img src="`+bigUploadURL+`" alt="big"></p>`, PostContext{})

		img := res.Document.Find("div.lightbox-wrapper > a.lightbox > img")
		require.Equal(t, 1, img.Length())
		assert.Equal(t, "690", img.AttrOr("width", ""))
		assert.Equal(t, "788", img.AttrOr("height", ""))
		assert.Equal(t, "AABBCC", img.AttrOr("data-dominant-color", ""))
		assert.True(t, strings.HasSuffix(img.AttrOr("src", ""), "_690x788.png"))
		assert.Contains(t, img.AttrOr("srcset", ""), "_1035x1182.png 1.5x")
		assert.Contains(t, img.AttrOr("srcset", ""), "_1380x1576.png 2x")

		a := res.Document.Find("a.lightbox")
		assert.Equal(t, "//forum.example.com"+bigUploadURL, a.AttrOr("href", ""))
		assert.Equal(t, "big", a.AttrOr("title", ""))
		assert.True(t, strings.HasSuffix(a.AttrOr("data-download-href", ""), ".png?dl=1"))
		assert.Equal(t, "big", a.Find("div.meta span.filename").Text())
		assert.Equal(t, "1750×2000 200 KiB", a.Find("div.meta span.informations").Text())
		assert.Equal(t, 2, a.Find("div.meta svg").Length())

		optimized, err := mem.OptimizedImages(context.Background(), 1)
		require.NoError(t, err)
		assert.Len(t, optimized, 3)
	})

	t.Run("pasted image title", func(t *testing.T) {
		mem := store.NewMemory()
		addUploads(mem)
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p><img src="`+bigUploadURL+`" alt="blob.png"></p>`, PostContext{})
		assert.Equal(t, "Pasted image", res.Document.Find("a.lightbox").AttrOr("title", ""))
	})

	t.Run("image in link is not lightboxed", func(t *testing.T) {
		mem := store.NewMemory()
		addUploads(mem)
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p><a href="https://example.org"><img src="`+bigUploadURL+`"></a></p>`, PostContext{})
		assert.Equal(t, 0, res.Document.Find(".lightbox-wrapper").Length())
		img := res.Document.Find("img")
		assert.Equal(t, "437", img.AttrOr("width", ""))
		assert.Equal(t, "500", img.AttrOr("height", ""))
	})

	t.Run("animated upload", func(t *testing.T) {
		mem := store.NewMemory()
		addUploads(mem)
		mem.AddUpload(&store.Upload{ID: 3, URL: "/uploads/default/original/1X/anim.gif", Width: 1000, Height: 800, Extension: "gif", Animated: true})
		p := newTestProcessor(t, mem)

		res := process(t, p, `<p><img src="/uploads/default/original/1X/anim.gif"></p>`, PostContext{})
		assert.Equal(t, 0, res.Document.Find(".lightbox-wrapper").Length())
		assert.True(t, res.Document.Find("img").HasClass("animated"))
	})

	t.Run("animated host", func(t *testing.T) {
		p := newTestProcessor(t, store.NewMemory())

		res := process(t, p, `<p><img src="https://media.giphy.com/media/x/giphy.gif" width="480" height="270"></p>`, PostContext{})
		img := res.Document.Find("img")
		assert.True(t, img.HasClass("animated"))
		assert.Equal(t, "480", img.AttrOr("width", ""))
	})

	tests := []struct {
		name       string
		markup     string
		sizes      map[string]media.Size
		wantWidth  string
		wantHeight string
	}{
		{"upload size", `<p><img src="` + smallUploadURL + `"></p>`, nil, "300", "200"},
		{"width only", `<p><img src="` + smallUploadURL + `" width="150"></p>`, nil, "150", "100"},
		{"height only", `<p><img src="` + smallUploadURL + `" height="100"></p>`, nil, "150", "100"},
		{"attributes win over upload", `<p><img src="` + smallUploadURL + `" width="30" height="40"></p>`, nil, "30", "40"},
		{
			"client sizes win",
			`<p><img src="` + smallUploadURL + `" width="30" height="40"></p>`,
			map[string]media.Size{"http://forum.example.com" + smallUploadURL: {Width: 120, Height: 80}},
			"120", "80",
		},
		{
			"zero client size ignored",
			`<p><img src="` + smallUploadURL + `"></p>`,
			map[string]media.Size{"http://forum.example.com" + smallUploadURL: {Width: 0, Height: 80}},
			"300", "200",
		},
		{"emoji untouched", `<p><img src="/images/emoji/twitter/smile.png?v=12" class="emoji"></p>`, nil, "", ""},
		{"quoted untouched", `<aside class="quote"><blockquote><p><img src="` + smallUploadURL + `"></p></blockquote></aside>`, nil, "", ""},
		{"data uri untouched", `<p><img src="data:image/png;base64,AAAA"></p>`, nil, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			addUploads(mem)
			p := newTestProcessor(t, mem)

			res := process(t, p, tt.markup, PostContext{ImageSizes: tt.sizes})
			img := res.Document.Find("img")
			assert.Equal(t, tt.wantWidth, img.AttrOr("width", ""))
			assert.Equal(t, tt.wantHeight, img.AttrOr("height", ""))
			assert.Equal(t, 0, res.Document.Find(".lightbox-wrapper").Length())
		})
	}
}

func TestImageProbe(t *testing.T) {
	const remote = "https://img.example.org/pic.jpg"

	t.Run("probed once per run", func(t *testing.T) {
		probe := &MockProbe{SizeFunc: func(_ context.Context, url string) (media.Size, error) {
			return media.Size{Width: 800, Height: 600}, nil
		}}
		p := newTestProcessor(t, store.NewMemory(), func(d *Deps) { d.Probe = probe })

		res := process(t, p, `<p><img src="`+remote+`"></p><p><img src="`+remote+`"></p>`, PostContext{})
		assert.Equal(t, 1, probe.calls)
		res.Document.Find("img").Each(func(_ int, img *goquery.Selection) {
			assert.Equal(t, "666", img.AttrOr("width", ""))
			assert.Equal(t, "500", img.AttrOr("height", ""))
		})
	})

	t.Run("failure leaves size blank", func(t *testing.T) {
		probe := &MockProbe{}
		p := newTestProcessor(t, store.NewMemory(), func(d *Deps) { d.Probe = probe })

		res := process(t, p, `<p><img src="`+remote+`"></p>`, PostContext{})
		assert.Equal(t, 1, probe.calls)
		_, ok := res.Document.Find("img").Attr("width")
		assert.False(t, ok)
	})

	t.Run("relative urls are made absolute", func(t *testing.T) {
		var probed string
		probe := &MockProbe{SizeFunc: func(_ context.Context, url string) (media.Size, error) {
			probed = url
			return media.Size{Width: 10, Height: 10}, nil
		}}
		p := newTestProcessor(t, store.NewMemory(), func(d *Deps) { d.Probe = probe })

		process(t, p, `<p><img src="//img.example.org/pic.jpg"></p>`, PostContext{})
		assert.Equal(t, "http://img.example.org/pic.jpg", probed)
	})

	t.Run("large remote image is lightboxed", func(t *testing.T) {
		const huge = "https://example.org/huge.jpg?v=2"
		probe := &MockProbe{SizeFunc: func(_ context.Context, url string) (media.Size, error) {
			return media.Size{Width: 2000, Height: 1500}, nil
		}}
		p := newTestProcessor(t, store.NewMemory(), func(d *Deps) { d.Probe = probe })

		res := process(t, p, `<p><img src="`+huge+`"></p>`, PostContext{})
		img := res.Document.Find("div.lightbox-wrapper > a.lightbox > img")
		require.Equal(t, 1, img.Length())
		assert.Equal(t, huge, img.AttrOr("src", ""))
		assert.Equal(t, "666", img.AttrOr("width", ""))
		assert.Equal(t, "500", img.AttrOr("height", ""))
		_, hasSrcset := img.Attr("srcset")
		assert.False(t, hasSrcset)

		a := res.Document.Find("a.lightbox")
		assert.Equal(t, huge, a.AttrOr("href", ""))
		_, hasDownload := a.Attr("data-download-href")
		assert.False(t, hasDownload)
		assert.Equal(t, "huge.jpg", a.Find("span.filename").Text())
		assert.Equal(t, "2000×1500", a.Find("span.informations").Text())
	})

	t.Run("other schemes are never probed", func(t *testing.T) {
		probe := &MockProbe{}
		p := newTestProcessor(t, store.NewMemory(), func(d *Deps) { d.Probe = probe })

		process(t, p, `<p><img src="ftp://img.example.org/pic.jpg"></p>`, PostContext{})
		assert.Equal(t, 0, probe.calls)
	})
}

func TestUploadURLs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Deps)
		markup string
		sel    string
		attr   string
		want   string
	}{
		{
			"relative upload",
			nil,
			`<p><a href="/uploads/default/original/1X/doc.pdf">doc</a></p>`,
			"a", "href", "//forum.example.com/uploads/default/original/1X/doc.pdf",
		},
		{
			"cdn",
			func(d *Deps) { d.Settings.CDNURL = "https://cdn.example.com" },
			`<p><a href="/uploads/default/original/1X/doc.pdf">doc</a></p>`,
			"a", "href", "//cdn.example.com/uploads/default/original/1X/doc.pdf",
		},
		{
			"cdn skipped when login required",
			func(d *Deps) {
				d.Settings.CDNURL = "https://cdn.example.com"
				d.Settings.LoginRequired = true
			},
			`<p><a href="http://forum.example.com/uploads/default/original/1X/doc.pdf">doc</a></p>`,
			"a", "href", "//forum.example.com/uploads/default/original/1X/doc.pdf",
		},
		{
			"anonymous downloads prevented",
			func(d *Deps) {
				d.Settings.CDNURL = "https://cdn.example.com"
				d.Settings.PreventAnonymousDownloads = true
			},
			`<p><a href="/uploads/default/original/1X/doc.pdf">doc</a></p>`,
			"a", "href", "//forum.example.com/uploads/default/original/1X/doc.pdf",
		},
		{
			"media source keeps cdn",
			func(d *Deps) {
				d.Settings.CDNURL = "https://cdn.example.com"
				d.Settings.PreventAnonymousDownloads = true
			},
			`<video><source src="/uploads/default/original/1X/clip.mp4"></video>`,
			"source", "src", "//cdn.example.com/uploads/default/original/1X/clip.mp4",
		},
		{
			"s3 cdn",
			func(d *Deps) {
				d.Settings.EnableS3Uploads = true
				d.Settings.S3BucketURL = "//bucket.s3.amazonaws.com"
				d.Settings.S3CDNURL = "https://s3cdn.example.com"
			},
			`<p><a href="https://bucket.s3.amazonaws.com/original/1X/a.pdf">a</a></p>`,
			"a", "href", "//s3cdn.example.com/original/1X/a.pdf",
		},
		{
			"secure upload",
			func(d *Deps) { d.Settings.SecureUploads = true },
			`<p><a href="/uploads/default/original/1X/secret.pdf">secret</a></p>`,
			"a", "href", "//forum.example.com/secure-uploads/default/original/1X/secret.pdf",
		},
		{
			"secure custom emoji exempt",
			func(d *Deps) { d.Settings.SecureUploads = true },
			`<p><a href="/uploads/default/original/1X/party.png">party</a></p>`,
			"a", "href", "//forum.example.com/uploads/default/original/1X/party.png",
		},
		{
			"external untouched",
			nil,
			`<p><a href="https://example.org/uploads/a.pdf">a</a></p>`,
			"a", "href", "https://example.org/uploads/a.pdf",
		},
		{
			"not an upload",
			nil,
			`<p><a href="/t/topic/1">t</a></p>`,
			"a", "href", "/t/topic/1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			mem.AddUpload(&store.Upload{ID: 4, URL: "/uploads/default/original/1X/secret.pdf", Secure: true})
			mem.AddUpload(&store.Upload{ID: 5, URL: "/uploads/default/original/1X/party.png", Secure: true, CustomEmoji: true})
			var mutate []func(*Deps)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			p := newTestProcessor(t, mem, mutate...)

			res := process(t, p, tt.markup, PostContext{})
			assert.Equal(t, tt.want, res.Document.Find(tt.sel).AttrOr(tt.attr, ""))
		})
	}
}

func TestStripUserParam(t *testing.T) {
	tests := []struct {
		name string
		href string
		want string
	}{
		{"keeps other params and fragment", "http://forum.example.com/t/x/1?u=bob&page=2#post", "http://forum.example.com/t/x/1?page=2#post"},
		{"only param", "http://forum.example.com/t/x/1?u=bob", "http://forum.example.com/t/x/1"},
		{"scheme relative", "//forum.example.com/t/x/1?page=2&u=bob", "//forum.example.com/t/x/1?page=2"},
		{"external", "https://other.com/t/1?u=bob", "https://other.com/t/1?u=bob"},
		{"no param", "http://forum.example.com/t/x/1?page=2", "http://forum.example.com/t/x/1?page=2"},
	}

	p := newTestProcessor(t, store.NewMemory())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := process(t, p, `<p><a href="`+tt.href+`">x</a></p>`, PostContext{})
			assert.Equal(t, tt.want, res.Document.Find("a").AttrOr("href", ""))
		})
	}
}

func quotePosts(mem *store.Memory) {
	mem.AddTopic(&store.Topic{ID: 7, Title: "Hello", Slug: "hello"})
	mem.AddPost(&store.Post{ID: 1, TopicID: 7, PostNumber: 1, UserID: 2, Raw: "hello world", Cooked: "<p>hello world</p>", Type: store.PostTypeRegular})
	mem.AddPost(&store.Post{ID: 2, TopicID: 7, PostNumber: 2, UserID: 3, Raw: `it's "fine"`, Cooked: `<p>it's "fine"</p>`, Type: store.PostTypeRegular})
	mem.AddPost(&store.Post{ID: 3, TopicID: 7, PostNumber: 3, UserID: 3, Raw: "gone", Type: store.PostTypeRegular, Deleted: true})
}

func quoteMarkup(class, post, text string) string {
	return `<aside class="` + class + `" data-username="bob" data-post="` + post + `" data-topic="7"><blockquote><p>` + text + `</p></blockquote></aside>`
}

func TestCheckQuotes(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   string
	}{
		{"unchanged", quoteMarkup("quote no-group", "1", "hello world"), "quote no-group"},
		{"partial", quoteMarkup("quote no-group", "1", "world"), "quote no-group"},
		{"whitespace differs", quoteMarkup("quote no-group", "1", "hello\n  world"), "quote no-group"},
		{"typographic quotes", quoteMarkup("quote no-group", "2", "it’s “fine”"), "quote no-group"},
		{"modified", quoteMarkup("quote no-group", "1", "goodbye"), "quote no-group quote-modified"},
		{"missing", quoteMarkup("quote no-group", "9", "hello world"), "quote no-group quote-post-not-found"},
		{"deleted", quoteMarkup("quote no-group", "3", "gone"), "quote no-group quote-post-not-found"},
		{"stale class cleared", quoteMarkup("quote no-group quote-modified", "1", "hello world"), "quote no-group"},
		{"stale not found cleared", quoteMarkup("quote no-group quote-post-not-found", "1", "world"), "quote no-group"},
	}

	mem := store.NewMemory()
	quotePosts(mem)
	p := newTestProcessor(t, mem)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := process(t, p, tt.markup, PostContext{Topic: &store.Topic{ID: 7}})
			assert.Equal(t, tt.want, res.Document.Find("aside").AttrOr("class", ""))
		})
	}
}

func TestRemoveFullQuote(t *testing.T) {
	fullQuote := quoteMarkup("quote no-group", "1", "hello world") + `<p>my reply</p>`
	raw := "[quote=\"bob, post:1, topic:7\"]\nhello world\n[/quote]\n\nmy reply"

	tests := []struct {
		name    string
		markup  string
		raw     string
		number  int
		newPost bool
		hidden2 bool
		mutate  func(*Deps)
		revised bool
	}{
		{"removed", fullQuote, raw, 2, true, false, nil, true},
		{"skips hidden posts", fullQuote, raw, 3, true, true, nil, true},
		{"not a new post", fullQuote, raw, 2, false, false, nil, false},
		{"setting off", fullQuote, raw, 2, true, false, func(d *Deps) { d.Settings.RemoveFullQuote = false }, false},
		{"first post", fullQuote, raw, 1, true, false, nil, false},
		{"partial quote", quoteMarkup("quote no-group", "1", "hello") + `<p>my reply</p>`, raw, 2, true, false, nil, false},
		{"not the previous post", fullQuote, raw, 3, true, false, nil, false},
		{"two quotes", fullQuote, raw + "\n[quote]x[/quote]", 2, true, false, nil, false},
		{"raw starts with text", `<p>intro</p>` + fullQuote, "intro\n\n" + raw, 2, true, false, nil, false},
		{"nothing left", quoteMarkup("quote no-group", "1", "hello world"), "[quote=\"bob, post:1, topic:7\"]\nhello world\n[/quote]", 2, true, false, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			mem.AddTopic(&store.Topic{ID: 7})
			mem.AddPost(&store.Post{ID: 1, TopicID: 7, PostNumber: 1, Raw: "hello world", Cooked: "<p>hello world</p>", Type: store.PostTypeRegular})
			mem.AddPost(&store.Post{ID: 2, TopicID: 7, PostNumber: 2, Raw: "second", Cooked: "<p>second</p>", Type: store.PostTypeRegular, Hidden: tt.hidden2})
			post := &store.Post{ID: 50, TopicID: 7, PostNumber: tt.number, Raw: tt.raw, Type: store.PostTypeRegular}

			var mutate []func(*Deps)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			p := newTestProcessor(t, mem, mutate...)

			res := process(t, p, tt.markup, PostContext{Post: post, NewPost: tt.newPost})
			revisions := mem.Revisions()
			if !tt.revised {
				assert.Empty(t, revisions)
				assert.Equal(t, 1, res.Document.Find("aside.quote").Length())
				return
			}
			require.Len(t, revisions, 1)
			assert.Equal(t, "my reply", revisions[0].Raw)
			assert.Equal(t, "removed full quote", revisions[0].Opts.EditReason)
			assert.True(t, revisions[0].Opts.BypassBump)
			assert.Equal(t, 0, res.Document.Find("aside.quote").Length())
			assert.Equal(t, "<p>my reply</p>", res.Document.HTML())
			assert.True(t, res.Dirty)
		})
	}
}

func TestRepresentativeImage(t *testing.T) {
	t.Run("thumbnail marker first", func(t *testing.T) {
		mem := store.NewMemory()
		addUploads(mem)
		topic := &store.Topic{ID: 7}
		post := &store.Post{ID: 1, TopicID: 7, PostNumber: 1}
		mem.AddTopic(topic)
		mem.AddPost(post)
		p := newTestProcessor(t, mem)

		process(t, p, `<p><img src="`+smallUploadURL+`"></p><p><img src="/x.png" data-orig-src="`+(&store.Upload{SHA1: bigSHA1, Extension: "png"}).ShortURL()+`" data-thumbnail="true"></p>`,
			PostContext{Post: post, Topic: topic})
		assert.Equal(t, int64(1), post.ImageUploadID)
		assert.Equal(t, int64(1), topic.ImageUploadID)
	})

	t.Run("lightboxed image", func(t *testing.T) {
		mem := store.NewMemory()
		addUploads(mem)
		post := &store.Post{ID: 1, TopicID: 7, PostNumber: 2}
		topic := &store.Topic{ID: 7, ImageUploadID: 9}
		mem.AddPost(post)
		p := newTestProcessor(t, mem)

		process(t, p, `<p><img src="`+bigUploadURL+`"></p>`, PostContext{Post: post, Topic: topic})
		assert.Equal(t, int64(1), post.ImageUploadID)
		assert.Equal(t, int64(9), topic.ImageUploadID, "replies leave the topic image alone")
	})

	t.Run("no image clears", func(t *testing.T) {
		mem := store.NewMemory()
		topic := &store.Topic{ID: 7, ImageUploadID: 2}
		post := &store.Post{ID: 1, TopicID: 7, PostNumber: 1, ImageUploadID: 2}
		mem.AddTopic(topic)
		mem.AddPost(post)
		p := newTestProcessor(t, mem)

		process(t, p, `<p><img src="/images/emoji/twitter/smile.png?v=12" class="emoji"></p>`, PostContext{Post: post, Topic: topic})
		assert.Zero(t, post.ImageUploadID)
		assert.Zero(t, topic.ImageUploadID)
	})
}

func TestGrantBadges(t *testing.T) {
	const emoji = `<p><img src="/images/emoji/twitter/smile.png?v=12" class="emoji" alt=":smile:"></p>`

	tests := []struct {
		name   string
		markup string
		post   store.Post
		mutate func(*Deps)
		author bool
		want   []store.BadgeType
	}{
		{"emoji", emoji, store.Post{PostNumber: 1}, nil, true, []store.BadgeType{store.BadgeFirstEmoji}},
		{"quoted emoji", `<aside class="quote"><blockquote>` + emoji + `</blockquote></aside>`, store.Post{PostNumber: 1}, nil, true, nil},
		{"onebox", `<p><a href="https://example.org/article" class="onebox">https://example.org/article</a></p>`, store.Post{PostNumber: 1}, nil, true, []store.BadgeType{store.BadgeFirstOnebox}},
		{"reply by email", `<p>hi</p>`, store.Post{PostNumber: 2, ViaEmail: true}, nil, true, []store.BadgeType{store.BadgeFirstReplyByEmail}},
		{"first post by email", `<p>hi</p>`, store.Post{PostNumber: 1, ViaEmail: true}, nil, true, nil},
		{"hidden post", emoji, store.Post{PostNumber: 1, Hidden: true}, nil, true, nil},
		{"no author", emoji, store.Post{PostNumber: 1}, nil, false, nil},
		{"badges disabled", emoji, store.Post{PostNumber: 1}, func(d *Deps) { d.Settings.EnableBadges = false }, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			mem.AddOnebox("https://example.org/article", `<aside class="onebox"><article class="onebox-body"><h3>Article</h3></article></aside>`)
			mem.AddTopic(&store.Topic{ID: 7})
			post := tt.post
			post.ID, post.TopicID, post.Type = 10, 7, store.PostTypeRegular
			mem.AddPost(&post)

			pc := PostContext{Post: &post}
			if tt.author {
				pc.Author = &store.User{ID: 2, Username: "bob"}
			}
			var mutate []func(*Deps)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			p := newTestProcessor(t, mem, mutate...)

			process(t, p, tt.markup, pc)
			var got []store.BadgeType
			for _, g := range mem.Grants() {
				assert.Equal(t, int64(2), g.UserID)
				got = append(got, g.Badge)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestPostProcessIdempotent(t *testing.T) {
	mem := store.NewMemory()
	addUploads(mem)
	mem.AddOnebox("https://example.org/article", `<aside class="onebox"><article class="onebox-body"><img src="https://example.org/a.png" width="600" height="300"><h3>Article</h3></article></aside>`)
	quotePosts(mem)
	p := newTestProcessor(t, mem)

	markup := `<p><img src="` + bigUploadURL + `" alt="big"></p>` +
		`<p><a href="https://example.org/article" class="onebox">https://example.org/article</a></p>` +
		quoteMarkup("quote no-group", "1", "goodbye") +
		`<p><a href="http://forum.example.com/t/hello/7?u=bob">link</a></p>`
	post := &store.Post{ID: 20, TopicID: 7, PostNumber: 4, Type: store.PostTypeRegular}
	pc := PostContext{Post: post}

	doc := dom.MustParse(markup)
	first, err := p.PostProcess(context.Background(), doc, pc)
	require.NoError(t, err)
	assert.True(t, first.Dirty)
	html := doc.HTML()

	second, err := p.PostProcess(context.Background(), doc, pc)
	require.NoError(t, err)
	assert.False(t, second.Dirty)
	assert.Equal(t, html, doc.HTML())
}

func TestPostProcessUnchanged(t *testing.T) {
	p := newTestProcessor(t, store.NewMemory())
	before := testutil.ToFloat64(runs.WithLabelValues("false"))

	res := process(t, p, `<p>hello</p>`, PostContext{})
	assert.False(t, res.Dirty)
	assert.False(t, res.HasOneboxes)
	assert.Equal(t, "<p>hello</p>", res.Document.HTML())
	assert.Equal(t, before+1, testutil.ToFloat64(runs.WithLabelValues("false")))
}

func TestPostProcessCancelled(t *testing.T) {
	p := newTestProcessor(t, store.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.PostProcess(ctx, dom.MustParse(`<p>hello</p>`), PostContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestPostProcessRecordsStages(t *testing.T) {
	p := newTestProcessor(t, store.NewMemory())
	process(t, p, `<p>hello</p>`, PostContext{})
	assert.GreaterOrEqual(t, testutil.CollectAndCount(stageDuration), 8)
}
