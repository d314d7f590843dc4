package excerpt

import (
	"strings"
	"testing"

	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/textfmt"
	"github.com/stretchr/testify/assert"
)

const onebox = `<aside class="onebox"><header class="source"><a href="https://example.org">example.org</a></header>` +
	`<article class="onebox-body"><h3>Title</h3><p>Body</p></article></aside>`

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		max    int
		want   string
	}{
		{"image", "<img src='http://cnn.com/a.gif'>", 100, "[image]"},
		{"short", "<p>hello</p>", 5, "hello"},
		{"truncated", "<p>hello world</p>", 5, "hello&hellip;"},
		{"trailing space trimmed", "<p>hello world</p>", 6, "hello&hellip;"},
		{"budget spent at block edge", "<p>hello</p><p>world</p>", 5, "hello&hellip;"},
		{"blocks", "<p>one</p><p>two</p>", 100, "one two"},
		{"line break", "<p>one<br>two</p>", 100, "one two"},
		{"whitespace", "<p>  lots   of\n\n space </p>", 100, "lots of space"},
		{"escaped", "<p>a &amp; b &lt;c&gt;</p>", 100, "a &amp; b &lt;c&gt;"},
		{"runes", "<p>héllo wörld</p>", 7, "héllo w&hellip;"},
		{"unlimited", "<p>" + strings.Repeat("a", 500) + "</p>", 0, strings.Repeat("a", 500)},
		{"link kept", `<p><a href="/t/1">click here</a> now</p>`, 100, `<a href="/t/1">click here</a> now`},
		{"link closed after ellipsis", `<p><a href="/t/1">click here</a> now</p>`, 5, `<a href="/t/1">click&hellip;</a>`},
		{"details", "<details><summary>Spoiler</summary><p>secret</p></details>", 100, "▶ Spoiler"},
		{"quote dropped", `<aside class="quote"><div class="title">bob:</div><blockquote><p>quoted</p></blockquote></aside><p>reply</p>`, 100, "reply"},
		{"onebox source text", onebox, 100, "example.org"},
		{"media removed", `<p>x</p><video src="a.mp4"></video><audio src="a.mp3"></audio><p>y</p>`, 100, "x y"},
		{"svg dropped", `<p>x <svg class="fa d-icon"><use href="#a"></use></svg> y</p>`, 100, "x y"},
		{"image alt", `<p>a <img src="x.png" alt="pic"> b</p>`, 100, "a [pic] b"},
		{"image title", `<p><img src="x.png" title="T"></p>`, 100, "[T]"},
		{"emoji alt", `<p>hi <img src="/images/emoji/twitter/smile.png?v=12" class="emoji" alt=":smile:"></p>`, 100, "hi :smile:"},
		{"excerpt marker", `<p>long text here</p><div class="excerpt"><p>custom summary</p></div>`, 3, "custom summary"},
		{
			"lightbox meta skipped",
			`<div class="lightbox-wrapper"><a class="lightbox" href="/u/a.png" title="a"><img src="/u/a.png" alt="a"><div class="meta"><span class="filename">a</span><span class="informations">10×10</span></div></a></div>`,
			100,
			`<a class="lightbox" href="/u/a.png" title="a">[a]</a>`,
		},
		{
			"hashtag keeps icon placeholder",
			`<a class="hashtag-cooked" href="/c/dev/3" data-type="category"><span class="hashtag-icon-placeholder"><svg class="fa d-icon d-icon-square-full svg-icon svg-node"><use href="#square-full"></use></svg></span><span>dev</span></a>`,
			100,
			`<a class="hashtag-cooked" href="/c/dev/3" data-type="category"><span class="hashtag-icon-placeholder"></span>dev</a>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Excerpt(tt.markup, tt.max))
		})
	}
}

func TestExcerptOptions(t *testing.T) {
	e := New(textfmt.NewEmojiTable(textfmt.EmojiOptions{}), i18n.New("en"))
	emoji := `<p>hi <img src="/images/emoji/twitter/smile.png?v=12" class="emoji" alt=":smile:"></p>`

	nested := func(depth int) string {
		var sb strings.Builder
		for i := 1; i <= depth; i++ {
			sb.WriteString(`<aside class="onebox"><article class="onebox-body"><p>L` + string(rune('0'+i)) + `</p>`)
		}
		for i := 1; i <= depth; i++ {
			sb.WriteString(`</article></aside>`)
		}
		return sb.String()
	}

	tests := []struct {
		name   string
		markup string
		max    int
		opts   Options
		want   string
	}{
		{"text entities", "<p>hello world</p>", 5, Options{TextEntities: true}, "hello..."},
		{"strip links", `<p><a href="/t/1">click here</a> now</p>`, 100, Options{StripLinks: true}, "click here now"},
		{"strip images", `<p>a <img src="x.png" alt="pic"> b</p>`, 100, Options{StripImages: true}, "a b"},
		{"markdown images", `<p>a <img src="x.png" alt="pic"> b</p>`, 100, Options{MarkdownImages: true}, "a ![pic](x.png) b"},
		{"keep quotes", `<aside class="quote"><div class="title">bob:</div><blockquote><p>quoted</p></blockquote></aside><p>reply</p>`, 100, Options{KeepQuotes: true}, "quoted reply"},
		{"remap emoji", emoji, 100, Options{RemapEmoji: true}, "hi 😄"},
		{"remap unknown emoji", `<p><img src="/e.png" class="emoji emoji-custom" alt=":party_parrot:"></p>`, 100, Options{RemapEmoji: true}, ":party_parrot:"},
		{"keep svg", `<p>x <svg class="fa d-icon"><use href="#a"></use></svg></p>`, 100, Options{KeepSVG: true}, `x <svg class="fa d-icon"><use href="#a"></use></svg>`},
		{"onebox source link", onebox, 100, Options{KeepOneboxSource: true}, `<a href="https://example.org">example.org</a>`},
		{"onebox body", onebox, 100, Options{KeepOneboxBody: true}, "<a href=\"https://example.org\">example.org</a>\n\nTitle\n\nBody"},
		{"nested oneboxes stop at depth", nested(4), 100, Options{KeepOneboxBody: true}, "L1\n\nL2\n\nL3"},
		{
			"placeholder onebox collapses",
			`<aside class="onebox"><div class="onebox-placeholder-container"><span class="placeholder-icon video"></span></div></aside><p>after</p>`,
			100,
			Options{KeepOneboxBody: true},
			"after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Excerpt(tt.markup, tt.max, tt.opts))
		})
	}

	t.Run("keep emoji images", func(t *testing.T) {
		got := e.Excerpt(emoji, 100, Options{KeepEmojiImages: true})
		assert.True(t, strings.HasPrefix(got, "hi <img "))
		assert.Contains(t, got, `class="emoji"`)
		assert.Contains(t, got, `alt=":smile:"`)
	})
}

func TestBudgetTake(t *testing.T) {
	b := budget{remaining: 5}
	assert.Equal(t, 3, b.take(3))
	assert.Equal(t, 2, b.take(4))
	assert.Equal(t, 0, b.take(1))
	assert.Equal(t, 0, b.remaining)

	unlimited := budget{unlimited: true}
	assert.Equal(t, 100, unlimited.take(100))
}
