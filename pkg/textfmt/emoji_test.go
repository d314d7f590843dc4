package textfmt

import (
	"testing"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/stretchr/testify/assert"
)

func TestEmojiURL(t *testing.T) {
	tests := []struct {
		name string
		opts EmojiOptions
		emo  string
		tone int
		want string
	}{
		{"default", EmojiOptions{}, "smile", 0, "/images/emoji/twitter/smile.png?v=12"},
		{"tone", EmojiOptions{}, "+1", 4, "/images/emoji/twitter/+1/4.png?v=12"},
		{"cdn and subfolder", EmojiOptions{CDNURL: "https://cdn.example.com/", BasePath: "/forum", Set: "apple"}, "smile", 0, "https://cdn.example.com/forum/images/emoji/apple/smile.png?v=12"},
		{"external", EmojiOptions{External: "https://emoji.example.com/"}, "wave", 2, "https://emoji.example.com/twitter/wave/2.png"},
		{"custom", EmojiOptions{Custom: map[string]string{"party_parrot": "/uploads/parrot.gif"}}, "party_parrot", 0, "/uploads/parrot.gif"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewEmojiTable(tt.opts).URL(tt.emo, tt.tone))
		})
	}
}

func TestEmojiLookup(t *testing.T) {
	table := NewEmojiTable(EmojiOptions{Custom: map[string]string{"party_parrot": "/p.gif"}})

	assert.True(t, table.Lookup("smile"))
	assert.True(t, table.Lookup("party_parrot"))
	assert.False(t, table.Lookup("not_an_emoji_at_all"))

	u, ok := table.Unicode("smile")
	assert.True(t, ok)
	assert.Equal(t, "\U0001F604", u)

	_, ok = table.Unicode("party_parrot")
	assert.False(t, ok)
}

func TestTranslate(t *testing.T) {
	table := NewEmojiTable(EmojiOptions{})

	tests := []struct {
		name      string
		input     string
		shortcuts bool
		want      []Segment
	}{
		{"plain text", "hello", true, []Segment{{Text: "hello"}}},
		{"unicode", "hi \U0001F604", false, []Segment{{Text: "hi "}, {Emoji: "smile"}}},
		{"skin tone", "\U0001F44D\U0001F3FD", false, []Segment{{Emoji: "+1", Tone: 4}}},
		{"zwj sequence", "\U0001F937\u200D\u2642\uFE0F", false, []Segment{{Emoji: "man_shrugging"}}},
		{"text presentation without vs16", "© 2024", false, []Segment{{Text: "© 2024"}}},
		{"text presentation with vs16", "\u00A9\uFE0F", false, []Segment{{Emoji: "copyright"}}},
		{"emoji presentation bmp", "⌚", false, []Segment{{Emoji: "watch"}}},
		{"shortcut", "nice :)", true, []Segment{{Text: "nice "}, {Emoji: "slightly_smiling_face"}}},
		{"longest shortcut", ":-) ok", true, []Segment{{Emoji: "slightly_smiling_face"}, {Text: " ok"}}},
		{"shortcut needs boundary", "a:) b", true, []Segment{{Text: "a:) b"}}},
		{"shortcut in url", "http://x", true, []Segment{{Text: "http://x"}}},
		{"shortcuts disabled", "nice :)", false, []Segment{{Text: "nice :)"}}},
		{"heart", "<3", true, []Segment{{Emoji: "heart"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Translate(tt.input, tt.shortcuts))
		})
	}
}

func TestEmojiApply(t *testing.T) {
	table := NewEmojiTable(EmojiOptions{})

	t.Run("only emoji line", func(t *testing.T) {
		d := dom.MustParse("<p>:)</p>")
		n := table.Apply(d.Body(), true)
		assert.Equal(t, 1, n)
		assert.Equal(t,
			`<p><img src="/images/emoji/twitter/slightly_smiling_face.png?v=12" title=":slightly_smiling_face:" class="emoji only-emoji" alt=":slightly_smiling_face:" loading="lazy" width="20" height="20"/></p>`,
			d.HTML())
	})

	t.Run("mixed line is not only emoji", func(t *testing.T) {
		d := dom.MustParse("<p>hi \U0001F604<br/>\U0001F604</p>")
		table.Apply(d.Body(), false)
		imgs := d.Find("img.emoji")
		assert.Equal(t, 2, imgs.Length())
		assert.False(t, dom.HasClass(imgs.Nodes[0], "only-emoji"))
		assert.True(t, dom.HasClass(imgs.Nodes[1], "only-emoji"))
	})

	t.Run("tone suffix merges", func(t *testing.T) {
		d := dom.MustParse(`<p>` + table.ImageHTML("+1", 0) + `t3: yes</p>`)
		table.Apply(d.Body(), false)
		img := d.Find("img").Nodes[0]
		assert.Equal(t, ":+1:t3:", dom.AttrOr(img, "alt", ""))
		assert.Equal(t, "/images/emoji/twitter/+1/3.png?v=12", dom.AttrOr(img, "src", ""))
		assert.Equal(t, " yes", d.Text())
	})

	t.Run("code is untouched", func(t *testing.T) {
		d := dom.MustParse("<p><code>:) \U0001F604</code></p>")
		assert.Equal(t, 0, table.Apply(d.Body(), true))
	})
}
