package textfmt

import (
	"context"
	"errors"
	"testing"

	"github.com/imeyer/cooked/pkg/dom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMentions struct {
	entries map[string]Mentionable
	err     error
	asked   []string
}

func (f *fakeMentions) LookupMentions(_ context.Context, _ int64, names []string) (map[string]Mentionable, error) {
	f.asked = append(f.asked, names...)
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func TestScanMention(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"sam", 3},
		{"sam.", 3},
		{"sam.smith-", 9},
		{"sam's", 3},
		{".sam", 0},
		{"josé ok", 5},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ScanMention([]byte(tt.input)))
		})
	}
}

func TestResolveMentions(t *testing.T) {
	lookup := &fakeMentions{entries: map[string]Mentionable{
		"sam":    {Kind: MentionUser, Name: "Sam"},
		"ghost":  {Kind: MentionUser, Name: "ghost", Staged: true},
		"team":   {Kind: MentionGroup, Name: "team", Mentionable: true, Notify: true},
		"closed": {Kind: MentionGroup, Name: "closed"},
	}}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"user", `<p>hi <span class="mention">@Sam</span></p>`, `<p>hi <a class="mention" href="/forum/u/sam">@Sam</a></p>`},
		{"group", `<p><span class="mention">@team</span></p>`, `<p><a class="mention-group notify" href="/forum/groups/team">@team</a></p>`},
		{"staged user", `<p><span class="mention">@ghost</span></p>`, `<p><span class="mention">@ghost</span></p>`},
		{"unmentionable group", `<p><span class="mention">@closed</span></p>`, `<p><span class="mention">@closed</span></p>`},
		{"unknown", `<p><span class="mention">@nobody</span></p>`, `<p><span class="mention">@nobody</span></p>`},
		{"inside link", `<p><a href="/x"><span class="mention">@sam</span></a></p>`, `<p><a href="/x">@sam</a></p>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dom.MustParse(tt.input)
			err := ResolveMentions(context.Background(), d.Body(), lookup, MentionOptions{Enabled: true, BasePath: "/forum"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.HTML())
		})
	}
}

func TestResolveMentionsBatchesAndFailsOpen(t *testing.T) {
	input := `<p><span class="mention">@a</span> <span class="mention">@A</span> <span class="mention">@b</span></p>`

	t.Run("one lookup per distinct name", func(t *testing.T) {
		lookup := &fakeMentions{}
		d := dom.MustParse(input)
		require.NoError(t, ResolveMentions(context.Background(), d.Body(), lookup, MentionOptions{Enabled: true}))
		assert.Equal(t, []string{"a", "b"}, lookup.asked)
	})

	t.Run("lookup error leaves spans", func(t *testing.T) {
		lookup := &fakeMentions{err: errors.New("db down")}
		d := dom.MustParse(input)
		err := ResolveMentions(context.Background(), d.Body(), lookup, MentionOptions{Enabled: true})
		assert.Error(t, err)
		assert.Equal(t, input, d.HTML())
	})

	t.Run("disabled", func(t *testing.T) {
		lookup := &fakeMentions{}
		d := dom.MustParse(input)
		require.NoError(t, ResolveMentions(context.Background(), d.Body(), lookup, MentionOptions{}))
		assert.Empty(t, lookup.asked)
		assert.Equal(t, input, d.HTML())
	})
}
