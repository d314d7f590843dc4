package textfmt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type upperKey struct{}

func TestRegistry(t *testing.T) {
	var r Registry[func(string) string]

	unregister := r.Register(Hook[func(string) string]{Name: "upper", Transform: strings.ToUpper,
		Applies: func(ctx context.Context) bool { return ctx.Value(upperKey{}) != nil }})
	r.Register(Hook[func(string) string]{Name: "trim", Transform: strings.TrimSpace})

	assert.Len(t, r.Hooks(), 2)
	assert.Len(t, r.Active(context.Background()), 1)
	assert.Len(t, r.Active(context.WithValue(context.Background(), upperKey{}, true)), 2)

	// same name replaces in place
	r.Register(Hook[func(string) string]{Name: "upper", Transform: strings.ToLower})
	hooks := r.Hooks()
	assert.Len(t, hooks, 2)
	assert.Equal(t, "upper", hooks[0].Name)
	assert.Equal(t, "abc", hooks[0].Transform("ABC"))

	unregister()
	assert.Len(t, r.Hooks(), 1)
	assert.False(t, r.Unregister("upper"))
	assert.True(t, r.Unregister("trim"))
	assert.Empty(t, r.Hooks())
}
