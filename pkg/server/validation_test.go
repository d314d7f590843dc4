package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator(t *testing.T) {
	v := NewValidator()
	assert.False(t, v.HasErrors())

	assert.True(t, v.ValidateMaxLength("raw", "héllo", 5))
	assert.False(t, v.ValidateMaxLength("raw", "héllo!", 5))
	assert.True(t, v.ValidateRange("n", 3, 0, 3))
	assert.False(t, v.ValidateRange("n", -1, 0, 3))
	assert.False(t, v.ValidateRange("n", 4, 0, 3))

	require.Len(t, v.Errors(), 3)
	assert.Equal(t, "raw: must not exceed 5 characters; n: must be at least 0; n: must not exceed 3", v.Errors().Error())
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name  string
		value string
		valid bool
	}{
		{"https", "https://example.com/a.png", true},
		{"protocol relative", "//cdn.example.com/a.png", true},
		{"no host", "/uploads/a.png", false},
		{"javascript", "javascript://example.com/%0aalert(1)", false},
		{"unparseable", "http://[::1", false},
		{"too long", "https://example.com/" + strings.Repeat("a", MaxURLLength), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator()
			assert.Equal(t, tt.valid, v.ValidateURL("url", tt.value))
			assert.Equal(t, !tt.valid, v.HasErrors())
		})
	}
}

func TestValidateRequests(t *testing.T) {
	assert.Empty(t, validateCookRequest(&cookRequest{Raw: "ok"}))
	assert.Len(t, validateCookRequest(&cookRequest{Raw: strings.Repeat("a", MaxRawLength+1), UserID: -1}), 2)

	assert.Empty(t, validatePostprocessRequest(&postprocessRequest{
		Cooked:     "<p>x</p>",
		PostNumber: 1,
		ImageSizes: map[string]imageSize{"https://example.com/a.png": {Width: 10, Height: 10}},
	}))
	errs := validatePostprocessRequest(&postprocessRequest{
		ImageSizes: map[string]imageSize{"relative.png": {Width: -1, Height: MaxImageSize + 1}},
	})
	assert.Len(t, errs, 3)

	assert.Empty(t, validateExcerptRequest(&excerptRequest{HTML: "<p>x</p>", MaxLength: 0}))
	assert.Len(t, validateExcerptRequest(&excerptRequest{MaxLength: MaxExcerptLength + 1}), 1)
}

func TestInvalidRequestResponse(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/api/excerpt", `{"html":"<p>x</p>","max_length":-5}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Errors []ValidationError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "max_length", body.Errors[0].Field)
}
