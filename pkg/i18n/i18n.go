// Package i18n holds the user-visible strings the render pipeline injects into
// cooked HTML and excerpts.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	ExcerptImage         = "excerpt_image"
	PastedImageFilename  = "upload.pasted_image_filename"
	ImageTooLarge        = "upload.placeholders.too_large_humanized"
	BrokenImage          = "post.image_placeholder.broken"
	RemovedFullQuote     = "removed_direct_reply_full_quotes"
	OnAnotherTopic       = "on_another_topic"
	BidiCharacterWarning = "bidi_character_warning"
)

var english = map[string]string{
	ExcerptImage:         "image",
	PastedImageFilename:  "Pasted image",
	ImageTooLarge:        "image too large (max %s)",
	BrokenImage:          "This image is broken",
	RemovedFullQuote:     "removed full quote",
	OnAnotherTopic:       "on another topic",
	BidiCharacterWarning: "Bidirectional control character that may change how text is displayed",
}

var supported = []language.Tag{language.English}

type Translator interface {
	T(key string, args ...any) string
}

type Printer struct {
	p *message.Printer
}

// New returns a Translator for locale, falling back to English for unknown
// locales and missing keys.
func New(locale string) *Printer {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for k, v := range english {
		// SetString only fails on malformed tags.
		_ = b.SetString(language.English, k, v)
	}

	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	tag, _, _ = language.NewMatcher(supported).Match(tag)

	return &Printer{p: message.NewPrinter(tag, message.Catalog(b))}
}

func (p *Printer) T(key string, args ...any) string {
	return p.p.Sprintf(key, args...)
}

// Default is the English translator.
var Default Translator = New("en")
