// Package cook turns raw post markup (markdown, bbcode and inline HTML) into
// sanitized HTML.
package cook

import (
	"bytes"
	"context"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/imeyer/cooked/pkg/config"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/sanitize"
	"github.com/imeyer/cooked/pkg/store"
	"github.com/imeyer/cooked/pkg/textfmt"
	"github.com/yuin/goldmark"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/imeyer/cooked/pkg/cook")

// Features that can be switched off per render with
// RenderOptions.FeaturesOverride.
const (
	FeatureBBCode       = "bbcode"
	FeatureQuotes       = "quotes"
	FeatureEmoji        = "emoji"
	FeatureMentions     = "mentions"
	FeatureHashtags     = "hashtags"
	FeatureWatchedWords = "watched-words"
	FeatureOnebox       = "onebox"
	FeatureUploads      = "upload-protocol"
)

var allFeatures = []string{
	FeatureBBCode, FeatureQuotes, FeatureEmoji, FeatureMentions,
	FeatureHashtags, FeatureWatchedWords, FeatureOnebox, FeatureUploads,
}

// RenderOptions are per-call overrides. The zero value renders with the site
// settings and sanitizes.
type RenderOptions struct {
	SkipSanitize   bool
	TopicID        int64
	UserID         int64
	CategoryID     int64
	OmitNofollow   bool
	ForceQuoteLink bool

	// MarkdownRules restricts the markdown rules in effect; nil allows all.
	MarkdownRules []string
	// FeaturesOverride replaces the enabled features; nil uses the site's.
	FeaturesOverride []string
}

// Deps are the engine's collaborators. Any lookup may be nil, in which case
// the matching markup is left unresolved.
type Deps struct {
	Settings     config.Settings
	Emoji        *textfmt.EmojiTable
	WatchedWords *textfmt.WatchedWords
	Mentions     textfmt.MentionLookup
	Hashtags     textfmt.HashtagLookup
	Uploads      store.UploadStore
	Posts        store.PostStore
	Users        store.UserStore
	Permissions  store.PermissionOracle
	Translator   i18n.Translator
	Registry     *Registry
	Logger       *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	Deps
	sanitizer *sanitize.Sanitizer
	parsers   sync.Map // markdown config key -> goldmark.Markdown
}

func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Translator == nil {
		d.Translator = i18n.New(d.Settings.DefaultLocale)
	}
	if d.Registry == nil {
		d.Registry = DefaultRegistry
	}
	if d.Emoji == nil {
		d.Emoji = textfmt.NewEmojiTable(textfmt.EmojiOptions{
			CDNURL:   d.Settings.CDNURL,
			BasePath: d.Settings.BasePath(),
			Set:      d.Settings.EmojiSet,
			External: d.Settings.ExternalEmojiURL,
			Custom:   d.Settings.CustomEmoji,
		})
	}

	// upload:// survives sanitizing so the post-processor can still see
	// references that did not resolve at cook time.
	schemes := append(d.Settings.HrefSchemes(), "upload")

	return &Engine{
		Deps: d,
		sanitizer: sanitize.New(sanitize.Options{
			HrefSchemes:    schemes,
			IframePrefixes: d.Settings.IframePrefixes(),
		}),
	}
}

func (e *Engine) Sanitizer() *sanitize.Sanitizer {
	return e.sanitizer
}

type featureSet map[string]bool

func (e *Engine) features(opts RenderOptions) featureSet {
	names := opts.FeaturesOverride
	if names == nil {
		names = allFeatures
	}
	f := make(featureSet, len(names))
	for _, n := range names {
		f[n] = true
	}
	if !e.Settings.EnableEmoji {
		delete(f, FeatureEmoji)
	}
	return f
}

// Cook renders raw markup to HTML. Malformed input never fails: it renders as
// literal text.
func (e *Engine) Cook(ctx context.Context, raw string, opts RenderOptions) string {
	ctx, span := tracer.Start(ctx, "cook")
	defer span.End()

	start := time.Now()
	f := e.features(opts)

	for _, filter := range e.Registry.Raw.Active(ctx) {
		raw = filter(ctx, raw)
	}

	md := e.markdown(opts.MarkdownRules, f)
	body := e.renderSegments(ctx, md, splitBlocks(raw, f), opts, f)

	doc, err := dom.Parse(body)
	if err != nil {
		// x/net/html only fails on reader errors
		e.Logger.ErrorContext(ctx, "failed to parse rendered markup", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "<p>" + html.EscapeString(raw) + "</p>"
	}
	e.applyPasses(ctx, doc, opts, f)

	var out string
	if opts.SkipSanitize {
		out = sanitize.StripScripts(doc.HTML())
	} else {
		out = e.sanitizer.Sanitize(doc.HTML())
	}
	out = strings.TrimSpace(out)

	duration := time.Since(start).Seconds()
	cookDuration.WithLabelValues(sanitizedLabel(opts)).Observe(duration)
	span.SetAttributes(
		attribute.Int("cook.raw_length", len(raw)),
		attribute.Int("cook.html_length", len(out)),
		attribute.Float64("cook.duration", duration),
	)
	span.SetStatus(codes.Ok, "")

	return out
}

func sanitizedLabel(opts RenderOptions) string {
	if opts.SkipSanitize {
		return "false"
	}
	return "true"
}

// renderMarkdown converts one markdown segment. A conversion failure renders
// the segment as escaped text.
func (e *Engine) renderMarkdown(ctx context.Context, md goldmark.Markdown, src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		e.Logger.WarnContext(ctx, "markdown conversion failed", slog.String("error", err.Error()))
		return "<p>" + html.EscapeString(src) + "</p>\n"
	}
	return buf.String()
}
