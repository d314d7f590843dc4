// Package postprocess enriches cooked HTML once a post has been saved:
// oneboxes, image sizing and lightboxes, upload URL rewriting, quote checks
// and the side effects that follow from the final markup.
package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/imeyer/cooked/pkg/config"
	"github.com/imeyer/cooked/pkg/cook"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/i18n"
	"github.com/imeyer/cooked/pkg/media"
	"github.com/imeyer/cooked/pkg/sanitize"
	"github.com/imeyer/cooked/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/imeyer/cooked/pkg/postprocess")

// QuoteCooker renders the current raw of a quoted post. *cook.Engine
// satisfies it.
type QuoteCooker interface {
	Cook(ctx context.Context, raw string, opts cook.RenderOptions) string
}

// RemoteImageProbe reads the pixel size of a remote image. Failures are
// *media.FetchError.
type RemoteImageProbe interface {
	Size(ctx context.Context, url string) (media.Size, error)
}

// Deps are the processor's collaborators. A nil collaborator disables the
// work that needs it.
type Deps struct {
	Settings    config.Settings
	Uploads     store.UploadStore
	Posts       store.PostStore
	Permissions store.PermissionOracle
	Oneboxes    store.OneboxFetcher
	Hotlinked   store.HotlinkedMediaStore
	Badges      store.BadgeGranter
	Revisor     store.PostRevisor
	Images      store.ImageUpdater
	Optimizer   store.OptimizedImageCreator
	Probe       RemoteImageProbe
	Cooker      QuoteCooker
	Sanitizer   *sanitize.Sanitizer
	Translator  i18n.Translator
	Logger      *slog.Logger
}

type Processor struct {
	Deps
	sizer media.Sizer
}

func New(d Deps) *Processor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Translator == nil {
		d.Translator = i18n.New(d.Settings.DefaultLocale)
	}
	if d.Sanitizer == nil {
		d.Sanitizer = sanitize.New(sanitize.Options{
			HrefSchemes:    d.Settings.HrefSchemes(),
			IframePrefixes: d.Settings.IframePrefixes(),
		})
	}
	return &Processor{
		Deps: d,
		sizer: media.Sizer{
			MaxWidth:       d.Settings.MaxImageWidth,
			MaxHeight:      d.Settings.MaxImageHeight,
			MinRatioToCrop: d.Settings.MinRatioToCrop,
		},
	}
}

// PostContext describes the post whose cooked HTML is being processed.
type PostContext struct {
	Post   *store.Post
	Topic  *store.Topic
	Author *store.User

	NewPost            bool
	InvalidateOneboxes bool
	OmitNofollow       bool

	// ImageSizes are dimensions the client measured, keyed by absolute URL.
	ImageSizes map[string]media.Size
}

type Result struct {
	Document    *dom.Document
	Dirty       bool
	HasOneboxes bool
}

// run is the state of one PostProcess call.
type run struct {
	*Processor
	doc    *dom.Document
	pc     PostContext
	logger *slog.Logger
	res    *Result

	revised bool
	uploads map[string]*store.Upload
	probed  map[string]media.Size
}

type stage struct {
	name string
	fn   func(ctx context.Context)
}

// PostProcess runs every stage over doc in place. Collaborator failures are
// logged and only affect the element being worked on; the error is non-nil
// only when ctx ends before all stages ran.
func (p *Processor) PostProcess(ctx context.Context, doc *dom.Document, pc PostContext) (*Result, error) {
	if pc.Post == nil {
		pc.Post = &store.Post{}
	}
	if pc.Topic == nil {
		pc.Topic = &store.Topic{ID: pc.Post.TopicID}
	}

	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "postprocess", trace.WithAttributes(
		attribute.String("postprocess.run_id", runID),
		attribute.Int64("post.id", pc.Post.ID),
	))
	defer span.End()

	r := &run{
		Processor: p,
		doc:       doc,
		pc:        pc,
		logger:    p.Logger.With(slog.String("run_id", runID), slog.Int64("post_id", pc.Post.ID)),
		res:       &Result{Document: doc},
		uploads:   make(map[string]*store.Upload),
		probed:    make(map[string]media.Size),
	}
	before := doc.HTML()

	stages := []stage{
		{"oneboxes", r.oneboxes},
		{"images", r.images},
		{"upload_urls", r.optimizeUploadURLs},
		{"strip_u_param", r.stripUserParam},
		{"quotes", r.checkQuotes},
		{"full_quote", r.removeFullQuote},
		{"image_upload", r.updateRepresentativeImage},
		{"badges", r.grantBadges},
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("post-process stopped before %s: %w", s.name, err)
		}
		r.runStage(ctx, s)
	}

	r.res.Dirty = r.revised || doc.HTML() != before
	runs.WithLabelValues(fmt.Sprint(r.res.Dirty)).Inc()

	span.SetAttributes(
		attribute.Bool("postprocess.dirty", r.res.Dirty),
		attribute.Bool("postprocess.has_oneboxes", r.res.HasOneboxes),
	)
	span.SetStatus(codes.Ok, "")
	return r.res, nil
}

func (r *run) runStage(ctx context.Context, s stage) {
	ctx, span := tracer.Start(ctx, "postprocess."+s.name)
	defer span.End()

	start := time.Now()
	s.fn(ctx)
	stageDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "")
}

// warn logs a collaborator failure for the current run.
func (r *run) warn(ctx context.Context, msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.String("error", err.Error()))
	r.logger.WarnContext(ctx, msg, attrs...)
}
