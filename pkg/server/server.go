// Package server exposes the render pipeline over HTTP: cooking raw
// markdown, post-processing cooked HTML and excerpting it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/imeyer/cooked/pkg/cook"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/excerpt"
	"github.com/imeyer/cooked/pkg/media"
	"github.com/imeyer/cooked/pkg/postprocess"
	"github.com/imeyer/cooked/pkg/store"
	"github.com/imeyer/cooked/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultMaxBodyBytes = 1 << 20

// Options configure a Server. Engine, Processor and Excerpter are required.
type Options struct {
	Engine    *cook.Engine
	Processor *postprocess.Processor
	Excerpter *excerpt.Excerpter
	Telemetry *telemetry.Telemetry
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger

	// MaxBodyBytes caps request bodies; zero uses 1 MiB.
	MaxBodyBytes int64
	// RateLimit is nil to use DefaultRateLimitConfig.
	RateLimit *RateLimitConfig
}

type Server struct {
	engine    *cook.Engine
	processor *postprocess.Processor
	excerpter *excerpt.Excerpter
	tel       *telemetry.Telemetry
	logger    *slog.Logger
	maxBody   int64

	limiter *RateLimiter
	handler http.Handler
}

func New(o Options) (*Server, error) {
	if o.Engine == nil || o.Processor == nil || o.Excerpter == nil {
		return nil, errors.New("server needs an engine, a processor and an excerpter")
	}
	if o.Telemetry == nil {
		return nil, errors.New("server needs telemetry")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.RateLimit == nil {
		o.RateLimit = DefaultRateLimitConfig()
	}

	s := &Server{
		engine:    o.Engine,
		processor: o.Processor,
		excerpter: o.Excerpter,
		tel:       o.Telemetry,
		logger:    o.Logger,
		maxBody:   o.MaxBodyBytes,
	}

	obs, err := newObservabilityConfig(o.Telemetry.Tracer, o.Telemetry.Meter)
	if err != nil {
		return nil, err
	}
	s.limiter, err = newRateLimiter(o.RateLimit, o.Logger, o.Telemetry.Meter)
	if err != nil {
		return nil, err
	}

	chain := newChain(
		requestContextMiddleware(o.Logger),
		recoveryMiddleware(),
		securityHeadersMiddleware(),
		newObservabilityMiddleware(obs),
	)

	mux := http.NewServeMux()
	api := chain.Append(s.limiter.Middleware())
	mux.Handle("/api/cook", api.Then(http.HandlerFunc(s.Cook)))
	mux.Handle("/api/postprocess", api.Then(http.HandlerFunc(s.PostProcess)))
	mux.Handle("/api/excerpt", api.Then(http.HandlerFunc(s.Excerpt)))
	mux.Handle("/health", chain.Then(http.HandlerFunc(s.Health)))
	mux.Handle("/metrics", promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	s.handler = mux

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.limiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

type cookRequest struct {
	Raw            string   `json:"raw"`
	TopicID        int64    `json:"topic_id"`
	UserID         int64    `json:"user_id"`
	CategoryID     int64    `json:"category_id"`
	OmitNofollow   bool     `json:"omit_nofollow"`
	ForceQuoteLink bool     `json:"force_quote_link"`
	MarkdownRules  []string `json:"markdown_rules,omitempty"`
}

type cookResponse struct {
	Cooked string `json:"cooked"`
}

type imageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type postprocessRequest struct {
	// Cooked is processed as given; when empty, Raw is cooked first.
	Cooked     string `json:"cooked"`
	Raw        string `json:"raw"`
	PostID     int64  `json:"post_id"`
	TopicID    int64  `json:"topic_id"`
	PostNumber int    `json:"post_number"`
	UserID     int64  `json:"user_id"`
	ViaEmail   bool   `json:"via_email"`

	NewPost            bool                 `json:"new_post"`
	InvalidateOneboxes bool                 `json:"invalidate_oneboxes"`
	OmitNofollow       bool                 `json:"omit_nofollow"`
	ImageSizes         map[string]imageSize `json:"image_sizes,omitempty"`
}

type postprocessResponse struct {
	Cooked      string `json:"cooked"`
	Dirty       bool   `json:"dirty"`
	HasOneboxes bool   `json:"has_oneboxes"`
}

type excerptRequest struct {
	HTML      string `json:"html"`
	MaxLength int    `json:"max_length"`

	KeepSVG          bool `json:"keep_svg"`
	KeepOneboxBody   bool `json:"keep_onebox_body"`
	KeepQuotes       bool `json:"keep_quotes"`
	KeepOneboxSource bool `json:"keep_onebox_source"`
	StripLinks       bool `json:"strip_links"`
	StripImages      bool `json:"strip_images"`
	KeepEmojiImages  bool `json:"keep_emoji_images"`
	RemapEmoji       bool `json:"remap_emoji"`
	MarkdownImages   bool `json:"markdown_images"`
	TextEntities     bool `json:"text_entities"`
}

type excerptResponse struct {
	Excerpt string `json:"excerpt"`
}

// Cook renders raw markdown to cooked HTML.
func (s *Server) Cook(w http.ResponseWriter, r *http.Request) {
	var req cookRequest
	if !s.decode(w, r, &req) {
		return
	}
	if errs := validateCookRequest(&req); len(errs) > 0 {
		s.renderInvalid(w, r, errs)
		return
	}

	ctx := r.Context()
	start := time.Now()
	cooked := s.engine.Cook(ctx, req.Raw, cook.RenderOptions{
		TopicID:        req.TopicID,
		UserID:         req.UserID,
		CategoryID:     req.CategoryID,
		OmitNofollow:   req.OmitNofollow,
		ForceQuoteLink: req.ForceQuoteLink,
		MarkdownRules:  req.MarkdownRules,
	})
	s.observe(ctx, "cook", start)

	s.renderJSON(w, r, cookResponse{Cooked: cooked})
}

// PostProcess runs the DOM post-processor over cooked HTML.
func (s *Server) PostProcess(w http.ResponseWriter, r *http.Request) {
	var req postprocessRequest
	if !s.decode(w, r, &req) {
		return
	}
	if errs := validatePostprocessRequest(&req); len(errs) > 0 {
		s.renderInvalid(w, r, errs)
		return
	}

	ctx := r.Context()
	cooked := req.Cooked
	if cooked == "" {
		cooked = s.engine.Cook(ctx, req.Raw, cook.RenderOptions{TopicID: req.TopicID, UserID: req.UserID})
	}

	doc, err := dom.Parse(cooked)
	if err != nil {
		s.tel.Metrics.ErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "parse")))
		s.renderError(w, r, fmt.Errorf("failed to parse cooked html: %w", err), http.StatusBadRequest)
		return
	}

	var sizes map[string]media.Size
	if len(req.ImageSizes) > 0 {
		sizes = make(map[string]media.Size, len(req.ImageSizes))
		for u, sz := range req.ImageSizes {
			sizes[u] = media.Size{Width: sz.Width, Height: sz.Height}
		}
	}

	// the permission oracle resolves trust and staff from the id
	var author *store.User
	if req.UserID > 0 {
		author = &store.User{ID: req.UserID}
	}

	start := time.Now()
	res, err := s.processor.PostProcess(ctx, doc, postprocess.PostContext{
		Post: &store.Post{
			ID:         req.PostID,
			TopicID:    req.TopicID,
			PostNumber: req.PostNumber,
			UserID:     req.UserID,
			Raw:        req.Raw,
			Cooked:     cooked,
			Type:       store.PostTypeRegular,
			ViaEmail:   req.ViaEmail,
		},
		Author:             author,
		NewPost:            req.NewPost,
		InvalidateOneboxes: req.InvalidateOneboxes,
		OmitNofollow:       req.OmitNofollow,
		ImageSizes:         sizes,
	})
	if err != nil {
		s.tel.Metrics.ErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "postprocess")))
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.renderError(w, r, err, status)
		return
	}
	s.observe(ctx, "postprocess", start)

	s.renderJSON(w, r, postprocessResponse{
		Cooked:      res.Document.HTML(),
		Dirty:       res.Dirty,
		HasOneboxes: res.HasOneboxes,
	})
}

// Excerpt summarizes cooked HTML.
func (s *Server) Excerpt(w http.ResponseWriter, r *http.Request) {
	var req excerptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if errs := validateExcerptRequest(&req); len(errs) > 0 {
		s.renderInvalid(w, r, errs)
		return
	}

	ctx := r.Context()
	start := time.Now()
	out := s.excerpter.Excerpt(req.HTML, req.MaxLength, excerpt.Options{
		KeepSVG:          req.KeepSVG,
		KeepOneboxBody:   req.KeepOneboxBody,
		KeepQuotes:       req.KeepQuotes,
		KeepOneboxSource: req.KeepOneboxSource,
		StripLinks:       req.StripLinks,
		StripImages:      req.StripImages,
		KeepEmojiImages:  req.KeepEmojiImages,
		RemapEmoji:       req.RemapEmoji,
		MarkdownImages:   req.MarkdownImages,
		TextEntities:     req.TextEntities,
	})
	s.observe(ctx, "excerpt", start)

	s.renderJSON(w, r, excerptResponse{Excerpt: out})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.renderError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// decode reads a JSON POST body into v, writing the error response itself
// when it fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.renderError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.renderError(w, r, err, http.StatusRequestEntityTooLarge)
			return false
		}
		s.renderError(w, r, fmt.Errorf("bad request: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) observe(ctx context.Context, stage string, start time.Time) {
	s.tel.Metrics.RenderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	s.tel.Metrics.RenderDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("mode", stage)))
}

func (s *Server) renderJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		requestLogger(r.Context()).ErrorContext(r.Context(), "failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) renderInvalid(w http.ResponseWriter, r *http.Request, errs ValidationErrors) {
	requestLogger(r.Context()).WarnContext(r.Context(), "invalid request", slog.String("error", errs.Error()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(struct {
		Errors ValidationErrors `json:"errors"`
	}{errs})
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	requestLogger(r.Context()).ErrorContext(r.Context(), err.Error(), slog.Int("status", statusCode))
	http.Error(w, http.StatusText(statusCode), statusCode)
}
