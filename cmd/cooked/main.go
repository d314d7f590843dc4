// Command cooked renders a post's raw markdown through the cook engine, the
// post-processor and the excerpter, printing the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/imeyer/cooked/pkg/cache"
	"github.com/imeyer/cooked/pkg/config"
	"github.com/imeyer/cooked/pkg/cook"
	"github.com/imeyer/cooked/pkg/dom"
	"github.com/imeyer/cooked/pkg/excerpt"
	"github.com/imeyer/cooked/pkg/media"
	"github.com/imeyer/cooked/pkg/postprocess"
	"github.com/imeyer/cooked/pkg/server"
	"github.com/imeyer/cooked/pkg/store"
	"github.com/imeyer/cooked/pkg/store/postgres"
	"github.com/imeyer/cooked/pkg/telemetry"
	"github.com/imeyer/cooked/pkg/textfmt"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "cooked:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath    string
	debug         bool
	mode          string
	excerptLength int
	uploadsDir    string
	metricsFile   string
	listen        string
	trustProxy    bool
	topicID       int64
	postID        int64
	postNumber    int
	userID        int64
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	fs := flag.NewFlagSet("cooked", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", envOr("COOKED_CONFIG", ""), "Path to a YAML config file")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.StringVar(&o.mode, "mode", "process", "What to print: cook, process or excerpt")
	fs.IntVar(&o.excerptLength, "excerpt-length", 300, "Excerpt length in characters, 0 for no limit")
	fs.StringVar(&o.uploadsDir, "uploads-dir", envOr("COOKED_UPLOADS_DIR", ""), "Directory local uploads are served from, enables thumbnails")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	fs.StringVar(&o.listen, "listen", envOr("COOKED_LISTEN", ""), "Serve the render API on this address instead of rendering one post")
	fs.BoolVar(&o.trustProxy, "trust-proxy", envOr("COOKED_TRUST_PROXY", "") == "true", "Rate limit by X-Forwarded-For, for use behind a reverse proxy")
	fs.Int64Var(&o.topicID, "topic", 0, "Topic the post belongs to")
	fs.Int64Var(&o.postID, "post", 0, "Post ID")
	fs.IntVar(&o.postNumber, "post-number", 1, "Post number within the topic")
	fs.Int64Var(&o.userID, "user", 0, "Author's user ID")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	switch o.mode {
	case "cook", "process", "excerpt":
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", o.mode)
	}
	return o, fs.Args(), nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	o, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	lvl := slog.LevelInfo
	if o.debug {
		lvl = slog.LevelDebug
	}
	logger := newLogger(stderr, &lvl)

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	cfg.LogDebug = cfg.LogDebug || o.debug
	cfg.ServiceVersion = version
	cfg.Logger = logger

	reg := prometheus.NewRegistry()
	tel, shutdown, err := telemetry.Setup(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()
	if tel.LogHandler != nil {
		logger = slog.New(tel.LogHandler)
		slog.SetDefault(logger)
	}
	tel.Metrics.VersionGauge.Record(ctx, 1, metric.WithAttributes(attribute.String("version", version)))

	if o.listen != "" {
		return serve(ctx, cfg, o, tel, reg, logger)
	}

	raw, err := readInput(rest, stdin)
	if err != nil {
		return err
	}

	a, err := wire(ctx, cfg, o, logger)
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.render(ctx, tel, o, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, out)

	if o.metricsFile != "" {
		if err := prometheus.WriteToTextfile(o.metricsFile, prometheus.Gatherers{prometheus.DefaultGatherer, reg}); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

// serve runs the render API until SIGINT or SIGTERM.
func serve(ctx context.Context, cfg *config.Config, o *options, tel *telemetry.Telemetry, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := wire(ctx, cfg, o, logger)
	if err != nil {
		return err
	}
	defer a.close()

	limits := server.DefaultRateLimitConfig()
	limits.TrustProxyHeaders = o.trustProxy

	srv, err := server.New(server.Options{
		RateLimit: limits,
		Engine:    a.engine,
		Processor: a.processor,
		Excerpter: a.excerpter,
		Telemetry: tel,
		Gatherer:  prometheus.Gatherers{prometheus.DefaultGatherer, reg},
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, o.listen)
}

func readInput(args []string, stdin io.Reader) (string, error) {
	if len(args) > 1 {
		return "", errors.New("expected at most one input file")
	}
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(b), nil
}

// backend is everything the pipeline persists to or looks up from.
type backend interface {
	store.UploadStore
	store.PostStore
	store.UserStore
	store.PermissionOracle
	store.OneboxFetcher
	store.HotlinkedMediaStore
	store.BadgeGranter
	store.PostRevisor
	store.ImageUpdater
	textfmt.MentionLookup
	textfmt.HashtagLookup
	media.Recorder
}

type app struct {
	engine    *cook.Engine
	processor *postprocess.Processor
	excerpter *excerpt.Excerpter
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// wire builds the pipeline over Postgres when a database is configured and
// over an empty in-memory store otherwise.
func wire(ctx context.Context, cfg *config.Config, o *options, logger *slog.Logger) (*app, error) {
	a := &app{}
	site := cfg.Site

	var (
		db        backend
		optimizer store.OptimizedImageCreator
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			a.close()
			return nil, err
		}
		db = postgres.New(pool, site.BasePath(), logger)
	} else {
		mem := store.NewMemory()
		mem.BasePath = site.BasePath()
		db = mem
		optimizer = mem
	}
	if o.uploadsDir != "" {
		optimizer = media.NewThumbnailer(o.uploadsDir, db, logger)
	}

	var cacheStore cache.Store
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL, "cooked:")
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { rs.Close() })
		cacheStore = rs
	} else {
		ls, err := cache.NewLRUStore(cfg.CacheSize)
		if err != nil {
			a.close()
			return nil, err
		}
		cacheStore = ls
	}

	a.engine = cook.New(cook.Deps{
		Settings:    site,
		Mentions:    db,
		Hashtags:    db,
		Uploads:     db,
		Posts:       db,
		Users:       db,
		Permissions: db,
		Logger:      logger,
	})

	probe := media.NewHTTPProbe(&http.Client{Timeout: 10 * time.Second}, logger)
	a.processor = postprocess.New(postprocess.Deps{
		Settings:    site,
		Uploads:     db,
		Posts:       db,
		Permissions: db,
		Oneboxes:    cache.NewOneboxFetcher(db, cacheStore, 0, logger),
		Hotlinked:   db,
		Badges:      db,
		Revisor:     db,
		Images:      db,
		Optimizer:   optimizer,
		Probe:       cache.NewImageProbe(probe, cacheStore, 0, logger),
		Cooker:      a.engine,
		Translator:  a.engine.Translator,
		Logger:      logger,
	})
	a.excerpter = excerpt.New(a.engine.Emoji, a.engine.Translator)

	return a, nil
}

func (a *app) render(ctx context.Context, tel *telemetry.Telemetry, o *options, raw string) (string, error) {
	start := time.Now()
	defer func() {
		tel.Metrics.RenderDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("mode", o.mode)))
	}()

	cooked := a.engine.Cook(ctx, raw, cook.RenderOptions{TopicID: o.topicID, UserID: o.userID})
	tel.Metrics.RenderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "cook")))
	if o.mode == "cook" {
		return cooked, nil
	}

	doc, err := dom.Parse(cooked)
	if err != nil {
		tel.Metrics.ErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "parse")))
		return "", fmt.Errorf("failed to parse cooked html: %w", err)
	}
	res, err := a.processor.PostProcess(ctx, doc, postprocess.PostContext{
		Post: &store.Post{
			ID:         o.postID,
			TopicID:    o.topicID,
			PostNumber: o.postNumber,
			UserID:     o.userID,
			Raw:        raw,
			Cooked:     cooked,
			Type:       store.PostTypeRegular,
		},
		NewPost: true,
	})
	if err != nil {
		tel.Metrics.ErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "postprocess")))
		return "", err
	}
	tel.Metrics.RenderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "postprocess")))

	processed := res.Document.HTML()
	if o.mode == "process" {
		return processed, nil
	}

	tel.Metrics.RenderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "excerpt")))
	return a.excerpter.Excerpt(processed, o.excerptLength, excerpt.Options{}), nil
}

func newLogger(w io.Writer, logLevel *slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	}))
	slog.SetDefault(logger)

	return logger
}

func envOr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return defaultVal
}
