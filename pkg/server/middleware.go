package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Middleware represents a standard HTTP middleware
type Middleware func(http.Handler) http.Handler

// Chain combines multiple middlewares into a single middleware
type Chain struct {
	middlewares []Middleware
}

func newChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: append([]Middleware{}, middlewares...)}
}

// Then chains the middlewares and returns the final handler
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Append creates a new chain with additional middlewares
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	newMiddlewares = append(newMiddlewares, middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

type contextKey string

const contextKeyRequest contextKey = "cooked.request"

// RequestContext holds request-scoped data
type RequestContext struct {
	RequestID string
	TraceID   string
	StartTime time.Time
	Logger    *slog.Logger
}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKeyRequest, rc)
}

func getRequestContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKeyRequest).(*RequestContext)
	return rc, ok
}

// requestLogger returns the logger tagged with the request ID, or the default.
func requestLogger(ctx context.Context) *slog.Logger {
	if rc, ok := getRequestContext(ctx); ok && rc.Logger != nil {
		return rc.Logger
	}
	return slog.Default()
}

// responseWriter records the status and size of a response
type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
	mu          sync.Mutex
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if !rw.wroteHeader {
		rw.status = status
		rw.ResponseWriter.WriteHeader(status)
		rw.wroteHeader = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.mu.Lock()
	wrote := rw.wroteHeader
	rw.mu.Unlock()
	if !wrote {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.mu.Lock()
	rw.written += int64(n)
	rw.mu.Unlock()
	return n, err
}

func (rw *responseWriter) Status() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.status
}

func (rw *responseWriter) BytesWritten() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.written
}

// requestContextMiddleware assigns a request ID, honoring an incoming
// X-Request-ID, and echoes it back.
func requestContextMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			rc := &RequestContext{
				RequestID: id,
				StartTime: time.Now(),
				Logger:    logger.With(slog.String("request_id", id)),
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500.
func recoveryMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestLogger(r.Context()).ErrorContext(r.Context(), "panic recovered",
						slog.Any("error", err),
						slog.String("stack", string(debug.Stack())),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware sets the headers an API that returns HTML
// fragments needs.
func securityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			next.ServeHTTP(w, r)
		})
	}
}

// ObservabilityConfig holds what the observability middleware records to.
type ObservabilityConfig struct {
	Tracer          trace.Tracer
	RequestCounter  metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ErrorCounter    metric.Int64Counter
	ActiveRequests  metric.Int64UpDownCounter
}

// newObservabilityConfig creates the HTTP instruments on meter.
func newObservabilityConfig(tracer trace.Tracer, meter metric.Meter) (*ObservabilityConfig, error) {
	cfg := &ObservabilityConfig{Tracer: tracer}
	var err error

	if cfg.RequestCounter, err = meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("request counter: %w", err)
	}
	if cfg.RequestDuration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("request duration: %w", err)
	}
	if cfg.ErrorCounter, err = meter.Int64Counter("http.server.errors",
		metric.WithDescription("HTTP responses with a 4xx or 5xx status")); err != nil {
		return nil, fmt.Errorf("error counter: %w", err)
	}
	if cfg.ActiveRequests, err = meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Requests currently being served")); err != nil {
		return nil, fmt.Errorf("active requests: %w", err)
	}
	return cfg, nil
}

// newObservabilityMiddleware traces, measures and logs every request.
func newObservabilityMiddleware(config *ObservabilityConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := getRequestContext(r.Context())
			if !ok {
				rc = &RequestContext{StartTime: time.Now(), Logger: slog.Default()}
			}
			route := getRoutePattern(r.URL.Path)

			ctx, span := config.Tracer.Start(r.Context(),
				fmt.Sprintf("%s %s", r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.Int64("http.request_content_length", r.ContentLength),
					attribute.String("request.id", rc.RequestID),
				),
			)
			defer span.End()

			if spanCtx := span.SpanContext(); spanCtx.IsValid() {
				rc.TraceID = spanCtx.TraceID().String()
			}

			wrapped := newResponseWriter(w)

			config.ActiveRequests.Add(ctx, 1)
			defer config.ActiveRequests.Add(ctx, -1)

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(rc.StartTime)
			status := wrapped.Status()
			attrs := []attribute.KeyValue{
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.Int("status_code", status),
				attribute.String("status_class", fmt.Sprintf("%dxx", status/100)),
			}

			config.RequestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			config.RequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
			if status >= 400 {
				config.ErrorCounter.Add(ctx, 1, metric.WithAttributes(
					append(attrs, attribute.String("error_type", getErrorType(status)))...))
			}

			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(status),
				attribute.Int64("http.response_content_length", wrapped.BytesWritten()),
			)
			if status >= 400 {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}

			logLevel := slog.LevelInfo
			if status >= 500 {
				logLevel = slog.LevelError
			} else if status >= 400 {
				logLevel = slog.LevelWarn
			}
			rc.Logger.LogAttrs(ctx, logLevel, "request_completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("trace_id", rc.TraceID),
				slog.Int("status", status),
				slog.Int64("bytes_written", wrapped.BytesWritten()),
				slog.Duration("duration", duration),
			)
		})
	}
}

// getRoutePattern keeps metric labels to the known routes.
func getRoutePattern(path string) string {
	switch path {
	case "/api/cook", "/api/postprocess", "/api/excerpt", "/health", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/api/") {
		return "/api/{other}"
	}
	return "{other}"
}

// getErrorType categorizes HTTP errors
func getErrorType(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusTooManyRequests:
		return "too_many_requests"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if statusCode >= 400 && statusCode < 500 {
			return "client_error"
		}
		return "server_error"
	}
}
