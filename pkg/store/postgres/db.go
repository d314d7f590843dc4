// Package postgres backs the render pipeline's collaborator interfaces with
// PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imeyer/cooked/pkg/store"
	"github.com/imeyer/cooked/pkg/textfmt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed schema.sql
var schema string

var (
	tracer = otel.Tracer("github.com/imeyer/cooked/pkg/store/postgres")

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cooked",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Histogram of database query durations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

func init() {
	prometheus.MustRegister(queryDuration)
}

// DB is the subset of *pgxpool.Pool the store uses. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolConfig parses dsn and applies the pool limits and connection logging.
func PoolConfig(dsn string, logger *slog.Logger) (*pgxpool.Config, error) {
	const defaultMaxConns = int32(4)
	const defaultMinConns = int32(0)
	const defaultMaxConnLifetime = time.Hour
	const defaultMaxConnIdleTime = time.Minute * 15
	const defaultHealthCheckPeriod = time.Minute
	const defaultConnectTimeout = time.Second * 5

	dbConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database configuration: %w", err)
	}

	dbConfig.MaxConns = defaultMaxConns
	dbConfig.MinConns = defaultMinConns
	dbConfig.MaxConnLifetime = defaultMaxConnLifetime
	dbConfig.MaxConnIdleTime = defaultMaxConnIdleTime
	dbConfig.HealthCheckPeriod = defaultHealthCheckPeriod
	dbConfig.ConnConfig.ConnectTimeout = defaultConnectTimeout

	dbConfig.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		logger.Debug("connection created")
		return nil
	}

	dbConfig.BeforeClose = func(c *pgx.Conn) {
		logger.Debug("closing connection")
	}

	return dbConfig, nil
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := PoolConfig(dsn, logger)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	logger.Debug("connected to database", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return pool, nil
}

// Migrate creates any missing tables and seeds the badge rows.
func Migrate(ctx context.Context, db DB, logger *slog.Logger) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	logger.Debug("schema applied")
	return nil
}

// Store implements the store interfaces on top of DB.
type Store struct {
	db       DB
	basePath string
	logger   *slog.Logger
}

// New returns a Store. basePath prefixes the hashtag URLs it builds.
func New(db DB, basePath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, basePath: basePath, logger: logger}
}

// traced runs fn inside a "name(query)" span and records its duration.
// pgx.ErrNoRows comes back as store.ErrNotFound.
func (s *Store) traced(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, name+"(query)")
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	if errors.Is(err, pgx.ErrNoRows) {
		err = store.ErrNotFound
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("query error: %w", err)
	}

	span.SetAttributes(append(attrs, attribute.Float64("request.duration", duration))...)
	queryDuration.WithLabelValues(name).Observe(duration)
	span.SetStatus(codes.Ok, "")

	return err
}

var (
	_ store.UploadStore         = (*Store)(nil)
	_ store.PostStore           = (*Store)(nil)
	_ store.UserStore           = (*Store)(nil)
	_ store.PermissionOracle    = (*Store)(nil)
	_ store.OneboxFetcher       = (*Store)(nil)
	_ store.HotlinkedMediaStore = (*Store)(nil)
	_ store.BadgeGranter        = (*Store)(nil)
	_ store.PostRevisor         = (*Store)(nil)
	_ store.ImageUpdater        = (*Store)(nil)
	_ textfmt.MentionLookup     = (*Store)(nil)
	_ textfmt.HashtagLookup     = (*Store)(nil)
)
