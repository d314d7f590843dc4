// Package cache keeps onebox previews and remote image sizes between renders.
// Redis is used when configured, an in-process LRU otherwise.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

var requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cooked",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by cache name and result.",
	},
	[]string{"cache", "result"},
)

func init() {
	prometheus.MustRegister(requests)
}

// Store is a byte cache with per-entry expiry. Get reports a miss with
// ok=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Locker is implemented by stores shared between processes. TryLock takes a
// lease on key that expires after ttl; the returned token releases it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// ErrFillInProgress is returned when another process holds the fill lease for
// a key and did not finish within the lease.
var ErrFillInProgress = errors.New("cache fill in progress elsewhere")

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url (redis://...) and verifies the connection.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// unlockScript deletes the lease only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (r *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+"lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx: %w", err)
	}
	return token, ok, nil
}

func (r *RedisStore) Unlock(ctx context.Context, key, token string) error {
	if err := unlockScript.Run(ctx, r.client, []string{r.prefix + "lock:" + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type lruEntry struct {
	val     []byte
	expires time.Time
}

// LRUStore is a bounded in-process Store. Expired entries are dropped lazily
// on read.
type LRUStore struct {
	entries *lru.Cache[string, lruEntry]
	now     func() time.Time
}

func NewLRUStore(size int) (*LRUStore, error) {
	c, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRUStore{entries: c, now: time.Now}, nil
}

func (l *LRUStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := l.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && l.now().After(e.expires) {
		l.entries.Remove(key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (l *LRUStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := lruEntry{val: val}
	if ttl > 0 {
		e.expires = l.now().Add(ttl)
	}
	l.entries.Add(key, e)
	return nil
}

func (l *LRUStore) Delete(_ context.Context, key string) error {
	l.entries.Remove(key)
	return nil
}

func (l *LRUStore) Len() int {
	return l.entries.Len()
}

const (
	DefaultLockTTL     = 10 * time.Second
	DefaultFillTimeout = 15 * time.Second
	defaultPoll        = 50 * time.Millisecond
)

// Loader fills a Store on miss, collapsing concurrent loads of one key. In
// one process that is a singleflight group; when the store is also a Locker,
// a lease per key keeps other processes from fetching the same key at the
// same time. Store failures are logged and treated as misses.
type Loader struct {
	name   string
	store  Store
	group  singleflight.Group
	logger *slog.Logger

	LockTTL     time.Duration
	FillTimeout time.Duration
	Poll        time.Duration
}

func NewLoader(name string, s Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		name:        name,
		store:       s,
		logger:      logger,
		LockTTL:     DefaultLockTTL,
		FillTimeout: DefaultFillTimeout,
		Poll:        defaultPoll,
	}
}

func (l *Loader) Load(ctx context.Context, key string, ttl time.Duration, fill func(context.Context) ([]byte, error)) ([]byte, error) {
	if val, ok := l.get(ctx, key); ok {
		requests.WithLabelValues(l.name, "hit").Inc()
		return val, nil
	}
	requests.WithLabelValues(l.name, "miss").Inc()

	v, err, _ := l.group.Do(key, func() (any, error) {
		// the fill is shared, so it must outlive the caller that started it
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.FillTimeout)
		defer cancel()
		return l.fill(fctx, key, ttl, fill)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (l *Loader) get(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.WarnContext(ctx, "cache read failed", slog.String("cache", l.name), slog.String("key", key), slog.String("error", err.Error()))
		return nil, false
	}
	return val, ok
}

func (l *Loader) fill(ctx context.Context, key string, ttl time.Duration, fill func(context.Context) ([]byte, error)) ([]byte, error) {
	if locker, ok := l.store.(Locker); ok {
		token, held, err := locker.TryLock(ctx, key, l.LockTTL)
		switch {
		case err != nil:
			l.logger.WarnContext(ctx, "cache lock failed", slog.String("cache", l.name), slog.String("key", key), slog.String("error", err.Error()))
		case !held:
			requests.WithLabelValues(l.name, "wait").Inc()
			return l.wait(ctx, key)
		default:
			defer func() {
				if err := locker.Unlock(ctx, key, token); err != nil {
					l.logger.WarnContext(ctx, "cache unlock failed", slog.String("cache", l.name), slog.String("key", key), slog.String("error", err.Error()))
				}
			}()
			// another process may have filled it between our read and the lease
			if val, ok := l.get(ctx, key); ok {
				return val, nil
			}
		}
	}

	val, err := fill(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.store.Set(ctx, key, val, ttl); err != nil {
		l.logger.WarnContext(ctx, "cache write failed", slog.String("cache", l.name), slog.String("key", key), slog.String("error", err.Error()))
	}
	return val, nil
}

// wait polls the store until the lease holder writes key or the lease runs
// out.
func (l *Loader) wait(ctx context.Context, key string) ([]byte, error) {
	deadline := time.NewTimer(l.LockTTL)
	defer deadline.Stop()
	tick := time.NewTicker(l.Poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%s %q: %w", l.name, key, ErrFillInProgress)
		case <-tick.C:
			if val, ok := l.get(ctx, key); ok {
				return val, nil
			}
		}
	}
}

func (l *Loader) Forget(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, key); err != nil {
		l.logger.WarnContext(ctx, "cache delete failed", slog.String("cache", l.name), slog.String("key", key), slog.String("error", err.Error()))
	}
}
