package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imeyer/cooked/pkg/media"
	"github.com/imeyer/cooked/pkg/store"
)

const (
	DefaultOneboxTTL = 24 * time.Hour
	DefaultProbeTTL  = 7 * 24 * time.Hour
)

// OneboxFetcher caches previews from another fetcher, empty ones included.
type OneboxFetcher struct {
	next   store.OneboxFetcher
	loader *Loader
	ttl    time.Duration
}

func NewOneboxFetcher(next store.OneboxFetcher, s Store, ttl time.Duration, logger *slog.Logger) *OneboxFetcher {
	if ttl <= 0 {
		ttl = DefaultOneboxTTL
	}
	return &OneboxFetcher{next: next, loader: NewLoader("onebox", s, logger), ttl: ttl}
}

func (f *OneboxFetcher) Fetch(ctx context.Context, url string, opts store.OneboxOptions) (string, error) {
	key := "onebox:" + url
	if opts.Invalidate {
		f.loader.Forget(ctx, key)
	}
	val, err := f.loader.Load(ctx, key, f.ttl, func(ctx context.Context) ([]byte, error) {
		preview, err := f.next.Fetch(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return []byte(preview), nil
	})
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// ImageProber is satisfied by media.HTTPProbe.
type ImageProber interface {
	Size(ctx context.Context, url string) (media.Size, error)
}

// ImageProbe caches remote image sizes. Failures are not cached.
type ImageProbe struct {
	next   ImageProber
	loader *Loader
	ttl    time.Duration
}

func NewImageProbe(next ImageProber, s Store, ttl time.Duration, logger *slog.Logger) *ImageProbe {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	return &ImageProbe{next: next, loader: NewLoader("image_size", s, logger), ttl: ttl}
}

func (p *ImageProbe) Size(ctx context.Context, url string) (media.Size, error) {
	val, err := p.loader.Load(ctx, "imgsize:"+url, p.ttl, func(ctx context.Context) ([]byte, error) {
		size, err := p.next.Size(ctx, url)
		if err != nil {
			return nil, err
		}
		return []byte(size.String()), nil
	})
	if err != nil {
		return media.Size{}, err
	}

	var size media.Size
	if _, err := fmt.Sscanf(string(val), "%dx%d", &size.Width, &size.Height); err != nil {
		return media.Size{}, fmt.Errorf("corrupt cached size for %s: %w", url, err)
	}
	return size, nil
}
