package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	defaultProbeBytes   = 64 << 10
	defaultProbeTimeout = 10 * time.Second
)

// HTTPProbe reads just enough of a remote image to learn its dimensions.
type HTTPProbe struct {
	Client   *http.Client
	MaxBytes int64
	Logger   *slog.Logger
}

func NewHTTPProbe(client *http.Client, logger *slog.Logger) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProbe{Client: client, MaxBytes: defaultProbeBytes, Logger: logger}
}

// Size fetches the head of the image at url. Failures are *FetchError.
func (p *HTTPProbe) Size(ctx context.Context, url string) (Size, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Size{}, &FetchError{URL: url, Err: err}
	}
	limit := p.MaxBytes
	if limit <= 0 {
		limit = defaultProbeBytes
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", limit-1))

	resp, err := p.Client.Do(req)
	if err != nil {
		return Size{}, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Size{}, &FetchError{URL: url, Status: resp.StatusCode}
	}

	cfg, format, err := image.DecodeConfig(bufio.NewReader(io.LimitReader(resp.Body, limit)))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("image header larger than %d bytes: %w", limit, err)
		}
		return Size{}, &FetchError{URL: url, Err: err}
	}

	p.Logger.DebugContext(ctx, "probed remote image",
		slog.String("url", url),
		slog.String("format", format),
		slog.Int("width", cfg.Width),
		slog.Int("height", cfg.Height))

	return Size{Width: cfg.Width, Height: cfg.Height}, nil
}
