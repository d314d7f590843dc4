package media

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/imeyer/cooked/pkg/store"
	"golang.org/x/image/draw"
)

// Recorder persists metadata for a freshly written optimized image and
// assigns its ID.
type Recorder interface {
	RecordOptimizedImage(ctx context.Context, oi *store.OptimizedImage) error
}

// Thumbnailer renders optimized variants of local uploads under Root and
// implements store.OptimizedImageCreator.
type Thumbnailer struct {
	Root     string
	Recorder Recorder
	Logger   *slog.Logger
}

func NewThumbnailer(root string, rec Recorder, logger *slog.Logger) *Thumbnailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Thumbnailer{Root: root, Recorder: rec, Logger: logger}
}

func (t *Thumbnailer) Create(ctx context.Context, upload *store.Upload, width, height int, crop bool) (*store.OptimizedImage, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %dx%d", width, height)
	}
	if upload.IsSVG() {
		return nil, fmt.Errorf("upload %d is an svg and is never resized", upload.ID)
	}

	srcPath, err := t.localPath(upload.URL)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %d: %w", upload.ID, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode upload %d: %w", upload.ID, err)
	}

	dst := Scale(src, width, height, crop)

	ext := strings.ToLower(upload.Extension)
	if ext == "" {
		ext = "png"
	}
	rel := path.Join("/uploads/optimized", upload.SHA1[:min(2, len(upload.SHA1))],
		fmt.Sprintf("%s_%dx%d.%s", upload.SHA1, width, height, ext))
	outPath := filepath.Join(t.Root, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create thumbnail: %w", err)
	}
	defer out.Close()

	switch ext {
	case "jpg", "jpeg":
		err = jpeg.Encode(out, dst, &jpeg.Options{Quality: 85})
	default:
		err = png.Encode(out, dst)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat thumbnail: %w", err)
	}

	oi := &store.OptimizedImage{
		UploadID:  upload.ID,
		URL:       rel,
		Width:     width,
		Height:    height,
		Filesize:  info.Size(),
		Extension: ext,
	}
	if t.Recorder != nil {
		if err := t.Recorder.RecordOptimizedImage(ctx, oi); err != nil {
			return nil, fmt.Errorf("failed to record thumbnail: %w", err)
		}
	}

	t.Logger.DebugContext(ctx, "created thumbnail",
		slog.Int64("upload_id", upload.ID),
		slog.String("url", rel),
		slog.Bool("crop", crop))

	return oi, nil
}

func (t *Thumbnailer) localPath(uploadURL string) (string, error) {
	p := uploadURL
	if u, err := url.Parse(uploadURL); err == nil && (u.Host != "" || u.Scheme != "") {
		p = u.Path
	}
	clean := path.Clean("/" + p)
	if !strings.HasPrefix(clean, "/uploads/") {
		return "", fmt.Errorf("upload url %q is not a local upload", uploadURL)
	}
	return filepath.Join(t.Root, filepath.FromSlash(clean)), nil
}

// Scale resizes src to width×height. With crop the top of the image is kept
// at the target aspect ratio instead of squeezing the whole image.
func Scale(src image.Image, width, height int, crop bool) *image.RGBA {
	b := src.Bounds()
	sr := b
	if crop {
		h := b.Dx() * height / width
		if h < b.Dy() {
			sr = image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+h)
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sr, draw.Over, nil)
	return dst
}
