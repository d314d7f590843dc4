// Package media sizes images, probes remote image dimensions and renders
// optimized thumbnails.
package media

import (
	"fmt"
	"math"
	"path"
	"strings"
)

type Size struct {
	Width  int
	Height int
}

// Valid reports whether both dimensions are known.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// FetchError reports a remote resource that could not be read. Status is the
// HTTP status when one was received.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Sizer decides how large images are scaled down for posts.
type Sizer struct {
	MaxWidth       int
	MaxHeight      int
	MinRatioToCrop float64
}

func (s Sizer) IsLarge(w, h int) bool {
	return w > s.MaxWidth || h > s.MaxHeight
}

// ShouldCrop reports very tall images, which are cropped rather than shrunk
// into a sliver.
func (s Sizer) ShouldCrop(w, h int) bool {
	if w <= 0 || h <= 0 {
		return false
	}
	return float64(w)/float64(h) < s.MinRatioToCrop
}

// Resize scales w×h to fit inside the maximum box, keeping the aspect ratio.
func (s Sizer) Resize(w, h int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	ratio := math.Min(float64(s.MaxWidth)/float64(w), float64(s.MaxHeight)/float64(h))
	if ratio >= 1 {
		return w, h
	}
	return int(math.Floor(float64(w) * ratio)), int(math.Floor(float64(h) * ratio))
}

// Crop keeps the full width (up to the maximum) and the top of the image.
func (s Sizer) Crop(w, h int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	cw := min(s.MaxWidth, w)
	ch := min(s.MaxHeight, int(math.Floor(float64(h)*float64(s.MaxWidth)/float64(w))))
	return cw, ch
}

// Target returns the display size for w×h and whether it is a crop. Images
// that fit are returned unchanged.
func (s Sizer) Target(w, h int) (int, int, bool) {
	if !s.IsLarge(w, h) {
		return w, h, false
	}
	if s.ShouldCrop(w, h) {
		cw, ch := s.Crop(w, h)
		return cw, ch, true
	}
	rw, rh := s.Resize(w, h)
	return rw, rh, false
}

var (
	imageExtensions = map[string]bool{"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "avif": true, "bmp": true, "tif": true, "tiff": true, "svg": true, "heic": true, "heif": true, "ico": true}
	audioExtensions = map[string]bool{"mp3": true, "ogg": true, "oga": true, "opus": true, "wav": true, "m4a": true, "aac": true, "flac": true}
	videoExtensions = map[string]bool{"mp4": true, "mov": true, "m4v": true, "webm": true, "ogv": true, "avi": true, "mpeg": true, "mpg": true}
)

// Extension returns the lowercased extension of a URL path, without the dot.
func Extension(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u), "."))
}

func IsImage(u string) bool { return imageExtensions[Extension(u)] }
func IsAudio(u string) bool { return audioExtensions[Extension(u)] }
func IsVideo(u string) bool { return videoExtensions[Extension(u)] }
