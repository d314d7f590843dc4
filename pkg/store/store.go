// Package store defines the records the render pipeline reads and the
// collaborator interfaces it calls out to.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
)

type Upload struct {
	ID               int64
	URL              string
	SHA1             string
	OriginalFilename string
	Width            int
	Height           int
	Filesize         int64
	Extension        string
	Secure           bool
	DominantColor    string
	Animated         bool
	CustomEmoji      bool
}

// Base62SHA1 is the sha1 re-encoded in base 62, as used by short upload URLs.
func (u *Upload) Base62SHA1() string {
	n, ok := new(big.Int).SetString(u.SHA1, 16)
	if !ok {
		return ""
	}
	return n.Text(62)
}

func (u *Upload) ShortURL() string {
	s := "upload://" + u.Base62SHA1()
	if u.Extension != "" {
		s += "." + u.Extension
	}
	return s
}

// ShortPath is the download path for the upload under basePath.
func (u *Upload) ShortPath(basePath string) string {
	s := basePath + "/uploads/short-url/" + u.Base62SHA1()
	if u.Extension != "" {
		s += "." + u.Extension
	}
	return s
}

// SHA1FromShortURL decodes an upload:// token (or bare base62 value) back
// into a hex sha1.
func SHA1FromShortURL(token string) (string, error) {
	s := strings.TrimPrefix(token, "upload://")
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, ok := new(big.Int).SetString(s, 62)
	if !ok || s == "" {
		return "", fmt.Errorf("invalid short url %q", token)
	}
	hex := n.Text(16)
	if len(hex) > 40 {
		return "", fmt.Errorf("short url %q does not encode a sha1", token)
	}
	return strings.Repeat("0", 40-len(hex)) + hex, nil
}

func (u *Upload) IsSVG() bool {
	return strings.EqualFold(u.Extension, "svg")
}

type OptimizedImage struct {
	ID        int64
	UploadID  int64
	URL       string
	Width     int
	Height    int
	Filesize  int64
	Extension string
}

// Thumbnail returns the optimized variant with the exact pixel size.
func Thumbnail(images []OptimizedImage, width, height int) (OptimizedImage, bool) {
	for _, oi := range images {
		if oi.Width == width && oi.Height == height {
			return oi, true
		}
	}
	return OptimizedImage{}, false
}

type PostType int

const (
	PostTypeRegular PostType = iota + 1
	PostTypeModeratorAction
	PostTypeSmallAction
	PostTypeWhisper
)

type Post struct {
	ID            int64
	TopicID       int64
	PostNumber    int
	UserID        int64
	Raw           string
	Cooked        string
	Type          PostType
	Hidden        bool
	Deleted       bool
	ViaEmail      bool
	ImageUploadID int64
}

// Visible reports whether the post counts when looking for the post a reply
// directly follows.
func (p *Post) Visible() bool {
	return !p.Hidden && !p.Deleted && p.Type == PostTypeRegular
}

type Topic struct {
	ID            int64
	Title         string
	Slug          string
	CategoryID    int64
	BumpedAt      time.Time
	ImageUploadID int64
}

type User struct {
	ID             int64
	Username       string
	Name           string
	TrustLevel     int
	Staff          bool
	Staged         bool
	AvatarTemplate string
}

// AvatarURL expands the avatar template for a pixel size.
func (u *User) AvatarURL(size int) string {
	return strings.ReplaceAll(u.AvatarTemplate, "{size}", fmt.Sprint(size))
}

type Group struct {
	ID          int64
	Name        string
	Mentionable bool
	Notifiable  bool
}

type Category struct {
	ID             int64
	Slug           string
	Name           string
	ReadRestricted bool
}

type Tag struct {
	ID   int64
	Name string
}

type HotlinkStatus string

const (
	HotlinkDownloaded     HotlinkStatus = "downloaded"
	HotlinkTooLarge       HotlinkStatus = "too_large"
	HotlinkDownloadFailed HotlinkStatus = "download_failed"
)

type HotlinkedMedia struct {
	URL    string
	Status HotlinkStatus
	Upload *Upload
}

type BadgeType int

const (
	BadgeFirstEmoji BadgeType = iota + 1
	BadgeFirstOnebox
	BadgeFirstReplyByEmail
)

func (b BadgeType) String() string {
	switch b {
	case BadgeFirstEmoji:
		return "first_emoji"
	case BadgeFirstOnebox:
		return "first_onebox"
	case BadgeFirstReplyByEmail:
		return "first_reply_by_email"
	}
	return fmt.Sprintf("badge(%d)", int(b))
}

type EntityKind int

const (
	EntityCategory EntityKind = iota + 1
	EntityTopic
	EntityPost
)

type Entity struct {
	Kind EntityKind
	ID   int64
}

type OneboxOptions struct {
	Invalidate bool
	UserID     int64
	CategoryID int64
}

type RevisionOptions struct {
	EditReason string
	BypassBump bool
}

type UploadStore interface {
	// Get finds an upload by its stored URL.
	Get(ctx context.Context, identifier string) (*Upload, error)
	FindBySHA1OrShortURL(ctx context.Context, token string) (*Upload, error)
	OptimizedImages(ctx context.Context, uploadID int64) ([]OptimizedImage, error)
}

type PostStore interface {
	FindByTopicAndNumber(ctx context.Context, topicID int64, postNumber int) (*Post, error)
	Topic(ctx context.Context, topicID int64) (*Topic, error)
}

type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
}

// PermissionOracle answers access questions. userID 0 is an anonymous visitor.
type PermissionOracle interface {
	CanSee(ctx context.Context, userID int64, e Entity) bool
	IsStaffOrHigherTrust(ctx context.Context, userID int64, level int) bool
}

// OneboxFetcher returns preview HTML for a URL, or "" when there is nothing to
// show.
type OneboxFetcher interface {
	Fetch(ctx context.Context, url string, opts OneboxOptions) (string, error)
}

type HotlinkedMediaStore interface {
	// StatusFor returns nil when nothing is recorded for url.
	StatusFor(ctx context.Context, postID int64, url string) (*HotlinkedMedia, error)
}

// BadgeGranter grants are idempotent and silently skip disabled badges.
type BadgeGranter interface {
	Grant(ctx context.Context, badge BadgeType, userID, postID int64) error
}

type PostRevisor interface {
	Revise(ctx context.Context, post *Post, raw string, opts RevisionOptions) error
}

// ImageUpdater stores representative images; uploadID 0 clears them.
type ImageUpdater interface {
	SetPostImage(ctx context.Context, postID, uploadID int64) error
	SetTopicImage(ctx context.Context, topicID, uploadID int64) error
}

type OptimizedImageCreator interface {
	Create(ctx context.Context, upload *Upload, width, height int, crop bool) (*OptimizedImage, error)
}
