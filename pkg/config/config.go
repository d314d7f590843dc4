package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogDebug          bool         `yaml:"log_debug"`
	Logger            *slog.Logger `yaml:"-"`
	ServiceName       string       `yaml:"service_name"`
	ServiceVersion    string       `yaml:"service_version"`
	TraceMaxBatchSize int          `yaml:"trace_max_batch_size"`
	TraceSampleRate   float64      `yaml:"trace_sample_rate"`
	OTLP              bool         `yaml:"otlp"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	CacheSize   int    `yaml:"cache_size"`

	Site Settings `yaml:"site"`
}

// Settings are the site-wide values the render pipeline falls back to when a
// call does not override them.
type Settings struct {
	BaseURL    string `yaml:"base_url"`
	Subfolder  string `yaml:"subfolder"`
	ForceHTTPS bool   `yaml:"force_https"`
	CDNURL     string `yaml:"cdn_url"`

	EnableS3Uploads           bool   `yaml:"enable_s3_uploads"`
	S3BucketURL               string `yaml:"s3_bucket_url"`
	S3CDNURL                  string `yaml:"s3_cdn_url"`
	SecureUploads             bool   `yaml:"secure_uploads"`
	LoginRequired             bool   `yaml:"login_required"`
	PreventAnonymousDownloads bool   `yaml:"prevent_anons_from_downloading_files"`

	EnableEmoji          bool              `yaml:"enable_emoji"`
	EnableEmojiShortcuts bool              `yaml:"enable_emoji_shortcuts"`
	EmojiSet             string            `yaml:"emoji_set"`
	ExternalEmojiURL     string            `yaml:"external_emoji_url"`
	CustomEmoji          map[string]string `yaml:"custom_emoji"`

	EnableMentions bool `yaml:"enable_mentions"`

	AllowedHrefSchemes string `yaml:"allowed_href_schemes"`
	AllowedIframes     string `yaml:"allowed_iframes"`

	AddRelNofollow            bool   `yaml:"add_rel_nofollow_to_user_content"`
	TL3LinksNoFollow          bool   `yaml:"tl3_links_no_follow"`
	ExcludeRelNofollowDomains string `yaml:"exclude_rel_nofollow_domains"`

	WatchedWordsRegularExpressions bool `yaml:"watched_words_regular_expressions"`

	MaxImageWidth            int     `yaml:"max_image_width"`
	MaxImageHeight           int     `yaml:"max_image_height"`
	MinRatioToCrop           float64 `yaml:"min_ratio_to_crop"`
	CreateThumbnails         bool    `yaml:"create_thumbnails"`
	ResponsivePostImageSizes string  `yaml:"responsive_post_image_sizes"`
	MaxImageSizeKB           int     `yaml:"max_image_size_kb"`

	RemoveFullQuote bool   `yaml:"remove_full_quote"`
	EnableBadges    bool   `yaml:"enable_badges"`
	DefaultLocale   string `yaml:"default_locale"`
}

func Load(path string) (*Config, error) {
	config := &Config{
		LogDebug:          false,
		ServiceName:       "cooked",
		TraceMaxBatchSize: 512,
		TraceSampleRate:   1.0,
		OTLP:              false,
		CacheSize:         1024,
		Site:              DefaultSettings(),
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.DatabaseURL = envOr("DATABASE_URL", config.DatabaseURL)
	config.RedisURL = envOr("REDIS_URL", config.RedisURL)
	config.ServiceName = envOr("COOKED_SERVICE_NAME", config.ServiceName)
	config.Site.BaseURL = envOr("COOKED_BASE_URL", config.Site.BaseURL)
	config.Site.CDNURL = envOr("COOKED_CDN_URL", config.Site.CDNURL)

	if v, ok := os.LookupEnv("COOKED_OTLP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COOKED_OTLP value %q: %w", v, err)
		}
		config.OTLP = b
	}

	if err := config.Site.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func DefaultSettings() Settings {
	return Settings{
		BaseURL:                  "http://localhost",
		EnableEmoji:              true,
		EnableEmojiShortcuts:     true,
		EmojiSet:                 "twitter",
		EnableMentions:           true,
		AddRelNofollow:           true,
		MaxImageWidth:            690,
		MaxImageHeight:           500,
		MinRatioToCrop:           0.22,
		CreateThumbnails:         true,
		ResponsivePostImageSizes: "1|1.5|2",
		MaxImageSizeKB:           4096,
		RemoveFullQuote:          true,
		EnableBadges:             true,
		DefaultLocale:            "en",
	}
}

func (s Settings) Validate() error {
	if s.MaxImageWidth <= 0 || s.MaxImageHeight <= 0 {
		return fmt.Errorf("max image dimensions must be positive, got %dx%d", s.MaxImageWidth, s.MaxImageHeight)
	}
	if s.MinRatioToCrop < 0 || s.MinRatioToCrop >= 1 {
		return fmt.Errorf("min_ratio_to_crop must be in [0,1), got %v", s.MinRatioToCrop)
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q has no host", s.BaseURL)
	}
	return nil
}

// Host is the hostname of the install, without port.
func (s Settings) Host() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Scheme is prepended to scheme-relative URLs.
func (s Settings) Scheme() string {
	if s.ForceHTTPS {
		return "https"
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Scheme == "" {
		return "http"
	}
	return u.Scheme
}

// Origin is scheme://host[:port] of the install.
func (s Settings) Origin() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return s.Scheme() + "://" + u.Host
}

// BasePath is the subfolder the install is served from, "" at the root.
func (s Settings) BasePath() string {
	return strings.TrimRight(s.Subfolder, "/")
}

func (s Settings) HrefSchemes() []string {
	return SplitList(s.AllowedHrefSchemes)
}

func (s Settings) IframePrefixes() []string {
	return SplitList(s.AllowedIframes)
}

func (s Settings) NofollowExcludedDomains() []string {
	return SplitList(s.ExcludeRelNofollowDomains)
}

// NofollowExcluded reports whether host is one of the excluded domains or a
// subdomain of one.
func (s Settings) NofollowExcluded(host string) bool {
	host = strings.ToLower(host)
	for _, d := range s.NofollowExcludedDomains() {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ExternalHost returns the host of an absolute or scheme-relative href that
// points away from this install, or "" when it does not.
func (s Settings) ExternalHost(href string) string {
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") && !strings.HasPrefix(href, "//") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil || u.Hostname() == "" || strings.EqualFold(u.Hostname(), s.Host()) {
		return ""
	}
	return u.Hostname()
}

// ResponsiveRatios returns the configured scale factors above 1.
func (s Settings) ResponsiveRatios() []float64 {
	var ratios []float64
	for _, v := range SplitList(s.ResponsivePostImageSizes) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 1 {
			continue
		}
		ratios = append(ratios, f)
	}
	return ratios
}

// SplitList splits a "|"-delimited setting, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, defaultVal string) string {
	if result, ok := os.LookupEnv(key); ok {
		return result
	}
	return defaultVal
}
