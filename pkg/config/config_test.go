package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "cooked", config.ServiceName)
	assert.Equal(t, 512, config.TraceMaxBatchSize)
	assert.Equal(t, 690, config.Site.MaxImageWidth)
	assert.Equal(t, 500, config.Site.MaxImageHeight)
	assert.InDelta(t, 0.22, config.Site.MinRatioToCrop, 0.0001)
	assert.True(t, config.Site.EnableEmoji)
	assert.Equal(t, "twitter", config.Site.EmojiSet)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cooked.yaml")
	err := os.WriteFile(path, []byte(`
service_name: forum
log_debug: true
site:
  base_url: https://forum.example.com
  subfolder: /community
  max_image_height: 2000
  allowed_href_schemes: "tel|ftp"
  custom_emoji:
    party_parrot: /uploads/default/original/1X/parrot.gif
`), 0o600)
	require.NoError(t, err)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "forum", config.ServiceName)
	assert.True(t, config.LogDebug)
	assert.Equal(t, "forum.example.com", config.Site.Host())
	assert.Equal(t, "https", config.Site.Scheme())
	assert.Equal(t, "/community", config.Site.BasePath())
	assert.Equal(t, 2000, config.Site.MaxImageHeight)
	// untouched keys keep their defaults
	assert.Equal(t, 690, config.Site.MaxImageWidth)
	assert.Equal(t, []string{"tel", "ftp"}, config.Site.HrefSchemes())
	assert.Equal(t, "/uploads/default/original/1X/parrot.gif", config.Site.CustomEmoji["party_parrot"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/cooked")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("COOKED_OTLP", "true")

	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/cooked", config.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", config.RedisURL)
	assert.True(t, config.OTLP)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("bad otlp env", func(t *testing.T) {
		t.Setenv("COOKED_OTLP", "sometimes")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "COOKED_OTLP")
	})
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr string
	}{
		{"defaults", func(s *Settings) {}, ""},
		{"zero width", func(s *Settings) { s.MaxImageWidth = 0 }, "max image dimensions"},
		{"ratio too large", func(s *Settings) { s.MinRatioToCrop = 1.5 }, "min_ratio_to_crop"},
		{"no host", func(s *Settings) { s.BaseURL = "/relative" }, "has no host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSettingsLists(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, []float64{1.5, 2}, s.ResponsiveRatios())

	s.AllowedIframes = " https://www.youtube.com/embed/ | |https://player.vimeo.com/video/"
	assert.Equal(t, []string{"https://www.youtube.com/embed/", "https://player.vimeo.com/video/"}, s.IframePrefixes())

	s.ForceHTTPS = true
	assert.Equal(t, "https://localhost", s.Origin())
}

func TestSettingsExternalHost(t *testing.T) {
	s := DefaultSettings()
	s.BaseURL = "https://forum.example.com"
	s.ExcludeRelNofollowDomains = "trusted.org|.docs.io"

	tests := []struct {
		href     string
		host     string
		excluded bool
	}{
		{"https://example.com/a", "example.com", false},
		{"//cdn.example.net/x.png", "cdn.example.net", false},
		{"https://FORUM.example.com/t/1", "", false},
		{"/t/1", "", false},
		{"mailto:a@b.co", "", false},
		{"https://wiki.trusted.org/page", "wiki.trusted.org", true},
		{"http://docs.io", "docs.io", true},
		{"http://notdocs.io", "notdocs.io", false},
	}

	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			host := s.ExternalHost(tt.href)
			assert.Equal(t, tt.host, host)
			if host != "" {
				assert.Equal(t, tt.excluded, s.NofollowExcluded(host))
			}
		})
	}
}
