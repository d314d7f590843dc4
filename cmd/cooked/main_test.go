package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, o *options, rest []string)
	}{
		{
			name: "defaults",
			args: nil,
			check: func(t *testing.T, o *options, rest []string) {
				assert.Equal(t, "process", o.mode)
				assert.Equal(t, 300, o.excerptLength)
				assert.Equal(t, 1, o.postNumber)
				assert.Empty(t, rest)
			},
		},
		{
			name: "mode and file",
			args: []string{"-mode", "excerpt", "-excerpt-length", "20", "post.md"},
			check: func(t *testing.T, o *options, rest []string) {
				assert.Equal(t, "excerpt", o.mode)
				assert.Equal(t, 20, o.excerptLength)
				assert.Equal(t, []string{"post.md"}, rest)
			},
		},
		{
			name: "listen",
			args: []string{"-listen", "127.0.0.1:8080"},
			check: func(t *testing.T, o *options, rest []string) {
				assert.Equal(t, "127.0.0.1:8080", o.listen)
			},
		},
		{
			name: "trust proxy",
			args: []string{"-listen", ":8080", "-trust-proxy"},
			check: func(t *testing.T, o *options, rest []string) {
				assert.True(t, o.trustProxy)
			},
		},
		{name: "unknown mode", args: []string{"-mode", "bake"}, wantErr: true},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, rest, err := parseFlags(tt.args, &bytes.Buffer{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, o, rest)
		})
	}
}

func TestRun(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	tests := []struct {
		name  string
		args  []string
		input string
		want  string
	}{
		{"cook", []string{"-mode", "cook"}, "**hello**", "<p><strong>hello</strong></p>"},
		{"process", []string{"-mode", "process"}, "plain words", "<p>plain words</p>"},
		{"excerpt", []string{"-mode", "excerpt", "-excerpt-length", "5"}, "hello world", "hello&hellip;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, strings.NewReader(tt.input), &stdout, &stderr)
			require.NoError(t, err, stderr.String())
			assert.Equal(t, tt.want, strings.TrimSpace(stdout.String()))
		})
	}
}

func TestRunReadsFileAndWritesMetrics(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	dir := t.TempDir()
	input := filepath.Join(dir, "post.md")
	metrics := filepath.Join(dir, "metrics.prom")
	require.NoError(t, os.WriteFile(input, []byte("from a file"), 0o600))

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-mode", "cook", "-metrics-file", metrics, input}, strings.NewReader(""), &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "<p>from a file</p>", strings.TrimSpace(stdout.String()))

	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), "cooked_renders_total")
}

func TestReadInput(t *testing.T) {
	_, err := readInput([]string{"a", "b"}, strings.NewReader(""))
	assert.Error(t, err)

	_, err = readInput([]string{filepath.Join(t.TempDir(), "missing.md")}, strings.NewReader(""))
	assert.Error(t, err)

	got, err := readInput([]string{"-"}, strings.NewReader("stdin"))
	require.NoError(t, err)
	assert.Equal(t, "stdin", got)
}
