package fs

import (
	"path/filepath"
	"testing"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log"})
		// default temp pattern plus *.log
		if len(m.patterns) != 2 {
			t.Fatalf("expected 2 patterns, got %d", len(m.patterns))
		}
		if m.patterns[1].pattern != "*.log" {
			t.Errorf("expected *.log, got %s", m.patterns[1].pattern)
		}
	})

	t.Run("classifies path vs basename patterns", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"*.log", "current/SHA256SUMS"})
		if m.patterns[1].matchPath {
			t.Error("*.log should not be a path pattern")
		}
		if !m.patterns[2].matchPath {
			t.Error("current/SHA256SUMS should be a path pattern")
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name         string
		patterns     []string
		relativePath string
		want         bool
	}{
		{
			name:         "temp files are always ignored",
			patterns:     nil,
			relativePath: filepath.Join("binary-amd64", ".tmp-12345"),
			want:         true,
		},
		{
			name:         "no patterns matches regular files",
			patterns:     nil,
			relativePath: "Packages.gz",
			want:         false,
		},
		{
			name:         "basename glob matches file in subdirectory",
			patterns:     []string{"*.new"},
			relativePath: filepath.Join("main", "Release.new"),
			want:         true,
		},
		{
			name:         "exact basename",
			patterns:     []string{"SHA256SUMS"},
			relativePath: filepath.Join("20240115", "SHA256SUMS"),
			want:         true,
		},
		{
			name:         "path pattern matches exact relative path",
			patterns:     []string{"legacy/images"},
			relativePath: filepath.Join("legacy", "images"),
			want:         true,
		},
		{
			name:         "path pattern does not match wrong path",
			patterns:     []string{"legacy/images"},
			relativePath: filepath.Join("current", "images"),
			want:         false,
		},
		{
			name:         "character class",
			patterns:     []string{"*.[ch]"},
			relativePath: "main.c",
			want:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewIgnoreMatcher(tt.patterns)
			if got := m.Match(tt.relativePath); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.relativePath, got, tt.want)
			}
		})
	}

	t.Run("nil matcher", func(t *testing.T) {
		var m *IgnoreMatcher
		if m.Match(".tmp-1") {
			t.Error("nil matcher should match nothing")
		}
	})
}
