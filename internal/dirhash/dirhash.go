// Package dirhash writes SHA256SUMS manifests for directory trees.
package dirhash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"

	dfs "debpub/internal/fs"
)

// ManifestName is the checksum manifest written at the root.
const ManifestName = "SHA256SUMS"

// DirectoryHash collects checksums of files below root and writes them to
// root/SHA256SUMS on Close. Callers defer Close right after New.
type DirectoryHash struct {
	root   string
	sums   map[string]digest.Digest // slash-separated path relative to root
	closed bool
}

// New returns a DirectoryHash for root.
func New(root string) *DirectoryHash {
	return &DirectoryHash{root: filepath.Clean(root), sums: make(map[string]digest.Digest)}
}

// Add records the checksum of the file at path, which must be below root.
func (h *DirectoryHash) Add(path string) error {
	rel, err := filepath.Rel(h.root, path)
	if err != nil {
		return fmt.Errorf("relative path of %s: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s is not below %s", path, h.root)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	h.sums[filepath.ToSlash(rel)] = d
	return nil
}

// AddDir records every regular file below dir. The manifest itself and
// in-flight temp files are skipped.
func (h *DirectoryHash) AddDir(dir string) error {
	files, err := dfs.FindFiles(dir, dfs.NewIgnoreMatcher([]string{ManifestName}))
	if err != nil {
		return err
	}
	for _, rel := range files {
		if err := h.Add(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// Close writes the manifest. Calling it again is a no-op. A DirectoryHash
// with nothing added writes no manifest.
func (h *DirectoryHash) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if len(h.sums) == 0 {
		return nil
	}

	paths := make([]string, 0, len(h.sums))
	for p := range h.sums {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	var sb strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&sb, "%s *%s\n", h.sums[p].Encoded(), p)
	}
	if _, err := dfs.WriteAtomic(filepath.Join(h.root, ManifestName), strings.NewReader(sb.String())); err != nil {
		return fmt.Errorf("writing %s: %w", ManifestName, err)
	}
	return nil
}

// Verify checks every entry of root/SHA256SUMS against the files on disk.
func Verify(root string) error {
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		return fmt.Errorf("reading %s: %w", ManifestName, err)
	}

	var errs []error
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		sum, rel, ok := strings.Cut(line, " *")
		if !ok {
			errs = append(errs, fmt.Errorf("malformed line %q", line))
			continue
		}
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d, err := digest.Canonical.FromReader(f)
		f.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Encoded() != sum {
			errs = append(errs, fmt.Errorf("%s: checksum mismatch", rel))
		}
	}
	return errors.Join(errs...)
}
