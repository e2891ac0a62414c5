// Package fs holds the filesystem primitives shared by the archive writers.
// Every write lands in a temp file in the destination directory and is then
// renamed into place, so readers never observe a partial file.
package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// TempPattern is the pattern used for in-flight temp files.
const TempPattern = ".tmp-*"

// WriteAtomic writes r to path using atomic write (temp file + rename).
// Parent directories are created as needed. It returns the bytes written.
func WriteAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := CreateTemp(dir)
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return written, nil
}

// CreateTemp creates a world-readable temp file in dir. Archive files are
// served over HTTP, so the 0600 default of os.CreateTemp is not usable.
func CreateTemp(dir string) (*os.File, error) {
	tmp, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to chmod temp file: %w", err)
	}
	return tmp, nil
}

// LinkOrCopy makes dst have the content of src. A hard link is tried first;
// when that fails (for example across devices) the content is copied
// atomically.
func LinkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	} else if errors.Is(err, fs.ErrExist) {
		return nil
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()

	if _, err := WriteAtomic(dst, f); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return nil
}

// Exists reports whether path exists. Errors other than "not exist" count as
// existing so callers do not overwrite something they cannot inspect.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// RemoveEmptyParents removes dir and its parents while they are empty,
// stopping at (and never removing) stop.
func RemoveEmptyParents(dir, stop string) error {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && len(dir) > len(stop); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("reading directory: %w", err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("removing empty directory %s: %w", dir, err)
		}
	}
	return nil
}

// FindFiles returns the regular files under root as slash-separated paths
// relative to root, sorted. Paths matched by ignore are skipped; a nil
// matcher skips nothing. A missing root yields no files.
func FindFiles(root string, ignore *IgnoreMatcher) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && ignore.Match(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignore.Match(rel) {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	slices.Sort(files)
	return files, nil
}
