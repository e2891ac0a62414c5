// Package pool stores package artifacts under pool/. Entries are immutable:
// placing identical bytes again is a no-op and placing different bytes at an
// occupied path is a conflict.
package pool

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	dfs "debpub/internal/fs"
)

// ErrConflict is returned when a pool path already holds different content.
var ErrConflict = errors.New("pool conflict")

// ErrDigestMismatch is returned when content does not hash to the expected digest.
var ErrDigestMismatch = errors.New("digest mismatch")

// ConflictError describes a pool conflict.
type ConflictError struct {
	Path     string
	Existing digest.Digest
	Incoming digest.Digest
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pool conflict at %s: existing %s, incoming %s", e.Path, e.Existing, e.Incoming)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Result tells what Add did.
type Result int

const (
	Placed Result = iota
	AlreadyPresent
)

// Store is the pool of one archive.
type Store struct {
	root string // archive root; the pool lives in <root>/pool
}

// NewStore returns a Store for the archive rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Dir returns the pool directory for a source package, relative to the
// archive root, e.g. "pool/main/f/foo" or "pool/main/libf/libfoo".
func Dir(component, sourceName string) string {
	return path.Join("pool", component, Prefix(sourceName), sourceName)
}

// Prefix is the initial directory a source name is filed under.
func Prefix(sourceName string) string {
	if strings.HasPrefix(sourceName, "lib") && len(sourceName) > 3 {
		return sourceName[:4]
	}
	if sourceName == "" {
		return ""
	}
	return sourceName[:1]
}

// RelPath returns the pool path of a file relative to the archive root.
func RelPath(component, sourceName, filename string) string {
	return path.Join(Dir(component, sourceName), filename)
}

// Path returns the absolute on-disk path of a pool file.
func (s *Store) Path(component, sourceName, filename string) string {
	return filepath.Join(s.root, filepath.FromSlash(RelPath(component, sourceName, filename)))
}

// Add places content read from r at the pool path for the file. When want
// is set, content with a different digest is rejected before it is placed.
func (s *Store) Add(component, sourceName, filename string, r io.Reader, want digest.Digest) (Result, error) {
	if err := validateNames(sourceName, filename); err != nil {
		return 0, err
	}
	dest := s.Path(component, sourceName, filename)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating pool directory: %w", err)
	}

	tmp, err := dfs.CreateTemp(dir)
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(tmp, io.TeeReader(r, digester.Hash())); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("writing pool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing pool file: %w", err)
	}
	incoming := digester.Digest()
	if want != "" && incoming != want {
		return 0, fmt.Errorf("%w: %s: expected %s, got %s", ErrDigestMismatch, filename, want, incoming)
	}

	existing, err := fileDigest(dest)
	switch {
	case err == nil:
		if existing == incoming {
			return AlreadyPresent, nil
		}
		return 0, &ConflictError{
			Path:     RelPath(component, sourceName, filename),
			Existing: existing,
			Incoming: incoming,
		}
	case !errors.Is(err, fs.ErrNotExist):
		return 0, fmt.Errorf("checking existing pool file: %w", err)
	}

	// os.Link refuses to replace, so a concurrent writer cannot be clobbered.
	if err := os.Link(tmpPath, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			if existing, derr := fileDigest(dest); derr == nil && existing == incoming {
				return AlreadyPresent, nil
			}
			return 0, &ConflictError{Path: RelPath(component, sourceName, filename), Incoming: incoming}
		}
		return 0, fmt.Errorf("placing pool file: %w", err)
	}
	return Placed, nil
}

// Remove deletes a pool file and prunes directories left empty. Reference
// counting is the caller's job. A missing file is not an error.
func (s *Store) Remove(component, sourceName, filename string) error {
	dest := s.Path(component, sourceName, filename)
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pool file: %w", err)
	}
	return dfs.RemoveEmptyParents(filepath.Dir(dest), filepath.Join(s.root, "pool"))
}

// Verify checks an existing pool file against want. It reports false when
// the file is absent and returns a *ConflictError when it holds other bytes.
func (s *Store) Verify(component, sourceName, filename string, want digest.Digest) (bool, error) {
	if err := validateNames(sourceName, filename); err != nil {
		return false, err
	}
	existing, err := fileDigest(s.Path(component, sourceName, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking existing pool file: %w", err)
	}
	if existing != want {
		return false, &ConflictError{
			Path:     RelPath(component, sourceName, filename),
			Existing: existing,
			Incoming: want,
		}
	}
	return true, nil
}

// Exists reports whether a pool file is present.
func (s *Store) Exists(component, sourceName, filename string) bool {
	return dfs.Exists(s.Path(component, sourceName, filename))
}

func fileDigest(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

func validateNames(names ...string) error {
	for _, name := range names {
		if err := validateName(name); err != nil {
			return err
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid pool name: %q", name)
	}
	return nil
}
