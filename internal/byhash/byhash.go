// Package byhash maintains the content-addressed by-hash trees that let apt
// fetch an index by the digest it saw in Release, even after the index at
// the plain path has been replaced.
package byhash

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	dfs "debpub/internal/fs"
	"debpub/internal/model"
)

// Algorithm directory names under by-hash/. Only SHA256 is written; the
// others are recognised so they can be removed.
const (
	SHA256 = "SHA256"
	SHA1   = "SHA1"
	MD5Sum = "MD5Sum"
)

// DirName is the name of the by-hash directory.
const DirName = "by-hash"

var legacyAlgorithms = []string{MD5Sum, SHA1}

// Store records path-to-digest bindings.
type Store interface {
	RecordArchiveFile(container, path, contentHash string, size int64, now time.Time, stay time.Duration) (*model.ArchiveFile, error)
}

// ByHash manages by-hash/ under one directory of the archive.
type ByHash struct {
	root  string // archive root
	dir   string // slash-separated, relative to root
	known map[digest.Digest]bool
}

// New returns a ByHash for dir (relative to the archive root).
func New(root, dir string) *ByHash {
	return &ByHash{root: root, dir: dir, known: make(map[digest.Digest]bool)}
}

// Dir returns the directory, relative to the archive root.
func (b *ByHash) Dir() string {
	return b.dir
}

func (b *ByHash) blobPath(d digest.Digest) string {
	return filepath.Join(b.root, filepath.FromSlash(b.dir), DirName, SHA256, d.Encoded())
}

// AddFile ensures by-hash/SHA256/<digest> of the file at src exists and
// marks the digest as live. src is hard linked when possible.
func (b *ByHash) AddFile(src string) (digest.Digest, int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", src, err)
	}
	counter := &countingReader{r: f}
	d, err := digest.Canonical.FromReader(counter)
	f.Close()
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", src, err)
	}

	blob := b.blobPath(d)
	if !dfs.Exists(blob) {
		if err := dfs.LinkOrCopy(src, blob); err != nil {
			return "", 0, fmt.Errorf("adding by-hash entry: %w", err)
		}
	}
	b.known[d] = true
	return d, counter.n, nil
}

// Register marks a digest as live without touching the disk. It is used for
// bindings whose content no longer lives at the plain path.
func (b *ByHash) Register(d digest.Digest) {
	b.known[d] = true
}

// Known reports whether a live by-hash entry for the hex digest exists in
// this directory, whichever file it was recorded for. Only SHA256 entries
// can be known.
func (b *ByHash) Known(algorithm, hexDigest string) bool {
	if algorithm != SHA256 {
		return false
	}
	return b.known[digest.NewDigestFromEncoded(digest.SHA256, hexDigest)]
}

// Prune deletes SHA256 entries that are not live, removes the legacy
// algorithm trees, and removes by-hash/ itself once empty.
func (b *ByHash) Prune() error {
	byHashDir := filepath.Join(b.root, filepath.FromSlash(b.dir), DirName)

	for _, alg := range legacyAlgorithms {
		if err := os.RemoveAll(filepath.Join(byHashDir, alg)); err != nil {
			return fmt.Errorf("removing legacy %s tree: %w", alg, err)
		}
	}

	shaDir := filepath.Join(byHashDir, SHA256)
	entries, err := os.ReadDir(shaDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", shaDir, err)
	}
	for _, e := range entries {
		d := digest.NewDigestFromEncoded(digest.SHA256, e.Name())
		if b.known[d] {
			continue
		}
		if err := os.Remove(filepath.Join(shaDir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing by-hash entry %s: %w", e.Name(), err)
		}
	}

	for _, dir := range []string{shaDir, byHashDir} {
		if err := removeIfEmpty(dir); err != nil {
			return err
		}
	}
	return nil
}

func removeIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	return nil
}

// ByHashes is the set of by-hash directories of one suite, created lazily.
type ByHashes struct {
	root      string
	container string
	store     Store
	now       time.Time
	stay      time.Duration
	dirs      map[string]*ByHash
}

// NewByHashes returns the registry for a suite. Bindings are recorded
// against container with timestamp now.
func NewByHashes(root, container string, store Store, now time.Time, stay time.Duration) *ByHashes {
	return &ByHashes{
		root:      root,
		container: container,
		store:     store,
		now:       now,
		stay:      stay,
		dirs:      make(map[string]*ByHash),
	}
}

// Get returns the ByHash for dir, creating it on first use.
func (h *ByHashes) Get(dir string) *ByHash {
	dir = path.Clean(dir)
	b, ok := h.dirs[dir]
	if !ok {
		b = New(h.root, dir)
		h.dirs[dir] = b
	}
	return b
}

// Add publishes the on-disk file at relPath into its directory's by-hash
// tree and records it as the current binding of relPath.
func (h *ByHashes) Add(relPath string) (*model.ArchiveFile, error) {
	return h.AddFrom(relPath, relPath)
}

// AddFrom is Add with the content taken from srcRelPath, for files that
// are staged under another name (Release.new) until they go live.
func (h *ByHashes) AddFrom(relPath, srcRelPath string) (*model.ArchiveFile, error) {
	src := filepath.Join(h.root, filepath.FromSlash(srcRelPath))
	d, size, err := h.Get(path.Dir(relPath)).AddFile(src)
	if err != nil {
		return nil, err
	}
	af, err := h.store.RecordArchiveFile(h.container, relPath, d.Encoded(), size, h.now, h.stay)
	if err != nil {
		return nil, fmt.Errorf("recording %s: %w", relPath, err)
	}
	return af, nil
}

// Register marks the digest of a live binding as known in its directory.
func (h *ByHashes) Register(f *model.ArchiveFile) {
	h.Get(path.Dir(f.Path)).Register(digest.NewDigestFromEncoded(digest.SHA256, f.ContentHash))
}

// Known reports whether relPath's directory has a live entry for the digest.
func (h *ByHashes) Known(relPath, algorithm, hexDigest string) bool {
	b, ok := h.dirs[path.Dir(path.Clean(relPath))]
	return ok && b.Known(algorithm, hexDigest)
}

// Prune prunes every directory under suiteDir that has a by-hash subtree,
// including directories nothing was added to this run.
func (h *ByHashes) Prune(suiteDir string) error {
	dirs, err := FindByHashDirs(h.root, suiteDir)
	if err != nil {
		return err
	}
	for dir := range h.dirs {
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	slices.Sort(dirs)
	for _, dir := range dirs {
		if err := h.Get(dir).Prune(); err != nil {
			return fmt.Errorf("pruning %s: %w", dir, err)
		}
	}
	return nil
}

// FindByHashDirs returns the directories under suiteDir (relative to root)
// that contain a by-hash subdirectory.
func FindByHashDirs(root, suiteDir string) ([]string, error) {
	base := filepath.Join(root, filepath.FromSlash(suiteDir))
	var dirs []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() || d.Name() != DirName {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		dirs = append(dirs, filepath.ToSlash(rel))
		return fs.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("finding by-hash directories: %w", err)
	}
	slices.Sort(dirs)
	return dirs, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
