package librarian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	dfs "debpub/internal/fs"
	"debpub/internal/publisher"
)

// FileSystemLibrarian is a filesystem-based implementation of the Librarian
// interface. It stores content as files in a directory structure:
//
//	<root>/
//	  content/
//	    <checksum>     (content files, named by SHA-256)
type FileSystemLibrarian struct {
	root       string
	contentDir string
}

// NewFileSystemLibrarian creates a new filesystem librarian rooted at the given path.
func NewFileSystemLibrarian(root string) (*FileSystemLibrarian, error) {
	contentDir := filepath.Join(root, "content")
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &FileSystemLibrarian{root: root, contentDir: contentDir}, nil
}

// PutContent stores content identified by its checksum.
// The operation is idempotent: storing the same checksum multiple times is safe.
func (l *FileSystemLibrarian) PutContent(_ context.Context, checksum string, r io.Reader, size int64) error {
	d, err := ParseChecksum(checksum)
	if err != nil {
		return err
	}
	vr := newVerifyingReader(r, d)
	destPath := filepath.Join(l.contentDir, checksum)

	// If content already exists, skip (idempotent)
	if _, err := os.Stat(destPath); err == nil {
		// Consume the reader to maintain expected behavior
		if _, err := io.Copy(io.Discard, vr); err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		return vr.check(size)
	}

	return l.writeFile(destPath, vr, size)
}

// GetContent retrieves content by checksum and writes it to w.
func (l *FileSystemLibrarian) GetContent(_ context.Context, checksum string, w io.Writer) error {
	if _, err := ParseChecksum(checksum); err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(l.contentDir, checksum))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", publisher.ErrContentNotFound, checksum)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// HasContent reports whether checksum is stored.
func (l *FileSystemLibrarian) HasContent(_ context.Context, checksum string) (bool, error) {
	if _, err := ParseChecksum(checksum); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(l.contentDir, checksum))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("checking content: %w", err)
}

// ValidateSetup verifies that the librarian directories are accessible.
func (l *FileSystemLibrarian) ValidateSetup(context.Context) error {
	for _, dir := range []string{l.root, l.contentDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("librarian directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("librarian path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeFile writes vr to destPath with temp file + rename, keeping the temp
// file out of place until size and checksum are verified.
func (l *FileSystemLibrarian) writeFile(destPath string, vr *verifyingReader, size int64) error {
	tmp, err := dfs.CreateTemp(filepath.Dir(destPath))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, vr); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := vr.check(size); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemLibrarian implements publisher.Librarian interface
var _ publisher.Librarian = (*FileSystemLibrarian)(nil)
