package librarian

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"debpub/internal/publisher"
)

// MemoryLibrarian is an in-memory implementation of the Librarian interface.
// It stores all content in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryLibrarian struct {
	content map[string][]byte // checksum -> content
	mu      sync.RWMutex
}

// NewMemoryLibrarian creates a new in-memory librarian.
func NewMemoryLibrarian() *MemoryLibrarian {
	return &MemoryLibrarian{content: make(map[string][]byte)}
}

// PutContent stores content identified by its checksum.
func (m *MemoryLibrarian) PutContent(_ context.Context, checksum string, r io.Reader, size int64) error {
	d, err := ParseChecksum(checksum)
	if err != nil {
		return err
	}
	vr := newVerifyingReader(r, d)
	data, err := io.ReadAll(vr)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if err := vr.check(size); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[checksum] = data
	return nil
}

// GetContent retrieves content by checksum.
func (m *MemoryLibrarian) GetContent(_ context.Context, checksum string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.content[checksum]
	if !ok {
		return fmt.Errorf("%w: %s", publisher.ErrContentNotFound, checksum)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// HasContent reports whether checksum is stored.
func (m *MemoryLibrarian) HasContent(_ context.Context, checksum string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[checksum]
	return ok, nil
}

// ValidateSetup always succeeds for the in-memory librarian.
func (m *MemoryLibrarian) ValidateSetup(context.Context) error {
	return nil
}

// Compile-time check that MemoryLibrarian implements publisher.Librarian interface
var _ publisher.Librarian = (*MemoryLibrarian)(nil)
