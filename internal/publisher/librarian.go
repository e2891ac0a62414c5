package publisher

import (
	"context"
	"errors"
	"io"
)

// ErrContentNotFound is returned by a Librarian that holds no content for
// the requested checksum.
var ErrContentNotFound = errors.New("content not found")

// Librarian stores artifact content keyed by SHA-256. The publisher reads
// publication files from it when placing them in the pool. All operations
// stream so large artifacts are never held in memory.
type Librarian interface {
	// PutContent stores content identified by its hex SHA-256 checksum.
	// The operation is idempotent: storing the same checksum multiple times is safe.
	// size is the number of bytes that will be read from r.
	PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error

	// GetContent retrieves content by checksum and writes it to w.
	// It returns an error wrapping ErrContentNotFound for unknown checksums.
	GetContent(ctx context.Context, checksum string, w io.Writer) error

	// HasContent reports whether content for checksum is stored.
	HasContent(ctx context.Context, checksum string) (bool, error)

	// ValidateSetup verifies that the librarian is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}
