package librarian

import (
	"context"
	"fmt"

	"debpub/internal/config"
	"debpub/internal/publisher"
)

// NewLibrarianFromConfig creates a Librarian implementation based on the librarian config type.
func NewLibrarianFromConfig(ctx context.Context, cfg config.LibrarianConfig) (publisher.Librarian, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryLibrarian(), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 librarian requires s3_bucket to be set")
		}
		return NewS3Librarian(ctx, cfg)
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem librarian requires fs_root to be set")
		}
		return NewFileSystemLibrarian(cfg.FSRoot)
	default:
		return nil, fmt.Errorf("unknown librarian type: %s", cfg.Type)
	}
}
