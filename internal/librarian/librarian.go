// Package librarian provides the content stores the publisher fetches
// artifact bytes from. Content is keyed by hex SHA-256 and verified on the
// way in.
package librarian

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// ParseChecksum validates a hex SHA-256 checksum and returns its digest.
func ParseChecksum(checksum string) (digest.Digest, error) {
	if err := digest.SHA256.Validate(checksum); err != nil {
		return "", fmt.Errorf("invalid checksum %q: %w", checksum, err)
	}
	return digest.NewDigestFromEncoded(digest.SHA256, checksum), nil
}

// verifyingReader checks size and digest of everything read through it.
type verifyingReader struct {
	r        io.Reader
	verifier digest.Verifier
	n        int64
}

func newVerifyingReader(r io.Reader, d digest.Digest) *verifyingReader {
	return &verifyingReader{r: r, verifier: d.Verifier()}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.n += int64(n)
	v.verifier.Write(p[:n])
	return n, err
}

// check reports a mismatch once the reader has been drained.
func (v *verifyingReader) check(size int64) error {
	if v.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, v.n)
	}
	if !v.verifier.Verified() {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}
