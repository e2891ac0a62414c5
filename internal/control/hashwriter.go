package control

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// HashWriter computes the MD5, SHA-1 and SHA-256 of everything written
// through it while passing the bytes on to an optional underlying writer.
type HashWriter struct {
	md5    hash.Hash
	sha1   hash.Hash
	sha256 hash.Hash
	w      io.Writer
	size   int64
}

// NewHashWriter returns a HashWriter forwarding to w, which may be nil.
func NewHashWriter(w io.Writer) *HashWriter {
	return &HashWriter{md5: md5.New(), sha1: sha1.New(), sha256: sha256.New(), w: w}
}

func (h *HashWriter) Write(buf []byte) (int, error) {
	// hash.Hash writes never fail
	h.md5.Write(buf)
	h.sha1.Write(buf)
	h.sha256.Write(buf)
	n := len(buf)
	if h.w != nil {
		var err error
		n, err = h.w.Write(buf)
		h.size += int64(n)
		return n, err
	}
	h.size += int64(n)
	return n, nil
}

func (h *HashWriter) Size() int64 { return h.size }

func (h *HashWriter) MD5() string    { return hex.EncodeToString(h.md5.Sum(nil)) }
func (h *HashWriter) SHA1() string   { return hex.EncodeToString(h.sha1.Sum(nil)) }
func (h *HashWriter) SHA256() string { return hex.EncodeToString(h.sha256.Sum(nil)) }

// Checksums is the digest triple of one file.
type Checksums struct {
	Size   int64
	MD5    string
	SHA1   string
	SHA256 string
}

// Sums returns the current checksums.
func (h *HashWriter) Sums() Checksums {
	return Checksums{Size: h.size, MD5: h.MD5(), SHA1: h.SHA1(), SHA256: h.SHA256()}
}

// HashFile returns the checksums of the file at path.
func HashFile(path string) (Checksums, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksums{}, err
	}
	defer f.Close()

	h := NewHashWriter(nil)
	if _, err := io.Copy(h, f); err != nil {
		return Checksums{}, err
	}
	return h.Sums(), nil
}
