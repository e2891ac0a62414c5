// Package indexfile writes one logical index stream to several compressed
// variants at once. Variants are staged in temp files and only renamed into
// place after every variant closed cleanly, so readers see either the old
// set or the new set.
package indexfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	dfs "debpub/internal/fs"
	"debpub/internal/model"
)

// Extension returns the filename suffix of a compressor.
func Extension(compressor string) (string, error) {
	switch compressor {
	case model.CompressorNone:
		return "", nil
	case model.CompressorGzip:
		return ".gz", nil
	case model.CompressorBzip2:
		return ".bz2", nil
	case model.CompressorXZ:
		return ".xz", nil
	}
	return "", fmt.Errorf("unknown compressor: %q", compressor)
}

// AllCompressors lists every supported compressor.
var AllCompressors = []string{model.CompressorNone, model.CompressorGzip, model.CompressorBzip2, model.CompressorXZ}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newCompressor(compressor string, w io.Writer) (io.WriteCloser, error) {
	switch compressor {
	case model.CompressorNone:
		return nopWriteCloser{w}, nil
	case model.CompressorGzip:
		// A zero Header carries no name and no mtime.
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case model.CompressorBzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	case model.CompressorXZ:
		return xz.NewWriter(w)
	}
	return nil, fmt.Errorf("unknown compressor: %q", compressor)
}

type variant struct {
	compressor string
	dest       string
	tmp        *os.File
	wc         io.WriteCloser
}

// Writer is a multi-format index file. Writes go to every variant.
type Writer struct {
	path     string
	variants []*variant
	err      error
	done     bool
}

// Create starts writing the index at path (without extension) in each of
// the compressors. At least one compressor is required.
func Create(path string, compressors []string) (*Writer, error) {
	if len(compressors) == 0 {
		return nil, fmt.Errorf("no compressors configured for %s", path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	w := &Writer{path: path}
	for _, c := range dedupe(compressors) {
		ext, err := Extension(c)
		if err != nil {
			w.Abort()
			return nil, err
		}
		tmp, err := dfs.CreateTemp(dir)
		if err != nil {
			w.Abort()
			return nil, err
		}
		v := &variant{compressor: c, dest: path + ext, tmp: tmp}
		w.variants = append(w.variants, v)
		if v.wc, err = newCompressor(c, tmp); err != nil {
			w.Abort()
			return nil, fmt.Errorf("creating %s writer: %w", c, err)
		}
	}
	return w, nil
}

// Write writes p to every variant. The first error sticks.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	for _, v := range w.variants {
		if _, err := v.wc.Write(p); err != nil {
			w.err = fmt.Errorf("writing %s: %w", filepath.Base(v.dest), err)
			return 0, w.err
		}
	}
	return len(p), nil
}

// Close finishes every variant and renames them into place, then deletes
// variants for compressors that are no longer configured. If any variant
// failed nothing is renamed. A failed rename names the variants already
// placed.
func (w *Writer) Close() error {
	if w.done {
		return w.err
	}
	w.done = true

	errs := []error{w.err}
	for _, v := range w.variants {
		if err := v.wc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finishing %s: %w", filepath.Base(v.dest), err))
		}
		if err := v.tmp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", filepath.Base(v.dest), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		w.removeTemps()
		w.err = err
		return err
	}

	// The uncompressed variant goes last so a failed rename never leaves
	// it newer than a compressed one.
	order := slices.Clone(w.variants)
	slices.SortStableFunc(order, func(a, b *variant) int {
		return boolCmp(a.compressor == model.CompressorNone, b.compressor == model.CompressorNone)
	})
	var promoted []string
	for _, v := range order {
		if err := os.Rename(v.tmp.Name(), v.dest); err != nil {
			w.removeTemps()
			w.err = fmt.Errorf("renaming %s (already placed: %v): %w", filepath.Base(v.dest), promoted, err)
			return w.err
		}
		promoted = append(promoted, filepath.Base(v.dest))
	}

	for _, c := range AllCompressors {
		if slices.ContainsFunc(w.variants, func(v *variant) bool { return v.compressor == c }) {
			continue
		}
		ext, _ := Extension(c)
		if err := os.Remove(w.path + ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.err = fmt.Errorf("removing stale %s: %w", filepath.Base(w.path+ext), err)
			return w.err
		}
	}
	return nil
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

// Abort discards every variant.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	for _, v := range w.variants {
		if v.wc != nil {
			v.wc.Close()
		}
		v.tmp.Close()
	}
	w.removeTemps()
}

func (w *Writer) removeTemps() {
	for _, v := range w.variants {
		os.Remove(v.tmp.Name())
	}
}

// Paths returns the final paths of the variants, in compressor order.
func (w *Writer) Paths() []string {
	paths := make([]string, len(w.variants))
	for i, v := range w.variants {
		paths[i] = v.dest
	}
	return paths
}

// WriteFile writes data to every variant of path.
func WriteFile(path string, compressors []string, data []byte) error {
	w, err := Create(path, compressors)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// Open opens one variant and returns a reader of its decompressed content,
// choosing the decompressor from the file extension.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var r io.Reader
	switch filepath.Ext(path) {
	case ".gz":
		r, err = gzip.NewReader(f)
	case ".bz2":
		r, err = bzip2.NewReader(f, nil)
	case ".xz":
		r, err = xz.NewReader(f)
	default:
		return f, nil
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &readCloser{Reader: r, f: f}, nil
}

type readCloser struct {
	io.Reader
	f *os.File
}

func (r *readCloser) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		c.Close()
	}
	return r.f.Close()
}

func dedupe(in []string) []string {
	var out []string
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
