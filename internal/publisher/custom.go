package publisher

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"

	"debpub/internal/dirhash"
	dfs "debpub/internal/fs"
)

// CurrentLink names the symlink pointing at the newest custom upload.
const CurrentLink = "current"

// CustomUpload identifies an auxiliary tree such as installer images or
// upgrader tarballs, installed under
// dists/<suite>/<component>/<kind>-<arch>/<version>/.
type CustomUpload struct {
	Suite     string
	Component string
	Kind      string // e.g. "installer", "dist-upgrader"
	Arch      string
	Version   string
}

// Dir returns the archive-relative directory the upload is installed to.
func (u CustomUpload) Dir() string {
	return path.Join("dists", u.Suite, u.Component, u.Kind+"-"+u.Arch, u.Version)
}

func (u CustomUpload) validate() error {
	for _, v := range []struct{ field, value string }{
		{"kind", u.Kind}, {"architecture", u.Arch}, {"version", u.Version},
	} {
		if v.value == "" || v.value == "." || v.value == ".." || strings.ContainsAny(v.value, "/\\") {
			return fmt.Errorf("invalid %s: %q", v.field, v.value)
		}
	}
	return nil
}

// InstallCustomUpload extracts a gzipped tarball into the upload's
// directory, writes its SHA256SUMS and points the current link at it. The
// tree is assembled aside and renamed into place, so a half-extracted
// version is never visible. An installed version is never overwritten.
func (p *Publisher) InstallCustomUpload(u CustomUpload, tarball io.Reader) (string, error) {
	if err := u.validate(); err != nil {
		return "", err
	}
	s, err := p.resolve(u.Suite)
	if err != nil {
		return "", err
	}
	if !slices.Contains(p.archive.Components, u.Component) {
		return "", fmt.Errorf("unknown component %q", u.Component)
	}
	if !p.archive.CanModifySuite(s.series, s.pocket) {
		return "", &PocketViolationError{Series: s.series.Name, Status: s.series.Status, Pocket: s.pocket}
	}

	target := p.abs(u.Dir())
	if dfs.Exists(target) {
		return "", fmt.Errorf("%s is already installed", u.Dir())
	}
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", parent, err)
	}

	staging, err := os.MkdirTemp(parent, dfs.TempPattern)
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractTarball(tarball, staging); err != nil {
		return "", err
	}
	if err := os.Chmod(staging, 0755); err != nil {
		return "", err
	}

	sums := dirhash.New(staging)
	defer sums.Close()
	if err := sums.AddDir(staging); err != nil {
		return "", err
	}
	if err := sums.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(staging, target); err != nil {
		return "", fmt.Errorf("installing %s: %w", u.Dir(), err)
	}
	if err := repointLink(parent, u.Version); err != nil {
		return "", err
	}
	p.logger.Info("custom upload installed", "suite", u.Suite, "dir", u.Dir())
	return u.Dir(), nil
}

// extractTarball unpacks directories and regular files below dest. Entries
// that would land outside dest are rejected; other entry types are skipped.
func extractTarball(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening tarball: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tarball: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || name == "." {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("tarball entry %q escapes the upload directory", hdr.Name)
		}
		full := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(full, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return err
			}
			if err := writeEntry(full, tr, fs.FileMode(hdr.Mode).Perm()|0644); err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
		}
	}
}

func writeEntry(dest string, r io.Reader, mode fs.FileMode) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// repointLink atomically replaces dir/current with a link to version.
func repointLink(dir, version string) error {
	tmp := filepath.Join(dir, "."+CurrentLink+".new")
	os.Remove(tmp)
	if err := os.Symlink(version, tmp); err != nil {
		return fmt.Errorf("creating %s link: %w", CurrentLink, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, CurrentLink)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s link: %w", CurrentLink, err)
	}
	return nil
}
