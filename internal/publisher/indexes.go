package publisher

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"debpub/internal/control"
	dfs "debpub/internal/fs"
	"debpub/internal/indexfile"
	"debpub/internal/model"
	"debpub/internal/pool"
)

// IndexGenerator writes the Packages and Sources indexes of one suite.
// The publisher adds the per-directory Release files and translations
// afterwards, whichever generator ran.
type IndexGenerator interface {
	GenerateIndexes(ctx context.Context, job *IndexJob) error
}

// IndexJob is everything an IndexGenerator needs for one suite.
type IndexJob struct {
	Root         string
	Archive      *model.Archive
	Series       *model.Series
	Pocket       model.Pocket
	Suite        string
	Publications []*model.Publication // published records of the suite
}

// Dir returns the suite directory relative to the archive root.
func (j *IndexJob) Dir() string {
	return path.Join("dists", j.Suite)
}

// Subcomponents returns the binary index flavours written per component.
func (j *IndexJob) Subcomponents() []string {
	subs := []string{model.SubcomponentNone, model.SubcomponentDebianInstaller}
	if j.Archive.PublishDebugSymbols {
		subs = append(subs, model.SubcomponentDebug)
	}
	return subs
}

// IndexDir returns the directory of an index relative to the suite
// directory, e.g. "main/source" or "main/debian-installer/binary-amd64".
func IndexDir(component, subcomponent, arch string) string {
	if arch == model.ArchitectureSource {
		return path.Join(component, "source")
	}
	return path.Join(component, subcomponent, "binary-"+arch)
}

// IndexPath returns the archive-relative path of an index without a
// compression extension.
func (j *IndexJob) IndexPath(component, subcomponent, arch string) string {
	name := "Packages"
	if arch == model.ArchitectureSource {
		name = "Sources"
	}
	return path.Join(j.Dir(), IndexDir(component, subcomponent, arch), name)
}

// Sources returns the source publications of a component.
func (j *IndexJob) Sources(component string) []*model.Publication {
	var pubs []*model.Publication
	for _, pub := range j.Publications {
		if pub.Kind == model.KindSource && pub.Component == component {
			pubs = append(pubs, pub)
		}
	}
	return pubs
}

// Binaries returns the binary publications listed in one Packages index.
// Architecture-independent packages appear under every architecture.
func (j *IndexJob) Binaries(component, subcomponent, arch string) []*model.Publication {
	var pubs []*model.Publication
	for _, pub := range j.Publications {
		if pub.Kind != model.KindBinary || pub.Component != component || pub.Subcomponent != subcomponent {
			continue
		}
		if pub.Architecture == arch || pub.Architecture == model.ArchitectureAll {
			pubs = append(pubs, pub)
		}
	}
	return pubs
}

// NativeIndexGenerator renders indexes in-process from the publication
// stanzas.
type NativeIndexGenerator struct{}

func NewNativeIndexGenerator() *NativeIndexGenerator {
	return &NativeIndexGenerator{}
}

func (g *NativeIndexGenerator) GenerateIndexes(ctx context.Context, job *IndexJob) error {
	for _, component := range job.Archive.Components {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := writeIndex(job, job.IndexPath(component, "", model.ArchitectureSource),
			job.Sources(component), sourceStanza)
		if err != nil {
			return err
		}
		for _, arch := range job.Series.EnabledArchitectures() {
			for _, sub := range job.Subcomponents() {
				err := writeIndex(job, job.IndexPath(component, sub, arch),
					job.Binaries(component, sub, arch), binaryStanza)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeIndex(job *IndexJob, rel string, pubs []*model.Publication, stanza func(*model.Publication) (control.Paragraph, error)) error {
	w, err := indexfile.Create(job.abs(rel), job.Archive.Compressors())
	if err != nil {
		return err
	}
	for i, pub := range pubs {
		para, err := stanza(pub)
		if err != nil {
			w.Abort()
			return fmt.Errorf("rendering publication %d: %w", pub.ID, err)
		}
		if i > 0 {
			io.WriteString(w, "\n")
		}
		if _, err := para.WriteTo(w); err != nil {
			w.Abort()
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

func (j *IndexJob) abs(rel string) string {
	return filepath.Join(j.Root, filepath.FromSlash(rel))
}

// sourceStanza completes a source stanza with its pool directory and the
// checksums of its files.
func sourceStanza(pub *model.Publication) (control.Paragraph, error) {
	para, err := parseStanza(pub.Stanza, pub.Name)
	if err != nil {
		return nil, err
	}
	para.Set("Directory", pool.Dir(pub.Component, pub.Name))
	if _, ok := para.Get("Checksums-Sha256"); !ok && len(pub.Files) > 0 {
		var sb strings.Builder
		for _, f := range pub.Files {
			fmt.Fprintf(&sb, "\n %s %d %s", f.SHA256, f.Size, f.Filename)
		}
		para.Set("Checksums-Sha256", sb.String())
	}
	return para, nil
}

// binaryStanza completes a binary stanza with the pool location of its
// package file.
func binaryStanza(pub *model.Publication) (control.Paragraph, error) {
	if len(pub.Files) == 0 {
		return nil, fmt.Errorf("binary publication has no files")
	}
	name := pub.BinaryName
	if name == "" {
		name = pub.Name
	}
	para, err := parseStanza(pub.Stanza, name)
	if err != nil {
		return nil, err
	}
	f := pub.Files[0]
	para.Set("Filename", pool.RelPath(pub.Component, pub.Name, f.Filename))
	if _, ok := para.Get("Size"); !ok {
		para.Set("Size", strconv.FormatInt(f.Size, 10))
	}
	if _, ok := para.Get("SHA256"); !ok {
		para.Set("SHA256", f.SHA256)
	}
	return para, nil
}

// parseStanza parses a stored stanza, putting Package first when the
// stanza lacks it.
func parseStanza(stanza, pkg string) (control.Paragraph, error) {
	para, err := control.ParseParagraph(stanza)
	if err != nil {
		return nil, err
	}
	if _, ok := para.Get("Package"); !ok {
		para = append(control.Paragraph{{Name: "Package", Value: pkg}}, para...)
	}
	return para, nil
}

// writeComponentFiles writes the Release file of every index directory and,
// when the series has them, the English translations.
func (p *Publisher) writeComponentFiles(job *IndexJob) error {
	for _, component := range p.archive.Components {
		archs := append([]string{model.ArchitectureSource}, job.Series.EnabledArchitectures()...)
		for _, arch := range archs {
			rel := path.Join(job.Dir(), IndexDir(component, "", arch), "Release")
			cr := control.ComponentRelease{
				Archive:      job.Suite,
				Version:      job.Series.Version,
				Component:    component,
				Origin:       p.archive.Origin(),
				Label:        p.archive.Label(),
				Architecture: arch,
			}
			if _, err := dfs.WriteAtomic(p.abs(rel), bytes.NewReader(cr.Bytes())); err != nil {
				return fmt.Errorf("writing %s: %w", rel, err)
			}
		}
		if job.Series.TranslationsEnabled {
			if err := p.writeTranslations(job, component); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeTranslations writes i18n/Translation-en and the i18n/Index listing
// the translation files.
func (p *Publisher) writeTranslations(job *IndexJob, component string) error {
	descriptions := make(map[string]string)
	for _, pub := range job.Publications {
		if pub.Kind != model.KindBinary || pub.Component != component || pub.Description == "" {
			continue
		}
		name := pub.BinaryName
		if name == "" {
			name = pub.Name
		}
		if _, ok := descriptions[name]; !ok {
			descriptions[name] = pub.Description
		}
	}
	names := make([]string, 0, len(descriptions))
	for name := range descriptions {
		names = append(names, name)
	}
	slices.Sort(names)

	var buf bytes.Buffer
	for i, name := range names {
		if i > 0 {
			buf.WriteString("\n")
		}
		desc := formatDescription(descriptions[name])
		sum := md5.Sum([]byte(desc + "\n"))
		para := control.Paragraph{
			{Name: "Package", Value: name},
			{Name: "Description-md5", Value: hex.EncodeToString(sum[:])},
			{Name: "Description-en", Value: desc},
		}
		para.WriteTo(&buf)
	}

	i18nDir := path.Join(job.Dir(), component, "i18n")
	base := path.Join(i18nDir, "Translation-en")
	if err := indexfile.WriteFile(p.abs(base), p.archive.Compressors(), buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", base, err)
	}

	var sb strings.Builder
	for _, c := range p.archive.Compressors() {
		ext, err := indexfile.Extension(c)
		if err != nil {
			return err
		}
		sums, err := control.HashFile(p.abs(base + ext))
		if err != nil {
			return fmt.Errorf("hashing %s: %w", base+ext, err)
		}
		fmt.Fprintf(&sb, "\n %s %16d %s", sums.SHA1, sums.Size, "Translation-en"+ext)
	}
	index := control.Paragraph{{Name: "SHA1", Value: sb.String()}}
	rel := path.Join(i18nDir, "Index")
	if _, err := dfs.WriteAtomic(p.abs(rel), strings.NewReader(index.String())); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// formatDescription turns free text into a control field value: the first
// line is the synopsis, later lines are indented and blank lines become ".".
func formatDescription(desc string) string {
	lines := strings.Split(strings.TrimRight(desc, "\n"), "\n")
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(lines[0]))
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			sb.WriteString("\n .")
			continue
		}
		sb.WriteString("\n " + strings.TrimLeft(line, " "))
	}
	return sb.String()
}

// WriteIndexes regenerates the indexes of every dirty suite, or of every
// suite when careful. It returns the suites whose Release file needs to be
// rewritten; a failing suite is reported and does not stop the others.
func (p *Publisher) WriteIndexes(ctx context.Context, dirty SuiteSet, careful bool) (SuiteSet, SuiteErrors) {
	suites, errs := p.selectSuites(dirty, careful)
	needed := SuiteSet{}
	for _, s := range suites {
		if careful && p.immutable(s) && dfs.Exists(p.abs(path.Join(s.dir(), "Release"))) {
			p.logger.Debug("immutable suite left untouched", "suite", s.name)
			continue
		}
		if err := p.writeSuiteIndexes(ctx, s); err != nil {
			p.logger.Error("writing indexes failed", "suite", s.name, "error", err)
			errs[s.name] = fmt.Errorf("writing indexes: %w", err)
			continue
		}
		needed[s.name] = true
	}
	return needed, errs
}

func (p *Publisher) writeSuiteIndexes(ctx context.Context, s suiteRef) error {
	pubs, err := p.database.FindPublishedPublications(s.series.Name, s.pocket)
	if err != nil {
		return err
	}
	job := &IndexJob{
		Root:         p.archive.Root,
		Archive:      p.archive,
		Series:       s.series,
		Pocket:       s.pocket,
		Suite:        s.name,
		Publications: pubs,
	}
	if err := p.indexer.GenerateIndexes(ctx, job); err != nil {
		return err
	}
	if err := p.writeComponentFiles(job); err != nil {
		return err
	}
	p.logger.Info("indexes written", "suite", s.name, "publications", len(pubs))
	return nil
}
