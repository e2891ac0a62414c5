package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"debpub/internal/byhash"
	"debpub/internal/control"
	dfs "debpub/internal/fs"
	"debpub/internal/indexfile"
	"debpub/internal/model"
	"debpub/internal/signing"
)

// auxiliaryDirs are per-component trees deposited by other tools. Their
// files are listed in Release but keep their own timestamps.
var auxiliaryDirs = []string{"dep11", "cnf", "oval"}

// releaseEntry is a file listed in a suite's Release.
type releaseEntry struct {
	control.FileEntry
	onDisk bool // false for uncompressed indexes that only exist compressed
	core   bool // written by the publisher, as opposed to auxiliary metadata
}

// WriteReleaseFiles writes and signs the Release file of every suite in
// needed, or of every suite when careful. It returns the suites whose
// Release is now current; a failing suite does not stop the others.
func (p *Publisher) WriteReleaseFiles(ctx context.Context, needed SuiteSet, careful bool) (SuiteSet, SuiteErrors) {
	suites, errs := p.selectSuites(needed, careful)
	written := SuiteSet{}
	for _, s := range suites {
		if careful && p.immutable(s) && dfs.Exists(p.abs(path.Join(s.dir(), "Release"))) {
			continue
		}
		if err := p.writeSuiteRelease(ctx, s); err != nil {
			p.logger.Error("writing release failed", "suite", s.name, "error", err)
			errs[s.name] = err
			continue
		}
		written[s.name] = true
	}
	return written, errs
}

func (p *Publisher) writeSuiteRelease(ctx context.Context, s suiteRef) error {
	entries, err := p.releaseEntries(s)
	if err != nil {
		return err
	}

	rel := p.newRelease(s, entries)
	releaseRel := path.Join(s.dir(), "Release")
	releasePath := p.abs(releaseRel)
	stagedRel := releaseRel + ".new"

	existing, err := os.ReadFile(releasePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", releaseRel, err)
	}
	unchanged := false
	if existing != nil {
		if old, err := control.ParseRelease(bytes.NewReader(existing)); err == nil {
			candidate := *rel
			candidate.Date = old.Date
			if bytes.Equal(candidate.Bytes(), existing) {
				rel = &candidate
				unchanged = true
			}
		}
	}

	source := releaseRel
	var staged signing.Result
	if unchanged {
		p.logger.Debug("release unchanged", "suite", s.name)
		if !p.hasSignature(s) {
			if staged, err = p.sign(ctx, s, releasePath); err != nil {
				return err
			}
		}
	} else {
		if _, err := dfs.WriteAtomic(p.abs(stagedRel), bytes.NewReader(rel.Bytes())); err != nil {
			return fmt.Errorf("writing %s: %w", stagedRel, err)
		}
		if staged, err = p.sign(ctx, s, p.abs(stagedRel)); err != nil {
			return err
		}
		source = stagedRel
	}

	if s.series.PublishByHash {
		err = p.updateByHash(s, entries, source, staged, !unchanged)
		if err != nil {
			err = fmt.Errorf("updating by-hash: %w", err)
		}
	} else {
		err = p.condemnByHash(s)
	}
	if err != nil {
		staged.Discard()
		return err
	}

	if err := p.placeRelease(s, staged, !unchanged); err != nil {
		return err
	}
	if !unchanged {
		p.logger.Info("release written", "suite", s.name, "files", len(entries))
	}
	return p.syncTimestamps(s, entries)
}

// placeRelease renames the staged signatures and, when replaced, the
// staged Release into place one after the other. A new Release drops any
// live signature the signer did not renew, since it would no longer match.
func (p *Publisher) placeRelease(s suiteRef, staged signing.Result, replaced bool) error {
	for _, mode := range []signing.Mode{signing.ModeDetached, signing.ModeClear} {
		live := p.abs(path.Join(s.dir(), signing.OutputName(mode)))
		if src := staged.Path(mode); src != "" {
			if err := os.Rename(src, live); err != nil {
				staged.Discard()
				return fmt.Errorf("placing %s: %w", signing.OutputName(mode), err)
			}
			continue
		}
		if replaced {
			if err := os.Remove(live); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing stale %s: %w", signing.OutputName(mode), err)
			}
		}
	}
	if !replaced {
		return nil
	}
	releaseRel := path.Join(s.dir(), "Release")
	if err := os.Rename(p.abs(releaseRel+".new"), p.abs(releaseRel)); err != nil {
		return fmt.Errorf("placing %s: %w", releaseRel, err)
	}
	return nil
}

func (p *Publisher) newRelease(s suiteRef, entries []releaseEntry) *control.Release {
	notAutomatic := (s.pocket == model.PocketBackports && s.series.BackportsNotAutomatic) ||
		(s.pocket == model.PocketProposed && s.series.ProposedNotAutomatic)
	rel := &control.Release{
		Origin:               p.archive.Origin(),
		Label:                p.archive.Label(),
		Suite:                s.name,
		Version:              s.series.Version,
		Codename:             s.series.Name,
		Date:                 control.FormatDate(p.clock.Now()),
		Architectures:        s.series.EnabledArchitectures(),
		Components:           p.archive.Components,
		Description:          p.description(s.series),
		NotAutomatic:         notAutomatic,
		ButAutomaticUpgrades: notAutomatic,
		AcquireByHash:        s.series.PublishByHash && s.series.AdvertiseByHash,
	}
	for _, e := range entries {
		rel.Files = append(rel.Files, e.FileEntry)
	}
	return rel
}

func (p *Publisher) description(series *model.Series) string {
	name := series.Name
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return strings.Join(strings.Fields(p.archive.Distribution+" "+name+" "+series.Version), " ")
}

// sign signs input, which becomes the suite's Release, and returns the
// staged signatures. A configured signer that fails or produces nothing
// is an error, and leaves nothing staged.
func (p *Publisher) sign(ctx context.Context, s suiteRef, input string) (signing.Result, error) {
	if _, ok := p.signer.(signing.NopSigner); ok {
		p.logger.Debug("release not signed, no signing key", "suite", s.name)
		return signing.Result{}, nil
	}
	req := signing.Request{
		InputPath:    input,
		OutputDir:    p.abs(s.dir()),
		ArchiveRoot:  p.archive.Root,
		Distribution: p.archive.Distribution,
		Suite:        s.name,
	}
	res, err := p.signer.Sign(ctx, req)
	if err != nil || !res.Signed() {
		signing.Result{Detached: req.StagedPath(signing.ModeDetached), Clear: req.StagedPath(signing.ModeClear)}.Discard()
		return signing.Result{}, &SigningError{Suite: s.name, Err: err}
	}
	if res.Detached == "" || res.Clear == "" {
		p.logger.Info("signer skipped a signature", "suite", s.name, "detached", res.Detached != "", "clear", res.Clear != "")
	}
	return res, nil
}

// hasSignature reports whether the live Release carries any signature. An
// unchanged Release without one is signed, as happens when a key is
// configured after the fact.
func (p *Publisher) hasSignature(s suiteRef) bool {
	for _, name := range []string{signing.DetachedName, signing.ClearName} {
		if dfs.Exists(p.abs(path.Join(s.dir(), name))) {
			return true
		}
	}
	return false
}

// coreFiles lists the suite-relative paths the publisher itself writes.
func (p *Publisher) coreFiles(s suiteRef) []string {
	var files []string
	indexVariants := func(base string) {
		for _, c := range indexfile.AllCompressors {
			ext, _ := indexfile.Extension(c)
			files = append(files, base+ext)
		}
	}
	subs := (&IndexJob{Archive: p.archive}).Subcomponents()
	for _, component := range p.archive.Components {
		indexVariants(path.Join(IndexDir(component, "", model.ArchitectureSource), "Sources"))
		files = append(files, path.Join(IndexDir(component, "", model.ArchitectureSource), "Release"))
		for _, arch := range s.series.EnabledArchitectures() {
			for _, sub := range subs {
				indexVariants(path.Join(IndexDir(component, sub, arch), "Packages"))
			}
			files = append(files, path.Join(IndexDir(component, "", arch), "Release"))
		}
		if s.series.TranslationsEnabled {
			indexVariants(path.Join(component, "i18n", "Translation-en"))
			files = append(files, path.Join(component, "i18n", "Index"))
		}
	}
	return files
}

// auxiliaryFiles finds Contents files and the per-component metadata trees
// other tools deposit in the suite.
func (p *Publisher) auxiliaryFiles(s suiteRef) ([]string, error) {
	ignore := dfs.NewIgnoreMatcher([]string{byhash.DirName})
	var files []string

	dirs := append([]string{""}, p.archive.Components...)
	for _, dir := range dirs {
		matches, err := globFiles(p.abs(path.Join(s.dir(), dir)), "Contents-*")
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			files = append(files, path.Join(dir, m))
		}
	}
	for _, component := range p.archive.Components {
		for _, aux := range auxiliaryDirs {
			rel := path.Join(component, aux)
			found, err := dfs.FindFiles(p.abs(path.Join(s.dir(), rel)), ignore)
			if err != nil {
				return nil, err
			}
			for _, f := range found {
				files = append(files, path.Join(rel, f))
			}
		}
	}
	return files, nil
}

// globFiles returns the names of regular files in dir matching pattern.
func globFiles(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if ok, _ := path.Match(pattern, e.Name()); ok && e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// releaseEntries checksums every file the suite's Release lists. An
// uncompressed index that is only published compressed is still listed,
// with the checksums of its decompressed content.
func (p *Publisher) releaseEntries(s suiteRef) ([]releaseEntry, error) {
	var entries []releaseEntry
	for _, rel := range p.coreFiles(s) {
		full := p.abs(path.Join(s.dir(), rel))
		sums, err := control.HashFile(full)
		switch {
		case err == nil:
			entries = append(entries, releaseEntry{FileEntry: control.FileEntry{Checksums: sums, Path: rel}, onDisk: true, core: true})
			continue
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("hashing %s: %w", rel, err)
		}
		if path.Ext(rel) != "" {
			continue
		}
		sums, ok, err := hashDecompressed(full)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, releaseEntry{FileEntry: control.FileEntry{Checksums: sums, Path: rel}, core: true})
		}
	}

	aux, err := p.auxiliaryFiles(s)
	if err != nil {
		return nil, err
	}
	for _, rel := range aux {
		sums, err := control.HashFile(p.abs(path.Join(s.dir(), rel)))
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", rel, err)
		}
		entries = append(entries, releaseEntry{FileEntry: control.FileEntry{Checksums: sums, Path: rel}, onDisk: true})
	}
	return entries, nil
}

// hashDecompressed checksums the content of the first compressed variant
// of base found on disk.
func hashDecompressed(base string) (control.Checksums, bool, error) {
	for _, c := range indexfile.AllCompressors {
		ext, _ := indexfile.Extension(c)
		if ext == "" {
			continue
		}
		r, err := indexfile.Open(base + ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return control.Checksums{}, false, err
		}
		h := control.NewHashWriter(nil)
		_, err = io.Copy(h, r)
		r.Close()
		if err != nil {
			return control.Checksums{}, false, fmt.Errorf("decompressing %s: %w", base+ext, err)
		}
		return h.Sums(), true, nil
	}
	return control.Checksums{}, false, nil
}

// syncTimestamps gives Release and the core files it lists one mtime, the
// latest among them, so clients validating caches see a coherent set.
func (p *Publisher) syncTimestamps(s suiteRef, entries []releaseEntry) error {
	paths := []string{p.abs(path.Join(s.dir(), "Release"))}
	for _, e := range entries {
		if e.core && e.onDisk {
			paths = append(paths, p.abs(path.Join(s.dir(), e.Path)))
		}
	}

	var latest time.Time
	for _, f := range paths {
		info, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f, err)
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	for _, f := range paths {
		if err := os.Chtimes(f, latest, latest); err != nil {
			return fmt.Errorf("setting timestamp of %s: %w", f, err)
		}
	}
	return nil
}

// updateByHash mirrors every on-disk file of the new Release into by-hash.
// Current bindings for paths that left the Release are condemned, and
// every binding not yet reaped keeps its blob. releaseSource and staged
// are where the Release content and its signatures wait to be placed.
func (p *Publisher) updateByHash(s suiteRef, entries []releaseEntry, releaseSource string, staged signing.Result, replaced bool) error {
	now := p.clock.Now()
	hashes := byhash.NewByHashes(p.archive.Root, s.name, p.database, now, p.stay())

	active := make(map[string]string) // archive-relative path -> source path
	for _, e := range entries {
		if e.onDisk {
			rel := path.Join(s.dir(), e.Path)
			active[rel] = rel
		}
	}
	active[path.Join(s.dir(), "Release")] = releaseSource
	for _, mode := range []signing.Mode{signing.ModeDetached, signing.ModeClear} {
		rel := path.Join(s.dir(), signing.OutputName(mode))
		switch {
		case staged.Path(mode) != "":
			active[rel] = rel + signing.StagedSuffix
		case !replaced && dfs.Exists(p.abs(rel)):
			active[rel] = rel
		}
	}

	files, err := p.database.FindArchiveFiles(s.name)
	if err != nil {
		return err
	}
	var condemned []int64
	for _, f := range files {
		if _, ok := active[f.Path]; f.Current() && !ok {
			condemned = append(condemned, f.ID)
		}
		hashes.Register(f)
	}
	if err := p.database.SupersedeArchiveFiles(condemned, now, p.stay()); err != nil {
		return err
	}

	paths := make([]string, 0, len(active))
	for rel := range active {
		paths = append(paths, rel)
	}
	slices.Sort(paths)
	for _, rel := range paths {
		if _, err := hashes.AddFrom(rel, active[rel]); err != nil {
			return err
		}
	}
	return hashes.Prune(s.dir())
}

// condemnByHash supersedes every current binding of a suite that no longer
// publishes by-hash, so pruning removes its trees after the stay.
func (p *Publisher) condemnByHash(s suiteRef) error {
	files, err := p.database.FindArchiveFiles(s.name)
	if err != nil {
		return err
	}
	var condemned []int64
	for _, f := range files {
		if f.Current() {
			condemned = append(condemned, f.ID)
		}
	}
	if len(condemned) > 0 {
		p.logger.Info("by-hash disabled, condemning bindings", "suite", s.name, "count", len(condemned))
	}
	return p.database.SupersedeArchiveFiles(condemned, p.clock.Now(), p.stay())
}
