package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"time"

	"debpub/internal/byhash"
	"debpub/internal/control"
	"debpub/internal/model"
	"debpub/internal/signing"
)

// Prune reaps by-hash bindings whose stay has run out and removes the
// blobs no live binding in their directory still needs. It covers every
// suite of the archive plus any container the database holds reapable
// bindings for. It returns the number of bindings reaped.
func (p *Publisher) Prune(ctx context.Context) (int, error) {
	now := p.clock.Now()

	containers := NewSuiteSet()
	for _, s := range p.allSuites() {
		containers[s.name] = true
	}
	due, err := p.database.FindContainersToReap(now)
	if err != nil {
		return 0, err
	}
	for _, c := range due {
		if p.isAllowed(c) {
			containers[c] = true
		}
	}

	reaped := 0
	for _, container := range containers.Sorted() {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		n, err := p.pruneContainer(container, now)
		reaped += n
		if err != nil {
			return reaped, fmt.Errorf("pruning %s: %w", container, err)
		}
	}
	return reaped, nil
}

func (p *Publisher) pruneContainer(container string, now time.Time) (int, error) {
	gone, err := p.database.ReapArchiveFiles(container, now)
	if err != nil {
		return 0, err
	}
	files, err := p.database.FindArchiveFiles(container)
	if err != nil {
		return len(gone), err
	}

	hashes := byhash.NewByHashes(p.archive.Root, container, p.database, now, p.stay())
	for _, f := range files {
		hashes.Register(f)
	}

	dir := path.Join("dists", container)
	if s, err := p.resolve(container); err == nil && s.series.PublishByHash {
		// The live Release is authoritative even if its bindings were lost.
		if err := p.registerReleaseFiles(hashes, dir); err != nil {
			return len(gone), err
		}
	}

	if err := hashes.Prune(dir); err != nil {
		return len(gone), err
	}
	if len(gone) > 0 {
		p.logger.Info("reaped by-hash bindings", "suite", container, "count", len(gone))
	}
	return len(gone), nil
}

// registerReleaseFiles marks the digests of the on-disk Release, its
// signatures and the files it lists as known.
func (p *Publisher) registerReleaseFiles(hashes *byhash.ByHashes, dir string) error {
	data, err := os.ReadFile(p.abs(path.Join(dir, "Release")))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading release: %w", err)
	}
	rel, err := control.ParseRelease(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing release: %w", err)
	}

	for _, e := range rel.Files {
		relPath := path.Join(dir, e.Path)
		if _, err := os.Stat(p.abs(relPath)); err != nil {
			continue
		}
		hashes.Register(&model.ArchiveFile{Path: relPath, ContentHash: e.SHA256})
	}
	for _, name := range []string{"Release", signing.DetachedName, signing.ClearName} {
		relPath := path.Join(dir, name)
		sums, err := control.HashFile(p.abs(relPath))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		hashes.Register(&model.ArchiveFile{Path: relPath, ContentHash: sums.SHA256})
	}
	return nil
}

// ScheduleDeletions gives deleted publications in the suites whose Release
// was just written a scheduled deletion date of now plus the stay. Until
// then their pool files remain for clients holding the old indexes.
func (p *Publisher) ScheduleDeletions(written SuiteSet) (int, error) {
	pending, err := p.database.FindPendingDeletions()
	if err != nil {
		return 0, err
	}
	var ids []int64
	for _, pub := range pending {
		if written[pub.Suite()] {
			ids = append(ids, pub.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	slices.Sort(ids)
	when := p.clock.Now().Add(p.stay())
	if err := p.database.ScheduleDeletion(ids, when); err != nil {
		return 0, err
	}
	p.logger.Info("scheduled deletions", "count", len(ids), "after", when)
	return len(ids), nil
}

// ProcessDeathRow removes the pool files of deleted publications whose
// scheduled date has passed, keeping any file another publication still
// references, and marks the publications removed.
func (p *Publisher) ProcessDeathRow(ctx context.Context) (int, error) {
	now := p.clock.Now()
	due, err := p.database.FindDeathRow(now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, pub := range due {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !p.isAllowed(pub.Suite()) {
			continue
		}
		for _, f := range pub.Files {
			refs, err := p.database.CountPoolReferences(pub.Component, pub.Name, f.Filename, now)
			if err != nil {
				return removed, err
			}
			if refs > 0 {
				p.logger.Debug("pool file still referenced", "file", f.Filename, "refs", refs)
				continue
			}
			if err := p.pool.Remove(pub.Component, pub.Name, f.Filename); err != nil {
				return removed, err
			}
		}
		if err := p.database.MarkPublicationRemoved(pub.ID, now); err != nil {
			return removed, err
		}
		removed++
		p.logger.Info("publication removed", "id", pub.ID, "name", pub.Name, "version", pub.Version, "suite", pub.Suite())
	}
	return removed, nil
}
