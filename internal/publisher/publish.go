package publisher

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/opencontainers/go-digest"

	"debpub/internal/model"
	"debpub/internal/pool"
)

// PublishPending places the files of pending publications into the pool,
// or of every live publication when careful is set, and returns the suites
// that changed. Rejected publications stay pending and are reported as
// outcomes; only database failures abort the step.
func (p *Publisher) PublishPending(ctx context.Context, careful bool) (SuiteSet, []Outcome, error) {
	pubs, err := p.database.FindPublicationsToPublish(careful)
	if err != nil {
		return nil, nil, fmt.Errorf("finding publications to publish: %w", err)
	}

	dirty := SuiteSet{}
	var outcomes []Outcome
	for _, pub := range pubs {
		if !p.isAllowed(pub.Suite()) {
			continue
		}
		o := p.publishOne(ctx, pub)
		outcomes = append(outcomes, o)
		if o.Kind == Published {
			dirty[o.Suite] = true
		}
	}
	return dirty, outcomes, nil
}

func (p *Publisher) publishOne(ctx context.Context, pub *model.Publication) Outcome {
	o := Outcome{PublicationID: pub.ID, Suite: pub.Suite()}
	skip := func(kind OutcomeKind, err error) Outcome {
		o.Kind = kind
		o.Err = err
		p.logger.Warn("publication skipped", "id", pub.ID, "suite", o.Suite, "reason", err)
		return o
	}
	fail := func(err error) Outcome {
		o.Kind = Failed
		o.Err = fmt.Errorf("publication %d (%s %s): %w", pub.ID, pub.Name, pub.Version, err)
		p.logger.Error("publication failed", "id", pub.ID, "suite", o.Suite, "error", err)
		return o
	}

	series := p.archive.FindSeries(pub.Series)
	if series == nil {
		return fail(fmt.Errorf("unknown series %q", pub.Series))
	}
	if p.archive.SkipsSeries(series) {
		return skip(SkippedSeriesStatus, fmt.Errorf("series %s is %s", series.Name, series.Status))
	}
	if !p.archive.CanModifySuite(series, pub.Pocket) {
		return skip(SkippedPocketViolation, &PocketViolationError{
			PublicationID: pub.ID,
			Series:        series.Name,
			Status:        series.Status,
			Pocket:        pub.Pocket,
		})
	}
	if pub.Kind == model.KindBinary && pub.Architecture != model.ArchitectureAll && !series.ArchitectureEnabled(pub.Architecture) {
		return skip(SkippedDisabledArchitecture, fmt.Errorf("architecture %s is not enabled in %s", pub.Architecture, series.Name))
	}
	if !slices.Contains(p.archive.Components, pub.Component) {
		return fail(fmt.Errorf("unknown component %q", pub.Component))
	}

	for _, f := range pub.Files {
		res, err := p.placeFile(ctx, pub, f)
		if err != nil {
			return fail(fmt.Errorf("placing %s: %w", f.Filename, err))
		}
		if res == pool.Placed {
			p.logger.Debug("pool file placed", "path", pool.RelPath(pub.Component, pub.Name, f.Filename))
		}
	}

	if pub.Status == model.StatusPending {
		if err := p.database.MarkPublicationPublished(pub.ID, p.clock.Now()); err != nil {
			return fail(err)
		}
	}
	p.logger.Info("publication published", "id", pub.ID, "name", pub.Name, "version", pub.Version, "suite", o.Suite)
	o.Kind = Published
	return o
}

// placeFile puts one file into the pool. A file already in the pool is
// verified in place and not fetched again.
func (p *Publisher) placeFile(ctx context.Context, pub *model.Publication, f model.PublicationFile) (pool.Result, error) {
	if err := digest.SHA256.Validate(f.SHA256); err != nil {
		return 0, fmt.Errorf("invalid checksum %q: %w", f.SHA256, err)
	}
	want := digest.NewDigestFromEncoded(digest.SHA256, f.SHA256)

	present, err := p.pool.Verify(pub.Component, pub.Name, f.Filename, want)
	if err != nil {
		return 0, err
	}
	if present {
		return pool.AlreadyPresent, nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p.librarian.GetContent(ctx, f.SHA256, pw))
	}()
	res, err := p.pool.Add(pub.Component, pub.Name, f.Filename, pr, want)
	// unblocks the fetch when Add stopped reading early
	pr.Close()
	return res, err
}

// MarkPocketsWithDeletionsDirty returns the suites holding deletions that
// have not been reflected in the indexes yet. A deletion from a suite the
// archive may not modify leaves that suite alone.
func (p *Publisher) MarkPocketsWithDeletionsDirty() (SuiteSet, error) {
	pubs, err := p.database.FindPendingDeletions()
	if err != nil {
		return nil, fmt.Errorf("finding pending deletions: %w", err)
	}

	dirty := SuiteSet{}
	for _, pub := range pubs {
		suite := pub.Suite()
		if !p.isAllowed(suite) || dirty[suite] {
			continue
		}
		series := p.archive.FindSeries(pub.Series)
		if series == nil {
			p.logger.Warn("deletion in unknown series", "id", pub.ID, "series", pub.Series)
			continue
		}
		if !p.archive.CanModifySuite(series, pub.Pocket) {
			p.logger.Debug("deletion in immutable suite not published", "id", pub.ID, "suite", suite)
			continue
		}
		dirty[suite] = true
	}
	return dirty, nil
}
