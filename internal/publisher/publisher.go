// Package publisher materializes publication records as a Debian archive
// tree: pool files, indexes, signed Release files and by-hash trees, with
// deferred deletion gated by the archive's stay of execution.
package publisher

import (
	"context"
	"path"
	"path/filepath"
	"time"

	"debpub/internal/model"
	"debpub/internal/pool"
	"debpub/internal/signing"
)

// Publisher is the orchestration layer for one archive. A run goes through
// the steps in order: PublishPending, MarkPocketsWithDeletionsDirty,
// WriteIndexes, WriteReleaseFiles, ScheduleDeletions, ProcessDeathRow and
// Prune. Each step is idempotent and can be run on its own.
type Publisher struct {
	archive   *model.Archive
	database  Database
	librarian Librarian
	signer    signing.Signer
	indexer   IndexGenerator
	pool      *pool.Store
	logger    Logger
	clock     Clock
	allowed   SuiteSet // nil means every suite
}

// NewPublisher creates a Publisher for archive. A nil signer disables
// signing; a nil indexer selects the native index writer. allowedSuites
// restricts processing to the named suites when non-empty.
func NewPublisher(archive *model.Archive, database Database, librarian Librarian, signer signing.Signer, indexer IndexGenerator, logger Logger, clock Clock, allowedSuites []string) (*Publisher, error) {
	if signer == nil {
		signer = signing.NopSigner{}
	}
	if indexer == nil {
		indexer = NewNativeIndexGenerator()
	}
	p := &Publisher{
		archive:   archive,
		database:  database,
		librarian: librarian,
		signer:    signer,
		indexer:   indexer,
		pool:      pool.NewStore(archive.Root),
		logger:    logger,
		clock:     clock,
	}
	if len(allowedSuites) > 0 {
		for _, suite := range allowedSuites {
			if _, _, err := archive.ParseSuite(suite); err != nil {
				return nil, err
			}
		}
		p.allowed = NewSuiteSet(allowedSuites...)
	}
	return p, nil
}

// Archive returns the archive being published.
func (p *Publisher) Archive() *model.Archive {
	return p.archive
}

// Publish runs every step once and reports what happened. The returned
// error is for failures that stop the run; per-publication and per-suite
// failures are in the report (see Report.Err).
func (p *Publisher) Publish(ctx context.Context, careful bool) (*Report, error) {
	report := &Report{SuiteErrors: SuiteErrors{}}

	dirty, outcomes, err := p.PublishPending(ctx, careful)
	report.Outcomes = outcomes
	if err != nil {
		return report, err
	}

	deletions, err := p.MarkPocketsWithDeletionsDirty()
	if err != nil {
		return report, err
	}
	dirty = dirty.Union(deletions)
	report.DirtySuites = dirty.Sorted()

	needed, errs := p.WriteIndexes(ctx, dirty, careful)
	report.SuiteErrors.merge(errs)

	written, errs := p.WriteReleaseFiles(ctx, needed, careful)
	report.SuiteErrors.merge(errs)
	report.ReleaseFilesWritten = written.Sorted()

	if report.DeletionsScheduled, err = p.ScheduleDeletions(written); err != nil {
		return report, err
	}
	if report.PublicationsRemoved, err = p.ProcessDeathRow(ctx); err != nil {
		return report, err
	}
	if report.BindingsReaped, err = p.Prune(ctx); err != nil {
		return report, err
	}

	p.logger.Info("publish complete",
		"archive", p.archive.Name,
		"published", report.Count(Published),
		"dirty", len(report.DirtySuites),
		"releases", len(report.ReleaseFilesWritten),
		"failed_suites", len(report.SuiteErrors))
	return report, nil
}

// suiteRef is a resolved suite name.
type suiteRef struct {
	name   string
	series *model.Series
	pocket model.Pocket
}

func (s suiteRef) dir() string {
	return path.Join("dists", s.name)
}

func (p *Publisher) isAllowed(suite string) bool {
	return p.allowed == nil || p.allowed[suite]
}

// resolve parses a suite name of this archive.
func (p *Publisher) resolve(suite string) (suiteRef, error) {
	series, pocket, err := p.archive.ParseSuite(suite)
	if err != nil {
		return suiteRef{}, err
	}
	return suiteRef{name: suite, series: series, pocket: pocket}, nil
}

// allSuites lists the allowed suites of every series the archive publishes.
func (p *Publisher) allSuites() []suiteRef {
	var suites []suiteRef
	for i := range p.archive.Series {
		series := &p.archive.Series[i]
		if p.archive.SkipsSeries(series) {
			continue
		}
		for _, pocket := range p.archive.Pockets() {
			name := model.SuiteName(series.Name, pocket)
			if p.isAllowed(name) {
				suites = append(suites, suiteRef{name: name, series: series, pocket: pocket})
			}
		}
	}
	return suites
}

// selectSuites returns the suites named in set, or every suite when
// careful, in a stable order.
func (p *Publisher) selectSuites(set SuiteSet, careful bool) ([]suiteRef, SuiteErrors) {
	errs := SuiteErrors{}
	if careful {
		return p.allSuites(), errs
	}
	var suites []suiteRef
	for _, name := range set.Sorted() {
		ref, err := p.resolve(name)
		if err != nil {
			errs[name] = err
			continue
		}
		suites = append(suites, ref)
	}
	return suites, errs
}

// immutable reports whether the suite's published state is frozen, as the
// release pocket of a stable primary series is.
func (p *Publisher) immutable(s suiteRef) bool {
	return !p.archive.CanModifySuite(s.series, s.pocket)
}

// abs returns the on-disk path of a slash-separated archive path.
func (p *Publisher) abs(rel string) string {
	return filepath.Join(p.archive.Root, filepath.FromSlash(rel))
}

func (p *Publisher) stay() time.Duration {
	if p.archive.StayOfExecution > 0 {
		return p.archive.StayOfExecution
	}
	return model.DefaultStayOfExecution
}
