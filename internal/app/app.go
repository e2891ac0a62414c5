package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"debpub/internal/config"
	"debpub/internal/control"
	"debpub/internal/database"
	"debpub/internal/librarian"
	"debpub/internal/model"
	"debpub/internal/publisher"
	"debpub/internal/signing"
)

// Options carries the per-invocation knobs of NewDebpubApp. The zero value
// is usable: real clock, random run IDs, no suite restriction, no metrics.
type Options struct {
	AllowedSuites []string
	Passphrase    signing.PassphraseFunc
	Metrics       *Metrics
	LogLevel      slog.Leveler
	Clock         publisher.Clock
	IDs           publisher.IDGenerator
}

// DebpubApp is the application layer between the CLI and the Publisher of
// one archive. It constructs all dependencies from config, exposes
// high-level operations, and manages the run record and DB lifecycle on
// Close.
type DebpubApp struct {
	cfg       *config.Config
	archive   *model.Archive
	db        publisher.Database
	librarian publisher.Librarian
	publisher *publisher.Publisher
	logger    *slog.Logger
	clock     publisher.Clock
	metrics   *Metrics
	run       *Run
	logFile   *os.File
}

// NewDebpubApp creates a fully wired DebpubApp for the named archive.
// operation identifies the CLI command being run (e.g. "Publish", "Prune").
// The caller must call Close when done.
func NewDebpubApp(ctx context.Context, cfg *config.Config, archiveName, operation string, opts Options) (*DebpubApp, error) {
	if opts.Clock == nil {
		opts.Clock = publisher.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = publisher.UUIDGenerator{}
	}
	if opts.LogLevel == nil {
		opts.LogLevel = slog.LevelInfo
	}

	archiveCfg, err := cfg.FindArchive(archiveName)
	if err != nil {
		return nil, err
	}
	archive, err := archiveCfg.ToArchive()
	if err != nil {
		return nil, fmt.Errorf("loading archive %s: %w", archiveName, err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, archive.Name)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date (run \"debpub db migrate\"): %w", err)
	}

	lib, err := librarian.NewLibrarianFromConfig(ctx, cfg.Librarian)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating librarian: %w", err)
	}

	signer, err := signing.NewSignerFromConfig(archiveCfg.Signing, opts.Passphrase, opts.Clock.Now)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	run := NewRun(opts.IDs.New(), operation)
	logger, logFile, err := newLogger(cfg.LogDir, run.RunID, opts.LogLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger = logger.With("archive", archive.Name)
	adapter := &slogAdapter{l: logger}

	var indexer publisher.IndexGenerator
	if archiveCfg.Indexer == "ftparchive" {
		workDir := filepath.Join(cfg.BaseDir, "ftparchive", archive.Name)
		indexer = publisher.NewFTPArchiveIndexGenerator(archiveCfg.FTPArchiveCommand, workDir, adapter)
	}

	pub, err := publisher.NewPublisher(archive, db, lib, signer, indexer, adapter, opts.Clock, opts.AllowedSuites)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating publisher: %w", err)
	}

	return &DebpubApp{
		cfg:       cfg,
		archive:   archive,
		db:        db,
		librarian: lib,
		publisher: pub,
		logger:    logger,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		run:       run,
		logFile:   logFile,
	}, nil
}

// MigrateDatabase brings the named archive's database schema up to date.
func MigrateDatabase(cfg *config.Config, archiveName string) error {
	if _, err := cfg.FindArchive(archiveName); err != nil {
		return err
	}
	if cfg.Database.Type == "sqlite" {
		if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := database.NewDatabaseFromConfig(cfg.Database, archiveName)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// Archive returns the archive this app publishes.
func (a *DebpubApp) Archive() *model.Archive {
	return a.archive
}

// persistRun saves the run to the database, giving it an auto-increment ID.
// This should only be called for mutating commands.
func (a *DebpubApp) persistRun() error {
	if a.run.Persisted() {
		return nil // already persisted
	}
	dbRun, err := a.db.CreatePublishRun(a.run.RunID, a.run.Operation, a.run.Parameters)
	if err != nil {
		return fmt.Errorf("persisting publish run: %w", err)
	}
	a.run.ID = dbRun.ID
	return nil
}

// fail marks the run failed when err is set and passes err through.
func (a *DebpubApp) fail(err error) error {
	if err != nil {
		a.run.Fail()
	}
	return err
}

// Publish runs every publishing step once. A report is returned even when
// some publications or suites failed; report.Err() tells the caller about
// those, and they also mark the run as failed.
func (a *DebpubApp) Publish(ctx context.Context, careful bool) (*publisher.Report, error) {
	if err := a.persistRun(); err != nil {
		return nil, err
	}
	started := a.clock.Now()
	report, err := a.publisher.Publish(ctx, careful)
	finished := a.clock.Now()

	runErr := err
	if runErr == nil {
		runErr = report.Err()
	}
	a.metrics.ObservePublish(a.archive.Name, report, finished.Sub(started), finished, runErr)
	a.fail(runErr)
	return report, err
}

// Prune removes due publications from the pool and reaps expired by-hash
// bindings without publishing anything new.
func (a *DebpubApp) Prune(ctx context.Context) (removed, reaped int, err error) {
	if err := a.persistRun(); err != nil {
		return 0, 0, err
	}
	started := a.clock.Now()
	removed, err = a.publisher.ProcessDeathRow(ctx)
	if err == nil {
		reaped, err = a.publisher.Prune(ctx)
	}
	finished := a.clock.Now()
	a.metrics.ObservePrune(a.archive.Name, removed, reaped, finished.Sub(started), finished, err)
	return removed, reaped, a.fail(err)
}

// Upload describes a publication to record from local files.
type Upload struct {
	Kind         model.PublicationKind
	Name         string // source package name
	BinaryName   string
	Version      string
	Component    string
	Section      string
	Architecture string
	Subcomponent string
	Suite        string
	Stanza       string
	Description  string
	Files        []string // local paths; the base name is the pool file name
}

func (u *Upload) validate(archive *model.Archive) (*model.Series, model.Pocket, error) {
	switch u.Kind {
	case model.KindSource:
		if u.Architecture == "" {
			u.Architecture = model.ArchitectureSource
		}
	case model.KindBinary:
		if u.BinaryName == "" {
			return nil, "", errors.New("binary uploads need a binary package name")
		}
		if u.Architecture == "" || u.Architecture == model.ArchitectureSource {
			return nil, "", fmt.Errorf("invalid binary architecture: %q", u.Architecture)
		}
	default:
		return nil, "", fmt.Errorf("unknown publication kind: %q", u.Kind)
	}
	if u.Name == "" || u.Version == "" {
		return nil, "", errors.New("name and version are required")
	}
	if !slices.Contains(archive.Components, u.Component) {
		return nil, "", fmt.Errorf("unknown component: %q", u.Component)
	}
	if len(u.Files) == 0 {
		return nil, "", errors.New("no files to upload")
	}
	return archive.ParseSuite(u.Suite)
}

// Upload stores the files with the librarian and records a pending
// publication for them. The next publish run places it in the archive.
func (a *DebpubApp) Upload(ctx context.Context, u Upload) (*model.Publication, error) {
	series, pocket, err := u.validate(a.archive)
	if err != nil {
		return nil, err
	}
	if err := a.librarian.ValidateSetup(ctx); err != nil {
		return nil, fmt.Errorf("librarian not ready: %w", err)
	}
	if err := a.persistRun(); err != nil {
		return nil, err
	}

	files := make([]model.PublicationFile, 0, len(u.Files))
	for _, p := range u.Files {
		f, err := a.storeFile(ctx, p)
		if err != nil {
			return nil, a.fail(err)
		}
		files = append(files, f)
	}

	pub := &model.Publication{
		Kind:         u.Kind,
		Name:         u.Name,
		BinaryName:   u.BinaryName,
		Version:      u.Version,
		Component:    u.Component,
		Section:      u.Section,
		Architecture: u.Architecture,
		Subcomponent: u.Subcomponent,
		Series:       series.Name,
		Pocket:       pocket,
		Status:       model.StatusPending,
		Stanza:       u.Stanza,
		Description:  u.Description,
		Files:        files,
		DateCreated:  a.clock.Now(),
	}
	if err := a.db.CreatePublication(pub); err != nil {
		return nil, a.fail(fmt.Errorf("recording publication: %w", err))
	}
	a.logger.Info("publication recorded", "id", pub.ID, "name", pub.Name, "version", pub.Version, "suite", u.Suite)
	return pub, nil
}

func (a *DebpubApp) storeFile(ctx context.Context, p string) (model.PublicationFile, error) {
	sums, err := control.HashFile(p)
	if err != nil {
		return model.PublicationFile{}, fmt.Errorf("hashing %s: %w", p, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return model.PublicationFile{}, fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	if err := a.librarian.PutContent(ctx, sums.SHA256, f, sums.Size); err != nil {
		return model.PublicationFile{}, fmt.Errorf("storing %s: %w", p, err)
	}
	return model.PublicationFile{Filename: filepath.Base(p), Size: sums.Size, SHA256: sums.SHA256}, nil
}

// Delete requests deletion of a publication. Its files stay in the pool
// until the stay of execution has passed.
func (a *DebpubApp) Delete(id int64) error {
	pub, err := a.db.FindPublicationByID(id)
	if err != nil {
		return err
	}
	if pub == nil {
		return fmt.Errorf("publication %d not found", id)
	}
	if err := a.persistRun(); err != nil {
		return err
	}
	if err := a.db.RequestDeletion(id); err != nil {
		return a.fail(err)
	}
	a.logger.Info("deletion requested", "id", id, "name", pub.Name, "version", pub.Version, "suite", pub.Suite())
	return nil
}

// History returns the most recent runs.
func (a *DebpubApp) History(limit int) ([]*model.PublishRun, error) {
	return a.db.ListPublishRuns(limit)
}

// InstallCustomUpload installs the gzipped tarball at tarballPath as an
// auxiliary tree and returns its archive-relative directory.
func (a *DebpubApp) InstallCustomUpload(u publisher.CustomUpload, tarballPath string) (string, error) {
	f, err := os.Open(tarballPath)
	if err != nil {
		return "", fmt.Errorf("opening tarball: %w", err)
	}
	defer f.Close()

	if err := a.persistRun(); err != nil {
		return "", err
	}
	dir, err := a.publisher.InstallCustomUpload(u, f)
	if err != nil {
		return "", a.fail(err)
	}
	a.logger.Info("custom upload installed", "dir", dir)
	return dir, nil
}

// Close finalizes the run and closes all resources. Persisted runs get
// their final status recorded before the database is closed.
func (a *DebpubApp) Close() error {
	var firstErr error

	if a.run.Persisted() {
		if err := a.db.FinishPublishRun(a.run.ID, a.run.Status); err != nil {
			firstErr = fmt.Errorf("finishing publish run: %w", err)
		}
	}

	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
