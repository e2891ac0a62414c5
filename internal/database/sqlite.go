package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"debpub/internal/database/migrations"
	"debpub/internal/model"
	"debpub/internal/publisher"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements publisher.Database using SQLite.
// All timestamps are stored in UTC so that range comparisons on the
// text representation stay ordered.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens a database at path, which may be ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already configured connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection.
// Exported for tools and tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer per archive; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Migrate brings the schema up to date.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Path returns the database file path.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Publication operations

const publicationColumns = `id, kind, name, binary_name, version, component, section, architecture,
	subcomponent, series, pocket, status, stanza, description, date_created, date_published,
	scheduled_deletion_date, date_removed`

func (s *SQLiteDatabase) CreatePublication(p *model.Publication) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if p.Status == "" {
		p.Status = model.StatusPending
	}
	if p.DateCreated.IsZero() {
		p.DateCreated = time.Now()
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO publications
		(kind, name, binary_name, version, component, section, architecture, subcomponent,
		 series, pocket, status, stanza, description, date_created, date_published,
		 scheduled_deletion_date, date_removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.Kind), p.Name, p.BinaryName, p.Version, p.Component, p.Section, p.Architecture,
		p.Subcomponent, p.Series, string(p.Pocket), string(p.Status), p.Stanza, p.Description,
		p.DateCreated.UTC(), utcNull(p.DatePublished), utcNull(p.ScheduledDeletionDate), utcNull(p.DateRemoved))
	if err != nil {
		return fmt.Errorf("inserting publication: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading publication id: %w", err)
	}

	for _, f := range p.Files {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO publication_files (publication_id, filename, size, sha256) VALUES (?, ?, ?, ?)",
			id, f.Filename, f.Size, f.SHA256)
		if err != nil {
			return fmt.Errorf("inserting publication file %s: %w", f.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	p.ID = id
	return nil
}

func (s *SQLiteDatabase) FindPublicationByID(id int64) (*model.Publication, error) {
	pubs, err := s.queryPublications("SELECT "+publicationColumns+" FROM publications WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("finding publication %d: %w", id, err)
	}
	if len(pubs) == 0 {
		return nil, nil
	}
	return pubs[0], nil
}

func (s *SQLiteDatabase) FindPublicationsToPublish(careful bool) ([]*model.Publication, error) {
	query := "SELECT " + publicationColumns + " FROM publications WHERE status = 'pending' ORDER BY id"
	if careful {
		query = "SELECT " + publicationColumns + " FROM publications WHERE status IN ('pending', 'published') ORDER BY id"
	}
	pubs, err := s.queryPublications(query)
	if err != nil {
		return nil, fmt.Errorf("finding publications to publish: %w", err)
	}
	return pubs, nil
}

func (s *SQLiteDatabase) FindPublishedPublications(series string, pocket model.Pocket) ([]*model.Publication, error) {
	pubs, err := s.queryPublications("SELECT "+publicationColumns+` FROM publications
		WHERE series = ? AND pocket = ? AND status = 'published'
		ORDER BY name, binary_name, version, id`, series, string(pocket))
	if err != nil {
		return nil, fmt.Errorf("finding published publications: %w", err)
	}
	return pubs, nil
}

func (s *SQLiteDatabase) MarkPublicationPublished(id int64, now time.Time) error {
	_, err := s.db.Exec(
		"UPDATE publications SET status = 'published', date_published = ? WHERE id = ? AND status = 'pending'",
		now.UTC(), id)
	if err != nil {
		return fmt.Errorf("marking publication %d published: %w", id, err)
	}
	return nil
}

func (s *SQLiteDatabase) RequestDeletion(id int64) error {
	res, err := s.db.Exec("UPDATE publications SET status = 'deleted' WHERE id = ? AND status != 'deleted'", id)
	if err != nil {
		return fmt.Errorf("deleting publication %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting publication %d: %w", id, err)
	}
	if n == 0 {
		existing, err := s.FindPublicationByID(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("publication %d not found", id)
		}
	}
	return nil
}

func (s *SQLiteDatabase) FindPendingDeletions() ([]*model.Publication, error) {
	pubs, err := s.queryPublications("SELECT " + publicationColumns + ` FROM publications
		WHERE status = 'deleted' AND scheduled_deletion_date IS NULL AND date_removed IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("finding pending deletions: %w", err)
	}
	return pubs, nil
}

func (s *SQLiteDatabase) ScheduleDeletion(ids []int64, when time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := "UPDATE publications SET scheduled_deletion_date = ? WHERE scheduled_deletion_date IS NULL AND id IN (" +
		placeholders(len(ids)) + ")"
	args := append([]any{when.UTC()}, int64Args(ids)...)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("scheduling deletions: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindDeathRow(now time.Time) ([]*model.Publication, error) {
	pubs, err := s.queryPublications("SELECT "+publicationColumns+` FROM publications
		WHERE status = 'deleted' AND scheduled_deletion_date <= ? AND date_removed IS NULL
		ORDER BY id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("finding death row: %w", err)
	}
	return pubs, nil
}

func (s *SQLiteDatabase) CountPoolReferences(component, name, filename string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM publications p
		JOIN publication_files f ON f.publication_id = p.id
		WHERE p.component = ? AND p.name = ? AND f.filename = ?
		  AND p.date_removed IS NULL
		  AND NOT (p.status = 'deleted' AND p.scheduled_deletion_date IS NOT NULL AND p.scheduled_deletion_date <= ?)`,
		component, name, filename, now.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pool references: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) MarkPublicationRemoved(id int64, now time.Time) error {
	_, err := s.db.Exec("UPDATE publications SET date_removed = ? WHERE id = ? AND date_removed IS NULL", now.UTC(), id)
	if err != nil {
		return fmt.Errorf("marking publication %d removed: %w", id, err)
	}
	return nil
}

// queryPublications runs query and attaches each publication's files.
func (s *SQLiteDatabase) queryPublications(query string, args ...any) ([]*model.Publication, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}

	var pubs []*model.Publication
	byID := make(map[int64]*model.Publication)
	for rows.Next() {
		var (
			p                    model.Publication
			kind, pocket, status string
		)
		err := rows.Scan(&p.ID, &kind, &p.Name, &p.BinaryName, &p.Version, &p.Component, &p.Section,
			&p.Architecture, &p.Subcomponent, &p.Series, &pocket, &status, &p.Stanza, &p.Description,
			&p.DateCreated, &p.DatePublished, &p.ScheduledDeletionDate, &p.DateRemoved)
		if err != nil {
			rows.Close()
			return nil, err
		}
		p.Kind = model.PublicationKind(kind)
		p.Pocket = model.Pocket(pocket)
		p.Status = model.PublicationStatus(status)
		pubs = append(pubs, &p)
		byID[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(pubs) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(pubs))
	for _, p := range pubs {
		ids = append(ids, p.ID)
	}
	files, err := s.db.Query("SELECT publication_id, filename, size, sha256 FROM publication_files WHERE publication_id IN ("+
		placeholders(len(ids))+") ORDER BY publication_id, filename", int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer files.Close()
	for files.Next() {
		var (
			id int64
			f  model.PublicationFile
		)
		if err := files.Scan(&id, &f.Filename, &f.Size, &f.SHA256); err != nil {
			return nil, err
		}
		byID[id].Files = append(byID[id].Files, f)
	}
	return pubs, files.Err()
}

// ArchiveFile operations

const archiveFileColumns = `id, container, path, content_hash, size, date_created, date_superseded,
	scheduled_deletion_date, date_removed`

// RecordArchiveFile is the compare-and-supersede step behind every by-hash
// write. It runs in one transaction so a path never has two current rows.
func (s *SQLiteDatabase) RecordArchiveFile(container, path, contentHash string, size int64, now time.Time, stay time.Duration) (*model.ArchiveFile, error) {
	ctx := context.Background()
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanArchiveFile(tx.QueryRowContext(ctx,
		"SELECT "+archiveFileColumns+" FROM archive_files WHERE path = ? AND date_superseded IS NULL", path))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding current binding for %s: %w", path, err)
	}
	if err == nil {
		if current.ContentHash == contentHash {
			return current, tx.Commit()
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE archive_files SET date_superseded = ?, scheduled_deletion_date = ? WHERE id = ?",
			now, now.Add(stay), current.ID)
		if err != nil {
			return nil, fmt.Errorf("superseding binding for %s: %w", path, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO archive_files (container, path, content_hash, size, date_created) VALUES (?, ?, ?, ?, ?)",
		container, path, contentHash, size, now)
	if err != nil {
		return nil, fmt.Errorf("recording binding for %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading binding id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &model.ArchiveFile{
		ID:          id,
		Container:   container,
		Path:        path,
		ContentHash: contentHash,
		Size:        size,
		DateCreated: now,
	}, nil
}

func (s *SQLiteDatabase) FindArchiveFiles(container string) ([]*model.ArchiveFile, error) {
	rows, err := s.db.Query("SELECT "+archiveFileColumns+` FROM archive_files
		WHERE container = ? AND date_removed IS NULL ORDER BY path, id`, container)
	if err != nil {
		return nil, fmt.Errorf("finding archive files: %w", err)
	}
	defer rows.Close()

	var files []*model.ArchiveFile
	for rows.Next() {
		f, err := scanArchiveFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning archive file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteDatabase) SupersedeArchiveFiles(ids []int64, now time.Time, stay time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	now = now.UTC()
	query := `UPDATE archive_files SET date_superseded = ?, scheduled_deletion_date = ?
		WHERE date_superseded IS NULL AND id IN (` + placeholders(len(ids)) + ")"
	args := append([]any{now, now.Add(stay)}, int64Args(ids)...)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("superseding archive files: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ReapArchiveFiles(container string, now time.Time) ([]*model.ArchiveFile, error) {
	ctx := context.Background()
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT "+archiveFileColumns+` FROM archive_files
		WHERE container = ? AND scheduled_deletion_date <= ? AND date_removed IS NULL
		ORDER BY path, id`, container, now)
	if err != nil {
		return nil, fmt.Errorf("finding archive files to reap: %w", err)
	}
	var reaped []*model.ArchiveFile
	for rows.Next() {
		f, err := scanArchiveFile(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning archive file: %w", err)
		}
		f.DateRemoved = sql.NullTime{Time: now, Valid: true}
		reaped = append(reaped, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, f := range reaped {
		if _, err := tx.ExecContext(ctx, "UPDATE archive_files SET date_removed = ? WHERE id = ?", now, f.ID); err != nil {
			return nil, fmt.Errorf("reaping %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return reaped, nil
}

func (s *SQLiteDatabase) FindContainersToReap(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT container FROM archive_files
		WHERE scheduled_deletion_date <= ? AND date_removed IS NULL ORDER BY container`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("finding containers to reap: %w", err)
	}
	defer rows.Close()

	var containers []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}
	return containers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArchiveFile(row rowScanner) (*model.ArchiveFile, error) {
	var f model.ArchiveFile
	err := row.Scan(&f.ID, &f.Container, &f.Path, &f.ContentHash, &f.Size, &f.DateCreated,
		&f.DateSuperseded, &f.ScheduledDeletionDate, &f.DateRemoved)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Run records

func (s *SQLiteDatabase) CreatePublishRun(runID, operation, parameters string) (*model.PublishRun, error) {
	started := time.Now().UTC()
	res, err := s.db.Exec(
		"INSERT INTO publish_runs (run_id, operation, parameters, status, started_at) VALUES (?, ?, ?, 'running', ?)",
		runID, operation, parameters, started)
	if err != nil {
		return nil, fmt.Errorf("creating publish run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading publish run id: %w", err)
	}
	return &model.PublishRun{
		ID:         id,
		RunID:      runID,
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  started,
	}, nil
}

func (s *SQLiteDatabase) FinishPublishRun(id int64, status string) error {
	_, err := s.db.Exec("UPDATE publish_runs SET status = ?, finished_at = ? WHERE id = ?", status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing publish run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListPublishRuns(limit int) ([]*model.PublishRun, error) {
	rows, err := s.db.Query(`SELECT id, run_id, operation, parameters, status, started_at, finished_at
		FROM publish_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing publish runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.PublishRun
	for rows.Next() {
		var r model.PublishRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.Operation, &r.Parameters, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning publish run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func utcNull(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time.UTC()
}

// Compile-time check that SQLiteDatabase implements publisher.Database
var _ publisher.Database = (*SQLiteDatabase)(nil)
