package publisher

import (
	"time"

	"debpub/internal/model"
)

// Database stores publication facts, by-hash bindings and run records.
// Lookups return nil, nil when nothing matches.
type Database interface {
	// Publication operations

	// CreatePublication inserts p together with its files and sets p.ID.
	CreatePublication(p *model.Publication) error

	// FindPublicationByID returns a publication with its files.
	FindPublicationByID(id int64) (*model.Publication, error)

	// FindPublicationsToPublish returns pending publications, or every
	// pending and published one when careful is set.
	FindPublicationsToPublish(careful bool) ([]*model.Publication, error)

	// FindPublishedPublications returns the published records of one suite,
	// ordered by name, version and id.
	FindPublishedPublications(series string, pocket model.Pocket) ([]*model.Publication, error)

	// MarkPublicationPublished flips a pending publication to published.
	MarkPublicationPublished(id int64, now time.Time) error

	// RequestDeletion marks a publication deleted. Its pool files stay until
	// death row processing removes them.
	RequestDeletion(id int64) error

	// FindPendingDeletions returns deleted publications that have neither a
	// scheduled deletion date nor a removal date.
	FindPendingDeletions() ([]*model.Publication, error)

	// ScheduleDeletion sets scheduled_deletion_date on the given publications.
	ScheduleDeletion(ids []int64, when time.Time) error

	// FindDeathRow returns deleted publications whose scheduled deletion date
	// is at or before now and which are not yet removed.
	FindDeathRow(now time.Time) ([]*model.Publication, error)

	// CountPoolReferences counts publications that still need the pool file
	// at now: anything not removed, except deleted records already due.
	CountPoolReferences(component, name, filename string, now time.Time) (int, error)

	// MarkPublicationRemoved sets date_removed.
	MarkPublicationRemoved(id int64, now time.Time) error

	// ArchiveFile operations

	// RecordArchiveFile makes contentHash the current binding of path. An
	// existing current binding with the same hash is returned unchanged; one
	// with a different hash is superseded with a deletion date of now+stay.
	RecordArchiveFile(container, path, contentHash string, size int64, now time.Time, stay time.Duration) (*model.ArchiveFile, error)

	// FindArchiveFiles returns the bindings of a container that have not
	// been removed, ordered by path and id.
	FindArchiveFiles(container string) ([]*model.ArchiveFile, error)

	// SupersedeArchiveFiles condemns current bindings.
	SupersedeArchiveFiles(ids []int64, now time.Time, stay time.Duration) error

	// ReapArchiveFiles sets date_removed on every binding of container whose
	// scheduled deletion date is at or before now, returning them.
	ReapArchiveFiles(container string, now time.Time) ([]*model.ArchiveFile, error)

	// FindContainersToReap lists containers holding bindings ready to reap.
	FindContainersToReap(now time.Time) ([]string, error)

	// Run records

	CreatePublishRun(runID, operation, parameters string) (*model.PublishRun, error)
	FinishPublishRun(id int64, status string) error
	ListPublishRuns(limit int) ([]*model.PublishRun, error)

	// Close closes the database connection.
	Close() error
}
