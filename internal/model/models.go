package model

import (
	"database/sql"
	"time"
)

// ArchiveFile binds a logical index path to the SHA-256 of the content that
// was current at that path during some window of time. The by-hash blob for
// ContentHash is kept on disk while any binding in the same directory still
// has DateRemoved unset.
type ArchiveFile struct {
	ID                    int64
	Container             string // suite the path belongs to, e.g. "focal-updates"
	Path                  string // relative to the archive root, e.g. "dists/focal/main/source/Sources.gz"
	ContentHash           string // hex SHA-256
	Size                  int64
	DateCreated           time.Time
	DateSuperseded        sql.NullTime
	ScheduledDeletionDate sql.NullTime
	DateRemoved           sql.NullTime
}

// Current reports whether this is the live binding for its path.
func (f *ArchiveFile) Current() bool {
	return !f.DateSuperseded.Valid
}

// PublicationKind distinguishes source and binary publications.
type PublicationKind string

const (
	KindSource PublicationKind = "source"
	KindBinary PublicationKind = "binary"
)

// PublicationStatus is the lifecycle state of a publication record.
type PublicationStatus string

const (
	StatusPending   PublicationStatus = "pending"
	StatusPublished PublicationStatus = "published"
	StatusDeleted   PublicationStatus = "deleted"
)

// Subcomponents of a component that get their own binary indices.
const (
	SubcomponentNone            = ""
	SubcomponentDebianInstaller = "debian-installer"
	SubcomponentDebug           = "debug"
)

// ArchitectureSource and ArchitectureAll are the two pseudo-architectures a
// publication may carry besides a concrete one.
const (
	ArchitectureSource = "source"
	ArchitectureAll    = "all"
)

// Publication is a fact saying "these files belong in this suite".
// Stanza is the pre-rendered control paragraph for the index; the publisher
// only appends the pool location fields.
type Publication struct {
	ID                    int64
	Kind                  PublicationKind
	Name                  string // source package name; determines the pool directory
	BinaryName            string // binary package name, empty for sources
	Version               string
	Component             string
	Section               string
	Architecture          string
	Subcomponent          string
	Series                string
	Pocket                Pocket
	Status                PublicationStatus
	Stanza                string
	Description           string
	Files                 []PublicationFile
	DateCreated           time.Time
	DatePublished         sql.NullTime
	ScheduledDeletionDate sql.NullTime
	DateRemoved           sql.NullTime
}

// Suite returns the suite name this publication targets.
func (p *Publication) Suite() string {
	return SuiteName(p.Series, p.Pocket)
}

// PublicationFile is one artifact belonging to a publication.
type PublicationFile struct {
	Filename string
	Size     int64
	SHA256   string
}

// PublishRun tracks one CLI invocation that mutated the archive.
type PublishRun struct {
	ID         int64
	RunID      string
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}
