package database

import (
	"testing"
	"time"

	"debpub/internal/model"
)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newPublication(name, version string, pocket model.Pocket) *model.Publication {
	return &model.Publication{
		Kind:         model.KindSource,
		Name:         name,
		Version:      version,
		Component:    "main",
		Section:      "utils",
		Architecture: model.ArchitectureSource,
		Series:       "focal",
		Pocket:       pocket,
		Stanza:       "Package: " + name + "\nVersion: " + version,
		Files: []model.PublicationFile{
			{Filename: name + "_" + version + ".dsc", Size: 10, SHA256: "aa"},
			{Filename: name + "_" + version + ".tar.xz", Size: 20, SHA256: "bb"},
		},
		DateCreated: t0,
	}
}

func TestSQLiteDatabase_CreatePublication(t *testing.T) {
	t.Run("stores publication with files", func(t *testing.T) {
		db := newTestDB(t)

		p := newPublication("hello", "1.0", model.PocketUpdates)
		if err := db.CreatePublication(p); err != nil {
			t.Fatalf("CreatePublication() error = %v", err)
		}
		if p.ID == 0 {
			t.Fatal("CreatePublication() did not set ID")
		}
		if p.Status != model.StatusPending {
			t.Errorf("Status = %s, want pending", p.Status)
		}

		found, err := db.FindPublicationByID(p.ID)
		if err != nil {
			t.Fatalf("FindPublicationByID() error = %v", err)
		}
		if found == nil {
			t.Fatal("FindPublicationByID() returned nil")
		}
		if found.Name != "hello" || found.Pocket != model.PocketUpdates || found.Kind != model.KindSource {
			t.Errorf("found = %+v", found)
		}
		if len(found.Files) != 2 || found.Files[0].Filename != "hello_1.0.dsc" {
			t.Errorf("Files = %+v", found.Files)
		}
		if !found.DateCreated.Equal(t0) {
			t.Errorf("DateCreated = %v, want %v", found.DateCreated, t0)
		}
	})

	t.Run("returns nil when publication not found", func(t *testing.T) {
		db := newTestDB(t)

		found, err := db.FindPublicationByID(999)
		if err != nil {
			t.Fatalf("FindPublicationByID() error = %v", err)
		}
		if found != nil {
			t.Errorf("FindPublicationByID() = %v, want nil", found)
		}
	})
}

func TestSQLiteDatabase_PublicationLifecycle(t *testing.T) {
	db := newTestDB(t)

	a := newPublication("alpha", "1.0", model.PocketUpdates)
	b := newPublication("beta", "2.0", model.PocketUpdates)
	for _, p := range []*model.Publication{a, b} {
		if err := db.CreatePublication(p); err != nil {
			t.Fatalf("CreatePublication() error = %v", err)
		}
	}

	pending, err := db.FindPublicationsToPublish(false)
	if err != nil {
		t.Fatalf("FindPublicationsToPublish() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	if err := db.MarkPublicationPublished(a.ID, t0); err != nil {
		t.Fatalf("MarkPublicationPublished() error = %v", err)
	}

	t.Run("normal mode skips published", func(t *testing.T) {
		got, err := db.FindPublicationsToPublish(false)
		if err != nil {
			t.Fatalf("FindPublicationsToPublish() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != b.ID {
			t.Errorf("FindPublicationsToPublish(false) = %v, want only beta", got)
		}
	})

	t.Run("careful mode includes published", func(t *testing.T) {
		got, err := db.FindPublicationsToPublish(true)
		if err != nil {
			t.Fatalf("FindPublicationsToPublish() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("FindPublicationsToPublish(true) = %d records, want 2", len(got))
		}
	})

	t.Run("published suite listing", func(t *testing.T) {
		got, err := db.FindPublishedPublications("focal", model.PocketUpdates)
		if err != nil {
			t.Fatalf("FindPublishedPublications() error = %v", err)
		}
		if len(got) != 1 || got[0].Name != "alpha" {
			t.Errorf("FindPublishedPublications() = %v, want alpha", got)
		}
		if !got[0].DatePublished.Valid {
			t.Error("DatePublished not set")
		}

		none, err := db.FindPublishedPublications("focal", model.PocketSecurity)
		if err != nil {
			t.Fatalf("FindPublishedPublications() error = %v", err)
		}
		if len(none) != 0 {
			t.Errorf("FindPublishedPublications(security) = %v, want empty", none)
		}
	})

	t.Run("deletion scheduling and death row", func(t *testing.T) {
		if err := db.RequestDeletion(a.ID); err != nil {
			t.Fatalf("RequestDeletion() error = %v", err)
		}

		pend, err := db.FindPendingDeletions()
		if err != nil {
			t.Fatalf("FindPendingDeletions() error = %v", err)
		}
		if len(pend) != 1 || pend[0].ID != a.ID {
			t.Fatalf("FindPendingDeletions() = %v, want alpha", pend)
		}

		due := t0.Add(24 * time.Hour)
		if err := db.ScheduleDeletion([]int64{a.ID}, due); err != nil {
			t.Fatalf("ScheduleDeletion() error = %v", err)
		}

		pend, _ = db.FindPendingDeletions()
		if len(pend) != 0 {
			t.Errorf("FindPendingDeletions() after scheduling = %v, want empty", pend)
		}

		early, err := db.FindDeathRow(t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("FindDeathRow() error = %v", err)
		}
		if len(early) != 0 {
			t.Errorf("FindDeathRow() before due = %v, want empty", early)
		}

		n, err := db.CountPoolReferences("main", "alpha", "alpha_1.0.dsc", t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("CountPoolReferences() error = %v", err)
		}
		if n != 1 {
			t.Errorf("CountPoolReferences() before due = %d, want 1", n)
		}

		late := due.Add(time.Second)
		row, err := db.FindDeathRow(late)
		if err != nil {
			t.Fatalf("FindDeathRow() error = %v", err)
		}
		if len(row) != 1 || row[0].ID != a.ID {
			t.Fatalf("FindDeathRow() = %v, want alpha", row)
		}

		n, err = db.CountPoolReferences("main", "alpha", "alpha_1.0.dsc", late)
		if err != nil {
			t.Fatalf("CountPoolReferences() error = %v", err)
		}
		if n != 0 {
			t.Errorf("CountPoolReferences() after due = %d, want 0", n)
		}

		if err := db.MarkPublicationRemoved(a.ID, late); err != nil {
			t.Fatalf("MarkPublicationRemoved() error = %v", err)
		}
		row, _ = db.FindDeathRow(late)
		if len(row) != 0 {
			t.Errorf("FindDeathRow() after removal = %v, want empty", row)
		}
	})

	t.Run("deleting unknown publication fails", func(t *testing.T) {
		if err := db.RequestDeletion(12345); err == nil {
			t.Error("RequestDeletion() expected error for unknown id")
		}
	})
}

func TestSQLiteDatabase_RecordArchiveFile(t *testing.T) {
	const (
		container = "focal"
		path      = "dists/focal/main/source/Sources.gz"
		stay      = 24 * time.Hour
	)

	t.Run("same hash keeps current binding", func(t *testing.T) {
		db := newTestDB(t)

		first, err := db.RecordArchiveFile(container, path, "aaaa", 10, t0, stay)
		if err != nil {
			t.Fatalf("RecordArchiveFile() error = %v", err)
		}
		second, err := db.RecordArchiveFile(container, path, "aaaa", 10, t0.Add(time.Hour), stay)
		if err != nil {
			t.Fatalf("RecordArchiveFile() error = %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("second record ID = %d, want %d", second.ID, first.ID)
		}

		files, _ := db.FindArchiveFiles(container)
		if len(files) != 1 {
			t.Errorf("FindArchiveFiles() = %d rows, want 1", len(files))
		}
	})

	t.Run("new hash supersedes the old binding", func(t *testing.T) {
		db := newTestDB(t)

		old, err := db.RecordArchiveFile(container, path, "aaaa", 10, t0, stay)
		if err != nil {
			t.Fatalf("RecordArchiveFile() error = %v", err)
		}
		now := t0.Add(time.Hour)
		cur, err := db.RecordArchiveFile(container, path, "bbbb", 12, now, stay)
		if err != nil {
			t.Fatalf("RecordArchiveFile() error = %v", err)
		}
		if cur.ID == old.ID || !cur.Current() {
			t.Errorf("new binding = %+v", cur)
		}

		files, err := db.FindArchiveFiles(container)
		if err != nil {
			t.Fatalf("FindArchiveFiles() error = %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("FindArchiveFiles() = %d rows, want 2", len(files))
		}
		var superseded *model.ArchiveFile
		for _, f := range files {
			if f.ID == old.ID {
				superseded = f
			}
		}
		if superseded == nil || superseded.Current() {
			t.Fatalf("old binding not superseded: %+v", superseded)
		}
		if !superseded.ScheduledDeletionDate.Time.Equal(now.Add(stay)) {
			t.Errorf("ScheduledDeletionDate = %v, want %v", superseded.ScheduledDeletionDate.Time, now.Add(stay))
		}
	})
}

func TestSQLiteDatabase_SupersedeAndReap(t *testing.T) {
	db := newTestDB(t)
	const stay = time.Hour

	a, _ := db.RecordArchiveFile("focal", "dists/focal/Release", "aaaa", 1, t0, stay)
	if _, err := db.RecordArchiveFile("focal-updates", "dists/focal-updates/Release", "cccc", 1, t0, stay); err != nil {
		t.Fatalf("RecordArchiveFile() error = %v", err)
	}

	if err := db.SupersedeArchiveFiles([]int64{a.ID}, t0, stay); err != nil {
		t.Fatalf("SupersedeArchiveFiles() error = %v", err)
	}

	containers, err := db.FindContainersToReap(t0.Add(30 * time.Minute))
	if err != nil {
		t.Fatalf("FindContainersToReap() error = %v", err)
	}
	if len(containers) != 0 {
		t.Errorf("FindContainersToReap() before due = %v, want empty", containers)
	}

	later := t0.Add(2 * time.Hour)
	containers, err = db.FindContainersToReap(later)
	if err != nil {
		t.Fatalf("FindContainersToReap() error = %v", err)
	}
	if len(containers) != 1 || containers[0] != "focal" {
		t.Errorf("FindContainersToReap() = %v, want [focal]", containers)
	}

	reaped, err := db.ReapArchiveFiles("focal", later)
	if err != nil {
		t.Fatalf("ReapArchiveFiles() error = %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != a.ID || !reaped[0].DateRemoved.Valid {
		t.Errorf("ReapArchiveFiles() = %+v", reaped)
	}

	files, _ := db.FindArchiveFiles("focal")
	if len(files) != 0 {
		t.Errorf("FindArchiveFiles() after reap = %d rows, want 0", len(files))
	}

	again, err := db.ReapArchiveFiles("focal", later)
	if err != nil {
		t.Fatalf("ReapArchiveFiles() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second ReapArchiveFiles() = %d rows, want 0", len(again))
	}
}

func TestSQLiteDatabase_PublishRuns(t *testing.T) {
	db := newTestDB(t)

	first, err := db.CreatePublishRun("run-1", "publish", `{"careful":false}`)
	if err != nil {
		t.Fatalf("CreatePublishRun() error = %v", err)
	}
	if _, err := db.CreatePublishRun("run-2", "prune", "{}"); err != nil {
		t.Fatalf("CreatePublishRun() error = %v", err)
	}
	if err := db.FinishPublishRun(first.ID, "success"); err != nil {
		t.Fatalf("FinishPublishRun() error = %v", err)
	}

	runs, err := db.ListPublishRuns(10)
	if err != nil {
		t.Fatalf("ListPublishRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListPublishRuns() = %d, want 2", len(runs))
	}
	if runs[0].RunID != "run-2" || runs[0].Status != "running" {
		t.Errorf("runs[0] = %+v, want run-2 running", runs[0])
	}
	if runs[1].Status != "success" || !runs[1].FinishedAt.Valid {
		t.Errorf("runs[1] = %+v, want finished success", runs[1])
	}

	limited, _ := db.ListPublishRuns(1)
	if len(limited) != 1 {
		t.Errorf("ListPublishRuns(1) = %d, want 1", len(limited))
	}
}
