package publisher_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"debpub/internal/control"
	"debpub/internal/database"
	"debpub/internal/librarian"
	"debpub/internal/model"
	"debpub/internal/publisher"
	"debpub/internal/signing"
	"debpub/internal/testutil"
)

type fixture struct {
	t       *testing.T
	root    string
	archive *model.Archive
	db      *database.SQLiteDatabase
	lib     *librarian.MemoryLibrarian
	clock   *testutil.StubClock
	pub     *publisher.Publisher
}

func newFixture(t *testing.T, archive *model.Archive, signer signing.Signer, indexer publisher.IndexGenerator, suites ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		root:    archive.Root,
		archive: archive,
		db:      testutil.NewTestDatabase(t),
		lib:     librarian.NewMemoryLibrarian(),
		clock:   testutil.FixedClock(),
	}
	p, err := publisher.NewPublisher(archive, f.db, f.lib, signer, indexer, publisher.NewNopLogger(), f.clock, suites)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	f.pub = p
	return f
}

func ppaArchive(root string) *model.Archive {
	return &model.Archive{
		Name:            "alice-ppa",
		Root:            root,
		Purpose:         model.PurposePPA,
		Distribution:    "Ubuntu",
		Owner:           "alice",
		Components:      []string{"main"},
		StayOfExecution: 6 * time.Hour,
		Series: []model.Series{{
			Name:          "focal",
			Version:       "20.04",
			Status:        model.SeriesCurrent,
			Architectures: []string{"amd64"},
			PublishByHash: true,
		}},
	}
}

func primaryArchive(root string) *model.Archive {
	return &model.Archive{
		Name:            "ubuntu",
		Root:            root,
		Purpose:         model.PurposePrimary,
		Distribution:    "Ubuntu",
		Components:      []string{"main"},
		StayOfExecution: 6 * time.Hour,
		Series: []model.Series{
			{Name: "dev", Status: model.SeriesDevelopment, Architectures: []string{"amd64"}},
			{Name: "focal", Version: "20.04", Status: model.SeriesCurrent, Architectures: []string{"amd64", "i386"}, DisabledArchitectures: []string{"i386"}},
			{Name: "old", Status: model.SeriesObsolete, Architectures: []string{"amd64"}},
			{Name: "next", Status: model.SeriesFuture, Architectures: []string{"amd64"}},
		},
	}
}

// add records pub and returns it with its ID set.
func (f *fixture) add(pub *model.Publication) *model.Publication {
	f.t.Helper()
	if err := f.db.CreatePublication(pub); err != nil {
		f.t.Fatalf("CreatePublication() error = %v", err)
	}
	return pub
}

func (f *fixture) source(name, version, suite string) *model.Publication {
	f.t.Helper()
	return f.add(testutil.NewSourcePublication(f.t, f.lib, name, version, suite,
		testutil.File{Name: name + "_" + version + ".dsc", Content: "dsc of " + name + " " + version}))
}

// publish runs the whole pipeline and fails the test on any error.
func (f *fixture) publish(careful bool) *publisher.Report {
	f.t.Helper()
	report, err := f.pub.Publish(context.Background(), careful)
	if err != nil {
		f.t.Fatalf("Publish() error = %v", err)
	}
	if err := report.Err(); err != nil {
		f.t.Fatalf("Publish() report error = %v", err)
	}
	return report
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, filepath.FromSlash(rel))
}

func (f *fixture) read(rel string) []byte {
	f.t.Helper()
	data, err := os.ReadFile(f.path(rel))
	if err != nil {
		f.t.Fatalf("reading %s: %v", rel, err)
	}
	return data
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(f.path(rel))
	return err == nil
}

func (f *fixture) release(suite string) *control.Release {
	f.t.Helper()
	rel, err := control.ParseRelease(bytes.NewReader(f.read("dists/" + suite + "/Release")))
	if err != nil {
		f.t.Fatalf("ParseRelease() error = %v", err)
	}
	return rel
}

func entry(t *testing.T, rel *control.Release, path string) control.FileEntry {
	t.Helper()
	for _, e := range rel.Files {
		if e.Path == path {
			return e
		}
	}
	t.Fatalf("Release does not list %s", path)
	return control.FileEntry{}
}

func TestPublish_PPA(t *testing.T) {
	f := newFixture(t, ppaArchive(t.TempDir()), nil, nil)
	pub := f.add(testutil.NewSourcePublication(t, f.lib, "foo", "1", "focal",
		testutil.File{Name: "foo_1.dsc", Content: "Hello world"}))

	report := f.publish(false)

	if got := report.Count(publisher.Published); got != 1 {
		t.Errorf("published = %d, want 1", got)
	}
	if !slices.Equal(report.DirtySuites, []string{"focal"}) {
		t.Errorf("DirtySuites = %v, want [focal]", report.DirtySuites)
	}
	if got := string(f.read("pool/main/f/foo/foo_1.dsc")); got != "Hello world" {
		t.Errorf("pool file = %q, want Hello world", got)
	}

	rel := f.release("focal")
	if rel.Origin != "LP-PPA-alice" || rel.Label != "PPA for alice" {
		t.Errorf("Origin/Label = %q/%q", rel.Origin, rel.Label)
	}
	if rel.Suite != "focal" || rel.Codename != "focal" {
		t.Errorf("Suite/Codename = %q/%q", rel.Suite, rel.Codename)
	}

	sources := string(f.read("dists/focal/main/source/Sources"))
	for _, want := range []string{"Package: foo", "Directory: pool/main/f/foo", testutil.SHA256Hex([]byte("Hello world"))} {
		if !bytes.Contains([]byte(sources), []byte(want)) {
			t.Errorf("Sources missing %q:\n%s", want, sources)
		}
	}

	got, err := f.db.FindPublicationByID(pub.ID)
	if err != nil || got.Status != model.StatusPublished || !got.DatePublished.Valid {
		t.Errorf("publication = %+v, %v", got, err)
	}
}

func TestPublish_SecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t, ppaArchive(t.TempDir()), &testutil.RecordingSigner{}, nil)
	f.source("foo", "1", "focal")
	f.publish(false)
	first := f.read("dists/focal/Release")

	f.clock.Advance(time.Hour)
	report := f.publish(false)
	if len(report.DirtySuites) != 0 || len(report.ReleaseFilesWritten) != 0 {
		t.Errorf("second run dirty = %v, written = %v, want none", report.DirtySuites, report.ReleaseFilesWritten)
	}
	if !bytes.Equal(first, f.read("dists/focal/Release")) {
		t.Error("Release changed on a run with nothing to publish")
	}

	f.clock.Advance(time.Hour)
	f.publish(true)
	if !bytes.Equal(first, f.read("dists/focal/Release")) {
		t.Error("careful run changed Release although no publication changed")
	}
}

func TestPublish_PocketRules(t *testing.T) {
	tests := []struct {
		suite string
		want  publisher.OutcomeKind
	}{
		{"dev", publisher.Published},
		{"dev-proposed", publisher.Published},
		{"dev-updates", publisher.SkippedPocketViolation},
		{"dev-security", publisher.SkippedPocketViolation},
		{"focal", publisher.SkippedPocketViolation},
		{"focal-updates", publisher.Published},
		{"focal-security", publisher.Published},
		{"focal-backports", publisher.Published},
		{"old-updates", publisher.SkippedSeriesStatus},
		{"next", publisher.SkippedSeriesStatus},
	}
	for _, tt := range tests {
		t.Run(tt.suite, func(t *testing.T) {
			f := newFixture(t, primaryArchive(t.TempDir()), nil, nil)
			pub := f.source("foo", "1", tt.suite)

			report := f.publish(false)
			if len(report.Outcomes) != 1 {
				t.Fatalf("outcomes = %+v", report.Outcomes)
			}
			o := report.Outcomes[0]
			if o.Kind != tt.want {
				t.Fatalf("outcome = %v (%v), want %v", o.Kind, o.Err, tt.want)
			}

			got, _ := f.db.FindPublicationByID(pub.ID)
			if tt.want == publisher.Published {
				if got.Status != model.StatusPublished || !f.exists("dists/"+tt.suite+"/Release") {
					t.Errorf("status = %s, Release present = %v", got.Status, f.exists("dists/"+tt.suite+"/Release"))
				}
				return
			}
			if got.Status != model.StatusPending {
				t.Errorf("skipped publication status = %s, want pending", got.Status)
			}
			if f.exists("pool/main/f/foo/foo_1.dsc") {
				t.Error("skipped publication reached the pool")
			}
			if tt.want == publisher.SkippedPocketViolation && !errors.Is(o.Err, publisher.ErrPocketViolation) {
				t.Errorf("outcome error = %v, want ErrPocketViolation", o.Err)
			}
		})
	}

	t.Run("ppa release pocket of a current series", func(t *testing.T) {
		f := newFixture(t, ppaArchive(t.TempDir()), nil, nil)
		f.source("foo", "1", "focal")
		if got := f.publish(false).Count(publisher.Published); got != 1 {
			t.Errorf("published = %d, want 1", got)
		}
	})
}

func TestPublish_DisabledArchitecture(t *testing.T) {
	f := newFixture(t, primaryArchive(t.TempDir()), nil, nil)
	amd64 := f.add(testutil.NewBinaryPublication(t, f.lib, "foo", "foo-bin", "1", "amd64", "focal-updates",
		testutil.File{Name: "foo-bin_1_amd64.deb", Content: "amd64 deb"}))
	i386 := f.add(testutil.NewBinaryPublication(t, f.lib, "foo", "foo-bin", "1", "i386", "focal-updates",
		testutil.File{Name: "foo-bin_1_i386.deb", Content: "i386 deb"}))

	report := f.publish(false)

	kinds := map[int64]publisher.OutcomeKind{}
	for _, o := range report.Outcomes {
		kinds[o.PublicationID] = o.Kind
	}
	if kinds[amd64.ID] != publisher.Published || kinds[i386.ID] != publisher.SkippedDisabledArchitecture {
		t.Errorf("outcomes = %v", kinds)
	}

	rel := f.release("focal-updates")
	if !slices.Equal(rel.Architectures, []string{"amd64"}) {
		t.Errorf("Architectures = %v, want [amd64]", rel.Architectures)
	}
	if f.exists("dists/focal-updates/main/binary-i386") {
		t.Error("disabled architecture got an index directory")
	}
	packages := string(f.read("dists/focal-updates/main/binary-amd64/Packages"))
	if !bytes.Contains([]byte(packages), []byte("Filename: pool/main/f/foo/foo-bin_1_amd64.deb")) {
		t.Errorf("Packages = %q", packages)
	}
}

func TestPublish_AllowedSuites(t *testing.T) {
	archive := primaryArchive(t.TempDir())
	f := newFixture(t, archive, nil, nil, "focal-updates")
	f.source("foo", "1", "focal-updates")
	other := f.source("bar", "1", "focal-security")

	report := f.publish(false)
	if !slices.Equal(report.DirtySuites, []string{"focal-updates"}) {
		t.Errorf("DirtySuites = %v", report.DirtySuites)
	}
	got, _ := f.db.FindPublicationByID(other.ID)
	if got.Status != model.StatusPending {
		t.Errorf("publication outside the allowed suites is %s", got.Status)
	}

	if _, err := publisher.NewPublisher(archive, f.db, f.lib, nil, nil, publisher.NewNopLogger(), f.clock, []string{"hirsute"}); err == nil {
		t.Error("NewPublisher() accepted an unknown suite")
	}
}

func TestPublish_CarefulLeavesImmutableSuites(t *testing.T) {
	f := newFixture(t, primaryArchive(t.TempDir()), nil, nil)
	frozen := "Origin: Ubuntu\nSuite: focal\n"
	os.MkdirAll(f.path("dists/focal"), 0755)
	if err := os.WriteFile(f.path("dists/focal/Release"), []byte(frozen), 0644); err != nil {
		t.Fatal(err)
	}

	report := f.publish(true)

	if got := string(f.read("dists/focal/Release")); got != frozen {
		t.Errorf("immutable Release rewritten: %q", got)
	}
	if f.exists("dists/focal/main/source/Sources") {
		t.Error("careful run wrote indexes of an immutable suite")
	}
	if !slices.Contains(report.ReleaseFilesWritten, "focal-updates") {
		t.Errorf("ReleaseFilesWritten = %v, want focal-updates", report.ReleaseFilesWritten)
	}
	for _, s := range report.ReleaseFilesWritten {
		if s == "old" || s == "next" {
			t.Errorf("careful run wrote skipped series suite %s", s)
		}
	}
}

func TestPublish_PoolConflict(t *testing.T) {
	f := newFixture(t, ppaArchive(t.TempDir()), nil, nil)
	os.MkdirAll(f.path("pool/main/f/foo"), 0755)
	os.WriteFile(f.path("pool/main/f/foo/foo_1.dsc"), []byte("something else"), 0644)
	pub := f.source("foo", "1", "focal")

	report, err := f.pub.Publish(context.Background(), false)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if report.Count(publisher.Failed) != 1 || !errors.Is(report.Err(), publisher.ErrPoolConflict) {
		t.Errorf("report error = %v, want ErrPoolConflict", report.Err())
	}
	got, _ := f.db.FindPublicationByID(pub.ID)
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}
