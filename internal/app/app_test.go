package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"debpub/internal/config"
	"debpub/internal/model"
	"debpub/internal/publisher"
	"debpub/internal/testutil"
)

type appEnv struct {
	cfg     *config.Config
	clock   *testutil.StubClock
	ids     *testutil.StubIDGenerator
	metrics *Metrics
}

func newAppEnv(t *testing.T) *appEnv {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig(base)
	archive := config.NewArchiveConfig(base, "ubuntu")
	archive.Series = []config.SeriesConfig{
		{Name: "jammy", Status: "development", Architectures: []string{"amd64"}, PublishByHash: true},
	}
	cfg.Archives = []config.ArchiveConfig{archive}

	if err := MigrateDatabase(cfg, "ubuntu"); err != nil {
		t.Fatalf("MigrateDatabase() error = %v", err)
	}
	return &appEnv{cfg: cfg, clock: testutil.FixedClock(), ids: testutil.NewStubIDGenerator(), metrics: NewMetrics()}
}

func (e *appEnv) open(t *testing.T, operation string) *DebpubApp {
	t.Helper()
	a, err := NewDebpubApp(context.Background(), e.cfg, "ubuntu", operation, Options{
		Clock:   e.clock,
		IDs:     e.ids,
		Metrics: e.metrics,
	})
	if err != nil {
		t.Fatalf("NewDebpubApp() error = %v", err)
	}
	return a
}

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDebpubApp_UploadPublishDelete(t *testing.T) {
	env := newAppEnv(t)
	ctx := context.Background()

	a := env.open(t, "Upload")
	pub, err := a.Upload(ctx, Upload{
		Kind:      model.KindSource,
		Name:      "foo",
		Version:   "1.0",
		Component: "main",
		Section:   "utils",
		Suite:     "jammy",
		Stanza:    "Package: foo\nBinary: foo\nVersion: 1.0\nArchitecture: any\nFormat: 3.0 (native)",
		Files:     []string{writeLocal(t, "foo_1.0.dsc", "dsc"), writeLocal(t, "foo_1.0.tar.xz", "tarball")},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if pub.Status != model.StatusPending || len(pub.Files) != 2 {
		t.Errorf("publication = %+v", pub)
	}
	if pub.Files[0].SHA256 != testutil.SHA256Hex([]byte("dsc")) {
		t.Errorf("file checksum = %s", pub.Files[0].SHA256)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	a = env.open(t, "Publish")
	report, err := a.Publish(ctx, false)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := report.Err(); err != nil {
		t.Fatalf("report.Err() = %v", err)
	}
	if report.Count(publisher.Published) != 1 {
		t.Errorf("published %d, want 1", report.Count(publisher.Published))
	}
	root := a.Archive().Root
	for _, rel := range []string{"pool/main/f/foo/foo_1.0.dsc", "pool/main/f/foo/foo_1.0.tar.xz", "dists/jammy/Release"} {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			t.Errorf("%s missing: %v", rel, err)
		}
	}
	a.Close()

	a = env.open(t, "Delete")
	if err := a.Delete(pub.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := a.Delete(999); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Delete(999) error = %v, want not found", err)
	}
	a.Close()

	a = env.open(t, "Publish")
	if _, err := a.Publish(ctx, false); err != nil {
		t.Fatalf("Publish() after delete error = %v", err)
	}
	a.Close()

	env.clock.AdvancePast(model.DefaultStayOfExecution)
	a = env.open(t, "Prune")
	removed, _, err := a.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune() removed %d publications, want 1", removed)
	}
	a.Close()
	if _, err := os.Stat(filepath.Join(root, "pool/main/f/foo/foo_1.0.dsc")); !os.IsNotExist(err) {
		t.Error("pool file should be removed after the stay of execution")
	}

	a = env.open(t, "History")
	defer a.Close()
	runs, err := a.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	var ops []string
	for _, r := range runs {
		ops = append(ops, r.Operation+":"+r.Status)
	}
	want := "Prune:success Publish:success Delete:success Publish:success Upload:success"
	if got := strings.Join(ops, " "); got != want {
		t.Errorf("History() = %s, want %s", got, want)
	}
}

func TestDebpubApp_UploadRejects(t *testing.T) {
	env := newAppEnv(t)
	a := env.open(t, "Upload")
	defer a.Close()

	deb := writeLocal(t, "foo_1.0_amd64.deb", "deb")
	valid := func() Upload {
		return Upload{
			Kind:         model.KindBinary,
			Name:         "foo",
			BinaryName:   "foo",
			Version:      "1.0",
			Component:    "main",
			Architecture: "amd64",
			Suite:        "jammy",
			Files:        []string{deb},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Upload)
		wantErr string
	}{
		{"unknown kind", func(u *Upload) { u.Kind = "udeb" }, "unknown publication kind"},
		{"binary without name", func(u *Upload) { u.BinaryName = "" }, "binary package name"},
		{"binary with source arch", func(u *Upload) { u.Architecture = model.ArchitectureSource }, "invalid binary architecture"},
		{"unknown component", func(u *Upload) { u.Component = "restricted" }, "unknown component"},
		{"unknown suite", func(u *Upload) { u.Suite = "focal" }, "unknown suite"},
		{"no files", func(u *Upload) { u.Files = nil }, "no files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid()
			tt.mutate(&u)
			_, err := a.Upload(context.Background(), u)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Upload() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDebpubApp_InstallCustomUpload(t *testing.T) {
	env := newAppEnv(t)
	a := env.open(t, "InstallCustomUpload")
	defer a.Close()

	if _, err := a.InstallCustomUpload(publisher.CustomUpload{
		Suite: "jammy", Component: "main", Kind: "installer", Arch: "amd64", Version: "1",
	}, filepath.Join(t.TempDir(), "missing.tar.gz")); err == nil {
		t.Error("InstallCustomUpload() expected error for missing tarball")
	}
	if a.run.Persisted() {
		t.Error("a run that never started work should not be persisted")
	}
}

func TestNewDebpubApp_Errors(t *testing.T) {
	t.Run("unknown archive", func(t *testing.T) {
		env := newAppEnv(t)
		if _, err := NewDebpubApp(context.Background(), env.cfg, "debian", "Publish", Options{}); err == nil {
			t.Error("NewDebpubApp() expected error for unknown archive")
		}
	})

	t.Run("unmigrated database", func(t *testing.T) {
		base := t.TempDir()
		cfg := config.NewConfig(base)
		cfg.Archives = []config.ArchiveConfig{config.NewArchiveConfig(base, "ubuntu")}
		cfg.Archives[0].Series = []config.SeriesConfig{{Name: "jammy", Status: "development", Architectures: []string{"amd64"}}}
		os.MkdirAll(cfg.Database.DataDir, 0755)

		_, err := NewDebpubApp(context.Background(), cfg, "ubuntu", "Publish", Options{})
		if err == nil || !strings.Contains(err.Error(), "db migrate") {
			t.Errorf("NewDebpubApp() error = %v, want schema error", err)
		}
	})

	t.Run("bad allowed suite", func(t *testing.T) {
		env := newAppEnv(t)
		_, err := NewDebpubApp(context.Background(), env.cfg, "ubuntu", "Publish", Options{AllowedSuites: []string{"focal"}})
		if err == nil {
			t.Error("NewDebpubApp() expected error for unknown allowed suite")
		}
	})
}
