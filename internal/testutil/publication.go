package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"debpub/internal/model"
	"debpub/internal/publisher"
)

// File is one artifact of a test publication.
type File struct {
	Name    string
	Content string
}

// NewSourcePublication stores the files in lib and returns a source
// publication of them in main, ready for CreatePublication.
func NewSourcePublication(t *testing.T, lib publisher.Librarian, name, version, suite string, files ...File) *model.Publication {
	t.Helper()
	series, pocket := splitSuite(t, suite)
	return &model.Publication{
		Kind:         model.KindSource,
		Name:         name,
		Version:      version,
		Component:    "main",
		Section:      "utils",
		Architecture: model.ArchitectureSource,
		Series:       series,
		Pocket:       pocket,
		Stanza:       fmt.Sprintf("Package: %s\nBinary: %s\nVersion: %s\nArchitecture: any\nFormat: 3.0 (native)", name, name, version),
		Files:        storeFiles(t, lib, files),
		DateCreated:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

// NewBinaryPublication stores a .deb in lib and returns a binary
// publication built from source for arch.
func NewBinaryPublication(t *testing.T, lib publisher.Librarian, source, binary, version, arch, suite string, deb File) *model.Publication {
	t.Helper()
	series, pocket := splitSuite(t, suite)
	return &model.Publication{
		Kind:         model.KindBinary,
		Name:         source,
		BinaryName:   binary,
		Version:      version,
		Component:    "main",
		Section:      "utils",
		Architecture: arch,
		Series:       series,
		Pocket:       pocket,
		Stanza:       fmt.Sprintf("Package: %s\nSource: %s\nVersion: %s\nArchitecture: %s", binary, source, version, arch),
		Description:  binary + " test package\nLonger description of " + binary + ".",
		Files:        storeFiles(t, lib, []File{deb}),
		DateCreated:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

func storeFiles(t *testing.T, lib publisher.Librarian, files []File) []model.PublicationFile {
	t.Helper()
	var out []model.PublicationFile
	for _, f := range files {
		sum := SHA256Hex([]byte(f.Content))
		if err := lib.PutContent(context.Background(), sum, strings.NewReader(f.Content), int64(len(f.Content))); err != nil {
			t.Fatalf("storing %s: %v", f.Name, err)
		}
		out = append(out, model.PublicationFile{Filename: f.Name, Size: int64(len(f.Content)), SHA256: sum})
	}
	return out
}

func splitSuite(t *testing.T, suite string) (string, model.Pocket) {
	t.Helper()
	for _, p := range slices.Backward(model.AllPockets) {
		if p == model.PocketRelease {
			continue
		}
		if series, ok := strings.CutSuffix(suite, p.Suffix()); ok {
			return series, p
		}
	}
	return suite, model.PocketRelease
}
