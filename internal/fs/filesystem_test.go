package fs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomic(t *testing.T) {
	t.Run("creates parents and writes content", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a", "b", "file")

		n, err := WriteAtomic(path, strings.NewReader("hello"))
		if err != nil {
			t.Fatalf("WriteAtomic() error = %v", err)
		}
		if n != 5 {
			t.Errorf("written = %d, want 5", n)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "hello" {
			t.Errorf("content = %q, want hello", data)
		}
		info, _ := os.Stat(path)
		if info.Mode().Perm() != 0644 {
			t.Errorf("mode = %v, want 0644", info.Mode().Perm())
		}
	})

	t.Run("replaces existing file and leaves no temp files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "file")
		os.WriteFile(path, []byte("old"), 0644)

		if _, err := WriteAtomic(path, strings.NewReader("new")); err != nil {
			t.Fatalf("WriteAtomic() error = %v", err)
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 1 {
			t.Errorf("directory has %d entries, want 1", len(entries))
		}
	})
}

func TestLinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	os.WriteFile(src, []byte("content"), 0644)

	dst := filepath.Join(dir, "by-hash", "SHA256", "abc")
	if err := LinkOrCopy(src, dst); err != nil {
		t.Fatalf("LinkOrCopy() error = %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "content" {
		t.Errorf("dst = %q, %v", data, err)
	}

	// Existing destination is left alone.
	if err := LinkOrCopy(src, dst); err != nil {
		t.Errorf("second LinkOrCopy() error = %v", err)
	}
}

func TestRemoveEmptyParents(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "pool", "main", "f", "foo")
	os.MkdirAll(deep, 0755)
	os.WriteFile(filepath.Join(root, "pool", "main", "keep"), nil, 0644)

	if err := RemoveEmptyParents(deep, root); err != nil {
		t.Fatalf("RemoveEmptyParents() error = %v", err)
	}
	if Exists(filepath.Join(root, "pool", "main", "f")) {
		t.Error("empty directories should have been removed")
	}
	if !Exists(filepath.Join(root, "pool", "main")) {
		t.Error("non-empty directory should remain")
	}
}

func TestFindFiles(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"b/Packages", "a/Sources", "a/.tmp-99", "SHA256SUMS"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		os.MkdirAll(filepath.Dir(full), 0755)
		os.WriteFile(full, []byte(p), 0644)
	}

	got, err := FindFiles(root, NewIgnoreMatcher([]string{"SHA256SUMS"}))
	if err != nil {
		t.Fatalf("FindFiles() error = %v", err)
	}
	want := []string{"a/Sources", "b/Packages"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("FindFiles() = %v, want %v", got, want)
	}

	missing, err := FindFiles(filepath.Join(root, "nope"), nil)
	if err != nil || len(missing) != 0 {
		t.Errorf("FindFiles(missing) = %v, %v; want empty", missing, err)
	}
}
