package logarchive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func writeLogDir(t *testing.T, root, name string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "runnerd.log")
	if err := os.WriteFile(path, []byte(`{"taskId":"`+name+`"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return dir
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	zr, err := zstd.NewReader(file)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	entries := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		entries[hdr.Name] = string(data)
	}
	return entries
}

func TestSweepArchivesAgedDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	writeLogDir(t, root, "task-old", old)
	freshDir := writeLogDir(t, root, "task-fresh", time.Now())

	a := NewArchiver(Config{Root: root, MaxAge: 24 * time.Hour})
	if err := a.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	archivePath := filepath.Join(root, "task-old"+archiveSuffix)
	entries := readArchive(t, archivePath)
	if got := entries["task-old/runnerd.log"]; got == "" {
		t.Errorf("archive entries = %v, want task-old/runnerd.log", entries)
	}
	if _, err := os.Stat(filepath.Join(root, "task-old")); !os.IsNotExist(err) {
		t.Errorf("aged directory survived, stat err = %v", err)
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Errorf("fresh directory touched: %v", err)
	}
	if _, err := os.Stat(freshDir + archiveSuffix); !os.IsNotExist(err) {
		t.Errorf("fresh directory archived, stat err = %v", err)
	}
}

func TestSweepMissingRoot(t *testing.T) {
	t.Parallel()

	a := NewArchiver(Config{Root: filepath.Join(t.TempDir(), "missing")})
	if err := a.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() on missing root error = %v", err)
	}
}

func TestSweepIgnoresPlainFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	archive := filepath.Join(root, "done"+archiveSuffix)
	if err := os.WriteFile(archive, []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}

	a := NewArchiver(Config{Root: root, MaxAge: time.Hour})
	if err := a.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if _, err := os.Stat(archive); err != nil {
		t.Errorf("existing archive touched: %v", err)
	}
}

func TestIsArchive(t *testing.T) {
	t.Parallel()

	if !IsArchive("task1.tar.zst") {
		t.Error("IsArchive(task1.tar.zst) = false")
	}
	if IsArchive("task1") {
		t.Error("IsArchive(task1) = true")
	}
}
