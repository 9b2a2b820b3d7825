package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLocalBackend(t *testing.T) (*LocalBackend, string) {
	t.Helper()
	root := t.TempDir()
	b, err := NewLocalBackend(root)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return b, root
}

func TestLocalObjectLayout(t *testing.T) {
	b, root := newLocalBackend(t)
	putObject(t, b, "photos", "2024/trip/beach.jpg", "pixels")

	path := filepath.Join(root, "photos", "2024", "trip", "beach.jpg")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("object not at expected path: %v", err)
	}
	if string(data) != "pixels" {
		t.Errorf("file contents = %q", data)
	}
}

func TestLocalSweepTempFiles(t *testing.T) {
	b, root := newLocalBackend(t)
	putObject(t, b, "photos", "keep.txt", "survivor")

	// Simulate writes interrupted mid-flight, at the bucket root and inside
	// a key subtree.
	strays := []string{
		filepath.Join(root, "photos", "keep.txt.tmp.deadbeef"),
		filepath.Join(root, "photos", "sub", "part.bin.tmp.cafe1234"),
	}
	for _, p := range strays {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("torn write"), 0o644); err != nil {
			t.Fatalf("writing stray: %v", err)
		}
	}

	if err := b.SweepTempFiles(); err != nil {
		t.Fatalf("SweepTempFiles: %v", err)
	}
	for _, p := range strays {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("stray %s survived the sweep", p)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "photos", "keep.txt")); err != nil {
		t.Errorf("real object removed by sweep: %v", err)
	}
}

func TestLocalNoTempFileLeftAfterWrite(t *testing.T) {
	b, root := newLocalBackend(t)
	putObject(t, b, "photos", "a.txt", "one")
	putObject(t, b, "photos", "b.txt", "two")

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.Contains(info.Name(), ".tmp.") {
			t.Errorf("leftover temp file: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking root: %v", err)
	}
}

func TestLocalPartsLayout(t *testing.T) {
	b, root := newLocalBackend(t)
	ctx := context.Background()

	if _, _, err := b.PutPart(ctx, "photos", "big", "upl-layout", 3, strings.NewReader("chunk"), 5); err != nil {
		t.Fatalf("PutPart: %v", err)
	}

	path := filepath.Join(root, ".parts", "upl-layout", "00003")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("part not at expected path: %v", err)
	}
	if string(data) != "chunk" {
		t.Errorf("part contents = %q", data)
	}
}

func TestLocalAssembleCleansPartDir(t *testing.T) {
	b, root := newLocalBackend(t)
	ctx := context.Background()

	for pn, piece := range map[int]string{1: "hello ", 2: "world"} {
		if _, _, err := b.PutPart(ctx, "photos", "big", "upl-clean", pn, strings.NewReader(piece), int64(len(piece))); err != nil {
			t.Fatalf("PutPart(%d): %v", pn, err)
		}
	}
	if _, _, err := b.AssembleParts(ctx, "photos", "big", "upl-clean", []int{1, 2}); err != nil {
		t.Fatalf("AssembleParts: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, ".parts", "upl-clean")); !os.IsNotExist(err) {
		t.Errorf("part directory survived assembly")
	}
}

func TestLocalDeleteCollapsesEmptyDirs(t *testing.T) {
	b, root := newLocalBackend(t)
	ctx := context.Background()

	putObject(t, b, "photos", "a/b/c/deep.txt", "x")
	putObject(t, b, "photos", "a/sibling.txt", "y")

	if err := b.DeleteObject(ctx, "photos", "a/b/c/deep.txt"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}

	// b/c and b are now empty and should be gone; a still holds sibling.txt.
	if _, err := os.Stat(filepath.Join(root, "photos", "a", "b")); !os.IsNotExist(err) {
		t.Errorf("empty key directory a/b survived")
	}
	if _, err := os.Stat(filepath.Join(root, "photos", "a", "sibling.txt")); err != nil {
		t.Errorf("sibling removed by collapse: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "photos")); err != nil {
		t.Errorf("bucket directory removed by collapse: %v", err)
	}
}

func TestLocalDeleteBucket(t *testing.T) {
	b, root := newLocalBackend(t)
	ctx := context.Background()

	if err := b.CreateBucket(ctx, "empty"); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if err := b.DeleteBucket(ctx, "empty"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "empty")); !os.IsNotExist(err) {
		t.Errorf("bucket directory survived delete")
	}

	// Deleting a bucket that never existed is fine.
	if err := b.DeleteBucket(ctx, "never"); err != nil {
		t.Errorf("DeleteBucket(absent) = %v", err)
	}
}

func TestLocalRangeReadReleasesFile(t *testing.T) {
	b, _ := newLocalBackend(t)
	ctx := context.Background()
	putObject(t, b, "photos", "k", "hello world")

	rc, _, err := b.GetObject(ctx, "photos", "k", &ByteRange{Offset: 6, Length: 5})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got := readAll(t, rc); got != "world" {
		t.Errorf("range body = %q", got)
	}
	// Close must be safe to call again through the wrapper's owner.
	if err := rc.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
}
