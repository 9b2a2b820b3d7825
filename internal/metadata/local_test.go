package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalStoreReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLocalStore(LocalStoreConfig{RootDir: dir})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	seedBucket(t, store, "replay-bucket")
	seedObject(t, store, "replay-bucket", "keep.txt")
	seedObject(t, store, "replay-bucket", "drop.txt")
	if err := store.DeleteObject(ctx, "replay-bucket", "drop.txt"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := store.PutCredential(ctx, &CredentialRecord{
		AccessKeyID: "AKID", SecretKey: "sk", OwnerID: "owner",
		Active: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	store.Close()

	reopened, err := NewLocalStore(LocalStoreConfig{RootDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	exists, err := reopened.ObjectExists(ctx, "replay-bucket", "keep.txt")
	if err != nil {
		t.Fatalf("ObjectExists: %v", err)
	}
	if !exists {
		t.Error("keep.txt lost across replay")
	}
	exists, _ = reopened.ObjectExists(ctx, "replay-bucket", "drop.txt")
	if exists {
		t.Error("tombstoned drop.txt resurrected by replay")
	}
	cred, err := reopened.GetCredential(ctx, "AKID")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred == nil || cred.SecretKey != "sk" {
		t.Errorf("credential after replay = %+v", cred)
	}
}

func TestLocalStoreReplaySkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLocalStore(LocalStoreConfig{RootDir: dir})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	seedBucket(t, store, "torn-bucket")
	seedObject(t, store, "torn-bucket", "intact.txt")
	store.Close()

	// Simulate a torn write at the tail of the objects log.
	logPath := filepath.Join(dir, objectsLog)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	if _, err := f.WriteString(`{"type":"object","data":{"bucket":"torn-bu`); err != nil {
		t.Fatalf("appending torn line: %v", err)
	}
	f.Close()

	reopened, err := NewLocalStore(LocalStoreConfig{RootDir: dir})
	if err != nil {
		t.Fatalf("reopen with torn log: %v", err)
	}
	defer reopened.Close()

	exists, err := reopened.ObjectExists(ctx, "torn-bucket", "intact.txt")
	if err != nil {
		t.Fatalf("ObjectExists: %v", err)
	}
	if !exists {
		t.Error("intact record lost when skipping torn tail")
	}
}

func TestLocalStoreCompaction(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewLocalStore(LocalStoreConfig{RootDir: dir})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	seedBucket(t, store, "compact-bucket")
	// Churn the same key so the log accumulates superseded entries.
	for i := 0; i < 10; i++ {
		seedObject(t, store, "compact-bucket", "churn.txt")
	}
	seedObject(t, store, "compact-bucket", "other.txt")
	if err := store.DeleteObject(ctx, "compact-bucket", "other.txt"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	store.Close()

	before, err := os.Stat(filepath.Join(dir, objectsLog))
	if err != nil {
		t.Fatalf("stat before compaction: %v", err)
	}

	compacted, err := NewLocalStore(LocalStoreConfig{RootDir: dir, CompactOnStartup: true})
	if err != nil {
		t.Fatalf("reopen with compaction: %v", err)
	}
	defer compacted.Close()

	after, err := os.Stat(filepath.Join(dir, objectsLog))
	if err != nil {
		t.Fatalf("stat after compaction: %v", err)
	}
	if after.Size() >= before.Size() {
		t.Errorf("log size after compaction = %d, want < %d", after.Size(), before.Size())
	}

	exists, err := compacted.ObjectExists(ctx, "compact-bucket", "churn.txt")
	if err != nil {
		t.Fatalf("ObjectExists: %v", err)
	}
	if !exists {
		t.Error("live record lost in compaction")
	}
	exists, _ = compacted.ObjectExists(ctx, "compact-bucket", "other.txt")
	if exists {
		t.Error("deleted record resurrected by compaction")
	}
}
