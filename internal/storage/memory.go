package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// blob is one stored value with its precomputed ETag.
type blob struct {
	data []byte
	etag string
}

// MemoryBackendConfig tunes the in-memory backend. A zero MaxSizeBytes means
// unlimited. When SnapshotPath is set the contents are periodically written
// to a SQLite file and restored on startup.
type MemoryBackendConfig struct {
	MaxSizeBytes     int64
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// MemoryBackend keeps object and part bytes in maps. It suits tests and
// ephemeral deployments; with snapshots enabled it also survives restarts.
type MemoryBackend struct {
	cfg MemoryBackendConfig

	mu      sync.RWMutex
	objects map[string]map[string]blob // bucket → key → blob
	parts   map[string]map[int]blob    // uploadID → part number → blob
	used    int64

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewMemoryBackend(cfg MemoryBackendConfig) (*MemoryBackend, error) {
	b := &MemoryBackend{
		cfg:     cfg,
		objects: make(map[string]map[string]blob),
		parts:   make(map[string]map[int]blob),
		stop:    make(chan struct{}),
	}
	if cfg.SnapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("restoring snapshot: %w", err)
		}
		if cfg.SnapshotInterval > 0 {
			b.wg.Add(1)
			go b.snapshotLoop()
		}
	}
	return b, nil
}

// Close stops the snapshot loop and, when snapshots are enabled, writes a
// final one.
func (b *MemoryBackend) Close() error {
	close(b.stop)
	b.wg.Wait()
	if b.cfg.SnapshotPath != "" {
		if err := b.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func quotedMD5(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, sum[:])
}

// reserve enforces the memory cap for a pending size delta. Caller holds b.mu.
func (b *MemoryBackend) reserve(delta int64) error {
	if b.cfg.MaxSizeBytes > 0 && b.used+delta > b.cfg.MaxSizeBytes {
		return fmt.Errorf("memory backend full: used %d of %d bytes", b.used, b.cfg.MaxSizeBytes)
	}
	return nil
}

func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects[bucket] == nil {
		b.objects[bucket] = make(map[string]blob)
	}
	return nil
}

func (b *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obj := range b.objects[bucket] {
		b.used -= int64(len(obj.data))
	}
	delete(b.objects, bucket)
	return nil
}

func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := int64(len(data))
	if old, ok := b.objects[bucket][key]; ok {
		delta -= int64(len(old.data))
	}
	if err := b.reserve(delta); err != nil {
		return 0, "", err
	}
	if b.objects[bucket] == nil {
		b.objects[bucket] = make(map[string]blob)
	}
	b.objects[bucket][key] = blob{data: data, etag: quotedMD5(data)}
	b.used += delta
	return int64(len(data)), b.objects[bucket][key].etag, nil
}

func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	obj, ok := b.objects[bucket][key]
	b.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}

	offset, length := sliceRange(rng, int64(len(obj.data)))
	slice := make([]byte, length)
	copy(slice, obj.data[offset:offset+length])
	return io.NopCloser(bytes.NewReader(slice)), length, nil
}

func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[bucket][key]
	return ok, nil
}

func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[bucket][key]; ok {
		b.used -= int64(len(obj.data))
		delete(b.objects[bucket], key)
	}
	return nil
}

func (b *MemoryBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.objects[srcBucket][srcKey]
	if !ok {
		return "", ErrNotFound
	}
	data := make([]byte, len(src.data))
	copy(data, src.data)

	delta := int64(len(data))
	if old, ok := b.objects[dstBucket][dstKey]; ok {
		delta -= int64(len(old.data))
	}
	if err := b.reserve(delta); err != nil {
		return "", err
	}
	if b.objects[dstBucket] == nil {
		b.objects[dstBucket] = make(map[string]blob)
	}
	b.objects[dstBucket][dstKey] = blob{data: data, etag: src.etag}
	b.used += delta
	return src.etag, nil
}

func (b *MemoryBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading part data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := int64(len(data))
	if old, ok := b.parts[uploadID][partNumber]; ok {
		delta -= int64(len(old.data))
	}
	if err := b.reserve(delta); err != nil {
		return 0, "", err
	}
	if b.parts[uploadID] == nil {
		b.parts[uploadID] = make(map[int]blob)
	}
	etag := quotedMD5(data)
	b.parts[uploadID][partNumber] = blob{data: data, etag: etag}
	b.used += delta
	return int64(len(data)), etag, nil
}

func (b *MemoryBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recorded := b.parts[uploadID]
	var assembled []byte
	h := md5.New()
	for _, pn := range partNumbers {
		part, ok := recorded[pn]
		if !ok {
			return "", 0, fmt.Errorf("part %d of upload %s: %w", pn, uploadID, ErrNotFound)
		}
		assembled = append(assembled, part.data...)
		h.Write(part.data)
	}

	delta := int64(len(assembled))
	if old, ok := b.objects[bucket][key]; ok {
		delta -= int64(len(old.data))
	}
	delta -= b.dropPartsLocked(uploadID)
	if err := b.reserve(delta); err != nil {
		return "", 0, err
	}
	if b.objects[bucket] == nil {
		b.objects[bucket] = make(map[string]blob)
	}
	etag := quotedMD5(assembled)
	b.objects[bucket][key] = blob{data: assembled, etag: etag}
	b.used += delta
	return etag, int64(len(assembled)), nil
}

func (b *MemoryBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= b.dropPartsLocked(uploadID)
	return nil
}

// dropPartsLocked removes all parts of the upload and returns the bytes
// freed, without touching the usage counter. Caller holds b.mu.
func (b *MemoryBackend) dropPartsLocked(uploadID string) int64 {
	var freed int64
	for _, part := range b.parts[uploadID] {
		freed += int64(len(part.data))
	}
	delete(b.parts, uploadID)
	return freed
}

func (b *MemoryBackend) Ping(ctx context.Context) error { return nil }

// ---- snapshot persistence ----

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS object_data (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	data   BLOB NOT NULL,
	etag   TEXT NOT NULL,
	PRIMARY KEY (bucket, key)
);

CREATE TABLE IF NOT EXISTS part_data (
	upload_id   TEXT    NOT NULL,
	part_number INTEGER NOT NULL,
	data        BLOB    NOT NULL,
	etag        TEXT    NOT NULL,
	PRIMARY KEY (upload_id, part_number)
);
`

func (b *MemoryBackend) snapshotLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("memory backend snapshot failed", "path", b.cfg.SnapshotPath, "error", err)
			}
		}
	}
}

func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.cfg.SnapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()
	if _, err := db.Exec(snapshotSchema); err != nil {
		return fmt.Errorf("preparing snapshot schema: %w", err)
	}

	rows, err := db.Query("SELECT bucket, key, data, etag FROM object_data")
	if err != nil {
		return fmt.Errorf("reading object snapshot: %w", err)
	}
	for rows.Next() {
		var bucket, key, etag string
		var data []byte
		if err := rows.Scan(&bucket, &key, &data, &etag); err != nil {
			rows.Close()
			return fmt.Errorf("scanning object snapshot: %w", err)
		}
		if b.objects[bucket] == nil {
			b.objects[bucket] = make(map[string]blob)
		}
		b.objects[bucket][key] = blob{data: data, etag: etag}
		b.used += int64(len(data))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating object snapshot: %w", err)
	}
	rows.Close()

	rows, err = db.Query("SELECT upload_id, part_number, data, etag FROM part_data")
	if err != nil {
		return fmt.Errorf("reading part snapshot: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uploadID, etag string
		var partNumber int
		var data []byte
		if err := rows.Scan(&uploadID, &partNumber, &data, &etag); err != nil {
			return fmt.Errorf("scanning part snapshot: %w", err)
		}
		if b.parts[uploadID] == nil {
			b.parts[uploadID] = make(map[int]blob)
		}
		b.parts[uploadID][partNumber] = blob{data: data, etag: etag}
		b.used += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot dumps the current state into a fresh SQLite file and renames
// it over the configured path.
func (b *MemoryBackend) writeSnapshot() error {
	type objRow struct {
		bucket, key string
		blob        blob
	}
	type partRow struct {
		uploadID   string
		partNumber int
		blob       blob
	}

	b.mu.RLock()
	var objRows []objRow
	for bucket, keys := range b.objects {
		for key, v := range keys {
			objRows = append(objRows, objRow{bucket, key, v})
		}
	}
	var partRows []partRow
	for uploadID, numbers := range b.parts {
		for pn, v := range numbers {
			partRows = append(partRows, partRow{uploadID, pn, v})
		}
	}
	b.mu.RUnlock()

	sort.Slice(objRows, func(i, j int) bool {
		if objRows[i].bucket != objRows[j].bucket {
			return objRows[i].bucket < objRows[j].bucket
		}
		return objRows[i].key < objRows[j].key
	})
	sort.Slice(partRows, func(i, j int) bool {
		if partRows[i].uploadID != partRows[j].uploadID {
			return partRows[i].uploadID < partRows[j].uploadID
		}
		return partRows[i].partNumber < partRows[j].partNumber
	})

	if err := os.MkdirAll(filepath.Dir(b.cfg.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := b.cfg.SnapshotPath + ".tmp"
	os.Remove(tmp)

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot database: %w", err)
	}
	fail := func(err error) error {
		db.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		return fail(fmt.Errorf("creating snapshot schema: %w", err))
	}

	tx, err := db.Begin()
	if err != nil {
		return fail(fmt.Errorf("beginning snapshot transaction: %w", err))
	}
	for _, r := range objRows {
		if _, err := tx.Exec(
			"INSERT INTO object_data (bucket, key, data, etag) VALUES (?, ?, ?, ?)",
			r.bucket, r.key, r.blob.data, r.blob.etag); err != nil {
			tx.Rollback()
			return fail(fmt.Errorf("writing object snapshot row: %w", err))
		}
	}
	for _, r := range partRows {
		if _, err := tx.Exec(
			"INSERT INTO part_data (upload_id, part_number, data, etag) VALUES (?, ?, ?, ?)",
			r.uploadID, r.partNumber, r.blob.data, r.blob.etag); err != nil {
			tx.Rollback()
			return fail(fmt.Errorf("writing part snapshot row: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("committing snapshot: %w", err))
	}
	if err := db.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing snapshot database: %w", err)
	}

	if err := os.Rename(tmp, b.cfg.SnapshotPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	os.Remove(tmp + "-wal")
	os.Remove(tmp + "-shm")
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
