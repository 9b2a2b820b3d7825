package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps object and part bytes as BLOB rows. Reads materialise
// the whole blob, so it suits small-to-medium objects in embedded setups.
type SQLiteBackend struct {
	db *sql.DB
}

const blobSchema = `
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

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening blob database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(blobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating blob schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	var n int
	return b.db.QueryRowContext(ctx, "SELECT 1").Scan(&n)
}

// Bucket layout lives in the (bucket, key) composite keys; nothing to
// provision or tear down.
func (b *SQLiteBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *SQLiteBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *SQLiteBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	etag := quotedMD5(data)
	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO object_data (bucket, key, data, etag) VALUES (?, ?, ?, ?)",
		bucket, key, data, etag)
	if err != nil {
		return 0, "", fmt.Errorf("storing object %s/%s: %w", bucket, key, err)
	}
	return int64(len(data)), etag, nil
}

func (b *SQLiteBackend) GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		"SELECT data FROM object_data WHERE bucket = ? AND key = ?",
		bucket, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading object %s/%s: %w", bucket, key, err)
	}

	offset, length := sliceRange(rng, int64(len(data)))
	return io.NopCloser(bytes.NewReader(data[offset : offset+length])), length, nil
}

func (b *SQLiteBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		"SELECT 1 FROM object_data WHERE bucket = ? AND key = ?",
		bucket, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (b *SQLiteBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM object_data WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *SQLiteBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	var data []byte
	var etag string
	err := b.db.QueryRowContext(ctx,
		"SELECT data, etag FROM object_data WHERE bucket = ? AND key = ?",
		srcBucket, srcKey).Scan(&data, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading copy source %s/%s: %w", srcBucket, srcKey, err)
	}
	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO object_data (bucket, key, data, etag) VALUES (?, ?, ?, ?)",
		dstBucket, dstKey, data, etag)
	if err != nil {
		return "", fmt.Errorf("writing copy destination %s/%s: %w", dstBucket, dstKey, err)
	}
	return etag, nil
}

func (b *SQLiteBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading part data: %w", err)
	}
	etag := quotedMD5(data)
	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO part_data (upload_id, part_number, data, etag) VALUES (?, ?, ?, ?)",
		uploadID, partNumber, data, etag)
	if err != nil {
		return 0, "", fmt.Errorf("storing part %d of upload %s: %w", partNumber, uploadID, err)
	}
	return int64(len(data)), etag, nil
}

func (b *SQLiteBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("beginning assembly: %w", err)
	}
	defer tx.Rollback()

	var assembled bytes.Buffer
	h := md5.New()
	for _, pn := range partNumbers {
		var data []byte
		err := tx.QueryRowContext(ctx,
			"SELECT data FROM part_data WHERE upload_id = ? AND part_number = ?",
			uploadID, pn).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, fmt.Errorf("part %d of upload %s: %w", pn, uploadID, ErrNotFound)
		}
		if err != nil {
			return "", 0, fmt.Errorf("reading part %d of upload %s: %w", pn, uploadID, err)
		}
		assembled.Write(data)
		h.Write(data)
	}

	etag := fmt.Sprintf(`"%x"`, h.Sum(nil))
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO object_data (bucket, key, data, etag) VALUES (?, ?, ?, ?)",
		bucket, key, assembled.Bytes(), etag); err != nil {
		return "", 0, fmt.Errorf("storing assembled object %s/%s: %w", bucket, key, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM part_data WHERE upload_id = ?", uploadID); err != nil {
		return "", 0, fmt.Errorf("discarding parts of upload %s: %w", uploadID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("committing assembly: %w", err)
	}
	return etag, int64(assembled.Len()), nil
}

func (b *SQLiteBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM part_data WHERE upload_id = ?", uploadID)
	if err != nil {
		return fmt.Errorf("deleting parts of upload %s: %w", uploadID, err)
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
