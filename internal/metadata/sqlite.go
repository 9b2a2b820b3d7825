package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver
)

// timeFormat is the ISO-8601 millisecond format used for every timestamp
// column.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore is the reference metadata engine: a single embedded database
// in WAL mode. Schema creation is idempotent and versioned through the
// schema_version table so future migrations have an anchor.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and ensures the
// schema exists.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing metadata schema: %w", err)
	}
	return s, nil
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS buckets (
	name          TEXT PRIMARY KEY,
	region        TEXT NOT NULL DEFAULT 'us-east-1',
	owner_id      TEXT NOT NULL,
	owner_display TEXT NOT NULL DEFAULT '',
	acl           TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS objects (
	bucket              TEXT NOT NULL,
	key                 TEXT NOT NULL,
	size                INTEGER NOT NULL,
	etag                TEXT NOT NULL,
	content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
	content_encoding    TEXT,
	content_language    TEXT,
	content_disposition TEXT,
	cache_control       TEXT,
	expires             TEXT,
	storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
	acl                 TEXT NOT NULL DEFAULT '{}',
	user_metadata       TEXT NOT NULL DEFAULT '{}',
	last_modified       TEXT NOT NULL,
	delete_marker       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket, key),
	FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);
CREATE INDEX IF NOT EXISTS idx_objects_bucket_key ON objects(bucket, key);

CREATE TABLE IF NOT EXISTS multipart_uploads (
	upload_id           TEXT PRIMARY KEY,
	bucket              TEXT NOT NULL,
	key                 TEXT NOT NULL,
	content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
	content_encoding    TEXT,
	content_language    TEXT,
	content_disposition TEXT,
	cache_control       TEXT,
	expires             TEXT,
	storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
	acl                 TEXT NOT NULL DEFAULT '{}',
	user_metadata       TEXT NOT NULL DEFAULT '{}',
	owner_id            TEXT NOT NULL,
	owner_display       TEXT NOT NULL DEFAULT '',
	initiated_at        TEXT NOT NULL,
	FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_uploads_bucket ON multipart_uploads(bucket);
CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key ON multipart_uploads(bucket, key);

CREATE TABLE IF NOT EXISTS multipart_parts (
	upload_id     TEXT NOT NULL,
	part_number   INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	etag          TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	PRIMARY KEY (upload_id, part_number),
	FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS credentials (
	access_key_id TEXT PRIMARY KEY,
	secret_key    TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL
);
`

func (s *SQLiteStore) migrate() error {
	for _, p := range sqlitePragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("applying %q: %w", p, err)
		}
	}
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		fmtTime(time.Now()),
	)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping runs a trivial query to confirm the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// ---- buckets ----

func (s *SQLiteStore) CreateBucket(ctx context.Context, b *BucketRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, region, owner_id, owner_display, acl, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.Name, b.Region, b.OwnerID, b.OwnerDisplay, jsonOrEmpty(b.ACL), fmtTime(b.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return ErrBucketExists
		}
		return fmt.Errorf("creating bucket %q: %w", b.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	var b BucketRecord
	var acl, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at FROM buckets WHERE name = ?`,
		name,
	).Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &acl, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	b.ACL = json.RawMessage(acl)
	b.CreatedAt = parseTime(created)
	return &b, nil
}

// DeleteBucket removes the bucket row after checking, inside one
// transaction, that no objects and no uploads remain.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&n); err != nil {
		return fmt.Errorf("checking bucket %q: %w", name, err)
	}
	if n == 0 {
		return ErrBucketNotFound
	}
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM objects WHERE bucket = ?)`, name).Scan(&n); err != nil {
		return fmt.Errorf("checking bucket objects %q: %w", name, err)
	}
	if n != 0 {
		return ErrBucketNotEmpty
	}
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM multipart_uploads WHERE bucket = ?)`, name).Scan(&n); err != nil {
		return fmt.Errorf("checking bucket uploads %q: %w", name, err)
	}
	if n != 0 {
		return ErrBucketNotEmpty
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE owner_id = ? ORDER BY name`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var out []BucketRecord
	for rows.Next() {
		var b BucketRecord
		var acl, created string
		if err := rows.Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &acl, &created); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		b.ACL = json.RawMessage(acl)
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BucketExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM buckets WHERE name = ?)`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	return n != 0, nil
}

func (s *SQLiteStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE buckets SET acl = ? WHERE name = ?`, string(acl), name)
	if err != nil {
		return fmt.Errorf("updating bucket ACL %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBucketNotFound
	}
	return nil
}

// ---- objects ----

const objectColumns = `bucket, key, size, etag, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, last_modified, delete_marker`

func (s *SQLiteStore) PutObject(ctx context.Context, o *ObjectRecord) error {
	userMeta, err := metaJSON(o.UserMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (`+objectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Bucket, o.Key, o.Size, o.ETag,
		defaultStr(o.ContentType, "application/octet-stream"),
		nullStr(o.ContentEncoding), nullStr(o.ContentLanguage), nullStr(o.ContentDisposition),
		nullStr(o.CacheControl), nullStr(o.Expires),
		defaultStr(o.StorageClass, "STANDARD"),
		jsonOrEmpty(o.ACL), userMeta, fmtTime(o.LastModified), boolInt(o.DeleteMarker),
	)
	if err != nil {
		return fmt.Errorf("putting object %q/%q: %w", o.Bucket, o.Key, err)
	}
	return nil
}

func (s *SQLiteStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	o, err := readObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q/%q: %w", bucket, key, err)
	}
	return o, nil
}

func (s *SQLiteStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLiteStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM objects WHERE bucket = ? AND key = ?)`, bucket, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking object %q/%q: %w", bucket, key, err)
	}
	return n != 0, nil
}

func (s *SQLiteStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET acl = ? WHERE bucket = ? AND key = ?`, string(acl), bucket, key)
	if err != nil {
		return fmt.Errorf("updating object ACL %q/%q: %w", bucket, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// ListObjects streams rows in key order and applies the delimiter collapse
// while scanning, so truncation is decided on emitted entries (Contents
// plus CommonPrefixes) rather than raw rows.
func (s *SQLiteStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	cursor := opts.Marker
	if opts.ContinuationToken != "" {
		cursor = opts.ContinuationToken
	} else if opts.StartAfter != "" && opts.StartAfter > cursor {
		cursor = opts.StartAfter
	}
	maxKeys := opts.MaxKeys
	if maxKeys < 0 || maxKeys > defaultMaxKeys {
		maxKeys = defaultMaxKeys
	}

	res := &ListObjectsResult{}
	if maxKeys == 0 {
		return res, nil
	}

	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
	args := []any{bucket}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLike(opts.Prefix))
	}
	if cursor != "" {
		query += ` AND key > ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	emitted := 0
	var last string

	for rows.Next() {
		o, err := readObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		// LIKE is ASCII case-insensitive in SQLite; the prefix contract is
		// byte-wise, so re-check what the pre-filter let through.
		if opts.Prefix != "" && !strings.HasPrefix(o.Key, opts.Prefix) {
			continue
		}
		if g := groupOf(o.Key, opts.Prefix, opts.Delimiter); g != "" {
			if g <= cursor || seen[g] {
				continue
			}
			if emitted == maxKeys {
				res.IsTruncated = true
				break
			}
			seen[g] = true
			res.CommonPrefixes = append(res.CommonPrefixes, g)
			emitted++
			last = g
			continue
		}
		if emitted == maxKeys {
			res.IsTruncated = true
			break
		}
		res.Objects = append(res.Objects, *o)
		emitted++
		last = o.Key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}

	if res.IsTruncated {
		res.NextMarker = last
		res.NextContinuationToken = last
	}
	return res, nil
}

// ---- multipart uploads ----

const uploadColumns = `upload_id, bucket, key, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, owner_id, owner_display, initiated_at`

func (s *SQLiteStore) CreateMultipartUpload(ctx context.Context, u *MultipartUploadRecord) error {
	userMeta, err := metaJSON(u.UserMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (`+uploadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UploadID, u.Bucket, u.Key,
		defaultStr(u.ContentType, "application/octet-stream"),
		nullStr(u.ContentEncoding), nullStr(u.ContentLanguage), nullStr(u.ContentDisposition),
		nullStr(u.CacheControl), nullStr(u.Expires),
		defaultStr(u.StorageClass, "STANDARD"),
		jsonOrEmpty(u.ACL), userMeta, u.OwnerID, u.OwnerDisplay, fmtTime(u.InitiatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating multipart upload %q: %w", u.UploadID, err)
	}
	return nil
}

func (s *SQLiteStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads
		 WHERE upload_id = ? AND bucket = ? AND key = ?`, uploadID, bucket, key)
	u, err := readUpload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload %q: %w", uploadID, err)
	}
	return u, nil
}

func (s *SQLiteStore) PutPart(ctx context.Context, p *PartRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO multipart_parts (upload_id, part_number, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		p.UploadID, p.PartNumber, p.Size, p.ETag, fmtTime(p.LastModified),
	)
	if err != nil {
		return fmt.Errorf("putting part %d of upload %q: %w", p.PartNumber, p.UploadID, err)
	}
	return nil
}

func (s *SQLiteStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := clampMaxKeys(opts.MaxParts)

	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified
		 FROM multipart_parts WHERE upload_id = ? AND part_number > ?
		 ORDER BY part_number LIMIT ?`,
		uploadID, opts.PartNumberMarker, maxParts+1)
	if err != nil {
		return nil, fmt.Errorf("listing parts of upload %q: %w", uploadID, err)
	}
	defer rows.Close()

	parts, err := readParts(rows)
	if err != nil {
		return nil, err
	}

	res := &ListPartsResult{Parts: parts}
	if len(parts) > maxParts {
		res.Parts = parts[:maxParts]
		res.IsTruncated = true
		res.NextPartNumberMarker = res.Parts[maxParts-1].PartNumber
	}
	return res, nil
}

func (s *SQLiteStore) PartsByNumber(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}
	ph := make([]string, len(partNumbers))
	args := make([]any, 0, len(partNumbers)+1)
	args = append(args, uploadID)
	for i, pn := range partNumbers {
		ph[i] = "?"
		args = append(args, pn)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified
		 FROM multipart_parts WHERE upload_id = ? AND part_number IN (`+strings.Join(ph, ", ")+`)
		 ORDER BY part_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("reading parts of upload %q: %w", uploadID, err)
	}
	defer rows.Close()
	return readParts(rows)
}

func (s *SQLiteStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, o *ObjectRecord) error {
	userMeta, err := metaJSON(o.UserMetadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (`+objectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Bucket, o.Key, o.Size, o.ETag,
		defaultStr(o.ContentType, "application/octet-stream"),
		nullStr(o.ContentEncoding), nullStr(o.ContentLanguage), nullStr(o.ContentDisposition),
		nullStr(o.CacheControl), nullStr(o.Expires),
		defaultStr(o.StorageClass, "STANDARD"),
		jsonOrEmpty(o.ACL), userMeta, fmtTime(o.LastModified), boolInt(o.DeleteMarker),
	)
	if err != nil {
		return fmt.Errorf("inserting completed object: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting part rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting upload row: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting part rows: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting upload row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUploadNotFound
	}
	return tx.Commit()
}

// ListMultipartUploads pulls the bucket's upload rows in (key, upload_id)
// order and funnels them through the shared pagination helper so delimiter
// collapse and marker semantics match the other engines.
func (s *SQLiteStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	query := `SELECT ` + uploadColumns + ` FROM multipart_uploads WHERE bucket = ?`
	args := []any{bucket}
	if opts.Prefix != "" {
		// Index-friendly pre-filter only; LIKE is ASCII case-insensitive,
		// so paginateUploads re-checks the prefix byte-wise.
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLike(opts.Prefix))
	}
	query += ` ORDER BY key, upload_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}
	defer rows.Close()

	var uploads []MultipartUploadRecord
	for rows.Next() {
		u, err := readUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		uploads = append(uploads, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}
	return paginateUploads(uploads, opts), nil
}

// ---- credentials ----

func (s *SQLiteStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	var c CredentialRecord
	var active int
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT access_key_id, secret_key, owner_id, display_name, active, created_at
		 FROM credentials WHERE access_key_id = ?`, accessKeyID,
	).Scan(&c.AccessKeyID, &c.SecretKey, &c.OwnerID, &c.DisplayName, &active, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", accessKeyID, err)
	}
	c.Active = active != 0
	c.CreatedAt = parseTime(created)
	return &c, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, c *CredentialRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials
		 (access_key_id, secret_key, owner_id, display_name, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.AccessKeyID, c.SecretKey, c.OwnerID, c.DisplayName, boolInt(c.Active), fmtTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("putting credential %q: %w", c.AccessKeyID, err)
	}
	return nil
}

// ---- reaper ----

// ReapExpiredUploads deletes uploads initiated before now-ttl along with
// their part rows, returning what was removed so the storage backend can be
// cleaned up afterwards.
func (s *SQLiteStore) ReapExpiredUploads(ctx context.Context, ttl time.Duration) ([]ExpiredUpload, error) {
	cutoff := fmtTime(time.Now().Add(-ttl))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT upload_id, bucket, key FROM multipart_uploads WHERE initiated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding expired uploads: %w", err)
	}
	var expired []ExpiredUpload
	for rows.Next() {
		var e ExpiredUpload
		if err := rows.Scan(&e.UploadID, &e.Bucket, &e.Key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired upload: %w", err)
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired uploads: %w", err)
	}

	for _, e := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, e.UploadID); err != nil {
			return nil, fmt.Errorf("deleting expired parts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, e.UploadID); err != nil {
			return nil, fmt.Errorf("deleting expired upload: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

// ---- scan helpers ----

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func readObject(r rowScanner) (*ObjectRecord, error) {
	var o ObjectRecord
	var enc, lang, disp, cache, expires sql.NullString
	var acl, userMeta, modified string
	var marker int
	err := r.Scan(
		&o.Bucket, &o.Key, &o.Size, &o.ETag, &o.ContentType,
		&enc, &lang, &disp, &cache, &expires,
		&o.StorageClass, &acl, &userMeta, &modified, &marker,
	)
	if err != nil {
		return nil, err
	}
	o.ContentEncoding = enc.String
	o.ContentLanguage = lang.String
	o.ContentDisposition = disp.String
	o.CacheControl = cache.String
	o.Expires = expires.String
	o.ACL = json.RawMessage(acl)
	o.LastModified = parseTime(modified)
	o.DeleteMarker = marker != 0
	o.UserMetadata = parseMetaJSON(userMeta)
	return &o, nil
}

func readUpload(r rowScanner) (*MultipartUploadRecord, error) {
	var u MultipartUploadRecord
	var enc, lang, disp, cache, expires sql.NullString
	var acl, userMeta, initiated string
	err := r.Scan(
		&u.UploadID, &u.Bucket, &u.Key, &u.ContentType,
		&enc, &lang, &disp, &cache, &expires,
		&u.StorageClass, &acl, &userMeta, &u.OwnerID, &u.OwnerDisplay, &initiated,
	)
	if err != nil {
		return nil, err
	}
	u.ContentEncoding = enc.String
	u.ContentLanguage = lang.String
	u.ContentDisposition = disp.String
	u.CacheControl = cache.String
	u.Expires = expires.String
	u.ACL = json.RawMessage(acl)
	u.InitiatedAt = parseTime(initiated)
	u.UserMetadata = parseMetaJSON(userMeta)
	return &u, nil
}

func readParts(rows *sql.Rows) ([]PartRecord, error) {
	var parts []PartRecord
	for rows.Next() {
		var p PartRecord
		var modified string
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &modified); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		p.LastModified = parseTime(modified)
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// ---- small converters ----

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonOrEmpty(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

func metaJSON(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling user metadata: %w", err)
	}
	return string(b), nil
}

func parseMetaJSON(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	m := make(map[string]string)
	json.Unmarshal([]byte(s), &m)
	return m
}

// escapeLike backslash-escapes LIKE wildcards; pair with ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
