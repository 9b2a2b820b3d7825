// Package storage is the byte plane: raw object and part data behind a
// pluggable Backend. Local disk is the reference implementation; memory and
// SQLite blobs serve embedded setups, and the AWS, GCS and Azure backends
// pass bytes through to real cloud object stores.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports a missing object or part. Callers map it to the S3
// NoSuchKey taxonomy; any other error surfaces as InternalError.
var ErrNotFound = errors.New("storage: object not found")

// ByteRange selects a slice of an object for reading. Length < 0 means
// "through the end of the object".
type ByteRange struct {
	Offset int64
	Length int64
}

// streamChunkSize is the read granularity for backends that materialise the
// whole object before serving it.
const streamChunkSize = 64 * 1024

// Backend reads and writes raw object bytes. Implementations must be safe
// for concurrent use. ETags are quoted lowercase hex MD5 digests of the
// bytes written; the composite multipart ETag is the caller's concern.
type Backend interface {
	// CreateBucket provisions the backing area for a bucket. Idempotent.
	CreateBucket(ctx context.Context, bucket string) error

	// DeleteBucket removes the backing area. Idempotent; never fails on a
	// bucket that still holds data it did not create.
	DeleteBucket(ctx context.Context, bucket string) error

	// PutObject streams the reader into the backend, hashing as it writes.
	// size is advisory (-1 when unknown). Returns bytes written and the ETag.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error)

	// GetObject opens the object, or the requested slice of it when rng is
	// non-nil. Returns the stream and its length. The caller closes the
	// stream. Missing objects return ErrNotFound.
	GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (io.ReadCloser, int64, error)

	// ObjectExists reports whether the object's bytes are present.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// DeleteObject removes the object's bytes. Deleting an absent object is
	// success.
	DeleteObject(ctx context.Context, bucket, key string) error

	// CopyObject duplicates an object's bytes and returns the new ETag.
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error)

	// PutPart stores one part of a multipart upload, keyed by upload ID and
	// part number. Re-upload of a number overwrites. Returns bytes written
	// and the part's ETag.
	PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (int64, string, error)

	// AssembleParts concatenates the named parts, in the given order, into
	// the final object and removes the part data. Returns the hex MD5 of the
	// concatenation (quoted) and the total size.
	AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error)

	// DeleteParts discards all part data of the upload. Idempotent.
	DeleteParts(ctx context.Context, bucket, key, uploadID string) error

	// Ping verifies the backend is reachable and writable enough to serve.
	Ping(ctx context.Context) error
}

// sliceRange clamps rng against total and returns the concrete offset and
// length to serve. A nil rng selects the whole object.
func sliceRange(rng *ByteRange, total int64) (offset, length int64) {
	if rng == nil {
		return 0, total
	}
	offset = rng.Offset
	if offset > total {
		offset = total
	}
	length = rng.Length
	if length < 0 || offset+length > total {
		length = total - offset
	}
	return offset, length
}
