// Package metadata is the relation plane: transactional records for buckets,
// objects, multipart uploads, parts and credentials, with paginated listing.
// Engines implement Store; the SQLite engine is the reference behaviour the
// others follow.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by every engine. Callers match with errors.Is.
var (
	ErrBucketNotFound = errors.New("metadata: bucket not found")
	ErrBucketExists   = errors.New("metadata: bucket already exists")
	ErrBucketNotEmpty = errors.New("metadata: bucket not empty")
	ErrObjectNotFound = errors.New("metadata: object not found")
	ErrUploadNotFound = errors.New("metadata: multipart upload not found")
)

// BucketRecord is one bucket row.
type BucketRecord struct {
	Name         string
	Region       string
	OwnerID      string
	OwnerDisplay string
	ACL          json.RawMessage
	CreatedAt    time.Time
}

// ObjectRecord is one object row. PUT semantics are upsert on (Bucket, Key).
type ObjectRecord struct {
	Bucket             string
	Key                string
	Size               int64
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	LastModified       time.Time
	DeleteMarker       bool
}

// MultipartUploadRecord is one in-progress upload. It carries the headers
// that will be applied to the final object at completion.
type MultipartUploadRecord struct {
	UploadID           string
	Bucket             string
	Key                string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	OwnerID            string
	OwnerDisplay       string
	InitiatedAt        time.Time
}

// PartRecord is one uploaded part; re-upload of the same number is upsert.
type PartRecord struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// CredentialRecord is one SigV4 credential pair.
type CredentialRecord struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// ListObjectsOptions carries the listing inputs shared by v1 and v2.
type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	Marker            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListObjectsResult is one page of a listing.
type ListObjectsResult struct {
	Objects               []ObjectRecord
	CommonPrefixes        []string
	IsTruncated           bool
	NextMarker            string
	NextContinuationToken string
}

// ListUploadsOptions paginates in-progress uploads by (key, uploadID).
type ListUploadsOptions struct {
	KeyMarker      string
	UploadIDMarker string
	Prefix         string
	Delimiter      string
	MaxUploads     int
}

// ListUploadsResult is one page of in-progress uploads.
type ListUploadsResult struct {
	Uploads            []MultipartUploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListPartsOptions paginates parts by part number.
type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

// ListPartsResult is one page of parts.
type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// Store is the metadata engine contract. Get* methods return (nil, nil) for
// a missing record; mutations use the package sentinel errors. All
// implementations must be safe for concurrent use, and multi-row changes
// must be atomic.
type Store interface {
	io.Closer

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	CreateBucket(ctx context.Context, bucket *BucketRecord) error
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	// DeleteBucket removes an empty bucket; ErrBucketNotEmpty if it still
	// holds objects or in-progress uploads, checked in the same transaction.
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error

	PutObject(ctx context.Context, obj *ObjectRecord) error
	GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error)
	// DeleteObject is idempotent: deleting an absent key is success.
	DeleteObject(ctx context.Context, bucket, key string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error
	ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)

	CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) error
	GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error)
	PutPart(ctx context.Context, part *PartRecord) error
	ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error)
	// PartsByNumber returns the recorded parts for the requested numbers in
	// ascending order; a missing number is simply absent from the result.
	PartsByNumber(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error)
	// CompleteMultipartUpload atomically upserts the final object row and
	// removes the upload row and all its part rows.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error)

	GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error)
	PutCredential(ctx context.Context, cred *CredentialRecord) error
}

// ExpiredUpload identifies a reaped upload so the caller can delete its
// part bytes from storage.
type ExpiredUpload struct {
	UploadID string
	Bucket   string
	Key      string
}

// Reaper is implemented by engines that can expire abandoned multipart
// uploads. ReapExpiredUploads deletes uploads older than ttl together with
// their part rows and reports what it removed.
type Reaper interface {
	ReapExpiredUploads(ctx context.Context, ttl time.Duration) ([]ExpiredUpload, error)
}
