package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStoreConfig selects the Firestore project and the collection
// records are kept under.
type FirestoreStoreConfig struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
}

// FirestoreStore keeps every record as a document in one collection. Object
// keys are base64url-encoded inside document IDs because Firestore forbids
// slashes there; part documents live in a "parts" subcollection of their
// upload. Document IDs:
//
//	bucket_<name>
//	object_<bucket>_<base64url(key)>
//	upload_<uploadID>            with parts/part_<%05d>
//	cred_<accessKeyID>
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(ctx context.Context, cfg FirestoreStoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: creating client: %w", err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "bleepstore"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.col().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// ---- document IDs ----

func fsKeyEncode(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func fsBucketDoc(name string) string        { return "bucket_" + name }
func fsObjectDoc(bucket, key string) string { return "object_" + bucket + "_" + fsKeyEncode(key) }
func fsUploadDoc(uploadID string) string    { return "upload_" + uploadID }
func fsPartDoc(partNumber int) string       { return fmt.Sprintf("part_%05d", partNumber) }
func fsCredDoc(accessKeyID string) string   { return "cred_" + accessKeyID }

// ---- field helpers ----

type fsDoc = map[string]interface{}

func docStr(d fsDoc, key string) string {
	v, _ := d[key].(string)
	return v
}

func docInt(d fsDoc, key string) int64 {
	switch n := d[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func docBool(d fsDoc, key string) bool {
	v, _ := d[key].(bool)
	return v
}

func docTime(d fsDoc, key string) time.Time {
	t, _ := time.Parse(timeFormat, docStr(d, key))
	return t
}

func docSetIfNonEmpty(d fsDoc, key, v string) {
	if v != "" {
		d[key] = v
	}
}

func notFound(err error) bool { return status.Code(err) == codes.NotFound }

// ---- buckets ----

func (s *FirestoreStore) CreateBucket(ctx context.Context, b *BucketRecord) error {
	ref := s.col().Doc(fsBucketDoc(b.Name))
	_, err := ref.Create(ctx, fsDoc{
		"type":          "bucket",
		"name":          b.Name,
		"region":        b.Region,
		"owner_id":      b.OwnerID,
		"owner_display": b.OwnerDisplay,
		"acl":           jsonOrEmpty(b.ACL),
		"created_at":    fmtTime(b.CreatedAt),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrBucketExists
		}
		return fmt.Errorf("firestore: creating bucket: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	doc, err := s.col().Doc(fsBucketDoc(name)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore: getting bucket: %w", err)
	}
	return bucketFromDoc(doc.Data()), nil
}

func (s *FirestoreStore) DeleteBucket(ctx context.Context, name string) error {
	exists, err := s.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}

	objIter := s.col().
		Where("type", "==", "object").
		Where("bucket", "==", name).
		Limit(1).Documents(ctx)
	if _, err := objIter.Next(); err != iterator.Done {
		if err != nil {
			return fmt.Errorf("firestore: checking bucket objects: %w", err)
		}
		return ErrBucketNotEmpty
	}
	upIter := s.col().
		Where("type", "==", "upload").
		Where("bucket", "==", name).
		Limit(1).Documents(ctx)
	if _, err := upIter.Next(); err != iterator.Done {
		if err != nil {
			return fmt.Errorf("firestore: checking bucket uploads: %w", err)
		}
		return ErrBucketNotEmpty
	}

	if _, err := s.col().Doc(fsBucketDoc(name)).Delete(ctx); err != nil {
		return fmt.Errorf("firestore: deleting bucket: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	q := s.col().Where("type", "==", "bucket")
	if owner != "" {
		q = q.Where("owner_id", "==", owner)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore: listing buckets: %w", err)
	}
	var out []BucketRecord
	for _, doc := range docs {
		out = append(out, *bucketFromDoc(doc.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FirestoreStore) BucketExists(ctx context.Context, name string) (bool, error) {
	doc, err := s.col().Doc(fsBucketDoc(name)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("firestore: checking bucket: %w", err)
	}
	return doc.Exists(), nil
}

func (s *FirestoreStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	_, err := s.col().Doc(fsBucketDoc(name)).Update(ctx, []firestore.Update{
		{Path: "acl", Value: string(acl)},
	})
	if err != nil {
		if notFound(err) {
			return ErrBucketNotFound
		}
		return fmt.Errorf("firestore: updating bucket acl: %w", err)
	}
	return nil
}

// ---- objects ----

func (s *FirestoreStore) PutObject(ctx context.Context, o *ObjectRecord) error {
	userMeta, err := metaJSON(o.UserMetadata)
	if err != nil {
		return err
	}
	d := fsDoc{
		"type":          "object",
		"bucket":        o.Bucket,
		"key":           o.Key,
		"size":          o.Size,
		"etag":          o.ETag,
		"content_type":  defaultStr(o.ContentType, "application/octet-stream"),
		"storage_class": defaultStr(o.StorageClass, "STANDARD"),
		"acl":           jsonOrEmpty(o.ACL),
		"user_metadata": userMeta,
		"last_modified": fmtTime(o.LastModified),
	}
	docSetIfNonEmpty(d, "content_encoding", o.ContentEncoding)
	docSetIfNonEmpty(d, "content_language", o.ContentLanguage)
	docSetIfNonEmpty(d, "content_disposition", o.ContentDisposition)
	docSetIfNonEmpty(d, "cache_control", o.CacheControl)
	docSetIfNonEmpty(d, "expires", o.Expires)

	if _, err := s.col().Doc(fsObjectDoc(o.Bucket, o.Key)).Set(ctx, d); err != nil {
		return fmt.Errorf("firestore: putting object: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	doc, err := s.col().Doc(fsObjectDoc(bucket, key)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore: getting object: %w", err)
	}
	return objectFromDoc(doc.Data()), nil
}

func (s *FirestoreStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := s.col().Doc(fsObjectDoc(bucket, key)).Delete(ctx); err != nil {
		return fmt.Errorf("firestore: deleting object: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	doc, err := s.col().Doc(fsObjectDoc(bucket, key)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("firestore: checking object: %w", err)
	}
	return doc.Exists(), nil
}

func (s *FirestoreStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	_, err := s.col().Doc(fsObjectDoc(bucket, key)).Update(ctx, []firestore.Update{
		{Path: "acl", Value: string(acl)},
	})
	if err != nil {
		if notFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("firestore: updating object acl: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	q := s.col().
		Where("type", "==", "object").
		Where("bucket", "==", bucket)
	if opts.Prefix != "" {
		q = q.Where("key", ">=", opts.Prefix).Where("key", "<", opts.Prefix+"\uf8ff")
	}
	q = q.OrderBy("key", firestore.Asc)

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore: listing objects: %w", err)
	}
	objects := make([]ObjectRecord, 0, len(docs))
	for _, doc := range docs {
		objects = append(objects, *objectFromDoc(doc.Data()))
	}
	return paginateObjects(objects, opts), nil
}

// ---- multipart uploads ----

func (s *FirestoreStore) CreateMultipartUpload(ctx context.Context, u *MultipartUploadRecord) error {
	userMeta, err := metaJSON(u.UserMetadata)
	if err != nil {
		return err
	}
	d := fsDoc{
		"type":          "upload",
		"upload_id":     u.UploadID,
		"bucket":        u.Bucket,
		"key":           u.Key,
		"content_type":  defaultStr(u.ContentType, "application/octet-stream"),
		"storage_class": defaultStr(u.StorageClass, "STANDARD"),
		"acl":           jsonOrEmpty(u.ACL),
		"user_metadata": userMeta,
		"owner_id":      u.OwnerID,
		"owner_display": u.OwnerDisplay,
		"initiated_at":  fmtTime(u.InitiatedAt),
	}
	docSetIfNonEmpty(d, "content_encoding", u.ContentEncoding)
	docSetIfNonEmpty(d, "content_language", u.ContentLanguage)
	docSetIfNonEmpty(d, "content_disposition", u.ContentDisposition)
	docSetIfNonEmpty(d, "cache_control", u.CacheControl)
	docSetIfNonEmpty(d, "expires", u.Expires)

	if _, err := s.col().Doc(fsUploadDoc(u.UploadID)).Set(ctx, d); err != nil {
		return fmt.Errorf("firestore: creating multipart upload: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	doc, err := s.col().Doc(fsUploadDoc(uploadID)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore: getting multipart upload: %w", err)
	}
	u := uploadFromDoc(doc.Data())
	if u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	return u, nil
}

func (s *FirestoreStore) partsCol(uploadID string) *firestore.CollectionRef {
	return s.col().Doc(fsUploadDoc(uploadID)).Collection("parts")
}

func (s *FirestoreStore) PutPart(ctx context.Context, p *PartRecord) error {
	_, err := s.partsCol(p.UploadID).Doc(fsPartDoc(p.PartNumber)).Set(ctx, fsDoc{
		"type":          "part",
		"upload_id":     p.UploadID,
		"part_number":   p.PartNumber,
		"size":          p.Size,
		"etag":          p.ETag,
		"last_modified": fmtTime(p.LastModified),
	})
	if err != nil {
		return fmt.Errorf("firestore: putting part: %w", err)
	}
	return nil
}

func (s *FirestoreStore) allParts(ctx context.Context, uploadID string) ([]PartRecord, error) {
	docs, err := s.partsCol(uploadID).OrderBy("part_number", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore: reading parts: %w", err)
	}
	parts := make([]PartRecord, 0, len(docs))
	for _, doc := range docs {
		d := doc.Data()
		parts = append(parts, PartRecord{
			UploadID:     docStr(d, "upload_id"),
			PartNumber:   int(docInt(d, "part_number")),
			Size:         docInt(d, "size"),
			ETag:         docStr(d, "etag"),
			LastModified: docTime(d, "last_modified"),
		})
	}
	return parts, nil
}

func (s *FirestoreStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	parts, err := s.allParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return paginateParts(parts, opts), nil
}

func (s *FirestoreStore) PartsByNumber(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	parts, err := s.allParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	want := make(map[int]bool, len(partNumbers))
	for _, pn := range partNumbers {
		want[pn] = true
	}
	var out []PartRecord
	for _, p := range parts {
		if want[p.PartNumber] {
			out = append(out, p)
		}
	}
	return out, nil
}

// deleteUploadDocs batches the part documents and the upload document into
// one committed delete.
func (s *FirestoreStore) deleteUploadDocs(ctx context.Context, uploadID string) error {
	parts, err := s.allParts(ctx, uploadID)
	if err != nil {
		return err
	}
	batch := s.client.Batch()
	for _, p := range parts {
		batch.Delete(s.partsCol(uploadID).Doc(fsPartDoc(p.PartNumber)))
	}
	batch.Delete(s.col().Doc(fsUploadDoc(uploadID)))
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("firestore: deleting upload documents: %w", err)
	}
	return nil
}

func (s *FirestoreStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, o *ObjectRecord) error {
	if err := s.PutObject(ctx, o); err != nil {
		return err
	}
	return s.deleteUploadDocs(ctx, uploadID)
}

func (s *FirestoreStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	u, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUploadNotFound
	}
	return s.deleteUploadDocs(ctx, uploadID)
}

func (s *FirestoreStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	q := s.col().
		Where("type", "==", "upload").
		Where("bucket", "==", bucket)
	if opts.Prefix != "" {
		q = q.Where("key", ">=", opts.Prefix).Where("key", "<", opts.Prefix+"\uf8ff")
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore: listing multipart uploads: %w", err)
	}
	uploads := make([]MultipartUploadRecord, 0, len(docs))
	for _, doc := range docs {
		uploads = append(uploads, *uploadFromDoc(doc.Data()))
	}
	return paginateUploads(uploads, opts), nil
}

// ---- credentials ----

func (s *FirestoreStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	doc, err := s.col().Doc(fsCredDoc(accessKeyID)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore: getting credential: %w", err)
	}
	d := doc.Data()
	return &CredentialRecord{
		AccessKeyID: docStr(d, "access_key_id"),
		SecretKey:   docStr(d, "secret_key"),
		OwnerID:     docStr(d, "owner_id"),
		DisplayName: docStr(d, "display_name"),
		Active:      docBool(d, "active"),
		CreatedAt:   docTime(d, "created_at"),
	}, nil
}

func (s *FirestoreStore) PutCredential(ctx context.Context, c *CredentialRecord) error {
	_, err := s.col().Doc(fsCredDoc(c.AccessKeyID)).Set(ctx, fsDoc{
		"type":          "credential",
		"access_key_id": c.AccessKeyID,
		"secret_key":    c.SecretKey,
		"owner_id":      c.OwnerID,
		"display_name":  c.DisplayName,
		"active":        c.Active,
		"created_at":    fmtTime(c.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("firestore: putting credential: %w", err)
	}
	return nil
}

// ---- reaper ----

func (s *FirestoreStore) ReapExpiredUploads(ctx context.Context, ttl time.Duration) ([]ExpiredUpload, error) {
	cutoff := fmtTime(time.Now().Add(-ttl))
	docs, err := s.col().
		Where("type", "==", "upload").
		Where("initiated_at", "<", cutoff).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore: querying expired uploads: %w", err)
	}

	var reaped []ExpiredUpload
	for _, doc := range docs {
		u := uploadFromDoc(doc.Data())
		if err := s.deleteUploadDocs(ctx, u.UploadID); err != nil {
			return reaped, err
		}
		reaped = append(reaped, ExpiredUpload{UploadID: u.UploadID, Bucket: u.Bucket, Key: u.Key})
	}
	return reaped, nil
}

// ---- document decoding ----

func bucketFromDoc(d fsDoc) *BucketRecord {
	return &BucketRecord{
		Name:         docStr(d, "name"),
		Region:       docStr(d, "region"),
		OwnerID:      docStr(d, "owner_id"),
		OwnerDisplay: docStr(d, "owner_display"),
		ACL:          json.RawMessage(docStr(d, "acl")),
		CreatedAt:    docTime(d, "created_at"),
	}
}

func objectFromDoc(d fsDoc) *ObjectRecord {
	return &ObjectRecord{
		Bucket:             docStr(d, "bucket"),
		Key:                docStr(d, "key"),
		Size:               docInt(d, "size"),
		ETag:               docStr(d, "etag"),
		ContentType:        docStr(d, "content_type"),
		ContentEncoding:    docStr(d, "content_encoding"),
		ContentLanguage:    docStr(d, "content_language"),
		ContentDisposition: docStr(d, "content_disposition"),
		CacheControl:       docStr(d, "cache_control"),
		Expires:            docStr(d, "expires"),
		StorageClass:       docStr(d, "storage_class"),
		ACL:                json.RawMessage(docStr(d, "acl")),
		UserMetadata:       parseMetaJSON(docStr(d, "user_metadata")),
		LastModified:       docTime(d, "last_modified"),
	}
}

func uploadFromDoc(d fsDoc) *MultipartUploadRecord {
	return &MultipartUploadRecord{
		UploadID:           docStr(d, "upload_id"),
		Bucket:             docStr(d, "bucket"),
		Key:                docStr(d, "key"),
		ContentType:        docStr(d, "content_type"),
		ContentEncoding:    docStr(d, "content_encoding"),
		ContentLanguage:    docStr(d, "content_language"),
		ContentDisposition: docStr(d, "content_disposition"),
		CacheControl:       docStr(d, "cache_control"),
		Expires:            docStr(d, "expires"),
		StorageClass:       docStr(d, "storage_class"),
		ACL:                json.RawMessage(docStr(d, "acl")),
		UserMetadata:       parseMetaJSON(docStr(d, "user_metadata")),
		OwnerID:            docStr(d, "owner_id"),
		OwnerDisplay:       docStr(d, "owner_display"),
		InitiatedAt:        docTime(d, "initiated_at"),
	}
}
