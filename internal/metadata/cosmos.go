package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
)

// CosmosStoreConfig selects the Cosmos DB account, database and container.
type CosmosStoreConfig struct {
	Endpoint  string
	MasterKey string
	Database  string
	Container string
}

// CosmosStore keeps records in one container partitioned by record kind
// ("bucket", "object", "upload", "credential"). Parts share the "upload"
// partition with their upload document under a part_<uploadID>_<%05d> ID so
// a single partition read covers completion.
type CosmosStore struct {
	container *azcosmos.ContainerClient
}

func NewCosmosStore(ctx context.Context, cfg CosmosStoreConfig) (*CosmosStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos: endpoint is required")
	}
	if cfg.Database == "" || cfg.Container == "" {
		return nil, fmt.Errorf("cosmos: database and container are required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("cosmos: creating key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cosmos: creating client: %w", err)
	}
	db, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("cosmos: opening database: %w", err)
	}
	container, err := db.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("cosmos: opening container: %w", err)
	}
	return &CosmosStore{container: container}, nil
}

func (s *CosmosStore) Close() error { return nil }

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.container.Read(ctx, nil)
	return err
}

// Partition key values, one per record kind.
var (
	pkBuckets = azcosmos.NewPartitionKeyString("bucket")
	pkObjects = azcosmos.NewPartitionKeyString("object")
	pkUploads = azcosmos.NewPartitionKeyString("upload")
	pkCreds   = azcosmos.NewPartitionKeyString("credential")
)

func cosmosBucketID(name string) string        { return "bucket_" + name }
func cosmosObjectID(bucket, key string) string { return "object_" + bucket + "_" + key }
func cosmosUploadID(uploadID string) string    { return "upload_" + uploadID }
func cosmosCredID(accessKeyID string) string   { return "cred_" + accessKeyID }
func cosmosPartID(uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%s_%05d", uploadID, partNumber)
}

// cosmosDoc is the flat union of every record kind stored in the container.
type cosmosDoc struct {
	ID                 string `json:"id"`
	Kind               string `json:"type"`
	Name               string `json:"name,omitempty"`
	Region             string `json:"region,omitempty"`
	OwnerID            string `json:"owner_id,omitempty"`
	OwnerDisplay       string `json:"owner_display,omitempty"`
	ACL                string `json:"acl,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
	Bucket             string `json:"bucket,omitempty"`
	Key                string `json:"key,omitempty"`
	Size               int64  `json:"size,omitempty"`
	ETag               string `json:"etag,omitempty"`
	ContentType        string `json:"content_type,omitempty"`
	ContentEncoding    string `json:"content_encoding,omitempty"`
	ContentLanguage    string `json:"content_language,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	CacheControl       string `json:"cache_control,omitempty"`
	Expires            string `json:"expires,omitempty"`
	StorageClass       string `json:"storage_class,omitempty"`
	UserMetadata       string `json:"user_metadata,omitempty"`
	LastModified       string `json:"last_modified,omitempty"`
	DeleteMarker       bool   `json:"delete_marker,omitempty"`
	UploadID           string `json:"upload_id,omitempty"`
	PartNumber         int    `json:"part_number,omitempty"`
	InitiatedAt        string `json:"initiated_at,omitempty"`
	AccessKeyID        string `json:"access_key_id,omitempty"`
	SecretKey          string `json:"secret_key,omitempty"`
	DisplayName        string `json:"display_name,omitempty"`
	Active             bool   `json:"active,omitempty"`
}

// cosmosStatus extracts the HTTP status of a Cosmos response error, 0 when
// the error carries none.
func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func (s *CosmosStore) readDoc(ctx context.Context, pk azcosmos.PartitionKey, id string) (*cosmosDoc, error) {
	resp, err := s.container.ReadItem(ctx, pk, id, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var d cosmosDoc
	if err := json.Unmarshal(resp.Value, &d); err != nil {
		return nil, fmt.Errorf("cosmos: decoding document %q: %w", id, err)
	}
	return &d, nil
}

func (s *CosmosStore) queryDocs(ctx context.Context, pk azcosmos.PartitionKey, query string, params []azcosmos.QueryParameter) ([]cosmosDoc, error) {
	pager := s.container.NewQueryItemsPager(query, pk, &azcosmos.QueryOptions{QueryParameters: params})
	var docs []cosmosDoc
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Items {
			var d cosmosDoc
			if err := json.Unmarshal(raw, &d); err != nil {
				continue
			}
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// ---- buckets ----

func (s *CosmosStore) CreateBucket(ctx context.Context, b *BucketRecord) error {
	data, err := json.Marshal(&cosmosDoc{
		ID:           cosmosBucketID(b.Name),
		Kind:         "bucket",
		Name:         b.Name,
		Region:       b.Region,
		OwnerID:      b.OwnerID,
		OwnerDisplay: b.OwnerDisplay,
		ACL:          jsonOrEmpty(b.ACL),
		CreatedAt:    fmtTime(b.CreatedAt),
	})
	if err != nil {
		return err
	}
	if _, err := s.container.CreateItem(ctx, pkBuckets, data, nil); err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return ErrBucketExists
		}
		return fmt.Errorf("cosmos: creating bucket: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	d, err := s.readDoc(ctx, pkBuckets, cosmosBucketID(name))
	if err != nil {
		return nil, fmt.Errorf("cosmos: getting bucket: %w", err)
	}
	if d == nil {
		return nil, nil
	}
	return bucketFromCosmos(d), nil
}

func (s *CosmosStore) DeleteBucket(ctx context.Context, name string) error {
	exists, err := s.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketNotFound
	}

	objs, err := s.queryDocs(ctx, pkObjects,
		"SELECT TOP 1 c.id FROM c WHERE c.type = 'object' AND c.bucket = @bucket",
		[]azcosmos.QueryParameter{{Name: "@bucket", Value: name}})
	if err != nil {
		return fmt.Errorf("cosmos: checking bucket objects: %w", err)
	}
	if len(objs) > 0 {
		return ErrBucketNotEmpty
	}
	ups, err := s.queryDocs(ctx, pkUploads,
		"SELECT TOP 1 c.id FROM c WHERE c.type = 'upload' AND c.bucket = @bucket AND IS_DEFINED(c.upload_id)",
		[]azcosmos.QueryParameter{{Name: "@bucket", Value: name}})
	if err != nil {
		return fmt.Errorf("cosmos: checking bucket uploads: %w", err)
	}
	if len(ups) > 0 {
		return ErrBucketNotEmpty
	}

	if _, err := s.container.DeleteItem(ctx, pkBuckets, cosmosBucketID(name), nil); err != nil {
		if cosmosStatus(err) != http.StatusNotFound {
			return fmt.Errorf("cosmos: deleting bucket: %w", err)
		}
	}
	return nil
}

func (s *CosmosStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	query := "SELECT * FROM c WHERE c.type = 'bucket'"
	var params []azcosmos.QueryParameter
	if owner != "" {
		query += " AND c.owner_id = @owner"
		params = append(params, azcosmos.QueryParameter{Name: "@owner", Value: owner})
	}
	docs, err := s.queryDocs(ctx, pkBuckets, query, params)
	if err != nil {
		return nil, fmt.Errorf("cosmos: listing buckets: %w", err)
	}
	out := make([]BucketRecord, 0, len(docs))
	for i := range docs {
		out = append(out, *bucketFromCosmos(&docs[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *CosmosStore) BucketExists(ctx context.Context, name string) (bool, error) {
	d, err := s.readDoc(ctx, pkBuckets, cosmosBucketID(name))
	if err != nil {
		return false, fmt.Errorf("cosmos: checking bucket: %w", err)
	}
	return d != nil, nil
}

func (s *CosmosStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	d, err := s.readDoc(ctx, pkBuckets, cosmosBucketID(name))
	if err != nil {
		return fmt.Errorf("cosmos: reading bucket: %w", err)
	}
	if d == nil {
		return ErrBucketNotFound
	}
	d.ACL = string(acl)
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if _, err := s.container.ReplaceItem(ctx, pkBuckets, d.ID, data, nil); err != nil {
		return fmt.Errorf("cosmos: updating bucket acl: %w", err)
	}
	return nil
}

// ---- objects ----

func (s *CosmosStore) PutObject(ctx context.Context, o *ObjectRecord) error {
	userMeta, err := metaJSON(o.UserMetadata)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&cosmosDoc{
		ID:                 cosmosObjectID(o.Bucket, o.Key),
		Kind:               "object",
		Bucket:             o.Bucket,
		Key:                o.Key,
		Size:               o.Size,
		ETag:               o.ETag,
		ContentType:        defaultStr(o.ContentType, "application/octet-stream"),
		ContentEncoding:    o.ContentEncoding,
		ContentLanguage:    o.ContentLanguage,
		ContentDisposition: o.ContentDisposition,
		CacheControl:       o.CacheControl,
		Expires:            o.Expires,
		StorageClass:       defaultStr(o.StorageClass, "STANDARD"),
		ACL:                jsonOrEmpty(o.ACL),
		UserMetadata:       userMeta,
		LastModified:       fmtTime(o.LastModified),
		DeleteMarker:       o.DeleteMarker,
	})
	if err != nil {
		return err
	}
	if _, err := s.container.UpsertItem(ctx, pkObjects, data, nil); err != nil {
		return fmt.Errorf("cosmos: putting object: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	d, err := s.readDoc(ctx, pkObjects, cosmosObjectID(bucket, key))
	if err != nil {
		return nil, fmt.Errorf("cosmos: getting object: %w", err)
	}
	if d == nil {
		return nil, nil
	}
	return objectFromCosmos(d), nil
}

func (s *CosmosStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := s.container.DeleteItem(ctx, pkObjects, cosmosObjectID(bucket, key), nil); err != nil {
		if cosmosStatus(err) != http.StatusNotFound {
			return fmt.Errorf("cosmos: deleting object: %w", err)
		}
	}
	return nil
}

func (s *CosmosStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	d, err := s.readDoc(ctx, pkObjects, cosmosObjectID(bucket, key))
	if err != nil {
		return false, fmt.Errorf("cosmos: checking object: %w", err)
	}
	return d != nil, nil
}

func (s *CosmosStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	d, err := s.readDoc(ctx, pkObjects, cosmosObjectID(bucket, key))
	if err != nil {
		return fmt.Errorf("cosmos: reading object: %w", err)
	}
	if d == nil {
		return ErrObjectNotFound
	}
	d.ACL = string(acl)
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if _, err := s.container.ReplaceItem(ctx, pkObjects, d.ID, data, nil); err != nil {
		return fmt.Errorf("cosmos: updating object acl: %w", err)
	}
	return nil
}

func (s *CosmosStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	query := "SELECT * FROM c WHERE c.type = 'object' AND c.bucket = @bucket"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.key, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}
	query += " ORDER BY c.key"

	docs, err := s.queryDocs(ctx, pkObjects, query, params)
	if err != nil {
		return nil, fmt.Errorf("cosmos: listing objects: %w", err)
	}
	objects := make([]ObjectRecord, 0, len(docs))
	for i := range docs {
		objects = append(objects, *objectFromCosmos(&docs[i]))
	}
	return paginateObjects(objects, opts), nil
}

// ---- multipart uploads ----

func (s *CosmosStore) CreateMultipartUpload(ctx context.Context, u *MultipartUploadRecord) error {
	userMeta, err := metaJSON(u.UserMetadata)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&cosmosDoc{
		ID:                 cosmosUploadID(u.UploadID),
		Kind:               "upload",
		UploadID:           u.UploadID,
		Bucket:             u.Bucket,
		Key:                u.Key,
		ContentType:        defaultStr(u.ContentType, "application/octet-stream"),
		ContentEncoding:    u.ContentEncoding,
		ContentLanguage:    u.ContentLanguage,
		ContentDisposition: u.ContentDisposition,
		CacheControl:       u.CacheControl,
		Expires:            u.Expires,
		StorageClass:       defaultStr(u.StorageClass, "STANDARD"),
		ACL:                jsonOrEmpty(u.ACL),
		UserMetadata:       userMeta,
		OwnerID:            u.OwnerID,
		OwnerDisplay:       u.OwnerDisplay,
		InitiatedAt:        fmtTime(u.InitiatedAt),
	})
	if err != nil {
		return err
	}
	if _, err := s.container.CreateItem(ctx, pkUploads, data, nil); err != nil {
		return fmt.Errorf("cosmos: creating multipart upload: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	d, err := s.readDoc(ctx, pkUploads, cosmosUploadID(uploadID))
	if err != nil {
		return nil, fmt.Errorf("cosmos: getting multipart upload: %w", err)
	}
	if d == nil {
		return nil, nil
	}
	u := uploadFromCosmos(d)
	if u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	return u, nil
}

func (s *CosmosStore) PutPart(ctx context.Context, p *PartRecord) error {
	data, err := json.Marshal(&cosmosDoc{
		ID:           cosmosPartID(p.UploadID, p.PartNumber),
		Kind:         "upload",
		UploadID:     p.UploadID,
		PartNumber:   p.PartNumber,
		Size:         p.Size,
		ETag:         p.ETag,
		LastModified: fmtTime(p.LastModified),
	})
	if err != nil {
		return err
	}
	if _, err := s.container.UpsertItem(ctx, pkUploads, data, nil); err != nil {
		return fmt.Errorf("cosmos: putting part: %w", err)
	}
	return nil
}

// partDocs returns every part document of the upload, sorted by number.
func (s *CosmosStore) partDocs(ctx context.Context, uploadID string) ([]PartRecord, error) {
	docs, err := s.queryDocs(ctx, pkUploads,
		"SELECT * FROM c WHERE c.type = 'upload' AND STARTSWITH(c.id, @prefix)",
		[]azcosmos.QueryParameter{{Name: "@prefix", Value: "part_" + uploadID + "_"}})
	if err != nil {
		return nil, fmt.Errorf("cosmos: reading parts: %w", err)
	}
	var parts []PartRecord
	for i := range docs {
		d := &docs[i]
		if d.PartNumber == 0 {
			continue
		}
		parts = append(parts, PartRecord{
			UploadID:     d.UploadID,
			PartNumber:   d.PartNumber,
			Size:         d.Size,
			ETag:         d.ETag,
			LastModified: parseTime(d.LastModified),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *CosmosStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	parts, err := s.partDocs(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return paginateParts(parts, opts), nil
}

func (s *CosmosStore) PartsByNumber(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	parts, err := s.partDocs(ctx, uploadID)
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

func (s *CosmosStore) deleteUploadDocs(ctx context.Context, uploadID string) error {
	parts, err := s.partDocs(ctx, uploadID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := s.container.DeleteItem(ctx, pkUploads, cosmosPartID(uploadID, p.PartNumber), nil); err != nil {
			if cosmosStatus(err) != http.StatusNotFound {
				return fmt.Errorf("cosmos: deleting part document: %w", err)
			}
		}
	}
	if _, err := s.container.DeleteItem(ctx, pkUploads, cosmosUploadID(uploadID), nil); err != nil {
		if cosmosStatus(err) != http.StatusNotFound {
			return fmt.Errorf("cosmos: deleting upload document: %w", err)
		}
	}
	return nil
}

func (s *CosmosStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, o *ObjectRecord) error {
	if err := s.PutObject(ctx, o); err != nil {
		return err
	}
	return s.deleteUploadDocs(ctx, uploadID)
}

func (s *CosmosStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	u, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUploadNotFound
	}
	return s.deleteUploadDocs(ctx, uploadID)
}

func (s *CosmosStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	query := "SELECT * FROM c WHERE c.type = 'upload' AND c.bucket = @bucket AND IS_DEFINED(c.upload_id)"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.key, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}
	docs, err := s.queryDocs(ctx, pkUploads, query, params)
	if err != nil {
		return nil, fmt.Errorf("cosmos: listing multipart uploads: %w", err)
	}
	var uploads []MultipartUploadRecord
	for i := range docs {
		if docs[i].UploadID == "" || docs[i].PartNumber != 0 {
			continue
		}
		uploads = append(uploads, *uploadFromCosmos(&docs[i]))
	}
	return paginateUploads(uploads, opts), nil
}

// ---- credentials ----

func (s *CosmosStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	d, err := s.readDoc(ctx, pkCreds, cosmosCredID(accessKeyID))
	if err != nil {
		return nil, fmt.Errorf("cosmos: getting credential: %w", err)
	}
	if d == nil {
		return nil, nil
	}
	return &CredentialRecord{
		AccessKeyID: d.AccessKeyID,
		SecretKey:   d.SecretKey,
		OwnerID:     d.OwnerID,
		DisplayName: d.DisplayName,
		Active:      d.Active,
		CreatedAt:   parseTime(d.CreatedAt),
	}, nil
}

func (s *CosmosStore) PutCredential(ctx context.Context, c *CredentialRecord) error {
	data, err := json.Marshal(&cosmosDoc{
		ID:          cosmosCredID(c.AccessKeyID),
		Kind:        "credential",
		AccessKeyID: c.AccessKeyID,
		SecretKey:   c.SecretKey,
		OwnerID:     c.OwnerID,
		DisplayName: c.DisplayName,
		Active:      c.Active,
		CreatedAt:   fmtTime(c.CreatedAt),
	})
	if err != nil {
		return err
	}
	if _, err := s.container.UpsertItem(ctx, pkCreds, data, nil); err != nil {
		return fmt.Errorf("cosmos: putting credential: %w", err)
	}
	return nil
}

// ---- reaper ----

func (s *CosmosStore) ReapExpiredUploads(ctx context.Context, ttl time.Duration) ([]ExpiredUpload, error) {
	cutoff := fmtTime(time.Now().Add(-ttl))
	docs, err := s.queryDocs(ctx, pkUploads,
		"SELECT * FROM c WHERE c.type = 'upload' AND IS_DEFINED(c.upload_id) AND c.initiated_at < @cutoff",
		[]azcosmos.QueryParameter{{Name: "@cutoff", Value: cutoff}})
	if err != nil {
		return nil, fmt.Errorf("cosmos: querying expired uploads: %w", err)
	}

	var reaped []ExpiredUpload
	for i := range docs {
		d := &docs[i]
		if d.UploadID == "" || d.PartNumber != 0 {
			continue
		}
		if err := s.deleteUploadDocs(ctx, d.UploadID); err != nil {
			return reaped, err
		}
		reaped = append(reaped, ExpiredUpload{UploadID: d.UploadID, Bucket: d.Bucket, Key: d.Key})
	}
	return reaped, nil
}

// ---- document decoding ----

func bucketFromCosmos(d *cosmosDoc) *BucketRecord {
	return &BucketRecord{
		Name:         d.Name,
		Region:       d.Region,
		OwnerID:      d.OwnerID,
		OwnerDisplay: d.OwnerDisplay,
		ACL:          json.RawMessage(d.ACL),
		CreatedAt:    parseTime(d.CreatedAt),
	}
}

func objectFromCosmos(d *cosmosDoc) *ObjectRecord {
	return &ObjectRecord{
		Bucket:             d.Bucket,
		Key:                d.Key,
		Size:               d.Size,
		ETag:               d.ETag,
		ContentType:        d.ContentType,
		ContentEncoding:    d.ContentEncoding,
		ContentLanguage:    d.ContentLanguage,
		ContentDisposition: d.ContentDisposition,
		CacheControl:       d.CacheControl,
		Expires:            d.Expires,
		StorageClass:       d.StorageClass,
		ACL:                json.RawMessage(d.ACL),
		UserMetadata:       parseMetaJSON(d.UserMetadata),
		LastModified:       parseTime(d.LastModified),
		DeleteMarker:       d.DeleteMarker,
	}
}

func uploadFromCosmos(d *cosmosDoc) *MultipartUploadRecord {
	return &MultipartUploadRecord{
		UploadID:           d.UploadID,
		Bucket:             d.Bucket,
		Key:                d.Key,
		ContentType:        d.ContentType,
		ContentEncoding:    d.ContentEncoding,
		ContentLanguage:    d.ContentLanguage,
		ContentDisposition: d.ContentDisposition,
		CacheControl:       d.CacheControl,
		Expires:            d.Expires,
		StorageClass:       d.StorageClass,
		ACL:                json.RawMessage(d.ACL),
		UserMetadata:       parseMetaJSON(d.UserMetadata),
		OwnerID:            d.OwnerID,
		OwnerDisplay:       d.OwnerDisplay,
		InitiatedAt:        parseTime(d.InitiatedAt),
	}
}
