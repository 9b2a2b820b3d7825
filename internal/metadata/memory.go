package metadata

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory behind one RWMutex. It is
// the engine used by the test suite and by throwaway deployments; nothing
// survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*BucketRecord
	objects map[string]map[string]*ObjectRecord
	uploads map[string]*MultipartUploadRecord
	parts   map[string]map[int]*PartRecord
	creds   map[string]*CredentialRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*BucketRecord),
		objects: make(map[string]map[string]*ObjectRecord),
		uploads: make(map[string]*MultipartUploadRecord),
		parts:   make(map[string]map[int]*PartRecord),
		creds:   make(map[string]*CredentialRecord),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) CreateBucket(ctx context.Context, b *BucketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[b.Name]; ok {
		return ErrBucketExists
	}
	cp := *b
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	s.buckets[b.Name] = &cp
	return nil
}

func (s *MemoryStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[name]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[name]; !ok {
		return ErrBucketNotFound
	}
	if len(s.objects[name]) > 0 {
		return ErrBucketNotEmpty
	}
	for _, u := range s.uploads {
		if u.Bucket == name {
			return ErrBucketNotEmpty
		}
	}
	delete(s.buckets, name)
	delete(s.objects, name)
	return nil
}

func (s *MemoryStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BucketRecord
	for _, b := range s.buckets {
		if b.OwnerID == owner {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return ErrBucketNotFound
	}
	b.ACL = acl
	return nil
}

func (s *MemoryStore) PutObject(ctx context.Context, o *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[o.Bucket]; !ok {
		return ErrBucketNotFound
	}
	if s.objects[o.Bucket] == nil {
		s.objects[o.Bucket] = make(map[string]*ObjectRecord)
	}
	cp := *o
	applyObjectDefaults(&cp)
	s.objects[o.Bucket][o.Key] = &cp
	return nil
}

func (s *MemoryStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.objects[bucket][key]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[bucket], key)
	return nil
}

func (s *MemoryStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[bucket][key]
	return ok, nil
}

func (s *MemoryStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.objects[bucket][key]; ok {
		o.ACL = acl
		return nil
	}
	return ErrObjectNotFound
}

func (s *MemoryStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]ObjectRecord, 0, len(s.objects[bucket]))
	for _, o := range s.objects[bucket] {
		all = append(all, *o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return paginateObjects(all, opts), nil
}

func (s *MemoryStore) CreateMultipartUpload(ctx context.Context, u *MultipartUploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[u.Bucket]; !ok {
		return ErrBucketNotFound
	}
	cp := *u
	if cp.ContentType == "" {
		cp.ContentType = "application/octet-stream"
	}
	if cp.StorageClass == "" {
		cp.StorageClass = "STANDARD"
	}
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	s.uploads[u.UploadID] = &cp
	return nil
}

func (s *MemoryStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) PutPart(ctx context.Context, p *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[p.UploadID]; !ok {
		return ErrUploadNotFound
	}
	if s.parts[p.UploadID] == nil {
		s.parts[p.UploadID] = make(map[int]*PartRecord)
	}
	cp := *p
	s.parts[p.UploadID][p.PartNumber] = &cp
	return nil
}

func (s *MemoryStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := make([]PartRecord, 0, len(s.parts[uploadID]))
	for _, p := range s.parts[uploadID] {
		parts = append(parts, *p)
	}
	return paginateParts(parts, opts), nil
}

func (s *MemoryStore) PartsByNumber(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recorded := s.parts[uploadID]
	var out []PartRecord
	for _, pn := range partNumbers {
		if p, ok := recorded[pn]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (s *MemoryStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, o *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[uploadID]; !ok {
		return ErrUploadNotFound
	}
	if s.objects[o.Bucket] == nil {
		s.objects[o.Bucket] = make(map[string]*ObjectRecord)
	}
	cp := *o
	applyObjectDefaults(&cp)
	s.objects[o.Bucket][o.Key] = &cp

	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return ErrUploadNotFound
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uploads []MultipartUploadRecord
	for _, u := range s.uploads {
		if u.Bucket == bucket {
			uploads = append(uploads, *u)
		}
	}
	return paginateUploads(uploads, opts), nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[accessKeyID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) PutCredential(ctx context.Context, c *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[c.AccessKeyID] = &cp
	return nil
}

func (s *MemoryStore) ReapExpiredUploads(ctx context.Context, ttl time.Duration) ([]ExpiredUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var expired []ExpiredUpload
	for id, u := range s.uploads {
		if u.InitiatedAt.Before(cutoff) {
			expired = append(expired, ExpiredUpload{UploadID: id, Bucket: u.Bucket, Key: u.Key})
			delete(s.parts, id)
			delete(s.uploads, id)
		}
	}
	return expired, nil
}

func applyObjectDefaults(o *ObjectRecord) {
	if o.ContentType == "" {
		o.ContentType = "application/octet-stream"
	}
	if o.StorageClass == "" {
		o.StorageClass = "STANDARD"
	}
	if o.ACL == nil {
		o.ACL = json.RawMessage("{}")
	}
}
