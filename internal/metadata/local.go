package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LocalStoreConfig configures the append-only file engine.
type LocalStoreConfig struct {
	// RootDir holds one JSONL log per record kind.
	RootDir string
	// CompactOnStartup rewrites each log to live records only after replay.
	CompactOnStartup bool
}

// File names of the per-kind logs under RootDir.
const (
	bucketsLog = "buckets.jsonl"
	objectsLog = "objects.jsonl"
	uploadsLog = "uploads.jsonl"
	partsLog   = "parts.jsonl"
	credsLog   = "credentials.jsonl"
)

// logLine is the envelope written for every mutation. Data carries the full
// record for upserts; tombstones set Deleted and identify the record through
// the key fields instead.
type logLine struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Deleted  bool            `json:"_deleted,omitempty"`
	Bucket   string          `json:"bucket,omitempty"`
	Key      string          `json:"key,omitempty"`
	UploadID string          `json:"upload_id,omitempty"`
}

// LocalStore is a log-structured engine: full state lives in memory, every
// mutation appends a JSON line to the matching log, and startup replays the
// logs in order. Tombstones mark deletions so replay converges on the live
// state; compaction rewrites each log to just the live records.
type LocalStore struct {
	mu      sync.Mutex
	rootDir string

	buckets map[string]*BucketRecord
	objects map[string]map[string]*ObjectRecord
	uploads map[string]*MultipartUploadRecord
	parts   map[string]map[int]*PartRecord
	creds   map[string]*CredentialRecord
}

// NewLocalStore opens the logs under cfg.RootDir, replays them, and
// optionally compacts.
func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if cfg.RootDir == "" {
		cfg.RootDir = "./data/metadata"
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	s := &LocalStore{
		rootDir: cfg.RootDir,
		buckets: make(map[string]*BucketRecord),
		objects: make(map[string]map[string]*ObjectRecord),
		uploads: make(map[string]*MultipartUploadRecord),
		parts:   make(map[string]map[int]*PartRecord),
		creds:   make(map[string]*CredentialRecord),
	}
	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("replaying metadata logs: %w", err)
	}
	if cfg.CompactOnStartup {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata logs: %w", err)
		}
	}
	return s, nil
}

func (s *LocalStore) Ping(ctx context.Context) error { return nil }
func (s *LocalStore) Close() error                   { return nil }

// ---- log replay ----

func (s *LocalStore) replay() error {
	if err := s.replayLog(bucketsLog, s.applyBucketLine); err != nil {
		return err
	}
	if err := s.replayLog(objectsLog, s.applyObjectLine); err != nil {
		return err
	}
	if err := s.replayLog(uploadsLog, s.applyUploadLine); err != nil {
		return err
	}
	if err := s.replayLog(partsLog, s.applyPartLine); err != nil {
		return err
	}
	return s.replayLog(credsLog, s.applyCredLine)
}

// replayLog feeds each parseable line to apply. Unparseable lines are
// skipped so a torn final write cannot block startup.
func (s *LocalStore) replayLog(name string, apply func(logLine) error) error {
	f, err := os.Open(filepath.Join(s.rootDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var line logLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			continue
		}
		if err := apply(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *LocalStore) applyBucketLine(line logLine) error {
	if line.Deleted {
		delete(s.buckets, line.Key)
		return nil
	}
	var b BucketRecord
	if err := json.Unmarshal(line.Data, &b); err != nil {
		return err
	}
	s.buckets[b.Name] = &b
	return nil
}

func (s *LocalStore) applyObjectLine(line logLine) error {
	if line.Deleted {
		delete(s.objects[line.Bucket], line.Key)
		return nil
	}
	var o ObjectRecord
	if err := json.Unmarshal(line.Data, &o); err != nil {
		return err
	}
	if s.objects[o.Bucket] == nil {
		s.objects[o.Bucket] = make(map[string]*ObjectRecord)
	}
	s.objects[o.Bucket][o.Key] = &o
	return nil
}

func (s *LocalStore) applyUploadLine(line logLine) error {
	if line.Deleted {
		delete(s.uploads, line.UploadID)
		delete(s.parts, line.UploadID)
		return nil
	}
	var u MultipartUploadRecord
	if err := json.Unmarshal(line.Data, &u); err != nil {
		return err
	}
	s.uploads[u.UploadID] = &u
	return nil
}

func (s *LocalStore) applyPartLine(line logLine) error {
	if line.Deleted {
		delete(s.parts, line.UploadID)
		return nil
	}
	var p PartRecord
	if err := json.Unmarshal(line.Data, &p); err != nil {
		return err
	}
	if s.parts[p.UploadID] == nil {
		s.parts[p.UploadID] = make(map[int]*PartRecord)
	}
	s.parts[p.UploadID][p.PartNumber] = &p
	return nil
}

func (s *LocalStore) applyCredLine(line logLine) error {
	if line.Deleted {
		return nil
	}
	var c CredentialRecord
	if err := json.Unmarshal(line.Data, &c); err != nil {
		return err
	}
	s.creds[c.AccessKeyID] = &c
	return nil
}

// ---- log writing ----

func (s *LocalStore) appendLine(name string, line logLine) error {
	f, err := os.OpenFile(filepath.Join(s.rootDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = f.Write(append(b, '\n'))
	return err
}

func upsertLine(kind string, v any) (logLine, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return logLine{}, err
	}
	return logLine{Type: kind, Data: data}, nil
}

func (s *LocalStore) appendUpsert(name, kind string, v any) error {
	line, err := upsertLine(kind, v)
	if err != nil {
		return err
	}
	return s.appendLine(name, line)
}

// compact rewrites every log to hold only the live records, via temp file,
// fsync and rename.
func (s *LocalStore) compact() error {
	if err := s.rewriteLog(bucketsLog, func(emit func(logLine) error) error {
		for _, b := range s.buckets {
			line, err := upsertLine("bucket", b)
			if err != nil {
				return err
			}
			if err := emit(line); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.rewriteLog(objectsLog, func(emit func(logLine) error) error {
		for _, byKey := range s.objects {
			for _, o := range byKey {
				line, err := upsertLine("object", o)
				if err != nil {
					return err
				}
				if err := emit(line); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.rewriteLog(uploadsLog, func(emit func(logLine) error) error {
		for _, u := range s.uploads {
			line, err := upsertLine("upload", u)
			if err != nil {
				return err
			}
			if err := emit(line); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.rewriteLog(partsLog, func(emit func(logLine) error) error {
		for _, byNum := range s.parts {
			for _, p := range byNum {
				line, err := upsertLine("part", p)
				if err != nil {
					return err
				}
				if err := emit(line); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return s.rewriteLog(credsLog, func(emit func(logLine) error) error {
		for _, c := range s.creds {
			line, err := upsertLine("credential", c)
			if err != nil {
				return err
			}
			if err := emit(line); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalStore) rewriteLog(name string, write func(emit func(logLine) error) error) error {
	path := filepath.Join(s.rootDir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	emit := func(line logLine) error {
		b, err := json.Marshal(line)
		if err != nil {
			return err
		}
		_, err = f.Write(append(b, '\n'))
		return err
	}
	if err := write(emit); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	f.Close()
	return os.Rename(tmp, path)
}

// ---- buckets ----

func (s *LocalStore) CreateBucket(ctx context.Context, b *BucketRecord) error {
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
	return s.appendUpsert(bucketsLog, "bucket", &cp)
}

func (s *LocalStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *LocalStore) DeleteBucket(ctx context.Context, name string) error {
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
	return s.appendLine(bucketsLog, logLine{Type: "bucket", Deleted: true, Key: name})
}

func (s *LocalStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []BucketRecord
	for _, b := range s.buckets {
		if b.OwnerID == owner {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *LocalStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *LocalStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return ErrBucketNotFound
	}
	b.ACL = acl
	return s.appendUpsert(bucketsLog, "bucket", b)
}

// ---- objects ----

func (s *LocalStore) PutObject(ctx context.Context, o *ObjectRecord) error {
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
	return s.appendUpsert(objectsLog, "object", &cp)
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.objects[bucket][key]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (s *LocalStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects[bucket], key)
	return s.appendLine(objectsLog, logLine{Type: "object", Deleted: true, Bucket: bucket, Key: key})
}

func (s *LocalStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[bucket][key]
	return ok, nil
}

func (s *LocalStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[bucket][key]
	if !ok {
		return ErrObjectNotFound
	}
	o.ACL = acl
	return s.appendUpsert(objectsLog, "object", o)
}

func (s *LocalStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]ObjectRecord, 0, len(s.objects[bucket]))
	for _, o := range s.objects[bucket] {
		all = append(all, *o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return paginateObjects(all, opts), nil
}

// ---- multipart uploads ----

func (s *LocalStore) CreateMultipartUpload(ctx context.Context, u *MultipartUploadRecord) error {
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
	return s.appendUpsert(uploadsLog, "upload", &cp)
}

func (s *LocalStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *LocalStore) PutPart(ctx context.Context, p *PartRecord) error {
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
	return s.appendUpsert(partsLog, "part", &cp)
}

func (s *LocalStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]PartRecord, 0, len(s.parts[uploadID]))
	for _, p := range s.parts[uploadID] {
		parts = append(parts, *p)
	}
	return paginateParts(parts, opts), nil
}

func (s *LocalStore) PartsByNumber(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

func (s *LocalStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, o *ObjectRecord) error {
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

	if err := s.appendUpsert(objectsLog, "object", &cp); err != nil {
		return err
	}
	if err := s.tombstoneUpload(bucket, key, uploadID); err != nil {
		return err
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *LocalStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return ErrUploadNotFound
	}
	if err := s.tombstoneUpload(bucket, key, uploadID); err != nil {
		return err
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

// tombstoneUpload records the end of an upload in both logs; the upload
// tombstone also drops the upload's parts during replay.
func (s *LocalStore) tombstoneUpload(bucket, key, uploadID string) error {
	if err := s.appendLine(uploadsLog, logLine{Type: "upload", Deleted: true, UploadID: uploadID, Bucket: bucket, Key: key}); err != nil {
		return err
	}
	return s.appendLine(partsLog, logLine{Type: "part", Deleted: true, UploadID: uploadID})
}

func (s *LocalStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uploads []MultipartUploadRecord
	for _, u := range s.uploads {
		if u.Bucket == bucket {
			uploads = append(uploads, *u)
		}
	}
	return paginateUploads(uploads, opts), nil
}

// ---- credentials ----

func (s *LocalStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[accessKeyID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *LocalStore) PutCredential(ctx context.Context, c *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.creds[c.AccessKeyID] = &cp
	return s.appendUpsert(credsLog, "credential", &cp)
}

// ---- reaper ----

func (s *LocalStore) ReapExpiredUploads(ctx context.Context, ttl time.Duration) ([]ExpiredUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var expired []ExpiredUpload
	for id, u := range s.uploads {
		if !u.InitiatedAt.Before(cutoff) {
			continue
		}
		if err := s.tombstoneUpload(u.Bucket, u.Key, id); err != nil {
			return expired, err
		}
		expired = append(expired, ExpiredUpload{UploadID: id, Bucket: u.Bucket, Key: u.Key})
		delete(s.parts, id)
		delete(s.uploads, id)
	}
	return expired, nil
}
