package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// gcsMaxComposeSources is the GCS cap on sources per Compose call.
const gcsMaxComposeSources = 32

// GCSAPI is the slice of the GCS client the gateway uses; tests substitute
// a fake.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewRangeReader opens [offset, offset+length); length < 0 reads to the
	// end.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSObjectAttrs, error)
	Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSObjectAttrs, error)
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSObjectAttrs, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSObjectAttrs is the subset of object attributes the gateway reads.
type GCSObjectAttrs struct {
	Size int64
	MD5  []byte
}

// gcsClient adapts the official client to GCSAPI.
type gcsClient struct {
	client *gcs.Client
}

func (c *gcsClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *gcsClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *gcsClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *gcsClient) Attrs(ctx context.Context, bucket, object string) (*GCSObjectAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSObjectAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *gcsClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSObjectAttrs, error) {
	src := c.client.Bucket(bucket).Object(srcObject)
	attrs, err := c.client.Bucket(bucket).Object(dstObject).CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSObjectAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *gcsClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSObjectAttrs, error) {
	srcs := make([]*gcs.ObjectHandle, 0, len(srcObjects))
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := c.client.Bucket(bucket).Object(dstObject).ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSObjectAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *gcsClient) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
}

// GCSBackendConfig selects the upstream GCS bucket. Credentials come from
// Application Default Credentials unless CredentialsFile is set.
type GCSBackendConfig struct {
	Bucket          string
	ProjectID       string
	Prefix          string
	CredentialsFile string
}

// GCSBackend proxies bytes to a single upstream GCS bucket using the same
// key mapping as the AWS gateway: objects at {prefix}{bucket}/{key}, parts
// at {prefix}.parts/{uploadID}/{partNumber}.
type GCSBackend struct {
	bucket string
	prefix string
	client GCSAPI
}

func NewGCSBackend(ctx context.Context, cfg GCSBackendConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs backend: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCSBackendWithClient(cfg.Bucket, cfg.Prefix, &gcsClient{client: client})
	if err := b.Ping(ctx); err != nil {
		return nil, fmt.Errorf("upstream GCS bucket %q unreachable: %w", cfg.Bucket, err)
	}
	slog.Info("gcs gateway ready", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "project", cfg.ProjectID)
	return b, nil
}

// NewGCSBackendWithClient wires a prebuilt client; used by tests.
func NewGCSBackendWithClient(bucket, prefix string, client GCSAPI) *GCSBackend {
	return &GCSBackend{bucket: bucket, prefix: prefix, client: client}
}

func (b *GCSBackend) upstreamKey(bucket, key string) string {
	return b.prefix + bucket + "/" + key
}

func (b *GCSBackend) upstreamPartKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%05d", b.prefix, uploadID, partNumber)
}

func (b *GCSBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *GCSBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *GCSBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	// Buffer and hash locally: GCS reports no plain MD5 for composite
	// objects, and our ETag must always be the content MD5.
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	sum := md5.Sum(data)

	w := b.client.NewWriter(ctx, b.bucket, b.upstreamKey(bucket, key))
	if _, err := w.Write(data); err != nil {
		w.Close()
		return 0, "", fmt.Errorf("uploading %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("finalising upload of %s/%s: %w", bucket, key, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

func (b *GCSBackend) GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	name := b.upstreamKey(bucket, key)
	attrs, err := b.client.Attrs(ctx, b.bucket, name)
	if err != nil {
		if gcsIsNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("reading attrs of %s/%s: %w", bucket, key, err)
	}

	offset, length := sliceRange(rng, attrs.Size)
	r, err := b.client.NewRangeReader(ctx, b.bucket, name, offset, length)
	if err != nil {
		if gcsIsNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("downloading %s/%s: %w", bucket, key, err)
	}
	return r, length, nil
}

func (b *GCSBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.Attrs(ctx, b.bucket, b.upstreamKey(bucket, key))
	if err != nil {
		if gcsIsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (b *GCSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.Delete(ctx, b.bucket, b.upstreamKey(bucket, key))
	if err != nil && !gcsIsNotFound(err) {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *GCSBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	dst := b.upstreamKey(dstBucket, dstKey)
	attrs, err := b.client.Copy(ctx, b.bucket, b.upstreamKey(srcBucket, srcKey), dst)
	if err != nil {
		if gcsIsNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("copying %s/%s: %w", srcBucket, srcKey, err)
	}
	if len(attrs.MD5) > 0 {
		return fmt.Sprintf(`"%x"`, attrs.MD5), nil
	}
	// Composite sources carry no MD5 attribute; hash the copy ourselves.
	return b.hashObject(ctx, dst)
}

func (b *GCSBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading part data: %w", err)
	}
	sum := md5.Sum(data)

	w := b.client.NewWriter(ctx, b.bucket, b.upstreamPartKey(uploadID, partNumber))
	if _, err := w.Write(data); err != nil {
		w.Close()
		return 0, "", fmt.Errorf("uploading part %d of upload %s: %w", partNumber, uploadID, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("finalising part %d of upload %s: %w", partNumber, uploadID, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

// AssembleParts composes the staged part objects into the final key. GCS
// Compose takes at most 32 sources, so larger uploads compose in batches
// through intermediate objects.
func (b *GCSBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	finalName := b.upstreamKey(bucket, key)
	sources := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		sources[i] = b.upstreamPartKey(uploadID, pn)
	}

	if len(sources) <= gcsMaxComposeSources {
		if _, err := b.client.Compose(ctx, b.bucket, finalName, sources); err != nil {
			return "", 0, fmt.Errorf("composing parts: %w", err)
		}
	} else {
		intermediates, err := b.chainCompose(ctx, sources, finalName)
		for _, name := range intermediates {
			if derr := b.client.Delete(ctx, b.bucket, name); derr != nil && !gcsIsNotFound(derr) {
				slog.Warn("leaving intermediate compose object", "object", name, "error", derr)
			}
		}
		if err != nil {
			return "", 0, err
		}
	}

	attrs, err := b.client.Attrs(ctx, b.bucket, finalName)
	if err != nil {
		return "", 0, fmt.Errorf("reading assembled attrs: %w", err)
	}
	etag, err := b.hashObject(ctx, finalName)
	if err != nil {
		return "", 0, err
	}

	if err := b.DeleteParts(ctx, bucket, key, uploadID); err != nil {
		slog.Warn("leaving stale staged parts", "upload_id", uploadID, "error", err)
	}
	return etag, attrs.Size, nil
}

// chainCompose reduces more than 32 sources to one object through rounds of
// batched composes, returning the intermediate names for cleanup.
func (b *GCSBackend) chainCompose(ctx context.Context, sources []string, finalName string) ([]string, error) {
	var intermediates []string
	round := 0
	for len(sources) > gcsMaxComposeSources {
		var next []string
		for i := 0; i < len(sources); i += gcsMaxComposeSources {
			end := i + gcsMaxComposeSources
			if end > len(sources) {
				end = len(sources)
			}
			batch := sources[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_%d_%d", finalName, round, i)
			if _, err := b.client.Compose(ctx, b.bucket, name, batch); err != nil {
				return intermediates, fmt.Errorf("composing batch %d of round %d: %w", i, round, err)
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		sources = next
		round++
	}
	if _, err := b.client.Compose(ctx, b.bucket, finalName, sources); err != nil {
		return intermediates, fmt.Errorf("final compose: %w", err)
	}
	return intermediates, nil
}

func (b *GCSBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := b.prefix + ".parts/" + uploadID + "/"
	names, err := b.client.List(ctx, b.bucket, prefix)
	if err != nil {
		return fmt.Errorf("listing staged parts of upload %s: %w", uploadID, err)
	}
	for _, name := range names {
		if err := b.client.Delete(ctx, b.bucket, name); err != nil && !gcsIsNotFound(err) {
			return fmt.Errorf("deleting staged part %s: %w", name, err)
		}
	}
	return nil
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	_, err := b.client.List(ctx, b.bucket, "\x00unreachable\x00")
	return err
}

// hashObject downloads an upstream object and returns its quoted MD5.
func (b *GCSBackend) hashObject(ctx context.Context, name string) (string, error) {
	r, err := b.client.NewRangeReader(ctx, b.bucket, name, 0, -1)
	if err != nil {
		return "", fmt.Errorf("reading %s for hashing: %w", name, err)
	}
	defer r.Close()

	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing %s: %w", name, err)
	}
	return fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

func gcsIsNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}

var _ Backend = (*GCSBackend)(nil)
