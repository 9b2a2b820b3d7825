package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI is the slice of the Azure Blob client the gateway uses; tests
// substitute a fake. length < 0 in DownloadBlob means "through the end".
type AzureBlobAPI interface {
	UploadBlob(ctx context.Context, container, blob string, data []byte) error
	DownloadBlob(ctx context.Context, container, blob string, offset, length int64) (io.ReadCloser, error)
	DeleteBlob(ctx context.Context, container, blob string) error
	BlobExists(ctx context.Context, container, blob string) (bool, error)
	BlobSize(ctx context.Context, container, blob string) (int64, error)
	CopyBlob(ctx context.Context, container, dstBlob, srcURL string) error
	StageBlock(ctx context.Context, container, blob, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, container, blob string, blockIDs []string) error
}

// AzureBackendConfig selects the upstream Azure Blob container the gateway
// passes bytes through to. Credential resolution order: connection string,
// shared key, then the default Azure credential chain.
type AzureBackendConfig struct {
	AccountURL       string
	Container        string
	Prefix           string
	ConnectionString string
	AccountName      string
	AccountKey       string
}

// AzureBackend proxies bytes to a single upstream Azure Blob container.
// Local buckets map to blob-name prefixes: {prefix}{bucket}/{key}.
//
// Multipart uses Block Blob primitives: parts are staged as uncommitted
// blocks on the final blob and assembly is a CommitBlockList. There are no
// staged part objects; Azure garbage-collects uncommitted blocks after a
// week, so DeleteParts has nothing to remove.
type AzureBackend struct {
	accountURL string
	container  string
	prefix     string
	client     AzureBlobAPI
}

func NewAzureBackend(ctx context.Context, cfg AzureBackendConfig) (*AzureBackend, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure backend: container is required")
	}
	client, err := newAzureClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}

	b := NewAzureBackendWithClient(cfg.Container, cfg.AccountURL, cfg.Prefix, client)
	if err := b.Ping(ctx); err != nil {
		return nil, fmt.Errorf("upstream Azure container %q unreachable: %w", cfg.Container, err)
	}
	slog.Info("azure gateway ready", "container", cfg.Container, "account", cfg.AccountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureBackendWithClient wires a prebuilt client; used by tests.
func NewAzureBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		accountURL: accountURL,
		container:  container,
		prefix:     prefix,
		client:     client,
	}
}

func (b *AzureBackend) blobName(bucket, key string) string {
	return b.prefix + bucket + "/" + key
}

// azureBlockID builds a block ID for staged blocks. Azure requires base64
// IDs of uniform length per blob; folding in the upload ID keeps concurrent
// uploads to the same key from clobbering each other's blocks.
func azureBlockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)))
}

// Buckets are blob-name prefixes upstream; nothing to provision or remove.
func (b *AzureBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *AzureBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *AzureBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	// Buffer and hash locally: the upstream ETag is an opaque Azure value,
	// and ours must always be the plain MD5.
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	sum := md5.Sum(data)

	if err := b.client.UploadBlob(ctx, b.container, b.blobName(bucket, key), data); err != nil {
		return 0, "", fmt.Errorf("uploading %s/%s: %w", bucket, key, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

func (b *AzureBackend) GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	name := b.blobName(bucket, key)

	total, err := b.client.BlobSize(ctx, b.container, name)
	if err != nil {
		if azureIsNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("heading %s/%s: %w", bucket, key, err)
	}

	offset, length := sliceRange(rng, total)
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), 0, nil
	}
	body, err := b.client.DownloadBlob(ctx, b.container, name, offset, length)
	if err != nil {
		if azureIsNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("downloading %s/%s: %w", bucket, key, err)
	}
	return body, length, nil
}

func (b *AzureBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	exists, err := b.client.BlobExists(ctx, b.container, b.blobName(bucket, key))
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", bucket, key, err)
	}
	return exists, nil
}

func (b *AzureBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.DeleteBlob(ctx, b.container, b.blobName(bucket, key))
	if err != nil && !azureIsNotFound(err) {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *AzureBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	srcURL := fmt.Sprintf("%s/%s/%s", b.accountURL, b.container, b.blobName(srcBucket, srcKey))
	dstName := b.blobName(dstBucket, dstKey)

	if err := b.client.CopyBlob(ctx, b.container, dstName, srcURL); err != nil {
		if azureIsNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("copying %s/%s: %w", srcBucket, srcKey, err)
	}
	etag, err := b.hashBlob(ctx, dstName)
	if err != nil {
		return "", fmt.Errorf("hashing copied object: %w", err)
	}
	return etag, nil
}

func (b *AzureBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading part data: %w", err)
	}
	sum := md5.Sum(data)

	err = b.client.StageBlock(ctx, b.container, b.blobName(bucket, key), azureBlockID(uploadID, partNumber), data)
	if err != nil {
		return 0, "", fmt.Errorf("staging part %d of upload %s: %w", partNumber, uploadID, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

// AssembleParts commits the staged blocks in the given order, then reads the
// committed blob back to compute the plain MD5; the caller derives the
// composite ETag it exposes from the recorded part digests.
func (b *AzureBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	name := b.blobName(bucket, key)

	blockIDs := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		blockIDs[i] = azureBlockID(uploadID, pn)
	}
	if err := b.client.CommitBlockList(ctx, b.container, name, blockIDs); err != nil {
		return "", 0, fmt.Errorf("committing block list for %s/%s: %w", bucket, key, err)
	}

	size, err := b.client.BlobSize(ctx, b.container, name)
	if err != nil {
		return "", 0, fmt.Errorf("heading assembled object: %w", err)
	}
	etag, err := b.hashBlob(ctx, name)
	if err != nil {
		return "", 0, fmt.Errorf("hashing assembled object: %w", err)
	}
	return etag, size, nil
}

// DeleteParts is a no-op: uncommitted blocks have no standalone existence
// and Azure expires them on its own.
func (b *AzureBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

func (b *AzureBackend) Ping(ctx context.Context) error {
	// A properties probe on an impossible name exercises auth and container
	// reachability without touching real data.
	_, err := b.client.BlobExists(ctx, b.container, "\x00unreachable\x00")
	return err
}

// hashBlob downloads the blob and returns its quoted MD5.
func (b *AzureBackend) hashBlob(ctx context.Context, name string) (string, error) {
	body, err := b.client.DownloadBlob(ctx, b.container, name, 0, -1)
	if err != nil {
		return "", err
	}
	defer body.Close()

	h := md5.New()
	if _, err := io.Copy(h, body); err != nil {
		return "", err
	}
	return fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

func azureIsNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

var _ Backend = (*AzureBackend)(nil)
