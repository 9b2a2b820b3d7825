package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azbloblib "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

// azureClient adapts *azblob.Client to AzureBlobAPI.
type azureClient struct {
	client *azblob.Client
}

func newAzureClient(cfg AzureBackendConfig) (*azureClient, error) {
	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("from connection string: %w", err)
		}
		return &azureClient{client: client}, nil
	}

	if cfg.AccountName != "" && cfg.AccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(cfg.AccountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("with shared key: %w", err)
		}
		return &azureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("default credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("with default credential: %w", err)
	}
	return &azureClient{client: client}, nil
}

func (c *azureClient) blobClient(container, name string) *azbloblib.Client {
	return c.client.ServiceClient().NewContainerClient(container).NewBlobClient(name)
}

func (c *azureClient) blockBlobClient(container, name string) *blockblob.Client {
	return c.client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(name)
}

func (c *azureClient) UploadBlob(ctx context.Context, container, name string, data []byte) error {
	_, err := c.client.UploadBuffer(ctx, container, name, data, nil)
	return err
}

func (c *azureClient) DownloadBlob(ctx context.Context, container, name string, offset, length int64) (io.ReadCloser, error) {
	opts := &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset},
	}
	if length >= 0 {
		opts.Range.Count = length
	}
	resp, err := c.client.DownloadStream(ctx, container, name, opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *azureClient) DeleteBlob(ctx context.Context, container, name string) error {
	_, err := c.client.DeleteBlob(ctx, container, name, nil)
	return err
}

func (c *azureClient) BlobExists(ctx context.Context, container, name string) (bool, error) {
	_, err := c.blobClient(container, name).GetProperties(ctx, nil)
	if err != nil {
		if azureIsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *azureClient) BlobSize(ctx context.Context, container, name string) (int64, error) {
	resp, err := c.blobClient(container, name).GetProperties(ctx, nil)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength == nil {
		return 0, nil
	}
	return *resp.ContentLength, nil
}

func (c *azureClient) CopyBlob(ctx context.Context, container, dstName, srcURL string) error {
	_, err := c.blobClient(container, dstName).StartCopyFromURL(ctx, srcURL, nil)
	return err
}

func (c *azureClient) StageBlock(ctx context.Context, container, name, blockID string, data []byte) error {
	_, err := c.blockBlobClient(container, name).StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil)
	return err
}

func (c *azureClient) CommitBlockList(ctx context.Context, container, name string, blockIDs []string) error {
	_, err := c.blockBlobClient(container, name).CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{})
	return err
}
