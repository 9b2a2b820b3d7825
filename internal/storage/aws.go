package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the slice of the AWS S3 client the gateway uses; tests substitute
// a fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSBackendConfig selects the upstream S3 bucket the gateway passes bytes
// through to. Static credentials are optional; the default chain applies
// when they are empty.
type AWSBackendConfig struct {
	Bucket          string
	Region          string
	Prefix          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// AWSBackend proxies bytes to a single upstream S3 bucket. Local buckets map
// to key prefixes: objects at {prefix}{bucket}/{key}, parts at
// {prefix}.parts/{uploadID}/{partNumber}.
type AWSBackend struct {
	bucket string
	prefix string
	client S3API
}

func NewAWSBackend(ctx context.Context, cfg AWSBackendConfig) (*AWSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws backend: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	b := NewAWSBackendWithClient(cfg.Bucket, cfg.Prefix, client)
	if err := b.Ping(ctx); err != nil {
		return nil, fmt.Errorf("upstream S3 bucket %q unreachable: %w", cfg.Bucket, err)
	}
	slog.Info("aws gateway ready", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "region", cfg.Region)
	return b, nil
}

// NewAWSBackendWithClient wires a prebuilt client; used by tests.
func NewAWSBackendWithClient(bucket, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{bucket: bucket, prefix: prefix, client: client}
}

func (b *AWSBackend) upstreamKey(bucket, key string) string {
	return b.prefix + bucket + "/" + key
}

func (b *AWSBackend) upstreamPartKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%05d", b.prefix, uploadID, partNumber)
}

// Buckets are key prefixes upstream; nothing to provision or remove.
func (b *AWSBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *AWSBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *AWSBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	// Buffer and hash locally: the upstream ETag differs under SSE, and ours
	// must always be the plain MD5.
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	sum := md5.Sum(data)

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.upstreamKey(bucket, key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, "", fmt.Errorf("uploading %s/%s: %w", bucket, key, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

func (b *AWSBackend) GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.upstreamKey(bucket, key)),
	}
	if rng != nil {
		if rng.Length < 0 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-", rng.Offset))
		} else {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.Offset+rng.Length-1))
		}
	}
	resp, err := b.client.GetObject(ctx, in)
	if err != nil {
		if awsIsNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("downloading %s/%s: %w", bucket, key, err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

func (b *AWSBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.upstreamKey(bucket, key)),
	})
	if err != nil {
		if awsIsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("heading %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (b *AWSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.upstreamKey(bucket, key)),
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *AWSBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	resp, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.upstreamKey(dstBucket, dstKey)),
		CopySource: aws.String(b.bucket + "/" + b.upstreamKey(srcBucket, srcKey)),
	})
	if err != nil {
		if awsIsNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("copying %s/%s: %w", srcBucket, srcKey, err)
	}
	if resp.CopyObjectResult != nil && resp.CopyObjectResult.ETag != nil {
		return quoteETag(*resp.CopyObjectResult.ETag), nil
	}
	return "", nil
}

func (b *AWSBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading part data: %w", err)
	}
	sum := md5.Sum(data)

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.upstreamPartKey(uploadID, partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, "", fmt.Errorf("uploading part %d of upload %s: %w", partNumber, uploadID, err)
	}
	return int64(len(data)), fmt.Sprintf(`"%x"`, sum[:]), nil
}

// AssembleParts stitches the staged part objects into the final upstream key
// with server-side copies where possible, then removes the staging area. The
// returned ETag is the upstream one; the caller computes the composite ETag
// it exposes from the recorded part digests.
func (b *AWSBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	finalKey := b.upstreamKey(bucket, key)

	var etag string
	if len(partNumbers) == 1 {
		resp, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(finalKey),
			CopySource: aws.String(b.bucket + "/" + b.upstreamPartKey(uploadID, partNumbers[0])),
		})
		if err != nil {
			return "", 0, fmt.Errorf("promoting single part: %w", err)
		}
		if resp.CopyObjectResult != nil && resp.CopyObjectResult.ETag != nil {
			etag = quoteETag(*resp.CopyObjectResult.ETag)
		}
	} else {
		etag2, err := b.assembleMultipart(ctx, finalKey, uploadID, partNumbers)
		if err != nil {
			return "", 0, err
		}
		etag = etag2
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return "", 0, fmt.Errorf("heading assembled object: %w", err)
	}

	if err := b.DeleteParts(ctx, bucket, key, uploadID); err != nil {
		slog.Warn("leaving stale staged parts", "upload_id", uploadID, "error", err)
	}
	return etag, aws.ToInt64(head.ContentLength), nil
}

// assembleMultipart runs a native upstream multipart upload over the staged
// parts, copying server-side and falling back to download-and-reupload when
// a staged part is below the upstream minimum copy size.
func (b *AWSBackend) assembleMultipart(ctx context.Context, finalKey, uploadID string, partNumbers []int) (string, error) {
	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return "", fmt.Errorf("creating upstream multipart upload: %w", err)
	}
	upstreamID := aws.ToString(created.UploadId)

	abort := func() {
		_, aerr := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(b.bucket),
			Key:      aws.String(finalKey),
			UploadId: aws.String(upstreamID),
		})
		if aerr != nil {
			slog.Warn("failed to abort upstream multipart upload", "upload_id", upstreamID, "error", aerr)
		}
	}

	var completed []types.CompletedPart
	for idx, pn := range partNumbers {
		upstreamNumber := int32(idx + 1)
		source := b.bucket + "/" + b.upstreamPartKey(uploadID, pn)

		var partETag string
		copied, copyErr := b.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(finalKey),
			UploadId:   aws.String(upstreamID),
			PartNumber: aws.Int32(upstreamNumber),
			CopySource: aws.String(source),
		})
		switch {
		case copyErr == nil:
			if copied.CopyPartResult != nil && copied.CopyPartResult.ETag != nil {
				partETag = *copied.CopyPartResult.ETag
			}
		case awsErrorCode(copyErr) == "EntityTooSmall":
			got, err := b.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(b.upstreamPartKey(uploadID, pn)),
			})
			if err != nil {
				abort()
				return "", fmt.Errorf("downloading part %d for reupload: %w", pn, err)
			}
			data, err := io.ReadAll(got.Body)
			got.Body.Close()
			if err != nil {
				abort()
				return "", fmt.Errorf("reading part %d: %w", pn, err)
			}
			uploaded, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(b.bucket),
				Key:        aws.String(finalKey),
				UploadId:   aws.String(upstreamID),
				PartNumber: aws.Int32(upstreamNumber),
				Body:       bytes.NewReader(data),
			})
			if err != nil {
				abort()
				return "", fmt.Errorf("reuploading part %d: %w", pn, err)
			}
			partETag = aws.ToString(uploaded.ETag)
		default:
			abort()
			return "", fmt.Errorf("copying part %d: %w", pn, copyErr)
		}

		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(partETag),
			PartNumber: aws.Int32(upstreamNumber),
		})
	}

	done, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(finalKey),
		UploadId:        aws.String(upstreamID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abort()
		return "", fmt.Errorf("completing upstream multipart upload: %w", err)
	}
	if done.ETag != nil {
		return quoteETag(*done.ETag), nil
	}
	return "", nil
}

func (b *AWSBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := b.prefix + ".parts/" + uploadID + "/"
	for {
		listed, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("listing staged parts of upload %s: %w", uploadID, err)
		}
		if len(listed.Contents) == 0 {
			return nil
		}

		ids := make([]types.ObjectIdentifier, 0, len(listed.Contents))
		for _, obj := range listed.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting staged parts of upload %s: %w", uploadID, err)
		}
		if !aws.ToBool(listed.IsTruncated) {
			return nil
		}
	}
}

func (b *AWSBackend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	return err
}

// quoteETag normalises an upstream ETag to the quoted form we use everywhere.
func quoteETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag
	}
	return `"` + etag + `"`
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func awsIsNotFound(err error) bool {
	switch awsErrorCode(err) {
	case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

var _ Backend = (*AWSBackend)(nil)
