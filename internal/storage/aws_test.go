package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 is an in-memory S3API. Keys are upstream keys (prefix applied).
type fakeS3 struct {
	bucket  string
	objects map[string][]byte

	uploads      map[string]map[int32][]byte
	nextUploadID int

	// minCopySize makes UploadPartCopy fail with EntityTooSmall for smaller
	// sources, mimicking the upstream 5 MiB floor.
	minCopySize int64

	lastRange       string
	uploadPartCalls int
	aborted         []string
	bucketErr       error
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{
		bucket:  bucket,
		objects: make(map[string][]byte),
		uploads: make(map[string]map[int32][]byte),
	}
}

func (f *fakeS3) quotedETag(data []byte) string {
	return quotedMD5(data)
}

// sourceKey strips the "bucket/" prefix from a CopySource value.
func (f *fakeS3) sourceKey(copySource string) string {
	return strings.TrimPrefix(copySource, f.bucket+"/")
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(f.quotedETag(data))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.lastRange = aws.ToString(in.Range)
	if f.lastRange != "" {
		data = applyRangeHeader(f.lastRange, data)
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// applyRangeHeader serves "bytes=a-b" and "bytes=a-" over data.
func applyRangeHeader(header string, data []byte) []byte {
	spec := strings.TrimPrefix(header, "bytes=")
	dash := strings.Index(spec, "-")
	start, _ := strconv.ParseInt(spec[:dash], 10, 64)
	end := int64(len(data)) - 1
	if rest := spec[dash+1:]; rest != "" {
		end, _ = strconv.ParseInt(rest, 10, 64)
	}
	if start > int64(len(data)) {
		return nil
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return data[start : end+1]
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	src, ok := f.objects[f.sourceKey(aws.ToString(in.CopySource))]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	f.objects[aws.ToString(in.Key)] = dst
	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(f.quotedETag(dst))},
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound"}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(f.quotedETag(data)),
	}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.bucketErr != nil {
		return nil, f.bucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.nextUploadID++
	id := fmt.Sprintf("mpu-%d", f.nextUploadID)
	f.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.uploadPartCalls++
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	up[aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(f.quotedETag(data))}, nil
}

func (f *fakeS3) UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	src, ok := f.objects[f.sourceKey(aws.ToString(in.CopySource))]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if f.minCopySize > 0 && int64(len(src)) < f.minCopySize {
		return nil, &smithy.GenericAPIError{Code: "EntityTooSmall"}
	}
	data := make([]byte, len(src))
	copy(data, src)
	up[aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartCopyOutput{
		CopyPartResult: &types.CopyPartResult{ETag: aws.String(f.quotedETag(data))},
	}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	var assembled []byte
	for _, part := range in.MultipartUpload.Parts {
		assembled = append(assembled, up[aws.ToInt32(part.PartNumber)]...)
	}
	f.objects[aws.ToString(in.Key)] = assembled
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{
		ETag: aws.String(fmt.Sprintf(`"%s-%d"`, "opaque", len(in.MultipartUpload.Parts))),
	}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func newAWSUnderTest() (*AWSBackend, *fakeS3) {
	fake := newFakeS3("upstream")
	return NewAWSBackendWithClient("upstream", "pfx/", fake), fake
}

func TestAWSKeyMapping(t *testing.T) {
	b, fake := newAWSUnderTest()
	putObject(t, b, "photos", "2024/trip.jpg", "pixels")

	if _, ok := fake.objects["pfx/photos/2024/trip.jpg"]; !ok {
		t.Errorf("object not stored under prefixed upstream key, have %v", fake.objects)
	}
}

func TestAWSPutGetRoundTrip(t *testing.T) {
	b, _ := newAWSUnderTest()
	ctx := context.Background()

	etag := putObject(t, b, "photos", "k", "hello world")
	if etag != `"5eb63bbbe01eeed093cb22bb8f5acdc3"` {
		t.Errorf("etag = %s", etag)
	}

	rc, length, err := b.GetObject(ctx, "photos", "k", nil)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if length != 11 || readAll(t, rc) != "hello world" {
		t.Errorf("round trip failed, length=%d", length)
	}
}

func TestAWSRangeHeader(t *testing.T) {
	b, fake := newAWSUnderTest()
	ctx := context.Background()
	putObject(t, b, "photos", "k", "hello world")

	rc, _, err := b.GetObject(ctx, "photos", "k", &ByteRange{Offset: 6, Length: 5})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got := readAll(t, rc); got != "world" {
		t.Errorf("range body = %q", got)
	}
	if fake.lastRange != "bytes=6-10" {
		t.Errorf("range header = %q, want bytes=6-10", fake.lastRange)
	}

	rc, _, err = b.GetObject(ctx, "photos", "k", &ByteRange{Offset: 6, Length: -1})
	if err != nil {
		t.Fatalf("GetObject open-ended: %v", err)
	}
	rc.Close()
	if fake.lastRange != "bytes=6-" {
		t.Errorf("open-ended range header = %q, want bytes=6-", fake.lastRange)
	}
}

func TestAWSGetMissing(t *testing.T) {
	b, _ := newAWSUnderTest()
	if _, _, err := b.GetObject(context.Background(), "photos", "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObject(missing) = %v, want ErrNotFound", err)
	}
}

func TestAWSCopyObject(t *testing.T) {
	b, fake := newAWSUnderTest()
	ctx := context.Background()
	putObject(t, b, "photos", "src", "copy me")

	etag, err := b.CopyObject(ctx, "photos", "src", "archive", "dst")
	if err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if !strings.HasPrefix(etag, `"`) || !strings.HasSuffix(etag, `"`) {
		t.Errorf("copy etag %s not quoted", etag)
	}
	if string(fake.objects["pfx/archive/dst"]) != "copy me" {
		t.Errorf("destination bytes wrong")
	}

	if _, err := b.CopyObject(ctx, "photos", "absent", "archive", "dst2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CopyObject(missing) = %v, want ErrNotFound", err)
	}
}

func TestAWSPartStaging(t *testing.T) {
	b, fake := newAWSUnderTest()
	ctx := context.Background()

	if _, _, err := b.PutPart(ctx, "photos", "big", "upl-7", 2, strings.NewReader("chunk"), 5); err != nil {
		t.Fatalf("PutPart: %v", err)
	}
	if string(fake.objects["pfx/.parts/upl-7/00002"]) != "chunk" {
		t.Errorf("part not staged under parts prefix, have %v", fake.objects)
	}
}

func TestAWSAssembleSinglePart(t *testing.T) {
	b, fake := newAWSUnderTest()
	ctx := context.Background()

	if _, _, err := b.PutPart(ctx, "photos", "big", "upl-one", 1, strings.NewReader("only part"), 9); err != nil {
		t.Fatalf("PutPart: %v", err)
	}
	etag, size, err := b.AssembleParts(ctx, "photos", "big", "upl-one", []int{1})
	if err != nil {
		t.Fatalf("AssembleParts: %v", err)
	}
	if size != 9 {
		t.Errorf("size = %d, want 9", size)
	}
	if etag == "" {
		t.Errorf("empty etag")
	}
	if string(fake.objects["pfx/photos/big"]) != "only part" {
		t.Errorf("final object missing or wrong")
	}
	if _, ok := fake.objects["pfx/.parts/upl-one/00001"]; ok {
		t.Errorf("staged part survived assembly")
	}
}

func TestAWSAssembleMultipart(t *testing.T) {
	b, fake := newAWSUnderTest()
	ctx := context.Background()

	for pn, piece := range map[int]string{1: "hello ", 2: "world"} {
		if _, _, err := b.PutPart(ctx, "photos", "big", "upl-two", pn, strings.NewReader(piece), int64(len(piece))); err != nil {
			t.Fatalf("PutPart(%d): %v", pn, err)
		}
	}
	_, size, err := b.AssembleParts(ctx, "photos", "big", "upl-two", []int{1, 2})
	if err != nil {
		t.Fatalf("AssembleParts: %v", err)
	}
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
	if string(fake.objects["pfx/photos/big"]) != "hello world" {
		t.Errorf("assembled bytes = %q", fake.objects["pfx/photos/big"])
	}
	if len(fake.aborted) != 0 {
		t.Errorf("upstream upload aborted on success path: %v", fake.aborted)
	}
	for k := range fake.objects {
		if strings.HasPrefix(k, "pfx/.parts/upl-two/") {
			t.Errorf("staged part %s survived assembly", k)
		}
	}
}

func TestAWSAssembleSmallPartFallback(t *testing.T) {
	b, fake := newAWSUnderTest()
	fake.minCopySize = 1 << 20
	ctx := context.Background()

	for pn, piece := range map[int]string{1: "tiny ", 2: "parts"} {
		if _, _, err := b.PutPart(ctx, "photos", "big", "upl-small", pn, strings.NewReader(piece), int64(len(piece))); err != nil {
			t.Fatalf("PutPart(%d): %v", pn, err)
		}
	}
	_, size, err := b.AssembleParts(ctx, "photos", "big", "upl-small", []int{1, 2})
	if err != nil {
		t.Fatalf("AssembleParts: %v", err)
	}
	if size != 10 {
		t.Errorf("size = %d, want 10", size)
	}
	if fake.uploadPartCalls == 0 {
		t.Errorf("expected download-and-reupload fallback for undersized parts")
	}
	if string(fake.objects["pfx/photos/big"]) != "tiny parts" {
		t.Errorf("assembled bytes = %q", fake.objects["pfx/photos/big"])
	}
}

func TestAWSDeleteParts(t *testing.T) {
	b, fake := newAWSUnderTest()
	ctx := context.Background()

	for pn := 1; pn <= 3; pn++ {
		if _, _, err := b.PutPart(ctx, "photos", "big", "upl-gone", pn, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutPart(%d): %v", pn, err)
		}
	}
	if err := b.DeleteParts(ctx, "photos", "big", "upl-gone"); err != nil {
		t.Fatalf("DeleteParts: %v", err)
	}
	for k := range fake.objects {
		if strings.HasPrefix(k, "pfx/.parts/upl-gone/") {
			t.Errorf("part %s survived DeleteParts", k)
		}
	}
	// Nothing left to delete is still success.
	if err := b.DeleteParts(ctx, "photos", "big", "upl-gone"); err != nil {
		t.Errorf("second DeleteParts = %v", err)
	}
}

func TestAWSPing(t *testing.T) {
	b, fake := newAWSUnderTest()
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v", err)
	}
	fake.bucketErr = &smithy.GenericAPIError{Code: "AccessDenied"}
	if err := b.Ping(context.Background()); err == nil {
		t.Errorf("Ping with failing bucket succeeded")
	}
}
