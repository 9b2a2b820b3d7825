package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// fakeGCS is an in-memory GCSAPI keyed by upstream object name.
type fakeGCS struct {
	objects map[string][]byte

	composeCalls int
	lastOffset   int64
	lastLength   int64
	listDenyAll  bool
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: make(map[string][]byte)}
}

type fakeGCSWriter struct {
	fake *fakeGCS
	name string
	buf  bytes.Buffer
}

func (w *fakeGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeGCSWriter) Close() error {
	w.fake.objects[w.name] = w.buf.Bytes()
	return nil
}

func (f *fakeGCS) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &fakeGCSWriter{fake: f, name: object}
}

func (f *fakeGCS) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	data, ok := f.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	f.lastOffset, f.lastLength = offset, length
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (f *fakeGCS) Delete(ctx context.Context, bucket, object string) error {
	if _, ok := f.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(f.objects, object)
	return nil
}

func (f *fakeGCS) Attrs(ctx context.Context, bucket, object string) (*GCSObjectAttrs, error) {
	data, ok := f.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	sum := md5.Sum(data)
	return &GCSObjectAttrs{Size: int64(len(data)), MD5: sum[:]}, nil
}

func (f *fakeGCS) Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSObjectAttrs, error) {
	src, ok := f.objects[srcObject]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	f.objects[dstObject] = dst
	sum := md5.Sum(dst)
	return &GCSObjectAttrs{Size: int64(len(dst)), MD5: sum[:]}, nil
}

func (f *fakeGCS) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSObjectAttrs, error) {
	if len(srcObjects) > gcsMaxComposeSources {
		return nil, fmt.Errorf("compose source limit exceeded: %d", len(srcObjects))
	}
	f.composeCalls++
	var assembled []byte
	for _, name := range srcObjects {
		data, ok := f.objects[name]
		if !ok {
			return nil, gcs.ErrObjectNotExist
		}
		assembled = append(assembled, data...)
	}
	f.objects[dstObject] = assembled
	// Composite objects carry no MD5, like real GCS.
	return &GCSObjectAttrs{Size: int64(len(assembled))}, nil
}

func (f *fakeGCS) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if f.listDenyAll {
		return nil, fmt.Errorf("permission denied")
	}
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func newGCSUnderTest() (*GCSBackend, *fakeGCS) {
	fake := newFakeGCS()
	return NewGCSBackendWithClient("upstream", "pfx/", fake), fake
}

func TestGCSKeyMapping(t *testing.T) {
	b, fake := newGCSUnderTest()
	putObject(t, b, "photos", "2024/trip.jpg", "pixels")

	if _, ok := fake.objects["pfx/photos/2024/trip.jpg"]; !ok {
		t.Errorf("object not stored under prefixed upstream name, have %v", fake.objects)
	}
}

func TestGCSPutGetRoundTrip(t *testing.T) {
	b, _ := newGCSUnderTest()
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

func TestGCSRangeReader(t *testing.T) {
	b, fake := newGCSUnderTest()
	ctx := context.Background()
	putObject(t, b, "photos", "k", "hello world")

	rc, length, err := b.GetObject(ctx, "photos", "k", &ByteRange{Offset: 6, Length: 5})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if length != 5 || readAll(t, rc) != "world" {
		t.Errorf("range read wrong, length=%d", length)
	}
	if fake.lastOffset != 6 || fake.lastLength != 5 {
		t.Errorf("range reader opened with (%d, %d), want (6, 5)", fake.lastOffset, fake.lastLength)
	}

	// Open-ended ranges are clamped to a concrete length before the read.
	rc, length, err = b.GetObject(ctx, "photos", "k", &ByteRange{Offset: 6, Length: -1})
	if err != nil {
		t.Fatalf("GetObject open-ended: %v", err)
	}
	rc.Close()
	if length != 5 || fake.lastLength != 5 {
		t.Errorf("open-ended range length = %d (reader %d), want 5", length, fake.lastLength)
	}
}

func TestGCSGetMissing(t *testing.T) {
	b, _ := newGCSUnderTest()
	if _, _, err := b.GetObject(context.Background(), "photos", "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetObject(missing) = %v, want ErrNotFound", err)
	}
}

func TestGCSCopyObject(t *testing.T) {
	b, fake := newGCSUnderTest()
	ctx := context.Background()
	srcETag := putObject(t, b, "photos", "src", "copy me")

	etag, err := b.CopyObject(ctx, "photos", "src", "archive", "dst")
	if err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if etag != srcETag {
		t.Errorf("copy etag = %s, want %s", etag, srcETag)
	}
	if string(fake.objects["pfx/archive/dst"]) != "copy me" {
		t.Errorf("destination bytes wrong")
	}

	if _, err := b.CopyObject(ctx, "photos", "absent", "archive", "dst2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CopyObject(missing) = %v, want ErrNotFound", err)
	}
}

func TestGCSPartStaging(t *testing.T) {
	b, fake := newGCSUnderTest()
	ctx := context.Background()

	if _, _, err := b.PutPart(ctx, "photos", "big", "upl-7", 2, strings.NewReader("chunk"), 5); err != nil {
		t.Fatalf("PutPart: %v", err)
	}
	if string(fake.objects["pfx/.parts/upl-7/00002"]) != "chunk" {
		t.Errorf("part not staged under parts prefix, have %v", fake.objects)
	}
}

func TestGCSAssembleSingleCompose(t *testing.T) {
	b, fake := newGCSUnderTest()
	ctx := context.Background()

	for pn, piece := range map[int]string{1: "hello ", 2: "world"} {
		if _, _, err := b.PutPart(ctx, "photos", "big", "upl-two", pn, strings.NewReader(piece), int64(len(piece))); err != nil {
			t.Fatalf("PutPart(%d): %v", pn, err)
		}
	}
	etag, size, err := b.AssembleParts(ctx, "photos", "big", "upl-two", []int{1, 2})
	if err != nil {
		t.Fatalf("AssembleParts: %v", err)
	}
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
	// ETag is the MD5 of the concatenation, computed by download since the
	// composite carries no MD5 attribute.
	if etag != `"5eb63bbbe01eeed093cb22bb8f5acdc3"` {
		t.Errorf("etag = %s", etag)
	}
	if fake.composeCalls != 1 {
		t.Errorf("composeCalls = %d, want 1", fake.composeCalls)
	}
	if string(fake.objects["pfx/photos/big"]) != "hello world" {
		t.Errorf("assembled bytes = %q", fake.objects["pfx/photos/big"])
	}
	for name := range fake.objects {
		if strings.HasPrefix(name, "pfx/.parts/upl-two/") {
			t.Errorf("staged part %s survived assembly", name)
		}
	}
}

func TestGCSAssembleChainCompose(t *testing.T) {
	b, fake := newGCSUnderTest()
	ctx := context.Background()

	// More parts than one Compose call accepts.
	const parts = gcsMaxComposeSources + 8
	var want bytes.Buffer
	numbers := make([]int, 0, parts)
	for pn := 1; pn <= parts; pn++ {
		piece := fmt.Sprintf("p%02d.", pn)
		want.WriteString(piece)
		if _, _, err := b.PutPart(ctx, "photos", "big", "upl-many", pn, strings.NewReader(piece), int64(len(piece))); err != nil {
			t.Fatalf("PutPart(%d): %v", pn, err)
		}
		numbers = append(numbers, pn)
	}

	_, size, err := b.AssembleParts(ctx, "photos", "big", "upl-many", numbers)
	if err != nil {
		t.Fatalf("AssembleParts: %v", err)
	}
	if size != int64(want.Len()) {
		t.Errorf("size = %d, want %d", size, want.Len())
	}
	if got := string(fake.objects["pfx/photos/big"]); got != want.String() {
		t.Errorf("assembled bytes wrong:\n got %q\nwant %q", got, want.String())
	}
	if fake.composeCalls < 2 {
		t.Errorf("composeCalls = %d, want chained composes", fake.composeCalls)
	}
	// No intermediates or staged parts left behind.
	for name := range fake.objects {
		if strings.Contains(name, "__compose_") || strings.HasPrefix(name, "pfx/.parts/upl-many/") {
			t.Errorf("leftover object %s after chained assembly", name)
		}
	}
}

func TestGCSDeleteParts(t *testing.T) {
	b, fake := newGCSUnderTest()
	ctx := context.Background()

	for pn := 1; pn <= 3; pn++ {
		if _, _, err := b.PutPart(ctx, "photos", "big", "upl-gone", pn, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutPart(%d): %v", pn, err)
		}
	}
	if err := b.DeleteParts(ctx, "photos", "big", "upl-gone"); err != nil {
		t.Fatalf("DeleteParts: %v", err)
	}
	for name := range fake.objects {
		if strings.HasPrefix(name, "pfx/.parts/upl-gone/") {
			t.Errorf("part %s survived DeleteParts", name)
		}
	}
	if err := b.DeleteParts(ctx, "photos", "big", "upl-gone"); err != nil {
		t.Errorf("second DeleteParts = %v", err)
	}
}

func TestGCSPing(t *testing.T) {
	b, fake := newGCSUnderTest()
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v", err)
	}
	fake.listDenyAll = true
	if err := b.Ping(context.Background()); err == nil {
		t.Errorf("Ping against failing bucket succeeded")
	}
}
