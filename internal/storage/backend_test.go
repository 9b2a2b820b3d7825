package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

// backendUnderTest opens a fresh embedded backend per subtest. The cloud
// gateways are covered separately with fake clients.
type backendUnderTest struct {
	name string
	open func(t *testing.T) Backend
}

func testBackends() []backendUnderTest {
	return []backendUnderTest{
		{
			name: "local",
			open: func(t *testing.T) Backend {
				b, err := NewLocalBackend(t.TempDir())
				if err != nil {
					t.Fatalf("NewLocalBackend: %v", err)
				}
				return b
			},
		},
		{
			name: "memory",
			open: func(t *testing.T) Backend {
				b, err := NewMemoryBackend(MemoryBackendConfig{})
				if err != nil {
					t.Fatalf("NewMemoryBackend: %v", err)
				}
				return b
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Backend {
				b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "blobs.db"))
				if err != nil {
					t.Fatalf("NewSQLiteBackend: %v", err)
				}
				t.Cleanup(func() { b.Close() })
				return b
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for _, bt := range testBackends() {
		t.Run(bt.name, func(t *testing.T) {
			fn(t, bt.open(t))
		})
	}
}

func putObject(t *testing.T, b Backend, bucket, key, body string) string {
	t.Helper()
	n, etag, err := b.PutObject(context.Background(), bucket, key, strings.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("PutObject(%s/%s): %v", bucket, key, err)
	}
	if n != int64(len(body)) {
		t.Fatalf("PutObject wrote %d bytes, want %d", n, len(body))
	}
	return etag
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

func TestPutGetRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		if err := b.CreateBucket(ctx, "photos"); err != nil {
			t.Fatalf("CreateBucket: %v", err)
		}

		etag := putObject(t, b, "photos", "greeting.txt", "hello world")
		if etag != `"5eb63bbbe01eeed093cb22bb8f5acdc3"` {
			t.Errorf("etag = %s, want quoted md5 of body", etag)
		}

		rc, length, err := b.GetObject(ctx, "photos", "greeting.txt", nil)
		if err != nil {
			t.Fatalf("GetObject: %v", err)
		}
		if length != 11 {
			t.Errorf("length = %d, want 11", length)
		}
		if got := readAll(t, rc); got != "hello world" {
			t.Errorf("body = %q, want %q", got, "hello world")
		}
	})
}

func TestGetObjectMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		_, _, err := b.GetObject(context.Background(), "photos", "nope", nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetObject(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestPutObjectOverwrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		putObject(t, b, "photos", "k", "first version")
		putObject(t, b, "photos", "k", "second")

		rc, length, err := b.GetObject(ctx, "photos", "k", nil)
		if err != nil {
			t.Fatalf("GetObject: %v", err)
		}
		if length != 6 || readAll(t, rc) != "second" {
			t.Errorf("overwrite not visible, length=%d", length)
		}
	})
}

func TestGetObjectRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		putObject(t, b, "photos", "k", "hello world")

		cases := []struct {
			name string
			rng  ByteRange
			want string
		}{
			{"middle", ByteRange{Offset: 6, Length: 5}, "world"},
			{"openEnded", ByteRange{Offset: 6, Length: -1}, "world"},
			{"prefix", ByteRange{Offset: 0, Length: 5}, "hello"},
			{"clampedLength", ByteRange{Offset: 8, Length: 100}, "rld"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				rng := tc.rng
				rc, length, err := b.GetObject(ctx, "photos", "k", &rng)
				if err != nil {
					t.Fatalf("GetObject: %v", err)
				}
				if length != int64(len(tc.want)) {
					t.Errorf("length = %d, want %d", length, len(tc.want))
				}
				if got := readAll(t, rc); got != tc.want {
					t.Errorf("body = %q, want %q", got, tc.want)
				}
			})
		}
	})
}

func TestObjectExists(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		putObject(t, b, "photos", "here", "x")

		ok, err := b.ObjectExists(ctx, "photos", "here")
		if err != nil || !ok {
			t.Errorf("ObjectExists(present) = %v, %v, want true", ok, err)
		}
		ok, err = b.ObjectExists(ctx, "photos", "gone")
		if err != nil || ok {
			t.Errorf("ObjectExists(absent) = %v, %v, want false", ok, err)
		}
	})
}

func TestDeleteObjectIdempotentBytes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		putObject(t, b, "photos", "k", "bytes")

		if err := b.DeleteObject(ctx, "photos", "k"); err != nil {
			t.Fatalf("DeleteObject: %v", err)
		}
		if _, _, err := b.GetObject(ctx, "photos", "k", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetObject after delete = %v, want ErrNotFound", err)
		}
		if err := b.DeleteObject(ctx, "photos", "k"); err != nil {
			t.Errorf("second DeleteObject = %v, want nil", err)
		}
	})
}

func TestCopyObjectBytes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		srcETag := putObject(t, b, "photos", "src", "copy me")

		etag, err := b.CopyObject(ctx, "photos", "src", "archive", "dst")
		if err != nil {
			t.Fatalf("CopyObject: %v", err)
		}
		if etag != srcETag {
			t.Errorf("copied etag = %s, want %s", etag, srcETag)
		}

		rc, _, err := b.GetObject(ctx, "archive", "dst", nil)
		if err != nil {
			t.Fatalf("GetObject(dst): %v", err)
		}
		if got := readAll(t, rc); got != "copy me" {
			t.Errorf("copied body = %q", got)
		}

		if _, err := b.CopyObject(ctx, "photos", "missing", "archive", "dst2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("CopyObject(missing source) = %v, want ErrNotFound", err)
		}
	})
}

func TestMultipartAssembly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		const uploadID = "upl-assemble"

		pieces := []string{"hello ", "world"}
		for i, piece := range pieces {
			n, etag, err := b.PutPart(ctx, "photos", "big", uploadID, i+1, strings.NewReader(piece), int64(len(piece)))
			if err != nil {
				t.Fatalf("PutPart(%d): %v", i+1, err)
			}
			if n != int64(len(piece)) {
				t.Errorf("part %d wrote %d bytes, want %d", i+1, n, len(piece))
			}
			sum := md5.Sum([]byte(piece))
			if want := fmt.Sprintf(`"%x"`, sum[:]); etag != want {
				t.Errorf("part %d etag = %s, want %s", i+1, etag, want)
			}
		}

		etag, size, err := b.AssembleParts(ctx, "photos", "big", uploadID, []int{1, 2})
		if err != nil {
			t.Fatalf("AssembleParts: %v", err)
		}
		if size != 11 {
			t.Errorf("assembled size = %d, want 11", size)
		}
		// MD5 of the concatenation, not of the part digests.
		if etag != `"5eb63bbbe01eeed093cb22bb8f5acdc3"` {
			t.Errorf("assembled etag = %s", etag)
		}

		rc, _, err := b.GetObject(ctx, "photos", "big", nil)
		if err != nil {
			t.Fatalf("GetObject(assembled): %v", err)
		}
		if got := readAll(t, rc); got != "hello world" {
			t.Errorf("assembled body = %q", got)
		}
	})
}

func TestAssemblePartsMissingPart(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		const uploadID = "upl-hole"
		if _, _, err := b.PutPart(ctx, "photos", "k", uploadID, 1, strings.NewReader("one"), 3); err != nil {
			t.Fatalf("PutPart: %v", err)
		}
		if _, _, err := b.AssembleParts(ctx, "photos", "k", uploadID, []int{1, 2}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AssembleParts with missing part = %v, want ErrNotFound", err)
		}
	})
}

func TestPartOverwriteBytes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		const uploadID = "upl-rewrite"
		if _, _, err := b.PutPart(ctx, "photos", "k", uploadID, 1, strings.NewReader("old old old"), 11); err != nil {
			t.Fatalf("PutPart: %v", err)
		}
		if _, _, err := b.PutPart(ctx, "photos", "k", uploadID, 1, strings.NewReader("new"), 3); err != nil {
			t.Fatalf("PutPart overwrite: %v", err)
		}

		etag, size, err := b.AssembleParts(ctx, "photos", "k", uploadID, []int{1})
		if err != nil {
			t.Fatalf("AssembleParts: %v", err)
		}
		if size != 3 {
			t.Errorf("size = %d, want 3", size)
		}
		sum := md5.Sum([]byte("new"))
		if want := fmt.Sprintf(`"%x"`, sum[:]); etag != want {
			t.Errorf("etag = %s, want %s", etag, want)
		}
	})
}

func TestDeletePartsDiscardsUpload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		const uploadID = "upl-abort"
		if _, _, err := b.PutPart(ctx, "photos", "k", uploadID, 1, strings.NewReader("part"), 4); err != nil {
			t.Fatalf("PutPart: %v", err)
		}

		if err := b.DeleteParts(ctx, "photos", "k", uploadID); err != nil {
			t.Fatalf("DeleteParts: %v", err)
		}
		if _, _, err := b.AssembleParts(ctx, "photos", "k", uploadID, []int{1}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AssembleParts after DeleteParts = %v, want ErrNotFound", err)
		}
		// Idempotent on an upload with nothing staged.
		if err := b.DeleteParts(ctx, "photos", "k", uploadID); err != nil {
			t.Errorf("second DeleteParts = %v", err)
		}
	})
}

func TestPing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		if err := b.Ping(context.Background()); err != nil {
			t.Errorf("Ping = %v", err)
		}
	})
}

func TestSliceRange(t *testing.T) {
	cases := []struct {
		name       string
		rng        *ByteRange
		total      int64
		offset, ln int64
	}{
		{"nil", nil, 10, 0, 10},
		{"exact", &ByteRange{Offset: 2, Length: 3}, 10, 2, 3},
		{"toEnd", &ByteRange{Offset: 4, Length: -1}, 10, 4, 6},
		{"overLength", &ByteRange{Offset: 8, Length: 100}, 10, 8, 2},
		{"offsetPastEnd", &ByteRange{Offset: 20, Length: 5}, 10, 10, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			offset, length := sliceRange(tc.rng, tc.total)
			if offset != tc.offset || length != tc.ln {
				t.Errorf("sliceRange = (%d, %d), want (%d, %d)", offset, length, tc.offset, tc.ln)
			}
		})
	}
}
