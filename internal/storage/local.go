package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/e6qu/bleepstore-sub001/internal/uid"
)

// partsDirName is the reserved subtree for in-progress multipart parts.
// Bucket names may not start with a dot, so it can never collide.
const partsDirName = ".parts"

// LocalBackend stores objects as files at root/<bucket>/<key>. Writes follow
// the crash-only protocol: temp file beside the destination, fsync, atomic
// rename. A startup sweep removes temp files left by a crash.
type LocalBackend struct {
	rootDir string
}

func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", rootDir, err)
	}
	return &LocalBackend{rootDir: rootDir}, nil
}

// SweepTempFiles walks the root and removes stray *.tmp.* files from writes
// interrupted by a crash. Called once at startup before serving.
func (b *LocalBackend) SweepTempFiles() error {
	return filepath.WalkDir(b.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), ".tmp.") {
			os.Remove(path)
		}
		return nil
	})
}

func (b *LocalBackend) objectPath(bucket, key string) string {
	return filepath.Join(b.rootDir, bucket, key)
}

func (b *LocalBackend) partPath(uploadID string, partNumber int) string {
	return filepath.Join(b.rootDir, partsDirName, uploadID, fmt.Sprintf("%05d", partNumber))
}

// writeAtomic streams r into a temp file beside dst, fsyncs, and renames it
// onto dst. Returns bytes written and the quoted MD5 ETag.
func writeAtomic(dst string, r io.Reader) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", fmt.Errorf("creating parent directories for %q: %w", dst, err)
	}

	tmp := dst + ".tmp." + uid.New()
	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(f, io.TeeReader(r, h))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, "", fmt.Errorf("writing %q: %w", dst, err)
	}
	return n, fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

func (b *LocalBackend) CreateBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(b.rootDir, bucket), 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucket, err)
	}
	return nil
}

func (b *LocalBackend) DeleteBucket(ctx context.Context, bucket string) error {
	// os.Remove refuses non-empty directories, which is what we want: the
	// metadata layer has already verified emptiness.
	err := os.Remove(filepath.Join(b.rootDir, bucket))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket directory %q: %w", bucket, err)
	}
	return nil
}

func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	return writeAtomic(b.objectPath(bucket, key), r)
}

func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string, rng *ByteRange) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("opening object %s/%s: %w", bucket, key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}

	offset, length := sliceRange(rng, info.Size())
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seeking object %s/%s: %w", bucket, key, err)
		}
	}
	if rng == nil {
		return f, length, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, length, nil
}

// limitedFile bounds a range read while keeping the underlying file closable.
type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	info, err := os.Stat(b.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return !info.IsDir(), nil
}

func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	path := b.objectPath(bucket, key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object %s/%s: %w", bucket, key, err)
	}
	b.collapseEmptyParents(filepath.Dir(path), filepath.Join(b.rootDir, bucket))
	return nil
}

// collapseEmptyParents removes empty directories from dir up to, but not
// including, stopAt. Keys with "/" create subdirectories that should not
// outlive their objects.
func (b *LocalBackend) collapseEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && strings.HasPrefix(dir, stopAt+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

func (b *LocalBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	src, err := os.Open(b.objectPath(srcBucket, srcKey))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("opening copy source %s/%s: %w", srcBucket, srcKey, err)
	}
	defer src.Close()

	_, etag, err := writeAtomic(b.objectPath(dstBucket, dstKey), src)
	return etag, err
}

func (b *LocalBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (int64, string, error) {
	return writeAtomic(b.partPath(uploadID, partNumber), r)
}

func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, int64, error) {
	dst := b.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating parent directories for %q: %w", dst, err)
	}

	tmp := dst + ".tmp." + uid.New()
	out, err := os.Create(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("creating assembly temp file: %w", err)
	}

	fail := func(err error) (string, int64, error) {
		out.Close()
		os.Remove(tmp)
		return "", 0, err
	}

	h := md5.New()
	var total int64
	for _, pn := range partNumbers {
		part, err := os.Open(b.partPath(uploadID, pn))
		if err != nil {
			if os.IsNotExist(err) {
				return fail(fmt.Errorf("part %d: %w", pn, ErrNotFound))
			}
			return fail(fmt.Errorf("opening part %d: %w", pn, err))
		}
		n, err := io.Copy(out, io.TeeReader(part, h))
		part.Close()
		if err != nil {
			return fail(fmt.Errorf("copying part %d: %w", pn, err))
		}
		total += n
	}

	if err := out.Sync(); err != nil {
		return fail(fmt.Errorf("syncing assembled object: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("closing assembled object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("publishing assembled object: %w", err)
	}

	b.removePartDir(uploadID)
	return fmt.Sprintf(`"%x"`, h.Sum(nil)), total, nil
}

func (b *LocalBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	b.removePartDir(uploadID)
	return nil
}

func (b *LocalBackend) removePartDir(uploadID string) {
	os.RemoveAll(filepath.Join(b.rootDir, partsDirName, uploadID))
	// Drop the .parts root too once the last upload is gone.
	os.Remove(filepath.Join(b.rootDir, partsDirName))
}

func (b *LocalBackend) Ping(ctx context.Context) error {
	info, err := os.Stat(b.rootDir)
	if err != nil {
		return fmt.Errorf("storage root %q: %w", b.rootDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %q is not a directory", b.rootDir)
	}
	return nil
}
