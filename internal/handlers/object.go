package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/e6qu/bleepstore-sub001/internal/errors"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/storage"
	"github.com/e6qu/bleepstore-sub001/internal/xmlutil"
)

// requireBucket loads the bucket row or writes NoSuchBucket / InternalError.
func (a *API) requireBucket(w http.ResponseWriter, r *http.Request, bucket string) *metadata.BucketRecord {
	rec, err := a.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("bucket lookup", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return nil
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket)
		return nil
	}
	return rec
}

// requireObject loads the object row or writes NoSuchKey / InternalError.
func (a *API) requireObject(w http.ResponseWriter, r *http.Request, bucket, key string) *metadata.ObjectRecord {
	rec, err := a.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		slog.Error("object lookup", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return nil
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey)
		return nil
	}
	return rec
}

// PutObject answers PUT /{bucket}/{key}. The bytes land in storage first;
// the metadata upsert is the commit point. A metadata failure rolls the
// stored bytes back best-effort so no acknowledged state is lost either way.
func (a *API) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)

	if serr := checkObjectKey(key); serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}
	if r.ContentLength < 0 && len(r.TransferEncoding) == 0 {
		xmlutil.WriteError(w, r, s3err.ErrMissingContentLength)
		return
	}
	if a.maxObjectSize > 0 && r.ContentLength > a.maxObjectSize {
		xmlutil.WriteError(w, r, s3err.ErrEntityTooLarge.
			WithExtra("MaxSizeAllowed", strconv.FormatInt(a.maxObjectSize, 10)).
			WithExtra("ProposedSize", strconv.FormatInt(r.ContentLength, 10)))
		return
	}
	wantMD5, serr := contentMD5(r.Header)
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	owner := a.ownerFor(r)
	acl, serr := requestACL(r.Header, owner.ID, owner.DisplayName)
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	if a.requireBucket(w, r, bucket) == nil {
		return
	}

	// If-None-Match: * makes the PUT a create, not an overwrite.
	if r.Header.Get("If-None-Match") == "*" {
		exists, err := a.meta.ObjectExists(ctx, bucket, key)
		if err != nil {
			slog.Error("put object existence check", "bucket", bucket, "key", key, "error", err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
			return
		}
		if exists {
			xmlutil.WriteError(w, r, s3err.ErrPreconditionFailed)
			return
		}
	}

	size, etag, err := a.store.PutObject(ctx, bucket, key, r.Body, r.ContentLength)
	if err != nil {
		slog.Error("put object bytes", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	// The backend hashed the stream while writing, so the digest claim is
	// settled against the ETag it produced.
	if wantMD5 != "" && wantMD5 != strings.Trim(etag, `"`) {
		if delErr := a.store.DeleteObject(ctx, bucket, key); delErr != nil {
			slog.Warn("discard bytes after digest mismatch", "bucket", bucket, "key", key, "error", delErr)
		}
		xmlutil.WriteError(w, r, s3err.ErrBadDigest.
			WithExtra("ExpectedDigest", wantMD5).
			WithExtra("CalculatedDigest", strings.Trim(etag, `"`)))
		return
	}

	rec := &metadata.ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               size,
		ETag:               etag,
		ContentType:        orDefault(r.Header.Get("Content-Type"), "application/octet-stream"),
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		ACL:                acl,
		UserMetadata:       userMetadata(r.Header),
		LastModified:       time.Now().UTC(),
	}
	if err := a.meta.PutObject(ctx, rec); err != nil {
		slog.Error("put object metadata", "bucket", bucket, "key", key, "error", err)
		if delErr := a.store.DeleteObject(ctx, bucket, key); delErr != nil {
			slog.Warn("roll back bytes after metadata failure", "bucket", bucket, "key", key, "error", delErr)
		}
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetObject answers GET /{bucket}/{key}, with Range, the four conditional
// headers and response-* overrides.
func (a *API) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)

	if a.requireBucket(w, r, bucket) == nil {
		return
	}
	obj := a.requireObject(w, r, bucket, key)
	if obj == nil {
		return
	}

	if status := evalConditionals(r, obj.ETag, obj.LastModified); status != 0 {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.HTTPTime(obj.LastModified))
		if status == http.StatusPreconditionFailed {
			xmlutil.WriteError(w, r, s3err.ErrPreconditionFailed)
			return
		}
		w.WriteHeader(status)
		return
	}

	var rng *storage.ByteRange
	var start, end int64
	if rawRange := r.Header.Get("Range"); rawRange != "" {
		var err error
		start, end, err = parseByteRange(rawRange, obj.Size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
			xmlutil.WriteError(w, r, s3err.ErrInvalidRange)
			return
		}
		rng = &storage.ByteRange{Offset: start, Length: end - start + 1}
	}

	body, length, err := a.store.GetObject(ctx, bucket, key, rng)
	if err != nil {
		// The row exists but the bytes are gone; this is an inconsistency,
		// not a clean miss.
		slog.Error("open object bytes", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	defer body.Close()

	writeObjectHeaders(w, obj)
	applyResponseOverrides(w, r.URL.Query())
	if rng != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, obj.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := io.Copy(w, body); err != nil {
		slog.Debug("stream object body", "bucket", bucket, "key", key, "error", err)
	}
}

// HeadObject answers HEAD /{bucket}/{key}: headers only, bare statuses.
func (a *API) HeadObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitPath(r)

	rec, err := a.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("head object bucket lookup", "bucket", bucket, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	obj, err := a.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		slog.Error("head object lookup", "bucket", bucket, "key", key, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if status := evalConditionals(r, obj.ETag, obj.LastModified); status != 0 {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.HTTPTime(obj.LastModified))
		w.WriteHeader(status)
		return
	}

	writeObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject answers DELETE /{bucket}/{key}. The metadata row is the
// system of record, so it goes first; orphaned bytes are harmless and the
// storage delete is best-effort. Always 204, even for absent keys.
func (a *API) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)

	if a.requireBucket(w, r, bucket) == nil {
		return
	}
	if err := a.meta.DeleteObject(ctx, bucket, key); err != nil {
		slog.Error("delete object metadata", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if err := a.store.DeleteObject(ctx, bucket, key); err != nil {
		slog.Warn("delete object bytes", "bucket", bucket, "key", key, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects answers POST /{bucket}?delete: bulk delete with per-key
// results. Quiet mode suppresses the successes.
func (a *API) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, _ := splitPath(r)

	if a.requireBucket(w, r, bucket) == nil {
		return
	}

	var req xmlutil.DeleteRequest
	if err := xmlDecodeLimited(r.Body, &req); err != nil {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}

	result := xmlutil.DeleteResult{}
	for _, obj := range req.Objects {
		if err := a.meta.DeleteObject(ctx, bucket, obj.Key); err != nil {
			slog.Error("bulk delete metadata", "bucket", bucket, "key", obj.Key, "error", err)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    s3err.ErrInternalError.Code,
				Message: s3err.ErrInternalError.Message,
			})
			continue
		}
		if err := a.store.DeleteObject(ctx, bucket, obj.Key); err != nil {
			slog.Warn("bulk delete bytes", "bucket", bucket, "key", obj.Key, "error", err)
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}
	xmlutil.Write(w, http.StatusOK, result)
}

// CopyObject answers PUT /{bucket}/{key} carrying x-amz-copy-source. The
// metadata directive decides whether the destination inherits the source
// headers (COPY, default) or takes them from the request (REPLACE).
func (a *API) CopyObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dstBucket, dstKey := splitPath(r)

	if serr := checkObjectKey(dstKey); serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}
	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key"))
		return
	}
	directive := strings.ToUpper(orDefault(r.Header.Get("x-amz-metadata-directive"), "COPY"))
	if directive != "COPY" && directive != "REPLACE" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.
			WithExtra("ArgumentName", "x-amz-metadata-directive").WithExtra("ArgumentValue", directive))
		return
	}
	if srcBucket == dstBucket && srcKey == dstKey && directive == "COPY" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidRequest.WithMessage(
			"This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata"))
		return
	}

	if a.requireBucket(w, r, dstBucket) == nil {
		return
	}
	if a.requireBucket(w, r, srcBucket) == nil {
		return
	}
	src := a.requireObject(w, r, srcBucket, srcKey)
	if src == nil {
		return
	}
	if serr := evalCopyConditionals(r, src.ETag, src.LastModified); serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	etag, err := a.store.CopyObject(ctx, srcBucket, srcKey, dstBucket, dstKey)
	if err != nil {
		slog.Error("copy object bytes", "src", srcBucket+"/"+srcKey, "dst", dstBucket+"/"+dstKey, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	dst := &metadata.ObjectRecord{
		Bucket:       dstBucket,
		Key:          dstKey,
		Size:         src.Size,
		ETag:         etag,
		StorageClass: "STANDARD",
		LastModified: now,
	}
	if directive == "REPLACE" {
		owner := a.ownerFor(r)
		acl, serr := requestACL(r.Header, owner.ID, owner.DisplayName)
		if serr != nil {
			xmlutil.WriteError(w, r, serr)
			return
		}
		dst.ContentType = orDefault(r.Header.Get("Content-Type"), "application/octet-stream")
		dst.ContentEncoding = r.Header.Get("Content-Encoding")
		dst.ContentLanguage = r.Header.Get("Content-Language")
		dst.ContentDisposition = r.Header.Get("Content-Disposition")
		dst.CacheControl = r.Header.Get("Cache-Control")
		dst.Expires = r.Header.Get("Expires")
		dst.ACL = acl
		dst.UserMetadata = userMetadata(r.Header)
	} else {
		dst.ContentType = src.ContentType
		dst.ContentEncoding = src.ContentEncoding
		dst.ContentLanguage = src.ContentLanguage
		dst.ContentDisposition = src.ContentDisposition
		dst.CacheControl = src.CacheControl
		dst.Expires = src.Expires
		dst.StorageClass = src.StorageClass
		dst.ACL = src.ACL
		dst.UserMetadata = src.UserMetadata
	}

	if err := a.meta.PutObject(ctx, dst); err != nil {
		slog.Error("copy object metadata", "dst", dstBucket+"/"+dstKey, "error", err)
		if delErr := a.store.DeleteObject(ctx, dstBucket, dstKey); delErr != nil {
			slog.Warn("roll back copied bytes", "dst", dstBucket+"/"+dstKey, "error", delErr)
		}
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.CopyObjectResult{
		LastModified: xmlutil.AmzTime(now),
		ETag:         etag,
	})
}

// ListObjects answers GET /{bucket} (v1 listing).
func (a *API) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitPath(r)
	q := r.URL.Query()

	rec := a.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}
	maxKeys, serr := listLimit(q, "max-keys")
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	prefix, delimiter, marker := q.Get("prefix"), q.Get("delimiter"), q.Get("marker")
	encoding := q.Get("encoding-type")

	page, err := a.meta.ListObjects(r.Context(), bucket, metadata.ListObjectsOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		Marker:    marker,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		slog.Error("list objects", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	owner := xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	result := xmlutil.ListBucketResult{
		Name:         bucket,
		Prefix:       xmlutil.MaybeEncodeKey(prefix, encoding),
		Marker:       xmlutil.MaybeEncodeKey(marker, encoding),
		MaxKeys:      maxKeys,
		Delimiter:    delimiter,
		EncodingType: encoding,
		IsTruncated:  page.IsTruncated,
	}
	if page.IsTruncated {
		result.NextMarker = xmlutil.MaybeEncodeKey(page.NextMarker, encoding)
	}
	for _, obj := range page.Objects {
		o := listedObject(obj, encoding)
		o.Owner = &owner
		result.Contents = append(result.Contents, o)
	}
	result.CommonPrefixes = listedPrefixes(page.CommonPrefixes, encoding)
	xmlutil.Write(w, http.StatusOK, result)
}

// ListObjectsV2 answers GET /{bucket}?list-type=2.
func (a *API) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitPath(r)
	q := r.URL.Query()

	rec := a.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}
	maxKeys, serr := listLimit(q, "max-keys")
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	prefix, delimiter := q.Get("prefix"), q.Get("delimiter")
	encoding := q.Get("encoding-type")

	page, err := a.meta.ListObjects(r.Context(), bucket, metadata.ListObjectsOptions{
		Prefix:            prefix,
		Delimiter:         delimiter,
		StartAfter:        q.Get("start-after"),
		ContinuationToken: q.Get("continuation-token"),
		MaxKeys:           maxKeys,
	})
	if err != nil {
		slog.Error("list objects v2", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	result := xmlutil.ListBucketV2Result{
		Name:              bucket,
		Prefix:            xmlutil.MaybeEncodeKey(prefix, encoding),
		StartAfter:        xmlutil.MaybeEncodeKey(q.Get("start-after"), encoding),
		ContinuationToken: q.Get("continuation-token"),
		KeyCount:          len(page.Objects) + len(page.CommonPrefixes),
		MaxKeys:           maxKeys,
		Delimiter:         delimiter,
		EncodingType:      encoding,
		IsTruncated:       page.IsTruncated,
	}
	if page.IsTruncated {
		result.NextContinuationToken = page.NextContinuationToken
	}
	fetchOwner := q.Get("fetch-owner") == "true"
	owner := xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	for _, obj := range page.Objects {
		o := listedObject(obj, encoding)
		if fetchOwner {
			o.Owner = &owner
		}
		result.Contents = append(result.Contents, o)
	}
	result.CommonPrefixes = listedPrefixes(page.CommonPrefixes, encoding)
	xmlutil.Write(w, http.StatusOK, result)
}

func listedObject(obj metadata.ObjectRecord, encoding string) xmlutil.Object {
	return xmlutil.Object{
		Key:          xmlutil.MaybeEncodeKey(obj.Key, encoding),
		LastModified: xmlutil.AmzTime(obj.LastModified),
		ETag:         obj.ETag,
		Size:         obj.Size,
		StorageClass: orDefault(obj.StorageClass, "STANDARD"),
	}
}

func listedPrefixes(prefixes []string, encoding string) []xmlutil.CommonPrefix {
	var out []xmlutil.CommonPrefix
	for _, p := range prefixes {
		out = append(out, xmlutil.CommonPrefix{Prefix: xmlutil.MaybeEncodeKey(p, encoding)})
	}
	return out
}

// GetObjectAcl answers GET /{bucket}/{key}?acl.
func (a *API) GetObjectAcl(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitPath(r)

	rec := a.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}
	obj := a.requireObject(w, r, bucket, key)
	if obj == nil {
		return
	}

	acp := unmarshalACL(obj.ACL)
	if acp == nil {
		acp = cannedACL("private", rec.OwnerID, rec.OwnerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	xmlutil.Write(w, http.StatusOK, acp)
}

// PutObjectAcl answers PUT /{bucket}/{key}?acl.
func (a *API) PutObjectAcl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)

	rec := a.requireBucket(w, r, bucket)
	if rec == nil {
		return
	}
	if a.requireObject(w, r, bucket, key) == nil {
		return
	}

	acl, serr := aclFromRequest(r, rec.OwnerID, rec.OwnerDisplay)
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}
	if err := a.meta.SetObjectACL(ctx, bucket, key, acl); err != nil {
		slog.Error("put object acl", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
