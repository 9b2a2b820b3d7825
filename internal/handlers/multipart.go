package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	s3err "github.com/e6qu/bleepstore-sub001/internal/errors"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/storage"
	"github.com/e6qu/bleepstore-sub001/internal/uid"
	"github.com/e6qu/bleepstore-sub001/internal/xmlutil"
)

// CreateMultipartUpload answers POST /{bucket}/{key}?uploads. The upload ID
// is a fresh 128-bit token; the headers of the eventual object travel on the
// upload row until completion.
func (a *API) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)

	if serr := checkObjectKey(key); serr != nil {
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

	upload := &metadata.MultipartUploadRecord{
		UploadID:           uid.New(),
		Bucket:             bucket,
		Key:                key,
		ContentType:        orDefault(r.Header.Get("Content-Type"), "application/octet-stream"),
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		ACL:                acl,
		UserMetadata:       userMetadata(r.Header),
		OwnerID:            owner.ID,
		OwnerDisplay:       owner.DisplayName,
		InitiatedAt:        time.Now().UTC(),
	}
	if err := a.meta.CreateMultipartUpload(ctx, upload); err != nil {
		slog.Error("create multipart upload", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.UploadID,
	})
}

// uploadParams validates the uploadId and partNumber query parameters shared
// by UploadPart and UploadPartCopy.
func uploadParams(q url.Values) (uploadID string, partNumber int, serr *s3err.S3Error) {
	uploadID = q.Get("uploadId")
	if uploadID == "" {
		return "", 0, s3err.ErrInvalidArgument.WithMessage("Upload ID is required")
	}
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > maxPartNumber {
		return "", 0, s3err.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("Part number must be an integer between 1 and %d, inclusive", maxPartNumber)).
			WithExtra("ArgumentName", "partNumber").WithExtra("ArgumentValue", q.Get("partNumber"))
	}
	return uploadID, partNumber, nil
}

// requireUpload loads the upload row or writes NoSuchUpload / InternalError.
func (a *API) requireUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) *metadata.MultipartUploadRecord {
	upload, err := a.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		slog.Error("upload lookup", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return nil
	}
	if upload == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload)
		return nil
	}
	return upload
}

// UploadPart answers PUT /{bucket}/{key}?partNumber=N&uploadId=ID, or the
// UploadPartCopy variant when x-amz-copy-source is present. Re-uploading a
// part number replaces the earlier bytes.
func (a *API) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)
	q := r.URL.Query()

	uploadID, partNumber, serr := uploadParams(q)
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}
	if r.Header.Get("x-amz-copy-source") != "" {
		a.uploadPartCopy(w, r, bucket, key, uploadID, partNumber)
		return
	}

	if a.maxObjectSize > 0 && r.ContentLength > a.maxObjectSize {
		xmlutil.WriteError(w, r, s3err.ErrEntityTooLarge)
		return
	}
	wantMD5, serr := contentMD5(r.Header)
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}
	if a.requireUpload(w, r, bucket, key, uploadID) == nil {
		return
	}

	size, etag, err := a.store.PutPart(ctx, bucket, key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		slog.Error("put part bytes", "upload_id", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if wantMD5 != "" && wantMD5 != strings.Trim(etag, `"`) {
		xmlutil.WriteError(w, r, s3err.ErrBadDigest)
		return
	}

	part := &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         size,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}
	if err := a.meta.PutPart(ctx, part); err != nil {
		slog.Error("put part metadata", "upload_id", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy fills a part from an existing object, optionally sliced by
// x-amz-copy-source-range.
func (a *API) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string, partNumber int) {
	ctx := r.Context()

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key"))
		return
	}
	if a.requireUpload(w, r, bucket, key, uploadID) == nil {
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

	var rng *storage.ByteRange
	if rawRange := r.Header.Get("x-amz-copy-source-range"); rawRange != "" {
		start, end, err := parseByteRange(rawRange, src.Size)
		if err != nil {
			xmlutil.WriteError(w, r, s3err.ErrInvalidRange)
			return
		}
		rng = &storage.ByteRange{Offset: start, Length: end - start + 1}
	}

	body, length, err := a.store.GetObject(ctx, srcBucket, srcKey, rng)
	if err != nil {
		slog.Error("open copy source", "src", srcBucket+"/"+srcKey, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	defer body.Close()

	size, etag, err := a.store.PutPart(ctx, bucket, key, uploadID, partNumber, body, length)
	if err != nil {
		slog.Error("copy part bytes", "upload_id", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	part := &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         size,
		ETag:         etag,
		LastModified: now,
	}
	if err := a.meta.PutPart(ctx, part); err != nil {
		slog.Error("copy part metadata", "upload_id", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.AmzTime(now),
	})
}

// CompleteMultipartUpload answers POST /{bucket}/{key}?uploadId=ID. The
// client's part list is validated against the recorded parts, the backend
// concatenates the bytes, and the metadata engine commits the object row
// while retiring the upload in one transaction.
func (a *API) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Upload ID is required"))
		return
	}

	upload := a.requireUpload(w, r, bucket, key, uploadID)
	if upload == nil {
		return
	}

	requested, err := parseCompleteUpload(r.Body)
	if err != nil || len(requested) == 0 {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	for i := 1; i < len(requested); i++ {
		if requested[i].PartNumber <= requested[i-1].PartNumber {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	numbers := make([]int, len(requested))
	for i, p := range requested {
		numbers[i] = p.PartNumber
	}
	recorded, err := a.meta.PartsByNumber(ctx, uploadID, numbers)
	if err != nil {
		slog.Error("load recorded parts", "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	byNumber := make(map[int]metadata.PartRecord, len(recorded))
	for _, p := range recorded {
		byNumber[p.PartNumber] = p
	}

	partETags := make([]string, 0, len(requested))
	var totalSize int64
	for i, p := range requested {
		stored, ok := byNumber[p.PartNumber]
		if !ok || strings.Trim(p.ETag, `"`) != strings.Trim(stored.ETag, `"`) {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPart.
				WithExtra("PartNumber", strconv.Itoa(p.PartNumber)).
				WithExtra("UploadId", uploadID))
			return
		}
		if i < len(requested)-1 && stored.Size < minPartSize {
			xmlutil.WriteError(w, r, s3err.ErrEntityTooSmall.
				WithExtra("PartNumber", strconv.Itoa(p.PartNumber)).
				WithExtra("ProposedSize", strconv.FormatInt(stored.Size, 10)).
				WithExtra("MinSizeAllowed", strconv.Itoa(minPartSize)))
			return
		}
		partETags = append(partETags, stored.ETag)
		totalSize += stored.Size
	}

	if _, _, err := a.store.AssembleParts(ctx, bucket, key, uploadID, numbers); err != nil {
		slog.Error("assemble parts", "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	etag := compositeETag(partETags)
	obj := &metadata.ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               totalSize,
		ETag:               etag,
		ContentType:        upload.ContentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       upload.StorageClass,
		ACL:                upload.ACL,
		UserMetadata:       upload.UserMetadata,
		LastModified:       time.Now().UTC(),
	}
	if err := a.meta.CompleteMultipartUpload(ctx, bucket, key, uploadID, obj); err != nil {
		slog.Error("complete multipart metadata", "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     etag,
	})
}

// AbortMultipartUpload answers DELETE /{bucket}/{key}?uploadId=ID.
func (a *API) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, key := splitPath(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Upload ID is required"))
		return
	}

	if err := a.store.DeleteParts(ctx, bucket, key, uploadID); err != nil {
		slog.Warn("discard part bytes", "upload_id", uploadID, "error", err)
	}
	err := a.meta.AbortMultipartUpload(ctx, bucket, key, uploadID)
	if errors.Is(err, metadata.ErrUploadNotFound) {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload)
		return
	}
	if err != nil {
		slog.Error("abort multipart metadata", "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads answers GET /{bucket}?uploads.
func (a *API) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitPath(r)
	q := r.URL.Query()

	if a.requireBucket(w, r, bucket) == nil {
		return
	}
	maxUploads, serr := listLimit(q, "max-uploads")
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	page, err := a.meta.ListMultipartUploads(r.Context(), bucket, metadata.ListUploadsOptions{
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		Prefix:         q.Get("prefix"),
		Delimiter:      q.Get("delimiter"),
		MaxUploads:     maxUploads,
	})
	if err != nil {
		slog.Error("list multipart uploads", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	encoding := q.Get("encoding-type")
	result := xmlutil.ListMultipartUploadsResult{
		Bucket:             bucket,
		KeyMarker:          q.Get("key-marker"),
		UploadIDMarker:     q.Get("upload-id-marker"),
		NextKeyMarker:      page.NextKeyMarker,
		NextUploadIDMarker: page.NextUploadIDMarker,
		MaxUploads:         maxUploads,
		EncodingType:       encoding,
		IsTruncated:        page.IsTruncated,
	}
	for _, u := range page.Uploads {
		owner := xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       xmlutil.MaybeEncodeKey(u.Key, encoding),
			UploadID:  u.UploadID,
			Initiator: owner,
			Owner:     owner,
			Initiated: xmlutil.AmzTime(u.InitiatedAt),
		})
	}
	result.CommonPrefixes = listedPrefixes(page.CommonPrefixes, encoding)
	xmlutil.Write(w, http.StatusOK, result)
}

// ListParts answers GET /{bucket}/{key}?uploadId=ID.
func (a *API) ListParts(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitPath(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("Upload ID is required"))
		return
	}
	if a.requireUpload(w, r, bucket, key, uploadID) == nil {
		return
	}
	maxParts, serr := listLimit(q, "max-parts")
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}
	marker := positiveInt(q, "part-number-marker")

	page, err := a.meta.ListParts(r.Context(), uploadID, metadata.ListPartsOptions{
		PartNumberMarker: marker,
		MaxParts:         maxParts,
	})
	if err != nil {
		slog.Error("list parts", "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	result := xmlutil.ListPartsResult{
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     marker,
		NextPartNumberMarker: page.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          page.IsTruncated,
	}
	for _, p := range page.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.AmzTime(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	xmlutil.Write(w, http.StatusOK, result)
}
