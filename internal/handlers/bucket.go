package handlers

import (
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	s3err "github.com/e6qu/bleepstore-sub001/internal/errors"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/xmlutil"
)

// ListBuckets answers GET / with every bucket owned by the caller.
func (a *API) ListBuckets(w http.ResponseWriter, r *http.Request) {
	owner := a.ownerFor(r)
	buckets, err := a.meta.ListBuckets(r.Context(), owner.ID)
	if err != nil {
		slog.Error("list buckets", "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	result := xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{ID: owner.ID, DisplayName: owner.DisplayName},
	}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.AmzTime(b.CreatedAt),
		})
	}
	xmlutil.Write(w, http.StatusOK, result)
}

// createBucketBody is the optional CreateBucket request document.
type createBucketBody struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	LocationConstraint string   `xml:"LocationConstraint"`
}

// CreateBucket answers PUT /{bucket}. Re-creating a bucket you already own
// in us-east-1 succeeds; elsewhere it is BucketAlreadyOwnedByYou, and a
// bucket held by another owner is always BucketAlreadyExists.
func (a *API) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, _ := splitPath(r)

	if serr := checkBucketName(bucket); serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	owner := a.ownerFor(r)
	acl, serr := requestACL(r.Header, owner.ID, owner.DisplayName)
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}

	region := a.region
	if r.ContentLength > 0 {
		var body createBucketBody
		if err := xml.NewDecoder(io.LimitReader(r.Body, maxXMLBody)).Decode(&body); err != nil {
			xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
			return
		}
		if body.LocationConstraint != "" {
			region = body.LocationConstraint
		}
	}

	rec := &metadata.BucketRecord{
		Name:         bucket,
		Region:       region,
		OwnerID:      owner.ID,
		OwnerDisplay: owner.DisplayName,
		ACL:          acl,
		CreatedAt:    time.Now().UTC(),
	}
	err := a.meta.CreateBucket(ctx, rec)
	if errors.Is(err, metadata.ErrBucketExists) {
		existing, getErr := a.meta.GetBucket(ctx, bucket)
		if getErr != nil || existing == nil {
			slog.Error("create bucket conflict lookup", "bucket", bucket, "error", getErr)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
			return
		}
		if existing.OwnerID != owner.ID {
			xmlutil.WriteError(w, r, s3err.ErrBucketAlreadyExists.WithExtra("BucketName", bucket))
			return
		}
		if existing.Region == "us-east-1" {
			w.Header().Set("Location", "/"+bucket)
			w.WriteHeader(http.StatusOK)
			return
		}
		xmlutil.WriteError(w, r, s3err.ErrBucketAlreadyOwnedByYou.WithExtra("BucketName", bucket))
		return
	}
	if err != nil {
		slog.Error("create bucket", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	// Provision the backing area. Failure here is not fatal: the backends
	// create bucket areas lazily on first write.
	if err := a.store.CreateBucket(ctx, bucket); err != nil {
		slog.Warn("provision bucket storage", "bucket", bucket, "error", err)
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket answers DELETE /{bucket}. Only empty buckets can go.
func (a *API) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, _ := splitPath(r)

	err := a.meta.DeleteBucket(ctx, bucket)
	switch {
	case errors.Is(err, metadata.ErrBucketNotFound):
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket)
		return
	case errors.Is(err, metadata.ErrBucketNotEmpty):
		xmlutil.WriteError(w, r, s3err.ErrBucketNotEmpty.WithExtra("BucketName", bucket))
		return
	case err != nil:
		slog.Error("delete bucket", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	if err := a.store.DeleteBucket(ctx, bucket); err != nil {
		slog.Warn("remove bucket storage", "bucket", bucket, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket answers HEAD /{bucket}: status only, no body either way.
func (a *API) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitPath(r)

	rec, err := a.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("head bucket", "bucket", bucket, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	region := rec.Region
	if region == "" {
		region = a.region
	}
	w.Header().Set("x-amz-bucket-region", region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation answers GET /{bucket}?location. us-east-1 renders as an
// empty LocationConstraint, matching AWS.
func (a *API) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitPath(r)

	rec, err := a.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("bucket location", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket)
		return
	}

	loc := xmlutil.LocationConstraint{}
	if rec.Region != "" && rec.Region != "us-east-1" {
		loc.Location = rec.Region
	}
	xmlutil.Write(w, http.StatusOK, loc)
}

// GetBucketAcl answers GET /{bucket}?acl.
func (a *API) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucket, _ := splitPath(r)

	rec, err := a.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("get bucket acl", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket)
		return
	}

	acp := unmarshalACL(rec.ACL)
	if acp == nil {
		acp = cannedACL("private", rec.OwnerID, rec.OwnerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	xmlutil.Write(w, http.StatusOK, acp)
}

// PutBucketAcl answers PUT /{bucket}?acl. The grant arrives as a canned ACL
// header, explicit grant headers, or an AccessControlPolicy body.
func (a *API) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, _ := splitPath(r)

	rec, err := a.meta.GetBucket(ctx, bucket)
	if err != nil {
		slog.Error("put bucket acl lookup", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if rec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket)
		return
	}

	acl, serr := aclFromRequest(r, rec.OwnerID, rec.OwnerDisplay)
	if serr != nil {
		xmlutil.WriteError(w, r, serr)
		return
	}
	if err := a.meta.SetBucketACL(ctx, bucket, acl); err != nil {
		slog.Error("put bucket acl", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// aclFromRequest resolves the ACL of a PutBucketAcl / PutObjectAcl request:
// canned header, grant headers, XML body, or the private default, in that
// order. Canned and grant headers together are rejected.
func aclFromRequest(r *http.Request, ownerID, ownerDisplay string) (data []byte, serr *s3err.S3Error) {
	canned := r.Header.Get("x-amz-acl")
	if canned != "" && hasGrantHeaders(r.Header) {
		return nil, s3err.ErrInvalidArgument.WithMessage(
			"Specifying both Canned ACLs and Header Grants is not allowed")
	}
	switch {
	case canned != "":
		return marshalACL(cannedACL(canned, ownerID, ownerDisplay)), nil
	case hasGrantHeaders(r.Header):
		return marshalACL(aclFromGrantHeaders(r.Header, ownerID, ownerDisplay)), nil
	case r.ContentLength > 0:
		var acp xmlutil.AccessControlPolicy
		if err := xml.NewDecoder(io.LimitReader(r.Body, maxXMLBody)).Decode(&acp); err != nil {
			return nil, s3err.ErrMalformedACLError
		}
		return marshalACL(&acp), nil
	default:
		return marshalACL(cannedACL("private", ownerID, ownerDisplay)), nil
	}
}
