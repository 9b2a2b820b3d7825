package handlers

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	s3err "github.com/e6qu/bleepstore-sub001/internal/errors"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/xmlutil"
)

const (
	maxKeyBytes    = 1024
	maxListEntries = 1000
	minPartSize    = 5 * 1024 * 1024
	maxPartNumber  = 10000
	maxXMLBody     = 1 << 20
)

var (
	bucketNameShape = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
	dottedQuad      = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// checkBucketName enforces the S3 bucket naming rules. Returns nil when the
// name is acceptable.
func checkBucketName(name string) *s3err.S3Error {
	bad := func(reason string) *s3err.S3Error {
		return s3err.ErrInvalidBucketName.WithMessage(reason).WithExtra("BucketName", name)
	}
	switch {
	case len(name) < 3 || len(name) > 63:
		return bad("The specified bucket is not valid: name must be between 3 and 63 characters long")
	case !bucketNameShape.MatchString(name):
		return bad("The specified bucket is not valid: only lowercase letters, digits, hyphens and periods are allowed")
	case dottedQuad.MatchString(name):
		return bad("The specified bucket is not valid: name must not be formatted as an IP address")
	case strings.HasPrefix(name, "xn--"):
		return bad("The specified bucket is not valid: name must not start with xn--")
	case strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3"):
		return bad("The specified bucket is not valid: reserved suffix")
	case strings.Contains(name, ".."):
		return bad("The specified bucket is not valid: name must not contain consecutive periods")
	}
	return nil
}

// checkObjectKey enforces the 1024-byte key limit.
func checkObjectKey(key string) *s3err.S3Error {
	if key == "" {
		return s3err.ErrInvalidArgument.WithMessage("Object key must not be empty")
	}
	if len(key) > maxKeyBytes {
		return s3err.ErrKeyTooLong.WithExtra("MaxSizeAllowed", strconv.Itoa(maxKeyBytes)).
			WithExtra("Size", strconv.Itoa(len(key)))
	}
	return nil
}

// listLimit parses a listing cap query parameter (max-keys, max-uploads,
// max-parts). Absent means the default; anything outside [0, 1000] or
// non-numeric is InvalidArgument.
func listLimit(q url.Values, param string) (int, *s3err.S3Error) {
	raw := q.Get(param)
	if raw == "" {
		return maxListEntries, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxListEntries {
		return 0, s3err.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("Argument %s must be an integer between 0 and %d", param, maxListEntries)).
			WithExtra("ArgumentName", param).WithExtra("ArgumentValue", raw)
	}
	return n, nil
}

// positiveInt parses an optional non-negative integer query parameter with a
// zero default, for markers like part-number-marker.
func positiveInt(q url.Values, param string) int {
	if n, err := strconv.Atoi(q.Get(param)); err == nil && n > 0 {
		return n
	}
	return 0
}

const (
	allUsersGroup      = "http://acs.amazonaws.com/groups/global/AllUsers"
	authenticatedGroup = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
	permFullControl    = "FULL_CONTROL"
	granteeUserType    = "CanonicalUser"
	granteeGroupType   = "Group"
)

// cannedACL expands a canned ACL name into a full policy for the owner.
// Unknown names fall back to private.
func cannedACL(name, ownerID, ownerDisplay string) *xmlutil.AccessControlPolicy {
	ownerGrant := xmlutil.Grant{
		Grantee:    xmlutil.Grantee{Type: granteeUserType, ID: ownerID, DisplayName: ownerDisplay},
		Permission: permFullControl,
	}
	grants := []xmlutil.Grant{ownerGrant}
	group := func(uri, perm string) xmlutil.Grant {
		return xmlutil.Grant{Grantee: xmlutil.Grantee{Type: granteeGroupType, URI: uri}, Permission: perm}
	}
	switch name {
	case "public-read":
		grants = append(grants, group(allUsersGroup, "READ"))
	case "public-read-write":
		grants = append(grants, group(allUsersGroup, "READ"), group(allUsersGroup, "WRITE"))
	case "authenticated-read":
		grants = append(grants, group(authenticatedGroup, "READ"))
	}
	return &xmlutil.AccessControlPolicy{
		Owner:             xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay},
		AccessControlList: xmlutil.ACL{Grants: grants},
	}
}

// grantHeaders maps the explicit grant headers to their permission.
var grantHeaders = map[string]string{
	"X-Amz-Grant-Full-Control": permFullControl,
	"X-Amz-Grant-Read":         "READ",
	"X-Amz-Grant-Read-Acp":     "READ_ACP",
	"X-Amz-Grant-Write":        "WRITE",
	"X-Amz-Grant-Write-Acp":    "WRITE_ACP",
}

func hasGrantHeaders(h http.Header) bool {
	for name := range grantHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

// aclFromGrantHeaders builds a policy from X-Amz-Grant-* headers. Each header
// holds comma-separated grantees of the form id="..." or uri="...". Returns
// nil when no grant header is present.
func aclFromGrantHeaders(h http.Header, ownerID, ownerDisplay string) *xmlutil.AccessControlPolicy {
	var grants []xmlutil.Grant
	for name, perm := range grantHeaders {
		for _, entry := range strings.Split(h.Get(name), ",") {
			entry = strings.TrimSpace(entry)
			k, v, found := strings.Cut(entry, "=")
			if !found {
				continue
			}
			v = strings.Trim(v, `"`)
			switch k {
			case "id":
				grants = append(grants, xmlutil.Grant{
					Grantee:    xmlutil.Grantee{Type: granteeUserType, ID: v},
					Permission: perm,
				})
			case "uri":
				grants = append(grants, xmlutil.Grant{
					Grantee:    xmlutil.Grantee{Type: granteeGroupType, URI: v},
					Permission: perm,
				})
			case "emailAddress":
				grants = append(grants, xmlutil.Grant{
					Grantee:    xmlutil.Grantee{Type: "AmazonCustomerByEmail", ID: v},
					Permission: perm,
				})
			}
		}
	}
	if len(grants) == 0 {
		return nil
	}
	return &xmlutil.AccessControlPolicy{
		Owner:             xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay},
		AccessControlList: xmlutil.ACL{Grants: grants},
	}
}

// requestACL resolves the ACL for a write request: canned header, grant
// headers, or the private default. Canned and grant headers together are
// InvalidArgument.
func requestACL(h http.Header, ownerID, ownerDisplay string) (json.RawMessage, *s3err.S3Error) {
	canned := h.Get("x-amz-acl")
	explicit := hasGrantHeaders(h)
	if canned != "" && explicit {
		return nil, s3err.ErrInvalidArgument.WithMessage(
			"Specifying both Canned ACLs and Header Grants is not allowed")
	}
	var acp *xmlutil.AccessControlPolicy
	switch {
	case canned != "":
		acp = cannedACL(canned, ownerID, ownerDisplay)
	case explicit:
		acp = aclFromGrantHeaders(h, ownerID, ownerDisplay)
	default:
		acp = cannedACL("private", ownerID, ownerDisplay)
	}
	return marshalACL(acp), nil
}

// marshalACL stores a policy as the JSON blob the metadata engines keep.
func marshalACL(acp *xmlutil.AccessControlPolicy) json.RawMessage {
	data, _ := json.Marshal(acp)
	return data
}

// unmarshalACL loads a stored policy; nil when absent or unreadable.
func unmarshalACL(data json.RawMessage) *xmlutil.AccessControlPolicy {
	if len(data) == 0 {
		return nil
	}
	var acp xmlutil.AccessControlPolicy
	if err := json.Unmarshal(data, &acp); err != nil {
		return nil
	}
	return &acp
}

// userMetadata collects x-amz-meta-* request headers, keys lowercased with
// the prefix stripped.
func userMetadata(h http.Header) map[string]string {
	var meta map[string]string
	for name, values := range h {
		lower := strings.ToLower(name)
		rest, found := strings.CutPrefix(lower, "x-amz-meta-")
		if !found || rest == "" || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[rest] = values[0]
	}
	return meta
}

// parseCopySource splits an x-amz-copy-source header into bucket and key.
// The value arrives URL-encoded, with or without a leading slash.
func parseCopySource(raw string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	bucket, key, found := strings.Cut(decoded, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// parseByteRange parses a single-range Range header against the object size
// and returns the inclusive [start, end] slice. Suffix ranges (bytes=-N) and
// open ends (bytes=N-) are supported; multi-range and ranges starting past
// the end are errors.
func parseByteRange(header string, size int64) (start, end int64, err error) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, fmt.Errorf("range %q: missing bytes= prefix", header)
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("range %q: multiple ranges not supported", header)
	}
	if size == 0 {
		return 0, 0, fmt.Errorf("range %q: empty object", header)
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, fmt.Errorf("range %q: malformed", header)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// Suffix form: the final N bytes.
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("range %q: bad suffix length", header)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("range %q: bad start", header)
	}
	if start >= size {
		return 0, 0, fmt.Errorf("range %q: start beyond object size %d", header, size)
	}
	if last == "" {
		return start, size - 1, nil
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("range %q: bad end", header)
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// etagIn reports whether the object's ETag appears in a comma-separated
// header list; "*" matches anything. Quotes are ignored on both sides.
func etagIn(list, etag string) bool {
	if list == "*" {
		return true
	}
	etag = strings.Trim(etag, `"`)
	for _, candidate := range strings.Split(list, ",") {
		if strings.Trim(strings.TrimSpace(candidate), `"`) == etag {
			return true
		}
	}
	return false
}

// evalConditionals applies the RFC 7232 precedence to the read-path
// conditional headers. A zero status means the request proceeds; otherwise
// the caller responds with the status and no body.
//
// Order: If-Match (412), If-Unmodified-Since (412), If-None-Match (304 for
// safe methods, 412 otherwise), If-Modified-Since (304).
func evalConditionals(r *http.Request, etag string, lastModified time.Time) int {
	safe := r.Method == http.MethodGet || r.Method == http.MethodHead
	lastModified = lastModified.Truncate(time.Second)

	ifMatch := r.Header.Get("If-Match")
	if ifMatch != "" && !etagIn(ifMatch, etag) {
		return http.StatusPreconditionFailed
	}
	if ifMatch == "" {
		if raw := r.Header.Get("If-Unmodified-Since"); raw != "" {
			if t, err := http.ParseTime(raw); err == nil && lastModified.After(t.Truncate(time.Second)) {
				return http.StatusPreconditionFailed
			}
		}
	}

	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch != "" && etagIn(ifNoneMatch, etag) {
		if safe {
			return http.StatusNotModified
		}
		return http.StatusPreconditionFailed
	}
	if ifNoneMatch == "" && safe {
		if raw := r.Header.Get("If-Modified-Since"); raw != "" {
			if t, err := http.ParseTime(raw); err == nil && !lastModified.After(t.Truncate(time.Second)) {
				return http.StatusNotModified
			}
		}
	}
	return 0
}

// evalCopyConditionals applies the x-amz-copy-source-if-* headers against the
// source object. Any failure is PreconditionFailed.
func evalCopyConditionals(r *http.Request, etag string, lastModified time.Time) *s3err.S3Error {
	lastModified = lastModified.Truncate(time.Second)

	ifMatch := r.Header.Get("x-amz-copy-source-if-match")
	if ifMatch != "" && !etagIn(ifMatch, etag) {
		return s3err.ErrPreconditionFailed
	}
	if ifMatch == "" {
		if raw := r.Header.Get("x-amz-copy-source-if-unmodified-since"); raw != "" {
			if t, err := http.ParseTime(raw); err == nil && lastModified.After(t.Truncate(time.Second)) {
				return s3err.ErrPreconditionFailed
			}
		}
	}

	ifNoneMatch := r.Header.Get("x-amz-copy-source-if-none-match")
	if ifNoneMatch != "" && etagIn(ifNoneMatch, etag) {
		return s3err.ErrPreconditionFailed
	}
	if ifNoneMatch == "" {
		if raw := r.Header.Get("x-amz-copy-source-if-modified-since"); raw != "" {
			if t, err := http.ParseTime(raw); err == nil && !lastModified.After(t.Truncate(time.Second)) {
				return s3err.ErrPreconditionFailed
			}
		}
	}
	return nil
}

// contentMD5 decodes a Content-MD5 request header into the expected hex
// digest. An empty header yields "". A header that is not the base64 of 16
// raw bytes is InvalidDigest.
func contentMD5(h http.Header) (hexDigest string, err *s3err.S3Error) {
	raw := h.Get("Content-MD5")
	if raw == "" {
		return "", nil
	}
	sum, decodeErr := base64.StdEncoding.DecodeString(raw)
	if decodeErr != nil || len(sum) != md5.Size {
		return "", s3err.ErrInvalidDigest.WithExtra("Content-MD5", raw)
	}
	return hex.EncodeToString(sum), nil
}

// writeObjectHeaders stamps the standard object response headers from the
// metadata row. User metadata goes out as lowercase x-amz-meta-* headers.
func writeObjectHeaders(w http.ResponseWriter, obj *metadata.ObjectRecord) {
	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	h.Set("ETag", obj.ETag)
	h.Set("Last-Modified", xmlutil.HTTPTime(obj.LastModified))
	h.Set("Accept-Ranges", "bytes")

	for header, value := range map[string]string{
		"Content-Encoding":    obj.ContentEncoding,
		"Content-Language":    obj.ContentLanguage,
		"Content-Disposition": obj.ContentDisposition,
		"Cache-Control":       obj.CacheControl,
		"Expires":             obj.Expires,
	} {
		if value != "" {
			h.Set(header, value)
		}
	}
	if obj.StorageClass != "" && obj.StorageClass != "STANDARD" {
		h.Set("x-amz-storage-class", obj.StorageClass)
	}
	for key, value := range obj.UserMetadata {
		h.Set("x-amz-meta-"+strings.ToLower(key), value)
	}
}

// applyResponseOverrides lets response-* query parameters (typically on
// presigned URLs) replace the stored content headers.
func applyResponseOverrides(w http.ResponseWriter, q url.Values) {
	for param, header := range map[string]string{
		"response-content-type":        "Content-Type",
		"response-content-language":    "Content-Language",
		"response-content-encoding":    "Content-Encoding",
		"response-content-disposition": "Content-Disposition",
		"response-cache-control":       "Cache-Control",
		"response-expires":             "Expires",
	} {
		if v := q.Get(param); v != "" {
			w.Header().Set(header, v)
		}
	}
}

// completedPart is one entry of a CompleteMultipartUpload request body.
type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeUploadBody struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

// parseCompleteUpload decodes the CompleteMultipartUpload body.
func parseCompleteUpload(body io.Reader) ([]completedPart, error) {
	var req completeUploadBody
	if err := xmlDecodeLimited(body, &req); err != nil {
		return nil, fmt.Errorf("decoding CompleteMultipartUpload body: %w", err)
	}
	return req.Parts, nil
}

// xmlDecodeLimited decodes a request XML document with the body capped at
// maxXMLBody.
func xmlDecodeLimited(body io.Reader, v any) error {
	return xml.NewDecoder(io.LimitReader(body, maxXMLBody)).Decode(v)
}

// compositeETag derives the multipart object ETag: the MD5 of the
// concatenated raw part digests, quoted, with the part count appended.
func compositeETag(partETags []string) string {
	h := md5.New()
	for _, etag := range partETags {
		raw, err := hex.DecodeString(strings.Trim(etag, `"`))
		if err != nil {
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags))
}
