// Package auth verifies AWS Signature Version 4 on incoming requests, for
// both the Authorization header form and query-string presigned URLs.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/e6qu/bleepstore-sub001/internal/metadata"
)

const (
	// clockSkewMax bounds |now - x-amz-date| for header auth.
	clockSkewMax = 15 * time.Minute
	// presignExpiresMax caps X-Amz-Expires (7 days).
	presignExpiresMax = 604800

	keyCacheTTL  = 24 * time.Hour
	credCacheTTL = 60 * time.Second
	cacheMaxSize = 1000
)

// Identity is the authenticated principal attached to the request context.
type Identity struct {
	ID          string
	DisplayName string
}

type ctxKey struct{}

// WithIdentity returns ctx carrying the authenticated identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFromContext returns the identity set by the middleware, or zero.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}

// Error is an authentication failure carrying an S3 error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func denied(format string, args ...any) *Error {
	return &Error{Code: "AccessDenied", Message: fmt.Sprintf(format, args...)}
}

// Scheme is how a request presented its credentials.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeHeader
	SchemePresigned
	SchemeAmbiguous
)

// SchemeOf classifies the request. Presenting both an Authorization header
// and X-Amz-Algorithm query parameters is ambiguous and rejected upstream.
func SchemeOf(r *http.Request) Scheme {
	header := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	query := r.URL.Query().Get("X-Amz-Algorithm") != ""
	switch {
	case header && query:
		return SchemeAmbiguous
	case header:
		return SchemeHeader
	case query:
		return SchemePresigned
	default:
		return SchemeNone
	}
}

// ttlCache is a bounded map with per-entry expiry. When full it is cleared
// wholesale; entries are cheap to recompute.
type ttlCache[V any] struct {
	mu  sync.RWMutex
	m   map[string]ttlEntry[V]
	ttl time.Duration
}

type ttlEntry[V any] struct {
	val V
	exp time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{m: make(map[string]ttlEntry[V]), ttl: ttl}
}

func (c *ttlCache[V]) get(k string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[k]
	if !ok || time.Now().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

func (c *ttlCache[V]) put(k string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= cacheMaxSize {
		c.m = make(map[string]ttlEntry[V])
	}
	c.m[k] = ttlEntry[V]{val: v, exp: time.Now().Add(c.ttl)}
}

// Verifier checks SigV4 signatures against credentials held in the metadata
// store. Signing keys and credential lookups are cached; both caches are
// read-mostly and refreshed on miss.
type Verifier struct {
	Meta   metadata.Store
	Region string

	keys  *ttlCache[[]byte]
	creds *ttlCache[*metadata.CredentialRecord]
}

// NewVerifier builds a Verifier over the given credential source.
func NewVerifier(meta metadata.Store, region string) *Verifier {
	return &Verifier{
		Meta:   meta,
		Region: region,
		keys:   newTTLCache[[]byte](keyCacheTTL),
		creds:  newTTLCache[*metadata.CredentialRecord](credCacheTTL),
	}
}

func (v *Verifier) signingKey(secret, date, region, service string) []byte {
	ck := secret + "\x00" + date + "\x00" + region + "\x00" + service
	if k, ok := v.keys.get(ck); ok {
		return k
	}
	k := deriveKey(secret, date, region, service)
	v.keys.put(ck, k)
	return k
}

func (v *Verifier) credential(ctx context.Context, accessKeyID string) (*metadata.CredentialRecord, error) {
	if c, ok := v.creds.get(accessKeyID); ok {
		return c, nil
	}
	c, err := v.Meta.GetCredential(ctx, accessKeyID)
	if err != nil {
		return nil, err
	}
	v.creds.put(accessKeyID, c)
	return c, nil
}

// credScope is the parsed Credential value ak/date/region/service/aws4_request.
type credScope struct {
	accessKeyID string
	date        string
	region      string
	service     string
}

func parseCredScope(s string) (credScope, error) {
	parts := strings.SplitN(s, "/", 5)
	if len(parts) != 5 || parts[4] != scopeSuffix {
		return credScope{}, fmt.Errorf("malformed credential scope")
	}
	return credScope{accessKeyID: parts[0], date: parts[1], region: parts[2], service: parts[3]}, nil
}

func (cs credScope) String() string {
	return cs.date + "/" + cs.region + "/" + cs.service + "/" + scopeSuffix
}

// headerAuth is the parsed Authorization header.
type headerAuth struct {
	scope         credScope
	signedHeaders []string
	signature     string
}

func parseAuthorizationHeader(h string) (*headerAuth, error) {
	rest, ok := strings.CutPrefix(h, algorithm+" ")
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm")
	}

	fields := map[string]string{}
	for _, part := range strings.Split(rest, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if found {
			fields[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}
	if fields["Credential"] == "" {
		return nil, fmt.Errorf("missing Credential")
	}
	if fields["SignedHeaders"] == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}
	if fields["Signature"] == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	scope, err := parseCredScope(fields["Credential"])
	if err != nil {
		return nil, err
	}
	return &headerAuth{
		scope:         scope,
		signedHeaders: strings.Split(fields["SignedHeaders"], ";"),
		signature:     fields["Signature"],
	}, nil
}

// VerifyHeader authenticates a request signed via the Authorization header
// and returns the matching credential.
func (v *Verifier) VerifyHeader(r *http.Request) (*metadata.CredentialRecord, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, denied("Missing Authorization header")
	}
	parsed, err := parseAuthorizationHeader(h)
	if err != nil {
		return nil, denied("Invalid Authorization header: %v", err)
	}

	cred, err := v.credential(r.Context(), parsed.scope.accessKeyID)
	if err != nil {
		return nil, &Error{Code: "InternalError", Message: "Credential lookup failed"}
	}
	if cred == nil || !cred.Active {
		return nil, &Error{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records"}
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return nil, denied("Missing X-Amz-Date or Date header")
	}
	reqTime, perr := time.Parse(amzDateFormat, amzDate)
	if perr != nil {
		reqTime, perr = time.Parse(time.RFC1123, amzDate)
		if perr != nil {
			return nil, denied("Invalid date format")
		}
	}

	if d := time.Since(reqTime.UTC()); d > clockSkewMax || d < -clockSkewMax {
		return nil, &Error{Code: "RequestTimeTooSkewed", Message: "The difference between the request time and the server's time is too large"}
	}
	if len(amzDate) < 8 || parsed.scope.date != amzDate[:8] {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	// Clients that sign without x-amz-content-sha256 still hash the body in
	// their canonical request. Recreate that hash here, replaying the body
	// for downstream handlers.
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		if r.Body != nil {
			body, rerr := io.ReadAll(r.Body)
			if rerr != nil {
				return nil, &Error{Code: "InternalError", Message: "Failed to read request body"}
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			r.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(sum[:]))
		} else {
			r.Header.Set("X-Amz-Content-Sha256", emptyBodySHA256)
		}
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	canonical := canonicalRequest(r, r.URL.Query(), parsed.signedHeaders, payloadHash)
	sts := stringToSign(amzDate, parsed.scope.String(), canonical)
	key := v.signingKey(cred.SecretKey, parsed.scope.date, parsed.scope.region, parsed.scope.service)
	want := hex.EncodeToString(hmacSHA256(key, sts))

	if subtle.ConstantTimeCompare([]byte(want), []byte(parsed.signature)) != 1 {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}
	return cred, nil
}

// VerifyPresigned authenticates a query-string presigned request. Missing
// mandatory parameters produce AuthorizationQueryParametersError; an elapsed
// expiry produces AccessDenied.
func (v *Verifier) VerifyPresigned(r *http.Request) (*metadata.CredentialRecord, error) {
	q := r.URL.Query()

	for _, p := range []string{"X-Amz-Algorithm", "X-Amz-Credential", "X-Amz-Date", "X-Amz-Expires", "X-Amz-SignedHeaders", "X-Amz-Signature"} {
		if q.Get(p) == "" {
			return nil, &Error{
				Code:    "AuthorizationQueryParametersError",
				Message: fmt.Sprintf("Query-string authentication requires the %s parameter", p),
			}
		}
	}
	if q.Get("X-Amz-Algorithm") != algorithm {
		return nil, denied("Unsupported signing algorithm")
	}

	scope, err := parseCredScope(q.Get("X-Amz-Credential"))
	if err != nil {
		return nil, &Error{Code: "AuthorizationQueryParametersError", Message: "Error parsing the X-Amz-Credential parameter; the Credential is mal-formed"}
	}

	expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expires < 1 || expires > presignExpiresMax {
		return nil, &Error{Code: "AuthorizationQueryParametersError", Message: "X-Amz-Expires must be an integer between 1 and 604800"}
	}

	amzDate := q.Get("X-Amz-Date")
	reqTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, &Error{Code: "AuthorizationQueryParametersError", Message: "Invalid X-Amz-Date format"}
	}
	if time.Now().UTC().After(reqTime.Add(time.Duration(expires) * time.Second)) {
		return nil, denied("Request has expired")
	}
	if scope.date != amzDate[:8] {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	cred, err := v.credential(r.Context(), scope.accessKeyID)
	if err != nil {
		return nil, &Error{Code: "InternalError", Message: "Credential lookup failed"}
	}
	if cred == nil || !cred.Active {
		return nil, &Error{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records"}
	}

	// X-Amz-Signature is never part of what was signed; the payload of a
	// presigned request is always unsigned.
	canonQ := r.URL.Query()
	canonQ.Del("X-Amz-Signature")
	signedHeaders := strings.Split(q.Get("X-Amz-SignedHeaders"), ";")
	canonical := canonicalRequest(r, canonQ, signedHeaders, unsignedPayload)
	sts := stringToSign(amzDate, scope.String(), canonical)
	key := v.signingKey(cred.SecretKey, scope.date, scope.region, scope.service)
	want := hex.EncodeToString(hmacSHA256(key, sts))

	if subtle.ConstantTimeCompare([]byte(want), []byte(q.Get("X-Amz-Signature"))) != 1 {
		return nil, &Error{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}
	return cred, nil
}
