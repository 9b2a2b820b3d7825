package auth

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/e6qu/bleepstore-sub001/internal/metadata"
)

const (
	akTest     = "AKIDEXAMPLE"
	skTest     = "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"
	regionTest = "us-east-1"
)

func newTestVerifier(t *testing.T) (*Verifier, *metadata.MemoryStore) {
	t.Helper()
	store := metadata.NewMemoryStore()
	if err := store.PutCredential(t.Context(), &metadata.CredentialRecord{
		AccessKeyID: akTest,
		SecretKey:   skTest,
		OwnerID:     "owner-1",
		DisplayName: "Owner One",
		Active:      true,
		CreatedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	return NewVerifier(store, regionTest), store
}

// signTestRequest signs r the way a SigV4 client would, covering host,
// x-amz-content-sha256 and x-amz-date.
func signTestRequest(r *http.Request, accessKey, secret string, at time.Time) {
	amzDate := at.UTC().Format(amzDateFormat)
	r.Header.Set("X-Amz-Date", amzDate)
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", emptyBodySHA256)
	}

	signed := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonical := canonicalRequest(r, r.URL.Query(), signed, r.Header.Get("X-Amz-Content-Sha256"))
	scope := amzDate[:8] + "/" + regionTest + "/" + serviceS3 + "/" + scopeSuffix
	sts := stringToSign(amzDate, scope, canonical)
	sig := hex.EncodeToString(hmacSHA256(deriveKey(secret, amzDate[:8], regionTest, serviceS3), sts))

	r.Header.Set("Authorization", algorithm+" Credential="+accessKey+"/"+scope+
		", SignedHeaders="+strings.Join(signed, ";")+", Signature="+sig)
}

func TestURIEncode(t *testing.T) {
	cases := []struct {
		in          string
		encodeSlash bool
		want        string
	}{
		{"simple-key_1.txt~", true, "simple-key_1.txt~"},
		{"has space", true, "has%20space"},
		{"a/b", true, "a%2Fb"},
		{"a/b", false, "a/b"},
		{"été", true, "%C3%A9t%C3%A9"},
		{"plus+and=eq", true, "plus%2Band%3Deq"},
	}
	for _, c := range cases {
		if got := uriEncode(c.in, c.encodeSlash); got != c.want {
			t.Errorf("uriEncode(%q, %v) = %q, want %q", c.in, c.encodeSlash, got, c.want)
		}
	}
}

func TestCanonicalQuery(t *testing.T) {
	q := url.Values{}
	q.Set("prefix", "a b")
	q.Set("delimiter", "/")
	q["acl"] = nil

	got := canonicalQuery(q)
	want := "acl=&delimiter=%2F&prefix=a%20b"
	if got != want {
		t.Errorf("canonicalQuery = %q, want %q", got, want)
	}

	if canonicalQuery(url.Values{}) != "" {
		t.Error("empty query should canonicalise to empty string")
	}
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                     "/",
		"/":                    "/",
		"/bucket/key with sp":  "/bucket/key%20with%20sp",
		"/bucket/nested/a.txt": "/bucket/nested/a.txt",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAuthorizationHeader(t *testing.T) {
	h := algorithm + " Credential=AK/20260101/us-east-1/s3/aws4_request, SignedHeaders=host;x-amz-date, Signature=abc123"
	parsed, err := parseAuthorizationHeader(h)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.scope.accessKeyID != "AK" || parsed.scope.date != "20260101" ||
		parsed.scope.region != "us-east-1" || parsed.signature != "abc123" {
		t.Errorf("parsed = %+v", parsed)
	}
	if len(parsed.signedHeaders) != 2 || parsed.signedHeaders[1] != "x-amz-date" {
		t.Errorf("signedHeaders = %v", parsed.signedHeaders)
	}

	for _, bad := range []string{
		"Basic dXNlcjpwYXNz",
		algorithm + " Credential=AK/20260101/us-east-1/s3/aws4_request, Signature=abc",
		algorithm + " SignedHeaders=host, Signature=abc",
	} {
		if _, err := parseAuthorizationHeader(bad); err == nil {
			t.Errorf("parse(%q) should fail", bad)
		}
	}
}

func TestVerifyHeader(t *testing.T) {
	v, _ := newTestVerifier(t)

	r := httptest.NewRequest(http.MethodGet, "http://localhost:9011/bucket/key.txt?acl", nil)
	signTestRequest(r, akTest, skTest, time.Now())

	cred, err := v.VerifyHeader(r)
	if err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
	if cred.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q", cred.OwnerID)
	}
}

func TestVerifyHeaderWrongSecret(t *testing.T) {
	v, _ := newTestVerifier(t)

	r := httptest.NewRequest(http.MethodGet, "http://localhost:9011/bucket", nil)
	signTestRequest(r, akTest, "not-the-secret", time.Now())

	_, err := v.VerifyHeader(r)
	ae, ok := err.(*Error)
	if !ok || ae.Code != "SignatureDoesNotMatch" {
		t.Errorf("err = %v, want SignatureDoesNotMatch", err)
	}
}

func TestVerifyHeaderUnknownKey(t *testing.T) {
	v, _ := newTestVerifier(t)

	r := httptest.NewRequest(http.MethodGet, "http://localhost:9011/bucket", nil)
	signTestRequest(r, "AKIDNOBODY", skTest, time.Now())

	_, err := v.VerifyHeader(r)
	ae, ok := err.(*Error)
	if !ok || ae.Code != "InvalidAccessKeyId" {
		t.Errorf("err = %v, want InvalidAccessKeyId", err)
	}
}

func TestVerifyHeaderInactiveKey(t *testing.T) {
	v, store := newTestVerifier(t)
	if err := store.PutCredential(t.Context(), &metadata.CredentialRecord{
		AccessKeyID: "AKIDDISABLED",
		SecretKey:   "s",
		OwnerID:     "gone",
		Active:      false,
	}); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://localhost:9011/bucket", nil)
	signTestRequest(r, "AKIDDISABLED", "s", time.Now())

	_, err := v.VerifyHeader(r)
	ae, ok := err.(*Error)
	if !ok || ae.Code != "InvalidAccessKeyId" {
		t.Errorf("err = %v, want InvalidAccessKeyId", err)
	}
}

func TestVerifyHeaderClockSkew(t *testing.T) {
	v, _ := newTestVerifier(t)

	r := httptest.NewRequest(http.MethodGet, "http://localhost:9011/bucket", nil)
	signTestRequest(r, akTest, skTest, time.Now().Add(-16*time.Minute))

	_, err := v.VerifyHeader(r)
	ae, ok := err.(*Error)
	if !ok || ae.Code != "RequestTimeTooSkewed" {
		t.Errorf("err = %v, want RequestTimeTooSkewed", err)
	}
}

// presignTestURL builds a presigned GET for path with the given lifetime.
func presignTestURL(path string, at time.Time, expires int) string {
	amzDate := at.UTC().Format(amzDateFormat)
	scope := amzDate[:8] + "/" + regionTest + "/" + serviceS3 + "/" + scopeSuffix

	q := url.Values{}
	q.Set("X-Amz-Algorithm", algorithm)
	q.Set("X-Amz-Credential", akTest+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.Itoa(expires))
	q.Set("X-Amz-SignedHeaders", "host")

	r := httptest.NewRequest(http.MethodGet, "http://localhost:9011"+path, nil)
	canonical := canonicalRequest(r, q, []string{"host"}, unsignedPayload)
	sts := stringToSign(amzDate, scope, canonical)
	sig := hex.EncodeToString(hmacSHA256(deriveKey(skTest, amzDate[:8], regionTest, serviceS3), sts))
	q.Set("X-Amz-Signature", sig)
	return "http://localhost:9011" + path + "?" + q.Encode()
}

func TestVerifyPresigned(t *testing.T) {
	v, _ := newTestVerifier(t)

	r := httptest.NewRequest(http.MethodGet, presignTestURL("/bucket/key.txt", time.Now(), 300), nil)
	cred, err := v.VerifyPresigned(r)
	if err != nil {
		t.Fatalf("VerifyPresigned: %v", err)
	}
	if cred.AccessKeyID != akTest {
		t.Errorf("AccessKeyID = %q", cred.AccessKeyID)
	}
}

func TestVerifyPresignedExpired(t *testing.T) {
	v, _ := newTestVerifier(t)

	r := httptest.NewRequest(http.MethodGet, presignTestURL("/bucket/key.txt", time.Now().Add(-time.Minute), 10), nil)
	_, err := v.VerifyPresigned(r)
	ae, ok := err.(*Error)
	if !ok || ae.Code != "AccessDenied" {
		t.Errorf("err = %v, want AccessDenied", err)
	}
}

func TestVerifyPresignedMissingParams(t *testing.T) {
	v, _ := newTestVerifier(t)

	r := httptest.NewRequest(http.MethodGet,
		"http://localhost:9011/bucket/key.txt?X-Amz-Algorithm="+algorithm+"&X-Amz-Signature=x", nil)
	_, err := v.VerifyPresigned(r)
	ae, ok := err.(*Error)
	if !ok || ae.Code != "AuthorizationQueryParametersError" {
		t.Errorf("err = %v, want AuthorizationQueryParametersError", err)
	}
}

func TestVerifyPresignedExpiryBounds(t *testing.T) {
	v, _ := newTestVerifier(t)

	for _, expires := range []int{0, 604801} {
		r := httptest.NewRequest(http.MethodGet, presignTestURL("/bucket/key.txt", time.Now(), expires), nil)
		_, err := v.VerifyPresigned(r)
		ae, ok := err.(*Error)
		if !ok || ae.Code != "AuthorizationQueryParametersError" {
			t.Errorf("expires=%d: err = %v, want AuthorizationQueryParametersError", expires, err)
		}
	}
}

func TestVerifyPresignedBadSignature(t *testing.T) {
	v, _ := newTestVerifier(t)

	u := presignTestURL("/bucket/key.txt", time.Now(), 300)
	r := httptest.NewRequest(http.MethodGet, strings.Replace(u, "X-Amz-Signature=", "X-Amz-Signature=0bad", 1), nil)
	_, err := v.VerifyPresigned(r)
	ae, ok := err.(*Error)
	if !ok || ae.Code != "SignatureDoesNotMatch" {
		t.Errorf("err = %v, want SignatureDoesNotMatch", err)
	}
}

func TestSchemeOf(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/b", nil)
	if SchemeOf(plain) != SchemeNone {
		t.Error("plain request should be SchemeNone")
	}

	hdr := httptest.NewRequest(http.MethodGet, "/b", nil)
	hdr.Header.Set("Authorization", algorithm+" Credential=x, SignedHeaders=host, Signature=y")
	if SchemeOf(hdr) != SchemeHeader {
		t.Error("authorization header should be SchemeHeader")
	}

	pre := httptest.NewRequest(http.MethodGet, "/b?X-Amz-Algorithm="+algorithm, nil)
	if SchemeOf(pre) != SchemePresigned {
		t.Error("query algorithm should be SchemePresigned")
	}

	both := httptest.NewRequest(http.MethodGet, "/b?X-Amz-Algorithm="+algorithm, nil)
	both.Header.Set("Authorization", algorithm+" Credential=x, SignedHeaders=host, Signature=y")
	if SchemeOf(both) != SchemeAmbiguous {
		t.Error("both schemes should be SchemeAmbiguous")
	}
}
