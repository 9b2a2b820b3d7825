package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/e6qu/bleepstore-sub001/internal/config"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/metrics"
	"github.com/e6qu/bleepstore-sub001/internal/storage"
)

func init() {
	metrics.Register()
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Region:        "us-east-1",
			MaxObjectSize: 5 * 1024 * 1024 * 1024,
		},
		Auth: config.AuthConfig{
			AccessKey: "bleepstore",
			SecretKey: "bleepstore-secret",
			Enabled:   false,
		},
		Observability: config.ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	back, err := storage.NewMemoryBackend(storage.MemoryBackendConfig{})
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	return New(cfg, metadata.NewMemoryStore(), back)
}

func serve(srv *Server, method, target string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.ContentLength = int64(len(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())

	rec := serve(srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}

	if rec := serve(srv, http.MethodHead, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("HEAD /health = %d", rec.Code)
	}
	for _, p := range []string{"/healthz", "/readyz"} {
		if rec := serve(srv, http.MethodGet, p, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", p, rec.Code)
		}
	}
}

func TestHealthCheckDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Observability.HealthCheck = false
	srv := newTestServer(t, cfg)

	// With the probe routes unregistered the catch-all treats /healthz as a
	// bucket name, which the name rules reject.
	for _, p := range []string{"/healthz", "/readyz"} {
		if rec := serve(srv, http.MethodGet, p, ""); rec.Code == http.StatusOK {
			t.Errorf("GET %s = 200 with health checks off", p)
		}
	}
}

func TestOpenAPIAndDocs(t *testing.T) {
	srv := newTestServer(t, testConfig())

	rec := serve(srv, http.MethodGet, "/openapi.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json = %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("openapi body is not JSON: %v", err)
	}
	if _, ok := doc["openapi"]; !ok {
		t.Error("openapi version key missing")
	}

	rec = serve(srv, http.MethodGet, "/docs", "")
	if rec.Code == http.StatusMovedPermanently || rec.Code == http.StatusTemporaryRedirect {
		rec = serve(srv, http.MethodGet, rec.Header().Get("Location"), "")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /docs = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("docs Content-Type = %q", ct)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig())

	// Counters only render after the first observation.
	serve(srv, http.MethodGet, "/health", "")

	rec := serve(srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"bleepstore_http_requests_total",
		"bleepstore_http_request_duration_seconds",
		"bleepstore_objects_total",
		"bleepstore_buckets_total",
		"bleepstore_bytes_received_total",
		"bleepstore_bytes_sent_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Observability.Metrics = false
	srv := newTestServer(t, cfg)

	if rec := serve(srv, http.MethodGet, "/metrics", ""); rec.Code == http.StatusOK {
		t.Errorf("GET /metrics = 200 with metrics off")
	}
}

func TestResponseTags(t *testing.T) {
	srv := newTestServer(t, testConfig())
	rec := serve(srv, http.MethodGet, "/health", "")

	id := rec.Header().Get("x-amz-request-id")
	if len(id) != 16 || id != strings.ToUpper(id) {
		t.Errorf("x-amz-request-id = %q, want 16 uppercase hex chars", id)
	}
	if id2 := rec.Header().Get("x-amz-id-2"); len(id2) < 40 {
		t.Errorf("x-amz-id-2 = %q, want at least 40 chars", id2)
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Date header missing")
	}
	if got := rec.Header().Get("Server"); got != "BleepStore" {
		t.Errorf("Server = %q", got)
	}
}

func TestTransferEncodingRejected(t *testing.T) {
	srv := newTestServer(t, testConfig())

	r := httptest.NewRequest(http.MethodPut, "/bucket/key", strings.NewReader("body"))
	r.TransferEncoding = []string{"identity"}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("identity transfer-encoding = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Code>InvalidRequest</Code>") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// TestRouting drives one operation through every dispatch arm and checks
// that the expected handler answered, judging by status and body shape.
func TestRouting(t *testing.T) {
	srv := newTestServer(t, testConfig())

	if rec := serve(srv, http.MethodPut, "/films", ""); rec.Code != http.StatusOK {
		t.Fatalf("PUT /films = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := serve(srv, http.MethodPut, "/films/scene.txt", "cut!"); rec.Code != http.StatusOK {
		t.Fatalf("PUT object = %d: %s", rec.Code, rec.Body.String())
	}

	checks := []struct {
		method, target, want string
		status               int
	}{
		{http.MethodGet, "/", "<ListAllMyBucketsResult", http.StatusOK},
		{http.MethodGet, "/films", "<ListBucketResult", http.StatusOK},
		{http.MethodGet, "/films?list-type=2", "<KeyCount>", http.StatusOK},
		{http.MethodGet, "/films?location", "<LocationConstraint", http.StatusOK},
		{http.MethodGet, "/films?acl", "<AccessControlPolicy", http.StatusOK},
		{http.MethodGet, "/films?uploads", "<ListMultipartUploadsResult", http.StatusOK},
		{http.MethodGet, "/films/scene.txt", "cut!", http.StatusOK},
		{http.MethodGet, "/films/scene.txt?acl", "<AccessControlPolicy", http.StatusOK},
		{http.MethodPost, "/films/scene.txt?uploads", "<InitiateMultipartUploadResult", http.StatusOK},
		{http.MethodDelete, "/films/scene.txt?uploadId=nope", "NoSuchUpload", http.StatusNotFound},
		{http.MethodPatch, "/films", "MethodNotAllowed", http.StatusMethodNotAllowed},
		{http.MethodPost, "/films/scene.txt", "MethodNotAllowed", http.StatusMethodNotAllowed},
	}
	for _, c := range checks {
		rec := serve(srv, c.method, c.target, "")
		if rec.Code != c.status {
			t.Errorf("%s %s = %d, want %d: %s", c.method, c.target, rec.Code, c.status, rec.Body.String())
			continue
		}
		if !strings.Contains(rec.Body.String(), c.want) {
			t.Errorf("%s %s body = %s, want substring %q", c.method, c.target, rec.Body.String(), c.want)
		}
	}

	if rec := serve(srv, http.MethodHead, "/films", ""); rec.Code != http.StatusOK {
		t.Errorf("HEAD /films = %d", rec.Code)
	}
	if rec := serve(srv, http.MethodHead, "/films/scene.txt", ""); rec.Code != http.StatusOK {
		t.Errorf("HEAD object = %d", rec.Code)
	}
	if rec := serve(srv, http.MethodDelete, "/films/scene.txt", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE object = %d", rec.Code)
	}
	if rec := serve(srv, http.MethodDelete, "/films", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE bucket = %d", rec.Code)
	}
}

func TestUserMetadataHeaderCase(t *testing.T) {
	srv := newTestServer(t, testConfig())
	serve(srv, http.MethodPut, "/films", "")

	r := httptest.NewRequest(http.MethodPut, "/films/tagged", strings.NewReader("x"))
	r.ContentLength = 1
	r.Header.Set("X-Amz-Meta-Director", "kurosawa")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", rec.Code, rec.Body.String())
	}

	get := serve(srv, http.MethodGet, "/films/tagged", "")
	// The wire key must be fully lowercase, so look in the raw header map
	// rather than through the canonicalizing Get.
	vals := get.Header()["x-amz-meta-director"]
	if len(vals) != 1 || vals[0] != "kurosawa" {
		t.Errorf("x-amz-meta-director = %v (headers: %v)", vals, get.Header())
	}
}

func TestSplitTarget(t *testing.T) {
	cases := []struct {
		path, bucket, key string
	}{
		{"/", "", ""},
		{"", "", ""},
		{"/films", "films", ""},
		{"/films/", "films", ""},
		{"/films/scene.txt", "films", "scene.txt"},
		{"/films/2024/04/take.raw", "films", "2024/04/take.raw"},
	}
	for _, c := range cases {
		bucket, key := splitTarget(c.path)
		if bucket != c.bucket || key != c.key {
			t.Errorf("splitTarget(%q) = (%q, %q), want (%q, %q)", c.path, bucket, key, c.bucket, c.key)
		}
	}
}
