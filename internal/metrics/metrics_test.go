package metrics

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/docs", "/docs"},
		{"/docs/assets/app.js", "/docs"},
		{"/photos", "/{bucket}"},
		{"/photos/", "/{bucket}"},
		{"/photos/2024/cat.jpg", "/{bucket}/{key}"},
		{"/a/b/c/d", "/{bucket}/{key}"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			if got := NormalizePath(tc.in); got != tc.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()

	RequestsTotal.WithLabelValues("GET", "/{bucket}", "200").Inc()
	RequestDuration.WithLabelValues("GET", "/{bucket}").Observe(0.002)
	RequestBytes.WithLabelValues("PUT", "/{bucket}/{key}").Observe(512)
	ResponseBytes.WithLabelValues("GET", "/{bucket}/{key}").Observe(4096)
	OperationsTotal.WithLabelValues("PutObject", "success").Inc()
	ObjectCount.Set(7)
	BucketCount.Set(2)
	BytesIn.Add(512)
	BytesOut.Add(4096)
}
