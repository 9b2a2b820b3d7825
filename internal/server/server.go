// Package server wires the S3 surface onto an HTTP listener: a chi mux with
// the operational endpoints (health, docs, metrics) registered first and a
// catch-all that routes everything else by path shape, method and query.
package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e6qu/bleepstore-sub001/internal/auth"
	"github.com/e6qu/bleepstore-sub001/internal/config"
	s3err "github.com/e6qu/bleepstore-sub001/internal/errors"
	"github.com/e6qu/bleepstore-sub001/internal/handlers"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/storage"
	"github.com/e6qu/bleepstore-sub001/internal/xmlutil"
)

// Server owns the router and the assembled middleware chain.
type Server struct {
	cfg      *config.Config
	mux      chi.Router
	s3       *handlers.API
	verifier *auth.Verifier
	owner    auth.Identity
	srv      *http.Server
}

// New assembles the router. The metadata store and storage backend are
// injected so tests can run against the in-memory pair.
func New(cfg *config.Config, meta metadata.Store, store storage.Backend) *Server {
	owner := auth.Identity{ID: cfg.Auth.AccessKey, DisplayName: cfg.Auth.AccessKey}

	s := &Server{
		cfg:      cfg,
		mux:      chi.NewMux(),
		verifier: auth.NewVerifier(meta, cfg.Server.Region),
		owner:    owner,
		s3: handlers.New(meta, store, handlers.Options{
			Region:        cfg.Server.Region,
			Owner:         owner,
			MaxObjectSize: cfg.Server.MaxObjectSize,
		}),
	}
	s.routes()
	return s
}

// Handler returns the full middleware chain. The meta-header rewrite sits
// innermost so every later wrapper sees already-canonical headers; metrics
// sit outermost so they time the whole chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = lowercaseMetaHeaders(h)
	h = auth.Middleware(s.verifier, auth.Options{
		Enabled:      s.cfg.Auth.Enabled,
		DefaultOwner: s.owner,
	})(h)
	h = rejectBadTransferEncoding(h)
	h = responseTags(h)
	h = observe(h)
	return h
}

// ListenAndServe blocks serving the assembled handler on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests until the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok" doc:"Health status"`
	}
}

func (s *Server) routes() {
	cfg := huma.DefaultConfig("BleepStore S3 API", "1.0.0")
	cfg.DocsPath = "/docs"
	cfg.OpenAPIPath = "/openapi"
	api := humachi.New(s.mux, cfg)

	if s.cfg.Observability.HealthCheck {
		huma.Register(api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Tags:        []string{"System"},
		}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
		// Huma registers one method per operation; HEAD probes get a bare 200.
		s.mux.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
		for _, p := range []string{"/healthz", "/readyz"} {
			s.mux.Get(p, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"status":"ok"}`))
			})
		}
	}

	if s.cfg.Observability.Metrics {
		s.mux.Handle("/metrics", promhttp.Handler())
	}

	// Everything else is the S3 namespace. chi prefers the literal routes
	// above, so the catch-all only sees bucket and object paths.
	s.mux.HandleFunc("/*", s.route)
}

// route picks the S3 operation from the path shape, the method and the
// query string, in that order.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitTarget(r.URL.Path)
	q := r.URL.Query()

	switch {
	case bucket == "":
		if r.Method == http.MethodGet {
			s.s3.ListBuckets(w, r)
			return
		}
		xmlutil.WriteError(w, r, s3err.ErrMethodNotAllowed)

	case key == "":
		s.routeBucket(w, r, q)

	default:
		s.routeObject(w, r, q)
	}
}

func (s *Server) routeBucket(w http.ResponseWriter, r *http.Request, q map[string][]string) {
	has := func(k string) bool { _, ok := q[k]; return ok }
	switch r.Method {
	case http.MethodPut:
		if has("acl") {
			s.s3.PutBucketAcl(w, r)
		} else {
			s.s3.CreateBucket(w, r)
		}
	case http.MethodGet:
		switch {
		case has("location"):
			s.s3.GetBucketLocation(w, r)
		case has("acl"):
			s.s3.GetBucketAcl(w, r)
		case has("uploads"):
			s.s3.ListMultipartUploads(w, r)
		case has("list-type"):
			s.s3.ListObjectsV2(w, r)
		default:
			s.s3.ListObjects(w, r)
		}
	case http.MethodHead:
		s.s3.HeadBucket(w, r)
	case http.MethodDelete:
		s.s3.DeleteBucket(w, r)
	case http.MethodPost:
		if has("delete") {
			s.s3.DeleteObjects(w, r)
		} else {
			xmlutil.WriteError(w, r, s3err.ErrMethodNotAllowed)
		}
	default:
		xmlutil.WriteError(w, r, s3err.ErrMethodNotAllowed)
	}
}

func (s *Server) routeObject(w http.ResponseWriter, r *http.Request, q map[string][]string) {
	has := func(k string) bool { _, ok := q[k]; return ok }
	switch r.Method {
	case http.MethodPut:
		switch {
		// partNumber wins over the copy-source header: UploadPart handles
		// the part-copy variant itself.
		case has("partNumber") || has("uploadId"):
			s.s3.UploadPart(w, r)
		case has("acl"):
			s.s3.PutObjectAcl(w, r)
		case r.Header.Get("x-amz-copy-source") != "":
			s.s3.CopyObject(w, r)
		default:
			s.s3.PutObject(w, r)
		}
	case http.MethodGet:
		switch {
		case has("acl"):
			s.s3.GetObjectAcl(w, r)
		case has("uploadId"):
			s.s3.ListParts(w, r)
		default:
			s.s3.GetObject(w, r)
		}
	case http.MethodHead:
		s.s3.HeadObject(w, r)
	case http.MethodDelete:
		if has("uploadId") {
			s.s3.AbortMultipartUpload(w, r)
		} else {
			s.s3.DeleteObject(w, r)
		}
	case http.MethodPost:
		switch {
		case has("uploads"):
			s.s3.CreateMultipartUpload(w, r)
		case has("uploadId"):
			s.s3.CompleteMultipartUpload(w, r)
		default:
			xmlutil.WriteError(w, r, s3err.ErrMethodNotAllowed)
		}
	default:
		xmlutil.WriteError(w, r, s3err.ErrMethodNotAllowed)
	}
}

// splitTarget breaks "/bucket/key..." into its two halves. The key keeps
// interior slashes verbatim.
func splitTarget(path string) (bucket, key string) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
