package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/e6qu/bleepstore-sub001/internal/errors"
	"github.com/e6qu/bleepstore-sub001/internal/metrics"
	"github.com/e6qu/bleepstore-sub001/internal/uid"
	"github.com/e6qu/bleepstore-sub001/internal/xmlutil"
)

// responseTags stamps every response with the S3 identification headers:
// an uppercase 16-hex request ID, an extended ID of at least 40 characters,
// the Date and the Server banner.
func responseTags(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-amz-request-id", strings.ToUpper(uid.Hex(8)))
		w.Header().Set("x-amz-id-2", uid.Hex(32))
		w.Header().Set("Date", xmlutil.HTTPTime(time.Now()))
		w.Header().Set("Server", "BleepStore")
		next.ServeHTTP(w, r)
	})
}

// rejectBadTransferEncoding refuses any Transfer-Encoding other than chunked.
// Go's net/http strips the header itself for recognized codings, so both the
// raw header and the parsed slice need a look.
func rejectBadTransferEncoding(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if te := r.Header.Get("Transfer-Encoding"); te != "" {
			if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
				xmlutil.WriteError(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		for _, enc := range r.TransferEncoding {
			if !strings.EqualFold(enc, "chunked") {
				xmlutil.WriteError(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code and body size for the metrics layer.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wrote {
		sw.status = code
		sw.wrote = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wrote {
		sw.status = http.StatusOK
		sw.wrote = true
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// observe records the Prometheus series for a request. The /metrics endpoint
// itself is skipped so scrapes do not instrument themselves.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := metrics.NormalizePath(r.URL.Path)
		metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		if r.ContentLength > 0 {
			metrics.RequestBytes.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			metrics.BytesIn.Add(float64(r.ContentLength))
		}
		if sw.bytes > 0 {
			metrics.ResponseBytes.WithLabelValues(r.Method, path).Observe(float64(sw.bytes))
			metrics.BytesOut.Add(float64(sw.bytes))
		}
	})
}

// metaPrefix is the canonical spelling net/http gives "x-amz-meta-".
const metaPrefix = "X-Amz-Meta-"

// metaWriter lowers X-Amz-Meta-* header keys just before the header block is
// flushed. S3 clients match user metadata keys case-sensitively in lowercase,
// while Go's Header.Set canonicalizes to Title-Case.
type metaWriter struct {
	http.ResponseWriter
	fixed bool
}

func (mw *metaWriter) fix() {
	if mw.fixed {
		return
	}
	mw.fixed = true
	h := mw.ResponseWriter.Header()
	for key, values := range h {
		if strings.HasPrefix(key, metaPrefix) {
			delete(h, key)
			h[strings.ToLower(key)] = values
		}
	}
}

func (mw *metaWriter) WriteHeader(code int) {
	mw.fix()
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metaWriter) Write(b []byte) (int, error) {
	mw.fix()
	return mw.ResponseWriter.Write(b)
}

func (mw *metaWriter) Flush() {
	if f, ok := mw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func lowercaseMetaHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&metaWriter{ResponseWriter: w}, r)
	})
}
