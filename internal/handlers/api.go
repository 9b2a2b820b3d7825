// Package handlers is the operation engine: one short function per S3
// operation, each calling metadata and storage primitives in a disciplined
// order. Validation happens before any I/O; storage writes land before the
// metadata commit so that a crash never leaves a readable object without
// bytes behind it.
package handlers

import (
	"net/http"
	"strings"

	"github.com/e6qu/bleepstore-sub001/internal/auth"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/storage"
)

// API carries the dependencies shared by every S3 operation handler.
type API struct {
	meta          metadata.Store
	store         storage.Backend
	region        string
	owner         auth.Identity
	maxObjectSize int64
}

// Options configures an API.
type Options struct {
	// Region is reported by HeadBucket and GetBucketLocation.
	Region string
	// Owner is the fallback identity when the request context carries none
	// (auth disabled).
	Owner auth.Identity
	// MaxObjectSize caps single PUTs and individual parts; 0 disables the cap.
	MaxObjectSize int64
}

// New builds the operation engine over the given metadata engine and storage
// backend.
func New(meta metadata.Store, store storage.Backend, opts Options) *API {
	return &API{
		meta:          meta,
		store:         store,
		region:        opts.Region,
		owner:         opts.Owner,
		maxObjectSize: opts.MaxObjectSize,
	}
}

// ownerFor resolves the acting identity: the authenticated principal if the
// middleware attached one, otherwise the configured default owner.
func (a *API) ownerFor(r *http.Request) auth.Identity {
	if id := auth.IdentityFromContext(r.Context()); id.ID != "" {
		return id
	}
	return a.owner
}

// splitPath breaks the request path into bucket and key. The key keeps its
// internal slashes; a path with no key yields an empty key.
func splitPath(r *http.Request) (bucket, key string) {
	p := strings.TrimPrefix(r.URL.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}
