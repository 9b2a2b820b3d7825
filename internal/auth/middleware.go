package auth

import (
	"net/http"
	"strings"

	s3err "github.com/e6qu/bleepstore-sub001/internal/errors"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/xmlutil"
)

// exemptPaths are operational endpoints served without SigV4.
var exemptPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
}

// Options configures the authentication middleware.
type Options struct {
	// Enabled turns SigV4 enforcement on. When false every request is
	// admitted as DefaultOwner.
	Enabled      bool
	DefaultOwner Identity
}

// Middleware enforces SigV4 on everything except the operational endpoints.
// On success the authenticated identity is attached to the request context.
func Middleware(v *Verifier, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if exemptPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			if !opts.Enabled {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), opts.DefaultOwner)))
				return
			}

			var (
				cred *metadata.CredentialRecord
				err  error
			)
			switch SchemeOf(r) {
			case SchemeNone:
				xmlutil.WriteError(w, r, s3err.ErrAccessDenied)
				return
			case SchemeAmbiguous:
				xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage(
					"Only one auth mechanism allowed; found both Authorization header and query string parameters"))
				return
			case SchemeHeader:
				cred, err = v.VerifyHeader(r)
			case SchemePresigned:
				cred, err = v.VerifyPresigned(r)
			}
			if err != nil {
				writeAuthError(w, r, err)
				return
			}

			ctx := WithIdentity(r.Context(), Identity{ID: cred.OwnerID, DisplayName: cred.DisplayName})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError maps a verification failure onto the error taxonomy.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := err.(*Error)
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	switch ae.Code {
	case "InvalidAccessKeyId":
		xmlutil.WriteError(w, r, s3err.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.WriteError(w, r, s3err.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.WriteError(w, r, s3err.ErrRequestTimeTooSkewed)
	case "AuthorizationQueryParametersError":
		xmlutil.WriteError(w, r, s3err.ErrAuthorizationQueryParametersError.WithMessage(ae.Message))
	case "AccessDenied":
		xmlutil.WriteError(w, r, s3err.ErrAccessDenied.WithMessage(ae.Message))
	default:
		xmlutil.WriteError(w, r, s3err.ErrAccessDenied)
	}
}
