// Package errors defines the closed S3 error taxonomy used across the server.
// Handlers return *S3Error values; the XML layer renders them as the standard
// S3 error envelope with the matching HTTP status.
package errors

import "net/http"

// S3Error is one kind from the error taxonomy. Extra holds additional XML
// elements some errors carry (for example BucketName on InvalidBucketName).
type S3Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Extra      map[string]string
}

func (e *S3Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithMessage returns a copy of e carrying a different message.
func (e *S3Error) WithMessage(msg string) *S3Error {
	c := *e
	c.Message = msg
	return &c
}

// WithExtra returns a copy of e with an extra XML element attached.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	c := *e
	c.Extra = make(map[string]string, len(e.Extra)+1)
	for k, v := range e.Extra {
		c.Extra[k] = v
	}
	c.Extra[key] = value
	return &c
}

func define(status int, code, message string) *S3Error {
	return &S3Error{Code: code, Message: message, HTTPStatus: status}
}

var (
	ErrAccessDenied = define(http.StatusForbidden, "AccessDenied", "Access Denied")

	ErrInvalidAccessKeyId = define(http.StatusForbidden, "InvalidAccessKeyId",
		"The AWS access key ID you provided does not exist in our records.")

	ErrSignatureDoesNotMatch = define(http.StatusForbidden, "SignatureDoesNotMatch",
		"The request signature we calculated does not match the signature you provided. Check your key and signing method.")

	ErrRequestTimeTooSkewed = define(http.StatusForbidden, "RequestTimeTooSkewed",
		"The difference between the request time and the server's time is too large.")

	ErrAuthorizationQueryParametersError = define(http.StatusBadRequest, "AuthorizationQueryParametersError",
		"Query-string authentication requires the X-Amz-Algorithm, X-Amz-Credential, X-Amz-Signature, X-Amz-Date, X-Amz-SignedHeaders and X-Amz-Expires parameters.")

	ErrNoSuchBucket = define(http.StatusNotFound, "NoSuchBucket",
		"The specified bucket does not exist")

	ErrNoSuchKey = define(http.StatusNotFound, "NoSuchKey",
		"The specified key does not exist.")

	ErrNoSuchUpload = define(http.StatusNotFound, "NoSuchUpload",
		"The specified upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed.")

	ErrBucketAlreadyExists = define(http.StatusConflict, "BucketAlreadyExists",
		"The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.")

	ErrBucketAlreadyOwnedByYou = define(http.StatusConflict, "BucketAlreadyOwnedByYou",
		"Your previous request to create the named bucket succeeded and you already own it.")

	ErrBucketNotEmpty = define(http.StatusConflict, "BucketNotEmpty",
		"The bucket you tried to delete is not empty")

	ErrInvalidBucketName = define(http.StatusBadRequest, "InvalidBucketName",
		"The specified bucket is not valid.")

	ErrInvalidArgument = define(http.StatusBadRequest, "InvalidArgument",
		"Invalid Argument")

	ErrInvalidPart = define(http.StatusBadRequest, "InvalidPart",
		"One or more of the specified parts could not be found. The part may not have been uploaded, or the specified entity tag may not match the part's entity tag.")

	ErrInvalidPartOrder = define(http.StatusBadRequest, "InvalidPartOrder",
		"The list of parts was not in ascending order. Parts must be ordered by part number.")

	ErrInvalidRange = define(http.StatusRequestedRangeNotSatisfiable, "InvalidRange",
		"The requested range is not satisfiable")

	ErrEntityTooLarge = define(http.StatusBadRequest, "EntityTooLarge",
		"Your proposed upload exceeds the maximum allowed object size.")

	ErrEntityTooSmall = define(http.StatusBadRequest, "EntityTooSmall",
		"Your proposed upload is smaller than the minimum allowed object size. Each part must be at least 5 MB in size, except the last part.")

	ErrBadDigest = define(http.StatusBadRequest, "BadDigest",
		"The Content-MD5 you specified did not match what we received.")

	ErrInvalidDigest = define(http.StatusBadRequest, "InvalidDigest",
		"The Content-MD5 you specified is not valid.")

	ErrMalformedXML = define(http.StatusBadRequest, "MalformedXML",
		"The XML you provided was not well-formed or did not validate against our published schema")

	ErrMalformedACLError = define(http.StatusBadRequest, "MalformedACLError",
		"The XML you provided was not well-formed or did not validate against our published schema")

	ErrMethodNotAllowed = define(http.StatusMethodNotAllowed, "MethodNotAllowed",
		"The specified method is not allowed against this resource.")

	ErrMissingContentLength = define(http.StatusLengthRequired, "MissingContentLength",
		"You must provide the Content-Length HTTP header.")

	ErrPreconditionFailed = define(http.StatusPreconditionFailed, "PreconditionFailed",
		"At least one of the pre-conditions you specified did not hold")

	ErrKeyTooLong = define(http.StatusBadRequest, "KeyTooLongError",
		"Your key is too long")

	ErrNotImplemented = define(http.StatusNotImplemented, "NotImplemented",
		"A header you provided implies functionality that is not implemented")

	ErrInternalError = define(http.StatusInternalServerError, "InternalError",
		"We encountered an internal error. Please try again.")

	ErrIncompleteBody = define(http.StatusBadRequest, "IncompleteBody",
		"You did not provide the number of bytes specified by the Content-Length HTTP header")

	ErrInvalidRequest = define(http.StatusBadRequest, "InvalidRequest", "Invalid Request")

	ErrInvalidLocationConstraint = define(http.StatusBadRequest, "InvalidLocationConstraint",
		"The specified location constraint is not valid.")

	ErrTooManyBuckets = define(http.StatusBadRequest, "TooManyBuckets",
		"You have attempted to create more buckets than allowed")

	ErrRequestTimeout = define(http.StatusBadRequest, "RequestTimeout",
		"Your socket connection to the server was not read from or written to within the timeout period.")

	ErrServiceUnavailable = define(http.StatusServiceUnavailable, "ServiceUnavailable",
		"Service is unable to handle request.")
)
