package omada

import (
	"errors"
	"fmt"
	"net/http"
)

// Well-known application error codes returned in the errorCode field
// of the response envelope.
const (
	CodeOK                 = 0
	CodeSessionExpired     = -1200
	CodeOperationForbidden = -1005
	CodeRequestFailed      = -1600
	CodeLoginFailed        = -30109
)

// Error kinds. Match with errors.Is; the structured types below unwrap
// to these.
var (
	// ErrLoginRequired means the session token is missing or expired.
	ErrLoginRequired = errors.New("login required")

	// ErrLoginFailed means the controller rejected the credentials.
	ErrLoginFailed = errors.New("login failed")

	// ErrOperationForbidden is returned for calls the account may not
	// make. Controllers below 5.0.0 also return it for a bad site name.
	ErrOperationForbidden = errors.New("operation forbidden")

	// ErrRequestFailed is the controller's own generic failure code.
	// It is treated like a connection error.
	ErrRequestFailed = errors.New("controller request failed")

	// ErrUnknownSite means the configured site name does not exist.
	ErrUnknownSite = errors.New("unknown site")

	// ErrUnsupportedVersion means the controller did not report a
	// usable version.
	ErrUnsupportedVersion = errors.New("unsupported controller version")

	// ErrNotLoggedIn is a local precondition failure: an authenticated
	// call was made before Login succeeded. No request was sent.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrInvalidURL means the controller URL could not be used.
	ErrInvalidURL = errors.New("invalid controller URL")

	// ErrSSL means TLS certificate verification failed.
	ErrSSL = errors.New("certificate verification failed")

	// ErrNonJSON means a successful response did not carry JSON.
	ErrNonJSON = errors.New("received non-JSON response")

	// ErrDetailsUnavailable means a mutation needed detail data that
	// has not been fetched for the item yet.
	ErrDetailsUnavailable = errors.New("item details not loaded")

	// ErrNoSuchOverride means the access point has no SSID override
	// entry for the requested SSID.
	ErrNoSuchOverride = errors.New("no SSID override")
)

// RequestError is a transport failure: the request never produced an
// HTTP response. Err carries the cause, which may wrap [ErrSSL] or
// [ErrInvalidURL].
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("call to %s failed: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response that did not carry a decodable
// application error.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("call to %s failed: received status code %d", e.URL, e.StatusCode)
}

// Unwrap maps 401 to [ErrLoginRequired].
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrLoginRequired
	}
	return nil
}

// APIError is a non-zero errorCode in the response envelope.
type APIError struct {
	URL  string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("call to %s failed: API error %d: %s", e.URL, e.Code, e.Msg)
}

// Unwrap maps well-known codes to their error kind.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeLoginFailed:
		return ErrLoginFailed
	case CodeOperationForbidden:
		return ErrOperationForbidden
	case CodeSessionExpired:
		return ErrLoginRequired
	case CodeRequestFailed:
		return ErrRequestFailed
	}
	return nil
}

// ParseError means a response did not have the expected shape.
type ParseError struct {
	Endpoint string
	Field    string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to parse %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("unable to parse %s: %q not available in response", e.Endpoint, e.Field)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DetailError is a failed per-item detail fetch. It fails the whole
// detail pass.
type DetailError struct {
	Collection string
	Key        string
	Err        error
}

func (e *DetailError) Error() string {
	return fmt.Sprintf("%s details for %s: %v", e.Collection, e.Key, e.Err)
}

func (e *DetailError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a connection-level failure that a
// fresh login and one retry may cure.
func IsTransient(err error) bool {
	var reqErr *RequestError
	var httpErr *HTTPError
	return errors.As(err, &reqErr) || errors.As(err, &httpErr) || errors.Is(err, ErrRequestFailed)
}
