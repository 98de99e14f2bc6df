package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode marks a response body that is not valid JSON.
var ErrDecode = errors.New("response is not valid JSON")

// TransportError is a network failure, or a decode failure that survived
// the single retry. The operation that issued the call is aborted.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response with a JSON body. Body keeps the raw
// payload so callers can read platform error descriptions.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("transport: %s %s: http %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// AuthError is a rejected login. It is never retried.
type AuthError struct {
	Login      string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth: login %q rejected (http %d): %v", e.Login, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("auth: login %q failed: %v", e.Login, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UploadError is an unreadable file or an upload response without data.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsStatus reports whether err is a *StatusError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == status
	}
	return false
}
