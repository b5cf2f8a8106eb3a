package main

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the client-credentials exchange failed.
	ErrAuth = errors.New("twitch auth failed")
	// ErrFetch means the streams query failed.
	ErrFetch = errors.New("stream status fetch failed")
	// ErrUnauthorized marks an upstream 401; the cached token must be dropped.
	ErrUnauthorized = errors.New("upstream rejected access token")
	// ErrNotify means no channel accepted an announcement.
	ErrNotify = errors.New("notification delivery failed")
	// ErrPersist means the state store could not be written.
	ErrPersist = errors.New("state persist failed")
)

// HTTPStatusError reports a non-2xx answer from an upstream API.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
	kind       error
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.kind
}

func newHTTPStatusError(op string, status int, body []byte, kind error) *HTTPStatusError {
	const maxBody = 512
	text := string(body)
	if len(text) > maxBody {
		text = text[:maxBody]
	}
	return &HTTPStatusError{Op: op, StatusCode: status, Body: text, kind: kind}
}
