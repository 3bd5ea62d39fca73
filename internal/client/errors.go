package client

import (
	"fmt"
	"net/http"
)

// APIError is returned when the platform rejects an API call (unknown format,
// missing task, insufficient permissions, ...).
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: platform returned %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: platform returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// HTTPError is returned when an archive download answers with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("download %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// TransportError wraps network-level failures (refused, reset, timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
