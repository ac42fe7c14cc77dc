package agora

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// maxBodySnippet caps how much of a response body an APIError carries.
// Misbehaving endpoints can return megabytes.
const maxBodySnippet = 1024

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status int
	Code   string // structured errcode when the body carries one
	Body   string // truncated body snippet
}

func newAPIError(status int, body []byte) *APIError {
	return &APIError{
		Status: status,
		Code:   gjson.GetBytes(body, "errcode").String(),
		Body:   snippet(string(body)),
	}
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// ServerFault reports whether the response indicates an internal fault on
// the remote side rather than a rejected request.
func (e *APIError) ServerFault() bool { return e.Status >= 500 }

// IsServerFault reports whether err is a 5xx response.
func IsServerFault(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ServerFault()
}

// IsExpectedFailure reports whether err is a well-formed client-error
// rejection carrying one of the given markers, such as a duplicate-username
// errcode during a registration storm.
func IsExpectedFailure(err error, markers []string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.ServerFault() {
		return false
	}
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		if apiErr.Code == marker || strings.Contains(apiErr.Body, marker) {
			return true
		}
	}
	return false
}

// IsTransport reports whether err is a transport-level failure (refused
// connection, timeout, protocol error) rather than an HTTP response.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxBodySnippet {
		return s
	}
	return s[:maxBodySnippet] + "..."
}
