package cloudapi

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/smartdc/cloudapi/auth"
)

// ConfigurationError is returned when a DataCenter cannot be constructed
// from the given parameters, e.g. an unknown location with no custom
// locations table, or a malformed key id.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Message)
}

// TransportError is returned when a request fails before an HTTP response is
// obtained (connection refused, timeout, TLS failure).
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a well-formed error response from the remote service. Code and
// Message pass through verbatim from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// NotFoundError is returned when local resolution finds zero matching
// candidates, or a default selector finds nothing flagged default.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s matching %q", e.Kind, e.Ref)
}

// AmbiguousReferenceError is returned when local resolution finds multiple
// equally-good candidates and no creation-timestamp tiebreak is possible.
type AmbiguousReferenceError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("reference %q is ambiguous between %s", e.Ref, strings.Join(e.Matches, ", "))
}

// IsNotFound reports whether err is either a local NotFoundError or a 404
// from the server.
func IsNotFound(err error) bool {
	switch cause := errors.Cause(err).(type) {
	case *NotFoundError:
		return true
	case *APIError:
		return cause.StatusCode == 404
	}
	return false
}

// IsAuthentication reports whether err means the signing key was unusable.
func IsAuthentication(err error) bool {
	_, ok := errors.Cause(err).(*auth.AuthenticationError)
	return ok
}

// IsTransport reports whether err occurred before an HTTP response was
// obtained.
func IsTransport(err error) bool {
	_, ok := errors.Cause(err).(*TransportError)
	return ok
}
