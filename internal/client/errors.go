package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfigurationMissing is returned before any network call when no
	// server URL has been configured.
	ErrConfigurationMissing = errors.New("server not configured")
	// ErrUnauthenticated is returned for mutations attempted without credentials,
	// and for 401 responses.
	ErrUnauthenticated = errors.New("not authenticated")
	ErrForbidden       = errors.New("permission denied")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	// ErrTransport covers network failures and unexpected server responses
	ErrTransport = errors.New("transport error")
)

// APIError is a non-2xx response from the catalog service. It matches the
// sentinel for its status code under errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("catalog returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("catalog returned %d: %s", e.StatusCode, e.Message)
}

// Is maps the status code onto the client's error taxonomy
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest ||
			e.StatusCode == http.StatusRequestEntityTooLarge ||
			e.StatusCode == http.StatusUnprocessableEntity ||
			e.StatusCode == http.StatusConflict
	case ErrTransport:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
}
