package storage

import (
	"errors"
	"fmt"
)

// Reason codes surfaced at the service boundary.
const (
	ReasonNotFound = "not_found"
	ReasonHTTP     = "http_error"
	ReasonConfig   = "config_error"
	ReasonBackend  = "backend_error"
)

var (
	// ErrNotFound is the sentinel wrapped by every missing-object error.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey rejects keys unsafe for S3 or a local filesystem.
	ErrInvalidKey = errors.New("invalid key")

	// ErrUnknownService is returned when a service name has no
	// registered backend.
	ErrUnknownService = errors.New("unknown storage service")
)

// ConfigError reports missing or invalid backend configuration. It is
// returned from adapter construction, never from first use.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", ReasonConfig, e.Field, e.Reason)
}

// NotFoundError reports a missing object. It unwraps to ErrNotFound so
// callers can classify with errors.Is.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: key %q", ReasonNotFound, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// BackendError reports a transport or remote-store failure. Status is
// the HTTP status code when one was observed, zero otherwise.
type BackendError struct {
	Status int
	Detail string
}

func (e *BackendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", ReasonHTTP, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", ReasonBackend, e.Detail)
}

// IsNotFound reports whether err represents a missing object or
// metadata row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
