package storage

import (
	"context"
	"io"
	"regexp"
	"time"
	"unicode/utf8"
)

// DefaultSignedURLTTL is used when SignedURL is called with a
// non-positive ttl.
const DefaultSignedURLTTL = 3600 * time.Second

// PutOptions carries optional attributes for an upload.
type PutOptions struct {
	ContentType string
	ACL         string
	Metadata    map[string]string
}

// Service is the capability contract implemented by every storage
// backend adapter. Keys are opaque locators generated by the caller;
// writing to an existing key overwrites it.
type Service interface {
	// Name returns the registered logical name of this backend.
	Name() string

	// Put uploads an object. Intermediate structure (directories,
	// prefixes) is created as needed.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) error

	// Get returns the object bytes. A missing object yields an error
	// satisfying IsNotFound, distinct from transport failures.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing key is success.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present. Backend errors are
	// treated as absent.
	Exists(ctx context.Context, key string) bool

	// PublicURL returns an unauthenticated URL for the object, derived
	// from the provider preset or the configured URL template.
	PublicURL(key string) string

	// SignedURL returns a time-limited access URL. A non-positive ttl
	// selects DefaultSignedURLTTL.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// UpdateMetadata replaces the object's stored metadata, best
	// effort. Backends without in-place update may copy in place.
	UpdateMetadata(ctx context.Context, key string, metadata map[string]string) error
}

// Match: starts with one or more / OR contains \ OR contains ..
var regexForbiddenPatterns = regexp.MustCompile(`^/+|\\+|\.\.`)

// ValidateKey checks a key for S3 and local filesystem compatibility.
func ValidateKey(key string) bool {
	// S3 keys must be between 1 and 1024 bytes long
	if len(key) == 0 || len(key) > 1024 {
		return false
	} else if key == "." || key == ".." {
		return false
	}

	if regexForbiddenPatterns.MatchString(key) {
		return false
	}

	// S3 keys must be valid UTF-8 strings
	return utf8.ValidString(key)
}
