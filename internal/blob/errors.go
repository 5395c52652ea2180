package blob

import (
	"fmt"
	"strings"
)

// ConflictError reports a duplicate unique key: a colliding blob key or
// a repeated attachment tuple.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Detail)
}

// UsageError reports an invalid call: empty payloads, variants of
// non-image blobs, unregistered owner kinds.
type UsageError struct {
	Detail string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage error: %s", e.Detail)
}

// isUniqueViolation matches the unique-constraint message shapes of
// both supported sqlite drivers. Other constraint classes (NOT NULL,
// CHECK) must not be mistaken for conflicts.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
