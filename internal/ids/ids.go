// Package ids centralizes identifier generation. Entity ids are ULIDs
// so lexicographic order tracks creation order; execution tokens are
// UUIDs since they only need process-wide uniqueness.
package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a new ULID string
func New() string {
	return ulid.Make().String()
}

// NewExecutionToken returns an opaque token minted per dispatch attempt
func NewExecutionToken() string {
	return uuid.NewString()
}
