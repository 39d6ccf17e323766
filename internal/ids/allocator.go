// Package ids allocates identifiers for new content items.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// UUIDAllocator returns "<kind>-<uuid>" identifiers.
type UUIDAllocator struct{}

// NewUUIDAllocator returns an allocator.
func NewUUIDAllocator() UUIDAllocator {
	return UUIDAllocator{}
}

// Next returns a new unique identifier for an entity of the given kind.
func (UUIDAllocator) Next(entityKind string) string {
	id := uuid.NewString()

	kind := strings.ToLower(strings.TrimSpace(entityKind))
	if kind == "" {
		return id
	}

	return kind + "-" + id
}
