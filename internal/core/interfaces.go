// Package core defines the collaborator contracts shared by the speech pipeline.
package core

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned by stores when the addressed document or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a create-only write hits an existing document.
	ErrAlreadyExists = errors.New("already exists")
)

// DocumentStore is a hierarchical JSON document store. Paths use "/" as separator,
// e.g. "credentials/abc123".
type DocumentStore interface {
	// Read decodes the document at path into dst. It returns false when nothing is stored there.
	Read(ctx context.Context, path string, dst any) (bool, error)
	// List returns the direct children of prefix keyed by their last path segment.
	List(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
	Write(ctx context.Context, path string, value any) error
	// Patch merges fields into the JSON object at path, returning ErrNotFound when absent.
	Patch(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the document at path, returning ErrNotFound when absent.
	Delete(ctx context.Context, path string) error
	// PushNew stores value under a freshly generated child id of prefix and returns the id.
	PushNew(ctx context.Context, prefix string, value any) (string, error)
}

// BlobStore is a remote object store for generated and auxiliary assets.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
}

// IDAllocator produces unique identifiers for new entities.
type IDAllocator interface {
	Next(entityKind string) string
}
