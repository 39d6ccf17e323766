// Package docstoretest provides an in-process core.DocumentStore for tests.
package docstoretest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/book-expert/speech-pipeline/internal/core"
	"github.com/book-expert/speech-pipeline/internal/docstore"
	"github.com/google/uuid"
)

const pathSeparator = "/"

// MemoryStore keeps documents as encoded JSON, so callers observe the same copy
// semantics and path validation as with docstore.KVStore.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:        sync.Mutex{},
		documents: make(map[string][]byte),
	}
}

// Read decodes the document at path into dst.
func (m *MemoryStore) Read(_ context.Context, path string, dst any) (bool, error) {
	key, err := normalize(path)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	data, ok := m.documents[key]
	m.mu.Unlock()

	if !ok {
		return false, nil
	}

	decodeErr := json.Unmarshal(data, dst)
	if decodeErr != nil {
		return false, fmt.Errorf("failed to decode document '%s': %w", path, decodeErr)
	}

	return true, nil
}

// List returns the direct children of prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	keyPrefix, err := normalize(prefix)
	if err != nil {
		return nil, err
	}

	keyPrefix += pathSeparator

	m.mu.Lock()
	defer m.mu.Unlock()

	children := make(map[string]json.RawMessage)

	for key, data := range m.documents {
		childID, ok := strings.CutPrefix(key, keyPrefix)
		if !ok || childID == "" || strings.Contains(childID, pathSeparator) {
			continue
		}

		children[childID] = append(json.RawMessage(nil), data...)
	}

	return children, nil
}

// Write replaces the document at path.
func (m *MemoryStore) Write(_ context.Context, path string, value any) error {
	key, err := normalize(path)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode document '%s': %w", path, err)
	}

	m.mu.Lock()
	m.documents[key] = data
	m.mu.Unlock()

	return nil
}

// Patch merges fields into the object at path.
func (m *MemoryStore) Patch(_ context.Context, path string, fields map[string]any) error {
	key, err := normalize(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.documents[key]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}

	merged, err := docstore.MergeFields(current, fields)
	if err != nil {
		return fmt.Errorf("failed to patch document '%s': %w", path, err)
	}

	m.documents[key] = merged

	return nil
}

// Delete removes the document at path.
func (m *MemoryStore) Delete(_ context.Context, path string) error {
	key, err := normalize(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[key]; !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}

	delete(m.documents, key)

	return nil
}

// PushNew stores value under a new child id of prefix.
func (m *MemoryStore) PushNew(ctx context.Context, prefix string, value any) (string, error) {
	keyPrefix, err := normalize(prefix)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()

	err = m.Write(ctx, keyPrefix+pathSeparator+id, value)
	if err != nil {
		return "", err
	}

	return id, nil
}

// normalize applies the KV store's path rules and returns the trimmed path.
func normalize(path string) (string, error) {
	_, err := docstore.KeyFor(path)
	if err != nil {
		return "", err
	}

	return strings.Trim(path, pathSeparator), nil
}
