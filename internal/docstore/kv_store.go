// Package docstore provides a DocumentStore backed by a NATS JetStream
// key-value bucket.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/speech-pipeline/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	pathSeparator = "/"
	keySeparator  = "."
)

// ErrInvalidPath is returned for empty paths or paths with empty segments.
var ErrInvalidPath = errors.New("invalid document path")

// KVStore implements core.DocumentStore on top of a JetStream key-value bucket.
// A document path such as "credentials/abc" is stored under the key "credentials.abc".
type KVStore struct {
	bucket string
	kv     nats.KeyValue
}

// NewKVStore binds to the named bucket, creating it when it does not exist yet.
func NewKVStore(jetstreamContext nats.JetStreamContext, bucketName string) (*KVStore, error) {
	kv, err := jetstreamContext.KeyValue(bucketName)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			return nil, fmt.Errorf("failed to bind to key-value bucket '%s': %w", bucketName, err)
		}

		kv, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucketName,
			Description: fmt.Sprintf("Documents for the %s bucket.", bucketName),
			History:     1,
			Storage:     nats.FileStorage,
			Replicas:    1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
		}
	}

	return &KVStore{
		bucket: bucketName,
		kv:     kv,
	}, nil
}

// Read loads and decodes the document stored at path.
func (s *KVStore) Read(_ context.Context, path string, dst any) (bool, error) {
	key, err := KeyFor(path)
	if err != nil {
		return false, err
	}

	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("failed to get '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	decodeErr := json.Unmarshal(entry.Value(), dst)
	if decodeErr != nil {
		return false, fmt.Errorf("failed to decode document '%s': %w", path, decodeErr)
	}

	return true, nil
}

// List returns every direct child document of prefix.
func (s *KVStore) List(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	keyPrefix, err := KeyFor(prefix)
	if err != nil {
		return nil, err
	}

	keyPrefix += keySeparator

	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return map[string]json.RawMessage{}, nil
		}

		return nil, fmt.Errorf("failed to list keys of bucket '%s': %w", s.bucket, err)
	}

	children := make(map[string]json.RawMessage)

	for _, key := range keys {
		childID, ok := strings.CutPrefix(key, keyPrefix)
		if !ok || childID == "" || strings.Contains(childID, keySeparator) {
			continue
		}

		entry, getErr := s.kv.Get(key)
		if getErr != nil {
			if errors.Is(getErr, nats.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("failed to get '%s' from bucket '%s': %w", key, s.bucket, getErr)
		}

		children[childID] = json.RawMessage(entry.Value())
	}

	return children, nil
}

// Write replaces the document at path.
func (s *KVStore) Write(_ context.Context, path string, value any) error {
	key, err := KeyFor(path)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode document '%s': %w", path, err)
	}

	_, err = s.kv.Put(key, data)
	if err != nil {
		return fmt.Errorf("failed to put '%s' to bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// Patch merges fields into the existing JSON object at path.
func (s *KVStore) Patch(_ context.Context, path string, fields map[string]any) error {
	key, err := KeyFor(path)
	if err != nil {
		return err
	}

	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}

		return fmt.Errorf("failed to get '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	merged, err := MergeFields(entry.Value(), fields)
	if err != nil {
		return fmt.Errorf("failed to patch document '%s': %w", path, err)
	}

	_, err = s.kv.Update(key, merged, entry.Revision())
	if err != nil {
		return fmt.Errorf("failed to update '%s' in bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// Delete removes the document at path.
func (s *KVStore) Delete(_ context.Context, path string) error {
	key, err := KeyFor(path)
	if err != nil {
		return err
	}

	_, err = s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}

		return fmt.Errorf("failed to get '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	err = s.kv.Delete(key)
	if err != nil {
		return fmt.Errorf("failed to delete '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// PushNew stores value under a new random child id of prefix.
func (s *KVStore) PushNew(_ context.Context, prefix string, value any) (string, error) {
	keyPrefix, err := KeyFor(prefix)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode document under '%s': %w", prefix, err)
	}

	id := newChildID()

	_, err = s.kv.Create(keyPrefix+keySeparator+id, data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return "", fmt.Errorf("%w: %s/%s", core.ErrAlreadyExists, prefix, id)
		}

		return "", fmt.Errorf("failed to create document under '%s': %w", prefix, err)
	}

	return id, nil
}

// KeyFor validates a document path and returns its bucket key.
func KeyFor(path string) (string, error) {
	trimmed := strings.Trim(path, pathSeparator)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	segments := strings.Split(trimmed, pathSeparator)
	for _, segment := range segments {
		if segment == "" || strings.Contains(segment, keySeparator) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}

	return strings.Join(segments, keySeparator), nil
}

// MergeFields sets fields on the encoded JSON object current.
func MergeFields(current []byte, fields map[string]any) ([]byte, error) {
	document := make(map[string]any)

	err := json.Unmarshal(current, &document)
	if err != nil {
		return nil, fmt.Errorf("stored document is not an object: %w", err)
	}

	for name, value := range fields {
		document[name] = value
	}

	merged, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged document: %w", err)
	}

	return merged, nil
}

// newChildID returns a key-safe random id; uuid hyphens are valid in NATS keys.
func newChildID() string {
	return uuid.NewString()
}
