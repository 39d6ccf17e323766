// Package objectstore provides BlobStore implementations backed by NATS JetStream
// object storage and by S3-compatible services.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/speech-pipeline/internal/core"
	"github.com/nats-io/nats.go"
)

const (
	headerContentType = "Content-Type"
	natsURLFormat     = "nats://%s/%s"
)

// NatsObjectStore implements the core.BlobStore interface using NATS JetStream.
type NatsObjectStore struct {
	jetstreamContext nats.JetStreamContext
	bucket           string
	store            nats.ObjectStore
}

// New binds to the named object store bucket, creating it when missing.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.ObjectStore(bucketName)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) && !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucketName,
			Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
			TTL:         0,
			MaxBytes:    0,
			Storage:     nats.FileStorage,
			Replicas:    1,
			Placement:   nil,
			Metadata:    nil,
			Compression: false,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		jetstreamContext: jetstreamContext,
		bucket:           bucketName,
		store:            store,
	}, nil
}

// Download retrieves an object from the NATS object store. It is not part of
// core.BlobStore; the pipeline only writes, and tests use it to verify uploads.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: object '%s'", core.ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the NATS object store and returns its nats:// URL.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte, contentType string) (string, error) {
	reader := bytes.NewReader(data)

	headers := nats.Header{}
	if contentType != "" {
		headers.Set(headerContentType, contentType)
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, reader)
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return fmt.Sprintf(natsURLFormat, n.bucket, key), nil
}

// Delete removes an object from the NATS object store.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := n.store.Delete(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return fmt.Errorf("%w: object '%s'", core.ErrNotFound, key)
		}

		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
