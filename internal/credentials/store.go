package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/speech-pipeline/internal/core"
)

const collectionPath = "credentials"

// Document field names used in patches.
const (
	fieldStatus           = "status"
	fieldCreditsRemaining = "creditsRemaining"
	fieldLastUsedAt       = "lastUsedAt"
)

var (
	// ErrAlreadyExists is returned when inserting a secret that is already stored.
	ErrAlreadyExists = errors.New("credential already exists")
	// ErrNotFound is returned when the credential id is unknown.
	ErrNotFound = errors.New("credential not found")
	// ErrSecretEmpty is returned when inserting an empty secret.
	ErrSecretEmpty = errors.New("credential secret cannot be empty")
)

// Fields is a partial update of a credential record. Nil members are left untouched.
type Fields struct {
	Status           *Status
	CreditsRemaining *int
	LastUsedAt       *time.Time
}

// Store is the persistence contract for credential records.
type Store interface {
	ListAll(ctx context.Context) ([]Record, error)
	Insert(ctx context.Context, secret string) (string, error)
	Patch(ctx context.Context, id string, fields Fields) error
	Remove(ctx context.Context, id string) error
}

// DocumentStoreAdapter stores credentials under "credentials/<id>" in a document store.
// It performs no caching: every call goes to the underlying store.
type DocumentStoreAdapter struct {
	docs core.DocumentStore
	now  func() time.Time
}

// NewDocumentStoreAdapter wraps docs.
func NewDocumentStoreAdapter(docs core.DocumentStore) *DocumentStoreAdapter {
	return &DocumentStoreAdapter{
		docs: docs,
		now:  time.Now,
	}
}

// ListAll returns every stored credential record.
func (a *DocumentStoreAdapter) ListAll(ctx context.Context) ([]Record, error) {
	children, err := a.docs.List(ctx, collectionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	records := make([]Record, 0, len(children))

	for id, raw := range children {
		var record Record

		decodeErr := json.Unmarshal(raw, &record)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode credential '%s': %w", id, decodeErr)
		}

		record.ID = id
		records = append(records, record)
	}

	return records, nil
}

// Insert stores a new active credential and returns its id.
func (a *DocumentStoreAdapter) Insert(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", ErrSecretEmpty
	}

	existing, err := a.ListAll(ctx)
	if err != nil {
		return "", err
	}

	for _, record := range existing {
		if record.Secret == secret {
			return "", fmt.Errorf("%w: %s", ErrAlreadyExists, Redact(secret))
		}
	}

	record := Record{
		ID:               "",
		Secret:           secret,
		Status:           StatusActive,
		CreditsRemaining: nil,
		AddedAt:          a.now().UTC(),
		LastUsedAt:       time.Time{},
	}

	id, err := a.docs.PushNew(ctx, collectionPath, record)
	if err != nil {
		return "", fmt.Errorf("failed to insert credential %s: %w", Redact(secret), err)
	}

	return id, nil
}

// Patch applies fields to the credential with the given id.
func (a *DocumentStoreAdapter) Patch(ctx context.Context, id string, fields Fields) error {
	update := make(map[string]any, 3)

	if fields.Status != nil {
		update[fieldStatus] = *fields.Status
	}

	if fields.CreditsRemaining != nil {
		update[fieldCreditsRemaining] = *fields.CreditsRemaining
	}

	if fields.LastUsedAt != nil {
		update[fieldLastUsedAt] = fields.LastUsedAt.UTC()
	}

	if len(update) == 0 {
		return nil
	}

	err := a.docs.Patch(ctx, recordPath(id), update)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return fmt.Errorf("failed to patch credential '%s': %w", id, err)
	}

	return nil
}

// Remove deletes the credential with the given id.
func (a *DocumentStoreAdapter) Remove(ctx context.Context, id string) error {
	err := a.docs.Delete(ctx, recordPath(id))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return fmt.Errorf("failed to remove credential '%s': %w", id, err)
	}

	return nil
}

func recordPath(id string) string {
	return collectionPath + "/" + id
}
