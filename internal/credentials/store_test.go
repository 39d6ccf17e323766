package credentials_test

import (
	"context"
	"testing"

	"github.com/book-expert/speech-pipeline/internal/credentials"
	"github.com/book-expert/speech-pipeline/internal/docstore/docstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentStoreAdapter_InsertRejectsDuplicates(t *testing.T) {
	t.Parallel()

	store := credentials.NewDocumentStoreAdapter(docstoretest.NewMemoryStore())
	ctx := context.Background()

	id, err := store.Insert(ctx, keyAlpha)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = store.Insert(ctx, keyAlpha)
	require.ErrorIs(t, err, credentials.ErrAlreadyExists)

	_, err = store.Insert(ctx, "")
	require.ErrorIs(t, err, credentials.ErrSecretEmpty)

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, credentials.StatusActive, records[0].Status)
	assert.Nil(t, records[0].CreditsRemaining)
	assert.False(t, records[0].AddedAt.IsZero())
}

func TestDocumentStoreAdapter_MutationsAreVisible(t *testing.T) {
	t.Parallel()

	store := credentials.NewDocumentStoreAdapter(docstoretest.NewMemoryStore())
	ctx := context.Background()

	id, err := store.Insert(ctx, keyBeta)
	require.NoError(t, err)

	status := credentials.StatusLowCredits
	credits := 42

	err = store.Patch(ctx, id, credentials.Fields{Status: &status, CreditsRemaining: &credits, LastUsedAt: nil})
	require.NoError(t, err)

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, credentials.StatusLowCredits, records[0].Status)
	require.NotNil(t, records[0].CreditsRemaining)
	assert.Equal(t, 42, *records[0].CreditsRemaining)

	require.NoError(t, store.Remove(ctx, id))

	records, err = store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDocumentStoreAdapter_UnknownID(t *testing.T) {
	t.Parallel()

	store := credentials.NewDocumentStoreAdapter(docstoretest.NewMemoryStore())
	ctx := context.Background()
	status := credentials.StatusFailed

	err := store.Patch(ctx, "missing", credentials.Fields{Status: &status, CreditsRemaining: nil, LastUsedAt: nil})
	require.ErrorIs(t, err, credentials.ErrNotFound)

	err = store.Remove(ctx, "missing")
	require.ErrorIs(t, err, credentials.ErrNotFound)
}
