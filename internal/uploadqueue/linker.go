package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/speech-pipeline/internal/core"
)

const contentCollection = "content"

// Document fields written on a content item.
const (
	fieldAudioURL       = "audioUrl"
	fieldAudioUpdatedAt = "audioUpdatedAt"
)

// DocumentLinker stores the audio URL on "content/<ownerId>" in the document store.
type DocumentLinker struct {
	docs core.DocumentStore
	now  func() time.Time
}

// NewDocumentLinker wraps docs.
func NewDocumentLinker(docs core.DocumentStore) *DocumentLinker {
	return &DocumentLinker{docs: docs, now: time.Now}
}

// LinkAudio patches the content item, creating it when it does not exist yet.
func (l *DocumentLinker) LinkAudio(ctx context.Context, ownerID, remoteURL string) error {
	fields := map[string]any{
		fieldAudioURL:       remoteURL,
		fieldAudioUpdatedAt: l.now().UTC(),
	}

	docPath := ContentPath(ownerID)

	err := l.docs.Patch(ctx, docPath, fields)
	if err == nil {
		return nil
	}

	if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("failed to link audio to %s: %w", docPath, err)
	}

	err = l.docs.Write(ctx, docPath, fields)
	if err != nil {
		return fmt.Errorf("failed to link audio to %s: %w", docPath, err)
	}

	return nil
}

// ContentPath is the document path of an owner's content item.
func ContentPath(ownerID string) string {
	return contentCollection + "/" + ownerID
}
