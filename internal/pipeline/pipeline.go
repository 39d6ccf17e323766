// Package pipeline ties synthesis, local staging and the deferred upload queue
// together. Generated audio is always staged and queued first; it reaches the
// remote store only when Publish drains the queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/core"
	"github.com/book-expert/speech-pipeline/internal/staging"
	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/book-expert/speech-pipeline/internal/synthesis/text"
	"github.com/book-expert/speech-pipeline/internal/uploadqueue"
)

// ownerKind prefixes identifiers allocated for new content items.
const ownerKind = "exercise"

var (
	// ErrTextTooLong is returned when normalized text exceeds the configured limit.
	ErrTextTooLong = errors.New("text exceeds the maximum character count")
	// ErrRemoteBaseEmpty is returned when publishing without a remote base path.
	ErrRemoteBaseEmpty = errors.New("remote base path cannot be empty")
)

const (
	errFmtSynthesize = "failed to synthesize audio for %s: %w"
	errFmtStage      = "failed to stage audio for %s: %w"
	errFmtEnqueue    = "failed to enqueue audio for %s: %w"
	errFmtTooLong    = "%w: %d > %d"
)

// Settings holds the pipeline tunables.
type Settings struct {
	RemoteBasePath string
	OrphanGrace    time.Duration
	MaxCharacters  int
	DefaultVoice   synthesis.Voice
}

// GenerateResult describes audio that was staged and queued.
type GenerateResult struct {
	OwnerID      string `json:"ownerId"`
	LocalRef     string `json:"localRef"`
	CredentialID string `json:"credentialId"`
	Characters   int    `json:"characters"`
	Bytes        int    `json:"bytes"`
}

// Status is a snapshot of the upload backlog.
type Status struct {
	Pending int                 `json:"pending"`
	Entries []uploadqueue.Entry `json:"entries"`
}

// Pipeline generates, stages and publishes speech audio.
type Pipeline struct {
	synth      synthesis.Synthesizer
	normalizer *text.Normalizer
	staged     *staging.Store
	queue      *uploadqueue.Queue
	ids        core.IDAllocator
	log        *logger.Logger
	settings   Settings
}

// New creates a Pipeline.
func New(
	synth synthesis.Synthesizer,
	normalizer *text.Normalizer,
	staged *staging.Store,
	queue *uploadqueue.Queue,
	ids core.IDAllocator,
	log *logger.Logger,
	settings Settings,
) *Pipeline {
	return &Pipeline{
		synth:      synth,
		normalizer: normalizer,
		staged:     staged,
		queue:      queue,
		ids:        ids,
		log:        log,
		settings:   settings,
	}
}

// Generate synthesizes text for ownerID, stages the audio and queues it for
// upload. An empty ownerID allocates a new one. voice falls back to the
// configured default when its ID is empty.
func (p *Pipeline) Generate(ctx context.Context, ownerID, rawText string, voice synthesis.Voice) (GenerateResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = p.ids.Next(ownerKind)
	}

	if voice.ID == "" {
		voice = p.settings.DefaultVoice
	}

	normalized := p.normalizer.Normalize(rawText)
	characters := text.CharacterCount(normalized)

	if p.settings.MaxCharacters > 0 && characters > p.settings.MaxCharacters {
		return GenerateResult{}, fmt.Errorf(errFmtTooLong, ErrTextTooLong, characters, p.settings.MaxCharacters)
	}

	audio, err := p.synth.Synthesize(ctx, normalized, voice)
	if err != nil {
		return GenerateResult{}, fmt.Errorf(errFmtSynthesize, ownerID, err)
	}

	localRef, err := p.staged.Stage(ownerID, audio.Data)
	if err != nil {
		return GenerateResult{}, fmt.Errorf(errFmtStage, ownerID, err)
	}

	err = p.queue.Enqueue(ownerID, localRef)
	if err != nil {
		discardErr := p.staged.Discard(localRef)
		if discardErr != nil {
			p.log.Warn("Failed to discard unqueued audio %s: %v", localRef, discardErr)
		}

		return GenerateResult{}, fmt.Errorf(errFmtEnqueue, ownerID, err)
	}

	p.log.Info("Generated %d characters of audio for %s with credential %s", characters, ownerID, audio.CredentialID)

	return GenerateResult{
		OwnerID:      ownerID,
		LocalRef:     localRef,
		CredentialID: audio.CredentialID,
		Characters:   characters,
		Bytes:        len(audio.Data),
	}, nil
}

// Publish drains the upload queue under remoteBase, or the configured base
// path when remoteBase is empty, then removes stale unreferenced staged files.
func (p *Pipeline) Publish(ctx context.Context, remoteBase string) (uploadqueue.DrainReport, error) {
	if strings.TrimSpace(remoteBase) == "" {
		remoteBase = p.settings.RemoteBasePath
	}

	if strings.TrimSpace(remoteBase) == "" {
		return uploadqueue.DrainReport{}, ErrRemoteBaseEmpty
	}

	report, err := p.queue.Drain(ctx, remoteBase)
	if err != nil {
		return report, fmt.Errorf("failed to drain upload queue: %w", err)
	}

	if p.settings.OrphanGrace > 0 {
		_, cleanupErr := p.queue.CleanupOrphans(p.settings.OrphanGrace)
		if cleanupErr != nil {
			p.log.Warn("Orphan cleanup failed: %v", cleanupErr)
		}
	}

	return report, nil
}

// Status returns the current upload backlog.
func (p *Pipeline) Status() Status {
	entries := p.queue.Pending()

	return Status{Pending: len(entries), Entries: entries}
}

// IsPending reports whether ownerID still has audio waiting for upload.
func (p *Pipeline) IsPending(ownerID string) bool {
	return p.queue.IsPending(ownerID)
}
