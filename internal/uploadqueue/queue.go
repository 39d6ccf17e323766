// Package uploadqueue tracks staged audio that still has to reach the remote
// blob store. An entry leaves the queue only after its upload, and the link
// to its owning content item, have both been confirmed.
package uploadqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/core"
	"github.com/book-expert/speech-pipeline/internal/fsutil"
	"github.com/book-expert/speech-pipeline/internal/staging"
	"github.com/dustin/go-humanize"
)

var (
	// ErrOwnerEmpty is returned when enqueuing without an owner id.
	ErrOwnerEmpty = errors.New("owner id cannot be empty")
	// ErrRefEmpty is returned when enqueuing without a local reference.
	ErrRefEmpty = errors.New("local reference cannot be empty")
	// ErrArtifactMissing is returned when enqueuing a reference that is not staged.
	ErrArtifactMissing = errors.New("staged artifact does not exist")

	errSuperseded = errors.New("entry superseded during upload")
)

// Entry is one pending upload.
type Entry struct {
	OwnerID    string    `json:"ownerId"`
	LocalRef   string    `json:"localRef"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// DrainReport summarizes one drain by owner id, in drain order.
type DrainReport struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	// Superseded lists owners re-enqueued while their upload was in flight.
	// They stay pending and the newer audio goes out on the next drain.
	Superseded []string `json:"superseded,omitempty"`
	// URLs maps each uploaded owner to its remote URL.
	URLs map[string]string `json:"urls,omitempty"`
}

// Linker records the remote URL of an owner's audio.
type Linker interface {
	LinkAudio(ctx context.Context, ownerID, remoteURL string) error
}

type queueState struct {
	Entries map[string]Entry `json:"entries"`
}

// Queue is the deferred upload queue. It is keyed by owner id: enqueuing for an
// owner that already has a pending entry supersedes it.
type Queue struct {
	path    string
	blobs   core.BlobStore
	staged  *staging.Store
	linker  Linker
	log     *logger.Logger
	now     func() time.Time
	mu      sync.Mutex
	drainMu sync.Mutex
	entries map[string]Entry
}

// Open loads the queue snapshot at statePath. An empty statePath keeps the
// queue in memory only. linker may be nil.
func Open(
	statePath string,
	blobs core.BlobStore,
	staged *staging.Store,
	linker Linker,
	log *logger.Logger,
) (*Queue, error) {
	queue := &Queue{
		path:    strings.TrimSpace(statePath),
		blobs:   blobs,
		staged:  staged,
		linker:  linker,
		log:     log,
		now:     time.Now,
		mu:      sync.Mutex{},
		drainMu: sync.Mutex{},
		entries: make(map[string]Entry),
	}

	err := queue.load()
	if err != nil {
		return nil, err
	}

	if len(queue.entries) > 0 {
		log.Info("Loaded %d pending uploads from %s", len(queue.entries), queue.path)
	}

	return queue, nil
}

// Enqueue records that ownerID's audio is staged at localRef and waits for upload.
// A previous pending entry for the same owner is replaced. Its staged file is
// left in place for CleanupOrphans to reclaim.
func (q *Queue) Enqueue(ownerID, localRef string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrOwnerEmpty
	}

	if localRef == "" {
		return ErrRefEmpty
	}

	if !q.staged.Exists(localRef) {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, localRef)
	}

	q.mu.Lock()

	previous, hadPrevious := q.entries[ownerID]
	q.entries[ownerID] = Entry{
		OwnerID:    ownerID,
		LocalRef:   localRef,
		EnqueuedAt: q.now().UTC(),
		Attempts:   0,
		LastError:  "",
	}

	err := q.saveLocked()
	if err != nil {
		if hadPrevious {
			q.entries[ownerID] = previous
		} else {
			delete(q.entries, ownerID)
		}

		q.mu.Unlock()

		return fmt.Errorf("failed to persist pending upload for %s: %w", ownerID, err)
	}

	q.mu.Unlock()

	if hadPrevious && previous.LocalRef != localRef {
		q.log.Info("Pending upload for %s superseded, %s left for orphan cleanup", ownerID, previous.LocalRef)
	}

	return nil
}

// Drain uploads every pending entry under remoteBasePath, one at a time.
// Entries whose upload or link fails stay queued with their staged file intact.
// Only one drain runs at a time. A cancelled context stops the drain early and
// is returned alongside the partial report.
func (q *Queue) Drain(ctx context.Context, remoteBasePath string) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	report := DrainReport{
		Succeeded:  []string{},
		Failed:     []string{},
		Superseded: nil,
		URLs:       make(map[string]string),
	}

	for _, entry := range q.snapshot() {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		remoteURL, err := q.upload(ctx, entry, remoteBasePath)
		if err == nil {
			err = q.complete(entry)
		}

		switch {
		case errors.Is(err, errSuperseded):
			report.Superseded = append(report.Superseded, entry.OwnerID)
			q.log.Info("Upload for %s superseded while in flight, newer audio stays pending", entry.OwnerID)
		case err != nil:
			report.Failed = append(report.Failed, entry.OwnerID)
			q.recordAttempt(entry, err)
			q.log.Warn("Upload for %s failed, keeping it pending: %v", entry.OwnerID, err)
		default:
			report.Succeeded = append(report.Succeeded, entry.OwnerID)
			report.URLs[entry.OwnerID] = remoteURL
		}
	}

	if len(report.Succeeded)+len(report.Failed)+len(report.Superseded) > 0 {
		q.log.Info("Drain finished: %d uploaded, %d failed, %d superseded, %d pending",
			len(report.Succeeded), len(report.Failed), len(report.Superseded), q.PendingCount())
	}

	return report, nil
}

// PendingCount returns the number of pending entries.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// IsPending reports whether ownerID has a pending entry.
func (q *Queue) IsPending(ownerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.entries[ownerID]

	return ok
}

// Pending returns the pending entries ordered by owner id.
func (q *Queue) Pending() []Entry {
	return q.snapshot()
}

// CleanupOrphans discards staged files that no pending entry references and
// that are older than grace. It returns the number of files removed.
func (q *Queue) CleanupOrphans(grace time.Duration) (int, error) {
	artifacts, err := q.staged.List()
	if err != nil {
		return 0, err
	}

	referenced := make(map[string]struct{})

	q.mu.Lock()
	for _, entry := range q.entries {
		referenced[entry.LocalRef] = struct{}{}
	}
	q.mu.Unlock()

	cutoff := q.now().Add(-grace)
	removed := 0

	var freed uint64

	for _, artifact := range artifacts {
		if _, ok := referenced[artifact.LocalRef]; ok {
			continue
		}

		if artifact.CreatedAt.After(cutoff) {
			continue
		}

		discardErr := q.staged.Discard(artifact.LocalRef)
		if discardErr != nil {
			q.log.Warn("Failed to discard orphaned artifact %s: %v", artifact.LocalRef, discardErr)

			continue
		}

		removed++
		freed += uint64(artifact.Size)
	}

	if removed > 0 {
		q.log.Info("Removed %d orphaned staged files (%s)", removed, humanize.Bytes(freed))
	}

	return removed, nil
}

// RemotePath returns the deterministic remote key for an owner's audio, so a
// retried upload overwrites the previous attempt.
func RemotePath(remoteBasePath, ownerID, localRef string) string {
	return path.Join(remoteBasePath, fsutil.SanitizeFilename(ownerID)+filepath.Ext(localRef))
}

func (q *Queue) upload(ctx context.Context, entry Entry, remoteBasePath string) (string, error) {
	data, err := q.staged.Read(entry.LocalRef)
	if err != nil {
		return "", err
	}

	remotePath := RemotePath(remoteBasePath, entry.OwnerID, entry.LocalRef)

	remoteURL, err := q.blobs.Upload(ctx, remotePath, data, fsutil.ContentTypeFor(entry.LocalRef))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", remotePath, err)
	}

	if !q.isCurrent(entry) {
		return "", errSuperseded
	}

	if q.linker != nil {
		err = q.linker.LinkAudio(ctx, entry.OwnerID, remoteURL)
		if err != nil {
			return "", fmt.Errorf("link %s: %w", entry.OwnerID, err)
		}
	}

	q.log.Info("Uploaded %s for %s to %s", humanize.Bytes(uint64(len(data))), entry.OwnerID, remoteURL)

	return remoteURL, nil
}

// complete removes the entry once its upload is confirmed. An entry superseded
// during the upload stays queued for the next drain and errSuperseded is returned.
func (q *Queue) complete(entry Entry) error {
	q.mu.Lock()

	current, ok := q.entries[entry.OwnerID]
	if !ok || current.LocalRef != entry.LocalRef {
		q.mu.Unlock()

		return errSuperseded
	}

	delete(q.entries, entry.OwnerID)

	err := q.saveLocked()
	if err != nil {
		q.entries[entry.OwnerID] = current
		q.mu.Unlock()

		return fmt.Errorf("failed to persist upload completion: %w", err)
	}

	q.mu.Unlock()

	discardErr := q.staged.Discard(entry.LocalRef)
	if discardErr != nil {
		q.log.Warn("Failed to discard uploaded artifact %s: %v", entry.LocalRef, discardErr)
	}

	return nil
}

func (q *Queue) isCurrent(entry Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.entries[entry.OwnerID]

	return ok && current.LocalRef == entry.LocalRef
}

func (q *Queue) recordAttempt(entry Entry, attemptErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.entries[entry.OwnerID]
	if !ok || current.LocalRef != entry.LocalRef {
		return
	}

	current.Attempts++
	current.LastError = attemptErr.Error()
	q.entries[entry.OwnerID] = current

	err := q.saveLocked()
	if err != nil {
		q.log.Warn("Failed to persist attempt count for %s: %v", entry.OwnerID, err)
	}
}

func (q *Queue) snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.OwnerID, b.OwnerID)
	})

	return entries
}

func (q *Queue) load() error {
	if q.path == "" {
		return nil
	}

	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to read upload queue %s: %w", q.path, err)
	}

	var state queueState

	err = json.Unmarshal(data, &state)
	if err != nil {
		return fmt.Errorf("failed to decode upload queue %s: %w", q.path, err)
	}

	for ownerID, entry := range state.Entries {
		entry.OwnerID = ownerID
		q.entries[ownerID] = entry
	}

	return nil
}

func (q *Queue) saveLocked() error {
	if q.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(queueState{Entries: q.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode upload queue: %w", err)
	}

	err = fsutil.EnsureDir(filepath.Dir(q.path))
	if err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(q.path, data)
}
