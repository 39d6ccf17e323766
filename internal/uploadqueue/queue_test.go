package uploadqueue_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/docstore/docstoretest"
	"github.com/book-expert/speech-pipeline/internal/staging"
	"github.com/book-expert/speech-pipeline/internal/uploadqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errRemoteRejected = errors.New("remote store rejected the upload")
	errLinkRejected   = errors.New("document store unavailable")
)

// fakeBlobStore records uploads and can be told to reject some of them.
type fakeBlobStore struct {
	mu          sync.Mutex
	rejectAll   bool
	rejectPaths map[string]bool
	uploads     map[string][]byte
	inFlight    int
	maxInFlight int
	delay       time.Duration
	onUpload    func(path string)
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		mu:          sync.Mutex{},
		rejectAll:   false,
		rejectPaths: make(map[string]bool),
		uploads:     make(map[string][]byte),
		inFlight:    0,
		maxInFlight: 0,
		delay:       0,
		onUpload:    nil,
	}
}

func (f *fakeBlobStore) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	reject := f.rejectAll || f.rejectPaths[path]
	delay := f.delay
	onUpload := f.onUpload
	f.mu.Unlock()

	time.Sleep(delay)

	if onUpload != nil {
		onUpload(path)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.inFlight--

	if reject {
		return "", errRemoteRejected
	}

	f.uploads[path] = append([]byte(nil), data...)

	return "https://cdn.example.com/" + path, nil
}

func (f *fakeBlobStore) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.uploads, path)

	return nil
}

func (f *fakeBlobStore) setRejectAll(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejectAll = reject
}

func (f *fakeBlobStore) uploaded(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.uploads[path]

	return data, ok
}

type fakeLinker struct {
	mu    sync.Mutex
	fail  bool
	links map[string]string
}

func (f *fakeLinker) LinkAudio(_ context.Context, ownerID, remoteURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return errLinkRejected
	}

	f.links[ownerID] = remoteURL

	return nil
}

type queueFixture struct {
	log    *logger.Logger
	staged *staging.Store
	blobs  *fakeBlobStore
	path   string
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	dir := t.TempDir()

	staged, err := staging.New(filepath.Join(dir, "staging"), "", testLogger)
	require.NoError(t, err)

	return &queueFixture{
		log:    testLogger,
		staged: staged,
		blobs:  newFakeBlobStore(),
		path:   filepath.Join(dir, "state", "pending.json"),
	}
}

func (f *queueFixture) open(t *testing.T, linker uploadqueue.Linker) *uploadqueue.Queue {
	t.Helper()

	queue, err := uploadqueue.Open(f.path, f.blobs, f.staged, linker, f.log)
	require.NoError(t, err)

	return queue
}

func (f *queueFixture) stage(t *testing.T, ownerID, content string) string {
	t.Helper()

	ref, err := f.staged.Stage(ownerID, []byte(content))
	require.NoError(t, err)

	return ref
}

func TestQueue_RejectedDrainKeepsEntryAndArtifact(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)
	fixture.blobs.setRejectAll(true)

	ref := fixture.stage(t, "exercise-1", "audio-1")
	require.NoError(t, queue.Enqueue("exercise-1", ref))

	report, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Empty(t, report.Succeeded)
	assert.Equal(t, []string{"exercise-1"}, report.Failed)

	assert.True(t, queue.IsPending("exercise-1"))
	assert.True(t, fixture.staged.Exists(ref))

	pending := queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, errRemoteRejected.Error())
}

func TestQueue_AcceptedDrainRemovesEntryAndArtifact(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)

	ref := fixture.stage(t, "exercise-1", "audio-1")
	require.NoError(t, queue.Enqueue("exercise-1", ref))

	report, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"exercise-1"}, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, "https://cdn.example.com/audio/exercise-1.mp3", report.URLs["exercise-1"])

	assert.False(t, queue.IsPending("exercise-1"))
	assert.False(t, fixture.staged.Exists(ref))
	assert.Zero(t, queue.PendingCount())

	data, ok := fixture.blobs.uploaded("audio/exercise-1.mp3")
	require.True(t, ok)
	assert.Equal(t, "audio-1", string(data))
}

func TestQueue_FailedThenRetriedDrain(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)
	fixture.blobs.setRejectAll(true)

	ref := fixture.stage(t, "exercise-1", "audio-1")
	require.NoError(t, queue.Enqueue("exercise-1", ref))

	_, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	require.True(t, queue.IsPending("exercise-1"))

	fixture.blobs.setRejectAll(false)

	report, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"exercise-1"}, report.Succeeded)
	assert.False(t, queue.IsPending("exercise-1"))
	assert.False(t, fixture.staged.Exists(ref))
}

func TestQueue_EnqueueSupersedesPreviousEntry(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)

	first := fixture.stage(t, "exercise-1", "old")
	second := fixture.stage(t, "exercise-1", "new")

	require.NoError(t, queue.Enqueue("exercise-1", first))
	require.NoError(t, queue.Enqueue("exercise-1", second))

	assert.Equal(t, 1, queue.PendingCount())
	assert.True(t, fixture.staged.Exists(first), "superseded file is left for orphan cleanup")
	assert.True(t, fixture.staged.Exists(second))

	_, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)

	data, ok := fixture.blobs.uploaded("audio/exercise-1.mp3")
	require.True(t, ok)
	assert.Equal(t, "new", string(data))
	assert.True(t, fixture.staged.Exists(first))

	removed, err := queue.CleanupOrphans(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, fixture.staged.Exists(first))
}

func TestQueue_SupersededDuringUploadIsNotReported(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	linker := &fakeLinker{mu: sync.Mutex{}, fail: false, links: make(map[string]string)}
	queue := fixture.open(t, linker)

	first := fixture.stage(t, "exercise-1", "old")
	second := fixture.stage(t, "exercise-1", "new")
	require.NoError(t, queue.Enqueue("exercise-1", first))

	var once sync.Once

	fixture.blobs.onUpload = func(string) {
		once.Do(func() {
			assert.NoError(t, queue.Enqueue("exercise-1", second))
		})
	}

	report, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Empty(t, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"exercise-1"}, report.Superseded)
	assert.NotContains(t, report.URLs, "exercise-1")
	assert.Empty(t, linker.links, "stale audio must not be linked")

	assert.True(t, queue.IsPending("exercise-1"))
	pending := queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second, pending[0].LocalRef)
	assert.Zero(t, pending[0].Attempts)

	report, err = queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"exercise-1"}, report.Succeeded)
	assert.Equal(t, "https://cdn.example.com/audio/exercise-1.mp3", linker.links["exercise-1"])

	data, ok := fixture.blobs.uploaded("audio/exercise-1.mp3")
	require.True(t, ok)
	assert.Equal(t, "new", string(data))
}

func TestQueue_PartialFailure(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)
	fixture.blobs.rejectPaths["audio/exercise-2.mp3"] = true

	refs := make(map[string]string)
	for _, owner := range []string{"exercise-1", "exercise-2", "exercise-3"} {
		refs[owner] = fixture.stage(t, owner, owner)
		require.NoError(t, queue.Enqueue(owner, refs[owner]))
	}

	report, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"exercise-1", "exercise-3"}, report.Succeeded)
	assert.Equal(t, []string{"exercise-2"}, report.Failed)

	assert.Equal(t, 1, queue.PendingCount())
	assert.True(t, queue.IsPending("exercise-2"))
	assert.True(t, fixture.staged.Exists(refs["exercise-2"]))
	assert.False(t, fixture.staged.Exists(refs["exercise-1"]))
	assert.False(t, fixture.staged.Exists(refs["exercise-3"]))
}

func TestQueue_LinkFailureKeepsEntry(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	linker := &fakeLinker{mu: sync.Mutex{}, fail: true, links: make(map[string]string)}
	queue := fixture.open(t, linker)

	ref := fixture.stage(t, "exercise-1", "audio-1")
	require.NoError(t, queue.Enqueue("exercise-1", ref))

	report, err := queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"exercise-1"}, report.Failed)
	assert.True(t, queue.IsPending("exercise-1"))
	assert.True(t, fixture.staged.Exists(ref))

	linker.mu.Lock()
	linker.fail = false
	linker.mu.Unlock()

	report, err = queue.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"exercise-1"}, report.Succeeded)
	assert.Equal(t, "https://cdn.example.com/audio/exercise-1.mp3", linker.links["exercise-1"])
}

func TestQueue_DocumentLinkerWritesContentItem(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	docs := docstoretest.NewMemoryStore()
	queue := fixture.open(t, uploadqueue.NewDocumentLinker(docs))
	ctx := context.Background()

	require.NoError(t, docs.Write(ctx, uploadqueue.ContentPath("exercise-2"), map[string]any{"prompt": "¿Qué hora es?"}))

	for _, owner := range []string{"exercise-1", "exercise-2"} {
		require.NoError(t, queue.Enqueue(owner, fixture.stage(t, owner, owner)))
	}

	report, err := queue.Drain(ctx, "audio")
	require.NoError(t, err)
	require.Equal(t, []string{"exercise-1", "exercise-2"}, report.Succeeded)

	var created map[string]any

	found, err := docs.Read(ctx, uploadqueue.ContentPath("exercise-1"), &created)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "https://cdn.example.com/audio/exercise-1.mp3", created["audioUrl"])

	var patched map[string]any

	found, err = docs.Read(ctx, uploadqueue.ContentPath("exercise-2"), &patched)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "¿Qué hora es?", patched["prompt"])
	assert.Equal(t, "https://cdn.example.com/audio/exercise-2.mp3", patched["audioUrl"])
}

func TestQueue_SurvivesReopen(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)

	ref := fixture.stage(t, "exercise-1", "audio-1")
	require.NoError(t, queue.Enqueue("exercise-1", ref))

	reopened := fixture.open(t, nil)
	assert.True(t, reopened.IsPending("exercise-1"))
	require.Len(t, reopened.Pending(), 1)
	assert.Equal(t, ref, reopened.Pending()[0].LocalRef)

	report, err := reopened.Drain(context.Background(), "audio")
	require.NoError(t, err)
	assert.Equal(t, []string{"exercise-1"}, report.Succeeded)

	final := fixture.open(t, nil)
	assert.Zero(t, final.PendingCount())
}

func TestQueue_OpenRejectsCorruptState(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(fixture.path), 0o750))
	require.NoError(t, os.WriteFile(fixture.path, []byte("{not json"), 0o600))

	_, err := uploadqueue.Open(fixture.path, fixture.blobs, fixture.staged, nil, fixture.log)
	require.Error(t, err)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)

	require.ErrorIs(t, queue.Enqueue("", "x.mp3"), uploadqueue.ErrOwnerEmpty)
	require.ErrorIs(t, queue.Enqueue("exercise-1", ""), uploadqueue.ErrRefEmpty)
	require.ErrorIs(t, queue.Enqueue("exercise-1", "missing.mp3"), uploadqueue.ErrArtifactMissing)
	assert.Zero(t, queue.PendingCount())
}

func TestQueue_CleanupOrphans(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)

	pendingRef := fixture.stage(t, "exercise-1", "pending")
	orphanRef := fixture.stage(t, "exercise-2", "orphan")
	require.NoError(t, queue.Enqueue("exercise-1", pendingRef))

	removed, err := queue.CleanupOrphans(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, fixture.staged.Exists(orphanRef))

	removed, err = queue.CleanupOrphans(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, fixture.staged.Exists(orphanRef))
	assert.True(t, fixture.staged.Exists(pendingRef))
}

func TestQueue_DrainIsSequential(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	fixture.blobs.delay = 5 * time.Millisecond
	queue := fixture.open(t, nil)

	for _, owner := range []string{"a", "b", "c", "d"} {
		require.NoError(t, queue.Enqueue(owner, fixture.stage(t, owner, owner)))
	}

	var waitGroup sync.WaitGroup

	for range 3 {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			_, drainErr := queue.Drain(context.Background(), "audio")
			assert.NoError(t, drainErr)
		}()
	}

	waitGroup.Wait()

	assert.Zero(t, queue.PendingCount())
	assert.Equal(t, 1, fixture.blobs.maxInFlight)
	assert.Len(t, fixture.blobs.uploads, 4)
}

func TestQueue_DrainStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	fixture := newQueueFixture(t)
	queue := fixture.open(t, nil)

	ref := fixture.stage(t, "exercise-1", "audio-1")
	require.NoError(t, queue.Enqueue("exercise-1", ref))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := queue.Drain(ctx, "audio")
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, queue.IsPending("exercise-1"))
	assert.True(t, fixture.staged.Exists(ref))
}
