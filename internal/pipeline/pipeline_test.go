package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/ids"
	"github.com/book-expert/speech-pipeline/internal/pipeline"
	"github.com/book-expert/speech-pipeline/internal/staging"
	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/book-expert/speech-pipeline/internal/synthesis/text"
	"github.com/book-expert/speech-pipeline/internal/uploadqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUploadRejected = errors.New("upload rejected")

type fakeSynthesizer struct {
	mu     sync.Mutex
	texts  []string
	voices []synthesis.Voice
	err    error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, input string, voice synthesis.Voice) (synthesis.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.texts = append(f.texts, input)
	f.voices = append(f.voices, voice)

	if f.err != nil {
		return synthesis.Audio{}, f.err
	}

	return synthesis.Audio{Data: []byte("audio:" + input), ContentType: "audio/mpeg", CredentialID: "cred-1"}, nil
}

func (f *fakeSynthesizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.texts)
}

type fakeBlobStore struct {
	mu      sync.Mutex
	reject  bool
	uploads map[string][]byte
}

func (f *fakeBlobStore) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reject {
		return "", errUploadRejected
	}

	f.uploads[path] = data

	return "https://cdn.example.com/" + path, nil
}

func (f *fakeBlobStore) Delete(context.Context, string) error {
	return nil
}

type fixture struct {
	pipeline *pipeline.Pipeline
	synth    *fakeSynthesizer
	blobs    *fakeBlobStore
	staged   *staging.Store
}

func newFixture(t *testing.T, settings pipeline.Settings) fixture {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	staged, err := staging.New(filepath.Join(t.TempDir(), "staging"), "", testLogger)
	require.NoError(t, err)

	blobs := &fakeBlobStore{mu: sync.Mutex{}, reject: false, uploads: make(map[string][]byte)}

	queue, err := uploadqueue.Open("", blobs, staged, nil, testLogger)
	require.NoError(t, err)

	synth := &fakeSynthesizer{mu: sync.Mutex{}, texts: nil, voices: nil, err: nil}
	normalizer := text.NewNormalizer(text.Options{ExpandAbbreviations: false, ExpandNumbers: false})

	return fixture{
		pipeline: pipeline.New(synth, normalizer, staged, queue, ids.NewUUIDAllocator(), testLogger, settings),
		synth:    synth,
		blobs:    blobs,
		staged:   staged,
	}
}

func defaultSettings() pipeline.Settings {
	return pipeline.Settings{
		RemoteBasePath: "audio/exercises",
		OrphanGrace:    0,
		MaxCharacters:  100,
		DefaultVoice:   synthesis.Voice{ID: "voice-default", ModelID: "", Settings: synthesis.VoiceSettings{}},
	}
}

func TestGenerate_StagesAndQueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())

	result, err := f.pipeline.Generate(context.Background(), "exercise-1", "  Hello   world !! ", synthesis.Voice{})
	require.NoError(t, err)

	assert.Equal(t, "exercise-1", result.OwnerID)
	assert.Equal(t, "cred-1", result.CredentialID)
	assert.Equal(t, []string{"Hello world!"}, f.synth.texts)
	assert.Equal(t, "voice-default", f.synth.voices[0].ID)
	assert.True(t, f.staged.Exists(result.LocalRef))
	assert.True(t, f.pipeline.IsPending("exercise-1"))
	assert.Empty(t, f.blobs.uploads, "generation must not upload")

	status := f.pipeline.Status()
	require.Equal(t, 1, status.Pending)
	assert.Equal(t, result.LocalRef, status.Entries[0].LocalRef)
}

func TestGenerate_AllocatesOwnerID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())

	result, err := f.pipeline.Generate(context.Background(), "", "Read this.", synthesis.Voice{ID: "custom"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.OwnerID, "exercise-"))
	assert.Equal(t, "custom", f.synth.voices[0].ID)
}

func TestGenerate_TextTooLongIsRejectedBeforeSynthesis(t *testing.T) {
	t.Parallel()

	settings := defaultSettings()
	settings.MaxCharacters = 5
	f := newFixture(t, settings)

	_, err := f.pipeline.Generate(context.Background(), "exercise-1", "far too long", synthesis.Voice{})
	require.ErrorIs(t, err, pipeline.ErrTextTooLong)
	assert.Zero(t, f.synth.calls())
	assert.Zero(t, f.pipeline.Status().Pending)
}

func TestGenerate_SynthesisFailureStagesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	f.synth.err = synthesis.ErrExhausted

	_, err := f.pipeline.Generate(context.Background(), "exercise-1", "Hello.", synthesis.Voice{})
	require.ErrorIs(t, err, synthesis.ErrExhausted)

	artifacts, err := f.staged.List()
	require.NoError(t, err)
	assert.Empty(t, artifacts)
	assert.False(t, f.pipeline.IsPending("exercise-1"))
}

func TestPublish_UploadsPendingAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())

	result, err := f.pipeline.Generate(context.Background(), "exercise-1", "Hello.", synthesis.Voice{})
	require.NoError(t, err)

	report, err := f.pipeline.Publish(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{result.OwnerID}, report.Succeeded)
	assert.Equal(t, "https://cdn.example.com/audio/exercises/exercise-1.mp3", report.URLs["exercise-1"])
	assert.Equal(t, []byte("audio:Hello."), f.blobs.uploads["audio/exercises/exercise-1.mp3"])
	assert.False(t, f.staged.Exists(result.LocalRef))
	assert.Zero(t, f.pipeline.Status().Pending)
}

func TestPublish_RejectedUploadStaysPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSettings())
	f.blobs.reject = true

	result, err := f.pipeline.Generate(context.Background(), "exercise-1", "Hello.", synthesis.Voice{})
	require.NoError(t, err)

	report, err := f.pipeline.Publish(context.Background(), "elsewhere")
	require.NoError(t, err)

	assert.Equal(t, []string{result.OwnerID}, report.Failed)
	assert.True(t, f.staged.Exists(result.LocalRef))

	status := f.pipeline.Status()
	require.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Entries[0].Attempts)
}

func TestPublish_RemovesOrphans(t *testing.T) {
	t.Parallel()

	settings := defaultSettings()
	settings.OrphanGrace = time.Minute
	f := newFixture(t, settings)

	orphan := filepath.Join(f.staged.Dir(), "stray_1.mp3")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o600))

	hourAgo := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, hourAgo, hourAgo))

	_, err := f.pipeline.Publish(context.Background(), "")
	require.NoError(t, err)

	_, statErr := os.Stat(orphan)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestPublish_RequiresRemoteBase(t *testing.T) {
	t.Parallel()

	settings := defaultSettings()
	settings.RemoteBasePath = ""
	f := newFixture(t, settings)

	_, err := f.pipeline.Publish(context.Background(), " ")
	require.ErrorIs(t, err, pipeline.ErrRemoteBaseEmpty)
}
