package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/app"
	"github.com/book-expert/speech-pipeline/internal/config"
	"github.com/book-expert/speech-pipeline/internal/credentials"
	"github.com/book-expert/speech-pipeline/internal/objectstore"
	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/book-expert/speech-pipeline/internal/uploadqueue"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const providerKey = "sk_integration0001"

func newProviderServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if r.Header.Get("xi-api-key") != providerKey {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "Hello world.") {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("X-Credits-Remaining", "250")
		_, _ = w.Write([]byte("mpeg-bytes"))
	}))
	t.Cleanup(server.Close)

	return server
}

func newConfig(t *testing.T, providerURL string) *config.Config {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	var cfg config.Config

	cfg.NATS.URL = natsServer.ClientURL()
	cfg.Provider.BaseURL = providerURL
	cfg.Provider.Voice.ID = "voice-1"
	cfg.Provider.BackoffMilliseconds = 1
	cfg.ApplyDefaults(t.TempDir())
	require.NoError(t, cfg.Validate())

	return &cfg
}

func TestBuild_GenerateAndPublish(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	provider := newProviderServer(t, &calls)
	cfg := newConfig(t, provider.URL)

	testLogger, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	ctx := context.Background()

	components, err := app.Build(ctx, cfg, testLogger)
	require.NoError(t, err)
	t.Cleanup(components.Close)

	report, err := components.Pool.Import(ctx, "key: "+providerKey)
	require.NoError(t, err)
	require.Equal(t, 1, report.Added)

	result, err := components.Pipeline.Generate(ctx, "exercise-1", "Hello   world.", synthesis.Voice{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, components.Staged.Exists(result.LocalRef))
	assert.Equal(t, 1, components.Pipeline.Status().Pending)

	records, err := components.Pool.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, credentials.StatusLowCredits, records[0].Status)

	drain, err := components.Pipeline.Publish(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"exercise-1"}, drain.Succeeded)
	assert.Zero(t, components.Pipeline.Status().Pending)
	assert.False(t, components.Staged.Exists(result.LocalRef))

	store, ok := components.Blobs.(*objectstore.NatsObjectStore)
	require.True(t, ok)

	uploaded, err := store.Download(ctx, "audio/exercises/exercise-1.mp3")
	require.NoError(t, err)
	assert.Equal(t, []byte("mpeg-bytes"), uploaded)

	var content struct {
		AudioURL string `json:"audioUrl"`
	}

	found, err := components.Docs.Read(ctx, uploadqueue.ContentPath("exercise-1"), &content)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, drain.URLs["exercise-1"], content.AudioURL)
}

func TestBuild_ExhaustedPoolStagesNothing(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	provider := newProviderServer(t, &calls)
	cfg := newConfig(t, provider.URL)

	testLogger, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	components, err := app.Build(context.Background(), cfg, testLogger)
	require.NoError(t, err)
	t.Cleanup(components.Close)

	_, err = components.Pipeline.Generate(context.Background(), "exercise-1", "Hello world.", synthesis.Voice{})
	require.ErrorIs(t, err, synthesis.ErrExhausted)
	assert.Zero(t, calls.Load())
	assert.Zero(t, components.Pipeline.Status().Pending)
}
