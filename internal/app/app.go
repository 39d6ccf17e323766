// Package app wires the configured stores, synthesis stack and pipeline
// shared by the service and the admin CLI.
package app

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/batchupload"
	"github.com/book-expert/speech-pipeline/internal/config"
	"github.com/book-expert/speech-pipeline/internal/core"
	"github.com/book-expert/speech-pipeline/internal/credentials"
	"github.com/book-expert/speech-pipeline/internal/docstore"
	"github.com/book-expert/speech-pipeline/internal/ids"
	"github.com/book-expert/speech-pipeline/internal/objectstore"
	"github.com/book-expert/speech-pipeline/internal/pipeline"
	"github.com/book-expert/speech-pipeline/internal/staging"
	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/book-expert/speech-pipeline/internal/synthesis/text"
	"github.com/book-expert/speech-pipeline/internal/uploadqueue"
	"github.com/nats-io/nats.go"
)

// Components are the long-lived objects built from a Config.
type Components struct {
	NATS     *nats.Conn
	Docs     core.DocumentStore
	Blobs    core.BlobStore
	Pool     *credentials.Pool
	Staged   *staging.Store
	Queue    *uploadqueue.Queue
	Pipeline *pipeline.Pipeline
	Uploader *batchupload.Uploader
}

// Build connects to NATS and assembles every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Components, error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	components, err := assemble(ctx, cfg, natsConnection, log)
	if err != nil {
		natsConnection.Close()

		return nil, err
	}

	return components, nil
}

func assemble(ctx context.Context, cfg *config.Config, natsConnection *nats.Conn, log *logger.Logger) (*Components, error) {
	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	docs, err := docstore.NewKVStore(jetstreamContext, cfg.NATS.DocumentBucket)
	if err != nil {
		return nil, err
	}

	blobs, err := newBlobStore(ctx, cfg, jetstreamContext)
	if err != nil {
		return nil, err
	}

	pool := credentials.NewPool(credentials.NewDocumentStoreAdapter(docs), log)

	provider := synthesis.NewHTTPProvider(
		cfg.Provider.BaseURL,
		cfg.ProviderTimeout(),
		cfg.Provider.RequestsPerSecond,
		cfg.Provider.Burst,
	)
	orchestrator := synthesis.NewOrchestrator(pool, provider, log, cfg.ProviderTimeout())
	synth := synthesis.NewRetryingSynthesizer(orchestrator, log, cfg.Provider.MaxAttempts, cfg.Backoff())

	staged, err := staging.New(cfg.Paths.StagingDir, cfg.Pipeline.AudioExtension, log)
	if err != nil {
		return nil, err
	}

	queue, err := uploadqueue.Open(cfg.Paths.QueueStateFile, blobs, staged, uploadqueue.NewDocumentLinker(docs), log)
	if err != nil {
		return nil, err
	}

	speech := pipeline.New(
		synth,
		text.NewNormalizer(cfg.Pipeline.Text),
		staged,
		queue,
		ids.NewUUIDAllocator(),
		log,
		pipeline.Settings{
			RemoteBasePath: cfg.Pipeline.RemoteBasePath,
			OrphanGrace:    cfg.OrphanGrace(),
			MaxCharacters:  cfg.Pipeline.MaxCharacters,
			DefaultVoice:   cfg.Provider.Voice,
		},
	)

	return &Components{
		NATS:     natsConnection,
		Docs:     docs,
		Blobs:    blobs,
		Pool:     pool,
		Staged:   staged,
		Queue:    queue,
		Pipeline: speech,
		Uploader: batchupload.New(blobs, log),
	}, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config, jetstreamContext nats.JetStreamContext) (core.BlobStore, error) {
	if cfg.Storage.Backend == config.StorageBackendS3 {
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:       cfg.Storage.S3.Bucket,
			Region:       cfg.Storage.S3.Region,
			BaseEndpoint: cfg.Storage.S3.Endpoint,
			AccessKey:    cfg.Storage.S3.AccessKeyID,
			SecretKey:    cfg.Storage.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 blob store: %w", err)
		}

		return store, nil
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS blob store: %w", err)
	}

	return store, nil
}

// Close releases the NATS connection after flushing pending publishes.
func (c *Components) Close() {
	if c.NATS == nil {
		return
	}

	_ = c.NATS.Drain()
}
