// main package for the speech-pipeline service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/app"
	"github.com/book-expert/speech-pipeline/internal/config"
	"github.com/book-expert/speech-pipeline/internal/worker"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "speech-pipeline-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "speech-pipeline.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Wire stores, synthesis and the pipeline
	components, err := app.Build(ctx, cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to build pipeline: %v", err)

		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer components.Close()

	natsWorker, err := worker.NewNatsWorker(
		components.NATS,
		worker.Subjects{
			Synthesis:         cfg.NATS.SynthesisSubject,
			Publish:           cfg.NATS.PublishSubject,
			AudioChunkCreated: cfg.NATS.AudioChunkCreatedSubject,
		},
		worker.Timeouts{
			Synthesis: cfg.SynthesisRequestTimeout(),
			Publish:   worker.DefaultPublishTimeout,
		},
		components.Pipeline,
		finalLog,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	finalLog.System("Speech pipeline initialized with %d pending uploads.", components.Pipeline.Status().Pending)

	// 5. Serve until interrupted
	err = natsWorker.Run(ctx)
	if err != nil {
		finalLog.Error("Worker stopped with error: %v", err)

		return fmt.Errorf("worker stopped: %w", err)
	}

	finalLog.System("Speech pipeline shut down.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
