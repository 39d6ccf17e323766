// voicectl administers the speech pipeline: provider keys, pending uploads and
// auxiliary asset uploads.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/app"
	"github.com/book-expert/speech-pipeline/internal/batchupload"
	"github.com/book-expert/speech-pipeline/internal/config"
	"github.com/book-expert/speech-pipeline/internal/credentials"
	"github.com/book-expert/speech-pipeline/internal/pipeline"
	"github.com/spf13/cobra"
)

const logFileName = "voicectl.log"

// session holds what a command needs once configuration has been loaded.
type session struct {
	pool              *credentials.Pool
	pipeline          *pipeline.Pipeline
	uploader          *batchupload.Uploader
	uploadConcurrency int
	close             func()
}

// opener builds a session. Tests swap it for an in-memory one.
type opener func(ctx context.Context) (*session, error)

func openFromConfig(ctx context.Context) (*session, error) {
	bootstrapLog, err := logger.New(os.TempDir(), "voicectl-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	cfg, err := config.Load(bootstrapLog)
	_ = bootstrapLog.Close()

	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	components, err := app.Build(ctx, cfg, log)
	if err != nil {
		_ = log.Close()

		return nil, err
	}

	return &session{
		pool:              components.Pool,
		pipeline:          components.Pipeline,
		uploader:          components.Uploader,
		uploadConcurrency: cfg.Pipeline.UploadConcurrency,
		close: func() {
			components.Close()
			_ = log.Close()
		},
	}, nil
}

// newRootCmd returns the command tree and a function releasing the session
// opened by the command that ran, if any.
func newRootCmd(open opener, out io.Writer) (*cobra.Command, func()) {
	var current *session

	rootCmd := &cobra.Command{
		Use:           "voicectl",
		Short:         "Administer the speech pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opened, err := open(cmd.Context())
			if err != nil {
				return err
			}

			current = opened

			return nil
		},
	}

	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	state := func() *session { return current }

	rootCmd.AddCommand(
		newKeysCmd(state),
		newUploadsCmd(state),
		newAssetsCmd(state),
		newGenerateCmd(state),
	)

	release := func() {
		if current != nil && current.close != nil {
			current.close()
			current = nil
		}
	}

	return rootCmd, release
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd, release := newRootCmd(openFromConfig, os.Stdout)
	err := rootCmd.ExecuteContext(ctx)

	release()
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
