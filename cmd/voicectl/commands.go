package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/book-expert/speech-pipeline/internal/batchupload"
	"github.com/book-expert/speech-pipeline/internal/credentials"
	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// stdinArg reads keys from standard input instead of a file.
const stdinArg = "-"

// ErrSomeUploadsFailed is returned when at least one asset upload failed.
var ErrSomeUploadsFailed = errors.New("some uploads failed")

func newKeysCmd(state func() *session) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys",
	}

	importCmd := &cobra.Command{
		Use:   "import [file|-]",
		Short: "Import every key found in a file or standard input",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := stdinArg
			if len(args) == 1 {
				source = args[0]
			}

			raw, err := readSource(cmd.InOrStdin(), source)
			if err != nil {
				return err
			}

			report, err := state().pool.Import(cmd.Context(), string(raw))
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Detected %d, added %d, skipped %d duplicates, %d failed\n",
				report.Detected, report.Added, report.SkippedDuplicate, report.Failed)

			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List keys with their status and remaining credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := state().pool.List(cmd.Context())
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tKEY\tSTATUS\tCREDITS\tLAST USED")

			for _, record := range records {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					record.ID, credentials.Redact(record.Secret), record.Status,
					formatCredits(record.CreditsRemaining), formatLastUsed(record))
			}

			return writer.Flush()
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove every key that is not active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := state().pool.PurgeNonActive(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d keys\n", removed)

			return nil
		},
	}

	keysCmd.AddCommand(importCmd, listCmd, purgeCmd)

	return keysCmd
}

func newUploadsCmd(state func() *session) *cobra.Command {
	uploadsCmd := &cobra.Command{
		Use:   "uploads",
		Short: "Inspect and drain the pending audio uploads",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status := state().pipeline.Status()

			fmt.Fprintf(cmd.OutOrStdout(), "%d pending\n", status.Pending)

			if status.Pending == 0 {
				return nil
			}

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "OWNER\tFILE\tQUEUED\tATTEMPTS\tLAST ERROR")

			for _, entry := range status.Entries {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
					entry.OwnerID, entry.LocalRef, humanize.Time(entry.EnqueuedAt), entry.Attempts, entry.LastError)
			}

			return writer.Flush()
		},
	}

	var remoteBase string

	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Upload every pending file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := state().pipeline.Publish(cmd.Context(), remoteBase)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Uploaded %d, failed %d\n", len(report.Succeeded), len(report.Failed))

			if len(report.Failed) > 0 {
				fmt.Fprintf(out, "Still pending: %s\n", strings.Join(report.Failed, ", "))
			}

			if len(report.Superseded) > 0 {
				fmt.Fprintf(out, "Regenerated during upload, retry later: %s\n", strings.Join(report.Superseded, ", "))
			}

			return err
		},
	}
	drainCmd.Flags().StringVar(&remoteBase, "remote-base", "", "remote base path (default from configuration)")

	uploadsCmd.AddCommand(statusCmd, drainCmd)

	return uploadsCmd
}

func newAssetsCmd(state func() *session) *cobra.Command {
	assetsCmd := &cobra.Command{
		Use:   "assets",
		Short: "Upload auxiliary assets such as exercise images",
	}

	var (
		destination string
		concurrency int
	)

	uploadCmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files in concurrent chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks := make([]batchupload.Task, 0, len(args))

			for _, source := range args {
				tasks = append(tasks, batchupload.Task{
					SourceRef:       source,
					DestinationPath: path.Join(destination, filepath.Base(source)),
					AssetKind:       batchupload.KindOf(source),
				})
			}

			if !cmd.Flags().Changed("concurrency") {
				concurrency = state().uploadConcurrency
			}

			results := state().uploader.UploadBatch(cmd.Context(), tasks, concurrency)

			for _, result := range results {
				if result.Err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAILED  %s: %v\n", result.Task.SourceRef, result.Err)

					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "OK      %s -> %s\n", result.Task.SourceRef, result.URL)
			}

			if batchupload.Succeeded(results) < len(results) {
				return ErrSomeUploadsFailed
			}

			return nil
		},
	}
	uploadCmd.Flags().StringVar(&destination, "dest", "assets", "remote directory")
	uploadCmd.Flags().IntVar(&concurrency, "concurrency", 0, "uploads per chunk (default from configuration)")

	assetsCmd.AddCommand(uploadCmd)

	return assetsCmd
}

func newGenerateCmd(state func() *session) *cobra.Command {
	var (
		owner   string
		voiceID string
	)

	generateCmd := &cobra.Command{
		Use:   "generate TEXT",
		Short: "Synthesize text and queue the audio for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			voice := synthesis.Voice{ID: voiceID, ModelID: "", Settings: synthesis.VoiceSettings{}}

			result, err := state().pipeline.Generate(cmd.Context(), owner, args[0], voice)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), synthesis.UserMessage(err))

				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for %s (%d characters, %s)\n",
				result.LocalRef, result.OwnerID, result.Characters, humanize.Bytes(uint64(result.Bytes)))

			return nil
		},
	}
	generateCmd.Flags().StringVar(&owner, "owner", "", "content item id (allocated when empty)")
	generateCmd.Flags().StringVar(&voiceID, "voice", "", "provider voice id (default from configuration)")

	return generateCmd
}

func readSource(stdin io.Reader, source string) ([]byte, error) {
	if source == stdinArg {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}

		return raw, nil
	}

	raw, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	return raw, nil
}

func formatCredits(credits *int) string {
	if credits == nil {
		return "-"
	}

	return humanize.Comma(int64(*credits))
}

func formatLastUsed(record credentials.Record) string {
	if record.LastUsedAt.IsZero() {
		return "never"
	}

	return humanize.Time(record.LastUsedAt)
}
