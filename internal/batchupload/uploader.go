// Package batchupload uploads auxiliary assets such as exercise images in
// fixed-size concurrent chunks. Failures are reported per task and never retried.
package batchupload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/core"
	"github.com/book-expert/speech-pipeline/internal/fsutil"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the chunk size used when none is configured.
const DefaultConcurrency = 4

// AssetKind classifies an uploaded asset.
type AssetKind string

// Asset kinds.
const (
	AssetImage AssetKind = "image"
	AssetAudio AssetKind = "audio"
	AssetOther AssetKind = "other"
)

// Static errors.
var (
	ErrSourceEmpty      = errors.New("source reference cannot be empty")
	ErrDestinationEmpty = errors.New("destination path cannot be empty")
)

// Log formats.
const (
	logFmtTaskFailed    = "Upload of %s to %s failed: %v"
	logFmtBatchFinished = "Batch upload finished: %d/%d uploaded (%s)"
	errFmtTaskFailed    = "upload %s: %w"
)

// Task is one asset to upload.
type Task struct {
	SourceRef       string    `json:"sourceRef"`
	DestinationPath string    `json:"destinationPath"`
	AssetKind       AssetKind `json:"assetKind"`
}

// Result is the outcome of one task. Exactly one of URL and Err is set.
type Result struct {
	Task Task
	URL  string
	Err  error
}

// ResolvedRef returns the remote URL when the upload succeeded and the local
// source otherwise, so a failed asset can still be shown from disk.
func (r Result) ResolvedRef() string {
	if r.Err != nil {
		return r.Task.SourceRef
	}

	return r.URL
}

// Uploader uploads local files to a blob store.
type Uploader struct {
	blobs core.BlobStore
	log   *logger.Logger
}

// New creates an Uploader.
func New(blobs core.BlobStore, log *logger.Logger) *Uploader {
	return &Uploader{blobs: blobs, log: log}
}

// UploadBatch uploads tasks in chunks of concurrency. All uploads of a chunk run
// concurrently and the chunk completes before the next one starts. The result at
// index i belongs to tasks[i].
func (u *Uploader) UploadBatch(ctx context.Context, tasks []Task, concurrency int) []Result {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	results := make([]Result, len(tasks))

	var uploadedBytes atomic.Uint64

	for start := 0; start < len(tasks); start += concurrency {
		end := min(start+concurrency, len(tasks))

		var group errgroup.Group

		for index := start; index < end; index++ {
			group.Go(func() error {
				task := tasks[index]

				url, size, err := u.uploadOne(ctx, task)
				if err != nil {
					u.log.Warn(logFmtTaskFailed, task.SourceRef, task.DestinationPath, err)
					results[index] = Result{Task: task, URL: "", Err: fmt.Errorf(errFmtTaskFailed, task.SourceRef, err)}

					return nil
				}

				uploadedBytes.Add(uint64(size))
				results[index] = Result{Task: task, URL: url, Err: nil}

				return nil
			})
		}

		_ = group.Wait()
	}

	if len(tasks) > 0 {
		u.log.Info(logFmtBatchFinished, Succeeded(results), len(tasks), humanize.Bytes(uploadedBytes.Load()))
	}

	return results
}

// Succeeded counts the successful results.
func Succeeded(results []Result) int {
	count := 0

	for _, result := range results {
		if result.Err == nil {
			count++
		}
	}

	return count
}

func (u *Uploader) uploadOne(ctx context.Context, task Task) (string, int, error) {
	if task.SourceRef == "" {
		return "", 0, ErrSourceEmpty
	}

	if task.DestinationPath == "" {
		return "", 0, ErrDestinationEmpty
	}

	err := ctx.Err()
	if err != nil {
		return "", 0, err
	}

	data, err := os.ReadFile(task.SourceRef)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read source: %w", err)
	}

	url, err := u.blobs.Upload(ctx, task.DestinationPath, data, fsutil.ContentTypeFor(task.SourceRef))
	if err != nil {
		return "", 0, err
	}

	return url, len(data), nil
}

// KindOf infers the asset kind from a file name.
func KindOf(filename string) AssetKind {
	switch {
	case fsutil.IsImageFile(filename):
		return AssetImage
	case fsutil.IsAudioFile(filename):
		return AssetAudio
	default:
		return AssetOther
	}
}
