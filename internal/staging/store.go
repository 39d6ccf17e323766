// Package staging keeps synthesized audio on local disk until it has been
// uploaded. It knows nothing about upload state.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/fsutil"
	"github.com/dustin/go-humanize"
)

// DefaultExtension is used for staged files when none is configured.
const DefaultExtension = ".mp3"

const nameSeparator = "_"

var (
	// ErrOwnerEmpty is returned when staging without an owner id.
	ErrOwnerEmpty = errors.New("owner id cannot be empty")
	// ErrEmptyData is returned when staging zero bytes.
	ErrEmptyData = errors.New("staged data cannot be empty")
	// ErrInvalidRef is returned for references that do not name a file in the staging directory.
	ErrInvalidRef = errors.New("invalid staging reference")
)

// Artifact is a staged file.
type Artifact struct {
	OwnerID   string    `json:"ownerId"`
	LocalRef  string    `json:"localRef"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}

// Store writes staged artifacts into a single directory. A local reference is
// the artifact's file name inside that directory.
type Store struct {
	dir       string
	extension string
	log       *logger.Logger
	now       func() time.Time
	mu        sync.Mutex
	lastStamp int64
}

// New creates the staging directory if needed. An empty extension uses DefaultExtension.
func New(dir, extension string, log *logger.Logger) (*Store, error) {
	err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare staging directory: %w", err)
	}

	if extension == "" {
		extension = DefaultExtension
	}

	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	return &Store{
		dir:       dir,
		extension: extension,
		log:       log,
		now:       time.Now,
		mu:        sync.Mutex{},
		lastStamp: 0,
	}, nil
}

// Dir returns the staging directory.
func (s *Store) Dir() string {
	return s.dir
}

// Stage durably writes data for ownerID and returns its local reference.
// Staging the same owner twice yields two distinct references.
func (s *Store) Stage(ownerID string, data []byte) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", ErrOwnerEmpty
	}

	if len(data) == 0 {
		return "", ErrEmptyData
	}

	localRef := fsutil.SanitizeFilename(ownerID) + nameSeparator + strconv.FormatInt(s.nextStamp(), 10) + s.extension

	err := fsutil.WriteFileAtomic(filepath.Join(s.dir, localRef), data)
	if err != nil {
		return "", fmt.Errorf("failed to stage audio for %s: %w", ownerID, err)
	}

	s.log.Info("Staged %s for %s as %s", humanize.Bytes(uint64(len(data))), ownerID, localRef)

	return localRef, nil
}

// Exists reports whether the artifact is still on disk.
func (s *Store) Exists(localRef string) bool {
	path, err := s.resolve(localRef)
	if err != nil {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// Read returns the staged bytes.
func (s *Store) Read(localRef string) ([]byte, error) {
	path, err := s.resolve(localRef)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged artifact %s: %w", localRef, err)
	}

	return data, nil
}

// Discard removes the artifact. Discarding a missing artifact is not an error.
func (s *Store) Discard(localRef string) error {
	path, err := s.resolve(localRef)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard staged artifact %s: %w", localRef, err)
	}

	return nil
}

// List returns every staged artifact. Interrupted writes are reported with an
// empty OwnerID so callers can clean them up.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging directory: %w", err)
	}

	artifacts := make([]Artifact, 0, len(entries))

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		artifacts = append(artifacts, Artifact{
			OwnerID:   ownerFromRef(entry.Name(), s.extension),
			LocalRef:  entry.Name(),
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
		})
	}

	return artifacts, nil
}

// nextStamp returns a strictly increasing nanosecond timestamp.
func (s *Store) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.now().UnixNano()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}

	s.lastStamp = stamp

	return stamp
}

func (s *Store) resolve(localRef string) (string, error) {
	if localRef == "" || localRef != filepath.Base(localRef) || localRef == "." || localRef == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, localRef)
	}

	return filepath.Join(s.dir, localRef), nil
}

func ownerFromRef(name, extension string) string {
	if fsutil.IsTempFile(name) {
		return ""
	}

	base, ok := strings.CutSuffix(name, extension)
	if !ok {
		return ""
	}

	separator := strings.LastIndex(base, nameSeparator)
	if separator <= 0 {
		return ""
	}

	return base[:separator]
}
