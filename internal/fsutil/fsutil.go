// Package fsutil provides the file and path helpers shared by the staging
// store, the upload queue and the batch uploader.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variable names used for path resolution.
const (
	envDataDir = "SPEECH_PIPELINE_DATA_DIR"
)

// Common application directory and path constants.
const (
	appName                = "speech-pipeline"
	tmpDir                 = "/tmp"
	dotLocalShare          = ".local/share"
	defaultDirPermissions  = 0o750
	defaultFilePermissions = 0o600
	dot                    = "."
	invalidCharReplacement = "_"
)

// File extensions and content types.
const (
	extMP3  = ".mp3"
	extWAV  = ".wav"
	extOGG  = ".ogg"
	extM4A  = ".m4a"
	extPNG  = ".png"
	extJPG  = ".jpg"
	extJPEG = ".jpeg"
	extGIF  = ".gif"
	extWEBP = ".webp"
	extSVG  = ".svg"

	contentTypeOctetStream = "application/octet-stream"
)

// Error message and format string constants.
const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtWriteFile         = "failed to write %s: %w"
)

// ErrEmptyPath is returned when a helper is given an empty path.
var ErrEmptyPath = errors.New("path cannot be empty")

var contentTypes = map[string]string{
	extMP3:  "audio/mpeg",
	extWAV:  "audio/wav",
	extOGG:  "audio/ogg",
	extM4A:  "audio/mp4",
	extPNG:  "image/png",
	extJPG:  "image/jpeg",
	extJPEG: "image/jpeg",
	extGIF:  "image/gif",
	extWEBP: "image/webp",
	extSVG:  "image/svg+xml",
}

// DataDir returns the directory for the pipeline's local state, honoring the
// SPEECH_PIPELINE_DATA_DIR override.
func DataDir() string {
	if dataDir := os.Getenv(envDataDir); dataDir != "" {
		return dataDir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(tmpDir, appName)
	}

	return filepath.Join(homeDir, dotLocalShare, appName)
}

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	mkdirErr := os.MkdirAll(path, defaultDirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
	}

	return nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	if path == "" {
		return ErrEmptyPath
	}

	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, dot+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf(errFmtWriteFile, path, err)
	}

	tmpName := tmpFile.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	_, err = tmpFile.Write(data)
	if err != nil {
		_ = tmpFile.Close()

		return fmt.Errorf(errFmtWriteFile, path, err)
	}

	err = tmpFile.Chmod(defaultFilePermissions)
	if err != nil {
		_ = tmpFile.Close()

		return fmt.Errorf(errFmtWriteFile, path, err)
	}

	err = tmpFile.Close()
	if err != nil {
		return fmt.Errorf(errFmtWriteFile, path, err)
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		return fmt.Errorf(errFmtWriteFile, path, err)
	}

	committed = true

	return nil
}

// IsTempFile reports whether name was left behind by an interrupted WriteFileAtomic.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, dot) && strings.Contains(name, ".tmp-")
}

// ContentTypeFor returns the MIME type for a file name based on its extension.
func ContentTypeFor(filename string) string {
	if contentType, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return contentType
	}

	return contentTypeOctetStream
}

// ExtensionFor returns the file extension used for a MIME type, or ".bin".
func ExtensionFor(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch mediaType {
	case "audio/mpeg", "audio/mp3":
		return extMP3
	case "audio/wav", "audio/x-wav", "audio/wave":
		return extWAV
	case "audio/ogg":
		return extOGG
	case "audio/mp4":
		return extM4A
	}

	for ext, known := range contentTypes {
		if known == mediaType && ext != extJPEG {
			return ext
		}
	}

	return ".bin"
}

// IsAudioFile checks if a filename has a supported audio extension.
func IsAudioFile(filename string) bool {
	return strings.HasPrefix(ContentTypeFor(filename), "audio/")
}

// IsImageFile checks if a filename has a supported image extension.
func IsImageFile(filename string) bool {
	return strings.HasPrefix(ContentTypeFor(filename), "image/")
}

// SanitizeFilename replaces characters that are invalid in most filesystems
// or object keys.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
		" ", invalidCharReplacement,
		"#", invalidCharReplacement,
	)

	return strings.TrimLeft(replacer.Replace(filename), dot)
}
