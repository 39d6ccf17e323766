// Package config provides the configuration structure for the speech pipeline.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/fsutil"
	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/book-expert/speech-pipeline/internal/synthesis/text"
)

// Storage backends.
const (
	StorageBackendNATS = "nats"
	StorageBackendS3   = "s3"
)

const (
	defaultNATSURL               = "nats://127.0.0.1:4222"
	defaultSynthesisSubject      = "synthesis.requested"
	defaultPublishSubject        = "audio.publish.requested"
	defaultAudioCreatedSubject   = "audio.chunk.created"
	defaultDocumentBucket        = "SPEECH_DOCUMENTS"
	defaultAudioBucket           = "AUDIO_FILES"
	defaultProviderBaseURL       = "https://api.elevenlabs.io"
	defaultProviderTimeout       = 30
	defaultMaxAttempts           = synthesis.DefaultMaxAttempts
	defaultBackoffMilliseconds   = 500
	defaultMaxCharacters         = 5000
	defaultOrphanGraceMinutes    = 60
	defaultUploadConcurrency     = 4
	defaultRemoteBasePath        = "audio/exercises"
	defaultStagingDirName        = "staging"
	defaultQueueStateFileName    = "upload-queue.json"
	defaultLogsDirName           = "logs"
	defaultStorageBackend        = StorageBackendNATS
	defaultRequestsPerSecond     = 2
	defaultRequestBurst          = 2
	defaultAudioFileExtension    = ".mp3"
	defaultSynthesisVoiceModelID = "eleven_multilingual_v2"

	// synthesisTimeoutSlack covers credential leasing, rate limiting and staging
	// around the provider attempts of one synthesis request.
	synthesisTimeoutSlack = 10 * time.Second
)

var (
	// ErrNATSURLEmpty indicates that no NATS URL is configured.
	ErrNATSURLEmpty = errors.New("nats url cannot be empty")
	// ErrProviderURLEmpty indicates that no provider base URL is configured.
	ErrProviderURLEmpty = errors.New("provider base url cannot be empty")
	// ErrVoiceIDEmpty indicates that no default voice is configured.
	ErrVoiceIDEmpty = errors.New("provider voice id cannot be empty")
	// ErrUnknownStorageBackend indicates an unsupported storage backend.
	ErrUnknownStorageBackend = errors.New("unknown storage backend")
	// ErrS3BucketEmpty indicates that the s3 backend has no bucket.
	ErrS3BucketEmpty = errors.New("s3 bucket cannot be empty")
	// ErrMaxAttemptsRange indicates a non-positive attempt limit.
	ErrMaxAttemptsRange = errors.New("max attempts must be at least 1")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	SynthesisSubject         string `toml:"synthesis_subject"`
	PublishSubject           string `toml:"publish_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	DocumentBucket           string `toml:"document_bucket"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
}

// ProviderConfig holds the speech provider settings.
type ProviderConfig struct {
	BaseURL             string          `toml:"base_url"`
	TimeoutSeconds      int             `toml:"timeout_seconds"`
	RequestsPerSecond   float64         `toml:"requests_per_second"`
	Burst               int             `toml:"burst"`
	MaxAttempts         int             `toml:"max_attempts"`
	BackoffMilliseconds int             `toml:"backoff_milliseconds"`
	Voice               synthesis.Voice `toml:"voice"`
}

// PipelineConfig holds generation and publishing settings.
type PipelineConfig struct {
	MaxCharacters      int          `toml:"max_characters"`
	RemoteBasePath     string       `toml:"remote_base_path"`
	OrphanGraceMinutes int          `toml:"orphan_grace_minutes"`
	UploadConcurrency  int          `toml:"upload_concurrency"`
	AudioExtension     string       `toml:"audio_extension"`
	Text               text.Options `toml:"text"`
}

// S3Config holds the S3-compatible blob store settings.
type S3Config struct {
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// StorageConfig selects the blob store backend.
type StorageConfig struct {
	Backend string   `toml:"backend"`
	S3      S3Config `toml:"s3"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir    string `toml:"base_logs_dir"`
	StagingDir     string `toml:"staging_dir"`
	QueueStateFile string `toml:"queue_state_file"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Provider ProviderConfig `toml:"provider"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Storage  StorageConfig  `toml:"storage"`
	Paths    PathsConfig    `toml:"paths"`
}

// Load loads, defaults and validates the configuration.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults(fsutil.DataDir())

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset value. Unset local paths default to entries under dataDir.
func (c *Config) ApplyDefaults(dataDir string) {
	setString(&c.NATS.URL, defaultNATSURL)
	setString(&c.NATS.SynthesisSubject, defaultSynthesisSubject)
	setString(&c.NATS.PublishSubject, defaultPublishSubject)
	setString(&c.NATS.AudioChunkCreatedSubject, defaultAudioCreatedSubject)
	setString(&c.NATS.DocumentBucket, defaultDocumentBucket)
	setString(&c.NATS.AudioObjectStoreBucket, defaultAudioBucket)

	setString(&c.Provider.BaseURL, defaultProviderBaseURL)
	setInt(&c.Provider.TimeoutSeconds, defaultProviderTimeout)
	setInt(&c.Provider.MaxAttempts, defaultMaxAttempts)
	setInt(&c.Provider.BackoffMilliseconds, defaultBackoffMilliseconds)
	setInt(&c.Provider.Burst, defaultRequestBurst)
	setString(&c.Provider.Voice.ModelID, defaultSynthesisVoiceModelID)

	if c.Provider.RequestsPerSecond == 0 {
		c.Provider.RequestsPerSecond = defaultRequestsPerSecond
	}

	setInt(&c.Pipeline.MaxCharacters, defaultMaxCharacters)
	setString(&c.Pipeline.RemoteBasePath, defaultRemoteBasePath)
	setInt(&c.Pipeline.OrphanGraceMinutes, defaultOrphanGraceMinutes)
	setInt(&c.Pipeline.UploadConcurrency, defaultUploadConcurrency)
	setString(&c.Pipeline.AudioExtension, defaultAudioFileExtension)

	setString(&c.Storage.Backend, defaultStorageBackend)

	setString(&c.Paths.BaseLogsDir, filepath.Join(dataDir, defaultLogsDirName))
	setString(&c.Paths.StagingDir, filepath.Join(dataDir, defaultStagingDirName))
	setString(&c.Paths.QueueStateFile, filepath.Join(dataDir, defaultQueueStateFileName))
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	if c.Provider.BaseURL == "" {
		return ErrProviderURLEmpty
	}

	if c.Provider.Voice.ID == "" {
		return ErrVoiceIDEmpty
	}

	if c.Provider.MaxAttempts < 1 {
		return fmt.Errorf("%w: got %d", ErrMaxAttemptsRange, c.Provider.MaxAttempts)
	}

	switch c.Storage.Backend {
	case StorageBackendNATS:
	case StorageBackendS3:
		if c.Storage.S3.Bucket == "" {
			return ErrS3BucketEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageBackend, c.Storage.Backend)
	}

	return nil
}

// ProviderTimeout returns the per-attempt provider timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// Backoff returns the linear backoff step between synthesis attempts.
func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Provider.BackoffMilliseconds) * time.Millisecond
}

// SynthesisRequestTimeout bounds one synthesis request end to end: MaxAttempts
// provider calls at ProviderTimeout each, the linear backoff waits of step,
// 2*step and so on between them, and a fixed slack.
func (c *Config) SynthesisRequestTimeout() time.Duration {
	attempts := max(c.Provider.MaxAttempts, 1)
	backoffSteps := attempts * (attempts - 1) / 2

	return time.Duration(attempts)*c.ProviderTimeout() +
		time.Duration(backoffSteps)*c.Backoff() +
		synthesisTimeoutSlack
}

// OrphanGrace returns how old an unreferenced staged file must be before cleanup.
func (c *Config) OrphanGrace() time.Duration {
	return time.Duration(c.Pipeline.OrphanGraceMinutes) * time.Minute
}

func setString(field *string, fallback string) {
	if *field == "" {
		*field = fallback
	}
}

func setInt(field *int, fallback int) {
	if *field == 0 {
		*field = fallback
	}
}
