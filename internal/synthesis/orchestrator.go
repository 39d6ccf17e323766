package synthesis

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-pipeline/internal/credentials"
)

// DefaultAttemptTimeout bounds a single provider call.
const DefaultAttemptTimeout = 30 * time.Second

var (
	abusePattern = regexp.MustCompile(`(?i)\bdetected_unusual_activity\b|\bunusual activity detected\b`)
	quotaPattern = regexp.MustCompile(`(?i)quota|credits?`)
	authCodes    = []string{"invalid_api_key", "unauthorized", "missing_permissions"}
)

// Audio is a successful synthesis result.
type Audio struct {
	Data         []byte
	ContentType  string
	CredentialID string
}

// Synthesizer produces audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) (Audio, error)
}

// Orchestrator performs exactly one provider attempt per call with a
// credential leased from the pool, and records the outcome on that credential.
type Orchestrator struct {
	pool           *credentials.Pool
	provider       Provider
	log            *logger.Logger
	attemptTimeout time.Duration
}

// NewOrchestrator creates an orchestrator. attemptTimeout <= 0 uses DefaultAttemptTimeout.
func NewOrchestrator(
	pool *credentials.Pool,
	provider Provider,
	log *logger.Logger,
	attemptTimeout time.Duration,
) *Orchestrator {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}

	return &Orchestrator{
		pool:           pool,
		provider:       provider,
		log:            log,
		attemptTimeout: attemptTimeout,
	}
}

// Synthesize returns audio for text or an error matching one of ErrFatal,
// ErrExhausted, ErrRetryable or ErrCredentialRejected.
func (o *Orchestrator) Synthesize(ctx context.Context, text string, voice Voice) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, newSynthesisError(ErrFatal, "", ErrTextEmpty)
	}

	lease, err := o.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, credentials.ErrExhausted) {
			return Audio{}, newSynthesisError(ErrExhausted, "", err)
		}

		return Audio{}, newSynthesisError(ErrRetryable, "", err)
	}
	defer lease.Release()

	record := lease.Record

	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()

	resp, err := o.provider.Synthesize(attemptCtx, record.Secret, Request{Text: text, Voice: voice})
	if err != nil {
		return Audio{}, o.classify(ctx, record, err)
	}

	o.recordSuccess(ctx, record, resp)

	return Audio{
		Data:         resp.Audio,
		ContentType:  resp.ContentType,
		CredentialID: record.ID,
	}, nil
}

func (o *Orchestrator) recordSuccess(ctx context.Context, record credentials.Record, resp Response) {
	err := o.pool.RecordSuccess(ctx, record.ID)
	if err != nil {
		o.log.Warn("Failed to record success for credential %s: %v", credentials.Redact(record.Secret), err)
	}

	if resp.CreditsRemaining == nil {
		return
	}

	_, err = o.pool.RecordCreditObservation(ctx, record.ID, *resp.CreditsRemaining)
	if err != nil {
		o.log.Warn("Failed to record credits for credential %s: %v", credentials.Redact(record.Secret), err)
	}
}

// classify maps a provider failure to an error kind and applies the
// corresponding lifecycle transition.
func (o *Orchestrator) classify(ctx context.Context, record credentials.Record, callErr error) error {
	redacted := credentials.Redact(record.Secret)

	var providerErr *ProviderError
	if !errors.As(callErr, &providerErr) {
		if errors.Is(callErr, ErrTextEmpty) || errors.Is(callErr, ErrVoiceEmpty) {
			return newSynthesisError(ErrFatal, record.ID, callErr)
		}

		o.log.Warn("Synthesis with credential %s failed: %v", redacted, callErr)

		return newSynthesisError(ErrRetryable, record.ID, callErr)
	}

	switch {
	case isAbuse(providerErr):
		o.log.Error("Provider reported unusual activity for credential %s: %v", redacted, providerErr)

		return newSynthesisError(ErrFatal, record.ID, providerErr)
	case providerErr.StatusCode >= http.StatusInternalServerError:
		o.log.Warn("Provider unavailable for credential %s: %v", redacted, providerErr)

		return newSynthesisError(ErrRetryable, record.ID, providerErr)
	case isQuota(providerErr):
		return o.rejectWithCredits(ctx, record, providerErr,
			providerErr.StatusCode != http.StatusTooManyRequests)
	case isAuth(providerErr):
		o.recordFailure(ctx, record)

		return newSynthesisError(ErrCredentialRejected, record.ID, providerErr)
	case providerErr.StatusCode >= http.StatusBadRequest:
		return o.rejectWithCredits(ctx, record, providerErr, true)
	default:
		return newSynthesisError(ErrRetryable, record.ID, providerErr)
	}
}

// rejectWithCredits records the balance found in the error body. Without a
// balance the credential is failed when failWithoutCredits is set; otherwise
// the rejection is treated as plain rate limiting.
func (o *Orchestrator) rejectWithCredits(
	ctx context.Context,
	record credentials.Record,
	providerErr *ProviderError,
	failWithoutCredits bool,
) error {
	info, found := ParseCreditInfo(providerErr.Body)
	if !found {
		if !failWithoutCredits {
			o.log.Warn("Credential %s rate limited: %v", credentials.Redact(record.Secret), providerErr)

			return newSynthesisError(ErrRetryable, record.ID, providerErr)
		}

		o.recordFailure(ctx, record)

		return newSynthesisError(ErrCredentialRejected, record.ID, providerErr)
	}

	_, err := o.pool.RecordCreditObservation(ctx, record.ID, info.Remaining)
	if err != nil {
		o.log.Warn("Failed to record credits for credential %s: %v", credentials.Redact(record.Secret), err)
	}

	synthesisErr := newSynthesisError(ErrCredentialRejected, record.ID, providerErr)
	synthesisErr.Credits = &info

	return synthesisErr
}

func (o *Orchestrator) recordFailure(ctx context.Context, record credentials.Record) {
	err := o.pool.RecordFailure(ctx, record.ID)
	if err != nil {
		o.log.Warn("Failed to mark credential %s as failed: %v", credentials.Redact(record.Secret), err)
	}
}

// isAbuse matches the decoded status and message only, never the raw body.
func isAbuse(providerErr *ProviderError) bool {
	return abusePattern.MatchString(providerErr.Code) || abusePattern.MatchString(providerErr.Message)
}

func isQuota(providerErr *ProviderError) bool {
	if providerErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	return quotaPattern.MatchString(providerErr.Code) || quotaPattern.MatchString(providerErr.Message)
}

func isAuth(providerErr *ProviderError) bool {
	if providerErr.StatusCode == http.StatusUnauthorized || providerErr.StatusCode == http.StatusForbidden {
		return true
	}

	for _, code := range authCodes {
		if strings.EqualFold(providerErr.Code, code) {
			return true
		}
	}

	return false
}
