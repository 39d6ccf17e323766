package synthesis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/sethvargo/go-retry"
)

// Caller retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffStep = 500 * time.Millisecond
)

// RetryingSynthesizer re-invokes a Synthesizer on retryable and
// credential-rejected failures, waiting step, 2*step, 3*step ... between
// attempts. Fatal and exhausted failures stop immediately.
type RetryingSynthesizer struct {
	next        Synthesizer
	log         *logger.Logger
	maxAttempts uint64
	step        time.Duration
}

// NewRetryingSynthesizer wraps next.
func NewRetryingSynthesizer(next Synthesizer, log *logger.Logger, maxAttempts int, step time.Duration) *RetryingSynthesizer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if step < 0 {
		step = 0
	}

	return &RetryingSynthesizer{
		next:        next,
		log:         log,
		maxAttempts: uint64(maxAttempts),
		step:        step,
	}
}

// Synthesize implements Synthesizer.
func (r *RetryingSynthesizer) Synthesize(ctx context.Context, text string, voice Voice) (Audio, error) {
	var (
		audio   Audio
		attempt uint64
	)

	backoff := retry.WithMaxRetries(r.maxAttempts-1, linearBackoff(r.step))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		result, synthErr := r.next.Synthesize(ctx, text, voice)
		if synthErr == nil {
			audio = result

			return nil
		}

		if errors.Is(synthErr, ErrRetryable) || errors.Is(synthErr, ErrCredentialRejected) {
			r.log.Warn("Synthesis attempt %d/%d failed: %v", attempt, r.maxAttempts, synthErr)

			return retry.RetryableError(synthErr)
		}

		return synthErr
	})
	if err != nil {
		return Audio{}, err
	}

	return audio, nil
}

func linearBackoff(step time.Duration) retry.Backoff {
	var attempts atomic.Int64

	return retry.BackoffFunc(func() (time.Duration, bool) {
		return time.Duration(attempts.Add(1)) * step, false
	})
}
