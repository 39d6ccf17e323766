package synthesis

import (
	"errors"
	"fmt"
)

// Error kinds returned by Synthesize. Every error it returns matches exactly
// one of them with errors.Is.
var (
	// ErrExhausted means no usable credential is left. Callers must not retry.
	ErrExhausted = errors.New("credentials exhausted")
	// ErrFatal means the provider blocked the request. No further credential may be tried.
	ErrFatal = errors.New("synthesis blocked")
	// ErrRetryable means a transient failure. The caller may re-invoke with backoff.
	ErrRetryable = errors.New("synthesis temporarily unavailable")
	// ErrCredentialRejected means the credential was demoted. Re-invoking draws another one.
	ErrCredentialRejected = errors.New("credential rejected")
)

// SynthesisError describes why a single synthesis call failed.
type SynthesisError struct {
	Kind         error
	CredentialID string
	StatusCode   int
	// Credits is set when the provider reported a balance alongside the rejection.
	Credits *CreditInfo
	Err     error
}

func (e *SynthesisError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}

	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *SynthesisError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

func newSynthesisError(kind error, credentialID string, cause error) *SynthesisError {
	synthesisErr := &SynthesisError{
		Kind:         kind,
		CredentialID: credentialID,
		StatusCode:   0,
		Credits:      nil,
		Err:          cause,
	}

	var providerErr *ProviderError
	if errors.As(cause, &providerErr) {
		synthesisErr.StatusCode = providerErr.StatusCode
	}

	return synthesisErr
}

// UserMessage turns a synthesis failure into a short reason fit for an author.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var synthesisErr *SynthesisError

	switch {
	case errors.Is(err, ErrTextEmpty):
		return "There is no text to read aloud."
	case errors.Is(err, ErrExhausted):
		return "No usable voice keys are left. Import new keys and try again."
	case errors.Is(err, ErrFatal):
		return "The voice provider blocked this request. Try again later."
	case errors.As(err, &synthesisErr) && synthesisErr.Credits != nil:
		if synthesisErr.Credits.Required > 0 {
			return fmt.Sprintf("The voice key is out of credits (%d left, %d needed). Try again.",
				synthesisErr.Credits.Remaining, synthesisErr.Credits.Required)
		}

		return fmt.Sprintf("The voice key is out of credits (%d left). Try again.", synthesisErr.Credits.Remaining)
	case errors.Is(err, ErrCredentialRejected):
		return "The voice key was rejected. Try again."
	case errors.Is(err, ErrRetryable):
		return "The voice provider is unavailable right now. Try again."
	default:
		return "Audio could not be generated."
	}
}
