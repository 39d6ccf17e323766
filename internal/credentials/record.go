// Package credentials manages the pool of speech-provider API keys: their
// persistence in the document store, selection, credit bookkeeping and
// lifecycle transitions.
package credentials

import "time"

// Status is the lifecycle state of a credential.
type Status string

// Credential lifecycle states. Expired and failed are terminal.
const (
	StatusActive     Status = "active"
	StatusLowCredits Status = "low_credits"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

// LowCreditThreshold is the balance under which a credential stops being selected.
const LowCreditThreshold = 300

const redactedPrefixLength = 8

// Record is a single provider credential as stored in the document store.
type Record struct {
	ID               string    `json:"-"`
	Secret           string    `json:"secret"`
	Status           Status    `json:"status"`
	CreditsRemaining *int      `json:"creditsRemaining,omitempty"`
	AddedAt          time.Time `json:"addedAt"`
	LastUsedAt       time.Time `json:"lastUsedAt,omitzero"`
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusFailed
}

// StatusForCredits applies the credit-threshold rule to an observed balance.
func StatusForCredits(creditsRemaining int) Status {
	switch {
	case creditsRemaining <= 0:
		return StatusExpired
	case creditsRemaining < LowCreditThreshold:
		return StatusLowCredits
	default:
		return StatusActive
	}
}

// Redact returns a log-safe form of a secret.
func Redact(secret string) string {
	if len(secret) <= redactedPrefixLength {
		return "***"
	}

	return secret[:redactedPrefixLength] + "***"
}
