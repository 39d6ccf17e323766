package credentials

import (
	"context"
	"errors"
	"regexp"
)

// keyPattern matches provider API keys inside free-form pasted text.
var keyPattern = regexp.MustCompile(`sk_[A-Za-z0-9]{8,}`)

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Detected         int `json:"detected"`
	Added            int `json:"added"`
	SkippedDuplicate int `json:"skippedDuplicate"`
	Failed           int `json:"failed"`
}

// ExtractKeys returns every distinct provider key found in text, in order of first appearance.
func ExtractKeys(text string) []string {
	matches := keyPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	keys := make([]string, 0, len(matches))

	for _, match := range matches {
		if _, dup := seen[match]; dup {
			continue
		}

		seen[match] = struct{}{}
		keys = append(keys, match)
	}

	return keys
}

// Import extracts keys from pasted text and inserts the ones not stored yet.
func (p *Pool) Import(ctx context.Context, text string) (ImportReport, error) {
	keys := ExtractKeys(text)
	report := ImportReport{Detected: len(keys), Added: 0, SkippedDuplicate: 0, Failed: 0}

	if len(keys) == 0 {
		return report, nil
	}

	existing, err := p.store.ListAll(ctx)
	if err != nil {
		return report, err
	}

	stored := make(map[string]struct{}, len(existing))
	for _, record := range existing {
		stored[record.Secret] = struct{}{}
	}

	for _, key := range keys {
		if _, dup := stored[key]; dup {
			report.SkippedDuplicate++

			continue
		}

		_, insertErr := p.store.Insert(ctx, key)

		switch {
		case insertErr == nil:
			report.Added++
		case errors.Is(insertErr, ErrAlreadyExists):
			report.SkippedDuplicate++
		default:
			report.Failed++
			p.log.Error("Failed to import credential %s: %v", Redact(key), insertErr)
		}
	}

	p.log.Info("Credential import: detected=%d added=%d skipped=%d failed=%d",
		report.Detected, report.Added, report.SkippedDuplicate, report.Failed)

	return report, nil
}
