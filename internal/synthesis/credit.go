package synthesis

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// CreditInfo is the balance a provider reported in an error body.
type CreditInfo struct {
	Remaining int `json:"remaining"`
	// Required is zero when the body does not state it.
	Required int `json:"required,omitempty"`
}

var (
	remainingPhrase = regexp.MustCompile(`(?i)(-?\d+)\s+credits?\s+remaining`)
	remainingField  = regexp.MustCompile(`(?i)credits?[_ ]remaining["']?\s*[:=]\s*(-?\d+)`)
	requiredPhrase  = regexp.MustCompile(`(?i)(\d+)\s+credits?\s+(?:are\s+|is\s+)?required`)
	requiredField   = regexp.MustCompile(`(?i)credits?[_ ]required["']?\s*[:=]\s*(\d+)`)
)

var (
	remainingKeys = []string{"creditsremaining", "remainingcredits", "creditremaining"}
	requiredKeys  = []string{"creditsrequired", "requiredcredits", "creditrequired"}
	creditObjects = []string{"credits", "quota"}
)

// ParseCreditInfo extracts the remaining (and, when present, required) credit
// figures from a provider error body. It first looks for the figures in the
// text directly and then walks the body as JSON.
func ParseCreditInfo(raw []byte) (CreditInfo, bool) {
	if len(raw) == 0 {
		return CreditInfo{}, false
	}

	info, ok := matchCreditText(string(raw))
	if ok {
		return info, true
	}

	return matchCreditJSON(raw)
}

func matchCreditText(text string) (CreditInfo, bool) {
	remaining, ok := firstInt(text, remainingPhrase, remainingField)
	if !ok {
		return CreditInfo{}, false
	}

	required, _ := firstInt(text, requiredPhrase, requiredField)

	return CreditInfo{Remaining: remaining, Required: required}, true
}

func firstInt(text string, patterns ...*regexp.Regexp) (int, bool) {
	for _, pattern := range patterns {
		match := pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}

		value, err := strconv.Atoi(match[1])
		if err == nil {
			return value, true
		}
	}

	return 0, false
}

func matchCreditJSON(raw []byte) (CreditInfo, bool) {
	var document any

	err := json.Unmarshal(raw, &document)
	if err != nil {
		return CreditInfo{}, false
	}

	return walkCredits(document)
}

func walkCredits(node any) (CreditInfo, bool) {
	switch value := node.(type) {
	case map[string]any:
		if info, ok := creditsInObject(value); ok {
			return info, true
		}

		for _, child := range value {
			if info, ok := walkCredits(child); ok {
				return info, true
			}
		}
	case []any:
		for _, child := range value {
			if info, ok := walkCredits(child); ok {
				return info, true
			}
		}
	}

	return CreditInfo{}, false
}

func creditsInObject(object map[string]any) (CreditInfo, bool) {
	normalized := make(map[string]any, len(object))
	for key, value := range object {
		normalized[normalizeKey(key)] = value
	}

	if remaining, ok := lookupInt(normalized, remainingKeys...); ok {
		required, _ := lookupInt(normalized, requiredKeys...)

		return CreditInfo{Remaining: remaining, Required: required}, true
	}

	for _, name := range creditObjects {
		nested, isObject := normalized[name].(map[string]any)
		if !isObject {
			continue
		}

		inner := make(map[string]any, len(nested))
		for key, value := range nested {
			inner[normalizeKey(key)] = value
		}

		if remaining, ok := lookupInt(inner, "remaining"); ok {
			required, _ := lookupInt(inner, "required")

			return CreditInfo{Remaining: remaining, Required: required}, true
		}
	}

	return CreditInfo{}, false
}

func lookupInt(object map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch value := object[key].(type) {
		case float64:
			if value == math.Trunc(value) {
				return int(value), true
			}
		case string:
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil {
				return parsed, true
			}
		}
	}

	return 0, false
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(key))
}
