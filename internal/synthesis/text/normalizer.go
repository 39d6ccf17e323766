// Package text cleans exercise text before it is sent for synthesis, so the
// provider is billed only for characters that are actually spoken.
package text

import (
	"regexp"
	"strconv"
	"strings"
)

// Regex patterns for normalization.
const (
	markupRegexPattern      = `<[^>]+>`
	numberRegexPattern      = `\b\d+\b`
	whitespaceRegexPattern  = `\s+`
	repeatedPunctPattern    = `([!?,;:])[!?,;:]+`
	longEllipsisPattern     = `\.{4,}`
	spaceBeforePunctPattern = `\s+([.,!?;:])`
)

// Punctuation and formatting constants.
const (
	emDash        = "—"
	enDash        = "–"
	figureDash    = "‒"
	ellipsis      = "..."
	ellipsisChar  = "…"
	nonBreakSpace = "\u00a0"
	zeroWidth     = "\u200b"
)

// Options selects the optional rewrites.
type Options struct {
	// ExpandAbbreviations spells out common English titles such as "Dr.".
	ExpandAbbreviations bool `toml:"expand_abbreviations"`
	// ExpandNumbers spells out integers up to MaxNumberForWords.
	ExpandNumbers bool `toml:"expand_numbers"`
}

// Normalizer rewrites exercise text into the form sent to the provider.
type Normalizer struct {
	options                Options
	markupPattern          *regexp.Regexp
	numberPattern          *regexp.Regexp
	whitespacePattern      *regexp.Regexp
	repeatedPunctuation    *regexp.Regexp
	longEllipsis           *regexp.Regexp
	spaceBeforePunctuation *regexp.Regexp
	symbolReplacer         *strings.Replacer
	abbreviationReplacer   *strings.Replacer
}

// NewNormalizer compiles the patterns once for reuse.
func NewNormalizer(options Options) *Normalizer {
	abbreviations := []string{
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"e.g.", "for example",
		"i.e.", "that is",
		"etc.", "et cetera",
	}

	return &Normalizer{
		options:                options,
		markupPattern:          regexp.MustCompile(markupRegexPattern),
		numberPattern:          regexp.MustCompile(numberRegexPattern),
		whitespacePattern:      regexp.MustCompile(whitespaceRegexPattern),
		repeatedPunctuation:    regexp.MustCompile(repeatedPunctPattern),
		longEllipsis:           regexp.MustCompile(longEllipsisPattern),
		spaceBeforePunctuation: regexp.MustCompile(spaceBeforePunctPattern),
		symbolReplacer: strings.NewReplacer(
			emDash, " - ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			nonBreakSpace, " ",
			zeroWidth, "",
		),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
	}
}

// Normalize returns the cleaned text. The result is empty when nothing
// speakable remains.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}

	cleaned := n.markupPattern.ReplaceAllString(text, " ")
	cleaned = n.symbolReplacer.Replace(cleaned)

	if n.options.ExpandAbbreviations {
		cleaned = n.abbreviationReplacer.Replace(cleaned)
	}

	if n.options.ExpandNumbers {
		cleaned = n.normalizeNumbers(cleaned)
	}

	cleaned = n.repeatedPunctuation.ReplaceAllString(cleaned, "$1")
	cleaned = n.longEllipsis.ReplaceAllString(cleaned, ellipsis)
	cleaned = n.whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = n.spaceBeforePunctuation.ReplaceAllString(cleaned, "$1")

	return strings.TrimSpace(cleaned)
}

// CharacterCount is the number of billable characters in normalized text.
func CharacterCount(text string) int {
	return len([]rune(text))
}

func (n *Normalizer) normalizeNumbers(text string) string {
	return n.numberPattern.ReplaceAllStringFunc(text, func(s string) string {
		num, err := strconv.Atoi(s)
		if err != nil {
			return s
		}

		return integerToWords(num)
	})
}
