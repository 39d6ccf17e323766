package text

import (
	"strconv"
	"strings"
)

const (
	numberBaseTen      = 10
	numberBaseTwenty   = 20
	numberBaseHundred  = 100
	numberBaseThousand = 1000
	// MaxNumberForWords is the largest integer spelled out; larger ones are left as digits.
	MaxNumberForWords = 999999
)

var (
	onesWords = []string{
		"", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teenWords = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}
)

func integerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return "zero"
	}

	var parts []string

	if thousands := number / numberBaseThousand; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
	}

	if rest := number % numberBaseThousand; rest > 0 {
		parts = append(parts, underThousand(rest))
	}

	return strings.Join(parts, " ")
}

func underThousand(number int) string {
	hundreds := number / numberBaseHundred
	rest := number % numberBaseHundred

	switch {
	case hundreds == 0:
		return underHundred(rest)
	case rest == 0:
		return onesWords[hundreds] + " hundred"
	default:
		return onesWords[hundreds] + " hundred " + underHundred(rest)
	}
}

func underHundred(number int) string {
	switch {
	case number < numberBaseTen:
		return onesWords[number]
	case number < numberBaseTwenty:
		return teenWords[number-numberBaseTen]
	case number%numberBaseTen == 0:
		return tensWords[number/numberBaseTen]
	default:
		return tensWords[number/numberBaseTen] + " " + onesWords[number%numberBaseTen]
	}
}
