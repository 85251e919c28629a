// Package security evaluates the strength of vault passphrases.
package security

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Passphrase length limits, counted in runes.
const (
	MinPassphraseLength = 8
	MaxPassphraseLength = 128
)

// Strength represents the strength level of a passphrase.
type Strength int

const (
	// Weak passphrases are rejected.
	Weak Strength = iota
	// Fair passphrases are accepted with warnings.
	Fair
	// Good passphrases are accepted.
	Good
	// Strong passphrases are accepted.
	Strong
)

// String returns a human-readable representation of the strength.
func (s Strength) String() string {
	switch s {
	case Weak:
		return "Weak"
	case Fair:
		return "Fair"
	case Good:
		return "Good"
	case Strong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Assessment is the result of EvaluatePassphrase.
type Assessment struct {
	Valid    bool     // meets the hard length limits
	Strength Strength // estimated strength
	Warnings []string // suggestions, not errors
}

// EvaluatePassphrase checks a vault passphrase.
//
// Length is the primary factor per NIST SP 800-63B; character classes only
// produce warnings, never rejections.
func EvaluatePassphrase(secret string) Assessment {
	length := utf8.RuneCountInString(secret)

	switch {
	case length < MinPassphraseLength:
		return Assessment{Strength: Weak, Warnings: []string{
			fmt.Sprintf("Passphrase must be at least %d characters", MinPassphraseLength)}}
	case length > MaxPassphraseLength:
		return Assessment{Strength: Weak, Warnings: []string{
			fmt.Sprintf("Passphrase must be at most %d characters", MaxPassphraseLength)}}
	}

	a := Assessment{Valid: true}

	classes := characterClasses(secret)
	if classes < 2 {
		a.Warnings = append(a.Warnings, "Consider mixing letters, numbers, and symbols")
	}
	if length < 12 {
		a.Warnings = append(a.Warnings, "Longer passphrases (12+ characters) are more secure")
	}

	switch {
	case length >= 20 || (length >= 16 && classes >= 3):
		a.Strength = Strong
	case length >= 14 || (length >= 12 && classes >= 2):
		a.Strength = Good
	default:
		a.Strength = Fair
	}
	return a
}

func characterClasses(s string) int {
	var upper, lower, digit, other bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	n := 0
	for _, b := range []bool{upper, lower, digit, other} {
		if b {
			n++
		}
	}
	return n
}
