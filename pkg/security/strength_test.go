package security

import (
	"strings"
	"testing"
)

func TestStrengthString(t *testing.T) {
	tests := []struct {
		strength Strength
		want     string
	}{
		{Weak, "Weak"},
		{Fair, "Fair"},
		{Good, "Good"},
		{Strong, "Strong"},
		{Strength(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.strength.String(); got != tt.want {
				t.Errorf("Strength.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluatePassphrase(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		wantValid bool
		want      Strength
	}{
		{"too short", "short", false, Weak},
		{"too long", strings.Repeat("a", MaxPassphraseLength+1), false, Weak},
		{"minimum length", "abcdefgh", true, Fair},
		{"scenario passphrase", "correct-horse", true, Good},
		{"long lowercase", "correcthorsebatterystaple", true, Strong},
		{"mixed sixteen", "Correct-Horse-42", true, Strong},
		{"multibyte counted as runes", "日本語のパスフレーズ", true, Fair},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluatePassphrase(tt.secret)
			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			if got.Strength != tt.want {
				t.Errorf("Strength = %v, want %v", got.Strength, tt.want)
			}
		})
	}
}

func TestEvaluatePassphraseWarnings(t *testing.T) {
	a := EvaluatePassphrase("abcdefgh")
	if len(a.Warnings) != 2 {
		t.Errorf("expected 2 warnings for short single-class passphrase, got %v", a.Warnings)
	}

	a = EvaluatePassphrase("Correct-Horse-Battery-42")
	if len(a.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", a.Warnings)
	}
}
