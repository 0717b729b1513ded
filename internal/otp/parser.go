package otp

import (
	"fmt"
	"regexp"
	"strings"

	"homerbot/internal/automation"
)

// Pattern extracts a numeric passcode from a free-text notification for
// one external source. Sources keep their own patterns so a new bank SMS
// format is a new Pattern, not a code change elsewhere.
type Pattern struct {
	// Source scopes queue keys so the same username on two target systems
	// never collides.
	Source string
	// Kind is the input kind this source's codes satisfy.
	Kind automation.InputKind

	re *regexp.Regexp
}

// NewPattern compiles a code-extraction pattern. expr must contain exactly
// one capture group (the code digits).
func NewPattern(source string, kind automation.InputKind, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern for %q: %w", source, err)
	}
	if re.NumSubexp() != 1 {
		return Pattern{}, fmt.Errorf("pattern for %q: want exactly one capture group, got %d", source, re.NumSubexp())
	}
	return Pattern{Source: source, Kind: kind, re: re}, nil
}

// Extract returns the code from message, if the pattern matches.
func (p Pattern) Extract(message string) (string, bool) {
	m := p.re.FindStringSubmatch(message)
	if len(m) != 2 || strings.TrimSpace(m[1]) == "" {
		return "", false
	}
	return m[1], true
}

// DefaultPatterns covers the SMS formats the coordinator ships with.
func DefaultPatterns() []Pattern {
	// Bank SMS: "Код подтверждения: 1234" / "Code: 123456" / bare 4-8 digits.
	p, err := NewPattern("bank", automation.InputSMSCode,
		`(?i)(?:код(?:\s+подтверждения)?|code)\D{0,5}(\d{4,8})`)
	if err != nil {
		panic(err) // compile-time constant pattern
	}
	fallback, err := NewPattern("sms", automation.InputSMSCode, `\b(\d{4,8})\b`)
	if err != nil {
		panic(err)
	}
	return []Pattern{p, fallback}
}
