package otp

import (
	"errors"
	"strings"
)

// ErrInvalidPhone marks input that cannot be canonicalized.
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone canonicalizes a phone number to its E.164 shape: a leading
// "+" followed by 8 to 15 digits, no separators. An "00" international
// prefix is rewritten to "+".
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidPhone
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator, drop
		default:
			return "", ErrInvalidPhone
		}
	}

	normalized := b.String()
	if strings.HasPrefix(normalized, "00") {
		normalized = "+" + normalized[2:]
	}
	if !strings.HasPrefix(normalized, "+") {
		return "", ErrInvalidPhone
	}

	digits := normalized[1:]
	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return "", ErrInvalidPhone
	}
	return normalized, nil
}

// MaskPhone hides the middle of a phone number for logging (e.g. +4*****89).
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
