package domain

import (
	"strings"
	"unicode"
)

var channelPrefixes = []string{"whatsapp:", "sms:", "tel:"}

// CanonicalPhone returns the digits-only form of a phone number. Channel prefixes
// such as "whatsapp:" and a leading "+" are stripped; any other separators are
// dropped. Every persisted phone number goes through this function.
func CanonicalPhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, prefix := range channelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidPhoneNumber
		}
	}
	out := b.String()
	if len(out) < 7 || len(out) > 15 {
		return "", ErrInvalidPhoneNumber
	}
	return out, nil
}

// MustCanonicalPhone is CanonicalPhone for trusted constants such as test fixtures.
func MustCanonicalPhone(raw string) string {
	p, err := CanonicalPhone(raw)
	if err != nil {
		panic(err)
	}
	return p
}
