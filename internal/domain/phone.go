package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// Bounds for a usable subscriber number after canonicalization (country
// code plus local number, no padding).
const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// PhoneKeyUnknown marks ledger rows recorded for appointments whose
// contacts hold no usable number.
const PhoneKeyUnknown = "unknown"

// PhoneKey canonicalizes a raw contact string into the digits-only
// conversation identity used across the ledger. Returns an error when the
// string holds no digit run of usable length.
func PhoneKey(raw string) (string, error) {
	digits := firstDigitRun(raw)
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("%w: no usable phone number in %q", ErrValidation, raw)
	}
	return digits, nil
}

// FirstUsablePhone scans appointment contact strings in order and returns
// the first that canonicalizes to a valid key.
func FirstUsablePhone(contacts []string) (string, error) {
	for _, c := range contacts {
		if key, err := PhoneKey(c); err == nil {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: no usable phone number in contacts", ErrValidation)
}

// firstDigitRun collects the first maximal run of digits, tolerating the
// separators phone numbers are usually written with ("+55 (11) 9 9999-0000").
func firstDigitRun(raw string) string {
	var b strings.Builder
	started := false
	for _, r := range raw {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
			started = true
		case !started:
			continue
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			continue
		default:
			return b.String()
		}
	}
	return b.String()
}
