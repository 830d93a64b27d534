package database

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// minLooseMatchDigits is the shortest trailing digit run accepted when a
// number has no exact directory match.
const minLooseMatchDigits = 7

// unknownRegion makes the parser accept only numbers carrying their own
// country code.
const unknownRegion = "ZZ"

// NormalizeNumber returns a valid international number in E.164 form, so
// "+44 (0)20 7031 3000" and "+442070313000" normalize alike. Short codes,
// national numbers and anything the parser rejects keep only their digits
// and a leading '+'.
func NormalizeNumber(s string) string {
	return CanonicalNumber(s, unknownRegion)
}

// CanonicalNumber is NormalizeNumber for a number dialled in region, an ISO
// 3166 code such as "DE": valid national numbers become E.164 as well.
func CanonicalNumber(s, region string) string {
	digits := stripFormatting(s)
	if digits == "" {
		return ""
	}
	if num, ok := ParseNumber(digits, region); ok {
		return phonenumbers.Format(num, phonenumbers.E164)
	}
	return digits
}

// ParseNumber parses s as dialled in region and reports whether it is a
// valid number.
func ParseNumber(s, region string) (*phonenumbers.PhoneNumber, bool) {
	num, err := phonenumbers.Parse(s, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return nil, false
	}
	return num, true
}

func stripFormatting(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// trailingDigits returns the last n digits of a normalized number, or ""
// when it has fewer.
func trailingDigits(number string, n int) string {
	digits := strings.TrimPrefix(number, "+")
	if len(digits) < n {
		return ""
	}
	return digits[len(digits)-n:]
}
