// Package phone normalizes customer phone numbers so that one customer maps
// to one lookup key no matter how the number was typed.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrEmpty is returned for a blank number.
var ErrEmpty = errors.New("phone number cannot be empty")

// Normalize parses raw in the context of region (ISO 3166 alpha-2, e.g. "KR")
// and returns it in E.164 form. Numbers already carrying a "+" prefix ignore
// the region.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if region == "" {
		region = "KR"
	}

	parsed, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("failed to parse phone number %q: %w", raw, err)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// IsValid reports whether raw is a valid, dialable number for region.
func IsValid(raw, region string) bool {
	parsed, err := phonenumbers.Parse(strings.TrimSpace(raw), strings.ToUpper(region))
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(parsed)
}

// Region returns the ISO region the number belongs to, or "" if unknown.
func Region(e164 string) string {
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(parsed)
}
