package campaign

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone parses raw in defaultRegion (ISO 3166 alpha-2, used only when
// raw has no leading +) and returns the E.164 form.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: phone number is required", ErrInvalidArgument)
	}
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))
	if region == "" {
		region = "US"
	}
	parsed, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: parse phone %q: %v", ErrInvalidArgument, raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: invalid phone number %q", ErrInvalidArgument, raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// isDialable is the cheap pre-dispatch check for numbers stored before
// normalization existed or edited out of band.
func isDialable(e164 string) bool {
	if !strings.HasPrefix(e164, "+") || len(e164) < 8 || len(e164) > 16 {
		return false
	}
	for _, r := range e164[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
