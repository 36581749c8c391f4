package permissions

import (
	"regexp"
	"strconv"
	"time"
)

// DefaultExpiry is applied when an expiry expression cannot be parsed.
// Falling back instead of failing is a deliberate policy choice inherited
// from the wallet deep-link flow: a bad expression yields a short-ish
// grant, not an error the wallet UI cannot surface.
const DefaultExpiry = 30 * 24 * time.Hour

var expiryPattern = regexp.MustCompile(`^(\d+)(h|d|w|m|y)$`)

// unitDurations uses fixed multipliers: months are 30 days and years 365,
// not calendar-aware.
var unitDurations = map[string]time.Duration{
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
	"m": 30 * 24 * time.Hour,
	"y": 365 * 24 * time.Hour,
}

// ParseExpiry resolves a duration expression of the form <integer><unit>
// (unit one of h, d, w, m, y) into an absolute expiry instant relative to
// now. Unparseable expressions fall back to DefaultExpiry.
func ParseExpiry(expr string, now time.Time) time.Time {
	match := expiryPattern.FindStringSubmatch(expr)
	if match == nil {
		return now.Add(DefaultExpiry)
	}

	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return now.Add(DefaultExpiry)
	}

	return now.Add(time.Duration(n) * unitDurations[match[2]])
}
