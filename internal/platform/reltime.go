package platform

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Relative time units. A month is approximated as 30 days and a year as 365
// days: the feed never exposes exact upload dates.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

var relativeUnits = []struct {
	keyword string
	unit    time.Duration
}{
	{"second", time.Second},
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", Day},
	{"week", Week},
	{"month", Month},
	{"year", Year},
}

var relativeTimePattern = regexp.MustCompile(`(\d+)\s*([a-z]+)`)

// ResolveRelativeTime converts a phrase such as "3 days ago" or "Streamed 2
// hours ago" to an absolute time relative to now. Phrases without a number
// and a known unit resolve to now.
func ResolveRelativeTime(phrase string, now time.Time) time.Time {
	match := relativeTimePattern.FindStringSubmatch(strings.ToLower(phrase))
	if match == nil {
		return now
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return now
	}

	for _, u := range relativeUnits {
		if strings.HasPrefix(match[2], u.keyword) {
			// counts past the representable range saturate
			n = min(n, int(math.MaxInt64/int64(u.unit)))
			return now.Add(-time.Duration(n) * u.unit)
		}
	}
	return now
}
