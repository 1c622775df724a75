package platform

import (
	"strconv"
	"strings"
)

// Duration text constants
const (
	SecondsPerMinute = 60
	DurationSep      = ":"
)

// ParseDuration converts a feed duration overlay ("4:13", "1:02:03") to
// seconds. Overlays without a clock value (LIVE, PREMIERE, SHORTS, empty)
// yield 0.
func ParseDuration(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	parts := strings.Split(text, DurationSep)
	if len(parts) > 3 {
		return 0
	}

	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0
		}
		total = total*SecondsPerMinute + n
	}
	return total
}
