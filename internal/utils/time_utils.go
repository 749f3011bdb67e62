package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses durations written as an integer followed by one unit,
// such as "500ms", "10s", "20M", "48h" or "2d". Units are case-insensitive.
func ParseStringTime(timeString string) (time.Duration, error) {
	value := strings.ToLower(strings.TrimSpace(timeString))
	if value == "" {
		return 0, fmt.Errorf("invalid time format: empty string")
	}
	for _, u := range timeUnits {
		cut, found := strings.CutSuffix(value, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cut)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		if number < 0 {
			return 0, fmt.Errorf("invalid time format %q: negative duration", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// MustParseStringTime is ParseStringTime for values that fall back to def on error.
func MustParseStringTime(timeString string, def time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		return def
	}
	return d
}
