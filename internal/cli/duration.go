package cli

import (
	"fmt"
	"strconv"
	"time"
)

// ParseDuration parses a duration string like "30d", "1y", "24h".
// Units d, w, m (30 days) and y extend time.ParseDuration; anything else,
// "1h30m" included, goes to time.ParseDuration.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	day := 24 * time.Hour
	var scale time.Duration
	switch unit {
	case 'd':
		scale = day
	case 'w':
		scale = 7 * day
	case 'm':
		scale = 30 * day
	case 'y':
		scale = 365 * day
	default:
		return time.ParseDuration(s)
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		if unit == 'm' {
			return time.ParseDuration(s)
		}
		return 0, fmt.Errorf("invalid duration value: %s", valueStr)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return time.Duration(value) * scale, nil
}
