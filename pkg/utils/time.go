package utils

import (
	"fmt"
	"time"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// FormatElapsed renders a broadcast duration as MM:SS, or HH:MM:SS once it
// reaches an hour.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// FormatTimestamp formats t in UTC as ISO 8601 with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ParseTimestamp accepts RFC 3339 timestamps with or without fractional
// seconds.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
