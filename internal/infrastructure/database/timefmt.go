package database

import "time"

// TimeLayout is the fixed-width UTC layout used for timestamp columns.
// Fixed width keeps lexical ORDER BY and range filters chronological,
// which time.RFC3339Nano does not since it trims trailing zeros.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime. The result is in UTC.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
