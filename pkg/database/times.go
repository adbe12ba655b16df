package database

import "time"

// TimeLayout is the stored timestamp format. Unlike RFC3339Nano it keeps
// trailing zeros, so lexicographic ORDER BY over the TEXT column is
// chronological. Audit chaining and cursor pagination rely on that.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t for storage, always in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp, accepting the legacy variable-width
// forms older rows may carry.
func ParseTime(raw string) time.Time {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
