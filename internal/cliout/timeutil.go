package cliout

import (
	"fmt"
	"time"
)

// LocalTimeFormat is the format used for displaying local times in CLI output.
// Uses Go's reference time: Mon Jan 2 15:04:05 2006.
const LocalTimeFormat = "Mon Jan 2 15:04:05 2006"

// FormatDuration converts a duration string to a human-readable form, e.g.
// "72h30m15s" becomes "3d 0h 30m 15s". Returns the original string if
// parsing fails, so a caller can pass it straight through without an error
// path of its own.
func FormatDuration(elapsed string) string {
	d, err := time.ParseDuration(elapsed)
	if err != nil {
		return elapsed
	}
	return FormatDurationValue(d)
}

// FormatDurationValue is FormatDuration's non-string-parsing half, for
// callers that already hold a time.Duration (e.g. a bundle's time-to-live
// remaining, computed from model.Bundle.ExpirationTime).
func FormatDurationValue(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// FormatTime renders t in LocalTimeFormat, or "-" for the zero value (used
// throughout the dump renderers for bundles with no expiration set).
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(LocalTimeFormat)
}
