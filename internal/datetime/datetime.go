// Package datetime defines the canonical time formats used across stores,
// prompts, and tool arguments. All persisted times are UTC; rendering for
// the user converts through their configured timezone.
package datetime

import (
	"fmt"
	"strings"
	"time"
)

const (
	// Layout is the canonical minute-precision format.
	Layout = "2006-01-02 15:04"
	// DayLayout is the canonical date-only format.
	DayLayout = "2006-01-02"
)

// FormatUTC renders t in the canonical minute-precision format, in UTC.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(Layout)
}

// FormatDay renders t as a canonical date, in UTC.
func FormatDay(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseUTC parses a canonical string as UTC. Date-only values resolve to
// midnight. Whitespace is trimmed.
func ParseUTC(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	if t, err := time.ParseInLocation(Layout, s, time.UTC); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(DayLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want %q or %q)", s, Layout, DayLayout)
}

// IsDayOnly reports whether s carries no time-of-day component.
func IsDayOnly(s string) bool {
	_, err := time.ParseInLocation(DayLayout, strings.TrimSpace(s), time.UTC)
	return err == nil
}

// ToLocal converts a canonical UTC string into the same format in tz.
func ToLocal(utcValue, tz string) (string, error) {
	t, err := ParseUTC(utcValue)
	if err != nil {
		return "", err
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return t.In(loc).Format(Layout), nil
}

// ToUTC converts a canonical string expressed in tz into UTC.
func ToUTC(localValue, tz string) (string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", fmt.Errorf("load timezone %q: %w", tz, err)
	}
	s := strings.TrimSpace(localValue)
	if t, err := time.ParseInLocation(Layout, s, loc); err == nil {
		return FormatUTC(t), nil
	}
	if t, err := time.ParseInLocation(DayLayout, s, loc); err == nil {
		return FormatUTC(t), nil
	}
	return "", fmt.Errorf("unrecognized time %q (want %q or %q)", localValue, Layout, DayLayout)
}

// ResolveTimezone validates a configured timezone name, falling back to UTC.
func ResolveTimezone(configured string) string {
	trimmed := strings.TrimSpace(configured)
	if trimmed != "" {
		if _, err := time.LoadLocation(trimmed); err == nil {
			return trimmed
		}
	}
	return "UTC"
}
