package datetime

import (
	"fmt"
	"time"
)

// ActiveWindow is a daily activity window in a user's local timezone.
// Start and End use "HH:MM". A window with End before Start spans midnight.
// The zero value means always active.
type ActiveWindow struct {
	Start    string
	End      string
	Timezone string
}

// IsSet reports whether a window was configured at all.
func (w ActiveWindow) IsSet() bool {
	return w.Start != "" && w.End != ""
}

// Validate checks the clock fields and timezone parse.
func (w ActiveWindow) Validate() error {
	if !w.IsSet() {
		if w.Start != "" || w.End != "" {
			return fmt.Errorf("active hours need both start and end (got start=%q end=%q)", w.Start, w.End)
		}
		return nil
	}
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("active hours start: %w", err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("active hours end: %w", err)
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("active hours timezone %q: %w", w.Timezone, err)
		}
	}
	return nil
}

// Contains reports whether now falls inside the window. An unset window
// contains every instant. Overnight windows (start > end) wrap midnight.
func (w ActiveWindow) Contains(now time.Time) bool {
	if !w.IsSet() {
		return true
	}
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(w.End)
	if err != nil {
		return true
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start == end {
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Overnight: active from start until midnight, and midnight until end.
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
