package projection

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var recurrenceParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextOccurrence computes the next fire time of a cron recurrence
// strictly after the given instant, in UTC.
func NextOccurrence(expr string, after time.Time) (time.Time, error) {
	return nextOccurrence(expr, after)
}

func nextOccurrence(expr string, after time.Time) (time.Time, error) {
	schedule, err := recurrenceParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse recurrence %q: %w", expr, err)
	}
	next := schedule.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence %q has no next occurrence", expr)
	}
	return next, nil
}
