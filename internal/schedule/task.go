package schedule

import (
	"time"

	"github.com/RezaEskandarii/jobfire/types"
)

// NextTaskRun returns completedAt plus the recurrence interval. The boolean is
// false for non-recurring or unknown recurrences.
func NextTaskRun(recurring types.Recurrence, completedAt time.Time) (time.Time, bool) {
	switch recurring.Normalize() {
	case types.RecurHourly:
		return completedAt.Add(time.Hour), true
	case types.RecurDaily:
		return completedAt.Add(24 * time.Hour), true
	case types.RecurWeekly:
		return completedAt.Add(7 * 24 * time.Hour), true
	case types.RecurMonthly:
		return AddMonthClamped(completedAt), true
	default:
		return time.Time{}, false
	}
}

// AddMonthClamped moves t to the same day of the next month, clamping to the
// last day when the next month is shorter (Jan 31 -> Feb 28/29).
func AddMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	firstOfNext := time.Date(year, month+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := daysIn(firstOfNext.Year(), firstOfNext.Month(), t.Location())
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
