package core

import (
	"fmt"
	"time"
)

// recurrenceWindowMonths bounds how far ahead a recurring request expands.
const recurrenceWindowMonths = 3

// GenerateRecurringTasks expands base into one input per occurrence. Occurrences
// step from base.ScheduledTime in its own location, and both ends of the
// window are inclusive. All generated inputs share a fresh series id.
func GenerateRecurringTasks(base CreateTaskInput, recurrence RecurrenceType) []CreateTaskInput {
	if recurrence == "" {
		recurrence = RecurrenceNone
	}
	step := recurrenceStep(recurrence)
	if step == nil {
		single := base
		single.RecurrenceType = RecurrenceNone
		return []CreateTaskInput{single}
	}

	seriesID := NewID()
	start := base.ScheduledTime
	end := addMonths(start, recurrenceWindowMonths)

	var out []CreateTaskInput
	for current := start; !current.After(end); current = step(current) {
		in := base
		in.ScheduledTime = current
		in.RecurrenceType = recurrence
		in.SeriesID = ptrString(seriesID)
		out = append(out, in)
	}
	return out
}

// RecurrenceCount returns how many tasks a request starting at start expands to.
func RecurrenceCount(start time.Time, recurrence RecurrenceType) int {
	totalDays := differenceInDays(addMonths(start, recurrenceWindowMonths), start)
	switch recurrence {
	case RecurrenceDaily:
		return totalDays + 1
	case RecurrenceWeekly:
		return totalDays/7 + 1
	case RecurrenceMonthly:
		return recurrenceWindowMonths
	default:
		return 1
	}
}

// RecurrenceSummary describes the expansion in words for confirmation prompts.
func RecurrenceSummary(start time.Time, recurrence RecurrenceType) string {
	n := RecurrenceCount(start, recurrence)
	switch recurrence {
	case RecurrenceDaily:
		return fmt.Sprintf("This will create %d tasks over 3 months (daily)", n)
	case RecurrenceWeekly:
		return fmt.Sprintf("This will create ~%d tasks over 3 months (weekly)", n)
	case RecurrenceMonthly:
		return fmt.Sprintf("This will create %d tasks over 3 months (monthly)", n)
	default:
		return "This will create 1 task"
	}
}

// RecurrenceLabel is the short display name of a recurrence type.
func RecurrenceLabel(recurrence RecurrenceType) string {
	switch recurrence {
	case RecurrenceDaily:
		return "Daily"
	case RecurrenceWeekly:
		return "Weekly"
	case RecurrenceMonthly:
		return "Monthly"
	default:
		return "One-time"
	}
}

func recurrenceStep(recurrence RecurrenceType) func(time.Time) time.Time {
	switch recurrence {
	case RecurrenceDaily:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case RecurrenceWeekly:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case RecurrenceMonthly:
		return func(t time.Time) time.Time { return addMonths(t, 1) }
	default:
		return nil
	}
}

// addMonths moves t by n calendar months keeping the wall clock, clamping the
// day to the end of shorter months (Jan 31 + 1 month = Feb 28/29).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	ty, tm, _ := first.Date()
	if last := daysIn(ty, tm, t.Location()); d > last {
		d = last
	}
	return time.Date(ty, tm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// differenceInDays counts full calendar days from earlier to later in later's
// location; a trailing partial day is not counted.
func differenceInDays(later, earlier time.Time) int {
	earlier = earlier.In(later.Location())
	ly, lm, ld := later.Date()
	ey, em, ed := earlier.Date()
	days := int(time.Date(ly, lm, ld, 0, 0, 0, 0, time.UTC).Sub(time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)).Hours() / 24)
	if days > 0 && clockOf(later) < clockOf(earlier) {
		days--
	}
	return days
}

func clockOf(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}
