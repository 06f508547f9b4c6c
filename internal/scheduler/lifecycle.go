// Package scheduler implements the periodic delivery engine: the due-set
// pass, the concurrency-gate claim flow, the retry sweeper, enrollment and
// immediate sends, and the attempt prune job. Services in this package own
// orchestration only; persistence lives behind narrow per-consumer
// interfaces implemented by internal/db.
package scheduler

import (
	"fmt"
	"time"

	"coachletter/internal/types"
)

// Slot is the fixed weekly delivery slot, expressed in the recipient's
// local time.
type Slot struct {
	Weekday time.Weekday
	Hour    int
}

// DefaultSlot is Monday 09:00 recipient-local.
var DefaultSlot = Slot{Weekday: time.Monday, Hour: 9}

// ComputeNextEligibleTime returns the next occurrence of the weekly slot in
// the recipient's local calendar, converted to an absolute UTC instant.
//
// The computation always starts from the recipient's local calendar
// date/time (never from a UTC offset cached at subscription creation), so
// it stays correct across daylight-saving transitions: time.Date in a
// Location resolves the configured local hour under whatever offset is in
// force on that date, and AddDate preserves the wall clock.
func ComputeNextEligibleTime(now time.Time, tz string, slot Slot) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", tz), err)
	}

	local := now.In(loc)

	// Today's slot hour in local time, then advance to the slot weekday.
	candidate := time.Date(local.Year(), local.Month(), local.Day(), slot.Hour, 0, 0, 0, loc)
	daysAhead := (int(slot.Weekday) - int(local.Weekday()) + 7) % 7
	if daysAhead > 0 {
		candidate = candidate.AddDate(0, 0, daysAhead)
	}

	// Same-day slot already passed (or is exactly now): next week.
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}

	return candidate.UTC(), nil
}

// LocalToday returns the calendar date in the recipient's timezone,
// normalized to midnight UTC of that date. This is the "today" value the
// claim's same-day dedup guard compares against last_sent_date.
func LocalToday(now time.Time, tz string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", tz), err)
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
