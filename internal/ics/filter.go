package ics

import (
	"fmt"
	"time"

	"calmirror/internal/models"

	"github.com/teambition/rrule-go"
)

// IsPast reports whether ev ended strictly before now.
// Date ends are compared by date in loc, so an event ending today is not past.
func IsPast(ev models.Event, now time.Time, loc *time.Location) bool {
	end := ev.End
	if end.Time.IsZero() {
		end = ev.Start
	}
	if end.IsDate {
		return end.Time.Before(today(now, loc))
	}
	return end.Time.Before(now)
}

// NextOccurrence returns the start of the first occurrence of a recurring
// event that has not ended yet. ok is false when the series is exhausted.
func NextOccurrence(ev models.Event, now time.Time, loc *time.Location) (next time.Time, ok bool, err error) {
	if ev.RRule == "" {
		return time.Time{}, false, nil
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid RRULE %q: %w", ev.RRule, err)
	}
	r.DTStart(ev.Start.Time)

	ref := now
	if ev.End.IsDate {
		ref = today(now, loc)
	}
	duration := ev.End.Time.Sub(ev.Start.Time)

	next = r.After(ref.Add(-duration), true)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

func today(now time.Time, loc *time.Location) time.Time {
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
}
