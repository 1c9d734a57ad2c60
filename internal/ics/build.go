package ics

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"calmirror/internal/models"

	"github.com/emersion/go-ical"
)

const actionDisplay = "DISPLAY"

// Builder renders source events into the calendar objects written to CalDAV.
type Builder struct {
	ProductID string

	// AlarmOffsets are lead times before the start; one VALARM per entry.
	AlarmOffsets []time.Duration

	// AlarmDescription may contain %s, replaced by the event summary.
	AlarmDescription string
}

// Build returns a VCALENDAR holding ev and its display alarms, stamped at now.
func (b *Builder) Build(ev models.Event, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, b.ProductID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropSummary, ev.Summary)
	setDateTime(vevent.Props, ical.PropDateTimeStart, ev.Start)
	setDateTime(vevent.Props, ical.PropDateTimeEnd, ev.End)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	vevent.Props.SetText(ical.PropUID, ev.UID)

	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.RRule != "" {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = ev.RRule
		vevent.Props.Set(rule)
	}

	description := strings.ReplaceAll(b.AlarmDescription, "%s", ev.Summary)
	for _, offset := range b.AlarmOffsets {
		vevent.Children = append(vevent.Children, newDisplayAlarm(offset, description))
	}

	cal.Children = append(cal.Children, vevent)
	return cal
}

func newDisplayAlarm(lead time.Duration, description string) *ical.Component {
	alarm := ical.NewComponent(ical.CompAlarm)

	action := ical.NewProp(ical.PropAction)
	action.Value = actionDisplay
	alarm.Props.Set(action)

	trigger := ical.NewProp(ical.PropTrigger)
	trigger.Value = formatTrigger(lead)
	alarm.Props.Set(trigger)

	alarm.Props.SetText(ical.PropDescription, description)
	return alarm
}

// formatTrigger renders a lead time as a negative RFC 5545 duration, e.g. -PT15M.
func formatTrigger(lead time.Duration) string {
	if lead%time.Minute != 0 {
		return fmt.Sprintf("-PT%dS", int64(lead/time.Second))
	}
	return fmt.Sprintf("-PT%dM", int64(lead/time.Minute))
}

func setDateTime(props ical.Props, name string, dt models.DateTime) {
	if dt.IsDate {
		props.SetDate(name, dt.Time)
		return
	}
	props.SetDateTime(name, dt.Time)
}

// Encode serializes cal to its iCalendar text form.
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}
