package ics

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"calmirror/internal/models"

	"github.com/emersion/go-ical"
)

// DefaultSummary is used for events that carry no SUMMARY.
const DefaultSummary = "untitled"

const dateFormat = "20060102"

var errNoStart = errors.New("missing DTSTART")

// Parse decodes an ICS feed and returns its events normalized into loc.
//
// Date-time values without a time zone are read as UTC before conversion.
// TZIDs unknown to the zone database are resolved through the feed's
// VTIMEZONE components or the Windows zone names. Pure dates stay dates.
// Events without UID or DTSTART are logged and skipped.
func Parse(logger *slog.Logger, body []byte, loc *time.Location) ([]models.Event, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}

	zones := feedZones(cal)
	var events []models.Event
	for _, ve := range cal.Events() {
		ev, err := parseEvent(ve.Component, loc, zones)
		if err != nil {
			logger.Warn("Skipping feed event", "uid", ev.UID, "summary", ev.Summary, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseEvent(comp *ical.Component, loc *time.Location, zones zoneSet) (models.Event, error) {
	var ev models.Event

	ev.UID, _ = comp.Props.Text(ical.PropUID)
	ev.Summary, _ = comp.Props.Text(ical.PropSummary)
	if ev.Summary == "" {
		ev.Summary = DefaultSummary
	}
	ev.Description, _ = comp.Props.Text(ical.PropDescription)
	ev.Location, _ = comp.Props.Text(ical.PropLocation)
	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RRule = p.Value
	}
	ev.IsOverride = comp.Props.Get(ical.PropRecurrenceID) != nil

	if ev.UID == "" {
		return ev, errors.New("missing UID")
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return ev, errNoStart
	}
	start, err := parseDateTime(startProp, loc, zones)
	if err != nil {
		return ev, fmt.Errorf("invalid DTSTART: %w", err)
	}
	ev.Start = start
	ev.End = start

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, err := parseDateTime(endProp, loc, zones)
		if err != nil {
			return ev, fmt.Errorf("invalid DTEND: %w", err)
		}
		ev.End = end
	}

	return ev, nil
}

// parseDateTime reads a DTSTART/DTEND property. Dates become midnight in loc,
// date-times are converted into loc.
func parseDateTime(prop *ical.Prop, loc *time.Location, zones zoneSet) (models.DateTime, error) {
	value := strings.TrimSpace(prop.Value)

	if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) || !strings.Contains(value, "T") {
		d, err := time.ParseInLocation(dateFormat, value, loc)
		if err != nil {
			return models.DateTime{}, err
		}
		return models.DateTime{Time: d, IsDate: true}, nil
	}

	t, err := prop.DateTime(time.UTC)
	tzid := prop.Params.Get(ical.ParamTimezoneID)
	if err != nil && tzid != "" {
		floating := ical.Prop{Name: prop.Name, Params: make(ical.Params), Value: value}
		wall, ferr := floating.DateTime(time.UTC)
		if ferr != nil {
			return models.DateTime{}, ferr
		}
		t, err = wall, nil
		if resolved, ok := zones.resolve(tzid, wall); ok {
			t = resolved
		}
	}
	if err != nil {
		return models.DateTime{}, err
	}
	return models.DateTime{Time: t.In(loc)}, nil
}

// EventUIDs returns the UID of every VEVENT in cal.
func EventUIDs(cal *ical.Calendar) []string {
	if cal == nil {
		return nil
	}
	var uids []string
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if uid, err := child.Props.Text(ical.PropUID); err == nil && uid != "" {
			uids = append(uids, uid)
		}
	}
	return uids
}
