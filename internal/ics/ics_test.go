package ics

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"calmirror/internal/models"

	"github.com/emersion/go-ical"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func madrid(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Fatalf("Failed to load Europe/Madrid: %v", err)
	}
	return loc
}

const testFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:utc-event\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"DESCRIPTION:Daily sync\r\n" +
	"LOCATION:Room 1\r\n" +
	"DTSTART:20250611T100000Z\r\n" +
	"DTEND:20250611T103000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:floating-event\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"DTSTART:20250611T100000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:tzid-event\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"SUMMARY:New York call\r\n" +
	"DTSTART;TZID=America/New_York:20250611T090000\r\n" +
	"DTEND;TZID=America/New_York:20250611T100000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:windows-tz-event\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"DTSTART;TZID=Romance Standard Time:20250611T090000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:date-event\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"SUMMARY:Holiday\r\n" +
	"DTSTART;VALUE=DATE:20250612\r\n" +
	"DTEND;VALUE=DATE:20250613\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"SUMMARY:No UID\r\n" +
	"DTSTART:20250611T100000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:no-start\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"SUMMARY:No start\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func parseTestFeed(t *testing.T) map[string]models.Event {
	t.Helper()
	events, err := Parse(testLogger(), []byte(testFeed), madrid(t))
	if err != nil {
		t.Fatalf("Parse() returned an error: %v", err)
	}
	byUID := make(map[string]models.Event, len(events))
	for _, ev := range events {
		byUID[ev.UID] = ev
	}
	return byUID
}

func TestParse_Fields(t *testing.T) {
	events := parseTestFeed(t)

	if len(events) != 5 {
		t.Fatalf("Expected 5 events (UID-less and start-less skipped), got %d", len(events))
	}

	ev := events["utc-event"]
	if ev.Summary != "Standup" || ev.Description != "Daily sync" || ev.Location != "Room 1" {
		t.Errorf("Unexpected text fields: %+v", ev)
	}
	if ev.Start.IsDate || ev.End.IsDate {
		t.Error("Expected date-time values, got dates")
	}
	if ev.Start.Time.Location().String() != "Europe/Madrid" {
		t.Errorf("Expected start in Europe/Madrid, got %s", ev.Start.Time.Location())
	}
	if h := ev.Start.Time.Hour(); h != 12 {
		t.Errorf("Expected 10:00Z to be 12:00 in Madrid (CEST), got %02d:00", h)
	}
	if got := ev.End.Time.Sub(ev.Start.Time); got != 30*time.Minute {
		t.Errorf("Expected 30 minute duration, got %s", got)
	}
}

func TestParse_Defaults(t *testing.T) {
	ev := parseTestFeed(t)["floating-event"]

	if ev.Summary != DefaultSummary {
		t.Errorf("Expected default summary %q, got %q", DefaultSummary, ev.Summary)
	}
	if !ev.End.Time.Equal(ev.Start.Time) {
		t.Errorf("Expected end to default to start, got start=%s end=%s", ev.Start.Time, ev.End.Time)
	}
	want := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)
	if !ev.Start.Time.Equal(want) {
		t.Errorf("Expected floating time to be read as UTC (%s), got %s", want, ev.Start.Time)
	}
}

func TestParse_TimeZones(t *testing.T) {
	events := parseTestFeed(t)

	ny := events["tzid-event"]
	want := time.Date(2025, 6, 11, 13, 0, 0, 0, time.UTC)
	if !ny.Start.Time.Equal(want) {
		t.Errorf("Expected 09:00 New York to be %s, got %s", want, ny.Start.Time.UTC())
	}

	win := events["windows-tz-event"]
	want = time.Date(2025, 6, 11, 7, 0, 0, 0, time.UTC)
	if !win.Start.Time.Equal(want) {
		t.Errorf("Expected 09:00 Romance Standard Time to be %s, got %s", want, win.Start.Time.UTC())
	}
}

const vtimezoneFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VTIMEZONE\r\n" +
	"TZID:Custom Berlin\r\n" +
	"X-LIC-LOCATION:Europe/Berlin\r\n" +
	"BEGIN:STANDARD\r\n" +
	"DTSTART:16010101T000000\r\n" +
	"TZOFFSETFROM:+0100\r\n" +
	"TZOFFSETTO:+0100\r\n" +
	"END:STANDARD\r\n" +
	"END:VTIMEZONE\r\n" +
	"BEGIN:VTIMEZONE\r\n" +
	"TZID:Office Zone\r\n" +
	"BEGIN:STANDARD\r\n" +
	"DTSTART:19701025T030000\r\n" +
	"RRULE:FREQ=YEARLY;BYMONTH=10;BYDAY=-1SU\r\n" +
	"TZOFFSETFROM:+0200\r\n" +
	"TZOFFSETTO:+0100\r\n" +
	"END:STANDARD\r\n" +
	"BEGIN:DAYLIGHT\r\n" +
	"DTSTART:19700329T020000\r\n" +
	"RRULE:FREQ=YEARLY;BYMONTH=3;BYDAY=-1SU\r\n" +
	"TZOFFSETFROM:+0100\r\n" +
	"TZOFFSETTO:+0200\r\n" +
	"END:DAYLIGHT\r\n" +
	"END:VTIMEZONE\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:mixed-zones\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"DTSTART;TZID=\"America/New_York\":20250610T080000\r\n" +
	"DTEND;TZID=W. Europe Standard Time:20250610T160000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:lic-location\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"DTSTART;TZID=Custom Berlin:20250610T100000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:offsets-summer\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"DTSTART;TZID=Office Zone:20250610T100000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:offsets-winter\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"DTSTART;TZID=Office Zone:20250110T100000\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:unknown-zone\r\n" +
	"DTSTAMP:20250601T000000Z\r\n" +
	"DTSTART;TZID=Nowhere Standard Time:20250610T100000\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParse_NonIANATimeZones(t *testing.T) {
	events, err := Parse(testLogger(), []byte(vtimezoneFeed), madrid(t))
	if err != nil {
		t.Fatalf("Parse() returned an error: %v", err)
	}
	byUID := make(map[string]models.Event, len(events))
	for _, ev := range events {
		byUID[ev.UID] = ev
	}

	mixed := byUID["mixed-zones"]
	if want := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC); !mixed.Start.Time.Equal(want) {
		t.Errorf("Expected 08:00 New York to be %s, got %s", want, mixed.Start.Time.UTC())
	}
	if want := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC); !mixed.End.Time.Equal(want) {
		t.Errorf("Expected 16:00 W. Europe Standard Time to be %s, got %s", want, mixed.End.Time.UTC())
	}
	if mixed.End.Time.Before(mixed.Start.Time) {
		t.Error("End should not be before start")
	}

	tests := []struct {
		uid  string
		want time.Time
	}{
		{"lic-location", time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)},
		{"offsets-summer", time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)},
		{"offsets-winter", time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)},
		{"unknown-zone", time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.uid, func(t *testing.T) {
			ev, ok := byUID[tt.uid]
			if !ok {
				t.Fatalf("Event %s not parsed", tt.uid)
			}
			if !ev.Start.Time.Equal(tt.want) {
				t.Errorf("Expected %s, got %s", tt.want, ev.Start.Time.UTC())
			}
			if ev.Start.Time.Location().String() != "Europe/Madrid" {
				t.Errorf("Expected start in Europe/Madrid, got %s", ev.Start.Time.Location())
			}
		})
	}
}

func TestParseUTCOffset(t *testing.T) {
	tests := map[string]time.Duration{
		"+0200":   2 * time.Hour,
		"-0500":   -5 * time.Hour,
		"+0530":   5*time.Hour + 30*time.Minute,
		"-033000": -(3*time.Hour + 30*time.Minute),
	}
	for in, want := range tests {
		got, err := parseUTCOffset(in)
		if err != nil {
			t.Errorf("parseUTCOffset(%q) returned an error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parseUTCOffset(%q) = %s, want %s", in, got, want)
		}
	}
	for _, in := range []string{"", "0200", "+2", "+02:00"} {
		if _, err := parseUTCOffset(in); err == nil {
			t.Errorf("parseUTCOffset(%q) should fail", in)
		}
	}
}

func TestParse_RecurrenceOverride(t *testing.T) {
	feed := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:series\r\nDTSTAMP:20250601T000000Z\r\nDTSTART:20250602T090000Z\r\nRRULE:FREQ=WEEKLY\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:series\r\nDTSTAMP:20250601T000000Z\r\nRECURRENCE-ID:20250609T090000Z\r\nDTSTART:20250610T090000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	events, err := Parse(testLogger(), []byte(feed), time.UTC)
	if err != nil {
		t.Fatalf("Parse() returned an error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].IsOverride {
		t.Error("Series master should not be marked as an override")
	}
	if !events[1].IsOverride {
		t.Error("Event with RECURRENCE-ID should be marked as an override")
	}
}

func TestParse_DateEvent(t *testing.T) {
	ev := parseTestFeed(t)["date-event"]

	if !ev.Start.IsDate || !ev.End.IsDate {
		t.Fatalf("Expected date values, got %+v", ev)
	}
	y, m, d := ev.Start.Time.Date()
	if y != 2025 || m != time.June || d != 12 {
		t.Errorf("Expected start date 2025-06-12, got %s", ev.Start.Time)
	}
}

func TestParse_InvalidFeed(t *testing.T) {
	if _, err := Parse(testLogger(), []byte("this is not a calendar"), time.UTC); err == nil {
		t.Error("Parse() should fail on garbage input")
	}
}

func TestIsPast(t *testing.T) {
	loc := madrid(t)
	// 23:30 in Madrid on 2025-06-10.
	now := time.Date(2025, 6, 10, 21, 30, 0, 0, time.UTC)

	instant := func(ts time.Time) models.DateTime { return models.DateTime{Time: ts.In(loc)} }
	date := func(y int, m time.Month, d int) models.DateTime {
		return models.DateTime{Time: time.Date(y, m, d, 0, 0, 0, 0, loc), IsDate: true}
	}

	tests := []struct {
		name string
		ev   models.Event
		want bool
	}{
		{"ended an hour ago", models.Event{Start: instant(now.Add(-2 * time.Hour)), End: instant(now.Add(-time.Hour))}, true},
		{"ends now", models.Event{Start: instant(now.Add(-time.Hour)), End: instant(now)}, false},
		{"ends later", models.Event{Start: instant(now), End: instant(now.Add(time.Minute))}, false},
		{"no end, started before now", models.Event{Start: instant(now.Add(-time.Minute))}, true},
		{"date today", models.Event{Start: date(2025, 6, 10), End: date(2025, 6, 10)}, false},
		{"date yesterday", models.Event{Start: date(2025, 6, 9), End: date(2025, 6, 9)}, true},
		{"date tomorrow", models.Event{Start: date(2025, 6, 11), End: date(2025, 6, 11)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPast(tt.ev, now, loc); got != tt.want {
				t.Errorf("IsPast() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPast_UTCTodayIsNotMadridToday(t *testing.T) {
	loc := madrid(t)
	// 23:30 UTC on 2025-06-10 is already 2025-06-11 in Madrid.
	now := time.Date(2025, 6, 10, 23, 30, 0, 0, time.UTC)
	ev := models.Event{
		Start: models.DateTime{Time: time.Date(2025, 6, 10, 0, 0, 0, 0, loc), IsDate: true},
		End:   models.DateTime{Time: time.Date(2025, 6, 10, 0, 0, 0, 0, loc), IsDate: true},
	}
	if !IsPast(ev, now, loc) {
		t.Error("Expected a 2025-06-10 date to be past once Madrid reached 2025-06-11")
	}
}

func TestNextOccurrence(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) // a Monday
	ev := models.Event{
		Start: models.DateTime{Time: start},
		End:   models.DateTime{Time: start.Add(time.Hour)},
		RRule: "FREQ=WEEKLY;BYDAY=MO",
	}

	next, ok, err := NextOccurrence(ev, now, time.UTC)
	if err != nil {
		t.Fatalf("NextOccurrence() returned an error: %v", err)
	}
	if !ok {
		t.Fatal("Expected a future occurrence")
	}
	want := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Expected next occurrence %s, got %s", want, next)
	}

	ev.RRule = "FREQ=WEEKLY;BYDAY=MO;COUNT=1"
	if _, ok, _ := NextOccurrence(ev, now, time.UTC); ok {
		t.Error("Expected an exhausted series to have no next occurrence")
	}

	ev.RRule = "FREQ=SOMETIMES"
	if _, _, err := NextOccurrence(ev, now, time.UTC); err == nil {
		t.Error("Expected an error for an invalid RRULE")
	}
}

func testBuilder() *Builder {
	return &Builder{
		ProductID:        "-//calmirror test//EN",
		AlarmOffsets:     []time.Duration{15 * time.Minute, 5 * time.Minute},
		AlarmDescription: "Reminder: %s",
	}
}

func TestBuild_Alarms(t *testing.T) {
	loc := madrid(t)
	start := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC).In(loc)
	ev := models.Event{
		UID:     "abc123",
		Summary: "Dentist",
		Start:   models.DateTime{Time: start},
		End:     models.DateTime{Time: start},
	}

	cal := testBuilder().Build(ev, time.Now())

	if len(cal.Children) != 1 || cal.Children[0].Name != ical.CompEvent {
		t.Fatalf("Expected exactly one VEVENT, got %d children", len(cal.Children))
	}
	vevent := cal.Children[0]

	var triggers []string
	for _, child := range vevent.Children {
		if child.Name != ical.CompAlarm {
			t.Errorf("Unexpected child component %s", child.Name)
			continue
		}
		if action := child.Props.Get(ical.PropAction); action == nil || action.Value != "DISPLAY" {
			t.Errorf("Expected ACTION:DISPLAY, got %+v", action)
		}
		if desc, _ := child.Props.Text(ical.PropDescription); desc != "Reminder: Dentist" {
			t.Errorf("Expected alarm description 'Reminder: Dentist', got %q", desc)
		}
		triggers = append(triggers, child.Props.Get(ical.PropTrigger).Value)
	}

	if len(triggers) != 2 || triggers[0] != "-PT15M" || triggers[1] != "-PT5M" {
		t.Errorf("Expected triggers [-PT15M -PT5M], got %v", triggers)
	}
}

func TestBuild_Properties(t *testing.T) {
	loc := madrid(t)
	start := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC).In(loc)
	now := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	ev := models.Event{
		UID:     "abc123",
		Summary: "Dentist",
		Start:   models.DateTime{Time: start},
		End:     models.DateTime{Time: start.Add(time.Hour)},
	}
	cal := testBuilder().Build(ev, now)
	vevent := cal.Children[0]

	if uid, _ := vevent.Props.Text(ical.PropUID); uid != "abc123" {
		t.Errorf("Expected UID abc123, got %q", uid)
	}
	if vevent.Props.Get(ical.PropDescription) != nil || vevent.Props.Get(ical.PropLocation) != nil {
		t.Error("Expected empty description and location to be omitted")
	}
	if vevent.Props.Get(ical.PropRecurrenceRule) != nil {
		t.Error("Expected no RRULE for a single event")
	}
	gotStart, err := vevent.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil || !gotStart.Equal(start) {
		t.Errorf("Expected DTSTART %s, got %s (err=%v)", start, gotStart, err)
	}
	if tzid := vevent.Props.Get(ical.PropDateTimeStart).Params.Get(ical.ParamTimezoneID); tzid != "Europe/Madrid" {
		t.Errorf("Expected DTSTART TZID Europe/Madrid, got %q", tzid)
	}
	stamp, err := vevent.Props.DateTime(ical.PropDateTimeStamp, time.UTC)
	if err != nil || !stamp.Equal(now) {
		t.Errorf("Expected DTSTAMP %s, got %s (err=%v)", now, stamp, err)
	}

	data, err := Encode(cal)
	if err != nil {
		t.Fatalf("Encode() returned an error: %v", err)
	}
	text := string(data)
	for _, want := range []string{"PRODID:-//calmirror test//EN", "VERSION:2.0", "BEGIN:VALARM", "TRIGGER:-PT15M"} {
		if !strings.Contains(text, want) {
			t.Errorf("Encoded calendar missing %q:\n%s", want, text)
		}
	}
}

func TestBuild_OptionalFields(t *testing.T) {
	day := models.DateTime{Time: time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC), IsDate: true}
	ev := models.Event{
		UID:         "holiday",
		Summary:     "Holiday",
		Description: "Office closed",
		Location:    "Everywhere",
		Start:       day,
		End:         day,
		RRule:       "FREQ=YEARLY",
	}
	vevent := testBuilder().Build(ev, time.Now()).Children[0]

	if desc, _ := vevent.Props.Text(ical.PropDescription); desc != "Office closed" {
		t.Errorf("Expected description, got %q", desc)
	}
	if loc, _ := vevent.Props.Text(ical.PropLocation); loc != "Everywhere" {
		t.Errorf("Expected location, got %q", loc)
	}
	if p := vevent.Props.Get(ical.PropDateTimeStart); p == nil || p.Value != "20250612" {
		t.Errorf("Expected date DTSTART 20250612, got %+v", p)
	}
	if p := vevent.Props.Get(ical.PropRecurrenceRule); p == nil || p.Value != "FREQ=YEARLY" {
		t.Errorf("Expected RRULE to be kept, got %+v", p)
	}
}

func TestEventUIDs(t *testing.T) {
	b := testBuilder()
	cal := b.Build(models.Event{UID: "one", Summary: "x", Start: models.DateTime{Time: time.Now().UTC()}}, time.Now())
	second := ical.NewComponent(ical.CompEvent)
	second.Props.SetText(ical.PropUID, "two")
	cal.Children = append(cal.Children, second, ical.NewComponent(ical.CompTimezone))

	uids := EventUIDs(cal)
	if len(uids) != 2 || uids[0] != "one" || uids[1] != "two" {
		t.Errorf("Expected [one two], got %v", uids)
	}
	if EventUIDs(nil) != nil {
		t.Error("Expected nil for a nil calendar")
	}
}

func TestFormatTrigger(t *testing.T) {
	tests := map[time.Duration]string{
		15 * time.Minute: "-PT15M",
		time.Hour:        "-PT60M",
		90 * time.Second: "-PT90S",
	}
	for in, want := range tests {
		if got := formatTrigger(in); got != want {
			t.Errorf("formatTrigger(%s) = %q, want %q", in, got, want)
		}
	}
}
