package models

import "time"

// DateTime is either an instant or a whole calendar date.
// Date values hold midnight of that date in the reference time zone.
type DateTime struct {
	Time   time.Time
	IsDate bool
}

// Event is one VEVENT read from a source feed, already normalized into the
// reference time zone. It is never stored; every run rebuilds it from the feed.
type Event struct {
	UID         string   // The iCalendar UID, the only identity used for reconciliation
	Summary     string   // Summary or title of the event
	Description string   // Detailed description of the event
	Location    string   // Location of the event
	Start       DateTime // Start of the event
	End         DateTime // End of the event, equal to Start when the feed has no DTEND
	RRule       string   // Raw RRULE value, only carried over for recurring events that are still active
	IsOverride  bool     // Set for VEVENTs carrying RECURRENCE-ID, which share the UID of their series
}

// Mapping pairs a destination calendar name with the ICS feed mirrored into it.
type Mapping struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}
