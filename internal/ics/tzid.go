package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const propLicLocation = "X-LIC-LOCATION"

// windowsZones maps the Windows zone names used by Exchange and Outlook feeds
// to IANA locations.
var windowsZones = map[string]string{
	"Dateline Standard Time":          "Etc/GMT+12",
	"UTC-11":                          "Etc/GMT+11",
	"Hawaiian Standard Time":          "Pacific/Honolulu",
	"Alaskan Standard Time":           "America/Anchorage",
	"Pacific Standard Time":           "America/Los_Angeles",
	"US Mountain Standard Time":       "America/Phoenix",
	"Mountain Standard Time":          "America/Denver",
	"Central America Standard Time":   "America/Guatemala",
	"Central Standard Time":           "America/Chicago",
	"Central Standard Time (Mexico)":  "America/Mexico_City",
	"Canada Central Standard Time":    "America/Regina",
	"SA Pacific Standard Time":        "America/Bogota",
	"Eastern Standard Time":           "America/New_York",
	"US Eastern Standard Time":        "America/Indiana/Indianapolis",
	"Atlantic Standard Time":          "America/Halifax",
	"SA Western Standard Time":        "America/La_Paz",
	"Pacific SA Standard Time":        "America/Santiago",
	"Newfoundland Standard Time":      "America/St_Johns",
	"E. South America Standard Time":  "America/Sao_Paulo",
	"Argentina Standard Time":         "America/Argentina/Buenos_Aires",
	"SA Eastern Standard Time":        "America/Cayenne",
	"UTC-02":                          "Etc/GMT+2",
	"Azores Standard Time":            "Atlantic/Azores",
	"Cape Verde Standard Time":        "Atlantic/Cape_Verde",
	"UTC":                             "Etc/UTC",
	"GMT Standard Time":               "Europe/London",
	"Greenwich Standard Time":         "Atlantic/Reykjavik",
	"Morocco Standard Time":           "Africa/Casablanca",
	"W. Europe Standard Time":         "Europe/Berlin",
	"Central Europe Standard Time":    "Europe/Budapest",
	"Romance Standard Time":           "Europe/Paris",
	"Central European Standard Time":  "Europe/Warsaw",
	"W. Central Africa Standard Time": "Africa/Lagos",
	"GTB Standard Time":               "Europe/Bucharest",
	"E. Europe Standard Time":         "Europe/Chisinau",
	"FLE Standard Time":               "Europe/Helsinki",
	"Egypt Standard Time":             "Africa/Cairo",
	"South Africa Standard Time":      "Africa/Johannesburg",
	"Israel Standard Time":            "Asia/Jerusalem",
	"Turkey Standard Time":            "Europe/Istanbul",
	"Russian Standard Time":           "Europe/Moscow",
	"Arab Standard Time":              "Asia/Riyadh",
	"Arabian Standard Time":           "Asia/Dubai",
	"Iran Standard Time":              "Asia/Tehran",
	"Pakistan Standard Time":          "Asia/Karachi",
	"India Standard Time":             "Asia/Kolkata",
	"Nepal Standard Time":             "Asia/Kathmandu",
	"Bangladesh Standard Time":        "Asia/Dhaka",
	"SE Asia Standard Time":           "Asia/Bangkok",
	"China Standard Time":             "Asia/Shanghai",
	"Singapore Standard Time":         "Asia/Singapore",
	"Taipei Standard Time":            "Asia/Taipei",
	"W. Australia Standard Time":      "Australia/Perth",
	"Tokyo Standard Time":             "Asia/Tokyo",
	"Korea Standard Time":             "Asia/Seoul",
	"Cen. Australia Standard Time":    "Australia/Adelaide",
	"AUS Central Standard Time":       "Australia/Darwin",
	"E. Australia Standard Time":      "Australia/Brisbane",
	"AUS Eastern Standard Time":       "Australia/Sydney",
	"Tasmania Standard Time":          "Australia/Hobart",
	"UTC+12":                          "Etc/GMT-12",
	"New Zealand Standard Time":       "Pacific/Auckland",
}

// zoneSet resolves the TZIDs of one feed that the system zone database
// does not know, using the feed's own VTIMEZONE definitions.
type zoneSet map[string]*ical.Component

func feedZones(cal *ical.Calendar) zoneSet {
	zones := make(zoneSet)
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			continue
		}
		if tzid, err := child.Props.Text(ical.PropTimezoneID); err == nil && tzid != "" {
			zones[strings.TrimSpace(tzid)] = child
		}
	}
	return zones
}

// resolve turns a wall-clock value, given as a UTC time with the same
// fields, into the instant it denotes in zone tzid.
//
// Lookup order: the VTIMEZONE's X-LIC-LOCATION, the Windows zone table,
// then the offsets declared by the VTIMEZONE observances.
func (z zoneSet) resolve(tzid string, wall time.Time) (time.Time, bool) {
	tzid = strings.TrimSpace(tzid)
	vtz := z[tzid]

	if loc := z.location(tzid, vtz); loc != nil {
		return time.Date(wall.Year(), wall.Month(), wall.Day(),
			wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc), true
	}

	if vtz != nil {
		if offset, ok := observedOffset(vtz, wall); ok {
			return wall.Add(-offset), true
		}
	}
	return time.Time{}, false
}

func (z zoneSet) location(tzid string, vtz *ical.Component) *time.Location {
	if vtz != nil {
		if p := vtz.Props.Get(propLicLocation); p != nil {
			if loc, err := time.LoadLocation(strings.TrimSpace(p.Value)); err == nil {
				return loc
			}
		}
	}
	if name, ok := windowsZones[tzid]; ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return nil
}

// observedOffset returns the TZOFFSETTO of the STANDARD or DAYLIGHT
// observance in effect at wall. Onsets are compared in local time.
func observedOffset(vtz *ical.Component, wall time.Time) (time.Duration, bool) {
	var (
		bestOnset  time.Time
		bestOffset time.Duration
		fallback   *time.Duration
	)

	for _, obs := range vtz.Children {
		if obs.Name != ical.CompTimezoneStandard && obs.Name != ical.CompTimezoneDaylight {
			continue
		}
		to := obs.Props.Get(ical.PropTimezoneOffsetTo)
		if to == nil {
			continue
		}
		offset, err := parseUTCOffset(to.Value)
		if err != nil {
			continue
		}
		if fallback == nil || obs.Name == ical.CompTimezoneStandard {
			o := offset
			fallback = &o
		}

		onset, ok := lastOnset(obs, wall)
		if ok && onset.After(bestOnset) {
			bestOnset = onset
			bestOffset = offset
		}
	}

	if !bestOnset.IsZero() {
		return bestOffset, true
	}
	if fallback != nil {
		return *fallback, true
	}
	return 0, false
}

// lastOnset returns the latest start of obs not after wall.
func lastOnset(obs *ical.Component, wall time.Time) (time.Time, bool) {
	startProp := obs.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return time.Time{}, false
	}
	floating := ical.Prop{Name: startProp.Name, Params: make(ical.Params), Value: strings.TrimSpace(startProp.Value)}
	start, err := floating.DateTime(time.UTC)
	if err != nil || start.After(wall) {
		return time.Time{}, false
	}

	rule := obs.Props.Get(ical.PropRecurrenceRule)
	if rule == nil {
		return start, true
	}
	r, err := rrule.StrToRRule(rule.Value)
	if err != nil {
		return start, true
	}
	r.DTStart(start)
	if onset := r.Before(wall, true); !onset.IsZero() {
		return onset, true
	}
	return start, true
}

// parseUTCOffset reads an RFC 5545 UTC-OFFSET such as "+0200" or "-033000".
func parseUTCOffset(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if len(v) != 5 && len(v) != 7 {
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}

	sign := time.Duration(1)
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}

	var fields [3]int
	for i := 0; 1+2*i < len(v); i++ {
		n, err := strconv.Atoi(v[1+2*i : 3+2*i])
		if err != nil {
			return 0, fmt.Errorf("invalid UTC offset %q: %w", v, err)
		}
		fields[i] = n
	}
	d := time.Duration(fields[0])*time.Hour + time.Duration(fields[1])*time.Minute + time.Duration(fields[2])*time.Second
	return sign * d, nil
}
