// Package ics converts between iCalendar files and calendar events.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/recurrence"
)

const naiveLayout = "2006-01-02T15:04:05"

// Import turns every VEVENT of an ICS payload into a draft ready for
// creation. Floating times keep their wall clock and take defaultTZ.
//
//   - Events without a start or with an unusable RRULE are logged and
//     skipped; the rest of the file is still imported.
//   - Overridden instances (RECURRENCE-ID) are skipped: the series master
//     recreates them.
//   - EXDATE/RDATE lines are not carried over.
func Import(body []byte, defaultTZ string) ([]model.EventDraft, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	drafts := make([]model.EventDraft, 0)
	for i, ve := range cal.Events() {
		uid := propValue(ve, ical.ComponentPropertyUniqueId)

		if ve.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
			appLog.Debug("ics override skipped", "uid", uid)
			continue
		}

		d, err := importEvent(ve, defaultTZ)
		if err != nil {
			appLog.Error("ics vevent import failed", err, "index", i, "uid", uid)
			continue
		}
		drafts = append(drafts, d)
	}

	appLog.Info("ics import parsed", "vevents", len(cal.Events()), "drafts", len(drafts))
	return drafts, nil
}

func importEvent(ve *ical.VEvent, defaultTZ string) (model.EventDraft, error) {
	var out model.EventDraft

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errors.New("missing DTSTART")
	}

	out.Summary = strings.TrimSpace(propValue(ve, ical.ComponentPropertySummary))
	if out.Summary == "" {
		out.Summary = "(no title)"
	}
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)
	out.AllDay = isAllDay(dtStart)

	var anchor time.Time
	if out.AllDay {
		start, err := ve.GetAllDayStartAt()
		if err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
		end, err := ve.GetAllDayEndAt()
		if err != nil || !end.After(start) {
			// A missing DTEND means a one-day event.
			end = start.AddDate(0, 0, 1)
		}
		anchor = start
		out.StartTime = model.DateOf(start).String()
		out.EndTime = model.DateOf(end).String()
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return out, fmt.Errorf("DTSTART: %w", err)
		}
		end, err := ve.GetEndAt()
		if err != nil || end.Before(start) {
			end = start
		}

		tz, loc := eventZone(dtStart, defaultTZ)
		if loc != nil {
			start, end = start.In(loc), end.In(loc)
		}
		anchor = start
		out.TimeZoneID = tz
		out.StartTime = start.Format(naiveLayout)
		out.EndTime = end.Format(naiveLayout)
	}

	if rule := propValue(ve, ical.ComponentPropertyRrule); rule != "" {
		occ, err := recurrence.Occurrences(rule, anchor, 1)
		if err != nil {
			return out, err
		}
		if len(occ) == 0 {
			return out, fmt.Errorf("recurrence rule %q yields no occurrences", rule)
		}
		out.Recurrence = []string{recurrence.Strip(rule)}
	}

	return out, nil
}

// eventZone names the zone a timed DTSTART is written in. loc is nil for
// floating times, whose wall clock is used as is.
func eventZone(dtStart *ical.IANAProperty, defaultTZ string) (string, *time.Location) {
	if tzs, ok := dtStart.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		if loc, err := time.LoadLocation(tzs[0]); err == nil {
			return tzs[0], loc
		}
		appLog.Warn("unknown TZID; using default", "tzid", tzs[0], "default", defaultTZ)
	}
	if strings.HasSuffix(strings.TrimSpace(dtStart.Value), "Z") {
		return "UTC", time.UTC
	}
	return defaultTZ, nil
}

func isAllDay(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}
