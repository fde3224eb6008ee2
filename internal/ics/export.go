package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"calsync/internal/recurrence"
	"calsync/internal/store"
)

const productID = "-//calsync//calsync//EN"

// Export renders stored rows as an iCalendar document. Timed events are
// written in UTC; all-day events as dates in the zone they were stored in.
func Export(rows []store.EventRow, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	for _, r := range rows {
		ev := cal.AddEvent(r.ID)
		ev.SetDtStampTime(now.UTC())
		ev.SetSummary(r.Summary)
		if r.Description != "" {
			ev.SetDescription(r.Description)
		}
		if r.Location != "" {
			ev.SetLocation(r.Location)
		}

		loc := rowLocation(r)
		start := time.UnixMilli(r.StartMs).In(loc)
		end := time.UnixMilli(r.EndMs).In(loc)
		if r.AllDay {
			ev.SetAllDayStartAt(start)
			if end.After(start) {
				ev.SetAllDayEndAt(end)
			}
		} else {
			ev.SetStartAt(start.UTC())
			ev.SetEndAt(end.UTC())
		}

		if r.RecurrenceRule != "" {
			ev.SetProperty(ical.ComponentPropertyRrule, recurrence.Strip(r.RecurrenceRule))
		}
		if r.RecurringEventID != "" {
			ev.SetProperty(ical.ComponentProperty("RELATED-TO"), r.RecurringEventID)
		}
		if r.OriginalStartMs != 0 {
			ev.SetProperty(ical.ComponentPropertyRecurrenceId, time.UnixMilli(r.OriginalStartMs).UTC().Format("20060102T150405Z"))
		}
	}

	return cal.Serialize()
}

func rowLocation(r store.EventRow) *time.Location {
	if r.TimeZoneID == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.TimeZoneID)
	if err != nil {
		return time.UTC
	}
	return loc
}
