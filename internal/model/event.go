package model

import (
	"fmt"
	"strings"
	"time"
)

const naiveDateTime = "2006-01-02T15:04:05"

// EventTime is one end of an event. Exactly one representation applies:
// an all-day Date, a zoned instant, or a wall clock with no zone that is
// resolved against the user's timezone when it is written to the store.
type EventTime struct {
	date    Date
	instant time.Time
	wall    time.Time
	kind    timeKind
}

type timeKind uint8

const (
	kindUnset timeKind = iota
	kindDate
	kindZoned
	kindNaive
)

func AllDayTime(d Date) EventTime { return EventTime{date: d, kind: kindDate} }

func ZonedTime(t time.Time) EventTime { return EventTime{instant: t, kind: kindZoned} }

// NaiveTime keeps only the wall-clock fields of t.
func NaiveTime(t time.Time) EventTime {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	return EventTime{wall: wall, kind: kindNaive}
}

// ParseEventTime accepts YYYY-MM-DD, RFC 3339 and YYYY-MM-DDTHH:MM:SS.
func ParseEventTime(s string) (EventTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EventTime{}, fmt.Errorf("empty time value")
	}
	if len(s) == len(isoDate) {
		d, err := ParseDate(s)
		if err != nil {
			return EventTime{}, err
		}
		return AllDayTime(d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ZonedTime(t), nil
	}
	if t, err := time.Parse(naiveDateTime, s); err == nil {
		return NaiveTime(t), nil
	}
	return EventTime{}, fmt.Errorf("unrecognized time value %q", s)
}

func (t EventTime) IsZero() bool   { return t.kind == kindUnset }
func (t EventTime) IsAllDay() bool { return t.kind == kindDate }

// Date returns the calendar day of t, resolving zoned instants in loc.
func (t EventTime) Date(loc *time.Location) Date {
	switch t.kind {
	case kindDate:
		return t.date
	case kindZoned:
		return DateOf(t.instant.In(loc))
	case kindNaive:
		return DateOf(t.wall)
	default:
		return Date{}
	}
}

// AsAllDay drops any clock component.
func (t EventTime) AsAllDay() EventTime {
	if t.kind == kindDate || t.kind == kindUnset {
		return t
	}
	var d Date
	if t.kind == kindZoned {
		d = DateOf(t.instant)
	} else {
		d = DateOf(t.wall)
	}
	return AllDayTime(d)
}

// Resolve returns the instant t denotes when the user's zone is loc.
func (t EventTime) Resolve(loc *time.Location) time.Time {
	switch t.kind {
	case kindDate:
		return t.date.In(loc)
	case kindZoned:
		return t.instant
	case kindNaive:
		w := t.wall
		return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), loc)
	default:
		return time.Time{}
	}
}

func (t EventTime) String() string {
	switch t.kind {
	case kindDate:
		return t.date.String()
	case kindZoned:
		return t.instant.Format(time.RFC3339)
	case kindNaive:
		return t.wall.Format(naiveDateTime)
	default:
		return ""
	}
}

// CalendarEvent is one event record as returned by the remote calendar.
type CalendarEvent struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	AllDay      bool

	// RecurrenceRule is stored without the "RRULE:" prefix.
	RecurrenceRule string
	// RecurringEventID points at the series master for an instance.
	RecurringEventID string
	// OriginalStart marks a modified occurrence of a series.
	OriginalStart EventTime
}

// EventDraft is the input for creating an event.
type EventDraft struct {
	Summary     string
	StartTime   string
	EndTime     string
	AllDay      bool
	TimeZoneID  string
	Description string
	Location    string
	// Recurrence holds bare rules such as "FREQ=WEEKLY;COUNT=4".
	Recurrence []string
}

// EventPatch is a sparse update; nil fields are left untouched.
type EventPatch struct {
	Summary     *string
	Description *string
	Location    *string
	StartTime   *string
	EndTime     *string
	AllDay      *bool
	TimeZoneID  *string
	Recurrence  *[]string
}

// IsEmpty reports whether p changes nothing.
func (p EventPatch) IsEmpty() bool {
	return p.Summary == nil && p.Description == nil && p.Location == nil &&
		p.StartTime == nil && p.EndTime == nil && p.AllDay == nil &&
		p.TimeZoneID == nil && p.Recurrence == nil
}
