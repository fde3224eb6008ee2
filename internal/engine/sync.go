package engine

import (
	"context"
	"fmt"
	"time"

	"calsync/internal/model"
	"calsync/internal/settings"
	"calsync/internal/store"
)

// saveEvents replaces the store's contents for span with events. The
// timezone is read now, not when the fetch started.
func (e *Engine) saveEvents(ctx context.Context, events []model.CalendarEvent, span model.DateRange) error {
	loc := settings.Location(e.settings)
	startMs, endMs := spanMillis(span, loc)

	rows := make([]store.EventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, toRow(ev, loc))
	}

	if err := e.store.ClearAndInsertEventsForRange(ctx, startMs, endMs, rows); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalSync, err)
	}
	return nil
}

// spanMillis is [start midnight, day after end midnight) in loc.
func spanMillis(span model.DateRange, loc *time.Location) (int64, int64) {
	return span.Start.In(loc).UnixMilli(), span.End.AddDays(1).In(loc).UnixMilli()
}

func toRow(ev model.CalendarEvent, loc *time.Location) store.EventRow {
	start, end := ev.Start.Resolve(loc), ev.End.Resolve(loc)
	if ev.AllDay {
		// All-day rows cover whole days of loc, even if a clock time slipped in.
		start = ev.Start.Date(loc).In(loc)
		end = ev.End.Date(loc).In(loc)
	}

	row := store.EventRow{
		ID:               ev.ID,
		Summary:          ev.Summary,
		Description:      ev.Description,
		Location:         ev.Location,
		StartMs:          start.UnixMilli(),
		EndMs:            end.UnixMilli(),
		AllDay:           ev.AllDay,
		TimeZoneID:       loc.String(),
		RecurrenceRule:   ev.RecurrenceRule,
		RecurringEventID: ev.RecurringEventID,
	}
	if !ev.OriginalStart.IsZero() {
		row.OriginalStartMs = ev.OriginalStart.Resolve(loc).UnixMilli()
	}
	return row
}

// WatchDay streams the stored events of day, re-emitting after every store
// write, until ctx is done.
func (e *Engine) WatchDay(ctx context.Context, day model.Date) <-chan []store.EventRow {
	startMs, endMs := spanMillis(model.DateRange{Start: day, End: day}, settings.Location(e.settings))
	return e.store.WatchRange(ctx, startMs, endMs)
}
