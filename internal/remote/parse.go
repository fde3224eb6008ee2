package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/recurrence"
)

var errNotAList = errors.New("top-level payload is not a list")

// wireEvent mirrors one record of the range response.
type wireEvent struct {
	ID                string          `json:"id"`
	Summary           string          `json:"summary"`
	Description       string          `json:"description"`
	Location          string          `json:"location"`
	StartTime         string          `json:"startTime"`
	EndTime           string          `json:"endTime"`
	IsAllDay          bool            `json:"isAllDay"`
	RecurringEventID  string          `json:"recurringEventId"`
	OriginalStartTime string          `json:"originalStartTime"`
	Recurrence        json.RawMessage `json:"recurrence"`
}

// ParseEvents decodes a range response. The payload must be a JSON array;
// anything else, including a literal null, is a *ParseError. Individual records that are malformed or
// lack an id or start time are logged and skipped.
func ParseEvents(body []byte) ([]model.CalendarEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, &ParseError{Err: err}
	}
	if records == nil {
		return nil, &ParseError{Err: errNotAList}
	}

	events := make([]model.CalendarEvent, 0, len(records))
	for i, raw := range records {
		ev, err := parseRecord(raw)
		if err != nil {
			appLog.Warn("skipping calendar record", "index", i, "reason", err)
			continue
		}
		events = append(events, ev)
	}

	if skipped := len(records) - len(events); skipped > 0 {
		appLog.Info("calendar records parsed", "kept", len(events), "skipped", skipped)
	}
	return events, nil
}

func parseRecord(raw json.RawMessage) (model.CalendarEvent, error) {
	var out model.CalendarEvent

	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return out, err
	}
	if w.ID == "" {
		return out, errors.New("missing id")
	}
	if w.StartTime == "" {
		return out, errors.New("missing startTime")
	}

	start, err := model.ParseEventTime(w.StartTime)
	if err != nil {
		return out, err
	}

	end := start
	if w.EndTime != "" {
		if parsed, err := model.ParseEventTime(w.EndTime); err == nil {
			end = parsed
		} else {
			appLog.Warn("bad endTime; using startTime", "id", w.ID, "reason", err)
		}
	}

	allDay := w.IsAllDay || start.IsAllDay()
	if allDay {
		start = start.AsAllDay()
		end = end.AsAllDay()
	}

	out = model.CalendarEvent{
		ID:               w.ID,
		Summary:          w.Summary,
		Description:      w.Description,
		Location:         w.Location,
		Start:            start,
		End:              end,
		AllDay:           allDay,
		RecurrenceRule:   firstRule(w.Recurrence),
		RecurringEventID: w.RecurringEventID,
	}

	if w.OriginalStartTime != "" {
		if t, err := model.ParseEventTime(w.OriginalStartTime); err == nil {
			out.OriginalStart = t
		}
	}
	return out, nil
}

// firstRule accepts either "RRULE:..." or ["RRULE:...", ...] and returns
// the bare rule.
func firstRule(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return recurrence.Strip(one)
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return ""
	}
	// EXDATE/RDATE lines may precede the rule.
	for _, r := range many {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(r)), "RRULE:") {
			return recurrence.Strip(r)
		}
	}
	for _, r := range many {
		if s := recurrence.Strip(r); s != "" {
			return s
		}
	}
	return ""
}
