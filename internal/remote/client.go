package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/recurrence"
)

const maxBodyBytes = 8 << 20

// ErrResponseTooLarge is returned when a response body exceeds the read limit.
var ErrResponseTooLarge = errors.New("response too large")

// DeleteMode selects what a delete removes for a recurring event.
type DeleteMode string

const (
	// DeleteDefault removes the whole series when id is a series master.
	DeleteDefault      DeleteMode = "default"
	DeleteInstanceOnly DeleteMode = "instance_only"
)

// ParseDeleteMode maps a query value to a DeleteMode; empty means default.
func ParseDeleteMode(s string) (DeleteMode, error) {
	switch DeleteMode(s) {
	case "", DeleteDefault:
		return DeleteDefault, nil
	case DeleteInstanceOnly:
		return DeleteInstanceOnly, nil
	}
	return "", fmt.Errorf("unknown delete mode %q", s)
}

// UpdateMode selects how far a change to a recurring event reaches.
type UpdateMode string

const (
	UpdateSingleInstance UpdateMode = "single_instance"
	UpdateAllInSeries    UpdateMode = "all_in_series"
)

// ParseUpdateMode maps a query value to an UpdateMode; empty means
// single_instance.
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch UpdateMode(s) {
	case "", UpdateSingleInstance:
		return UpdateSingleInstance, nil
	case UpdateAllInSeries:
		return UpdateAllInSeries, nil
	}
	return "", fmt.Errorf("unknown update mode %q", s)
}

// Client talks to the remote calendar API. Every call takes the bearer token
// explicitly; acquiring it is the caller's job.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for baseURL, e.g. "https://cal.example.com/api".
func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// EventsInRange fetches every event in r (both ends inclusive). An empty 2xx
// body means no events.
func (c *Client) EventsInRange(ctx context.Context, token string, r model.DateRange) ([]model.CalendarEvent, error) {
	q := url.Values{}
	q.Set("startDate", r.Start.String())
	q.Set("endDate", r.End.String())

	body, err := c.do(ctx, http.MethodGet, "/calendar/events/range", q, token, nil)
	if err != nil {
		return nil, err
	}
	return ParseEvents(body)
}

// CreateEvent posts draft and returns the new event id when the server
// reports one.
func (c *Client) CreateEvent(ctx context.Context, token string, draft model.EventDraft) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/calendar/events", nil, token, CreatePayload(draft))
	if err != nil {
		return "", err
	}
	var out struct {
		ID      string `json:"id"`
		EventID string `json:"eventId"`
	}
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &out) == nil {
		if out.EventID != "" {
			return out.EventID, nil
		}
		return out.ID, nil
	}
	return "", nil
}

// UpdateEvent applies a sparse patch. The returned id is authoritative; it
// differs from id when the server had to split a series. An empty string
// means the server did not say.
func (c *Client) UpdateEvent(ctx context.Context, token, id string, patch model.EventPatch, mode UpdateMode) (string, error) {
	q := url.Values{}
	q.Set("update_mode", string(mode))

	body, err := c.do(ctx, http.MethodPatch, "/calendar/events/"+url.PathEscape(id), q, token, PatchPayload(patch))
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	var out struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &ParseError{Err: err}
	}
	return out.EventID, nil
}

// DeleteEvent removes id; with DeleteInstanceOnly only that occurrence.
func (c *Client) DeleteEvent(ctx context.Context, token, id string, mode DeleteMode) error {
	q := url.Values{}
	q.Set("mode", string(mode))
	_, err := c.do(ctx, http.MethodDelete, "/calendar/events/"+url.PathEscape(id), q, token, nil)
	return err
}

// CreatePayload builds the POST body. timeZoneId is only sent for timed
// events and recurrence only when rules are given.
func CreatePayload(d model.EventDraft) map[string]any {
	p := map[string]any{
		"summary":   strings.TrimSpace(d.Summary),
		"startTime": strings.TrimSpace(d.StartTime),
		"endTime":   strings.TrimSpace(d.EndTime),
		"isAllDay":  d.AllDay,
	}
	if !d.AllDay && d.TimeZoneID != "" {
		p["timeZoneId"] = d.TimeZoneID
	}
	if d.Description != "" {
		p["description"] = d.Description
	}
	if d.Location != "" {
		p["location"] = d.Location
	}
	if rules := prefixedRules(d.Recurrence); len(rules) > 0 {
		p["recurrence"] = rules
	}
	return p
}

// PatchPayload builds the PATCH body from the non-nil fields of p.
func PatchPayload(p model.EventPatch) map[string]any {
	out := map[string]any{}
	if p.Summary != nil {
		out["summary"] = *p.Summary
	}
	if p.Description != nil {
		out["description"] = *p.Description
	}
	if p.Location != nil {
		out["location"] = *p.Location
	}
	if p.StartTime != nil {
		out["startTime"] = *p.StartTime
	}
	if p.EndTime != nil {
		out["endTime"] = *p.EndTime
	}
	if p.AllDay != nil {
		out["isAllDay"] = *p.AllDay
	}
	if p.TimeZoneID != nil {
		out["timeZoneId"] = *p.TimeZoneID
	}
	if p.Recurrence != nil {
		// An explicit empty list clears the series rule.
		out["recurrence"] = prefixedRules(*p.Recurrence)
	}
	return out
}

func prefixedRules(rules []string) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if recurrence.Strip(r) == "" {
			continue
		}
		out = append(out, recurrence.WithPrefix(r))
	}
	return out
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, payload any) ([]byte, error) {
	if c.baseURL == "" {
		return nil, errors.New("remote calendar base URL is not configured")
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		appLog.Error("calendar api request failed", err, "method", method, "path", path, "request_id", requestID)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		appLog.Warn("calendar api response too large", "method", method, "path", path, "limit", maxBodyBytes, "request_id", requestID)
		return nil, fmt.Errorf("%w (over %d bytes)", ErrResponseTooLarge, maxBodyBytes)
	}

	appLog.Debug("calendar api response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(body),
		"elapsed", time.Since(started).Round(time.Millisecond),
		"request_id", requestID,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, serverError(resp.StatusCode, body)
	}
	return body, nil
}
