package remote

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServerError is a non-2xx answer from the calendar API.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return e.Message
}

// ParseError means the server answered 2xx with a body we cannot read.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "could not read server response: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// serverError builds a ServerError from an error body of the form
// {"detail": "..."}; validation errors carry a list of {"msg": "..."}.
func serverError(status int, body []byte) *ServerError {
	msg := detailMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("server error (%d)", status)
	}
	return &ServerError{StatusCode: status, Message: msg}
}

func detailMessage(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
