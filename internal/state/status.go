package state

import "encoding/json"

// Phase is the tag shared by NetworkStatus and Result.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseSuccess
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// NetworkStatus is Idle, Loading or Error(message). Only Error carries a
// message.
type NetworkStatus struct {
	phase   Phase
	message string
}

func StatusIdle() NetworkStatus { return NetworkStatus{phase: PhaseIdle} }
func StatusLoading() NetworkStatus { return NetworkStatus{phase: PhaseLoading} }

func StatusError(msg string) NetworkStatus {
	if msg == "" {
		msg = "unknown error"
	}
	return NetworkStatus{phase: PhaseError, message: msg}
}

func (s NetworkStatus) Phase() Phase { return s.phase }
func (s NetworkStatus) IsIdle() bool { return s.phase == PhaseIdle }
func (s NetworkStatus) IsLoading() bool { return s.phase == PhaseLoading }
func (s NetworkStatus) IsError() bool { return s.phase == PhaseError }
func (s NetworkStatus) Message() string { return s.message }

func (s NetworkStatus) String() string {
	if s.phase == PhaseError {
		return "error: " + s.message
	}
	return s.phase.String()
}

func (s NetworkStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State   Phase  `json:"state"`
		Message string `json:"message,omitempty"`
	}{s.phase, s.message})
}
