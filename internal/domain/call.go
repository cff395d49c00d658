package domain

import "strings"

// CallStatus is the provider's lifecycle status for a call leg.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusAnswered   CallStatus = "answered"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusFailed     CallStatus = "failed"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusCanceled   CallStatus = "canceled"
)

// ParseCallStatus normalizes a raw status string. Unknown values are
// returned as-is so callers can acknowledge and ignore them.
func ParseCallStatus(raw string) CallStatus {
	return CallStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// IsAnswered reports whether the status marks the call as billable.
func (s CallStatus) IsAnswered() bool {
	return s == StatusAnswered || s == StatusInProgress
}

// IsTerminal reports whether the call will not progress any further.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// IsPreAnswer reports statuses that precede an answer and carry no billing action.
func (s CallStatus) IsPreAnswer() bool {
	return s == StatusQueued || s == StatusInitiated || s == StatusRinging
}

// CallEvent is a single lifecycle notification delivered by the provider.
type CallEvent struct {
	CallID          string
	ParentCallID    string
	Status          CallStatus
	DurationSeconds int
	From            string
	To              string

	// Caller and RatePerMinute are carried on the status callback URL when
	// the call is dialed. Either may be empty/zero.
	Caller        string
	RatePerMinute int64
}

// PrimaryID returns the identifier of the logical call: the parent leg when
// the provider split the call, otherwise the event's own call id.
func (e CallEvent) PrimaryID() string {
	if e.ParentCallID != "" {
		return e.ParentCallID
	}
	return e.CallID
}

// CallMetadata is the subset of provider call details the engine consumes.
type CallMetadata struct {
	From string
	To   string
}
