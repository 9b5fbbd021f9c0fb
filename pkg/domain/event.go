package domain

import "time"

// EventKind classifies inbound call events.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventMedia   EventKind = "media"
	EventDTMF    EventKind = "dtmf"
	EventHangup  EventKind = "hangup"
	EventTimeout EventKind = "timeout"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventStart, EventMedia, EventDTMF, EventHangup, EventTimeout:
		return true
	}
	return false
}

// Event is an inbound stimulus for one call.
// FlowID and FlowVersion are only consulted when the call has no session yet.
type Event struct {
	CallID      string         `json:"call_id"`
	Kind        EventKind      `json:"kind"`
	FlowID      string         `json:"flow_id,omitempty"`
	FlowVersion int            `json:"flow_version,omitempty"`
	Payload     EventPayload   `json:"payload,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	ReceivedAt  time.Time      `json:"received_at,omitempty"`
}

// EventPayload carries the caller input of media and dtmf events.
// Text is a transcript produced upstream; when set, recognition is skipped.
type EventPayload struct {
	Audio  *AudioSegment  `json:"audio,omitempty"`
	Digits string         `json:"digits,omitempty"`
	Text   string         `json:"text,omitempty"`
	Slots  map[string]any `json:"slots,omitempty"`
}
