package domain

import "time"

// SessionStatus is the lifecycle status of a call session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether no further event may change the session.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Session is the persisted state of one call.
// LastSeq is the sequence number of the newest transcript entry of the call.
type Session struct {
	CallID      string         `json:"call_id"`
	FlowID      string         `json:"flow_id"`
	FlowVersion int            `json:"flow_version"`
	CurrentNode string         `json:"current_node"`
	Context     map[string]any `json:"context"`
	Status      SessionStatus  `json:"status"`
	Retries     int            `json:"retries"`
	LastSeq     int64          `json:"last_seq"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewSession creates an active session positioned at the start node of def.
func NewSession(callID string, def *FlowDefinition, now time.Time) *Session {
	return &Session{
		CallID:      callID,
		FlowID:      def.ID,
		FlowVersion: def.Version,
		CurrentNode: def.StartNode,
		Context:     make(map[string]any),
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone deep-copies the session, including nested context values.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Context = CopyMap(s.Context)
	return &c
}

// CopyMap deep-copies maps and slices produced by JSON-like decoding.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = copyValue(item)
		}
		return s
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
