package domain

import "time"

// Origin identifies who produced a transcript entry.
type Origin string

const (
	OriginCaller   Origin = "caller"
	OriginSystem   Origin = "system"
	OriginProvider Origin = "provider"
)

// EntryKind classifies transcript entries.
type EntryKind string

const (
	EntryNodeEnter  EntryKind = "node_enter"
	EntryTransition EntryKind = "transition"
	EntryInput      EntryKind = "input"
	EntryOutput     EntryKind = "output"
	EntryNoMatch    EntryKind = "no_match"
	EntryError      EntryKind = "error"
	EntrySessionEnd EntryKind = "session_end"
)

// TranscriptEntry is one append-only record of a call.
// Seq is strictly increasing by one per call, starting at 1.
type TranscriptEntry struct {
	ID     string         `json:"id"`
	CallID string         `json:"call_id"`
	Seq    int64          `json:"seq"`
	At     time.Time      `json:"at"`
	Origin Origin         `json:"origin"`
	Kind   EntryKind      `json:"kind"`
	NodeID string         `json:"node_id,omitempty"`
	Text   string         `json:"text,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}
