package domain

import "time"

// ActionKind classifies outbound instructions for the telephony layer.
type ActionKind string

const (
	ActionPlayAudio    ActionKind = "play_audio"
	ActionCollectInput ActionKind = "collect_input"
	ActionEndCall      ActionKind = "end_call"
	ActionTransfer     ActionKind = "transfer"
)

// Action is returned to the caller of the dispatcher after the step that produced it is stored.
type Action struct {
	Kind    ActionKind    `json:"kind"`
	NodeID  string        `json:"node_id,omitempty"`
	Text    string        `json:"text,omitempty"`
	Audio   *AudioHandle  `json:"audio,omitempty"`
	Grammar string        `json:"grammar,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Target  string        `json:"target,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}
