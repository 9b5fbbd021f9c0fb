package domain

import (
	"strings"
	"time"
)

// NodeKind controls what happens when a session enters a node.
type NodeKind string

const (
	// KindPrompt plays a prompt. With a single unconditional transition it advances
	// immediately, otherwise it waits for the caller.
	KindPrompt NodeKind = "prompt"
	// KindCollect plays a prompt and waits for speech or DTMF input.
	KindCollect NodeKind = "collect"
	// KindDecision routes on the session context without talking to the caller.
	KindDecision NodeKind = "decision"
	// KindLLM asks the language model for a reply and an intent.
	KindLLM NodeKind = "llm"
	// KindTerminal ends the call.
	KindTerminal NodeKind = "terminal"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case KindPrompt, KindCollect, KindDecision, KindLLM, KindTerminal:
		return true
	}
	return false
}

// Reserved guard names.
const (
	// GuardDefault matches anything and must be the last transition of a node.
	GuardDefault = "default"
	// GuardTimeout matches the synthetic idle timeout event.
	GuardTimeout = "timeout"
)

// Transition is a guarded edge. Transitions of a node are evaluated in order.
type Transition struct {
	Guard  string `json:"guard"`
	Target string `json:"target"`
}

// IsDefault reports whether the transition matches unconditionally.
func (t Transition) IsDefault() bool {
	return t.Guard == "" || strings.EqualFold(t.Guard, GuardDefault)
}

// Node is one step of a flow.
type Node struct {
	ID     string   `json:"id"`
	Kind   NodeKind `json:"kind"`
	Prompt string   `json:"prompt,omitempty"`
	Voice  string   `json:"voice,omitempty"`

	// Collect configuration.
	Grammar string        `json:"grammar,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`

	// SaveAs stores the recognized text (collect) or model reply (llm) under this context key.
	SaveAs string `json:"save_as,omitempty"`

	// MaxRetries overrides the flow retry bound when positive.
	MaxRetries    int    `json:"max_retries,omitempty"`
	NoMatchPrompt string `json:"no_match_prompt,omitempty"`
	// Fallback is entered when the retry bound is exceeded.
	Fallback string `json:"fallback,omitempty"`
	// OnError is entered when a provider call for this node fails.
	OnError string `json:"on_error,omitempty"`

	// Terminal configuration.
	Outcome    SessionStatus `json:"outcome,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	TransferTo string        `json:"transfer_to,omitempty"`

	Transitions []Transition      `json:"transitions,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AdvancesImmediately reports whether a prompt node moves on without waiting for input.
func (n Node) AdvancesImmediately() bool {
	return n.Kind == KindPrompt && len(n.Transitions) == 1 && n.Transitions[0].IsDefault()
}

// WaitsForInput reports whether entering the node leaves the session waiting for an event.
func (n Node) WaitsForInput() bool {
	return n.Kind == KindCollect || (n.Kind == KindPrompt && !n.AdvancesImmediately())
}

// FlowDefinition is an immutable, versioned graph of nodes.
// Nodes live in an indexed slice; lookups go through the id index.
type FlowDefinition struct {
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	StartNode     string    `json:"start_node"`
	FallbackNode  string    `json:"fallback_node,omitempty"`
	MaxRetries    int       `json:"max_retries,omitempty"`
	NoMatchPrompt string    `json:"no_match_prompt,omitempty"`
	ErrorPrompt   string    `json:"error_prompt,omitempty"`
	Nodes         []Node    `json:"nodes"`
	PublishedAt   time.Time `json:"published_at,omitempty"`

	index map[string]int
}

// Reindex rebuilds the node id index. It must be called before the definition is shared.
func (f *FlowDefinition) Reindex() {
	f.index = make(map[string]int, len(f.Nodes))
	for i, n := range f.Nodes {
		if _, dup := f.index[n.ID]; !dup {
			f.index[n.ID] = i
		}
	}
}

// Node looks up a node by id.
func (f *FlowDefinition) Node(id string) (Node, bool) {
	if f.index != nil {
		i, ok := f.index[id]
		if !ok {
			return Node{}, false
		}
		return f.Nodes[i], true
	}
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Clone returns a deep copy that shares nothing with f.
func (f *FlowDefinition) Clone() *FlowDefinition {
	c := *f
	c.Nodes = make([]Node, len(f.Nodes))
	for i, n := range f.Nodes {
		n.Transitions = append([]Transition(nil), n.Transitions...)
		if n.Metadata != nil {
			md := make(map[string]string, len(n.Metadata))
			for k, v := range n.Metadata {
				md[k] = v
			}
			n.Metadata = md
		}
		c.Nodes[i] = n
	}
	c.Reindex()
	return &c
}

// FlowRef identifies a published flow version.
type FlowRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}
