package domain

import (
	"context"
	"time"
)

// NodeEvent is emitted when a session enters a node.
type NodeEvent struct {
	CallID string
	FlowID string
	NodeID string
	Kind   NodeKind
	At     time.Time
}

// TransitionEvent is emitted when a session leaves a node.
type TransitionEvent struct {
	CallID string
	FlowID string
	From   string
	To     string
	Guard  string
	Forced bool
}

// SessionEvent is emitted when a session reaches a terminal status.
type SessionEvent struct {
	CallID string
	FlowID string
	Status SessionStatus
	Reason string
}

// LifecycleHooks are optional callbacks for observability.
// They run after the step that produced them has been stored.
type LifecycleHooks struct {
	OnNodeEnter  func(context.Context, NodeEvent)
	OnTransition func(context.Context, TransitionEvent)
	OnNoMatch    func(context.Context, NodeEvent)
	OnSessionEnd func(context.Context, SessionEvent)
}

// MergeHooks returns hooks that call each of the given hooks in order.
func MergeHooks(all ...LifecycleHooks) LifecycleHooks {
	var merged LifecycleHooks
	for _, h := range all {
		h := h
		if h.OnNodeEnter != nil {
			prev := merged.OnNodeEnter
			merged.OnNodeEnter = func(ctx context.Context, e NodeEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				h.OnNodeEnter(ctx, e)
			}
		}
		if h.OnTransition != nil {
			prev := merged.OnTransition
			merged.OnTransition = func(ctx context.Context, e TransitionEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				h.OnTransition(ctx, e)
			}
		}
		if h.OnNoMatch != nil {
			prev := merged.OnNoMatch
			merged.OnNoMatch = func(ctx context.Context, e NodeEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				h.OnNoMatch(ctx, e)
			}
		}
		if h.OnSessionEnd != nil {
			prev := merged.OnSessionEnd
			merged.OnSessionEnd = func(ctx context.Context, e SessionEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				h.OnSessionEnd(ctx, e)
			}
		}
	}
	return merged
}
