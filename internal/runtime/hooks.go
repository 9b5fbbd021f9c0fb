package runtime

import (
	"context"

	"github.com/aretw0/dialtone/pkg/domain"
)

// Notify replays the lifecycle hooks described by a stored step.
func Notify(ctx context.Context, hooks domain.LifecycleHooks, def *domain.FlowDefinition, sess *domain.Session, entries []domain.TranscriptEntry) {
	for _, e := range entries {
		switch e.Kind {
		case domain.EntryNodeEnter:
			if hooks.OnNodeEnter == nil {
				continue
			}
			hooks.OnNodeEnter(ctx, domain.NodeEvent{CallID: sess.CallID, FlowID: sess.FlowID, NodeID: e.NodeID, Kind: kindOf(def, e.NodeID), At: e.At})
		case domain.EntryTransition:
			if hooks.OnTransition == nil {
				continue
			}
			forced, _ := e.Data["forced"].(bool)
			guard, _ := e.Data["guard"].(string)
			to, _ := e.Data["target"].(string)
			hooks.OnTransition(ctx, domain.TransitionEvent{CallID: sess.CallID, FlowID: sess.FlowID, From: e.NodeID, To: to, Guard: guard, Forced: forced})
		case domain.EntryNoMatch:
			if hooks.OnNoMatch == nil {
				continue
			}
			hooks.OnNoMatch(ctx, domain.NodeEvent{CallID: sess.CallID, FlowID: sess.FlowID, NodeID: e.NodeID, Kind: kindOf(def, e.NodeID), At: e.At})
		case domain.EntrySessionEnd:
			if hooks.OnSessionEnd == nil {
				continue
			}
			hooks.OnSessionEnd(ctx, domain.SessionEvent{CallID: sess.CallID, FlowID: sess.FlowID, Status: sess.Status, Reason: sess.Reason})
		}
	}
}

func kindOf(def *domain.FlowDefinition, nodeID string) domain.NodeKind {
	if def == nil {
		return ""
	}
	n, _ := def.Node(nodeID)
	return n.Kind
}
