package dsl

import (
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
)

// NodeBuilder provides a fluent API for configuring a node.
type NodeBuilder struct {
	node    domain.Node
	builder *Builder
}

// Prompt marks the node as a prompt playing text.
func (n *NodeBuilder) Prompt(text string) *NodeBuilder {
	n.node.Kind = domain.KindPrompt
	n.node.Prompt = text
	return n
}

// Collect marks the node as collecting caller input after playing text (optional).
func (n *NodeBuilder) Collect(text string) *NodeBuilder {
	n.node.Kind = domain.KindCollect
	n.node.Prompt = text
	return n
}

// Decision marks the node as routing on the session context.
func (n *NodeBuilder) Decision() *NodeBuilder {
	n.node.Kind = domain.KindDecision
	return n
}

// LLM marks the node as a language model turn driven by prompt.
func (n *NodeBuilder) LLM(prompt string) *NodeBuilder {
	n.node.Kind = domain.KindLLM
	n.node.Prompt = prompt
	return n
}

// Terminal marks the node as ending the call with the given outcome.
func (n *NodeBuilder) Terminal(outcome domain.SessionStatus) *NodeBuilder {
	n.node.Kind = domain.KindTerminal
	n.node.Outcome = outcome
	n.node.Transitions = nil
	return n
}

// Say sets the prompt text without changing the kind.
func (n *NodeBuilder) Say(text string) *NodeBuilder {
	n.node.Prompt = text
	return n
}

// Go adds the default transition to the target node.
func (n *NodeBuilder) Go(target string) *NodeBuilder {
	n.node.Transitions = append(n.node.Transitions, domain.Transition{
		Guard:  domain.GuardDefault,
		Target: target,
	})
	return n
}

// Branch adds a guarded transition to the target node.
func (n *NodeBuilder) Branch(guard string, target string) *NodeBuilder {
	n.node.Transitions = append(n.node.Transitions, domain.Transition{
		Guard:  guard,
		Target: target,
	})
	return n
}

// Error sets the target node for provider failures.
func (n *NodeBuilder) Error(target string) *NodeBuilder {
	n.node.OnError = target
	return n
}

// Fallback sets the target node once no-match retries are exhausted.
func (n *NodeBuilder) Fallback(target string) *NodeBuilder {
	n.node.Fallback = target
	return n
}

// Retries sets the node retry bound.
func (n *NodeBuilder) Retries(max int) *NodeBuilder {
	n.node.MaxRetries = max
	return n
}

// NoMatch sets the prompt played before a re-prompt.
func (n *NodeBuilder) NoMatch(prompt string) *NodeBuilder {
	n.node.NoMatchPrompt = prompt
	return n
}

// Timeout sets the idle timeout of a waiting node.
func (n *NodeBuilder) Timeout(d time.Duration) *NodeBuilder {
	n.node.Timeout = d
	return n
}

// Grammar sets the recognition hint.
func (n *NodeBuilder) Grammar(g string) *NodeBuilder {
	n.node.Grammar = g
	return n
}

// SaveTo stores the recognized text (or model reply) under key.
func (n *NodeBuilder) SaveTo(key string) *NodeBuilder {
	n.node.SaveAs = key
	return n
}

// Voice selects the synthesized voice.
func (n *NodeBuilder) Voice(v string) *NodeBuilder {
	n.node.Voice = v
	return n
}

// Reason sets the terminal reason.
func (n *NodeBuilder) Reason(reason string) *NodeBuilder {
	n.node.Reason = reason
	return n
}

// TransferTo makes a terminal node hand the call to target.
func (n *NodeBuilder) TransferTo(target string) *NodeBuilder {
	n.node.TransferTo = target
	return n
}

// Meta adds a metadata entry.
func (n *NodeBuilder) Meta(key, value string) *NodeBuilder {
	if n.node.Metadata == nil {
		n.node.Metadata = make(map[string]string)
	}
	n.node.Metadata[key] = value
	return n
}

// Build returns the underlying domain.Node.
func (n *NodeBuilder) Build() domain.Node {
	return n.node
}
