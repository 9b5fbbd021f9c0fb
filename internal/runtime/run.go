package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/dialtone/pkg/domain"
)

// run accumulates one step. It owns a private copy of the session.
type run struct {
	m    *Machine
	ctx  context.Context
	def  *domain.FlowDefinition
	sess *domain.Session
	step *Step

	hops    int
	failing bool
}

func (r *run) finish() *Step {
	r.sess.UpdatedAt = r.m.now().UTC()
	return r.step
}

func (r *run) record(origin domain.Origin, kind domain.EntryKind, nodeID, text string, data map[string]any) {
	r.sess.LastSeq++
	r.step.Entries = append(r.step.Entries, domain.TranscriptEntry{
		ID:     newEntryID(),
		CallID: r.sess.CallID,
		Seq:    r.sess.LastSeq,
		At:     r.m.now().UTC(),
		Origin: origin,
		Kind:   kind,
		NodeID: nodeID,
		Text:   text,
		Data:   data,
	})
}

func (r *run) act(a domain.Action) {
	r.step.Actions = append(r.step.Actions, a)
}

// enter runs nodes starting at id until the session waits for input or ends.
func (r *run) enter(id string) error {
	for {
		r.hops++
		if r.hops > r.m.cfg.MaxHops {
			r.record(domain.OriginSystem, domain.EntryError, id, "hop limit exceeded",
				map[string]any{"max_hops": r.m.cfg.MaxHops})
			r.m.logger.Warn("hop limit exceeded", "call_id", r.sess.CallID, "flow_id", r.def.ID, "node_id", id)
			r.abort(id, errors.New("hop limit exceeded"))
			return nil
		}

		node, ok := r.def.Node(id)
		if !ok {
			return fmt.Errorf("flow %s v%d has no node %q", r.def.ID, r.def.Version, id)
		}
		r.sess.CurrentNode = id
		r.record(domain.OriginSystem, domain.EntryNodeEnter, id, "", map[string]any{"kind": string(node.Kind)})

		var (
			next string
			err  error
		)
		switch node.Kind {
		case domain.KindPrompt:
			next, err = r.enterPrompt(node)
		case domain.KindCollect:
			next, err = r.enterCollect(node)
		case domain.KindDecision:
			next = r.enterDecision(node)
		case domain.KindLLM:
			next, err = r.enterLLM(node)
		case domain.KindTerminal:
			r.enterTerminal(node)
		default:
			return fmt.Errorf("node %q has unknown kind %q", node.ID, node.Kind)
		}
		if err != nil || next == "" {
			return err
		}
		id = next
	}
}

func (r *run) enterPrompt(node domain.Node) (string, error) {
	if err := r.say(node, node.Prompt); err != nil {
		return r.failover(node, err)
	}
	if node.AdvancesImmediately() {
		t := node.Transitions[0]
		r.transition(node.ID, t)
		return t.Target, nil
	}
	r.await(node)
	return "", nil
}

func (r *run) enterCollect(node domain.Node) (string, error) {
	if err := r.say(node, node.Prompt); err != nil {
		return r.failover(node, err)
	}
	r.await(node)
	return "", nil
}

func (r *run) enterDecision(node domain.Node) string {
	t, ok := Match(node.Transitions, Input{Slots: r.sess.Context})
	if !ok {
		r.record(domain.OriginSystem, domain.EntryNoMatch, node.ID, "",
			map[string]any{"exceeded": true, "reason": "no guard matched the context"})
		return r.fallback(node, domain.ErrNoMatchExceeded)
	}
	r.transition(node.ID, t)
	return t.Target
}

func (r *run) enterLLM(node domain.Node) (string, error) {
	req := domain.LLMRequest{
		NodeID:  node.ID,
		Prompt:  r.render(node.Prompt),
		Input:   stringOf(r.sess.Context[KeyLastInput]),
		Context: domain.CopyMap(r.sess.Context),
	}
	res, err := r.m.gw.Complete(r.ctx, req)
	if err != nil {
		return r.failover(node, err)
	}

	data := map[string]any{}
	if res.Intent != "" {
		data["intent"] = res.Intent
	}
	if len(res.Slots) > 0 {
		data["slots"] = domain.CopyMap(res.Slots)
	}
	if res.Escalate {
		data["escalate"] = true
	}
	r.record(domain.OriginProvider, domain.EntryOutput, node.ID, res.Text, data)

	for k, v := range res.Slots {
		r.sess.Context[k] = v
	}
	if res.Intent != "" {
		r.sess.Context[KeyLastIntent] = res.Intent
	}
	if res.Escalate {
		r.sess.Context[KeyEscalate] = true
	}
	if node.SaveAs != "" && res.Text != "" {
		r.sess.Context[node.SaveAs] = res.Text
	}

	if res.Text != "" {
		if err := r.speak(node, res.Text); err != nil {
			return r.failover(node, err)
		}
	}

	t, ok := Match(node.Transitions, Input{Intent: res.Intent, Slots: r.sess.Context})
	if !ok {
		r.record(domain.OriginSystem, domain.EntryNoMatch, node.ID, "",
			map[string]any{"exceeded": true, "intent": res.Intent})
		return r.fallback(node, domain.ErrNoMatchExceeded), nil
	}
	r.transition(node.ID, t)
	return t.Target, nil
}

func (r *run) enterTerminal(node domain.Node) {
	r.sayOrText(node, node.Prompt)
	if node.TransferTo != "" {
		r.act(domain.Action{Kind: domain.ActionTransfer, NodeID: node.ID, Target: r.render(node.TransferTo)})
	}

	status := node.Outcome
	if status == "" {
		status = domain.StatusCompleted
	}
	reason := node.Reason
	if reason == "" {
		reason = node.ID
	}
	r.end(status, reason, true)
}

// consume turns caller input into a transition on the waiting node.
func (r *run) consume(ev domain.Event) error {
	node, ok := r.def.Node(r.sess.CurrentNode)
	if !ok {
		return fmt.Errorf("flow %s v%d has no node %q", r.def.ID, r.def.Version, r.sess.CurrentNode)
	}

	var in Input
	switch ev.Kind {
	case domain.EventTimeout:
		in = Input{Timeout: true}
		r.record(domain.OriginSystem, domain.EntryInput, node.ID, "", map[string]any{"event": string(ev.Kind)})

	case domain.EventDTMF:
		in = Input{Text: ev.Payload.Digits, Slots: ev.Payload.Slots}
		r.record(domain.OriginCaller, domain.EntryInput, node.ID, in.Text, in.data(ev.Kind, node.SaveAs))

	case domain.EventMedia:
		if ev.Payload.Audio != nil && ev.Payload.Text == "" {
			res, err := r.m.gw.Recognize(r.ctx, *ev.Payload.Audio, node.Grammar)
			if err != nil {
				next, ferr := r.failover(node, err)
				if ferr != nil || next == "" {
					return ferr
				}
				return r.enter(next)
			}
			in = Input{Text: res.Text, Intent: res.Intent, Slots: res.MatchedSlots, Confidence: res.Confidence}
		} else {
			in = Input{Text: ev.Payload.Text, Slots: ev.Payload.Slots}
		}
		r.record(domain.OriginCaller, domain.EntryInput, node.ID, in.Text, in.data(ev.Kind, node.SaveAs))
	}

	r.absorb(node, in)

	t, ok := Match(node.Transitions, in)
	if !ok || (t.IsDefault() && t.Target == node.ID) {
		return r.noMatch(node)
	}
	r.transition(node.ID, t)
	return r.enter(t.Target)
}

func (r *run) absorb(node domain.Node, in Input) {
	for k, v := range in.Slots {
		r.sess.Context[k] = v
	}
	if in.Text != "" {
		r.sess.Context[KeyLastInput] = in.Text
		if node.SaveAs != "" {
			r.sess.Context[node.SaveAs] = in.Text
		}
	}
	if in.Intent != "" {
		r.sess.Context[KeyLastIntent] = in.Intent
	}
}

// noMatch re-prompts the node until its retry bound is exceeded, then forces
// the fallback route.
func (r *run) noMatch(node domain.Node) error {
	r.sess.Retries++
	bound := r.m.retryBound(r.def, node)
	exceeded := r.sess.Retries > bound
	r.record(domain.OriginSystem, domain.EntryNoMatch, node.ID, "", map[string]any{
		"attempt":     r.sess.Retries,
		"max_retries": bound,
		"exceeded":    exceeded,
	})

	if !exceeded {
		if err := r.say(node, r.noMatchPrompt(node)); err != nil {
			next, ferr := r.failover(node, err)
			if ferr != nil || next == "" {
				return ferr
			}
			return r.enter(next)
		}
		return r.enter(node.ID)
	}

	next := r.fallback(node, domain.ErrNoMatchExceeded)
	if next == "" {
		return nil
	}
	return r.enter(next)
}

// failover maps a provider failure to the node's error route, the flow
// fallback, or an apology and a failed session. A canceled context is
// returned as an error so the step is discarded.
func (r *run) failover(node domain.Node, err error) (string, error) {
	if errors.Is(err, context.Canceled) {
		return "", err
	}
	r.recordFailure(node.ID, err)

	if r.failing {
		r.abort(node.ID, err)
		return "", nil
	}
	r.failing = true

	target := node.OnError
	if target == "" {
		target = r.def.FallbackNode
	}
	if target == "" || target == node.ID {
		r.abort(node.ID, err)
		return "", nil
	}
	r.force(node.ID, target, err)
	return target, nil
}

// fallback forces the node's fallback route or ends the session as failed.
func (r *run) fallback(node domain.Node, cause error) string {
	target := node.Fallback
	if target == "" {
		target = r.def.FallbackNode
	}
	if target == "" || target == node.ID {
		r.abort(node.ID, cause)
		return ""
	}
	r.force(node.ID, target, cause)
	return target
}

func (r *run) recordFailure(nodeID string, err error) {
	data := map[string]any{"kind": "internal"}
	var pf *domain.ProviderFailure
	if errors.As(err, &pf) {
		data["capability"] = string(pf.Capability)
		data["provider"] = pf.Provider
		data["kind"] = pf.Kind.Error()
		data["attempts"] = pf.Attempts
	}
	r.record(domain.OriginProvider, domain.EntryError, nodeID, err.Error(), data)
	r.m.logger.Warn("provider failure", "call_id", r.sess.CallID, "node_id", nodeID, "err", err)
}

func (r *run) transition(from string, t domain.Transition) {
	r.sess.Retries = 0
	guard := t.Guard
	if t.IsDefault() {
		guard = domain.GuardDefault
	}
	r.record(domain.OriginSystem, domain.EntryTransition, from, from+" -> "+t.Target,
		map[string]any{"guard": guard, "target": t.Target})
}

func (r *run) force(from, to string, cause error) {
	r.sess.Retries = 0
	r.record(domain.OriginSystem, domain.EntryTransition, from, from+" -> "+to,
		map[string]any{"target": to, "forced": true, "reason": cause.Error()})
}

func (r *run) await(node domain.Node) {
	wait := r.m.idleTimeout(node)
	r.act(domain.Action{
		Kind:    domain.ActionCollectInput,
		NodeID:  node.ID,
		Grammar: node.Grammar,
		Timeout: wait,
	})
	r.step.Wait = wait
}

// abort apologizes and fails the session.
func (r *run) abort(nodeID string, cause error) {
	prompt := r.def.ErrorPrompt
	if prompt == "" {
		prompt = r.m.cfg.ErrorPrompt
	}
	r.sayOrText(domain.Node{ID: nodeID}, prompt)
	r.end(domain.StatusFailed, cause.Error(), true)
}

func (r *run) end(status domain.SessionStatus, reason string, hangUp bool) {
	r.sess.Status = status
	r.sess.Reason = reason
	r.sess.Retries = 0
	r.record(domain.OriginSystem, domain.EntrySessionEnd, r.sess.CurrentNode, reason,
		map[string]any{"status": string(status)})
	if hangUp {
		r.act(domain.Action{Kind: domain.ActionEndCall, NodeID: r.sess.CurrentNode, Reason: reason})
	}
	r.step.Wait = 0
}

// say renders flow-authored text against the session context and speaks it.
func (r *run) say(node domain.Node, text string) error {
	return r.speak(node, r.render(text))
}

// speak synthesizes text as is and queues it for playback. Provider output
// goes through here so it is never executed as a template.
func (r *run) speak(node domain.Node, text string) error {
	if text == "" {
		return nil
	}
	audio, err := r.m.gw.Synthesize(r.ctx, text, r.voice(node))
	if err != nil {
		return err
	}
	r.record(domain.OriginSystem, domain.EntryOutput, node.ID, text,
		map[string]any{"audio_id": audio.ID, "audio_url": audio.URL})
	r.act(domain.Action{Kind: domain.ActionPlayAudio, NodeID: node.ID, Text: text, Audio: &audio})
	return nil
}

// sayOrText falls back to a text-only play action when synthesis fails.
func (r *run) sayOrText(node domain.Node, text string) {
	err := r.say(node, text)
	if err == nil {
		return
	}
	if !errors.Is(err, context.Canceled) {
		r.recordFailure(node.ID, err)
	}
	r.act(domain.Action{Kind: domain.ActionPlayAudio, NodeID: node.ID, Text: r.render(text)})
}

func (r *run) noMatchPrompt(node domain.Node) string {
	switch {
	case node.NoMatchPrompt != "":
		return node.NoMatchPrompt
	case r.def.NoMatchPrompt != "":
		return r.def.NoMatchPrompt
	default:
		return r.m.cfg.NoMatchPrompt
	}
}

func (r *run) voice(node domain.Node) domain.VoiceProfile {
	v := r.m.cfg.Voice
	if node.Voice != "" {
		v.Voice = node.Voice
	}
	return v
}
