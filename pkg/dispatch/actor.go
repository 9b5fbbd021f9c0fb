package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/dialtone/internal/runtime"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/oklog/ulid/v2"
)

type request struct {
	ev    domain.Event
	reply chan reply

	// armedAt is the LastSeq a timer-driven event was armed at. The event is
	// dropped if the session has moved since.
	armedAt int64
}

type reply struct {
	res Result
	err error
}

// actor owns one call. Only its goroutine touches the fields below mu.
type actor struct {
	d      *Dispatcher
	callID string
	inbox  chan *request

	mu     sync.Mutex
	cancel context.CancelFunc

	wait    *time.Timer
	waitC   <-chan time.Time
	waitSeq int64
}

func newActor(d *Dispatcher, callID string) *actor {
	return &actor{
		d:      d,
		callID: callID,
		inbox:  make(chan *request, d.cfg.MailboxSize+1),
	}
}

// interrupt cancels the step in flight, if any.
func (a *actor) interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *actor) run() {
	defer a.d.wg.Done()
	defer a.disarm()

	idle := time.NewTimer(a.d.cfg.IdleTTL)
	defer idle.Stop()

	for {
		select {
		case req := <-a.inbox:
			// The armed timer survives events that commit nothing. A commit
			// re-arms it and a stale one is dropped by its seq.
			res, err := a.process(req)
			req.reply <- reply{res: res, err: err}
			if res.Status.Terminal() || errors.Is(err, domain.ErrSessionClosed) || errors.Is(err, domain.ErrNotFound) {
				if a.d.retire(a) {
					return
				}
			}

		case <-a.waitC:
			a.waitC = nil
			req := &request{
				ev:      domain.Event{CallID: a.callID, Kind: domain.EventTimeout, ReceivedAt: a.d.now().UTC()},
				reply:   make(chan reply, 1),
				armedAt: a.waitSeq,
			}
			res, err := a.process(req)
			if err != nil {
				a.d.logger.Warn("idle timeout failed", "call_id", a.callID, "err", err)
			}
			if res.Status.Terminal() && a.d.retire(a) {
				return
			}

		case <-idle.C:
			if a.waitC == nil && a.d.retire(a) {
				return
			}

		case <-a.d.root.Done():
			a.drain()
			return
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(a.d.cfg.IdleTTL)
	}
}

// drain fails queued requests on shutdown.
func (a *actor) drain() {
	a.d.mu.Lock()
	if a.d.actors[a.callID] == a {
		delete(a.d.actors, a.callID)
	}
	a.d.mu.Unlock()
	for {
		select {
		case req := <-a.inbox:
			req.reply <- reply{err: ErrClosed}
		default:
			return
		}
	}
}

func (a *actor) arm(wait time.Duration, seq int64) {
	a.disarm()
	a.wait = time.NewTimer(wait)
	a.waitC = a.wait.C
	a.waitSeq = seq
}

func (a *actor) disarm() {
	if a.wait != nil {
		a.wait.Stop()
	}
	a.wait = nil
	a.waitC = nil
}

// process runs one event under the optional distributed lock. A failed commit
// is re-delivered once from a fresh snapshot; a second failure fails the session.
func (a *actor) process(req *request) (Result, error) {
	ctx := a.d.root
	started := a.d.now()

	if a.d.locker != nil {
		unlock, err := a.d.locker.Lock(ctx, a.callID, a.d.cfg.LockTTL)
		if err != nil {
			return Result{}, fmt.Errorf("lock call %s: %w", a.callID, err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				a.d.logger.Warn("failed to release distributed lock (will expire via TTL)", "call_id", a.callID, "err", err)
			}
		}()
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res, done, err := a.attempt(ctx, req, started)
		if done {
			return res, err
		}
		lastErr = err
		a.d.logger.Warn("commit failed", "call_id", a.callID, "attempt", attempt, "err", err)
	}

	a.fail(ctx, lastErr)
	return Result{CallID: a.callID, Status: domain.StatusFailed}, fmt.Errorf("call %s: store write failed twice: %w", a.callID, lastErr)
}

// attempt computes and commits one step. done is false only when the commit
// itself failed and the event may be re-delivered.
func (a *actor) attempt(ctx context.Context, req *request, started time.Time) (res Result, done bool, err error) {
	stepCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel()
	}()

	def, step, err := a.compute(stepCtx, req)
	if err != nil {
		if stepCtx.Err() != nil && ctx.Err() == nil {
			return Result{}, true, fmt.Errorf("call %s: step interrupted by hangup: %w", a.callID, context.Canceled)
		}
		return Result{}, true, err
	}
	if step == nil {
		return Result{CallID: a.callID}, true, nil
	}
	if step.Empty() {
		return Result{CallID: a.callID, Status: step.Session.Status, Seq: step.Session.LastSeq}, true, nil
	}
	// A step computed after cancellation is never applied.
	if stepCtx.Err() != nil {
		return Result{}, true, fmt.Errorf("call %s: step interrupted by hangup: %w", a.callID, context.Canceled)
	}

	if err := a.d.store.Commit(ctx, step.Commit()); err != nil {
		if ctx.Err() != nil {
			return Result{}, true, ErrClosed
		}
		if errors.Is(err, domain.ErrSessionClosed) {
			return Result{}, true, err
		}
		return Result{}, false, err
	}

	sess := step.Session
	if step.Wait > 0 && !sess.Status.Terminal() {
		a.arm(step.Wait, sess.LastSeq)
	}
	a.d.notify(ctx, def, CommitEvent{
		Session: sess,
		Event:   req.ev,
		Entries: step.Entries,
		Actions: step.Actions,
		Elapsed: a.d.now().Sub(started),
	})
	a.d.logger.Debug("step committed", "call_id", a.callID, "event", string(req.ev.Kind),
		"node_id", sess.CurrentNode, "seq", sess.LastSeq, "status", string(sess.Status))

	return Result{CallID: a.callID, Status: sess.Status, Seq: sess.LastSeq, Actions: step.Actions}, true, nil
}

// compute loads the session, or creates it, and applies the event.
// A nil step means the event was dropped.
func (a *actor) compute(ctx context.Context, req *request) (*domain.FlowDefinition, *runtime.Step, error) {
	ev := req.ev
	sess, err := a.d.store.GetSession(ctx, a.callID)
	switch {
	case errors.Is(err, domain.ErrNotFound) && req.armedAt > 0:
		return nil, nil, nil
	case errors.Is(err, domain.ErrNotFound):
		return a.create(ctx, ev)
	case err != nil:
		return nil, nil, fmt.Errorf("load call %s: %w", a.callID, err)
	}

	if req.armedAt > 0 && (sess.LastSeq != req.armedAt || sess.Status.Terminal()) {
		a.d.logger.Debug("stale idle timeout dropped", "call_id", a.callID, "seq", sess.LastSeq)
		return nil, nil, nil
	}

	def, err := a.d.flows.Get(ctx, sess.FlowID, sess.FlowVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("flow %s v%d of call %s: %w", sess.FlowID, sess.FlowVersion, a.callID, err)
	}
	step, err := a.d.engine.Handle(ctx, def, sess, ev)
	return def, step, err
}

// create starts a session for an unknown call. Events other than start are
// applied right after the start node ran.
func (a *actor) create(ctx context.Context, ev domain.Event) (*domain.FlowDefinition, *runtime.Step, error) {
	flowID := ev.FlowID
	if flowID == "" {
		flowID = a.d.cfg.DefaultFlow
	}
	if flowID == "" {
		return nil, nil, fmt.Errorf("call %s has no session and names no flow: %w", a.callID, domain.ErrNotFound)
	}
	if ev.Kind == domain.EventHangup {
		return nil, nil, fmt.Errorf("hangup for unknown call %s: %w", a.callID, domain.ErrNotFound)
	}
	def, err := a.d.flows.Get(ctx, flowID, ev.FlowVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("flow %s of call %s: %w", flowID, a.callID, err)
	}

	step, err := a.d.engine.Start(ctx, def, a.callID, ev.Context)
	if err != nil {
		return nil, nil, err
	}
	a.d.logger.Info("session started", "call_id", a.callID, "flow_id", def.ID, "version", def.Version)
	if ev.Kind == domain.EventStart || step.Session.Status.Terminal() {
		return def, step, nil
	}

	next, err := a.d.engine.Handle(ctx, def, step.Session, ev)
	if err != nil {
		return nil, nil, err
	}
	return def, chain(step, next), nil
}

// chain merges two consecutive steps into one commit.
func chain(first, second *runtime.Step) *runtime.Step {
	return &runtime.Step{
		Session:     second.Session,
		ExpectedSeq: first.ExpectedSeq,
		Entries:     append(append([]domain.TranscriptEntry{}, first.Entries...), second.Entries...),
		Actions:     append(append([]domain.Action{}, first.Actions...), second.Actions...),
		Wait:        second.Wait,
	}
}

// fail marks the stored session failed after repeated store errors. Best effort.
func (a *actor) fail(ctx context.Context, cause error) {
	sess, err := a.d.store.GetSession(ctx, a.callID)
	if err != nil || sess.Status.Terminal() {
		if err != nil {
			a.d.logger.Error("cannot mark session failed", "call_id", a.callID, "err", err)
		}
		return
	}

	now := a.d.now().UTC()
	expected := sess.LastSeq
	reason := "store write failed: " + cause.Error()
	entries := []domain.TranscriptEntry{
		{ID: ulid.Make().String(), CallID: a.callID, Seq: expected + 1, At: now, Origin: domain.OriginSystem,
			Kind: domain.EntryError, NodeID: sess.CurrentNode, Text: cause.Error(), Data: map[string]any{"kind": "store"}},
		{ID: ulid.Make().String(), CallID: a.callID, Seq: expected + 2, At: now, Origin: domain.OriginSystem,
			Kind: domain.EntrySessionEnd, NodeID: sess.CurrentNode, Text: reason, Data: map[string]any{"status": string(domain.StatusFailed)}},
	}
	sess.Status = domain.StatusFailed
	sess.Reason = reason
	sess.LastSeq = expected + int64(len(entries))
	sess.UpdatedAt = now

	step := &runtime.Step{Session: sess, ExpectedSeq: expected, Entries: entries}
	if err := a.d.store.Commit(ctx, step.Commit()); err != nil {
		a.d.logger.Error("cannot mark session failed", "call_id", a.callID, "err", err)
		return
	}
	a.d.logger.Warn("session failed after store errors", "call_id", a.callID, "err", cause)
	a.d.notify(ctx, nil, CommitEvent{Session: sess, Entries: entries})
}
