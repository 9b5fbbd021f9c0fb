package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/dialtone/internal/runtime"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/dsl"
	"github.com/aretw0/dialtone/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGateway scripts provider results and records synthesized prompts.
type MockGateway struct {
	recognize func(domain.AudioSegment) (domain.RecognitionResult, error)
	complete  func(context.Context, domain.LLMRequest) (domain.LLMResult, error)
	synthErr  error
	spoken    []string
}

func (g *MockGateway) Recognize(_ context.Context, audio domain.AudioSegment, _ string) (domain.RecognitionResult, error) {
	if g.recognize == nil {
		return domain.RecognitionResult{}, nil
	}
	return g.recognize(audio)
}

func (g *MockGateway) Synthesize(_ context.Context, text string, _ domain.VoiceProfile) (domain.AudioHandle, error) {
	if g.synthErr != nil {
		return domain.AudioHandle{}, g.synthErr
	}
	g.spoken = append(g.spoken, text)
	id := fmt.Sprintf("clip-%d", len(g.spoken))
	return domain.AudioHandle{ID: id, URL: "https://media.test/" + id + ".wav", Format: "wav"}, nil
}

func (g *MockGateway) Complete(ctx context.Context, req domain.LLMRequest) (domain.LLMResult, error) {
	if g.complete == nil {
		return domain.LLMResult{}, nil
	}
	return g.complete(ctx, req)
}

// MockSpeech implements the speech and language ports for the real gateway.
type MockSpeech struct {
	complete func(ctx context.Context) (domain.LLMResult, error)
}

func (m *MockSpeech) Name() string { return "mock" }

func (m *MockSpeech) Recognize(context.Context, domain.AudioSegment, string) (domain.RecognitionResult, error) {
	return domain.RecognitionResult{}, nil
}

func (m *MockSpeech) Synthesize(_ context.Context, text string, _ domain.VoiceProfile) (domain.AudioHandle, error) {
	return domain.AudioHandle{ID: "tts", URL: "https://media.test/tts.wav"}, nil
}

func (m *MockSpeech) Complete(ctx context.Context, _ domain.LLMRequest) (domain.LLMResult, error) {
	return m.complete(ctx)
}

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMachine(gw runtime.Gateway, opts ...runtime.Option) *runtime.Machine {
	return runtime.New(gw, append([]runtime.Option{runtime.WithClock(func() time.Time { return clock })}, opts...)...)
}

// greeting is the collect-a-name flow used by most scenarios.
func greeting(t *testing.T) *domain.FlowDefinition {
	t.Helper()
	def, err := greetingBuilder().Build()
	require.NoError(t, err)
	return def
}

func greetingBuilder() *dsl.Builder {
	b := dsl.New("greeting").Version(1).Fallback("failed").Retries(2)
	b.Add("greet").Prompt("Welcome to Dialtone.").Go("collect_name")
	b.Add("collect_name").Collect("What is your name?").
		SaveTo("name").
		Timeout(5*time.Second).
		Branch("has_name", "confirm").
		Go("collect_name")
	b.Add("confirm").Say("Thanks {{.name}}, goodbye.").Terminal(domain.StatusCompleted)
	b.Add("failed").Say("Let me transfer you.").Terminal(domain.StatusFailed)
	return b
}

func media(callID string) domain.Event {
	return domain.Event{
		CallID:  callID,
		Kind:    domain.EventMedia,
		Payload: domain.EventPayload{Audio: &domain.AudioSegment{URL: "https://media.test/in.wav"}},
	}
}

type visit struct {
	kind domain.EntryKind
	node string
}

func visits(entries []domain.TranscriptEntry) []visit {
	var out []visit
	for _, e := range entries {
		if e.Kind == domain.EntryNodeEnter || e.Kind == domain.EntryTransition || e.Kind == domain.EntrySessionEnd {
			out = append(out, visit{e.Kind, e.NodeID})
		}
	}
	return out
}

func actionKinds(actions []domain.Action) []domain.ActionKind {
	var out []domain.ActionKind
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func assertContiguous(t *testing.T, step *runtime.Step) {
	t.Helper()
	require.NoError(t, step.Commit().Validate())
	for i, e := range step.Entries {
		assert.Equal(t, step.ExpectedSeq+int64(i)+1, e.Seq)
		assert.NotEmpty(t, e.ID)
	}
}

func TestMachine_CollectNameCompletes(t *testing.T) {
	gw := &MockGateway{recognize: func(domain.AudioSegment) (domain.RecognitionResult, error) {
		return domain.RecognitionResult{Text: "Alice", Confidence: 0.92, MatchedSlots: map[string]any{"has_name": true}}, nil
	}}
	m := newMachine(gw)
	def := greeting(t)

	start, err := m.Start(context.Background(), def, "call-1", nil)
	require.NoError(t, err)
	assertContiguous(t, start)
	assert.Equal(t, int64(0), start.ExpectedSeq)
	assert.Equal(t, "collect_name", start.Session.CurrentNode)
	assert.Equal(t, domain.StatusActive, start.Session.Status)
	assert.Equal(t, 5*time.Second, start.Wait)
	assert.Equal(t, []domain.ActionKind{domain.ActionPlayAudio, domain.ActionPlayAudio, domain.ActionCollectInput}, actionKinds(start.Actions))

	step, err := m.Handle(context.Background(), def, start.Session, media("call-1"))
	require.NoError(t, err)
	assertContiguous(t, step)
	assert.Equal(t, start.Session.LastSeq, step.ExpectedSeq)

	all := append(append([]domain.TranscriptEntry{}, start.Entries...), step.Entries...)
	assert.Equal(t, []visit{
		{domain.EntryNodeEnter, "greet"},
		{domain.EntryTransition, "greet"},
		{domain.EntryNodeEnter, "collect_name"},
		{domain.EntryTransition, "collect_name"},
		{domain.EntryNodeEnter, "confirm"},
		{domain.EntrySessionEnd, "confirm"},
	}, visits(all))

	final := step.Session
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "Alice", final.Context["name"])
	assert.Equal(t, "Alice", final.Context[runtime.KeyLastInput])
	assert.Equal(t, []string{"Welcome to Dialtone.", "What is your name?", "Thanks Alice, goodbye."}, gw.spoken)
	assert.Equal(t, domain.ActionEndCall, step.Actions[len(step.Actions)-1].Kind)
	assert.Zero(t, step.Wait)

	// the input snapshot is untouched
	assert.Equal(t, "collect_name", start.Session.CurrentNode)
	assert.Equal(t, domain.StatusActive, start.Session.Status)
}

func TestMachine_NoMatchRepromptsThenFallsBack(t *testing.T) {
	gw := &MockGateway{recognize: func(domain.AudioSegment) (domain.RecognitionResult, error) {
		return domain.RecognitionResult{Text: "mumble", Confidence: 0.2}, nil
	}}
	m := newMachine(gw)
	def := greeting(t)

	step, err := m.Start(context.Background(), def, "call-2", nil)
	require.NoError(t, err)
	sess := step.Session

	for i := 1; i <= 2; i++ {
		step, err = m.Handle(context.Background(), def, sess, media("call-2"))
		require.NoError(t, err)
		assertContiguous(t, step)
		sess = step.Session

		assert.Equal(t, domain.StatusActive, sess.Status)
		assert.Equal(t, "collect_name", sess.CurrentNode)
		assert.Equal(t, i, sess.Retries)
		assert.Equal(t, []domain.ActionKind{domain.ActionPlayAudio, domain.ActionPlayAudio, domain.ActionCollectInput}, actionKinds(step.Actions))
		assert.Equal(t, "Sorry, I didn't catch that.", step.Actions[0].Text)
	}

	step, err = m.Handle(context.Background(), def, sess, media("call-2"))
	require.NoError(t, err)
	assertContiguous(t, step)

	var noMatch, forced *domain.TranscriptEntry
	for i := range step.Entries {
		e := &step.Entries[i]
		switch {
		case e.Kind == domain.EntryNoMatch:
			noMatch = e
		case e.Kind == domain.EntryTransition && e.Data["forced"] == true:
			forced = e
		}
	}
	require.NotNil(t, noMatch)
	assert.Equal(t, true, noMatch.Data["exceeded"])
	assert.Equal(t, 3, noMatch.Data["attempt"])
	require.NotNil(t, forced)
	assert.Equal(t, "failed", forced.Data["target"])

	assert.Equal(t, domain.StatusFailed, step.Session.Status)
	assert.Equal(t, "failed", step.Session.CurrentNode)
	assert.Equal(t, 0, step.Session.Retries)
}

func TestMachine_ClosedSessionRejectsEvents(t *testing.T) {
	m := newMachine(&MockGateway{})
	def := greeting(t)
	sess := domain.NewSession("call-3", def, clock)
	sess.Status = domain.StatusCompleted
	sess.LastSeq = 9

	for _, kind := range []domain.EventKind{domain.EventMedia, domain.EventDTMF, domain.EventTimeout, domain.EventHangup, domain.EventStart} {
		step, err := m.Handle(context.Background(), def, sess, domain.Event{CallID: "call-3", Kind: kind})
		assert.ErrorIs(t, err, domain.ErrSessionClosed, kind)
		assert.Nil(t, step)
	}
	assert.Equal(t, int64(9), sess.LastSeq)
}

func TestMachine_LLMTimeoutTakesErrorRoute(t *testing.T) {
	speech := &MockSpeech{complete: func(ctx context.Context) (domain.LLMResult, error) {
		select {
		case <-time.After(time.Second):
			return domain.LLMResult{Text: "too late"}, nil
		case <-ctx.Done():
			return domain.LLMResult{}, ctx.Err()
		}
	}}
	gw := gateway.New(speech, speech, speech, gateway.WithDeadlines(gateway.Deadlines{
		Recognize:  time.Second,
		Synthesize: time.Second,
		Complete:   20 * time.Millisecond,
	}))

	b := dsl.New("assistant")
	b.Add("assist").LLM("Help the caller with {{.topic}}.").
		Error("human").
		Branch("billing", "done").
		Go("done")
	b.Add("done").Terminal(domain.StatusCompleted)
	b.Add("human").Say("Connecting you to an agent.").TransferTo("sip:agents@pbx.test").Terminal(domain.StatusCompleted).Reason("escalated")
	def, err := b.Build()
	require.NoError(t, err)

	m := newMachine(gw)
	begin := time.Now()
	step, err := m.Start(context.Background(), def, "call-4", map[string]any{"topic": "billing"})
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assertContiguous(t, step)

	var failure *domain.TranscriptEntry
	for i := range step.Entries {
		if step.Entries[i].Kind == domain.EntryError {
			failure = &step.Entries[i]
		}
	}
	require.NotNil(t, failure)
	assert.Equal(t, domain.OriginProvider, failure.Origin)
	assert.Equal(t, domain.ErrProviderTimeout.Error(), failure.Data["kind"])
	assert.Equal(t, string(domain.CapabilityComplete), failure.Data["capability"])

	assert.Equal(t, domain.StatusCompleted, step.Session.Status)
	assert.Equal(t, "human", step.Session.CurrentNode)
	assert.Equal(t, "escalated", step.Session.Reason)
	assert.Equal(t, []domain.ActionKind{domain.ActionPlayAudio, domain.ActionTransfer, domain.ActionEndCall}, actionKinds(step.Actions))
	assert.Equal(t, "sip:agents@pbx.test", step.Actions[1].Target)
}

func TestMachine_LLMRoutesOnIntent(t *testing.T) {
	gw := &MockGateway{complete: func(_ context.Context, req domain.LLMRequest) (domain.LLMResult, error) {
		assert.Equal(t, "I want to pay my bill", req.Input)
		assert.Equal(t, "Classify: I want to pay my bill", req.Prompt)
		return domain.LLMResult{Text: "Sure, let's pay that.", Intent: "payment", Slots: map[string]any{"amount": "42"}}, nil
	}}

	b := dsl.New("assistant")
	b.Add("ask").Collect("How can I help?").Go("classify")
	b.Add("classify").LLM("Classify: {{.last_input}}").
		SaveTo("reply").
		Branch("balance", "balance").
		Branch("payment", "payment").
		Go("unknown")
	b.Add("balance").Terminal(domain.StatusCompleted)
	b.Add("payment").Say("Paying {{.amount}}.").Terminal(domain.StatusCompleted)
	b.Add("unknown").Terminal(domain.StatusFailed)
	def, err := b.Build()
	require.NoError(t, err)

	m := newMachine(gw)
	start, err := m.Start(context.Background(), def, "call-5", nil)
	require.NoError(t, err)

	ev := domain.Event{CallID: "call-5", Kind: domain.EventMedia, Payload: domain.EventPayload{Text: "I want to pay my bill"}}
	step, err := m.Handle(context.Background(), def, start.Session, ev)
	require.NoError(t, err)

	assert.Equal(t, "payment", step.Session.CurrentNode)
	assert.Equal(t, domain.StatusCompleted, step.Session.Status)
	assert.Equal(t, "payment", step.Session.Context[runtime.KeyLastIntent])
	assert.Equal(t, "Sure, let's pay that.", step.Session.Context["reply"])
	assert.Contains(t, gw.spoken, "Paying 42.")
}

func TestMachine_LLMReplyIsSpokenVerbatim(t *testing.T) {
	const reply = "Sure, your PIN is {{.pin}}."
	gw := &MockGateway{complete: func(context.Context, domain.LLMRequest) (domain.LLMResult, error) {
		return domain.LLMResult{Text: reply, Intent: "done"}, nil
	}}

	b := dsl.New("assistant")
	b.Add("ask").Collect("How can I help?").Go("answer")
	b.Add("answer").LLM("Answer: {{.last_input}}").Branch("done", "bye").Go("bye")
	b.Add("bye").Terminal(domain.StatusCompleted)
	def, err := b.Build()
	require.NoError(t, err)

	m := newMachine(gw)
	start, err := m.Start(context.Background(), def, "call-pin", map[string]any{"pin": "4711"})
	require.NoError(t, err)

	ev := domain.Event{CallID: "call-pin", Kind: domain.EventMedia, Payload: domain.EventPayload{Text: "what is my pin"}}
	step, err := m.Handle(context.Background(), def, start.Session, ev)
	require.NoError(t, err)

	assert.Contains(t, gw.spoken, reply)
	for _, text := range gw.spoken {
		assert.NotContains(t, text, "4711")
	}

	var played []string
	for _, a := range step.Actions {
		if a.Kind == domain.ActionPlayAudio {
			played = append(played, a.Text)
		}
	}
	assert.Equal(t, []string{reply}, played)

	var outputs []string
	for _, e := range step.Entries {
		if e.Kind == domain.EntryOutput && e.NodeID == "answer" {
			outputs = append(outputs, e.Text)
		}
	}
	// The provider entry and the playback entry carry the same text.
	assert.Equal(t, []string{reply, reply}, outputs)
}

func TestMachine_DecisionRoutesOnContext(t *testing.T) {
	b := dsl.New("routing")
	b.Add("route").Decision().
		Branch("tier=gold", "vip").
		Branch("returning", "welcome_back").
		Go("standard")
	b.Add("vip").Terminal(domain.StatusCompleted).Reason("vip")
	b.Add("welcome_back").Terminal(domain.StatusCompleted).Reason("returning")
	b.Add("standard").Terminal(domain.StatusCompleted).Reason("standard")
	def, err := b.Build()
	require.NoError(t, err)

	tests := []struct {
		name    string
		initial map[string]any
		reason  string
	}{
		{"Key Value", map[string]any{"tier": "Gold"}, "vip"},
		{"Truthy Slot", map[string]any{"returning": true}, "returning"},
		{"Falsy Slot", map[string]any{"returning": "no"}, "standard"},
		{"Empty", nil, "standard"},
	}
	m := newMachine(&MockGateway{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := m.Start(context.Background(), def, "call-d", tt.initial)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, step.Session.Reason)
		})
	}
}

func TestMachine_DecisionWithoutMatchFallsBack(t *testing.T) {
	b := dsl.New("routing").Fallback("oops")
	b.Add("route").Decision().Branch("vip", "done")
	b.Add("done").Terminal(domain.StatusCompleted)
	b.Add("oops").Terminal(domain.StatusFailed)
	def, err := b.Build()
	require.NoError(t, err)

	step, err := newMachine(&MockGateway{}).Start(context.Background(), def, "call-d", nil)
	require.NoError(t, err)
	assert.Equal(t, "oops", step.Session.CurrentNode)
	assert.Equal(t, domain.StatusFailed, step.Session.Status)
}

func TestMachine_TimeoutGuard(t *testing.T) {
	b := dsl.New("menu").Fallback("bye")
	b.Add("menu").Collect("Press 1 for sales.").
		Branch("1", "sales").
		Branch("timeout", "bye").
		Go("menu")
	b.Add("sales").Terminal(domain.StatusCompleted)
	b.Add("bye").Terminal(domain.StatusAbandoned).Reason("no input")
	def, err := b.Build()
	require.NoError(t, err)

	m := newMachine(&MockGateway{})
	start, err := m.Start(context.Background(), def, "call-t", nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, start.Wait)

	step, err := m.Handle(context.Background(), def, start.Session, domain.Event{CallID: "call-t", Kind: domain.EventTimeout})
	require.NoError(t, err)
	assert.Equal(t, domain.OriginSystem, step.Entries[0].Origin)
	assert.Equal(t, domain.StatusAbandoned, step.Session.Status)
	assert.Equal(t, "no input", step.Session.Reason)

	step, err = m.Handle(context.Background(), def, start.Session, domain.Event{
		CallID: "call-t", Kind: domain.EventDTMF, Payload: domain.EventPayload{Digits: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sales", step.Session.CurrentNode)
}

func TestMachine_TimeoutWithoutGuardIsNoMatch(t *testing.T) {
	m := newMachine(&MockGateway{})
	def := greeting(t)
	start, err := m.Start(context.Background(), def, "call-t", nil)
	require.NoError(t, err)

	step, err := m.Handle(context.Background(), def, start.Session, domain.Event{CallID: "call-t", Kind: domain.EventTimeout})
	require.NoError(t, err)
	assert.Equal(t, 1, step.Session.Retries)
	assert.Equal(t, "collect_name", step.Session.CurrentNode)
}

func TestMachine_HangupAbandons(t *testing.T) {
	m := newMachine(&MockGateway{})
	def := greeting(t)
	start, err := m.Start(context.Background(), def, "call-h", nil)
	require.NoError(t, err)

	step, err := m.Handle(context.Background(), def, start.Session, domain.Event{CallID: "call-h", Kind: domain.EventHangup})
	require.NoError(t, err)
	assertContiguous(t, step)
	assert.Equal(t, domain.StatusAbandoned, step.Session.Status)
	assert.Empty(t, step.Actions)
	assert.Equal(t, domain.OriginCaller, step.Entries[0].Origin)
	assert.Equal(t, domain.EntrySessionEnd, step.Entries[len(step.Entries)-1].Kind)
}

func TestMachine_DuplicateStartIsEmpty(t *testing.T) {
	m := newMachine(&MockGateway{})
	def := greeting(t)
	start, err := m.Start(context.Background(), def, "call-s", nil)
	require.NoError(t, err)

	step, err := m.Handle(context.Background(), def, start.Session, domain.Event{CallID: "call-s", Kind: domain.EventStart})
	require.NoError(t, err)
	assert.True(t, step.Empty())
	assert.Empty(t, step.Actions)
}

func TestMachine_RecognitionFailureTakesFallback(t *testing.T) {
	gw := &MockGateway{recognize: func(domain.AudioSegment) (domain.RecognitionResult, error) {
		return domain.RecognitionResult{}, &domain.ProviderFailure{
			Capability: domain.CapabilityRecognize, Provider: "mock", Kind: domain.ErrProviderUnavailable, Attempts: 3,
			Err: errors.New("connection refused"),
		}
	}}
	m := newMachine(gw)
	def := greeting(t)
	start, err := m.Start(context.Background(), def, "call-r", nil)
	require.NoError(t, err)

	step, err := m.Handle(context.Background(), def, start.Session, media("call-r"))
	require.NoError(t, err)
	assert.Equal(t, "failed", step.Session.CurrentNode)
	assert.Equal(t, domain.StatusFailed, step.Session.Status)
	assert.Equal(t, domain.EntryError, step.Entries[0].Kind)
	assert.Equal(t, 3, step.Entries[0].Data["attempts"])
}

func TestMachine_SynthesisFailureApologizes(t *testing.T) {
	gw := &MockGateway{synthErr: &domain.ProviderFailure{
		Capability: domain.CapabilitySynthesize, Provider: "mock", Kind: domain.ErrProviderError, Attempts: 1,
		Err: errors.New("bad voice"),
	}}
	b := dsl.New("f")
	b.Add("hello").Prompt("Hi").Go("done")
	b.Add("done").Terminal(domain.StatusCompleted)
	def, err := b.Build()
	require.NoError(t, err)

	step, err := newMachine(gw).Start(context.Background(), def, "call-x", nil)
	require.NoError(t, err)
	assertContiguous(t, step)
	assert.Equal(t, domain.StatusFailed, step.Session.Status)
	require.NotEmpty(t, step.Actions)
	assert.Equal(t, "We're sorry, something went wrong. Goodbye.", step.Actions[0].Text)
	assert.Nil(t, step.Actions[0].Audio)
}

func TestMachine_CanceledContextDiscardsStep(t *testing.T) {
	gw := &MockGateway{recognize: func(domain.AudioSegment) (domain.RecognitionResult, error) {
		return domain.RecognitionResult{}, fmt.Errorf("recognize: %w", context.Canceled)
	}}
	m := newMachine(gw)
	def := greeting(t)
	start, err := m.Start(context.Background(), def, "call-c", nil)
	require.NoError(t, err)

	step, err := m.Handle(context.Background(), def, start.Session, media("call-c"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, step)
}

func TestMachine_HopLimit(t *testing.T) {
	b := dsl.New("loop")
	b.Add("a").Prompt("ping").Go("b")
	b.Add("b").Prompt("pong").Go("a")
	def, err := b.Build()
	require.NoError(t, err)

	cfg := runtime.DefaultConfig()
	cfg.MaxHops = 5
	step, err := newMachine(&MockGateway{}, runtime.WithConfig(cfg)).Start(context.Background(), def, "call-l", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, step.Session.Status)
	assert.Equal(t, "hop limit exceeded", step.Session.Reason)
}

func TestMachine_NodeRetryBoundWins(t *testing.T) {
	b := dsl.New("f").Retries(5).Fallback("out")
	b.Add("ask").Collect("Yes or no?").Retries(1).Branch("yes", "out").Go("ask")
	b.Add("out").Terminal(domain.StatusCompleted)
	def, err := b.Build()
	require.NoError(t, err)

	m := newMachine(&MockGateway{})
	step, err := m.Start(context.Background(), def, "call-n", nil)
	require.NoError(t, err)

	ev := domain.Event{CallID: "call-n", Kind: domain.EventMedia, Payload: domain.EventPayload{Text: "maybe"}}
	step, err = m.Handle(context.Background(), def, step.Session, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, step.Session.Status)

	step, err = m.Handle(context.Background(), def, step.Session, ev)
	require.NoError(t, err)
	assert.Equal(t, "out", step.Session.CurrentNode)
}
