package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/oklog/ulid/v2"
)

// Context keys written by the machine.
const (
	KeyLastInput  = "last_input"
	KeyLastIntent = "last_intent"
	KeyEscalate   = "escalate"
)

// Gateway is the provider surface the machine calls. *gateway.Gateway satisfies it.
type Gateway interface {
	Recognize(ctx context.Context, audio domain.AudioSegment, grammar string) (domain.RecognitionResult, error)
	Synthesize(ctx context.Context, text string, voice domain.VoiceProfile) (domain.AudioHandle, error)
	Complete(ctx context.Context, req domain.LLMRequest) (domain.LLMResult, error)
}

// Config holds engine-wide defaults. Flow and node settings take precedence.
type Config struct {
	// MaxRetries is the no-match retry bound when neither node nor flow sets one.
	MaxRetries int
	// IdleTimeout is the wait for caller input when a node sets none.
	IdleTimeout time.Duration
	// MaxHops caps node entries within one step.
	MaxHops       int
	NoMatchPrompt string
	ErrorPrompt   string
	Voice         domain.VoiceProfile
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		IdleTimeout:   10 * time.Second,
		MaxHops:       32,
		NoMatchPrompt: "Sorry, I didn't catch that.",
		ErrorPrompt:   "We're sorry, something went wrong. Goodbye.",
	}
}

// Machine executes flow definitions. It is stateless between calls: every
// Start or Handle works on a copy of the session and returns a Step that the
// caller must store before releasing its actions.
type Machine struct {
	gw     Gateway
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Machine.
type Option func(*Machine)

// WithConfig replaces the engine defaults.
func WithConfig(cfg Config) Option {
	return func(m *Machine) {
		m.cfg = cfg
	}
}

// WithLogger configures a logger for the Machine.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// New creates a Machine bound to a provider gateway.
func New(gw Gateway, opts ...Option) *Machine {
	m := &Machine{
		gw:     gw,
		cfg:    DefaultConfig(),
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxHops <= 0 {
		m.cfg.MaxHops = DefaultConfig().MaxHops
	}
	return m
}

// Start creates a session for callID and runs the flow from its start node
// until it waits for the caller or ends.
func (m *Machine) Start(ctx context.Context, def *domain.FlowDefinition, callID string, initial map[string]any) (*Step, error) {
	sess := domain.NewSession(callID, def, m.now().UTC())
	for k, v := range domain.CopyMap(initial) {
		sess.Context[k] = v
	}

	r := m.newRun(ctx, def, sess)
	if err := r.enter(def.StartNode); err != nil {
		return nil, err
	}
	return r.finish(), nil
}

// Handle applies one event to a session. Sessions in a terminal status yield
// domain.ErrSessionClosed. A duplicate start event yields an empty step.
func (m *Machine) Handle(ctx context.Context, def *domain.FlowDefinition, sess *domain.Session, ev domain.Event) (*Step, error) {
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("call %s is %s: %w", sess.CallID, sess.Status, domain.ErrSessionClosed)
	}

	r := m.newRun(ctx, def, sess)
	switch ev.Kind {
	case domain.EventStart:
		m.logger.Debug("duplicate start ignored", "call_id", sess.CallID)
		return r.step, nil
	case domain.EventHangup:
		r.record(domain.OriginCaller, domain.EntryInput, sess.CurrentNode, "", map[string]any{"event": string(ev.Kind)})
		r.end(domain.StatusAbandoned, "caller hung up", false)
	case domain.EventMedia, domain.EventDTMF, domain.EventTimeout:
		if err := r.consume(ev); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return r.finish(), nil
}

func (m *Machine) newRun(ctx context.Context, def *domain.FlowDefinition, sess *domain.Session) *run {
	s := sess.Clone()
	return &run{
		m:    m,
		ctx:  ctx,
		def:  def,
		sess: s,
		step: &Step{Session: s, ExpectedSeq: sess.LastSeq},
	}
}

func (m *Machine) retryBound(def *domain.FlowDefinition, n domain.Node) int {
	switch {
	case n.MaxRetries > 0:
		return n.MaxRetries
	case def.MaxRetries > 0:
		return def.MaxRetries
	default:
		return m.cfg.MaxRetries
	}
}

func (m *Machine) idleTimeout(n domain.Node) time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	return m.cfg.IdleTimeout
}

func newEntryID() string {
	return ulid.Make().String()
}
