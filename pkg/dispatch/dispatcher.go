package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/internal/runtime"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

// ErrClosed is returned once the dispatcher has been shut down.
var ErrClosed = errors.New("dispatcher closed")

// FlowSource resolves flow definitions. *flow.Store satisfies it.
type FlowSource interface {
	Get(ctx context.Context, id string, version int) (*domain.FlowDefinition, error)
}

// Engine computes steps. *runtime.Machine satisfies it.
type Engine interface {
	Start(ctx context.Context, def *domain.FlowDefinition, callID string, initial map[string]any) (*runtime.Step, error)
	Handle(ctx context.Context, def *domain.FlowDefinition, sess *domain.Session, ev domain.Event) (*runtime.Step, error)
}

// Result is what the caller-side media layer receives for one event.
type Result struct {
	CallID  string               `json:"call_id"`
	Status  domain.SessionStatus `json:"status"`
	Seq     int64                `json:"seq"`
	Actions []domain.Action      `json:"actions"`
}

// CommitEvent describes a stored step.
type CommitEvent struct {
	Session *domain.Session
	Event   domain.Event
	Entries []domain.TranscriptEntry
	Actions []domain.Action
	Elapsed time.Duration
}

// CommitObserver is called after every successful commit, in commit order per call.
// Actions of timer-driven steps only reach the media layer this way.
type CommitObserver func(ctx context.Context, ev CommitEvent)

// Config tunes the dispatcher.
type Config struct {
	// MailboxSize bounds the events queued behind the one in flight.
	MailboxSize int `yaml:"mailbox_size"`
	// IdleTTL retires an actor with no events and no armed timer.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// LockTTL bounds the distributed lock held per event.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// DefaultFlow starts unknown calls that name no flow.
	DefaultFlow string `yaml:"default_flow"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MailboxSize: 16,
		IdleTTL:     2 * time.Minute,
		LockTTL:     30 * time.Second,
	}
}

// Dispatcher routes events to one actor goroutine per call id. Events of a
// call are handled one at a time in arrival order; calls run in parallel.
type Dispatcher struct {
	engine Engine
	flows  FlowSource
	store  ports.SessionStore

	cfg       Config
	locker    ports.DistributedLocker
	hooks     domain.LifecycleHooks
	observers []CommitObserver
	logger    *slog.Logger
	now       func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithConfig replaces the defaults.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// WithLocker serializes each event across replicas as well.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(d *Dispatcher) {
		d.locker = locker
	}
}

// WithHooks registers lifecycle hooks, replayed from committed entries.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(d *Dispatcher) {
		d.hooks = hooks
	}
}

// WithObserver adds a commit observer.
func WithObserver(o CommitObserver) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, o)
	}
}

// WithLogger configures a logger for the Dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a Dispatcher.
func New(engine Engine, flows FlowSource, store ports.SessionStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine: engine,
		flows:  flows,
		store:  store,
		cfg:    DefaultConfig(),
		logger: logging.NewNop(),
		now:    time.Now,
		actors: make(map[string]*actor),
	}
	for _, opt := range opts {
		opt(d)
	}
	def := DefaultConfig()
	if d.cfg.MailboxSize <= 0 {
		d.cfg.MailboxSize = def.MailboxSize
	}
	if d.cfg.IdleTTL <= 0 {
		d.cfg.IdleTTL = def.IdleTTL
	}
	if d.cfg.LockTTL <= 0 {
		d.cfg.LockTTL = def.LockTTL
	}
	d.root, d.cancel = context.WithCancel(context.Background())
	return d
}

// Dispatch delivers ev to the actor owning its call and waits for the result.
// A full mailbox yields domain.ErrSessionBusy. A hangup cancels the step in
// flight for the call before it is queued.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) (Result, error) {
	if ev.CallID == "" {
		return Result{}, fmt.Errorf("event without call_id: %w", domain.ErrValidation)
	}
	if !ev.Kind.Valid() {
		return Result{}, fmt.Errorf("unknown event kind %q: %w", ev.Kind, domain.ErrValidation)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.now().UTC()
	}

	req := &request{ev: ev, reply: make(chan reply, 1)}
	if err := d.enqueue(req); err != nil {
		return Result{}, err
	}

	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// DispatchAsync queues ev and returns without waiting. Events queued by one
// goroutine keep their order. done runs on its own goroutine once the event
// was processed, or with ctx.Err() if ctx ends first.
func (d *Dispatcher) DispatchAsync(ctx context.Context, ev domain.Event, done func(Result, error)) error {
	if ev.CallID == "" {
		return fmt.Errorf("event without call_id: %w", domain.ErrValidation)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q: %w", ev.Kind, domain.ErrValidation)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.now().UTC()
	}

	req := &request{ev: ev, reply: make(chan reply, 1)}
	if err := d.enqueue(req); err != nil {
		return err
	}
	go func() {
		select {
		case r := <-req.reply:
			done(r.res, r.err)
		case <-ctx.Done():
			done(Result{}, ctx.Err())
		}
	}()
	return nil
}

func (d *Dispatcher) enqueue(req *request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	a, ok := d.actors[req.ev.CallID]
	if !ok {
		a = newActor(d, req.ev.CallID)
		d.actors[req.ev.CallID] = a
		d.wg.Add(1)
		go a.run()
	}

	// Hangups get one reserved slot so a busy call can still be abandoned.
	limit := d.cfg.MailboxSize
	if req.ev.Kind == domain.EventHangup {
		a.interrupt()
		limit++
	}
	if len(a.inbox) >= limit {
		return fmt.Errorf("call %s has %d queued events: %w", req.ev.CallID, len(a.inbox), domain.ErrSessionBusy)
	}
	a.inbox <- req
	return nil
}

// retire removes a if nothing is queued for it. Senders hold d.mu, so an
// empty inbox observed here stays empty.
func (d *Dispatcher) retire(a *actor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(a.inbox) > 0 {
		return false
	}
	if d.actors[a.callID] == a {
		delete(d.actors, a.callID)
	}
	return true
}

// Active returns the number of live actors.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actors)
}

// Close stops accepting events, cancels steps in flight and waits for actors to exit.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) notify(ctx context.Context, def *domain.FlowDefinition, ev CommitEvent) {
	runtime.Notify(ctx, d.hooks, def, ev.Session, ev.Entries)
	for _, o := range d.observers {
		o(ctx, ev)
	}
}
