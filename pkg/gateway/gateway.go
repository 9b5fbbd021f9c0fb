package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

// Outcome labels reported to an Observer.
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeCanceled    = "canceled"
)

// Observer receives one report per gateway call, after retries.
type Observer interface {
	ObserveProviderCall(capability domain.Capability, provider, outcome string, attempts int, elapsed time.Duration)
}

// Deadlines are applied when the caller's context carries no earlier deadline.
type Deadlines struct {
	Recognize  time.Duration `yaml:"recognize"`
	Synthesize time.Duration `yaml:"synthesize"`
	Complete   time.Duration `yaml:"complete"`
}

// DefaultDeadlines returns conservative per-capability deadlines.
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Recognize:  5 * time.Second,
		Synthesize: 5 * time.Second,
		Complete:   8 * time.Second,
	}
}

// Gateway gives the state machine one uniform contract over the speech and
// language providers. It enforces deadlines itself, so a provider that ignores
// its context still yields ErrProviderTimeout on time, and it absorbs
// ErrProviderUnavailable with bounded exponential backoff.
type Gateway struct {
	asr ports.Recognizer
	tts ports.Synthesizer
	llm ports.LanguageModel

	retry     RetryPolicy
	deadlines Deadlines
	observer  Observer
	logger    *slog.Logger
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithRetryPolicy sets the retry policy for unavailable providers.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(g *Gateway) {
		g.retry = p
	}
}

// WithDeadlines sets the default per-capability deadlines.
func WithDeadlines(d Deadlines) Option {
	return func(g *Gateway) {
		g.deadlines = d
	}
}

// WithObserver reports every call to o.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observer = o
	}
}

// WithLogger configures a logger for the Gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a Gateway. Any provider may be nil; calls to a missing
// capability fail with ErrProviderError.
func New(asr ports.Recognizer, tts ports.Synthesizer, llm ports.LanguageModel, opts ...Option) *Gateway {
	g := &Gateway{
		asr:       asr,
		tts:       tts,
		llm:       llm,
		retry:     DefaultRetryPolicy(),
		deadlines: DefaultDeadlines(),
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Recognize transcribes caller audio.
func (g *Gateway) Recognize(ctx context.Context, audio domain.AudioSegment, grammar string) (domain.RecognitionResult, error) {
	if g.asr == nil {
		return domain.RecognitionResult{}, missing(domain.CapabilityRecognize)
	}
	return call(ctx, g, domain.CapabilityRecognize, g.asr.Name(), g.deadlines.Recognize,
		func(ctx context.Context) (domain.RecognitionResult, error) {
			return g.asr.Recognize(ctx, audio, grammar)
		})
}

// Synthesize renders prompt text to audio.
func (g *Gateway) Synthesize(ctx context.Context, text string, voice domain.VoiceProfile) (domain.AudioHandle, error) {
	if g.tts == nil {
		return domain.AudioHandle{}, missing(domain.CapabilitySynthesize)
	}
	return call(ctx, g, domain.CapabilitySynthesize, g.tts.Name(), g.deadlines.Synthesize,
		func(ctx context.Context) (domain.AudioHandle, error) {
			return g.tts.Synthesize(ctx, text, voice)
		})
}

// Complete asks the language model for a reply.
func (g *Gateway) Complete(ctx context.Context, req domain.LLMRequest) (domain.LLMResult, error) {
	if g.llm == nil {
		return domain.LLMResult{}, missing(domain.CapabilityComplete)
	}
	return call(ctx, g, domain.CapabilityComplete, g.llm.Name(), g.deadlines.Complete,
		func(ctx context.Context) (domain.LLMResult, error) {
			return g.llm.Complete(ctx, req)
		})
}

func missing(c domain.Capability) error {
	return &domain.ProviderFailure{
		Capability: c,
		Provider:   "none",
		Kind:       domain.ErrProviderError,
		Attempts:   1,
		Err:        errors.New("no provider configured"),
	}
}

func call[T any](parent context.Context, g *Gateway, c domain.Capability, provider string, deadline time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	ctx := parent
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, deadline)
		defer cancel()
	}

	limit := g.retry.attempts()
	for attempt := 1; ; attempt++ {
		res, err := attemptOnce(ctx, fn)
		if err == nil {
			g.observe(c, provider, OutcomeOK, attempt, start)
			return res, nil
		}

		if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
			g.observe(c, provider, OutcomeCanceled, attempt, start)
			return zero, fmt.Errorf("%s via %s: %w", c, provider, parent.Err())
		}

		kind := classify(ctx, err)
		if kind == domain.ErrProviderUnavailable && attempt < limit {
			wait := g.retry.Backoff(attempt)
			g.logger.Debug("provider unavailable, retrying",
				"capability", c, "provider", provider, "attempt", attempt, "backoff", wait, "err", err)
			serr := sleep(ctx, wait)
			if serr == nil {
				continue
			}
			if errors.Is(serr, context.Canceled) {
				g.observe(c, provider, OutcomeCanceled, attempt, start)
				return zero, fmt.Errorf("%s via %s: %w", c, provider, serr)
			}
			kind, err = domain.ErrProviderTimeout, serr
		}

		g.observe(c, provider, outcomeOf(kind), attempt, start)
		g.logger.Warn("provider call failed",
			"capability", c, "provider", provider, "attempts", attempt, "kind", kind, "err", err)
		return zero, &domain.ProviderFailure{
			Capability: c,
			Provider:   provider,
			Kind:       kind,
			Attempts:   attempt,
			Err:        err,
		}
	}
}

// attemptOnce runs fn in its own goroutine so that a provider ignoring ctx
// cannot hold the caller past its deadline. A late result is dropped.
func attemptOnce[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("provider panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrProviderTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrProviderTimeout
	case errors.Is(err, domain.ErrProviderUnavailable):
		return domain.ErrProviderUnavailable
	default:
		return domain.ErrProviderError
	}
}

func outcomeOf(kind error) string {
	switch kind {
	case domain.ErrProviderUnavailable:
		return OutcomeUnavailable
	case domain.ErrProviderTimeout:
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

func (g *Gateway) observe(c domain.Capability, provider, outcome string, attempts int, start time.Time) {
	if g.observer != nil {
		g.observer.ObserveProviderCall(c, provider, outcome, attempts, time.Since(start))
	}
}
