package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/dialtone/internal/logging"
	httpadapter "github.com/aretw0/dialtone/pkg/adapters/http"
	"github.com/aretw0/dialtone/pkg/dispatch"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config describes the JetStream wiring.
type Config struct {
	URL string `yaml:"url"`
	// Stream captures Subject. It is created when missing.
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
	// ActionsPrefix is where committed actions are published, one subject per call.
	ActionsPrefix string        `yaml:"actions_prefix"`
	Consumer      string        `yaml:"consumer"`
	MaxDeliver    int           `yaml:"max_deliver"`
	AckWait       time.Duration `yaml:"ack_wait"`
	// BusyBackoff delays redelivery of events refused by a full mailbox.
	BusyBackoff time.Duration `yaml:"busy_backoff"`
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		Stream:        "IVR_EVENTS",
		Subject:       "ivr.events.>",
		ActionsPrefix: "ivr.actions",
		Consumer:      "dialtone",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		BusyBackoff:   250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Stream == "" {
		c.Stream = def.Stream
	}
	if c.Subject == "" {
		c.Subject = def.Subject
	}
	if c.ActionsPrefix == "" {
		c.ActionsPrefix = def.ActionsPrefix
	}
	if c.Consumer == "" {
		c.Consumer = def.Consumer
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = def.MaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = def.AckWait
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = def.BusyBackoff
	}
	return c
}

// Dispatcher queues events without waiting. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	DispatchAsync(ctx context.Context, ev domain.Event, done func(dispatch.Result, error)) error
}

// Connect dials NATS and keeps reconnecting for as long as the process lives.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("dialtone"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Ingester consumes call events from a durable JetStream consumer and feeds
// them to the dispatcher. Messages are acknowledged once their step commits.
type Ingester struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	d      Dispatcher
	cfg    Config
	logger *slog.Logger

	cc     jetstream.ConsumeContext
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures the Ingester.
type Option func(*Ingester)

// WithLogger configures a logger for the Ingester.
func WithLogger(logger *slog.Logger) Option {
	return func(ing *Ingester) {
		ing.logger = logger
	}
}

// NewIngester binds d to the JetStream context of nc.
func NewIngester(nc *nats.Conn, d Dispatcher, cfg Config, opts ...Option) (*Ingester, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	ing := newIngester(d, cfg, opts...)
	ing.nc = nc
	ing.js = js
	return ing, nil
}

func newIngester(d Dispatcher, cfg Config, opts ...Option) *Ingester {
	ictx, ican := context.WithCancel(context.Background())
	ing := &Ingester{
		d:      d,
		cfg:    cfg.withDefaults(),
		logger: logging.NewNop(),
		ctx:    ictx,
		cancel: ican,
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Start ensures the stream exists and begins consuming.
func (ing *Ingester) Start(ctx context.Context) error {
	if err := ing.ensureStream(ctx); err != nil {
		return err
	}

	consumer, err := ing.js.CreateOrUpdateConsumer(ctx, ing.cfg.Stream, jetstream.ConsumerConfig{
		Name:          ing.cfg.Consumer,
		Durable:       ing.cfg.Consumer,
		FilterSubject: ing.cfg.Subject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ing.cfg.MaxDeliver,
		AckWait:       ing.cfg.AckWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ing.cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ing.handleMessage(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ing.cfg.Consumer, err)
	}
	ing.cc = cc

	ing.logger.Info("consuming call events", "stream", ing.cfg.Stream, "subject", ing.cfg.Subject, "consumer", ing.cfg.Consumer)
	return nil
}

func (ing *Ingester) ensureStream(ctx context.Context) error {
	if _, err := ing.js.Stream(ctx, ing.cfg.Stream); err == nil {
		return nil
	}

	_, err := ing.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      ing.cfg.Stream,
		Subjects:  []string{ing.cfg.Subject},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", ing.cfg.Stream, err)
	}
	ing.logger.Info("created stream", "name", ing.cfg.Stream, "subject", ing.cfg.Subject)
	return nil
}

// handleMessage decodes one event and queues it. The call id defaults to the
// last subject token, so publishers may send to ivr.events.<call_id>.
func (ing *Ingester) handleMessage(msg jetstream.Msg) {
	var req httpadapter.EventRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		ing.skip(msg, err)
		return
	}
	if req.CallID == "" {
		subject := msg.Subject()
		req.CallID = subject[strings.LastIndex(subject, ".")+1:]
	}
	ev, err := req.Event()
	if err != nil {
		ing.skip(msg, err)
		return
	}

	err = ing.d.DispatchAsync(ing.ctx, ev, func(_ dispatch.Result, err error) {
		ing.settle(msg, ev, err)
	})
	if err != nil {
		ing.settle(msg, ev, err)
	}
}

// skip acknowledges a message that can never be processed.
func (ing *Ingester) skip(msg jetstream.Msg, err error) {
	ing.logger.Warn("malformed call event, skipping", "subject", msg.Subject(), "err", err)
	if err := msg.Ack(); err != nil {
		ing.logger.Warn("failed to ack message", "subject", msg.Subject(), "err", err)
	}
}

// settle acks, naks or terminates msg depending on how its event ended.
func (ing *Ingester) settle(msg jetstream.Msg, ev domain.Event, err error) {
	var ackErr error
	switch {
	case err == nil:
		ackErr = msg.Ack()
	case errors.Is(err, domain.ErrSessionBusy):
		ackErr = msg.NakWithDelay(ing.cfg.BusyBackoff)
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrSessionClosed):
		ing.logger.Warn("call event rejected", "call_id", ev.CallID, "kind", ev.Kind, "err", err)
		ackErr = msg.TermWithReason(err.Error())
	default:
		// Shutdown and store faults: let another replica or a later attempt take it.
		ing.logger.Warn("call event failed, redelivering", "call_id", ev.CallID, "kind", ev.Kind, "err", err)
		ackErr = msg.Nak()
	}
	if ackErr != nil {
		ing.logger.Warn("failed to settle message", "subject", msg.Subject(), "err", ackErr)
	}
}

// Close stops consuming and drains the connection.
func (ing *Ingester) Close() {
	ing.cancel()
	if ing.cc != nil {
		ing.cc.Stop()
	}
	if ing.nc != nil {
		ing.nc.Drain()
	}
}
