package dialtone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aretw0/dialtone/internal/config"
	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/internal/runtime"
	"github.com/aretw0/dialtone/pkg/adapters/gemini"
	httpadapter "github.com/aretw0/dialtone/pkg/adapters/http"
	"github.com/aretw0/dialtone/pkg/adapters/memory"
	"github.com/aretw0/dialtone/pkg/adapters/natsbus"
	"github.com/aretw0/dialtone/pkg/adapters/postgres"
	"github.com/aretw0/dialtone/pkg/adapters/redis"
	"github.com/aretw0/dialtone/pkg/adapters/sqlite"
	"github.com/aretw0/dialtone/pkg/adapters/stub"
	"github.com/aretw0/dialtone/pkg/dispatch"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/aretw0/dialtone/pkg/gateway"
	"github.com/aretw0/dialtone/pkg/observability"
	"github.com/aretw0/dialtone/pkg/persistence/middleware"
	"github.com/aretw0/dialtone/pkg/ports"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is the dialtone release.
const Version = "0.3.0"

// Service wires the flow store, provider gateway, state machine, session
// store and dispatcher behind the HTTP surface and the optional NATS bus.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	flows      *flow.Store
	store      ports.SessionStore
	gateway    *gateway.Gateway
	machine    *runtime.Machine
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics
	streams    *httpadapter.StreamManager
	server     *httpadapter.Server
	ingester   *natsbus.Ingester

	// Injected through options.
	hooks    domain.LifecycleHooks
	registry *prometheus.Registry
	asr      ports.Recognizer
	tts      ports.Synthesizer
	llm      ports.LanguageModel
	base     ports.SessionStore

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Option defines a functional option for configuring the Service.
type Option func(*Service)

// WithLogger overrides the logger built from the log configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLifecycleHooks registers observability hooks next to the metric hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(s *Service) {
		s.hooks = hooks
	}
}

// WithRegistry collects metrics into reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Service) {
		s.registry = reg
	}
}

// WithSessionStore bypasses the configured store driver.
// PII and encryption middleware still wrap it.
func WithSessionStore(store ports.SessionStore) Option {
	return func(s *Service) {
		s.base = store
	}
}

// WithRecognizer replaces the configured speech recognizer.
func WithRecognizer(asr ports.Recognizer) Option {
	return func(s *Service) {
		s.asr = asr
	}
}

// WithSynthesizer replaces the configured speech synthesizer.
func WithSynthesizer(tts ports.Synthesizer) Option {
	return func(s *Service) {
		s.tts = tts
	}
}

// WithLanguageModel replaces the configured language model.
func WithLanguageModel(llm ports.LanguageModel) Option {
	return func(s *Service) {
		s.llm = llm
	}
}

// New builds a Service from cfg. Flows stored by the session store and
// flows found in cfg.FlowsDir are published before New returns.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		s.logger = logging.New(level, logging.Format(cfg.Log.Format))
	}

	if err := s.build(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	var lockClient *redis.Store
	if s.base == nil {
		base, err := s.openStore(ctx)
		if err != nil {
			return err
		}
		s.base = base
		if rs, ok := base.(*redis.Store); ok {
			lockClient = rs
		}
	}

	mws, err := s.storeMiddleware()
	if err != nil {
		return err
	}
	s.store = middleware.Chain(s.base, mws...)

	flowOpts := []flow.Option{flow.WithLogger(s.logger)}
	if repo, ok := s.base.(ports.FlowRepository); ok {
		flowOpts = append(flowOpts, flow.WithRepository(repo))
	}
	s.flows = flow.NewStore(flowOpts...)
	if n, err := s.flows.Load(ctx); err != nil {
		return err
	} else if n > 0 {
		s.logger.Info("restored stored flows", "count", n)
	}
	if s.cfg.FlowsDir != "" {
		if err := s.seedFlows(ctx, s.cfg.FlowsDir); err != nil {
			return err
		}
	}

	if err := s.openProviders(ctx); err != nil {
		return err
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = observability.New(s.registry, func() int {
		if s.dispatcher == nil {
			return 0
		}
		return s.dispatcher.Active()
	})

	s.gateway = gateway.New(s.asr, s.tts, s.llm,
		gateway.WithRetryPolicy(s.cfg.Gateway.Retry),
		gateway.WithDeadlines(s.cfg.Gateway.Deadlines),
		gateway.WithObserver(s.metrics),
		gateway.WithLogger(s.logger),
	)

	s.machine = runtime.New(s.gateway,
		runtime.WithConfig(s.engineConfig()),
		runtime.WithLogger(s.logger),
	)

	s.streams = httpadapter.NewStreamManager(httpadapter.WithStreamLogger(s.logger))

	dispatchOpts := []dispatch.Option{
		dispatch.WithConfig(dispatch.Config{
			MailboxSize: s.cfg.Dispatcher.MailboxSize,
			IdleTTL:     s.cfg.Dispatcher.IdleTTL,
			LockTTL:     s.cfg.Dispatcher.LockTTL,
			DefaultFlow: s.cfg.DefaultFlow,
		}),
		dispatch.WithHooks(domain.MergeHooks(s.metrics.Hooks(), s.hooks)),
		dispatch.WithObserver(s.streams.Observe),
		dispatch.WithObserver(s.metrics.ObserveCommit),
		dispatch.WithLogger(s.logger),
	}
	if s.cfg.Dispatcher.Lock {
		if lockClient == nil {
			return errors.New("dispatcher.lock requires the redis store driver")
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithLocker(redis.NewLocker(lockClient.Client(), s.cfg.Store.Prefix)))
	}

	var nc *nats.Conn
	if s.cfg.NATS.URL != "" {
		nc, err = natsbus.Connect(s.cfg.NATS.URL, s.logger)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error {
			nc.Close()
			return nil
		})
		bus := s.natsConfig()
		publisher := natsbus.NewPublisher(nc.Publish, bus.ActionsPrefix, s.logger)
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(publisher.Observe))
	}

	s.dispatcher = dispatch.New(s.machine, s.flows, s.store, dispatchOpts...)

	if nc != nil {
		s.ingester, err = natsbus.NewIngester(nc, s.dispatcher, s.natsConfig(), natsbus.WithLogger(s.logger))
		if err != nil {
			return err
		}
	}

	s.server = httpadapter.NewServer(s.dispatcher, s.flows, s.store,
		httpadapter.WithWebhookSecret(s.cfg.Server.WebhookSecret),
		httpadapter.WithStreams(s.streams),
		httpadapter.WithMetrics(s.metrics.Handler()),
		httpadapter.WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		httpadapter.WithLogger(s.logger),
	)
	return nil
}

func (s *Service) openStore(ctx context.Context) (ports.SessionStore, error) {
	sc := s.cfg.Store
	switch sc.Driver {
	case config.DriverMemory, "":
		return memory.NewStore(), nil
	case config.DriverSQLite:
		st, err := sqlite.Open(sc.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		return st, nil
	case config.DriverRedis:
		var opts []redis.Option
		if sc.Prefix != "" {
			opts = append(opts, redis.WithPrefix(sc.Prefix))
		}
		if sc.TTL > 0 {
			opts = append(opts, redis.WithTTL(sc.TTL))
		}
		st, err := redis.NewFromURL(sc.DSN, opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st.Close)
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error {
			st.Close()
			return nil
		})
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func (s *Service) storeMiddleware() ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if len(s.cfg.PIIPatterns) > 0 {
		mws = append(mws, middleware.NewPIIMiddleware(s.cfg.PIIPatterns))
	}
	if s.cfg.Encryption.ActiveKey != "" {
		active, err := config.DecodeKey(s.cfg.Encryption.ActiveKey)
		if err != nil {
			return nil, fmt.Errorf("encryption active key: %w", err)
		}
		enc := middleware.EncryptionConfig{ActiveKey: active}
		for i, raw := range s.cfg.Encryption.FallbackKeys {
			key, err := config.DecodeKey(raw)
			if err != nil {
				return nil, fmt.Errorf("encryption fallback key %d: %w", i, err)
			}
			enc.FallbackKeys = append(enc.FallbackKeys, key)
		}
		mws = append(mws, middleware.NewEncryptionMiddleware(enc))
	}
	return mws, nil
}

// seedFlows publishes the flows of dir that the store does not hold yet.
// A file without a version is published only when its flow id is unknown.
func (s *Service) seedFlows(ctx context.Context, dir string) error {
	defs, err := flow.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := s.flows.Get(ctx, def.ID, def.Version); err == nil {
			s.logger.Debug("flow already published", "flow_id", def.ID, "version", def.Version)
			continue
		}
		if _, err := s.flows.Publish(ctx, def); err != nil {
			return fmt.Errorf("publish %s: %w", def.ID, err)
		}
	}
	return nil
}

func (s *Service) openProviders(ctx context.Context) error {
	if s.asr == nil {
		s.asr = stub.NewRecognizer()
	}
	if s.tts == nil {
		s.tts = stub.NewSynthesizer(s.cfg.Server.MediaBaseURL)
	}
	if s.llm != nil {
		return nil
	}
	switch s.cfg.Providers.LLM {
	case config.ModeGemini:
		m, err := gemini.New(ctx, s.cfg.Providers.Gemini.APIKey,
			gemini.WithModel(s.cfg.Providers.Gemini.Model),
			gemini.WithLogger(s.logger),
		)
		if err != nil {
			return err
		}
		s.llm = m
	default:
		s.llm = stub.NewRuleModel()
	}
	return nil
}

func (s *Service) engineConfig() runtime.Config {
	ec := runtime.DefaultConfig()
	e := s.cfg.Engine
	ec.MaxRetries = e.MaxRetries
	if e.IdleTimeout > 0 {
		ec.IdleTimeout = e.IdleTimeout
	}
	if e.MaxHops > 0 {
		ec.MaxHops = e.MaxHops
	}
	if e.NoMatchPrompt != "" {
		ec.NoMatchPrompt = e.NoMatchPrompt
	}
	if e.ErrorPrompt != "" {
		ec.ErrorPrompt = e.ErrorPrompt
	}
	ec.Voice = domain.VoiceProfile{Voice: e.Voice, Language: e.Language}
	return ec
}

func (s *Service) natsConfig() natsbus.Config {
	return natsbus.Config{
		URL:           s.cfg.NATS.URL,
		Stream:        s.cfg.NATS.Stream,
		Subject:       s.cfg.NATS.Subject,
		ActionsPrefix: s.cfg.NATS.ActionsPrefix,
	}
}

// Flows returns the flow definition store.
func (s *Service) Flows() *flow.Store { return s.flows }

// Store returns the session store, middleware included.
func (s *Service) Store() ports.SessionStore { return s.store }

// Dispatcher returns the event dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Metrics returns the Prometheus collectors.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger { return s.logger }

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler { return s.server.Handler() }

// Dispatch delivers one event and waits for its step to be stored.
func (s *Service) Dispatch(ctx context.Context, ev domain.Event) (dispatch.Result, error) {
	return s.dispatcher.Dispatch(ctx, ev)
}

// Run serves HTTP on cfg.Server.Addr and consumes the NATS bus when
// configured. It returns after ctx is done and the service has drained.
func (s *Service) Run(ctx context.Context) error {
	if s.ingester != nil {
		if err := s.ingester.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("dialtone listening", "addr", srv.Addr, "version", Version)
		serverErrors <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	}

	grace := s.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown did not complete", "grace", grace, "err", err)
		_ = srv.Close()
	}
	return errors.Join(runErr, s.Close(shutdownCtx))
}

// Close stops the bus, drains the dispatcher and closes the stores.
// It is safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.ingester != nil {
			s.ingester.Close()
		}
		if s.dispatcher != nil {
			if err := s.dispatcher.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("dispatcher: %w", err))
			}
		}
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// LoadConfig reads the configuration at path, or the defaults and the
// environment when path is empty. DIALTONE_CONFIG names a file when path is empty.
func LoadConfig(path string) (config.Config, error) {
	if path == "" {
		path = os.Getenv("DIALTONE_CONFIG")
	}
	return config.Load(path)
}
