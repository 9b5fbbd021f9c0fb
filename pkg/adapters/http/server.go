package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/dispatch"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/observability"
	"github.com/aretw0/dialtone/pkg/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Dispatcher accepts call events. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) (dispatch.Result, error)
}

// FlowCatalog publishes and resolves flows. *flow.Store satisfies it.
type FlowCatalog interface {
	Publish(ctx context.Context, def *domain.FlowDefinition) (domain.FlowRef, error)
	Get(ctx context.Context, id string, version int) (*domain.FlowDefinition, error)
	List(ctx context.Context) []domain.FlowRef
	Versions(ctx context.Context, id string) ([]int, error)
}

// DefaultMaxBodyBytes bounds request bodies, audio included.
const DefaultMaxBodyBytes = 8 << 20

var (
	errBadSignature = errors.New("invalid webhook signature")
	errMalformed    = errors.New("malformed request")
)

// Server exposes the webhook, media and query API.
type Server struct {
	dispatcher Dispatcher
	flows      FlowCatalog
	store      ports.SessionStore

	streams  *StreamManager
	secret   []byte
	metrics  http.Handler
	maxBody  int64
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Option configures the Server.
type Option func(*Server)

// WithWebhookSecret requires an X-Webhook-Signature on inbound events.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// WithStreams shares a StreamManager that is also registered as a commit observer.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		s.streams = sm
	}
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a Server.
func NewServer(d Dispatcher, flows FlowCatalog, store ports.SessionStore, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		flows:      flows,
		store:      store,
		maxBody:    DefaultMaxBodyBytes,
		logger:     logging.NewNop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.streams == nil {
		s.streams = NewStreamManager(WithStreamLogger(s.logger))
	}
	return s
}

// Streams returns the manager fed by Observe.
func (s *Server) Streams() *StreamManager {
	return s.streams
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/webhooks/events", s.handleEvent)
		r.Get("/media/{callID}", s.handleMedia)

		r.Post("/flows", s.handlePublishFlow)
		r.Get("/flows", s.handleListFlows)
		r.Get("/flows/{flowID}", s.handleGetFlow)
		r.Get("/flows/{flowID}/versions", s.handleFlowVersions)
		r.Get("/flows/{flowID}/versions/{version}", s.handleGetFlow)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{callID}", s.handleGetSession)
		r.Get("/sessions/{callID}/transcript", s.handleTranscript)
		r.Get("/sessions/{callID}/stream", s.handleStream)
		r.Get("/transcripts", s.handleSearchTranscripts)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errMalformed):
		return http.StatusBadRequest
	case errors.Is(err, errBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionClosed), errors.Is(err, domain.ErrConflict), errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body.Problems = verr.Problems
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		body.Error = "internal error"
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "kind", observability.ErrorKind(err), "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
