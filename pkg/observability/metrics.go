package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aretw0/dialtone/pkg/dispatch"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dialtone"

// Metrics holds the orchestrator collectors.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	nodeEntries   *prometheus.CounterVec
	noMatches     *prometheus.CounterVec
	sessionsEnded *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	providerTime  *prometheus.HistogramVec
	activeCalls   prometheus.GaugeFunc
}

// New registers the collectors in reg. A nil reg creates a fresh registry
// that also carries the Go and process collectors.
func New(reg *prometheus.Registry, active func() int) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if active == nil {
		active = func() int { return 0 }
	}

	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Call events committed, by kind and resulting session status.",
		}, []string{"kind", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time from dequeuing an event to committing its step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		nodeEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_entries_total",
			Help:      "Node entries, by flow and node.",
		}, []string{"flow_id", "node_id"}),
		noMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_match_total",
			Help:      "Caller inputs that matched no transition.",
		}, []string{"flow_id", "node_id"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions that reached a terminal status.",
		}, []string{"flow_id", "status"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider gateway calls after retries.",
		}, []string{"capability", "provider", "outcome"}),
		providerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider gateway call latency, retries included.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"capability", "provider"}),
	}
	m.activeCalls = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Calls with a live dispatcher actor.",
	}, func() float64 { return float64(active()) })

	reg.MustRegister(m.events, m.stepDuration, m.nodeEntries, m.noMatches,
		m.sessionsEnded, m.providerCalls, m.providerTime, m.activeCalls)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProviderCall implements gateway.Observer.
func (m *Metrics) ObserveProviderCall(capability domain.Capability, provider, outcome string, _ int, elapsed time.Duration) {
	m.providerCalls.WithLabelValues(string(capability), provider, outcome).Inc()
	m.providerTime.WithLabelValues(string(capability), provider).Observe(elapsed.Seconds())
}

// Hooks returns lifecycle hooks that feed the node and session counters.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeEnter: func(_ context.Context, e domain.NodeEvent) {
			m.nodeEntries.WithLabelValues(e.FlowID, e.NodeID).Inc()
		},
		OnNoMatch: func(_ context.Context, e domain.NodeEvent) {
			m.noMatches.WithLabelValues(e.FlowID, e.NodeID).Inc()
		},
		OnSessionEnd: func(_ context.Context, e domain.SessionEvent) {
			m.sessionsEnded.WithLabelValues(e.FlowID, string(e.Status)).Inc()
		},
	}
}

// ObserveCommit is a dispatch.CommitObserver.
func (m *Metrics) ObserveCommit(_ context.Context, ev dispatch.CommitEvent) {
	kind := string(ev.Event.Kind)
	if kind == "" {
		kind = "internal"
	}
	m.events.WithLabelValues(kind, string(ev.Session.Status)).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(ev.Elapsed.Seconds())
}

// ErrorKind labels an error for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, domain.ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
