package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archmesh/archmesh/internal/application/workflow"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// Metrics records workflow activity on its own Prometheus registry.
// It observes both transitions and stage attempts.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	sessions       prometheus.Counter
	terminal       *prometheus.CounterVec
	stageAttempts  *prometheus.CounterVec
	stageDurations *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
}

// NewMetrics creates and registers the workflow collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archmesh",
			Name:      "transitions_total",
			Help:      "Persisted stage transitions.",
		}, []string{"from", "to"}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archmesh",
			Name:      "sessions_started_total",
			Help:      "Sessions started.",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archmesh",
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal stage.",
		}, []string{"stage"}),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archmesh",
			Name:      "stage_attempts_total",
			Help:      "Executable stage attempts by outcome.",
		}, []string{"stage", "outcome"}),
		stageDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archmesh",
			Name:      "stage_duration_seconds",
			Help:      "Executable stage durations.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archmesh",
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status class.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.transitions, m.sessions, m.terminal,
		m.stageAttempts, m.stageDurations, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// OnTransition implements workflow.Observer
func (m *Metrics) OnTransition(session *wf.Session, tr wf.Transition) {
	if tr.From == "" {
		m.sessions.Inc()
	}
	m.transitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	if tr.To.IsTerminal() {
		m.terminal.WithLabelValues(string(tr.To)).Inc()
	}
}

// OnStageExecuted implements workflow.StageObserver
func (m *Metrics) OnStageExecuted(session *wf.Session, result workflow.StageResult) {
	outcome := "success"
	switch {
	case result.Error == workflow.TimeoutMessage:
		outcome = "timeout"
	case !result.Success:
		outcome = "failure"
	}
	m.stageAttempts.WithLabelValues(string(result.Stage), outcome).Inc()
	m.stageDurations.WithLabelValues(string(result.Stage)).Observe(result.Duration.Seconds())
}

func (m *Metrics) observeRequest(route string, status int) {
	m.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, e.g. for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
