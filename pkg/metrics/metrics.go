// Package metrics exposes Prometheus metrics for voice ordering sessions.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/voice/refresh"
	"github.com/vango-go/vai-order/pkg/voice/session"
	"github.com/vango-go/vai-order/pkg/voice/toolcall"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsTotal    *prometheus.CounterVec
	PhaseTransitions *prometheus.CounterVec
	TimeoutsTotal    *prometheus.CounterVec

	// Tool metrics
	FunctionCalls *prometheus.CounterVec

	// Credential metrics
	RefreshAttempts *prometheus.CounterVec

	// Submission metrics
	SubmissionDuration *prometheus.HistogramVec
}

var (
	_ session.Observer = (*Metrics)(nil)
	_ refresh.Observer = (*Metrics)(nil)
)

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_order"
	}

	registry := prometheus.NewRegistry()

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions that reached a terminal phase",
		},
		[]string{"phase", "reason"},
	)

	phaseTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Session phase transitions",
		},
		[]string{"from", "to"},
	)

	timeoutsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_timeouts_total",
			Help:      "Phase timeouts fired",
		},
		[]string{"phase"},
	)

	functionCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Function calls handled by outcome",
		},
		[]string{"name", "outcome"},
	)

	refreshAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Credential refresh and reconnect attempts",
		},
		[]string{"trigger", "outcome"},
	)

	submissionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_submission_duration_seconds",
			Help:      "Order submission latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)

	registry.MustRegister(
		sessionsTotal,
		phaseTransitions,
		timeoutsTotal,
		functionCalls,
		refreshAttempts,
		submissionDuration,
	)

	return &Metrics{
		registry:           registry,
		SessionsTotal:      sessionsTotal,
		PhaseTransitions:   phaseTransitions,
		TimeoutsTotal:      timeoutsTotal,
		FunctionCalls:      functionCalls,
		RefreshAttempts:    refreshAttempts,
		SubmissionDuration: submissionDuration,
	}
}

// TrackActive registers a gauge sampled from fn, typically the device
// registry's Count.
func (m *Metrics) TrackActive(namespace string, fn func() int) {
	if namespace == "" {
		namespace = "vai_order"
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered to a device",
		},
		func() float64 { return float64(fn()) },
	))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PhaseTransition(from, to session.Phase) {
	m.PhaseTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) TimeoutFired(phase session.Phase) {
	m.TimeoutsTotal.WithLabelValues(phase.String()).Inc()
}

func (m *Metrics) FunctionCall(name, outcome string) {
	m.FunctionCalls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) SessionFinished(phase session.Phase, reason string) {
	m.SessionsTotal.WithLabelValues(phase.String(), reason).Inc()
}

func (m *Metrics) RefreshAttempt(trigger, outcome string) {
	m.RefreshAttempts.WithLabelValues(trigger, outcome).Inc()
}

// InstrumentSubmitter times every submission made through next.
func (m *Metrics) InstrumentSubmitter(next toolcall.Submitter) toolcall.Submitter {
	return toolcall.SubmitterFunc(func(ctx context.Context, sub toolcall.Submission) (string, error) {
		start := time.Now()
		id, err := next.SubmitOrder(ctx, sub)
		status := "ok"
		if err != nil {
			status = string(core.KindOf(err))
		}
		m.SubmissionDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		return id, err
	})
}
