// Package telemetry provides the Prometheus metrics and the OpenTelemetry
// tracer provider of the rollout server.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetshift/fleetshift-rollouts/internal/application"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Metrics records service counters on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	actionsCreated   *prometheus.CounterVec
	feedbackRecorded *prometheus.CounterVec
	actionsPurged    prometheus.Counter
	rolloutTicks     *prometheus.HistogramVec
	groupDecisions   *prometheus.CounterVec
}

var _ application.Metrics = (*Metrics)(nil)

// NewMetrics registers the collectors under namespace. With includeRuntime
// the Go runtime and process collectors are registered too.
func NewMetrics(namespace string, includeRuntime bool) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		actionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_created_total",
				Help:      "Actions created, by source.",
			},
			[]string{"source"},
		),
		feedbackRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feedback_recorded_total",
				Help:      "Device feedback entries recorded, by reported status.",
			},
			[]string{"status"},
		),
		actionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_purged_total",
			Help:      "Closed actions deleted to make room under the per-target quota.",
		}),
		rolloutTicks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollout_tick_duration_seconds",
				Help:      "Duration of one rollout tick.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		groupDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollout_group_decisions_total",
				Help:      "Outcomes of running group evaluations.",
			},
			[]string{"decision"},
		),
	}
	registry.MustRegister(m.actionsCreated, m.feedbackRecorded, m.actionsPurged, m.rolloutTicks, m.groupDecisions)
	if includeRuntime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ActionsCreated(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.actionsCreated.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) FeedbackRecorded(status domain.ActionStatus) {
	if m == nil {
		return
	}
	m.feedbackRecorded.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ActionsPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.actionsPurged.Add(float64(n))
}

func (m *Metrics) RolloutTick(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rolloutTicks.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) GroupDecided(decision domain.GroupDecision) {
	if m == nil {
		return
	}
	m.groupDecisions.WithLabelValues(decision.String()).Inc()
}
