package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/models"
)

// EventRecorder persists lifecycle events for later diagnosis.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev db.Event) error
}

// Metrics collects Prometheus counters and histograms for envfleetd. It is
// the production MetricsSink and also observes continuation dispatch.
type Metrics struct {
	registry                    *prometheus.Registry
	events                      EventRecorder
	logger                      zerolog.Logger
	lifecycleEventsTotal        *prometheus.CounterVec
	environmentTransitionsTotal *prometheus.CounterVec
	provisionSeconds            prometheus.Histogram
	continuationDispatchTotal   *prometheus.CounterVec
	continuationJobsTotal       *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
// When events is non-nil every posted event is also written to it.
func NewMetrics(events EventRecorder, logger zerolog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	lifecycleEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "envfleet",
			Subsystem: "environment",
			Name:      "events_total",
			Help:      "Total number of lifecycle events posted.",
		},
		[]string{"namespace", "name"},
	)
	environmentTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "envfleet",
			Subsystem: "environment",
			Name:      "transitions_total",
			Help:      "Total number of environment state transitions.",
		},
		[]string{"from", "to"},
	)
	provisionSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "envfleet",
			Subsystem: "environment",
			Name:      "provision_duration_seconds",
			Help:      "Time spent in Provisioning before becoming Available.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600, 1200},
		},
	)
	continuationDispatchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "envfleet",
			Subsystem: "continuation",
			Name:      "dispatch_total",
			Help:      "Total continuation dispatches by venue.",
		},
		[]string{"workflow", "venue"},
	)
	continuationJobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "envfleet",
			Subsystem: "continuation",
			Name:      "jobs_total",
			Help:      "Total queued continuation jobs by final status.",
		},
		[]string{"workflow", "status"},
	)

	registry.MustRegister(
		lifecycleEventsTotal,
		environmentTransitionsTotal,
		provisionSeconds,
		continuationDispatchTotal,
		continuationJobsTotal,
	)

	return &Metrics{
		registry:                    registry,
		events:                      events,
		logger:                      logger,
		lifecycleEventsTotal:        lifecycleEventsTotal,
		environmentTransitionsTotal: environmentTransitionsTotal,
		provisionSeconds:            provisionSeconds,
		continuationDispatchTotal:   continuationDispatchTotal,
		continuationJobsTotal:       continuationJobsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PostEvent(ctx context.Context, namespace, name string, properties map[string]string, correlationID string, ts time.Time) {
	if m == nil {
		return
	}
	m.lifecycleEventsTotal.WithLabelValues(namespace, name).Inc()
	if namespace == EventNamespace && name == EventStateStarted {
		m.IncEnvironmentTransition(models.EnvironmentState(properties["previousState"]), models.EnvironmentState(properties["state"]))
	}
	if namespace == EventNamespace && name == EventStateEnded &&
		properties["state"] == string(models.StateProvisioning) &&
		properties["nextState"] == string(models.StateAvailable) {
		if seconds, err := strconv.ParseFloat(properties["durationSeconds"], 64); err == nil {
			m.ObserveProvision(time.Duration(seconds * float64(time.Second)))
		}
	}
	if m.events == nil {
		return
	}
	payload, err := json.Marshal(properties)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", name).Msg("encode event properties")
		return
	}
	ev := db.Event{
		Timestamp:     ts,
		Kind:          namespace + "." + name,
		EnvironmentID: properties["environmentId"],
		CorrelationID: correlationID,
		Message:       eventMessage(name, properties),
		JSON:          string(payload),
	}
	if err := m.events.RecordEvent(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("event", name).Msg("persist event")
	}
}

func eventMessage(name string, properties map[string]string) string {
	switch name {
	case EventStateStarted:
		return properties["previousState"] + " -> " + properties["state"]
	case EventStateEnded:
		return "left " + properties["state"]
	default:
		return name
	}
}

func (m *Metrics) IncEnvironmentTransition(from, to models.EnvironmentState) {
	if m == nil {
		return
	}
	m.environmentTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveProvision(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.provisionSeconds.Observe(seconds)
}

// Dispatched implements continuation.Observer.
func (m *Metrics) Dispatched(workflow, venue string) {
	if m == nil {
		return
	}
	m.continuationDispatchTotal.WithLabelValues(workflow, venue).Inc()
}

// JobFinished implements continuation.JobObserver.
func (m *Metrics) JobFinished(workflow string, status models.ContinuationStatus) {
	if m == nil {
		return
	}
	m.continuationJobsTotal.WithLabelValues(workflow, string(status)).Inc()
}
