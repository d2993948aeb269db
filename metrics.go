package alpha

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the coordinator's Prometheus metrics. Each instance owns its
// registry, so several coordinators can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Events          *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	CommandsPlanned prometheus.Counter
	Deliveries      *prometheus.CounterVec
	Escalations     prometheus.Counter
	Outstanding     prometheus.Gauge
	Connections     prometheus.Gauge
	IngestDuration  prometheus.Histogram
}

// NewMetrics creates the metrics under namespace on a private registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Transaction events received, by type and append result.",
		}, []string{"type", "result"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Transaction events that could not be ingested, by reason.",
		}, []string{"reason"}),
		CommandsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_planned_total",
			Help:      "Compensation commands planned.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_deliveries_total",
			Help:      "Compensation command delivery attempts, by result.",
		}, []string{"result"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_escalated_total",
			Help:      "Compensation commands that exhausted their delivery attempts.",
		}),
		Outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_outstanding",
			Help:      "Compensation commands not yet reported compensated.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live client connections.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time to ingest one transaction event.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.Events,
		m.Rejected,
		m.CommandsPlanned,
		m.Deliveries,
		m.Escalations,
		m.Outstanding,
		m.Connections,
		m.IngestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
