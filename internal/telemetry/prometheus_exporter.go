package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter exposes telemetry counters as Prometheus metrics:
// one counter per EventKind, plus a latency histogram for
// ExternalCallCompleted events that carry a latency_ms field. Grounded
// on dshills-langgraph-go's examples/prometheus_monitoring pattern
// (custom registry, CounterVec keyed by event type) and
// r3e-network-service_layer's use of client_golang for service metrics.
type PrometheusExporter struct {
	events        *prometheus.CounterVec
	latency       prometheus.Histogram
	eventsDropped prometheus.Gauge
	queueDepth    prometheus.Gauge
	queueMaxSize  prometheus.Gauge
}

// NewPrometheusExporter registers its metrics against registry and
// returns the exporter. Callers expose registry via promhttp.HandlerFor
// in their own HTTP server.
func NewPrometheusExporter(registry prometheus.Registerer) *PrometheusExporter {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "elspeth",
		Subsystem: "telemetry",
		Name:      "events_total",
		Help:      "Total telemetry events exported, labeled by kind.",
	}, []string{"kind"})

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "elspeth",
		Subsystem: "telemetry",
		Name:      "external_call_latency_ms",
		Help:      "Latency of external calls reported via telemetry, in milliseconds.",
		Buckets:   prometheus.DefBuckets,
	})

	eventsDropped := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "elspeth",
		Subsystem: "telemetry",
		Name:      "events_dropped",
		Help:      "Telemetry events dropped due to backpressure.",
	})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "elspeth",
		Subsystem: "telemetry",
		Name:      "queue_depth",
		Help:      "Current depth of the telemetry export queue.",
	})

	queueMaxSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "elspeth",
		Subsystem: "telemetry",
		Name:      "queue_max_size",
		Help:      "Capacity of the telemetry export queue.",
	})

	registry.MustRegister(events, latency, eventsDropped, queueDepth, queueMaxSize)

	return &PrometheusExporter{
		events:        events,
		latency:       latency,
		eventsDropped: eventsDropped,
		queueDepth:    queueDepth,
		queueMaxSize:  queueMaxSize,
	}
}

// ReportHealth implements HealthReporter: mirrors the Manager's health
// snapshot onto gauges so they're scrapeable alongside the event
// counters.
func (p *PrometheusExporter) ReportHealth(snapshot HealthSnapshot) {
	p.eventsDropped.Set(float64(snapshot.EventsDropped))
	p.queueDepth.Set(float64(snapshot.QueueDepth))
	p.queueMaxSize.Set(float64(snapshot.QueueMaxSize))
}

// Name implements Exporter.
func (p *PrometheusExporter) Name() string { return "prometheus" }

// Export implements Exporter.
func (p *PrometheusExporter) Export(_ context.Context, event Event) error {
	p.events.WithLabelValues(string(event.Kind)).Inc()

	if event.Kind == EventExternalCallComplete {
		if ms, ok := event.Meta["latency_ms"].(float64); ok {
			p.latency.Observe(ms)
		} else if ms, ok := event.Meta["latency_ms"].(int64); ok {
			p.latency.Observe(float64(ms))
		}
	}

	return nil
}

// Close implements Exporter. Prometheus metrics live for the process
// lifetime, scraped via HTTP rather than pushed, so there is nothing to
// tear down.
func (p *PrometheusExporter) Close(_ context.Context) error {
	return nil
}
