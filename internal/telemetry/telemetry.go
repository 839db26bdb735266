// Package telemetry implements the telemetry subsystem (spec §4.13):
// a background export thread that drains a bounded queue of events fed
// by the pipeline thread. Telemetry is strictly separate from the
// Landscape audit store — it exists to power dashboards, tracing, and
// alerting, never as a record of truth. The invariant callers must honor
// is that an event is only ever emitted after the audit write it
// describes has actually succeeded; if the Recorder write failed, the
// event was never "real" and must not be emitted.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies a telemetry Event.
type EventKind string

const (
	EventRunStarted           EventKind = "RUN_STARTED"
	EventRunCompleted         EventKind = "RUN_COMPLETED"
	EventTokenOutcome         EventKind = "TOKEN_OUTCOME"
	EventExternalCallComplete EventKind = "EXTERNAL_CALL_COMPLETED"
)

// Event is one telemetry record. Meta carries kind-specific fields (e.g.
// outcome, status, latency_ms) as a flat map so exporters can project
// whichever subset their backend understands without this package
// needing to know about every exporter's schema.
type Event struct {
	Kind    EventKind
	RunID   string
	NodeID  string
	TokenID string
	Meta    map[string]any
	At      time.Time
}

// BackpressureMode governs what handle_event does when the export queue
// is full.
type BackpressureMode string

const (
	// BlockMode blocks the emitting call with a timeout; a timed-out put
	// counts as dropped rather than ever slowing the pipeline forever.
	BlockMode BackpressureMode = "BLOCK"
	// DropMode never blocks: a full queue increments events_dropped and
	// the event is discarded immediately.
	DropMode BackpressureMode = "DROP"
)

// HealthReporter is an optional interface an Exporter may additionally
// implement to surface the Manager's HealthSnapshot through its own
// backend (e.g. as Prometheus gauges) rather than only through Health().
type HealthReporter interface {
	ReportHealth(snapshot HealthSnapshot)
}

// Exporter publishes events to one telemetry backend. Close must be
// idempotent; an Exporter that fails Export should return an error
// rather than panic so the Manager can isolate the failure to this one
// exporter without affecting any other.
type Exporter interface {
	Name() string
	Export(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// HealthSnapshot is the lock-protected telemetry health surface (spec
// §4.13): events_emitted/events_dropped are written by both the pipeline
// thread (DROP overflow, BLOCK timeout) and the export thread (total
// exporter failure), so both live behind Manager.mu.
type HealthSnapshot struct {
	EventsEmitted    int64
	EventsDropped    int64
	ExporterFailures map[string]int
	QueueDepth       int
	QueueMaxSize     int
}

const (
	defaultQueueSize   = 1000 // INTERNAL_DEFAULTS: telemetry queue_size
	defaultBlockTimeout = 30 * time.Second
	dropWarnBatch       = 100 // Warning Fatigue prevention: one aggregate WARN per N drops
)

// sentinel is enqueued exactly once by Close to tell the export loop to
// drain whatever remains and exit, rather than using queue.join() before
// the sentinel arrives — that ordering races the export thread blocking
// on a fresh get() after join() returns but before the sentinel lands.
type sentinel struct{}

// Manager is the TelemetryManager (spec §4.13): owns the bounded event
// queue and the single background export goroutine that drains it.
type Manager struct {
	mode         BackpressureMode
	blockTimeout time.Duration
	exporters    []Exporter
	logger       *slog.Logger

	queue chan any // Event or sentinel

	mu               sync.Mutex
	eventsSubmitted  int64
	eventsEmitted    int64
	eventsDropped    int64
	exporterFailures map[string]int
	droppedSinceWarn int

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithBlockTimeout overrides the default 30s BLOCK-mode put timeout.
// Exists so tests can exercise BLOCK-mode timeout behavior without
// waiting the full 30 seconds.
func WithBlockTimeout(d time.Duration) Option {
	return func(m *Manager) { m.blockTimeout = d }
}

// WithQueueSize overrides the default queue capacity (INTERNAL_DEFAULTS:
// queue_size = 1000).
func WithQueueSize(size int) Option {
	return func(m *Manager) {
		m.queue = make(chan any, size)
	}
}

// WithLogger overrides the default slog.Default() logger used for
// exporter-failure and drop-fatigue logging.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a Manager and starts its background export
// goroutine. Callers must call Close to drain and shut it down cleanly.
func NewManager(mode BackpressureMode, exporters []Exporter, opts ...Option) *Manager {
	m := &Manager{
		mode:             mode,
		blockTimeout:     defaultBlockTimeout,
		exporters:        exporters,
		logger:           slog.Default(),
		queue:            make(chan any, defaultQueueSize),
		exporterFailures: make(map[string]int),
		done:             make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	go m.run()

	return m
}

// Emit submits an event for export. Per spec §4.13's invariant, callers
// must only call Emit after the corresponding Recorder write has
// succeeded — Emit itself has no knowledge of the Recorder and cannot
// enforce that; it is the caller's contract to uphold.
func (m *Manager) Emit(event Event) {
	m.mu.Lock()
	m.eventsSubmitted++
	m.mu.Unlock()

	switch m.mode {
	case DropMode:
		select {
		case m.queue <- event:
		default:
			m.recordDrop()
		}
	default: // BlockMode
		timer := time.NewTimer(m.blockTimeout)
		defer timer.Stop()

		select {
		case m.queue <- event:
		case <-timer.C:
			m.recordDrop()
		}
	}
}

// recordDrop increments events_dropped and, per the Warning Fatigue
// prevention rule, logs one aggregate WARN per dropWarnBatch drops
// rather than one WARN per dropped event.
func (m *Manager) recordDrop() {
	m.mu.Lock()
	m.eventsDropped++
	m.droppedSinceWarn++

	shouldWarn := m.droppedSinceWarn >= dropWarnBatch
	if shouldWarn {
		m.droppedSinceWarn = 0
	}

	total := m.eventsDropped
	m.mu.Unlock()

	if shouldWarn {
		m.logger.Warn("telemetry: events dropped", "batch_size", dropWarnBatch, "total_dropped", total)
	}
}

// run is the background export thread: it drains the queue, exporting
// each event to every configured exporter, until it receives the
// shutdown sentinel, at which point it drains whatever remains and
// returns.
func (m *Manager) run() {
	defer close(m.done)

	for raw := range m.queue {
		if _, ok := raw.(sentinel); ok {
			return
		}

		event, ok := raw.(Event)
		if !ok {
			continue
		}

		m.export(event)
	}
}

// export hands one event to every configured exporter. A failing
// exporter is logged and isolated — per spec §4.13, one exporter's
// failure must never affect another, and must never crash the pipeline.
// The event still counts as emitted even if every exporter rejected it:
// events_emitted tracks "left the queue", not "every backend accepted
// it" — per-exporter failures are visible instead through
// exporter_failures, keeping events_emitted+events_dropped bounded by
// events_submitted (testable property #10).
func (m *Manager) export(event Event) {
	ctx := context.Background()

	for _, exp := range m.exporters {
		if err := exp.Export(ctx, event); err != nil {
			m.mu.Lock()
			m.exporterFailures[exp.Name()]++
			m.mu.Unlock()

			m.logger.Error("telemetry: exporter failed", "exporter", exp.Name(), "error", err)
		}
	}

	m.mu.Lock()
	m.eventsEmitted++
	m.mu.Unlock()

	snapshot := m.Health()

	for _, exp := range m.exporters {
		if reporter, ok := exp.(HealthReporter); ok {
			reporter.ReportHealth(snapshot)
		}
	}
}

// Submitted returns the total number of events passed to Emit, for
// testable property #10 (events_emitted + events_dropped ≤
// events_submitted).
func (m *Manager) Submitted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.eventsSubmitted
}

// Health returns a snapshot of the current telemetry counters, taken
// under the same lock both threads write through.
func (m *Manager) Health() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	failures := make(map[string]int, len(m.exporterFailures))
	for k, v := range m.exporterFailures {
		failures[k] = v
	}

	return HealthSnapshot{
		EventsEmitted:    m.eventsEmitted,
		EventsDropped:    m.eventsDropped,
		ExporterFailures: failures,
		QueueDepth:       len(m.queue),
		QueueMaxSize:     cap(m.queue),
	}
}

// Close runs the four-step shutdown sequence (spec §4.13): reject new
// events is left to the caller (Emit is not guarded here — callers stop
// calling Emit once they call Close, same as the spec's own ordering
// note that shutdown begins with the caller ceasing to submit), enqueue
// exactly one sentinel, join the export goroutine, then close every
// exporter. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.queue <- sentinel{}
		<-m.done
	})

	var firstErr error

	for _, exp := range m.exporters {
		if err := exp.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
