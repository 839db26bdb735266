package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// warnCountHandler is a minimal slog.Handler that only counts Warn-level
// records, used to assert on warning *frequency* without asserting on
// message text.
type warnCountHandler struct {
	count *int32
}

func (h warnCountHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h warnCountHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelWarn {
		atomic.AddInt32(h.count, 1)
	}

	return nil
}

func (h warnCountHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h warnCountHandler) WithGroup(string) slog.Handler      { return h }

func testLogger(count *int32) *slog.Logger {
	return slog.New(warnCountHandler{count: count})
}

// countingExporter records every event it sees and can be made to sleep
// before "accepting" it, simulating a slow/wedged backend for Scenario F.
type countingExporter struct {
	delay time.Duration

	mu   sync.Mutex
	seen int
}

func (c *countingExporter) Name() string { return "counting" }

func (c *countingExporter) Export(_ context.Context, _ Event) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.seen++
	c.mu.Unlock()

	return nil
}

func (c *countingExporter) Close(_ context.Context) error { return nil }

func (c *countingExporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.seen
}

func TestManager_EmittedPlusDroppedNeverExceedsSubmitted(t *testing.T) {
	exp := &countingExporter{}
	m := NewManager(DropMode, []Exporter{exp}, WithQueueSize(4))

	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			m.Emit(Event{Kind: EventTokenOutcome, RunID: "run-1"})
		}()
	}
	wg.Wait()

	require.NoError(t, m.Close(context.Background()))

	health := m.Health()
	assert.LessOrEqual(t, health.EventsEmitted+health.EventsDropped, m.Submitted())
	assert.Equal(t, int64(n), m.Submitted())
}

func TestManager_DropMode_NeverBlocksAndAccountsEveryEvent(t *testing.T) {
	exp := &countingExporter{delay: 50 * time.Millisecond}
	m := NewManager(DropMode, []Exporter{exp}, WithQueueSize(2))

	const total = 50

	start := time.Now()
	for i := 0; i < total; i++ {
		m.Emit(Event{Kind: EventTokenOutcome, RunID: "run-f"})
	}
	elapsed := time.Since(start)

	require.NoError(t, m.Close(context.Background()))

	assert.Less(t, elapsed, 500*time.Millisecond, "DROP mode must never slow the submitting goroutine")

	health := m.Health()
	assert.Equal(t, int64(total), health.EventsEmitted+health.EventsDropped)
}

func TestManager_BlockMode_TimesOutAndCountsDropped(t *testing.T) {
	exp := &countingExporter{delay: time.Hour} // effectively wedged
	m := NewManager(BlockMode, []Exporter{exp}, WithQueueSize(1), WithBlockTimeout(20*time.Millisecond))

	// The first event is dequeued by the export goroutine almost
	// immediately and then held for an hour inside the wedged exporter's
	// Export call, freeing the one-deep buffer. The second event then
	// fills that freed buffer slot. Only the third Emit finds the queue
	// genuinely full and blocks until the configured BLOCK timeout.
	m.Emit(Event{Kind: EventTokenOutcome, RunID: "run-block"})
	time.Sleep(5 * time.Millisecond)
	m.Emit(Event{Kind: EventTokenOutcome, RunID: "run-block"})

	start := time.Now()
	m.Emit(Event{Kind: EventTokenOutcome, RunID: "run-block"})
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)

	health := m.Health()
	assert.Equal(t, int64(1), health.EventsDropped)
}

func TestManager_AggregatesDropWarningsRatherThanOnePerEvent(t *testing.T) {
	var warnCount int32

	exp := &countingExporter{delay: time.Hour}
	m := NewManager(DropMode, []Exporter{exp}, WithQueueSize(1), WithLogger(testLogger(&warnCount)))

	m.Emit(Event{Kind: EventTokenOutcome}) // fills the queue, held by the slow exporter
	time.Sleep(5 * time.Millisecond)

	const drops = 250
	for i := 0; i < drops; i++ {
		m.Emit(Event{Kind: EventTokenOutcome})
	}

	require.NoError(t, m.Close(context.Background()))

	// 250 drops at a 100-drop batch size should log 2 aggregate warnings,
	// never one per dropped event.
	assert.Equal(t, int32(2), atomic.LoadInt32(&warnCount))
}

func TestManager_ExporterFailureIsIsolated(t *testing.T) {
	good := &countingExporter{}
	bad := failingExporter{}

	m := NewManager(DropMode, []Exporter{bad, good})
	m.Emit(Event{Kind: EventRunStarted})

	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, 1, good.count())

	health := m.Health()
	assert.Equal(t, 1, health.ExporterFailures["failing"])
	assert.Equal(t, int64(1), health.EventsEmitted)
}

type failingExporter struct{}

func (failingExporter) Name() string { return "failing" }

func (failingExporter) Export(context.Context, Event) error { return assert.AnError }

func (failingExporter) Close(context.Context) error { return nil }
