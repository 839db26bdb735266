// Package orchestrator implements the run orchestrator (spec §4.11): the
// single top-level driver that owns a run from begin_run through
// finalize_run. It iterates a Source, hands each row to the row processor,
// sweeps aggregation triggers and coalesce timeouts between rows, and
// drains sink batches — sinks are the durability boundary, so a token only
// receives its final outcome once its sink write has actually succeeded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tachyon-beep/elspeth/internal/engine/canon"
	"github.com/tachyon-beep/elspeth/internal/engine/coalesce"
	"github.com/tachyon-beep/elspeth/internal/engine/graph"
	"github.com/tachyon-beep/elspeth/internal/engine/processor"
	"github.com/tachyon-beep/elspeth/internal/engine/sink"
	"github.com/tachyon-beep/elspeth/internal/engine/token"
	"github.com/tachyon-beep/elspeth/internal/engine/trigger"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/telemetry"
)

// Sentinel errors.
var (
	ErrQuarantineEdgeMissing = errors.New("orchestrator: item quarantined but no __quarantine__ edge is registered")
	ErrUnknownSink           = errors.New("orchestrator: row result names a sink with no registered Sink")
)

// SourceItem is one row yielded by a Source: either valid data to process,
// or a source-side validation failure destined for discard or the
// quarantine sink.
type SourceItem struct {
	Valid       bool
	Row         token.RowData
	Error       string
	Destination string // "discard", or a sink name
}

// Source is the engine-facing contract a source plugin satisfies. Next
// returns io.EOF once the source is exhausted, matching the pull-iterator
// idiom used throughout the rest of the codebase.
type Source interface {
	Name() string
	Next(ctx context.Context) (SourceItem, error)
}

// Lifecycle is an optional hook a source, transform, gate, or sink plugin
// may implement. The orchestrator checks for it via type assertion rather
// than requiring every plugin contract to carry no-op defaults.
type Lifecycle interface {
	OnStart(ctx context.Context) error
	OnComplete(ctx context.Context) error
}

// SinkBinding pairs a constructed Sink with the node id it was registered
// under and the batch size that triggers a mid-run flush.
type SinkBinding struct {
	Sink           sink.Sink
	NodeID         string
	FlushThreshold int // 0 means "only flush at sweep/exhaustion boundaries"
}

// Counters mirrors spec §4.11's required run counters.
type Counters struct {
	RowsProcessed       int64
	RowsSucceeded       int64
	RowsFailed          int64
	RowsRouted          int64
	RowsQuarantined     int64
	RowsForked          int64
	RowsCoalesced       int64
	RowsCoalesceFailed  int64
	RowsConsumedInBatch int64
}

// RunResult is what Run returns: the finalized run's status and counters.
type RunResult struct {
	RunID    string
	Status   landscape.RunStatus
	Counters Counters
}

// pendingRow is one row buffered in a sink's pending batch, awaiting flush.
// outcome is the disposition to record against tokenID once (and only
// once) the batch write actually succeeds.
type pendingRow struct {
	tokenID string
	data    token.RowData
	outcome landscape.Outcome
}

// Orchestrator owns a single run end-to-end.
type Orchestrator struct {
	Recorder  landscape.Recorder
	Graph     *graph.Graph
	Processor *processor.Processor
	Source    Source
	Sinks     map[string]*SinkBinding
	Triggers  *trigger.Evaluator
	Coalesce  *coalesce.Executor

	// Telemetry is optional: a nil Manager disables telemetry emission
	// entirely without the orchestrator needing a separate enabled flag.
	Telemetry *telemetry.Manager

	ConfigHash       string
	CanonicalVersion string

	runID   string
	pending map[string][]pendingRow
	counters Counters
}

// Run drives one full run: begin, register, main loop, exhaustion, drain,
// finalize.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	o.pending = make(map[string][]pendingRow)

	run, err := o.Recorder.BeginRun(ctx, o.ConfigHash, o.CanonicalVersion)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: begin run: %w", err)
	}

	o.runID = run.RunID
	o.Processor.RunID = run.RunID

	o.emitTelemetry(telemetry.Event{
		Kind:  telemetry.EventRunStarted,
		RunID: o.runID,
		Meta:  map[string]any{"config_hash": o.ConfigHash},
	})

	if err := o.registerGraph(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: register graph: %w", err)
	}

	if err := o.runOnStartHooks(ctx); err != nil {
		// on_start failures are fatal: nothing has happened yet, so there
		// is nothing to unwind.
		_ = o.Recorder.FinalizeRun(ctx, o.runID, landscape.RunFailed, time.Now())
		return nil, fmt.Errorf("orchestrator: on_start hook: %w", err)
	}

	runErr := o.mainLoop(ctx)

	o.runOnCompleteHooks(ctx)

	status := landscape.RunCompleted
	if runErr != nil {
		status = landscape.RunFailed
	}

	if err := o.Recorder.FinalizeRun(ctx, o.runID, status, time.Now()); err != nil {
		return nil, fmt.Errorf("orchestrator: finalize run: %w", err)
	}

	o.emitTelemetry(telemetry.Event{
		Kind:  telemetry.EventRunCompleted,
		RunID: o.runID,
		Meta:  map[string]any{"status": string(status)},
	})

	return &RunResult{RunID: o.runID, Status: status, Counters: o.counters}, runErr
}

// emitTelemetry is a nil-safe no-op when Telemetry is unset, so callers
// never need to guard every call site with their own nil check.
func (o *Orchestrator) emitTelemetry(event telemetry.Event) {
	if o.Telemetry == nil {
		return
	}

	event.At = time.Now()
	o.Telemetry.Emit(event)
}

// recordOutcome writes a token's terminal outcome through the Recorder
// and, only once that write succeeds, emits the matching telemetry event
// (spec §4.13's "emit only after the Recorder write succeeds"
// invariant). Every RecordTokenOutcome call site in this file goes
// through here rather than calling the Recorder directly.
func (o *Orchestrator) recordOutcome(ctx context.Context, tokenID string, outcome landscape.Outcome, errJSON *string) error {
	if err := o.Recorder.RecordTokenOutcome(ctx, tokenID, outcome, errJSON); err != nil {
		return err
	}

	o.emitTelemetry(telemetry.Event{
		Kind:    telemetry.EventTokenOutcome,
		RunID:   o.runID,
		TokenID: tokenID,
		Meta:    map[string]any{"outcome": string(outcome)},
	})

	return nil
}

func (o *Orchestrator) registerGraph(ctx context.Context) error {
	nodeIDs := make(map[string]string, len(o.Graph.GetNodes()))

	for _, n := range o.Graph.GetNodes() {
		registered, err := o.Recorder.RegisterNode(ctx, o.runID, n.Name, n.Type, "", "", "")
		if err != nil {
			return err
		}

		nodeIDs[n.ID] = registered.NodeID
	}

	for _, e := range o.Graph.GetEdges() {
		if _, err := o.Recorder.RegisterEdge(ctx, o.runID, nodeIDs[e.From], nodeIDs[e.To], e.Label, e.Mode); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) runOnStartHooks(ctx context.Context) error {
	if hook, ok := o.Source.(Lifecycle); ok {
		if err := hook.OnStart(ctx); err != nil {
			return err
		}
	}

	for _, t := range o.Processor.Transforms {
		if hook, ok := t.Transform.(Lifecycle); ok {
			if err := hook.OnStart(ctx); err != nil {
				return err
			}
		}
	}

	for _, g := range o.Processor.Gates {
		if hook, ok := g.Gate.(Lifecycle); ok {
			if err := hook.OnStart(ctx); err != nil {
				return err
			}
		}
	}

	for _, b := range o.Sinks {
		if hook, ok := b.Sink.(Lifecycle); ok {
			if err := hook.OnStart(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

// runOnCompleteHooks runs every plugin's OnComplete hook, logging (by
// returning nothing — callers have no logger handle here, so failures are
// simply swallowed per spec §7's "logged, not raised" rule) rather than
// letting a hook failure mask the run's real outcome.
func (o *Orchestrator) runOnCompleteHooks(ctx context.Context) {
	if hook, ok := o.Source.(Lifecycle); ok {
		_ = hook.OnComplete(ctx)
	}

	for _, t := range o.Processor.Transforms {
		if hook, ok := t.Transform.(Lifecycle); ok {
			_ = hook.OnComplete(ctx)
		}
	}

	for _, g := range o.Processor.Gates {
		if hook, ok := g.Gate.(Lifecycle); ok {
			_ = hook.OnComplete(ctx)
		}
	}

	for _, b := range o.Sinks {
		if hook, ok := b.Sink.(Lifecycle); ok {
			_ = hook.OnComplete(ctx)
		}
	}
}

func (o *Orchestrator) mainLoop(ctx context.Context) error {
	var rowIndex int64

	for {
		item, err := o.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("orchestrator: source: %w", err)
		}

		if !item.Valid {
			if err := o.handleQuarantine(ctx, rowIndex, item); err != nil {
				return err
			}

			rowIndex++

			continue
		}

		if err := o.processRow(ctx, rowIndex, item.Row); err != nil {
			return err
		}

		rowIndex++

		o.sweep(ctx, time.Now())

		if err := o.flushSinksPastThreshold(ctx); err != nil {
			return err
		}
	}

	if err := o.flushAggregations(ctx); err != nil {
		return err
	}

	if err := o.flushAllCoalesce(ctx); err != nil {
		return err
	}

	return o.drainSinks(ctx)
}

func (o *Orchestrator) handleQuarantine(ctx context.Context, rowIndex int64, item SourceItem) error {
	o.counters.RowsProcessed++

	if item.Destination == "discard" || item.Destination == "" {
		return nil
	}

	rowHash, err := hashRow(item.Row)
	if err != nil {
		return err
	}

	row, err := o.Recorder.RecordRow(ctx, o.runID, o.Processor.SourceNodeID, rowIndex, rowHash, nil)
	if err != nil {
		return err
	}

	tok, err := o.Recorder.CreateToken(ctx, row.RowID, nil, nil)
	if err != nil {
		return err
	}

	state, err := o.Recorder.BeginNodeState(ctx, o.runID, tok.TokenID, o.Processor.SourceNodeID, 0, 1, rowHash)
	if err != nil {
		return err
	}

	if err := o.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateFailed, nil, nil, 0); err != nil {
		return err
	}

	edgeID, ok := o.Graph.EdgeMap(o.Processor.SourceNodeID, landscape.LabelQuarantine)
	if !ok {
		return fmt.Errorf("%w", ErrQuarantineEdgeMissing)
	}

	if _, err := o.Recorder.RecordRoutingEvent(ctx, state.StateID, edgeID, landscape.ModeDivert, item.Error); err != nil {
		return err
	}

	if _, err := o.Recorder.RecordValidationError(ctx, o.runID, row.RowID, o.Processor.SourceNodeID, "strict", item.Error, item.Destination); err != nil {
		return err
	}

	if err := o.recordOutcome(ctx, tok.TokenID, landscape.OutcomeQuarantined, nil); err != nil {
		return err
	}

	o.counters.RowsQuarantined++
	// outcome "" tells flushSink this token's outcome was already recorded
	// above (QUARANTINED isn't gated on sink durability) — don't re-record.
	o.enqueue(item.Destination, tok.TokenID, item.Row, "")

	return nil
}

func (o *Orchestrator) processRow(ctx context.Context, rowIndex int64, row token.RowData) error {
	o.counters.RowsProcessed++

	results, err := o.Processor.ProcessRow(ctx, rowIndex, row)
	if err != nil {
		return fmt.Errorf("orchestrator: process row %d: %w", rowIndex, err)
	}

	for _, r := range results {
		if err := o.applyRowResult(ctx, r); err != nil {
			return err
		}
	}

	return nil
}

// applyRowResult dispatches one processor.RowResult per spec §4.11 step 4.
// COMPLETED/ROUTED/COALESCED defer their token outcome record until the
// owning sink's batch write actually succeeds (§4.12's durability
// boundary); every other outcome has no sink dependency and is recorded
// immediately. Some FAILED results arrive with Token == nil because the
// coalesce executor already recorded that token's outcome itself (a
// cascade failure sibling, not this row's primary token) — those are
// counted but not re-recorded.
func (o *Orchestrator) applyRowResult(ctx context.Context, r processor.RowResult) error {
	switch r.Outcome {
	case landscape.OutcomeCompleted, landscape.OutcomeRouted, landscape.OutcomeCoalesced:
		if r.SinkName == "" {
			return fmt.Errorf("%w: outcome %s with no sink name", ErrUnknownSink, r.Outcome)
		}

		if r.Outcome == landscape.OutcomeRouted {
			o.counters.RowsRouted++
		} else {
			o.counters.RowsSucceeded++
		}

		data := r.FinalData
		if data == nil && r.Token != nil {
			data = r.Token.RowData
		}

		o.enqueue(r.SinkName, r.Token.TokenID, data, r.Outcome)

		return o.maybeFlush(ctx, r.SinkName)

	case landscape.OutcomeFailed:
		o.counters.RowsFailed++

		if r.Token == nil {
			return nil
		}

		errJSON := marshalReason(r.ErrorDetail)

		return o.recordOutcome(ctx, r.Token.TokenID, landscape.OutcomeFailed, &errJSON)

	case landscape.OutcomeQuarantined:
		o.counters.RowsQuarantined++
		return nil

	case landscape.OutcomeForked:
		o.counters.RowsForked++

		if r.Token == nil {
			return nil
		}

		return o.recordOutcome(ctx, r.Token.TokenID, landscape.OutcomeForked, nil)

	case landscape.OutcomeConsumedInBatch:
		o.counters.RowsConsumedInBatch++

		if r.Token == nil {
			return nil
		}

		return o.recordOutcome(ctx, r.Token.TokenID, landscape.OutcomeConsumedInBatch, nil)

	default:
		return nil
	}
}

func (o *Orchestrator) enqueue(sinkName, tokenID string, data token.RowData, outcome landscape.Outcome) {
	o.pending[sinkName] = append(o.pending[sinkName], pendingRow{tokenID: tokenID, data: data, outcome: outcome})
}

func (o *Orchestrator) maybeFlush(ctx context.Context, sinkName string) error {
	binding, ok := o.Sinks[sinkName]
	if !ok || binding.FlushThreshold <= 0 {
		return nil
	}

	if len(o.pending[sinkName]) >= binding.FlushThreshold {
		return o.flushSink(ctx, sinkName)
	}

	return nil
}

func (o *Orchestrator) flushSinksPastThreshold(ctx context.Context) error {
	for name, binding := range o.Sinks {
		if binding.FlushThreshold <= 0 {
			continue
		}

		if len(o.pending[name]) >= binding.FlushThreshold {
			if err := o.flushSink(ctx, name); err != nil {
				return err
			}
		}
	}

	return nil
}

// sweep checks aggregation triggers and coalesce timeouts; errors are
// swallowed into a best-effort pass because sweeping is cooperative
// housekeeping, not a per-row correctness requirement, matching spec §9's
// note that sweep frequency is implementation-defined between rows.
func (o *Orchestrator) sweep(ctx context.Context, now time.Time) {
	if o.Triggers != nil {
		_ = o.Triggers.CheckTimeouts(now)
	}

	if o.Coalesce != nil {
		outcomes, err := o.Coalesce.CheckTimeouts(now)
		if err == nil {
			for _, oc := range outcomes {
				_, _ = o.applyCoalesceOutcome(ctx, oc)
			}
		}
	}
}

func (o *Orchestrator) flushAggregations(_ context.Context) error {
	if o.Triggers == nil {
		return nil
	}

	for _, name := range o.Triggers.Names() {
		if _, err := o.Triggers.Flush(name); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) flushAllCoalesce(ctx context.Context) error {
	if o.Coalesce == nil {
		return nil
	}

	outcomes, err := o.Coalesce.FlushPending(time.Now())
	if err != nil {
		return err
	}

	for _, oc := range outcomes {
		if err := func() error {
			_, applyErr := o.applyCoalesceOutcome(ctx, oc)
			return applyErr
		}(); err != nil {
			return err
		}
	}

	return nil
}

// applyCoalesceOutcome records the terminal audit trail for a coalesce
// resolution discovered outside the normal per-token work queue (i.e. via
// a timeout or exhaustion sweep rather than processor.ProcessRow itself),
// and routes a merged token's row data into its downstream sink's pending
// list directly — a timeout/exhaustion-driven merge has nowhere further to
// walk in the spine, so it always lands at the coalesce's own downstream
// target, which the caller is expected to have wired as a sink name.
func (o *Orchestrator) applyCoalesceOutcome(ctx context.Context, oc *coalesce.Outcome) (bool, error) {
	switch oc.Kind {
	case coalesce.OutcomeHeld:
		return false, nil
	case coalesce.OutcomeMerged:
		for _, id := range oc.CoalescedTokenIDs {
			if err := o.recordOutcome(ctx, id, landscape.OutcomeCoalesced, nil); err != nil {
				return false, err
			}
		}

		o.counters.RowsCoalesced += int64(len(oc.CoalescedTokenIDs))

		return true, nil
	case coalesce.OutcomeFailure:
		reason := marshalReason(oc.FailureReason)
		for _, id := range oc.FailedTokenIDs {
			if err := o.recordOutcome(ctx, id, landscape.OutcomeFailed, &reason); err != nil {
				return false, err
			}
		}

		o.counters.RowsCoalesceFailed += int64(len(oc.FailedTokenIDs))

		return true, nil
	default:
		return false, nil
	}
}

func (o *Orchestrator) drainSinks(ctx context.Context) error {
	for name := range o.pending {
		if err := o.flushSink(ctx, name); err != nil {
			return err
		}
	}

	for _, binding := range o.Sinks {
		if err := binding.Sink.Close(ctx); err != nil {
			return fmt.Errorf("orchestrator: close sink: %w", err)
		}
	}

	return nil
}

// flushSink writes name's pending batch, and only after the write
// succeeds records the final token outcomes — sinks are the durability
// boundary per spec §4.11/§4.12.
func (o *Orchestrator) flushSink(ctx context.Context, name string) error {
	rows := o.pending[name]
	if len(rows) == 0 {
		return nil
	}

	binding, ok := o.Sinks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, name)
	}

	batch := make([]token.RowData, len(rows))
	for i, r := range rows {
		batch[i] = r.data
	}

	descriptor, err := binding.Sink.Write(ctx, batch)
	if err != nil {
		return fmt.Errorf("orchestrator: sink %s write: %w", name, err)
	}

	if err := binding.Sink.Flush(ctx); err != nil {
		return fmt.Errorf("orchestrator: sink %s flush: %w", name, err)
	}

	inputHash, err := canon.Hash(batch)
	if err != nil {
		return err
	}

	for _, r := range rows {
		state, err := o.Recorder.BeginNodeState(ctx, o.runID, r.tokenID, binding.NodeID, 0, 1, inputHash)
		if err != nil {
			return err
		}

		if err := o.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, &descriptor.ContentHash, nil, 0); err != nil {
			return err
		}

		if _, err := o.Recorder.RecordSinkArtifact(ctx, state.StateID, name, descriptor.Type, descriptor.PathOrURI, descriptor.SizeBytes, descriptor.ContentHash, nil); err != nil {
			return err
		}

		if r.outcome != "" {
			if err := o.recordOutcome(ctx, r.tokenID, r.outcome, nil); err != nil {
				return err
			}
		}
	}

	delete(o.pending, name)

	return nil
}

func marshalReason(reason string) string {
	if reason == "" {
		return `{}`
	}

	return fmt.Sprintf(`{"reason":%q}`, reason)
}

func hashRow(row token.RowData) (string, error) {
	return canon.Hash(row)
}
