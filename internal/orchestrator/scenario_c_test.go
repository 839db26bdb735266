package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/engine/coalesce"
	"github.com/tachyon-beep/elspeth/internal/engine/graph"
	"github.com/tachyon-beep/elspeth/internal/engine/processor"
	"github.com/tachyon-beep/elspeth/internal/engine/token"
	"github.com/tachyon-beep/elspeth/internal/engine/trigger"
	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// TestScenario_ForkCoalesce_MissingBranchFailsAtExhaustion forks a row down
// a gate that declares branches "a" and "b" to a require_all coalesce, but
// only ever routes branch "a" — branch "b" never arrives. Forked branches
// jump straight to their coalesce point with no further spine steps in
// this engine, so a branch can't itself fail a transform once it's
// fork-bound to a coalesce; the reachable failure path is the coalesce
// giving up on a branch that never shows, which FlushPending forces at
// source exhaustion and which the orchestrator reports as
// RowsCoalesceFailed with the waiting sibling's token marked FAILED.
func TestScenario_ForkCoalesce_MissingBranchFailsAtExhaustion(t *testing.T) {
	rec := newFakeRecorder()

	splitter := &fnGate{name: "splitter", fn: func(_ context.Context, _ token.RowData) (processor.RoutingAction, error) {
		return processor.RoutingAction{Kind: processor.RouteForkToPaths, Branches: map[string]string{"a": "agg_a"}}, nil
	}}

	g, _, err := graph.Build(graph.BuildSpec{
		SourceName: "src",
		Gates:      []graph.GateSpec{{Name: "splitter", ForkTo: map[string]string{"a": "agg_a", "b": "agg_b"}}},
		Coalesces: []graph.CoalesceSpec{
			{Name: "rejoin", Branches: []string{"a", "b"}, ProducingGate: "splitter", Downstream: "out"},
		},
		Aggregations: []string{"agg_a", "agg_b"},
		DefaultSink:  "out",
	})
	require.NoError(t, err)

	coalExec := coalesce.NewExecutor([]*coalesce.Config{
		{Name: "rejoin", Branches: []string{"a", "b"}, Policy: coalesce.PolicyRequireAll, Merge: coalesce.MergeUnion},
	})

	proc := &processor.Processor{
		Graph:            g,
		Recorder:         rec,
		Tokens:           token.NewManager(),
		Coalesce:         coalExec,
		Gates:            []processor.GateConfig{{Gate: splitter, NodeID: "gate:splitter"}},
		BranchToCoalesce: g.GetBranchToCoalesceMap(),
		CoalesceGateIdx:  g.GetCoalesceGateIndex(),
		DefaultSinkName:  "out",
		SourceNodeID:     "source:src",
	}

	out := &captureSink{name: "out"}

	src := &sliceSource{name: "src", items: []SourceItem{
		{Valid: true, Row: token.RowData{"k": "x"}},
	}}

	o := &Orchestrator{
		Recorder:         rec,
		Graph:            g,
		Processor:        proc,
		Source:           src,
		Sinks:            map[string]*SinkBinding{"out": {Sink: out, NodeID: "sink:out"}},
		Coalesce:         coalExec,
		Triggers:         trigger.NewEvaluator(),
		ConfigHash:       "cfg-hash",
		CanonicalVersion: "v1",
	}

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, landscape.RunCompleted, result.Status)
	assert.Equal(t, int64(1), result.Counters.RowsForked)
	assert.Equal(t, int64(1), result.Counters.RowsCoalesceFailed)
	assert.Empty(t, out.batches)

	failedCount := 0
	for _, outcome := range rec.tokenOutcomes {
		if outcome == landscape.OutcomeFailed {
			failedCount++
		}
	}
	assert.Equal(t, 1, failedCount)
}

// TestScenario_BranchTransformError_DivertsToErrorSink exercises the
// sibling half of the scenario on its own terms: a branch that runs
// through an ordinary (non coalesce-bound) transform step and fails is
// diverted to its configured error sink with a __error_N__ routing event,
// the same mechanism TestRun_TransformError_RoutesToErrorSink already
// covers for an unbranched token.
func TestScenario_BranchTransformError_DivertsToErrorSink(t *testing.T) {
	rec := newFakeRecorder()

	boom := assert.AnError
	flaky := &fnTransform{name: "flaky", fn: func(_ context.Context, _ token.RowData) (token.RowData, error) {
		return nil, boom
	}}

	g, _, err := graph.Build(graph.BuildSpec{
		SourceName:  "src",
		Transforms:  []graph.TransformSpec{{Name: "flaky", OnError: "error_sink"}},
		DefaultSink: "out",
	})
	require.NoError(t, err)

	proc := &processor.Processor{
		Graph:           g,
		Recorder:        rec,
		Tokens:          token.NewManager(),
		Coalesce:        coalesce.NewExecutor(nil),
		Transforms:      []processor.TransformConfig{{Transform: flaky, NodeID: "transform:0:flaky", OnError: "error_sink"}},
		DefaultSinkName: "out",
		SourceNodeID:    "source:src",
	}

	out := &captureSink{name: "out"}
	errSink := &captureSink{name: "error_sink"}

	src := &sliceSource{name: "src", items: []SourceItem{
		{Valid: true, Row: token.RowData{"k": "b"}},
	}}

	o := &Orchestrator{
		Recorder:  rec,
		Graph:     g,
		Processor: proc,
		Source:    src,
		Sinks: map[string]*SinkBinding{
			"out":        {Sink: out, NodeID: "sink:out"},
			"error_sink": {Sink: errSink, NodeID: "sink:error_sink"},
		},
		ConfigHash:       "cfg-hash",
		CanonicalVersion: "v1",
	}

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Counters.RowsRouted)
	assert.Empty(t, out.batches)
	require.Len(t, errSink.batches, 1)

	divertFound := false
	for _, ev := range rec.routingEvents {
		if ev.Mode == landscape.ModeDivert {
			divertFound = true
		}
	}
	assert.True(t, divertFound)
}
