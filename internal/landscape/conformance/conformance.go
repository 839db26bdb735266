// Package conformance runs one shared battery of invariant assertions
// against any landscape.Recorder + landscape.LineageReader implementation,
// so the Postgres and SQLite backends are held to identical behavior.
package conformance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// Backend is the combined surface a conformance target must satisfy.
type Backend interface {
	landscape.Recorder
	landscape.LineageReader
}

// RunSuite exercises the invariants of §8 (items 1-6 in the source spec)
// against backend: idempotent row recording, node-state attempt uniqueness,
// call-index uniqueness, duplicate-key surfacing, and round-trip lineage
// reconstruction.
func RunSuite(t *testing.T, backend Backend) {
	t.Helper()

	t.Run("BeginRun_CreatesRunningRun", func(t *testing.T) { testBeginRun(t, backend) })
	t.Run("RecordRow_IsIdempotentOnSourceAndIndex", func(t *testing.T) { testRecordRowIdempotent(t, backend) })
	t.Run("NodeState_AttemptUniquenessEnforced", func(t *testing.T) { testNodeStateUniqueness(t, backend) })
	t.Run("Call_IndexUniquenessEnforced", func(t *testing.T) { testCallIndexUniqueness(t, backend) })
	t.Run("AllocateCallIndex_IsMonotonicPerState", func(t *testing.T) { testAllocateCallIndexMonotonic(t, backend) })
	t.Run("Explain_ReconstructsFullLineage", func(t *testing.T) { testExplainRoundTrip(t, backend) })
	t.Run("Graph_ReturnsRegisteredNodesAndEdges", func(t *testing.T) { testGraphRoundTrip(t, backend) })
	t.Run("Explain_UnknownSubjectIsNotFound", func(t *testing.T) { testExplainNotFound(t, backend) })
}

func testBeginRun(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()

	run, err := b.BeginRun(ctx, "cfg-hash-1", "v1")
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, landscape.RunRunning, run.Status)
}

func testRecordRowIdempotent(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()

	run, err := b.BeginRun(ctx, "cfg-hash-2", "v1")
	require.NoError(t, err)

	source, err := b.RegisterNode(ctx, run.RunID, "csv-source", landscape.NodeSource, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	first, err := b.RecordRow(ctx, run.RunID, source.NodeID, 0, hash64("row-0"), nil)
	require.NoError(t, err)

	second, err := b.RecordRow(ctx, run.RunID, source.NodeID, 0, hash64("row-0"), nil)
	require.NoError(t, err)

	assert.Equal(t, first.RowID, second.RowID, "recording the same (run, source, index) twice must be idempotent")
}

func testNodeStateUniqueness(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()

	run, err := b.BeginRun(ctx, "cfg-hash-3", "v1")
	require.NoError(t, err)

	source, err := b.RegisterNode(ctx, run.RunID, "csv-source", landscape.NodeSource, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	row, err := b.RecordRow(ctx, run.RunID, source.NodeID, 1, hash64("row-1"), nil)
	require.NoError(t, err)

	token, err := b.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)

	_, err = b.BeginNodeState(ctx, run.RunID, token.TokenID, source.NodeID, 0, 1, hash64("input"))
	require.NoError(t, err)

	_, err = b.BeginNodeState(ctx, run.RunID, token.TokenID, source.NodeID, 0, 1, hash64("input"))
	require.Error(t, err, "(token_id, node_id, attempt) must be unique")
	assert.True(t, landscape.IsDuplicateKey(err))
}

func testCallIndexUniqueness(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()

	run, err := b.BeginRun(ctx, "cfg-hash-4", "v1")
	require.NoError(t, err)

	source, err := b.RegisterNode(ctx, run.RunID, "csv-source", landscape.NodeSource, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	row, err := b.RecordRow(ctx, run.RunID, source.NodeID, 2, hash64("row-2"), nil)
	require.NoError(t, err)

	token, err := b.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)

	state, err := b.BeginNodeState(ctx, run.RunID, token.TokenID, source.NodeID, 1, 1, hash64("input"))
	require.NoError(t, err)

	_, err = b.RecordCall(ctx, state.StateID, 0, "http", landscape.CallSuccess, hash64("req"), nil, nil, 10, nil, nil)
	require.NoError(t, err)

	_, err = b.RecordCall(ctx, state.StateID, 0, "http", landscape.CallSuccess, hash64("req"), nil, nil, 10, nil, nil)
	require.Error(t, err, "(state_id, call_index) must be unique")
	assert.True(t, landscape.IsDuplicateKey(err))
}

func testAllocateCallIndexMonotonic(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()

	run, err := b.BeginRun(ctx, "cfg-hash-5", "v1")
	require.NoError(t, err)

	source, err := b.RegisterNode(ctx, run.RunID, "csv-source", landscape.NodeSource, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	row, err := b.RecordRow(ctx, run.RunID, source.NodeID, 3, hash64("row-3"), nil)
	require.NoError(t, err)

	token, err := b.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)

	state, err := b.BeginNodeState(ctx, run.RunID, token.TokenID, source.NodeID, 1, 1, hash64("input"))
	require.NoError(t, err)

	idx0, err := b.AllocateCallIndex(ctx, state.StateID)
	require.NoError(t, err)
	idx1, err := b.AllocateCallIndex(ctx, state.StateID)
	require.NoError(t, err)

	assert.Equal(t, idx0+1, idx1, "call indices must be monotonic per state")
}

func testExplainRoundTrip(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()

	run, err := b.BeginRun(ctx, "cfg-hash-6", "v1")
	require.NoError(t, err)

	source, err := b.RegisterNode(ctx, run.RunID, "csv-source", landscape.NodeSource, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	sink, err := b.RegisterNode(ctx, run.RunID, "stdout-sink", landscape.NodeSink, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	edge, err := b.RegisterEdge(ctx, run.RunID, source.NodeID, sink.NodeID, landscape.LabelContinue, landscape.ModeMove)
	require.NoError(t, err)

	row, err := b.RecordRow(ctx, run.RunID, source.NodeID, 4, hash64("row-4"), nil)
	require.NoError(t, err)

	token, err := b.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)

	state, err := b.BeginNodeState(ctx, run.RunID, token.TokenID, source.NodeID, 0, 1, hash64("input"))
	require.NoError(t, err)

	outputHash := hash64("output")
	require.NoError(t, b.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, &outputHash, nil, 5))

	_, err = b.RecordRoutingEvent(ctx, state.StateID, edge.EdgeID, landscape.ModeMove, hash64("reason"))
	require.NoError(t, err)

	require.NoError(t, b.RecordTokenOutcome(ctx, token.TokenID, landscape.OutcomeCompleted, nil))

	lineage, err := b.Explain(ctx, run.RunID, row.RowID)
	require.NoError(t, err)

	assert.Equal(t, row.RowID, lineage.Row.RowID)
	assert.Len(t, lineage.Tokens, 1)
	assert.Len(t, lineage.NodeStates, 1)
	assert.Len(t, lineage.RoutingEvents, 1)
	require.Len(t, lineage.Outcomes, 1)
	assert.Equal(t, landscape.OutcomeCompleted, lineage.Outcomes[0].Outcome)

	// Explain must also resolve by token_id, not just row_id.
	byToken, err := b.Explain(ctx, run.RunID, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, row.RowID, byToken.Row.RowID)
}

func testGraphRoundTrip(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()

	run, err := b.BeginRun(ctx, "cfg-hash-7", "v1")
	require.NoError(t, err)

	source, err := b.RegisterNode(ctx, run.RunID, "csv-source", landscape.NodeSource, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	sink, err := b.RegisterNode(ctx, run.RunID, "stdout-sink", landscape.NodeSink, "v1", "node-cfg-hash", "{}")
	require.NoError(t, err)

	_, err = b.RegisterEdge(ctx, run.RunID, source.NodeID, sink.NodeID, landscape.LabelContinue, landscape.ModeMove)
	require.NoError(t, err)

	graph, err := b.Graph(ctx, run.RunID)
	require.NoError(t, err)

	assert.Len(t, graph.Nodes, 2)
	assert.Len(t, graph.Edges, 1)
}

func testExplainNotFound(t *testing.T, b Backend) {
	t.Helper()

	_, err := b.Explain(context.Background(), "nonexistent-run", "nonexistent-subject")
	require.Error(t, err)
	assert.True(t, landscape.IsNotFound(err))
}

// hash64 fabricates a syntactically valid 64-char hex hash for test fixtures
// without pulling in the canonical hasher (exercised separately).
func hash64(seed string) string {
	const hexDigits = "0123456789abcdef"

	out := make([]byte, 64)

	for i := range out {
		out[i] = hexDigits[(int(seed[i%len(seed)])+i)%16]
	}

	return string(out)
}
