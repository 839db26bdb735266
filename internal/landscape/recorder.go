package landscape

import (
	"context"
	"time"
)

// Recorder is the write side of the Landscape. Every observable engine event
// is persisted through it before it is allowed to surface to a plugin, a
// telemetry exporter, or the orchestrator's own counters.
//
// All writes are synchronous from the caller's perspective: a method does not
// return until the backing store has durably accepted the row. Failures on
// Tier-1 records (per the engine's error-handling design) are fatal to the
// run - callers should treat a non-nil error from any Recorder method as a
// reason to crash, not retry silently. Duplicate-key violations on uniqueness
// constraints (NodeState (token_id, node_id, attempt), Call (state_id,
// call_index)) are surfaced to the caller; double-recording is a caller bug,
// not a storage concern. RecordRow is the exception: it is idempotent.
type Recorder interface {
	// BeginRun creates a new Run row with status RUNNING.
	BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error)

	// FinalizeRun sets a run's terminal status and completion timestamp.
	FinalizeRun(ctx context.Context, runID string, status RunStatus, endTS time.Time) error

	// RegisterNode persists one vertex of the execution graph.
	RegisterNode(ctx context.Context, runID, pluginName string, nodeType NodeType, pluginVersion, configHash, schemaJSON string) (*Node, error)

	// RegisterEdge persists one directed connection between two nodes.
	RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode EdgeMode) (*Edge, error)

	// RecordRow persists a source row on first observation. Idempotent on
	// (run_id, source_node_id, row_index): a second call with the same key
	// returns the previously recorded Row rather than erroring, so resume
	// logic can safely re-observe rows already on disk.
	RecordRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, rowHash string, rowRef *string) (*Row, error)

	// CreateToken allocates a new token. parentTokenID/branchName are nil for
	// a root token; both set together identify a fork child.
	CreateToken(ctx context.Context, rowID string, parentTokenID, branchName *string) (*Token, error)

	// BeginNodeState opens a NodeState for a token's visit to a node.
	BeginNodeState(ctx context.Context, runID, tokenID, nodeID string, stepIndex, attempt int, inputHash string) (*NodeState, error)

	// CompleteNodeState closes a previously opened NodeState.
	CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputHash *string, errorJSON *string, durationMs int64) error

	// RecordRoutingEvent records a routing decision made by the owner of stateID.
	RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode EdgeMode, reasonHash string) (*RoutingEvent, error)

	// AllocateCallIndex returns the next monotonic call_index for a NodeState.
	// Must be safe to call concurrently for the same stateID (per-state serialization).
	AllocateCallIndex(ctx context.Context, stateID string) (int, error)

	// RecordCall persists one external-call attempt. Uniqueness on
	// (state_id, call_index); a duplicate is a caller bug and is returned as
	// an error, never silently overwritten.
	RecordCall(ctx context.Context, stateID string, callIndex int, callType string, status CallStatus, requestHash string, responseHash *string, errorJSON *string, latencyMs int64, requestRef, responseRef *string) (*Call, error)

	// RecordTokenOutcome records a token's terminal disposition. Every token
	// reaches exactly one outcome; recording a second outcome for the same
	// token is a caller bug.
	RecordTokenOutcome(ctx context.Context, tokenID string, outcome Outcome, errorJSON *string) error

	// RecordValidationError records a source-side validation failure.
	RecordValidationError(ctx context.Context, runID, rowID, nodeID, schemaMode, errDetail, destination string) (*ValidationError, error)

	// RecordTransformError records a transform-side failure.
	RecordTransformError(ctx context.Context, runID, stateID, tokenID, transformID, errDetailsJSON, destination string) (*TransformError, error)

	// RecordSinkArtifact records the descriptor a sink returned for a batch write.
	RecordSinkArtifact(ctx context.Context, stateID, sinkName, artifactType, pathOrURI string, sizeBytes int64, contentHash string, metadataJSON *string) (*SinkArtifact, error)
}
