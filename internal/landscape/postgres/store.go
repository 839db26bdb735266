package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique-constraint failure.
// See https://www.postgresql.org/docs/current/errcodes-appendix.html.
const uniqueViolation = "23505"

// Store implements landscape.Recorder and landscape.LineageReader against a
// PostgreSQL-backed Landscape schema (§6.1). Writes are append-only except
// run finalization, node-state completion and the per-state call-index
// counter, matching the engine's lifecycle contract.
type Store struct {
	conn *Connection
}

// Compile-time interface assertions, mirroring the teacher's
// var _ ingestion.Store = (*LineageStore)(nil) idiom.
var (
	_ landscape.Recorder      = (*Store)(nil)
	_ landscape.LineageReader = (*Store)(nil)
)

// NewStore wraps conn as a landscape Store. Returns an error if conn is nil.
func NewStore(conn *Connection) (*Store, error) {
	if conn == nil {
		return nil, errors.New("landscape/postgres: connection is nil")
	}

	return &Store{conn: conn}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

func newID() string {
	return uuid.NewString()
}

func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("landscape/postgres: %s: %w: %s", op, landscape.ErrDuplicateKey, pqErr.Constraint)
	}

	return fmt.Errorf("landscape/postgres: %s: %w", op, err)
}

// BeginRun implements landscape.Recorder.
func (s *Store) BeginRun(ctx context.Context, configHash, canonicalVersion string) (*landscape.Run, error) {
	run := &landscape.Run{
		RunID:            newID(),
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
		StartedAt:        time.Now().UTC(),
		Status:           landscape.RunRunning,
	}

	const q = `INSERT INTO runs (run_id, config_hash, canonical_version, started_at, status)
	           VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.conn.ExecContext(ctx, q, run.RunID, run.ConfigHash, run.CanonicalVersion, run.StartedAt, run.Status); err != nil {
		return nil, wrapWrite("begin_run", err)
	}

	return run, nil
}

// FinalizeRun implements landscape.Recorder.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status landscape.RunStatus, endTS time.Time) error {
	const q = `UPDATE runs SET status = $2, completed_at = $3 WHERE run_id = $1`

	res, err := s.conn.ExecContext(ctx, q, runID, status, endTS)
	if err != nil {
		return wrapWrite("finalize_run", err)
	}

	return checkRowsAffected(res, "finalize_run", runID)
}

// RegisterNode implements landscape.Recorder.
func (s *Store) RegisterNode(
	ctx context.Context,
	runID, pluginName string,
	nodeType landscape.NodeType,
	pluginVersion, configHash, schemaJSON string,
) (*landscape.Node, error) {
	node := &landscape.Node{
		NodeID:        newID(),
		RunID:         runID,
		PluginName:    pluginName,
		PluginVersion: pluginVersion,
		NodeType:      nodeType,
		ConfigHash:    configHash,
		SchemaJSON:    schemaJSON,
	}

	const q = `INSERT INTO nodes (node_id, run_id, plugin_name, plugin_version, node_type, config_hash, schema_json)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.conn.ExecContext(ctx, q,
		node.NodeID, node.RunID, node.PluginName, node.PluginVersion, node.NodeType, node.ConfigHash, node.SchemaJSON,
	); err != nil {
		return nil, wrapWrite("register_node", err)
	}

	return node, nil
}

// RegisterEdge implements landscape.Recorder.
func (s *Store) RegisterEdge(
	ctx context.Context,
	runID, fromNodeID, toNodeID, label string,
	mode landscape.EdgeMode,
) (*landscape.Edge, error) {
	edge := &landscape.Edge{
		EdgeID:      newID(),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: mode,
	}

	const q = `INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode)
	           VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.conn.ExecContext(ctx, q, edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label, edge.DefaultMode); err != nil {
		return nil, wrapWrite("register_edge", err)
	}

	return edge, nil
}

// RecordRow implements landscape.Recorder. Idempotent on
// (run_id, source_node_id, row_index): ON CONFLICT returns the existing row.
func (s *Store) RecordRow(
	ctx context.Context,
	runID, sourceNodeID string,
	rowIndex int64,
	rowHash string,
	rowRef *string,
) (*landscape.Row, error) {
	row := &landscape.Row{
		RowID:        newID(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		RowHash:      rowHash,
		RowRef:       rowRef,
	}

	const q = `INSERT INTO rows (row_id, run_id, source_node_id, row_index, row_hash, row_ref)
	           VALUES ($1, $2, $3, $4, $5, $6)
	           ON CONFLICT (run_id, source_node_id, row_index) DO UPDATE SET row_id = rows.row_id
	           RETURNING row_id`

	if err := s.conn.QueryRowContext(ctx, q, row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.RowHash, row.RowRef).
		Scan(&row.RowID); err != nil {
		return nil, wrapWrite("record_row", err)
	}

	return row, nil
}

// CreateToken implements landscape.Recorder.
func (s *Store) CreateToken(ctx context.Context, rowID string, parentTokenID, branchName *string) (*landscape.Token, error) {
	token := &landscape.Token{
		TokenID:       newID(),
		RowID:         rowID,
		ParentTokenID: parentTokenID,
		BranchName:    branchName,
	}

	const q = `INSERT INTO tokens (token_id, row_id, parent_token_id, branch_name) VALUES ($1, $2, $3, $4)`

	if _, err := s.conn.ExecContext(ctx, q, token.TokenID, token.RowID, token.ParentTokenID, token.BranchName); err != nil {
		return nil, wrapWrite("create_token", err)
	}

	return token, nil
}

// BeginNodeState implements landscape.Recorder.
func (s *Store) BeginNodeState(
	ctx context.Context,
	runID, tokenID, nodeID string,
	stepIndex, attempt int,
	inputHash string,
) (*landscape.NodeState, error) {
	state := &landscape.NodeState{
		StateID:   newID(),
		RunID:     runID,
		TokenID:   tokenID,
		NodeID:    nodeID,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Status:    landscape.StateRunning,
		StartedAt: time.Now().UTC(),
		InputHash: inputHash,
	}

	const q = `INSERT INTO node_states (state_id, run_id, token_id, node_id, step_index, attempt, status, started_at, input_hash)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := s.conn.ExecContext(ctx, q,
		state.StateID, state.RunID, state.TokenID, state.NodeID, state.StepIndex, state.Attempt, state.Status, state.StartedAt, state.InputHash,
	); err != nil {
		return nil, wrapWrite("begin_node_state", err)
	}

	return state, nil
}

// CompleteNodeState implements landscape.Recorder.
func (s *Store) CompleteNodeState(
	ctx context.Context,
	stateID string,
	status landscape.NodeStateStatus,
	outputHash *string,
	errorJSON *string,
	durationMs int64,
) error {
	const q = `UPDATE node_states
	           SET status = $2, completed_at = $3, output_hash = $4, error_json = $5, duration_ms = $6
	           WHERE state_id = $1`

	res, err := s.conn.ExecContext(ctx, q, stateID, status, time.Now().UTC(), outputHash, errorJSON, durationMs)
	if err != nil {
		return wrapWrite("complete_node_state", err)
	}

	return checkRowsAffected(res, "complete_node_state", stateID)
}

// RecordRoutingEvent implements landscape.Recorder.
func (s *Store) RecordRoutingEvent(
	ctx context.Context,
	stateID, edgeID string,
	mode landscape.EdgeMode,
	reasonHash string,
) (*landscape.RoutingEvent, error) {
	event := &landscape.RoutingEvent{
		EventID:    newID(),
		StateID:    stateID,
		EdgeID:     edgeID,
		Mode:       mode,
		ReasonHash: reasonHash,
	}

	const q = `INSERT INTO routing_events (event_id, state_id, edge_id, mode, reason_hash) VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.conn.ExecContext(ctx, q, event.EventID, event.StateID, event.EdgeID, event.Mode, event.ReasonHash); err != nil {
		return nil, wrapWrite("record_routing_event", err)
	}

	return event, nil
}

// AllocateCallIndex implements landscape.Recorder. Serialized per state_id
// via an atomic UPDATE ... RETURNING against a per-state counter column.
func (s *Store) AllocateCallIndex(ctx context.Context, stateID string) (int, error) {
	const q = `UPDATE node_states SET next_call_index = next_call_index + 1
	           WHERE state_id = $1
	           RETURNING next_call_index - 1`

	var idx int

	if err := s.conn.QueryRowContext(ctx, q, stateID).Scan(&idx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("landscape/postgres: allocate_call_index: %w: state %s", landscape.ErrNotFound, stateID)
		}

		return 0, wrapWrite("allocate_call_index", err)
	}

	return idx, nil
}

// RecordCall implements landscape.Recorder. Uniqueness on (state_id, call_index).
func (s *Store) RecordCall(
	ctx context.Context,
	stateID string,
	callIndex int,
	callType string,
	status landscape.CallStatus,
	requestHash string,
	responseHash *string,
	errorJSON *string,
	latencyMs int64,
	requestRef, responseRef *string,
) (*landscape.Call, error) {
	call := &landscape.Call{
		CallID:       newID(),
		StateID:      stateID,
		CallIndex:    callIndex,
		CallType:     callType,
		Status:       status,
		RequestHash:  requestHash,
		RequestRef:   requestRef,
		ResponseHash: responseHash,
		ResponseRef:  responseRef,
		ErrorJSON:    errorJSON,
		LatencyMs:    latencyMs,
		CreatedAt:    time.Now().UTC(),
	}

	const q = `INSERT INTO calls
	           (call_id, state_id, call_index, call_type, status, request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	if _, err := s.conn.ExecContext(ctx, q,
		call.CallID, call.StateID, call.CallIndex, call.CallType, call.Status,
		call.RequestHash, call.RequestRef, call.ResponseHash, call.ResponseRef,
		call.ErrorJSON, call.LatencyMs, call.CreatedAt,
	); err != nil {
		return nil, wrapWrite("record_call", err)
	}

	return call, nil
}

// RecordTokenOutcome implements landscape.Recorder.
func (s *Store) RecordTokenOutcome(ctx context.Context, tokenID string, outcome landscape.Outcome, errorJSON *string) error {
	const q = `INSERT INTO token_outcomes (token_id, outcome, error_json, recorded_at) VALUES ($1, $2, $3, $4)`

	if _, err := s.conn.ExecContext(ctx, q, tokenID, outcome, errorJSON, time.Now().UTC()); err != nil {
		return wrapWrite("record_token_outcome", err)
	}

	return nil
}

// RecordValidationError implements landscape.Recorder.
func (s *Store) RecordValidationError(
	ctx context.Context,
	runID, rowID, nodeID, schemaMode, errDetail, destination string,
) (*landscape.ValidationError, error) {
	ve := &landscape.ValidationError{
		ErrorID:     newID(),
		RunID:       runID,
		RowID:       rowID,
		NodeID:      nodeID,
		SchemaMode:  schemaMode,
		Error:       errDetail,
		Destination: destination,
	}

	const q = `INSERT INTO validation_errors (error_id, run_id, row_id, node_id, schema_mode, error, destination)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.conn.ExecContext(ctx, q, ve.ErrorID, ve.RunID, ve.RowID, ve.NodeID, ve.SchemaMode, ve.Error, ve.Destination); err != nil {
		return nil, wrapWrite("record_validation_error", err)
	}

	return ve, nil
}

// RecordTransformError implements landscape.Recorder.
func (s *Store) RecordTransformError(
	ctx context.Context,
	runID, stateID, tokenID, transformID, errDetailsJSON, destination string,
) (*landscape.TransformError, error) {
	te := &landscape.TransformError{
		ErrorID:          newID(),
		RunID:            runID,
		StateID:          stateID,
		TokenID:          tokenID,
		TransformID:      transformID,
		ErrorDetailsJSON: errDetailsJSON,
		Destination:      destination,
	}

	const q = `INSERT INTO transform_errors (error_id, run_id, state_id, token_id, transform_id, error_details_json, destination)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.conn.ExecContext(ctx, q,
		te.ErrorID, te.RunID, te.StateID, te.TokenID, te.TransformID, te.ErrorDetailsJSON, te.Destination,
	); err != nil {
		return nil, wrapWrite("record_transform_error", err)
	}

	return te, nil
}

// RecordSinkArtifact implements landscape.Recorder.
func (s *Store) RecordSinkArtifact(
	ctx context.Context,
	stateID, sinkName, artifactType, pathOrURI string,
	sizeBytes int64,
	contentHash string,
	metadataJSON *string,
) (*landscape.SinkArtifact, error) {
	artifact := &landscape.SinkArtifact{
		ArtifactID:   newID(),
		StateID:      stateID,
		SinkName:     sinkName,
		ArtifactType: artifactType,
		PathOrURI:    pathOrURI,
		SizeBytes:    sizeBytes,
		ContentHash:  contentHash,
		MetadataJSON: metadataJSON,
	}

	const q = `INSERT INTO sink_artifacts (artifact_id, state_id, sink_name, artifact_type, path_or_uri, size_bytes, content_hash, metadata_json)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := s.conn.ExecContext(ctx, q,
		artifact.ArtifactID, artifact.StateID, artifact.SinkName, artifact.ArtifactType,
		artifact.PathOrURI, artifact.SizeBytes, artifact.ContentHash, artifact.MetadataJSON,
	); err != nil {
		return nil, wrapWrite("record_sink_artifact", err)
	}

	return artifact, nil
}

func checkRowsAffected(res sql.Result, op, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("landscape/postgres: %s: %w", op, err)
	}

	if n == 0 {
		return fmt.Errorf("landscape/postgres: %s: %w: %s", op, landscape.ErrNotFound, key)
	}

	return nil
}
