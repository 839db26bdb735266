// Package sqlite provides an embeddable single-file Landscape backend
// (modernc.org/sqlite, pure Go, no cgo) for local development runs and for
// the explain/dag CLI commands against a completed run without a Postgres
// instance.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

const sqliteDriver = "sqlite"

// Store implements landscape.Recorder and landscape.LineageReader against a
// single SQLite file. SQLite serializes writers internally; callIndexMu adds
// the per-state monotonic counter serialization the engine's concurrency
// model requires (§5: AllocateCallIndex must be safe under concurrent
// pooled-executor workers).
type Store struct {
	db         *sql.DB
	callIndexMu sync.Mutex
}

var (
	_ landscape.Recorder      = (*Store)(nil)
	_ landscape.LineageReader = (*Store)(nil)
)

// Open creates (or reuses) a SQLite database file at path and ensures the
// Landscape schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("landscape/sqlite: open: %w", err)
	}

	// SQLite has a single writer; cap the pool so concurrent callers queue
	// rather than hit "database is locked".
	db.SetMaxOpenConns(1)

	store := &Store{db: db}

	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// HealthCheck verifies the database file is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func newID() string {
	return uuid.NewString()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("landscape/sqlite: migrate: %w", err)
		}
	}

	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		config_hash TEXT NOT NULL,
		canonical_version TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		plugin_name TEXT NOT NULL,
		plugin_version TEXT NOT NULL,
		node_type TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		schema_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		edge_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		from_node_id TEXT NOT NULL REFERENCES nodes(node_id),
		to_node_id TEXT NOT NULL REFERENCES nodes(node_id),
		label TEXT NOT NULL,
		default_mode TEXT NOT NULL,
		UNIQUE (from_node_id, label)
	)`,
	`CREATE TABLE IF NOT EXISTS rows_ (
		row_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		source_node_id TEXT NOT NULL REFERENCES nodes(node_id),
		row_index INTEGER NOT NULL,
		row_hash TEXT NOT NULL,
		row_ref TEXT,
		UNIQUE (run_id, source_node_id, row_index)
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token_id TEXT PRIMARY KEY,
		row_id TEXT NOT NULL REFERENCES rows_(row_id),
		parent_token_id TEXT REFERENCES tokens(token_id),
		branch_name TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS node_states (
		state_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		node_id TEXT NOT NULL REFERENCES nodes(node_id),
		step_index INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		input_hash TEXT NOT NULL,
		output_hash TEXT,
		error_json TEXT,
		duration_ms INTEGER,
		next_call_index INTEGER NOT NULL DEFAULT 0,
		UNIQUE (token_id, node_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS routing_events (
		event_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		edge_id TEXT NOT NULL REFERENCES edges(edge_id),
		mode TEXT NOT NULL,
		reason_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		call_index INTEGER NOT NULL,
		call_type TEXT NOT NULL,
		status TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		request_ref TEXT,
		response_hash TEXT,
		response_ref TEXT,
		error_json TEXT,
		latency_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (state_id, call_index)
	)`,
	`CREATE TABLE IF NOT EXISTS token_outcomes (
		token_id TEXT PRIMARY KEY REFERENCES tokens(token_id),
		outcome TEXT NOT NULL,
		error_json TEXT,
		recorded_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validation_errors (
		error_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		row_id TEXT NOT NULL REFERENCES rows_(row_id),
		node_id TEXT NOT NULL REFERENCES nodes(node_id),
		schema_mode TEXT NOT NULL,
		error TEXT NOT NULL,
		destination TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transform_errors (
		error_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		transform_id TEXT NOT NULL,
		error_details_json TEXT NOT NULL,
		destination TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sink_artifacts (
		artifact_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		sink_name TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		path_or_uri TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		metadata_json TEXT
	)`,
}

func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}

	if isUniqueConstraintErr(err) {
		return fmt.Errorf("landscape/sqlite: %s: %w", op, landscape.ErrDuplicateKey)
	}

	return fmt.Errorf("landscape/sqlite: %s: %w", op, err)
}

// isUniqueConstraintErr matches modernc.org/sqlite's error text for a UNIQUE
// constraint violation; the driver does not expose a typed sentinel.
func isUniqueConstraintErr(err error) bool {
	return err != nil && containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}

	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}

	return -1
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

	const q = `INSERT INTO runs (run_id, config_hash, canonical_version, started_at, status) VALUES (?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, run.RunID, run.ConfigHash, run.CanonicalVersion, run.StartedAt, run.Status); err != nil {
		return nil, wrapWrite("begin_run", err)
	}

	return run, nil
}

// FinalizeRun implements landscape.Recorder.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status landscape.RunStatus, endTS time.Time) error {
	const q = `UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`

	res, err := s.db.ExecContext(ctx, q, status, endTS, runID)
	if err != nil {
		return wrapWrite("finalize_run", err)
	}

	return checkRowsAffected(res, "finalize_run", runID)
}

func checkRowsAffected(res sql.Result, op, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("landscape/sqlite: %s: %w", op, err)
	}

	if n == 0 {
		return fmt.Errorf("landscape/sqlite: %s: %w: %s", op, landscape.ErrNotFound, key)
	}

	return nil
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

	const q = `INSERT INTO nodes (node_id, run_id, plugin_name, plugin_version, node_type, config_hash, schema_json) VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, node.NodeID, node.RunID, node.PluginName, node.PluginVersion, node.NodeType, node.ConfigHash, node.SchemaJSON); err != nil {
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

	const q = `INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode) VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label, edge.DefaultMode); err != nil {
		return nil, wrapWrite("register_edge", err)
	}

	return edge, nil
}

// RecordRow implements landscape.Recorder.
func (s *Store) RecordRow(
	ctx context.Context,
	runID, sourceNodeID string,
	rowIndex int64,
	rowHash string,
	rowRef *string,
) (*landscape.Row, error) {
	const existingQ = `SELECT row_id FROM rows_ WHERE run_id = ? AND source_node_id = ? AND row_index = ?`

	var existingID string

	err := s.db.QueryRowContext(ctx, existingQ, runID, sourceNodeID, rowIndex).Scan(&existingID)
	if err == nil {
		return &landscape.Row{
			RowID: existingID, RunID: runID, SourceNodeID: sourceNodeID, RowIndex: rowIndex, RowHash: rowHash, RowRef: rowRef,
		}, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapWrite("record_row", err)
	}

	row := &landscape.Row{
		RowID:        newID(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		RowHash:      rowHash,
		RowRef:       rowRef,
	}

	const insertQ = `INSERT INTO rows_ (row_id, run_id, source_node_id, row_index, row_hash, row_ref) VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, insertQ, row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.RowHash, row.RowRef); err != nil {
		return nil, wrapWrite("record_row", err)
	}

	return row, nil
}

// CreateToken implements landscape.Recorder.
func (s *Store) CreateToken(ctx context.Context, rowID string, parentTokenID, branchName *string) (*landscape.Token, error) {
	token := &landscape.Token{TokenID: newID(), RowID: rowID, ParentTokenID: parentTokenID, BranchName: branchName}

	const q = `INSERT INTO tokens (token_id, row_id, parent_token_id, branch_name) VALUES (?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, token.TokenID, token.RowID, token.ParentTokenID, token.BranchName); err != nil {
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
		StateID: newID(), RunID: runID, TokenID: tokenID, NodeID: nodeID,
		StepIndex: stepIndex, Attempt: attempt, Status: landscape.StateRunning,
		StartedAt: time.Now().UTC(), InputHash: inputHash,
	}

	const q = `INSERT INTO node_states (state_id, run_id, token_id, node_id, step_index, attempt, status, started_at, input_hash)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q,
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
	const q = `UPDATE node_states SET status = ?, completed_at = ?, output_hash = ?, error_json = ?, duration_ms = ? WHERE state_id = ?`

	res, err := s.db.ExecContext(ctx, q, status, time.Now().UTC(), outputHash, errorJSON, durationMs, stateID)
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
	event := &landscape.RoutingEvent{EventID: newID(), StateID: stateID, EdgeID: edgeID, Mode: mode, ReasonHash: reasonHash}

	const q = `INSERT INTO routing_events (event_id, state_id, edge_id, mode, reason_hash) VALUES (?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, event.EventID, event.StateID, event.EdgeID, event.Mode, event.ReasonHash); err != nil {
		return nil, wrapWrite("record_routing_event", err)
	}

	return event, nil
}

// AllocateCallIndex implements landscape.Recorder. callIndexMu serializes the
// read-modify-write since SQLite has no atomic RETURNING-based increment
// guarantee across drivers the way Postgres does.
func (s *Store) AllocateCallIndex(ctx context.Context, stateID string) (int, error) {
	s.callIndexMu.Lock()
	defer s.callIndexMu.Unlock()

	var idx int

	const selectQ = `SELECT next_call_index FROM node_states WHERE state_id = ?`
	if err := s.db.QueryRowContext(ctx, selectQ, stateID).Scan(&idx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("landscape/sqlite: allocate_call_index: %w: state %s", landscape.ErrNotFound, stateID)
		}

		return 0, wrapWrite("allocate_call_index", err)
	}

	const updateQ = `UPDATE node_states SET next_call_index = next_call_index + 1 WHERE state_id = ?`
	if _, err := s.db.ExecContext(ctx, updateQ, stateID); err != nil {
		return 0, wrapWrite("allocate_call_index", err)
	}

	return idx, nil
}

// RecordCall implements landscape.Recorder.
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
		CallID: newID(), StateID: stateID, CallIndex: callIndex, CallType: callType, Status: status,
		RequestHash: requestHash, RequestRef: requestRef, ResponseHash: responseHash, ResponseRef: responseRef,
		ErrorJSON: errorJSON, LatencyMs: latencyMs, CreatedAt: time.Now().UTC(),
	}

	const q = `INSERT INTO calls
	           (call_id, state_id, call_index, call_type, status, request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q,
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
	const q = `INSERT INTO token_outcomes (token_id, outcome, error_json, recorded_at) VALUES (?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, tokenID, outcome, errorJSON, time.Now().UTC()); err != nil {
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
		ErrorID: newID(), RunID: runID, RowID: rowID, NodeID: nodeID, SchemaMode: schemaMode, Error: errDetail, Destination: destination,
	}

	const q = `INSERT INTO validation_errors (error_id, run_id, row_id, node_id, schema_mode, error, destination) VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, ve.ErrorID, ve.RunID, ve.RowID, ve.NodeID, ve.SchemaMode, ve.Error, ve.Destination); err != nil {
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
		ErrorID: newID(), RunID: runID, StateID: stateID, TokenID: tokenID, TransformID: transformID,
		ErrorDetailsJSON: errDetailsJSON, Destination: destination,
	}

	const q = `INSERT INTO transform_errors (error_id, run_id, state_id, token_id, transform_id, error_details_json, destination) VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, te.ErrorID, te.RunID, te.StateID, te.TokenID, te.TransformID, te.ErrorDetailsJSON, te.Destination); err != nil {
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
		ArtifactID: newID(), StateID: stateID, SinkName: sinkName, ArtifactType: artifactType,
		PathOrURI: pathOrURI, SizeBytes: sizeBytes, ContentHash: contentHash, MetadataJSON: metadataJSON,
	}

	const q = `INSERT INTO sink_artifacts (artifact_id, state_id, sink_name, artifact_type, path_or_uri, size_bytes, content_hash, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q,
		artifact.ArtifactID, artifact.StateID, artifact.SinkName, artifact.ArtifactType,
		artifact.PathOrURI, artifact.SizeBytes, artifact.ContentHash, artifact.MetadataJSON,
	); err != nil {
		return nil, wrapWrite("record_sink_artifact", err)
	}

	return artifact, nil
}
