package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// Explain implements landscape.LineageReader. subjectID may be a row_id or a
// token_id; whichever it resolves to, the full token chain for that row is
// returned.
func (s *Store) Explain(ctx context.Context, runID, subjectID string) (*landscape.Lineage, error) {
	rowID, err := s.resolveRowID(ctx, runID, subjectID)
	if err != nil {
		return nil, err
	}

	row, err := s.fetchRow(ctx, rowID)
	if err != nil {
		return nil, err
	}

	tokens, err := s.fetchTokensForRow(ctx, rowID)
	if err != nil {
		return nil, err
	}

	tokenIDs := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenIDs = append(tokenIDs, t.TokenID)
	}

	states, err := s.fetchNodeStatesForTokens(ctx, tokenIDs)
	if err != nil {
		return nil, err
	}

	stateIDs := make([]string, 0, len(states))
	for _, st := range states {
		stateIDs = append(stateIDs, st.StateID)
	}

	routingEvents, err := s.fetchRoutingEventsForStates(ctx, stateIDs)
	if err != nil {
		return nil, err
	}

	calls, err := s.fetchCallsForStates(ctx, stateIDs)
	if err != nil {
		return nil, err
	}

	outcomes, err := s.fetchOutcomesForTokens(ctx, tokenIDs)
	if err != nil {
		return nil, err
	}

	validationErrs, err := s.fetchValidationErrors(ctx, runID, rowID)
	if err != nil {
		return nil, err
	}

	transformErrs, err := s.fetchTransformErrors(ctx, stateIDs)
	if err != nil {
		return nil, err
	}

	artifacts, err := s.fetchArtifactsForStates(ctx, stateIDs)
	if err != nil {
		return nil, err
	}

	return &landscape.Lineage{
		Row:            row,
		Tokens:         tokens,
		NodeStates:     states,
		RoutingEvents:  routingEvents,
		Calls:          calls,
		Outcomes:       outcomes,
		ValidationErrs: validationErrs,
		TransformErrs:  transformErrs,
		Artifacts:      artifacts,
	}, nil
}

// resolveRowID accepts either a row_id or a token_id and returns the owning row_id.
func (s *Store) resolveRowID(ctx context.Context, runID, subjectID string) (string, error) {
	const rowQ = `SELECT row_id FROM rows WHERE run_id = $1 AND row_id = $2`

	var rowID string
	if err := s.conn.QueryRowContext(ctx, rowQ, runID, subjectID).Scan(&rowID); err == nil {
		return rowID, nil
	}

	const tokenQ = `SELECT row_id FROM tokens WHERE token_id = $1`
	if err := s.conn.QueryRowContext(ctx, tokenQ, subjectID).Scan(&rowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("landscape/postgres: explain: %w: run %s subject %s", landscape.ErrNotFound, runID, subjectID)
		}

		return "", fmt.Errorf("landscape/postgres: explain: %w", err)
	}

	return rowID, nil
}

func (s *Store) fetchRow(ctx context.Context, rowID string) (*landscape.Row, error) {
	const q = `SELECT row_id, run_id, source_node_id, row_index, row_hash, row_ref FROM rows WHERE row_id = $1`

	row := &landscape.Row{}

	if err := s.conn.QueryRowContext(ctx, q, rowID).Scan(
		&row.RowID, &row.RunID, &row.SourceNodeID, &row.RowIndex, &row.RowHash, &row.RowRef,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("landscape/postgres: fetch_row: %w: %s", landscape.ErrNotFound, rowID)
		}

		return nil, fmt.Errorf("landscape/postgres: fetch_row: %w", err)
	}

	return row, nil
}

func (s *Store) fetchTokensForRow(ctx context.Context, rowID string) ([]*landscape.Token, error) {
	const q = `SELECT token_id, row_id, parent_token_id, branch_name FROM tokens WHERE row_id = $1`

	rows, err := s.conn.QueryContext(ctx, q, rowID)
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*landscape.Token

	for rows.Next() {
		t := &landscape.Token{}
		if err := rows.Scan(&t.TokenID, &t.RowID, &t.ParentTokenID, &t.BranchName); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_tokens: scan: %w", err)
		}

		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

func (s *Store) fetchNodeStatesForTokens(ctx context.Context, tokenIDs []string) ([]*landscape.NodeState, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}

	const q = `SELECT state_id, run_id, token_id, node_id, step_index, attempt, status, started_at, completed_at, input_hash, output_hash, error_json, duration_ms
	           FROM node_states WHERE token_id = ANY($1) ORDER BY step_index, attempt`

	rows, err := s.conn.QueryContext(ctx, q, pq.Array(tokenIDs))
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_node_states: %w", err)
	}
	defer rows.Close()

	var states []*landscape.NodeState

	for rows.Next() {
		st := &landscape.NodeState{}
		if err := rows.Scan(
			&st.StateID, &st.RunID, &st.TokenID, &st.NodeID, &st.StepIndex, &st.Attempt, &st.Status,
			&st.StartedAt, &st.CompletedAt, &st.InputHash, &st.OutputHash, &st.ErrorJSON, &st.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_node_states: scan: %w", err)
		}

		states = append(states, st)
	}

	return states, rows.Err()
}

func (s *Store) fetchRoutingEventsForStates(ctx context.Context, stateIDs []string) ([]*landscape.RoutingEvent, error) {
	if len(stateIDs) == 0 {
		return nil, nil
	}

	const q = `SELECT event_id, state_id, edge_id, mode, reason_hash FROM routing_events WHERE state_id = ANY($1)`

	rows, err := s.conn.QueryContext(ctx, q, pq.Array(stateIDs))
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_routing_events: %w", err)
	}
	defer rows.Close()

	var events []*landscape.RoutingEvent

	for rows.Next() {
		e := &landscape.RoutingEvent{}
		if err := rows.Scan(&e.EventID, &e.StateID, &e.EdgeID, &e.Mode, &e.ReasonHash); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_routing_events: scan: %w", err)
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *Store) fetchCallsForStates(ctx context.Context, stateIDs []string) ([]*landscape.Call, error) {
	if len(stateIDs) == 0 {
		return nil, nil
	}

	const q = `SELECT call_id, state_id, call_index, call_type, status, request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at
	           FROM calls WHERE state_id = ANY($1) ORDER BY call_index`

	rows, err := s.conn.QueryContext(ctx, q, pq.Array(stateIDs))
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_calls: %w", err)
	}
	defer rows.Close()

	var calls []*landscape.Call

	for rows.Next() {
		c := &landscape.Call{}
		if err := rows.Scan(
			&c.CallID, &c.StateID, &c.CallIndex, &c.CallType, &c.Status,
			&c.RequestHash, &c.RequestRef, &c.ResponseHash, &c.ResponseRef, &c.ErrorJSON, &c.LatencyMs, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_calls: scan: %w", err)
		}

		calls = append(calls, c)
	}

	return calls, rows.Err()
}

func (s *Store) fetchOutcomesForTokens(ctx context.Context, tokenIDs []string) ([]*landscape.TokenOutcome, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}

	const q = `SELECT token_id, outcome, error_json, recorded_at FROM token_outcomes WHERE token_id = ANY($1)`

	rows, err := s.conn.QueryContext(ctx, q, pq.Array(tokenIDs))
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*landscape.TokenOutcome

	for rows.Next() {
		o := &landscape.TokenOutcome{}
		if err := rows.Scan(&o.TokenID, &o.Outcome, &o.ErrorJSON, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_outcomes: scan: %w", err)
		}

		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

func (s *Store) fetchValidationErrors(ctx context.Context, runID, rowID string) ([]*landscape.ValidationError, error) {
	const q = `SELECT error_id, run_id, row_id, node_id, schema_mode, error, destination
	           FROM validation_errors WHERE run_id = $1 AND row_id = $2`

	rows, err := s.conn.QueryContext(ctx, q, runID, rowID)
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_validation_errors: %w", err)
	}
	defer rows.Close()

	var errs []*landscape.ValidationError

	for rows.Next() {
		e := &landscape.ValidationError{}
		if err := rows.Scan(&e.ErrorID, &e.RunID, &e.RowID, &e.NodeID, &e.SchemaMode, &e.Error, &e.Destination); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_validation_errors: scan: %w", err)
		}

		errs = append(errs, e)
	}

	return errs, rows.Err()
}

func (s *Store) fetchTransformErrors(ctx context.Context, stateIDs []string) ([]*landscape.TransformError, error) {
	if len(stateIDs) == 0 {
		return nil, nil
	}

	const q = `SELECT error_id, run_id, state_id, token_id, transform_id, error_details_json, destination
	           FROM transform_errors WHERE state_id = ANY($1)`

	rows, err := s.conn.QueryContext(ctx, q, pq.Array(stateIDs))
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_transform_errors: %w", err)
	}
	defer rows.Close()

	var errs []*landscape.TransformError

	for rows.Next() {
		e := &landscape.TransformError{}
		if err := rows.Scan(&e.ErrorID, &e.RunID, &e.StateID, &e.TokenID, &e.TransformID, &e.ErrorDetailsJSON, &e.Destination); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_transform_errors: scan: %w", err)
		}

		errs = append(errs, e)
	}

	return errs, rows.Err()
}

func (s *Store) fetchArtifactsForStates(ctx context.Context, stateIDs []string) ([]*landscape.SinkArtifact, error) {
	if len(stateIDs) == 0 {
		return nil, nil
	}

	const q = `SELECT artifact_id, state_id, sink_name, artifact_type, path_or_uri, size_bytes, content_hash, metadata_json
	           FROM sink_artifacts WHERE state_id = ANY($1)`

	rows, err := s.conn.QueryContext(ctx, q, pq.Array(stateIDs))
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: fetch_artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*landscape.SinkArtifact

	for rows.Next() {
		a := &landscape.SinkArtifact{}
		if err := rows.Scan(
			&a.ArtifactID, &a.StateID, &a.SinkName, &a.ArtifactType, &a.PathOrURI, &a.SizeBytes, &a.ContentHash, &a.MetadataJSON,
		); err != nil {
			return nil, fmt.Errorf("landscape/postgres: fetch_artifacts: scan: %w", err)
		}

		artifacts = append(artifacts, a)
	}

	return artifacts, rows.Err()
}

// Graph implements landscape.LineageReader.
func (s *Store) Graph(ctx context.Context, runID string) (*landscape.Graph, error) {
	const nodeQ = `SELECT node_id, run_id, plugin_name, plugin_version, node_type, config_hash, schema_json FROM nodes WHERE run_id = $1`

	nodeRows, err := s.conn.QueryContext(ctx, nodeQ, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: graph: %w", err)
	}
	defer nodeRows.Close()

	var nodes []*landscape.Node

	for nodeRows.Next() {
		n := &landscape.Node{}
		if err := nodeRows.Scan(&n.NodeID, &n.RunID, &n.PluginName, &n.PluginVersion, &n.NodeType, &n.ConfigHash, &n.SchemaJSON); err != nil {
			return nil, fmt.Errorf("landscape/postgres: graph: scan node: %w", err)
		}

		nodes = append(nodes, n)
	}

	if err := nodeRows.Err(); err != nil {
		return nil, fmt.Errorf("landscape/postgres: graph: %w", err)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("landscape/postgres: graph: %w: run %s", landscape.ErrNotFound, runID)
	}

	const edgeQ = `SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode FROM edges WHERE run_id = $1`

	edgeRows, err := s.conn.QueryContext(ctx, edgeQ, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape/postgres: graph: %w", err)
	}
	defer edgeRows.Close()

	var edges []*landscape.Edge

	for edgeRows.Next() {
		e := &landscape.Edge{}
		if err := edgeRows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &e.DefaultMode); err != nil {
			return nil, fmt.Errorf("landscape/postgres: graph: scan edge: %w", err)
		}

		edges = append(edges, e)
	}

	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("landscape/postgres: graph: %w", err)
	}

	return &landscape.Graph{RunID: runID, Nodes: nodes, Edges: edges}, nil
}
