// Package processor implements the row processor (spec §4.9), the heart of
// execution: it walks one row's token(s) through the transform/gate spine,
// handling forks, diversions, and coalesce hand-off, and returns one
// RowResult per terminal token disposition.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tachyon-beep/elspeth/internal/engine/canon"
	"github.com/tachyon-beep/elspeth/internal/engine/coalesce"
	"github.com/tachyon-beep/elspeth/internal/engine/graph"
	"github.com/tachyon-beep/elspeth/internal/engine/retry"
	"github.com/tachyon-beep/elspeth/internal/engine/token"
	"github.com/tachyon-beep/elspeth/internal/landscape"
)

const discardDestination = "discard"

// Sentinel errors.
var (
	ErrQuarantineEdgeMissing = errors.New("processor: quarantined item but no __quarantine__ edge is registered")
	ErrUnknownCoalesceStep   = errors.New("processor: coalesce name has no registered gate index")
)

// RoutingKind classifies a gate's decision.
type RoutingKind string

const (
	RouteContinue    RoutingKind = "CONTINUE"
	RouteToSink      RoutingKind = "ROUTE_TO_SINK"
	RouteForkToPaths RoutingKind = "FORK_TO_PATHS"
)

// RoutingAction is a gate's decision for one row.
type RoutingAction struct {
	Kind     RoutingKind
	SinkName string            // ROUTE_TO_SINK
	Branches map[string]string // FORK_TO_PATHS: branch name -> destination node name (informational)
	Reason   string
}

// Transform is the engine-facing contract a transform plugin satisfies.
type Transform interface {
	Name() string
	Process(ctx context.Context, row token.RowData) (token.RowData, error)
}

// Gate is the engine-facing contract a gate plugin satisfies.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, row token.RowData) (RoutingAction, error)
}

// TransformConfig binds a Transform to its node id and error-routing policy.
type TransformConfig struct {
	Transform Transform
	NodeID    string
	OnError   string // discardDestination, or a sink name
	Retry     *retry.Config
}

// GateConfig binds a Gate to its node id.
type GateConfig struct {
	Gate   Gate
	NodeID string
}

// WorkItem is one token's pending unit of work.
type WorkItem struct {
	Token          *token.Token
	StartStep      int
	CoalesceAtStep *int
	CoalesceName   string
}

// RowResult is one terminal (or batch-consumed) disposition yielded for a row.
type RowResult struct {
	Outcome     landscape.Outcome
	Token       *token.Token
	SinkName    string
	ErrorDetail string
	FinalData   token.RowData
}

// Processor walks tokens through the transform/gate spine for one run.
type Processor struct {
	Graph           *graph.Graph
	Recorder        landscape.Recorder
	Tokens          *token.Manager
	Coalesce        *coalesce.Executor
	Transforms      []TransformConfig // index i == step i+1
	Gates           []GateConfig      // index i == step numTransforms+i+1
	BranchToCoalesce map[string]string
	CoalesceGateIdx  map[string]int
	SourceNodeID     string
	DefaultSinkName  string
	RunID            string
}

func (p *Processor) numTransforms() int { return len(p.Transforms) }
func (p *Processor) numGates() int      { return len(p.Gates) }
func (p *Processor) totalSteps() int    { return p.numTransforms() + p.numGates() }

// coalesceStep returns T + gate_idx + 1 for the named coalesce.
func (p *Processor) coalesceStep(name string) (int, error) {
	idx, ok := p.CoalesceGateIdx[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCoalesceStep, name)
	}

	return p.numTransforms() + idx + 1, nil
}

// ProcessRow runs one source row to completion: creates the root token,
// records its source visit, then drains the per-row work queue.
func (p *Processor) ProcessRow(ctx context.Context, rowIndex int64, rowData token.RowData) ([]RowResult, error) {
	rowHash, err := canon.Hash(rowData)
	if err != nil {
		return nil, fmt.Errorf("processor: hash row: %w", err)
	}

	row, err := p.Recorder.RecordRow(ctx, p.RunID, p.SourceNodeID, rowIndex, rowHash, nil)
	if err != nil {
		return nil, fmt.Errorf("processor: record row: %w", err)
	}

	persisted, err := p.Recorder.CreateToken(ctx, row.RowID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("processor: create root token: %w", err)
	}

	root := p.Tokens.CreateInitialToken(row.RowID, rowData)
	root.TokenID = persisted.TokenID

	state, err := p.Recorder.BeginNodeState(ctx, p.RunID, root.TokenID, p.SourceNodeID, 0, 1, rowHash)
	if err != nil {
		return nil, fmt.Errorf("processor: begin source node state: %w", err)
	}

	if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, &rowHash, nil, 0); err != nil {
		return nil, fmt.Errorf("processor: complete source node state: %w", err)
	}

	queue := []WorkItem{{Token: root, StartStep: 1}}

	var results []RowResult

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		itemResults, spawned, err := p.processSingleToken(ctx, item)
		if err != nil {
			return nil, err
		}

		results = append(results, itemResults...)
		queue = append(queue, spawned...)
	}

	return results, nil
}

// processSingleToken advances item through the spine until it reaches a
// terminal disposition or is consumed by a fork/coalesce.
func (p *Processor) processSingleToken(ctx context.Context, item WorkItem) ([]RowResult, []WorkItem, error) {
	if item.CoalesceAtStep != nil && *item.CoalesceAtStep == item.StartStep {
		return p.acceptAtCoalesce(ctx, item)
	}

	total := p.totalSteps()

	for step := item.StartStep; step <= total; step++ {
		switch {
		case step <= p.numTransforms():
			done, results, spawned, err := p.runTransformStep(ctx, item, step)
			if err != nil {
				return nil, nil, err
			}

			if done {
				return results, spawned, nil
			}

		default:
			gateIdx := step - p.numTransforms() - 1

			done, result, spawned, err := p.runGateStep(ctx, item, step, gateIdx)
			if err != nil {
				return nil, nil, err
			}

			if done {
				return appendIfNotNil(nil, result), spawned, nil
			}
		}
	}

	return []RowResult{{
		Outcome:   landscape.OutcomeCompleted,
		Token:     item.Token,
		SinkName:  p.DefaultSinkName,
		FinalData: item.Token.RowData,
	}}, nil, nil
}

func appendIfNotNil(results []RowResult, r *RowResult) []RowResult {
	if r == nil {
		return results
	}

	return append(results, *r)
}

// runTransformStep invokes one transform. done is true iff the token left
// the spine here (diverted or discarded); results holds every terminal
// RowResult produced by this step, including any sibling failures a
// coalesce-branch loss cascades alongside the primary one.
func (p *Processor) runTransformStep(ctx context.Context, item WorkItem, step int) (done bool, results []RowResult, spawned []WorkItem, err error) {
	cfg := p.Transforms[step-1]

	inputHash, err := canon.Hash(item.Token.RowData)
	if err != nil {
		return false, nil, nil, err
	}

	state, err := p.Recorder.BeginNodeState(ctx, p.RunID, item.Token.TokenID, cfg.NodeID, step, 1, inputHash)
	if err != nil {
		return false, nil, nil, err
	}

	start := time.Now()

	output, procErr := p.invokeWithRetry(ctx, cfg.Retry, func() (token.RowData, error) {
		return cfg.Transform.Process(ctx, item.Token.RowData)
	})

	duration := time.Since(start).Milliseconds()

	if procErr == nil {
		outputHash, hashErr := canon.Hash(output)
		if hashErr != nil {
			return false, nil, nil, hashErr
		}

		if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, &outputHash, nil, duration); err != nil {
			return false, nil, nil, err
		}

		item.Token.RowData = output

		return false, nil, nil, nil
	}

	errDetail := procErr.Error()
	errJSON := marshalErrorDetail(errDetail)

	if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateFailed, nil, &errJSON, duration); err != nil {
		return false, nil, nil, err
	}

	diverting := cfg.OnError != discardDestination && cfg.OnError != ""

	if diverting {
		label := fmt.Sprintf("__error_%d__", step-1)
		if edgeID, ok := p.Graph.EdgeMap(cfg.NodeID, label); ok {
			if _, rerr := p.Recorder.RecordRoutingEvent(ctx, state.StateID, edgeID, landscape.ModeDivert, errDetail); rerr != nil {
				return false, nil, nil, rerr
			}
		}
	}

	destination := discardDestination
	if diverting {
		destination = cfg.OnError
	}

	if _, terr := p.Recorder.RecordTransformError(ctx, p.RunID, state.StateID, item.Token.TokenID, cfg.NodeID, errJSON, destination); terr != nil {
		return false, nil, nil, terr
	}

	siblingResults, spawned, cerr := p.notifyCoalesceIfBranched(ctx, item.Token, errDetail)
	if cerr != nil {
		return false, nil, nil, cerr
	}

	var primary RowResult
	if diverting {
		primary = RowResult{Outcome: landscape.OutcomeRouted, Token: item.Token, SinkName: cfg.OnError, ErrorDetail: errDetail}
	} else {
		primary = RowResult{Outcome: landscape.OutcomeFailed, Token: item.Token, ErrorDetail: errDetail}
	}

	results = append([]RowResult{primary}, siblingResults...)

	return true, results, spawned, nil
}

// notifyCoalesceIfBranched tells the coalesce executor this token's branch
// is lost when a transform step fails a branched token, producing terminal
// RowResults for any sibling branches a require_all/quorum failure takes
// down with it, and spawning a WorkItem if the loss actually completes a
// merge (e.g. best_effort with everything else already arrived).
func (p *Processor) notifyCoalesceIfBranched(ctx context.Context, tok *token.Token, reason string) ([]RowResult, []WorkItem, error) {
	if tok.BranchName == nil {
		return nil, nil, nil
	}

	coalesceName, ok := p.BranchToCoalesce[*tok.BranchName]
	if !ok {
		return nil, nil, nil
	}

	outcome, err := p.Coalesce.NotifyBranchLost(coalesceName, tok.RowID, *tok.BranchName, reason, time.Now())
	if err != nil {
		return nil, nil, err
	}

	return p.dispatchCoalesceOutcome(ctx, coalesceName, outcome)
}

func (p *Processor) runGateStep(ctx context.Context, item WorkItem, step, gateIdx int) (done bool, result *RowResult, spawned []WorkItem, err error) {
	cfg := p.Gates[gateIdx]

	inputHash, err := canon.Hash(item.Token.RowData)
	if err != nil {
		return false, nil, nil, err
	}

	state, err := p.Recorder.BeginNodeState(ctx, p.RunID, item.Token.TokenID, cfg.NodeID, step, 1, inputHash)
	if err != nil {
		return false, nil, nil, err
	}

	action, evalErr := cfg.Gate.Evaluate(ctx, item.Token.RowData)
	if evalErr != nil {
		errJSON := marshalErrorDetail(evalErr.Error())
		_ = p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateFailed, nil, &errJSON, 0)

		return false, nil, nil, evalErr
	}

	switch action.Kind {
	case RouteContinue:
		if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, nil, nil, 0); err != nil {
			return false, nil, nil, err
		}

		if edgeID, ok := p.Graph.EdgeMap(cfg.NodeID, landscape.LabelContinue); ok {
			if _, rerr := p.Recorder.RecordRoutingEvent(ctx, state.StateID, edgeID, landscape.ModeMove, action.Reason); rerr != nil {
				return false, nil, nil, rerr
			}
		}

		return false, nil, nil, nil

	case RouteToSink:
		if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, nil, nil, 0); err != nil {
			return false, nil, nil, err
		}

		if edgeID, ok := p.Graph.EdgeMap(cfg.NodeID, action.SinkName); ok {
			if _, rerr := p.Recorder.RecordRoutingEvent(ctx, state.StateID, edgeID, landscape.ModeMove, action.Reason); rerr != nil {
				return false, nil, nil, rerr
			}
		}

		return true, &RowResult{Outcome: landscape.OutcomeRouted, Token: item.Token, SinkName: action.SinkName}, nil, nil

	case RouteForkToPaths:
		if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, nil, nil, 0); err != nil {
			return false, nil, nil, err
		}

		children, err := p.forkChildren(ctx, item, cfg, state.StateID, gateIdx, action)
		if err != nil {
			return false, nil, nil, err
		}

		return true, &RowResult{Outcome: landscape.OutcomeForked, Token: item.Token}, children, nil

	default:
		return false, nil, nil, fmt.Errorf("processor: unknown routing kind %q", action.Kind)
	}
}

func (p *Processor) forkChildren(ctx context.Context, item WorkItem, cfg GateConfig, stateID string, gateIdx int, action RoutingAction) ([]WorkItem, error) {
	var children []WorkItem

	branches := make([]string, 0, len(action.Branches))
	for b := range action.Branches {
		branches = append(branches, b)
	}

	sort.Strings(branches)

	for _, branch := range branches {
		if edgeID, ok := p.Graph.EdgeMap(cfg.NodeID, branch); ok {
			if _, err := p.Recorder.RecordRoutingEvent(ctx, stateID, edgeID, landscape.ModeCopy, "fork: "+branch); err != nil {
				return nil, err
			}
		}

		child, err := p.Tokens.ForkToken(item.Token, branch)
		if err != nil {
			return nil, err
		}

		persisted, err := p.Recorder.CreateToken(ctx, child.RowID, &item.Token.TokenID, &branch)
		if err != nil {
			return nil, err
		}

		child.TokenID = persisted.TokenID

		if coalesceName, ok := p.BranchToCoalesce[branch]; ok {
			step, err := p.coalesceStep(coalesceName)
			if err != nil {
				return nil, err
			}

			children = append(children, WorkItem{Token: child, StartStep: step, CoalesceAtStep: &step, CoalesceName: coalesceName})

			continue
		}

		children = append(children, WorkItem{Token: child, StartStep: p.numTransforms() + gateIdx + 2})
	}

	return children, nil
}

func (p *Processor) acceptAtCoalesce(ctx context.Context, item WorkItem) ([]RowResult, []WorkItem, error) {
	branch := ""
	if item.Token.BranchName != nil {
		branch = *item.Token.BranchName
	}

	outcome, err := p.Coalesce.Accept(item.CoalesceName, item.Token.RowID, branch, item.Token, time.Now())
	if err != nil {
		return nil, nil, err
	}

	return p.dispatchCoalesceOutcome(ctx, item.CoalesceName, outcome)
}

// dispatchCoalesceOutcome records the audit trail for a coalesce resolution
// and, on merge, spawns the merged token's continuation WorkItem.
func (p *Processor) dispatchCoalesceOutcome(ctx context.Context, coalesceName string, outcome *coalesce.Outcome) ([]RowResult, []WorkItem, error) {
	if outcome.Kind == coalesce.OutcomeHeld {
		return nil, nil, nil
	}

	coalesceNodeID, ok := p.Graph.GetCoalesceIDMap()[coalesceName]
	if !ok {
		return nil, nil, fmt.Errorf("processor: coalesce %s has no graph node", coalesceName)
	}

	step, err := p.coalesceStep(coalesceName)
	if err != nil {
		return nil, nil, err
	}

	metaHash, err := canon.Hash(outcome.Metadata)
	if err != nil {
		return nil, nil, err
	}

	if outcome.Kind == coalesce.OutcomeMerged {
		anchorToken := outcome.CoalescedTokenIDs[0]

		state, err := p.Recorder.BeginNodeState(ctx, p.RunID, anchorToken, coalesceNodeID, step, 1, metaHash)
		if err != nil {
			return nil, nil, err
		}

		if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateCompleted, &metaHash, nil, 0); err != nil {
			return nil, nil, err
		}

		for _, tid := range outcome.CoalescedTokenIDs {
			if err := p.Recorder.RecordTokenOutcome(ctx, tid, landscape.OutcomeCoalesced, nil); err != nil {
				return nil, nil, err
			}
		}

		spawned := []WorkItem{{Token: outcome.MergedToken, StartStep: step + 1}}

		return nil, spawned, nil
	}

	// Failure.
	errJSON := marshalErrorDetail(outcome.FailureReason)

	anchorToken := ""
	if len(outcome.FailedTokenIDs) > 0 {
		anchorToken = outcome.FailedTokenIDs[0]
	}

	if anchorToken != "" {
		state, err := p.Recorder.BeginNodeState(ctx, p.RunID, anchorToken, coalesceNodeID, step, 1, metaHash)
		if err != nil {
			return nil, nil, err
		}

		if err := p.Recorder.CompleteNodeState(ctx, state.StateID, landscape.StateFailed, nil, &errJSON, 0); err != nil {
			return nil, nil, err
		}
	}

	results := make([]RowResult, 0, len(outcome.FailedTokenIDs))

	for _, tid := range outcome.FailedTokenIDs {
		if err := p.Recorder.RecordTokenOutcome(ctx, tid, landscape.OutcomeFailed, &errJSON); err != nil {
			return nil, nil, err
		}

		results = append(results, RowResult{Outcome: landscape.OutcomeFailed, ErrorDetail: outcome.FailureReason})
	}

	return results, nil, nil
}

// invokeWithRetry runs fn and, when cfg is non-nil, retries any error up to
// cfg.MaxAttempts, waiting Config.Delay between attempts. Errors are not
// classified: a non-retryable error is retried like any other.
func (p *Processor) invokeWithRetry(ctx context.Context, cfg *retry.Config, fn func() (token.RowData, error)) (token.RowData, error) {
	if cfg == nil {
		return fn()
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}

		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(cfg.Delay(attempt)):
		case <-ctx.Done():
			return token.RowData{}, ctx.Err()
		}
	}

	return token.RowData{}, lastErr
}

func marshalErrorDetail(detail string) string {
	b, err := json.Marshal(map[string]string{"error": detail})
	if err != nil {
		return `{"error":"unmarshalable error detail"}`
	}

	return string(b)
}
