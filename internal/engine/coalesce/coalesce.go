// Package coalesce implements the coalesce executor (spec §4.8): the
// per-row state machine that merges fork-produced tokens at a named
// coalesce point. All operations are called from the row processor's
// single-threaded work loop, so the executor holds no locks internally.
package coalesce

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-beep/elspeth/internal/engine/token"
)

// Policy is a coalesce's merge-readiness rule.
type Policy string

const (
	PolicyRequireAll   Policy = "require_all"
	PolicyQuorum       Policy = "quorum"
	PolicyBestEffort   Policy = "best_effort"
	PolicyFirst        Policy = "first"
)

// MergeStrategy is how arrived branches' row data combine into one token.
type MergeStrategy string

const (
	MergeUnion         MergeStrategy = "union"
	MergeSelectBranch  MergeStrategy = "select_branch"
	MergeCustom        MergeStrategy = "custom"
)

// Sentinel errors.
var (
	ErrUnknownCoalesce  = errors.New("coalesce: unknown coalesce name")
	ErrUnknownPolicy    = errors.New("coalesce: unknown policy")
	ErrMissingSelectBranch = errors.New("coalesce: select_branch merge requires SelectBranch to be set")
)

// Config describes one named coalesce point (spec §4.8).
type Config struct {
	Name           string
	Branches       []string
	Policy         Policy
	Merge          MergeStrategy
	TimeoutSeconds *float64
	QuorumCount    *int
	SelectBranch   *string
}

// OutcomeKind classifies the result of a coalesce operation.
type OutcomeKind string

const (
	OutcomeHeld    OutcomeKind = "HELD"
	OutcomeMerged  OutcomeKind = "MERGED"
	OutcomeFailure OutcomeKind = "FAILURE"
)

// Metadata is the canonical audit blob recorded alongside every
// merge/failure outcome.
type Metadata struct {
	Policy           Policy
	Merge            MergeStrategy
	ExpectedBranches []string
	Arrived          []string
	LostBranches     map[string]string
	ArrivalOrder     []string
	WaitDurationMs   int64
}

// Outcome is the result of accept, notify_branch_lost, check_timeouts, or
// flush_pending.
type Outcome struct {
	Kind             OutcomeKind
	RowID            string
	MergedToken      *token.Token
	CoalescedTokenIDs []string // contributors consumed into MergedToken
	FailedTokenIDs   []string // siblings that fail alongside a FAILURE outcome
	FailureReason    string
	Metadata         Metadata
}

type pendingRecord struct {
	cfg          *Config
	rowID        string
	arrived      map[string]*token.Token
	arrivalOrder []string
	arrivalTimes map[string]time.Time
	firstArrival time.Time
	lostBranches map[string]string
}

type pendingKey struct {
	name  string
	rowID string
}

// Executor tracks in-flight coalesce state across every (coalesce_name,
// row_id) pair currently being merged.
type Executor struct {
	configs map[string]*Config
	pending map[pendingKey]*pendingRecord
}

// NewExecutor builds an Executor for the given coalesce configs, keyed by name.
func NewExecutor(configs []*Config) *Executor {
	byName := make(map[string]*Config, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}

	return &Executor{configs: byName, pending: make(map[pendingKey]*pendingRecord)}
}

// Accept records a forked token's arrival at a coalesce point and
// re-evaluates the merge policy.
func (e *Executor) Accept(coalesceName, rowID string, branch string, tok *token.Token, now time.Time) (*Outcome, error) {
	cfg, ok := e.configs[coalesceName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCoalesce, coalesceName)
	}

	key := pendingKey{name: coalesceName, rowID: rowID}

	rec, ok := e.pending[key]
	if !ok {
		rec = &pendingRecord{
			cfg:          cfg,
			rowID:        rowID,
			arrived:      make(map[string]*token.Token),
			arrivalTimes: make(map[string]time.Time),
			lostBranches: make(map[string]string),
			firstArrival: now,
		}
		e.pending[key] = rec
	}

	if _, already := rec.arrived[branch]; !already {
		rec.arrived[branch] = tok
		rec.arrivalOrder = append(rec.arrivalOrder, branch)
		rec.arrivalTimes[branch] = now
	}

	outcome, err := e.evaluate(rec, now, false)
	if err != nil {
		return nil, err
	}

	if outcome.Kind != OutcomeHeld {
		delete(e.pending, key)
	}

	return outcome, nil
}

// NotifyBranchLost records that branch will never arrive (it was
// diverted/error-routed before reaching the coalesce) and re-evaluates
// immediately, so the coalesce doesn't starve waiting for a branch that
// will never come.
func (e *Executor) NotifyBranchLost(coalesceName, rowID, branch, reason string, now time.Time) (*Outcome, error) {
	cfg, ok := e.configs[coalesceName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCoalesce, coalesceName)
	}

	key := pendingKey{name: coalesceName, rowID: rowID}

	rec, ok := e.pending[key]
	if !ok {
		rec = &pendingRecord{
			cfg:          cfg,
			rowID:        rowID,
			arrived:      make(map[string]*token.Token),
			arrivalTimes: make(map[string]time.Time),
			lostBranches: make(map[string]string),
			firstArrival: now,
		}
		e.pending[key] = rec
	}

	rec.lostBranches[branch] = reason

	if cfg.Policy == PolicyFirst && len(rec.arrived) == 0 {
		// "first" is a noop on loss until something has arrived.
		return &Outcome{Kind: OutcomeHeld, RowID: rowID}, nil
	}

	outcome, err := e.evaluate(rec, now, false)
	if err != nil {
		return nil, err
	}

	if outcome.Kind != OutcomeHeld {
		delete(e.pending, key)
	}

	return outcome, nil
}

// CheckTimeouts resolves every pending whose wait has exceeded its
// configured TimeoutSeconds.
func (e *Executor) CheckTimeouts(now time.Time) ([]*Outcome, error) {
	var outcomes []*Outcome

	for key, rec := range e.pending {
		if rec.cfg.TimeoutSeconds == nil {
			continue
		}

		elapsed := now.Sub(rec.firstArrival).Seconds()
		if elapsed < *rec.cfg.TimeoutSeconds {
			continue
		}

		outcome, err := e.evaluate(rec, now, true)
		if err != nil {
			return nil, err
		}

		outcomes = append(outcomes, outcome)
		delete(e.pending, key)
	}

	return sortedOutcomes(outcomes), nil
}

// FlushPending forces resolution of every remaining pending, called at
// source exhaustion so no token is left in limbo.
func (e *Executor) FlushPending(now time.Time) ([]*Outcome, error) {
	var outcomes []*Outcome

	for key, rec := range e.pending {
		outcome, err := e.evaluate(rec, now, true)
		if err != nil {
			return nil, err
		}

		outcomes = append(outcomes, outcome)
		delete(e.pending, key)
	}

	return sortedOutcomes(outcomes), nil
}

// sortedOutcomes orders by row ID for deterministic test assertions and
// deterministic audit-write ordering.
func sortedOutcomes(outcomes []*Outcome) []*Outcome {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].RowID < outcomes[j].RowID })
	return outcomes
}

// evaluate is the shared policy engine behind accept, notify_branch_lost,
// check_timeouts, and flush_pending. forceResolve is true for the latter
// two: the caller needs a terminal decision now, not another "held".
func (e *Executor) evaluate(rec *pendingRecord, now time.Time, forceResolve bool) (*Outcome, error) {
	cfg := rec.cfg
	expected := len(cfg.Branches)
	lost := len(rec.lostBranches)
	arrived := len(rec.arrived)
	effectiveExpected := expected - lost

	switch cfg.Policy {
	case PolicyRequireAll:
		if lost > 0 {
			return e.fail(rec, now, "branch lost: require_all cannot be satisfied"), nil
		}

		if arrived == expected {
			return e.merge(rec, now)
		}

		if forceResolve {
			return e.fail(rec, now, "require_all: not all branches arrived before flush/timeout"), nil
		}

		return &Outcome{Kind: OutcomeHeld, RowID: rec.rowID}, nil

	case PolicyQuorum:
		quorum := 0
		if cfg.QuorumCount != nil {
			quorum = *cfg.QuorumCount
		}

		if effectiveExpected+arrived < quorum {
			return e.fail(rec, now, "quorum: remaining branches cannot reach quorum_count"), nil
		}

		if arrived >= quorum {
			return e.merge(rec, now)
		}

		if forceResolve {
			return e.fail(rec, now, "quorum: quorum_count not reached before flush/timeout"), nil
		}

		return &Outcome{Kind: OutcomeHeld, RowID: rec.rowID}, nil

	case PolicyBestEffort:
		if arrived+lost >= expected || forceResolve {
			if arrived == 0 {
				return e.fail(rec, now, "best_effort: no branches arrived"), nil
			}

			return e.merge(rec, now)
		}

		return &Outcome{Kind: OutcomeHeld, RowID: rec.rowID}, nil

	case PolicyFirst:
		if arrived > 0 {
			return e.merge(rec, now)
		}

		if forceResolve {
			return e.fail(rec, now, "first: no branch arrived before flush/timeout"), nil
		}

		return &Outcome{Kind: OutcomeHeld, RowID: rec.rowID}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, cfg.Policy)
	}
}

func (e *Executor) fail(rec *pendingRecord, now time.Time, reason string) *Outcome {
	failed := make([]string, 0, len(rec.arrived))
	for _, tok := range rec.arrived {
		failed = append(failed, tok.TokenID)
	}

	sort.Strings(failed)

	return &Outcome{
		Kind:           OutcomeFailure,
		RowID:          rec.rowID,
		FailedTokenIDs: failed,
		FailureReason:  reason,
		Metadata:       rec.metadata(now),
	}
}

func (e *Executor) merge(rec *pendingRecord, now time.Time) (*Outcome, error) {
	merged, err := mergeRowData(rec)
	if err != nil {
		return nil, err
	}

	parentID := rec.arrivalOrder[0]
	parentTok := rec.arrived[parentID]
	parentTokenID := parentTok.TokenID

	mergedToken := &token.Token{
		TokenID:       uuid.NewString(),
		RowID:         rec.rowID,
		ParentTokenID: &parentTokenID,
		RowData:       merged,
	}

	consumed := make([]string, 0, len(rec.arrived))
	for _, tok := range rec.arrived {
		consumed = append(consumed, tok.TokenID)
	}

	sort.Strings(consumed)

	return &Outcome{
		Kind:              OutcomeMerged,
		RowID:             rec.rowID,
		MergedToken:       mergedToken,
		CoalescedTokenIDs: consumed,
		Metadata:          rec.metadata(now),
	}, nil
}

func (rec *pendingRecord) metadata(now time.Time) Metadata {
	arrived := make([]string, len(rec.arrivalOrder))
	copy(arrived, rec.arrivalOrder)

	lost := make(map[string]string, len(rec.lostBranches))
	for k, v := range rec.lostBranches {
		lost[k] = v
	}

	return Metadata{
		Policy:           rec.cfg.Policy,
		Merge:            rec.cfg.Merge,
		ExpectedBranches: append([]string(nil), rec.cfg.Branches...),
		Arrived:          arrived,
		LostBranches:     lost,
		ArrivalOrder:     arrived,
		WaitDurationMs:   now.Sub(rec.firstArrival).Milliseconds(),
	}
}

// mergeRowData combines arrived branches' row data per cfg.Merge.
func mergeRowData(rec *pendingRecord) (token.RowData, error) {
	switch rec.cfg.Merge {
	case MergeSelectBranch:
		if rec.cfg.SelectBranch == nil {
			return nil, ErrMissingSelectBranch
		}

		tok, ok := rec.arrived[*rec.cfg.SelectBranch]
		if !ok {
			return token.RowData{}, nil
		}

		return tok.RowData, nil

	case MergeCustom:
		// Out of scope beyond passing the arrived map through verbatim,
		// keyed by branch name.
		out := make(token.RowData, len(rec.arrived))
		for branch, tok := range rec.arrived {
			out[branch] = map[string]any(tok.RowData)
		}

		return out, nil

	case MergeUnion:
		fallthrough
	default:
		return unionMerge(rec), nil
	}
}

// unionMerge shallow-merges arrived RowData in arrival order: last writer
// wins per key, with nested dicts merged recursively one level.
func unionMerge(rec *pendingRecord) token.RowData {
	out := make(token.RowData)

	for _, branch := range rec.arrivalOrder {
		tok := rec.arrived[branch]

		for k, v := range tok.RowData {
			if existing, ok := out[k]; ok {
				if existingMap, isMap := existing.(map[string]any); isMap {
					if newMap, isMap2 := v.(map[string]any); isMap2 {
						out[k] = mergeOneLevel(existingMap, newMap)
						continue
					}
				}
			}

			out[k] = v
		}
	}

	return out
}

func mergeOneLevel(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))

	for k, v := range base {
		out[k] = v
	}

	for k, v := range overlay {
		out[k] = v
	}

	return out
}
