package landscape

import "errors"

// Sentinel errors shared by every Recorder/LineageReader backend.
var (
	// ErrNotFound is returned (optionally wrapped) when a run, row, or token
	// referenced by a query does not exist.
	ErrNotFound = errors.New("landscape: not found")

	// ErrDuplicateKey is returned when a write violates a uniqueness
	// constraint - NodeState (token_id, node_id, attempt) or Call (state_id,
	// call_index); RecordRow returns the existing row instead. Per the
	// engine's three-tier error model this is a Tier-1 caller bug, not a
	// transient condition to retry.
	ErrDuplicateKey = errors.New("landscape: duplicate key")

	// ErrMissingEdge is returned when an orchestrator invariant requires a
	// reserved DIVERT edge (__quarantine__ or __error_N__) that the graph
	// does not have registered.
	ErrMissingEdge = errors.New("landscape: required edge missing")

	// ErrFinalized is returned when a write is attempted against a run that
	// has already been finalized.
	ErrFinalized = errors.New("landscape: run already finalized")
)

// IsNotFound reports whether err (or any error it wraps) is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateKey reports whether err (or any error it wraps) is ErrDuplicateKey.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
