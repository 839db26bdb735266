// Package landscape defines the audit-store domain model ("the Landscape")
// and the Recorder/LineageReader interfaces the engine core depends on.
//
// The package itself holds no storage logic: concrete backends live in
// internal/landscape/postgres and internal/landscape/sqlite, both satisfying
// Recorder and LineageReader so the engine never imports a concrete backend.
package landscape

import "time"

// NodeType classifies a node in the execution graph.
type NodeType string

const (
	NodeSource      NodeType = "SOURCE"
	NodeTransform   NodeType = "TRANSFORM"
	NodeGate        NodeType = "GATE"
	NodeCoalesce    NodeType = "COALESCE"
	NodeAggregation NodeType = "AGGREGATION"
	NodeSink        NodeType = "SINK"
)

// EdgeMode describes how a token travels across an edge.
type EdgeMode string

const (
	ModeMove    EdgeMode = "MOVE"
	ModeCopy    EdgeMode = "COPY"
	ModeDivert  EdgeMode = "DIVERT"
)

// NodeStateStatus is the lifecycle status of a single node visit.
type NodeStateStatus string

const (
	StateRunning   NodeStateStatus = "RUNNING"
	StateCompleted NodeStateStatus = "COMPLETED"
	StateFailed    NodeStateStatus = "FAILED"
)

// CallStatus is the outcome of a single external call.
type CallStatus string

const (
	CallSuccess CallStatus = "SUCCESS"
	CallError   CallStatus = "ERROR"
)

// RunStatus is the lifecycle status of an entire run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
	RunResumed   RunStatus = "RESUMED"
)

// Outcome is a token's terminal disposition, derived at query time from
// node_states, routing_events, and batch/coalesce records.
type Outcome string

const (
	OutcomeCompleted       Outcome = "COMPLETED"
	OutcomeRouted          Outcome = "ROUTED"
	OutcomeForked          Outcome = "FORKED"
	OutcomeConsumedInBatch Outcome = "CONSUMED_IN_BATCH"
	OutcomeCoalesced       Outcome = "COALESCED"
	OutcomeQuarantined     Outcome = "QUARANTINED"
	OutcomeFailed          Outcome = "FAILED"
)

// Reserved edge labels per spec §4.3.
const (
	LabelContinue    = "continue"
	LabelQuarantine  = "__quarantine__"
)

type (
	// Run is one execution of a configured pipeline.
	Run struct {
		RunID            string
		ConfigHash       string
		CanonicalVersion string
		StartedAt        time.Time
		CompletedAt      *time.Time
		Status           RunStatus
	}

	// Node is one vertex of the persisted execution DAG.
	Node struct {
		NodeID        string
		RunID         string
		PluginName    string
		PluginVersion string
		NodeType      NodeType
		ConfigHash    string
		SchemaJSON    string
	}

	// Edge is one directed connection between two nodes.
	Edge struct {
		EdgeID      string
		RunID       string
		FromNodeID  string
		ToNodeID    string
		Label       string
		DefaultMode EdgeMode
	}

	// Row is a source row persisted once on first observation.
	Row struct {
		RowID        string
		RunID        string
		SourceNodeID string
		RowIndex     int64
		RowHash      string
		RowRef       *string
	}

	// Token is a row-in-flight: the root token of a row, or a fork/merge child.
	Token struct {
		TokenID       string
		RowID         string
		ParentTokenID *string
		BranchName    *string
	}

	// NodeState records a single visit by a token to a node.
	NodeState struct {
		StateID     string
		RunID       string
		TokenID     string
		NodeID      string
		StepIndex   int
		Attempt     int
		Status      NodeStateStatus
		StartedAt   time.Time
		CompletedAt *time.Time
		InputHash   string
		OutputHash  *string
		ErrorJSON   *string
		DurationMs  *int64
	}

	// RoutingEvent records a routing decision made by the owner of a NodeState.
	RoutingEvent struct {
		EventID    string
		StateID    string
		EdgeID     string
		Mode       EdgeMode
		ReasonHash string
	}

	// Call records a single external request (LLM, HTTP, SQL, filesystem).
	Call struct {
		CallID       string
		StateID      string
		CallIndex    int
		CallType     string
		Status       CallStatus
		RequestHash  string
		RequestRef   *string
		ResponseHash *string
		ResponseRef  *string
		ErrorJSON    *string
		LatencyMs    int64
		CreatedAt    time.Time
	}

	// TokenOutcome is the terminal disposition recorded for a token.
	TokenOutcome struct {
		TokenID    string
		Outcome    Outcome
		ErrorJSON  *string
		RecordedAt time.Time
	}

	// ValidationError records a source-side schema/validation failure.
	ValidationError struct {
		ErrorID     string
		RunID       string
		RowID       string
		NodeID      string
		SchemaMode  string
		Error       string
		Destination string
	}

	// TransformError records a transform-side failure.
	TransformError struct {
		ErrorID          string
		RunID            string
		StateID          string
		TokenID          string
		TransformID      string
		ErrorDetailsJSON string
		Destination      string
	}

	// SinkArtifact records the descriptor returned by a sink write.
	SinkArtifact struct {
		ArtifactID   string
		StateID      string
		SinkName     string
		ArtifactType string
		PathOrURI    string
		SizeBytes    int64
		ContentHash  string
		MetadataJSON *string
	}
)
