package landscape

import "context"

type (
	// LineageReader is the read side of the Landscape. It is intentionally
	// separate from Recorder so a read-only API server process can depend on
	// it alone, never pulling in the write path.
	LineageReader interface {
		// Explain reconstructs the full lineage of a row or token: the source
		// row, its parent chain, every node_state visited, every routing
		// event, every external call, and the terminal outcome. subjectID may
		// be either a row_id or a token_id.
		Explain(ctx context.Context, runID, subjectID string) (*Lineage, error)

		// Graph reconstructs the persisted execution DAG for a run.
		Graph(ctx context.Context, runID string) (*Graph, error)

		// HealthCheck verifies the backing store is reachable and ready to
		// serve reads.
		HealthCheck(ctx context.Context) error
	}

	// Lineage is the full audit trail for one subject (a row or a token and
	// its descendants), as returned by the explain CLI command and HTTP endpoint.
	Lineage struct {
		Row            *Row
		Tokens         []*Token
		NodeStates     []*NodeState
		RoutingEvents  []*RoutingEvent
		Calls          []*Call
		Outcomes       []*TokenOutcome
		ValidationErrs []*ValidationError
		TransformErrs  []*TransformError
		Artifacts      []*SinkArtifact
	}

	// Graph is the persisted execution DAG for a run, as returned by the dag
	// CLI command and HTTP endpoint.
	Graph struct {
		RunID string
		Nodes []*Node
		Edges []*Edge
	}
)
