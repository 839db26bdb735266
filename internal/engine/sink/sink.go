// Package sink defines the sink contract (spec §4.12): the durability
// boundary a pipeline run's rows cross on their way out. The engine core
// depends only on this interface; concrete sinks (file, database, stdout)
// live in internal/plugin.
package sink

import (
	"context"

	"github.com/tachyon-beep/elspeth/internal/engine/token"
)

// ArtifactDescriptor is what a sink returns after a successful write: the
// durable record of what left the pipeline and where.
type ArtifactDescriptor struct {
	Type        string
	PathOrURI   string
	SizeBytes   int64
	ContentHash string
}

// Sink accepts a batch of rows and returns the descriptor of what it wrote.
// Write must be safe to call with an empty batch, returning a valid
// descriptor with SizeBytes=0 and the canonical hash of an empty payload.
// Flush ensures any internally buffered data is durable; Close is
// idempotent and safe to call more than once.
type Sink interface {
	Name() string
	Write(ctx context.Context, rows []token.RowData) (ArtifactDescriptor, error)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}
