// Package batch implements the row-level batch mixin (spec §4.7): a
// transform can opt into processing multiple rows concurrently while the
// engine's per-row processor still observes strictly sequential, FIFO
// output.
package batch

import (
	"context"

	"github.com/tachyon-beep/elspeth/internal/engine/pool"
)

// WorkFunc is the transform's real per-row work, run concurrently with
// other rows' WorkFunc calls.
type WorkFunc func(ctx context.Context, row any) (any, error)

// Mixin gives a transform FIFO-preserving concurrent row processing.
// Process blocks once maxPending rows are in flight, providing the
// backpressure spec §4.7 requires.
//
// TODO: the shared reorder buffer wakes every waiter on each completion
// (condition-variable broadcast); a per-ticket channel would restore the
// notify_one behavior spec §4.7 calls out, without the thundering herd.
type Mixin struct {
	buffer *pool.ReorderBuffer
	sem    chan struct{}
}

// NewMixin builds a Mixin that allows at most maxPending rows in flight at once.
func NewMixin(maxPending int) *Mixin {
	return &Mixin{
		buffer: pool.NewReorderBuffer(),
		sem:    make(chan struct{}, maxPending),
	}
}

// Process submits row for concurrent work, then blocks until every row
// submitted before it has been released, returning this row's own result.
// From the caller's perspective Process behaves exactly like a synchronous
// call: sequential, deterministic, FIFO.
func (m *Mixin) Process(ctx context.Context, row any, work WorkFunc) (any, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	seq := m.buffer.Submit()

	go func() {
		defer func() { <-m.sem }()

		value, err := work(ctx, row)
		m.buffer.Complete(seq, pool.Result{Value: value, Err: err})
	}()

	result := m.buffer.WaitForRelease(seq)

	return result.Value, result.Err
}
