// Package pool implements the pooled executor (spec §4.6): bounded
// concurrency over a batch of external-call contexts, emitting results in
// submission order via a reorder buffer.
package pool

import "sync"

// Result is the outcome of one submitted item: either a value or an error,
// never both.
type Result struct {
	Value any
	Err   error
}

// ReorderBuffer accepts completions in any order and releases them to
// callers strictly in submission order. It backs both the pooled executor
// (§4.6) and the batch mixin's wait_for_release (§4.7), since both need the
// same "concurrent internally, sequential from the outside" guarantee.
type ReorderBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	seq     int64
	next    int64
	pending map[int64]Result
}

// NewReorderBuffer constructs an empty buffer.
func NewReorderBuffer() *ReorderBuffer {
	b := &ReorderBuffer{pending: make(map[int64]Result)}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Submit allocates the next monotonic sequence number (ticket).
func (b *ReorderBuffer) Submit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.seq
	b.seq++

	return seq
}

// Complete records the result for seq. Safe to call from any goroutine, in
// any order relative to other Complete calls.
func (b *ReorderBuffer) Complete(seq int64, result Result) {
	b.mu.Lock()
	b.pending[seq] = result
	b.cond.Broadcast()
	b.mu.Unlock()
}

// WaitForRelease blocks until seq is both the next in line and has been
// completed, then returns its result. Tickets release in order — 0, 1,
// 2, ... — exactly once each.
func (b *ReorderBuffer) WaitForRelease(seq int64) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		result, ready := b.pending[seq]
		if b.next == seq && ready {
			delete(b.pending, seq)
			b.next++
			b.cond.Broadcast()

			return result
		}

		b.cond.Wait()
	}
}
