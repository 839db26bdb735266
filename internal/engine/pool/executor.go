package pool

import (
	"context"
	"sync"
	"time"

	"github.com/tachyon-beep/elspeth/internal/engine/retry"
)

// ProcessFunc performs one external-call context's work and returns its
// response value (or an error). Callers are responsible for classifying
// errors against their own throttle (Throttle.OnCapacityError/OnSuccess) —
// the executor only applies the current dispatch delay before each call.
type ProcessFunc func(ctx context.Context, item any) (any, error)

// Executor runs a batch of items concurrently with bounded parallelism,
// returning results in submission order (spec §4.6). ExecuteBatch is
// single-flight: concurrent calls against the same Executor block, since
// the reorder buffer's sequence numbers would otherwise interleave between
// batches.
type Executor struct {
	poolSize     int
	throttle     *retry.Throttle
	singleFlight sync.Mutex
}

// NewExecutor builds an Executor with the given bounded concurrency.
// throttle may be nil to dispatch with no AIMD delay.
func NewExecutor(poolSize int, throttle *retry.Throttle) *Executor {
	return &Executor{poolSize: poolSize, throttle: throttle}
}

// ExecuteBatch runs process against every item in items with at most
// poolSize concurrent in flight, returning one Result per item in the same
// order as items.
func (e *Executor) ExecuteBatch(ctx context.Context, items []any, process ProcessFunc) []Result {
	e.singleFlight.Lock()
	defer e.singleFlight.Unlock()

	buffer := NewReorderBuffer()
	sem := make(chan struct{}, e.poolSize)

	var wg sync.WaitGroup

	for _, item := range items {
		seq := buffer.Submit()

		wg.Add(1)

		go func(item any, seq int64) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if e.throttle != nil {
				select {
				case <-time.After(e.throttle.Delay()):
				case <-ctx.Done():
					buffer.Complete(seq, Result{Err: ctx.Err()})

					return
				}
			}

			value, err := process(ctx, item)
			buffer.Complete(seq, Result{Value: value, Err: err})
		}(item, seq)
	}

	results := make([]Result, len(items))
	for i := range items {
		results[i] = buffer.WaitForRelease(int64(i))
	}

	wg.Wait()

	return results
}
