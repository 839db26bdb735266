// Package trigger implements the aggregation trigger evaluator (spec
// §4.10): decides when a buffered aggregation node should flush its
// accumulated rows downstream.
package trigger

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a trigger's flush condition.
type Kind string

const (
	KindCount Kind = "COUNT"
	KindTime  Kind = "TIME"
	KindSize  Kind = "SIZE"
)

// Sentinel errors.
var (
	ErrUnknownKind          = errors.New("trigger: unknown kind")
	ErrCountThresholdTooLow = errors.New("trigger: count_threshold must be >= 1")
	ErrTimeoutTooLow        = errors.New("trigger: timeout must be > 0")
	ErrSizeThresholdTooLow  = errors.New("trigger: size_threshold_bytes must be >= 1")
	ErrUnknownAggregation   = errors.New("trigger: unknown aggregation name")
)

// Config describes one aggregation node's flush condition.
type Config struct {
	Kind               Kind
	CountThreshold     int
	Timeout            time.Duration
	SizeThresholdBytes int64
}

// Validate checks Config's fields are internally consistent for its Kind.
func (c Config) Validate() error {
	switch c.Kind {
	case KindCount:
		if c.CountThreshold < 1 {
			return ErrCountThresholdTooLow
		}
	case KindTime:
		if c.Timeout <= 0 {
			return ErrTimeoutTooLow
		}
	case KindSize:
		if c.SizeThresholdBytes < 1 {
			return ErrSizeThresholdTooLow
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, c.Kind)
	}

	return nil
}

// buffer tracks one aggregation node's accumulated state between flushes.
type buffer struct {
	cfg             Config
	count           int
	bytes           int64
	firstAcceptedAt time.Time
	totalAccepted   int
	totalFlushed    int
}

// shouldTrigger reports whether buffer's current state satisfies its
// configured condition. Per spec §4.10's invariant, a true result must
// always be backed by the condition it names — this function is the only
// place that decision is made, so no caller can fire spuriously.
func (b *buffer) shouldTrigger(now time.Time) bool {
	if b.count == 0 {
		return false
	}

	switch b.cfg.Kind {
	case KindCount:
		return b.count >= b.cfg.CountThreshold
	case KindTime:
		return now.Sub(b.firstAcceptedAt) >= b.cfg.Timeout
	case KindSize:
		return b.bytes >= b.cfg.SizeThresholdBytes
	default:
		return false
	}
}

// Evaluator tracks trigger state for every registered aggregation node.
type Evaluator struct {
	buffers map[string]*buffer
}

// NewEvaluator builds an empty Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{buffers: make(map[string]*buffer)}
}

// Register adds an aggregation node under name with the given Config.
func (e *Evaluator) Register(name string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.buffers[name] = &buffer{cfg: cfg}

	return nil
}

// Accept records one more row buffered into name's aggregation, returning
// true if the buffer should be flushed immediately as a result (COUNT/SIZE
// triggers fire on accept; TIME triggers are only caught by CheckTimeouts).
func (e *Evaluator) Accept(name string, now time.Time, sizeBytes int64) (bool, error) {
	b, ok := e.buffers[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAggregation, name)
	}

	if b.count == 0 {
		b.firstAcceptedAt = now
	}

	b.count++
	b.bytes += sizeBytes
	b.totalAccepted++

	return b.shouldTrigger(now), nil
}

// CheckTimeouts returns the names of every aggregation whose buffer should
// flush based on age, for the orchestrator's periodic sweep.
func (e *Evaluator) CheckTimeouts(now time.Time) []string {
	var ready []string

	for name, b := range e.buffers {
		if b.cfg.Kind == KindTime && b.shouldTrigger(now) {
			ready = append(ready, name)
		}
	}

	return ready
}

// Flush resets name's buffer and returns how many rows were accumulated
// since the last flush.
func (e *Evaluator) Flush(name string) (int, error) {
	b, ok := e.buffers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAggregation, name)
	}

	flushed := b.count
	b.totalFlushed += flushed
	b.count = 0
	b.bytes = 0
	b.firstAcceptedAt = time.Time{}

	return flushed, nil
}

// BufferCount returns name's current in-flight row count (accepted since
// the last flush).
func (e *Evaluator) BufferCount(name string) (int, error) {
	b, ok := e.buffers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAggregation, name)
	}

	return b.count, nil
}

// Totals returns (accepted, flushed) lifetime counters for name, so callers
// can assert the buffer_count == accepted - flushed invariant directly.
func (e *Evaluator) Totals(name string) (accepted, flushed int, err error) {
	b, ok := e.buffers[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownAggregation, name)
	}

	return b.totalAccepted, b.totalFlushed, nil
}

// Names lists every registered aggregation, for FlushPending-style sweeps.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.buffers))
	for name := range e.buffers {
		names = append(names, name)
	}

	return names
}
