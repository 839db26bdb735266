// Package schedule runs a settings-driven pipeline on a cron schedule
// (spec §3.1/§6.5's `schedule` surface). It is a thin wrapper around
// robfig/cron/v3: the engine core has no notion of recurring runs, so
// scheduling lives entirely at this outer layer and is never imported by
// internal/orchestrator or internal/engine.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// RunFunc starts one pipeline run. It is typically
// func(ctx) { settings.Build(...); orch.Run(ctx) } wired by the caller so
// this package never needs to know about settings.Config or the
// orchestrator directly.
type RunFunc func(ctx context.Context) error

// Scheduler drives zero or more cron-triggered pipeline runs. Overlapping
// fires of the same entry are serialized: a run already in flight skips
// the next tick rather than starting a second concurrent run against the
// same Landscape database, per cron's own documented caveat that jobs are
// not guaranteed non-overlapping by default.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running map[cron.EntryID]bool
}

// New builds a Scheduler. logger defaults to slog.Default() when nil.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		running: make(map[cron.EntryID]bool),
	}
}

// Add registers a run under a standard 5-field cron expression. name
// identifies the entry in logs.
func (s *Scheduler) Add(expr, name string, run RunFunc) (cron.EntryID, error) {
	var id cron.EntryID

	id, err := s.cron.AddFunc(expr, func() {
		s.fire(id, name, run)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}

	return id, nil
}

func (s *Scheduler) fire(id cron.EntryID, name string, run RunFunc) {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		s.logger.Warn("schedule: skipping tick, previous run still in flight", "entry", name)

		return
	}

	s.running[id] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[id] = false
		s.mu.Unlock()
	}()

	if err := run(context.Background()); err != nil {
		s.logger.Error("schedule: run failed", "entry", name, "error", err)
	}
}

// Start begins dispatching registered entries in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for the in-flight run (if any) to
// finish its current invocation before returning.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
