// Package scheduler drives monitoring cycles in single-shot or continuous
// mode, reloading configuration at every cycle boundary.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/darkwatch/internal/engine"
)

// DefaultInterval is used when a snapshot carries no interval.
const DefaultInterval = time.Hour

// Snapshot is everything one cycle needs, captured at a cycle boundary.
type Snapshot struct {
	Plan     engine.Plan
	Interval time.Duration
}

// Planner produces the snapshot for the next cycle.
type Planner interface {
	Next(ctx context.Context) (Snapshot, error)
}

// Runner executes one cycle.
type Runner interface {
	RunCycle(ctx context.Context, plan engine.Plan) *engine.CycleResult
}

// Scheduler runs cycles sequentially. Cancellation is honored between
// cycles; the runner itself decides how an in-flight cycle winds down.
type Scheduler struct {
	runner  Runner
	planner Planner
	logger  *zap.Logger

	// OnCycle, when set, is called with every finished cycle.
	OnCycle func(*engine.CycleResult)

	cycles atomic.Int64
}

// New creates a scheduler.
func New(runner Runner, planner Planner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, planner: planner, logger: logger.Named("scheduler")}
}

// Cycles returns how many cycles have completed.
func (s *Scheduler) Cycles() int64 {
	return s.cycles.Load()
}

// RunOnce loads a snapshot and runs exactly one cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (*engine.CycleResult, error) {
	_, result, err := s.runCycle(ctx)
	return result, err
}

func (s *Scheduler) runCycle(ctx context.Context) (Snapshot, *engine.CycleResult, error) {
	snap, err := s.planner.Next(ctx)
	if err != nil {
		return snap, nil, err
	}

	result := s.runner.RunCycle(ctx, snap.Plan)
	s.cycles.Add(1)
	if s.OnCycle != nil {
		s.OnCycle(result)
	}
	return snap, result, nil
}

// Run loops until ctx is cancelled: run a cycle, then sleep for the
// snapshot's interval. A snapshot that cannot be loaded skips that cycle.
// It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		snap, result, err := s.runCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			s.logger.Error("Skipping cycle, configuration could not be loaded", zap.Error(err))
		} else {
			s.logger.Info("Cycle complete",
				zap.String("cycle_id", result.ID),
				zap.Int("dispatched", result.Dispatched),
				zap.Int64("cycles", s.Cycles()),
			)
		}

		interval := snap.Interval
		if interval <= 0 {
			interval = DefaultInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Scheduler stopped", zap.Int64("cycles", s.Cycles()))
			return ctx.Err()
		case <-timer.C:
		}
	}
}
