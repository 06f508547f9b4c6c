// Package jobs owns the cron-driven execution of the periodic passes: the
// due pass, the retry sweep, the metrics flush, and the attempt prune. The
// registry is a thin layer over robfig/cron that adds run-ID stamping, run
// bookkeeping, panic recovery, and single-flight protection per job.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coachletter/internal/types"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// JobFunc is the unit of work a registered job executes. The context carries
// a fresh run ID and is canceled when the registry shuts down.
type JobFunc func(ctx context.Context) error

// Registry schedules named jobs on cron expressions. All specs are evaluated
// in UTC regardless of host timezone.
type Registry struct {
	c      *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	baseCtx context.Context
	stopped bool
}

// NewRegistry creates an empty Registry. baseCtx bounds the lifetime of all
// job runs; canceling it (or calling Stop) interrupts in-flight work.
func NewRegistry(baseCtx context.Context, logger *slog.Logger) *Registry {
	return &Registry{
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Register adds a named job on the given cron spec. Overlapping runs of the
// same job are skipped rather than queued: a pass that outlives its interval
// must not stack a second pass on top of itself.
func (r *Registry) Register(name, spec string, fn JobFunc) error {
	var inFlight atomic.Bool

	_, err := r.c.AddFunc(spec, func() {
		if !inFlight.CompareAndSwap(false, true) {
			r.logger.Warn("job still running, skipping this tick", "job", name)
			return
		}
		defer inFlight.Store(false)

		r.runOnce(name, fn)
	})
	if err != nil {
		return err
	}

	r.logger.Info("job registered", "job", name, "spec", spec)
	return nil
}

// runOnce executes one job run with a fresh run ID, duration bookkeeping,
// and panic recovery. A panicking job must not take the daemon down.
func (r *Registry) runOnce(name string, fn JobFunc) {
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(types.WithRunID(r.baseCtx, runID))
	r.track(cancel)
	defer cancel()

	logger := r.logger.With("job", name, "run_id", runID)
	start := time.Now()
	logger.Info("job run started")

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job run panicked",
				"panic", rec,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}()

	if err := fn(ctx); err != nil {
		logger.Error("job run failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	logger.Info("job run completed", "duration_ms", time.Since(start).Milliseconds())
}

func (r *Registry) track(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		cancel()
		return
	}
	r.cancels = append(r.cancels, cancel)
}

// Start begins scheduling. Jobs run on the cron goroutine pool; Start does
// not block.
func (r *Registry) Start() {
	r.c.Start()
	r.logger.Info("job registry started", "jobs", len(r.c.Entries()))
}

// Stop halts scheduling, cancels in-flight runs, and waits for them to
// return or for the grace period to elapse.
func (r *Registry) Stop(grace time.Duration) {
	stopCtx := r.c.Stop()

	r.mu.Lock()
	r.stopped = true
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	select {
	case <-stopCtx.Done():
		r.logger.Info("job registry stopped")
	case <-time.After(grace):
		r.logger.Warn("job registry stop timed out, abandoning in-flight runs")
	}
}
