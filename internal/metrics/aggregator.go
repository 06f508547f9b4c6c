// Package metrics provides the in-memory delivery metrics accumulator that
// is flushed to durable storage on the daily boundary, plus the Prometheus
// collectors and ops HTTP listener for live observability.
//
// The accumulator is process-local shared state guarded by a single mutex.
// It is never used for correctness decisions, only observability; when
// multiple processes run concurrently each flushes its own snapshot and
// downstream consumers sum them.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"coachletter/internal/types"
)

// Outcome classifies one dispatch attempt for metrics purposes.
type Outcome string

const (
	// OutcomeSuccess is a send that completed and won its claim.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed is a send whose in-process retries were exhausted.
	OutcomeFailed Outcome = "failed"

	// OutcomeDuplicate is a completed send whose claim lost to a concurrent
	// tick. Counted as attempted but neither succeeded nor failed, keeping
	// succeeded+failed <= totalAttempted.
	OutcomeDuplicate Outcome = "duplicate"
)

// SnapshotStore is the persistence boundary for flushed snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap *types.MetricsSnapshot) error
}

// Aggregator accumulates attempt counters and a timezone histogram in
// memory. Increments may race with a concurrent flush; the mutex makes
// flush-and-reset atomic with respect to them.
type Aggregator struct {
	store  SnapshotStore
	logger *slog.Logger

	mu             sync.Mutex
	totalAttempted int
	succeeded      int
	failed         int
	byTimezone     map[string]int

	// Live counters mirror the accumulator for Prometheus scrapes. They are
	// cumulative process counters and are not reset on flush.
	promAttempts *prometheus.CounterVec
}

// NewAggregator creates an Aggregator and registers its Prometheus
// collectors on the given registerer (which may be nil to skip
// registration, e.g. in tests).
func NewAggregator(store SnapshotStore, reg prometheus.Registerer, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	promAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coachletter_delivery_attempts_total",
			Help: "Delivery attempts by recipient timezone and outcome.",
		},
		[]string{"timezone", "outcome"},
	)
	if reg != nil {
		reg.MustRegister(promAttempts)
	}

	return &Aggregator{
		store:        store,
		logger:       logger,
		byTimezone:   make(map[string]int),
		promAttempts: promAttempts,
	}
}

// RecordAttempt increments the in-memory counters for one dispatch attempt.
func (a *Aggregator) RecordAttempt(timezone string, outcome Outcome) {
	a.mu.Lock()
	a.totalAttempted++
	a.byTimezone[timezone]++
	switch outcome {
	case OutcomeSuccess:
		a.succeeded++
	case OutcomeFailed:
		a.failed++
	}
	a.mu.Unlock()

	a.promAttempts.WithLabelValues(timezone, string(outcome)).Inc()
}

// FlushAndReset persists the accumulated counters as a MetricsSnapshot for
// the given period date and zeroes the accumulator. The swap happens under
// the mutex, so increments racing with the flush land in the next period
// rather than being lost. An empty period is skipped without a store write.
func (a *Aggregator) FlushAndReset(ctx context.Context, periodDate time.Time) error {
	a.mu.Lock()
	snap := &types.MetricsSnapshot{
		ID:                uuid.New().String(),
		PeriodDate:        periodDate,
		TotalAttempted:    a.totalAttempted,
		Succeeded:         a.succeeded,
		Failed:            a.failed,
		TimezoneBreakdown: a.byTimezone,
	}
	a.totalAttempted = 0
	a.succeeded = 0
	a.failed = 0
	a.byTimezone = make(map[string]int)
	a.mu.Unlock()

	if snap.TotalAttempted == 0 {
		a.logger.DebugContext(ctx, "metrics flush skipped, no activity",
			"period_date", periodDate.Format(time.DateOnly))
		return nil
	}

	if err := a.store.InsertSnapshot(ctx, snap); err != nil {
		// The accumulator was already reset; restore the counts so the next
		// flush retries with them instead of dropping the period.
		a.restore(snap)
		return fmt.Errorf("metrics: persisting snapshot for %s: %w",
			periodDate.Format(time.DateOnly), err)
	}

	a.logger.InfoContext(ctx, "metrics snapshot flushed",
		"period_date", periodDate.Format(time.DateOnly),
		"total_attempted", snap.TotalAttempted,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"timezones", len(snap.TimezoneBreakdown),
	)
	return nil
}

// restore merges a failed-to-flush snapshot back into the accumulator.
func (a *Aggregator) restore(snap *types.MetricsSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalAttempted += snap.TotalAttempted
	a.succeeded += snap.Succeeded
	a.failed += snap.Failed
	for tz, n := range snap.TimezoneBreakdown {
		a.byTimezone[tz] += n
	}
}

// Current returns a copy of the live counters. Intended for tests and the
// health endpoint.
func (a *Aggregator) Current() (attempted, succeeded, failed int, byTimezone map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.byTimezone))
	for tz, n := range a.byTimezone {
		out[tz] = n
	}
	return a.totalAttempted, a.succeeded, a.failed, out
}
