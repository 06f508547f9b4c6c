package db

import (
	"context"
	"encoding/json"

	"coachletter/internal/types"
)

// MetricsRepo provides data access for the metrics_snapshots table. One row
// per (process, aggregation period); downstream consumers sum rows when
// multiple processes flush the same period.
type MetricsRepo struct {
	db DBTX
}

// NewMetricsRepo creates a MetricsRepo backed by the given database
// connection (pool or transaction).
func NewMetricsRepo(db DBTX) *MetricsRepo {
	return &MetricsRepo{db: db}
}

// InsertSnapshot persists one flushed metrics snapshot.
//
// SQL: INSERT INTO metrics_snapshots
//        (id, period_date, total_attempted, succeeded, failed,
//         timezone_breakdown, flushed_at)
//      VALUES ($1, $2, $3, $4, $5, $6, NOW())
func (r *MetricsRepo) InsertSnapshot(ctx context.Context, snap *types.MetricsSnapshot) error {
	breakdown, err := json.Marshal(snap.TimezoneBreakdown)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal timezone breakdown", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO metrics_snapshots
		   (id, period_date, total_attempted, succeeded, failed,
		    timezone_breakdown, flushed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		snap.ID,
		snap.PeriodDate,
		snap.TotalAttempted,
		snap.Succeeded,
		snap.Failed,
		breakdown,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert metrics snapshot", err)
	}
	return nil
}
