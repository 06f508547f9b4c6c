package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"coachletter/internal/types"
)

// AttemptRepo provides data access for the delivery_attempts table.
//
// Records are created by the dispatch worker when its in-process retry loop
// is exhausted (or a permanent provider rejection is detected) and mutated
// only by the retry sweeper afterwards. 'sent' and 'permanently_failed' are
// terminal.
type AttemptRepo struct {
	db DBTX
}

// NewAttemptRepo creates an AttemptRepo backed by the given database
// connection (pool or transaction).
func NewAttemptRepo(db DBTX) *AttemptRepo {
	return &AttemptRepo{db: db}
}

const attemptColumns = `id, subscription_id, recipient_id, series_kind, subject_line,
       delivery_index, status, retry_count, last_error, provider_message_id,
       created_at, updated_at`

// Insert stores a new delivery attempt record.
func (r *AttemptRepo) Insert(ctx context.Context, a *types.DeliveryAttempt) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_attempts
		   (id, subscription_id, recipient_id, series_kind, subject_line,
		    delivery_index, status, retry_count, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		a.ID,
		a.SubscriptionID,
		a.RecipientID,
		string(a.SeriesKind),
		a.SubjectLine,
		a.DeliveryIndex,
		string(a.Status),
		a.RetryCount,
		a.LastError,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert delivery attempt", err)
	}
	return nil
}

// ListRetryScheduled returns up to limit records eligible for the retry
// sweeper: status = 'retry_scheduled' and retry_count < maxRetries, oldest
// first so starved records are re-attempted before fresh failures.
//
// SQL: SELECT ... FROM delivery_attempts
//      WHERE status = 'retry_scheduled' AND retry_count < $1
//      ORDER BY created_at LIMIT $2
func (r *AttemptRepo) ListRetryScheduled(ctx context.Context, maxRetries, limit int) ([]*types.DeliveryAttempt, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM delivery_attempts
		 WHERE status = 'retry_scheduled' AND retry_count < $1
		 ORDER BY created_at
		 LIMIT $2`,
		maxRetries, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query retry-scheduled attempts", err)
	}
	defer rows.Close()

	var attempts []*types.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate attempts", err)
	}
	return attempts, nil
}

// MarkSent transitions a record to the terminal 'sent' status and stores the
// provider message ID.
func (r *AttemptRepo) MarkSent(ctx context.Context, id string, providerMessageID string) error {
	return r.update(ctx,
		`UPDATE delivery_attempts
		 SET status = 'sent', provider_message_id = $2, last_error = NULL, updated_at = NOW()
		 WHERE id = $1`,
		id, providerMessageID)
}

// RecordRetryFailure increments retry_count after a failed sweeper attempt
// and flips the record to 'permanently_failed' exactly when the new count
// reaches maxRetries. Returns the new retry count and status.
//
// SQL:
//
//	UPDATE delivery_attempts
//	SET retry_count = retry_count + 1,
//	    last_error  = $2,
//	    status      = CASE WHEN retry_count + 1 >= $3
//	                       THEN 'permanently_failed' ELSE 'retry_scheduled' END,
//	    updated_at  = NOW()
//	WHERE id = $1
//	RETURNING retry_count, status
func (r *AttemptRepo) RecordRetryFailure(ctx context.Context, id string, lastError string, maxRetries int) (int, types.AttemptStatus, error) {
	var (
		count  int
		status string
	)
	err := r.db.QueryRow(ctx,
		`UPDATE delivery_attempts
		 SET retry_count = retry_count + 1,
		     last_error  = $2,
		     status      = CASE WHEN retry_count + 1 >= $3
		                        THEN 'permanently_failed' ELSE 'retry_scheduled' END,
		     updated_at  = NOW()
		 WHERE id = $1
		 RETURNING retry_count, status`,
		id, lastError, maxRetries,
	).Scan(&count, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", types.NewAppError(types.ErrCodeNotFoundAttempt, "delivery attempt not found", err)
		}
		return 0, "", types.NewAppError(types.ErrCodeInternalDB, "failed to record retry failure", err)
	}
	return count, types.AttemptStatus(status), nil
}

// MarkPermanentlyFailed short-circuits a record to 'permanently_failed'
// without consuming the remaining retries. Used when the provider signals a
// non-retryable rejection.
func (r *AttemptRepo) MarkPermanentlyFailed(ctx context.Context, id string, lastError string) error {
	return r.update(ctx,
		`UPDATE delivery_attempts
		 SET status = 'permanently_failed', last_error = $2, updated_at = NOW()
		 WHERE id = $1`,
		id, lastError)
}

// ListTerminalBefore returns up to limit terminal records older than cutoff,
// for the prune/archive job.
//
// SQL: SELECT ... FROM delivery_attempts
//      WHERE status IN ('sent', 'permanently_failed') AND updated_at < $1
//      ORDER BY id LIMIT $2
func (r *AttemptRepo) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.DeliveryAttempt, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM delivery_attempts
		 WHERE status IN ('sent', 'permanently_failed') AND updated_at < $1
		 ORDER BY id
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query terminal attempts", err)
	}
	defer rows.Close()

	var attempts []*types.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate terminal attempts", err)
	}
	return attempts, nil
}

// DeleteByIDs removes attempt records by ID and returns the deleted count.
//
// SQL: DELETE FROM delivery_attempts WHERE id = ANY($1)
func (r *AttemptRepo) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM delivery_attempts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete attempts", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *AttemptRepo) update(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update delivery attempt", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAttempt, "delivery attempt not found", nil)
	}
	return nil
}

// scanAttempt scans one row into a DeliveryAttempt.
func scanAttempt(row pgx.Row) (*types.DeliveryAttempt, error) {
	var (
		a    types.DeliveryAttempt
		kind string
		st   string
	)
	err := row.Scan(
		&a.ID,
		&a.SubscriptionID,
		&a.RecipientID,
		&kind,
		&a.SubjectLine,
		&a.DeliveryIndex,
		&st,
		&a.RetryCount,
		&a.LastError,
		&a.ProviderMessageID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAttempt, "delivery attempt not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery attempt", err)
	}
	a.SeriesKind = types.SeriesKind(kind)
	a.Status = types.AttemptStatus(st)
	return &a, nil
}
