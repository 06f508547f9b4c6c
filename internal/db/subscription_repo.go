package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"coachletter/internal/types"
)

// SubscriptionRepo provides data access for the subscriptions table.
//
// Key invariants:
//   - TryClaim is the only mutation path for progress/scheduling fields.
//     It uses a single conditional UPDATE so that overlapping scheduler
//     ticks racing on the same subscription can never double-advance it.
//   - Rows are never deleted; a capped subscription is deactivated and kept
//     as the audit trail of the relationship.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

const subscriptionColumns = `id, recipient_id, series_kind, timezone, is_active,
       next_eligible_at, last_sent_at, last_sent_date, delivery_count,
       variety_state, created_at, updated_at`

// Create inserts a new subscription row. The caller supplies a fully
// initialized record (delivery_count = 0, is_active = true, next_eligible_at
// computed). A duplicate (recipient_id, series_kind) pair maps to
// ErrCodeConflictSubscription.
//
// SQL: INSERT INTO subscriptions (...) VALUES (...)
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.Subscription) error {
	variety, err := json.Marshal(sub.Variety)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal variety state", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO subscriptions
		   (id, recipient_id, series_kind, timezone, is_active,
		    next_eligible_at, delivery_count, variety_state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`,
		sub.ID,
		sub.RecipientID,
		string(sub.SeriesKind),
		sub.Timezone,
		sub.IsActive,
		sub.NextEligibleAt,
		sub.DeliveryCount,
		variety,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictSubscription,
				"subscription already exists for recipient and series", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription", err)
	}
	return nil
}

// GetByID returns a single subscription or ErrCodeNotFoundSubscription.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// GetByRecipientAndKind returns the subscription for one (recipient, series)
// pair or ErrCodeNotFoundSubscription. Used by the immediate send path.
func (r *SubscriptionRepo) GetByRecipientAndKind(ctx context.Context, recipientID string, kind types.SeriesKind) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE recipient_id = $1 AND series_kind = $2`,
		recipientID, string(kind))
	return scanSubscription(row)
}

// ListDueCoaching returns up to limit active coaching subscriptions whose
// next_eligible_at has passed, ordered by id so repeated paging within one
// tick neither skips nor duplicates rows. Read-only; no side effects.
//
// SQL: SELECT ... FROM subscriptions
//      WHERE is_active AND series_kind = 'coaching' AND next_eligible_at <= $1
//      ORDER BY id LIMIT $2 OFFSET $3
func (r *SubscriptionRepo) ListDueCoaching(ctx context.Context, now time.Time, limit, offset int) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE is_active
		   AND series_kind = 'coaching'
		   AND next_eligible_at <= $1
		 ORDER BY id
		 LIMIT $2 OFFSET $3`,
		now, limit, offset)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate due subscriptions", err)
	}
	return subs, nil
}

// TryClaim performs the atomic conditional update that both validates
// eligibility and advances progress by exactly one step. Returns true if
// this caller won the claim.
//
// The WHERE clause re-validates what the due-set read observed: the
// delivery count is unchanged and nothing was sent today. Two overlapping
// ticks racing on the same subscription therefore resolve to exactly one
// winner per expected-count value; the loser's completed provider send is a
// rare accepted duplicate (the provider call cannot participate in this
// transaction), logged by the caller and not re-applied.
//
// SQL:
//
//	UPDATE subscriptions
//	SET delivery_count = $2 + 1,
//	    last_sent_at   = $3,
//	    last_sent_date = $4,
//	    is_active      = ($2 + 1) < $5,
//	    next_eligible_at = $6,
//	    variety_state  = $7,
//	    updated_at     = NOW()
//	WHERE id = $1
//	  AND delivery_count = $2
//	  AND (last_sent_date IS NULL OR last_sent_date < $4)
func (r *SubscriptionRepo) TryClaim(ctx context.Context, claim types.ClaimInput) (bool, error) {
	variety, err := json.Marshal(claim.Variety)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal variety state", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET delivery_count = $2 + 1,
		     last_sent_at   = $3,
		     last_sent_date = $4,
		     is_active      = ($2 + 1) < $5,
		     next_eligible_at = $6,
		     variety_state  = $7,
		     updated_at     = NOW()
		 WHERE id = $1
		   AND delivery_count = $2
		   AND (last_sent_date IS NULL OR last_sent_date < $4)`,
		claim.SubscriptionID,
		claim.ExpectedDeliveryCount,
		claim.Now,
		claim.Today,
		claim.Cap,
		claim.NextEligibleAt,
		variety,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to execute claim update", err)
	}

	return tag.RowsAffected() > 0, nil
}

// scanSubscription scans one row (pgx.Row or pgx.Rows) into a Subscription.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		sub     types.Subscription
		kind    string
		variety []byte
	)
	err := row.Scan(
		&sub.ID,
		&sub.RecipientID,
		&kind,
		&sub.Timezone,
		&sub.IsActive,
		&sub.NextEligibleAt,
		&sub.LastSentAt,
		&sub.LastSentDate,
		&sub.DeliveryCount,
		&variety,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
	}

	sub.SeriesKind = types.SeriesKind(kind)
	if len(variety) > 0 {
		if err := json.Unmarshal(variety, &sub.Variety); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "corrupt variety state", err)
		}
	}
	return &sub, nil
}
