package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coachletter/internal/metrics"
	"coachletter/internal/types"
)

// newAttemptID mints an attempt record ID.
func newAttemptID() string {
	return uuid.New().String()
}

// SweepBatchLimit bounds one sweeper pass. The sweep runs on a coarser
// period than the due pass; anything beyond the limit waits for the next
// sweep.
const SweepBatchLimit = 200

// SweeperAttemptStore defines the attempt-record operations the sweeper
// needs. Implemented by db.AttemptRepo.
type SweeperAttemptStore interface {
	// ListRetryScheduled returns records with status retry_scheduled and
	// retry_count < maxRetries, oldest first.
	ListRetryScheduled(ctx context.Context, maxRetries, limit int) ([]*types.DeliveryAttempt, error)

	// MarkSent transitions a record to the terminal sent status.
	MarkSent(ctx context.Context, id string, providerMessageID string) error

	// RecordRetryFailure increments retry_count and flips the record to
	// permanently_failed exactly when the new count reaches maxRetries.
	RecordRetryFailure(ctx context.Context, id string, lastError string, maxRetries int) (int, types.AttemptStatus, error)

	// MarkPermanentlyFailed short-circuits a record on a non-retryable
	// provider rejection.
	MarkPermanentlyFailed(ctx context.Context, id string, lastError string) error
}

// SweeperSubscriptionStore defines the subscription operations the sweeper
// needs: re-reading current state and committing a successful re-attempt
// through the same claim as the due pass.
type SweeperSubscriptionStore interface {
	GetByID(ctx context.Context, id string) (*types.Subscription, error)
	TryClaim(ctx context.Context, claim types.ClaimInput) (bool, error)
}

// SingleSender performs one bounded provider call without an in-process
// retry loop. Implemented by dispatch.Worker.SendOnce.
type SingleSender interface {
	SendOnce(ctx context.Context, profile *types.RecipientProfile, content types.GeneratedContent) (string, error)
}

// SweepStats summarizes one sweep for logging and tests.
type SweepStats struct {
	Examined   int
	Sent       int
	Retried    int // failed again, retry_count incremented, still scheduled
	Exhausted  int // failed and reached maxRetries -> permanently_failed
	Superseded int // subscription advanced past the recorded issue
}

// RetrySweeper is the independent periodic pass over persisted failure
// records. For each eligible record it re-resolves the current recipient,
// regenerates the issue, and re-attempts delivery exactly once. It never
// blocks or coordinates with the main due pass.
type RetrySweeper struct {
	attempts SweeperAttemptStore
	subs     SweeperSubscriptionStore
	profiles types.ProfileStore
	content  ContentSource
	sender   SingleSender
	recorder Recorder
	slot     Slot
	logger   *slog.Logger
}

// NewRetrySweeper creates the sweeper service.
func NewRetrySweeper(
	attempts SweeperAttemptStore,
	subs SweeperSubscriptionStore,
	profiles types.ProfileStore,
	content ContentSource,
	sender SingleSender,
	recorder Recorder,
	slot Slot,
	logger *slog.Logger,
) *RetrySweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrySweeper{
		attempts: attempts,
		subs:     subs,
		profiles: profiles,
		content:  content,
		sender:   sender,
		recorder: recorder,
		slot:     slot,
		logger:   logger,
	}
}

// Sweep runs one pass at the given reference time. Record-local failures
// never abort the sweep; only a store-level listing failure does.
func (s *RetrySweeper) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	records, err := s.attempts.ListRetryScheduled(ctx, types.MaxSweepRetries, SweepBatchLimit)
	if err != nil {
		return stats, fmt.Errorf("scheduler: listing retry-scheduled attempts: %w", err)
	}
	stats.Examined = len(records)

	for _, record := range records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		s.sweepOne(ctx, record, now, &stats)
	}

	s.logger.InfoContext(ctx, "retry sweep complete",
		"examined", stats.Examined,
		"sent", stats.Sent,
		"retried", stats.Retried,
		"exhausted", stats.Exhausted,
		"superseded", stats.Superseded,
	)
	return stats, nil
}

// sweepOne re-attempts a single record. All outcomes are recorded on the
// record itself; errors are logged and the sweep moves on.
func (s *RetrySweeper) sweepOne(ctx context.Context, record *types.DeliveryAttempt, now time.Time, stats *SweepStats) {
	logger := s.logger.With(
		"attempt_id", record.ID,
		"subscription_id", record.SubscriptionID,
		"retry_count", record.RetryCount,
	)

	sub, err := s.subs.GetByID(ctx, record.SubscriptionID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load subscription for retry", "error", err.Error())
		return
	}

	// The recorded issue may have been superseded: if the subscription has
	// advanced past the index this record was for, re-sending stale content
	// helps nobody. Close the record instead of burning its retries.
	if record.DeliveryIndex != nil && *record.DeliveryIndex != sub.DeliveryCount+1 {
		if err := s.attempts.MarkPermanentlyFailed(ctx, record.ID, "superseded by a later delivery"); err != nil {
			logger.ErrorContext(ctx, "failed to close superseded attempt", "error", err.Error())
			return
		}
		logger.InfoContext(ctx, "attempt superseded, closed",
			"recorded_index", *record.DeliveryIndex,
			"delivery_count", sub.DeliveryCount)
		stats.Superseded++
		return
	}

	profile, err := s.profiles.GetProfile(ctx, sub.RecipientID)
	if err != nil {
		s.failRecord(ctx, logger, record, stats, fmt.Sprintf("profile unavailable: %v", err), false)
		return
	}

	generated, err := s.content.NextContent(ctx, sub, profile)
	if err != nil {
		s.failRecord(ctx, logger, record, stats, fmt.Sprintf("content generation: %v", err), false)
		return
	}

	msgID, err := s.sender.SendOnce(ctx, profile, generated)
	if err != nil {
		s.failRecord(ctx, logger, record, stats, err.Error(), types.IsPermanentSendError(err))
		s.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeFailed)
		return
	}

	if err := s.attempts.MarkSent(ctx, record.ID, msgID); err != nil {
		logger.ErrorContext(ctx, "send succeeded but failed to mark record sent",
			"provider_message_id", msgID,
			"error", err.Error())
		return
	}

	// Commit the successful re-attempt through the same gate as the due
	// pass so delivery_count stays truthful. A lost claim here means the
	// subscription moved on; the record is already closed.
	s.claimForSweep(ctx, logger, sub, generated, now, msgID)

	s.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeSuccess)
	logger.InfoContext(ctx, "retry succeeded", "provider_message_id", msgID)
	stats.Sent++
}

// claimForSweep advances the subscription for a successful sweeper send.
func (s *RetrySweeper) claimForSweep(ctx context.Context, logger *slog.Logger, sub *types.Subscription, generated types.GeneratedContent, now time.Time, msgID string) {
	today, err := LocalToday(now, sub.Timezone)
	if err != nil {
		logger.ErrorContext(ctx, "invalid timezone on claimed retry", "error", err.Error())
		return
	}
	nextEligible, err := ComputeNextEligibleTime(now, sub.Timezone, s.slot)
	if err != nil {
		logger.ErrorContext(ctx, "failed to compute next eligible time on retry", "error", err.Error())
		return
	}

	claimed, err := s.subs.TryClaim(ctx, types.ClaimInput{
		SubscriptionID:        sub.ID,
		ExpectedDeliveryCount: sub.DeliveryCount,
		Today:                 today,
		Now:                   now,
		Cap:                   sub.Cap(),
		NextEligibleAt:        nextEligible,
		Variety:               sub.Variety.Push(generated.Patterns),
	})
	if err != nil {
		logger.ErrorContext(ctx, "claim failed after retry send", "error", err.Error())
		return
	}
	if !claimed {
		logger.InfoContext(ctx, "claim lost after retry send, dropping bookkeeping",
			"provider_message_id", msgID)
	}
}

// failRecord applies the failure bookkeeping for one sweep attempt:
// permanent rejections close the record immediately; everything else
// increments retry_count, flipping to permanently_failed at the cap.
func (s *RetrySweeper) failRecord(ctx context.Context, logger *slog.Logger, record *types.DeliveryAttempt, stats *SweepStats, reason string, permanent bool) {
	if permanent {
		if err := s.attempts.MarkPermanentlyFailed(ctx, record.ID, reason); err != nil {
			logger.ErrorContext(ctx, "failed to mark attempt permanently failed", "error", err.Error())
			return
		}
		logger.WarnContext(ctx, "attempt permanently failed on provider rejection", "reason", reason)
		stats.Exhausted++
		return
	}

	count, status, err := s.attempts.RecordRetryFailure(ctx, record.ID, reason, types.MaxSweepRetries)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record retry failure", "error", err.Error())
		return
	}

	if status == types.AttemptPermanentlyFailed {
		logger.WarnContext(ctx, "attempt exhausted sweep retries",
			"retry_count", count,
			"reason", reason)
		stats.Exhausted++
		return
	}

	logger.WarnContext(ctx, "retry failed, rescheduled",
		"retry_count", count,
		"reason", reason)
	stats.Retried++
}
