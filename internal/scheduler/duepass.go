package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"coachletter/internal/metrics"
	"coachletter/internal/types"
)

// SubscriptionStore defines the subscription operations the due pass needs.
// Implemented by db.SubscriptionRepo; narrow so tests run against a fake.
type SubscriptionStore interface {
	// ListDueCoaching returns up to limit active coaching subscriptions with
	// next_eligible_at <= now, ordered by id, at the given offset.
	ListDueCoaching(ctx context.Context, now time.Time, limit, offset int) ([]*types.Subscription, error)

	// TryClaim performs the atomic conditional update described in
	// types.ClaimInput. Returns whether this caller won the claim.
	TryClaim(ctx context.Context, claim types.ClaimInput) (bool, error)
}

// ContentSource produces the personalized content for a subscription's next
// delivery. Implemented by content.Requester.
type ContentSource interface {
	NextContent(ctx context.Context, sub *types.Subscription, profile *types.RecipientProfile) (types.GeneratedContent, error)
}

// Dispatcher sends generated content through the provider. Implemented by
// dispatch.Worker.
type Dispatcher interface {
	SendWithRetry(ctx context.Context, sub *types.Subscription, profile *types.RecipientProfile, content types.GeneratedContent) (string, error)
}

// AttemptStore persists durable attempt records. The due pass writes one
// directly only for content-generation failures; provider failures are
// recorded inside the dispatch worker.
type AttemptStore interface {
	Insert(ctx context.Context, a *types.DeliveryAttempt) error
}

// Recorder accumulates delivery metrics.
type Recorder interface {
	RecordAttempt(timezone string, outcome metrics.Outcome)
}

// DuePassConfig tunes one pass over the due set.
type DuePassConfig struct {
	BatchSize   int
	BatchPause  time.Duration
	MaxParallel int
	Slot        Slot
}

// PassStats summarizes one due pass for logging and tests.
type PassStats struct {
	Selected  int // subscriptions pulled from the due set
	Skipped   int // skipped before a send was attempted (no collaborators, bad data)
	Sent      int // send completed and claim won
	Failed    int // send failed after in-process retries
	ClaimLost int // send completed but another tick advanced the subscription
}

// DuePass is the main scheduling pass: it pages through due coaching
// subscriptions, dispatches each with bounded parallelism, and commits each
// successful send through the conditional claim.
//
// Overlapping invocations are expected and safe: nothing here takes a lock,
// and a subscription that two ticks race on resolves through the claim with
// exactly one winner. A pass runs until the due set is exhausted, then
// yields back to the trigger.
type DuePass struct {
	subs     SubscriptionStore
	profiles types.ProfileStore
	content  ContentSource
	worker   Dispatcher
	attempts AttemptStore
	recorder Recorder
	cfg      DuePassConfig
	logger   *slog.Logger

	// pauseFn is injectable for tests; defaults to time.Sleep.
	pauseFn func(time.Duration)
}

// NewDuePass creates the due-pass service.
func NewDuePass(
	subs SubscriptionStore,
	profiles types.ProfileStore,
	content ContentSource,
	worker Dispatcher,
	attempts AttemptStore,
	recorder Recorder,
	cfg DuePassConfig,
	logger *slog.Logger,
) *DuePass {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuePass{
		subs:     subs,
		profiles: profiles,
		content:  content,
		worker:   worker,
		attempts: attempts,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		pauseFn:  time.Sleep,
	}
}

// Run executes one pass at the given reference time. Failures local to one
// subscription never abort the pass; only store-level failures do, relying
// on the next tick to resume from persisted state.
//
// Paging: rows that win their claim leave the due predicate, so the offset
// advances only by the rows that stayed in the set (failures and claim
// losses where the loser's row was advanced by someone else are already
// excluded by the predicate). Either the set shrinks or the offset grows,
// so the loop always terminates.
func (p *DuePass) Run(ctx context.Context, now time.Time) (PassStats, error) {
	var stats PassStats
	offset := 0

	for {
		batch, err := p.subs.ListDueCoaching(ctx, now, p.cfg.BatchSize, offset)
		if err != nil {
			return stats, fmt.Errorf("scheduler: listing due subscriptions: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		p.logger.InfoContext(ctx, "processing due batch",
			"batch_size", len(batch),
			"offset", offset,
			"selected_so_far", stats.Selected,
		)
		stats.Selected += len(batch)

		var (
			mu         sync.Mutex
			batchStats PassStats
			fatalErr   error
		)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.MaxParallel)
		for _, sub := range batch {
			g.Go(func() error {
				outcome, err := p.processOne(gctx, sub, now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					// Store-level failure: remember it, abort after this batch.
					if fatalErr == nil {
						fatalErr = err
					}
					return err
				}
				switch outcome {
				case outcomeSent:
					batchStats.Sent++
				case outcomeFailed:
					batchStats.Failed++
				case outcomeClaimLost:
					batchStats.ClaimLost++
				case outcomeSkipped:
					batchStats.Skipped++
				}
				return nil
			})
		}
		_ = g.Wait()

		stats.Sent += batchStats.Sent
		stats.Failed += batchStats.Failed
		stats.ClaimLost += batchStats.ClaimLost
		stats.Skipped += batchStats.Skipped

		if fatalErr != nil {
			return stats, fmt.Errorf("scheduler: aborting pass on store failure: %w", fatalErr)
		}

		if len(batch) < p.cfg.BatchSize {
			break
		}

		// Claimed rows left the due predicate; everything else at this
		// offset is still there and must not be re-dispatched this pass.
		offset += len(batch) - batchStats.Sent

		// Short pause between batches to respect provider throughput.
		p.pauseFn(p.cfg.BatchPause)
	}

	p.logger.InfoContext(ctx, "due pass complete",
		"selected", stats.Selected,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"claim_lost", stats.ClaimLost,
		"skipped", stats.Skipped,
	)

	return stats, nil
}

// passOutcome classifies processOne results for stats.
type passOutcome int

const (
	outcomeSkipped passOutcome = iota
	outcomeSent
	outcomeFailed
	outcomeClaimLost
)

// processOne runs the full pipeline for a single subscription:
// profile -> content -> send -> claim -> metrics. The returned error is
// non-nil only for store-level failures; everything else is a recorded
// outcome.
func (p *DuePass) processOne(ctx context.Context, sub *types.Subscription, now time.Time) (passOutcome, error) {
	logger := p.logger.With(
		"subscription_id", sub.ID,
		"recipient_id", sub.RecipientID,
		"delivery_count", sub.DeliveryCount,
		"timezone", sub.Timezone,
	)

	// Data invariant checks are fatal for this subscription only.
	today, err := LocalToday(now, sub.Timezone)
	if err != nil {
		logger.ErrorContext(ctx, "subscription has invalid timezone, skipping",
			"error", err.Error())
		return outcomeSkipped, nil
	}
	nextEligible, err := ComputeNextEligibleTime(now, sub.Timezone, p.cfg.Slot)
	if err != nil {
		logger.ErrorContext(ctx, "failed to compute next eligible time, skipping",
			"error", err.Error())
		return outcomeSkipped, nil
	}

	profile, err := p.profiles.GetProfile(ctx, sub.RecipientID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeInternalDB) {
			return outcomeSkipped, err
		}
		logger.ErrorContext(ctx, "recipient profile unavailable, skipping",
			"error", err.Error())
		return outcomeSkipped, nil
	}

	// A subscription with nobody to feature is skipped before a send is
	// attempted and does not count toward attempted/failed metrics.
	if len(profile.Collaborators) == 0 {
		logger.DebugContext(ctx, "no collaborators configured, skipping")
		return outcomeSkipped, nil
	}

	generated, err := p.content.NextContent(ctx, sub, profile)
	if err != nil {
		return p.recordContentFailure(ctx, logger, sub, err)
	}

	msgID, err := p.worker.SendWithRetry(ctx, sub, profile, generated)
	if err != nil {
		if types.IsCode(err, types.ErrCodeInternalDB) {
			return outcomeSkipped, err
		}
		p.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeFailed)
		return outcomeFailed, nil
	}

	claimed, err := p.subs.TryClaim(ctx, types.ClaimInput{
		SubscriptionID:        sub.ID,
		ExpectedDeliveryCount: sub.DeliveryCount,
		Today:                 today,
		Now:                   now,
		Cap:                   sub.Cap(),
		NextEligibleAt:        nextEligible,
		Variety:               sub.Variety.Push(generated.Patterns),
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("claiming subscription %s: %w", sub.ID, err)
	}

	if !claimed {
		// Normal concurrency outcome: another tick advanced this
		// subscription while we were sending. The completed send is a rare
		// accepted duplicate; the other claimant's bookkeeping is
		// authoritative.
		logger.InfoContext(ctx, "claim lost to concurrent tick, dropping bookkeeping",
			"provider_message_id", msgID)
		p.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeDuplicate)
		return outcomeClaimLost, nil
	}

	p.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeSuccess)
	logger.InfoContext(ctx, "delivery committed",
		"provider_message_id", msgID,
		"new_delivery_count", sub.DeliveryCount+1,
		"exhausted", sub.DeliveryCount+1 >= sub.Cap(),
	)
	return outcomeSent, nil
}

// recordContentFailure persists a retry_scheduled attempt record for a
// content-generation failure so the sweeper re-attempts the issue, then
// counts a failed attempt. The generator client already retried with
// backoff internally.
func (p *DuePass) recordContentFailure(ctx context.Context, logger *slog.Logger, sub *types.Subscription, cause error) (passOutcome, error) {
	var deliveryIndex *int
	if sub.SeriesKind == types.SeriesCoaching {
		idx := sub.DeliveryCount + 1
		deliveryIndex = &idx
	}

	errMsg := cause.Error()
	record := &types.DeliveryAttempt{
		ID:             newAttemptID(),
		SubscriptionID: sub.ID,
		RecipientID:    sub.RecipientID,
		SeriesKind:     sub.SeriesKind,
		DeliveryIndex:  deliveryIndex,
		Status:         types.AttemptRetryScheduled,
		RetryCount:     0,
		LastError:      &errMsg,
	}
	if err := p.attempts.Insert(ctx, record); err != nil {
		return outcomeSkipped, fmt.Errorf("recording content failure for subscription %s: %w", sub.ID, err)
	}

	logger.ErrorContext(ctx, "content generation failed, recorded for sweeper",
		"attempt_id", record.ID,
		"error", errMsg,
	)
	p.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeFailed)
	return outcomeFailed, nil
}
