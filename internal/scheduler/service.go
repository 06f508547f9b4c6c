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

// ServiceSubscriptionStore defines the subscription operations the
// enrollment/immediate-send service needs. Implemented by
// db.SubscriptionRepo.
type ServiceSubscriptionStore interface {
	Create(ctx context.Context, sub *types.Subscription) error
	GetByRecipientAndKind(ctx context.Context, recipientID string, kind types.SeriesKind) (*types.Subscription, error)
	TryClaim(ctx context.Context, claim types.ClaimInput) (bool, error)
}

// Service exposes the operations other subsystems call into the scheduler:
// Enroll on opt-in and SendImmediate for the onboarding-completion welcome
// path. SendImmediate bypasses the due-set selector but still commits
// through the same claim, so it obeys the cap and the same-day dedup like
// any scheduled send.
type Service struct {
	subs     ServiceSubscriptionStore
	profiles types.ProfileStore
	content  ContentSource
	worker   Dispatcher
	recorder Recorder
	slot     Slot
	logger   *slog.Logger

	// nowFn is injectable for tests; defaults to time.Now.
	nowFn func() time.Time
}

// NewService creates the scheduler service.
func NewService(
	subs ServiceSubscriptionStore,
	profiles types.ProfileStore,
	content ContentSource,
	worker Dispatcher,
	recorder Recorder,
	slot Slot,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subs:     subs,
		profiles: profiles,
		content:  content,
		worker:   worker,
		recorder: recorder,
		slot:     slot,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Enroll creates a new active subscription for the recipient with
// delivery_count 0 and the next eligible time computed immediately.
// The welcome series is eligible at once; coaching waits for the next
// weekly slot in the recipient's timezone.
func (s *Service) Enroll(ctx context.Context, recipientID string, kind types.SeriesKind, tz string) (*types.Subscription, error) {
	if recipientID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "recipient id is required", nil)
	}
	if !kind.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidSeries,
			fmt.Sprintf("unknown series kind %q", kind), nil)
	}

	now := s.nowFn()

	nextEligible := now
	if kind == types.SeriesCoaching {
		var err error
		nextEligible, err = ComputeNextEligibleTime(now, tz, s.slot)
		if err != nil {
			return nil, err
		}
	} else if _, err := time.LoadLocation(tz); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", tz), err)
	}

	sub := &types.Subscription{
		ID:             uuid.New().String(),
		RecipientID:    recipientID,
		SeriesKind:     kind,
		Timezone:       tz,
		IsActive:       true,
		NextEligibleAt: nextEligible,
		DeliveryCount:  0,
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription enrolled",
		"subscription_id", sub.ID,
		"recipient_id", recipientID,
		"series_kind", string(kind),
		"timezone", tz,
		"next_eligible_at", nextEligible.Format(time.RFC3339),
	)
	return sub, nil
}

// SendImmediate performs an on-demand single send for the recipient's
// subscription of the given kind, e.g. the welcome message on onboarding
// completion. The send goes through the full dispatch pipeline and commits
// through the claim; if a concurrent trigger already sent it, the claim
// simply loses and the duplicate bookkeeping is dropped.
func (s *Service) SendImmediate(ctx context.Context, recipientID string, kind types.SeriesKind) error {
	sub, err := s.subs.GetByRecipientAndKind(ctx, recipientID, kind)
	if err != nil {
		return err
	}

	logger := s.logger.With(
		"subscription_id", sub.ID,
		"recipient_id", recipientID,
		"series_kind", string(kind),
	)

	if !sub.IsActive {
		logger.InfoContext(ctx, "subscription inactive, immediate send skipped")
		return nil
	}

	profile, err := s.profiles.GetProfile(ctx, sub.RecipientID)
	if err != nil {
		return err
	}

	generated, err := s.content.NextContent(ctx, sub, profile)
	if err != nil {
		return err
	}

	now := s.nowFn()
	msgID, err := s.worker.SendWithRetry(ctx, sub, profile, generated)
	if err != nil {
		s.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeFailed)
		return err
	}

	today, err := LocalToday(now, sub.Timezone)
	if err != nil {
		return err
	}
	nextEligible, err := ComputeNextEligibleTime(now, sub.Timezone, s.slot)
	if err != nil {
		return err
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
		return err
	}
	if !claimed {
		logger.InfoContext(ctx, "claim lost on immediate send, dropping bookkeeping",
			"provider_message_id", msgID)
		s.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeDuplicate)
		return nil
	}

	s.recorder.RecordAttempt(sub.Timezone, metrics.OutcomeSuccess)
	logger.InfoContext(ctx, "immediate delivery committed",
		"provider_message_id", msgID,
		"new_delivery_count", sub.DeliveryCount+1,
	)
	return nil
}
