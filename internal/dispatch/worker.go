// Package dispatch implements the send side of the scheduler: a worker that
// attempts delivery through the external email provider with bounded
// in-process retry and exponential backoff, and persists a durable attempt
// record when the loop is exhausted. Failure is a recorded outcome here,
// never an error that aborts the batch.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"coachletter/internal/types"
)

// Compile-time assertion for the trivial renderer.
var _ types.BodyRenderer = PlainTextRenderer{}

// PlainTextRenderer joins body sections with blank lines. Rich HTML
// rendering belongs to the templating layer outside this subsystem; the
// scheduler only needs a deliverable body.
type PlainTextRenderer struct{}

// Render implements types.BodyRenderer.
func (PlainTextRenderer) Render(content types.GeneratedContent) (string, error) {
	return strings.Join(content.BodySections, "\n\n"), nil
}

// AttemptRecorder is the persistence boundary the worker needs: one insert
// when in-process retries are exhausted.
type AttemptRecorder interface {
	Insert(ctx context.Context, a *types.DeliveryAttempt) error
}

// Policy configures the in-process retry loop.
type Policy struct {
	// MaxAttempts is the total number of provider calls per invocation.
	MaxAttempts int
	// BaseDelay scales the backoff: the wait after attempt n is 2^n * BaseDelay.
	BaseDelay time.Duration
	// SendTimeout bounds each individual provider call.
	SendTimeout time.Duration
}

// DefaultPolicy matches the provider throughput assumptions: three attempts
// with waits of 2s and 4s at a 1s base.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		SendTimeout: 10 * time.Second,
	}
}

// Worker delivers generated content for one subscription.
type Worker struct {
	provider types.EmailProvider
	renderer types.BodyRenderer
	attempts AttemptRecorder
	policy   Policy
	logger   *slog.Logger

	// sleepFn is injectable for tests; defaults to time.Sleep.
	sleepFn func(time.Duration)
}

// WorkerOption is a functional option for configuring a Worker.
type WorkerOption func(*Worker)

// WithSleepFunc overrides the sleep used between retries. Intended for
// testing to observe backoff without real delays.
func WithSleepFunc(fn func(time.Duration)) WorkerOption {
	return func(w *Worker) {
		w.sleepFn = fn
	}
}

// NewWorker creates a dispatch Worker.
func NewWorker(provider types.EmailProvider, renderer types.BodyRenderer, attempts AttemptRecorder, policy Policy, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		provider: provider,
		renderer: renderer,
		attempts: attempts,
		policy:   policy,
		logger:   logger,
		sleepFn:  time.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SendWithRetry attempts delivery up to policy.MaxAttempts times, waiting
// 2^attempt * BaseDelay between attempts (attempt starting at 1, so the
// delays strictly increase). The loop is explicit, not recursive, to keep
// stack depth and cancellation behavior predictable.
//
// On success at any attempt it returns the provider's message ID; no
// durable record is written. On exhaustion it persists exactly one
// DeliveryAttempt with status retry_scheduled and retry_count 0 for the
// retry sweeper, and returns the final provider error. A permanent
// provider rejection (suppressed or invalid address) short-circuits the
// loop and the record is created as permanently_failed instead.
//
// A timeout on the provider call is treated identically to any other send
// failure.
func (w *Worker) SendWithRetry(ctx context.Context, sub *types.Subscription, profile *types.RecipientProfile, content types.GeneratedContent) (string, error) {
	body, err := w.renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("dispatch: rendering body for subscription %s: %w", sub.ID, err)
	}

	input := types.SendInput{
		ToAddress:   profile.Email,
		ToName:      profile.DisplayName,
		SubjectLine: content.SubjectLine,
		Body:        body,
	}

	var lastErr error
	for attempt := 1; attempt <= w.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		msgID, err := w.sendOnce(ctx, input)
		if err == nil {
			w.logger.InfoContext(ctx, "delivery succeeded",
				"subscription_id", sub.ID,
				"attempt", attempt,
				"provider_message_id", msgID,
			)
			return msgID, nil
		}
		lastErr = err

		if types.IsPermanentSendError(err) {
			w.logger.WarnContext(ctx, "permanent provider rejection, not retrying",
				"subscription_id", sub.ID,
				"attempt", attempt,
				"error", err.Error(),
			)
			return "", w.recordExhausted(ctx, sub, content, types.AttemptPermanentlyFailed, err)
		}

		w.logger.WarnContext(ctx, "send attempt failed",
			"subscription_id", sub.ID,
			"attempt", attempt,
			"max_attempts", w.policy.MaxAttempts,
			"error", err.Error(),
		)

		if attempt < w.policy.MaxAttempts {
			w.sleepFn(backoffDelay(w.policy.BaseDelay, attempt))
		}
	}

	return "", w.recordExhausted(ctx, sub, content, types.AttemptRetryScheduled, lastErr)
}

// SendOnce performs a single bounded provider call without the retry loop.
// The retry sweeper uses this for its one re-attempt per sweep.
func (w *Worker) SendOnce(ctx context.Context, profile *types.RecipientProfile, content types.GeneratedContent) (string, error) {
	body, err := w.renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("dispatch: rendering body: %w", err)
	}
	return w.sendOnce(ctx, types.SendInput{
		ToAddress:   profile.Email,
		ToName:      profile.DisplayName,
		SubjectLine: content.SubjectLine,
		Body:        body,
	})
}

// sendOnce bounds one provider call with the configured timeout.
func (w *Worker) sendOnce(ctx context.Context, input types.SendInput) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, w.policy.SendTimeout)
	defer cancel()
	return w.provider.Send(sendCtx, input)
}

// recordExhausted persists the durable attempt record and returns the error
// the caller should treat as the failure signal. The record, not the error,
// is the authoritative outcome: the caller logs, counts a failure, and
// moves on to the next subscription.
func (w *Worker) recordExhausted(ctx context.Context, sub *types.Subscription, content types.GeneratedContent, status types.AttemptStatus, cause error) error {
	var deliveryIndex *int
	if sub.SeriesKind == types.SeriesCoaching {
		idx := sub.DeliveryCount + 1
		deliveryIndex = &idx
	}

	errMsg := cause.Error()
	record := &types.DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		RecipientID:    sub.RecipientID,
		SeriesKind:     sub.SeriesKind,
		SubjectLine:    content.SubjectLine,
		DeliveryIndex:  deliveryIndex,
		Status:         status,
		RetryCount:     0,
		LastError:      &errMsg,
	}

	if err := w.attempts.Insert(ctx, record); err != nil {
		// Store-level failure: surface it so the tick aborts and the next
		// tick resumes from persisted state.
		return fmt.Errorf("dispatch: persisting attempt record for subscription %s: %w", sub.ID, err)
	}

	w.logger.ErrorContext(ctx, "delivery attempts exhausted, recorded for sweeper",
		"subscription_id", sub.ID,
		"attempt_id", record.ID,
		"status", string(status),
		"error", errMsg,
	)

	return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("delivery failed after %d attempts", w.policy.MaxAttempts), cause)
}

// backoffDelay returns 2^attempt * base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * base
}
