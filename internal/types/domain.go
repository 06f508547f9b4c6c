// Package types defines the shared domain model for the coachletter
// scheduling engine: subscriptions, delivery attempts, metrics snapshots,
// generated content, and the error taxonomy used across all components.
package types

import "time"

// SeriesKind identifies which delivery series a subscription belongs to.
type SeriesKind string

const (
	// SeriesWelcome is the one-shot onboarding message. It is sent through
	// the immediate path and is not subject to the weekly cadence.
	SeriesWelcome SeriesKind = "welcome"

	// SeriesCoaching is the recurring weekly series, capped at
	// CoachingDeliveryCap cumulative deliveries per subscription.
	SeriesCoaching SeriesKind = "coaching"
)

// DeliveryCap returns the maximum cumulative delivery count for the series.
func (k SeriesKind) DeliveryCap() int {
	if k == SeriesWelcome {
		return WelcomeDeliveryCap
	}
	return CoachingDeliveryCap
}

// Valid reports whether k is a known series kind.
func (k SeriesKind) Valid() bool {
	return k == SeriesWelcome || k == SeriesCoaching
}

const (
	// CoachingDeliveryCap is the lifetime delivery limit for the coaching
	// series. Once delivery_count reaches this value the subscription is
	// deactivated permanently; reactivation means a new subscription.
	CoachingDeliveryCap = 12

	// WelcomeDeliveryCap is the lifetime delivery limit for the welcome series.
	WelcomeDeliveryCap = 1

	// VarietyWindowSize is the number of recent pattern values retained per
	// variety window. Older values are evicted FIFO.
	VarietyWindowSize = 4

	// MaxSweepRetries is the maximum number of retry-sweeper re-attempts for a
	// delivery attempt record before it is marked permanently failed.
	MaxSweepRetries = 3
)

// Subscription is the durable record of one recipient's enrollment in one
// delivery series. It is the single source of truth for scheduling state:
// all progress mutation goes through the conditional claim in the
// subscription repository, and rows are never deleted, only deactivated.
type Subscription struct {
	ID          string
	RecipientID string
	SeriesKind  SeriesKind

	// Scheduling state.
	Timezone       string // IANA identifier, e.g. "America/Chicago"
	IsActive       bool
	NextEligibleAt time.Time
	LastSentAt     *time.Time
	// LastSentDate is the calendar date (in the recipient's timezone) of the
	// last successful claim. It backs the same-day dedup guard independent
	// of instant precision.
	LastSentDate *time.Time

	// DeliveryCount is the number of successful claims, 0..cap inclusive.
	DeliveryCount int

	Variety VarietyState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cap returns the delivery cap for this subscription's series.
func (s *Subscription) Cap() int {
	return s.SeriesKind.DeliveryCap()
}

// VarietyState holds the four independent rolling windows of recently used
// content shapes. Each window keeps the last VarietyWindowSize values,
// newest last. Windows are per-subscription and never shared across
// recipients. Stored as a single JSONB column.
type VarietyState struct {
	OpenerPatterns  []string `json:"opener_patterns,omitempty"`
	Collaborators   []string `json:"featured_collaborators,omitempty"`
	SubjectPatterns []string `json:"subject_patterns,omitempty"`
	QuoteSources    []string `json:"quote_sources,omitempty"`
}

// Push appends the chosen patterns to each window and truncates every window
// to the last VarietyWindowSize entries, oldest dropped first. Empty values
// are not recorded. It returns the updated state; the receiver is not
// modified.
func (v VarietyState) Push(p ChosenPatterns) VarietyState {
	return VarietyState{
		OpenerPatterns:  pushWindow(v.OpenerPatterns, p.Opener),
		Collaborators:   pushWindow(v.Collaborators, p.FeaturedCollaborator),
		SubjectPatterns: pushWindow(v.SubjectPatterns, p.Subject),
		QuoteSources:    pushWindow(v.QuoteSources, p.QuoteSource),
	}
}

// pushWindow appends value to window and keeps the newest VarietyWindowSize
// entries. The returned slice is always freshly allocated so callers can
// hold the previous state without aliasing surprises.
func pushWindow(window []string, value string) []string {
	if value == "" {
		return append([]string(nil), window...)
	}
	next := make([]string, 0, len(window)+1)
	next = append(next, window...)
	next = append(next, value)
	if len(next) > VarietyWindowSize {
		next = next[len(next)-VarietyWindowSize:]
	}
	return append([]string(nil), next...)
}

// AttemptStatus is the lifecycle state of a DeliveryAttempt record.
type AttemptStatus string

const (
	AttemptPending           AttemptStatus = "pending"
	AttemptSent              AttemptStatus = "sent"
	AttemptRetryScheduled    AttemptStatus = "retry_scheduled"
	AttemptPermanentlyFailed AttemptStatus = "permanently_failed"
)

// Terminal reports whether the status is a terminal state.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSent || s == AttemptPermanentlyFailed
}

// DeliveryAttempt is the durable record of a send that needed retry tracking
// beyond the dispatch worker's in-process backoff loop. Sends that succeed
// within that loop never create one. The record is created with status
// retry_scheduled (or permanently_failed for non-retryable provider errors)
// and is mutated only by the retry sweeper afterwards.
type DeliveryAttempt struct {
	ID             string
	SubscriptionID string
	RecipientID    string
	SeriesKind     SeriesKind
	SubjectLine    string
	// DeliveryIndex is the 1-based index within the coaching series the
	// failed send was for. Nil for the welcome series.
	DeliveryIndex *int

	Status            AttemptStatus
	RetryCount        int // 0..MaxSweepRetries
	LastError         *string
	ProviderMessageID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MetricsSnapshot is the durable form of one daily aggregation period.
// Succeeded+Failed <= TotalAttempted always holds; skipped subscriptions
// are not counted at all.
type MetricsSnapshot struct {
	ID             string
	PeriodDate     time.Time // date component only, UTC
	TotalAttempted int
	Succeeded      int
	Failed         int
	// TimezoneBreakdown maps IANA timezone identifiers to attempt counts.
	TimezoneBreakdown map[string]int
	FlushedAt         time.Time
}

// RecipientProfile is the read-only view of a recipient consumed from the
// profile store. RankedStrengths is ordered best-first and drives the
// deterministic featured-element rotation; Collaborators are the team
// members eligible to be featured in a coaching issue.
type RecipientProfile struct {
	RecipientID     string
	DisplayName     string
	Email           string
	RankedStrengths []string
	Collaborators   []Collaborator
}

// Collaborator is a team member associated with a recipient.
type Collaborator struct {
	Name        string
	TopStrength string
}

// ChosenPatterns are the explicit content-shape tags for one generated
// issue. They are a first-class output of the content generator contract
// (not inferred from the text afterwards) and feed the variety windows on a
// successful claim.
type ChosenPatterns struct {
	Opener               string `json:"opener"`
	FeaturedCollaborator string `json:"featured_collaborator"`
	Subject              string `json:"subject"`
	QuoteSource          string `json:"quote_source"`
}

// GeneratedContent is the normalized output of one content-generation call.
type GeneratedContent struct {
	SubjectLine  string
	BodySections []string
	Patterns     ChosenPatterns
}

// SendInput is the payload handed to the email provider.
type SendInput struct {
	ToAddress   string
	ToName      string
	SubjectLine string
	Body        string
}
