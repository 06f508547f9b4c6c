package types

import "time"

// ClaimInput carries everything the conditional claim needs to both
// re-validate eligibility and advance a subscription by exactly one step.
//
// The claim is issued after the provider send completes. Its WHERE clause
// re-checks the same invariants the due-set read observed (delivery count
// unchanged, not already sent today), so if another tick advanced the
// subscription in the meantime the claim simply affects zero rows and the
// caller drops the bookkeeping. At most one caller can win per
// ExpectedDeliveryCount value.
type ClaimInput struct {
	SubscriptionID string

	// ExpectedDeliveryCount is the delivery_count observed when the
	// subscription was selected. The claim only succeeds if it is unchanged.
	ExpectedDeliveryCount int

	// Today is the calendar date in the recipient's timezone (midnight UTC
	// of that date). The claim fails if last_sent_date already equals it.
	Today time.Time

	// Now is the claim instant recorded as last_sent_at.
	Now time.Time

	// Cap is the series delivery cap; is_active becomes
	// ExpectedDeliveryCount+1 < Cap.
	Cap int

	// NextEligibleAt is the next weekly slot computed for the recipient's
	// timezone. Ignored in effect for an exhausted subscription.
	NextEligibleAt time.Time

	// Variety is the full post-send variety state (windows appended and
	// truncated). Writing it under the delivery_count guard makes the
	// read-modify-write safe: only the claim winner's state lands.
	Variety VarietyState
}
