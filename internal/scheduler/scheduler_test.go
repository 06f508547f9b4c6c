package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"coachletter/internal/metrics"
	"coachletter/internal/types"
)

// ============================================================
// Shared Test Helpers
// ============================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func ctx() context.Context {
	return context.Background()
}

// fixedNow is a Tuesday so the Monday slot math has a full week ahead.
var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

// ============================================================
// Fake: subscription store
//
// In-memory store whose TryClaim mirrors the conditional-update semantics of
// the SQL gate: compare-and-swap on delivery_count plus the same-day guard,
// all under one mutex so concurrent claims serialize the way row locks do.
// ============================================================

type fakeSubStore struct {
	mu   sync.Mutex
	subs map[string]*types.Subscription

	listErr  error
	claimErr error

	claimCalls int
	claimWins  int
}

func newFakeSubStore(subs ...*types.Subscription) *fakeSubStore {
	s := &fakeSubStore{subs: make(map[string]*types.Subscription)}
	for _, sub := range subs {
		cp := *sub
		s.subs[sub.ID] = &cp
	}
	return s
}

func (s *fakeSubStore) get(id string) *types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.subs[id]
	return &cp
}

func (s *fakeSubStore) ListDueCoaching(_ context.Context, now time.Time, limit, offset int) ([]*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}

	var due []*types.Subscription
	for _, sub := range s.subs {
		if sub.SeriesKind == types.SeriesCoaching && sub.IsActive && !sub.NextEligibleAt.After(now) {
			cp := *sub
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	if offset >= len(due) {
		return nil, nil
	}
	due = due[offset:]
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeSubStore) GetByID(_ context.Context, id string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil)
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeSubStore) GetByRecipientAndKind(_ context.Context, recipientID string, kind types.SeriesKind) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.RecipientID == recipientID && sub.SeriesKind == kind {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil)
}

func (s *fakeSubStore) Create(_ context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subs {
		if existing.RecipientID == sub.RecipientID && existing.SeriesKind == sub.SeriesKind {
			return types.NewAppError(types.ErrCodeConflictSubscription, "already enrolled", nil)
		}
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *fakeSubStore) TryClaim(_ context.Context, claim types.ClaimInput) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	s.claimCalls++

	sub, ok := s.subs[claim.SubscriptionID]
	if !ok {
		return false, nil
	}
	if !sub.IsActive || sub.DeliveryCount != claim.ExpectedDeliveryCount {
		return false, nil
	}
	if sub.LastSentDate != nil && !sub.LastSentDate.Before(claim.Today) {
		return false, nil
	}

	sub.DeliveryCount++
	sub.IsActive = sub.DeliveryCount < claim.Cap
	now := claim.Now
	today := claim.Today
	sub.LastSentAt = &now
	sub.LastSentDate = &today
	sub.NextEligibleAt = claim.NextEligibleAt
	sub.Variety = claim.Variety
	s.claimWins++
	return true, nil
}

// ============================================================
// Fake: profile store
// ============================================================

type fakeProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*types.RecipientProfile
	err      error
}

func newFakeProfileStore(profiles ...*types.RecipientProfile) *fakeProfileStore {
	s := &fakeProfileStore{profiles: make(map[string]*types.RecipientProfile)}
	for _, p := range profiles {
		s.profiles[p.RecipientID] = p
	}
	return s
}

func (s *fakeProfileStore) GetProfile(_ context.Context, recipientID string) (*types.RecipientProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.profiles[recipientID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "no such profile", nil)
	}
	return p, nil
}

// ============================================================
// Fake: content source
// ============================================================

type fakeContentSource struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *fakeContentSource) NextContent(_ context.Context, sub *types.Subscription, _ *types.RecipientProfile) (types.GeneratedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return types.GeneratedContent{}, s.err
	}
	return types.GeneratedContent{
		SubjectLine:  fmt.Sprintf("Issue %d", sub.DeliveryCount+1),
		BodySections: []string{"Body."},
		Patterns: types.ChosenPatterns{
			Opener:               "question",
			FeaturedCollaborator: "Maya",
			Subject:              "curiosity",
			QuoteSource:          "research",
		},
	}, nil
}

// ============================================================
// Fake: dispatcher / single sender
// ============================================================

type fakeDispatcher struct {
	mu    sync.Mutex
	err   error
	sends int
}

func (d *fakeDispatcher) SendWithRetry(_ context.Context, _ *types.Subscription, _ *types.RecipientProfile, _ types.GeneratedContent) (string, error) {
	return d.send()
}

func (d *fakeDispatcher) SendOnce(_ context.Context, _ *types.RecipientProfile, _ types.GeneratedContent) (string, error) {
	return d.send()
}

func (d *fakeDispatcher) send() (string, error) {
	d.mu.Lock()
	d.sends++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "msg_test", nil
}

// ============================================================
// Fake: attempt store
// ============================================================

type fakeAttemptStore struct {
	mu      sync.Mutex
	records map[string]*types.DeliveryAttempt

	insertErr error
	listErr   error
}

func newFakeAttemptStore(records ...*types.DeliveryAttempt) *fakeAttemptStore {
	s := &fakeAttemptStore{records: make(map[string]*types.DeliveryAttempt)}
	for _, r := range records {
		cp := *r
		s.records[r.ID] = &cp
	}
	return s
}

func (s *fakeAttemptStore) Insert(_ context.Context, a *types.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	cp := *a
	s.records[a.ID] = &cp
	return nil
}

func (s *fakeAttemptStore) ListRetryScheduled(_ context.Context, maxRetries, limit int) ([]*types.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*types.DeliveryAttempt
	for _, r := range s.records {
		if r.Status == types.AttemptRetryScheduled && r.RetryCount < maxRetries {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeAttemptStore) MarkSent(_ context.Context, id string, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundAttempt, "no such attempt", nil)
	}
	r.Status = types.AttemptSent
	r.ProviderMessageID = &providerMessageID
	return nil
}

func (s *fakeAttemptStore) RecordRetryFailure(_ context.Context, id string, lastError string, maxRetries int) (int, types.AttemptStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0, "", types.NewAppError(types.ErrCodeNotFoundAttempt, "no such attempt", nil)
	}
	r.RetryCount++
	r.LastError = &lastError
	if r.RetryCount >= maxRetries {
		r.Status = types.AttemptPermanentlyFailed
	}
	return r.RetryCount, r.Status, nil
}

func (s *fakeAttemptStore) MarkPermanentlyFailed(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundAttempt, "no such attempt", nil)
	}
	r.Status = types.AttemptPermanentlyFailed
	r.LastError = &lastError
	return nil
}

func (s *fakeAttemptStore) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]*types.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*types.DeliveryAttempt
	for _, r := range s.records {
		if r.Status.Terminal() && r.UpdatedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeAttemptStore) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeAttemptStore) byStatus(status types.AttemptStatus) []*types.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.DeliveryAttempt
	for _, r := range s.records {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// ============================================================
// Fake: metrics recorder
// ============================================================

type fakeMetricsRecorder struct {
	mu       sync.Mutex
	outcomes map[metrics.Outcome]int
}

func newFakeMetricsRecorder() *fakeMetricsRecorder {
	return &fakeMetricsRecorder{outcomes: make(map[metrics.Outcome]int)}
}

func (r *fakeMetricsRecorder) RecordAttempt(_ string, outcome metrics.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *fakeMetricsRecorder) count(outcome metrics.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

// ============================================================
// Subscription fixtures
// ============================================================

func dueCoachingSub(id string, deliveryCount int) *types.Subscription {
	return &types.Subscription{
		ID:             id,
		RecipientID:    "rcp_" + id,
		SeriesKind:     types.SeriesCoaching,
		Timezone:       "America/Chicago",
		IsActive:       true,
		NextEligibleAt: fixedNow.Add(-time.Hour),
		DeliveryCount:  deliveryCount,
	}
}

func profileFor(sub *types.Subscription, collaborators ...string) *types.RecipientProfile {
	p := &types.RecipientProfile{
		RecipientID:     sub.RecipientID,
		DisplayName:     "Recipient " + sub.ID,
		Email:           sub.RecipientID + "@example.com",
		RankedStrengths: []string{"Focus"},
	}
	for _, name := range collaborators {
		p.Collaborators = append(p.Collaborators, types.Collaborator{Name: name, TopStrength: "Drive"})
	}
	return p
}
