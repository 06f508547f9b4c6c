package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coachletter/internal/types"
)

type mockSnapshotStore struct {
	mu        sync.Mutex
	snapshots []*types.MetricsSnapshot
	err       error
}

func (m *mockSnapshotStore) InsertSnapshot(_ context.Context, snap *types.MetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snapshots = append(m.snapshots, snap)
	return nil
}

var periodDate = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

func TestAggregator_RecordAndFlush(t *testing.T) {
	store := &mockSnapshotStore{}
	agg := NewAggregator(store, nil, nil)

	agg.RecordAttempt("America/Chicago", OutcomeSuccess)
	agg.RecordAttempt("America/Chicago", OutcomeFailed)
	agg.RecordAttempt("Asia/Tokyo", OutcomeSuccess)
	agg.RecordAttempt("Asia/Tokyo", OutcomeDuplicate)

	require.NoError(t, agg.FlushAndReset(context.Background(), periodDate))
	require.Len(t, store.snapshots, 1)

	snap := store.snapshots[0]
	assert.Equal(t, 4, snap.TotalAttempted)
	assert.Equal(t, 2, snap.Succeeded)
	assert.Equal(t, 1, snap.Failed)
	// Duplicates count as attempted only: succeeded+failed < total.
	assert.LessOrEqual(t, snap.Succeeded+snap.Failed, snap.TotalAttempted)
	assert.Equal(t, map[string]int{"America/Chicago": 2, "Asia/Tokyo": 2}, snap.TimezoneBreakdown)
	assert.Equal(t, periodDate, snap.PeriodDate)

	// Flush resets the accumulator.
	attempted, succeeded, failed, byTZ := agg.Current()
	assert.Zero(t, attempted)
	assert.Zero(t, succeeded)
	assert.Zero(t, failed)
	assert.Empty(t, byTZ)
}

func TestAggregator_EmptyPeriodSkipsWrite(t *testing.T) {
	store := &mockSnapshotStore{}
	agg := NewAggregator(store, nil, nil)

	require.NoError(t, agg.FlushAndReset(context.Background(), periodDate))
	assert.Empty(t, store.snapshots)
}

func TestAggregator_FailedFlushRestoresCounts(t *testing.T) {
	store := &mockSnapshotStore{err: errors.New("db down")}
	agg := NewAggregator(store, nil, nil)

	agg.RecordAttempt("America/Chicago", OutcomeSuccess)
	require.Error(t, agg.FlushAndReset(context.Background(), periodDate))

	// The period is not lost: counts are back for the next flush.
	attempted, succeeded, _, byTZ := agg.Current()
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, byTZ["America/Chicago"])

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	require.NoError(t, agg.FlushAndReset(context.Background(), periodDate))
	require.Len(t, store.snapshots, 1)
	assert.Equal(t, 1, store.snapshots[0].TotalAttempted)
}

func TestAggregator_ConcurrentRecording(t *testing.T) {
	store := &mockSnapshotStore{}
	agg := NewAggregator(store, nil, nil)

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				agg.RecordAttempt("America/Chicago", OutcomeSuccess)
			}
		}()
	}
	wg.Wait()

	attempted, succeeded, _, byTZ := agg.Current()
	assert.Equal(t, workers*perWorker, attempted)
	assert.Equal(t, workers*perWorker, succeeded)
	assert.Equal(t, workers*perWorker, byTZ["America/Chicago"])
}

func TestAggregator_RegistersPrometheusCollectors(t *testing.T) {
	reg := NewRegistry()
	agg := NewAggregator(&mockSnapshotStore{}, reg, nil)
	agg.RecordAttempt("America/Chicago", OutcomeSuccess)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, fam := range families {
		if fam.GetName() == "coachletter_delivery_attempts_total" {
			found = true
		}
	}
	assert.True(t, found, "delivery attempts counter should be registered")
}
