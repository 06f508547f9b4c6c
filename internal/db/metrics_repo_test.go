package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coachletter/internal/types"
)

func testSnapshot() *types.MetricsSnapshot {
	return &types.MetricsSnapshot{
		ID:             "snap_1",
		PeriodDate:     time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		TotalAttempted: 40,
		Succeeded:      37,
		Failed:         2,
		TimezoneBreakdown: map[string]int{
			"America/Chicago": 25,
			"Asia/Tokyo":      15,
		},
	}
}

func TestMetricsRepo_InsertSnapshot_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMetricsRepo(db)

	var gotArgs []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			gotArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.InsertSnapshot(context.Background(), testSnapshot())
	require.NoError(t, err)

	// The timezone breakdown is stored as JSONB.
	require.Len(t, gotArgs, 6)
	var breakdown map[string]int
	require.NoError(t, json.Unmarshal(gotArgs[5].([]byte), &breakdown))
	assert.Equal(t, 25, breakdown["America/Chicago"])
	assert.Equal(t, 15, breakdown["Asia/Tokyo"])
}

func TestMetricsRepo_InsertSnapshot_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMetricsRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.InsertSnapshot(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}
