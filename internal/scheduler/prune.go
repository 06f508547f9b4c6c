package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coachletter/internal/types"
)

// PruneAttemptStore defines the attempt-record operations the prune job
// needs. Implemented by db.AttemptRepo.
type PruneAttemptStore interface {
	// ListTerminalBefore returns terminal records last touched before cutoff.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.DeliveryAttempt, error)

	// DeleteByIDs removes records by ID and returns the deleted count.
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
}

// Archiver persists a batch of pruned records to cold storage before they
// are deleted. The key is generated by the service:
// "attempts/YYYY/MM/batch_{uuid}.jsonl.gz".
type Archiver interface {
	WriteBatch(ctx context.Context, key string, records []*types.DeliveryAttempt) error
}

// PruneService archives and deletes terminal delivery attempt records past
// the retention window. Open records (pending, retry_scheduled) are never
// touched regardless of age.
type PruneService struct {
	attempts  PruneAttemptStore
	archiver  Archiver // nil disables archival; records are deleted outright
	retention time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewPruneService creates the prune job service. archiver may be nil if
// cold-storage archival is not configured.
func NewPruneService(attempts PruneAttemptStore, archiver Archiver, retention time.Duration, batchSize int, logger *slog.Logger) *PruneService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PruneService{
		attempts:  attempts,
		archiver:  archiver,
		retention: retention,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run prunes in batches until the eligible set is empty. Returns the total
// number of records deleted.
func (p *PruneService) Run(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-p.retention)
	total := 0

	for {
		records, err := p.attempts.ListTerminalBefore(ctx, cutoff, p.batchSize)
		if err != nil {
			return total, fmt.Errorf("scheduler: listing prunable attempts: %w", err)
		}
		if len(records) == 0 {
			break
		}

		if p.archiver != nil {
			key := fmt.Sprintf("attempts/%04d/%02d/batch_%s.jsonl.gz",
				now.Year(), now.Month(), newAttemptID())
			if err := p.archiver.WriteBatch(ctx, key, records); err != nil {
				// Archival failure keeps the records; they will be retried on
				// the next run.
				return total, fmt.Errorf("scheduler: archiving attempt batch: %w", err)
			}
		}

		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		deleted, err := p.attempts.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("scheduler: deleting pruned attempts: %w", err)
		}
		total += deleted

		if len(records) < p.batchSize {
			break
		}
	}

	p.logger.InfoContext(ctx, "attempt prune complete",
		"cutoff", cutoff.Format(time.RFC3339),
		"deleted", total,
	)
	return total, nil
}
