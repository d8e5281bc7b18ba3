package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/scramsync/kcsync/internal/kcerr"
)

// RetentionManager enforces the dual-axis (age + byte size) retention
// policy over the audit store. A single atomic flag prevents overlapping
// purges between the periodic timer and the post-batch trigger.
type RetentionManager struct {
	store   *Store
	running atomic.Bool
}

// NewRetentionManager wraps store with retention enforcement.
func NewRetentionManager(store *Store) *RetentionManager {
	return &RetentionManager{store: store}
}

// PurgeReport summarizes a single purge pass.
type PurgeReport struct {
	AgeDeleted  int64
	SizeDeleted int64
	DBBytes     int64
	Skipped     bool
}

// Run executes one purge pass: age purge, then size purge, in that order.
// If a purge is already in progress it returns Skipped=true without error.
func (m *RetentionManager) Run(ctx context.Context) (PurgeReport, error) {
	if !m.running.CompareAndSwap(false, true) {
		return PurgeReport{Skipped: true}, nil
	}
	defer m.running.Store(false)

	state, err := m.store.GetRetentionState(ctx)
	if err != nil {
		return PurgeReport{}, err
	}

	var report PurgeReport

	if state.MaxAgeDays != nil {
		n, err := m.agePurge(ctx, *state.MaxAgeDays)
		if err != nil {
			return report, err
		}
		report.AgeDeleted = n
	}

	if state.MaxBytes != nil {
		n, err := m.sizePurge(ctx, *state.MaxBytes)
		if err != nil {
			return report, err
		}
		report.SizeDeleted = n
	}

	dbBytes, err := m.store.DBSizeBytes()
	if err != nil {
		return report, err
	}
	report.DBBytes = dbBytes

	total := report.AgeDeleted + report.SizeDeleted
	if total > 0 {
		if err := m.store.recordPurge(ctx, m.store.db, int(total), dbBytes); err != nil {
			return report, err
		}
		if err := m.store.Vacuum(); err != nil {
			return report, err
		}
	}

	return report, nil
}

// agePurge deletes SyncOperation rows older than maxAgeDays, excluding any
// row whose batch has not yet finished.
func (m *RetentionManager) agePurge(ctx context.Context, maxAgeDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays).Format(time.RFC3339Nano)

	res, err := m.store.db.ExecContext(ctx, `
		DELETE FROM sync_operation
		WHERE occurred_at < ?
		  AND correlation_id NOT IN (
		      SELECT correlation_id FROM sync_batch WHERE finished_at IS NULL
		  )`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: age purge: %v", kcerr.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: reading age purge result: %v", kcerr.ErrPersistence, err)
	}
	return n, nil
}

// sizePurge deletes the oldest eligible rows until the estimated database
// size falls to 90% of maxBytes. DBSizeBytes is backed by page_count, which
// does not shrink until the VACUUM that follows a purge in Run, so the loop
// tracks an in-memory estimate decremented by each batch's average row size
// instead of re-reading the (unchanged) on-disk size every iteration.
func (m *RetentionManager) sizePurge(ctx context.Context, maxBytes int64) (int64, error) {
	var total int64
	target := int64(float64(maxBytes) * 0.9)

	dbBytes, err := m.store.DBSizeBytes()
	if err != nil {
		return total, err
	}

	if dbBytes <= maxBytes {
		return total, nil
	}

	for i := 0; i < 10; i++ {
		if dbBytes <= target {
			break
		}

		var rowCount int64
		if err := m.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_operation`).Scan(&rowCount); err != nil {
			return total, fmt.Errorf("%w: counting rows for size purge: %v", kcerr.ErrPersistence, err)
		}
		if rowCount == 0 {
			break
		}

		avgRowSize := float64(dbBytes) / float64(rowCount)
		excessBytes := float64(dbBytes - target)
		deleteLimit := int64(excessBytes/avgRowSize) + 1
		if deleteLimit > rowCount {
			deleteLimit = rowCount
		}

		res, err := m.store.db.ExecContext(ctx, `
			DELETE FROM sync_operation
			WHERE id IN (
				SELECT so.id FROM sync_operation so
				WHERE so.correlation_id NOT IN (
					SELECT correlation_id FROM sync_batch WHERE finished_at IS NULL
				)
				ORDER BY so.occurred_at ASC
				LIMIT ?
			)`,
			deleteLimit,
		)
		if err != nil {
			return total, fmt.Errorf("%w: size purge: %v", kcerr.ErrPersistence, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("%w: reading size purge result: %v", kcerr.ErrPersistence, err)
		}
		total += n
		dbBytes -= int64(float64(n) * avgRowSize)
		if n == 0 {
			break
		}
	}

	return total, nil
}

// InProgress reports whether a purge is currently running.
func (m *RetentionManager) InProgress() bool {
	return m.running.Load()
}
