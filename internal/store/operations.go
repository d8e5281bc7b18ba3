package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scramsync/kcsync/internal/kcerr"
)

// CreateBatch inserts a new sync_batch row keyed by correlationID. The ID is
// caller-supplied (typically a uuid) so callers can reference it before the
// batch completes.
func (s *Store) CreateBatch(ctx context.Context, correlationID string, source Source, itemsTotal int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_batch (correlation_id, started_at, source, items_total)
		VALUES (?, ?, ?, ?)`,
		correlationID, time.Now().UTC().Format(time.RFC3339Nano), string(source), itemsTotal,
	)
	if err != nil {
		return fmt.Errorf("%w: creating batch %s: %v", kcerr.ErrPersistence, correlationID, err)
	}
	return nil
}

// RecordOperation inserts a single sync_operation row.
func (s *Store) RecordOperation(ctx context.Context, op NewOperation) error {
	return s.insertOperation(ctx, s.db, op)
}

// RecordOperations inserts a batch of sync_operation rows as a single
// transaction, so a crash mid-batch never leaves partial results visible.
func (s *Store) RecordOperations(ctx context.Context, ops []NewOperation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning operation batch tx: %v", kcerr.ErrPersistence, err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := s.insertOperation(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing operation batch: %v", kcerr.ErrPersistence, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertOperation(ctx context.Context, ex execer, op NewOperation) error {
	occurredAt := op.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_operation (
			correlation_id, occurred_at, realm, cluster_id, principal, op_type,
			mechanism, result, error_code, error_message, duration_ms, retry_count,
			acl_resource_type, acl_resource_name, acl_operation, acl_permission
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.CorrelationID, occurredAt.UTC().Format(time.RFC3339Nano), op.Realm, op.ClusterID, op.Principal,
		string(op.OpType), op.Mechanism, string(op.Result), op.ErrorCode, op.ErrorMessage,
		op.DurationMs, op.RetryCount, op.ACLResourceType, op.ACLResourceName, op.ACLOperation, op.ACLPermission,
	)
	if err != nil {
		return fmt.Errorf("%w: recording operation for %s: %v", kcerr.ErrPersistence, op.Principal, err)
	}
	return nil
}

// CompleteBatch finalizes a sync_batch row with outcome tallies, duration,
// and an optional error summary.
func (s *Store) CompleteBatch(ctx context.Context, correlationID string, success, errored, skipped int, duration time.Duration, errorSummary *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_batch
		SET finished_at = ?, items_success = ?, items_error = ?, items_skipped = ?,
		    duration_ms = ?, error_summary = ?
		WHERE correlation_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), success, errored, skipped,
		duration.Milliseconds(), errorSummary, correlationID,
	)
	if err != nil {
		return fmt.Errorf("%w: completing batch %s: %v", kcerr.ErrPersistence, correlationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: checking batch completion result: %v", kcerr.ErrPersistence, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: batch %s not found", kcerr.ErrPersistence, correlationID)
	}
	return nil
}

const operationColumns = `id, correlation_id, occurred_at, realm, cluster_id, principal, op_type,
	mechanism, result, error_code, error_message, duration_ms, retry_count,
	acl_resource_type, acl_resource_name, acl_operation, acl_permission`

func scanOperation(row *sql.Rows) (Operation, error) {
	var o Operation
	var occurredAt string
	if err := row.Scan(
		&o.ID, &o.CorrelationID, &occurredAt, &o.Realm, &o.ClusterID, &o.Principal, &o.OpType,
		&o.Mechanism, &o.Result, &o.ErrorCode, &o.ErrorMessage, &o.DurationMs, &o.RetryCount,
		&o.ACLResourceType, &o.ACLResourceName, &o.ACLOperation, &o.ACLPermission,
	); err != nil {
		return o, fmt.Errorf("%w: scanning operation row: %v", kcerr.ErrPersistence, err)
	}
	t, err := parseTime(occurredAt)
	if err != nil {
		return o, fmt.Errorf("%w: parsing occurred_at: %v", kcerr.ErrPersistence, err)
	}
	o.OccurredAt = t
	return o, nil
}

// GetOperations returns a page of operations matching filter, newest first,
// along with the total matching count for pagination metadata.
func (s *Store) GetOperations(ctx context.Context, filter OperationFilter, offset, limit int) ([]Operation, int, error) {
	where, args := buildOperationWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM sync_operation` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting operations: %v", kcerr.ErrPersistence, err)
	}

	query := `SELECT ` + operationColumns + ` FROM sync_operation` + where +
		` ORDER BY occurred_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing operations: %v", kcerr.ErrPersistence, err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, 0, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterating operations: %v", kcerr.ErrPersistence, err)
	}
	return ops, total, nil
}

func buildOperationWhere(filter OperationFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.Principal != "" {
		clauses = append(clauses, "principal = ?")
		args = append(args, filter.Principal)
	}
	if filter.OpType != "" {
		clauses = append(clauses, "op_type = ?")
		args = append(args, string(filter.OpType))
	}
	if filter.Result != "" {
		clauses = append(clauses, "result = ?")
		args = append(args, string(filter.Result))
	}
	if filter.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.Since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const batchColumns = `id, correlation_id, started_at, finished_at, source,
	items_total, items_success, items_error, items_skipped, duration_ms, error_summary`

func scanBatch(row *sql.Rows) (Batch, error) {
	var b Batch
	var startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(
		&b.ID, &b.CorrelationID, &startedAt, &finishedAt, &b.Source,
		&b.ItemsTotal, &b.ItemsSuccess, &b.ItemsError, &b.ItemsSkipped, &b.DurationMs, &b.ErrorSummary,
	); err != nil {
		return b, fmt.Errorf("%w: scanning batch row: %v", kcerr.ErrPersistence, err)
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return b, fmt.Errorf("%w: parsing started_at: %v", kcerr.ErrPersistence, err)
	}
	b.StartedAt = t
	if ft, err := nullableTime(finishedAt); err != nil {
		return b, fmt.Errorf("%w: parsing finished_at: %v", kcerr.ErrPersistence, err)
	} else {
		b.FinishedAt = ft
	}
	return b, nil
}

// GetBatches returns a page of batches matching filter, newest first, along
// with the total matching count.
func (s *Store) GetBatches(ctx context.Context, filter BatchFilter, offset, limit int) ([]Batch, int, error) {
	var clauses []string
	var args []interface{}

	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.Since != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_batch`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting batches: %v", kcerr.ErrPersistence, err)
	}

	query := `SELECT ` + batchColumns + ` FROM sync_batch` + where + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing batches: %v", kcerr.ErrPersistence, err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterating batches: %v", kcerr.ErrPersistence, err)
	}
	return batches, total, nil
}

// GetRetentionState returns the singleton retention_state row.
func (s *Store) GetRetentionState(ctx context.Context) (RetentionState, error) {
	var rs RetentionState
	var lastPurgeAt sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT max_bytes, max_age_days, approx_db_bytes, last_purge_at, total_purged_records, updated_at
		FROM retention_state WHERE id = 1`,
	).Scan(&rs.MaxBytes, &rs.MaxAgeDays, &rs.ApproxDBBytes, &lastPurgeAt, &rs.TotalPurgedRecords, &updatedAt)
	if err != nil {
		return rs, fmt.Errorf("%w: reading retention state: %v", kcerr.ErrPersistence, err)
	}

	t, err := parseTime(updatedAt)
	if err != nil {
		return rs, fmt.Errorf("%w: parsing retention updated_at: %v", kcerr.ErrPersistence, err)
	}
	rs.UpdatedAt = t
	if lp, err := nullableTime(lastPurgeAt); err != nil {
		return rs, fmt.Errorf("%w: parsing last_purge_at: %v", kcerr.ErrPersistence, err)
	} else {
		rs.LastPurgeAt = lp
	}
	return rs, nil
}

// UpdateRetentionPolicy updates the configurable thresholds on the
// singleton retention_state row, leaving accounting fields untouched.
func (s *Store) UpdateRetentionPolicy(ctx context.Context, maxBytes *int64, maxAgeDays *int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retention_state SET max_bytes = ?, max_age_days = ?, updated_at = ? WHERE id = 1`,
		maxBytes, maxAgeDays, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: updating retention policy: %v", kcerr.ErrPersistence, err)
	}
	return nil
}

// recordPurge updates accounting fields after a purge pass completes.
func (s *Store) recordPurge(ctx context.Context, ex execer, purgedCount int, approxBytes int64) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE retention_state
		SET approx_db_bytes = ?, last_purge_at = ?, total_purged_records = total_purged_records + ?, updated_at = ?
		WHERE id = 1`,
		approxBytes, time.Now().UTC().Format(time.RFC3339Nano), purgedCount, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: recording purge accounting: %v", kcerr.ErrPersistence, err)
	}
	return nil
}
