package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kcsync-test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := newTestStore(t)

	state, err := s.GetRetentionState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.MaxAgeDays)
	require.Equal(t, 30, *state.MaxAgeDays)
	require.NotNil(t, state.MaxBytes)
	require.Equal(t, int64(268435456), *state.MaxBytes)
}

func TestCreateBatch_RecordOperations_CompleteBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBatch(ctx, "corr-1", SourceManual, 2))

	err := s.RecordOperations(ctx, []NewOperation{
		{CorrelationID: "corr-1", Principal: "alice", OpType: OpSCRAMUpsert, Result: ResultSuccess},
		{CorrelationID: "corr-1", Principal: "bob", OpType: OpSCRAMUpsert, Result: ResultError, ErrorCode: strPtr("KAFKA_TIMEOUT")},
	})
	require.NoError(t, err)

	require.NoError(t, s.CompleteBatch(ctx, "corr-1", 1, 1, 0, 42*time.Millisecond, nil))

	batches, total, err := s.GetBatches(ctx, BatchFilter{}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, batches, 1)
	require.Equal(t, 1, batches[0].ItemsSuccess)
	require.Equal(t, 1, batches[0].ItemsError)
	require.NotNil(t, batches[0].FinishedAt)

	ops, total, err := s.GetOperations(ctx, OperationFilter{CorrelationID: "corr-1"}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, ops, 2)
}

func TestCompleteBatch_UnknownCorrelationID(t *testing.T) {
	s := newTestStore(t)
	err := s.CompleteBatch(context.Background(), "does-not-exist", 0, 0, 0, 0, nil)
	require.Error(t, err)
}

func TestGetOperations_FiltersByResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateBatch(ctx, "corr-2", SourcePeriodic, 2))
	require.NoError(t, s.RecordOperations(ctx, []NewOperation{
		{CorrelationID: "corr-2", Principal: "alice", OpType: OpSCRAMUpsert, Result: ResultSuccess},
		{CorrelationID: "corr-2", Principal: "bob", OpType: OpSCRAMDelete, Result: ResultError},
	}))

	ops, total, err := s.GetOperations(ctx, OperationFilter{Result: ResultError}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "bob", ops[0].Principal)
}

func TestUpdateRetentionPolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newMax := int64(1024)
	newAge := 7
	require.NoError(t, s.UpdateRetentionPolicy(ctx, &newMax, &newAge))

	state, err := s.GetRetentionState(ctx)
	require.NoError(t, err)
	require.Equal(t, newMax, *state.MaxBytes)
	require.Equal(t, newAge, *state.MaxAgeDays)
}

func TestRetentionManager_AgePurgeRetainsInProgressBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBatch(ctx, "old-finished", SourcePeriodic, 1))
	require.NoError(t, s.RecordOperation(ctx, NewOperation{
		CorrelationID: "old-finished", Principal: "stale-user", OpType: OpSCRAMUpsert,
		Result: ResultSuccess, OccurredAt: time.Now().AddDate(0, 0, -60),
	}))
	require.NoError(t, s.CompleteBatch(ctx, "old-finished", 1, 0, 0, time.Millisecond, nil))

	require.NoError(t, s.CreateBatch(ctx, "old-in-progress", SourceManual, 1))
	require.NoError(t, s.RecordOperation(ctx, NewOperation{
		CorrelationID: "old-in-progress", Principal: "in-flight-user", OpType: OpSCRAMUpsert,
		Result: ResultSuccess, OccurredAt: time.Now().AddDate(0, 0, -60),
	}))

	sevenDays := 7
	require.NoError(t, s.UpdateRetentionPolicy(ctx, nil, &sevenDays))

	rm := NewRetentionManager(s)
	report, err := rm.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), report.AgeDeleted)

	ops, _, err := s.GetOperations(ctx, OperationFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "in-flight-user", ops[0].Principal)
}

func TestRetentionManager_SkipsWhenAlreadyRunning(t *testing.T) {
	s := newTestStore(t)
	rm := NewRetentionManager(s)
	rm.running.Store(true)

	report, err := rm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Skipped)
}

func strPtr(s string) *string { return &s }
