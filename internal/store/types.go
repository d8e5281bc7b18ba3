package store

import "time"

// OpType enumerates the kinds of directory/broker mutation a sync operation
// can record.
type OpType string

const (
	OpSCRAMUpsert OpType = "SCRAM_UPSERT"
	OpSCRAMDelete OpType = "SCRAM_DELETE"
	OpACLCreate   OpType = "ACL_CREATE"
	OpACLDelete   OpType = "ACL_DELETE"
)

// Result is the outcome recorded against a single operation.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultError   Result = "ERROR"
	ResultSkipped Result = "SKIPPED"
)

// Source identifies what triggered a batch.
type Source string

const (
	SourcePeriodic Source = "PERIODIC"
	SourceManual   Source = "MANUAL"
	SourceWebhook  Source = "WEBHOOK"
)

// Batch mirrors a row in sync_batch.
type Batch struct {
	ID           int64
	CorrelationID string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Source       Source
	ItemsTotal   int
	ItemsSuccess int
	ItemsError   int
	ItemsSkipped int
	DurationMs   *int64
	ErrorSummary *string
}

// Operation mirrors a row in sync_operation.
type Operation struct {
	ID              int64
	CorrelationID   string
	OccurredAt      time.Time
	Realm           string
	ClusterID       string
	Principal       string
	OpType          OpType
	Mechanism       *string
	Result          Result
	ErrorCode       *string
	ErrorMessage    *string
	DurationMs      int64
	RetryCount      int
	ACLResourceType *string
	ACLResourceName *string
	ACLOperation    *string
	ACLPermission   *string
}

// RetentionState mirrors the singleton retention_state row.
type RetentionState struct {
	MaxBytes           *int64
	MaxAgeDays         *int
	ApproxDBBytes      int64
	LastPurgeAt        *time.Time
	TotalPurgedRecords int64
	UpdatedAt          time.Time
}

// NewOperation is the input to RecordOperation/RecordOperations.
type NewOperation struct {
	CorrelationID   string
	OccurredAt      time.Time
	Realm           string
	ClusterID       string
	Principal       string
	OpType          OpType
	Mechanism       *string
	Result          Result
	ErrorCode       *string
	ErrorMessage    *string
	DurationMs      int64
	RetryCount      int
	ACLResourceType *string
	ACLResourceName *string
	ACLOperation    *string
	ACLPermission   *string
}

// OperationFilter narrows GetOperations queries. Zero values are unbounded.
type OperationFilter struct {
	Principal     string
	OpType        OpType
	Result        Result
	CorrelationID string
	Since         *time.Time
	Until         *time.Time
}

// BatchFilter narrows GetBatches queries. Zero values are unbounded.
type BatchFilter struct {
	Source Source
	Since  *time.Time
	Until  *time.Time
}
