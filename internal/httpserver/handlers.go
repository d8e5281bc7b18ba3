package httpserver

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/scramsync/kcsync/internal/kcerr"
	"github.com/scramsync/kcsync/internal/reconcile"
	"github.com/scramsync/kcsync/internal/store"
)

// handleWebhookEvent accepts a Keycloak event-listener webhook delivery. It
// authenticates via HMAC signature (X-Keycloak-Signature), not adminauth.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	signature := r.Header.Get("X-Keycloak-Signature")
	if err := s.pipeline.Accept(body, signature); err != nil {
		switch {
		case errors.Is(err, kcerr.ErrSignatureInvalid):
			RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature")
		case errors.Is(err, kcerr.ErrPayloadInvalid):
			RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, kcerr.ErrQueueFull):
			RespondError(w, http.StatusServiceUnavailable, "queue_full", "webhook retry queue is at capacity")
		default:
			s.logger.Error("webhook accept failed", "error", err)
			RespondError(w, http.StatusInternalServerError, "internal_error", "failed to accept event")
		}
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleReconcileTrigger starts a manual reconcile cycle. It blocks until
// the cycle finishes, since a manual trigger is expected to be interactive.
func (s *Server) handleReconcileTrigger(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.orch.Reconcile(r.Context(), reconcile.SourceManual)

	if outcome.Conflict {
		RespondError(w, http.StatusConflict, "conflict", "a reconcile cycle is already running")
		return
	}
	if err != nil {
		s.logger.Error("manual reconcile failed", "correlation_id", outcome.CorrelationID, "error", err)
		Respond(w, http.StatusAccepted, outcomeResponse(outcome, err))
		return
	}

	Respond(w, http.StatusAccepted, outcomeResponse(outcome, nil))
}

type outcomeDTO struct {
	CorrelationID string `json:"correlation_id"`
	ItemsTotal    int    `json:"items_total"`
	ItemsSuccess  int    `json:"items_success"`
	ItemsError    int    `json:"items_error"`
	DurationMs    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
}

func outcomeResponse(o reconcile.Outcome, err error) outcomeDTO {
	dto := outcomeDTO{
		CorrelationID: o.CorrelationID,
		ItemsTotal:    o.ItemsTotal,
		ItemsSuccess:  o.ItemsSuccess,
		ItemsError:    o.ItemsError,
		DurationMs:    o.DurationMs,
	}
	if err != nil {
		dto.Error = err.Error()
	}
	return dto
}

// handleReconcileStatus reports whether a cycle is currently in flight.
func (s *Server) handleReconcileStatus(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, map[string]any{
		"running":        s.orch.IsRunning(),
		"correlation_id": s.orch.CurrentCorrelationID(),
	})
}

// handleSummary reports the latest batch and current retention footprint.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	batches, total, err := s.store.GetBatches(r.Context(), store.BatchFilter{}, 0, 1)
	if err != nil {
		s.logger.Error("summary: listing batches failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load summary")
		return
	}

	retention, err := s.store.GetRetentionState(r.Context())
	if err != nil {
		s.logger.Error("summary: loading retention state failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load summary")
		return
	}

	resp := map[string]any{
		"total_batches":        total,
		"running":              s.orch.IsRunning(),
		"approx_db_bytes":      retention.ApproxDBBytes,
		"total_purged_records": retention.TotalPurgedRecords,
	}
	if len(batches) > 0 {
		resp["last_batch"] = batchDTO(batches[0])
	}

	Respond(w, http.StatusOK, resp)
}

type batchResponse struct {
	ID            int64   `json:"id"`
	CorrelationID string  `json:"correlation_id"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    *string `json:"finished_at,omitempty"`
	Source        string  `json:"source"`
	ItemsTotal    int     `json:"items_total"`
	ItemsSuccess  int     `json:"items_success"`
	ItemsError    int     `json:"items_error"`
	ItemsSkipped  int     `json:"items_skipped"`
	DurationMs    *int64  `json:"duration_ms,omitempty"`
	ErrorSummary  *string `json:"error_summary,omitempty"`
}

func batchDTO(b store.Batch) batchResponse {
	resp := batchResponse{
		ID:            b.ID,
		CorrelationID: b.CorrelationID,
		StartedAt:     b.StartedAt.UTC().Format(time.RFC3339),
		Source:        string(b.Source),
		ItemsTotal:    b.ItemsTotal,
		ItemsSuccess:  b.ItemsSuccess,
		ItemsError:    b.ItemsError,
		ItemsSkipped:  b.ItemsSkipped,
		DurationMs:    b.DurationMs,
		ErrorSummary:  b.ErrorSummary,
	}
	if b.FinishedAt != nil {
		formatted := b.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &formatted
	}
	return resp
}

type operationResponse struct {
	ID            int64   `json:"id"`
	CorrelationID string  `json:"correlation_id"`
	OccurredAt    string  `json:"occurred_at"`
	Principal     string  `json:"principal"`
	OpType        string  `json:"op_type"`
	Mechanism     *string `json:"mechanism,omitempty"`
	Result        string  `json:"result"`
	ErrorCode     *string `json:"error_code,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	DurationMs    int64   `json:"duration_ms"`
	RetryCount    int     `json:"retry_count"`
}

func operationDTO(o store.Operation) operationResponse {
	return operationResponse{
		ID:            o.ID,
		CorrelationID: o.CorrelationID,
		OccurredAt:    o.OccurredAt.UTC().Format(time.RFC3339),
		Principal:     o.Principal,
		OpType:        string(o.OpType),
		Mechanism:     o.Mechanism,
		Result:        string(o.Result),
		ErrorCode:     o.ErrorCode,
		ErrorMessage:  o.ErrorMessage,
		DurationMs:    o.DurationMs,
		RetryCount:    o.RetryCount,
	}
}

// handleListOperations lists sync_operation rows, filterable by principal,
// op_type, result, and correlation_id.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	q := r.URL.Query()
	filter := store.OperationFilter{
		Principal:     q.Get("principal"),
		OpType:        store.OpType(q.Get("op_type")),
		Result:        store.Result(q.Get("result")),
		CorrelationID: q.Get("correlation_id"),
	}

	ops, total, err := s.store.GetOperations(r.Context(), filter, params.Offset, params.PageSize)
	if err != nil {
		s.logger.Error("listing operations failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list operations")
		return
	}

	dtos := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		dtos = append(dtos, operationDTO(op))
	}

	Respond(w, http.StatusOK, NewOffsetPage(dtos, params, total))
}

// handleListBatches lists sync_batch rows, filterable by source.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	filter := store.BatchFilter{Source: store.Source(r.URL.Query().Get("source"))}

	batches, total, err := s.store.GetBatches(r.Context(), filter, params.Offset, params.PageSize)
	if err != nil {
		s.logger.Error("listing batches failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list batches")
		return
	}

	dtos := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		dtos = append(dtos, batchDTO(b))
	}

	Respond(w, http.StatusOK, NewOffsetPage(dtos, params, total))
}

type retentionResponse struct {
	MaxBytes           *int64  `json:"max_bytes,omitempty"`
	MaxAgeDays         *int    `json:"max_age_days,omitempty"`
	ApproxDBBytes      int64   `json:"approx_db_bytes"`
	LastPurgeAt        *string `json:"last_purge_at,omitempty"`
	TotalPurgedRecords int64   `json:"total_purged_records"`
}

func (s *Server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetRetentionState(r.Context())
	if err != nil {
		s.logger.Error("loading retention state failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load retention policy")
		return
	}

	resp := retentionResponse{
		MaxBytes:           state.MaxBytes,
		MaxAgeDays:         state.MaxAgeDays,
		ApproxDBBytes:      state.ApproxDBBytes,
		TotalPurgedRecords: state.TotalPurgedRecords,
	}
	if state.LastPurgeAt != nil {
		formatted := state.LastPurgeAt.UTC().Format(time.RFC3339)
		resp.LastPurgeAt = &formatted
	}

	Respond(w, http.StatusOK, resp)
}

type updateRetentionRequest struct {
	MaxBytes   *int64 `json:"max_bytes" validate:"omitempty,gte=0,lte=10737418240"`
	MaxAgeDays *int   `json:"max_age_days" validate:"omitempty,gte=0,lte=3650"`
}

func (s *Server) handlePutRetention(w http.ResponseWriter, r *http.Request) {
	var req updateRetentionRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if err := s.store.UpdateRetentionPolicy(r.Context(), req.MaxBytes, req.MaxAgeDays); err != nil {
		s.logger.Error("updating retention policy failed", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update retention policy")
		return
	}

	s.handleGetRetention(w, r)
}
