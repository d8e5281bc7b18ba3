package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scramsync/kcsync/internal/kafkaclient"
	"github.com/scramsync/kcsync/internal/kcerr"
	"github.com/scramsync/kcsync/internal/scram"
	"github.com/scramsync/kcsync/internal/store"
)

// EventAction is the targeted mutation a parsed webhook event maps to.
type EventAction string

const (
	ActionUpsert EventAction = "UPSERT"
	ActionDelete EventAction = "DELETE"
)

// ParsedEvent is the output of the webhook pipeline's parse/map stage: a
// single targeted principal mutation, independent of a full diff cycle.
type ParsedEvent struct {
	Principal         string
	Action            EventAction
	IsPasswordChange  bool
	PlaintextPassword *string // supplied out-of-band by the Keycloak plugin, if any
}

// ApplyEvent performs a targeted, single-principal reconciliation: it does
// not run the full diff, and does not participate in the Reconcile
// running-flag, so it can proceed concurrently with a scheduled cycle.
func (o *Orchestrator) ApplyEvent(ctx context.Context, ev ParsedEvent) error {
	correlationID := uuid.NewString()

	if err := o.store.CreateBatch(ctx, correlationID, store.SourceWebhook, 1); err != nil {
		return err
	}

	var opErr error
	var opType store.OpType

	switch ev.Action {
	case ActionUpsert:
		opType = store.OpSCRAMUpsert
		opErr = o.applyUpsert(ctx, ev)
	case ActionDelete:
		opType = store.OpSCRAMDelete
		opErr = o.applyDelete(ctx, ev)
	default:
		opErr = fmt.Errorf("%w: unknown event action %q", kcerr.ErrPayloadInvalid, ev.Action)
	}

	result := store.ResultSuccess
	var errMsg *string
	successCount, errorCount := 1, 0
	if opErr != nil {
		result = store.ResultError
		msg := opErr.Error()
		errMsg = &msg
		successCount, errorCount = 0, 1
	}

	if err := o.store.RecordOperation(ctx, store.NewOperation{
		CorrelationID: correlationID, OccurredAt: time.Now(), Principal: ev.Principal,
		OpType: opType, Result: result, ErrorMessage: errMsg,
	}); err != nil {
		slog.Error("failed to record event operation", "correlation_id", correlationID, "error", err)
	}

	if err := o.store.CompleteBatch(ctx, correlationID, successCount, errorCount, 0, 0, errMsg); err != nil {
		slog.Error("failed to complete event batch", "correlation_id", correlationID, "error", err)
	}

	return opErr
}

func (o *Orchestrator) applyUpsert(ctx context.Context, ev ParsedEvent) error {
	password := ""
	if ev.PlaintextPassword != nil {
		password = *ev.PlaintextPassword
	} else {
		p, err := scram.RandomPassword()
		if err != nil {
			return fmt.Errorf("%w: generating password for %s: %v", kcerr.ErrTerminal, ev.Principal, err)
		}
		password = p
	}

	cred, err := scram.Generate(password, o.cfg.Mechanism, o.cfg.Iterations)
	if err != nil {
		return fmt.Errorf("%w: deriving credential for %s: %v", kcerr.ErrTerminal, ev.Principal, err)
	}

	alterCtx, cancel := context.WithTimeout(ctx, o.cfg.KafkaCallTimeout)
	defer cancel()

	results, err := o.kafka.Alter(alterCtx, []kafkaclient.Upsertion{{
		Principal: ev.Principal, Mechanism: o.cfg.Mechanism, Iterations: o.cfg.Iterations, Credential: cred, Password: password,
	}}, nil)
	if err != nil {
		return err
	}
	return firstResultError(results, ev.Principal)
}

func (o *Orchestrator) applyDelete(ctx context.Context, ev ParsedEvent) error {
	mechs, err := o.kafka.Describe(ctx, []string{ev.Principal})
	if err != nil {
		return err
	}

	var deletions []kafkaclient.Deletion
	for mech := range mechs[ev.Principal] {
		deletions = append(deletions, kafkaclient.Deletion{Principal: ev.Principal, Mechanism: mech})
	}
	if len(deletions) == 0 {
		return nil
	}

	alterCtx, cancel := context.WithTimeout(ctx, o.cfg.KafkaCallTimeout)
	defer cancel()

	results, err := o.kafka.Alter(alterCtx, nil, deletions)
	if err != nil {
		return err
	}
	return firstResultError(results, ev.Principal)
}

func firstResultError(results []kafkaclient.PrincipalResult, principal string) error {
	for _, r := range results {
		if r.Principal == principal {
			return r.Err
		}
	}
	return nil
}
