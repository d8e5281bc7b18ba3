// Package reconcile drives a full-sync cycle between Keycloak and Kafka:
// fetch, diff, generate credentials, submit alterations, and record the
// outcome of every principal into the audit store.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/scramsync/kcsync/internal/diff"
	"github.com/scramsync/kcsync/internal/kafkaclient"
	"github.com/scramsync/kcsync/internal/kcerr"
	"github.com/scramsync/kcsync/internal/keycloak"
	"github.com/scramsync/kcsync/internal/scram"
	"github.com/scramsync/kcsync/internal/store"
)

const (
	StateIdle       = "idle"
	StateRunning    = "running"
	StateCompleting = "completing"
	StateAborting   = "aborting"

	eventStart    = "start"
	eventSucceed  = "succeed"
	eventFail     = "fail"
	eventFinished = "finished"
)

// Source identifies what triggered a cycle.
type Source string

const (
	SourcePeriodic Source = "PERIODIC"
	SourceManual   Source = "MANUAL"
	SourceWebhook  Source = "WEBHOOK"
)

// Config holds the tunables that shape a reconcile cycle.
type Config struct {
	AlwaysUpsert       bool
	ExclusionPolicy    diff.ExclusionPolicy
	Mechanism          scram.Mechanism
	Iterations         int
	KafkaCallTimeout   time.Duration
	KeycloakCallTimeout time.Duration
}

// Metrics is the subset of counters/gauges the orchestrator emits. Kept as
// an interface so the telemetry package's concrete registry can be
// substituted with a no-op in tests.
type Metrics interface {
	IncKCFetch(result string)
	IncSCRAMUpserts(n int)
	IncSCRAMDeletes(n int)
	ObserveReconcileDuration(source string, seconds float64)
	SetLastSuccessEpoch(epoch float64)
	IncReconcileSkipped(reason string)
}

// Orchestrator coordinates one reconcile cycle at a time across the whole
// process.
type Orchestrator struct {
	kc      *keycloak.Client
	kafka   *kafkaclient.Client
	store   *store.Store
	retention interface {
		Run(ctx context.Context) (store.PurgeReport, error)
	}
	cfg     Config
	metrics Metrics

	fsm     *fsm.FSM
	running atomic.Bool

	currentCorrelationID atomic.Value // string
}

// New builds an Orchestrator. retention may be nil if retention checks are
// disabled.
func New(kc *keycloak.Client, kafka *kafkaclient.Client, st *store.Store, retention interface {
	Run(ctx context.Context) (store.PurgeReport, error)
}, cfg Config, metrics Metrics) *Orchestrator {
	o := &Orchestrator{kc: kc, kafka: kafka, store: st, retention: retention, cfg: cfg, metrics: metrics}
	o.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateRunning},
			{Name: eventSucceed, Src: []string{StateRunning}, Dst: StateCompleting},
			{Name: eventFail, Src: []string{StateRunning}, Dst: StateAborting},
			{Name: eventFinished, Src: []string{StateCompleting, StateAborting}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
	o.currentCorrelationID.Store("")
	return o
}

// IsRunning reports whether a cycle is currently in progress.
func (o *Orchestrator) IsRunning() bool { return o.running.Load() }

// CurrentCorrelationID returns the in-flight cycle's correlation ID, or ""
// when idle.
func (o *Orchestrator) CurrentCorrelationID() string {
	return o.currentCorrelationID.Load().(string)
}

// Outcome summarizes a completed (or skipped/conflicted) cycle.
type Outcome struct {
	CorrelationID string
	ItemsTotal    int
	ItemsSuccess  int
	ItemsError    int
	DurationMs    int64
	Skipped       bool
	Conflict      bool
}

// Reconcile runs one full diff-and-apply cycle. A PERIODIC call skips if one
// is already running; a MANUAL call returns Conflict instead.
func (o *Orchestrator) Reconcile(ctx context.Context, source Source) (Outcome, error) {
	if !o.running.CompareAndSwap(false, true) {
		if source == SourcePeriodic {
			o.metrics.IncReconcileSkipped("already_running")
			return Outcome{Skipped: true}, nil
		}
		return Outcome{Conflict: true}, nil
	}
	defer o.running.Store(false)

	correlationID := uuid.NewString()
	o.currentCorrelationID.Store(correlationID)
	defer o.currentCorrelationID.Store("")

	_ = o.fsm.Event(ctx, eventStart)
	start := time.Now()

	outcome, err := o.runCycle(ctx, correlationID, source)
	outcome.DurationMs = time.Since(start).Milliseconds()
	o.metrics.ObserveReconcileDuration(string(source), time.Since(start).Seconds())

	if err != nil {
		_ = o.fsm.Event(ctx, eventFail)
	} else {
		_ = o.fsm.Event(ctx, eventSucceed)
		if outcome.ItemsError == 0 {
			o.metrics.SetLastSuccessEpoch(float64(time.Now().Unix()))
		}
	}
	_ = o.fsm.Event(ctx, eventFinished)

	if o.retention != nil {
		go func() {
			retentionCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if _, rerr := o.retention.Run(retentionCtx); rerr != nil {
				slog.Error("retention check failed", "error", rerr)
			}
		}()
	}

	return outcome, err
}

func (o *Orchestrator) runCycle(ctx context.Context, correlationID string, source Source) (Outcome, error) {
	usersCh := make(chan []keycloak.User, 1)
	usersErrCh := make(chan error, 1)
	go func() {
		kcCtx, cancel := context.WithTimeout(ctx, o.cfg.KeycloakCallTimeout)
		defer cancel()
		users, err := o.kc.FetchAllUsers(kcCtx)
		usersCh <- users
		usersErrCh <- err
	}()

	kafkaCtx, cancel := context.WithTimeout(ctx, o.cfg.KafkaCallTimeout)
	principalMechs, kafkaErr := o.kafka.Describe(kafkaCtx, nil)
	cancel()

	users := <-usersCh
	kcErr := <-usersErrCh

	if kcErr != nil || kafkaErr != nil {
		o.metrics.IncKCFetch("error")
		errSummary := fmt.Sprintf("fetch failed: keycloak=%v kafka=%v", kcErr, kafkaErr)
		if cerr := o.store.CreateBatch(ctx, correlationID, store.Source(source), 0); cerr != nil {
			slog.Error("failed to create batch for failed fetch", "error", cerr)
		}
		if cerr := o.store.CompleteBatch(ctx, correlationID, 0, 0, 0, 0, &errSummary); cerr != nil {
			slog.Error("failed to complete batch for failed fetch", "error", cerr)
		}
		if kcErr != nil {
			return Outcome{CorrelationID: correlationID}, kcErr
		}
		return Outcome{CorrelationID: correlationID}, kafkaErr
	}
	o.metrics.IncKCFetch("success")

	if err := o.store.CreateBatch(ctx, correlationID, store.Source(source), len(users)); err != nil {
		return Outcome{CorrelationID: correlationID}, err
	}

	kafkaPrincipals := make(map[string]struct{}, len(principalMechs))
	for p := range principalMechs {
		kafkaPrincipals[p] = struct{}{}
	}

	diffUsers := make([]diff.KeycloakUser, 0, len(users))
	for _, u := range users {
		diffUsers = append(diffUsers, diff.KeycloakUser{
			ID: u.ID, Username: u.Username, Email: u.Email, Enabled: u.Enabled, CreatedAt: u.CreatedAt,
		})
	}

	plan := diff.Compute(diffUsers, kafkaPrincipals, o.cfg.ExclusionPolicy, o.cfg.AlwaysUpsert)

	upserts := make([]kafkaclient.Upsertion, 0, len(plan.Upserts))
	for _, u := range plan.Upserts {
		password, err := scram.RandomPassword()
		if err != nil {
			return Outcome{CorrelationID: correlationID}, fmt.Errorf("%w: generating password for %s: %v", kcerr.ErrTerminal, u.Username, err)
		}
		cred, err := scram.Generate(password, o.cfg.Mechanism, o.cfg.Iterations)
		if err != nil {
			return Outcome{CorrelationID: correlationID}, fmt.Errorf("%w: deriving credential for %s: %v", kcerr.ErrTerminal, u.Username, err)
		}
		upserts = append(upserts, kafkaclient.Upsertion{
			Principal: u.Username, Mechanism: o.cfg.Mechanism, Iterations: o.cfg.Iterations, Credential: cred, Password: password,
		})
	}

	deletions := make([]kafkaclient.Deletion, 0, len(plan.Deletes))
	for _, principal := range plan.Deletes {
		for mech := range principalMechs[principal] {
			deletions = append(deletions, kafkaclient.Deletion{Principal: principal, Mechanism: mech})
		}
	}

	alterCtx, cancel := context.WithTimeout(ctx, o.cfg.KafkaCallTimeout)
	results, err := o.kafka.Alter(alterCtx, upserts, deletions)
	cancel()
	if err != nil {
		errSummary := err.Error()
		if cerr := o.store.CompleteBatch(ctx, correlationID, 0, 0, 0, 0, &errSummary); cerr != nil {
			slog.Error("failed to complete batch after alter failure", "error", cerr)
		}
		return Outcome{CorrelationID: correlationID, ItemsTotal: len(users)}, err
	}

	o.metrics.IncSCRAMUpserts(len(upserts))
	o.metrics.IncSCRAMDeletes(len(deletions))

	ops := make([]store.NewOperation, 0, len(results))
	successCount, errorCount := 0, 0
	now := time.Now()
	for _, r := range results {
		opType := store.OpSCRAMUpsert
		for _, d := range deletions {
			if d.Principal == r.Principal {
				opType = store.OpSCRAMDelete
				break
			}
		}

		result := store.ResultSuccess
		var errMsg *string
		if r.Err != nil {
			result = store.ResultError
			msg := r.Err.Error()
			errMsg = &msg
			errorCount++
		} else {
			successCount++
		}

		mechStr := string(o.cfg.Mechanism)
		ops = append(ops, store.NewOperation{
			CorrelationID: correlationID, OccurredAt: now, Principal: r.Principal,
			OpType: opType, Mechanism: &mechStr, Result: result, ErrorMessage: errMsg,
		})
	}

	if err := o.store.RecordOperations(ctx, ops); err != nil {
		slog.Error("failed to record reconcile operations", "correlation_id", correlationID, "error", err)
	}

	if err := o.store.CompleteBatch(ctx, correlationID, successCount, errorCount, 0, time.Since(now), nil); err != nil {
		slog.Error("failed to complete batch", "correlation_id", correlationID, "error", err)
	}

	return Outcome{
		CorrelationID: correlationID,
		ItemsTotal:    len(users),
		ItemsSuccess:  successCount,
		ItemsError:    errorCount,
	}, nil
}
