// Package webhook ingests authenticated Keycloak admin-events webhooks,
// queues them, and drives the reconciliation orchestrator's targeted
// apply_event path with exponential-backoff retry.
package webhook

import (
	"container/heap"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/scramsync/kcsync/internal/kcerr"
	"github.com/scramsync/kcsync/internal/reconcile"
)

// ResourceType is the admin-event's affected resource kind.
type ResourceType string

const (
	ResourceUser   ResourceType = "USER"
	ResourceClient ResourceType = "CLIENT"
)

// OperationType is the admin-event's mutation kind.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

// Payload is the inbound webhook body, matching Keycloak's admin-events
// representation.
type Payload struct {
	ID             string          `json:"id"`
	Time           int64           `json:"time"`
	RealmID        string          `json:"realmId"`
	ResourceType   ResourceType    `json:"resourceType"`
	OperationType  OperationType   `json:"operationType"`
	ResourcePath   string          `json:"resourcePath"`
	Representation json.RawMessage `json:"representation,omitempty"`
	// PlaintextPassword is never present in a real Keycloak payload; the
	// in-realm plugin that emits these events may attach it out-of-band
	// for password-change events only.
	PlaintextPassword *string `json:"plaintextPassword,omitempty"`
}

// VerifySignature checks the Base64-encoded HMAC-SHA-256 signature over the
// exact request body bytes, in constant time.
func VerifySignature(body []byte, signatureB64 string, secret []byte) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(sig, expected)
}

// mapEvent translates a payload into a targeted action, or nil when the
// combination should be logged and dropped.
func mapEvent(p Payload) (*reconcile.ParsedEvent, error) {
	switch {
	case p.ResourceType == ResourceUser && (p.OperationType == OperationCreate || p.OperationType == OperationUpdate):
		principal, err := principalFromUserPath(p.ResourcePath)
		if err != nil {
			return nil, err
		}
		ev := &reconcile.ParsedEvent{Principal: principal, Action: reconcile.ActionUpsert}
		if p.OperationType == OperationUpdate && isPasswordChangePath(p.ResourcePath) {
			ev.IsPasswordChange = true
			ev.PlaintextPassword = p.PlaintextPassword
		}
		return ev, nil

	case p.ResourceType == ResourceUser && p.OperationType == OperationDelete:
		principal, err := principalFromUserPath(p.ResourcePath)
		if err != nil {
			return nil, err
		}
		return &reconcile.ParsedEvent{Principal: principal, Action: reconcile.ActionDelete}, nil

	case p.ResourceType == ResourceClient:
		principal, err := serviceAccountPrincipalFromClientPath(p.ResourcePath)
		if err != nil {
			return nil, err
		}
		action := reconcile.ActionUpsert
		if p.OperationType == OperationDelete {
			action = reconcile.ActionDelete
		}
		return &reconcile.ParsedEvent{Principal: principal, Action: action}, nil

	default:
		return nil, nil
	}
}

func principalFromUserPath(resourcePath string) (string, error) {
	parts := strings.Split(strings.Trim(resourcePath, "/"), "/")
	if len(parts) < 2 || parts[0] != "users" || parts[1] == "" {
		return "", fmt.Errorf("%w: unparsable user resource path %q", kcerr.ErrPayloadInvalid, resourcePath)
	}
	return parts[1], nil
}

func serviceAccountPrincipalFromClientPath(resourcePath string) (string, error) {
	parts := strings.Split(strings.Trim(resourcePath, "/"), "/")
	if len(parts) < 2 || parts[0] != "clients" || parts[1] == "" {
		return "", fmt.Errorf("%w: unparsable client resource path %q", kcerr.ErrPayloadInvalid, resourcePath)
	}
	return "service-account-" + parts[1], nil
}

func isPasswordChangePath(resourcePath string) bool {
	for _, suffix := range []string{"/reset-password", "/reset-password-email", "/execute-actions-email"} {
		if strings.HasSuffix(resourcePath, suffix) {
			return true
		}
	}
	return false
}

// job is a queued, possibly-retried unit of work.
type job struct {
	event           reconcile.ParsedEvent
	retryCount      int
	scheduledNotBefore time.Time
	index           int // heap index, maintained by container/heap
}

type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	return q[i].scheduledNotBefore.Before(q[j].scheduledNotBefore)
}
func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *jobQueue) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// RetryPolicy configures the exponential backoff applied to retriable
// failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Metrics is the subset of counters the pipeline emits.
type Metrics interface {
	IncWebhookReceived(result string)
	IncSignatureFailure()
	IncRetry(reason string, attempt int)
	SetQueueBacklog(n int)
}

// Pipeline is the bounded queue plus fixed worker pool that drains parsed
// events into the reconciliation orchestrator.
type Pipeline struct {
	secret  []byte
	orch    *reconcile.Orchestrator
	metrics Metrics
	policy  RetryPolicy
	workers int
	cap     int

	mu     sync.Mutex
	queue  jobQueue
	closed bool
}

// NewPipeline constructs a Pipeline. capacity bounds the queue; workers is
// the fixed pool size (>=1).
func NewPipeline(secret []byte, orch *reconcile.Orchestrator, metrics Metrics, policy RetryPolicy, capacity, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}

	p := &Pipeline{secret: secret, orch: orch, metrics: metrics, policy: policy, workers: workers, cap: capacity}
	heap.Init(&p.queue)
	return p
}

// Accept verifies the signature, parses and maps the payload, then enqueues
// the resulting event. Returns an error classifying why the event was
// rejected (signature, payload, or queue full) so the HTTP handler can
// choose the response code.
func (p *Pipeline) Accept(body []byte, signatureB64 string) error {
	if !VerifySignature(body, signatureB64, p.secret) {
		p.metrics.IncSignatureFailure()
		p.metrics.IncWebhookReceived("UNAUTHORIZED")
		return kcerr.ErrSignatureInvalid
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.metrics.IncWebhookReceived("MALFORMED")
		return fmt.Errorf("%w: %v", kcerr.ErrPayloadInvalid, err)
	}

	ev, err := mapEvent(payload)
	if err != nil {
		p.metrics.IncWebhookReceived("DROPPED")
		slog.Info("dropping unparsable webhook event", "resource_path", payload.ResourcePath, "error", err)
		return nil
	}
	if ev == nil {
		p.metrics.IncWebhookReceived("DROPPED")
		slog.Info("dropping unhandled webhook event combination",
			"resource_type", payload.ResourceType, "operation_type", payload.OperationType)
		return nil
	}

	if err := p.enqueue(&job{event: *ev, scheduledNotBefore: time.Now()}); err != nil {
		p.metrics.IncWebhookReceived("QUEUE_FULL")
		return err
	}

	p.metrics.IncWebhookReceived("ACCEPTED")
	return nil
}

func (p *Pipeline) enqueue(j *job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: pipeline shutting down", kcerr.ErrQueueFull)
	}
	if len(p.queue) >= p.cap {
		return fmt.Errorf("%w: webhook queue at capacity %d", kcerr.ErrQueueFull, p.cap)
	}

	heap.Push(&p.queue, j)
	p.metrics.SetQueueBacklog(len(p.queue))
	return nil
}

// Run starts the fixed worker pool and blocks until ctx is cancelled, then
// drains on a best-effort basis.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}

	<-ctx.Done()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	wg.Wait()
}

func (p *Pipeline) workerLoop(ctx context.Context, id int) {
	for {
		j, ok := p.dequeueReady(ctx)
		if !ok {
			return
		}

		err := p.orch.ApplyEvent(ctx, j.event)
		if err == nil {
			continue
		}

		if !isRetriable(err) || j.retryCount+1 >= p.policy.MaxAttempts {
			slog.Error("webhook event permanently failed", "principal", j.event.Principal, "retry_count", j.retryCount, "error", err)
			continue
		}

		j.retryCount++
		delay := backoffDelay(p.policy, j.retryCount)
		j.scheduledNotBefore = time.Now().Add(delay)
		p.metrics.IncRetry(classifyReason(err), j.retryCount)

		if enqueueErr := p.enqueue(j); enqueueErr != nil {
			slog.Error("dropping retry, queue full", "principal", j.event.Principal, "error", enqueueErr)
		}
	}
}

// dequeueReady blocks until a job whose scheduledNotBefore has elapsed is
// available, the pipeline is closed and drained, or ctx is cancelled after
// the queue empties. It polls rather than using a condition variable
// because readiness also depends on wall-clock time (scheduledNotBefore),
// not just queue occupancy.
func (p *Pipeline) dequeueReady(ctx context.Context) (*job, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 && !p.queue[0].scheduledNotBefore.After(time.Now()) {
			j := heap.Pop(&p.queue).(*job)
			p.metrics.SetQueueBacklog(len(p.queue))
			p.mu.Unlock()
			return j, true
		}
		drained := p.closed && len(p.queue) == 0
		p.mu.Unlock()

		if drained {
			return nil, false
		}

		select {
		case <-ctx.Done():
			p.mu.Lock()
			drained = p.closed && len(p.queue) == 0
			p.mu.Unlock()
			if drained {
				return nil, false
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func isRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case isErr(err, kcerr.ErrTerminal), isErr(err, kcerr.ErrPayloadInvalid), isErr(err, kcerr.ErrConfigInvalid):
		return false
	default:
		return true
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func classifyReason(err error) string {
	switch {
	case isErr(err, kcerr.ErrCircuitOpen):
		return "circuit_open"
	case isErr(err, kcerr.ErrDependencyUnavailable):
		return "dependency_unavailable"
	default:
		return "transient"
	}
}

// backoffDelay computes base*2^(attempt-1) capped at MaxDelay, using the
// same exponential backoff the Keycloak client retries with.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.MaxInterval = policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// Len reports the current backlog, for readiness/diagnostics.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
