// Package kcerr defines the error taxonomy shared across the sync engine.
// Components wrap a sentinel with fmt.Errorf("...: %w", err) so callers can
// classify failures with errors.Is instead of inspecting strings.
package kcerr

import "errors"

var (
	// ErrConfigInvalid marks a fatal startup configuration problem.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrDependencyUnavailable marks Kafka or Keycloak being unreachable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrAuthenticationFailure marks a downstream credential rejection.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrSignatureInvalid marks a webhook rejected at ingress.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrPayloadInvalid marks a webhook that parsed but could not be mapped
	// to an action.
	ErrPayloadInvalid = errors.New("payload invalid")

	// ErrQueueFull marks the webhook queue having no capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrTransient marks a retriable failure: timeouts, 5xx, reset connections.
	ErrTransient = errors.New("transient error")

	// ErrTerminal marks a non-retriable failure or retry exhaustion.
	ErrTerminal = errors.New("terminal error")

	// ErrPersistence marks an audit store write failure.
	ErrPersistence = errors.New("persistence error")

	// ErrCircuitOpen marks a call short-circuited by an open breaker.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrConflict marks a manual reconcile requested while one is running.
	ErrConflict = errors.New("reconcile already running")
)
