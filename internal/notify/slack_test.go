package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsEnabled(t *testing.T) {
	assert.False(t, NewNotifier("", discardLogger()).IsEnabled())
	assert.True(t, NewNotifier("https://hooks.slack.example/services/x", discardLogger()).IsEnabled())
}

func TestDisabledNotifierDoesNotPost(t *testing.T) {
	n := NewNotifier("", discardLogger())
	// With no webhook URL configured, these must return without attempting
	// any network call.
	n.CircuitOpen(context.Background(), "keycloak", 5)
	n.RepeatedBatchFailures(context.Background(), 3, "dial tcp: timeout")
}
