// Package notify sends best-effort operational alerts to Slack when the
// sync process hits conditions an operator should know about immediately:
// a circuit breaker tripping open, or a run of consecutive failed batches.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts operational alerts to a Slack incoming webhook. If webhookURL
// is empty, it is a no-op (logging only) so the rest of the process never
// needs to branch on whether alerting is configured.
type Notifier struct {
	webhookURL string
	logger     *slog.Logger
}

func NewNotifier(webhookURL string, logger *slog.Logger) *Notifier {
	return &Notifier{webhookURL: webhookURL, logger: logger}
}

func (n *Notifier) IsEnabled() bool {
	return n.webhookURL != ""
}

// CircuitOpen alerts that a downstream client's circuit breaker tripped open.
func (n *Notifier) CircuitOpen(ctx context.Context, client string, consecutiveFailures int) {
	n.post(ctx, fmt.Sprintf("🔴 *%s* circuit breaker is open after %d consecutive failures. Sync is degraded until it recovers.", client, consecutiveFailures))
}

// RepeatedBatchFailures alerts that the last n reconcile batches all finished
// with errors.
func (n *Notifier) RepeatedBatchFailures(ctx context.Context, count int, lastError string) {
	n.post(ctx, fmt.Sprintf("🟠 The last %d reconcile batches all finished with errors. Most recent error: %s", count, lastError))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping alert", "text", text)
		return
	}

	msg := &goslack.WebhookMessage{
		Blocks: &goslack.Blocks{
			BlockSet: []goslack.Block{
				goslack.NewSectionBlock(
					goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
					nil, nil,
				),
			},
		},
	}

	if err := goslack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		n.logger.Error("posting slack alert failed", "error", err)
		return
	}
	n.logger.Info("posted slack alert", "text", text)
}
