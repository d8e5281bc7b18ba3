package telemetry

import "strconv"

// Recorder implements reconcile.Metrics and webhook.Metrics on top of the
// package's Prometheus collectors, so both packages stay free of any direct
// Prometheus dependency.
type Recorder struct{}

func NewRecorder() Recorder { return Recorder{} }

func (Recorder) IncKCFetch(result string) {
	KCFetchTotal.WithLabelValues(result).Inc()
}

func (Recorder) IncSCRAMUpserts(n int) {
	SCRAMUpsertsTotal.WithLabelValues("success").Add(float64(n))
}

func (Recorder) IncSCRAMDeletes(n int) {
	SCRAMDeletesTotal.WithLabelValues("success").Add(float64(n))
}

func (Recorder) ObserveReconcileDuration(source string, seconds float64) {
	ReconcileDuration.WithLabelValues(source).Observe(seconds)
}

func (Recorder) SetLastSuccessEpoch(epoch float64) {
	LastSuccessEpoch.Set(epoch)
}

func (Recorder) IncReconcileSkipped(reason string) {
	ReconcileSkippedTotal.WithLabelValues(reason).Inc()
}

func (Recorder) IncWebhookReceived(result string) {
	WebhookReceivedTotal.WithLabelValues(result).Inc()
}

func (Recorder) IncSignatureFailure() {
	WebhookSignatureFailuresTotal.Inc()
}

func (Recorder) IncRetry(reason string, attempt int) {
	RetryTotal.WithLabelValues(reason, strconv.Itoa(attempt)).Inc()
}

func (Recorder) SetQueueBacklog(n int) {
	QueueBacklog.Set(float64(n))
}
