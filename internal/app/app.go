// Package app wires every component into a single long-running process:
// the periodic reconcile loop, the webhook ingestion pipeline, the
// retention purge loop, and the HTTP server all run concurrently for the
// lifetime of the process — there is no api/worker mode split.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/scramsync/kcsync/internal/adminauth"
	"github.com/scramsync/kcsync/internal/config"
	"github.com/scramsync/kcsync/internal/diff"
	"github.com/scramsync/kcsync/internal/httpserver"
	"github.com/scramsync/kcsync/internal/kafkaclient"
	"github.com/scramsync/kcsync/internal/keycloak"
	"github.com/scramsync/kcsync/internal/notify"
	"github.com/scramsync/kcsync/internal/reconcile"
	"github.com/scramsync/kcsync/internal/scram"
	"github.com/scramsync/kcsync/internal/store"
	"github.com/scramsync/kcsync/internal/telemetry"
	"github.com/scramsync/kcsync/internal/webhook"
)

// serviceVersion is reported in logs and trace resource attributes.
const serviceVersion = "dev"

// Run is the process entry point. It takes the loaded config, connects to every
// dependency, and blocks until ctx is cancelled (typically by SIGINT/SIGTERM).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	logger.Info("starting kcsync", "version", serviceVersion, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "kcsync", serviceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	st, err := store.Open(cfg.SQLiteDBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()
	logger.Info("store opened and migrated", "path", cfg.SQLiteDBPath)

	kafkaClient, err := kafkaclient.New(kafkaclient.Config{
		BootstrapServers: cfg.KafkaBootstrapServers,
		SecurityProtocol: kafkaclient.SecurityProtocol(cfg.KafkaSecurityProtocol),
		SASLMechanism:    kafkaclient.SASLMechanism(cfg.KafkaSASLMechanism),
		SASLUsername:     cfg.KafkaSASLUsername,
		SASLPassword:     cfg.KafkaSASLPassword,
		TLSCAFile:        cfg.KafkaTLSCAFile,
		TLSCertFile:      cfg.KafkaTLSCertFile,
		TLSKeyFile:       cfg.KafkaTLSKeyFile,
		ClientID:         "kcsync",
		CallTimeout:      time.Duration(cfg.KafkaCallTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connecting to kafka: %w", err)
	}
	defer kafkaClient.Close()

	kcClient := keycloak.New(keycloak.Config{
		BaseURL:              cfg.KeycloakURL,
		Realm:                cfg.KeycloakRealm,
		ClientID:             cfg.KeycloakClientID,
		ClientSecret:         cfg.KeycloakClientSecret,
		PageSize:             cfg.ReconcilePageSize,
		ServiceAccountPrefix: cfg.KeycloakServiceAccountPfx,
		CallTimeout:          time.Duration(cfg.KeycloakCallTimeoutSeconds) * time.Second,
	})

	retentionMgr := store.NewRetentionManager(st)

	exact, prefixes := cfg.ExclusionExactAndPrefixes()
	recorder := telemetry.NewRecorder()

	orch := reconcile.New(kcClient, kafkaClient, st, retentionMgr, reconcile.Config{
		AlwaysUpsert:        cfg.ReconcileAlwaysUpsert,
		ExclusionPolicy:     diff.NewExclusionPolicy(exact, prefixes),
		Mechanism:           scram.Mechanism(cfg.ReconcileMechanism),
		Iterations:          cfg.ReconcileIterations,
		KafkaCallTimeout:    time.Duration(cfg.KafkaCallTimeoutSeconds) * time.Second,
		KeycloakCallTimeout: time.Duration(cfg.KeycloakCallTimeoutSeconds) * time.Second,
	}, recorder)

	notifier := notify.NewNotifier(cfg.SlackWebhookURL, logger)
	if notifier.IsEnabled() {
		logger.Info("slack alerting enabled")
	}

	pipeline := webhook.NewPipeline(
		[]byte(cfg.KeycloakWebhookHMACSecret),
		orch,
		recorder,
		webhook.RetryPolicy{
			MaxAttempts: cfg.WebhookRetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.WebhookRetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.WebhookRetryMaxDelayMs) * time.Millisecond,
		},
		cfg.WebhookQueueCapacity,
		cfg.WebhookWorkers,
	)

	var oidcAuth *adminauth.OIDCAuthenticator
	if cfg.AdminOIDCIssuerURL != "" && cfg.AdminOIDCClientID != "" {
		oidcAuth, err = adminauth.NewOIDCAuthenticator(ctx, cfg.AdminOIDCIssuerURL, cfg.AdminOIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing admin OIDC authenticator: %w", err)
		}
		logger.Info("admin OIDC authentication enabled", "issuer", cfg.AdminOIDCIssuerURL)
	} else {
		logger.Info("admin OIDC authentication disabled; falling back to static API keys")
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(logger, st, orch, pipeline, metricsReg, cfg.CORSAllowedOrigins, cfg.AdminAPIKeys, oidcAuth)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); pipeline.Run(ctx) }()
	go func() {
		defer wg.Done()
		runReconcileLoop(ctx, orch, time.Duration(cfg.ReconcileIntervalSeconds)*time.Second, logger, notifier)
	}()
	go func() {
		defer wg.Done()
		runRetentionLoop(ctx, retentionMgr, time.Duration(cfg.RetentionPurgeIntervalSeconds)*time.Second, logger)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "error", err)
		}
	case err := <-errCh:
		runErr = err
	}

	wg.Wait()
	return runErr
}

// runReconcileLoop runs one reconcile cycle immediately, then on a fixed
// interval, until ctx is cancelled. Consecutive failed cycles trigger a
// Slack alert so an operator notices before the retention window lapses.
func runReconcileLoop(ctx context.Context, orch *reconcile.Orchestrator, interval time.Duration, logger *slog.Logger, notifier *notify.Notifier) {
	logger.Info("reconcile loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	runOnce := func() {
		outcome, err := orch.Reconcile(ctx, reconcile.SourcePeriodic)
		if outcome.Skipped {
			return
		}
		if err != nil || outcome.ItemsError > 0 {
			consecutiveFailures++
			logger.Error("reconcile cycle finished with errors",
				"correlation_id", outcome.CorrelationID, "items_error", outcome.ItemsError, "error", err)
			if consecutiveFailures >= 3 {
				errMsg := "unknown error"
				if err != nil {
					errMsg = err.Error()
				}
				notifier.RepeatedBatchFailures(ctx, consecutiveFailures, errMsg)
			}
			return
		}
		consecutiveFailures = 0
		logger.Info("reconcile cycle finished",
			"correlation_id", outcome.CorrelationID, "items_total", outcome.ItemsTotal, "duration_ms", outcome.DurationMs)
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconcile loop stopped")
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

// runRetentionLoop runs the dual-axis age/size purge on a fixed interval.
// Every reconcile cycle that runs, failed or not, also triggers a purge
// (see reconcile.Orchestrator.Reconcile); this loop is the backstop that
// keeps the store bounded even during extended Keycloak or Kafka outages.
func runRetentionLoop(ctx context.Context, mgr *store.RetentionManager, interval time.Duration, logger *slog.Logger) {
	logger.Info("retention loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("retention loop stopped")
			return
		case <-ticker.C:
			report, err := mgr.Run(ctx)
			if err != nil {
				logger.Error("retention purge failed", "error", err)
				continue
			}
			if !report.Skipped && (report.AgeDeleted > 0 || report.SizeDeleted > 0) {
				logger.Info("retention purge completed",
					"age_deleted", report.AgeDeleted, "size_deleted", report.SizeDeleted, "db_bytes", report.DBBytes)
			}
		}
	}
}
