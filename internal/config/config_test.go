package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KEYCLOAK_WEBHOOK_HMAC_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name  string
		check bool
	}{
		{"default host is 0.0.0.0", cfg.Host == "0.0.0.0"},
		{"default port is 8080", cfg.Port == 8080},
		{"default log level is info", cfg.LogLevel == "info"},
		{"default log format is json", cfg.LogFormat == "json"},
		{"default metrics path", cfg.MetricsPath == "/metrics"},
		{"listen addr format", cfg.ListenAddr() == "0.0.0.0:8080"},
		{"default reconcile interval", cfg.ReconcileIntervalSeconds == 120},
		{"default reconcile page size", cfg.ReconcilePageSize == 500},
		{"default reconcile always upsert", cfg.ReconcileAlwaysUpsert == true},
		{"default retention purge interval", cfg.RetentionPurgeIntervalSeconds == 300},
		{"default webhook queue capacity", cfg.WebhookQueueCapacity == 1000},
		{"default webhook retry max attempts", cfg.WebhookRetryMaxAttempts == 3},
		{"default webhook retry base delay", cfg.WebhookRetryBaseDelayMs == 1000},
		{"default webhook retry max delay", cfg.WebhookRetryMaxDelayMs == 30000},
		{"default sqlite path", cfg.SQLiteDBPath == "./kcsync.db"},
		{"retention max bytes unset by default", cfg.RetentionMaxBytes == nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check {
				t.Errorf("%s: unexpected value", tt.name)
			}
		})
	}
}

func TestLoad_RequiresWebhookHMACSecret(t *testing.T) {
	t.Setenv("KEYCLOAK_WEBHOOK_HMAC_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when KEYCLOAK_WEBHOOK_HMAC_SECRET is empty")
	}
}

func TestExclusionExactAndPrefixes(t *testing.T) {
	t.Setenv("KEYCLOAK_WEBHOOK_HMAC_SECRET", "test-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.ReconcileExcludedPrincipals = []string{"admin", "service-account-*"}

	exact, prefixes := cfg.ExclusionExactAndPrefixes()
	if len(exact) != 1 || exact[0] != "admin" {
		t.Errorf("expected exact=[admin], got %v", exact)
	}
	if len(prefixes) != 1 || prefixes[0] != "service-account-" {
		t.Errorf("expected prefixes=[service-account-], got %v", prefixes)
	}
}
