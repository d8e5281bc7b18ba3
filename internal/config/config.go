// Package config loads all runtime configuration from environment
// variables; there is no config file layer.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-variable-driven setting the process needs.
type Config struct {
	Host string `env:"KCSYNC_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"KCSYNC_PORT" envDefault:"8080"`

	SQLiteDBPath string `env:"SQLITE_DB_PATH" envDefault:"./kcsync.db"`

	KafkaBootstrapServers []string `env:"KAFKA_BOOTSTRAP_SERVERS" envSeparator:","`
	KafkaSecurityProtocol string   `env:"KAFKA_SECURITY_PROTOCOL" envDefault:"PLAINTEXT"`
	KafkaSASLMechanism    string   `env:"KAFKA_SASL_MECHANISM" envDefault:"PLAIN"`
	KafkaSASLUsername     string   `env:"KAFKA_SASL_USERNAME"`
	KafkaSASLPassword     string   `env:"KAFKA_SASL_PASSWORD"`
	KafkaTLSCAFile        string   `env:"KAFKA_TLS_CA_FILE"`
	KafkaTLSCertFile      string   `env:"KAFKA_TLS_CERT_FILE"`
	KafkaTLSKeyFile       string   `env:"KAFKA_TLS_KEY_FILE"`

	KeycloakURL                string   `env:"KEYCLOAK_URL"`
	KeycloakRealm              string   `env:"KEYCLOAK_REALM"`
	KeycloakClientID           string   `env:"KEYCLOAK_CLIENT_ID"`
	KeycloakClientSecret       string   `env:"KEYCLOAK_CLIENT_SECRET"`
	KeycloakAdminUsername      string   `env:"KEYCLOAK_ADMIN_USERNAME"`
	KeycloakAdminPassword      string   `env:"KEYCLOAK_ADMIN_PASSWORD"`
	KeycloakWebhookHMACSecret  string   `env:"KEYCLOAK_WEBHOOK_HMAC_SECRET,required,notEmpty"`
	KeycloakServiceAccountPfx  []string `env:"KEYCLOAK_SERVICE_ACCOUNT_PREFIXES" envSeparator:","`

	ReconcileIntervalSeconds  int      `env:"RECONCILE_INTERVAL_SECONDS" envDefault:"120"`
	ReconcilePageSize         int      `env:"RECONCILE_PAGE_SIZE" envDefault:"500"`
	ReconcileAlwaysUpsert     bool     `env:"RECONCILE_ALWAYS_UPSERT" envDefault:"true"`
	ReconcileExcludedPrincipals []string `env:"RECONCILE_EXCLUDED_PRINCIPALS" envSeparator:","`
	ReconcileMechanism        string   `env:"RECONCILE_SCRAM_MECHANISM" envDefault:"SCRAM-SHA-256"`
	ReconcileIterations       int      `env:"RECONCILE_SCRAM_ITERATIONS" envDefault:"4096"`

	RetentionMaxBytes               *int64 `env:"RETENTION_MAX_BYTES"`
	RetentionMaxAgeDays              *int  `env:"RETENTION_MAX_AGE_DAYS"`
	RetentionPurgeIntervalSeconds     int   `env:"RETENTION_PURGE_INTERVAL_SECONDS" envDefault:"300"`

	WebhookQueueCapacity    int `env:"WEBHOOK_QUEUE_CAPACITY" envDefault:"1000"`
	WebhookWorkers          int `env:"WEBHOOK_WORKERS" envDefault:"1"`
	WebhookRetryMaxAttempts int `env:"WEBHOOK_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	WebhookRetryBaseDelayMs int `env:"WEBHOOK_RETRY_BASE_DELAY_MS" envDefault:"1000"`
	WebhookRetryMaxDelayMs  int `env:"WEBHOOK_RETRY_MAX_DELAY_MS" envDefault:"30000"`

	KafkaCallTimeoutSeconds    int `env:"KAFKA_CALL_TIMEOUT_SECONDS" envDefault:"30"`
	KeycloakCallTimeoutSeconds int `env:"KEYCLOAK_CALL_TIMEOUT_SECONDS" envDefault:"30"`
	RetentionPurgeTimeoutSeconds int `env:"RETENTION_PURGE_TIMEOUT_SECONDS" envDefault:"60"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPath  string `env:"METRICS_PATH" envDefault:"/metrics"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	AdminOIDCIssuerURL string   `env:"ADMIN_OIDC_ISSUER_URL"`
	AdminOIDCClientID  string   `env:"ADMIN_OIDC_CLIENT_ID"`
	AdminAPIKeys       []string `env:"KCSYNC_API_KEYS" envSeparator:","`

	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`

	RedisURL string `env:"REDIS_URL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExclusionExactAndPrefixes splits RECONCILE_EXCLUDED_PRINCIPALS into exact
// names and prefix patterns (entries ending in "*").
func (c *Config) ExclusionExactAndPrefixes() (exact []string, prefixes []string) {
	for _, e := range c.ReconcileExcludedPrincipals {
		if strings.HasSuffix(e, "*") {
			prefixes = append(prefixes, strings.TrimSuffix(e, "*"))
		} else {
			exact = append(exact, e)
		}
	}
	return exact, prefixes
}
