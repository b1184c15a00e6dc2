package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "CHECKOUT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "production"
)

const (
	EnvAppEnv     = "CHECKOUT_APP_ENV"
	EnvPort       = "CHECKOUT_APP_PORT"
	EnvDBDSN      = "CHECKOUT_DB_DSN"
	EnvDBHost     = "CHECKOUT_DB_HOST"
	EnvDBUser     = "CHECKOUT_DB_USER"
	EnvDBName     = "CHECKOUT_DB_NAME"
	EnvRedisURL   = "CHECKOUT_REDIS_URL"
	EnvJWTSecret  = "CHECKOUT_JWT_SECRET"
	EnvJWTIssuer  = "CHECKOUT_JWT_ISSUER"
	EnvJWTExpMins = "CHECKOUT_JWT_EXPIRATION_MINUTES"

	EnvPSPAPIKey         = "CHECKOUT_PSP_API_KEY"
	EnvPSPWebhookSecret  = "CHECKOUT_PSP_WEBHOOK_SECRET"
	EnvPMSBaseURL        = "CHECKOUT_PMS_BASE_URL"
	EnvPMSAPIKey         = "CHECKOUT_PMS_API_KEY"
	EnvJobAuthToken      = "CHECKOUT_JOB_AUTH_TOKEN"
	EnvGCPProjectID      = "CHECKOUT_GCP_PROJECT_ID"
	EnvPubSubSignalTopic = "CHECKOUT_PUBSUB_SIGNAL_TOPIC"
	EnvBigQueryDataset   = "CHECKOUT_BIGQUERY_DATASET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

// Config aggregates every sub-config the service needs at boot.
type Config struct {
	App        AppConfig
	Service    ServiceConfig
	DB         DBConfig
	Redis      RedisConfig
	JobAuth    JobAuthConfig
	PMS        PMSConfig
	PSP        PSPConfig
	Checkout   CheckoutConfig
	GCP        GCPConfig
	PubSub     PubSubConfig
	BigQuery   BigQueryConfig
	Outbox     OutboxConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
}

// Load parses environment variables (optionally loaded from .env by the
// caller) into a Config, applying the DSN fallback rule.
func Load() (*Config, error) {
	var cfg Config
	// Each sub-config is processed on its own so its keys read as
	// CHECKOUT_<KEY>; processing Config whole would nest the field name
	// (CHECKOUT_APP_APP_ENV).
	subs := []any{
		&cfg.App, &cfg.Service, &cfg.DB, &cfg.Redis, &cfg.JobAuth, &cfg.PMS, &cfg.PSP,
		&cfg.Checkout, &cfg.GCP, &cfg.PubSub, &cfg.BigQuery, &cfg.Outbox, &cfg.RateLimit, &cfg.CORS,
	}
	for _, sub := range subs {
		if err := envconfig.Process(EnvPrefix, sub); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"APP_ENV" required:"true"`
	Port         string `envconfig:"APP_PORT" required:"true"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"DB_DSN"`
	Driver string `envconfig:"DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"DB_HOST"`
	LegacyPort     int    `envconfig:"DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"DB_USER"`
	LegacyPassword string `envconfig:"DB_PASSWORD"`
	LegacyName     string `envconfig:"DB_NAME"`
	LegacySSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	var missing []string
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}
	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}
	db.DSN = u.String()
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"REDIS_URL" required:"true"`
	Address      string        `envconfig:"REDIS_ADDR"`
	Password     string        `envconfig:"REDIS_PASSWORD"`
	DB           int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JobAuthConfig secures the service-to-service job endpoint.
type JobAuthConfig struct {
	Secret            string `envconfig:"JOB_AUTH_TOKEN" required:"true"`
	Issuer            string `envconfig:"JOB_AUTH_ISSUER" default:"checkout-core"`
	ExpirationMinutes int    `envconfig:"JOB_AUTH_EXPIRATION_MINUTES" default:"15"`
}

// PMSConfig configures the hand-rolled PMS adapter (C1).
type PMSConfig struct {
	BaseURL       string        `envconfig:"PMS_BASE_URL" required:"true"`
	APIKey        string        `envconfig:"PMS_API_KEY" required:"true"`
	ReadTimeout   time.Duration `envconfig:"PMS_READ_TIMEOUT" default:"8s"`
	WriteTimeout  time.Duration `envconfig:"PMS_WRITE_TIMEOUT" default:"30s"`
	ReadRetries   int           `envconfig:"PMS_READ_RETRIES" default:"2"`
}

// PSPConfig configures the Stripe-backed PSP adapter (C2).
type PSPConfig struct {
	APIKey        string `envconfig:"PSP_API_KEY" required:"true"`
	WebhookSecret string `envconfig:"PSP_WEBHOOK_SECRET" required:"true"`
	Env           string `envconfig:"PSP_ENV" default:"test"`
}

// Environment returns the normalized PSP environment (test/live).
func (p PSPConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(p.Env))
	if env == "" {
		return "test"
	}
	return env
}

// CheckoutConfig holds the domain TTLs the orchestrator and idempotency
// layer use.
type CheckoutConfig struct {
	HoldTTLMinutes       int `envconfig:"HOLD_TTL_MINUTES" default:"15"`
	QuoteTTLMinutes      int `envconfig:"QUOTE_TTL_MINUTES" default:"30"`
	IdempotencyTTLHours  int `envconfig:"IDEMPOTENCY_TTL_HOURS" default:"24"`
	WebhookDedupTTLDays  int `envconfig:"WEBHOOK_DEDUP_TTL_DAYS" default:"7"`
	MaxRetryCount        int `envconfig:"MAX_RETRY_COUNT" default:"5"`
	HoldSweepIntervalSec int `envconfig:"HOLD_SWEEP_INTERVAL_SECONDS" default:"60"`
}

func (c CheckoutConfig) HoldTTL() time.Duration {
	return time.Duration(c.HoldTTLMinutes) * time.Minute
}

func (c CheckoutConfig) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLMinutes) * time.Minute
}

func (c CheckoutConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c CheckoutConfig) WebhookDedupTTL() time.Duration {
	return time.Duration(c.WebhookDedupTTLDays) * 24 * time.Hour
}

// HoldSweepInterval is the cron worker's polling cadence for the hold
// expiration sweep, far shorter than the other background jobs' daily
// cycle since I5 bounds how long an expired hold may linger unreleased.
func (c CheckoutConfig) HoldSweepInterval() time.Duration {
	return time.Duration(c.HoldSweepIntervalSec) * time.Second
}

type GCPConfig struct {
	ProjectID              string `envconfig:"GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// PubSubConfig configures the optional checkout-signal fan-out (§4.9).
// Left blank, the orchestrator simply skips publishing.
type PubSubConfig struct {
	SignalTopic        string `envconfig:"PUBSUB_SIGNAL_TOPIC"`
	SignalSubscription string `envconfig:"PUBSUB_SIGNAL_SUBSCRIPTION"`
}

func (p PubSubConfig) Enabled() bool {
	return p.SignalTopic != ""
}

// BigQueryConfig configures the optional audit export (§4.10).
type BigQueryConfig struct {
	Dataset string `envconfig:"BIGQUERY_DATASET" default:"checkout_core"`
	Table   string `envconfig:"BIGQUERY_AUDIT_TABLE" default:"checkout_transitions"`
}

func (b BigQueryConfig) Enabled() bool {
	return b.Dataset != "" && b.Table != ""
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// RateLimitConfig throttles the webhook ingress and the job endpoint.
type RateLimitConfig struct {
	WebhookWindow time.Duration `envconfig:"RATE_LIMIT_WEBHOOK_WINDOW" default:"1m"`
	WebhookLimit  int           `envconfig:"RATE_LIMIT_WEBHOOK_LIMIT" default:"600"`
	JobWindow     time.Duration `envconfig:"RATE_LIMIT_JOB_WINDOW" default:"1m"`
	JobLimit      int           `envconfig:"RATE_LIMIT_JOB_LIMIT" default:"6"`
}

// CORSConfig lists the origins allowed to call the checkout API directly
// (the booking widget). Comma-separated; defaults to local dev only.
type CORSConfig struct {
	AllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

// Origins splits the configured origin list.
func (c CORSConfig) Origins() []string {
	raw := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(raw))
	for _, o := range raw {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
