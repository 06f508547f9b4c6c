// Package config defines the configuration for the coachletter daemon.
// Configuration is loaded once at process start and is immutable thereafter.
// Values come from the OS environment, optionally seeded from a local .env
// file; any missing required value or invalid format fails startup.
package config

import (
	"time"

	"coachletter/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials so they never leak through logs or config dumps.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"coachletter"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database  DatabaseConfig
	Delivery  DeliveryConfig
	Provider  ProviderConfig
	Generator GeneratorConfig
	Jobs      JobsConfig
	Retention RetentionConfig
	Ops       OpsConfig
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// DeliveryConfig tunes the due-set pass and the dispatch worker.
type DeliveryConfig struct {
	// SlotWeekday and SlotHour define the fixed weekly delivery slot in the
	// recipient's local time. Defaults: Monday 09:00.
	SlotWeekday int `envconfig:"DELIVERY_SLOT_WEEKDAY" default:"1" validate:"min=0,max=6"`
	SlotHour    int `envconfig:"DELIVERY_SLOT_HOUR" default:"9" validate:"min=0,max=23"`

	// BatchSize bounds one due-set page; BatchPause is the inter-batch pause
	// that respects provider throughput limits.
	BatchSize  int           `envconfig:"DELIVERY_BATCH_SIZE" default:"50" validate:"min=1"`
	BatchPause time.Duration `envconfig:"DELIVERY_BATCH_PAUSE" default:"2s"`

	// MaxParallel bounds concurrent dispatches within one batch.
	MaxParallel int `envconfig:"DELIVERY_MAX_PARALLEL" default:"8" validate:"min=1"`

	// In-process retry loop of the dispatch worker.
	MaxAttempts int           `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	BaseDelay   time.Duration `envconfig:"DELIVERY_BASE_DELAY" default:"1s"`

	// SendTimeout bounds a single provider call.
	SendTimeout time.Duration `envconfig:"DELIVERY_SEND_TIMEOUT" default:"10s"`
}

// ProviderConfig holds the external email provider credentials.
type ProviderConfig struct {
	BaseURL     string       `envconfig:"EMAIL_PROVIDER_URL" default:"https://api.mailpost.io"`
	APIKey      SecretString `envconfig:"EMAIL_PROVIDER_API_KEY" validate:"required"`
	FromAddress string       `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName    string       `envconfig:"EMAIL_FROM_NAME" default:"Coachletter"`
}

// GeneratorConfig holds the external content generator endpoint.
type GeneratorConfig struct {
	BaseURL string       `envconfig:"CONTENT_GENERATOR_URL" validate:"required,url"`
	APIKey  SecretString `envconfig:"CONTENT_GENERATOR_API_KEY" validate:"required"`
	Timeout time.Duration `envconfig:"CONTENT_GENERATOR_TIMEOUT" default:"30s"`
}

// JobsConfig holds the cron expressions for the periodic jobs. All specs are
// evaluated in UTC.
type JobsConfig struct {
	DuePassSpec      string `envconfig:"JOB_DUE_PASS_SPEC" default:"*/5 * * * *"`
	RetrySweepSpec   string `envconfig:"JOB_RETRY_SWEEP_SPEC" default:"15 * * * *"`
	MetricsFlushSpec string `envconfig:"JOB_METRICS_FLUSH_SPEC" default:"0 0 * * *"`
	AttemptPruneSpec string `envconfig:"JOB_ATTEMPT_PRUNE_SPEC" default:"40 3 * * *"`
}

// RetentionConfig tunes the attempt prune/archive job.
type RetentionConfig struct {
	// AttemptRetention is how long terminal delivery attempt records are kept
	// before being archived and deleted.
	AttemptRetention time.Duration `envconfig:"ATTEMPT_RETENTION" default:"720h"`
	ArchiveDir       string        `envconfig:"ARCHIVE_DIR" default:"./archive"`
	PruneBatchSize   int           `envconfig:"PRUNE_BATCH_SIZE" default:"500" validate:"min=1"`
}

// OpsConfig holds the operational HTTP listener settings.
type OpsConfig struct {
	Addr string `envconfig:"OPS_ADDR" default:":9090"`
}
