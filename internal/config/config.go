// Package config defines configuration parsing and helpers.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL"`

	// DatabaseCredentialsB64 is the base64-encoded Postgres DSN.
	DatabaseCredentialsB64 string `env:"DATABASE_CREDENTIALS_B64"`
	RedisURL               string `env:"REDIS_URL"`

	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	JobEventsTopic string   `env:"JOB_EVENTS_TOPIC" envDefault:"restoration.job-events"`
	EventsGroupID  string   `env:"JOB_EVENTS_GROUP_ID" envDefault:"restoration-api"`

	ProviderAPIKey      string        `env:"PROVIDER_API_KEY"`
	ProviderBaseURL     string        `env:"PROVIDER_BASE_URL" envDefault:"https://gateway.lumapix.ai/v1"`
	ProviderModel       string        `env:"PROVIDER_MODEL" envDefault:"restoration-v2"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"120s"`
	ProviderMaxAttempts int           `env:"PROVIDER_MAX_ATTEMPTS" envDefault:"3"`

	AuthVerifierURL string `env:"AUTH_VERIFIER_URL"`
	AuthVerifierKey string `env:"AUTH_VERIFIER_KEY"`

	ModerationURL     string        `env:"MODERATION_URL"`
	ModerationAPIKey  string        `env:"MODERATION_API_KEY"`
	ModerationTimeout time.Duration `env:"MODERATION_TIMEOUT" envDefault:"10s"`

	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket       string `env:"S3_BUCKET" envDefault:"lumapix-restorations"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"false"`

	// Signed URL lifetimes; env names retained from the storage migration.
	UploadTTLSeconds   int `env:"GCS_UPLOAD_TTL_SECONDS" envDefault:"900"`
	DownloadTTLSeconds int `env:"GCS_DOWNLOAD_TTL_SECONDS" envDefault:"900"`

	OriginalsRetentionDays int `env:"BLOB_ORIGINALS_RETENTION_DAYS" envDefault:"30"`
	ResultsRetentionDays   int `env:"BLOB_RESULTS_RETENTION_DAYS" envDefault:"90"`

	// Queue + retry engine.
	JobsMaxAttempts       int           `env:"JOBS_MAX_ATTEMPTS" envDefault:"5"`
	JobsBackoffBaseMS     int           `env:"JOBS_BACKOFF_BASE_MS" envDefault:"1000"`
	JobsBackoffJitter     float64       `env:"JOBS_BACKOFF_JITTER" envDefault:"0.3"`
	JobsWorkerConcurrency int           `env:"JOBS_WORKER_CONCURRENCY" envDefault:"2"`
	JobsStalledCheckMS    int           `env:"JOBS_STALLED_CHECK_MS" envDefault:"10000"`
	JobsSSEHeartbeatMS    int           `env:"JOBS_SSE_HEARTBEAT_MS" envDefault:"30000"`
	JobsSSEPollInterval   time.Duration `env:"JOBS_SSE_POLL_INTERVAL" envDefault:"2s"`
	JobsTaskTimeout       time.Duration `env:"JOBS_TASK_TIMEOUT" envDefault:"10m"`
	StalledJobMaxAge      time.Duration `env:"STALLED_JOB_MAX_AGE" envDefault:"10m"`

	// Count-based trim knobs from the previous queue engine. Accepted so
	// existing deployment manifests keep validating; the current engine
	// trims finished tasks by retention window instead.
	JobsRemoveOnComplete int `env:"JOBS_REMOVE_ON_COMPLETE" envDefault:"100"`
	JobsRemoveOnFail     int `env:"JOBS_REMOVE_ON_FAIL" envDefault:"500"`

	DeadLetterRetentionDays int `env:"DEADLETTER_RETENTION_DAYS" envDefault:"30"`

	RateLimitUserLimit    int           `env:"RATE_LIMIT_USER_LIMIT" envDefault:"120"`
	RateLimitUserInterval time.Duration `env:"RATE_LIMIT_USER_INTERVAL" envDefault:"60s"`
	RateLimitIPLimit      int           `env:"RATE_LIMIT_IP_LIMIT" envDefault:"100"`
	RateLimitIPInterval   time.Duration `env:"RATE_LIMIT_IP_INTERVAL" envDefault:"60s"`

	FreeDailyLimit int `env:"FREE_DAILY_LIMIT" envDefault:"3"`
	JobCostCredits int `env:"JOB_COST_CREDITS" envDefault:"1"`

	HealthMetricSampleSize int `env:"HEALTH_METRIC_SAMPLE_SIZE" envDefault:"1000"`

	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"10"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"restoration-service"`

	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`

	// OpsToken guards the operator surface; empty disables it.
	OpsToken string `env:"OPS_TOKEN"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate enforces the secrets required at boot. The returned error names
// every missing variable so startup failures are actionable.
func (c Config) Validate() error {
	var missing []string
	if c.ProviderAPIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	if c.DatabaseCredentialsB64 == "" {
		missing = append(missing, "DATABASE_CREDENTIALS_B64")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.LogLevel == "" {
		missing = append(missing, "LOG_LEVEL")
	}
	if !c.AuthDevMock() {
		if c.AuthVerifierURL == "" {
			missing = append(missing, "AUTH_VERIFIER_URL")
		}
		if c.AuthVerifierKey == "" {
			missing = append(missing, "AUTH_VERIFIER_KEY")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("op=config.Validate: missing required configuration: %s", strings.Join(missing, ", "))
	}
	if _, err := c.DatabaseDSN(); err != nil {
		return err
	}
	return nil
}

// DatabaseDSN decodes the base64-encoded Postgres DSN.
func (c Config) DatabaseDSN() (string, error) {
	raw, err := base64.StdEncoding.DecodeString(c.DatabaseCredentialsB64)
	if err != nil {
		return "", fmt.Errorf("op=config.DatabaseDSN: decode DATABASE_CREDENTIALS_B64: %w", err)
	}
	dsn := strings.TrimSpace(string(raw))
	if dsn == "" {
		return "", fmt.Errorf("op=config.DatabaseDSN: %w", errEmptyDSN)
	}
	return dsn, nil
}

var errEmptyDSN = fmt.Errorf("DATABASE_CREDENTIALS_B64 decodes to an empty DSN")

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// AuthDevMock reports whether the development token verifier is in effect:
// no verifier configured outside production.
func (c Config) AuthDevMock() bool { return c.AuthVerifierURL == "" && !c.IsProd() }

// ModerationDevMock reports whether the allow-all development moderator is in
// effect. Production always requires a real moderation endpoint.
func (c Config) ModerationDevMock() bool { return c.ModerationURL == "" && !c.IsProd() }

// MaxUploadBytes is the inline image size cap.
func (c Config) MaxUploadBytes() int64 { return c.MaxUploadMB * 1024 * 1024 }

// BackoffBase is the retry backoff base as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.JobsBackoffBaseMS) * time.Millisecond
}

// StalledCheckInterval is the queue engine's stalled-task probe interval.
func (c Config) StalledCheckInterval() time.Duration {
	return time.Duration(c.JobsStalledCheckMS) * time.Millisecond
}

// SSEHeartbeat is the push-stream comment heartbeat interval.
func (c Config) SSEHeartbeat() time.Duration {
	return time.Duration(c.JobsSSEHeartbeatMS) * time.Millisecond
}

// UploadTTL is the signed upload URL lifetime.
func (c Config) UploadTTL() time.Duration {
	return time.Duration(c.UploadTTLSeconds) * time.Second
}

// DownloadTTL is the signed download URL lifetime.
func (c Config) DownloadTTL() time.Duration {
	return time.Duration(c.DownloadTTLSeconds) * time.Second
}

// DeadLetterRetention is the dead-letter archive window.
func (c Config) DeadLetterRetention() time.Duration {
	return time.Duration(c.DeadLetterRetentionDays) * 24 * time.Hour
}
