// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and INTAKE_* environment variables, in increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. INTAKE_DATABASE_URL.
const EnvPrefix = "INTAKE"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Intake   IntakeConfig   `mapstructure:"intake"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Callback CallbackConfig `mapstructure:"callback"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	Notion   NotionConfig   `mapstructure:"notion"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// PublicBaseURL is used to build callback URLs handed to external services.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type StorageConfig struct {
	Bucket       string        `mapstructure:"bucket"`
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
}

type IntakeConfig struct {
	MaxFiles         int      `mapstructure:"max_files"`
	MaxFileSizeBytes int64    `mapstructure:"max_file_size_bytes"`
	AllowedMimeTypes []string `mapstructure:"allowed_mime_types"`
}

type DispatchConfig struct {
	// ClassifierMode is "http" or "gemini".
	ClassifierMode string        `mapstructure:"classifier_mode"`
	ClassifierURL  string        `mapstructure:"classifier_url"`
	StatementURL   string        `mapstructure:"statement_extractor_url"`
	ApplicationURL string        `mapstructure:"application_extractor_url"`
	ServiceToken   string        `mapstructure:"service_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AutoExtract    bool          `mapstructure:"auto_extract"`
	GeminiModel    string        `mapstructure:"gemini_model"`
	MinConfidence  float64       `mapstructure:"min_classifier_confidence"`
}

type CallbackConfig struct {
	Secret                string        `mapstructure:"secret"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	InitialBackoff        time.Duration `mapstructure:"initial_backoff"`
	ReconciliationEpsilon string        `mapstructure:"reconciliation_epsilon"`
	MaxBodyBytes          int64         `mapstructure:"max_body_bytes"`
}

type QueueConfig struct {
	// Driver is "memory" or "pubsub".
	Driver       string `mapstructure:"driver"`
	BufferSize   int    `mapstructure:"buffer_size"`
	Workers      int    `mapstructure:"workers"`
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
	// JobHistory caps the dispatch jobs kept per File for status polling.
	JobHistory   int    `mapstructure:"job_history"`
}

type SweepConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	StuckFilesSpec    string        `mapstructure:"stuck_files_spec"`
	OutboxRelaySpec   string        `mapstructure:"outbox_relay_spec"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	BatchSize         int           `mapstructure:"batch_size"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	Location          string        `mapstructure:"location"`
}

type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Dataset   string `mapstructure:"dataset"`
	Table     string `mapstructure:"table"`
}

type NotionConfig struct {
	Token      string `mapstructure:"token"`
	DatabaseID string `mapstructure:"database_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.public_base_url", "http://localhost:8080")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 5*time.Minute)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.signed_url_ttl", 15*time.Minute)

	v.SetDefault("intake.max_files", 50)
	v.SetDefault("intake.max_file_size_bytes", 50<<20)
	v.SetDefault("intake.allowed_mime_types", []string{"application/pdf"})

	v.SetDefault("dispatch.classifier_mode", "http")
	v.SetDefault("dispatch.classifier_url", "")
	v.SetDefault("dispatch.statement_extractor_url", "")
	v.SetDefault("dispatch.application_extractor_url", "")
	v.SetDefault("dispatch.service_token", "")
	v.SetDefault("dispatch.request_timeout", 10*time.Second)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.initial_backoff", 2*time.Second)
	v.SetDefault("dispatch.max_backoff", 2*time.Minute)
	v.SetDefault("dispatch.auto_extract", true)
	v.SetDefault("dispatch.gemini_model", "gemini-2.5-flash")
	v.SetDefault("dispatch.min_classifier_confidence", 0.0)

	v.SetDefault("callback.secret", "")
	v.SetDefault("callback.max_attempts", 3)
	v.SetDefault("callback.initial_backoff", 200*time.Millisecond)
	v.SetDefault("callback.reconciliation_epsilon", "0.01")
	v.SetDefault("callback.max_body_bytes", 20<<20)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.buffer_size", 100)
	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.project_id", "")
	v.SetDefault("queue.topic", "intake-dispatch")
	v.SetDefault("queue.subscription", "intake-dispatch-worker")
	v.SetDefault("queue.job_history", 20)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.stuck_files_spec", "@every 1m")
	v.SetDefault("sweep.outbox_relay_spec", "@every 30s")
	v.SetDefault("sweep.processing_timeout", 30*time.Minute)
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.lock_ttl", 50*time.Second)
	v.SetDefault("sweep.location", "UTC")

	v.SetDefault("bigquery.project_id", "")
	v.SetDefault("bigquery.dataset", "intake")
	v.SetDefault("bigquery.table", "submission_metrics")

	v.SetDefault("notion.token", "")
	v.SetDefault("notion.database_id", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration. path may be empty, in which case ./config.yaml is
// used when present.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "database.url is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			problems = append(problems, "queue.project_id, queue.topic and queue.subscription are required for pubsub")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown queue.driver %q", c.Queue.Driver))
	}

	switch c.Dispatch.ClassifierMode {
	case "http", "gemini":
	default:
		problems = append(problems, fmt.Sprintf("unknown dispatch.classifier_mode %q", c.Dispatch.ClassifierMode))
	}
	if c.Dispatch.ClassifierMode == "gemini" && c.Storage.Bucket == "" {
		problems = append(problems, "storage.bucket is required for the gemini classifier")
	}

	if c.Intake.MaxFiles <= 0 {
		problems = append(problems, "intake.max_files must be positive")
	}
	if len(c.Intake.AllowedMimeTypes) == 0 {
		problems = append(problems, "intake.allowed_mime_types must not be empty")
	}
	if c.Dispatch.MaxAttempts <= 0 || c.Callback.MaxAttempts <= 0 {
		problems = append(problems, "dispatch.max_attempts and callback.max_attempts must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
