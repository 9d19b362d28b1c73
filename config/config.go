// Package config provides configuration management for the lexflow pipeline.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values (every tunable below has one)
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.lexflow/config.yaml, /etc/lexflow/config.yaml)
//  3. .env files
//  4. Environment variables with the LEXFLOW_ prefix, underscores for
//     nesting (LEXFLOW_REDIS_URL, LEXFLOW_WORKER_SOFT_TIME_LIMIT, ...)
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RedisConfig configures the state store and task queues.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string `mapstructure:"url"`

	// KeyPrefix is prepended to every queue key
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig configures the persistent store.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string
	DSN string `mapstructure:"dsn"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// S3Config configures the blob store. Endpoint is optional and enables
// MinIO-compatible deployments.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`

	// PathStyle forces path-style addressing (required for MinIO)
	PathStyle bool `mapstructure:"path_style"`
}

// OCRConfig configures the OCR adapter's polling loop and preflight.
type OCRConfig struct {
	// InitialDelay before the first poll after submit
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// PollInterval between provider status checks
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// MaxPolls bounds the polling loop; exhaustion fails with ocr_timeout
	MaxPolls int `mapstructure:"max_polls"`

	// SubmitRetries bounds submission attempts
	SubmitRetries int `mapstructure:"submit_retries"`

	// ScannedThreshold: a PDF with readable text blocks <= threshold is
	// treated as scanned and rasterized page by page
	ScannedThreshold int `mapstructure:"scanned_threshold"`

	// ConvertDPI is the raster resolution for scanned-page conversion
	ConvertDPI int `mapstructure:"convert_dpi"`
}

// ChunkingConfig configures the deterministic chunker.
type ChunkingConfig struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	OverlapTokens int `mapstructure:"overlap_tokens"`
	MinChunkChars int `mapstructure:"min_chunk_chars"`
}

// ExtractionConfig configures the entity extractor.
type ExtractionConfig struct {
	// DropUnknownTypes drops mentions outside the whitelist instead of
	// re-typing them to OTHER
	DropUnknownTypes bool `mapstructure:"drop_unknown_types"`

	// FallbackAfter switches to the local extractor after this many
	// consecutive provider failures within a document
	FallbackAfter int `mapstructure:"fallback_after"`

	// RatePerSecond and RateBurst configure the shared provider bucket
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// ResolutionConfig configures the entity resolver.
type ResolutionConfig struct {
	// FuzzyThreshold is the minimum similarity for a fuzzy merge
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
}

// RelationshipConfig configures the relationship builder.
type RelationshipConfig struct {
	// MinConfidence drops candidate edges below this score
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// WorkerConfig configures the task runtime.
type WorkerConfig struct {
	// Queues maps queue name to worker count
	Queues map[string]int `mapstructure:"queues"`

	SoftTimeLimit time.Duration `mapstructure:"soft_time_limit"`
	HardTimeLimit time.Duration `mapstructure:"hard_time_limit"`

	// MemoryCeilingMB restarts a worker child that exceeds it
	MemoryCeilingMB int `mapstructure:"memory_ceiling_mb"`

	// MaxRetries bounds automatic retries per task
	MaxRetries int `mapstructure:"max_retries"`

	// LockTTL is the default stage lock TTL; OCRLockTTL overrides it for
	// the OCR stage
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	OCRLockTTL time.Duration `mapstructure:"ocr_lock_ttl"`
}

// BatchConfig configures the batch orchestrator and cache warmer.
type BatchConfig struct {
	// WarmThreshold is the minimum batch size that triggers cache warming
	WarmThreshold int `mapstructure:"warm_threshold"`

	// BackpressureDepth delays new enqueues when queue depth exceeds it
	BackpressureDepth int `mapstructure:"backpressure_depth"`

	// BackpressureDelay is how long a batch's tasks are held back when
	// submitted over the backpressure threshold
	BackpressureDelay time.Duration `mapstructure:"backpressure_delay"`

	// RecoveryDelay is the minimum delay for the delayed recovery strategy
	RecoveryDelay time.Duration `mapstructure:"recovery_delay"`

	// WarmTTL is the TTL on warmed cache entries
	WarmTTL time.Duration `mapstructure:"warm_ttl"`
}

// AMQPConfig configures the optional task event mirror.
type AMQPConfig struct {
	// URL enables the mirror when non-empty
	URL       string `mapstructure:"url"`
	QueueName string `mapstructure:"queue_name"`
}

// ProviderConfig locates the external OCR and LLM services.
type ProviderConfig struct {
	// OCRURL is the base URL of the async OCR job API
	OCRURL string `mapstructure:"ocr_url"`

	// LLMURL is the base URL of the extraction/relationship function
	LLMURL string `mapstructure:"llm_url"`

	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the pipeline.
type Config struct {
	Redis         RedisConfig        `mapstructure:"redis"`
	Postgres      PostgresConfig     `mapstructure:"postgres"`
	S3            S3Config           `mapstructure:"s3"`
	OCR           OCRConfig          `mapstructure:"ocr"`
	Chunking      ChunkingConfig     `mapstructure:"chunking"`
	Extraction    ExtractionConfig   `mapstructure:"extraction"`
	Resolution    ResolutionConfig   `mapstructure:"resolution"`
	Relationships RelationshipConfig `mapstructure:"relationships"`
	Worker        WorkerConfig       `mapstructure:"worker"`
	Batch         BatchConfig        `mapstructure:"batch"`
	Providers     ProviderConfig     `mapstructure:"providers"`
	AMQP          AMQPConfig         `mapstructure:"amqp"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a configuration loader with the given environment
// prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetPipelineDefaults sets the documented defaults for every tunable.
func (l *Loader) SetPipelineDefaults() {
	l.v.SetDefault("redis.url", "redis://localhost:6379/0")
	l.v.SetDefault("redis.key_prefix", "lexflow:")

	l.v.SetDefault("postgres.dsn", "host=localhost port=5432 user=lexflow dbname=lexflow sslmode=disable")
	l.v.SetDefault("postgres.max_idle_conns", 10)
	l.v.SetDefault("postgres.max_open_conns", 100)
	l.v.SetDefault("postgres.conn_max_lifetime", "1h")

	l.v.SetDefault("s3.region", "us-east-1")
	l.v.SetDefault("s3.bucket", "lexflow-documents")
	l.v.SetDefault("s3.path_style", false)

	l.v.SetDefault("ocr.initial_delay", "5s")
	l.v.SetDefault("ocr.poll_interval", "5s")
	l.v.SetDefault("ocr.max_polls", 30)
	l.v.SetDefault("ocr.submit_retries", 3)
	l.v.SetDefault("ocr.scanned_threshold", 0)
	l.v.SetDefault("ocr.convert_dpi", 300)

	l.v.SetDefault("chunking.max_tokens", 500)
	l.v.SetDefault("chunking.overlap_tokens", 50)
	l.v.SetDefault("chunking.min_chunk_chars", 100)

	l.v.SetDefault("extraction.drop_unknown_types", false)
	l.v.SetDefault("extraction.fallback_after", 3)
	l.v.SetDefault("extraction.rate_per_second", 5.0)
	l.v.SetDefault("extraction.rate_burst", 10)

	l.v.SetDefault("resolution.fuzzy_threshold", 0.85)

	l.v.SetDefault("relationships.min_confidence", 0.5)

	l.v.SetDefault("worker.queues", map[string]int{
		"default": 2, "ocr": 2, "text": 2, "entity": 2, "graph": 1, "cleanup": 1,
		"batch.high": 2, "batch.normal": 2, "batch.low": 1,
	})
	l.v.SetDefault("worker.soft_time_limit", "55m")
	l.v.SetDefault("worker.hard_time_limit", "65m")
	l.v.SetDefault("worker.memory_ceiling_mb", 512)
	l.v.SetDefault("worker.max_retries", 3)
	l.v.SetDefault("worker.lock_ttl", "30m")
	l.v.SetDefault("worker.ocr_lock_ttl", "60m")

	l.v.SetDefault("batch.warm_threshold", 5)
	l.v.SetDefault("batch.backpressure_depth", 100)
	l.v.SetDefault("batch.backpressure_delay", "2m")
	l.v.SetDefault("batch.recovery_delay", "10m")
	l.v.SetDefault("batch.warm_ttl", "1h")

	l.v.SetDefault("providers.ocr_url", "")
	l.v.SetDefault("providers.llm_url", "")
	l.v.SetDefault("providers.timeout", "60s")

	l.v.SetDefault("amqp.url", "")
	l.v.SetDefault("amqp.queue_name", "lexflow-events")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables into
// target.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.lexflow")
		l.v.AddConfigPath("/etc/lexflow")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// Load is the convenience entry point: pipeline defaults, LEXFLOW_ env
// prefix, optional config file.
func Load(cfgFile string) (*Config, error) {
	loader := NewLoader("LEXFLOW")
	loader.SetPipelineDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func Validate(cfg *Config) error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if cfg.Chunking.OverlapTokens >= cfg.Chunking.MaxTokens {
		return fmt.Errorf("chunking overlap (%d) must be smaller than max tokens (%d)",
			cfg.Chunking.OverlapTokens, cfg.Chunking.MaxTokens)
	}
	if cfg.Worker.SoftTimeLimit > cfg.Worker.HardTimeLimit {
		return fmt.Errorf("worker soft time limit exceeds hard time limit")
	}
	if cfg.Resolution.FuzzyThreshold <= 0 || cfg.Resolution.FuzzyThreshold > 1 {
		return fmt.Errorf("resolution fuzzy threshold must be in (0,1]: %f", cfg.Resolution.FuzzyThreshold)
	}
	return nil
}

// StageLockTTL returns the lock TTL for a stage name; OCR carries a longer
// TTL than the other stages.
func (w WorkerConfig) StageLockTTL(stage string) time.Duration {
	if stage == "ocr" {
		return w.OCRLockTTL
	}
	return w.LockTTL
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
