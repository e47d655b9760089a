// Package config provides configuration management for polystore.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for polystore.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Saga configures the orchestrator.
	Saga SagaConfig `mapstructure:"saga"`

	// Transfer configures chunked transfers.
	Transfer TransferConfig `mapstructure:"transfer"`

	// Batch configures the batch coordinator.
	Batch BatchConfig `mapstructure:"batch"`

	// Storage holds the coordinator's own persistence.
	Storage StorageConfig `mapstructure:"storage"`

	// Backends are the stores sagas write to.
	Backends BackendsConfig `mapstructure:"backends"`

	// Audit configures audit sinks.
	Audit AuditConfig `mapstructure:"audit"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// NodeID identifies this process in published audit envelopes.
	NodeID string `mapstructure:"node_id" validate:"required"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Enabled starts the HTTP API in serve mode.
	Enabled bool `mapstructure:"enabled"`

	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// WatchInterval is how often the progress websocket polls for changes.
	WatchInterval time.Duration `mapstructure:"watch_interval" validate:"gt=0"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// SagaConfig holds orchestrator settings.
type SagaConfig struct {
	// MaxConcurrent bounds sagas running at once.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1"`

	// DefaultTimeout applies to definitions without their own timeout. 0 disables it.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"min=0"`

	// StepTimeout applies to steps without their own timeout. 0 disables it.
	StepTimeout time.Duration `mapstructure:"step_timeout" validate:"min=0"`

	// AuditQueueSize is the audit dispatch buffer.
	AuditQueueSize int `mapstructure:"audit_queue_size" validate:"min=1"`

	// Retry is the default retry policy for retryable steps.
	Retry RetryConfig `mapstructure:"retry"`

	// RecordStore keeps saga records (memory, badger).
	RecordStore string `mapstructure:"record_store" validate:"oneof=memory badger"`
}

// RetryConfig mirrors saga.RetryPolicy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"min=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"min=0"`
	Multiplier     float64       `mapstructure:"multiplier" validate:"gte=1"`
}

// TransferConfig holds chunked transfer settings.
type TransferConfig struct {
	MinChunkSize     int64 `mapstructure:"min_chunk_size" validate:"min=1"`
	MaxChunkSize     int64 `mapstructure:"max_chunk_size" validate:"min=1"`
	DefaultChunkSize int64 `mapstructure:"default_chunk_size" validate:"min=1"`
	MaxChunks        int64 `mapstructure:"max_chunks" validate:"min=1"`

	// MemoryBudget caps the chunk buffer of a single transfer. 0 means no cap.
	MemoryBudget int64 `mapstructure:"memory_budget" validate:"min=0"`

	// MaxResumeAttempts bounds resumes per transfer.
	MaxResumeAttempts int `mapstructure:"max_resume_attempts" validate:"min=1"`

	// HashAlgorithm is sha256 or xxh64.
	HashAlgorithm string `mapstructure:"hash_algorithm" validate:"oneof=sha256 xxh64"`

	// ProgressStore keeps progress records (memory, badger, redis).
	ProgressStore string `mapstructure:"progress_store" validate:"oneof=memory badger redis"`

	// ChunkTimeout bounds one chunk write.
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout" validate:"gt=0"`

	// RecoverOnStart resumes interrupted transfers when serve starts.
	RecoverOnStart bool `mapstructure:"recover_on_start"`

	// RecoveryParallelism bounds concurrent resumes during recovery.
	RecoveryParallelism int `mapstructure:"recovery_parallelism" validate:"min=1"`
}

// BatchConfig holds batch coordinator settings.
type BatchConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"min=1"`
	MaxBatchSize   int `mapstructure:"max_batch_size" validate:"min=1"`

	// RateLimit is dispatches per second. 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// InMemory runs badger without touching disk.
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// KeyPrefix namespaces progress keys.
	KeyPrefix string `mapstructure:"key_prefix"`

	// ProgressTTL expires progress records. 0 keeps them.
	ProgressTTL time.Duration `mapstructure:"progress_ttl" validate:"min=0"`
}

// BackendsConfig lists the stores sagas write to. Empty settings leave a
// backend unconfigured.
type BackendsConfig struct {
	// Postgres is the relational backend.
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Mongo is the graph/document backend.
	Mongo MongoConfig `mapstructure:"mongo"`

	// Vector is the redis-backed vector record backend.
	Vector VectorConfig `mapstructure:"vector"`

	// File is the blob backend transfers write to.
	File FileConfig `mapstructure:"file"`
}

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MongoConfig configures the document backend.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// VectorConfig configures the vector backend on storage.redis.
type VectorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// FileConfig configures the blob backend. An empty root keeps chunks in memory.
type FileConfig struct {
	Root string `mapstructure:"root"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	// Log writes audit events to the process logger.
	Log bool `mapstructure:"log"`

	// Journal persists audit events in badger.
	Journal JournalConfig `mapstructure:"journal"`

	// Publisher streams audit events to subscribers.
	Publisher PublisherConfig `mapstructure:"publisher"`
}

// JournalConfig configures the badger audit journal.
type JournalConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Retention       time.Duration `mapstructure:"retention" validate:"min=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"min=0"`
}

// PublisherConfig configures audit event publishing.
type PublisherConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Transport is redis (stream on storage.redis) or gochannel (in process,
	// relayed to the saga event websocket).
	Transport string `mapstructure:"transport" validate:"oneof=redis gochannel"`

	// Stream is the redis stream name or the gochannel topic.
	Stream string `mapstructure:"stream"`

	// MaxLen trims the stream approximately. 0 disables trimming.
	MaxLen int64 `mapstructure:"max_len" validate:"min=0"`

	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"min=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"min=0"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter; only otlpgrpc is supported.
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds one export.
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`

	// Sampler is always_on, always_off or parentbased_traceidratio.
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Node: %s, Server: :%d, Env: %s}",
		c.App.Name, c.App.NodeID, c.Server.Port, c.App.Environment)
}
