package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "polystore",
			Version:     "dev",
			Environment: "development",
			NodeID:      "node-1",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			WatchInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Saga: SagaConfig{
			MaxConcurrent:  100,
			DefaultTimeout: 0,
			StepTimeout:    30 * time.Second,
			AuditQueueSize: 1024,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				Multiplier:     2.0,
			},
			RecordStore: "badger",
		},
		Transfer: TransferConfig{
			MinChunkSize:        256 << 10,
			MaxChunkSize:        64 << 20,
			DefaultChunkSize:    8 << 20,
			MaxChunks:           10000,
			MemoryBudget:        0,
			MaxResumeAttempts:   3,
			HashAlgorithm:       "sha256",
			ProgressStore:       "badger",
			ChunkTimeout:        time.Minute,
			RecoverOnStart:      true,
			RecoveryParallelism: 4,
		},
		Batch: BatchConfig{
			MaxConcurrency: 10,
			MaxBatchSize:   1000,
			RateLimit:      0,
			RateBurst:      1,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:             "./data/badger",
				SyncWrites:       true,
				ValueLogFileSize: 1 << 28, // 256MB
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "polystore:transfer:",
			},
		},
		Backends: BackendsConfig{
			Mongo: MongoConfig{
				Database:   "polystore",
				Collection: "records",
			},
			Vector: VectorConfig{
				KeyPrefix: "polystore:vector:",
			},
			File: FileConfig{
				Root: "./data/objects",
			},
		},
		Audit: AuditConfig{
			Log: true,
			Journal: JournalConfig{
				Enabled:         true,
				Retention:       7 * 24 * time.Hour,
				CleanupInterval: time.Hour,
			},
			Publisher: PublisherConfig{
				Enabled:        false,
				Transport:      "redis",
				Stream:         "polystore:audit",
				MaxLen:         100000,
				MaxRetries:     3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
