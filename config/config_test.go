package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "polystore" {
		t.Errorf("expected app name 'polystore', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Saga.MaxConcurrent != 100 {
		t.Errorf("expected saga.max_concurrent 100, got %d", cfg.Saga.MaxConcurrent)
	}
	if cfg.Saga.Retry.MaxAttempts != 3 {
		t.Errorf("expected saga.retry.max_attempts 3, got %d", cfg.Saga.Retry.MaxAttempts)
	}
	if cfg.Transfer.HashAlgorithm != "sha256" {
		t.Errorf("expected transfer.hash_algorithm sha256, got %s", cfg.Transfer.HashAlgorithm)
	}
	if cfg.Transfer.DefaultChunkSize != 8<<20 {
		t.Errorf("expected 8MiB default chunk, got %d", cfg.Transfer.DefaultChunkSize)
	}
	if cfg.Batch.MaxConcurrency != 10 || cfg.Batch.MaxBatchSize != 1000 {
		t.Errorf("unexpected batch defaults %+v", cfg.Batch)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing app name", func(c *Config) { c.App.Name = "" }, true},
		{"missing node id", func(c *Config) { c.App.NodeID = "" }, true},
		{"invalid log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"invalid log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"zero saga concurrency", func(c *Config) { c.Saga.MaxConcurrent = 0 }, true},
		{"unknown record store", func(c *Config) { c.Saga.RecordStore = "postgres" }, true},
		{"retry multiplier below one", func(c *Config) { c.Saga.Retry.Multiplier = 0.5 }, true},
		{"unknown hash", func(c *Config) { c.Transfer.HashAlgorithm = "md5" }, true},
		{"unknown progress store", func(c *Config) { c.Transfer.ProgressStore = "s3" }, true},
		{"zero batch concurrency", func(c *Config) { c.Batch.MaxConcurrency = 0 }, true},
		{"negative rate limit", func(c *Config) { c.Batch.RateLimit = -1 }, true},
		{"unknown publisher transport", func(c *Config) { c.Audit.Publisher.Transport = "kafka" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidation_ChunkBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transfer.DefaultChunkSize = cfg.Transfer.MaxChunkSize + 1

	err := ValidateWithDetails(cfg)
	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	if !strings.Contains(details.Error(), "min_chunk_size <= default_chunk_size <= max_chunk_size") {
		t.Errorf("unexpected message: %s", details.Error())
	}

	cfg = DefaultConfig()
	cfg.Transfer.MemoryBudget = cfg.Transfer.MinChunkSize - 1
	if err := cfg.Validate(); err == nil {
		t.Error("memory budget below the minimum chunk should fail")
	}
}

func TestValidation_CrossSection(t *testing.T) {
	t.Run("redis progress store needs redis", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transfer.ProgressStore = "redis"
		cfg.Storage.Redis.Address = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected error without a redis address")
		}
	})

	t.Run("redis publisher needs redis", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Audit.Publisher.Enabled = true
		cfg.Storage.Redis.Address = " "
		if err := cfg.Validate(); err == nil {
			t.Error("expected error without a redis address")
		}
	})

	t.Run("gochannel publisher needs nothing", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Audit.Publisher.Enabled = true
		cfg.Audit.Publisher.Transport = "gochannel"
		cfg.Storage.Redis.Address = ""
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("badger stores need a path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.Badger.Path = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected error without a badger path")
		}
		cfg.Storage.Badger.InMemory = true
		if err := cfg.Validate(); err != nil {
			t.Errorf("in-memory badger should satisfy the requirement: %v", err)
		}
	})

	t.Run("memory stores need no badger", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.Badger.Path = ""
		cfg.Saga.RecordStore = "memory"
		cfg.Transfer.ProgressStore = "memory"
		cfg.Audit.Journal.Enabled = false
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestValidation_Tracing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Error("enabled tracing without endpoint should fail")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("unsupported exporter should fail")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Exporter = "  OTLPGRPC "
	if err := ValidateWithDetails(cfg); err != nil {
		t.Fatalf("exporter should normalize: %v", err)
	}
	if cfg.Tracing.Exporter != "otlpgrpc" {
		t.Errorf("expected exporter to normalize to otlpgrpc, got %q", cfg.Tracing.Exporter)
	}

	cfg = DefaultConfig()
	cfg.Tracing.Exporter = ""
	if err := ValidateWithDetails(cfg); err != nil || cfg.Tracing.Exporter != "otlpgrpc" {
		t.Errorf("empty exporter should default to otlpgrpc, got %q (%v)", cfg.Tracing.Exporter, err)
	}
}

func TestValidation_InvalidPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"valid port 80", 80, false},
		{"valid port 65535", 65535, false},
		{"invalid port 0", 0, true},
		{"invalid port -1", -1, true},
		{"invalid port 65536", 65536, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("port %d: expected error=%v, got error=%v", tt.port, tt.wantErr, err)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "server.port", Message: "must be at most 65535", Value: 99999},
		{Field: "log.level", Message: "must be one of [debug info warn error]", Value: "trace"},
	}

	msg := errs.Error()
	if !strings.Contains(msg, "server.port") || !strings.Contains(msg, "log.level") {
		t.Errorf("expected both fields in %q", msg)
	}
	if (ValidationErrors{}).Error() != "no validation errors" {
		t.Error("empty ValidationErrors should say so")
	}
}

func TestValidateWithDetails_Environment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Environment = "qa"

	err := ValidateWithDetails(cfg)
	var details ValidationErrors
	if !errors.As(err, &details) || len(details) != 1 {
		t.Fatalf("expected one detail, got %v", err)
	}
	if details[0].Field != "Config.App.Environment" {
		t.Errorf("unexpected field %s", details[0].Field)
	}
	if details[0].Message != "must be one of [development staging production]" {
		t.Errorf("unexpected message %s", details[0].Message)
	}
}

func TestConfig_String(t *testing.T) {
	s := DefaultConfig().String()
	if !strings.Contains(s, "polystore") || !strings.Contains(s, "node-1") {
		t.Errorf("unexpected string %s", s)
	}
}

func TestLoader_Defaults(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if loader.GetString("app.name") != "polystore" {
		t.Errorf("expected 'polystore', got '%s'", loader.GetString("app.name"))
	}
	if loader.GetInt("server.port") != 8080 {
		t.Errorf("expected 8080, got %d", loader.GetInt("server.port"))
	}
	if !loader.GetBool("metrics.enabled") {
		t.Error("expected metrics.enabled to be true")
	}
	if cfg.Saga.Retry.InitialBackoff != 100*time.Millisecond {
		t.Errorf("durations should survive the defaults round trip, got %v", cfg.Saga.Retry.InitialBackoff)
	}
	if cfg.Audit.Journal.Retention != 7*24*time.Hour {
		t.Errorf("unexpected retention %v", cfg.Audit.Journal.Retention)
	}
	if loader.Print() == "" {
		t.Error("expected non-empty print output")
	}
}

func TestLoader_Set(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.Load("", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := loader.Set("app.name", "custom-app"); err != nil {
		t.Errorf("unexpected error setting value: %v", err)
	}
	if loader.GetString("app.name") != "custom-app" {
		t.Errorf("expected 'custom-app', got '%s'", loader.GetString("app.name"))
	}
}

func TestLoader_LoadFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
app:
  name: yaml-test
  environment: production
server:
  port: 9999
log:
  level: debug
  format: text
saga:
  max_concurrent: 64
  step_timeout: 10s
  retry:
    max_attempts: 5
    initial_backoff: 200ms
transfer:
  hash_algorithm: xxh64
  default_chunk_size: 1048576
batch:
  max_concurrency: 4
  rate_limit: 25.5
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader().Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" || cfg.App.Environment != "production" {
		t.Errorf("unexpected app %+v", cfg.App)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Saga.MaxConcurrent != 64 || cfg.Saga.StepTimeout != 10*time.Second {
		t.Errorf("unexpected saga %+v", cfg.Saga)
	}
	if cfg.Saga.Retry.MaxAttempts != 5 || cfg.Saga.Retry.InitialBackoff != 200*time.Millisecond {
		t.Errorf("unexpected retry %+v", cfg.Saga.Retry)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Saga.Retry.MaxBackoff != 5*time.Second || cfg.Saga.Retry.Multiplier != 2.0 {
		t.Errorf("defaults lost in partial section: %+v", cfg.Saga.Retry)
	}
	if cfg.Transfer.HashAlgorithm != "xxh64" || cfg.Transfer.DefaultChunkSize != 1<<20 {
		t.Errorf("unexpected transfer %+v", cfg.Transfer)
	}
	if cfg.Transfer.MaxChunkSize != 64<<20 {
		t.Errorf("expected default max chunk, got %d", cfg.Transfer.MaxChunkSize)
	}
	if cfg.Batch.MaxConcurrency != 4 || cfg.Batch.RateLimit != 25.5 {
		t.Errorf("unexpected batch %+v", cfg.Batch)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	jsonContent := `{"app": {"name": "json-test", "node_id": "node-7"}, "server": {"port": 8181}}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.App.Name != "json-test" || cfg.App.NodeID != "node-7" || cfg.Server.Port != 8181 {
		t.Errorf("unexpected config %s", cfg)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	if _, err := NewLoader().Load("/nonexistent/config.yaml", nil); err == nil {
		t.Error("expected error for missing file")
	}

	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := NewLoader().Load(configPath, nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_InvalidValuesFailValidation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := NewLoader().Load(configPath, nil)
	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("POLYSTORE_APP__NAME", "env-test")
	t.Setenv("POLYSTORE_SERVER__PORT", "7777")
	t.Setenv("POLYSTORE_SAGA__MAX_CONCURRENT", "12")
	t.Setenv("POLYSTORE_TRANSFER__CHUNK_TIMEOUT", "45s")

	cfg, err := NewLoader().Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.App.Name != "env-test" {
		t.Errorf("expected app name from env, got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected port from env, got %d", cfg.Server.Port)
	}
	if cfg.Saga.MaxConcurrent != 12 {
		t.Errorf("expected saga.max_concurrent from env, got %d", cfg.Saga.MaxConcurrent)
	}
	if cfg.Transfer.ChunkTimeout != 45*time.Second {
		t.Errorf("expected chunk timeout from env, got %v", cfg.Transfer.ChunkTimeout)
	}
}

func TestLoader_OverridesWin(t *testing.T) {
	t.Setenv("POLYSTORE_LOG__LEVEL", "warn")

	cfg, err := Load("", map[string]interface{}{
		"log.level":             "error",
		"batch.max_concurrency": 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("override should beat env, got %s", cfg.Log.Level)
	}
	if cfg.Batch.MaxConcurrency != 2 {
		t.Errorf("expected override concurrency, got %d", cfg.Batch.MaxConcurrency)
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for invalid config file")
		}
	}()

	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"POLYSTORE_LOG__LEVEL":                 "log.level",
		"POLYSTORE_SAGA__RETRY__MAX_ATTEMPTS":  "saga.retry.max_attempts",
		"POLYSTORE_STORAGE__BADGER__IN_MEMORY": "storage.badger.in_memory",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%s) = %s, want %s", in, got, want)
		}
	}
}
