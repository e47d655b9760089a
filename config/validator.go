package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateTransfer, TransferConfig{})
	validate.RegisterStructValidation(validateTracing, TracingConfig{})
	validate.RegisterStructValidation(validateConfig, Config{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails normalizes cfg and returns detailed validation errors.
func ValidateWithDetails(cfg *Config) error {
	normalize(cfg)
	if err := validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var details ValidationErrors
			for _, fe := range validationErrors {
				details = append(details, ConfigError{
					Field:   fe.Namespace(),
					Message: formatValidationError(fe),
					Value:   fe.Value(),
				})
			}
			return details
		}
		return err
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Tracing.Exporter = strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter))
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "otlpgrpc"
	}
	cfg.Transfer.HashAlgorithm = strings.ToLower(strings.TrimSpace(cfg.Transfer.HashAlgorithm))
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "chunk_bounds":
		return "must satisfy min_chunk_size <= default_chunk_size <= max_chunk_size"
	case "memory_budget":
		return "must be 0 or at least min_chunk_size"
	case "required_when_enabled":
		return "is required when tracing is enabled"
	case "requires_redis":
		return "requires storage.redis.address"
	case "requires_badger":
		return "requires storage.badger.path or storage.badger.in_memory"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}

func validateTransfer(sl validator.StructLevel) {
	t := sl.Current().Interface().(TransferConfig)
	if t.MinChunkSize > t.DefaultChunkSize || t.DefaultChunkSize > t.MaxChunkSize {
		sl.ReportError(t.DefaultChunkSize, "DefaultChunkSize", "default_chunk_size", "chunk_bounds", "")
	}
	if t.MemoryBudget != 0 && t.MemoryBudget < t.MinChunkSize {
		sl.ReportError(t.MemoryBudget, "MemoryBudget", "memory_budget", "memory_budget", "")
	}
}

func validateTracing(sl validator.StructLevel) {
	t := sl.Current().Interface().(TracingConfig)
	if !t.Enabled {
		return
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		sl.ReportError(t.Endpoint, "Endpoint", "endpoint", "required_when_enabled", "")
	}
	if t.Timeout <= 0 {
		sl.ReportError(t.Timeout, "Timeout", "timeout", "required_when_enabled", "")
	}
}

// validateConfig checks settings that span sections.
func validateConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	redisReady := strings.TrimSpace(c.Storage.Redis.Address) != ""
	badgerReady := c.Storage.Badger.InMemory || strings.TrimSpace(c.Storage.Badger.Path) != ""

	if c.Transfer.ProgressStore == "redis" && !redisReady {
		sl.ReportError(c.Transfer.ProgressStore, "Transfer.ProgressStore", "progress_store", "requires_redis", "")
	}
	if c.Audit.Publisher.Enabled && c.Audit.Publisher.Transport == "redis" && !redisReady {
		sl.ReportError(c.Audit.Publisher.Transport, "Audit.Publisher.Transport", "transport", "requires_redis", "")
	}
	if c.Backends.Vector.Enabled && !redisReady {
		sl.ReportError(c.Backends.Vector.Enabled, "Backends.Vector.Enabled", "enabled", "requires_redis", "")
	}
	needsBadger := c.Saga.RecordStore == "badger" || c.Transfer.ProgressStore == "badger" || c.Audit.Journal.Enabled
	if needsBadger && !badgerReady {
		sl.ReportError(c.Storage.Badger.Path, "Storage.Badger.Path", "path", "requires_badger", "")
	}
}
