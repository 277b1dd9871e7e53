// Package config loads the pipeline configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rewired-gh/peerless/internal/ensemble"
	"github.com/rewired-gh/peerless/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. PEERLESS_PIPELINE_SEED.
const EnvPrefix = "PEERLESS"

var validate = newValidator()

// newValidator reports fields by their mapstructure key.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Config represents the complete application configuration
type Config struct {
	Pipeline   ensemble.Config  `mapstructure:"pipeline"`
	Candidates CandidatesConfig `mapstructure:"candidates"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CandidatesConfig controls aggregation output.
type CandidatesConfig struct {
	// Window is the deduplication width in days.
	Window float64 `mapstructure:"window" default:"4.0" validate:"gt=0"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	Enabled    bool          `mapstructure:"enabled"`
	TopK       int           `mapstructure:"top_k" default:"10" validate:"gte=1"`
	MaxRetries int           `mapstructure:"max_retries" default:"3" validate:"gte=1"`
	RetryDelay time.Duration `mapstructure:"retry_delay" default:"1s"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	// DBPath of "" uses the temp directory.
	DBPath string `mapstructure:"db_path"`
}

// MetricsConfig holds textfile exporter configuration
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" default:"peerless"`
	// TextfilePath of "" disables the export.
	TextfilePath string `mapstructure:"textfile_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" default:"info"`
	Format string `mapstructure:"format" default:"json"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Struct defaults fill nested component settings viper has no key for.
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the keys that can be overridden from the environment.
func setDefaults(v *viper.Viper) {
	// Pipeline defaults
	v.SetDefault("pipeline.half_width", 100)
	v.SetDefault("pipeline.seed", 0)
	v.SetDefault("pipeline.normalization", "log-median")
	v.SetDefault("pipeline.precision_required", 1.0)
	v.SetDefault("pipeline.ntrain", 0)
	v.SetDefault("pipeline.parallel", false)
	v.SetDefault("pipeline.injection.npos", 20000)
	v.SetDefault("pipeline.injection.nneg", 0)
	v.SetDefault("pipeline.forest.n_estimators", 1000)
	v.SetDefault("pipeline.forest.workers", 0)

	v.SetDefault("candidates.window", 4.0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.top_k", 10)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")

	v.SetDefault("storage.db_path", "")

	v.SetDefault("metrics.namespace", "peerless")
	v.SetDefault("metrics.textfile_path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid. Every failure
// wraps models.ErrConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("%w: %s", models.ErrConfiguration, fieldMessage(ve[0]))
		}
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}

	p := c.Pipeline
	if p.Normalization != "log-median" {
		return fmt.Errorf("%w: pipeline.normalization must be one of: log-median", models.ErrConfiguration)
	}
	if p.Injection.MaxRad >= p.Injection.SRad {
		return fmt.Errorf("%w: pipeline.injection.max_rad must be smaller than pipeline.injection.srad", models.ErrConfiguration)
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("%w: telegram.bot_token is required when telegram is enabled", models.ErrConfiguration)
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("%w: telegram.chat_id is required when telegram is enabled", models.ErrConfiguration)
		}
	}
	if c.Telegram.RetryDelay < 0 {
		return fmt.Errorf("%w: telegram.retry_delay must not be negative", models.ErrConfiguration)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", models.ErrConfiguration)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", models.ErrConfiguration)
	}

	return nil
}

// fieldMessage renders a validator failure with the YAML key path.
func fieldMessage(fe validator.FieldError) string {
	key := keyPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", key)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", key, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", key, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", key, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", key, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be smaller than %s", key, snake(fe.Param()))
	default:
		return fmt.Sprintf("%s failed on %s", key, fe.Tag())
	}
}

// keyPath drops the root type from a validator namespace.
func keyPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// snake converts a Go field name passed as a tag parameter.
func snake(s string) string {
	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 && (rs[i-1] < 'A' || rs[i-1] > 'Z') {
			b.WriteByte('_')
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GetPipelineConfig returns the pipeline configuration
func (c *Config) GetPipelineConfig() ensemble.Config {
	return c.Pipeline
}

// GetTelegramConfig returns the Telegram configuration
func (c *Config) GetTelegramConfig() TelegramConfig {
	return c.Telegram
}

// GetStorageConfig returns the Storage configuration
func (c *Config) GetStorageConfig() StorageConfig {
	return c.Storage
}

// GetLoggingConfig returns the Logging configuration
func (c *Config) GetLoggingConfig() LoggingConfig {
	return c.Logging
}
