// Package config loads the extract-router configuration and initializes
// logging.
package config

import (
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/extract-router/internal/cost"
	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Providers    []string           `yaml:"providers" mapstructure:"providers"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Store        store.Options      `yaml:"store" mapstructure:"store"`
	Health       HealthConfig       `yaml:"health" mapstructure:"health"`
	Quality      QualityConfig      `yaml:"quality" mapstructure:"quality"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Pricing      cost.Rates         `yaml:"pricing" mapstructure:"pricing"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// HealthConfig configures the per-provider circuit breaker.
type HealthConfig struct {
	UnhealthyThreshold int `yaml:"unhealthy_threshold" mapstructure:"unhealthy_threshold"`
	OpenTimeoutSecs    int `yaml:"open_timeout_secs" mapstructure:"open_timeout_secs"`
	HalfOpenSuccesses  int `yaml:"half_open_successes" mapstructure:"half_open_successes"`
	HalfOpenMaxCalls   int `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls"`
}

// QualityConfig configures quality tracking and the routing thresholds.
type QualityConfig struct {
	WindowSize    int                          `yaml:"window_size" mapstructure:"window_size"`
	Thresholds    model.QualityThresholdConfig `yaml:"thresholds" mapstructure:"thresholds"`
	ThresholdFile string                       `yaml:"threshold_file" mapstructure:"threshold_file"`
}

// OrchestratorConfig configures provider selection.
type OrchestratorConfig struct {
	Strategy           string                     `yaml:"strategy" mapstructure:"strategy"`
	Priority           []string                   `yaml:"priority" mapstructure:"priority"`
	CallTimeoutSecs    int                        `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	SkipOpenCircuits   bool                       `yaml:"skip_open_circuits" mapstructure:"skip_open_circuits"`
	FallbackToCheapest bool                       `yaml:"fallback_to_cheapest" mapstructure:"fallback_to_cheapest"`
	MaxQualityAttempts int                        `yaml:"max_quality_attempts" mapstructure:"max_quality_attempts"`
	RateLimits         map[string]RateLimitConfig `yaml:"rate_limits" mapstructure:"rate_limits"`
}

// RateLimitConfig limits calls to one provider.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" mapstructure:"per_second"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background provider checks.
type MonitoringConfig struct {
	Enabled            bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs  int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LatencyThresholdMs float64 `yaml:"latency_threshold_ms" mapstructure:"latency_threshold_ms"`
	CostThresholdUSD   float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// ProviderSet returns the configured providers.
func (c *Config) ProviderSet() model.ProviderSet {
	ids := make([]model.ProviderID, 0, len(c.Providers))
	for _, p := range c.Providers {
		ids = append(ids, model.ProviderID(p))
	}
	return model.NewProviderSet(ids...)
}

// Load reads configuration from file and environment, then overlays the
// thresholds saved in the threshold file.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EXTRACT_ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	thresholds := model.DefaultQualityThresholds()
	v.SetDefault("providers", []string{"anthropic", "mistral", "openai"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "json")
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.database_url", "")
	v.SetDefault("health.unhealthy_threshold", 5)
	v.SetDefault("health.open_timeout_secs", 60)
	v.SetDefault("health.half_open_successes", 2)
	v.SetDefault("health.half_open_max_calls", 3)
	v.SetDefault("quality.window_size", model.DefaultEvaluationWindow)
	v.SetDefault("quality.thresholds.min_average_confidence", thresholds.MinimumAverageConfidence)
	v.SetDefault("quality.thresholds.min_field_completeness_pct", thresholds.MinimumFieldCompletenessPct)
	v.SetDefault("quality.thresholds.max_validation_failure_rate_pct", thresholds.MaximumValidationFailureRatePct)
	v.SetDefault("quality.thresholds.evaluation_window_size", thresholds.EvaluationWindowSize)
	v.SetDefault("quality.threshold_file", "data/quality_thresholds.yaml")
	v.SetDefault("orchestrator.strategy", "failover")
	v.SetDefault("orchestrator.call_timeout_secs", 30)
	v.SetDefault("orchestrator.skip_open_circuits", true)
	v.SetDefault("orchestrator.fallback_to_cheapest", false)
	v.SetDefault("orchestrator.max_quality_attempts", 0)
	v.SetDefault("pricing.per_call.mistral", 0.004)
	v.SetDefault("pricing.tokens.anthropic.input", 3.00)
	v.SetDefault("pricing.tokens.anthropic.output", 15.00)
	v.SetDefault("pricing.tokens.anthropic.batch_discount", 0.5)
	v.SetDefault("pricing.tokens.anthropic.avg_input_tokens", 4000)
	v.SetDefault("pricing.tokens.anthropic.avg_output_tokens", 400)
	v.SetDefault("pricing.tokens.openai.input", 2.50)
	v.SetDefault("pricing.tokens.openai.output", 10.00)
	v.SetDefault("pricing.tokens.openai.batch_discount", 0.5)
	v.SetDefault("pricing.tokens.openai.avg_input_tokens", 4000)
	v.SetDefault("pricing.tokens.openai.avg_output_tokens", 400)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.latency_threshold_ms", 10000)
	v.SetDefault("monitoring.cost_threshold_usd", 0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Quality.ThresholdFile != "" {
		saved, ok, err := LoadThresholds(cfg.Quality.ThresholdFile)
		if err != nil {
			return nil, err
		}
		if ok {
			cfg.Quality.Thresholds = saved
		}
	}

	return &cfg, nil
}

// Validate checks the settings needed by the given mode: "admin" for the
// read and reset commands, "serve" for the long-running server.
func (c *Config) Validate(mode string) error {
	var errs []string

	if len(c.ProviderSet().IDs()) == 0 {
		errs = append(errs, "providers must list at least one provider")
	}
	switch c.Store.Driver {
	case "", "json", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be json, sqlite or postgres")
	}
	if c.Health.UnhealthyThreshold < 1 {
		errs = append(errs, "health.unhealthy_threshold must be >= 1")
	}
	if c.Health.HalfOpenMaxCalls > 0 && c.Health.HalfOpenMaxCalls < c.Health.HalfOpenSuccesses {
		errs = append(errs, "health.half_open_max_calls must be >= health.half_open_successes")
	}
	if c.Quality.WindowSize < model.MinEvaluationWindow {
		errs = append(errs, "quality.window_size must be >= 10")
	}
	if err := c.Quality.Thresholds.Validate(); err != nil {
		errs = append(errs, "quality.thresholds.evaluation_window_size must be >= 10")
	}
	t := c.Quality.Thresholds
	if t.MinimumAverageConfidence < 0 || t.MinimumAverageConfidence > 1 {
		errs = append(errs, "quality.thresholds.min_average_confidence must be between 0 and 1")
	}
	if t.MinimumFieldCompletenessPct < 0 || t.MinimumFieldCompletenessPct > 100 {
		errs = append(errs, "quality.thresholds.min_field_completeness_pct must be between 0 and 100")
	}
	if t.MaximumValidationFailureRatePct < 0 || t.MaximumValidationFailureRatePct > 100 {
		errs = append(errs, "quality.thresholds.max_validation_failure_rate_pct must be between 0 and 100")
	}

	switch mode {
	case "admin":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.CheckIntervalSecs <= 0 {
			errs = append(errs, "monitoring.check_interval_secs must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
