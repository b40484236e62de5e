// Package config loads runtime settings from defaults, an optional YAML file
// and TOOLFLOW_ environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/tool-orchestrator/events"
	"github.com/songzhibin97/tool-orchestrator/logger"
	"github.com/songzhibin97/tool-orchestrator/monitoring"
	"github.com/songzhibin97/tool-orchestrator/types"
	"github.com/songzhibin97/tool-orchestrator/workflow"
)

const (
	// AppName is the config file base name searched for when no file is given.
	AppName = "toolflow"

	// EnvPrefix prefixes environment overrides, e.g. TOOLFLOW_LOG_LEVEL.
	EnvPrefix = "TOOLFLOW"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete runtime configuration.
type Config struct {
	Log        logger.Config    `mapstructure:"log"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	DataFlow   DataFlowConfig   `mapstructure:"dataflow"`
	Redis      RedisConfig      `mapstructure:"redis"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// WorkflowConfig holds engine defaults applied when a definition has none.
type WorkflowConfig struct {
	TimeoutMs uint64      `mapstructure:"timeout_ms"`
	Retry     RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     uint32  `mapstructure:"max_attempts"`
	InitialDelayMs  uint64  `mapstructure:"initial_delay_ms"`
	MaxDelayMs      uint64  `mapstructure:"max_delay_ms"`
	ExponentialBase float64 `mapstructure:"exponential_base"`
}

// Policy converts to the engine's retry policy.
func (r RetryConfig) Policy() types.RetryConfig {
	return types.RetryConfig{
		MaxAttempts:     r.MaxAttempts,
		InitialDelayMs:  r.InitialDelayMs,
		MaxDelayMs:      r.MaxDelayMs,
		ExponentialBase: r.ExponentialBase,
	}
}

type MonitoringConfig struct {
	Enabled    bool                             `mapstructure:"enabled"`
	Thresholds monitoring.PerformanceThresholds `mapstructure:"thresholds"`
	// HealthSweep is a cron spec such as "@every 30s"; empty disables sweeps.
	HealthSweep string `mapstructure:"health_sweep"`
}

type DataFlowConfig struct {
	Validation bool `mapstructure:"validation"`
}

// RedisConfig enables event forwarding when Addr is set.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Channel     string        `mapstructure:"channel"`
	PoolSize    int           `mapstructure:"pool_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// Enabled reports whether an address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// Options converts to the event publisher's options.
func (r RedisConfig) Options() events.RedisOptions {
	return events.RedisOptions{
		Addr:        r.Addr,
		Password:    r.Password,
		DB:          r.DB,
		Channel:     r.Channel,
		PoolSize:    r.PoolSize,
		IdleTimeout: r.IdleTimeout,
	}
}

func setDefaults(v *viper.Viper) {
	def := logger.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.file", "")

	retry := types.DefaultRetryConfig()
	v.SetDefault("workflow.timeout_ms", workflow.DefaultWorkflowTimeoutMs)
	v.SetDefault("workflow.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("workflow.retry.initial_delay_ms", retry.InitialDelayMs)
	v.SetDefault("workflow.retry.max_delay_ms", retry.MaxDelayMs)
	v.SetDefault("workflow.retry.exponential_base", retry.ExponentialBase)

	th := monitoring.DefaultThresholds()
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.thresholds.max_response_time_ms", th.MaxResponseTimeMs)
	v.SetDefault("monitoring.thresholds.max_error_rate", th.MaxErrorRate)
	v.SetDefault("monitoring.thresholds.min_uptime_percentage", th.MinUptimePercentage)
	v.SetDefault("monitoring.thresholds.max_consecutive_failures", th.MaxConsecutiveFailures)
	v.SetDefault("monitoring.health_sweep", "")

	v.SetDefault("dataflow.validation", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", events.DefaultRedisChannel)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.idle_timeout", 5*time.Minute)
}

// Load reads configuration. An explicit path must exist; without one,
// toolflow.yaml is looked up in the working directory and
// $HOME/.config/toolflow, and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/" + AppName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	r := c.Workflow.Retry
	if r.MaxAttempts == 0 {
		errs = append(errs, errors.New("workflow.retry.max_attempts must be at least 1"))
	}
	if r.ExponentialBase < 1 {
		errs = append(errs, errors.New("workflow.retry.exponential_base must be at least 1"))
	}
	if r.MaxDelayMs < r.InitialDelayMs {
		errs = append(errs, errors.New("workflow.retry.max_delay_ms must not be below initial_delay_ms"))
	}
	th := c.Monitoring.Thresholds
	if th.MaxErrorRate < 0 || th.MaxErrorRate > 1 {
		errs = append(errs, errors.New("monitoring.thresholds.max_error_rate must be within [0, 1]"))
	}
	if th.MinUptimePercentage < 0 || th.MinUptimePercentage > 100 {
		errs = append(errs, errors.New("monitoring.thresholds.min_uptime_percentage must be within [0, 100]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
