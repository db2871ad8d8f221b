package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Scope     ScopeConfig     `yaml:"scope" mapstructure:"scope"`
	Budget    BudgetConfig    `yaml:"budget" mapstructure:"budget"`
	Waterfall WaterfallConfig `yaml:"waterfall" mapstructure:"waterfall"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ScopeConfig configures action-context resolution.
type ScopeConfig struct {
	// Contexts maps an action context (office/race type) to the scope
	// type that governs its grading: "state", "district", or "county".
	Contexts map[string]string `yaml:"contexts" mapstructure:"contexts"`
	// Default is used for unmapped contexts (the broadest configured scope).
	Default string `yaml:"default" mapstructure:"default"`
}

// BudgetConfig configures the budget ledger.
type BudgetConfig struct {
	// PeriodFormat is the time layout used to derive the current period.
	PeriodFormat string `yaml:"period_format" mapstructure:"period_format"`
}

// WaterfallConfig configures the enrichment waterfall.
type WaterfallConfig struct {
	ConfigPath      string  `yaml:"config_path" mapstructure:"config_path"`
	StepTimeoutSecs int     `yaml:"step_timeout_secs" mapstructure:"step_timeout_secs"`
	MaxConcurrent   int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	SourceRatePerS  float64 `yaml:"source_rate_per_s" mapstructure:"source_rate_per_s"`
	SourceBurst     int     `yaml:"source_burst" mapstructure:"source_burst"`
	// Retry and circuit-breaker tuning for external source calls.
	RetryMaxAttempts      int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BreakerFailures       int `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs      int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	// Sources maps external source IDs (as named in cascade steps) to
	// their endpoints. The internal-match source needs no entry.
	Sources map[string]SourceEndpoint `yaml:"sources" mapstructure:"sources"`
}

// SourceEndpoint is the connection config for one external source.
type SourceEndpoint struct {
	URL    string `yaml:"url" mapstructure:"url"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// CacheConfig configures the cache/cost store.
type CacheConfig struct {
	TTLHours       int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	SweepIntervalM int `yaml:"sweep_interval_minutes" mapstructure:"sweep_interval_minutes"`
}

// JobsConfig configures the periodic batch jobs.
type JobsConfig struct {
	GradeRecomputeHours int `yaml:"grade_recompute_hours" mapstructure:"grade_recompute_hours"`
	BudgetSnapshotHours int `yaml:"budget_snapshot_hours" mapstructure:"budget_snapshot_hours"`
	CacheSweepMinutes   int `yaml:"cache_sweep_minutes" mapstructure:"cache_sweep_minutes"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("scope.default", "state")
	v.SetDefault("scope.contexts", map[string]string{
		"statewide":     "state",
		"governor":      "state",
		"us_senate":     "state",
		"state_senate":  "district",
		"state_house":   "district",
		"us_house":      "district",
		"county_board":  "county",
		"sheriff":       "county",
		"district_atty": "county",
	})
	v.SetDefault("budget.period_format", "2006-01")
	v.SetDefault("waterfall.config_path", "waterfall.yaml")
	v.SetDefault("waterfall.step_timeout_secs", 10)
	v.SetDefault("waterfall.max_concurrent", 5)
	v.SetDefault("waterfall.source_rate_per_s", 5)
	v.SetDefault("waterfall.source_burst", 10)
	v.SetDefault("waterfall.retry_max_attempts", 3)
	v.SetDefault("waterfall.retry_initial_backoff_ms", 200)
	v.SetDefault("waterfall.retry_max_backoff_ms", 5000)
	v.SetDefault("waterfall.breaker_failures", 5)
	v.SetDefault("waterfall.breaker_reset_secs", 30)
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("cache.sweep_interval_minutes", 60)
	v.SetDefault("jobs.grade_recompute_hours", 24)
	v.SetDefault("jobs.budget_snapshot_hours", 6)
	v.SetDefault("jobs.cache_sweep_minutes", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration required by a command is present.
func (c *Config) Validate(needs ...string) error {
	for _, need := range needs {
		switch need {
		case "store":
			if c.Store.DatabaseURL == "" {
				return eris.New("config: store.database_url is required")
			}
		case "waterfall":
			if c.Waterfall.ConfigPath == "" {
				return eris.New("config: waterfall.config_path is required")
			}
		}
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
