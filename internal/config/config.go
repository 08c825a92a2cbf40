package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"fundsync/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	API       APIConfig       `mapstructure:"api"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Coverage  CoverageConfig  `mapstructure:"coverage"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// APIConfig covers the upstream fundamentals API.
type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	CallsPerMinute  int           `mapstructure:"calls_per_minute"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	AdaptiveBackoff bool          `mapstructure:"adaptive_backoff"`
}

// SchedulerConfig governs plan construction and execution.
type SchedulerConfig struct {
	StalenessWindow    time.Duration `mapstructure:"staleness_window"`
	MaxFailures        int           `mapstructure:"max_failures"`
	Limit              int           `mapstructure:"limit"`
	QuarterlyGap       bool          `mapstructure:"quarterly_gap"`
	ReportingLagDays   int           `mapstructure:"reporting_lag_days"`
	CoolingOffDays     int           `mapstructure:"cooling_off_days"`
	PreScreening       bool          `mapstructure:"pre_screening"`
	DCSPriority        bool          `mapstructure:"dcs_priority"`
	MinDCS             float64       `mapstructure:"min_dcs"`
	MaxStalenessHours  float64       `mapstructure:"max_staleness_hours"`
	Workers            int           `mapstructure:"workers"`
	LoopInterval       time.Duration `mapstructure:"loop_interval"`
	AlignToBucket      bool          `mapstructure:"align_to_bucket"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey    int64         `mapstructure:"advisory_lock_key"`
	ExcludedSuffixes   []string      `mapstructure:"excluded_suffixes"`
	AllowedAssetTypes  []string      `mapstructure:"allowed_asset_types"`
	IncludeDelisted    bool          `mapstructure:"include_delisted"`
	SkipUnchangedWrite bool          `mapstructure:"skip_unchanged_write"`
}

// CoverageConfig tunes coverage scoring inputs.
type CoverageConfig struct {
	LookbackQuarters int `mapstructure:"lookback_quarters"`
}

// UniverseConfig carries tier classification thresholds.
type UniverseConfig struct {
	CoreLiquidityUSD   float64 `mapstructure:"core_liquidity_usd"`
	CoreMinDCS         float64 `mapstructure:"core_min_dcs"`
	CoreMinPeriods     int     `mapstructure:"core_min_periods"`
	ExtendedMinDCS     float64 `mapstructure:"extended_min_dcs"`
	ExtendedMinPeriods int     `mapstructure:"extended_min_periods"`
	DemotionMargin     float64 `mapstructure:"demotion_margin"`
}

// AlertingConfig defines run-failure alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinFailures int            `mapstructure:"min_failures"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUNDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fundsync")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("api.base_url", "https://api.fundamentaldata.io/v1")
	v.SetDefault("api.calls_per_minute", 75)
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.user_agent", "fundsync/1.0")
	v.SetDefault("api.adaptive_backoff", false)

	v.SetDefault("scheduler.staleness_window", "24h")
	v.SetDefault("scheduler.max_failures", 3)
	v.SetDefault("scheduler.limit", 0)
	v.SetDefault("scheduler.quarterly_gap", true)
	v.SetDefault("scheduler.reporting_lag_days", 45)
	v.SetDefault("scheduler.cooling_off_days", 7)
	v.SetDefault("scheduler.pre_screening", true)
	v.SetDefault("scheduler.dcs_priority", false)
	v.SetDefault("scheduler.min_dcs", 0.0)
	v.SetDefault("scheduler.max_staleness_hours", 168.0)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.loop_interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66756e64))
	v.SetDefault("scheduler.excluded_suffixes", []string{"-WT", "-U", "-R"})
	v.SetDefault("scheduler.allowed_asset_types", []string{"Stock", "ETF"})
	v.SetDefault("scheduler.include_delisted", false)
	v.SetDefault("scheduler.skip_unchanged_write", true)

	v.SetDefault("coverage.lookback_quarters", 8)

	v.SetDefault("universe.core_liquidity_usd", 5_000_000.0)
	v.SetDefault("universe.core_min_dcs", 0.8)
	v.SetDefault("universe.core_min_periods", 8)
	v.SetDefault("universe.extended_min_dcs", 0.6)
	v.SetDefault("universe.extended_min_periods", 4)
	v.SetDefault("universe.demotion_margin", 0.05)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_failures", 1)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.API.CallsPerMinute <= 0 {
		return fmt.Errorf("api.calls_per_minute must be greater than zero")
	}
	if c.Scheduler.StalenessWindow <= 0 {
		return fmt.Errorf("scheduler.staleness_window must be greater than zero")
	}
	if c.Scheduler.MaxFailures <= 0 {
		return fmt.Errorf("scheduler.max_failures must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Scheduler.MinDCS < 0 || c.Scheduler.MinDCS > 1 {
		return fmt.Errorf("scheduler.min_dcs must be within [0,1]")
	}
	if c.Scheduler.MaxStalenessHours <= 0 {
		return fmt.Errorf("scheduler.max_staleness_hours must be greater than zero")
	}
	if c.Coverage.LookbackQuarters <= 0 {
		return fmt.Errorf("coverage.lookback_quarters must be greater than zero")
	}
	if c.Universe.CoreMinDCS < c.Universe.ExtendedMinDCS {
		return fmt.Errorf("universe.core_min_dcs cannot be below universe.extended_min_dcs")
	}
	if c.Universe.DemotionMargin < 0 {
		return fmt.Errorf("universe.demotion_margin cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
