package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"campaign-loop/internal/engine"
	"campaign-loop/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Gate       GateConfig       `mapstructure:"gate"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Roster     RosterConfig     `mapstructure:"roster"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Without a DSN the
// ledger and campaign state live in process memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig backs the authorization inbox.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Prefix   string   `mapstructure:"prefix"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
}

// EngineConfig is the decision tuning. It is converted once into the
// immutable engine.Config.
type EngineConfig struct {
	TrendWindow              int             `mapstructure:"trend_window"`
	UpperROAS                decimal.Decimal `mapstructure:"upper_roas"`
	LowerROAS                decimal.Decimal `mapstructure:"lower_roas"`
	ScaleFactor              decimal.Decimal `mapstructure:"scale_factor"`
	ReduceFactor             decimal.Decimal `mapstructure:"reduce_factor"`
	MaxDailyBudget           decimal.Decimal `mapstructure:"max_daily_budget"`
	SpendSafetyThreshold     decimal.Decimal `mapstructure:"spend_safety_threshold"`
	PauseAuthorizationBudget decimal.Decimal `mapstructure:"pause_authorization_budget"`
	SharedBudgetCap          decimal.Decimal `mapstructure:"shared_budget_cap"`
}

// GateConfig selects the authorization inbox.
type GateConfig struct {
	// Backend is "memory" or "redis".
	Backend string        `mapstructure:"backend"`
	Expiry  time.Duration `mapstructure:"expiry"`
}

// DispatcherConfig tunes executor retries.
type DispatcherConfig struct {
	Attempts            int           `mapstructure:"attempts"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	Factor              float64       `mapstructure:"factor"`
	AttemptTimeout      time.Duration `mapstructure:"attempt_timeout"`
	MinTimingConfidence float64       `mapstructure:"min_timing_confidence"`
	RememberFor         time.Duration `mapstructure:"remember_for"`
}

// CollectorConfig tunes metric collection.
type CollectorConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	HistorySize int           `mapstructure:"history_size"`
}

// SignalsConfig points at the scoring services.
type SignalsConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Token            string        `mapstructure:"token"`
	Timeout          time.Duration `mapstructure:"timeout"`
	AnomalyThreshold float64       `mapstructure:"anomaly_threshold"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// EndpointConfig is one JSON/HTTP platform endpoint.
type EndpointConfig struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PlatformConfig lists the ad platform and the content channels.
type PlatformConfig struct {
	Ads        EndpointConfig   `mapstructure:"ads"`
	Publishers []EndpointConfig `mapstructure:"publishers"`
	UserAgent  string           `mapstructure:"user_agent"`
}

// AlertingConfig defines operator notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LedgerLimit     int           `mapstructure:"ledger_limit"`
}

// ArchiveConfig is the S3 destination for ledger archives.
type ArchiveConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Compress bool   `mapstructure:"compress"`
}

// RosterConfig points at the managed campaign list.
type RosterConfig struct {
	Path string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAMPAIGNLOOP")
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
	v.SetDefault("app.name", "campaignloop")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "campaignloop:auth")

	v.SetDefault("scheduler.interval", "2h")
	v.SetDefault("scheduler.align_to_start", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63616d70))
	v.SetDefault("scheduler.max_concurrency", 10)

	def := engine.DefaultConfig()
	v.SetDefault("engine.trend_window", def.TrendWindow)
	v.SetDefault("engine.upper_roas", def.UpperROAS.String())
	v.SetDefault("engine.lower_roas", def.LowerROAS.String())
	v.SetDefault("engine.scale_factor", def.ScaleFactor.String())
	v.SetDefault("engine.reduce_factor", def.ReduceFactor.String())
	v.SetDefault("engine.max_daily_budget", def.MaxDailyBudget.String())
	v.SetDefault("engine.spend_safety_threshold", def.SpendSafetyThreshold.String())
	v.SetDefault("engine.pause_authorization_budget", def.PauseAuthorizationBudget.String())
	v.SetDefault("engine.shared_budget_cap", "0")

	v.SetDefault("gate.backend", "memory")
	v.SetDefault("gate.expiry", "24h")

	v.SetDefault("dispatcher.attempts", 3)
	v.SetDefault("dispatcher.base_delay", "2s")
	v.SetDefault("dispatcher.factor", 2.0)
	v.SetDefault("dispatcher.attempt_timeout", "20s")
	v.SetDefault("dispatcher.min_timing_confidence", 0.5)
	v.SetDefault("dispatcher.remember_for", "72h")

	v.SetDefault("collector.timeout", "10s")
	v.SetDefault("collector.history_size", 16)

	v.SetDefault("signals.timeout", "15s")
	v.SetDefault("signals.anomaly_threshold", 0.7)
	v.SetDefault("signals.user_agent", "campaignloop/1.0")

	v.SetDefault("platform.ads.name", "ads")
	v.SetDefault("platform.ads.timeout", "20s")
	v.SetDefault("platform.user_agent", "campaignloop/1.0")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.ledger_limit", 50)

	v.SetDefault("archive.prefix", "campaignloop")
	v.SetDefault("archive.compress", true)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			decimalHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHookFunc decodes strings and numbers into decimal.Decimal.
func decimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("scheduler.max_concurrency must be greater than zero")
	}
	if err := c.Engine.ToEngine().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	switch c.Gate.Backend {
	case "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs is required when gate.backend is redis")
		}
	default:
		return fmt.Errorf("gate.backend must be memory or redis, got %q", c.Gate.Backend)
	}
	if c.Gate.Expiry <= 0 {
		return fmt.Errorf("gate.expiry must be greater than zero")
	}
	if c.Dispatcher.Attempts <= 0 {
		return fmt.Errorf("dispatcher.attempts must be greater than zero")
	}
	if c.Dispatcher.MinTimingConfidence < 0 || c.Dispatcher.MinTimingConfidence > 1 {
		return fmt.Errorf("dispatcher.min_timing_confidence must be within [0,1]")
	}
	if c.Signals.AnomalyThreshold <= 0 || c.Signals.AnomalyThreshold > 1 {
		return fmt.Errorf("signals.anomaly_threshold must be within (0,1]")
	}
	if c.Collector.HistorySize < c.Engine.TrendWindow {
		return fmt.Errorf("collector.history_size (%d) must cover engine.trend_window (%d)", c.Collector.HistorySize, c.Engine.TrendWindow)
	}
	for i, p := range c.Platform.Publishers {
		if p.BaseURL == "" {
			return fmt.Errorf("platform.publishers[%d].base_url is required", i)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ToEngine converts the tuning into the immutable engine configuration.
func (e EngineConfig) ToEngine() engine.Config {
	return engine.Config{
		TrendWindow:              e.TrendWindow,
		UpperROAS:                e.UpperROAS,
		LowerROAS:                e.LowerROAS,
		ScaleFactor:              e.ScaleFactor,
		ReduceFactor:             e.ReduceFactor,
		MaxDailyBudget:           e.MaxDailyBudget,
		SpendSafetyThreshold:     e.SpendSafetyThreshold,
		PauseAuthorizationBudget: e.PauseAuthorizationBudget,
		SharedBudgetCap:          e.SharedBudgetCap,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
