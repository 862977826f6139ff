package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// TradingMode selects between live brokerage orders and in-process simulation
type TradingMode string

const (
	ModeLive  TradingMode = "live"
	ModePaper TradingMode = "paper"
)

// ApprovalMode controls the human-in-the-loop workflow for orders
type ApprovalMode string

const (
	ApprovalRequired   ApprovalMode = "required"     // wait for explicit approval
	ApprovalNotifyOnly ApprovalMode = "notify_only"  // send notification, proceed
	ApprovalAuto       ApprovalMode = "auto_execute" // no approval traffic at all
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Hedge      HedgeConfig      `mapstructure:"hedge"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BrokerConfig contains brokerage API settings
type BrokerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	AccountHandle  string `mapstructure:"account_handle"`
	Sandbox        bool   `mapstructure:"sandbox"`
}

// TelegramConfig contains approval-channel settings
type TelegramConfig struct {
	BotToken       string  `mapstructure:"bot_token"`
	ChatIDs        []int64 `mapstructure:"chat_ids"`
	PollingTimeout int     `mapstructure:"polling_timeout"` // seconds
}

// MarketDataConfig contains market-data provider settings
type MarketDataConfig struct {
	ChartBaseURL string `mapstructure:"chart_base_url"`
	QuoteTTL     int    `mapstructure:"quote_ttl"` // seconds, historical bar cache
}

// InstrumentConfig maps the fixed ETF universe to broker symbols
type InstrumentConfig struct {
	Long1x     string `mapstructure:"long_1x"`     // 1x long reference ETF
	Long2x     string `mapstructure:"long_2x"`     // 2x leveraged long ETF
	Inverse2x  string `mapstructure:"inverse_2x"`  // 2x inverse ETF
	Underlying string `mapstructure:"underlying"`  // spot pair for weekend context
}

// TradingConfig contains order execution settings
type TradingConfig struct {
	Mode                   TradingMode      `mapstructure:"mode"`
	ApprovalMode           ApprovalMode     `mapstructure:"approval_mode"`
	ApprovalTimeoutMinutes int              `mapstructure:"approval_timeout_minutes"`
	MaxPositionPct         float64          `mapstructure:"max_position_pct"` // (0, 100]
	MaxPositionUSD         float64          `mapstructure:"max_position_usd"` // 0 = unlimited
	InitialPaperCapital    float64          `mapstructure:"initial_paper_capital"`
	Instruments            InstrumentConfig `mapstructure:"instruments"`
}

// StrategyConfig contains the tunable signal thresholds.
// Values persisted in the store override these at startup.
type StrategyConfig struct {
	MeanReversionEnabled   bool    `mapstructure:"mean_reversion_enabled"`
	MeanReversionThreshold float64 `mapstructure:"mean_reversion_threshold"` // percent, strict
	ShortThursdayEnabled   bool    `mapstructure:"short_thursday_enabled"`
	CrashDayEnabled        bool    `mapstructure:"crash_day_enabled"`
	CrashDayThreshold      float64 `mapstructure:"crash_day_threshold"` // percent
	CrashDayCutoff         string  `mapstructure:"crash_day_cutoff"`    // "15:04" local
	PumpDayEnabled         bool    `mapstructure:"pump_day_enabled"`
	PumpDayThreshold       float64 `mapstructure:"pump_day_threshold"` // percent
	PumpDayCutoff          string  `mapstructure:"pump_day_cutoff"`
	TenAMDumpEnabled       bool    `mapstructure:"ten_am_dump_enabled"`
	SlippagePct            float64 `mapstructure:"slippage_pct"` // percent, paper fills
	ReversalEnabled        bool    `mapstructure:"reversal_enabled"`
	ReversalThreshold      float64 `mapstructure:"reversal_threshold"` // percent, negative
}

// HedgeTierConfig is one rung of the trailing-hedge ladder
type HedgeTierConfig struct {
	GainThresholdPct float64 `mapstructure:"gain_threshold_pct"`
	HedgeSizePct     float64 `mapstructure:"hedge_size_pct"`
}

// HedgeConfig contains trailing-hedge controller settings
type HedgeConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	MaxHedgePct    float64           `mapstructure:"max_hedge_pct"`
	MinGainDollars float64           `mapstructure:"min_gain_dollars"`
	Tiers          []HedgeTierConfig `mapstructure:"tiers"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	MetricsPort   int  `mapstructure:"metrics_port"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SWINGBOT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// The worker is driven by plain environment variables in deployment;
	// map them onto viper keys before unmarshalling.
	bindProcessEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindProcessEnv maps the documented process environment variables onto
// viper keys. Direct Set() calls are used because viper's AutomaticEnv
// does not reach nested keys through Unmarshal.
func bindProcessEnv(v *viper.Viper) {
	if m := os.Getenv("TRADING_MODE"); m != "" {
		v.Set("trading.mode", m)
	}
	if m := os.Getenv("APPROVAL_MODE"); m != "" {
		v.Set("trading.approval_mode", m)
	}
	if t := os.Getenv("APPROVAL_TIMEOUT_MINUTES"); t != "" {
		if n, err := strconv.Atoi(t); err == nil {
			v.Set("trading.approval_timeout_minutes", n)
		}
	}
	if p := os.Getenv("MAX_POSITION_PCT"); p != "" {
		if f, err := strconv.ParseFloat(p, 64); err == nil {
			v.Set("trading.max_position_pct", f)
		}
	}
	if e := os.Getenv("TRAILING_HEDGE_ENABLED"); e != "" {
		v.Set("hedge.enabled", e == "true" || e == "1")
	}
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		v.Set("database.path", p)
	}
	if k := os.Getenv("BROKER_CONSUMER_KEY"); k != "" {
		v.Set("broker.consumer_key", k)
	}
	if s := os.Getenv("BROKER_CONSUMER_SECRET"); s != "" {
		v.Set("broker.consumer_secret", s)
	}
	if a := os.Getenv("BROKER_ACCOUNT_ID"); a != "" {
		v.Set("broker.account_handle", a)
	}
	if u := os.Getenv("BROKER_BASE_URL"); u != "" {
		v.Set("broker.base_url", u)
	}
	if t := os.Getenv("TELEGRAM_BOT_TOKEN"); t != "" {
		v.Set("telegram.bot_token", t)
	}
	if c := os.Getenv("TELEGRAM_CHAT_ID"); c != "" {
		if id, err := strconv.ParseInt(c, 10, 64); err == nil {
			v.Set("telegram.chat_ids", []int64{id})
		}
	}
	if u := os.Getenv("MARKET_DATA_BASE_URL"); u != "" {
		v.Set("market_data.chart_base_url", u)
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "swingbot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.path", "data/swingbot.db")

	// Broker defaults
	v.SetDefault("broker.base_url", "https://api.etrade.com")
	v.SetDefault("broker.sandbox", false)

	// Telegram defaults
	v.SetDefault("telegram.polling_timeout", 30)

	// Market data defaults
	v.SetDefault("market_data.chart_base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("market_data.quote_ttl", 300)

	// Trading defaults
	v.SetDefault("trading.mode", string(ModePaper))
	v.SetDefault("trading.approval_mode", string(ApprovalRequired))
	v.SetDefault("trading.approval_timeout_minutes", 10)
	v.SetDefault("trading.max_position_pct", 95.0)
	v.SetDefault("trading.max_position_usd", 0.0)
	v.SetDefault("trading.initial_paper_capital", 10000.0)
	v.SetDefault("trading.instruments.long_1x", "BITO")
	v.SetDefault("trading.instruments.long_2x", "BITX")
	v.SetDefault("trading.instruments.inverse_2x", "BITI")
	v.SetDefault("trading.instruments.underlying", "BTC-USD")

	// Strategy defaults
	v.SetDefault("strategy.mean_reversion_enabled", true)
	v.SetDefault("strategy.mean_reversion_threshold", -2.0)
	v.SetDefault("strategy.short_thursday_enabled", true)
	v.SetDefault("strategy.crash_day_enabled", true)
	v.SetDefault("strategy.crash_day_threshold", -1.5)
	v.SetDefault("strategy.crash_day_cutoff", "15:30")
	v.SetDefault("strategy.pump_day_enabled", true)
	v.SetDefault("strategy.pump_day_threshold", 1.5)
	v.SetDefault("strategy.pump_day_cutoff", "15:30")
	v.SetDefault("strategy.ten_am_dump_enabled", true)
	v.SetDefault("strategy.slippage_pct", 0.02)
	v.SetDefault("strategy.reversal_enabled", true)
	v.SetDefault("strategy.reversal_threshold", -2.0)

	// Hedge defaults: three tiers locking in at most 40% of the position
	v.SetDefault("hedge.enabled", true)
	v.SetDefault("hedge.max_hedge_pct", 40.0)
	v.SetDefault("hedge.min_gain_dollars", 20.0)
	v.SetDefault("hedge.tiers", []map[string]interface{}{
		{"gain_threshold_pct": 2.5, "hedge_size_pct": 15.0},
		{"gain_threshold_pct": 4.0, "hedge_size_pct": 15.0},
		{"gain_threshold_pct": 5.5, "hedge_size_pct": 10.0},
	})

	// Monitoring defaults
	v.SetDefault("monitoring.metrics_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case ModeLive, ModePaper:
	default:
		return fmt.Errorf("invalid trading mode %q (want live or paper)", c.Trading.Mode)
	}

	switch c.Trading.ApprovalMode {
	case ApprovalRequired, ApprovalNotifyOnly, ApprovalAuto:
	default:
		return fmt.Errorf("invalid approval mode %q", c.Trading.ApprovalMode)
	}

	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct > 100 {
		return fmt.Errorf("max_position_pct must be in (0, 100], got %.2f", c.Trading.MaxPositionPct)
	}

	if c.Trading.Mode == ModeLive {
		if c.Broker.ConsumerKey == "" || c.Broker.ConsumerSecret == "" {
			return fmt.Errorf("live mode requires broker credentials")
		}
		if c.Broker.AccountHandle == "" {
			return fmt.Errorf("live mode requires a broker account handle")
		}
	}

	if _, err := ParseClockTime(c.Strategy.CrashDayCutoff); err != nil {
		return fmt.Errorf("invalid crash_day_cutoff: %w", err)
	}
	if _, err := ParseClockTime(c.Strategy.PumpDayCutoff); err != nil {
		return fmt.Errorf("invalid pump_day_cutoff: %w", err)
	}

	prev := -1.0
	for i, tier := range c.Hedge.Tiers {
		if tier.GainThresholdPct <= prev {
			return fmt.Errorf("hedge tier %d: thresholds must be strictly increasing", i)
		}
		prev = tier.GainThresholdPct
	}

	return nil
}

// ApprovalTimeout returns the approval wait as a duration
func (c *TradingConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMinutes) * time.Minute
}

// ParseClockTime parses a "15:04" wall-clock string into minutes since midnight
func ParseClockTime(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
