// Package config loads and validates the bot configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for the bot process.
type Config struct {
	Bot      BotConfig      `mapstructure:"bot"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Regime   RegimeConfig   `mapstructure:"regime"`
	Selector SelectorConfig `mapstructure:"selector"`
	Health   HealthConfig   `mapstructure:"health"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Events   EventsConfig   `mapstructure:"events"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
}

// BotConfig identifies the bot and its market.
type BotConfig struct {
	Name        string `mapstructure:"name"`
	Symbol      string `mapstructure:"symbol"`
	Timeframe   string `mapstructure:"timeframe"`
	CandleLimit int    `mapstructure:"candle_limit"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ExchangeConfig holds exchange client settings.
type ExchangeConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	WSURL          string  `mapstructure:"ws_url"`
	APIKey         string  `mapstructure:"api_key"`
	APISecret      string  `mapstructure:"api_secret"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	StreamEnabled  bool    `mapstructure:"stream_enabled"`
}

// RegimeConfig holds classifier periods and thresholds.
type RegimeConfig struct {
	CheckIntervalSeconds int     `mapstructure:"check_interval_seconds"`
	StalenessMultiplier  float64 `mapstructure:"staleness_multiplier"`
	EMAFast              int     `mapstructure:"ema_fast"`
	EMASlow              int     `mapstructure:"ema_slow"`
	RSIPeriod            int     `mapstructure:"rsi_period"`
	ADXPeriod            int     `mapstructure:"adx_period"`
	ATRPeriod            int     `mapstructure:"atr_period"`
	BBPeriod             int     `mapstructure:"bb_period"`
	VolumeLookback       int     `mapstructure:"volume_lookback"`
	ADXTrendEnter        float64 `mapstructure:"adx_trend_enter"`
	ADXTrendExit         float64 `mapstructure:"adx_trend_exit"`
	ADXRangeEnter        float64 `mapstructure:"adx_range_enter"`
	ADXRangeExit         float64 `mapstructure:"adx_range_exit"`
	ATRWidePct           float64 `mapstructure:"atr_wide_pct"`
	ATRVolatilePct       float64 `mapstructure:"atr_volatile_pct"`
	ConfluenceHybrid     float64 `mapstructure:"confluence_hybrid"`
	HistoryCapacity      int     `mapstructure:"history_capacity"`
}

// SelectorConfig holds transition gating settings.
type SelectorConfig struct {
	CooldownSeconds          int     `mapstructure:"cooldown_seconds"`
	MinRegimeDurationSeconds int     `mapstructure:"min_regime_duration_seconds"`
	ConfidenceFloor          float64 `mapstructure:"confidence_floor"`
	HistoryCapacity          int     `mapstructure:"history_capacity"`
}

// HealthConfig holds health monitor thresholds.
type HealthConfig struct {
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
	MaxErrorCount        int  `mapstructure:"max_error_count"`
	MaxConsecutiveErrors int  `mapstructure:"max_consecutive_errors"`
	SignalTimeoutSeconds int  `mapstructure:"signal_timeout_seconds"`
	TradeTimeoutSeconds  int  `mapstructure:"trade_timeout_seconds"`
	AutoRestart          bool `mapstructure:"auto_restart"`
	MaxRestartAttempts   int  `mapstructure:"max_restart_attempts"`
	HistoryCapacity      int  `mapstructure:"history_capacity"`
}

// TradingConfig holds control loop and dispatch settings.
type TradingConfig struct {
	Simulation             bool    `mapstructure:"simulation"`
	PriceRefreshSeconds    int     `mapstructure:"price_refresh_seconds"`
	StateSaveSeconds       int     `mapstructure:"state_save_seconds"`
	TickBackoffSeconds     int     `mapstructure:"tick_backoff_seconds"`
	ClosePositionsOnSwitch bool    `mapstructure:"close_positions_on_switch"`
	OrderQuoteSize         float64 `mapstructure:"order_quote_size"`
	MaxStrategies          int     `mapstructure:"max_strategies"`
}

// EventsConfig holds the event bus settings.
type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	BufferSize    int    `mapstructure:"buffer_size"`
	Workers       int    `mapstructure:"workers"`
}

// DatabaseConfig holds the snapshot store settings.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoadConfig reads configuration from the given directory, applying
// defaults and environment overrides (REGIMEBOT_ prefix).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REGIMEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.name", "regimebot")
	v.SetDefault("bot.symbol", "BTCUSDT")
	v.SetDefault("bot.timeframe", "1h")
	v.SetDefault("bot.candle_limit", 200)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("exchange.base_url", "https://api.binance.com")
	v.SetDefault("exchange.ws_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.rate_limit", 10)
	v.SetDefault("exchange.rate_limit_burst", 20)
	v.SetDefault("exchange.timeout_seconds", 10)
	v.SetDefault("exchange.stream_enabled", false)

	v.SetDefault("regime.check_interval_seconds", 300)
	v.SetDefault("regime.staleness_multiplier", 2.0)
	v.SetDefault("regime.ema_fast", 20)
	v.SetDefault("regime.ema_slow", 50)
	v.SetDefault("regime.rsi_period", 14)
	v.SetDefault("regime.adx_period", 14)
	v.SetDefault("regime.atr_period", 14)
	v.SetDefault("regime.bb_period", 20)
	v.SetDefault("regime.volume_lookback", 20)
	v.SetDefault("regime.adx_trend_enter", 32.0)
	v.SetDefault("regime.adx_trend_exit", 25.0)
	v.SetDefault("regime.adx_range_enter", 18.0)
	v.SetDefault("regime.adx_range_exit", 22.0)
	v.SetDefault("regime.atr_wide_pct", 1.0)
	v.SetDefault("regime.atr_volatile_pct", 2.0)
	v.SetDefault("regime.confluence_hybrid", 0.6)
	v.SetDefault("regime.history_capacity", 300)

	v.SetDefault("selector.cooldown_seconds", 600)
	v.SetDefault("selector.min_regime_duration_seconds", 180)
	v.SetDefault("selector.confidence_floor", 0.30)
	v.SetDefault("selector.history_capacity", 100)

	v.SetDefault("health.check_interval_seconds", 60)
	v.SetDefault("health.max_error_count", 10)
	v.SetDefault("health.max_consecutive_errors", 3)
	v.SetDefault("health.signal_timeout_seconds", 3600)
	v.SetDefault("health.trade_timeout_seconds", 86400)
	v.SetDefault("health.auto_restart", true)
	v.SetDefault("health.max_restart_attempts", 3)
	v.SetDefault("health.history_capacity", 50)

	v.SetDefault("trading.simulation", true)
	v.SetDefault("trading.price_refresh_seconds", 30)
	v.SetDefault("trading.state_save_seconds", 300)
	v.SetDefault("trading.tick_backoff_seconds", 5)
	v.SetDefault("trading.close_positions_on_switch", false)
	v.SetDefault("trading.order_quote_size", 100.0)
	v.SetDefault("trading.max_strategies", 8)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.redis_addr", "localhost:6379")
	v.SetDefault("events.redis_password", "")
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.workers", 4)

	v.SetDefault("database.dsn", "regimebot.db")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
}

// Validate rejects configurations the bot must not start with.
func (c Config) Validate() error {
	if c.Bot.Name == "" {
		return fmt.Errorf("bot.name must not be empty")
	}
	if c.Bot.Symbol == "" {
		return fmt.Errorf("bot.symbol must not be empty")
	}
	if c.Bot.CandleLimit <= 0 {
		return fmt.Errorf("bot.candle_limit must be positive, got %d", c.Bot.CandleLimit)
	}
	if c.Regime.ADXTrendEnter <= c.Regime.ADXTrendExit {
		return fmt.Errorf("regime.adx_trend_enter (%.1f) must exceed adx_trend_exit (%.1f)",
			c.Regime.ADXTrendEnter, c.Regime.ADXTrendExit)
	}
	if c.Regime.ADXRangeEnter >= c.Regime.ADXRangeExit {
		return fmt.Errorf("regime.adx_range_enter (%.1f) must be below adx_range_exit (%.1f)",
			c.Regime.ADXRangeEnter, c.Regime.ADXRangeExit)
	}
	if c.Regime.ADXRangeExit > c.Regime.ADXTrendEnter {
		return fmt.Errorf("regime.adx_range_exit (%.1f) must not exceed adx_trend_enter (%.1f)",
			c.Regime.ADXRangeExit, c.Regime.ADXTrendEnter)
	}
	if c.Regime.EMAFast >= c.Regime.EMASlow {
		return fmt.Errorf("regime.ema_fast (%d) must be below ema_slow (%d)",
			c.Regime.EMAFast, c.Regime.EMASlow)
	}
	if c.Selector.ConfidenceFloor < 0 || c.Selector.ConfidenceFloor > 1 {
		return fmt.Errorf("selector.confidence_floor must be in [0,1], got %.2f", c.Selector.ConfidenceFloor)
	}
	if c.Regime.ConfluenceHybrid < 0 || c.Regime.ConfluenceHybrid > 1 {
		return fmt.Errorf("regime.confluence_hybrid must be in [0,1], got %.2f", c.Regime.ConfluenceHybrid)
	}
	if c.Regime.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("regime.check_interval_seconds must be positive, got %d", c.Regime.CheckIntervalSeconds)
	}
	if c.Health.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("health.check_interval_seconds must be positive, got %d", c.Health.CheckIntervalSeconds)
	}
	if c.Trading.PriceRefreshSeconds <= 0 {
		return fmt.Errorf("trading.price_refresh_seconds must be positive, got %d", c.Trading.PriceRefreshSeconds)
	}
	if c.Trading.StateSaveSeconds <= 0 {
		return fmt.Errorf("trading.state_save_seconds must be positive, got %d", c.Trading.StateSaveSeconds)
	}
	if c.Trading.TickBackoffSeconds <= 0 {
		return fmt.Errorf("trading.tick_backoff_seconds must be positive, got %d", c.Trading.TickBackoffSeconds)
	}
	if c.Health.MaxRestartAttempts < 0 {
		return fmt.Errorf("health.max_restart_attempts must not be negative, got %d", c.Health.MaxRestartAttempts)
	}
	if c.Trading.MaxStrategies <= 0 {
		return fmt.Errorf("trading.max_strategies must be positive, got %d", c.Trading.MaxStrategies)
	}
	return nil
}
