// Package config defines all configuration for the live trading core.
// Everything is read from environment variables (optionally seeded from
// a .env file by the entrypoint); decimal-valued settings are strings so
// no precision is lost on the way in.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Mode selects which broker environment the core trades against.
type Mode string

const (
	ModeTestnet Mode = "TESTNET"
	ModeMainnet Mode = "MAINNET"
	ModePaper   Mode = "PAPER" // no real orders, synthetic broker responses
)

// Config is the top-level configuration.
type Config struct {
	Mode           Mode
	TradingEnabled bool

	// PaperInitialBalance seeds the portfolio in PAPER mode, where no
	// real account balance exists.
	PaperInitialBalance decimal.Decimal

	Broker   BrokerConfig
	Risk     RiskConfig
	Sizing   SizingConfig
	Orders   OrdersConfig
	WS       WSConfig
	Signals  SignalsConfig
	Recovery RecoveryConfig
	Logging  LoggingConfig
}

// BrokerConfig holds per-mode credentials and endpoints.
type BrokerConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	WSBaseURL  string
	Testnet    bool
	RecvWindow time.Duration
}

// RiskConfig sets the hard pre-trade limits enforced by the validator.
type RiskConfig struct {
	MaxLeverage            int
	MaxPositionSizeUSDT    decimal.Decimal
	MaxPositions           int
	DailyLossLimitUSDT     decimal.Decimal
	MaxDrawdownPercent     decimal.Decimal
	MaxConcentrationPct    decimal.Decimal // per-symbol share of total exposure
	MaxCorrelatedPositions int
	DailyResetHourUTC      int
}

// SizingConfig controls position sizing in the signal adapter.
type SizingConfig struct {
	DefaultPositionSizePct decimal.Decimal
	UseKellyCriterion      bool
	KellyFraction          decimal.Decimal
	KellyWinLossRatio      decimal.Decimal
}

// OrdersConfig controls order-type selection and derived stops/targets.
type OrdersConfig struct {
	DefaultOrderType     string
	DefaultLeverage      int // leverage for signal-derived orders
	LimitOrderOffsetPct  decimal.Decimal
	StopLossPercent      decimal.Decimal
	TakeProfitPercent    decimal.Decimal
	ClosePositionsOnStop bool
	BrokerCallTimeout    time.Duration
}

// WSConfig tunes the user-data and mark-price streams.
type WSConfig struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HeartbeatInterval time.Duration
}

// SignalsConfig gates automatic signal execution.
type SignalsConfig struct {
	AutoExecute         bool
	ConfidenceThreshold decimal.Decimal
	StrengthThreshold   decimal.Decimal
}

// RecoveryConfig controls crash-recovery snapshots.
type RecoveryConfig struct {
	StateDir         string
	SnapshotInterval time.Duration
	MaxSnapshots     int
	RetentionDays    int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment with defaults for
// everything except credentials.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("TRADING_MODE", string(ModeTestnet))
	v.SetDefault("TRADING_ENABLED", true)
	v.SetDefault("PAPER_INITIAL_BALANCE_USDT", "10000")
	v.SetDefault("BROKER_RECV_WINDOW", "5s")
	v.SetDefault("BROKER_CALL_TIMEOUT", "10s")

	v.SetDefault("MAX_LEVERAGE", 10)
	v.SetDefault("MAX_POSITION_SIZE_USDT", "10000")
	v.SetDefault("MAX_POSITIONS", 10)
	v.SetDefault("DAILY_LOSS_LIMIT_USDT", "500")
	v.SetDefault("MAX_DRAWDOWN_PERCENT", "20")
	v.SetDefault("MAX_CONCENTRATION_PERCENT", "30")
	v.SetDefault("MAX_CORRELATED_POSITIONS", 3)
	v.SetDefault("DAILY_RESET_HOUR_UTC", 0)

	v.SetDefault("DEFAULT_POSITION_SIZE_PERCENT", "2")
	v.SetDefault("USE_KELLY_CRITERION", false)
	v.SetDefault("KELLY_FRACTION", "0.25")
	v.SetDefault("KELLY_WIN_LOSS_RATIO", "1.5")

	v.SetDefault("DEFAULT_ORDER_TYPE", "LIMIT")
	v.SetDefault("DEFAULT_LEVERAGE", 5)
	v.SetDefault("LIMIT_ORDER_OFFSET_PERCENT", "0.05")
	v.SetDefault("STOP_LOSS_PERCENT", "2")
	v.SetDefault("TAKE_PROFIT_PERCENT", "4")
	v.SetDefault("CLOSE_POSITIONS_ON_STOP", false)

	v.SetDefault("WS_RECONNECT_DELAY", "1s")
	v.SetDefault("WS_MAX_RECONNECT_DELAY", "30s")
	v.SetDefault("WS_HEARTBEAT_INTERVAL", "30s")

	v.SetDefault("AUTO_EXECUTE_SIGNALS", true)
	v.SetDefault("SIGNAL_CONFIDENCE_THRESHOLD", "0.6")
	v.SetDefault("SIGNAL_STRENGTH_THRESHOLD", "0.5")

	v.SetDefault("STATE_DIR", "data/state")
	v.SetDefault("SNAPSHOT_INTERVAL", "60s")
	v.SetDefault("MAX_SNAPSHOTS", 100)
	v.SetDefault("RETENTION_DAYS", 7)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	mode := Mode(strings.ToUpper(v.GetString("TRADING_MODE")))

	broker, err := brokerForMode(v, mode)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:                mode,
		TradingEnabled:      v.GetBool("TRADING_ENABLED"),
		PaperInitialBalance: dec(v, "PAPER_INITIAL_BALANCE_USDT"),
		Broker:              broker,
		Risk: RiskConfig{
			MaxLeverage:            v.GetInt("MAX_LEVERAGE"),
			MaxPositionSizeUSDT:    dec(v, "MAX_POSITION_SIZE_USDT"),
			MaxPositions:           v.GetInt("MAX_POSITIONS"),
			DailyLossLimitUSDT:     dec(v, "DAILY_LOSS_LIMIT_USDT"),
			MaxDrawdownPercent:     dec(v, "MAX_DRAWDOWN_PERCENT"),
			MaxConcentrationPct:    dec(v, "MAX_CONCENTRATION_PERCENT"),
			MaxCorrelatedPositions: v.GetInt("MAX_CORRELATED_POSITIONS"),
			DailyResetHourUTC:      v.GetInt("DAILY_RESET_HOUR_UTC"),
		},
		Sizing: SizingConfig{
			DefaultPositionSizePct: dec(v, "DEFAULT_POSITION_SIZE_PERCENT"),
			UseKellyCriterion:      v.GetBool("USE_KELLY_CRITERION"),
			KellyFraction:          dec(v, "KELLY_FRACTION"),
			KellyWinLossRatio:      dec(v, "KELLY_WIN_LOSS_RATIO"),
		},
		Orders: OrdersConfig{
			DefaultOrderType:     strings.ToUpper(v.GetString("DEFAULT_ORDER_TYPE")),
			DefaultLeverage:      v.GetInt("DEFAULT_LEVERAGE"),
			LimitOrderOffsetPct:  dec(v, "LIMIT_ORDER_OFFSET_PERCENT"),
			StopLossPercent:      dec(v, "STOP_LOSS_PERCENT"),
			TakeProfitPercent:    dec(v, "TAKE_PROFIT_PERCENT"),
			ClosePositionsOnStop: v.GetBool("CLOSE_POSITIONS_ON_STOP"),
			BrokerCallTimeout:    v.GetDuration("BROKER_CALL_TIMEOUT"),
		},
		WS: WSConfig{
			ReconnectDelay:    v.GetDuration("WS_RECONNECT_DELAY"),
			MaxReconnectDelay: v.GetDuration("WS_MAX_RECONNECT_DELAY"),
			HeartbeatInterval: v.GetDuration("WS_HEARTBEAT_INTERVAL"),
		},
		Signals: SignalsConfig{
			AutoExecute:         v.GetBool("AUTO_EXECUTE_SIGNALS"),
			ConfidenceThreshold: dec(v, "SIGNAL_CONFIDENCE_THRESHOLD"),
			StrengthThreshold:   dec(v, "SIGNAL_STRENGTH_THRESHOLD"),
		},
		Recovery: RecoveryConfig{
			StateDir:         v.GetString("STATE_DIR"),
			SnapshotInterval: v.GetDuration("SNAPSHOT_INTERVAL"),
			MaxSnapshots:     v.GetInt("MAX_SNAPSHOTS"),
			RetentionDays:    v.GetInt("RETENTION_DAYS"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeMainnet, ModePaper:
	default:
		return fmt.Errorf("TRADING_MODE must be one of TESTNET, MAINNET, PAPER, got %q", c.Mode)
	}
	if c.Mode != ModePaper && c.Broker.APIKey == "" {
		return fmt.Errorf("broker API key is required for mode %s", c.Mode)
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("MAX_LEVERAGE must be > 0")
	}
	if !c.Risk.MaxPositionSizeUSDT.IsPositive() {
		return fmt.Errorf("MAX_POSITION_SIZE_USDT must be > 0")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("MAX_POSITIONS must be > 0")
	}
	if c.Risk.DailyResetHourUTC < 0 || c.Risk.DailyResetHourUTC > 23 {
		return fmt.Errorf("DAILY_RESET_HOUR_UTC must be in [0, 23]")
	}
	if c.Sizing.DefaultPositionSizePct.IsNegative() || c.Sizing.DefaultPositionSizePct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("DEFAULT_POSITION_SIZE_PERCENT must be in [0, 100]")
	}
	if th := c.Signals.ConfidenceThreshold; th.IsNegative() || th.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("SIGNAL_CONFIDENCE_THRESHOLD must be in [0, 1]")
	}
	if th := c.Signals.StrengthThreshold; th.IsNegative() || th.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("SIGNAL_STRENGTH_THRESHOLD must be in [0, 1]")
	}
	switch c.Orders.DefaultOrderType {
	case "LIMIT", "MARKET":
	default:
		return fmt.Errorf("DEFAULT_ORDER_TYPE must be LIMIT or MARKET, got %q", c.Orders.DefaultOrderType)
	}
	if c.Orders.DefaultLeverage <= 0 {
		return fmt.Errorf("DEFAULT_LEVERAGE must be > 0")
	}
	if c.Recovery.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be > 0")
	}
	if c.Recovery.MaxSnapshots <= 0 {
		return fmt.Errorf("MAX_SNAPSHOTS must be > 0")
	}
	return nil
}

func brokerForMode(v *viper.Viper, mode Mode) (BrokerConfig, error) {
	b := BrokerConfig{RecvWindow: v.GetDuration("BROKER_RECV_WINDOW")}
	switch mode {
	case ModeMainnet:
		b.APIKey = v.GetString("BINANCE_API_KEY")
		b.APISecret = v.GetString("BINANCE_API_SECRET")
		b.BaseURL = "https://fapi.binance.com"
		b.WSBaseURL = "wss://fstream.binance.com"
	case ModeTestnet:
		b.APIKey = v.GetString("BINANCE_TESTNET_API_KEY")
		b.APISecret = v.GetString("BINANCE_TESTNET_API_SECRET")
		b.BaseURL = "https://testnet.binancefuture.com"
		b.WSBaseURL = "wss://stream.binancefuture.com"
		b.Testnet = true
	case ModePaper:
		b.BaseURL = "https://testnet.binancefuture.com"
		b.WSBaseURL = "wss://stream.binancefuture.com"
		b.Testnet = true
	default:
		return b, fmt.Errorf("unknown TRADING_MODE %q", mode)
	}
	if u := v.GetString("BROKER_BASE_URL"); u != "" {
		b.BaseURL = u
	}
	if u := v.GetString("BROKER_WS_BASE_URL"); u != "" {
		b.WSBaseURL = u
	}
	return b, nil
}

// dec parses a decimal-valued setting; malformed values fall back to
// zero so Validate can report them coherently.
func dec(v *viper.Viper, key string) decimal.Decimal {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}
