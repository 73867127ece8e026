// Package config defines all configuration for the signal trader.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Live             bool             `mapstructure:"live"`
	DebugRejections  bool             `mapstructure:"debug_rejections"`
	Auth             AuthConfig       `mapstructure:"auth"`
	API              APIConfig        `mapstructure:"api"`
	Market           MarketConfig     `mapstructure:"market"`
	Signal           SignalConfig     `mapstructure:"signal"`
	Revert           RevertConfig     `mapstructure:"revert"`
	Broker           BrokerConfig     `mapstructure:"broker"`
	Exit             ExitConfig       `mapstructure:"exit"`
	Scanner          ScannerConfig    `mapstructure:"scanner"`
	Store            StoreConfig      `mapstructure:"store"`
	Sink             SinkConfig       `mapstructure:"sink"`
	Logging          LoggingConfig    `mapstructure:"logging"`
	Dashboard        DashboardConfig  `mapstructure:"dashboard"`
}

// AuthConfig holds the Ed25519 key pair used to sign every outbound request.
// SecretKey is the base64-encoded secret whose first 32 bytes are the raw
// private scalar; AccessKey is the key id sent in X-PM-Access-Key.
type AuthConfig struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// APIConfig holds the exchange's REST and WebSocket endpoints.
type APIConfig struct {
	Base       string        `mapstructure:"base"`
	WSMarketURL string       `mapstructure:"ws_market_url"`
	RateLimitR int           `mapstructure:"rate_limit_r"`
	RateLimitW time.Duration `mapstructure:"rate_limit_w"`
	RESTTimeout time.Duration `mapstructure:"rest_timeout"`
}

// MarketConfig tunes the Market State Store (C4).
type MarketConfig struct {
	HistoryCapacity int     `mapstructure:"history_capacity"` // H, default 50
	SpreadRing      int     `mapstructure:"spread_ring"`      // default 10
	MaxSpreadPct    float64 `mapstructure:"max_spread_pct"`   // default 0.15
	DeltaSeriesCap  int     `mapstructure:"delta_series_cap"` // default 2000
	PeakZDecayPct   float64 `mapstructure:"peak_z_decay_pct"` // default 0.25
	PeakZDecaySec   int     `mapstructure:"peak_z_decay_sec"` // default 60
	StaleAfterSec   int     `mapstructure:"stale_after_sec"`  // default 30
}

// SignalConfig tunes the Signal Engine (C5).
type SignalConfig struct {
	MinHistory        int     `mapstructure:"min_history"`         // n >= 10
	ZBase             float64 `mapstructure:"z_base"`              // 0.8
	AdaptiveSamples   int     `mapstructure:"adaptive_samples"`    // 50
	AdaptiveRecent    int     `mapstructure:"adaptive_recent"`     // last 50
	HighRatio         float64 `mapstructure:"high_ratio"`          // 1.3
	HighRatioDelta    float64 `mapstructure:"high_ratio_delta"`    // -0.3
	HighRatioFloor    float64 `mapstructure:"high_ratio_floor"`    // 1.1
	LowRatio          float64 `mapstructure:"low_ratio"`           // 0.7
	LowRatioDelta     float64 `mapstructure:"low_ratio_delta"`     // +0.45
	SpikeDeltaMin     float64 `mapstructure:"spike_delta_min"`     // 0.003
	WarmupSamples     int     `mapstructure:"warmup_samples"`      // 20
	WarmupZBonus      float64 `mapstructure:"warmup_z_bonus"`      // 0.1
	PercentileGate    float64 `mapstructure:"percentile_gate"`     // 50
	SeverityAlert     float64 `mapstructure:"severity_alert"`      // 3
	SeverityWatch     float64 `mapstructure:"severity_watch"`      // 1.5
	FadeZMin          float64 `mapstructure:"fade_z_min"`          // 3.5
	FadeZMax          float64 `mapstructure:"fade_z_max"`          // 6.0
	FadeMidMin        float64 `mapstructure:"fade_mid_min"`        // 0.25
	FadeMidMax        float64 `mapstructure:"fade_mid_max"`        // 0.55
	FadeSpreadMax     float64 `mapstructure:"fade_spread_max"`     // 0.04
	TrendZMin         float64 `mapstructure:"trend_z_min"`         // 3.5
	TrendMidMin       float64 `mapstructure:"trend_mid_min"`       // 0.20
	TrendMidMax       float64 `mapstructure:"trend_mid_max"`       // 0.55
	TrendSpreadMax    float64 `mapstructure:"trend_spread_max"`    // 0.10
	LiquidityMin      float64 `mapstructure:"liquidity_min"`       // 10
	BurstZMin         float64 `mapstructure:"burst_z_min"`         // 4.5
	BurstWindowSec    int     `mapstructure:"burst_window_sec"`    // 300
}

// RevertConfig tunes the Reversion Tracker (C6). Exposed as config per the
// spec's own open question ("exposing as configuration is recommended").
type RevertConfig struct {
	CheckAfterSec    int     `mapstructure:"check_after_sec"`    // 180
	RetentionSec     int     `mapstructure:"retention_sec"`      // 600
	RevertedFraction float64 `mapstructure:"reverted_fraction"`  // 0.50
	ContinuedFraction float64 `mapstructure:"continued_fraction"` // 0.20
	MinChecked       int     `mapstructure:"min_checked"`        // 3
}

// BrokerConfig tunes sizing, opening discipline, and fees for the Broker (C7).
type BrokerConfig struct {
	SizePct              float64       `mapstructure:"size_pct"`               // 0.10
	SizeMin              float64       `mapstructure:"size_min"`               // 1.0
	SizeMax              float64       `mapstructure:"size_max"`               // 10.0
	MaxOpenPositions     int           `mapstructure:"max_open_positions"`     // 2
	RearmSec             int           `mapstructure:"rearm_sec"`              // 300
	RearmExpirySec       int           `mapstructure:"rearm_expiry_sec"`       // 3600
	GlobalCooldownSec    int           `mapstructure:"global_cooldown_sec"`    // 30
	MaxSignalAgeSec      int           `mapstructure:"max_signal_age_sec"`     // 15
	DeltaRatioMin        float64       `mapstructure:"delta_ratio_min"`        // 0.015
	DeltaRatioMax        float64       `mapstructure:"delta_ratio_max"`        // 0.15
	LossBlockCount       int           `mapstructure:"loss_block_count"`       // 2
	FeeRate              float64       `mapstructure:"fee_rate"`               // 0.005
	CrossOffset          float64       `mapstructure:"cross_offset"`           // 0.005
	MinPrice             float64       `mapstructure:"min_price"`              // 0.001
	MaxPrice             float64       `mapstructure:"max_price"`              // 0.999
	CloseSlippageBips    int           `mapstructure:"close_slippage_bips"`    // 300
	FillPollAttempts     int           `mapstructure:"fill_poll_attempts"`     // 10
	FillPollInterval     time.Duration `mapstructure:"fill_poll_interval"`     // 1s
	PortfolioPollEvery   int           `mapstructure:"portfolio_poll_every"`   // 3
	CloseRetries         int           `mapstructure:"close_retries"`          // 3
	CloseRetryDelay      time.Duration `mapstructure:"close_retry_delay"`      // 2s
	StartingCashUSD      float64       `mapstructure:"starting_cash_usd"`      // paper mode seed
}

// ExitConfig carries the per-strategy exit thresholds of the Exit Evaluator (C8).
type ExitConfig struct {
	Fade  StrategyExitConfig `mapstructure:"fade"`
	Trend StrategyExitConfig `mapstructure:"trend"`
}

// StrategyExitConfig is one strategy's row of the exit threshold table.
type StrategyExitConfig struct {
	TP             float64       `mapstructure:"tp"`
	SL             float64       `mapstructure:"sl"`
	TimeSec        int           `mapstructure:"time_sec"`
	BESec          int           `mapstructure:"be_sec"`
	BETol          float64       `mapstructure:"be_tol"`
	TrailActivate  float64       `mapstructure:"trail_activate"`
	TrailStop      float64       `mapstructure:"trail_stop"`
}

// ScannerConfig tunes the Scanner (C10).
type ScannerConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`     // 30s
	ScoreAlert       float64       `mapstructure:"score_alert"`       // 65 (HOT)
	ScoreFire        float64       `mapstructure:"score_fire"`        // 85 (FIRE)
	FadeRateGate     float64       `mapstructure:"fade_rate_gate"`    // 0.30
	TrendRateGate    float64       `mapstructure:"trend_rate_gate"`   // 0.40
	PreGamePenalty   float64       `mapstructure:"pre_game_penalty"`  // 0.3
	AlertCooldownSec int           `mapstructure:"alert_cooldown_sec"` // 300
}

// StoreConfig sets where open-position recovery state is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SinkConfig controls the Event Sink (trade/signal CSV log).
type SinkConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PM_ACCESS_KEY, PM_SECRET_KEY, PM_API_BASE,
// PM_LIVE, PM_DEBUG_REJECTIONS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("PM_ACCESS_KEY"); key != "" {
		cfg.Auth.AccessKey = key
	}
	if secret := os.Getenv("PM_SECRET_KEY"); secret != "" {
		cfg.Auth.SecretKey = secret
	}
	if base := os.Getenv("PM_API_BASE"); base != "" {
		cfg.API.Base = base
	}
	if v := os.Getenv("PM_LIVE"); v == "true" || v == "1" {
		cfg.Live = true
	}
	if v := os.Getenv("PM_DEBUG_REJECTIONS"); v == "true" || v == "1" {
		cfg.DebugRejections = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. Failures here are
// fatal configuration errors (exit code non-zero) per the spec's exit-code
// contract.
func (c *Config) Validate() error {
	if c.Live {
		if c.Auth.AccessKey == "" {
			return fmt.Errorf("auth.access_key is required in live mode (set PM_ACCESS_KEY)")
		}
		if c.Auth.SecretKey == "" {
			return fmt.Errorf("auth.secret_key is required in live mode (set PM_SECRET_KEY)")
		}
	}
	if c.API.Base == "" {
		return fmt.Errorf("api.base is required")
	}
	if c.Market.HistoryCapacity <= 0 {
		return fmt.Errorf("market.history_capacity must be > 0")
	}
	if c.Broker.SizeMin <= 0 || c.Broker.SizeMax < c.Broker.SizeMin {
		return fmt.Errorf("broker.size_min/size_max must be positive and ordered")
	}
	if c.Broker.MaxOpenPositions <= 0 {
		return fmt.Errorf("broker.max_open_positions must be > 0")
	}
	if c.Exit.Fade.TP <= 0 || c.Exit.Trend.TP <= 0 {
		return fmt.Errorf("exit.fade.tp and exit.trend.tp must be > 0")
	}
	return nil
}

// Defaults returns a Config populated with the spec's compiled-in defaults.
// Load unmarshals the config file over it, so a key the file omits keeps its
// default instead of the zero value.
func Defaults() Config {
	return Config{
		API: APIConfig{
			RateLimitR:  40,
			RateLimitW:  time.Second,
			RESTTimeout: 15 * time.Second,
		},
		Market: MarketConfig{
			HistoryCapacity: 50,
			SpreadRing:      10,
			MaxSpreadPct:    0.15,
			DeltaSeriesCap:  2000,
			PeakZDecayPct:   0.25,
			PeakZDecaySec:   60,
			StaleAfterSec:   30,
		},
		Signal: SignalConfig{
			MinHistory:      10,
			ZBase:           0.8,
			AdaptiveSamples: 50,
			AdaptiveRecent:  50,
			HighRatio:       1.3,
			HighRatioDelta:  -0.3,
			HighRatioFloor:  1.1,
			LowRatio:        0.7,
			LowRatioDelta:   0.45,
			SpikeDeltaMin:   0.003,
			WarmupSamples:   20,
			WarmupZBonus:    0.1,
			PercentileGate:  50,
			SeverityAlert:   3,
			SeverityWatch:   1.5,
			FadeZMin:        3.5,
			FadeZMax:        6.0,
			FadeMidMin:      0.25,
			FadeMidMax:      0.55,
			FadeSpreadMax:   0.04,
			TrendZMin:       3.5,
			TrendMidMin:     0.20,
			TrendMidMax:     0.55,
			TrendSpreadMax:  0.10,
			LiquidityMin:    10,
			BurstZMin:       4.5,
			BurstWindowSec:  300,
		},
		Revert: RevertConfig{
			CheckAfterSec:     180,
			RetentionSec:      600,
			RevertedFraction:  0.50,
			ContinuedFraction: 0.20,
			MinChecked:        3,
		},
		Broker: BrokerConfig{
			SizePct:            0.10,
			SizeMin:            1.0,
			SizeMax:            10.0,
			MaxOpenPositions:   2,
			RearmSec:           300,
			RearmExpirySec:     3600,
			GlobalCooldownSec:  30,
			MaxSignalAgeSec:    15,
			DeltaRatioMin:      0.015,
			DeltaRatioMax:      0.15,
			LossBlockCount:     2,
			FeeRate:            0.005,
			CrossOffset:        0.005,
			MinPrice:           0.001,
			MaxPrice:           0.999,
			CloseSlippageBips:  300,
			FillPollAttempts:   10,
			FillPollInterval:   time.Second,
			PortfolioPollEvery: 3,
			CloseRetries:       3,
			CloseRetryDelay:    2 * time.Second,
			StartingCashUSD:    1000,
		},
		Exit: ExitConfig{
			Fade: StrategyExitConfig{
				TP: 0.10, SL: 0.04, TimeSec: 720, BESec: 480, BETol: 0.015,
				TrailActivate: 0.04, TrailStop: 0.025,
			},
			Trend: StrategyExitConfig{
				TP: 0.12, SL: 0.05, TimeSec: 480, BESec: 240, BETol: 0.010,
				TrailActivate: 0.035, TrailStop: 0.020,
			},
		},
		Scanner: ScannerConfig{
			TickInterval:     30 * time.Second,
			ScoreAlert:       65,
			ScoreFire:        85,
			FadeRateGate:     0.30,
			TrendRateGate:    0.40,
			PreGamePenalty:   0.3,
			AlertCooldownSec: 300,
		},
	}
}
