package api

import (
	"time"

	"polymarket-signal-trader/internal/config"
)

// DashboardSnapshot is the complete state served by GET /api/snapshot and
// pushed to every WebSocket client on each broadcast tick.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Broker    BrokerSnapshot     `json:"broker"`
	Positions []PositionSnapshot `json:"positions"`
	Scanner   ScannerSnapshot    `json:"scanner"`

	SkipCounters map[string]int `json:"skip_counters"`
	Config       ConfigSummary  `json:"config"`
}

// BrokerSnapshot mirrors broker.Status in JSON-friendly float64 form.
type BrokerSnapshot struct {
	Cash          float64 `json:"cash"`
	Locked        float64 `json:"locked"`
	Unrealized    float64 `json:"unrealized"`
	Realized      float64 `json:"realized"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	OpenPositions int     `json:"open_positions"`
}

// PositionSnapshot represents one open directional position.
type PositionSnapshot struct {
	Slug          string    `json:"slug"`
	Side          string    `json:"side"`
	Strategy      string    `json:"strategy"`
	Qty           float64   `json:"qty"`
	EntryMid      float64   `json:"entry_mid"`
	EntryTime     time.Time `json:"entry_time"`
	FillPrice     float64   `json:"fill_price"`
	CostBasis     float64   `json:"cost_basis"`
	ZScore        float64   `json:"z_score"`
	PeakProfitPct float64   `json:"peak_profit_pct"`
	TrailingActive bool     `json:"trailing_active"`
}

// ScannerSnapshot reports the Scanner's most recent composite scores and the
// alerts from its most recent sample; every broadcast repeats those alerts
// until the next sample replaces them.
type ScannerSnapshot struct {
	TotalMarkets int `json:"total_markets"`
	WarmedUp     int `json:"warmed_up"`
	Volatile     int `json:"volatile"`

	FadeReady     int     `json:"fade_ready"`
	ReversionRate float64 `json:"reversion_rate"`
	FadeComposite float64 `json:"fade_composite"`

	TrendReady       int     `json:"trend_ready"`
	ContinuationRate float64 `json:"continuation_rate"`
	TrendComposite   float64 `json:"trend_composite"`

	Composite float64        `json:"composite"`
	Alerts    []AlertSnapshot `json:"alerts"`
}

// AlertSnapshot is one Scanner alert (HOT/FIRE) for a strategy.
type AlertSnapshot struct {
	Strategy  string    `json:"strategy"`
	Tier      string    `json:"tier"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfigSummary exposes the operationally-relevant subset of config.Config
// that an operator needs to interpret what the dashboard is showing them.
type ConfigSummary struct {
	Live bool `json:"live"`

	// Signal Engine
	ZBase          float64 `json:"z_base"`
	PercentileGate float64 `json:"percentile_gate"`
	SeverityAlert  float64 `json:"severity_alert"`

	// Broker / opening discipline
	SizePct          float64 `json:"size_pct"`
	MaxOpenPositions int     `json:"max_open_positions"`
	RearmSec         int     `json:"rearm_sec"`
	MaxSignalAgeSec  int     `json:"max_signal_age_sec"`

	// Exit thresholds
	FadeTP  float64 `json:"fade_tp"`
	FadeSL  float64 `json:"fade_sl"`
	TrendTP float64 `json:"trend_tp"`
	TrendSL float64 `json:"trend_sl"`

	// Scanner
	ScoreAlert       float64 `json:"score_alert"`
	ScoreFire        float64 `json:"score_fire"`
	AlertCooldownSec int     `json:"alert_cooldown_sec"`
}

// NewConfigSummary builds a ConfigSummary from the running config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Live: cfg.Live,

		ZBase:          cfg.Signal.ZBase,
		PercentileGate: cfg.Signal.PercentileGate,
		SeverityAlert:  cfg.Signal.SeverityAlert,

		SizePct:          cfg.Broker.SizePct,
		MaxOpenPositions: cfg.Broker.MaxOpenPositions,
		RearmSec:         cfg.Broker.RearmSec,
		MaxSignalAgeSec:  cfg.Broker.MaxSignalAgeSec,

		FadeTP:  cfg.Exit.Fade.TP,
		FadeSL:  cfg.Exit.Fade.SL,
		TrendTP: cfg.Exit.Trend.TP,
		TrendSL: cfg.Exit.Trend.SL,

		ScoreAlert:       cfg.Scanner.ScoreAlert,
		ScoreFire:        cfg.Scanner.ScoreFire,
		AlertCooldownSec: cfg.Scanner.AlertCooldownSec,
	}
}
