// Package scanner implements the Scanner (C10): a parallel, read-only
// observer that samples the Market State Store and Reversion Tracker on a
// dashboard tick and produces two composite health scores (FADE_score,
// TREND_score) used to alert an operator that conditions are favorable for
// one strategy or the other. It never touches the Broker or the opening
// discipline — purely telemetry.
//
// Grounded on original_source/scanner.py's ActivityTracker.get_metrics and
// score_linear; distinguished from the teacher's market.Scanner, which is a
// different component (Gamma-API market discovery/ranking) represented in
// this system as the Catalog Service stub (internal/catalog).
package scanner

import (
	"time"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/market"
	"polymarket-signal-trader/internal/revert"
	"polymarket-signal-trader/pkg/types"
)

// Scoring-formula constants. Unlike the opening-discipline and exit
// thresholds, these aren't exposed as config — they're intrinsic to the
// composite-score shape itself, mirroring original_source/scanner.py's own
// hardcoded values.
const (
	zWatch        = 1.5
	zTradeable    = 3.5
	zMaxFade      = 6.0
	zMinTrend     = 3.5
	minMid        = 0.20
	maxMid        = 0.55
	maxSpreadFade  = 0.04
	maxSpreadBase  = 0.10
	maxSpreadTrend = 0.10
	minWarmup      = 20
	peakZFreshness = 60 * time.Second

	// minCheckedSpikes gates both the rate-score fallback and the alert
	// rate-gate: below this many checked spikes, a rate is "no data yet"
	// rather than a real signal. Mirrors revert.RevertConfig.MinChecked's
	// default (3), kept as its own constant since the Scanner has no
	// config field for it (original_source/scanner.py's MIN_CHECKED_SPIKES
	// is likewise a fixed constant, not user-tunable).
	minCheckedSpikes = 3
)

// bracket is one (value, score) control point of a piecewise-linear table.
type bracket struct {
	value float64
	score float64
}

var (
	readyBrackets = []bracket{{0, 0}, {1, 35}, {2, 60}, {3, 80}, {5, 95}, {8, 100}}
	reversionBrackets = []bracket{{0, 0}, {15, 15}, {30, 40}, {50, 70}, {70, 95}, {100, 100}}
	continuationBrackets = []bracket{{0, 0}, {20, 20}, {40, 50}, {60, 75}, {80, 95}, {100, 100}}
	volatileBrackets = []bracket{{0, 0}, {2, 15}, {5, 35}, {10, 55}, {20, 80}, {30, 100}}
	tightBrackets = []bracket{{0, 0}, {3, 20}, {8, 45}, {15, 70}, {25, 90}, {40, 100}}
)

// scoreLinear maps value through a piecewise-linear bracket table to 0-100,
// clamping outside the table's range and interpolating between control
// points within it.
func scoreLinear(value float64, brackets []bracket) float64 {
	if value <= brackets[0].value {
		return brackets[0].score
	}
	last := brackets[len(brackets)-1]
	if value >= last.value {
		return last.score
	}
	for i := 0; i < len(brackets)-1; i++ {
		lo, hi := brackets[i], brackets[i+1]
		if value >= lo.value && value <= hi.value {
			if hi.value == lo.value {
				return lo.score
			}
			t := (value - lo.value) / (hi.value - lo.value)
			return lo.score + t*(hi.score-lo.score)
		}
	}
	return last.score
}

// PhaseLookup classifies a slug's game phase, supplied by the external Phase
// Oracle collaborator. Markets the lookup can't classify should return
// types.PhaseUnknown.
type PhaseLookup func(slug string) types.GamePhase

// AlertTier names the Scanner's alert severity, distinct from the Signal
// Engine's per-signal Severity.
type AlertTier string

const (
	TierHot  AlertTier = "HOT"
	TierFire AlertTier = "FIRE"
)

// Alert is emitted when a strategy's composite score clears its threshold
// with a supporting reversion/continuation rate and isn't in cooldown.
type Alert struct {
	Strategy  types.Strategy
	Tier      AlertTier
	Score     float64
	CreatedAt time.Time
}

// Metrics is one dashboard tick's full scoring snapshot.
type Metrics struct {
	TotalMarkets int
	WarmedUp     int
	Ready        int
	Volatile     int
	FadeReady    int
	TrendReady   int
	TightEntry   int
	TrendTight   int

	ReversionRate  float64
	TotalChecked   int
	FadePending    int
	FadeComposite  float64

	ContinuationRate  float64
	TrendTotalChecked int
	TrendPending      int
	TrendComposite    float64

	Composite float64
}

// Scanner samples a Market State Store and Reversion Tracker on each tick.
// Holds no mutable state of its own beyond per-strategy alert cooldowns —
// it owns no market data, it only reads the shared Store/Tracker.
type Scanner struct {
	cfg     config.ScannerConfig
	store   *market.Store
	tracker *revert.Tracker
	phase   PhaseLookup

	lastFadeAlert  time.Time
	lastTrendAlert time.Time
}

// New builds a Scanner over the given Market State Store and Reversion
// Tracker. phase may be nil, in which case every market is treated as
// PhaseUnknown (conservative: counts toward the "unknown" phase bucket,
// which keeps the pre-game penalty from firing spuriously).
func New(cfg config.ScannerConfig, store *market.Store, tracker *revert.Tracker, phase PhaseLookup) *Scanner {
	if phase == nil {
		phase = func(string) types.GamePhase { return types.PhaseUnknown }
	}
	return &Scanner{cfg: cfg, store: store, tracker: tracker, phase: phase}
}

// Sample computes this tick's Metrics and returns any alerts that clear
// their threshold, rate gate, and cooldown. Alerts mutate the Scanner's
// cooldown state; Metrics computation itself is read-only.
func (s *Scanner) Sample(now time.Time) (Metrics, []Alert) {
	m := s.computeMetrics(now)
	alerts := s.checkAlerts(m, now)
	return m, alerts
}

func (s *Scanner) computeMetrics(now time.Time) Metrics {
	slugs := s.store.Slugs()

	var m Metrics
	m.TotalMarkets = len(slugs)

	var fadePhaseLive, fadePhaseUnknown, trendPhaseLive, trendPhaseUnknown int

	for _, slug := range slugs {
		snap, ok := s.store.Snapshot(slug)
		if !ok {
			continue
		}
		nHist := len(snap.MidHistory)

		if nHist >= minWarmup {
			m.WarmedUp++
			if snap.LastSpread < maxSpreadBase {
				m.Ready++
			}
		}
		if snap.LastSpread < maxSpreadFade {
			m.TightEntry++
		}
		if snap.LastSpread < maxSpreadTrend {
			m.TrendTight++
		}

		if nHist < minWarmup || now.Sub(snap.PeakZUpdatedAt) >= peakZFreshness {
			continue
		}

		absZ := snap.PeakZ
		if absZ < 0 {
			absZ = -absZ
		}
		midOK := snap.LastMid >= minMid && snap.LastMid <= maxMid

		if absZ >= zWatch {
			m.Volatile++
		}

		if absZ >= zTradeable && absZ < zMaxFade && midOK && snap.LastSpread < maxSpreadFade {
			m.FadeReady++
			switch s.phase(slug) {
			case types.PhaseLive:
				fadePhaseLive++
			case types.PhasePre:
				// counted only implicitly via neither live nor unknown
			default:
				fadePhaseUnknown++
			}
		}

		if absZ >= zMinTrend && midOK && snap.LastSpread < maxSpreadTrend {
			m.TrendReady++
			switch s.phase(slug) {
			case types.PhaseLive:
				trendPhaseLive++
			case types.PhasePre:
			default:
				trendPhaseUnknown++
			}
		}
	}

	rates := s.tracker.Rates(now)
	fadePending, trendPending := s.tracker.Pending(now)
	m.ReversionRate = rates.ReversionRate
	m.TotalChecked = rates.ReversionChecked
	m.FadePending = fadePending
	m.ContinuationRate = rates.ContinuationRate
	m.TrendTotalChecked = rates.ContinuationChecked
	m.TrendPending = trendPending

	fadeReadyScore := scoreLinear(float64(m.FadeReady), readyBrackets)
	reversionScore := scoreLinear(m.ReversionRate*100, reversionBrackets)
	if m.TotalChecked < minCheckedSpikes {
		if m.FadePending > 0 {
			reversionScore = 50.0
		} else {
			reversionScore = 0.0
		}
	}
	volatileScore := scoreLinear(float64(m.Volatile), volatileBrackets)
	tightScore := scoreLinear(float64(m.TightEntry), tightBrackets)

	m.FadeComposite = weightFadeReady*fadeReadyScore + weightReversion*reversionScore + weightVolatile*volatileScore + weightTight*tightScore
	if m.FadeReady > 0 && fadePhaseLive == 0 && fadePhaseUnknown == 0 {
		m.FadeComposite *= s.cfg.PreGamePenalty
	}

	trendReadyScore := scoreLinear(float64(m.TrendReady), readyBrackets)
	continuationScore := scoreLinear(m.ContinuationRate*100, continuationBrackets)
	if m.TrendTotalChecked < minCheckedSpikes {
		if m.TrendPending > 0 {
			continuationScore = 50.0
		} else {
			continuationScore = 0.0
		}
	}
	trendTightScore := scoreLinear(float64(m.TrendTight), tightBrackets)

	m.TrendComposite = weightTrendReady*trendReadyScore + weightContinuation*continuationScore + weightTrendVolatile*volatileScore + weightTrendTight*trendTightScore
	if m.TrendReady > 0 && trendPhaseLive == 0 && trendPhaseUnknown == 0 {
		m.TrendComposite *= s.cfg.PreGamePenalty
	}

	m.Composite = m.FadeComposite
	if m.TrendComposite > m.Composite {
		m.Composite = m.TrendComposite
	}

	return m
}

const (
	weightFadeReady     = 0.35
	weightReversion     = 0.30
	weightVolatile      = 0.15
	weightTight         = 0.20
	weightTrendReady    = 0.35
	weightContinuation  = 0.30
	weightTrendVolatile = 0.15
	weightTrendTight    = 0.20
)

// checkAlerts applies the ≥65/≥85 thresholds, the ≥1-ready-market and
// rate-gate requirements, and the per-strategy cooldown.
func (s *Scanner) checkAlerts(m Metrics, now time.Time) []Alert {
	var alerts []Alert

	if m.FadeReady >= 1 && m.TotalChecked >= minCheckedSpikes && m.ReversionRate >= s.cfg.FadeRateGate {
		if now.Sub(s.lastFadeAlert) >= time.Duration(s.cfg.AlertCooldownSec)*time.Second {
			tier := tierFor(m.FadeComposite, s.cfg)
			if tier != "" {
				alerts = append(alerts, Alert{Strategy: types.Fade, Tier: tier, Score: m.FadeComposite, CreatedAt: now})
				s.lastFadeAlert = now
			}
		}
	}

	if m.TrendReady >= 1 && m.TrendTotalChecked >= minCheckedSpikes && m.ContinuationRate >= s.cfg.TrendRateGate {
		if now.Sub(s.lastTrendAlert) >= time.Duration(s.cfg.AlertCooldownSec)*time.Second {
			tier := tierFor(m.TrendComposite, s.cfg)
			if tier != "" {
				alerts = append(alerts, Alert{Strategy: types.Trend, Tier: tier, Score: m.TrendComposite, CreatedAt: now})
				s.lastTrendAlert = now
			}
		}
	}

	return alerts
}

func tierFor(score float64, cfg config.ScannerConfig) AlertTier {
	switch {
	case score >= cfg.ScoreFire:
		return TierFire
	case score >= cfg.ScoreAlert:
		return TierHot
	default:
		return ""
	}
}
