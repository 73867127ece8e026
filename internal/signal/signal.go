// Package signal implements the Signal Engine (C5): turns a market's mid
// history and the global delta series into a classified, strategy-hinted
// Signal, gated by an adaptive z-score threshold and a percentile-rank
// filter so that only genuinely anomalous ticks reach the Trade Loop.
//
// No direct teacher analogue — the teacher's Avellaneda-Stoikov maker has no
// statistical anomaly detector. Grounded on original_source/monitor.py's
// zscore/adaptive_z/percentile/process_bbo_update, with the FADE/TREND
// numeric thresholds taken from original_source/scanner.py's calibration.
package signal

import (
	"math"
	"sync"
	"time"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/market"
	"polymarket-signal-trader/pkg/types"
)

// Engine computes Signals from Market State Store snapshots. Holds only the
// small per-slug burst-detection memory; all other statistics are derived
// fresh from the snapshot and the global delta series on every call.
type Engine struct {
	cfg config.SignalConfig

	mu         sync.Mutex
	lastSignal map[string]burstMemory
}

type burstMemory struct {
	at        time.Time
	direction types.Direction
	absZ      float64
}

// New builds a Signal Engine.
func New(cfg config.SignalConfig) *Engine {
	return &Engine{
		cfg:        cfg,
		lastSignal: make(map[string]burstMemory),
	}
}

// Evaluate computes a Signal for one slug from its current Market State
// Store snapshot and the shared global delta series. ok is false when the
// tick fails to clear the spike or percentile gate — in that case no
// Signal should be forwarded downstream at all.
func (e *Engine) Evaluate(snap market.Snapshot, globalDeltas []float64, now time.Time) (types.Signal, bool) {
	n := len(snap.MidHistory)
	if n < 2 {
		return types.Signal{}, false
	}

	mid := snap.MidHistory[n-1]
	prevMid := snap.MidHistory[n-2]
	delta := mid - prevMid
	absDelta := math.Abs(delta)

	z := e.zscore(snap.MidHistory, mid)
	absZ := math.Abs(z)
	adaptive := e.adaptiveThreshold(globalDeltas)

	if absDelta < e.cfg.SpikeDeltaMin || absZ < adaptive {
		return types.Signal{}, false
	}

	if len(globalDeltas) < e.cfg.WarmupSamples {
		if absZ < adaptive+e.cfg.WarmupZBonus {
			return types.Signal{}, false
		}
	} else if e.percentileRank(absDelta, globalDeltas) < e.cfg.PercentileGate {
		return types.Signal{}, false
	}

	direction := types.DirDip
	if delta > 0 {
		direction = types.DirSpike
	}

	sig := types.Signal{
		Slug:              snap.Slug,
		Mid:               mid,
		AbsZ:              absZ,
		DirectionStrength: delta * absZ,
		Direction:         direction,
		Severity:          severity(absZ, e.cfg),
		Decision:          types.DecisionAccept,
		Spread:            snap.LastSpread,
		CreatedAt:         now,
	}

	e.applyStrategyHints(&sig, absZ, mid, snap.LastSpread, snap.OpenInterest)
	sig.BurstLabel = e.detectBurst(snap.Slug, direction, absZ, now)

	return sig, true
}

// zscore computes a population z-score of mid within history (including
// mid itself, which is always the last entry). Below MinHistory samples or
// with near-zero variance, z is defined as 0.
func (e *Engine) zscore(history []float64, mid float64) float64 {
	n := len(history)
	if n < e.cfg.MinHistory {
		return 0
	}
	mu := mean(history)
	sigma := popStdDev(history, mu)
	if sigma < 1e-9 {
		return 0
	}
	return (mid - mu) / sigma
}

// adaptiveThreshold implements the adaptive baseline: below AdaptiveSamples
// global samples, use ZBase; otherwise compare the volatility of the most
// recent AdaptiveRecent deltas against the whole series.
func (e *Engine) adaptiveThreshold(globalDeltas []float64) float64 {
	if len(globalDeltas) < e.cfg.AdaptiveSamples {
		return e.cfg.ZBase
	}

	recent := globalDeltas
	if len(recent) > e.cfg.AdaptiveRecent {
		recent = recent[len(recent)-e.cfg.AdaptiveRecent:]
	}

	baseline := popStdDev(globalDeltas, mean(globalDeltas))
	if baseline == 0 {
		return e.cfg.ZBase
	}

	recentSigma := 1.0
	if len(recent) >= 2 {
		recentSigma = popStdDev(recent, mean(recent))
	}
	ratio := recentSigma / baseline

	switch {
	case ratio > e.cfg.HighRatio:
		floor := e.cfg.ZBase + e.cfg.HighRatioDelta
		if floor < e.cfg.HighRatioFloor {
			floor = e.cfg.HighRatioFloor
		}
		return floor
	case ratio < e.cfg.LowRatio:
		return e.cfg.ZBase + e.cfg.LowRatioDelta
	default:
		return e.cfg.ZBase
	}
}

// percentileRank returns the percentage of globalDeltas at or below val.
func (e *Engine) percentileRank(val float64, globalDeltas []float64) float64 {
	if len(globalDeltas) == 0 {
		return 0
	}
	count := 0
	for _, d := range globalDeltas {
		if d <= val {
			count++
		}
	}
	return 100 * float64(count) / float64(len(globalDeltas))
}

func severity(absZ float64, cfg config.SignalConfig) types.Severity {
	switch {
	case absZ >= cfg.SeverityAlert:
		return types.SeverityAlert
	case absZ >= cfg.SeverityWatch:
		return types.SeverityWatch
	default:
		return types.SeverityInfo
	}
}

// applyStrategyHints sets FadeEligible/TrendEligible and StrategyHint/Side
// per the FADE and TREND eligibility bands. FADE is checked first: a signal
// eligible for both picks FADE, matching the narrower, higher-confidence
// band.
func (e *Engine) applyStrategyHints(sig *types.Signal, absZ, mid, spread, liquidity float64) {
	cfg := e.cfg
	fadeEligible := absZ >= cfg.FadeZMin && absZ < cfg.FadeZMax &&
		mid >= cfg.FadeMidMin && mid <= cfg.FadeMidMax &&
		spread <= cfg.FadeSpreadMax && liquidity >= cfg.LiquidityMin
	trendEligible := absZ >= cfg.TrendZMin &&
		mid >= cfg.TrendMidMin && mid <= cfg.TrendMidMax &&
		spread <= cfg.TrendSpreadMax && liquidity >= cfg.LiquidityMin

	sig.FadeEligible = fadeEligible
	sig.TrendEligible = trendEligible

	switch {
	case fadeEligible:
		sig.StrategyHint = types.Fade
		sig.Side = oppositeSide(sig.Direction)
	case trendEligible:
		sig.StrategyHint = types.Trend
		sig.Side = withSide(sig.Direction)
	}
}

// oppositeSide returns the mean-reversion side: a SPIKE (mid went up)
// is faded by buying NO; a DIP is faded by buying YES.
func oppositeSide(dir types.Direction) types.Side {
	if dir == types.DirSpike {
		return types.BuyNo
	}
	return types.BuyYes
}

// withSide returns the momentum side: ride a SPIKE with YES, a DIP with NO.
func withSide(dir types.Direction) types.Side {
	if dir == types.DirSpike {
		return types.BuyYes
	}
	return types.BuyNo
}

// detectBurst labels a signal MEAN_REVERSION when the previous signal for
// this slug moved the opposite direction, was itself a strong move (|z| >=
// BurstZMin), and arrived within BurstWindowSec. Telemetry only — never
// changes Decision.
func (e *Engine) detectBurst(slug string, dir types.Direction, absZ float64, now time.Time) string {
	e.mu.Lock()
	prev, had := e.lastSignal[slug]
	e.lastSignal[slug] = burstMemory{at: now, direction: dir, absZ: absZ}
	e.mu.Unlock()

	if !had {
		return ""
	}
	if prev.direction == dir {
		return ""
	}
	if math.Abs(prev.absZ) < e.cfg.BurstZMin {
		return ""
	}
	if now.Sub(prev.at) > time.Duration(e.cfg.BurstWindowSec)*time.Second {
		return ""
	}
	return "MEAN_REVERSION"
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func popStdDev(xs []float64, mu float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mu
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}
