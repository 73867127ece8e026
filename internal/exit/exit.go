// Package exit implements the Exit Evaluator (C8): a pure, deterministic
// function over a Position and its current executable price. No I/O, no
// global state — every decision is a function of its inputs, which is what
// makes this package trivially table-testable.
//
// No direct teacher analogue (the teacher's maker quotes continuously rather
// than managing directional exits), but styled after
// strategy.Maker.computeQuotes's shape: one pure calculation method, heavily
// commented formula block. Peak-decay timing is grounded on
// original_source/monitor.py's decay pattern.
package exit

import (
	"time"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/pkg/types"
)

var (
	peakDecayInterval = 60 * time.Second
	peakDecayFraction = decimal.NewFromFloat(0.25)
)

// Evaluate applies the 5-rule priority table to one open position against
// its current executable price (best-bid for a YES-long, best-ask for a
// NO-long — callers must never pass the mid). It returns the position with
// its peak-tracking fields advanced (the caller persists this back into the
// Broker's position map) along with an ExitDecision if a rule fired.
//
// sourceStale signals that the BBO feeding executablePrice is older than the
// stream freshness bound; combined with executablePrice==EntryMid this
// suppresses TP/SL/trailing (a frozen price is not a real zero-move) while
// still allowing time/breakeven exits to fire.
func Evaluate(pos types.Position, executablePrice decimal.Decimal, now time.Time, cfg config.StrategyExitConfig, sourceStale bool) (types.Position, *types.ExitDecision) {
	profitPct := profitPercent(pos, executablePrice)
	age := now.Sub(pos.EntryTime)

	frozen := sourceStale && executablePrice.Equal(pos.EntryMid)

	// Peak-decay is purely time-based and always applies. The trailing rule
	// below is checked against the peak/consecutive-tick state as it stood
	// BEFORE this tick's own profit is folded in — otherwise a losing tick
	// would erase the very consecutive-tick count it needs to be judged
	// against.
	pos = decayPeak(pos, now)

	if !frozen {
		tp := decimal.NewFromFloat(cfg.TP)
		if profitPct.GreaterThanOrEqual(tp) {
			return pos, &types.ExitDecision{Reason: types.ReasonTakeProfit, ProfitPct: profitPct}
		}

		sl := decimal.NewFromFloat(cfg.SL).Neg()
		if profitPct.LessThanOrEqual(sl) {
			return pos, &types.ExitDecision{Reason: types.ReasonStopLoss, ProfitPct: profitPct}
		}

		if pos.TrailingActive {
			trailLine := pos.PeakProfitPct.Sub(decimal.NewFromFloat(cfg.TrailStop))
			if profitPct.LessThanOrEqual(trailLine) && pos.ConsecutiveProfitTicks >= 2 {
				return pos, &types.ExitDecision{Reason: types.ReasonTrailingStop, ProfitPct: profitPct}
			}
		}
	}

	if age >= time.Duration(cfg.BESec)*time.Second {
		tol := decimal.NewFromFloat(cfg.BETol)
		if profitPct.Abs().LessThan(tol) {
			return pos, &types.ExitDecision{Reason: types.ReasonBreakeven, ProfitPct: profitPct}
		}
	}

	if age >= time.Duration(cfg.TimeSec)*time.Second {
		return pos, &types.ExitDecision{Reason: types.ReasonTimeExit, ProfitPct: profitPct}
	}

	if !frozen {
		pos = updatePeak(pos, profitPct, now)
		pos = ActivateTrailing(pos, profitPct, cfg)
	}

	return pos, nil
}

// profitPercent computes the directional profit fraction: (current-entry)/entry
// for a YES-long, (entry-current)/(1-entry) for a NO-long.
func profitPercent(pos types.Position, current decimal.Decimal) decimal.Decimal {
	if pos.Side == types.BuyYes {
		if pos.EntryMid.IsZero() {
			return decimal.Zero
		}
		return current.Sub(pos.EntryMid).Div(pos.EntryMid)
	}
	denom := decimal.NewFromInt(1).Sub(pos.EntryMid)
	if denom.IsZero() {
		return decimal.Zero
	}
	return pos.EntryMid.Sub(current).Div(denom)
}

// decayPeak shrinks peak_profit_pct by 25% for every full PeakDecayInterval
// that has elapsed since it was last touched, preventing a single-tick spike
// from pinning the trailing stop indefinitely.
func decayPeak(pos types.Position, now time.Time) types.Position {
	if pos.PeakUpdatedAt.IsZero() {
		return pos
	}
	elapsed := now.Sub(pos.PeakUpdatedAt)
	steps := int(elapsed / peakDecayInterval)
	if steps <= 0 {
		return pos
	}
	factor := decimal.NewFromInt(1).Sub(peakDecayFraction)
	for i := 0; i < steps; i++ {
		pos.PeakProfitPct = pos.PeakProfitPct.Mul(factor)
	}
	pos.PeakUpdatedAt = now
	return pos
}

// updatePeak advances the peak profit and the consecutive-profit-tick
// counter used to gate the trailing stop. Activating trailing is left to
// ActivateTrailing.
func updatePeak(pos types.Position, profitPct decimal.Decimal, now time.Time) types.Position {
	if profitPct.GreaterThan(pos.PeakProfitPct) {
		pos.PeakProfitPct = profitPct
		pos.PeakUpdatedAt = now
		pos.ConsecutiveProfitTicks++
	} else {
		pos.ConsecutiveProfitTicks = 0
	}
	return pos
}

// ActivateTrailing marks a position's trailing stop armed once its profit
// first crosses the strategy's activation threshold. Exposed separately
// since activation is a one-way latch distinct from peak/consecutive-tick
// bookkeeping evaluated every tick.
func ActivateTrailing(pos types.Position, profitPct decimal.Decimal, cfg config.StrategyExitConfig) types.Position {
	if !pos.TrailingActive && profitPct.GreaterThanOrEqual(decimal.NewFromFloat(cfg.TrailActivate)) {
		pos.TrailingActive = true
	}
	return pos
}

// ForStrategy picks the strategy-specific threshold row for a position.
func ForStrategy(cfg config.ExitConfig, strategy types.Strategy) config.StrategyExitConfig {
	if strategy == types.Trend {
		return cfg.Trend
	}
	return cfg.Fade
}
