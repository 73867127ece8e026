package exit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/pkg/types"
)

func fadeExitConfig() config.StrategyExitConfig {
	return config.StrategyExitConfig{
		TP:            0.10,
		SL:            0.04,
		TimeSec:       720,
		BESec:         480,
		BETol:         0.015,
		TrailActivate: 0.04,
		TrailStop:     0.025,
	}
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func yesPosition(entryMid float64, at time.Time) types.Position {
	return types.Position{
		Slug:      "m1",
		Side:      types.BuyYes,
		EntryMid:  dec(entryMid),
		EntryTime: at,
		Strategy:  types.Fade,
	}
}

func TestEvaluate_TakeProfitFires(t *testing.T) {
	pos := yesPosition(0.40, time.Now())
	_, decision := Evaluate(pos, dec(0.45), time.Now(), fadeExitConfig(), false) // profit = 0.05/0.40 = 0.125 >= 0.10
	if decision == nil || decision.Reason != types.ReasonTakeProfit {
		t.Fatalf("expected take-profit, got %+v", decision)
	}
}

func TestEvaluate_StopLossFires(t *testing.T) {
	pos := yesPosition(0.40, time.Now())
	_, decision := Evaluate(pos, dec(0.38), time.Now(), fadeExitConfig(), false) // profit = -0.02/0.40 = -0.05 <= -0.04
	if decision == nil || decision.Reason != types.ReasonStopLoss {
		t.Fatalf("expected stop-loss, got %+v", decision)
	}
}

func TestEvaluate_NoPositionClose_WhenWithinBands(t *testing.T) {
	pos := yesPosition(0.40, time.Now())
	updated, decision := Evaluate(pos, dec(0.405), time.Now(), fadeExitConfig(), false)
	if decision != nil {
		t.Fatalf("expected no exit, got %+v", decision)
	}
	if updated.ConsecutiveProfitTicks != 1 {
		t.Errorf("ConsecutiveProfitTicks = %d, want 1 (profit improved)", updated.ConsecutiveProfitTicks)
	}
}

func TestEvaluate_TrailingStopRequiresActivationAndConsecutiveTicks(t *testing.T) {
	cfg := fadeExitConfig()
	now := time.Now()
	pos := yesPosition(0.40, now)

	// Tick 1: profit crosses TrailActivate (0.04) -> 0.44 gives profit 0.10 (also TP territory,
	// use a smaller entry move that stays under TP but above TrailActivate).
	pos, _ = Evaluate(pos, dec(0.417), now.Add(time.Second), cfg, false) // profit ~0.0425
	if !pos.TrailingActive {
		t.Fatalf("expected trailing activated, profit=%v peak=%v", pos.PeakProfitPct, pos.PeakProfitPct)
	}

	// Tick 2: profit still improves, building consecutive ticks.
	pos, _ = Evaluate(pos, dec(0.419), now.Add(2*time.Second), cfg, false)
	if pos.ConsecutiveProfitTicks < 2 {
		t.Fatalf("expected >=2 consecutive profit ticks, got %d", pos.ConsecutiveProfitTicks)
	}

	// Tick 3: price drops below peak - TrailStop (0.025) -> trailing should fire.
	updated, decision := Evaluate(pos, dec(0.405), now.Add(3*time.Second), cfg, false)
	if decision == nil || decision.Reason != types.ReasonTrailingStop {
		t.Fatalf("expected trailing stop, got %+v (peak=%v consecutive=%d)", decision, updated.PeakProfitPct, updated.ConsecutiveProfitTicks)
	}
}

func TestEvaluate_BreakevenFiresAfterAgeNearZeroProfit(t *testing.T) {
	cfg := fadeExitConfig()
	now := time.Now()
	pos := yesPosition(0.40, now.Add(-500*time.Second)) // age 500s >= BESec 480

	_, decision := Evaluate(pos, dec(0.401), now, cfg, false) // profit ~0.0025 < BETol 0.015
	if decision == nil || decision.Reason != types.ReasonBreakeven {
		t.Fatalf("expected breakeven, got %+v", decision)
	}
}

func TestEvaluate_TimeExitFiresAfterMaxAge(t *testing.T) {
	cfg := fadeExitConfig()
	now := time.Now()
	pos := yesPosition(0.40, now.Add(-800*time.Second)) // age 800s >= TimeSec 720

	_, decision := Evaluate(pos, dec(0.43), now, cfg, false) // profit positive but below TP
	if decision == nil || decision.Reason != types.ReasonTimeExit {
		t.Fatalf("expected time exit, got %+v", decision)
	}
}

func TestEvaluate_StaleFrozenPriceSuppressesTrailingButNotBreakeven(t *testing.T) {
	cfg := fadeExitConfig()
	now := time.Now()
	pos := yesPosition(0.40, now.Add(-800*time.Second))
	pos.PeakProfitPct = dec(0.20) // pretend a huge peak was set earlier; trailing would fire if not frozen
	pos.TrailingActive = true
	pos.ConsecutiveProfitTicks = 2

	// current == entry and sourceStale=true -> frozen: TP/SL/trailing are
	// suppressed even though the armed trailing stop (profit 0 <= peak 0.20 -
	// 0.025) would otherwise trip, but
	// breakeven (age >= BESec, profit ~0 < BETol) still fires — it's ahead
	// of time-exit in priority order and a frozen zero-move always satisfies it.
	_, decision := Evaluate(pos, dec(0.40), now, cfg, true)
	if decision == nil || decision.Reason != types.ReasonBreakeven {
		t.Fatalf("expected breakeven to still fire when frozen, got %+v", decision)
	}
}

func TestEvaluate_PeakDecaysAfterSixtySeconds(t *testing.T) {
	cfg := fadeExitConfig()
	now := time.Now()
	pos := yesPosition(0.40, now)
	pos.PeakProfitPct = dec(0.08)
	pos.PeakUpdatedAt = now.Add(-61 * time.Second)

	updated, _ := Evaluate(pos, dec(0.39), now, cfg, false) // a losing tick, doesn't raise the peak
	want := dec(0.08).Mul(dec(0.75))
	if !updated.PeakProfitPct.Equal(want) {
		t.Errorf("PeakProfitPct = %v, want %v after one 25%% decay step", updated.PeakProfitPct, want)
	}
}

func TestEvaluate_NOLongProfitFormula(t *testing.T) {
	cfg := fadeExitConfig()
	pos := types.Position{Slug: "m1", Side: types.BuyNo, EntryMid: dec(0.40), EntryTime: time.Now(), Strategy: types.Fade}
	// NO-long profit_pct = (entry-current)/(1-entry) = (0.40-0.30)/(0.60) = 0.1667 >= TP 0.10
	_, decision := Evaluate(pos, dec(0.30), time.Now(), cfg, false)
	if decision == nil || decision.Reason != types.ReasonTakeProfit {
		t.Fatalf("expected take-profit on NO-long price drop, got %+v", decision)
	}
}
