package scanner

import (
	"testing"
	"time"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/market"
	"polymarket-signal-trader/internal/revert"
	"polymarket-signal-trader/pkg/types"
)

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		TickInterval:     30 * time.Second,
		ScoreAlert:       65,
		ScoreFire:        85,
		FadeRateGate:     0.30,
		TrendRateGate:    0.40,
		PreGamePenalty:   0.3,
		AlertCooldownSec: 300,
	}
}

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		HistoryCapacity: 50,
		SpreadRing:      10,
		MaxSpreadPct:    0.25,
		DeltaSeriesCap:  2000,
		PeakZDecayPct:   0.25,
		PeakZDecaySec:   60,
		StaleAfterSec:   30,
	}
}

func warmUpMarket(t *testing.T, store *market.Store, slug string, bid, ask float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := store.Apply(types.BBOSample{Slug: slug, BestBid: bid, BestAsk: ask, State: types.StateOpen, ReceivedAt: time.Now()}); err != nil {
			t.Fatalf("warm-up Apply: %v", err)
		}
	}
}

func TestScoreLinear_ClampsAndInterpolates(t *testing.T) {
	t.Parallel()
	table := []bracket{{0, 0}, {10, 100}}
	if got := scoreLinear(-5, table); got != 0 {
		t.Errorf("below range = %v, want 0", got)
	}
	if got := scoreLinear(20, table); got != 100 {
		t.Errorf("above range = %v, want 100", got)
	}
	if got := scoreLinear(5, table); got != 50 {
		t.Errorf("midpoint = %v, want 50", got)
	}
}

func TestSample_NoMarketsYieldsZeroComposite(t *testing.T) {
	t.Parallel()
	store := market.New(testMarketConfig())
	tracker := revert.NewTracker(config.RevertConfig{CheckAfterSec: 180, RetentionSec: 600, RevertedFraction: 0.5, ContinuedFraction: 0.2, MinChecked: 3})
	sc := New(testScannerConfig(), store, tracker, nil)

	m, alerts := sc.Sample(time.Now())
	if m.Composite != 0 {
		t.Errorf("Composite = %v, want 0 with no markets", m.Composite)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
}

func TestSample_FadeReadyMarketRaisesFadeComposite(t *testing.T) {
	t.Parallel()
	store := market.New(testMarketConfig())
	tracker := revert.NewTracker(config.RevertConfig{CheckAfterSec: 180, RetentionSec: 600, RevertedFraction: 0.5, ContinuedFraction: 0.2, MinChecked: 3})

	// Warm up with flat mids, then a jump that should register a large peak-z.
	warmUpMarket(t, store, "m1", 0.395, 0.405, 25)
	if _, err := store.Apply(types.BBOSample{Slug: "m1", BestBid: 0.445, BestAsk: 0.455, State: types.StateOpen, ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("Apply spike: %v", err)
	}

	sc := New(testScannerConfig(), store, tracker, func(string) types.GamePhase { return types.PhaseLive })
	m, _ := sc.Sample(time.Now())

	if m.FadeReady == 0 && m.TrendReady == 0 {
		t.Fatalf("expected at least one of FadeReady/TrendReady to register given a large mid jump, got metrics %+v", m)
	}
}

func TestSample_PreGamePenaltyAppliesWhenNoLiveOrUnknownPhase(t *testing.T) {
	t.Parallel()
	store := market.New(testMarketConfig())
	tracker := revert.NewTracker(config.RevertConfig{CheckAfterSec: 180, RetentionSec: 600, RevertedFraction: 0.5, ContinuedFraction: 0.2, MinChecked: 3})

	warmUpMarket(t, store, "m1", 0.395, 0.405, 25)
	if _, err := store.Apply(types.BBOSample{Slug: "m1", BestBid: 0.445, BestAsk: 0.455, State: types.StateOpen, ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("Apply spike: %v", err)
	}

	liveCfg := testScannerConfig()
	live := New(liveCfg, store, tracker, func(string) types.GamePhase { return types.PhaseLive })
	mLive, _ := live.Sample(time.Now())

	pre := New(liveCfg, store, tracker, func(string) types.GamePhase { return types.PhasePre })
	mPre, _ := pre.Sample(time.Now())

	if mPre.FadeReady > 0 && mLive.FadeComposite > 0 && mPre.FadeComposite >= mLive.FadeComposite {
		t.Errorf("expected pre-game composite (%v) to be penalized below live composite (%v)", mPre.FadeComposite, mLive.FadeComposite)
	}
}

func TestCheckAlerts_CooldownSuppressesRepeat(t *testing.T) {
	t.Parallel()
	cfg := testScannerConfig()
	cfg.AlertCooldownSec = 300
	store := market.New(testMarketConfig())
	tracker := revert.NewTracker(config.RevertConfig{CheckAfterSec: 180, RetentionSec: 600, RevertedFraction: 0.5, ContinuedFraction: 0.2, MinChecked: 3})
	sc := New(cfg, store, tracker, func(string) types.GamePhase { return types.PhaseLive })

	m := Metrics{FadeReady: 5, TotalChecked: 5, ReversionRate: 0.5, FadeComposite: 90}
	now := time.Now()
	first := sc.checkAlerts(m, now)
	if len(first) != 1 {
		t.Fatalf("expected one alert on first sample, got %d", len(first))
	}
	second := sc.checkAlerts(m, now.Add(time.Second))
	if len(second) != 0 {
		t.Fatalf("expected cooldown to suppress immediate repeat, got %d alerts", len(second))
	}
	third := sc.checkAlerts(m, now.Add(301*time.Second))
	if len(third) != 1 {
		t.Fatalf("expected alert to fire again after cooldown elapses, got %d", len(third))
	}
}

func TestCheckAlerts_RateGateBlocksLowReversionRate(t *testing.T) {
	t.Parallel()
	store := market.New(testMarketConfig())
	tracker := revert.NewTracker(config.RevertConfig{CheckAfterSec: 180, RetentionSec: 600, RevertedFraction: 0.5, ContinuedFraction: 0.2, MinChecked: 3})
	sc := New(testScannerConfig(), store, tracker, nil)

	m := Metrics{FadeReady: 5, TotalChecked: 5, ReversionRate: 0.10, FadeComposite: 90} // below 0.30 gate
	if alerts := sc.checkAlerts(m, time.Now()); len(alerts) != 0 {
		t.Fatalf("expected rate gate to block alert, got %d", len(alerts))
	}
}

func TestTierFor(t *testing.T) {
	t.Parallel()
	cfg := testScannerConfig()
	if tierFor(90, cfg) != TierFire {
		t.Errorf("90 should be FIRE")
	}
	if tierFor(70, cfg) != TierHot {
		t.Errorf("70 should be HOT")
	}
	if tierFor(40, cfg) != "" {
		t.Errorf("40 should be no tier")
	}
}
