package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/sink"
	"polymarket-signal-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
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
		FillPollInterval:   time.Millisecond,
		PortfolioPollEvery: 3,
		CloseRetries:       3,
		CloseRetryDelay:    time.Millisecond,
		StartingCashUSD:    100.0,
	}
}

func fadeOpenRequest(slug string) OpenRequest {
	return OpenRequest{
		Slug:       slug,
		Side:       types.BuyYes,
		Mid:        0.40,
		BestBid:    0.395,
		BestAsk:    0.405,
		AbsZ:       4.0,
		Strategy:   types.Fade,
		DeltaRatio: 0.03,
		SignalAge:  time.Second,
	}
}

func TestPaperOpen_AcceptsEligibleSignal(t *testing.T) {
	t.Parallel()
	p := NewPaper(testBrokerConfig(), sink.NullSink{}, nil, testLogger())

	pos, err := p.Open(context.Background(), fadeOpenRequest("m1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.Qty.IsZero() {
		t.Errorf("expected nonzero fill qty")
	}
	if p.Status().OpenPositions != 1 {
		t.Errorf("OpenPositions = %d, want 1", p.Status().OpenPositions)
	}
}

func TestPaperOpen_RejectsOutOfBandMid(t *testing.T) {
	t.Parallel()
	p := NewPaper(testBrokerConfig(), sink.NullSink{}, nil, testLogger())

	req := fadeOpenRequest("m1")
	req.Mid = 0.70 // above FADE's 0.55 ceiling
	if _, err := p.Open(context.Background(), req); err == nil {
		t.Fatalf("expected rejection for out-of-band mid")
	}
}

func TestPaperOpen_RejectsBelowZThreshold(t *testing.T) {
	t.Parallel()
	p := NewPaper(testBrokerConfig(), sink.NullSink{}, nil, testLogger())

	req := fadeOpenRequest("m1")
	req.AbsZ = 2.0
	if _, err := p.Open(context.Background(), req); err == nil {
		t.Fatalf("expected rejection for |z| below entry threshold")
	}
}

func TestPaperOpen_RejectsAtConcurrencyCap(t *testing.T) {
	t.Parallel()
	cfg := testBrokerConfig()
	cfg.GlobalCooldownSec = 0
	p := NewPaper(cfg, sink.NullSink{}, nil, testLogger())

	if _, err := p.Open(context.Background(), fadeOpenRequest("m1")); err != nil {
		t.Fatalf("Open m1: %v", err)
	}
	if _, err := p.Open(context.Background(), fadeOpenRequest("m2")); err != nil {
		t.Fatalf("Open m2: %v", err)
	}
	if _, err := p.Open(context.Background(), fadeOpenRequest("m3")); err == nil {
		t.Fatalf("expected rejection at max open positions")
	}
}

func TestPaperOpen_RejectsDuringGlobalCooldown(t *testing.T) {
	t.Parallel()
	cfg := testBrokerConfig()
	cfg.GlobalCooldownSec = 30
	p := NewPaper(cfg, sink.NullSink{}, nil, testLogger())

	if _, err := p.Open(context.Background(), fadeOpenRequest("m1")); err != nil {
		t.Fatalf("Open m1: %v", err)
	}
	if _, err := p.Open(context.Background(), fadeOpenRequest("m2")); err == nil {
		t.Fatalf("expected rejection during global cooldown")
	}
}

func TestPaperOpen_RejectsDeltaRatioOutOfBand(t *testing.T) {
	t.Parallel()
	p := NewPaper(testBrokerConfig(), sink.NullSink{}, nil, testLogger())

	req := fadeOpenRequest("m1")
	req.DeltaRatio = 0.0001
	if _, err := p.Open(context.Background(), req); err == nil {
		t.Fatalf("expected rejection for delta ratio below floor")
	}
}

func TestPaperOpenClose_RoundTripUpdatesCashAndRealized(t *testing.T) {
	t.Parallel()
	p := NewPaper(testBrokerConfig(), sink.NullSink{}, nil, testLogger())

	cashBefore := p.Status().Cash
	pos, err := p.Open(context.Background(), fadeOpenRequest("m1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !p.Status().Cash.LessThan(cashBefore) {
		t.Errorf("expected cash to decrease after open")
	}

	closed, err := p.Close(context.Background(), "m1", types.ReasonTakeProfit, 0.50)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.PnL.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive PnL on a winning close, got %v", closed.PnL)
	}
	if p.Status().OpenPositions != 0 {
		t.Errorf("expected no open positions after close")
	}
	_ = pos
}

func TestPaperOpen_RejectsDuplicateSlug(t *testing.T) {
	t.Parallel()
	p := NewPaper(testBrokerConfig(), sink.NullSink{}, nil, testLogger())

	if _, err := p.Open(context.Background(), fadeOpenRequest("m1")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	req := fadeOpenRequest("m1")
	req.DeltaRatio = 0.04 // still in-band, should hit duplicate-slug check first
	cfgNoCooldown := testBrokerConfig()
	cfgNoCooldown.GlobalCooldownSec = 0
	p.cfg = cfgNoCooldown
	if _, err := p.Open(context.Background(), req); err == nil {
		t.Fatalf("expected rejection for duplicate open slug")
	}
}

func TestPaperRearm_BlocksImmediateReopenOfClosedSlug(t *testing.T) {
	t.Parallel()
	cfg := testBrokerConfig()
	cfg.GlobalCooldownSec = 0
	p := NewPaper(cfg, sink.NullSink{}, nil, testLogger())

	if _, err := p.Open(context.Background(), fadeOpenRequest("m1")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Close(context.Background(), "m1", types.ReasonStopLoss, 0.38); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Open(context.Background(), fadeOpenRequest("m1")); err == nil {
		t.Fatalf("expected rearm to block immediate reopen")
	}
}

func TestPaperLossCounter_BlocksAfterTwoLosses(t *testing.T) {
	t.Parallel()
	cfg := testBrokerConfig()
	cfg.GlobalCooldownSec = 0
	cfg.RearmSec = 0
	p := NewPaper(cfg, sink.NullSink{}, nil, testLogger())

	for i := 0; i < 2; i++ {
		if _, err := p.Open(context.Background(), fadeOpenRequest("m1")); err != nil {
			t.Fatalf("Open iteration %d: %v", i, err)
		}
		if _, err := p.Close(context.Background(), "m1", types.ReasonStopLoss, 0.30); err != nil {
			t.Fatalf("Close iteration %d: %v", i, err)
		}
	}

	if _, err := p.Open(context.Background(), fadeOpenRequest("m1")); err == nil {
		t.Fatalf("expected loss-counter block after two consecutive losses")
	}
}

func TestPaperCurrentExecutableExit_UsesBidForYesAskForNo(t *testing.T) {
	t.Parallel()
	p := NewPaper(testBrokerConfig(), sink.NullSink{}, nil, testLogger())

	yes := types.Position{Side: types.BuyYes}
	price, err := p.CurrentExecutableExit(context.Background(), yes, 0.41, 0.43)
	if err != nil {
		t.Fatalf("CurrentExecutableExit: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(0.41)) {
		t.Errorf("YES exit price = %v, want best bid 0.41", price)
	}

	no := types.Position{Side: types.BuyNo}
	price, _ = p.CurrentExecutableExit(context.Background(), no, 0.41, 0.43)
	if !price.Equal(decimal.NewFromFloat(0.43)) {
		t.Errorf("NO exit price = %v, want best ask 0.43", price)
	}
}
