// Package engine is the central orchestrator of the signal trader.
//
// It wires together all subsystems: the BBO Stream feeds the Market State
// Store, which feeds the Signal Engine, which feeds the single Trade Loop
// (runTradeLoop). The Trade Loop evaluates exits for every open position,
// admits new positions through the Broker's opening discipline, and selects
// FADE vs TREND by game phase. Three independent cooperative tasks — the BBO
// reader, a 300s market-refresh poller, and the Scanner's dashboard emitter —
// run alongside under one errgroup.Group.
//
// Unlike the teacher's Engine, which spawns one goroutine per actively-quoted
// market, this Engine's trade-decision path is single-threaded: one ticker
// loop over every signal the Signal Engine produces, drained each tick from
// one shared mutex-guarded pending queue. The teacher's per-market goroutine concurrency is instead spent on
// the three cooperative tasks above.
//
// Lifecycle: New() → Start() → [runs until ctx cancelled] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-signal-trader/internal/broker"
	"polymarket-signal-trader/internal/catalog"
	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/exchange"
	"polymarket-signal-trader/internal/exit"
	"polymarket-signal-trader/internal/market"
	"polymarket-signal-trader/internal/revert"
	"polymarket-signal-trader/internal/scanner"
	"polymarket-signal-trader/internal/signal"
	"polymarket-signal-trader/internal/sink"
	"polymarket-signal-trader/internal/stream"
	"polymarket-signal-trader/internal/store"
	"polymarket-signal-trader/pkg/types"
)

const (
	tradeLoopInterval = 250 * time.Millisecond
	statusInterval    = 5 * time.Second
	skipCountInterval = 10 * time.Second
	cleanupInterval   = 30 * time.Second
	refreshInterval   = 300 * time.Second
)

// PhaseOracle classifies a market's game phase. External collaborator; a
// nil oracle makes every lookup return PhaseUnknown.
type PhaseOracle interface {
	Phase(slug string) types.GamePhase
}

// Status is the dashboard-facing snapshot of one trade-loop tick.
type Status struct {
	Broker       broker.Status
	OpenPositions map[string]types.Position
	SkipCounters  map[string]int
	LastScan      scanner.Metrics
	LastAlerts    []scanner.Alert
	UpdatedAt     time.Time
}

// Engine orchestrates every component of the signal trader.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	client  *exchange.Client
	strm    *stream.Stream
	catalog *catalog.Catalog
	mkt     *market.Store
	sigEng  *signal.Engine
	tracker *revert.Tracker
	brk     broker.Broker
	scn     *scanner.Scanner
	phase   PhaseOracle
	sk      sink.Sink
	st      *store.Store

	mu           sync.Mutex
	skipCounters map[string]int
	lastStatus   Status
	pending      []types.Signal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component. live selects the Live broker (crosses the book
// via the exchange client) versus the Paper broker (fills at the observed
// mid); both share the same opening-discipline and exit-evaluation code.
func New(cfg config.Config, client *exchange.Client, strm *stream.Stream, cat *catalog.Catalog, st *store.Store, sk sink.Sink, phase PhaseOracle, logger *slog.Logger) (*Engine, error) {
	mkt := market.New(cfg.Market)
	sigEng := signal.New(cfg.Signal)
	tracker := revert.NewTracker(cfg.Revert)
	scn := scanner.New(cfg.Scanner, mkt, tracker, phaseLookup(phase))

	if sk == nil {
		sk = sink.NullSink{}
	}

	var brk broker.Broker
	if cfg.Live {
		brk = broker.NewLive(cfg.Broker, cfg.Exit, client, sk, st, logger)
	} else {
		brk = broker.NewPaper(cfg.Broker, sk, st, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		client:       client,
		strm:         strm,
		catalog:      cat,
		mkt:          mkt,
		sigEng:       sigEng,
		tracker:      tracker,
		brk:          brk,
		scn:          scn,
		phase:        phase,
		sk:           sk,
		st:           st,
		skipCounters: make(map[string]int),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func phaseLookup(oracle PhaseOracle) scanner.PhaseLookup {
	if oracle == nil {
		return nil
	}
	return oracle.Phase
}

// Start launches the BBO reader, the trade loop, and the two cooperative
// tasks (refresh poller, scanner emitter) under one errgroup.Group. Returns
// once all goroutines have been launched; errors surface through Stop's
// drain of the group or are logged as they occur.
func (e *Engine) Start() error {
	if live, ok := e.brk.(*broker.Live); ok {
		if err := live.RefreshCash(e.ctx); err != nil {
			e.logger.Warn("initial cash refresh failed", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.strm.Run(gctx); err != nil && gctx.Err() == nil {
			e.logger.Error("bbo stream error", "error", err)
		}
	}()

	g.Go(func() error {
		e.runBBOReader(gctx)
		return nil
	})

	g.Go(func() error {
		e.runRefreshPoller(gctx)
		return nil
	})

	g.Go(func() error {
		e.runScannerEmitter(gctx)
		return nil
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := g.Wait(); err != nil {
			e.logger.Error("cooperative task failed", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTradeLoop(e.ctx)
	}()

	return nil
}

// Stop implements the graceful shutdown sequence: stop admitting new
// positions (ctx cancel), close every still-open position at its current
// executable price, wait for goroutines, then close the store. Stop does
// not touch the sink; CSVSink flushes after every Record. Mirrors the teacher's Stop() shape (cancel → safety net → persist →
// wait → close), generalized to this engine's single-loop architecture.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	e.closeAllPositions()

	e.wg.Wait()

	if e.st != nil {
		if err := e.st.Close(); err != nil {
			e.logger.Error("failed to close store", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

func (e *Engine) closeAllPositions() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for slug, pos := range e.brk.Positions() {
		snap, ok := e.mkt.Snapshot(slug)
		if !ok {
			continue
		}
		executable, err := e.brk.CurrentExecutableExit(ctx, pos, snap.LastBid, snap.LastAsk)
		if err != nil {
			e.logger.Error("failed to price shutdown close", "slug", slug, "error", err)
			continue
		}
		if _, err := e.brk.Close(ctx, slug, types.ReasonTimeExit, executable.InexactFloat64()); err != nil {
			e.logger.Error("failed to close position on shutdown", "slug", slug, "error", err)
			continue
		}
		e.refreshLiveCash(ctx)
	}
}

// refreshLiveCash re-syncs the Live broker's cash from the exchange. A
// no-op for the Paper broker. Called after every open and every close, per
// the Live-variant entry/close protocol, rather than on a fixed tick.
func (e *Engine) refreshLiveCash(ctx context.Context) {
	live, ok := e.brk.(*broker.Live)
	if !ok {
		return
	}
	if err := live.RefreshCash(ctx); err != nil {
		e.logger.Warn("cash refresh failed", "error", err)
	}
}

// runBBOReader drains the BBO stream into the Market State Store and,
// whenever a sample advances the per-slug history, asks the Signal Engine to
// evaluate it and records any FADE/TREND-eligible result with the Reversion
// Tracker. This is the single feed of candidate signals for the trade loop.
func (e *Engine) runBBOReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-e.strm.BBOEvents():
			if !ok {
				return
			}
			e.handleBBOSample(sample)
		}
	}
}

func (e *Engine) handleBBOSample(sample types.BBOSample) {
	advanced, err := e.mkt.Apply(sample)
	if err != nil {
		e.logger.Debug("rejected bbo sample", "slug", sample.Slug, "error", err)
		return
	}
	if !advanced {
		return
	}

	snap, ok := e.mkt.Snapshot(sample.Slug)
	if !ok {
		return
	}

	sig, ok := e.sigEng.Evaluate(snap, e.mkt.GlobalDeltas(), sample.ReceivedAt)
	if !ok {
		return
	}
	sig.GamePhase = e.lookupPhase(sample.Slug)

	if sig.FadeEligible || sig.TrendEligible {
		n := len(snap.MidHistory)
		preMean := snap.LastMid
		if n >= 2 {
			preMean = mean(snap.MidHistory[:n-1])
		}
		e.tracker.Record(revert.SpikeRecord{
			CreatedAt:     sig.CreatedAt,
			Slug:          sig.Slug,
			SpikeMid:      sig.Mid,
			PreMean:       preMean,
			ZScore:        sig.AbsZ,
			Spread:        sig.Spread,
			FadeEligible:  sig.FadeEligible,
			TrendEligible: sig.TrendEligible,
		})
	}

	e.mu.Lock()
	e.pending = append(e.pending, sig)
	e.mu.Unlock()
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

func (e *Engine) lookupPhase(slug string) types.GamePhase {
	if e.phase == nil {
		return types.PhaseUnknown
	}
	return e.phase.Phase(slug)
}

// runTradeLoop is the single scheduling thread (C9): ~250ms cadence, drains
// the pending-signal queue, evaluates exits for every open position, admits
// new positions, and runs periodic cleanup and status emission. Live cash is
// synced after every open and close rather than on its own tick (see
// refreshLiveCash).
func (e *Engine) runTradeLoop(ctx context.Context) {
	ticker := time.NewTicker(tradeLoopInterval)
	defer ticker.Stop()

	var lastStatus, lastSkip, lastCleanup time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			signals := e.drainPending()

			for _, pos := range e.brk.Positions() {
				e.evaluateExit(ctx, pos, now)
			}

			for _, sig := range signals {
				e.admit(ctx, sig, now)
			}

			if now.Sub(lastCleanup) >= cleanupInterval {
				lastCleanup = now
				e.runCleanup(now)
			}

			if now.Sub(lastStatus) >= statusInterval {
				lastStatus = now
				e.emitStatus(now)
			}

			if now.Sub(lastSkip) >= skipCountInterval {
				lastSkip = now
				e.logSkipCounters()
			}
		}
	}
}

// pending is the in-process queue the spec calls for in lieu of a CSV tail:
// signals accumulate here from the BBO reader and are drained once per
// trade-loop tick. Guarded by e.mu alongside skipCounters.
func (e *Engine) drainPending() []types.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

func (e *Engine) evaluateExit(ctx context.Context, pos types.Position, now time.Time) {
	snap, ok := e.mkt.Snapshot(pos.Slug)
	if !ok {
		return
	}
	stale := e.mkt.IsStale(pos.Slug, now)
	executable, err := e.brk.CurrentExecutableExit(ctx, pos, snap.LastBid, snap.LastAsk)
	if err != nil {
		e.logger.Warn("failed to price exit", "slug", pos.Slug, "error", err)
		return
	}
	cfg := exit.ForStrategy(e.cfg.Exit, pos.Strategy)

	_, decision := exit.Evaluate(pos, executable, now, cfg, stale)
	if decision == nil {
		return
	}

	if _, err := e.brk.Close(ctx, pos.Slug, decision.Reason, snap.LastMid); err != nil {
		e.logger.Warn("close failed", "slug", pos.Slug, "reason", decision.Reason, "error", err)
		return
	}
	e.refreshLiveCash(ctx)
}

func (e *Engine) admit(ctx context.Context, sig types.Signal, now time.Time) {
	if sig.Decision != types.DecisionAccept {
		return
	}
	if !sig.FadeEligible && !sig.TrendEligible {
		return
	}

	signalAge := now.Sub(sig.CreatedAt)

	primary, fallback := types.Fade, types.Trend
	if sig.GamePhase == types.PhaseLive || sig.GamePhase == types.PhaseUnknown {
		primary, fallback = types.Trend, types.Fade
	}
	if sig.GamePhase == types.PhasePre {
		e.recordSkip(sig.Slug, "pre_game")
		return
	}

	for _, strat := range []types.Strategy{primary, fallback} {
		if strat == types.Fade && !sig.FadeEligible {
			continue
		}
		if strat == types.Trend && !sig.TrendEligible {
			continue
		}

		snap, ok := e.mkt.Snapshot(sig.Slug)
		if !ok {
			continue
		}
		side := sig.Side
		if strat != sig.StrategyHint {
			// The other strategy's side convention is the opposite mapping
			// of the same directional move.
			side = oppositeOf(sig.Side)
		}

		deltaRatio := 0.0
		if sig.Mid != 0 {
			n := len(snap.MidHistory)
			if n >= 2 {
				deltaRatio = absFloat(snap.MidHistory[n-1]-snap.MidHistory[n-2]) / sig.Mid
			}
		}

		req := broker.OpenRequest{
			Slug:       sig.Slug,
			Side:       side,
			Mid:        sig.Mid,
			BestBid:    snap.LastBid,
			BestAsk:    snap.LastAsk,
			AbsZ:       sig.AbsZ,
			Strategy:   strat,
			DeltaRatio: deltaRatio,
			SignalAge:  signalAge,
		}

		if _, err := e.brk.Open(ctx, req); err != nil {
			e.recordSkip(sig.Slug, err.Error())
			continue
		}
		e.refreshLiveCash(ctx)
		return
	}
}

func oppositeOf(side types.Side) types.Side {
	if side == types.BuyYes {
		return types.BuyNo
	}
	return types.BuyYes
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *Engine) recordSkip(slug, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipCounters[slug+":"+reason]++
}

func (e *Engine) runCleanup(now time.Time) {
	e.brk.Cleanup()
	e.tracker.Resolve(now, func(slug string) (float64, bool) {
		snap, ok := e.mkt.Snapshot(slug)
		if !ok {
			return 0, false
		}
		return snap.LastMid, true
	})
}

func (e *Engine) emitStatus(now time.Time) {
	brokerStatus := e.brk.Status()
	positions := e.brk.Positions()

	e.mu.Lock()
	defer e.mu.Unlock()
	skips := make(map[string]int, len(e.skipCounters))
	for k, v := range e.skipCounters {
		skips[k] = v
	}
	e.lastStatus.Broker = brokerStatus
	e.lastStatus.OpenPositions = positions
	e.lastStatus.SkipCounters = skips
	e.lastStatus.UpdatedAt = now
}

func (e *Engine) logSkipCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.skipCounters) == 0 {
		return
	}
	e.logger.Info("skip counters", "counts", e.skipCounters)
	e.skipCounters = make(map[string]int)
}

// runRefreshPoller re-polls the catalog every 300s, the second of the three
// cooperative tasks alongside the trade loop.
func (e *Engine) runRefreshPoller(ctx context.Context) {
	if e.catalog == nil {
		return
	}
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.catalog.Refresh(ctx); err != nil {
				e.logger.Warn("catalog refresh failed", "error", err)
			}
		}
	}
}

// runScannerEmitter samples the Scanner on its configured tick interval, the
// third cooperative task. Results land in lastStatus for the dashboard API.
func (e *Engine) runScannerEmitter(ctx context.Context) {
	interval := e.cfg.Scanner.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			metrics, alerts := e.scn.Sample(now)
			e.mu.Lock()
			e.lastStatus.LastScan = metrics
			e.lastStatus.LastAlerts = alerts
			e.mu.Unlock()
			for _, a := range alerts {
				e.logger.Info("scanner alert", "strategy", a.Strategy, "tier", a.Tier, "score", a.Score)
			}
		}
	}
}

// Status returns the most recently emitted dashboard snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStatus
}
