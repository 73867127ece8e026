// Package broker implements the Broker (C7): admits new positions through a
// 9-step opening discipline gate, sizes and opens them (Paper at the
// observed mid, Live by crossing the book), and closes them on command from
// the Exit Evaluator.
//
// Grounded on the teacher's strategy.Inventory (fill application, avg-entry
// bookkeeping, RWMutex-guarded position state), generalized from per-token
// YES/NO quantities to a single Position per slug with side BUY_YES/BUY_NO.
// The Live variant's REST choreography is grounded on
// internal/exchange.Client.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/sink"
	"polymarket-signal-trader/internal/store"
	"polymarket-signal-trader/pkg/types"
)

// zOpen is the minimum |z| an opening signal must carry. Both strategies
// share the same entry threshold (spec's FADE/TREND z_open are both 3.5),
// distinct from FADE's narrower upper eligibility cap enforced upstream by
// the Signal Engine.
const zOpen = 3.5

// OpenRequest carries everything the opening-discipline gate needs beyond
// the Broker's own internal state.
type OpenRequest struct {
	Slug       string
	Side       types.Side
	Mid        float64
	BestBid    float64
	BestAsk    float64
	AbsZ       float64
	Strategy   types.Strategy
	DeltaRatio float64 // |Δmid| / mid
	SignalAge  time.Duration
}

// Status is a point-in-time summary of the Broker's book.
type Status struct {
	Cash         decimal.Decimal
	Locked       decimal.Decimal
	Unrealized   decimal.Decimal
	Realized     decimal.Decimal
	Wins         int
	Losses       int
	OpenPositions int
}

// Broker is the shared interface both the Paper and Live variants satisfy.
type Broker interface {
	Open(ctx context.Context, req OpenRequest) (*types.Position, error)
	Close(ctx context.Context, slug string, reason types.ExitReason, currentMid float64) (*types.ClosedPosition, error)
	CurrentExecutableExit(ctx context.Context, pos types.Position, bestBid, bestAsk float64) (decimal.Decimal, error)
	Cleanup()
	Status() Status
	Positions() map[string]types.Position
	BlockSlug(slug string)
}

// book holds the mutable state shared by both variants: open positions,
// blocklist/loss-counters, rearm timestamps, and cash. Embedded, never
// exported directly — callers only see the Broker interface.
type book struct {
	cfg    config.BrokerConfig
	sink   sink.Sink
	store  *store.Store
	logger *slog.Logger

	mu           sync.Mutex
	positions    map[string]types.Position
	staticBlock  map[string]struct{}
	lossCounters map[string]int
	rearmedAt    map[string]time.Time
	lastOpenAt   time.Time
	cash         decimal.Decimal
	realized     decimal.Decimal
	wins, losses int
}

func newBook(cfg config.BrokerConfig, startingCash decimal.Decimal, sk sink.Sink, st *store.Store, logger *slog.Logger) *book {
	b := &book{
		cfg:          cfg,
		sink:         sk,
		store:        st,
		logger:       logger,
		positions:    make(map[string]types.Position),
		staticBlock:  make(map[string]struct{}),
		lossCounters: make(map[string]int),
		rearmedAt:    make(map[string]time.Time),
		cash:         startingCash,
	}
	if st != nil {
		if recovered, err := st.LoadAll(); err == nil {
			for slug, pos := range recovered {
				b.positions[slug] = pos
			}
		} else {
			logger.Warn("failed to recover persisted positions", "error", err)
		}
	}
	return b
}

// checkDiscipline applies the 9-step opening gate, in order, first failure
// short-circuits. Must be called with b.mu held.
func (b *book) checkDiscipline(req OpenRequest, now time.Time) error {
	// 1. side defined, slug not blocked.
	if req.Side == "" {
		return fmt.Errorf("opening discipline: side not set")
	}
	if _, blocked := b.staticBlock[req.Slug]; blocked {
		return fmt.Errorf("opening discipline: %s is statically blocked", req.Slug)
	}
	if b.lossCounters[req.Slug] >= b.cfg.LossBlockCount {
		return fmt.Errorf("opening discipline: %s blocked by loss counter", req.Slug)
	}

	// 2. mid band.
	midMin, midMax := 0.20, 0.55
	if req.Strategy == types.Fade {
		midMin = 0.25
	}
	if req.Mid < midMin || req.Mid > midMax {
		return fmt.Errorf("opening discipline: mid %.4f outside [%.2f,%.2f]", req.Mid, midMin, midMax)
	}

	// 3. z threshold.
	if req.AbsZ < zOpen {
		return fmt.Errorf("opening discipline: |z| %.2f below entry threshold %.2f", req.AbsZ, zOpen)
	}

	// 4. concurrency cap.
	if len(b.positions) >= b.cfg.MaxOpenPositions {
		return fmt.Errorf("opening discipline: %d open positions at cap", len(b.positions))
	}

	// 5. rearm.
	if last, ok := b.rearmedAt[req.Slug]; ok {
		if now.Sub(last) < time.Duration(b.cfg.RearmSec)*time.Second {
			return fmt.Errorf("opening discipline: %s not yet rearmed", req.Slug)
		}
	}

	// 6. global cooldown.
	if !b.lastOpenAt.IsZero() && now.Sub(b.lastOpenAt) < time.Duration(b.cfg.GlobalCooldownSec)*time.Second {
		return fmt.Errorf("opening discipline: global cooldown active")
	}

	// 7. signal freshness.
	if req.SignalAge > time.Duration(b.cfg.MaxSignalAgeSec)*time.Second {
		return fmt.Errorf("opening discipline: signal age %s exceeds max", req.SignalAge)
	}

	// 8. delta ratio band.
	if req.DeltaRatio < b.cfg.DeltaRatioMin || req.DeltaRatio > b.cfg.DeltaRatioMax {
		return fmt.Errorf("opening discipline: delta ratio %.4f outside [%.3f,%.3f]", req.DeltaRatio, b.cfg.DeltaRatioMin, b.cfg.DeltaRatioMax)
	}

	// 9. funds.
	if b.cash.LessThan(decimal.NewFromFloat(b.cfg.SizeMin)) {
		return fmt.Errorf("opening discipline: insufficient cash %s", b.cash)
	}

	return nil
}

// size computes the per-trade notional: clamp(cash*SizePct, SizeMin, SizeMax).
func (b *book) size() decimal.Decimal {
	notional := b.cash.Mul(decimal.NewFromFloat(b.cfg.SizePct))
	min := decimal.NewFromFloat(b.cfg.SizeMin)
	max := decimal.NewFromFloat(b.cfg.SizeMax)
	if notional.LessThan(min) {
		return min
	}
	if notional.GreaterThan(max) {
		return max
	}
	return notional
}

// unitCost is mid for a YES-long, 1-mid for a NO-long.
func unitCost(side types.Side, mid decimal.Decimal) decimal.Decimal {
	if side == types.BuyYes {
		return mid
	}
	return decimal.NewFromInt(1).Sub(mid)
}

// executableExit is the Exit Evaluator's required pricing rule: the best
// bid for a YES-long (what selling out would actually fetch), the best ask
// for a NO-long. Never the mid — shared by both broker variants since this
// is the Exit Evaluator's contract, not a live-vs-paper distinction.
func executableExit(pos types.Position, bestBid, bestAsk float64) decimal.Decimal {
	if pos.Side == types.BuyYes {
		return decimal.NewFromFloat(bestBid)
	}
	return decimal.NewFromFloat(bestAsk)
}

// recordOpen finalizes bookkeeping shared by both variants once a fill is
// confirmed: deduct cash, track the position, advance the global cooldown,
// and persist for crash recovery.
func (b *book) recordOpen(pos types.Position, cost decimal.Decimal) {
	b.positions[pos.Slug] = pos
	b.cash = b.cash.Sub(cost).Sub(pos.FeeOpen)
	b.lastOpenAt = pos.EntryTime
	if b.store != nil {
		if err := b.store.SavePosition(pos.Slug, pos); err != nil {
			b.logger.Warn("persist position failed", "slug", pos.Slug, "error", err)
		}
	}
	b.emit(types.TradeEvent{
		Timestamp: pos.EntryTime,
		Event:     "OPEN",
		Slug:      pos.Slug,
		Side:      pos.Side,
		Qty:       pos.Qty,
		EntryMid:  pos.EntryMid,
		CashAfter: b.cash,
		Fee:       pos.FeeOpen,
		ZScore:    pos.ZScore,
		Strategy:  pos.Strategy,
	})
}

// recordClose finalizes bookkeeping shared by both variants once a close is
// confirmed: compute fee-adjusted PnL, credit cash, update win/loss and
// rearm state, evict the position, and persist.
func (b *book) recordClose(pos types.Position, exitMid decimal.Decimal, reason types.ExitReason, now time.Time) *types.ClosedPosition {
	grossPnL := pos.Qty.Mul(exitMid.Sub(pos.EntryMid))
	if pos.Side == types.BuyNo {
		grossPnL = pos.Qty.Mul(pos.EntryMid.Sub(exitMid))
	}
	notionalAtExit := pos.Qty.Mul(unitCost(pos.Side, exitMid))
	closeFee := notionalAtExit.Mul(decimal.NewFromFloat(b.cfg.FeeRate))
	pnl := grossPnL.Sub(pos.FeeOpen).Sub(closeFee)

	b.cash = b.cash.Add(pos.CostBasis).Add(pos.FeeOpen).Add(pnl) // cost and open fee debited at open returned; pnl net of both fees
	b.realized = b.realized.Add(pnl)
	if pnl.IsNegative() {
		b.losses++
		b.lossCounters[pos.Slug]++
	} else {
		b.wins++
		b.lossCounters[pos.Slug] = 0
	}

	delete(b.positions, pos.Slug)
	b.rearmedAt[pos.Slug] = now
	if b.store != nil {
		if err := b.store.DeletePosition(pos.Slug); err != nil {
			b.logger.Warn("delete persisted position failed", "slug", pos.Slug, "error", err)
		}
	}

	closed := &types.ClosedPosition{Position: pos, ExitMid: exitMid, PnL: pnl, Reason: reason, ClosedAt: now}

	b.emit(types.TradeEvent{
		Timestamp: now,
		Event:     "CLOSE",
		Slug:      pos.Slug,
		Side:      pos.Side,
		Qty:       pos.Qty,
		EntryMid:  pos.EntryMid,
		ExitMid:   exitMid,
		PnL:       pnl,
		CashAfter: b.cash,
		Reason:    string(reason),
		Fee:       closeFee,
		ZScore:    pos.ZScore,
		Strategy:  pos.Strategy,
	})

	return closed
}

func (b *book) emit(event types.TradeEvent) {
	if b.sink == nil {
		return
	}
	if err := b.sink.Record(event); err != nil {
		b.logger.Warn("sink record failed", "event", event.Event, "slug", event.Slug, "error", err)
	}
}

// evictExpiredRearm prunes rearm entries older than RearmExpirySec so the
// map doesn't grow unboundedly across a long-running process.
func (b *book) evictExpiredRearm(now time.Time) {
	for slug, at := range b.rearmedAt {
		if now.Sub(at) > time.Duration(b.cfg.RearmExpirySec)*time.Second {
			delete(b.rearmedAt, slug)
		}
	}
}

// status summarizes cash, locked cost basis, realized P&L and win/loss
// counts. Unrealized P&L is not computed and stays zero: the book holds no
// current mark per position, and the Trade Loop passes this Status on to the
// API unchanged.
func (b *book) status() Status {
	var locked decimal.Decimal
	for _, pos := range b.positions {
		locked = locked.Add(pos.CostBasis)
	}
	return Status{
		Cash:          b.cash,
		Locked:        locked,
		Realized:      b.realized,
		Wins:          b.wins,
		Losses:        b.losses,
		OpenPositions: len(b.positions),
	}
}

func (b *book) positionsSnapshot() map[string]types.Position {
	out := make(map[string]types.Position, len(b.positions))
	for slug, pos := range b.positions {
		out[slug] = pos
	}
	return out
}

func (b *book) blockSlug(slug string) {
	b.staticBlock[slug] = struct{}{}
}
