package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/sink"
	"polymarket-signal-trader/internal/store"
	"polymarket-signal-trader/pkg/types"
)

// paperFeeRate is applied to notional on the open leg, fixed at the
// paper-trading default rather than taken from BrokerConfig.FeeRate as the
// live variant's open leg is. The close leg, booked by the shared
// recordClose, uses BrokerConfig.FeeRate for both variants.
const paperFeeRate = 0.005

// Paper fills instantly at the observed mid rather than crossing a real
// book. Used for dry-run and backtesting without exchange credentials.
type Paper struct {
	*book
}

// NewPaper builds a Paper broker seeded with startingCash.
func NewPaper(cfg config.BrokerConfig, sk sink.Sink, st *store.Store, logger *slog.Logger) *Paper {
	return &Paper{book: newBook(cfg, decimal.NewFromFloat(cfg.StartingCashUSD), sk, st, logger)}
}

// Open admits req through the discipline gate and, on acceptance, fills
// immediately at req.Mid.
func (p *Paper) Open(ctx context.Context, req OpenRequest) (*types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.evictExpiredRearm(now)
	if _, open := p.positions[req.Slug]; open {
		return nil, fmt.Errorf("paper open: %s already has an open position", req.Slug)
	}
	if err := p.checkDiscipline(req, now); err != nil {
		return nil, err
	}

	mid := decimal.NewFromFloat(req.Mid)
	cost := p.size()
	perUnit := unitCost(req.Side, mid)
	if perUnit.IsZero() {
		return nil, fmt.Errorf("paper open: zero unit cost for %s", req.Slug)
	}
	qty := cost.Div(perUnit)
	fee := cost.Mul(decimal.NewFromFloat(paperFeeRate))

	pos := types.Position{
		Slug:      req.Slug,
		Side:      req.Side,
		Qty:       qty,
		EntryMid:  mid,
		EntryTime: now,
		FillPrice: mid,
		CostBasis: cost,
		FeeOpen:   fee,
		ZScore:    req.AbsZ,
		Strategy:  req.Strategy,
	}
	p.recordOpen(pos, cost)
	return &pos, nil
}

// Close fills immediately at currentMid.
func (p *Paper) Close(ctx context.Context, slug string, reason types.ExitReason, currentMid float64) (*types.ClosedPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[slug]
	if !ok {
		return nil, fmt.Errorf("paper close: no open position for %s", slug)
	}
	closed := p.recordClose(pos, decimal.NewFromFloat(currentMid), reason, time.Now())
	return closed, nil
}

// CurrentExecutableExit applies the same bid/ask selection rule the Live
// variant uses, even though the paper book never crosses a real spread —
// the Exit Evaluator's TP/SL/trailing math must see the same price
// convention regardless of which variant is running.
func (p *Paper) CurrentExecutableExit(ctx context.Context, pos types.Position, bestBid, bestAsk float64) (decimal.Decimal, error) {
	return executableExit(pos, bestBid, bestAsk), nil
}

func (p *Paper) Cleanup() {}

func (p *Paper) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status()
}

func (p *Paper) Positions() map[string]types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionsSnapshot()
}

func (p *Paper) BlockSlug(slug string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockSlug(slug)
}
