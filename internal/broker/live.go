package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/exchange"
	"polymarket-signal-trader/internal/exit"
	"polymarket-signal-trader/internal/sink"
	"polymarket-signal-trader/internal/store"
	"polymarket-signal-trader/pkg/types"
)

// crossOffsetDefault nudges the limit price past the touch so an IOC order
// has a realistic chance of filling against the resting side.
const crossOffsetDefault = 0.005

// maxEntrySlippage caps the entry-slippage bound regardless of how wide a
// strategy's TP is.
const maxEntrySlippage = 0.03

// Live crosses the real book: it submits an IOC limit order past the touch,
// confirms the fill by polling order status (and, periodically, the
// portfolio endpoint as a cross-check), and on close falls back from the
// convenience close-position endpoint to an explicit IOC order.
type Live struct {
	*book
	client  *exchange.Client
	exitCfg config.ExitConfig
}

// NewLive builds a Live broker against an authenticated exchange client.
// startingCash should reflect the account's actual buying power; the
// Broker does not independently verify it beyond RefreshCash, which the
// Engine calls once at start and after every open and close. exitCfg supplies each
// strategy's TP, which bounds the entry-slippage check in Open.
func NewLive(cfg config.BrokerConfig, exitCfg config.ExitConfig, client *exchange.Client, sk sink.Sink, st *store.Store, logger *slog.Logger) *Live {
	return &Live{book: newBook(cfg, decimal.NewFromFloat(cfg.StartingCashUSD), sk, st, logger), client: client, exitCfg: exitCfg}
}

// RefreshCash re-syncs the Broker's notion of available cash from the
// exchange's balance endpoint. The Engine calls this once at start and after
// every open and close; Open itself never fetches live balances, to
// keep the opening-discipline check free of network calls.
func (l *Live) RefreshCash(ctx context.Context) error {
	balances, err := l.client.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("refresh cash: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, bal := range balances {
		l.cash = decimal.NewFromFloat(bal.BuyingPower)
		return nil // first (and only) balance entry expected for this account
	}
	return nil
}

// Open admits req through the discipline gate, crosses the book with an IOC
// limit order, and confirms the fill by dual-polling order status and the
// portfolio endpoint.
func (l *Live) Open(ctx context.Context, req OpenRequest) (*types.Position, error) {
	l.mu.Lock()
	if _, open := l.positions[req.Slug]; open {
		l.mu.Unlock()
		return nil, fmt.Errorf("live open: %s already has an open position", req.Slug)
	}
	now := time.Now()
	l.evictExpiredRearm(now)
	if err := l.checkDiscipline(req, now); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	notional := l.size()
	l.mu.Unlock()

	book, err := l.client.GetOrderBook(ctx, req.Slug)
	if err != nil {
		return nil, fmt.Errorf("live open: refresh order book: %w", err)
	}
	bestBid, bestAsk, ok := bestBidAsk(book)
	if !ok {
		return nil, fmt.Errorf("live open: %s order book has no two-sided quote", req.Slug)
	}

	price := crossingPrice(req.Side, bestBid, bestAsk, l.cfg.CrossOffset, l.cfg.MinPrice, l.cfg.MaxPrice)
	perUnit := unitCost(req.Side, decimal.NewFromFloat(price))
	if perUnit.IsZero() {
		return nil, fmt.Errorf("live open: zero unit cost for %s", req.Slug)
	}

	idealUnitCost := unitCost(req.Side, decimal.NewFromFloat(req.Mid))
	if !idealUnitCost.IsZero() {
		slippage := perUnit.Sub(idealUnitCost).Abs().Div(idealUnitCost)
		bound := exit.ForStrategy(l.exitCfg, req.Strategy).TP / 2
		if bound > maxEntrySlippage {
			bound = maxEntrySlippage
		}
		if slippage.GreaterThan(decimal.NewFromFloat(bound)) {
			return nil, fmt.Errorf("live open: %s entry slippage %.4f exceeds bound %.4f", req.Slug, slippage.InexactFloat64(), bound)
		}
	}

	qty := notional.Div(perUnit)

	orderReq := types.OrderRequest{
		Slug:        req.Slug,
		Side:        req.Side,
		Price:       price,
		Qty:         mustFloat(qty),
		TimeInForce: "IOC",
	}
	resp, err := l.client.SubmitOrder(ctx, orderReq)
	if err != nil {
		return nil, fmt.Errorf("live open: submit order: %w", err)
	}

	fillPrice, filledQty, err := l.confirmFill(ctx, resp, req.Slug)
	if err != nil {
		return nil, fmt.Errorf("live open: %w", err)
	}
	if filledQty.IsZero() {
		return nil, fmt.Errorf("live open: %s order %s did not fill", req.Slug, resp.OrderID)
	}

	cost := filledQty.Mul(unitCost(req.Side, fillPrice))
	fee := cost.Mul(decimal.NewFromFloat(l.cfg.FeeRate))

	pos := types.Position{
		Slug:      req.Slug,
		Side:      req.Side,
		Qty:       filledQty,
		EntryMid:  decimal.NewFromFloat(req.Mid),
		EntryTime: now,
		FillPrice: fillPrice,
		CostBasis: cost,
		FeeOpen:   fee,
		ZScore:    req.AbsZ,
		Strategy:  req.Strategy,
		OrderID:   resp.OrderID,
	}

	l.mu.Lock()
	l.recordOpen(pos, cost)
	l.mu.Unlock()
	return &pos, nil
}

// confirmFill polls order status up to FillPollAttempts times
// (FillPollInterval apart), cross-checking the portfolio endpoint every
// PortfolioPollEvery-th attempt, and returns the average fill price and
// filled quantity once the order reaches a terminal state.
func (l *Live) confirmFill(ctx context.Context, resp *types.OrderResponse, slug string) (decimal.Decimal, decimal.Decimal, error) {
	if len(resp.Executions) > 0 || resp.State == "filled" {
		qty, price := sumExecutions(resp.Executions, resp.AvgPrice)
		if !qty.IsZero() {
			return price, qty, nil
		}
	}

	for attempt := 1; attempt <= l.cfg.FillPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return decimal.Zero, decimal.Zero, ctx.Err()
		case <-time.After(l.cfg.FillPollInterval):
		}

		status, err := l.client.GetOrderStatus(ctx, resp.OrderID)
		if err == nil {
			qty, price := sumExecutions(status.Executions, status.AvgPrice)
			if !qty.IsZero() {
				return price, qty, nil
			}
			if status.State == "cancelled" || status.State == "rejected" {
				return decimal.Zero, decimal.Zero, nil
			}
		} else {
			l.logger.Warn("poll order status failed", "order_id", resp.OrderID, "attempt", attempt, "error", err)
		}

		if l.cfg.PortfolioPollEvery > 0 && attempt%l.cfg.PortfolioPollEvery == 0 {
			positions, err := l.client.GetPositions(ctx)
			if err != nil {
				l.logger.Warn("poll portfolio failed", "slug", slug, "attempt", attempt, "error", err)
				continue
			}
			if entry, ok := positions[slug]; ok && entry.NetPosition != 0 {
				return decimal.NewFromFloat(entry.AvgPrice), decimal.NewFromFloat(math.Abs(entry.NetPosition)), nil
			}
		}
	}

	return decimal.Zero, decimal.Zero, fmt.Errorf("fill confirmation timed out for order %s", resp.OrderID)
}

// Close tries the convenience close-position endpoint first, falling back
// to an explicit IOC order if it's unsupported, then confirms the close by
// retrying CloseRetries times until the portfolio no longer carries the
// slug.
func (l *Live) Close(ctx context.Context, slug string, reason types.ExitReason, currentMid float64) (*types.ClosedPosition, error) {
	l.mu.Lock()
	pos, ok := l.positions[slug]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("live close: no open position for %s", slug)
	}

	var lastErr error
	for attempt := 0; attempt <= l.cfg.CloseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.CloseRetryDelay):
			}
		}

		_, err := l.client.ClosePosition(ctx, slug, l.cfg.CloseSlippageBips, currentMid)
		if err != nil {
			lastErr = err
			exitSide := oppositeSide(pos.Side)
			// No separate bid/ask at hand here (Close only carries the
			// observed mid); using it for both sides of crossingPrice still
			// nudges the fallback order past the touch in the right direction.
			price := crossingPrice(exitSide, currentMid, currentMid, l.cfg.CrossOffset, l.cfg.MinPrice, l.cfg.MaxPrice)
			orderReq := types.OrderRequest{Slug: slug, Side: exitSide, Price: price, Qty: mustFloat(pos.Qty), TimeInForce: "IOC"}
			if _, subErr := l.client.SubmitOrder(ctx, orderReq); subErr != nil {
				lastErr = fmt.Errorf("close fallback order failed: %w", subErr)
				continue
			}
		}

		positions, pErr := l.client.GetPositions(ctx)
		if pErr != nil {
			lastErr = pErr
			continue
		}
		if entry, still := positions[slug]; !still || entry.NetPosition == 0 {
			l.mu.Lock()
			closed := l.recordClose(pos, decimal.NewFromFloat(currentMid), reason, time.Now())
			l.mu.Unlock()
			return closed, nil
		}
		lastErr = errors.New("position still present in portfolio after close attempt")
	}

	return nil, fmt.Errorf("live close: %s did not confirm closed: %w", slug, lastErr)
}

// CurrentExecutableExit applies the shared bid/ask selection rule against
// the caller-supplied touch (the Trade Loop reads this off the Market State
// Store rather than Live fetching its own BBO, so exits never race the
// stream's own freshness bound).
func (l *Live) CurrentExecutableExit(ctx context.Context, pos types.Position, bestBid, bestAsk float64) (decimal.Decimal, error) {
	return executableExit(pos, bestBid, bestAsk), nil
}

// Cleanup cancels nothing by itself today; reserved for reconciliation of
// orphaned exchange-side orders discovered at startup.
func (l *Live) Cleanup() {}

func (l *Live) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status()
}

func (l *Live) Positions() map[string]types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionsSnapshot()
}

func (l *Live) BlockSlug(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockSlug(slug)
}

// crossingPrice nudges past the touch so an IOC order has a realistic fill
// chance: BUY_YES bids min(best_ask+offset, maxPrice), BUY_NO bids
// max(best_bid-offset, minPrice).
func crossingPrice(side types.Side, bestBid, bestAsk, offset, minPrice, maxPrice float64) float64 {
	if offset == 0 {
		offset = crossOffsetDefault
	}
	if side == types.BuyYes {
		p := bestAsk + offset
		if p > maxPrice {
			p = maxPrice
		}
		return p
	}
	p := bestBid - offset
	if p < minPrice {
		p = minPrice
	}
	return p
}

// bestBidAsk picks the highest bid and lowest offer out of a fresh order
// book. Levels arrive in no guaranteed order.
func bestBidAsk(book *types.OrderBook) (bid, ask float64, ok bool) {
	if len(book.Bids) == 0 || len(book.Offers) == 0 {
		return 0, 0, false
	}
	bid = book.Bids[0].Price
	for _, lvl := range book.Bids[1:] {
		if lvl.Price > bid {
			bid = lvl.Price
		}
	}
	ask = book.Offers[0].Price
	for _, lvl := range book.Offers[1:] {
		if lvl.Price < ask {
			ask = lvl.Price
		}
	}
	return bid, ask, true
}

func oppositeSide(side types.Side) types.Side {
	if side == types.BuyYes {
		return types.BuyNo
	}
	return types.BuyYes
}

func sumExecutions(execs []types.Execution, avgPrice float64) (decimal.Decimal, decimal.Decimal) {
	if len(execs) == 0 {
		return decimal.Zero, decimal.Zero
	}
	var qty, notional decimal.Decimal
	for _, e := range execs {
		q := decimal.NewFromFloat(e.Qty)
		qty = qty.Add(q)
		notional = notional.Add(q.Mul(decimal.NewFromFloat(e.Price)))
	}
	if qty.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	price := notional.Div(qty)
	_ = avgPrice
	return qty, price
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
