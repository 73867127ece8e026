package broker

import (
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/pkg/types"
)

func TestCrossingPrice_BuyYesCapsAtMaxPrice(t *testing.T) {
	t.Parallel()
	p := crossingPrice(types.BuyYes, 0.98, 0.997, 0.005, 0.001, 0.999)
	if p != 0.999 {
		t.Errorf("crossingPrice = %v, want capped at 0.999", p)
	}
}

func TestCrossingPrice_BuyYesAddsOffsetToAsk(t *testing.T) {
	t.Parallel()
	p := crossingPrice(types.BuyYes, 0.40, 0.42, 0.005, 0.001, 0.999)
	want := 0.425
	if diff := p - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("crossingPrice = %v, want %v", p, want)
	}
}

func TestCrossingPrice_BuyNoFloorsAtMinPrice(t *testing.T) {
	t.Parallel()
	p := crossingPrice(types.BuyNo, 0.002, 0.03, 0.005, 0.001, 0.999)
	if p != 0.001 {
		t.Errorf("crossingPrice = %v, want floored at 0.001", p)
	}
}

func TestCrossingPrice_BuyNoSubtractsOffsetFromBid(t *testing.T) {
	t.Parallel()
	p := crossingPrice(types.BuyNo, 0.40, 0.42, 0.005, 0.001, 0.999)
	want := 0.395
	if diff := p - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("crossingPrice = %v, want %v", p, want)
	}
}

func TestOppositeSide(t *testing.T) {
	t.Parallel()
	if oppositeSide(types.BuyYes) != types.BuyNo {
		t.Errorf("opposite of BUY_YES should be BUY_NO")
	}
	if oppositeSide(types.BuyNo) != types.BuyYes {
		t.Errorf("opposite of BUY_NO should be BUY_YES")
	}
}

func TestSumExecutions_WeightsByQty(t *testing.T) {
	t.Parallel()
	execs := []types.Execution{
		{Price: 0.40, Qty: 10},
		{Price: 0.42, Qty: 10},
	}
	qty, price := sumExecutions(execs, 0)
	if !qty.Equal(decimal.NewFromInt(20)) {
		t.Errorf("qty = %v, want 20", qty)
	}
	want := decimal.NewFromFloat(0.41)
	if price.Sub(want).Abs().GreaterThan(decimal.NewFromFloat(1e-9)) {
		t.Errorf("price = %v, want %v", price, want)
	}
}

func TestSumExecutions_EmptyReturnsZero(t *testing.T) {
	t.Parallel()
	qty, price := sumExecutions(nil, 0.5)
	if !qty.IsZero() || !price.IsZero() {
		t.Errorf("expected zero qty/price for no executions, got qty=%v price=%v", qty, price)
	}
}

func TestBestBidAsk_PicksHighestBidAndLowestOffer(t *testing.T) {
	t.Parallel()
	book := &types.OrderBook{
		Bids:   []types.PriceLevel{{Price: 0.38}, {Price: 0.41}, {Price: 0.39}},
		Offers: []types.PriceLevel{{Price: 0.45}, {Price: 0.43}, {Price: 0.44}},
	}
	bid, ask, ok := bestBidAsk(book)
	if !ok {
		t.Fatal("expected ok for a two-sided book")
	}
	if bid != 0.41 {
		t.Errorf("bid = %v, want 0.41 (highest)", bid)
	}
	if ask != 0.43 {
		t.Errorf("ask = %v, want 0.43 (lowest)", ask)
	}
}

func TestBestBidAsk_OneSidedBookIsNotOk(t *testing.T) {
	t.Parallel()
	book := &types.OrderBook{Bids: []types.PriceLevel{{Price: 0.4}}}
	if _, _, ok := bestBidAsk(book); ok {
		t.Error("expected ok=false for a one-sided book")
	}
}
