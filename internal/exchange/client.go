// Package exchange implements the authenticated REST facade against the
// remote exchange (C2).
//
// Operations:
//   - ListMarkets:     GET  /v1/markets              — paginated catalog listing
//   - GetMarket:       GET  /v1/markets/{slug}        — unwraps any {market: …} envelope
//   - GetBBO:          GET  /v1/markets/{slug}/bbo
//   - GetOrderBook:    GET  /v1/markets/{slug}/book   — {bids, offers}, tolerant numerics
//   - GetBalances:     GET  /v1/account/balances
//   - GetPositions:    GET  /v1/account/positions     — whole map, no per-market filter
//   - SubmitOrder:     POST /v1/orders                — not idempotent
//   - CancelOrder:     DELETE /v1/orders/{id}          — body must include slug
//   - GetOrderStatus:  GET  /v1/orders/{id}           — unwraps any {order: …} envelope
//   - ClosePosition:   POST /v1/positions/{slug}/close — falls back to IOC limit
//
// Every request passes through the shared RateLimiter first; retries 3x with
// backoff on 429/5xx; 4xx bodies are parsed and surfaced as non-retriable.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-signal-trader/internal/auth"
	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/pkg/types"
)

// Client is the authenticated REST facade against the exchange.
type Client struct {
	http   *resty.Client
	auth   *auth.Auth
	rl     *RateLimiter
	base   string
	logger *slog.Logger
}

// NewClient builds a REST client with retry and rate limiting.
func NewClient(cfg config.Config, a *auth.Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.Base).
		SetTimeout(cfg.API.RESTTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	w := cfg.API.RateLimitW
	if w <= 0 {
		w = time.Second
	}
	r := cfg.API.RateLimitR
	if r <= 0 {
		r = 40
	}

	return &Client{
		http:   httpClient,
		auth:   a,
		rl:     NewRateLimiter(r, w.Seconds()),
		base:   cfg.API.Base,
		logger: logger,
	}
}

// canonicalJSON marshals v into a sorted-key, compact-separator JSON body,
// grounded on original_source's patched_dumps monkeypatch: marshal into a
// generic map first, then re-serialize keys in sorted order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal for canonicalization: %w", err)
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(t)
	}
}

func (c *Client) authHeaders(method, path, body string) (map[string]string, error) {
	h := c.auth.Headers(method, path, time.Now())
	return h, nil
}

// ListMarkets pages in 100s until exhausted or limit is reached.
func (c *Client) ListMarkets(ctx context.Context, limit int, active, closed bool) ([]types.Market, error) {
	const pageSize = 100
	var out []types.Market
	offset := 0
	for {
		if err := c.rl.Wait(ctx); err != nil {
			return nil, err
		}
		path := "/v1/markets"
		headers, err := c.authHeaders("GET", path, "")
		if err != nil {
			return nil, fmt.Errorf("auth headers: %w", err)
		}

		var page struct {
			Markets []types.Market `json:"markets"`
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParams(map[string]string{
				"limit":  fmt.Sprintf("%d", pageSize),
				"offset": fmt.Sprintf("%d", offset),
				"active": fmt.Sprintf("%t", active),
				"closed": fmt.Sprintf("%t", closed),
			}).
			SetResult(&page).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		out = append(out, page.Markets...)
		if len(page.Markets) < pageSize {
			break
		}
		offset += pageSize
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetMarket fetches one market and unwraps any {market: …} envelope.
func (c *Client) GetMarket(ctx context.Context, slug string) (*types.Market, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/markets/" + slug
	headers, err := c.authHeaders("GET", path, "")
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&raw).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market: status %d: %s", resp.StatusCode(), resp.String())
	}
	return unwrapMarket(raw)
}

func unwrapMarket(raw json.RawMessage) (*types.Market, error) {
	var wrapped struct {
		Market *types.Market `json:"market"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Market != nil {
		return wrapped.Market, nil
	}
	var m types.Market
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal market: %w", err)
	}
	return &m, nil
}

// GetMarketEvent fetches a market's live-score fragment (used by the Phase
// Oracle), unwrapping the first entry of the response's "events" array.
// Markets with no events yet (not same-day, or not a sports market) return
// (nil, nil) rather than an error.
func (c *Client) GetMarketEvent(ctx context.Context, slug string) (*types.MarketEvent, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/markets/" + slug
	headers, err := c.authHeaders("GET", path, "")
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Events []types.MarketEvent `json:"events"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&wrapped).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get market event: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market event: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(wrapped.Events) == 0 {
		return nil, nil
	}
	return &wrapped.Events[0], nil
}

// bboWire is the tolerant wire shape for GetBBO.
type bboWire struct {
	BestBid      AmountLike       `json:"best_bid"`
	BestAsk      AmountLike       `json:"best_ask"`
	OpenInterest AmountLike       `json:"open_interest"`
	State        types.MarketState `json:"state"`
}

// GetBBO fetches the current best bid/offer for a market.
func (c *Client) GetBBO(ctx context.Context, slug string) (*types.BBOSample, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/markets/" + slug + "/bbo"
	headers, err := c.authHeaders("GET", path, "")
	if err != nil {
		return nil, err
	}

	var wire bboWire
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&wire).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get bbo: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get bbo: status %d: %s", resp.StatusCode(), resp.String())
	}

	return &types.BBOSample{
		Slug:         slug,
		BestBid:      wire.BestBid.Value,
		BestAsk:      wire.BestAsk.Value,
		OpenInterest: wire.OpenInterest.Value,
		State:        wire.State,
		ReceivedAt:   time.Now(),
	}, nil
}

type bookLevelWire struct {
	Price AmountLike `json:"price"`
	Qty   AmountLike `json:"qty"`
}

// GetOrderBook fetches book depth. Levels may arrive as bare numbers or
// {value, currency} objects; AmountLike normalizes both.
func (c *Client) GetOrderBook(ctx context.Context, slug string) (*types.OrderBook, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/markets/" + slug + "/book"
	headers, err := c.authHeaders("GET", path, "")
	if err != nil {
		return nil, err
	}

	var wire struct {
		Bids   []bookLevelWire `json:"bids"`
		Offers []bookLevelWire `json:"offers"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&wire).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order book: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := &types.OrderBook{Slug: slug}
	for _, b := range wire.Bids {
		book.Bids = append(book.Bids, types.PriceLevel{Price: b.Price.Value, Qty: b.Qty.Value})
	}
	for _, o := range wire.Offers {
		book.Offers = append(book.Offers, types.PriceLevel{Price: o.Price.Value, Qty: o.Qty.Value})
	}
	return book, nil
}

type balanceWire struct {
	Currency       string     `json:"currency"`
	CurrentBalance AmountLike `json:"current_balance"`
	BuyingPower    AmountLike `json:"buying_power"`
}

// GetBalances returns the account's per-currency balances.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/account/balances"
	headers, err := c.authHeaders("GET", path, "")
	if err != nil {
		return nil, err
	}

	var wire []balanceWire
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&wire).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.Balance, len(wire))
	for i, b := range wire {
		out[i] = types.Balance{Currency: b.Currency, CurrentBalance: b.CurrentBalance.Value, BuyingPower: b.BuyingPower.Value}
	}
	return out, nil
}

type portfolioEntryWire struct {
	NetPosition AmountLike `json:"net_position"`
	Cost        AmountLike `json:"cost"`
	AvgPrice    AmountLike `json:"avg_price"`
}

// GetPositions returns the whole portfolio map. The endpoint does not accept
// a per-market filter; callers fetch everything and look up by slug.
func (c *Client) GetPositions(ctx context.Context) (map[string]types.PortfolioEntry, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/account/positions"
	headers, err := c.authHeaders("GET", path, "")
	if err != nil {
		return nil, err
	}

	var wire map[string]portfolioEntryWire
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&wire).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[string]types.PortfolioEntry, len(wire))
	for slug, e := range wire {
		out[slug] = types.PortfolioEntry{NetPosition: e.NetPosition.Value, Cost: e.Cost.Value, AvgPrice: e.AvgPrice.Value}
	}
	return out, nil
}

// SubmitOrder places a single order. Not idempotent: on network failure the
// state is unknown and MUST be reconciled via GetOrderStatus + GetPositions.
func (c *Client) SubmitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResponse, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/orders"
	body, err := canonicalJSON(req)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	headers, err := c.authHeaders("POST", path, string(body))
	if err != nil {
		return nil, err
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
		return nil, fmt.Errorf("submit order rejected: status %d: %s", resp.StatusCode(), resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels one order. The slug MUST be included in the body; it
// is not inferrable from the order id alone.
func (c *Client) CancelOrder(ctx context.Context, orderID, slug string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	path := "/v1/orders/" + orderID
	body, err := canonicalJSON(struct {
		Slug string `json:"slug"`
	}{Slug: slug})
	if err != nil {
		return fmt.Errorf("encode cancel: %w", err)
	}
	headers, err := c.authHeaders("DELETE", path, string(body))
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetOrderStatus fetches the current status of an order and unwraps any
// {order: …} envelope.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*types.OrderStatus, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/orders/" + orderID
	headers, err := c.authHeaders("GET", path, "")
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&raw).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order status: status %d: %s", resp.StatusCode(), resp.String())
	}

	var wrapped struct {
		Order *types.OrderStatus `json:"order"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Order != nil {
		return wrapped.Order, nil
	}
	var status types.OrderStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("unmarshal order status: %w", err)
	}
	return &status, nil
}

// ClosePosition submits a convenience close at slippage tolerance
// slippageBips around currentPrice. Callers fall back to an explicit IOC
// limit order (via SubmitOrder) if this endpoint is unsupported (404/501).
func (c *Client) ClosePosition(ctx context.Context, slug string, slippageBips int, currentPrice float64) (*types.OrderResponse, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/v1/positions/" + slug + "/close"
	body, err := canonicalJSON(struct {
		SlippageBips int     `json:"slippage_bips"`
		CurrentPrice float64 `json:"current_price"`
	}{SlippageBips: slippageBips, CurrentPrice: currentPrice})
	if err != nil {
		return nil, fmt.Errorf("encode close: %w", err)
	}
	headers, err := c.authHeaders("POST", path, string(body))
	if err != nil {
		return nil, err
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusNotImplemented {
		return nil, fmt.Errorf("close position unsupported: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("close position: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}
