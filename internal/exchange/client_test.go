package exchange

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	pmauth "polymarket-signal-trader/internal/auth"
	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAuth(t *testing.T) *pmauth.Auth {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a, err := pmauth.New(config.AuthConfig{
		AccessKey: "test-key",
		SecretKey: base64.StdEncoding.EncodeToString(priv.Seed()),
	})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	return a
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := config.Config{API: config.APIConfig{
		Base:        srv.URL,
		RateLimitR:  1000,
		RateLimitW:  time.Second,
		RESTTimeout: 5 * time.Second,
	}}
	return NewClient(cfg, testAuth(t), testLogger())
}

func TestGetBBO_ParsesAmountLikeShapes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"best_bid": {"value": 0.44, "currency": "USD"}, "best_ask": "0.46", "open_interest": 1000, "state": "OPEN"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	bbo, err := c.GetBBO(context.Background(), "slug-1")
	if err != nil {
		t.Fatalf("GetBBO: %v", err)
	}
	if bbo.BestBid != 0.44 {
		t.Errorf("best_bid = %v, want 0.44 (object shape)", bbo.BestBid)
	}
	if bbo.BestAsk != 0.46 {
		t.Errorf("best_ask = %v, want 0.46 (string shape)", bbo.BestAsk)
	}
}

func TestGetMarket_UnwrapsEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"market": {"slug": "abc", "question": "will it rain", "state": "OPEN"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	m, err := c.GetMarket(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.Slug != "abc" {
		t.Errorf("slug = %q, want abc", m.Slug)
	}
}

func TestGetMarket_FlatShape(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"slug": "xyz", "question": "q", "state": "OPEN"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	m, err := c.GetMarket(context.Background(), "xyz")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.Slug != "xyz" {
		t.Errorf("slug = %q, want xyz", m.Slug)
	}
}

func TestGetOrderStatus_UnwrapsEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order": {"order_id": "o1", "state": "filled"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	s, err := c.GetOrderStatus(context.Background(), "o1")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if s.State != "filled" {
		t.Errorf("state = %q, want filled", s.State)
	}
}

func TestSubmitOrder_SignsRequest(t *testing.T) {
	t.Parallel()
	var gotSig, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-PM-Signature")
		gotKey = r.Header.Get("X-PM-Access-Key")
		json.NewEncoder(w).Encode(map[string]any{"order_id": "o1", "state": "live"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.SubmitOrder(context.Background(), types.OrderRequest{
		Slug: "x", Side: types.BuyYes, Price: 0.5, Qty: 2, TimeInForce: "IOC",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if resp.OrderID != "o1" {
		t.Errorf("order id = %q, want o1", resp.OrderID)
	}

	if gotSig == "" {
		t.Error("expected X-PM-Signature header to be set")
	}
	if gotKey != "test-key" {
		t.Errorf("access key header = %q, want test-key", gotKey)
	}
}

func TestGetPositions_NoPerMarketFilter(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"slug-a": {"net_position": 5, "cost": 2.5, "avg_price": 0.5}, "slug-b": {"net_position": 0, "cost": 0, "avg_price": 0}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(positions))
	}
	if positions["slug-a"].NetPosition != 5 {
		t.Errorf("slug-a net_position = %v, want 5", positions["slug-a"].NetPosition)
	}
}

func TestListMarkets_Paginates(t *testing.T) {
	t.Parallel()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			markets := make([]map[string]string, 100)
			for i := range markets {
				markets[i] = map[string]string{"slug": "m", "state": "OPEN"}
			}
			json.NewEncoder(w).Encode(map[string]any{"markets": markets})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"markets": []map[string]string{{"slug": "last", "state": "OPEN"}}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	markets, err := c.ListMarkets(context.Background(), 0, true, false)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 101 {
		t.Fatalf("expected 101 markets across 2 pages, got %d", len(markets))
	}
	if calls != 2 {
		t.Errorf("expected 2 page requests, got %d", calls)
	}
}
