package stream

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"polymarket-signal-trader/pkg/types"
)

func newTestStream() *Stream {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Stream{logger: logger, bboCh: make(chan types.BBOSample, 16)}
}

func recvOrTimeout(t *testing.T, s *Stream) types.BBOSample {
	t.Helper()
	select {
	case sample := <-s.bboCh:
		return sample
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for BBO sample")
		return types.BBOSample{}
	}
}

func TestDispatchMessage_FlatShape(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"slug":"abc","best_bid":0.40,"best_ask":0.42,"open_interest":100,"state":"OPEN"}`))
	got := recvOrTimeout(t, s)
	if got.Slug != "abc" || got.BestBid != 0.40 || got.BestAsk != 0.42 {
		t.Errorf("got %+v", got)
	}
}

func TestDispatchMessage_CamelCase(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"slug":"abc","bestBid":0.40,"bestAsk":0.42}`))
	got := recvOrTimeout(t, s)
	if got.BestBid != 0.40 || got.BestAsk != 0.42 {
		t.Errorf("got %+v", got)
	}
}

func TestDispatchMessage_WrappedMarketDataLite(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"market_data_lite":{"slug":"abc","best_bid":0.40,"best_ask":0.42}}`))
	got := recvOrTimeout(t, s)
	if got.Slug != "abc" {
		t.Errorf("got %+v", got)
	}
}

func TestDispatchMessage_BatchedMarketDataLite(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"market_data_lite":[{"slug":"a","best_bid":0.1,"best_ask":0.12},{"slug":"b","best_bid":0.2,"best_ask":0.22}]}`))
	first := recvOrTimeout(t, s)
	second := recvOrTimeout(t, s)
	if first.Slug != "a" || second.Slug != "b" {
		t.Errorf("got %+v then %+v, want a then b in arrival order", first, second)
	}
}

func TestDispatchMessage_NestedBBOObject(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"slug":"abc","bbo":{"bid":0.4,"ask":0.42}}`))
	got := recvOrTimeout(t, s)
	if got.BestBid != 0.4 || got.BestAsk != 0.42 {
		t.Errorf("got %+v", got)
	}
}

func TestDispatchMessage_TopOfBookArrays(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"slug":"abc","bids":[{"price":0.4,"qty":10}],"asks":[{"price":0.42,"qty":5}]}`))
	got := recvOrTimeout(t, s)
	if got.BestBid != 0.4 || got.BestAsk != 0.42 {
		t.Errorf("got %+v", got)
	}
}

func TestDispatchMessage_SynthesizesSpreadFromLastPrice(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"slug":"abc","last_price":0.50}`))
	got := recvOrTimeout(t, s)
	if got.BestBid != 0.495 || got.BestAsk != 0.505 {
		t.Errorf("got bid=%v ask=%v, want synthesized ±0.005 around 0.50", got.BestBid, got.BestAsk)
	}
}

func TestDispatchMessage_DiscardsHeartbeatFrame(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`{"request_id":"123","status":"subscribed"}`))
	select {
	case got := <-s.bboCh:
		t.Fatalf("expected no BBO emitted for a heartbeat/confirmation frame, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchMessage_MalformedFrameIsSkipped(t *testing.T) {
	s := newTestStream()
	s.dispatchMessage([]byte(`not json`))
	select {
	case got := <-s.bboCh:
		t.Fatalf("expected no BBO emitted for malformed frame, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
