// Package stream implements the long-lived BBO subscription transport (C3).
//
// One connection. With no configured slugs it sends one subscribe frame with
// an empty market list (server treats this as wildcard); with a configured
// slug list it sends batched 100-slug subscribes instead. A rejected wildcard
// subscribe is not detected, and no batched subscribe follows it. Reconnects with exponential backoff (1s→60s),
// re-subscribing from scratch every time — the server's subscription state
// is never assumed to survive a disconnect.
//
// Grounded on the teacher's WSFeed (single connection, ping loop,
// read-deadline-driven reconnect); dispatchMessage is rewritten here as the
// tolerant multi-shape BBO parser the spec calls for.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-signal-trader/internal/auth"
	"polymarket-signal-trader/pkg/types"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 10 * time.Second
	readTimeout    = pingInterval + pongTimeout
	writeTimeout   = 10 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	subscribeBatch = 100
	bboBufferSize  = 4096
	wsPath         = "/v1/ws/markets"
)

// Stream is the single BBO WebSocket feed.
type Stream struct {
	url    string
	auth   *auth.Auth
	slugs  []string // empty means wildcard
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	bboCh chan types.BBOSample
}

// New builds a Stream targeting wsURL. An empty slugs list subscribes to
// every market (wildcard); a non-empty list is sent in 100-slug batches.
func New(wsURL string, a *auth.Auth, slugs []string, logger *slog.Logger) *Stream {
	return &Stream{
		url:    wsURL,
		auth:   a,
		slugs:  slugs,
		logger: logger,
		bboCh:  make(chan types.BBOSample, bboBufferSize),
	}
}

// BBOEvents returns the channel of normalized BBO updates.
func (s *Stream) BBOEvents() <-chan types.BBOSample {
	return s.bboCh
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	headers := s.auth.Headers(http.MethodGet, wsPath, time.Now())
	httpHeader := http.Header{}
	for k, v := range headers {
		httpHeader.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url+wsPath, httpHeader)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.sendSubscribe(s.slugs); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	stopPing := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(stopPing)
	}()
	defer func() {
		close(stopPing)
		wg.Wait()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.dispatchMessage(data)
	}
}

func (s *Stream) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// subscribeFrame mirrors the wire schema of §6: {subscribe:{request_id,
// subscription_type:2, market_slugs:[]}}.
type subscribeFrame struct {
	Subscribe subscribeBody `json:"subscribe"`
}

type subscribeBody struct {
	RequestID        string   `json:"request_id"`
	SubscriptionType int      `json:"subscription_type"`
	MarketSlugs      []string `json:"market_slugs"`
}

func (s *Stream) sendSubscribe(slugs []string) error {
	if len(slugs) == 0 {
		return s.writeSubscribe(nil)
	}
	for i := 0; i < len(slugs); i += subscribeBatch {
		end := i + subscribeBatch
		if end > len(slugs) {
			end = len(slugs)
		}
		if err := s.writeSubscribe(slugs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) writeSubscribe(slugs []string) error {
	frame := subscribeFrame{Subscribe: subscribeBody{
		RequestID:        strconv.FormatInt(time.Now().UnixNano(), 10),
		SubscriptionType: 2,
		MarketSlugs:      slugs,
	}}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal subscribe frame: %w", err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no active connection")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// dispatchMessage tolerates camelCase/snake_case field names, discards
// heartbeats and subscription confirmations (identified by a request id),
// and handles flat, wrapped, and batched market-data shapes.
func (s *Stream) dispatchMessage(data []byte) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		s.logger.Warn("malformed frame", "error", err)
		return
	}

	if _, ok := firstPresent(generic, "request_id", "requestId"); ok {
		return // heartbeat or subscription-confirmation frame
	}

	if raw, ok := firstPresent(generic, "market_data_lite"); ok {
		s.dispatchMarketDataLite(raw)
		return
	}

	s.emitFromFlat(generic)
}

func (s *Stream) dispatchMarketDataLite(raw json.RawMessage) {
	trimmed := trimSpace(raw)
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '[' {
		var batch []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			s.logger.Warn("malformed batched market_data_lite", "error", err)
			return
		}
		for _, item := range batch {
			s.emitFromFlat(item)
		}
		return
	}
	var single map[string]json.RawMessage
	if err := json.Unmarshal(raw, &single); err != nil {
		s.logger.Warn("malformed market_data_lite", "error", err)
		return
	}
	s.emitFromFlat(single)
}

func (s *Stream) emitFromFlat(fields map[string]json.RawMessage) {
	slug, ok := stringField(fields, "slug", "market_slug", "marketSlug")
	if !ok || slug == "" {
		return
	}

	bestBid, bestAsk, ok := extractBBO(fields)
	if !ok {
		return
	}

	oi, _ := floatField(fields, "open_interest", "openInterest")
	stateStr, _ := stringField(fields, "state", "market_state")

	sample := types.BBOSample{
		Slug:         slug,
		BestBid:      bestBid,
		BestAsk:      bestAsk,
		OpenInterest: oi,
		State:        types.MarketState(stateStr),
		ReceivedAt:   time.Now(),
	}

	select {
	case s.bboCh <- sample:
	default:
		s.logger.Warn("bbo channel full, dropping update", "slug", slug)
	}
}

// extractBBO tries, in order: explicit best_bid/best_ask, a nested bbo
// object, the top of bids/asks arrays, or a last-price with a synthesized
// ±0.005 spread.
func extractBBO(fields map[string]json.RawMessage) (bid, ask float64, ok bool) {
	if bid, bidOK := floatField(fields, "best_bid", "bestBid"); bidOK {
		if ask, askOK := floatField(fields, "best_ask", "bestAsk"); askOK {
			return bid, ask, true
		}
	}

	if raw, present := firstPresent(fields, "bbo"); present {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			if bid, bidOK := floatField(nested, "best_bid", "bid", "bestBid"); bidOK {
				if ask, askOK := floatField(nested, "best_ask", "ask", "bestAsk"); askOK {
					return bid, ask, true
				}
			}
		}
	}

	bidsTop, bidsOK := topOfBook(fields, "bids")
	asksTop, asksOK := topOfBook(fields, "asks")
	if bidsOK && asksOK {
		return bidsTop, asksTop, true
	}

	if last, present := floatField(fields, "last_price", "lastPrice", "price"); present {
		return last - 0.005, last + 0.005, true
	}

	return 0, 0, false
}

func topOfBook(fields map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := firstPresent(fields, key)
	if !ok {
		return 0, false
	}
	var levels []json.RawMessage
	if err := json.Unmarshal(raw, &levels); err != nil || len(levels) == 0 {
		return 0, false
	}
	var level map[string]json.RawMessage
	if err := json.Unmarshal(levels[0], &level); err != nil {
		// level may be a bare [price, qty] tuple
		var tuple []float64
		if err := json.Unmarshal(levels[0], &tuple); err == nil && len(tuple) > 0 {
			return tuple[0], true
		}
		return 0, false
	}
	return floatField(level, "price")
}

func firstPresent(fields map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func floatField(fields map[string]json.RawMessage, keys ...string) (float64, bool) {
	raw, ok := firstPresent(fields, keys...)
	if !ok {
		return 0, false
	}
	trimmed := trimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, false
	}
	return f, true
}

func stringField(fields map[string]json.RawMessage, keys ...string) (string, bool) {
	raw, ok := firstPresent(fields, keys...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	for j > i && (b[j-1] == ' ' || b[j-1] == '\t' || b[j-1] == '\n' || b[j-1] == '\r') {
		j--
	}
	return b[i:j]
}
