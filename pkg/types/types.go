// Package types defines shared data structures used across all packages.
//
// This is the common vocabulary for the trader — market metadata, BBO
// samples, signals, positions, and spike records. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a position: buy the YES contract or the NO contract.
type Side string

const (
	BuyYes Side = "BUY_YES"
	BuyNo  Side = "BUY_NO"
)

// MarketState is the lifecycle state of a catalog market.
type MarketState string

const (
	StateOpen      MarketState = "OPEN"
	StateSuspended MarketState = "SUSPENDED"
	StateExpired   MarketState = "EXPIRED"
)

// GamePhase classifies where a market sits relative to the underlying event.
// Supplied by the external Phase Oracle collaborator; carried here only as
// the value type the Trade Loop switches on.
type GamePhase string

const (
	PhasePre     GamePhase = "PRE"
	PhaseLive    GamePhase = "LIVE"
	PhasePost    GamePhase = "POST"
	PhaseUnknown GamePhase = "UNKNOWN"
)

// Strategy is which of the two opposing templates produced a signal/position.
type Strategy string

const (
	Fade  Strategy = "FADE"
	Trend Strategy = "TREND"
)

// Severity labels a signal by how extreme its z-score is.
type Severity string

const (
	SeverityAlert Severity = "ALERT"
	SeverityWatch Severity = "WATCH"
	SeverityInfo  Severity = "INFO"
)

// Decision is the outcome of the opening-discipline gate.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
)

// Direction is the sign of a mid-price move.
type Direction string

const (
	DirSpike Direction = "SPIKE" // mid moved up
	DirDip   Direction = "DIP"   // mid moved down
)

// ExitReason names which exit rule fired.
type ExitReason string

const (
	ReasonTakeProfit   ExitReason = "tp"
	ReasonStopLoss     ExitReason = "sl"
	ReasonTrailingStop ExitReason = "trailing_stop"
	ReasonBreakeven    ExitReason = "breakeven"
	ReasonTimeExit     ExitReason = "time_exit"
)

// ————————————————————————————————————————————————————————————————————————
// Market / BBO
// ————————————————————————————————————————————————————————————————————————

// Market is a catalog entry: slug, question text, resolution time, state.
// Populated by the (external) Catalog Service via internal/catalog.
type Market struct {
	Slug     string      `json:"slug"`
	Question string      `json:"question"`
	EndTime  time.Time   `json:"end_time"`
	State    MarketState `json:"state"`
}

// MarketEvent is the live-score fragment of a market-detail response, used
// only by the Phase Oracle to classify PRE/LIVE/POST. Distinct from Market
// (the Catalog's discovery-time metadata) — this is refreshed separately
// and only for slugs that look like same-day sports markets.
type MarketEvent struct {
	Live      bool   `json:"live"`
	Ended     bool   `json:"ended"`
	Period    string `json:"period"`
	Score     string `json:"score"`
	Elapsed   string `json:"elapsed"`
	StartTime string `json:"startTime"`
}

// BBOSample is one inbound best-bid/offer update. Ephemeral — consumed by
// the Market State Store and discarded.
type BBOSample struct {
	Slug         string      `json:"slug"`
	BestBid      float64     `json:"best_bid"`
	BestAsk      float64     `json:"best_ask"`
	OpenInterest float64     `json:"open_interest"`
	State        MarketState `json:"state"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// PriceLevel is a single book level. Price/Qty may arrive over the wire as
// a bare number or an {value, currency} object — see AmountLike.
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook is the depth snapshot returned by GET /v1/markets/{slug}/book.
type OrderBook struct {
	Slug   string       `json:"slug"`
	Bids   []PriceLevel `json:"bids"`
	Offers []PriceLevel `json:"offers"`
}

// Balance is one currency entry from GET /v1/account/balances.
type Balance struct {
	Currency       string  `json:"currency"`
	CurrentBalance float64 `json:"current_balance"`
	BuyingPower    float64 `json:"buying_power"`
}

// PortfolioEntry is one slug's net position from GET /v1/account/positions.
// Note: that endpoint does not accept a per-market filter; callers fetch the
// whole map and look up by slug.
type PortfolioEntry struct {
	NetPosition float64 `json:"net_position"`
	Cost        float64 `json:"cost"`
	AvgPrice    float64 `json:"avg_price"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the body for POST /v1/orders.
type OrderRequest struct {
	Slug       string  `json:"slug"`
	Side       Side    `json:"side"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	TimeInForce string `json:"time_in_force"` // "IOC"
}

// Execution is one synchronous fill reported inline in an order response.
type Execution struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderResponse is the REST response from submit_order.
type OrderResponse struct {
	OrderID    string      `json:"order_id"`
	State      string      `json:"state"` // "live", "filled", "cancelled", ...
	Executions []Execution `json:"executions,omitempty"`
	AvgPrice   float64     `json:"avg_price,omitempty"`
}

// OrderStatus is the response from get_order_status.
type OrderStatus struct {
	OrderID    string      `json:"order_id"`
	State      string      `json:"state"`
	Executions []Execution `json:"executions,omitempty"`
	AvgPrice   float64     `json:"avg_price,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Signal pipeline
// ————————————————————————————————————————————————————————————————————————

// Signal is the transient output of the Signal Engine for one BBO update.
// Never persisted across ticks.
type Signal struct {
	Slug              string
	Side              Side
	Mid               float64
	AbsZ              float64
	DirectionStrength float64
	Direction         Direction
	Severity          Severity
	Decision          Decision
	RejectReason      string
	StrategyHint      Strategy // empty if neither FADE nor TREND eligible
	FadeEligible      bool
	TrendEligible     bool
	BurstLabel        string // "MEAN_REVERSION" or empty
	GamePhase         GamePhase
	Spread            float64
	CreatedAt         time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Position
// ————————————————————————————————————————————————————————————————————————

// Position is an open (or just-closed) directional position, owned
// exclusively by its Broker. While open, at most one Position exists per
// slug.
type Position struct {
	Slug                   string
	Side                   Side
	Qty                    decimal.Decimal
	EntryMid               decimal.Decimal
	EntryTime              time.Time
	FillPrice              decimal.Decimal
	CostBasis              decimal.Decimal
	FeeOpen                decimal.Decimal
	ZScore                 float64
	PeakProfitPct          decimal.Decimal
	TrailingActive         bool
	PeakUpdatedAt          time.Time
	ConsecutiveProfitTicks int
	Strategy               Strategy
	OrderID                string // empty when paper
}

// ClosedPosition bundles a closed Position with its realized outcome.
type ClosedPosition struct {
	Position  Position
	ExitMid   decimal.Decimal
	PnL       decimal.Decimal
	Reason    ExitReason
	ClosedAt  time.Time
}

// TradeEvent is the record emitted to the Event Sink per open and per close.
type TradeEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Event     string          `json:"event"` // "OPEN" or "CLOSE"
	Slug      string          `json:"slug"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	EntryMid  decimal.Decimal `json:"entry_mid"`
	ExitMid   decimal.Decimal `json:"exit_mid,omitempty"`
	PnL       decimal.Decimal `json:"pnl,omitempty"`
	CashAfter decimal.Decimal `json:"cash_after"`
	Reason    string          `json:"reason,omitempty"`
	Fee       decimal.Decimal `json:"fee"`
	ZScore    float64         `json:"z_score"`
	Strategy  Strategy        `json:"strategy"`
}

// ExitDecision is what the Exit Evaluator returns when a rule fires.
type ExitDecision struct {
	Reason     ExitReason
	ProfitPct  decimal.Decimal
}
