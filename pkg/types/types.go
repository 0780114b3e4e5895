// Package types holds the domain model shared by the trading core:
// market snapshots, agent decisions, trade intents, orders, positions and
// the persisted process state. All components exchange these values; only
// the store and the exchange client own their own wire representations.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Basket is the fixed set of coins the core trades, in canonical order.
// Symbols are venue coin names (no quote suffix).
var Basket = []string{"BTC", "ETH", "SOL", "BNB", "DOGE", "XRP"}

// IsBasketCoin reports whether coin is in the canonical basket.
func IsBasketCoin(coin string) bool {
	for _, c := range Basket {
		if c == coin {
			return true
		}
	}
	return false
}

// NormalizeCoin maps model-emitted symbols onto the canonical basket form:
// uppercased, with common quote/perp suffixes stripped. Returns the
// canonical symbol and whether it belongs to the basket.
func NormalizeCoin(symbol string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range []string{"-PERP", "_PERP", "PERP", "USDT", "USDC", "-USD", "/USD", "USD"} {
		if len(c) > len(suffix) && strings.HasSuffix(c, suffix) {
			c = strings.TrimSuffix(c, suffix)
			break
		}
	}
	c = strings.Trim(c, "-_/")
	return c, IsBasketCoin(c)
}

// Point3m is one row of the 3-minute indicator series.
type Point3m struct {
	Close float64 `json:"close"`
	EMA20 float64 `json:"ema20"`
	MACD  float64 `json:"macd"`
	RSI7  float64 `json:"rsi7"`
	RSI14 float64 `json:"rsi14"`
}

// Point4h is one row of the 4-hour context series.
type Point4h struct {
	EMA20 float64 `json:"ema20"`
	EMA50 float64 `json:"ema50"`
	ATR3  float64 `json:"atr3"`
	ATR14 float64 `json:"atr14"`
	MACD  float64 `json:"macd"`
	RSI14 float64 `json:"rsi14"`
}

// CoinView is the per-coin market state handed to every agent.
// Series are ordered oldest to newest and hold SeriesLen rows.
type CoinView struct {
	MidPrice     float64   `json:"mid_price"`
	OpenInterest float64   `json:"open_interest"`
	FundingRate  float64   `json:"funding_rate"`
	Series3m     []Point3m `json:"series_3m"`
	Series4h     []Point4h `json:"series_4h"`
}

// SeriesLen is how many rows of each indicator series a snapshot keeps.
const SeriesLen = 10

// MarketSnapshot is the immutable per-cycle view of market state.
type MarketSnapshot struct {
	CycleID    int64               `json:"cycle_id"`
	CapturedAt time.Time           `json:"captured_at"`
	Coins      map[string]CoinView `json:"coins"`
}

// RiskProfile bounds what a single agent is allowed to do.
type RiskProfile struct {
	MaxLeverage              int     `json:"max_leverage" yaml:"max_leverage"`
	MaxPositionFraction      float64 `json:"max_position_fraction" yaml:"max_position_fraction"`
	MaxGrossExposureFraction float64 `json:"max_gross_exposure_fraction" yaml:"max_gross_exposure_fraction"`
	StopLossRequired         bool    `json:"stop_loss_required" yaml:"stop_loss_required"`
}

// AgentConfig is one configured agent, loaded from the database each cycle.
// PrimaryModel and FallbackModel are model identifiers resolved against the
// configured model endpoints.
type AgentConfig struct {
	AgentID       string      `json:"agent_id" yaml:"agent_id"`
	DisplayName   string      `json:"display_name" yaml:"display_name"`
	IsActive      bool        `json:"is_active" yaml:"is_active"`
	PrimaryModel  string      `json:"primary_model" yaml:"primary_model"`
	FallbackModel string      `json:"fallback_model" yaml:"fallback_model"`
	RiskProfile   RiskProfile `json:"risk_profile" yaml:"risk_profile"`
}

// Operation is one of the structured actions an agent may emit.
type Operation string

const (
	OpOpenLong  Operation = "OPEN_LONG"
	OpOpenShort Operation = "OPEN_SHORT"
	OpClose     Operation = "CLOSE"
	OpHold      Operation = "HOLD"
)

// IsOpen reports whether the operation opens a position.
func (op Operation) IsOpen() bool {
	return op == OpOpenLong || op == OpOpenShort
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpOpenLong, OpOpenShort, OpClose, OpHold:
		return true
	}
	return false
}

// TradeIntent is a single structured action attached to a decision.
type TradeIntent struct {
	Coin            string    `json:"coin"`
	Operation       Operation `json:"operation"`
	SizeFraction    float64   `json:"size_fraction,omitempty"`
	Leverage        int       `json:"leverage,omitempty"`
	StopLossPrice   *float64  `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64  `json:"take_profit_price,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
}

// ParseStatus records how decision extraction went.
type ParseStatus string

const (
	ParseOK        ParseStatus = "OK"
	ParseMalformed ParseStatus = "MALFORMED"
	ParseEmpty     ParseStatus = "EMPTY"
)

// ReasonCode identifies why the risk gate rejected an intent.
type ReasonCode string

const (
	ReasonMaxLeverage        ReasonCode = "MAX_LEVERAGE"
	ReasonMaxPosition        ReasonCode = "MAX_POSITION"
	ReasonMaxGrossExposure   ReasonCode = "MAX_GROSS_EXPOSURE"
	ReasonInsufficientMargin ReasonCode = "INSUFFICIENT_MARGIN"
	ReasonStopLossMissing    ReasonCode = "STOP_LOSS_MISSING"
	ReasonStopLossSide       ReasonCode = "STOP_LOSS_SIDE"
	ReasonNoPosition         ReasonCode = "NO_POSITION"
	ReasonUnknownCoin        ReasonCode = "UNKNOWN_COIN"
)

// IntentRejection records a risk-gate rejection alongside the decision.
type IntentRejection struct {
	Intent TradeIntent `json:"intent"`
	Reason ReasonCode  `json:"reason"`
	Detail string      `json:"detail,omitempty"`
}

// AgentDecision is the persisted outcome of one agent for one cycle.
type AgentDecision struct {
	DecisionID        uuid.UUID         `json:"decision_id"`
	CycleID           int64             `json:"cycle_id"`
	AgentID           string            `json:"agent_id"`
	CreatedAt         time.Time         `json:"created_at"`
	ModelUsed         string            `json:"model_used"`
	PromptFingerprint string            `json:"prompt_fingerprint"`
	RawResponse       string            `json:"raw_response"`
	ChainOfThought    string            `json:"chain_of_thought"`
	Actions           []TradeIntent     `json:"actions"`
	ParseStatus       ParseStatus       `json:"parse_status"`
	Rejections        []IntentRejection `json:"rejections,omitempty"`
}

// OrderSide is the direction of an exchange order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the local order lifecycle state.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderAccepted  OrderStatus = "ACCEPTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderFailed    OrderStatus = "FAILED"
)

// validOrderTransitions encodes the monotonic lifecycle:
// SUBMITTED → {ACCEPTED → {FILLED|CANCELLED}} ∪ {REJECTED, FAILED}.
var validOrderTransitions = map[OrderStatus][]OrderStatus{
	OrderSubmitted: {OrderAccepted, OrderRejected, OrderFailed},
	OrderAccepted:  {OrderFilled, OrderCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range validOrderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a final one.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// Order is one exchange round-trip, persisted at every status transition.
type Order struct {
	OrderID         uuid.UUID   `json:"order_id"`
	DecisionID      uuid.UUID   `json:"decision_id"`
	Coin            string      `json:"coin"`
	Side            OrderSide   `json:"side"`
	IntendedSize    float64     `json:"intended_size"`
	FilledSize      float64     `json:"filled_size"`
	LimitPrice      *float64    `json:"limit_price,omitempty"`
	TriggerPrice    *float64    `json:"trigger_price,omitempty"`
	ReduceOnly      bool        `json:"reduce_only"`
	Leverage        int         `json:"leverage"`
	ExchangeOrderID *string     `json:"exchange_order_id,omitempty"`
	IdempotencyKey  uuid.UUID   `json:"idempotency_key"`
	Status          OrderStatus `json:"status"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	FinalizedAt     *time.Time  `json:"finalized_at,omitempty"`
	ErrorCode       *string     `json:"error_code,omitempty"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
}

// IdempotencyKey derives the client order identifier for a submission from
// its decision, coin and per-decision sequence number. The same inputs
// always produce the same key, so a retried submission deduplicates at the
// venue instead of double-placing.
func IdempotencyKey(decisionID uuid.UUID, coin string, sequence int) uuid.UUID {
	return uuid.NewSHA1(decisionID, []byte(fmt.Sprintf("%s/%d", coin, sequence)))
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// Position is the venue's view of one coin, fetched each cycle.
// The exchange is authoritative; positions are never persisted as truth.
type Position struct {
	Coin             string       `json:"coin"`
	Side             PositionSide `json:"side"`
	Size             float64      `json:"size"`
	EntryPrice       float64      `json:"entry_price"`
	CurrentPrice     float64      `json:"current_price"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	Leverage         int          `json:"leverage"`
	LiquidationPrice float64      `json:"liquidation_price"`
}

// Notional returns the absolute position value in quote currency.
func (p Position) Notional() float64 {
	n := p.Size * p.CurrentPrice
	if n < 0 {
		return -n
	}
	return n
}

// AccountState is the per-cycle account view used for prompts and risk.
type AccountState struct {
	Equity           float64 `json:"equity"`
	FreeCash         float64 `json:"free_cash"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	GrossExposure    float64 `json:"gross_exposure"`
	RealizedPnLTotal float64 `json:"realized_pnl_total"`
	TotalReturnPct   float64 `json:"total_return_pct"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
}

// AccountSnapshot is the persisted per-cycle account record.
type AccountSnapshot struct {
	CycleID          int64     `json:"cycle_id"`
	Equity           float64   `json:"equity"`
	FreeCash         float64   `json:"free_cash"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	GrossExposure    float64   `json:"gross_exposure"`
	RealizedPnLTotal float64   `json:"realized_pnl_total"`
	CapturedAt       time.Time `json:"captured_at"`
}

// CycleStatus is the recorded outcome of one cycle.
type CycleStatus string

const (
	CycleOK              CycleStatus = "OK"
	CycleFailed          CycleStatus = "FAILED"
	CycleDataUnavailable CycleStatus = "DATA_UNAVAILABLE"
	CycleExchangeDown    CycleStatus = "EXCHANGE_DOWN"
)

// BotState is the single persisted process-wide row.
// CycleCount is strictly non-decreasing across restarts.
type BotState struct {
	ServiceStartTime time.Time   `json:"service_start_time"`
	CycleCount       int64       `json:"cycle_count"`
	LastCycleAt      *time.Time  `json:"last_cycle_at,omitempty"`
	LastCycleStatus  CycleStatus `json:"last_cycle_status,omitempty"`
	LastError        *string     `json:"last_error,omitempty"`
}
