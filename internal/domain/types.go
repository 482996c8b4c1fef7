// Package domain defines the core trading vocabulary and aggregates:
// orders, portfolios, positions, sessions, and signals.
//
// It is the common language for every other package and has no
// dependencies on internal packages, so it can be imported by any layer.
// All money, price, and quantity values are fixed-point decimals; floats
// never appear in domain arithmetic.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side. Used when flattening positions.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the futures position direction.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	Market           OrderType = "MARKET"
	Limit            OrderType = "LIMIT"
	Stop             OrderType = "STOP"
	StopLimit        OrderType = "STOP_LIMIT"
	TakeProfit       OrderType = "TAKE_PROFIT"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // good til cancelled
	IOC TimeInForce = "IOC" // immediate or cancel
	FOK TimeInForce = "FOK" // fill or kill
)

// OrderRequest is a fully specified order before submission. Produced by
// the signal adapter or handed in through the control surface, checked by
// the risk validator, then turned into an Order on submit.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal // limit price; zero for market orders
	StopPrice   decimal.Decimal // zero unless a stop/take-profit type
	TimeInForce TimeInForce
	ReduceOnly  bool
	Leverage    int
	PortfolioID string

	StopLoss   decimal.Decimal // derived protective stop, zero = none
	TakeProfit decimal.Decimal // derived profit target, zero = none

	// Metadata carries adjustment markers and signal provenance,
	// e.g. "adjustments.leverage" after a risk Adjust.
	Metadata map[string]string
}

// Notional returns price × quantity for limit orders, or the given mark
// price × quantity for market orders.
func (r OrderRequest) Notional(mark decimal.Decimal) decimal.Decimal {
	px := r.Price
	if px.IsZero() {
		px = mark
	}
	return px.Mul(r.Quantity)
}

// SignalType tags a strategy signal.
type SignalType string

const (
	SignalStrongBuy  SignalType = "STRONG_BUY"
	SignalBuy        SignalType = "BUY"
	SignalSell       SignalType = "SELL"
	SignalStrongSell SignalType = "STRONG_SELL"
	SignalCloseLong  SignalType = "CLOSE_LONG"
	SignalCloseShort SignalType = "CLOSE_SHORT"
	SignalHold       SignalType = "HOLD"
)

// Signal is what strategies produce and the trading service consumes.
// Strength and Confidence are in [0, 1].
type Signal struct {
	StrategyID string
	Symbol     string
	Type       SignalType
	Strength   decimal.Decimal
	Confidence decimal.Decimal
	Price      decimal.Decimal // current price at signal time
	Params     map[string]string
	Timestamp  time.Time
}

// Position is the core's projection of a broker-side futures position.
// The broker is authoritative; the reconciliation loop refreshes this.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Leverage         int             `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	MarginUsed       decimal.Decimal `json:"margin_used"`
	PortfolioID      string          `json:"portfolio_id"`
	Open             bool            `json:"open"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CloseSide returns the order side that reduces this position.
func (p Position) CloseSide() Side {
	if p.Side == Long {
		return Sell
	}
	return Buy
}
