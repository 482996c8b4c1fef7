package events

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-trader/internal/domain"
)

// Type identifies an event topic.
type Type string

// Session, order, position, and risk topics.
const (
	SessionStarted  Type = "trading.session.started"
	SessionStopped  Type = "trading.session.stopped"
	SessionPaused   Type = "trading.session.paused"
	SessionResumed  Type = "trading.session.resumed"
	SessionUnlocked Type = "trading.session.unlocked"

	OrderPlaced          Type = "trading.order.placed"
	OrderCancelled       Type = "trading.order.cancelled"
	OrderFilled          Type = "trading.order.filled"
	OrderPartiallyFilled Type = "trading.order.partially_filled"
	OrderRejected        Type = "trading.order.rejected"
	OrderFullyCancelled  Type = "trading.order.fully_cancelled"

	PositionUpdated Type = "trading.position.updated"

	EmergencyStop  Type = "trading.emergency_stop"
	SignalRejected Type = "risk.signal_rejected"

	HealthCheck Type = "trading.health"
)

// Severity marks the operational weight of an event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is the envelope published on the bus.
type Event struct {
	Type      Type
	Severity  Severity
	Timestamp time.Time
	Data      any
}

// SessionEvent is the payload for session lifecycle topics.
type SessionEvent struct {
	SessionID   string `json:"session_id"`
	PortfolioID string `json:"portfolio_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// OrderEventPayload is the payload for order lifecycle topics.
type OrderEventPayload struct {
	OrderID   string          `json:"order_id"`
	BrokerID  string          `json:"broker_id,omitempty"`
	Symbol    string          `json:"symbol"`
	Side      domain.Side     `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	FillQty   decimal.Decimal `json:"fill_qty,omitempty"`
	FillPrice decimal.Decimal `json:"fill_price,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// PositionEvent is the payload for trading.position.updated.
type PositionEvent struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// EmergencyStopEvent is the payload for trading.emergency_stop.
type EmergencyStopEvent struct {
	SessionID       string `json:"session_id"`
	Reason          string `json:"reason"`
	PositionsClosed bool   `json:"positions_closed"`
	OrdersCancelled int    `json:"orders_cancelled"`
}

// SignalRejectedEvent is the payload for risk.signal_rejected.
type SignalRejectedEvent struct {
	Symbol   string          `json:"symbol"`
	Side     domain.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
}

// HealthEvent is published by the monitor loop.
type HealthEvent struct {
	SessionID       string          `json:"session_id"`
	OpenPositions   int             `json:"open_positions"`
	ActiveOrders    int             `json:"active_orders"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	NearLiquidation []string        `json:"near_liquidation,omitempty"`
}
