package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderPending            OrderStatus = "PENDING"
	OrderPartiallyFilled    OrderStatus = "PARTIALLY_FILLED" // transient sub-state of pending
	OrderFilled             OrderStatus = "FILLED"
	OrderCancelled          OrderStatus = "CANCELLED"
	OrderCancelledConfirmed OrderStatus = "CANCELLED_CONFIRMED"
	OrderRejected           OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is legal from s.
// Cancelled is not terminal: it still awaits broker confirmation.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelledConfirmed, OrderRejected:
		return true
	}
	return false
}

// OrderEventType tags lifecycle events emitted by the aggregate.
type OrderEventType string

const (
	EvOrderPlaced            OrderEventType = "OrderPlaced"
	EvOrderFilled            OrderEventType = "OrderFilled"
	EvOrderPartiallyFilled   OrderEventType = "OrderPartiallyFilled"
	EvOrderCancelled         OrderEventType = "OrderCancelled"
	EvOrderCancelledByBroker OrderEventType = "OrderCancelledByBroker"
	EvOrderFullyCancelled    OrderEventType = "OrderFullyCancelled"
	EvOrderRejected          OrderEventType = "OrderRejected"
)

// OrderEvent is a lifecycle event recorded by the aggregate. Events stay
// with the order until the orchestrator pulls them and publishes to the
// bus, preserving insertion order.
type OrderEvent struct {
	Type      OrderEventType
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	FillQty   decimal.Decimal // this event's fill amount, zero otherwise
	FillPrice decimal.Decimal
	Reason    string
	Timestamp time.Time
}

// Order is the aggregate for a single order. All transitions go through
// its methods; a per-order mutex serializes them so concurrent broker
// updates and local cancels cannot interleave.
type Order struct {
	mu sync.Mutex

	ID          string // client order id, core generated
	BrokerID    string // assigned after submit
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce TimeInForce
	ReduceOnly  bool
	Leverage    int
	PortfolioID string
	Metadata    map[string]string

	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	CancelReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	FilledAt    time.Time
	CancelledAt time.Time
	ConfirmedAt time.Time // broker cancel confirmation

	events []OrderEvent
}

// NewOrder creates a Pending order from a request and records the
// OrderPlaced event.
func NewOrder(req OrderRequest) *Order {
	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.NewString(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		ReduceOnly:  req.ReduceOnly,
		Leverage:    req.Leverage,
		PortfolioID: req.PortfolioID,
		Metadata:    req.Metadata,
		Status:      OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.record(EvOrderPlaced, decimal.Zero, decimal.Zero, "")
	return o
}

// Fill transitions the order to Filled. The quantity must complete the
// order; partial amounts go through PartialFill.
func (o *Order) Fill(qty, price decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.Status {
	case OrderPending, OrderPartiallyFilled:
	default:
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), Event: "fill"}
	}
	o.applyFill(qty, price)
	if o.FilledQty.GreaterThan(o.Quantity) {
		o.FilledQty = o.Quantity
	}
	o.Status = OrderFilled
	o.FilledAt = time.Now().UTC()
	o.record(EvOrderFilled, qty, price, "")
	return nil
}

// PartialFill records a fill that does not complete the order. The order
// stays in the pending family.
func (o *Order) PartialFill(qty, price decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.Status {
	case OrderPending, OrderPartiallyFilled:
	default:
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), Event: "partial-fill"}
	}
	o.applyFill(qty, price)
	o.Status = OrderPartiallyFilled
	o.record(EvOrderPartiallyFilled, qty, price, "")
	return nil
}

// Cancel transitions to Cancelled. Cancelling an already-cancelled order
// is idempotent: no state change, no new event.
func (o *Order) Cancel(reason string) error {
	return o.cancel(reason, EvOrderCancelled)
}

// CancelByBroker is a cancel originating from a broker user-data update
// (CANCELED/EXPIRED) rather than a local request.
func (o *Order) CancelByBroker(reason string) error {
	return o.cancel(reason, EvOrderCancelledByBroker)
}

func (o *Order) cancel(reason string, ev OrderEventType) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.Status {
	case OrderCancelled, OrderCancelledConfirmed:
		return nil // idempotent
	case OrderPending, OrderPartiallyFilled:
	default:
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), Event: "cancel"}
	}
	o.Status = OrderCancelled
	o.CancelReason = reason
	o.CancelledAt = time.Now().UTC()
	o.record(ev, decimal.Zero, decimal.Zero, reason)
	return nil
}

// ConfirmCancel records the broker's asynchronous confirmation of a
// cancellation. Requires a prior Cancelled state.
func (o *Order) ConfirmCancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.Status {
	case OrderCancelledConfirmed:
		return nil // already confirmed
	case OrderCancelled:
	default:
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), Event: "broker-confirm-cancel"}
	}
	o.Status = OrderCancelledConfirmed
	o.ConfirmedAt = time.Now().UTC()
	o.record(EvOrderFullyCancelled, decimal.Zero, decimal.Zero, o.CancelReason)
	return nil
}

// Reject marks the order Rejected. Only legal before any fill.
func (o *Order) Reject(reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status != OrderPending {
		return &InvalidTransitionError{Entity: "order", From: string(o.Status), Event: "reject"}
	}
	o.Status = OrderRejected
	o.CancelReason = reason
	o.UpdatedAt = time.Now().UTC()
	o.record(EvOrderRejected, decimal.Zero, decimal.Zero, reason)
	return nil
}

// SetBrokerID records the broker-assigned id after submission.
func (o *Order) SetBrokerID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.BrokerID = id
	o.UpdatedAt = time.Now().UTC()
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Quantity.Sub(o.FilledQty)
}

// CurrentStatus returns the status under the order lock.
func (o *Order) CurrentStatus() OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status
}

// PullEvents drains and returns accumulated events in insertion order.
func (o *Order) PullEvents() []OrderEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	evs := o.events
	o.events = nil
	return evs
}

// Snapshot returns a value copy suitable for serialization. The events
// slice is not copied; snapshots never carry unpulled events.
func (o *Order) Snapshot() OrderSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OrderSnapshot{
		ID:           o.ID,
		BrokerID:     o.BrokerID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Type:         o.Type,
		Quantity:     o.Quantity,
		Price:        o.Price,
		StopPrice:    o.StopPrice,
		TimeInForce:  o.TimeInForce,
		ReduceOnly:   o.ReduceOnly,
		Leverage:     o.Leverage,
		PortfolioID:  o.PortfolioID,
		Metadata:     o.Metadata,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		CancelReason: o.CancelReason,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

// RestoreOrder rebuilds an order aggregate from a snapshot without
// emitting events. Used by crash recovery.
func RestoreOrder(s OrderSnapshot) *Order {
	return &Order{
		ID:           s.ID,
		BrokerID:     s.BrokerID,
		Symbol:       s.Symbol,
		Side:         s.Side,
		Type:         s.Type,
		Quantity:     s.Quantity,
		Price:        s.Price,
		StopPrice:    s.StopPrice,
		TimeInForce:  s.TimeInForce,
		ReduceOnly:   s.ReduceOnly,
		Leverage:     s.Leverage,
		PortfolioID:  s.PortfolioID,
		Metadata:     s.Metadata,
		Status:       s.Status,
		FilledQty:    s.FilledQty,
		AvgFillPrice: s.AvgFillPrice,
		CancelReason: s.CancelReason,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// OrderSnapshot is the serialized form of an order for persistence.
// Decimals marshal as JSON strings.
type OrderSnapshot struct {
	ID           string            `json:"id"`
	BrokerID     string            `json:"broker_id,omitempty"`
	Symbol       string            `json:"symbol"`
	Side         Side              `json:"side"`
	Type         OrderType         `json:"type"`
	Quantity     decimal.Decimal   `json:"quantity"`
	Price        decimal.Decimal   `json:"price"`
	StopPrice    decimal.Decimal   `json:"stop_price"`
	TimeInForce  TimeInForce       `json:"time_in_force"`
	ReduceOnly   bool              `json:"reduce_only"`
	Leverage     int               `json:"leverage"`
	PortfolioID  string            `json:"portfolio_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       OrderStatus       `json:"status"`
	FilledQty    decimal.Decimal   `json:"filled_qty"`
	AvgFillPrice decimal.Decimal   `json:"avg_fill_price"`
	CancelReason string            `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// applyFill updates filled quantity and the volume-weighted average
// price. Caller holds the lock.
func (o *Order) applyFill(qty, price decimal.Decimal) {
	prevNotional := o.AvgFillPrice.Mul(o.FilledQty)
	o.FilledQty = o.FilledQty.Add(qty)
	if o.FilledQty.IsPositive() {
		o.AvgFillPrice = prevNotional.Add(price.Mul(qty)).Div(o.FilledQty)
	}
	o.UpdatedAt = time.Now().UTC()
}

func (o *Order) record(ev OrderEventType, qty, price decimal.Decimal, reason string) {
	o.events = append(o.events, OrderEvent{
		Type:      ev,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  o.Quantity,
		FillQty:   qty,
		FillPrice: price,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}
