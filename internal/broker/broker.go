// Package broker defines the port the trading core uses to talk to any
// futures exchange, plus the typed errors drivers surface. The core
// treats the broker as the source of truth for order status and
// positions and reconciles toward it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trader/internal/domain"
)

// Broker is the port contract. One concrete driver implements it per
// exchange; everything above this interface is exchange-agnostic.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Submit places an order and returns the broker-assigned id.
	Submit(ctx context.Context, req domain.OrderRequest, clientOrderID string) (string, error)

	// Cancel requests cancellation of a broker order. The boolean is
	// false when the order was already gone (terminal on the exchange).
	Cancel(ctx context.Context, symbol, brokerID string) (bool, error)

	// Modify changes quantity and/or price. Drivers may implement this
	// as cancel+resubmit; callers must treat the returned id as the
	// order's new broker id.
	Modify(ctx context.Context, symbol, brokerID string, newQty, newPrice *decimal.Decimal) (string, error)

	GetOrderStatus(ctx context.Context, symbol, brokerID string) (*OrderState, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)
	ClosePosition(ctx context.Context, symbol string) error
	GetMarketData(ctx context.Context, symbol string) (*MarketData, error)
	GetAccountBalance(ctx context.Context) (*AccountBalance, error)

	SubscribeMarketData(ctx context.Context, symbols []string, cb MarketDataCallback) error
	SubscribeOrderUpdates(ctx context.Context, cb OrderUpdateCallback) error
}

// MarketDataCallback receives streamed ticker/mark-price updates.
type MarketDataCallback func(MarketData)

// OrderUpdateCallback receives streamed user-data order updates.
type OrderUpdateCallback func(OrderUpdate)

// MarketData is a point-in-time view of one symbol.
type MarketData struct {
	Symbol    string
	LastPrice decimal.Decimal
	MarkPrice decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	Timestamp time.Time
}

// AccountBalance is the futures wallet state.
type AccountBalance struct {
	Asset            string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	UnrealizedPnL    decimal.Decimal
}

// OrderState is the broker's view of one order, translated to the
// core's status vocabulary.
type OrderState struct {
	BrokerID      string
	ClientOrderID string
	Symbol        string
	Status        domain.OrderStatus
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdatedAt     time.Time
}

// OrderUpdate is a user-data stream event for one of our orders.
type OrderUpdate struct {
	BrokerID      string
	ClientOrderID string
	Symbol        string
	Status        domain.OrderStatus
	LastFillQty   decimal.Decimal
	LastFillPrice decimal.Decimal
	ExecutedQty   decimal.Decimal
	Timestamp     time.Time
}

// ErrorKind classifies broker failures for retry and surfacing policy.
type ErrorKind string

const (
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindSymbolNotTradable   ErrorKind = "symbol_not_tradable"
	KindOrderNotFound       ErrorKind = "order_not_found"
	KindRateLimited         ErrorKind = "rate_limited"
	KindTimestampSkew       ErrorKind = "timestamp_skew"
	KindNetwork             ErrorKind = "network"
	KindGeneric             ErrorKind = "broker_error"
)

// Error is the typed broker failure. Retryable errors are retried
// inside the driver up to its attempt budget; permanent ones surface
// immediately.
type Error struct {
	Kind      ErrorKind
	Code      int // exchange-specific numeric code, 0 if none
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker: %s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("broker: %s: %s", e.Kind, e.Message)
}

// IsNotFound reports whether err is an order-not-found broker error.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindOrderNotFound
}

// IsRetryable reports whether the driver considers err transient.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}
