// Package signals turns strategy signals into order requests. The
// adapter is a pure decision procedure: given a signal, the current
// price, and available cash it either produces an order request or a
// drop reason. Session gating and risk validation happen upstream and
// downstream of it respectively.
package signals

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"futures-trader/internal/config"
	"futures-trader/internal/domain"
)

// mapping describes how one signal type translates to an order.
type mapping struct {
	Side           domain.Side
	PositionSide   domain.PositionSide
	SizeMultiplier decimal.Decimal
	ReduceOnly     bool // close signals flatten, never open
}

// signalMappings is the closed lookup table from signal type to order
// shape. Hold is intentionally absent: it maps to no action.
var signalMappings = map[domain.SignalType]mapping{
	domain.SignalStrongBuy:  {Side: domain.Buy, PositionSide: domain.Long, SizeMultiplier: decimal.NewFromFloat(1.5)},
	domain.SignalBuy:        {Side: domain.Buy, PositionSide: domain.Long, SizeMultiplier: decimal.NewFromInt(1)},
	domain.SignalSell:       {Side: domain.Sell, PositionSide: domain.Short, SizeMultiplier: decimal.NewFromInt(1)},
	domain.SignalStrongSell: {Side: domain.Sell, PositionSide: domain.Short, SizeMultiplier: decimal.NewFromFloat(1.5)},
	domain.SignalCloseLong:  {Side: domain.Sell, PositionSide: domain.Long, ReduceOnly: true},
	domain.SignalCloseShort: {Side: domain.Buy, PositionSide: domain.Short, ReduceOnly: true},
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Adapter converts signals into order requests using the configured
// sizing mode and order defaults.
type Adapter struct {
	mu      sync.RWMutex
	signals config.SignalsConfig
	sizing  config.SizingConfig
	orders  config.OrdersConfig
	maxUSDT decimal.Decimal
	logger  *slog.Logger
}

func NewAdapter(signals config.SignalsConfig, sizing config.SizingConfig, orders config.OrdersConfig, maxPositionUSDT decimal.Decimal, logger *slog.Logger) *Adapter {
	return &Adapter{
		signals: signals,
		sizing:  sizing,
		orders:  orders,
		maxUSDT: maxPositionUSDT,
		logger:  logger.With("component", "signals"),
	}
}

// UpdateConfig swaps the thresholds, sizing mode, and order defaults.
// An adaptation already in flight keeps the set it started with.
func (a *Adapter) UpdateConfig(signals config.SignalsConfig, sizing config.SizingConfig, orders config.OrdersConfig, maxPositionUSDT decimal.Decimal) {
	a.mu.Lock()
	a.signals = signals
	a.sizing = sizing
	a.orders = orders
	a.maxUSDT = maxPositionUSDT
	a.mu.Unlock()
	a.logger.Info("signal parameters updated",
		"confidence_threshold", signals.ConfidenceThreshold.String(),
		"strength_threshold", signals.StrengthThreshold.String(),
	)
}

// Adapt translates a signal into an order request. A nil request with a
// non-empty reason means the signal was dropped; close signals return
// reduce-only requests whose quantity the caller fills in from the open
// position.
func (a *Adapter) Adapt(sig domain.Signal, available decimal.Decimal) (*domain.OrderRequest, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if sig.Confidence.LessThan(a.signals.ConfidenceThreshold) {
		return nil, fmt.Sprintf("confidence %s below threshold %s",
			sig.Confidence.StringFixed(2), a.signals.ConfidenceThreshold.StringFixed(2))
	}
	if sig.Strength.LessThan(a.signals.StrengthThreshold) {
		return nil, fmt.Sprintf("strength %s below threshold %s",
			sig.Strength.StringFixed(2), a.signals.StrengthThreshold.StringFixed(2))
	}

	m, ok := signalMappings[sig.Type]
	if !ok {
		return nil, fmt.Sprintf("signal type %s maps to no action", sig.Type)
	}
	if !sig.Price.IsPositive() {
		return nil, "signal carries no price"
	}

	req := &domain.OrderRequest{
		Symbol:      sig.Symbol,
		Side:        m.Side,
		TimeInForce: domain.GTC,
		Leverage:    a.orders.DefaultLeverage,
		ReduceOnly:  m.ReduceOnly,
		Metadata: map[string]string{
			"strategy_id": sig.StrategyID,
			"signal_type": string(sig.Type),
		},
	}

	if m.ReduceOnly {
		// Flatten at market; the orchestrator sizes it from the open
		// position.
		req.Type = domain.Market
		return req, ""
	}

	sizeUSDT := a.positionSize(sig, available).Mul(m.SizeMultiplier)
	if sizeUSDT.GreaterThan(a.maxUSDT) && a.maxUSDT.IsPositive() {
		sizeUSDT = a.maxUSDT
	}
	if !sizeUSDT.IsPositive() {
		return nil, "computed position size is zero"
	}

	leverage := decimal.NewFromInt(int64(req.Leverage))
	req.Quantity = sizeUSDT.Div(sig.Price).Mul(leverage)

	if a.orders.DefaultOrderType == "LIMIT" {
		req.Type = domain.Limit
		req.Price = a.limitPrice(sig.Price, m.Side)
	} else {
		req.Type = domain.Market
	}

	req.StopLoss, req.TakeProfit = a.exits(sig.Price, m.Side)
	return req, ""
}

// positionSize returns the cash (USDT margin) to commit before the
// strength multiplier.
func (a *Adapter) positionSize(sig domain.Signal, available decimal.Decimal) decimal.Decimal {
	var fraction decimal.Decimal
	if a.sizing.UseKellyCriterion {
		fraction = a.kellyFraction(sig.Confidence)
	} else {
		fraction = a.sizing.DefaultPositionSizePct.Div(hundred)
	}
	return available.Mul(fraction).Mul(sig.Strength)
}

// kellyFraction computes f* = (p(b+1) - 1) / b with confidence as the
// win probability and the configured win/loss ratio as b. Negative
// edges size to zero; positive edges are clamped to the configured
// fraction cap.
func (a *Adapter) kellyFraction(confidence decimal.Decimal) decimal.Decimal {
	b := a.sizing.KellyWinLossRatio
	if !b.IsPositive() {
		return decimal.Zero
	}
	f := confidence.Mul(b.Add(one)).Sub(one).Div(b)
	if f.IsNegative() {
		return decimal.Zero
	}
	if f.GreaterThan(a.sizing.KellyFraction) {
		return a.sizing.KellyFraction
	}
	return f
}

// limitPrice offsets the current price toward the passive side: buys
// bid under, sells ask over.
func (a *Adapter) limitPrice(price decimal.Decimal, side domain.Side) decimal.Decimal {
	offset := price.Mul(a.orders.LimitOrderOffsetPct).Div(hundred)
	if side == domain.Buy {
		return price.Sub(offset)
	}
	return price.Add(offset)
}

// exits derives stop-loss and take-profit prices around the entry.
func (a *Adapter) exits(price decimal.Decimal, side domain.Side) (stop, target decimal.Decimal) {
	slOff := price.Mul(a.orders.StopLossPercent).Div(hundred)
	tpOff := price.Mul(a.orders.TakeProfitPercent).Div(hundred)
	if side == domain.Buy {
		return price.Sub(slOff), price.Add(tpOff)
	}
	return price.Add(slOff), price.Sub(tpOff)
}
