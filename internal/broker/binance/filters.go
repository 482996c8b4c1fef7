package binance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"futures-trader/internal/broker"
)

// SymbolFilters holds the exchange-declared trading constraints for one
// symbol: quantity step, price tick, bounds, and minimum notional.
// Cached from /fapi/v1/exchangeInfo.
type SymbolFilters struct {
	Symbol      string
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
	Tradable    bool
}

// RoundQty truncates qty toward zero to the symbol's step size.
func (f SymbolFilters) RoundQty(qty decimal.Decimal) decimal.Decimal {
	if f.StepSize.IsZero() {
		return qty
	}
	steps := qty.Div(f.StepSize).Truncate(0)
	return steps.Mul(f.StepSize)
}

// RoundPrice rounds a price to the tick grid toward zero. Truncation
// never crosses to the aggressive side: a buy rounded down and a sell
// rounded up both stay passive, so sells round up to the next tick.
func (f SymbolFilters) RoundPrice(price decimal.Decimal, aggressiveUp bool) decimal.Decimal {
	if f.TickSize.IsZero() {
		return price
	}
	ticks := price.Div(f.TickSize)
	if aggressiveUp && !ticks.Equal(ticks.Truncate(0)) {
		ticks = ticks.Truncate(0).Add(decimal.NewFromInt(1))
	} else {
		ticks = ticks.Truncate(0)
	}
	return ticks.Mul(f.TickSize)
}

// Validate checks the rounded quantity and price against the symbol's
// bounds before anything is sent to the exchange.
func (f SymbolFilters) Validate(qty, price decimal.Decimal) error {
	if !f.Tradable {
		return &broker.Error{Kind: broker.KindSymbolNotTradable, Message: fmt.Sprintf("%s is not trading", f.Symbol)}
	}
	if qty.LessThan(f.MinQty) || qty.IsZero() {
		return &broker.Error{
			Kind:    broker.KindGeneric,
			Message: fmt.Sprintf("%s: quantity %s below min %s", f.Symbol, qty, f.MinQty),
		}
	}
	if f.MaxQty.IsPositive() && qty.GreaterThan(f.MaxQty) {
		return &broker.Error{
			Kind:    broker.KindGeneric,
			Message: fmt.Sprintf("%s: quantity %s above max %s", f.Symbol, qty, f.MaxQty),
		}
	}
	if f.MinNotional.IsPositive() && price.IsPositive() && qty.Mul(price).LessThan(f.MinNotional) {
		return &broker.Error{
			Kind:    broker.KindGeneric,
			Message: fmt.Sprintf("%s: notional %s below min %s", f.Symbol, qty.Mul(price), f.MinNotional),
		}
	}
	return nil
}

// parseFilters builds SymbolFilters from the exchangeInfo wire format.
func parseFilters(info symbolInfo) SymbolFilters {
	f := SymbolFilters{
		Symbol:   info.Symbol,
		Tradable: info.Status == "TRADING",
	}
	for _, fl := range info.Filters {
		switch fl.FilterType {
		case "LOT_SIZE":
			f.StepSize = mustDec(fl.StepSize)
			f.MinQty = mustDec(fl.MinQty)
			f.MaxQty = mustDec(fl.MaxQty)
		case "PRICE_FILTER":
			f.TickSize = mustDec(fl.TickSize)
		case "MIN_NOTIONAL":
			f.MinNotional = mustDec(fl.MinNotional)
		}
	}
	return f
}

// mustDec parses a wire decimal, treating malformed values as zero so a
// single bad filter cannot poison the whole exchange-info cache.
func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
