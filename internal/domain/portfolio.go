package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMarketBuffer pads market-order reservations for slippage.
var DefaultMarketBuffer = decimal.NewFromFloat(0.05)

// Portfolio tracks cash and net position quantities for one account.
// Available and reserved cash are mutated only through its methods; a
// portfolio-level mutex makes reserve/release/fill atomic with respect
// to balance queries.
//
// Reservations are tracked per client order id so that a cancel or fill
// releases exactly the cash backing that order, even across partial
// fills of other orders.
type Portfolio struct {
	mu sync.Mutex

	ID        string
	Name      string
	Currency  string
	available decimal.Decimal
	reserved  decimal.Decimal

	// positions maps symbol → signed net quantity (long > 0, short < 0).
	positions map[string]decimal.Decimal

	// reservations maps order id → cash still reserved for that order.
	reservations map[string]decimal.Decimal

	initialMargin decimal.Decimal
	createdAt     time.Time
}

// NewPortfolio creates a portfolio with initial capital.
func NewPortfolio(id, name, currency string, initialCapital decimal.Decimal) *Portfolio {
	return &Portfolio{
		ID:           id,
		Name:         name,
		Currency:     currency,
		available:    initialCapital,
		positions:    make(map[string]decimal.Decimal),
		reservations: make(map[string]decimal.Decimal),
		createdAt:    time.Now().UTC(),
	}
}

// Reserve moves amount from available to reserved for the given order.
func (p *Portfolio) Reserve(orderID string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("reserve %s: %w", amount, ErrInvalidAmount)
	}
	if p.available.LessThan(amount) {
		return fmt.Errorf("reserve %s with available %s: %w", amount, p.available, ErrInsufficientFunds)
	}
	p.available = p.available.Sub(amount)
	p.reserved = p.reserved.Add(amount)
	p.reservations[orderID] = p.reservations[orderID].Add(amount)
	return nil
}

// ReserveForOrder computes and reserves the cash required to back a
// request: price×qty for limit orders, mark×qty×(1+buffer) for market
// orders. Returns the reserved amount.
func (p *Portfolio) ReserveForOrder(orderID string, req OrderRequest, mark decimal.Decimal) (decimal.Decimal, error) {
	var required decimal.Decimal
	if req.Type == Limit || req.Type == StopLimit {
		required = req.Price.Mul(req.Quantity)
	} else {
		required = mark.Mul(req.Quantity).Mul(decimal.NewFromInt(1).Add(DefaultMarketBuffer))
	}
	if req.Leverage > 1 {
		required = required.Div(decimal.NewFromInt(int64(req.Leverage)))
	}
	if err := p.Reserve(orderID, required); err != nil {
		return decimal.Zero, err
	}
	return required, nil
}

// ReleaseOrder returns an order's entire remaining reservation to
// available cash. Used on cancel and reject. Releasing an order with no
// reservation is a no-op.
func (p *Portfolio) ReleaseOrder(orderID string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	amount, ok := p.reservations[orderID]
	if !ok || amount.IsZero() {
		return decimal.Zero
	}
	delete(p.reservations, orderID)
	p.reserved = p.reserved.Sub(amount)
	p.available = p.available.Add(amount)
	return amount
}

// Release moves amount from reserved back to available without touching
// per-order bookkeeping. Amount must not exceed total reserved.
func (p *Portfolio) Release(amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.IsNegative() {
		return fmt.Errorf("release %s: %w", amount, ErrInvalidAmount)
	}
	if p.reserved.LessThan(amount) {
		return fmt.Errorf("release %s with reserved %s: %w", amount, p.reserved, ErrInvalidAmount)
	}
	p.reserved = p.reserved.Sub(amount)
	p.available = p.available.Add(amount)
	return nil
}

// CompleteFill settles a fill against the order's reservation: the
// fill's share of the reservation (its cost, capped by what is still
// reserved) flows back to available, then the actual cost (qty ×
// fillPrice, divided by leverage when margined) is debited and the
// signed position quantity updated. The unfilled remainder stays
// reserved until the order reaches a terminal state, so a partial fill
// never frees cash that still backs the rest of the order.
//
// A cost exceeding available after release means the reservation policy
// was violated upstream; it is surfaced as ErrInsufficientFunds.
func (p *Portfolio) CompleteFill(symbol string, qty, fillPrice decimal.Decimal, side Side, leverage int, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cost := qty.Mul(fillPrice)
	if leverage > 1 {
		cost = cost.Div(decimal.NewFromInt(int64(leverage)))
	}

	if res, ok := p.reservations[orderID]; ok {
		release := cost
		if release.GreaterThan(res) {
			release = res
		}
		remaining := res.Sub(release)
		if remaining.IsZero() {
			delete(p.reservations, orderID)
		} else {
			p.reservations[orderID] = remaining
		}
		p.reserved = p.reserved.Sub(release)
		p.available = p.available.Add(release)
	}
	if p.available.LessThan(cost) {
		return fmt.Errorf("fill cost %s with available %s: %w", cost, p.available, ErrInsufficientFunds)
	}
	p.available = p.available.Sub(cost)
	p.initialMargin = p.initialMargin.Add(cost)

	signed := qty
	if side == Sell {
		signed = qty.Neg()
	}
	next := p.positions[symbol].Add(signed)
	if next.IsZero() {
		delete(p.positions, symbol)
	} else {
		p.positions[symbol] = next
	}
	return nil
}

// AddPosition adjusts the signed net quantity for a symbol directly.
// Used when reconciling against broker truth.
func (p *Portfolio) AddPosition(symbol string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.positions[symbol].Add(qty)
	if next.IsZero() {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = next
}

// Available returns available cash.
func (p *Portfolio) Available() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Reserved returns reserved cash.
func (p *Portfolio) Reserved() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// Snapshot returns a value copy of the portfolio state.
func (p *Portfolio) Snapshot() PortfolioSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make(map[string]decimal.Decimal, len(p.positions))
	for sym, qty := range p.positions {
		positions[sym] = qty
	}
	reservations := make(map[string]decimal.Decimal, len(p.reservations))
	for id, amt := range p.reservations {
		reservations[id] = amt
	}
	return PortfolioSnapshot{
		ID:            p.ID,
		Name:          p.Name,
		Currency:      p.Currency,
		Available:     p.available,
		Reserved:      p.reserved,
		Positions:     positions,
		Reservations:  reservations,
		InitialMargin: p.initialMargin,
	}
}

// Restore overwrites the mutable state from a snapshot. Used by crash
// recovery before the first reconciliation pass.
func (p *Portfolio) Restore(s PortfolioSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.available = s.Available
	p.reserved = s.Reserved
	p.initialMargin = s.InitialMargin
	p.positions = make(map[string]decimal.Decimal, len(s.Positions))
	for sym, qty := range s.Positions {
		p.positions[sym] = qty
	}
	p.reservations = make(map[string]decimal.Decimal, len(s.Reservations))
	for id, amt := range s.Reservations {
		p.reservations[id] = amt
	}
}

// PortfolioSnapshot is the serialized portfolio state.
type PortfolioSnapshot struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Currency      string                     `json:"currency"`
	Available     decimal.Decimal            `json:"available"`
	Reserved      decimal.Decimal            `json:"reserved"`
	Positions     map[string]decimal.Decimal `json:"positions"`
	Reservations  map[string]decimal.Decimal `json:"reservations"`
	InitialMargin decimal.Decimal            `json:"initial_margin"`
}

// TotalValue returns available + reserved + Σ(position qty × mark).
// Marks missing from the map contribute nothing.
func (s PortfolioSnapshot) TotalValue(marks map[string]decimal.Decimal) decimal.Decimal {
	total := s.Available.Add(s.Reserved)
	for sym, qty := range s.Positions {
		if mark, ok := marks[sym]; ok {
			total = total.Add(qty.Mul(mark))
		}
	}
	return total
}
