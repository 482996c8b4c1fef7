// Package risk validates proposed orders against account state and
// configured limits. The validator is the only component allowed to
// veto or resize an order before it reaches the broker.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-trader/internal/config"
	"futures-trader/internal/domain"
)

// Action is the validator's verdict on a proposed order.
type Action string

const (
	Allow  Action = "ALLOW"
	Adjust Action = "ADJUST"
	Block  Action = "BLOCK"
)

// Decision carries the verdict plus any adjustments. AdjustedQty is nil
// unless the quantity was reduced; AdjustedLeverage is zero unless the
// leverage was capped.
type Decision struct {
	Action           Action
	Reason           string
	AdjustedQty      *decimal.Decimal
	AdjustedLeverage int
}

// AccountState is the point-in-time view the validator checks against.
// Callers build it from the portfolio and the broker position cache so
// the checks never race live mutation.
type AccountState struct {
	Equity     decimal.Decimal
	Available  decimal.Decimal
	MarginUsed decimal.Decimal
	PeakEquity decimal.Decimal
	Positions  []domain.Position
}

// Level buckets the account's overall risk.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Summary is the operator-facing risk readout.
type Summary struct {
	ExposurePct  decimal.Decimal `json:"exposure_pct"`
	DailyLossPct decimal.Decimal `json:"daily_loss_pct"`
	DrawdownPct  decimal.Decimal `json:"drawdown_pct"`
	Level        Level           `json:"level"`
	DailyPnL     decimal.Decimal `json:"daily_pnl"`
	Thresholds   Thresholds      `json:"thresholds"`
}

// Thresholds echoes the active limits so the readout is self-contained.
type Thresholds struct {
	MaxLeverage         int             `json:"max_leverage"`
	MaxPositionSizeUSDT decimal.Decimal `json:"max_position_size_usdt"`
	DailyLossLimitUSDT  decimal.Decimal `json:"daily_loss_limit_usdt"`
	MaxDrawdownPercent  decimal.Decimal `json:"max_drawdown_percent"`
	MaxPositions        int             `json:"max_positions"`
}

// correlatedGroups are symbols whose prices move together closely
// enough that stacking positions across them concentrates rather than
// diversifies. Membership is deliberately coarse.
var correlatedGroups = [][]string{
	{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"},
	{"DOGEUSDT", "SHIBUSDT", "PEPEUSDT"},
	{"ADAUSDT", "DOTUSDT", "ATOMUSDT", "AVAXUSDT"},
}

var (
	hundred       = decimal.NewFromInt(100)
	adjustStep    = decimal.NewFromFloat(0.95) // headroom on margin-driven resizes
	minAdjustFrac = decimal.NewFromFloat(0.10) // resized qty below 10% of request blocks
	maxConcDflt   = decimal.NewFromInt(30)
)

// Validator applies the ordered risk checks. It owns the daily PnL
// counter, which rolls over lazily at the configured UTC hour.
type Validator struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu       sync.Mutex
	dailyPnL decimal.Decimal
	day      time.Time // UTC day boundary the counter belongs to
	now      func() time.Time
}

func NewValidator(cfg config.RiskConfig, logger *slog.Logger) *Validator {
	v := &Validator{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
	v.day = v.currentDay(v.now().UTC())
	return v
}

// UpdateConfig swaps the active limits. A validation already in flight
// keeps the set it started with.
func (v *Validator) UpdateConfig(cfg config.RiskConfig) {
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
	v.logger.Info("risk limits updated",
		"max_leverage", cfg.MaxLeverage,
		"max_position_usdt", cfg.MaxPositionSizeUSDT.String(),
		"daily_loss_limit", cfg.DailyLossLimitUSDT.String(),
	)
}

// limits returns a copy of the active limits.
func (v *Validator) limits() config.RiskConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg
}

// RecordPnL adds realized PnL from a closed trade to the daily counter.
func (v *Validator) RecordPnL(pnl decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rollover()
	v.dailyPnL = v.dailyPnL.Add(pnl)
}

// DailyPnL returns the counter for the current trading day.
func (v *Validator) DailyPnL() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rollover()
	return v.dailyPnL
}

// ValidateOrder runs the checks in order; the first failing check wins,
// except adjustments that fully resolve a condition are applied and
// validation continues with the adjusted values.
func (v *Validator) ValidateOrder(req domain.OrderRequest, price decimal.Decimal, state AccountState) Decision {
	cfg := v.limits()
	d := Decision{Action: Allow}
	qty := req.Quantity
	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}

	// 1. Leverage ceiling: cap, never block.
	if cfg.MaxLeverage > 0 && leverage > cfg.MaxLeverage {
		leverage = cfg.MaxLeverage
		d.Action = Adjust
		d.AdjustedLeverage = leverage
		d.Reason = fmt.Sprintf("leverage capped to %d", leverage)
	}

	value := qty.Mul(price)

	// 2. Position-size ceiling.
	if cfg.MaxPositionSizeUSDT.IsPositive() && value.GreaterThan(cfg.MaxPositionSizeUSDT) {
		return blocked(fmt.Sprintf("position value %s exceeds max %s",
			value.StringFixed(2), cfg.MaxPositionSizeUSDT.StringFixed(2)))
	}

	// 3. Daily loss limit. Independent of the order itself.
	if loss := v.DailyPnL().Neg(); cfg.DailyLossLimitUSDT.IsPositive() &&
		loss.GreaterThanOrEqual(cfg.DailyLossLimitUSDT) {
		return blocked(fmt.Sprintf("daily loss %s reached limit %s",
			loss.StringFixed(2), cfg.DailyLossLimitUSDT.StringFixed(2)))
	}

	// 4. Max positions. Adding to an existing symbol does not open a
	// new slot.
	if cfg.MaxPositions > 0 && !hasPosition(state.Positions, req.Symbol) &&
		len(state.Positions) >= cfg.MaxPositions {
		return blocked(fmt.Sprintf("open positions at max %d", cfg.MaxPositions))
	}

	// 5. Margin feasibility. Resize down with headroom when the full
	// quantity does not fit; block when the resize guts the order.
	lev := decimal.NewFromInt(int64(leverage))
	required := value.Div(lev)
	if required.GreaterThan(state.Available) {
		if price.IsZero() {
			return blocked("insufficient margin")
		}
		feasible := state.Available.Mul(lev).Div(price).Mul(adjustStep)
		if feasible.LessThan(qty.Mul(minAdjustFrac)) {
			return blocked(fmt.Sprintf("margin allows only %s of requested %s",
				feasible.StringFixed(6), qty.StringFixed(6)))
		}
		qty = feasible
		value = qty.Mul(price)
		d.Action = Adjust
		d.AdjustedQty = &qty
		if d.Reason != "" {
			d.Reason += "; "
		}
		d.Reason += fmt.Sprintf("quantity reduced to %s for margin", qty.StringFixed(6))
	}

	// 6. Concentration. A sole position is trivially 100%, so the check
	// only bites once the book holds other symbols.
	maxConc := cfg.MaxConcentrationPct
	if maxConc.IsZero() {
		maxConc = maxConcDflt
	}
	symbolExp, totalExp := exposures(state.Positions, req.Symbol)
	if totalExp.IsPositive() && !totalExp.Equal(symbolExp) {
		after := symbolExp.Add(value)
		totalAfter := totalExp.Add(value)
		concPct := after.Div(totalAfter).Mul(hundred)
		if concPct.GreaterThan(maxConc) {
			return blocked(fmt.Sprintf("%s concentration %s%% exceeds %s%%",
				req.Symbol, concPct.StringFixed(1), maxConc.StringFixed(0)))
		}
	}

	// 7. Correlation groups.
	if cfg.MaxCorrelatedPositions > 0 {
		if n := correlatedCount(state.Positions, req.Symbol); n >= cfg.MaxCorrelatedPositions {
			return blocked(fmt.Sprintf("%d correlated positions already open with %s",
				n, req.Symbol))
		}
	}

	// 8. Drawdown.
	if dd := drawdownPct(state); cfg.MaxDrawdownPercent.IsPositive() &&
		dd.GreaterThanOrEqual(cfg.MaxDrawdownPercent) {
		return blocked(fmt.Sprintf("drawdown %s%% at limit %s%%",
			dd.StringFixed(1), cfg.MaxDrawdownPercent.StringFixed(1)))
	}

	if d.Action == Adjust {
		v.logger.Info("order adjusted", "symbol", req.Symbol, "reason", d.Reason)
	}
	return d
}

// Summarize reports exposure, daily-loss, and drawdown utilization plus
// the bucketed risk level.
func (v *Validator) Summarize(state AccountState) Summary {
	cfg := v.limits()
	s := Summary{
		DailyPnL: v.DailyPnL(),
		Thresholds: Thresholds{
			MaxLeverage:         cfg.MaxLeverage,
			MaxPositionSizeUSDT: cfg.MaxPositionSizeUSDT,
			DailyLossLimitUSDT:  cfg.DailyLossLimitUSDT,
			MaxDrawdownPercent:  cfg.MaxDrawdownPercent,
			MaxPositions:        cfg.MaxPositions,
		},
	}

	if state.Equity.IsPositive() {
		s.ExposurePct = state.MarginUsed.Div(state.Equity).Mul(hundred)
	}
	if loss := s.DailyPnL.Neg(); loss.IsPositive() && cfg.DailyLossLimitUSDT.IsPositive() {
		s.DailyLossPct = loss.Div(cfg.DailyLossLimitUSDT).Mul(hundred)
	}
	s.DrawdownPct = drawdownPct(state)

	util := s.ExposurePct
	if s.DailyLossPct.GreaterThan(util) {
		util = s.DailyLossPct
	}
	if cfg.MaxDrawdownPercent.IsPositive() {
		ddUtil := s.DrawdownPct.Div(cfg.MaxDrawdownPercent).Mul(hundred)
		if ddUtil.GreaterThan(util) {
			util = ddUtil
		}
	}
	s.Level = bucket(util)
	return s
}

// rollover resets the daily counter when the configured UTC hour has
// passed. Called with v.mu held.
func (v *Validator) rollover() {
	day := v.currentDay(v.now().UTC())
	if !day.Equal(v.day) {
		v.logger.Info("daily risk counters reset", "previous_pnl", v.dailyPnL.StringFixed(2))
		v.dailyPnL = decimal.Zero
		v.day = day
	}
}

// currentDay maps an instant to the trading day it belongs to, where
// days begin at the configured UTC reset hour.
func (v *Validator) currentDay(t time.Time) time.Time {
	shifted := t.Add(-time.Duration(v.cfg.DailyResetHourUTC) * time.Hour)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
}

func blocked(reason string) Decision {
	return Decision{Action: Block, Reason: reason}
}

func bucket(utilPct decimal.Decimal) Level {
	switch {
	case utilPct.GreaterThanOrEqual(decimal.NewFromInt(90)):
		return LevelCritical
	case utilPct.GreaterThanOrEqual(decimal.NewFromInt(70)):
		return LevelHigh
	case utilPct.GreaterThanOrEqual(decimal.NewFromInt(40)):
		return LevelMedium
	default:
		return LevelLow
	}
}

func drawdownPct(state AccountState) decimal.Decimal {
	if !state.PeakEquity.IsPositive() || state.Equity.GreaterThanOrEqual(state.PeakEquity) {
		return decimal.Zero
	}
	return state.PeakEquity.Sub(state.Equity).Div(state.PeakEquity).Mul(hundred)
}

func hasPosition(positions []domain.Position, symbol string) bool {
	for _, p := range positions {
		if p.Symbol == symbol && p.Open {
			return true
		}
	}
	return false
}

// exposures returns the notional held in symbol and across the book.
func exposures(positions []domain.Position, symbol string) (symbolExp, totalExp decimal.Decimal) {
	for _, p := range positions {
		if !p.Open {
			continue
		}
		notional := p.Quantity.Mul(p.MarkPrice)
		if notional.IsZero() {
			notional = p.Quantity.Mul(p.EntryPrice)
		}
		totalExp = totalExp.Add(notional)
		if p.Symbol == symbol {
			symbolExp = symbolExp.Add(notional)
		}
	}
	return symbolExp, totalExp
}

// correlatedCount counts open positions sharing a correlation group
// with symbol, excluding symbol itself.
func correlatedCount(positions []domain.Position, symbol string) int {
	var group []string
	for _, g := range correlatedGroups {
		for _, s := range g {
			if s == symbol {
				group = g
				break
			}
		}
	}
	if group == nil {
		return 0
	}

	count := 0
	for _, p := range positions {
		if !p.Open || p.Symbol == symbol {
			continue
		}
		for _, s := range group {
			if p.Symbol == s {
				count++
				break
			}
		}
	}
	return count
}
