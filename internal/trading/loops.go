// loops.go hosts the background reconciliation and monitoring loops.
// Each loop is an independently cancellable goroutine; failures are
// logged and the loop keeps going, except critical loops whose repeated
// consecutive failures escalate to an emergency stop.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trader/internal/domain"
	"futures-trader/internal/events"
)

const (
	positionReconInterval = 5 * time.Second
	orderReconInterval    = 2 * time.Second
	monitorInterval       = 10 * time.Second

	// maxLoopFailures consecutive failures of a critical loop trigger
	// an emergency stop.
	maxLoopFailures = 5
)

// liquidationWarnBand flags positions whose mark is within 5% of the
// liquidation price.
var liquidationWarnBand = decimal.NewFromFloat(0.05)

func (s *Service) startLoops(ctx context.Context) {
	s.runLoop(ctx, "position_recon", positionReconInterval, true, s.reconcilePositions)
	s.runLoop(ctx, "order_recon", orderReconInterval, true, s.reconcileOrders)
	s.runLoop(ctx, "monitor", monitorInterval, false, s.monitor)
	s.runLoop(ctx, "snapshot", s.cfg.Recovery.SnapshotInterval, false, s.snapshot)
}

func (s *Service) stopLoops() {
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	s.loopWG.Wait()
}

// runLoop spawns one periodic loop. Critical loops escalate after
// maxLoopFailures consecutive errors; escalation runs in its own
// goroutine so the loop can observe cancellation and exit.
func (s *Service) runLoop(ctx context.Context, name string, period time.Duration, critical bool, fn func(context.Context) error) {
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				s.logger.Warn("loop iteration failed",
					"loop", name, "consecutive", failures, "error", err)
				if critical && failures >= maxLoopFailures {
					reason := fmt.Sprintf("%s loop failed %d times: %v", name, failures, err)
					go s.EmergencyStop(context.Background(), reason, s.cfg.Orders.ClosePositionsOnStop)
					return
				}
				continue
			}
			failures = 0
		}
	}()
}

// reconcilePositions refreshes the position cache from broker truth and
// evicts symbols the exchange no longer reports.
func (s *Service) reconcilePositions(ctx context.Context) error {
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		fresh[p.Symbol] = p
		s.marks.Set(p.Symbol, p.MarkPrice)
	}

	s.posMu.Lock()
	changed := make([]domain.Position, 0)
	for sym, p := range fresh {
		prev, ok := s.positions[sym]
		if !ok || !prev.Quantity.Equal(p.Quantity) || !prev.UnrealizedPnL.Equal(p.UnrealizedPnL) {
			changed = append(changed, p)
		}
		s.positions[sym] = p
	}
	for sym := range s.positions {
		if _, ok := fresh[sym]; !ok {
			delete(s.positions, sym)
		}
	}
	s.posMu.Unlock()

	for _, p := range changed {
		s.bus.Publish(events.Event{
			Type:      events.PositionUpdated,
			Severity:  events.SeverityInfo,
			Timestamp: time.Now().UTC(),
			Data: events.PositionEvent{
				Symbol:        p.Symbol,
				Side:          string(p.Side),
				Quantity:      p.Quantity,
				EntryPrice:    p.EntryPrice,
				MarkPrice:     p.MarkPrice,
				UnrealizedPnL: p.UnrealizedPnL,
			},
		})
	}
	return nil
}

// reconcileOrders walks the active-orders map against the broker's
// open-order list. Orders missing from the exchange are resolved to
// their terminal truth; locally-cancelled orders absent from the open
// list get their broker confirmation.
func (s *Service) reconcileOrders(ctx context.Context) error {
	open, err := s.broker.GetOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	stillOpen := make(map[string]struct{}, len(open))
	for _, o := range open {
		stillOpen[o.BrokerID] = struct{}{}
	}

	for _, order := range s.activeOrders() {
		if order.BrokerID == "" {
			continue
		}
		if _, ok := stillOpen[order.BrokerID]; ok {
			continue
		}

		switch order.CurrentStatus() {
		case domain.OrderCancelled:
			// Gone from the open list: the exchange has honored the
			// cancel.
			if err := order.ConfirmCancel(); err == nil {
				s.publishOrderEvents(order)
			}
		case domain.OrderPending, domain.OrderPartiallyFilled:
			s.resolveOrder(ctx, order)
		}

		if order.CurrentStatus().Terminal() {
			s.dropOrder(order)
		}
	}
	return nil
}

// resolveOrder queries one order's terminal state on the exchange and
// applies it locally.
func (s *Service) resolveOrder(ctx context.Context, order *domain.Order) {
	state, err := s.broker.GetOrderStatus(ctx, order.Symbol, order.BrokerID)
	if err != nil {
		s.logger.Warn("order status query failed",
			"order_id", order.ID, "broker_id", order.BrokerID, "error", err)
		return
	}

	switch state.Status {
	case domain.OrderFilled:
		fillQty := state.ExecutedQty.Sub(order.Snapshot().FilledQty)
		if fillQty.IsNegative() {
			fillQty = decimal.Zero
		}
		if err := order.Fill(fillQty, state.AvgPrice); err == nil {
			s.settleFill(order, fillQty, state.AvgPrice)
		}
	case domain.OrderCancelled:
		// Confirmation follows on the next pass, once the local cancel
		// is recorded and the order is still absent from the open list.
		if err := order.CancelByBroker("cancelled on exchange"); err == nil {
			s.portfolio.ReleaseOrder(order.ID)
		}
	case domain.OrderRejected:
		if err := order.Reject("rejected by exchange"); err == nil {
			s.portfolio.ReleaseOrder(order.ID)
		}
	}
	s.publishOrderEvents(order)
}

// monitor checks near-liquidation positions and the daily-loss circuit,
// then publishes a health event.
func (s *Service) monitor(ctx context.Context) error {
	var nearLiquidation []string
	for _, p := range s.Positions() {
		if !p.LiquidationPrice.IsPositive() || !p.MarkPrice.IsPositive() {
			continue
		}
		band := p.MarkPrice.Sub(p.LiquidationPrice).Abs().Div(p.MarkPrice)
		if band.LessThan(liquidationWarnBand) {
			nearLiquidation = append(nearLiquidation, p.Symbol)
			s.logger.Warn("position near liquidation",
				"symbol", p.Symbol,
				"mark", p.MarkPrice.String(),
				"liquidation", p.LiquidationPrice.String(),
			)
		}
	}

	dailyPnL := s.validator.DailyPnL()
	if limit := s.cfg.Risk.DailyLossLimitUSDT; limit.IsPositive() {
		if loss := dailyPnL.Neg(); loss.GreaterThanOrEqual(limit) {
			reason := fmt.Sprintf("daily loss %s breached limit %s",
				loss.StringFixed(2), limit.StringFixed(2))
			go s.EmergencyStop(context.Background(), reason, true)
			return nil
		}
	}

	sessionID := ""
	if sess := s.currentSession(); sess != nil {
		sessionID = sess.ID
	}
	s.bus.Publish(events.Event{
		Type:      events.HealthCheck,
		Severity:  events.SeverityInfo,
		Timestamp: time.Now().UTC(),
		Data: events.HealthEvent{
			SessionID:       sessionID,
			OpenPositions:   len(s.Positions()),
			ActiveOrders:    len(s.activeOrders()),
			DailyPnL:        dailyPnL,
			NearLiquidation: nearLiquidation,
		},
	})
	return nil
}

// snapshot persists the periodic recovery artifacts.
func (s *Service) snapshot(context.Context) error {
	st := s.buildState()
	if err := s.store.SaveCurrent(st); err != nil {
		return err
	}
	return s.store.SaveSnapshot(st)
}
