// Package trading hosts the live trading orchestrator. The Service
// owns the session lifecycle, the active-orders map, the position
// cache, and the portfolio; everything else (broker, bus, risk,
// signals, recovery) is passed in as an explicit dependency.
package trading

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-trader/internal/broker"
	"futures-trader/internal/config"
	"futures-trader/internal/domain"
	"futures-trader/internal/events"
	"futures-trader/internal/recovery"
	"futures-trader/internal/risk"
	"futures-trader/internal/signals"
)

// Service is the live trading orchestrator. One instance manages one
// session at a time.
type Service struct {
	cfg       *config.Config
	broker    broker.Broker
	bus       *events.Bus
	validator *risk.Validator
	adapter   *signals.Adapter
	store     *recovery.Store
	logger    *slog.Logger

	mu        sync.Mutex // serializes lifecycle operations
	portfolio *domain.Portfolio

	// gateMu linearizes placements against lifecycle sweeps: PlaceOrder
	// holds the read side from the status check through the active-map
	// insert; Stop, Pause, and EmergencyStop hold the write side around
	// their cancel sweeps.
	gateMu sync.RWMutex

	// sessMu guards the session pointer on its own so loops can read it
	// while a lifecycle operation holds s.mu waiting for them to exit.
	sessMu  sync.RWMutex
	session *domain.Session

	ordersMu    sync.RWMutex
	orders      map[string]*domain.Order // client order id → order
	brokerIndex map[string]string        // broker id → client order id

	posMu     sync.RWMutex
	positions map[string]domain.Position

	marks *markCache

	symMu     sync.Mutex
	monitored map[string]struct{}

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// NewService wires the orchestrator. The portfolio carries the initial
// capital; the session is created on Start or restored from recovery.
func NewService(
	cfg *config.Config,
	b broker.Broker,
	bus *events.Bus,
	validator *risk.Validator,
	adapter *signals.Adapter,
	store *recovery.Store,
	portfolio *domain.Portfolio,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:         cfg,
		broker:      b,
		bus:         bus,
		validator:   validator,
		adapter:     adapter,
		store:       store,
		portfolio:   portfolio,
		logger:      logger.With("component", "trading"),
		orders:      make(map[string]*domain.Order),
		brokerIndex: make(map[string]string),
		positions:   make(map[string]domain.Position),
		marks:       newMarkCache(),
		monitored:   make(map[string]struct{}),
	}
}

// Start brings the session to Running: recovers persisted state,
// connects the broker, loads positions, subscribes streams, and spawns
// the background loops. Partial startup is rolled back.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		switch s.session.Status() {
		case domain.SessionLocked:
			return &domain.ConflictError{Op: "start", Reason: "session is locked; unlock first"}
		case domain.SessionRunning, domain.SessionStarting:
			return &domain.ConflictError{Op: "start", Reason: "session already running"}
		}
	}

	recovered := false
	if s.session == nil {
		if st, err := s.store.Recover(); err == nil && st != nil {
			s.restore(st)
			recovered = true
		}
	}
	if s.session == nil {
		s.setSession(domain.NewSession(s.portfolio.ID))
	}

	if s.session.Status() == domain.SessionLocked {
		return &domain.ConflictError{Op: "start", Reason: "recovered session is locked; unlock first"}
	}

	resuming := recovered && s.session.Status() == domain.SessionRunning
	if !resuming {
		if err := s.session.Begin(); err != nil {
			return err
		}
	}

	if err := s.broker.Connect(ctx); err != nil {
		s.session.Fail(fmt.Sprintf("broker connect: %v", err))
		return fmt.Errorf("broker connect: %w", err)
	}

	if err := s.loadPositions(ctx); err != nil {
		s.rollbackStart(fmt.Sprintf("load positions: %v", err))
		return fmt.Errorf("load positions: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel

	if err := s.broker.SubscribeOrderUpdates(loopCtx, s.handleOrderUpdate); err != nil {
		cancel()
		s.rollbackStart(fmt.Sprintf("subscribe order updates: %v", err))
		return fmt.Errorf("subscribe order updates: %w", err)
	}
	if syms := s.monitoredSymbols(); len(syms) > 0 {
		if err := s.broker.SubscribeMarketData(loopCtx, syms, s.handleMarketData); err != nil {
			s.logger.Warn("market data subscription failed", "error", err)
		}
	}

	s.startLoops(loopCtx)

	if !resuming {
		if err := s.session.MarkRunning(); err != nil {
			cancel()
			s.rollbackStart(err.Error())
			return err
		}
	}

	s.logger.Info("session started",
		"session_id", s.session.ID,
		"portfolio_id", s.portfolio.ID,
		"recovered", recovered,
		"mode", s.cfg.Mode,
	)
	s.publishSession(events.SessionStarted, "")
	return nil
}

// Stop winds the session down: cancels pending orders best-effort,
// optionally flattens positions, stops loops, disconnects, persists.
func (s *Service) Stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return &domain.ConflictError{Op: "stop", Reason: "no active session"}
	}
	if s.session.Status() == domain.SessionStopped {
		return nil // stop is idempotent
	}
	if err := s.session.BeginStop(); err != nil {
		return err
	}

	s.gateMu.Lock()
	s.cancelAllOrders(ctx, "session stopping")
	s.gateMu.Unlock()
	if s.cfg.Orders.ClosePositionsOnStop {
		s.closeAllPositions(ctx)
	}

	s.stopLoops()
	if err := s.broker.Disconnect(); err != nil {
		s.logger.Warn("broker disconnect failed", "error", err)
	}

	if err := s.session.MarkStopped(); err != nil {
		return err
	}
	if err := s.store.SaveCurrent(s.buildState()); err != nil {
		s.logger.Error("state save on stop failed", "error", err)
	}
	s.logger.Info("session stopped", "session_id", s.session.ID, "reason", reason)
	s.publishSession(events.SessionStopped, reason)
	return nil
}

// Pause cancels pending orders but keeps positions and loops.
func (s *Service) Pause(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return &domain.ConflictError{Op: "pause", Reason: "no active session"}
	}
	if err := s.session.BeginPause(); err != nil {
		return err
	}
	s.gateMu.Lock()
	s.cancelAllOrders(ctx, "session pausing")
	s.gateMu.Unlock()
	if err := s.session.MarkPaused(); err != nil {
		return err
	}
	s.logger.Info("session paused", "reason", reason)
	s.publishSession(events.SessionPaused, reason)
	return nil
}

// Resume reloads positions and reopens signal intake.
func (s *Service) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return &domain.ConflictError{Op: "resume", Reason: "no active session"}
	}
	if err := s.session.MarkRunning(); err != nil {
		return err
	}
	if err := s.loadPositions(ctx); err != nil {
		s.logger.Warn("position reload on resume failed", "error", err)
	}
	s.logger.Info("session resumed")
	s.publishSession(events.SessionResumed, "")
	return nil
}

// EmergencyStop locks the session, cancels every active order,
// optionally flattens all positions, and persists a critical snapshot.
// Locked is sticky until Unlock.
func (s *Service) EmergencyStop(ctx context.Context, reason string, closePositions bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		s.setSession(domain.NewSession(s.portfolio.ID))
	}

	// The write side of the gate lets an in-flight placement land in
	// the active map first, then blocks new ones until the sweep is
	// done, so no live broker order can slip past the cancel pass.
	s.gateMu.Lock()
	s.session.Lock(reason)
	s.logger.Error("EMERGENCY STOP", "reason", reason, "close_positions", closePositions)
	cancelled := s.cancelAllOrders(ctx, "emergency stop: "+reason)
	s.gateMu.Unlock()

	if closePositions {
		s.closeAllPositions(ctx)
	}

	s.stopLoops()
	if err := s.broker.Disconnect(); err != nil {
		s.logger.Warn("broker disconnect failed", "error", err)
	}

	if err := s.store.SaveCritical(s.buildState(), reason); err != nil {
		s.logger.Error("critical snapshot failed", "error", err)
	}

	s.bus.Publish(events.Event{
		Type:      events.EmergencyStop,
		Severity:  events.SeverityCritical,
		Timestamp: time.Now().UTC(),
		Data: events.EmergencyStopEvent{
			SessionID:       s.session.ID,
			Reason:          reason,
			PositionsClosed: closePositions,
			OrdersCancelled: cancelled,
		},
	})
}

// Unlock is the only exit from Locked; the session lands in Stopped.
func (s *Service) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return &domain.ConflictError{Op: "unlock", Reason: "no session"}
	}
	if err := s.session.Unlock(); err != nil {
		return err
	}
	s.logger.Info("session unlocked", "session_id", s.session.ID)
	s.publishSession(events.SessionUnlocked, "")
	return nil
}

// ReloadConfig re-reads the environment and applies the hot-swappable
// sections: risk limits and the signal, sizing, and order-shaping
// parameters. Broker endpoints, credentials, and loop periods are
// fixed for the life of the process.
func (s *Service) ReloadConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	s.validator.UpdateConfig(cfg.Risk)
	s.adapter.UpdateConfig(cfg.Signals, cfg.Sizing, cfg.Orders, cfg.Risk.MaxPositionSizeUSDT)
	s.logger.Info("config reloaded",
		"max_leverage", cfg.Risk.MaxLeverage,
		"max_position_usdt", cfg.Risk.MaxPositionSizeUSDT,
		"daily_loss_limit", cfg.Risk.DailyLossLimitUSDT,
	)
	return nil
}

// PlaceOrder validates, reserves, and submits an order. A Locked
// session refuses with a conflict error before any side effect; a
// Block verdict refuses with a risk error and a rejected-signal event.
func (s *Service) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	// Held through the active-map insert: a lifecycle cancel sweep
	// cannot snapshot the map between the status check and the insert.
	s.gateMu.RLock()
	defer s.gateMu.RUnlock()

	sess := s.currentSession()
	if sess == nil {
		return nil, &domain.ConflictError{Op: "place_order", Reason: "no active session"}
	}
	switch sess.Status() {
	case domain.SessionRunning:
	case domain.SessionLocked:
		return nil, &domain.ConflictError{Op: "place_order", Reason: "session is locked"}
	default:
		return nil, &domain.ConflictError{Op: "place_order", Reason: "session is not running"}
	}

	if req.Leverage <= 0 {
		req.Leverage = s.cfg.Orders.DefaultLeverage
	}
	if req.PortfolioID == "" {
		req.PortfolioID = s.portfolio.ID
	}

	mark, err := s.markFor(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("mark price for %s: %w", req.Symbol, err)
	}
	riskPrice := req.Price
	if riskPrice.IsZero() {
		riskPrice = mark
	}

	decision := s.validator.ValidateOrder(req, riskPrice, s.accountState())
	switch decision.Action {
	case risk.Block:
		s.publishSignalRejected(req, decision.Reason)
		return nil, &domain.RiskBlockedError{Reason: decision.Reason}
	case risk.Adjust:
		if req.Metadata == nil {
			req.Metadata = make(map[string]string)
		}
		if decision.AdjustedLeverage > 0 {
			req.Leverage = decision.AdjustedLeverage
			req.Metadata["adjustments.leverage"] = fmt.Sprintf("%d", decision.AdjustedLeverage)
		}
		if decision.AdjustedQty != nil {
			req.Quantity = *decision.AdjustedQty
			req.Metadata["adjustments.quantity"] = decision.AdjustedQty.String()
		}
	}

	order := domain.NewOrder(req)

	if _, err := s.portfolio.ReserveForOrder(order.ID, req, mark); err != nil {
		_ = order.Reject(err.Error())
		s.publishOrderEvents(order)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Orders.BrokerCallTimeout)
	defer cancel()
	brokerID, err := s.broker.Submit(callCtx, req, order.ID)
	if err != nil {
		// No partial side effects: the reservation goes back.
		s.portfolio.ReleaseOrder(order.ID)
		_ = order.Reject(err.Error())
		s.publishOrderEvents(order)
		return nil, fmt.Errorf("submit: %w", err)
	}
	order.SetBrokerID(brokerID)

	s.ordersMu.Lock()
	s.orders[order.ID] = order
	s.brokerIndex[brokerID] = order.ID
	s.ordersMu.Unlock()
	s.addMonitored(req.Symbol)

	s.publishOrderEvents(order)
	return order, nil
}

// CancelOrder cancels one active order by client order id.
func (s *Service) CancelOrder(ctx context.Context, orderID string) error {
	s.ordersMu.RLock()
	order, ok := s.orders[orderID]
	s.ordersMu.RUnlock()
	if !ok {
		return &domain.NotFoundError{Entity: "order", ID: orderID}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Orders.BrokerCallTimeout)
	defer cancel()
	if _, err := s.broker.Cancel(callCtx, order.Symbol, order.BrokerID); err != nil {
		return fmt.Errorf("broker cancel: %w", err)
	}

	if err := order.Cancel("cancelled by request"); err != nil {
		return err
	}
	s.portfolio.ReleaseOrder(order.ID)
	s.publishOrderEvents(order)
	return nil
}

// OnSignal runs the signal decision procedure end to end. Drops are
// logged; risk blocks surface through the rejected-signal event.
func (s *Service) OnSignal(ctx context.Context, sig domain.Signal) {
	sess := s.currentSession()
	if sess == nil || sess.Status() != domain.SessionRunning {
		s.logger.Debug("signal dropped: session not running", "symbol", sig.Symbol)
		return
	}
	if !s.cfg.Signals.AutoExecute {
		s.logger.Debug("signal dropped: auto-execute disabled", "symbol", sig.Symbol)
		return
	}

	req, reason := s.adapter.Adapt(sig, s.portfolio.Available())
	if req == nil {
		s.logger.Info("signal dropped", "symbol", sig.Symbol, "type", sig.Type, "reason", reason)
		return
	}

	if req.ReduceOnly {
		pos, ok := s.cachedPosition(sig.Symbol)
		if !ok {
			s.logger.Info("close signal dropped: no open position", "symbol", sig.Symbol)
			return
		}
		req.Quantity = pos.Quantity
	}
	req.PortfolioID = s.portfolio.ID

	if _, err := s.PlaceOrder(ctx, *req); err != nil {
		s.logger.Warn("signal order failed",
			"symbol", sig.Symbol,
			"category", domain.Categorize(err),
			"error", err,
		)
	}
}

// Positions returns the cached open positions.
func (s *Service) Positions() []domain.Position {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// SessionStatus returns the current session status, Stopped when no
// session exists yet.
func (s *Service) SessionStatus() domain.SessionStatus {
	if sess := s.currentSession(); sess != nil {
		return sess.Status()
	}
	return domain.SessionStopped
}

// PortfolioState returns a value copy of the portfolio.
func (s *Service) PortfolioState() domain.PortfolioSnapshot {
	return s.portfolio.Snapshot()
}

// RiskSummary returns the validator's current readout.
func (s *Service) RiskSummary() risk.Summary {
	return s.validator.Summarize(s.accountState())
}

// handleOrderUpdate applies a user-data stream event to the local
// order aggregate and settles portfolio effects.
func (s *Service) handleOrderUpdate(u broker.OrderUpdate) {
	s.ordersMu.RLock()
	orderID, ok := s.brokerIndex[u.BrokerID]
	if !ok {
		orderID = u.ClientOrderID
	}
	order, found := s.orders[orderID]
	s.ordersMu.RUnlock()
	if !found {
		s.logger.Debug("update for unknown order", "broker_id", u.BrokerID, "status", u.Status)
		return
	}

	var err error
	switch u.Status {
	case domain.OrderPartiallyFilled:
		if err = order.PartialFill(u.LastFillQty, u.LastFillPrice); err == nil {
			s.settleFill(order, u.LastFillQty, u.LastFillPrice)
		}
	case domain.OrderFilled:
		if err = order.Fill(u.LastFillQty, u.LastFillPrice); err == nil {
			s.settleFill(order, u.LastFillQty, u.LastFillPrice)
		}
	case domain.OrderCancelled:
		if err = order.CancelByBroker("cancelled on exchange"); err == nil {
			s.portfolio.ReleaseOrder(order.ID)
		}
	case domain.OrderRejected:
		if err = order.Reject("rejected by exchange"); err == nil {
			s.portfolio.ReleaseOrder(order.ID)
		}
	}
	if err != nil {
		s.logger.Warn("order update not applicable",
			"order_id", order.ID, "status", u.Status, "error", err)
	}

	s.publishOrderEvents(order)
	if order.CurrentStatus().Terminal() {
		s.dropOrder(order)
	}
}

func (s *Service) handleMarketData(md broker.MarketData) {
	s.marks.Set(md.Symbol, md.MarkPrice)
}

// settleFill debits the portfolio for a fill and records realized PnL
// when the fill reduces a position.
func (s *Service) settleFill(order *domain.Order, qty, price decimal.Decimal) {
	err := s.portfolio.CompleteFill(order.Symbol, qty, price, order.Side, order.Leverage, order.ID)
	if err != nil {
		s.logger.Error("fill settlement violated reservation policy",
			"order_id", order.ID, "error", err)
	}
	if order.CurrentStatus() == domain.OrderFilled {
		// A market buffer or price improvement can leave a residue.
		s.portfolio.ReleaseOrder(order.ID)
	}

	if order.ReduceOnly {
		if pos, ok := s.cachedPosition(order.Symbol); ok {
			pnl := closePnL(pos, qty, price)
			s.validator.RecordPnL(pnl)
			equity := s.portfolio.Snapshot().TotalValue(s.marks.All())
			if sess := s.currentSession(); sess != nil {
				sess.RecordTrade(pnl, equity)
			}
		}
	}
}

// closePnL computes the realized PnL of closing qty of pos at price.
func closePnL(pos domain.Position, qty, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(pos.EntryPrice)
	if pos.Side == domain.Short {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// cancelAllOrders cancels every active order concurrently, best-effort.
// Returns the number of successful broker cancels.
func (s *Service) cancelAllOrders(ctx context.Context, reason string) int {
	orders := s.activeOrders()
	if len(orders) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	cancelled := 0
	for _, order := range orders {
		wg.Add(1)
		go func(o *domain.Order) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.Orders.BrokerCallTimeout)
			defer cancel()

			if _, err := s.broker.Cancel(callCtx, o.Symbol, o.BrokerID); err != nil {
				s.logger.Warn("cancel failed", "order_id", o.ID, "error", err)
				return
			}
			if err := o.Cancel(reason); err != nil {
				return
			}
			s.portfolio.ReleaseOrder(o.ID)
			s.publishOrderEvents(o)
			mu.Lock()
			cancelled++
			mu.Unlock()
		}(order)
	}
	wg.Wait()
	return cancelled
}

// closeAllPositions flattens every cached position with reduce-only
// market orders; failures are logged, never fatal.
func (s *Service) closeAllPositions(ctx context.Context) {
	for _, pos := range s.Positions() {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Orders.BrokerCallTimeout)
		err := s.broker.ClosePosition(callCtx, pos.Symbol)
		cancel()
		if err != nil {
			s.logger.Warn("position close failed", "symbol", pos.Symbol, "error", err)
		}
	}
}

func (s *Service) loadPositions(ctx context.Context) error {
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return err
	}
	s.posMu.Lock()
	s.positions = make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		s.positions[p.Symbol] = p
		s.marks.Set(p.Symbol, p.MarkPrice)
	}
	s.posMu.Unlock()
	for _, p := range positions {
		s.addMonitored(p.Symbol)
	}
	return nil
}

// markFor reads the cached mark, falling back to a REST snapshot for
// symbols the stream has not covered yet.
func (s *Service) markFor(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if mark, ok := s.marks.Get(symbol); ok {
		return mark, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Orders.BrokerCallTimeout)
	defer cancel()
	md, err := s.broker.GetMarketData(callCtx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	s.marks.Set(symbol, md.MarkPrice)
	return md.MarkPrice, nil
}

// accountState assembles the validator's view from the portfolio, the
// position cache, and the session's peak equity.
func (s *Service) accountState() risk.AccountState {
	snap := s.portfolio.Snapshot()
	equity := snap.TotalValue(s.marks.All())

	state := risk.AccountState{
		Equity:     equity,
		Available:  snap.Available,
		MarginUsed: snap.InitialMargin,
		PeakEquity: equity,
		Positions:  s.Positions(),
	}
	if sess := s.currentSession(); sess != nil {
		if peak := sess.Snapshot().PeakEquity; peak.GreaterThan(state.PeakEquity) {
			state.PeakEquity = peak
		}
	}
	return state
}

// currentSession reads the session pointer without touching the
// lifecycle lock, so loops can call it while Stop waits for them.
func (s *Service) currentSession() *domain.Session {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return s.session
}

// setSession swaps the session pointer. Caller holds s.mu.
func (s *Service) setSession(sess *domain.Session) {
	s.sessMu.Lock()
	s.session = sess
	s.sessMu.Unlock()
}

func (s *Service) cachedPosition(symbol string) (domain.Position, bool) {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

func (s *Service) activeOrders() []*domain.Order {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	out := make([]*domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

func (s *Service) dropOrder(o *domain.Order) {
	s.ordersMu.Lock()
	delete(s.orders, o.ID)
	if o.BrokerID != "" {
		delete(s.brokerIndex, o.BrokerID)
	}
	s.ordersMu.Unlock()
}

func (s *Service) addMonitored(symbol string) {
	s.symMu.Lock()
	s.monitored[symbol] = struct{}{}
	s.symMu.Unlock()
}

func (s *Service) monitoredSymbols() []string {
	s.symMu.Lock()
	defer s.symMu.Unlock()
	out := make([]string, 0, len(s.monitored))
	for sym := range s.monitored {
		out = append(out, sym)
	}
	return out
}

// buildState assembles the persistence payload. Only non-terminal
// orders are carried; reconciliation restores broker truth on restart.
func (s *Service) buildState() *recovery.State {
	st := &recovery.State{
		Portfolio:        s.portfolio.Snapshot(),
		Positions:        s.Positions(),
		MonitoredSymbols: s.monitoredSymbols(),
	}
	if sess := s.currentSession(); sess != nil {
		st.Session = sess.Snapshot()
	}
	for _, o := range s.activeOrders() {
		if !o.CurrentStatus().Terminal() {
			st.Orders = append(st.Orders, o.Snapshot())
		}
	}
	return st
}

// restore rebuilds in-memory state from a recovered artifact. Caller
// holds s.mu.
func (s *Service) restore(st *recovery.State) {
	sess := domain.RestoreSession(st.Session)
	sess.NormalizeRecovered()
	s.setSession(sess)
	s.portfolio.Restore(st.Portfolio)

	s.ordersMu.Lock()
	for _, snap := range st.Orders {
		o := domain.RestoreOrder(snap)
		s.orders[o.ID] = o
		if o.BrokerID != "" {
			s.brokerIndex[o.BrokerID] = o.ID
		}
	}
	s.ordersMu.Unlock()

	s.posMu.Lock()
	for _, p := range st.Positions {
		s.positions[p.Symbol] = p
	}
	s.posMu.Unlock()

	for _, sym := range st.MonitoredSymbols {
		s.addMonitored(sym)
	}
	s.logger.Info("state restored",
		"session_id", st.Session.ID,
		"orders", len(st.Orders),
		"positions", len(st.Positions),
	)
}

// publishOrderEvents drains the order's pending events onto the bus in
// insertion order.
func (s *Service) publishOrderEvents(o *domain.Order) {
	for _, ev := range o.PullEvents() {
		topic, severity := orderTopic(ev.Type)
		s.bus.Publish(events.Event{
			Type:      topic,
			Severity:  severity,
			Timestamp: ev.Timestamp,
			Data: events.OrderEventPayload{
				OrderID:   ev.OrderID,
				BrokerID:  o.BrokerID,
				Symbol:    ev.Symbol,
				Side:      ev.Side,
				Quantity:  ev.Quantity,
				FillQty:   ev.FillQty,
				FillPrice: ev.FillPrice,
				Reason:    ev.Reason,
			},
		})
	}
}

func orderTopic(t domain.OrderEventType) (events.Type, events.Severity) {
	switch t {
	case domain.EvOrderPlaced:
		return events.OrderPlaced, events.SeverityInfo
	case domain.EvOrderFilled:
		return events.OrderFilled, events.SeverityInfo
	case domain.EvOrderPartiallyFilled:
		return events.OrderPartiallyFilled, events.SeverityInfo
	case domain.EvOrderCancelled, domain.EvOrderCancelledByBroker:
		return events.OrderCancelled, events.SeverityInfo
	case domain.EvOrderFullyCancelled:
		return events.OrderFullyCancelled, events.SeverityInfo
	case domain.EvOrderRejected:
		return events.OrderRejected, events.SeverityWarning
	default:
		return events.OrderPlaced, events.SeverityInfo
	}
}

func (s *Service) publishSession(topic events.Type, reason string) {
	s.bus.Publish(events.Event{
		Type:      topic,
		Severity:  events.SeverityInfo,
		Timestamp: time.Now().UTC(),
		Data: events.SessionEvent{
			SessionID:   s.session.ID,
			PortfolioID: s.portfolio.ID,
			Status:      string(s.session.Status()),
			Reason:      reason,
		},
	})
}

func (s *Service) publishSignalRejected(req domain.OrderRequest, reason string) {
	s.logger.Warn("order blocked by risk", "symbol", req.Symbol, "reason", reason)
	s.bus.Publish(events.Event{
		Type:      events.SignalRejected,
		Severity:  events.SeverityWarning,
		Timestamp: time.Now().UTC(),
		Data: events.SignalRejectedEvent{
			Symbol:   req.Symbol,
			Side:     req.Side,
			Quantity: req.Quantity,
			Reason:   reason,
		},
	})
}

// rollbackStart undoes a partial startup. Caller holds s.mu.
func (s *Service) rollbackStart(msg string) {
	s.stopLoops()
	if err := s.broker.Disconnect(); err != nil {
		s.logger.Warn("broker disconnect during rollback failed", "error", err)
	}
	s.session.Fail(msg)
}
