package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus is the trading session lifecycle state.
type SessionStatus string

const (
	SessionStopped  SessionStatus = "STOPPED"
	SessionStarting SessionStatus = "STARTING"
	SessionRunning  SessionStatus = "RUNNING"
	SessionPausing  SessionStatus = "PAUSING"
	SessionPaused   SessionStatus = "PAUSED"
	SessionStopping SessionStatus = "STOPPING"
	SessionError    SessionStatus = "ERROR"
	SessionLocked   SessionStatus = "LOCKED"
)

// Session is the trading session aggregate. Exactly one session is
// active at a time; the orchestrator owns it.
//
// Locked is sticky: once entered (via emergency stop) the only legal
// exit is Unlock, which moves the session to Stopped.
type Session struct {
	mu sync.Mutex

	ID          string
	PortfolioID string
	status      SessionStatus
	StartedAt   time.Time
	StoppedAt   time.Time

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	RunningPnL    decimal.Decimal
	MaxDrawdown   decimal.Decimal // percent, peak-to-trough
	peakEquity    decimal.Decimal
	ErrorMessage  string
}

// NewSession creates a Stopped session bound to a portfolio.
func NewSession(portfolioID string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		PortfolioID: portfolioID,
		status:      SessionStopped,
	}
}

// Status returns the current status under the session lock.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Begin moves Stopped → Starting.
func (s *Session) Begin() error {
	return s.transition(SessionStarting, "start", SessionStopped)
}

// MarkRunning moves Starting → Running (or Paused → Running on resume)
// and stamps StartedAt on first entry.
func (s *Session) MarkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case SessionStarting, SessionPaused:
	default:
		return &InvalidTransitionError{Entity: "session", From: string(s.status), Event: "run"}
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	s.status = SessionRunning
	return nil
}

// BeginPause moves Running → Pausing.
func (s *Session) BeginPause() error {
	return s.transition(SessionPausing, "pause", SessionRunning)
}

// MarkPaused moves Pausing → Paused.
func (s *Session) MarkPaused() error {
	return s.transition(SessionPaused, "paused", SessionPausing)
}

// BeginStop moves any non-terminal, non-locked state → Stopping.
func (s *Session) BeginStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case SessionLocked:
		return &InvalidTransitionError{Entity: "session", From: string(s.status), Event: "stop"}
	case SessionStopped, SessionStopping:
		return nil // idempotent
	}
	s.status = SessionStopping
	return nil
}

// MarkStopped moves Stopping → Stopped and stamps StoppedAt.
func (s *Session) MarkStopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SessionStopping {
		return &InvalidTransitionError{Entity: "session", From: string(s.status), Event: "stopped"}
	}
	s.status = SessionStopped
	s.StoppedAt = time.Now().UTC()
	return nil
}

// Lock moves the session to Locked with the triggering reason. Legal
// from any state; emergency stop must always win.
func (s *Session) Lock(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = SessionLocked
	s.ErrorMessage = reason
	s.StoppedAt = time.Now().UTC()
}

// Unlock moves Locked → Stopped and clears the error message. It is the
// only legal exit from Locked.
func (s *Session) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != SessionLocked {
		return &InvalidTransitionError{Entity: "session", From: string(s.status), Event: "unlock"}
	}
	s.status = SessionStopped
	s.ErrorMessage = ""
	return nil
}

// Fail moves the session to Error with a message. Locked is sticky and
// is not overwritten.
func (s *Session) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == SessionLocked {
		return
	}
	s.status = SessionError
	s.ErrorMessage = msg
}

// RecordTrade folds a realized trade PnL into the session counters and
// updates max drawdown against peak equity.
func (s *Session) RecordTrade(pnl, equity decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalTrades++
	if pnl.IsPositive() {
		s.WinningTrades++
	} else if pnl.IsNegative() {
		s.LosingTrades++
	}
	s.RunningPnL = s.RunningPnL.Add(pnl)

	if equity.GreaterThan(s.peakEquity) {
		s.peakEquity = equity
	}
	if s.peakEquity.IsPositive() {
		dd := s.peakEquity.Sub(equity).Div(s.peakEquity).Mul(decimal.NewFromInt(100))
		if dd.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = dd
		}
	}
}

// NormalizeRecovered maps transient statuses left behind by a crash
// back to Stopped so the lifecycle can restart cleanly. Stopped,
// Running, and Locked survive as-is: a recent Running session resumes,
// and Locked stays sticky across restarts.
func (s *Session) NormalizeRecovered() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case SessionStopped, SessionRunning, SessionLocked:
		return
	}
	s.status = SessionStopped
}

// Snapshot returns a value copy for persistence.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:            s.ID,
		PortfolioID:   s.PortfolioID,
		Status:        s.status,
		StartedAt:     s.StartedAt,
		StoppedAt:     s.StoppedAt,
		TotalTrades:   s.TotalTrades,
		WinningTrades: s.WinningTrades,
		LosingTrades:  s.LosingTrades,
		RunningPnL:    s.RunningPnL,
		MaxDrawdown:   s.MaxDrawdown,
		PeakEquity:    s.peakEquity,
		ErrorMessage:  s.ErrorMessage,
	}
}

// RestoreSession rebuilds a session from a snapshot.
func RestoreSession(snap SessionSnapshot) *Session {
	return &Session{
		ID:            snap.ID,
		PortfolioID:   snap.PortfolioID,
		status:        snap.Status,
		StartedAt:     snap.StartedAt,
		StoppedAt:     snap.StoppedAt,
		TotalTrades:   snap.TotalTrades,
		WinningTrades: snap.WinningTrades,
		LosingTrades:  snap.LosingTrades,
		RunningPnL:    snap.RunningPnL,
		MaxDrawdown:   snap.MaxDrawdown,
		peakEquity:    snap.PeakEquity,
		ErrorMessage:  snap.ErrorMessage,
	}
}

// SessionSnapshot is the serialized session state.
type SessionSnapshot struct {
	ID            string          `json:"id"`
	PortfolioID   string          `json:"portfolio_id"`
	Status        SessionStatus   `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	StoppedAt     time.Time       `json:"stopped_at"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	RunningPnL    decimal.Decimal `json:"running_pnl"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	PeakEquity    decimal.Decimal `json:"peak_equity"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

func (s *Session) transition(to SessionStatus, event string, from ...SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range from {
		if s.status == f {
			s.status = to
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "session", From: string(s.status), Event: event}
}
