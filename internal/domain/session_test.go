package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionHappyLifecycle(t *testing.T) {
	t.Parallel()
	s := NewSession("pf-1")

	require.NoError(t, s.Begin())
	require.NoError(t, s.MarkRunning())
	assert.Equal(t, SessionRunning, s.Status())
	assert.False(t, s.Snapshot().StartedAt.IsZero())

	require.NoError(t, s.BeginPause())
	require.NoError(t, s.MarkPaused())
	require.NoError(t, s.MarkRunning())

	require.NoError(t, s.BeginStop())
	require.NoError(t, s.MarkStopped())
	assert.Equal(t, SessionStopped, s.Status())
}

func TestSessionCannotStartTwice(t *testing.T) {
	t.Parallel()
	s := NewSession("pf-1")
	require.NoError(t, s.Begin())
	require.NoError(t, s.MarkRunning())

	err := s.Begin()
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
}

func TestLockedIsSticky(t *testing.T) {
	t.Parallel()
	s := NewSession("pf-1")
	require.NoError(t, s.Begin())
	require.NoError(t, s.MarkRunning())

	s.Lock("daily loss breached")
	assert.Equal(t, SessionLocked, s.Status())
	assert.Equal(t, "daily loss breached", s.Snapshot().ErrorMessage)

	// No path out of Locked except Unlock.
	require.Error(t, s.BeginStop())
	s.Fail("should not overwrite lock")
	assert.Equal(t, SessionLocked, s.Status())

	require.NoError(t, s.Unlock())
	assert.Equal(t, SessionStopped, s.Status())
	assert.Empty(t, s.Snapshot().ErrorMessage)

	// Unlock on a non-locked session is a transition error.
	require.Error(t, s.Unlock())
}

func TestRecordTradeCountersAndDrawdown(t *testing.T) {
	t.Parallel()
	s := NewSession("pf-1")

	s.RecordTrade(decimal.NewFromInt(100), decimal.NewFromInt(10100))
	s.RecordTrade(decimal.NewFromInt(-50), decimal.NewFromInt(10050))
	s.RecordTrade(decimal.Zero, decimal.NewFromInt(10050))

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.TotalTrades)
	assert.Equal(t, 1, snap.WinningTrades)
	assert.Equal(t, 1, snap.LosingTrades)
	assert.True(t, snap.RunningPnL.Equal(decimal.NewFromInt(50)))

	// Drawdown from peak 10100 to 10050 is ~0.495%.
	assert.True(t, snap.MaxDrawdown.GreaterThan(decimal.RequireFromString("0.49")))
	assert.True(t, snap.MaxDrawdown.LessThan(decimal.RequireFromString("0.5")))
}

func TestSessionSnapshotRestore(t *testing.T) {
	t.Parallel()
	s := NewSession("pf-1")
	require.NoError(t, s.Begin())
	require.NoError(t, s.MarkRunning())
	s.RecordTrade(decimal.NewFromInt(25), decimal.NewFromInt(10025))

	r := RestoreSession(s.Snapshot())
	assert.Equal(t, s.ID, r.ID)
	assert.Equal(t, SessionRunning, r.Status())
	assert.Equal(t, 1, r.Snapshot().TotalTrades)
}

func TestNormalizeRecovered(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from SessionStatus
		want SessionStatus
	}{
		{SessionStarting, SessionStopped},
		{SessionStopping, SessionStopped},
		{SessionPausing, SessionStopped},
		{SessionPaused, SessionStopped},
		{SessionStopped, SessionStopped},
		{SessionRunning, SessionRunning},
		{SessionLocked, SessionLocked},
	}
	for _, tc := range cases {
		s := RestoreSession(SessionSnapshot{ID: "s-1", PortfolioID: "pf-1", Status: tc.from})
		s.NormalizeRecovered()
		assert.Equal(t, tc.want, s.Status(), "from %s", tc.from)
	}
}
