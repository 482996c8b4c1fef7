package recovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trader/internal/config"
	"futures-trader/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(config.RecoveryConfig{
		StateDir:         t.TempDir(),
		SnapshotInterval: time.Minute,
		MaxSnapshots:     3,
		RetentionDays:    7,
	}, slog.Default())
	require.NoError(t, err)
	return s
}

func testState(status domain.SessionStatus) *State {
	return &State{
		Session: domain.SessionSnapshot{
			ID:          "sess-1",
			PortfolioID: "pf-1",
			Status:      status,
			RunningPnL:  decimal.RequireFromString("12.5"),
		},
		Portfolio: domain.PortfolioSnapshot{
			ID:        "pf-1",
			Available: decimal.RequireFromString("9500"),
			Reserved:  decimal.RequireFromString("500"),
		},
		MonitoredSymbols: []string{"BTCUSDT"},
	}
}

func TestSaveCurrentAndRecover(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SaveCurrent(testState(domain.SessionStopped)))

	got, err := s.Recover()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.Session.ID)
	assert.True(t, got.Portfolio.Available.Equal(decimal.RequireFromString("9500")))
	assert.Equal(t, SchemaVersion, got.Metadata.SchemaVersion)
}

func TestRecoverFallsBackToBackup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	first := testState(domain.SessionStopped)
	first.Session.ID = "older"
	require.NoError(t, s.SaveCurrent(first))

	second := testState(domain.SessionStopped)
	second.Session.ID = "newer"
	require.NoError(t, s.SaveCurrent(second))

	// Corrupt the current file; the rotated backup must win.
	current := filepath.Join(s.cfg.StateDir, currentFile)
	require.NoError(t, os.WriteFile(current, []byte("{broken"), 0o644))

	got, err := s.Recover()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "older", got.Session.ID)
}

func TestRecoverFallsBackToSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SaveSnapshot(testState(domain.SessionStopped)))

	got, err := s.Recover()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.Session.ID)
}

func TestRecoverNothingUsable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.Recover()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecoverRejectsStaleRunning(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	base := time.Now().UTC()
	s.now = func() time.Time { return base.Add(-2 * time.Hour) }
	require.NoError(t, s.SaveCurrent(testState(domain.SessionRunning)))
	s.now = func() time.Time { return base }

	got, err := s.Recover()
	require.NoError(t, err)
	assert.Nil(t, got, "a Running state saved two hours ago is stale")
}

func TestRecoverAcceptsRecentRunning(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SaveCurrent(testState(domain.SessionRunning)))

	got, err := s.Recover()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.SessionRunning, got.Session.Status)
}

func TestRecoverRejectsPastRetention(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	base := time.Now().UTC()
	s.now = func() time.Time { return base.Add(-8 * 24 * time.Hour) }
	require.NoError(t, s.SaveCurrent(testState(domain.SessionStopped)))
	s.now = func() time.Time { return base }

	got, err := s.Recover()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotPruningKeepsNewest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return tick }
		require.NoError(t, s.SaveSnapshot(testState(domain.SessionStopped)))
	}

	paths := s.snapshotPaths()
	require.Len(t, paths, 3)
	// Newest first.
	assert.Contains(t, paths[0], "snapshot_20260501_100400")
	assert.Contains(t, paths[2], "snapshot_20260501_100200")
}

func TestSaveCriticalIsNotPruned(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SaveCritical(testState(domain.SessionLocked), "daily loss breach"))

	entries, err := os.ReadDir(s.cfg.StateDir)
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 9 && e.Name()[:9] == "critical_" {
			found = true
		}
	}
	assert.True(t, found, "critical artifact must exist in the state dir root")
}

func TestSnapshotRoundTripPreservesDecimals(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	st := testState(domain.SessionStopped)
	st.Positions = []domain.Position{{
		Symbol:    "BTCUSDT",
		Side:      domain.Long,
		Quantity:  decimal.RequireFromString("0.123456789"),
		MarkPrice: decimal.RequireFromString("50000.12345678"),
		Open:      true,
	}}
	require.NoError(t, s.SaveCurrent(st))

	got, err := s.Recover()
	require.NoError(t, err)
	require.Len(t, got.Positions, 1)
	assert.True(t, got.Positions[0].Quantity.Equal(decimal.RequireFromString("0.123456789")))
	assert.True(t, got.Positions[0].MarkPrice.Equal(decimal.RequireFromString("50000.12345678")))
}
