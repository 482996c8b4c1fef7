// Package recovery persists trading state for crash recovery.
//
// Two artifact kinds live in the state directory:
//
//   - current_state.json, overwritten on every save with the previous
//     generation kept as backup_state.json
//   - snapshots/snapshot_YYYYMMDD_HHMMSS.json, periodic, pruned by
//     count and age
//
// Emergency stops additionally write critical_YYYYMMDD_HHMMSS.json,
// which is never pruned. All writes go to a temp file first and rename
// into place so a crash mid-write cannot corrupt an artifact.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"futures-trader/internal/config"
	"futures-trader/internal/domain"
)

// SchemaVersion is bumped on any incompatible change to State.
const SchemaVersion = 1

// staleRunningAge rejects recovered state claiming to be Running for
// longer than a crashed process plausibly could have been.
const staleRunningAge = time.Hour

const (
	currentFile = "current_state.json"
	backupFile  = "backup_state.json"
	snapshotDir = "snapshots"
)

// Metadata identifies and dates an artifact.
type Metadata struct {
	SchemaVersion int       `json:"schema_version"`
	SavedAt       time.Time `json:"saved_at"`
	Reason        string    `json:"reason,omitempty"`
}

// State is everything needed to resume a session after a crash.
// Decimals serialize as strings.
type State struct {
	Metadata         Metadata                 `json:"metadata"`
	Session          domain.SessionSnapshot   `json:"session"`
	Portfolio        domain.PortfolioSnapshot `json:"portfolio"`
	Orders           []domain.OrderSnapshot   `json:"active_orders"`
	Positions        []domain.Position        `json:"positions"`
	MonitoredSymbols []string                 `json:"monitored_symbols"`
}

// Store reads and writes recovery artifacts under one state directory.
type Store struct {
	cfg    config.RecoveryConfig
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates the state and snapshot directories if needed.
func NewStore(cfg config.RecoveryConfig, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(cfg.StateDir, snapshotDir), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		cfg:    cfg,
		logger: logger.With("component", "recovery"),
		now:    time.Now,
	}, nil
}

// SaveCurrent writes the current-state file, rotating the previous
// generation to the backup file first.
func (s *Store) SaveCurrent(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(st, "")
	current := filepath.Join(s.cfg.StateDir, currentFile)
	if _, err := os.Stat(current); err == nil {
		if err := os.Rename(current, filepath.Join(s.cfg.StateDir, backupFile)); err != nil {
			s.logger.Warn("backup rotation failed", "error", err)
		}
	}
	return s.writeAtomic(current, st)
}

// SaveSnapshot writes a timestamped snapshot and prunes old ones.
func (s *Store) SaveSnapshot(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(st, "")
	name := fmt.Sprintf("snapshot_%s.json", s.now().UTC().Format("20060102_150405"))
	if err := s.writeAtomic(filepath.Join(s.cfg.StateDir, snapshotDir, name), st); err != nil {
		return err
	}
	s.prune()
	return nil
}

// SaveCritical writes an emergency-stop artifact. Critical files are
// kept forever.
func (s *Store) SaveCritical(st *State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamp(st, reason)
	name := fmt.Sprintf("critical_%s.json", s.now().UTC().Format("20060102_150405"))
	return s.writeAtomic(filepath.Join(s.cfg.StateDir, name), st)
}

// Recover loads the most trustworthy artifact: current, then backup,
// then the newest valid snapshot. Returns nil when nothing usable
// exists.
func (s *Store) Recover() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := []string{
		filepath.Join(s.cfg.StateDir, currentFile),
		filepath.Join(s.cfg.StateDir, backupFile),
	}
	candidates = append(candidates, s.snapshotPaths()...)

	for _, path := range candidates {
		st, err := s.load(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("skipping unusable recovery artifact", "path", path, "error", err)
			}
			continue
		}
		s.logger.Info("recovered state",
			"path", path,
			"session_id", st.Session.ID,
			"status", st.Session.Status,
			"saved_at", st.Metadata.SavedAt,
		)
		return st, nil
	}
	return nil, nil
}

func (s *Store) stamp(st *State, reason string) {
	st.Metadata = Metadata{
		SchemaVersion: SchemaVersion,
		SavedAt:       s.now().UTC(),
		Reason:        reason,
	}
}

func (s *Store) load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := s.validate(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// validate rejects artifacts from another schema, past retention, or
// claiming Running for implausibly long.
func (s *Store) validate(st *State) error {
	if st.Metadata.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema version %d, want %d", st.Metadata.SchemaVersion, SchemaVersion)
	}
	age := s.now().UTC().Sub(st.Metadata.SavedAt)
	if s.cfg.RetentionDays > 0 && age > time.Duration(s.cfg.RetentionDays)*24*time.Hour {
		return fmt.Errorf("artifact age %s past retention", age.Round(time.Minute))
	}
	if st.Session.Status == domain.SessionRunning && age > staleRunningAge {
		return fmt.Errorf("stale: Running session saved %s ago", age.Round(time.Minute))
	}
	return nil
}

// writeAtomic writes via temp file + rename in the target directory.
func (s *Store) writeAtomic(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// snapshotPaths returns snapshot files newest first.
func (s *Store) snapshotPaths() []string {
	dir := filepath.Join(s.cfg.StateDir, snapshotDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "snapshot_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort lexicographically by age.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths
}

// prune enforces the snapshot count cap and retention window. Called
// with s.mu held.
func (s *Store) prune() {
	paths := s.snapshotPaths()
	cutoff := s.now().UTC().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	for i, path := range paths {
		drop := s.cfg.MaxSnapshots > 0 && i >= s.cfg.MaxSnapshots
		if !drop && s.cfg.RetentionDays > 0 {
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				drop = true
			}
		}
		if drop {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("prune failed", "path", path, "error", err)
			}
		}
	}
}
