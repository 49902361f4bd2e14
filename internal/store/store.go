// Package store persists orchestrator state across process restarts:
// the lifetime transfer counters, the last completed result per
// instance, and a bounded history of completed runs.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/pkg/types"
)

const (
	dbFileName      = "linkpulse.db"
	stateVersion    = 1
	retentionDays   = 90
	cleanupInterval = 1 * time.Hour
	maxHistoryRows  = 1000
)

// State is everything the orchestrator persists for one instance. The
// payload is stored as versioned JSON so schema evolution never needs a
// column migration.
type State struct {
	Version    int                    `json:"version"`
	Lifetime   types.LifetimeCounters `json:"lifetime"`
	LastResult *types.TestResult      `json:"last_test_result,omitempty"`
}

type Store struct {
	db        *sql.DB
	logger    *logging.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open creates or opens the database under dataDir, creating the
// directory if needed.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite requires explicit PRAGMAs (not query-string params)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logging.NewLogger("store"),
		stopCh: make(chan struct{}),
	}

	s.cleanup()

	s.wg.Add(1)
	go s.cleanupLoop()

	return s, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close failed", logging.Field{Key: "error", Value: err})
		}
	})
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS instance_state (
		instance TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_history (
		run_id TEXT PRIMARY KEY,
		instance TEXT NOT NULL,
		download_mbps REAL NOT NULL,
		upload_mbps REAL NOT NULL,
		ping_ms REAL NOT NULL,
		jitter_ms REAL NOT NULL,
		bytes_sent INTEGER NOT NULL,
		bytes_received INTEGER NOT NULL,
		server_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_created_at ON test_history(created_at)`)
	return err
}

// Load returns the persisted state for an instance. A never-seen
// instance gets a zero-valued state, not an error. A payload from a
// newer schema version is discarded with a warning rather than
// half-decoded.
func (s *Store) Load(instance string) (*State, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM instance_state WHERE instance = ?`, instance,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{Version: stateVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode state payload: %w", err)
	}
	if state.Version > stateVersion {
		s.logger.Warn("state payload from a newer version, starting fresh",
			logging.Field{Key: "instance", Value: instance},
			logging.Field{Key: "version", Value: state.Version})
		return &State{Version: stateVersion}, nil
	}
	state.Version = stateVersion
	return &state, nil
}

// Save upserts the instance state.
func (s *Store) Save(instance string, state *State) error {
	state.Version = stateVersion
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO instance_state (instance, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(instance) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		instance, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// AppendHistory records one completed run.
func (s *Store) AppendHistory(instance string, r *types.TestResult) error {
	_, err := s.db.Exec(
		`INSERT INTO test_history (run_id, instance, download_mbps, upload_mbps,
			ping_ms, jitter_ms, bytes_sent, bytes_received, server_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, instance, r.DownloadMbps, r.UploadMbps,
		r.PingMs, r.JitterMs, r.BytesSent, r.BytesReceived, r.Server.Name,
		r.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}
	return nil
}

// HistoryEntry is one row of the run history, newest first.
type HistoryEntry struct {
	RunID         string    `json:"run_id"`
	Instance      string    `json:"instance"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	ServerName    string    `json:"server_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// History returns up to limit most recent runs for an instance.
func (s *Store) History(instance string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT run_id, instance, download_mbps, upload_mbps, ping_ms, jitter_ms,
			bytes_sent, bytes_received, server_name, created_at
		FROM test_history WHERE instance = ?
		ORDER BY created_at DESC LIMIT ?`, instance, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.RunID, &e.Instance, &e.DownloadMbps, &e.UploadMbps,
			&e.PingMs, &e.JitterMs, &e.BytesSent, &e.BytesReceived,
			&e.ServerName, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) cleanup() {
	cutoff := time.Now().UTC().Add(-retentionDays * 24 * time.Hour)
	res, err := s.db.Exec(`DELETE FROM test_history WHERE created_at < ?`, cutoff)
	if err != nil {
		s.logger.Warn("history cleanup (age) failed", logging.Field{Key: "error", Value: err})
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("history cleanup: removed expired",
			logging.Field{Key: "count", Value: n})
	}

	// Trim to max count, keeping newest
	res, err = s.db.Exec(
		`DELETE FROM test_history WHERE run_id NOT IN (
			SELECT run_id FROM test_history ORDER BY created_at DESC LIMIT ?
		)`, maxHistoryRows)
	if err != nil {
		s.logger.Warn("history cleanup (count) failed", logging.Field{Key: "error", Value: err})
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("history cleanup: trimmed to max",
			logging.Field{Key: "removed", Value: n},
			logging.Field{Key: "max", Value: int64(maxHistoryRows)})
	}
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}
