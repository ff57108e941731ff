package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding runner history: state
// transitions, stuck/dead alerts and the heartbeats of live watchers.
// Safe for concurrent use within one process; several processes can share
// the file through WAL mode and the busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
	now func() time.Time
}

// Transition is one observed state change of one pane.
type Transition struct {
	ID         int64
	Project    string
	Session    string
	PaneID     string
	FromState  string
	ToState    string
	Confidence float64
	Details    string
	At         time.Time
}

// Alert is one raised stuck/dead alert. ResolvedAt is zero while active.
type Alert struct {
	ID         int64
	Project    string
	Session    string
	PaneID     string
	Kind       string
	Reason     string
	At         time.Time
	ResolvedAt time.Time
}

// Active reports whether the alert has not been resolved.
func (a Alert) Active() bool { return a.ResolvedAt.IsZero() }

// WatcherRow is a registered watch or monitor process.
type WatcherRow struct {
	PID       int
	Kind      string
	Project   string
	Session   string
	Started   time.Time
	Heartbeat time.Time
}

// Filter narrows history queries. Zero fields match everything.
type Filter struct {
	Project string
	PaneID  string
	Since   time.Time
	Limit   int
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	// WAL allows concurrent readers while writing; the busy timeout waits up
	// to 5s when another process holds the write lock.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// One writer connection per process; other processes are handled by WAL.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid(), now: time.Now}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"transitions", `
			CREATE TABLE IF NOT EXISTS transitions (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				project    TEXT NOT NULL,
				session    TEXT NOT NULL DEFAULT '',
				pane_id    TEXT NOT NULL,
				from_state TEXT NOT NULL DEFAULT '',
				to_state   TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0,
				details    TEXT NOT NULL DEFAULT '',
				at         INTEGER NOT NULL
			)`},
		{"transitions index", `
			CREATE INDEX IF NOT EXISTS idx_transitions_project_at ON transitions (project, at)`},
		{"alerts", `
			CREATE TABLE IF NOT EXISTS alerts (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				project     TEXT NOT NULL,
				session     TEXT NOT NULL DEFAULT '',
				pane_id     TEXT NOT NULL,
				kind        TEXT NOT NULL,
				reason      TEXT NOT NULL DEFAULT '',
				at          INTEGER NOT NULL,
				resolved_at INTEGER NOT NULL DEFAULT 0
			)`},
		{"alerts index", `
			CREATE INDEX IF NOT EXISTS idx_alerts_project_at ON alerts (project, at)`},
		{"watchers", `
			CREATE TABLE IF NOT EXISTS watchers (
				pid       INTEGER PRIMARY KEY,
				kind      TEXT NOT NULL,
				project   TEXT NOT NULL,
				session   TEXT NOT NULL DEFAULT '',
				started   INTEGER NOT NULL,
				heartbeat INTEGER NOT NULL
			)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("statedb: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Transitions ---

// RecordTransition appends one state change.
func (s *StateDB) RecordTransition(t Transition) error {
	if t.At.IsZero() {
		t.At = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO transitions (project, session, pane_id, from_state, to_state, confidence, details, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Project, t.Session, t.PaneID, t.FromState, t.ToState, t.Confidence, t.Details, t.At.UnixMilli())
	return err
}

// Transitions returns matching transitions, newest first.
func (s *StateDB) Transitions(f Filter) ([]Transition, error) {
	where, args := f.clause()
	query := `SELECT id, project, session, pane_id, from_state, to_state, confidence, details, at
		FROM transitions` + where + ` ORDER BY at DESC, id DESC` + f.limit()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Transition
	for rows.Next() {
		var t Transition
		var at int64
		if err := rows.Scan(&t.ID, &t.Project, &t.Session, &t.PaneID, &t.FromState, &t.ToState,
			&t.Confidence, &t.Details, &at); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(at)
		result = append(result, t)
	}
	return result, rows.Err()
}

// CountTransitions returns how many transitions exist for project.
func (s *StateDB) CountTransitions(project string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM transitions WHERE project = ?", project).Scan(&count)
	return count, err
}

// Prune deletes transitions and resolved alerts older than cutoff and
// returns the number of rows removed.
func (s *StateDB) Prune(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := cutoff.UnixMilli()
	var total int64
	res, err := tx.Exec("DELETE FROM transitions WHERE at < ?", ms)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n
	res, err = tx.Exec("DELETE FROM alerts WHERE resolved_at != 0 AND resolved_at < ?", ms)
	if err != nil {
		return 0, err
	}
	n, _ = res.RowsAffected()
	total += n
	return total, tx.Commit()
}

// --- Alerts ---

// RecordAlert stores a raised alert.
func (s *StateDB) RecordAlert(a Alert) error {
	if a.At.IsZero() {
		a.At = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO alerts (project, session, pane_id, kind, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Project, a.Session, a.PaneID, a.Kind, a.Reason, a.At.UnixMilli())
	return err
}

// ResolveAlerts closes every active alert of kind for the pane and returns
// how many were closed.
func (s *StateDB) ResolveAlerts(project, paneID, kind string, at time.Time) (int64, error) {
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.Exec(`
		UPDATE alerts SET resolved_at = ?
		WHERE project = ? AND pane_id = ? AND kind = ? AND resolved_at = 0
	`, at.UnixMilli(), project, paneID, kind)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Alerts returns matching alerts, newest first.
func (s *StateDB) Alerts(f Filter, activeOnly bool) ([]Alert, error) {
	where, args := f.clause()
	if activeOnly {
		if where == "" {
			where = " WHERE resolved_at = 0"
		} else {
			where += " AND resolved_at = 0"
		}
	}
	query := `SELECT id, project, session, pane_id, kind, reason, at, resolved_at
		FROM alerts` + where + ` ORDER BY at DESC, id DESC` + f.limit()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Alert
	for rows.Next() {
		var a Alert
		var at, resolved int64
		if err := rows.Scan(&a.ID, &a.Project, &a.Session, &a.PaneID, &a.Kind, &a.Reason, &at, &resolved); err != nil {
			return nil, err
		}
		a.At = time.UnixMilli(at)
		if resolved > 0 {
			a.ResolvedAt = time.UnixMilli(resolved)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	if f.PaneID != "" {
		conds = append(conds, "pane_id = ?")
		args = append(args, f.PaneID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f Filter) limit() string {
	if f.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", f.Limit)
}

// --- Watcher heartbeats ---

// RegisterWatcher records this process as a live watcher of kind ("watch"
// or "monitor") for project.
func (s *StateDB) RegisterWatcher(kind, project, session string) error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO watchers (pid, kind, project, session, started, heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.pid, kind, project, session, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE watchers SET heartbeat = ? WHERE pid = ?",
		s.now().Unix(), s.pid,
	)
	return err
}

// UnregisterWatcher removes this process from the watchers table.
func (s *StateDB) UnregisterWatcher() error {
	_, err := s.db.Exec("DELETE FROM watchers WHERE pid = ?", s.pid)
	return err
}

// CleanDeadWatchers removes watchers that haven't heartbeated within timeout.
func (s *StateDB) CleanDeadWatchers(timeout time.Duration) error {
	cutoff := s.now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM watchers WHERE heartbeat < ?", cutoff)
	return err
}

// AliveWatchers returns watchers of project with a heartbeat within window.
// An empty project matches all.
func (s *StateDB) AliveWatchers(project string, window time.Duration) ([]WatcherRow, error) {
	cutoff := s.now().Add(-window).Unix()
	query := "SELECT pid, kind, project, session, started, heartbeat FROM watchers WHERE heartbeat >= ?"
	args := []any{cutoff}
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	rows, err := s.db.Query(query+" ORDER BY started", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WatcherRow
	for rows.Next() {
		var w WatcherRow
		var started, hb int64
		if err := rows.Scan(&w.PID, &w.Kind, &w.Project, &w.Session, &started, &hb); err != nil {
			return nil, err
		}
		w.Started = time.Unix(started, 0)
		w.Heartbeat = time.Unix(hb, 0)
		result = append(result, w)
	}
	return result, rows.Err()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
