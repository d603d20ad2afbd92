// Package session implements the per-conversation ordered event log and its
// compaction strategies. The Manager exclusively owns Events; sessions are
// disconnected from each other and no session reads another's events.
package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = fmt.Errorf("session not found")

// ErrSessionClosed is returned when appending to a closed session.
var ErrSessionClosed = fmt.Errorf("session is closed")

// Manager owns all sessions and their event logs, persisted in its own
// SQLite file separate from the graph store.
type Manager struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string

	// nextSeq caches the next sequence number per session so appends do not
	// re-read max(seq) on every call.
	nextSeq map[string]int64

	idleTimeout        time.Duration
	compactAfterEvents int
	windowSize         int
	tokenBudget        int
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout sets the idle duration after which SweepIdle closes a session.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithCompactionThresholds sets the event-count trigger, the sliding-window
// size, and the token budget used by the compaction strategies.
func WithCompactionThresholds(afterEvents, windowSize, tokenBudget int) Option {
	return func(m *Manager) {
		m.compactAfterEvents = afterEvents
		m.windowSize = windowSize
		m.tokenBudget = tokenBudget
	}
}

// NewManager opens (or creates) the session event log at the given path.
func NewManager(path string, opts ...Option) (*Manager, error) {
	timer := logging.StartTimer(logging.CategorySession, "NewManager")
	defer timer.Stop()

	logging.Session("Initializing session manager at path: %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.SessionDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.SessionDebug("Failed to set sqlite busy_timeout: %v", err)
	}

	m := &Manager{
		db:                 db,
		dbPath:             path,
		nextSeq:            make(map[string]int64),
		idleTimeout:        30 * time.Minute,
		compactAfterEvents: 200,
		windowSize:         50,
		tokenBudget:        32000,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		closed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		committed INTEGER NOT NULL DEFAULT 0,
		subsumed INTEGER NOT NULL DEFAULT 0,
		subsumes_to INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_committed ON events(session_id, committed);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create session tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	logging.Session("Closing session manager database connection")
	return m.db.Close()
}

// CreateSession opens a new session for the given scope and returns its id.
func (m *Manager) CreateSession(scope string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	_, err := m.db.Exec(`INSERT INTO sessions (id, scope) VALUES (?, ?)`, id, scope)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	m.nextSeq[id] = 1

	logging.Session("Session created: id=%s scope=%q", id, scope)
	return id, nil
}

// AppendEvent appends an event in strict arrival order and returns its
// sequence number. The manager lock is held across seq allocation and the
// insert, so concurrent appenders can never interleave out of order.
// Events are immutable once appended; corrections are new events.
func (m *Manager) AppendEvent(sessionID string, ev types.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed, err := m.sessionClosedLocked(sessionID)
	if err != nil {
		return 0, err
	}
	if closed {
		return 0, fmt.Errorf("append to %s: %w", sessionID, ErrSessionClosed)
	}

	seq, err := m.nextSeqLocked(sessionID)
	if err != nil {
		return 0, err
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.TokenCount == 0 {
		ev.TokenCount = estimateTokens(ev.Content)
	}

	_, err = m.db.Exec(
		`INSERT INTO events (session_id, seq, role, content, token_count, committed, subsumed, subsumes_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		sessionID, seq, string(ev.Role), ev.Content, ev.TokenCount,
		boolToInt(ev.Committed), ev.SubsumesTo, ev.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event to %s: %w", sessionID, err)
	}
	m.nextSeq[sessionID] = seq + 1

	if _, err := m.db.Exec(`UPDATE sessions SET last_active = ? WHERE id = ?`, time.Now().UTC(), sessionID); err != nil {
		logging.Get(logging.CategorySession).Warn("Failed to touch session %s: %v", sessionID, err)
	}

	logging.SessionDebug("Event appended: session=%s seq=%d role=%s tokens=%d", sessionID, seq, ev.Role, ev.TokenCount)
	return seq, nil
}

// sessionClosedLocked reports whether a session exists and is closed.
func (m *Manager) sessionClosedLocked(sessionID string) (bool, error) {
	var closed int
	err := m.db.QueryRow(`SELECT closed FROM sessions WHERE id = ?`, sessionID).Scan(&closed)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return false, err
	}
	return closed != 0, nil
}

func (m *Manager) nextSeqLocked(sessionID string) (int64, error) {
	if seq, ok := m.nextSeq[sessionID]; ok {
		return seq, nil
	}
	var maxSeq sql.NullInt64
	if err := m.db.QueryRow(`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	seq := maxSeq.Int64 + 1
	m.nextSeq[sessionID] = seq
	return seq, nil
}

// GetHistory returns the live (non-subsumed) events of a session in
// insertion order. A positive limit returns only the newest events,
// still ascending.
func (m *Manager) GetHistory(sessionID string, limit int) ([]types.Event, error) {
	timer := logging.StartTimer(logging.CategorySession, "GetHistory")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.sessionClosedLocked(sessionID); err != nil {
		return nil, err
	}

	query := `SELECT seq, role, content, token_count, committed, subsumes_to, created_at
	          FROM events WHERE session_id = ? AND subsumed = 0 ORDER BY seq`
	rows, err := m.db.Query(query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			logging.Get(logging.CategorySession).Warn("Event row scan failed: %v", err)
			continue
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// UncommittedEvents returns events not yet consolidated, in insertion order.
// Summary events subsume only committed material, so they never appear here
// uncommitted unless compaction itself produced new context.
func (m *Manager) UncommittedEvents(sessionID string) ([]types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.sessionClosedLocked(sessionID); err != nil {
		return nil, err
	}

	rows, err := m.db.Query(
		`SELECT seq, role, content, token_count, committed, subsumes_to, created_at
		 FROM events WHERE session_id = ? AND committed = 0 AND subsumed = 0 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// MarkCommitted flags events up to and including seq as consolidated.
// Consolidating the same batch twice is therefore idempotent.
func (m *Manager) MarkCommitted(sessionID string, upToSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(
		`UPDATE events SET committed = 1 WHERE session_id = ? AND seq <= ?`,
		sessionID, upToSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to mark events committed for %s: %w", sessionID, err)
	}
	logging.SessionDebug("Events committed: session=%s upTo=%d", sessionID, upToSeq)
	return nil
}

// CloseSession closes a session explicitly. Further appends are rejected.
func (m *Manager) CloseSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeSessionLocked(sessionID)
}

func (m *Manager) closeSessionLocked(sessionID string) error {
	res, err := m.db.Exec(`UPDATE sessions SET closed = 1 WHERE id = ? AND closed = 0`, sessionID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Either unknown or already closed; distinguish for the caller.
		var exists int
		if err := m.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("close %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil
	}
	logging.Session("Session closed: id=%s", sessionID)
	return nil
}

// SweepIdle closes sessions whose last activity is older than the idle
// timeout and returns their ids, so callers can trigger consolidation.
func (m *Manager) SweepIdle(now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.idleTimeout)
	rows, err := m.db.Query(`SELECT id FROM sessions WHERE closed = 0 AND last_active < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := m.closeSessionLocked(id); err != nil {
			logging.Get(logging.CategorySession).Warn("Idle sweep failed to close %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		logging.Session("Idle sweep closed %d sessions", len(ids))
	}
	return ids, nil
}

// EventCount returns the number of live events in a session.
func (m *Manager) EventCount(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	err := m.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE session_id = ? AND subsumed = 0`, sessionID).Scan(&count)
	return count, err
}

// NeedsCompaction reports whether the event-count trigger has fired.
func (m *Manager) NeedsCompaction(sessionID string) (bool, error) {
	count, err := m.EventCount(sessionID)
	if err != nil {
		return false, err
	}
	return count >= m.compactAfterEvents, nil
}

func scanEvent(rows *sql.Rows) (*types.Event, error) {
	var ev types.Event
	var role string
	var committed int
	if err := rows.Scan(&ev.Seq, &role, &ev.Content, &ev.TokenCount, &committed, &ev.SubsumesTo, &ev.Timestamp); err != nil {
		return nil, err
	}
	ev.Role = types.EventRole(role)
	ev.Committed = committed != 0
	return &ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
