package session

import (
	"context"
	"fmt"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
)

// Strategy selects how Compact shrinks a session's event log.
type Strategy string

const (
	// StrategySlidingWindow drops the oldest committed events, keeping the
	// newest windowSize live events intact.
	StrategySlidingWindow Strategy = "sliding_window"
	// StrategyTruncate drops the oldest committed events until the live
	// log fits the token budget.
	StrategyTruncate Strategy = "truncate"
	// StrategySummarize replaces a committed run with a single summary
	// event. Originals are kept and flagged subsumed, never deleted.
	StrategySummarize Strategy = "summarize"
)

// CompactionResult reports what a compaction pass did.
type CompactionResult struct {
	Strategy   Strategy
	Removed    int
	Subsumed   int
	SummarySeq int64
}

// Compact applies the given strategy to a session. Only committed events are
// ever removed or subsumed; uncommitted material is untouched so that
// consolidation never loses input.
func (m *Manager) Compact(ctx context.Context, sessionID string, strategy Strategy, summarizer types.Summarizer) (*CompactionResult, error) {
	timer := logging.StartTimer(logging.CategorySession, "Compact")
	defer timer.Stop()

	switch strategy {
	case StrategySlidingWindow:
		return m.compactWindow(sessionID)
	case StrategyTruncate:
		return m.compactTruncate(sessionID)
	case StrategySummarize:
		if summarizer == nil {
			return nil, fmt.Errorf("summarize strategy requires a summarizer")
		}
		return m.compactSummarize(ctx, sessionID, summarizer)
	default:
		return nil, fmt.Errorf("unknown compaction strategy %q", strategy)
	}
}

// MaybeCompact runs the sliding-window strategy when the event-count trigger
// has fired. Intended to be called after appends.
func (m *Manager) MaybeCompact(sessionID string) (*CompactionResult, error) {
	needed, err := m.NeedsCompaction(sessionID)
	if err != nil {
		return nil, err
	}
	if !needed {
		return nil, nil
	}
	logging.Session("Compaction triggered for session %s (event count threshold)", sessionID)
	return m.compactWindow(sessionID)
}

func (m *Manager) compactWindow(sessionID string) (*CompactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.sessionClosedLocked(sessionID); err != nil {
		return nil, err
	}

	// The window boundary is the seq of the windowSize-th newest live event.
	// Committed events strictly older than the boundary are dropped.
	var boundary int64
	err := m.db.QueryRow(
		`SELECT seq FROM events WHERE session_id = ? AND subsumed = 0
		 ORDER BY seq DESC LIMIT 1 OFFSET ?`,
		sessionID, m.windowSize-1,
	).Scan(&boundary)
	if err != nil {
		// Fewer live events than the window, nothing to drop.
		return &CompactionResult{Strategy: StrategySlidingWindow}, nil
	}

	res, err := m.db.Exec(
		`DELETE FROM events WHERE session_id = ? AND committed = 1 AND seq < ?`,
		sessionID, boundary,
	)
	if err != nil {
		return nil, fmt.Errorf("sliding window compaction failed for %s: %w", sessionID, err)
	}
	removed, _ := res.RowsAffected()

	logging.Session("Sliding window compaction: session=%s removed=%d boundary=%d", sessionID, removed, boundary)
	return &CompactionResult{Strategy: StrategySlidingWindow, Removed: int(removed)}, nil
}

func (m *Manager) compactTruncate(sessionID string) (*CompactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.sessionClosedLocked(sessionID); err != nil {
		return nil, err
	}

	rows, err := m.db.Query(
		`SELECT seq, token_count, committed FROM events
		 WHERE session_id = ? AND subsumed = 0 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	type liveEvent struct {
		seq       int64
		tokens    int
		committed bool
	}
	var live []liveEvent
	total := 0
	for rows.Next() {
		var ev liveEvent
		var committed int
		if err := rows.Scan(&ev.seq, &ev.tokens, &committed); err != nil {
			continue
		}
		ev.committed = committed != 0
		live = append(live, ev)
		total += ev.tokens
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Drop committed events oldest-first until the live log fits the
	// budget. Uncommitted events are never dropped.
	removed := 0
	for _, ev := range live {
		if total <= m.tokenBudget {
			break
		}
		if !ev.committed {
			continue
		}
		if _, err := m.db.Exec(
			`DELETE FROM events WHERE session_id = ? AND seq = ?`, sessionID, ev.seq); err != nil {
			return nil, fmt.Errorf("truncate compaction failed for %s: %w", sessionID, err)
		}
		total -= ev.tokens
		removed++
	}

	logging.Session("Truncate compaction: session=%s removed=%d remainingTokens=%d", sessionID, removed, total)
	return &CompactionResult{Strategy: StrategyTruncate, Removed: removed}, nil
}

func (m *Manager) compactSummarize(ctx context.Context, sessionID string, summarizer types.Summarizer) (*CompactionResult, error) {
	m.mu.Lock()

	if _, err := m.sessionClosedLocked(sessionID); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	rows, err := m.db.Query(
		`SELECT seq, role, content, token_count, committed, subsumes_to, created_at
		 FROM events WHERE session_id = ? AND committed = 1 AND subsumed = 0 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var run []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue
		}
		run = append(run, *ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	// Summarization is recursive: a prior summary folds into the next one
	// together with newer material. A run of nothing but summaries means
	// there is no new material, so the pass is a no-op.
	onlySummaries := true
	for _, ev := range run {
		if ev.Role != types.RoleSummary {
			onlySummaries = false
			break
		}
	}
	if len(run) == 0 || onlySummaries {
		return &CompactionResult{Strategy: StrategySummarize}, nil
	}

	// Summarization happens outside the lock; the run is committed material
	// and cannot change underneath us.
	summary, err := summarizer.Summarize(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("summarization failed for %s: %w", sessionID, err)
	}

	last := run[len(run)-1].Seq

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.nextSeqLocked(sessionID)
	if err != nil {
		return nil, err
	}
	_, err = m.db.Exec(
		`INSERT INTO events (session_id, seq, role, content, token_count, committed, subsumed, subsumes_to)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?)`,
		sessionID, seq, string(types.RoleSummary), summary, estimateTokens(summary), last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert summary event for %s: %w", sessionID, err)
	}
	m.nextSeq[sessionID] = seq + 1

	res, err := m.db.Exec(
		`UPDATE events SET subsumed = 1 WHERE session_id = ? AND committed = 1 AND subsumed = 0 AND seq <= ?`,
		sessionID, last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to flag subsumed events for %s: %w", sessionID, err)
	}
	subsumed, _ := res.RowsAffected()

	logging.Session("Summarize compaction: session=%s subsumed=%d summarySeq=%d", sessionID, subsumed, seq)
	return &CompactionResult{
		Strategy:   StrategySummarize,
		Subsumed:   int(subsumed),
		SummarySeq: seq,
	}, nil
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
