package store

import (
	"encoding/json"
	"fmt"
	"time"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
)

// =============================================================================
// CONFLICT AUDIT TRAIL
// =============================================================================

// PendingConflicts returns conflicts awaiting manual resolution, oldest first.
func (s *GraphStore) PendingConflicts() ([]types.ConflictRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "PendingConflicts")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, node_id, property, incumbent, candidate, incumbent_prov, candidate_prov, resolution, created_at
		 FROM conflicts WHERE resolution = 'manual_pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.ConflictRecord
	for rows.Next() {
		var c types.ConflictRecord
		var incProv, candProv string
		if err := rows.Scan(&c.ID, &c.NodeID, &c.Property, &c.Incumbent, &c.Candidate,
			&incProv, &candProv, &c.Resolution, &c.CreatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Conflict row scan failed: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(incProv), &c.IncumbentProv); err != nil {
			logging.Get(logging.CategoryStore).Warn("Conflict %s incumbent provenance unmarshal failed: %v", c.ID, err)
		}
		if err := json.Unmarshal([]byte(candProv), &c.CandidateProv); err != nil {
			logging.Get(logging.CategoryStore).Warn("Conflict %s candidate provenance unmarshal failed: %v", c.ID, err)
		}
		records = append(records, c)
	}
	return records, rows.Err()
}

// ResolveConflict marks a pending conflict manually resolved. The graph-side
// effect (invalidating the loser) is the caller's responsibility and should
// go through the consolidation pipeline.
func (s *GraphStore) ResolveConflict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE conflicts SET resolution = 'manual_resolved' WHERE id = ? AND resolution = 'manual_pending'`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conflict %s not found or not pending", id)
	}
	logging.Store("Conflict %s manually resolved", id)
	return nil
}

// RecordEscalation files a manual-resolution item for a batch that exhausted
// its retries. Nothing is silently dropped.
func (s *GraphStore) RecordEscalation(sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("escalation-%s-%d", sessionID, time.Now().UnixNano())
	_, err := s.db.Exec(
		`INSERT INTO conflicts (id, node_id, property, incumbent, candidate, incumbent_prov, candidate_prov, resolution, created_at)
		 VALUES (?, ?, 'batch_failure', '', ?, '{}', '{}', 'manual_pending', ?)`,
		id, sessionID, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record escalation for session %s: %w", sessionID, err)
	}
	logging.Store("Escalation recorded for session %s: %s", sessionID, reason)
	return nil
}
