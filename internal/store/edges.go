package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
)

// =============================================================================
// EDGE OPERATIONS
// =============================================================================

// PutEdge inserts or updates a directed edge. Both endpoints must exist and
// not be tombstoned, otherwise the write is rejected.
func (s *GraphStore) PutEdge(e *types.Edge) error {
	timer := logging.StartTimer(logging.CategoryStore, "PutEdge")
	defer timer.Stop()

	if e.SourceID == "" || e.TargetID == "" || e.Relation == "" {
		return fmt.Errorf("invalid edge: source, target, and relation must be non-empty")
	}

	unlock := s.lockNodes(e.SourceID, e.TargetID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireEndpoints(s.db, e.SourceID, e.TargetID); err != nil {
		return err
	}

	if e.Status == "" {
		e.Status = types.StatusActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	propsJSON, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal edge properties: %w", err)
	}

	logging.StoreDebug("Putting edge %s -[%s]-> %s", e.SourceID, e.Relation, e.TargetID)

	_, err = s.db.Exec(
		`INSERT INTO edges (source_id, relation, target_id, properties, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, relation, target_id) DO UPDATE SET
		   properties = excluded.properties,
		   status = excluded.status`,
		e.SourceID, string(e.Relation), e.TargetID, string(propsJSON), string(e.Status), e.CreatedAt,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to put edge %s: %v", e.Key(), err)
		return err
	}
	return s.recordContradictionLocked(s.db, e)
}

// recordContradictionLocked files the conflict record behind a CONTRADICTS
// edge. The invariant: a CONTRADICTS edge between two currently-asserted
// facts is never present without a pending or resolved conflict record.
func (s *GraphStore) recordContradictionLocked(q queryer, e *types.Edge) error {
	if e.Relation != types.RelContradicts || e.Status != types.StatusActive {
		return nil
	}
	for _, id := range []string{e.SourceID, e.TargetID} {
		var status string
		if err := q.QueryRow(`SELECT status FROM nodes WHERE id = ?`, id).Scan(&status); err != nil {
			return err
		}
		if types.NodeStatus(status) != types.StatusActive {
			return nil
		}
	}

	var existing int
	if err := q.QueryRow(
		`SELECT COUNT(*) FROM conflicts WHERE property = 'contradiction' AND node_id = ? AND candidate = ?`,
		e.SourceID, e.TargetID,
	).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	id := fmt.Sprintf("contradiction-%s-%s-%d", e.SourceID, e.TargetID, time.Now().UnixNano())
	if _, err := q.Exec(
		`INSERT INTO conflicts (id, node_id, property, incumbent, candidate, incumbent_prov, candidate_prov, resolution, created_at)
		 VALUES (?, ?, 'contradiction', ?, ?, '{}', '{}', 'manual_pending', ?)`,
		id, e.SourceID, e.SourceID, e.TargetID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to record contradiction %s: %w", e.Key(), err)
	}
	logging.Store("Contradiction recorded: %s vs %s", e.SourceID, e.TargetID)
	return nil
}

// queryer covers *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// requireEndpoints verifies both edge endpoints exist and are not tombstoned.
func (s *GraphStore) requireEndpoints(q queryer, sourceID, targetID string) error {
	for _, id := range []string{sourceID, targetID} {
		var status string
		err := q.QueryRow(`SELECT status FROM nodes WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("edge endpoint %s: %w", id, ErrEndpointMissing)
		}
		if err != nil {
			return err
		}
		if types.NodeStatus(status) == types.StatusTombstoned {
			return fmt.Errorf("edge endpoint %s: %w", id, ErrTombstoned)
		}
	}
	return nil
}

// GetEdges returns edges touching the node, optionally filtered by relation.
// An empty relation matches everything. Only active edges are returned.
func (s *GraphStore) GetEdges(nodeID string, relation types.Relation) ([]types.Edge, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetEdges")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEdgesLocked(nodeID, relation)
}

// getEdgesLocked executes the edge query assuming the caller holds at least
// s.mu.RLock(). Prevents nested RLock acquisition during traversal, which
// can deadlock when a writer is pending.
func (s *GraphStore) getEdgesLocked(nodeID string, relation types.Relation) ([]types.Edge, error) {
	query := `SELECT source_id, relation, target_id, properties, status, created_at
	          FROM edges WHERE (source_id = ? OR target_id = ?) AND status = 'active'`
	args := []interface{}{nodeID, nodeID}
	if relation != "" {
		query += ` AND relation = ?`
		args = append(args, string(relation))
	}
	query += ` ORDER BY source_id, relation, target_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []types.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Edge row scan failed: %v", err)
			continue
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

// InvalidateEdge marks an edge no-longer-true without deleting it.
func (s *GraphStore) InvalidateEdge(sourceID string, relation types.Relation, targetID string) error {
	unlock := s.lockNodes(sourceID, targetID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE edges SET status = 'invalidated' WHERE source_id = ? AND relation = ? AND target_id = ?`,
		sourceID, string(relation), targetID,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("invalidate edge %s-[%s]->%s: no such edge", sourceID, relation, targetID)
	}
	return nil
}

// UnresolvedContradictions returns active CONTRADICTS edges whose two sides
// are both still currently-true. Every such edge must have a pending or
// resolved conflict record; verification treats juxtaposition of the two
// sides as a CRITICAL finding.
func (s *GraphStore) UnresolvedContradictions() ([]types.Edge, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UnresolvedContradictions")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT e.source_id, e.relation, e.target_id, e.properties, e.status, e.created_at
		 FROM edges e
		 JOIN nodes a ON a.id = e.source_id AND a.status = 'active'
		 JOIN nodes b ON b.id = e.target_id AND b.status = 'active'
		 WHERE e.relation = ? AND e.status = 'active'
		 ORDER BY e.source_id, e.target_id`,
		string(types.RelContradicts),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []types.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			continue
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

func scanEdge(rows *sql.Rows) (*types.Edge, error) {
	var e types.Edge
	var relation, status string
	var propsJSON sql.NullString
	if err := rows.Scan(&e.SourceID, &relation, &e.TargetID, &propsJSON, &status, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Relation = types.Relation(relation)
	e.Status = types.NodeStatus(status)
	if propsJSON.Valid && propsJSON.String != "" {
		if err := json.Unmarshal([]byte(propsJSON.String), &e.Properties); err != nil {
			logging.Get(logging.CategoryStore).Warn("Edge %s properties unmarshal failed: %v", e.Key(), err)
		}
	}
	return &e, nil
}

// edgeFingerprint hashes the currently-true content of an edge row for
// snapshot diffing.
func edgeFingerprint(e *types.Edge) string {
	propsJSON, _ := json.Marshal(e.Properties)
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", e.Key(), string(propsJSON), e.Status)))
	return hex.EncodeToString(h[:8])
}
