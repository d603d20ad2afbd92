package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
)

// =============================================================================
// SNAPSHOT & DIFF
// =============================================================================

// Snapshot captures the currently-true graph (active nodes and edges) under
// a new monotonically increasing checkpoint id. O(graph size); only invoked
// at consolidation commit points, never per-write.
func (s *GraphStore) Snapshot() (*types.Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Snapshot")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshotTx(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return snap, nil
}

// snapshotTx writes the snapshot rows inside the caller's transaction so a
// consolidation commit and its snapshot are atomic.
func (s *GraphStore) snapshotTx(tx *sql.Tx) (*types.Snapshot, error) {
	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO snapshots (created_at, node_count, edge_count) VALUES (?, 0, 0)`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate checkpoint: %w", err)
	}
	checkpoint, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	nodeCount, err := s.snapshotNodesTx(tx, checkpoint)
	if err != nil {
		return nil, err
	}
	edgeCount, err := s.snapshotEdgesTx(tx, checkpoint)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		`UPDATE snapshots SET node_count = ?, edge_count = ? WHERE checkpoint = ?`,
		nodeCount, edgeCount, checkpoint,
	); err != nil {
		return nil, err
	}

	logging.Store("Snapshot %d taken: %d nodes, %d edges", checkpoint, nodeCount, edgeCount)
	return &types.Snapshot{
		Checkpoint: checkpoint,
		CreatedAt:  now,
		NodeCount:  nodeCount,
		EdgeCount:  edgeCount,
	}, nil
}

func (s *GraphStore) snapshotNodesTx(tx *sql.Tx, checkpoint int64) (int, error) {
	rows, err := tx.Query(
		`SELECT id, name, node_type, properties, embedding, prov_kind, prov_confidence, prov_timestamp, status, created_at, updated_at
		 FROM nodes WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return 0, err
	}
	type entry struct {
		id, fp string
	}
	var entries []entry
	for rows.Next() {
		n, err := s.scanNodeRows(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		entries = append(entries, entry{id: n.ID, fp: nodeFingerprint(n)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO snapshot_nodes (checkpoint, node_id, fingerprint) VALUES (?, ?, ?)`,
			checkpoint, e.id, e.fp,
		); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func (s *GraphStore) snapshotEdgesTx(tx *sql.Tx, checkpoint int64) (int, error) {
	rows, err := tx.Query(
		`SELECT source_id, relation, target_id, properties, status, created_at
		 FROM edges WHERE status = 'active' ORDER BY source_id, relation, target_id`)
	if err != nil {
		return 0, err
	}
	type entry struct {
		key, fp string
	}
	var entries []entry
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		entries = append(entries, entry{key: e.Key(), fp: edgeFingerprint(e)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO snapshot_edges (checkpoint, edge_key, fingerprint) VALUES (?, ?, ?)`,
			checkpoint, e.key, e.fp,
		); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// GetSnapshot returns snapshot metadata for a checkpoint.
func (s *GraphStore) GetSnapshot(checkpoint int64) (*types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap types.Snapshot
	err := s.db.QueryRow(
		`SELECT checkpoint, created_at, node_count, edge_count FROM snapshots WHERE checkpoint = ?`,
		checkpoint,
	).Scan(&snap.Checkpoint, &snap.CreatedAt, &snap.NodeCount, &snap.EdgeCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %d not found", checkpoint)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns all snapshot metadata, oldest first.
func (s *GraphStore) ListSnapshots() ([]types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT checkpoint, created_at, node_count, edge_count FROM snapshots ORDER BY checkpoint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []types.Snapshot
	for rows.Next() {
		var snap types.Snapshot
		if err := rows.Scan(&snap.Checkpoint, &snap.CreatedAt, &snap.NodeCount, &snap.EdgeCount); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Diff computes the deterministic delta between two checkpoints. Repeated
// calls with the same ids return identical results; all slices are sorted.
func (s *GraphStore) Diff(from, to int64) (*types.SnapshotDiff, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Diff")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range []int64{from, to} {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE checkpoint = ?`, cp).Scan(&exists); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, fmt.Errorf("snapshot %d not found", cp)
		}
	}

	fromNodes, err := s.snapshotFingerprints("snapshot_nodes", "node_id", from)
	if err != nil {
		return nil, err
	}
	toNodes, err := s.snapshotFingerprints("snapshot_nodes", "node_id", to)
	if err != nil {
		return nil, err
	}
	fromEdges, err := s.snapshotFingerprints("snapshot_edges", "edge_key", from)
	if err != nil {
		return nil, err
	}
	toEdges, err := s.snapshotFingerprints("snapshot_edges", "edge_key", to)
	if err != nil {
		return nil, err
	}

	// A changed node carries a new fingerprint and shows up on both sides:
	// the old version is gone, the new one arrived.
	diff := &types.SnapshotDiff{From: from, To: to}
	for id, fp := range toNodes {
		if old, ok := fromNodes[id]; !ok || old != fp {
			diff.NodesAdded = append(diff.NodesAdded, id)
		}
	}
	for id, fp := range fromNodes {
		if current, ok := toNodes[id]; !ok || current != fp {
			diff.NodesRemoved = append(diff.NodesRemoved, id)
		}
	}
	for key, fp := range toEdges {
		old, ok := fromEdges[key]
		if !ok || old != fp {
			diff.EdgesChanged = append(diff.EdgesChanged, key)
		}
	}
	for key := range fromEdges {
		if _, ok := toEdges[key]; !ok {
			diff.EdgesChanged = append(diff.EdgesChanged, key)
		}
	}

	sort.Strings(diff.NodesAdded)
	sort.Strings(diff.NodesRemoved)
	sort.Strings(diff.EdgesChanged)
	return diff, nil
}

func (s *GraphStore) snapshotFingerprints(table, keyCol string, checkpoint int64) (map[string]string, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s, fingerprint FROM %s WHERE checkpoint = ?`, keyCol, table), checkpoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, fp string
		if err := rows.Scan(&key, &fp); err != nil {
			return nil, err
		}
		out[key] = fp
	}
	return out, rows.Err()
}

// =============================================================================
// EXPORT
// =============================================================================

// SnapshotExport is the audit/"time travel" record for one snapshot.
type SnapshotExport struct {
	Snapshot types.Snapshot `json:"snapshot"`
	NodeIDs  []string       `json:"node_ids"`
	EdgeKeys []string       `json:"edge_keys"`
}

// ExportSnapshot marshals a snapshot's row set as a structured record.
func (s *GraphStore) ExportSnapshot(checkpoint int64) ([]byte, error) {
	snap, err := s.GetSnapshot(checkpoint)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	nodes, err := s.snapshotFingerprints("snapshot_nodes", "node_id", checkpoint)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	edges, err := s.snapshotFingerprints("snapshot_edges", "edge_key", checkpoint)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	export := SnapshotExport{Snapshot: *snap}
	for id := range nodes {
		export.NodeIDs = append(export.NodeIDs, id)
	}
	for key := range edges {
		export.EdgeKeys = append(export.EdgeKeys, key)
	}
	sort.Strings(export.NodeIDs)
	sort.Strings(export.EdgeKeys)

	return json.MarshalIndent(export, "", "  ")
}

// ExportDiff marshals a diff as a structured record.
func (s *GraphStore) ExportDiff(from, to int64) ([]byte, error) {
	diff, err := s.Diff(from, to)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(diff, "", "  ")
}
