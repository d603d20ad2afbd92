package store

import (
	"encoding/json"
	"fmt"
	"time"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
	"lorekeeper/pkg/metrics"
)

// =============================================================================
// ATOMIC BATCH COMMIT
// =============================================================================

// Batch is one consolidation commit: accepted creates/updates, invalidations
// of conflict losers, and the audit records for every detected conflict.
// A batch commits fully or not at all.
type Batch struct {
	NodeUpserts     []types.Node
	EdgeUpserts     []types.Edge
	InvalidateNodes []string
	Conflicts       []types.ConflictRecord
}

// Empty reports whether the batch would change the graph.
func (b *Batch) Empty() bool {
	return len(b.NodeUpserts) == 0 && len(b.EdgeUpserts) == 0 &&
		len(b.InvalidateNodes) == 0 && len(b.Conflicts) == 0
}

// touchedIDs returns every node id the batch writes, for lock acquisition.
func (b *Batch) touchedIDs() []string {
	var ids []string
	for i := range b.NodeUpserts {
		ids = append(ids, b.NodeUpserts[i].ID)
	}
	for i := range b.EdgeUpserts {
		ids = append(ids, b.EdgeUpserts[i].SourceID, b.EdgeUpserts[i].TargetID)
	}
	ids = append(ids, b.InvalidateNodes...)
	return ids
}

// ApplyBatch writes the batch in one transaction and takes a snapshot inside
// the same transaction, so the new checkpoint exactly reflects the commit.
// Only the consolidation pipeline calls this.
func (s *GraphStore) ApplyBatch(b *Batch) (*types.Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ApplyBatch")
	defer timer.Stop()

	unlock := s.lockNodes(b.touchedIDs()...)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	// Rollback is a no-op after Commit.
	defer tx.Rollback()

	now := time.Now().UTC()

	for i := range b.NodeUpserts {
		n := &b.NodeUpserts[i]
		if n.ID == "" || n.Name == "" || n.Type == "" {
			return nil, fmt.Errorf("batch node upsert invalid: id, name, and type must be non-empty")
		}
		var status string
		err := tx.QueryRow(`SELECT status FROM nodes WHERE id = ?`, n.ID).Scan(&status)
		if err == nil && types.NodeStatus(status) == types.StatusTombstoned {
			return nil, fmt.Errorf("batch upsert of node %s: %w", n.ID, ErrTombstoned)
		}

		if n.Status == "" {
			n.Status = types.StatusActive
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		n.UpdatedAt = now

		propsJSON, err := json.Marshal(n.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties for %s: %w", n.ID, err)
		}
		embJSON, err := json.Marshal(n.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding for %s: %w", n.ID, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO nodes (id, name, node_type, properties, embedding, prov_kind, prov_confidence, prov_timestamp, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name = excluded.name,
			   node_type = excluded.node_type,
			   properties = excluded.properties,
			   embedding = excluded.embedding,
			   prov_kind = excluded.prov_kind,
			   prov_confidence = excluded.prov_confidence,
			   prov_timestamp = excluded.prov_timestamp,
			   status = excluded.status,
			   updated_at = excluded.updated_at`,
			n.ID, n.Name, string(n.Type), string(propsJSON), string(embJSON),
			string(n.Provenance.Kind), n.Provenance.Confidence, n.Provenance.Timestamp.UTC(),
			string(n.Status), n.CreatedAt, n.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("batch node upsert %s failed: %w", n.ID, err)
		}
	}

	for i := range b.EdgeUpserts {
		e := &b.EdgeUpserts[i]
		if err := s.requireEndpoints(tx, e.SourceID, e.TargetID); err != nil {
			return nil, err
		}
		if e.Status == "" {
			e.Status = types.StatusActive
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		propsJSON, err := json.Marshal(e.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal edge properties for %s: %w", e.Key(), err)
		}
		if _, err := tx.Exec(
			`INSERT INTO edges (source_id, relation, target_id, properties, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source_id, relation, target_id) DO UPDATE SET
			   properties = excluded.properties,
			   status = excluded.status`,
			e.SourceID, string(e.Relation), e.TargetID, string(propsJSON), string(e.Status), e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("batch edge upsert %s failed: %w", e.Key(), err)
		}
		if err := s.recordContradictionLocked(tx, e); err != nil {
			return nil, err
		}
	}

	for _, id := range b.InvalidateNodes {
		res, err := tx.Exec(
			`UPDATE nodes SET status = 'invalidated', updated_at = ? WHERE id = ? AND status = 'active'`,
			now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("batch invalidate %s failed: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			logging.StoreDebug("Batch invalidate %s: node missing or already inactive", id)
		}
		if _, err := tx.Exec(
			`UPDATE edges SET status = 'invalidated' WHERE (source_id = ? OR target_id = ?) AND status = 'active'`,
			id, id,
		); err != nil {
			return nil, fmt.Errorf("batch invalidate edges of %s failed: %w", id, err)
		}
	}

	for i := range b.Conflicts {
		c := &b.Conflicts[i]
		incProv, err := json.Marshal(c.IncumbentProv)
		if err != nil {
			return nil, err
		}
		candProv, err := json.Marshal(c.CandidateProv)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO conflicts (id, node_id, property, incumbent, candidate, incumbent_prov, candidate_prov, resolution, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.NodeID, c.Property, c.Incumbent, c.Candidate,
			string(incProv), string(candProv), c.Resolution, c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("batch conflict record %s failed: %w", c.ID, err)
		}
	}

	snap, err := s.snapshotTx(tx)
	if err != nil {
		return nil, fmt.Errorf("snapshot after batch failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("batch commit failed: %w", err)
	}

	// Keep the hot tier coherent with what just committed.
	for i := range b.NodeUpserts {
		s.hot.Replace(&b.NodeUpserts[i])
	}
	for _, id := range b.InvalidateNodes {
		s.hot.Evict(id)
	}

	metrics.GraphWrites.WithLabelValues("create").Add(float64(len(b.NodeUpserts)))
	metrics.GraphWrites.WithLabelValues("invalidate").Add(float64(len(b.InvalidateNodes)))

	logging.Store("Batch committed: %d upserts, %d edges, %d invalidations, %d conflicts, checkpoint=%d",
		len(b.NodeUpserts), len(b.EdgeUpserts), len(b.InvalidateNodes), len(b.Conflicts), snap.Checkpoint)
	return snap, nil
}
