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
// NODE OPERATIONS
// =============================================================================

// PutNode inserts or updates a node. Writes to the same id serialize on the
// node's lock stripe; the call does not return until a subsequent GetNode
// would observe the write.
func (s *GraphStore) PutNode(n *types.Node) error {
	timer := logging.StartTimer(logging.CategoryStore, "PutNode")
	defer timer.Stop()

	if n.ID == "" || n.Name == "" || n.Type == "" {
		return fmt.Errorf("invalid node: id, name, and type must be non-empty")
	}
	if n.Provenance.Confidence < 0 || n.Provenance.Confidence > 1 {
		return fmt.Errorf("invalid node %s: confidence %f outside [0,1]", n.ID, n.Provenance.Confidence)
	}

	unlock := s.lockNodes(n.ID)
	defer unlock()

	existing, err := s.getNodeDurable(n.ID)
	if err != nil && err != ErrNodeNotFound {
		return err
	}
	if existing != nil && existing.Status == types.StatusTombstoned {
		return fmt.Errorf("put node %s: %w", n.ID, ErrTombstoned)
	}

	if n.Status == "" {
		n.Status = types.StatusActive
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	propsJSON, err := json.Marshal(n.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal node properties: %w", err)
	}
	embJSON, err := json.Marshal(n.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal node embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Putting node id=%s type=%s name=%q", n.ID, n.Type, n.Name)

	_, err = s.db.Exec(
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
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to put node %s: %v", n.ID, err)
		return err
	}

	s.hot.Replace(n)
	return nil
}

// GetNode returns the node with the given id, consulting the hot tier first.
func (s *GraphStore) GetNode(id string) (*types.Node, error) {
	if n, ok := s.hot.Get(id); ok {
		return n, nil
	}
	return s.hot.Load(id)
}

// getNodeDurable reads a node directly from the durable tier.
func (s *GraphStore) getNodeDurable(id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanNode(s.db.QueryRow(
		`SELECT id, name, node_type, properties, embedding, prov_kind, prov_confidence, prov_timestamp, status, created_at, updated_at
		 FROM nodes WHERE id = ?`, id))
}

// GetNodeByName resolves a node by (any type, exact name). Names are the
// identity the extractor recalls by.
func (s *GraphStore) GetNodeByName(name string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanNode(s.db.QueryRow(
		`SELECT id, name, node_type, properties, embedding, prov_kind, prov_confidence, prov_timestamp, status, created_at, updated_at
		 FROM nodes WHERE name = ? AND status != 'tombstoned' ORDER BY updated_at DESC LIMIT 1`, name))
}

// QueryByType returns all non-tombstoned nodes of the given type.
func (s *GraphStore) QueryByType(t types.NodeType) ([]types.Node, error) {
	timer := logging.StartTimer(logging.CategoryStore, "QueryByType")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, node_type, properties, embedding, prov_kind, prov_confidence, prov_timestamp, status, created_at, updated_at
		 FROM nodes WHERE node_type = ? AND status != 'tombstoned' ORDER BY id`, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []types.Node
	for rows.Next() {
		n, err := s.scanNodeRows(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Node row scan failed: %v", err)
			continue
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// InvalidateNode soft-deletes a node: it stays for audit but is no longer
// currently-true. Used when a conflict resolution picks the other side.
func (s *GraphStore) InvalidateNode(id string) error {
	return s.setNodeStatus(id, types.StatusInvalidated)
}

// TombstoneNode removes a node from play permanently. The id is never
// reused; future writes to it are rejected.
func (s *GraphStore) TombstoneNode(id string) error {
	return s.setNodeStatus(id, types.StatusTombstoned)
}

func (s *GraphStore) setNodeStatus(id string, status types.NodeStatus) error {
	unlock := s.lockNodes(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("set status on %s: %w", id, ErrNodeNotFound)
	}

	// Edges attached to a dead node follow its status so reads stay coherent.
	if status != types.StatusActive {
		if _, err := s.db.Exec(
			`UPDATE edges SET status = ? WHERE (source_id = ? OR target_id = ?) AND status = 'active'`,
			string(status), id, id,
		); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to cascade status to edges of %s: %v", id, err)
		}
	}

	s.hot.Evict(id)
	logging.StoreDebug("Node %s status set to %s", id, status)
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *GraphStore) scanNode(row rowScanner) (*types.Node, error) {
	var n types.Node
	var propsJSON, embJSON sql.NullString
	var provKind, status, nodeType string
	err := row.Scan(&n.ID, &n.Name, &nodeType, &propsJSON, &embJSON,
		&provKind, &n.Provenance.Confidence, &n.Provenance.Timestamp,
		&status, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Type = types.NodeType(nodeType)
	n.Provenance.Kind = types.ProvenanceKind(provKind)
	n.Status = types.NodeStatus(status)
	if propsJSON.Valid && propsJSON.String != "" {
		if err := json.Unmarshal([]byte(propsJSON.String), &n.Properties); err != nil {
			logging.Get(logging.CategoryStore).Warn("Node %s properties unmarshal failed: %v", n.ID, err)
		}
	}
	if embJSON.Valid && embJSON.String != "" && embJSON.String != "null" {
		if err := json.Unmarshal([]byte(embJSON.String), &n.Embedding); err != nil {
			logging.Get(logging.CategoryStore).Warn("Node %s embedding unmarshal failed: %v", n.ID, err)
		}
	}
	return &n, nil
}

func (s *GraphStore) scanNodeRows(rows *sql.Rows) (*types.Node, error) {
	return s.scanNode(rows)
}

// nodeFingerprint hashes the currently-true content of a node row for
// snapshot diffing.
func nodeFingerprint(n *types.Node) string {
	propsJSON, _ := json.Marshal(n.Properties)
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%.4f",
		n.ID, n.Name, n.Type, string(propsJSON), n.Status, n.Provenance.Confidence)))
	return hex.EncodeToString(h[:8])
}
