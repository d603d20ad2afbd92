// Package store implements the hybrid hot/durable knowledge graph.
//
// The durable tier is SQLite (WAL mode, single writer connection). The hot
// tier keeps the active scene plus nodes within a bounded traversal radius
// fully resident, with LRU eviction for everything outside that radius.
// Snapshots are immutable row sets keyed by a monotonically increasing
// checkpoint id and are only taken at consolidation commit points.
package store

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"lorekeeper/internal/logging"
)

// ErrNodeNotFound is returned when a node id or name resolves to nothing.
var ErrNodeNotFound = fmt.Errorf("node not found")

// ErrEndpointMissing is returned when an edge write references a node that
// does not exist. Such writes are rejected, never silently dropped.
var ErrEndpointMissing = fmt.Errorf("edge endpoint does not exist")

// ErrTombstoned is returned when a write targets a tombstoned id.
// Tombstoned ids are never reused.
var ErrTombstoned = fmt.Errorf("node id is tombstoned")

// lockStripes bounds the per-node lock table. Writers to the same node hash
// to the same stripe and serialize; disjoint node sets usually proceed in
// parallel up to the SQLite write lock.
const lockStripes = 64

// GraphStore owns all nodes, edges, snapshots, and conflict records.
type GraphStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	nodeLocks [lockStripes]sync.Mutex

	hot       *hotTier
	vectorExt bool // sqlite-vec available
}

// NewGraphStore opens (or creates) the durable tier at the given path and
// initializes the hot tier with the given radius and capacity.
func NewGraphStore(path string, hotRadius, hotCapacity int) (*GraphStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewGraphStore")
	defer timer.Stop()

	logging.Store("Initializing GraphStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &GraphStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.hot = newHotTier(s, hotRadius, hotCapacity)
	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; similarity recall uses linear scan")
	}

	logging.Store("GraphStore initialization complete (hot radius=%d capacity=%d)", hotRadius, hotCapacity)
	return s, nil
}

// initialize creates the required tables.
func (s *GraphStore) initialize() error {
	nodesTable := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		node_type TEXT NOT NULL,
		properties TEXT,
		embedding TEXT,
		prov_kind TEXT NOT NULL,
		prov_confidence REAL NOT NULL,
		prov_timestamp DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(node_type);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_type_name ON nodes(node_type, name);
	`

	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		source_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		target_id TEXT NOT NULL,
		properties TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_id, relation, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
	CREATE INDEX IF NOT EXISTS idx_edges_relation ON edges(relation);
	`

	snapshotTables := `
	CREATE TABLE IF NOT EXISTS snapshots (
		checkpoint INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		node_count INTEGER NOT NULL,
		edge_count INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS snapshot_nodes (
		checkpoint INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY(checkpoint, node_id)
	);
	CREATE TABLE IF NOT EXISTS snapshot_edges (
		checkpoint INTEGER NOT NULL,
		edge_key TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY(checkpoint, edge_key)
	);
	`

	conflictsTable := `
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		property TEXT NOT NULL,
		incumbent TEXT,
		candidate TEXT,
		incumbent_prov TEXT,
		candidate_prov TEXT,
		resolution TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_node ON conflicts(node_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflicts(resolution);
	`

	for _, table := range []string{nodesTable, edgesTable, snapshotTables, conflictsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *GraphStore) Close() error {
	logging.Store("Closing GraphStore database connection")
	return s.db.Close()
}

// detectVecExtension probes for sqlite-vec virtual table support.
func (s *GraphStore) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// stripeFor maps a node id to its lock stripe.
func stripeFor(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}

// lockNodes acquires the stripes covering the given ids in ascending order
// and returns the unlock function. Sorted acquisition prevents deadlock
// between concurrent batches.
func (s *GraphStore) lockNodes(ids ...string) func() {
	seen := make(map[int]struct{}, len(ids))
	var stripes []int
	for _, id := range ids {
		st := stripeFor(id)
		if _, ok := seen[st]; !ok {
			seen[st] = struct{}{}
			stripes = append(stripes, st)
		}
	}
	sort.Ints(stripes)
	for _, st := range stripes {
		s.nodeLocks[st].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			s.nodeLocks[stripes[i]].Unlock()
		}
	}
}

// GetStats returns row counts per table.
func (s *GraphStore) GetStats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetStats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"nodes", "edges", "snapshots", "conflicts"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	stats["hot_tier"] = int64(s.hot.Len())
	return stats, nil
}

// MaintenanceConfig controls MaintenanceCleanup.
type MaintenanceConfig struct {
	// Drop snapshot row sets older than this many retained checkpoints.
	// Zero keeps everything.
	KeepSnapshots int
	// Delete resolved conflict records older than this many days.
	// Zero keeps everything.
	PurgeResolvedConflictsDays int
	// Reclaim disk space afterwards.
	VacuumDatabase bool
}

// MaintenanceCleanup prunes old snapshot row sets and resolved conflicts.
// The snapshots index itself is never pruned so checkpoint ids stay
// monotonic and auditable.
func (s *GraphStore) MaintenanceCleanup(cfg MaintenanceConfig) (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MaintenanceCleanup")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]int64)

	if cfg.KeepSnapshots > 0 {
		res, err := s.db.Exec(
			`DELETE FROM snapshot_nodes WHERE checkpoint NOT IN
			 (SELECT checkpoint FROM snapshots ORDER BY checkpoint DESC LIMIT ?)`,
			cfg.KeepSnapshots,
		)
		if err != nil {
			return nil, fmt.Errorf("snapshot_nodes prune failed: %w", err)
		}
		n, _ := res.RowsAffected()
		result["snapshot_nodes_pruned"] = n

		res, err = s.db.Exec(
			`DELETE FROM snapshot_edges WHERE checkpoint NOT IN
			 (SELECT checkpoint FROM snapshots ORDER BY checkpoint DESC LIMIT ?)`,
			cfg.KeepSnapshots,
		)
		if err != nil {
			return nil, fmt.Errorf("snapshot_edges prune failed: %w", err)
		}
		n, _ = res.RowsAffected()
		result["snapshot_edges_pruned"] = n
	}

	if cfg.PurgeResolvedConflictsDays > 0 {
		res, err := s.db.Exec(
			`DELETE FROM conflicts
			 WHERE resolution != 'manual_pending'
			 AND created_at < datetime('now', ?)`,
			fmt.Sprintf("-%d days", cfg.PurgeResolvedConflictsDays),
		)
		if err != nil {
			return nil, fmt.Errorf("conflicts purge failed: %w", err)
		}
		n, _ := res.RowsAffected()
		result["conflicts_purged"] = n
	}

	if cfg.VacuumDatabase {
		if _, err := s.db.Exec("VACUUM"); err != nil {
			logging.Get(logging.CategoryStore).Warn("VACUUM failed: %v", err)
		}
	}

	logging.Store("Maintenance cleanup complete: %v", result)
	return result, nil
}
