package store

import (
	"container/list"
	"sync"

	"golang.org/x/sync/singleflight"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
	"lorekeeper/pkg/metrics"
)

// =============================================================================
// HOT TIER
// =============================================================================

// hotTier keeps the active scene plus nodes within the traversal radius
// fully resident. Everything else is LRU-evicted once capacity is hit.
// Misses fall through to the durable tier; singleflight collapses
// concurrent loads of the same id.
type hotTier struct {
	mu       sync.Mutex
	store    *GraphStore
	radius   int
	capacity int

	entries map[string]*list.Element
	lru     *list.List // front = most recently touched

	// pinned nodes (active scene + radius) are never evicted.
	pinned map[string]struct{}

	loads singleflight.Group
}

type hotEntry struct {
	id   string
	node *types.Node
}

func newHotTier(store *GraphStore, radius, capacity int) *hotTier {
	if radius <= 0 {
		radius = 10
	}
	if capacity <= 0 {
		capacity = 2048
	}
	return &hotTier{
		store:    store,
		radius:   radius,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		pinned:   make(map[string]struct{}),
	}
}

// Get returns a resident node and marks it recently touched.
func (h *hotTier) Get(id string) (*types.Node, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	el, ok := h.entries[id]
	if !ok {
		metrics.HotTierLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	h.lru.MoveToFront(el)
	metrics.HotTierLookups.WithLabelValues("hit").Inc()
	n := el.Value.(*hotEntry).node
	cp := *n
	return &cp, true
}

// Load pulls a node from the durable tier into the hot tier.
// Concurrent loads for the same id are collapsed.
func (h *hotTier) Load(id string) (*types.Node, error) {
	v, err, _ := h.loads.Do(id, func() (interface{}, error) {
		n, err := h.store.getNodeDurable(id)
		if err != nil {
			return nil, err
		}
		h.Replace(n)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	n := v.(*types.Node)
	cp := *n
	return &cp, nil
}

// Replace installs (or refreshes) a node in the hot tier, evicting the
// least-recently-touched unpinned entry when over capacity.
func (h *hotTier) Replace(n *types.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cp := *n
	if el, ok := h.entries[n.ID]; ok {
		el.Value.(*hotEntry).node = &cp
		h.lru.MoveToFront(el)
		return
	}

	el := h.lru.PushFront(&hotEntry{id: n.ID, node: &cp})
	h.entries[n.ID] = el
	h.evictOverCapacityLocked()
	metrics.HotTierNodes.Set(float64(len(h.entries)))
}

func (h *hotTier) evictOverCapacityLocked() {
	for len(h.entries) > h.capacity {
		el := h.lru.Back()
		if el == nil {
			return
		}
		entry := el.Value.(*hotEntry)
		if _, isPinned := h.pinned[entry.id]; isPinned {
			// Pinned tail: move it up and try the next candidate. If
			// everything is pinned we stop rather than spin.
			h.lru.MoveToFront(el)
			if h.allPinnedLocked() {
				return
			}
			continue
		}
		h.lru.Remove(el)
		delete(h.entries, entry.id)
		logging.StoreDebug("Hot tier evicted node %s", entry.id)
	}
}

func (h *hotTier) allPinnedLocked() bool {
	return len(h.pinned) >= len(h.entries)
}

// Evict drops a node from the hot tier (after invalidation or tombstoning).
func (h *hotTier) Evict(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if el, ok := h.entries[id]; ok {
		h.lru.Remove(el)
		delete(h.entries, id)
		metrics.HotTierNodes.Set(float64(len(h.entries)))
	}
	delete(h.pinned, id)
}

// Len returns the resident node count.
func (h *hotTier) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// =============================================================================
// ACTIVE SCENE
// =============================================================================

// SetActiveScene pins the given scene nodes plus everything within the hot
// radius, loading them resident. Previously pinned nodes become ordinary
// LRU entries.
func (s *GraphStore) SetActiveScene(sceneNodeIDs []string) error {
	timer := logging.StartTimer(logging.CategoryStore, "SetActiveScene")
	defer timer.Stop()

	ids, err := s.radiusIDs(sceneNodeIDs, s.hot.radius)
	if err != nil {
		return err
	}

	s.hot.mu.Lock()
	s.hot.pinned = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.hot.pinned[id] = struct{}{}
	}
	s.hot.mu.Unlock()

	loaded := 0
	for _, id := range ids {
		if _, ok := s.hot.Get(id); ok {
			continue
		}
		if _, err := s.hot.Load(id); err == nil {
			loaded++
		}
	}

	logging.Store("Active scene set: %d seed nodes, %d resident (loaded %d)", len(sceneNodeIDs), len(ids), loaded)
	return nil
}

// radiusIDs collects node ids reachable from the seeds within the given
// number of hops, following active edges in either direction.
func (s *GraphStore) radiusIDs(seeds []string, radius int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type queueItem struct {
		id    string
		depth int
	}

	visited := make(map[string]struct{}, len(seeds))
	var queue []queueItem
	for _, id := range seeds {
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		queue = append(queue, queueItem{id: id})
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= radius {
			continue
		}

		edges, err := s.getEdgesLocked(current.id, "")
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			for _, next := range []string{e.SourceID, e.TargetID} {
				if _, ok := visited[next]; !ok {
					visited[next] = struct{}{}
					queue = append(queue, queueItem{id: next, depth: current.depth + 1})
				}
			}
		}
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	return ids, nil
}

// Projection is the read-only subgraph handed to external collaborators
// (the drafting pipeline's scaffold request).
type Projection struct {
	Nodes []types.Node `json:"nodes"`
	Edges []types.Edge `json:"edges"`
}

// Project returns the nodes and active edges within radius hops of the
// targets. The result is a copy; mutating it does not touch the store.
func (s *GraphStore) Project(targetIDs []string, radius int) (*Projection, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Project")
	defer timer.Stop()

	if radius <= 0 {
		radius = s.hot.radius
	}
	ids, err := s.radiusIDs(targetIDs, radius)
	if err != nil {
		return nil, err
	}

	proj := &Projection{}
	seenEdges := make(map[string]struct{})
	for _, id := range ids {
		n, err := s.getNodeDurable(id)
		if err != nil {
			if err == ErrNodeNotFound {
				continue
			}
			return nil, err
		}
		proj.Nodes = append(proj.Nodes, *n)

		edges, err := s.GetEdges(id, "")
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if _, ok := seenEdges[e.Key()]; ok {
				continue
			}
			seenEdges[e.Key()] = struct{}{}
			proj.Edges = append(proj.Edges, e)
		}
	}
	return proj, nil
}
