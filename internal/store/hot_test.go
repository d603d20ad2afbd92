package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"lorekeeper/internal/types"
)

func TestHotTierEvictsOverCapacity(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	s, err := NewGraphStore(dbPath, 2, 4)
	if err != nil {
		t.Fatalf("NewGraphStore() error = %v", err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		mustPut(t, s, testNode(fmt.Sprintf("n%d", i), fmt.Sprintf("N%d", i), types.NodeConcept))
	}
	if got := s.hot.Len(); got > 4 {
		t.Errorf("hot tier size = %d, want <= 4", got)
	}

	// Evicted nodes are still durable.
	n, err := s.GetNode("n0")
	if err != nil {
		t.Fatalf("GetNode(n0) error = %v", err)
	}
	if n.Name != "N0" {
		t.Errorf("Name = %q, want N0", n.Name)
	}
}

func TestSetActiveScenePinsRadius(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	s, err := NewGraphStore(dbPath, 1, 3)
	if err != nil {
		t.Fatalf("NewGraphStore() error = %v", err)
	}
	defer s.Close()

	// scene -> ally -> distant: radius 1 covers scene and ally only.
	mustPut(t, s, testNode("scene", "Scene", types.NodeCharacter))
	mustPut(t, s, testNode("ally", "Ally", types.NodeCharacter))
	mustPut(t, s, testNode("distant", "Distant", types.NodeCharacter))
	if err := s.PutEdge(&types.Edge{SourceID: "scene", TargetID: "ally", Relation: types.RelKnows}); err != nil {
		t.Fatalf("PutEdge() error = %v", err)
	}
	if err := s.PutEdge(&types.Edge{SourceID: "ally", TargetID: "distant", Relation: types.RelKnows}); err != nil {
		t.Fatalf("PutEdge() error = %v", err)
	}

	if err := s.SetActiveScene([]string{"scene"}); err != nil {
		t.Fatalf("SetActiveScene() error = %v", err)
	}

	s.hot.mu.Lock()
	_, scenePinned := s.hot.pinned["scene"]
	_, allyPinned := s.hot.pinned["ally"]
	_, distantPinned := s.hot.pinned["distant"]
	s.hot.mu.Unlock()

	if !scenePinned || !allyPinned {
		t.Errorf("pinned: scene=%t ally=%t, want both true", scenePinned, allyPinned)
	}
	if distantPinned {
		t.Error("distant is pinned, want outside radius 1")
	}

	// Churn past capacity: pinned nodes must stay resident.
	for i := 0; i < 10; i++ {
		mustPut(t, s, testNode(fmt.Sprintf("extra%d", i), fmt.Sprintf("E%d", i), types.NodeConcept))
	}
	if _, ok := s.hot.Get("scene"); !ok {
		t.Error("pinned scene node was evicted")
	}
	if _, ok := s.hot.Get("ally"); !ok {
		t.Error("pinned ally node was evicted")
	}
}

func TestProjectReturnsSubgraph(t *testing.T) {
	s := newTestStore(t)

	mustPut(t, s, testNode("hero", "Hero", types.NodeCharacter))
	mustPut(t, s, testNode("home", "Home", types.NodeLocation))
	mustPut(t, s, testNode("faraway", "Faraway", types.NodeLocation))
	if err := s.PutEdge(&types.Edge{SourceID: "hero", TargetID: "home", Relation: types.RelLocatedIn}); err != nil {
		t.Fatalf("PutEdge() error = %v", err)
	}

	proj, err := s.Project([]string{"hero"}, 1)
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if len(proj.Nodes) != 2 {
		t.Errorf("projection nodes = %d, want 2", len(proj.Nodes))
	}
	if len(proj.Edges) != 1 {
		t.Errorf("projection edges = %d, want 1", len(proj.Edges))
	}
}
