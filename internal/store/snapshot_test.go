package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"lorekeeper/internal/types"
)

func TestSnapshotCountsActiveOnly(t *testing.T) {
	s := newTestStore(t)

	mustPut(t, s, testNode("a", "A", types.NodeCharacter))
	mustPut(t, s, testNode("b", "B", types.NodeCharacter))
	if err := s.InvalidateNode("b"); err != nil {
		t.Fatalf("InvalidateNode() error = %v", err)
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.NodeCount != 1 {
		t.Errorf("NodeCount = %d, want 1 (invalidated nodes are not currently true)", snap.NodeCount)
	}
}

func TestDiffDetectsAddRemoveChange(t *testing.T) {
	s := newTestStore(t)

	mara := testNode("mara", "Mara", types.NodeCharacter)
	mara.Properties = map[string]string{"status": "alive"}
	mustPut(t, s, mara)
	mustPut(t, s, testNode("tobias", "Tobias", types.NodeCharacter))

	first, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// Change a property, remove one node from play, add a new one.
	mara.Properties["status"] = "deceased"
	mustPut(t, s, mara)
	if err := s.InvalidateNode("tobias"); err != nil {
		t.Fatalf("InvalidateNode() error = %v", err)
	}
	mustPut(t, s, testNode("warden", "The Warden", types.NodeCharacter))

	second, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	diff, err := s.Diff(first.Checkpoint, second.Checkpoint)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}

	want := &types.SnapshotDiff{
		From:         first.Checkpoint,
		To:           second.Checkpoint,
		NodesAdded:   []string{"mara", "warden"},
		NodesRemoved: []string{"mara", "tobias"},
	}
	// A changed node appears as removed (old fingerprint) plus added (new
	// fingerprint); the diff reports ids.
	if got := cmp.Diff(want, diff); got != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", got)
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"c", "a", "b", "e", "d"} {
		mustPut(t, s, testNode(id, "Node "+id, types.NodeConcept))
	}
	first, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, id := range []string{"z", "x", "y"} {
		mustPut(t, s, testNode(id, "Node "+id, types.NodeConcept))
	}
	second, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	d1, err := s.Diff(first.Checkpoint, second.Checkpoint)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	d2, err := s.Diff(first.Checkpoint, second.Checkpoint)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if got := cmp.Diff(d1, d2); got != "" {
		t.Errorf("Diff not deterministic (-first +second):\n%s", got)
	}
	want := []string{"x", "y", "z"}
	if got := cmp.Diff(want, d1.NodesAdded); got != "" {
		t.Errorf("NodesAdded not sorted (-want +got):\n%s", got)
	}
}

func TestDiffUnknownCheckpoint(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, err := s.Diff(snap.Checkpoint, snap.Checkpoint+99); err == nil {
		t.Fatal("Diff() with unknown checkpoint succeeded, want error")
	}
}
