package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lorekeeper/internal/types"
)

func TestApplyBatchCommitsAndSnapshots(t *testing.T) {
	s := newTestStore(t)

	batch := &Batch{
		NodeUpserts: []types.Node{
			*testNode("mara", "Mara", types.NodeCharacter),
			*testNode("spire", "Hollow Spire", types.NodeLocation),
		},
		EdgeUpserts: []types.Edge{
			{SourceID: "mara", TargetID: "spire", Relation: types.RelLocatedIn},
		},
	}
	snap, err := s.ApplyBatch(batch)
	if err != nil {
		t.Fatalf("ApplyBatch() error = %v", err)
	}
	if snap.Checkpoint == 0 {
		t.Error("Checkpoint = 0, want a committed snapshot")
	}
	if snap.NodeCount != 2 || snap.EdgeCount != 1 {
		t.Errorf("snapshot counts = %d nodes %d edges, want 2 and 1", snap.NodeCount, snap.EdgeCount)
	}

	edges, err := s.GetEdges("mara", types.RelLocatedIn)
	if err != nil {
		t.Fatalf("GetEdges() error = %v", err)
	}
	if len(edges) != 1 || edges[0].TargetID != "spire" {
		t.Fatalf("edges = %+v, want one LOCATED_IN to spire", edges)
	}
}

func TestApplyBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)

	// The second operation references a missing endpoint, so nothing from
	// the batch may land.
	batch := &Batch{
		NodeUpserts: []types.Node{*testNode("a", "A", types.NodeCharacter)},
		EdgeUpserts: []types.Edge{
			{SourceID: "a", TargetID: "missing", Relation: types.RelKnows},
		},
	}
	_, err := s.ApplyBatch(batch)
	if !errors.Is(err, ErrEndpointMissing) {
		t.Fatalf("ApplyBatch() error = %v, want ErrEndpointMissing", err)
	}

	if _, err := s.GetNode("a"); err != ErrNodeNotFound {
		t.Fatalf("GetNode(a) after failed batch error = %v, want ErrNodeNotFound (rollback)", err)
	}
	snaps, err := s.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshots after failed batch = %d, want 0", len(snaps))
	}
}

func TestApplyBatchInvalidatesLosers(t *testing.T) {
	s := newTestStore(t)
	mustPut(t, s, testNode("old-claim", "Old Claim", types.NodePlotPoint))

	batch := &Batch{
		NodeUpserts:     []types.Node{*testNode("new-claim", "New Claim", types.NodePlotPoint)},
		InvalidateNodes: []string{"old-claim"},
		Conflicts: []types.ConflictRecord{{
			ID:         "c1",
			NodeID:     "old-claim",
			Property:   "truth",
			Incumbent:  "old",
			Candidate:  "new",
			Resolution: "auto_candidate",
			CreatedAt:  time.Now().UTC(),
		}},
	}
	if _, err := s.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch() error = %v", err)
	}

	loser, err := s.GetNode("old-claim")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if loser.Status != types.StatusInvalidated {
		t.Errorf("loser status = %q, want invalidated", loser.Status)
	}
}

func TestApplyBatchContradictsEdgeFilesConflictRecord(t *testing.T) {
	s := newTestStore(t)

	batch := &Batch{
		NodeUpserts: []types.Node{
			*testNode("claim1", "The King Lives", types.NodePlotPoint),
			*testNode("claim2", "The King Is Dead", types.NodePlotPoint),
		},
		EdgeUpserts: []types.Edge{
			{SourceID: "claim1", TargetID: "claim2", Relation: types.RelContradicts},
		},
	}
	if _, err := s.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch() error = %v", err)
	}

	pending, err := s.PendingConflicts()
	if err != nil {
		t.Fatalf("PendingConflicts() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending conflicts = %d, want 1", len(pending))
	}
	if pending[0].Property != "contradiction" {
		t.Errorf("Property = %q, want %q", pending[0].Property, "contradiction")
	}
}

func TestApplyBatchConcurrentDisjoint(t *testing.T) {
	s := newTestStore(t)

	const batches = 8
	var wg sync.WaitGroup
	errs := make([]error, batches)
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("node-%d", i)
			b := &Batch{NodeUpserts: []types.Node{*testNode(id, "Node "+id, types.NodeConcept)}}
			_, errs[i] = s.ApplyBatch(b)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("batch %d error = %v", i, err)
		}
	}
	nodes, err := s.QueryByType(types.NodeConcept)
	if err != nil {
		t.Fatalf("QueryByType() error = %v", err)
	}
	if len(nodes) != batches {
		t.Errorf("nodes = %d, want %d (no batch may observe a partial peer)", len(nodes), batches)
	}
	snaps, err := s.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(snaps) != batches {
		t.Errorf("snapshots = %d, want %d (one checkpoint per commit)", len(snaps), batches)
	}
}
