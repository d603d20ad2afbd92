package store

import (
	"math"
	"testing"

	"lorekeeper/internal/types"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float64{1, 0, 0}
	if got := CosineSimilarity(a, a); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("CosineSimilarity(a, a) = %f, want 1.0", got)
	}
	b := []float64{0, 1, 0}
	if got := CosineSimilarity(a, b); math.Abs(got) > 1e-9 {
		t.Errorf("CosineSimilarity(orthogonal) = %f, want 0", got)
	}
	if got := CosineSimilarity(a, []float64{1, 0}); got != 0 {
		t.Errorf("CosineSimilarity(mismatched dims) = %f, want 0", got)
	}
}

func TestSimilarByEmbedding(t *testing.T) {
	s := newTestStore(t)

	near := testNode("near", "Near", types.NodeCharacter)
	near.Embedding = []float64{0.9, 0.1, 0}
	far := testNode("far", "Far", types.NodeCharacter)
	far.Embedding = []float64{0, 0, 1}
	plain := testNode("plain", "Plain", types.NodeCharacter)
	mustPut(t, s, near)
	mustPut(t, s, far)
	mustPut(t, s, plain)

	scored, err := s.SimilarByEmbedding([]float64{1, 0, 0}, types.NodeCharacter, 5, 0.8)
	if err != nil {
		t.Fatalf("SimilarByEmbedding() error = %v", err)
	}
	if len(scored) != 1 {
		t.Fatalf("results = %d, want 1 above threshold", len(scored))
	}
	if scored[0].Node.ID != "near" {
		t.Errorf("top match = %s, want near", scored[0].Node.ID)
	}
	if scored[0].Score < 0.8 {
		t.Errorf("score = %f, want >= threshold", scored[0].Score)
	}
}
