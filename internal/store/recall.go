package store

import (
	"math"
	"sort"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
)

// =============================================================================
// EMBEDDING RECALL
// =============================================================================

// ScoredNode pairs a node with its similarity to a query embedding.
type ScoredNode struct {
	Node  types.Node
	Score float64
}

// SimilarByEmbedding returns active nodes of the given type whose embedding
// similarity to the query meets the threshold, best first. Linear scan over
// the durable tier; the sqlite-vec ANN path (when the extension is compiled
// in) only matters for graphs far larger than a single project produces.
func (s *GraphStore) SimilarByEmbedding(query []float64, t types.NodeType, limit int, threshold float64) ([]ScoredNode, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SimilarByEmbedding")
	defer timer.Stop()

	if len(query) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	nodes, err := s.QueryByType(t)
	if err != nil {
		return nil, err
	}

	var scored []ScoredNode
	for _, n := range nodes {
		if n.Status != types.StatusActive || len(n.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(query, n.Embedding)
		if score >= threshold {
			scored = append(scored, ScoredNode{Node: n, Score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	logging.StoreDebug("Similarity recall: %d candidates above %.2f (type=%s)", len(scored), threshold, t)
	return scored, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
