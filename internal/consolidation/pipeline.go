// Package consolidation implements the extract/recall/resolve/load pipeline
// that turns session events into durable graph facts. It is the only writer
// of the graph store.
package consolidation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lorekeeper/internal/config"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/session"
	"lorekeeper/internal/store"
	"lorekeeper/internal/types"
	"lorekeeper/pkg/metrics"
)

// Embedder produces an embedding for a piece of text. Optional: when nil,
// recall falls back to exact name matching only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Pipeline runs consolidation batches against one graph store.
type Pipeline struct {
	store    *store.GraphStore
	sessions *session.Manager
	oracle   types.Oracle
	embedder Embedder
	cfg      config.ConsolidationConfig
}

// NewPipeline wires a pipeline. oracle and embedder may be nil.
func NewPipeline(gs *store.GraphStore, sm *session.Manager, oracle types.Oracle, embedder Embedder, cfg config.ConsolidationConfig) *Pipeline {
	return &Pipeline{
		store:    gs,
		sessions: sm,
		oracle:   oracle,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Consolidate runs one batch for a session: extract candidates from
// uncommitted events, resolve them against the graph, commit atomically,
// then mark the events committed. Re-running after a successful commit is a
// no-op because the event set it would read is empty.
func (p *Pipeline) Consolidate(ctx context.Context, sessionID string) (*types.ConsolidationReport, error) {
	timer := logging.StartTimer(logging.CategoryConsolidation, "Consolidate")
	defer timer.Stop()

	report := &types.ConsolidationReport{SessionID: sessionID}

	events, err := p.sessions.UncommittedEvents(sessionID)
	if err != nil {
		return nil, fmt.Errorf("consolidate %s: %w", sessionID, err)
	}
	if len(events) == 0 {
		logging.ConsolidationDebug("Session %s has no uncommitted events, nothing to do", sessionID)
		metrics.ConsolidationBatches.WithLabelValues("empty").Inc()
		return report, nil
	}

	candidates := Extract(events)
	logging.Consolidation("Session %s: %d uncommitted events yielded %d candidates", sessionID, len(events), len(candidates))

	batch := &store.Batch{}
	// Nodes staged in this batch, keyed by (type, name), so two candidates
	// about the same new entity share one upsert.
	staged := map[string]*types.Node{}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.resolve(ctx, cand, batch, staged, report); err != nil {
			return nil, fmt.Errorf("resolve candidate %q: %w", cand.Subject, err)
		}
	}

	lastSeq := events[len(events)-1].Seq

	if batch.Empty() {
		if err := p.sessions.MarkCommitted(sessionID, lastSeq); err != nil {
			return nil, err
		}
		metrics.ConsolidationBatches.WithLabelValues("empty").Inc()
		return report, nil
	}

	snap, err := p.store.ApplyBatch(batch)
	if err != nil {
		metrics.ConsolidationBatches.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("commit batch for %s: %w", sessionID, err)
	}
	report.Checkpoint = snap.Checkpoint

	if err := p.sessions.MarkCommitted(sessionID, lastSeq); err != nil {
		// The graph commit stands; the events will be re-read and resolve to
		// zero new operations next run.
		logging.Get(logging.CategoryConsolidation).Warn("Batch committed but MarkCommitted failed for %s: %v", sessionID, err)
	}

	metrics.ConsolidationBatches.WithLabelValues("succeeded").Inc()
	logging.Consolidation("Session %s consolidated: accepted=%d rejected=%d conflicts=%d checkpoint=%d",
		sessionID, len(report.Accepted), len(report.Rejected), len(report.Conflicts), snap.Checkpoint)
	return report, nil
}

// resolve runs recall and conflict checking for one candidate and stages the
// resulting operations on the batch.
func (p *Pipeline) resolve(ctx context.Context, cand types.CandidateFact, batch *store.Batch, staged map[string]*types.Node, report *types.ConsolidationReport) error {
	subject, err := p.recall(ctx, cand.Subject, cand.SubjectType, batch, staged)
	if err != nil {
		return err
	}

	switch cand.Topic {
	case types.TopicCharacterAttribute, types.TopicStatusChange:
		p.resolveProperty(ctx, cand, subject, batch, report)
	case types.TopicRelationship, types.TopicLocation:
		object, err := p.recall(ctx, cand.Object, objectTypeFor(cand), batch, staged)
		if err != nil {
			return err
		}
		if err := p.stageEdge(cand, subject, object, batch, report); err != nil {
			return err
		}
	default:
		report.Rejected = append(report.Rejected, cand)
	}
	return nil
}

// recall finds the node for a name, checking batch-staged nodes first, then
// exact match, then embedding proximity. A miss stages a CREATE.
func (p *Pipeline) recall(ctx context.Context, name string, t types.NodeType, batch *store.Batch, staged map[string]*types.Node) (*types.Node, error) {
	key := string(t) + "|" + name
	if n, ok := staged[key]; ok {
		return n, nil
	}

	n, err := p.store.GetNodeByName(name)
	if err == nil {
		staged[key] = n
		return n, nil
	}
	if err != store.ErrNodeNotFound {
		return nil, err
	}

	var embedding []float64
	if p.embedder != nil {
		vec, embErr := p.embedder.Embed(ctx, name)
		if embErr != nil {
			logging.ConsolidationDebug("Embedding failed for %q, falling back to exact match: %v", name, embErr)
		} else {
			scored, simErr := p.store.SimilarByEmbedding(vec, t, 1, p.cfg.SimilarityThreshold)
			if simErr != nil {
				return nil, simErr
			}
			if len(scored) > 0 {
				node := scored[0].Node
				logging.ConsolidationDebug("Recall matched %q to existing node %s (score %.3f)", name, node.ID, scored[0].Score)
				staged[key] = &node
				return &node, nil
			}
			// keep the vector so the new node is recallable next time
			embedding = vec
		}
	}

	node := &types.Node{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      t,
		Embedding: embedding,
		Status:    types.StatusActive,
	}
	staged[key] = node
	batch.NodeUpserts = append(batch.NodeUpserts, *node)
	metrics.GraphWrites.WithLabelValues("create").Inc()
	return node, nil
}

// resolveProperty applies a property-valued candidate against the subject
// node, arbitrating by provenance when the incumbent value disagrees.
func (p *Pipeline) resolveProperty(ctx context.Context, cand types.CandidateFact, subject *types.Node, batch *store.Batch, report *types.ConsolidationReport) {
	incumbent, hasIncumbent := subject.Properties[cand.Property]

	if !hasIncumbent || incumbent == cand.Value {
		if incumbent == cand.Value {
			// Already true. Idempotent re-runs land here.
			report.Accepted = append(report.Accepted, cand)
			return
		}
		p.stageProperty(cand, subject, batch)
		report.Accepted = append(report.Accepted, cand)
		return
	}

	// Conflict. Direct user corrections bypass scoring entirely.
	rec := types.ConflictRecord{
		ID:            uuid.NewString(),
		NodeID:        subject.ID,
		Property:      cand.Property,
		Incumbent:     incumbent,
		Candidate:     cand.Value,
		IncumbentProv: subject.Provenance,
		CandidateProv: cand.Provenance,
		CreatedAt:     time.Now().UTC(),
	}

	switch p.arbitrate(ctx, cand, subject, &rec) {
	case candidateWins:
		p.stageProperty(cand, subject, batch)
		report.Accepted = append(report.Accepted, cand)
	case incumbentWins:
		report.Rejected = append(report.Rejected, cand)
	case manualReview:
		report.Rejected = append(report.Rejected, cand)
	}
	batch.Conflicts = append(batch.Conflicts, rec)
	report.Conflicts = append(report.Conflicts, rec)
}

type verdict int

const (
	candidateWins verdict = iota
	incumbentWins
	manualReview
)

// arbitrate decides a property conflict by the provenance total order: kind
// rank first, confidence second (auto-resolving only past the configured
// margin), timestamp as tiebreaker. Only an exact tie reaches the oracle,
// and the manual queue after it.
func (p *Pipeline) arbitrate(ctx context.Context, cand types.CandidateFact, subject *types.Node, rec *types.ConflictRecord) verdict {
	if cand.Provenance.Kind == types.ProvUserCorrection {
		rec.Resolution = "auto_candidate"
		return candidateWins
	}

	candRank := cand.Provenance.Kind.Rank()
	incRank := subject.Provenance.Kind.Rank()
	if candRank != incRank {
		if candRank > incRank {
			rec.Resolution = "auto_candidate"
			return candidateWins
		}
		rec.Resolution = "auto_incumbent"
		return incumbentWins
	}

	diff := cand.Provenance.Confidence - subject.Provenance.Confidence
	if diff >= p.cfg.ConfidenceMargin {
		rec.Resolution = "auto_candidate"
		return candidateWins
	}
	if diff <= -p.cfg.ConfidenceMargin {
		rec.Resolution = "auto_incumbent"
		return incumbentWins
	}

	// Within the margin the confidence difference is noise; the timestamp
	// decides. Newer wins, matching types.Provenance.Compare.
	candTS := cand.Provenance.Timestamp
	incTS := subject.Provenance.Timestamp
	if candTS.After(incTS) {
		rec.Resolution = "auto_candidate"
		return candidateWins
	}
	if candTS.Before(incTS) {
		rec.Resolution = "auto_incumbent"
		return incumbentWins
	}

	if p.oracle != nil {
		question := fmt.Sprintf("For %s %q, is %s %q or %q?",
			subject.Type, subject.Name, cand.Property, rec.Incumbent, cand.Value)
		answer, citations, err := p.oracle.Verify(ctx, question)
		if err != nil {
			logging.Get(logging.CategoryConsolidation).Warn("Oracle consult failed for node %s: %v", subject.ID, err)
		} else if pick := matchAnswer(answer, rec.Incumbent, cand.Value); pick != "" {
			logging.Consolidation("Oracle resolved conflict on %s.%s: %q (%d citations)",
				subject.Name, cand.Property, pick, len(citations))
			if pick == cand.Value {
				rec.Resolution = "auto_candidate"
				rec.CandidateProv = types.Provenance{
					Kind:       types.ProvOracle,
					Confidence: 1.0,
					Timestamp:  time.Now().UTC(),
				}
				return candidateWins
			}
			rec.Resolution = "auto_incumbent"
			return incumbentWins
		}
	}

	rec.Resolution = "manual_pending"
	return manualReview
}

// matchAnswer picks whichever value the oracle's answer mentions, or ""
// when the answer names neither or both.
func matchAnswer(answer, incumbent, candidate string) string {
	hasInc := containsFold(answer, incumbent)
	hasCand := containsFold(answer, candidate)
	switch {
	case hasCand && !hasInc:
		return candidate
	case hasInc && !hasCand:
		return incumbent
	}
	return ""
}

// stageProperty stages an UPDATE carrying the candidate's value and
// provenance onto the batch.
func (p *Pipeline) stageProperty(cand types.CandidateFact, subject *types.Node, batch *store.Batch) {
	if subject.Properties == nil {
		subject.Properties = map[string]string{}
	}
	subject.Properties[cand.Property] = cand.Value
	subject.Provenance = cand.Provenance
	upsertStaged(batch, subject)
	metrics.GraphWrites.WithLabelValues("update").Inc()
}

// stageEdge stages a relationship edge between two recalled nodes. An edge
// already active in the graph, or already staged in this batch, is accepted
// without a new upsert so replays after a MarkCommitted failure stay no-ops.
func (p *Pipeline) stageEdge(cand types.CandidateFact, subject, object *types.Node, batch *store.Batch, report *types.ConsolidationReport) error {
	for i := range batch.EdgeUpserts {
		e := &batch.EdgeUpserts[i]
		if e.SourceID == subject.ID && e.TargetID == object.ID && e.Relation == cand.Relation {
			report.Accepted = append(report.Accepted, cand)
			return nil
		}
	}

	existing, err := p.store.GetEdges(subject.ID, cand.Relation)
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].SourceID == subject.ID && existing[i].TargetID == object.ID {
			// Already true. Idempotent re-runs land here.
			report.Accepted = append(report.Accepted, cand)
			return nil
		}
	}

	edge := types.Edge{
		SourceID: subject.ID,
		TargetID: object.ID,
		Relation: cand.Relation,
		Status:   types.StatusActive,
	}
	batch.EdgeUpserts = append(batch.EdgeUpserts, edge)
	report.Accepted = append(report.Accepted, cand)
	metrics.GraphWrites.WithLabelValues("update").Inc()
	return nil
}

// upsertStaged replaces an existing staged copy of the node or appends it.
func upsertStaged(batch *store.Batch, n *types.Node) {
	for i := range batch.NodeUpserts {
		if batch.NodeUpserts[i].ID == n.ID {
			batch.NodeUpserts[i] = *n
			return
		}
	}
	batch.NodeUpserts = append(batch.NodeUpserts, *n)
}

func objectTypeFor(cand types.CandidateFact) types.NodeType {
	if cand.Topic == types.TopicLocation {
		return types.NodeLocation
	}
	return types.NodeCharacter
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
