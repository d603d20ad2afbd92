// Package types provides shared type definitions used across lorekeeper packages.
// This package exists to break import cycles between store, session, consolidation,
// and verification. Types here should be foundational data structures with no
// complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// GRAPH TYPES
// =============================================================================

// NodeType classifies a graph node.
type NodeType string

const (
	NodeCharacter    NodeType = "character"
	NodeLocation     NodeType = "location"
	NodeTheme        NodeType = "theme"
	NodePlotPoint    NodeType = "plot_point"
	NodeEvent        NodeType = "event"
	NodeObject       NodeType = "object"
	NodeOrganization NodeType = "organization"
	NodeConcept      NodeType = "concept"
)

// Relation classifies a directed edge between two nodes.
type Relation string

const (
	RelKnows       Relation = "KNOWS"
	RelLocatedIn   Relation = "LOCATED_IN"
	RelMentions    Relation = "MENTIONS"
	RelDependsOn   Relation = "DEPENDS_ON"
	RelAdvances    Relation = "ADVANCES"
	RelResolves    Relation = "RESOLVES"
	RelChallenges  Relation = "CHALLENGES"
	RelHasStatus   Relation = "HAS_STATUS"
	RelContradicts Relation = "CONTRADICTS"
)

// NodeStatus tracks the lifecycle of a node.
// Tombstoned ids are never reused; invalidated nodes remain for audit.
type NodeStatus string

const (
	StatusActive      NodeStatus = "active"
	StatusInvalidated NodeStatus = "invalidated"
	StatusTombstoned  NodeStatus = "tombstoned"
)

// ProvenanceKind records where a fact came from. The ordering used for
// conflict arbitration is defined by Rank, not declaration order.
type ProvenanceKind string

const (
	ProvUserCorrection ProvenanceKind = "user_correction" // explicit user edit, always wins
	ProvOracle         ProvenanceKind = "oracle"          // research-oracle answer with citations
	ProvBootstrapped   ProvenanceKind = "bootstrapped"    // seeded from initial research
	ProvUserAuthored   ProvenanceKind = "user_authored"   // written by the user in a draft
	ProvExtracted      ProvenanceKind = "extracted"       // consolidation pipeline extraction
	ProvToolOutput     ProvenanceKind = "tool_output"     // background analysis output
)

// Rank returns the trust rank of a provenance kind. Higher wins.
func (k ProvenanceKind) Rank() int {
	switch k {
	case ProvUserCorrection:
		return 5
	case ProvOracle:
		return 4
	case ProvBootstrapped:
		return 3
	case ProvUserAuthored:
		return 2
	case ProvExtracted:
		return 1
	case ProvToolOutput:
		return 0
	default:
		return -1
	}
}

// Provenance records origin, freshness, and confidence of a fact.
type Provenance struct {
	Kind       ProvenanceKind `json:"kind"`
	Confidence float64        `json:"confidence"` // 0.0-1.0
	Timestamp  time.Time      `json:"timestamp"`
}

// Compare returns a total order over provenances: kind rank first,
// confidence second, timestamp as tiebreaker (newer wins).
// Returns >0 if p outranks other, <0 if other outranks p, 0 on exact tie.
func (p Provenance) Compare(other Provenance) int {
	if r := p.Kind.Rank() - other.Kind.Rank(); r != 0 {
		return r
	}
	switch {
	case p.Confidence > other.Confidence:
		return 1
	case p.Confidence < other.Confidence:
		return -1
	}
	switch {
	case p.Timestamp.After(other.Timestamp):
		return 1
	case p.Timestamp.Before(other.Timestamp):
		return -1
	}
	return 0
}

// Node is a typed fact anchor in the knowledge graph.
// Name is the canonical display identity used for exact-match recall;
// uniqueness is per (type, name).
type Node struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       NodeType          `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
	Embedding  []float64         `json:"embedding,omitempty"`
	Provenance Provenance        `json:"provenance"`
	Status     NodeStatus        `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Terminal reports whether the node may no longer act in new material,
// either because it was invalidated or carries a terminal status property
// (e.g. a character flagged deceased).
func (n *Node) Terminal() bool {
	if n.Status != StatusActive {
		return true
	}
	switch n.Properties["status"] {
	case "deceased", "dead", "destroyed", "terminal":
		return true
	}
	return false
}

// Edge is a typed, directed relationship between two existing nodes.
type Edge struct {
	SourceID   string            `json:"source_id"`
	TargetID   string            `json:"target_id"`
	Relation   Relation          `json:"relation"`
	Properties map[string]string `json:"properties,omitempty"`
	Status     NodeStatus        `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Key returns the identity of the edge. One (source, relation, target)
// triple exists at most once.
func (e *Edge) Key() string {
	return fmt.Sprintf("%s|%s|%s", e.SourceID, e.Relation, e.TargetID)
}

// =============================================================================
// SNAPSHOT TYPES
// =============================================================================

// Snapshot is an immutable capture of the graph at a consolidation commit.
type Snapshot struct {
	Checkpoint int64     `json:"checkpoint"`
	CreatedAt  time.Time `json:"created_at"`
	NodeCount  int       `json:"node_count"`
	EdgeCount  int       `json:"edge_count"`
}

// SnapshotDiff is the deterministic delta between two snapshots.
type SnapshotDiff struct {
	From         int64    `json:"from"`
	To           int64    `json:"to"`
	NodesAdded   []string `json:"nodes_added"`
	NodesRemoved []string `json:"nodes_removed"`
	EdgesChanged []string `json:"edges_changed"`
}

// =============================================================================
// SESSION TYPES
// =============================================================================

// EventRole identifies the producer of a session event.
type EventRole string

const (
	RoleUser       EventRole = "user"
	RoleAssistant  EventRole = "assistant"
	RoleDraft      EventRole = "draft"      // finalized draft committed by the drafting pipeline
	RoleSummary    EventRole = "summary"    // synthetic compaction event
	RoleCorrection EventRole = "correction" // direct user correction, highest-trust provenance
)

// Event is one entry in a session's append-only log.
// Events are immutable once appended; corrections are new events.
type Event struct {
	Seq        int64     `json:"seq"`
	Role       EventRole `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Committed  bool      `json:"committed"`
	// SubsumesTo marks a summary event's range: the summary replaces all
	// events with Seq <= SubsumesTo. Zero for ordinary events.
	SubsumesTo int64     `json:"subsumes_to,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// =============================================================================
// CONSOLIDATION TYPES
// =============================================================================

// CandidateKind is the tagged outcome of the extraction classifier.
// Extraction never produces free-form mutations.
type CandidateKind string

const (
	CandidateCreate   CandidateKind = "CREATE"
	CandidateUpdate   CandidateKind = "UPDATE"
	CandidateConflict CandidateKind = "CONFLICT"
	CandidateNone     CandidateKind = "NONE"
)

// TopicSchema names the fact shapes the extractor recognizes.
type TopicSchema string

const (
	TopicCharacterAttribute TopicSchema = "character_attribute"
	TopicRelationship       TopicSchema = "relationship"
	TopicLocation           TopicSchema = "location"
	TopicStatusChange       TopicSchema = "status_change"
)

// CandidateFact is one extracted fact before it is checked against the graph.
type CandidateFact struct {
	Topic       TopicSchema `json:"topic"`
	Subject     string      `json:"subject"`
	SubjectType NodeType    `json:"subject_type"`
	Property    string      `json:"property,omitempty"`
	Value       string      `json:"value,omitempty"`
	Relation    Relation    `json:"relation,omitempty"`
	Object      string      `json:"object,omitempty"`
	Provenance  Provenance  `json:"provenance"`
	SourceSeq   int64       `json:"source_seq"` // event that produced this candidate
}

// ConflictRecord preserves the audit trail for a detected contradiction.
type ConflictRecord struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	Property      string     `json:"property"`
	Incumbent     string     `json:"incumbent"`
	Candidate     string     `json:"candidate"`
	IncumbentProv Provenance `json:"incumbent_prov"`
	CandidateProv Provenance `json:"candidate_prov"`
	Resolution    string     `json:"resolution"` // auto_candidate, auto_incumbent, manual_pending, manual_resolved
	CreatedAt     time.Time  `json:"created_at"`
}

// ConsolidationReport summarizes one consolidated batch.
type ConsolidationReport struct {
	SessionID  string           `json:"session_id"`
	Accepted   []CandidateFact  `json:"accepted"`
	Rejected   []CandidateFact  `json:"rejected"`
	Conflicts  []ConflictRecord `json:"conflicts"`
	Checkpoint int64            `json:"checkpoint"` // snapshot taken at commit; zero if nothing committed
}

// =============================================================================
// VERIFICATION TYPES
// =============================================================================

// Tier is a verification bucket defined by latency budget and blocking behavior.
type Tier string

const (
	TierFast   Tier = "FAST"   // inline, blocks the caller
	TierMedium Tier = "MEDIUM" // background, results queued as notifications
	TierSlow   Tier = "SLOW"   // on-demand structural analysis
)

// Severity classifies a verification issue.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL" // blocks the tier
	SeverityWarning  Severity = "WARNING"  // surfaced, non-blocking
	SeverityInfo     Severity = "INFO"     // logged only
)

// VerificationIssue is one finding from a check.
type VerificationIssue struct {
	CheckName   string   `json:"check_name"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Location    string   `json:"location,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
	AutoFixable bool     `json:"auto_fixable"`
}

// VerificationResult is the outcome of running one tier.
// Passed is true iff zero CRITICAL issues are present.
type VerificationResult struct {
	Tier     Tier                `json:"tier"`
	Passed   bool                `json:"passed"`
	Issues   []VerificationIssue `json:"issues,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Finalize sets Passed from the accumulated issues.
func (r *VerificationResult) Finalize() {
	for _, iss := range r.Issues {
		if iss.Severity == SeverityCritical {
			r.Passed = false
			return
		}
	}
	r.Passed = true
}

// Notification is one MEDIUM-tier finding awaiting acknowledgement.
type Notification struct {
	ID         string    `json:"id"`
	CheckName  string    `json:"check_name"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
