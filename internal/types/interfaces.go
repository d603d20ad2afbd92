package types

import (
	"context"
)

// Summarizer condenses a run of session events into one summary string.
// The production implementation delegates to an external generative agent;
// tests use a deterministic stand-in.
type Summarizer interface {
	Summarize(ctx context.Context, events []Event) (string, error)
}

// Oracle is the external research collaborator consulted during conflict
// resolution. Answers carry citations and are treated as highest-trust
// provenance below a direct user correction.
type Oracle interface {
	Verify(ctx context.Context, question string) (answer string, citations []string, err error)
}

// Analyzer is the external deep structural analyzer behind the SLOW tier.
// Implementations must be read-only with respect to the graph and must
// honor context cancellation.
type Analyzer interface {
	Analyze(ctx context.Context, content string) ([]VerificationIssue, error)
}

// GraphReader is the read-only view of the graph store handed to
// verification and external collaborators. Only the consolidation
// pipeline holds the writable store.
type GraphReader interface {
	GetNode(id string) (*Node, error)
	GetNodeByName(name string) (*Node, error)
	GetEdges(nodeID string, relation Relation) ([]Edge, error)
	QueryByType(t NodeType) ([]Node, error)
	UnresolvedContradictions() ([]Edge, error)
}
