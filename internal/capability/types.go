// Package capability implements the content-addressed capability registry:
// durable storage of executed code templates as reusable capabilities,
// dependency edges between them, and federated search across namespaces.
package capability

import "time"

// EdgeType classifies a CapabilityDependency relationship. The set forms a
// multigraph: the same (from, to) pair may carry more than one edge type.
type EdgeType string

const (
	EdgeContains    EdgeType = "contains"
	EdgeSequence    EdgeType = "sequence"
	EdgeDependency  EdgeType = "dependency"
	EdgeAlternative EdgeType = "alternative"
	EdgeProvides    EdgeType = "provides"
)

// Capability is a reusable code template learned from an execution trace.
// Id is insertion-only: Id = hash(CodeTemplate), so re-executing the same
// template updates the existing record rather than creating a new one.
type Capability struct {
	ID              string
	Name            string // "namespace:action"
	CodeTemplate    string
	Intent          string
	IntentEmbedding []float32
	ToolsUsed       []string
	SuccessRate     float64
	UsageCount      int
	CreatedAt       time.Time
	LastUsed        time.Time
}

// Dependency is a directed edge between two capabilities. Counters update
// under a single-writer discipline keyed by (From, To, EdgeType).
type Dependency struct {
	From            string
	To              string
	EdgeType        EdgeType
	ObservedCount   int
	ConfidenceScore float64
	CreatedAt       time.Time
	LastObserved    time.Time
}

// SearchResult is one hit from Search, covering both tool descriptors and
// capabilities so callers can rank them together.
type SearchResult struct {
	Kind           string // "tool" | "capability"
	ID             string
	Name           string
	Intent         string
	Score          float64
	Origin         string // namespace the result was federated from
	ToolsUsed      []string
}

// Scorer ranks a Capability against a free-text query. The registry falls
// back to keywordRelevance when no Scorer is configured; an embedding
// backend can be plugged in without changing Search's call sites.
type Scorer interface {
	Score(query string, c Capability) float64
}
