package executor

import "github.com/pml-systems/pml-gateway/internal/dag"

// computeSafeToFail returns the set of physical task ids whose failure does
// not halt the workflow: pure operations and tasks whose sandbox scope is
// minimal, per spec's unconditional rule (both properties are themselves
// sufficient; no downstream consumer opt-in is required).
func computeSafeToFail(tasks []dag.PhysicalTask) map[string]bool {
	safe := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		safe[t.ID] = t.Metadata.Pure || t.SandboxConfig.Scope == dag.ScopeMinimal
	}
	return safe
}
