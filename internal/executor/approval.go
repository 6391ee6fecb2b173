package executor

import "github.com/pml-systems/pml-gateway/internal/dag"

// approvalRequired decides whether t needs a human gate before it may run:
// its tool is unknown to the registry, its descriptor declares an explicit
// HIL approval mode, or its sandbox scope is anything beyond minimal and it
// is not a pure code operation. Pure code:* operations are always
// auto-approved regardless of scope.
func approvalRequired(t dag.PhysicalTask, tools ToolRegistry) bool {
	if t.Metadata.Pure {
		return false
	}
	desc, known := tools.Resolve(t.Tool)
	if !known {
		return true
	}
	if desc.ApprovalMode == ApprovalModeHIL {
		return true
	}
	if desc.Scope != dag.ScopeMinimal {
		return true
	}
	return false
}

// approvalSet returns the subset of layer requiring human approval.
func approvalSet(layer []dag.PhysicalTask, tools ToolRegistry) []dag.PhysicalTask {
	var h []dag.PhysicalTask
	for _, t := range layer {
		if approvalRequired(t, tools) {
			h = append(h, t)
		}
	}
	return h
}
