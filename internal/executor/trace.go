package executor

import "github.com/pml-systems/pml-gateway/internal/dag"

// buildExecutedPath walks the logical DAG in topological order and produces
// one executedPath entry per logical node, per the trace-production
// contract: a loop contributes its own "loop:<type>" entry plus its
// deduplicated body tools; a physical task carrying fusedFrom contributes
// one entry per logical node it replaced, in fusion order, each assigned an
// estimated share of the physical task's measured duration. Nodes nested
// inside a loop body (ParentScope != "") are skipped since the loop's own
// entry already accounts for them; nested non-executable operations
// (NestingLevel > 0) never became physical tasks and are skipped too.
func buildExecutedPath(build *dag.BuildResult, results map[string]TaskResult) []ExecutedStep {
	ld := build.LogicalDAG
	if ld == nil {
		return nil
	}

	order := topoOrder(ld)

	// physicalDurationMs[physicalID] / len(fusedFrom) gives each fused
	// logical node's apportioned share; compute once up front.
	physMs := make(map[string]int64, len(build.Tasks))
	physFused := make(map[string][]string, len(build.Tasks))
	for _, t := range build.Tasks {
		if r, ok := results[t.ID]; ok {
			physMs[t.ID] = r.Duration.Milliseconds()
		}
		physFused[t.ID] = t.Metadata.FusedFrom
	}

	// contributed marks logical nodes that already have their entry, so a
	// fused group is emitted once regardless of which of its nodes is
	// visited first.
	contributed := make(map[string]bool, len(ld.Nodes))
	var steps []ExecutedStep

	for _, n := range order {
		if n.ParentScope != "" {
			continue // accounted for by the enclosing loop's own entry
		}
		if contributed[n.ID] {
			continue
		}

		switch n.Kind {
		case dag.LogicalLoop:
			steps = append(steps, ExecutedStep{Tool: "loop:" + string(n.Loop.LoopType)})
			for _, tool := range n.Loop.BodyTools {
				steps = append(steps, ExecutedStep{Tool: tool})
			}
			contributed[n.ID] = true

		case dag.LogicalDecision:
			contributed[n.ID] = true // decisions contribute no tool of their own

		case dag.LogicalTask, dag.LogicalOperation:
			if n.Kind == dag.LogicalOperation && n.NestingLevel > 0 {
				contributed[n.ID] = true
				continue
			}
			physID, ok := build.LogicalToPhysical[n.ID]
			if !ok {
				contributed[n.ID] = true
				continue
			}
			fused := physFused[physID]
			if len(fused) == 0 {
				steps = append(steps, ExecutedStep{Tool: toolNameOf(n), DurationMs: physMs[physID]})
				contributed[n.ID] = true
				continue
			}
			share := physMs[physID] / int64(len(fused))
			for _, logicalID := range fused {
				if contributed[logicalID] {
					continue
				}
				ln, ok := ld.NodeByID(logicalID)
				if !ok {
					continue
				}
				steps = append(steps, ExecutedStep{Tool: toolNameOf(ln), DurationMs: share})
				contributed[logicalID] = true
			}
		}
	}
	return steps
}

func toolNameOf(n dag.LogicalNode) string {
	switch n.Kind {
	case dag.LogicalTask:
		if n.Task != nil {
			return n.Task.Tool
		}
	case dag.LogicalOperation:
		if n.Operation != nil {
			return n.Operation.Tool
		}
	}
	return ""
}

// topoOrder returns ld's nodes in a topological order respecting sequence,
// conditional, and loop_body edges (contains edges are ignored, matching
// the acyclicity invariant). Ties fall back to the builder's append order.
func topoOrder(ld *dag.LogicalDAG) []dag.LogicalNode {
	inDegree := make(map[string]int, len(ld.Nodes))
	for _, n := range ld.Nodes {
		inDegree[n.ID] = 0
	}
	for _, n := range ld.Nodes {
		inDegree[n.ID] = len(ld.InEdges(n.ID, false))
	}

	visited := make(map[string]bool, len(ld.Nodes))
	var order []dag.LogicalNode
	remaining := append([]dag.LogicalNode{}, ld.Nodes...)

	for len(order) < len(ld.Nodes) {
		progressed := false
		for i := 0; i < len(remaining); i++ {
			n := remaining[i]
			if visited[n.ID] {
				continue
			}
			if inDegree[n.ID] > 0 {
				continue
			}
			order = append(order, n)
			visited[n.ID] = true
			progressed = true
			for _, e := range ld.OutEdges(n.ID, false) {
				inDegree[e.To]--
			}
		}
		if !progressed {
			// A residual cycle (should not happen: the builder rejects
			// cyclic logical DAGs) — append whatever is left in source
			// order rather than looping forever.
			for _, n := range remaining {
				if !visited[n.ID] {
					order = append(order, n)
					visited[n.ID] = true
				}
			}
			break
		}
	}
	return order
}
