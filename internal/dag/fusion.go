package dag

import (
	"fmt"
	"strings"
)

// Fuse runs the physical DAG construction over a logical DAG: sequential
// fusion of pure code chains, fork-join fusion of pure sibling operations
// sharing a fan-out group, and a single code_exec task per loop. External-
// effect tasks (mcp_call, non-minimal scope) are never fused. Nested
// non-executable operations are dropped at this stage per the nested
// operation policy.
func Fuse(ld *LogicalDAG) (*BuildResult, error) {
	eligible := make(map[string]bool)   // pure, minimal-scope operation nodes, fusion candidates
	standalone := make(map[string]bool) // nodes that become their own physical task unchanged

	for _, n := range ld.Nodes {
		if n.ParentScope != "" {
			// Subsumed into its owning loop's single physical task; kept in
			// the logical DAG only so the learner can see the atomic pattern.
			continue
		}
		switch n.Kind {
		case LogicalTask:
			standalone[n.ID] = true
		case LogicalOperation:
			if !n.Operation.Executable {
				continue // nested, filtered per the nested operation policy
			}
			if n.Operation.Pure && n.Operation.Scope == ScopeMinimal {
				eligible[n.ID] = true
			} else {
				standalone[n.ID] = true
			}
		case LogicalLoop:
			standalone[n.ID] = true
		case LogicalDecision:
			// Decisions never become a physical task of their own, and the
			// executor does not evaluate them.
		}
	}

	chains := buildSequentialChains(ld, eligible)
	forkGroups := buildForkGroups(ld, eligible, chains)

	fused := make(map[string]bool) // logical ids consumed into some fused/standalone task
	var tasks []PhysicalTask
	logicalToPhysical := make(map[string]string)
	physicalToLogical := make(map[string][]string)

	assign := func(physID string, logicalIDs []string) {
		physicalToLogical[physID] = logicalIDs
		for _, lid := range logicalIDs {
			logicalToPhysical[lid] = physID
			fused[lid] = true
		}
	}

	taskNum := 0
	newTaskID := func() string {
		taskNum++
		return fmt.Sprintf("p%d", taskNum)
	}

	// Fork-join groups take priority: they collapse several eligible nodes
	// sharing a ForkGroup into one parallel-await task.
	for _, group := range forkGroups {
		if len(group) < 2 {
			continue
		}
		id := newTaskID()
		var codeParts, tools []string
		var deps []string
		for _, lid := range group {
			n, _ := ld.NodeByID(lid)
			codeParts = append(codeParts, n.Operation.Code)
			tools = append(tools, n.Operation.Tool)
			deps = append(deps, externalDeps(ld, lid, fused)...)
		}
		tasks = append(tasks, PhysicalTask{
			ID:   id,
			Kind: PhysicalCodeExec,
			Code: "Promise.all([" + strings.Join(codeParts, ", ") + "])",
			Deps: dedupStrings(deps),
			Metadata: TaskMetadata{
				Pure:          true,
				FusedFrom:     group,
				LogicalTools:  tools,
				FusionPattern: FusionForkJoin,
			},
			SandboxConfig: SandboxConfig{Scope: ScopeMinimal},
		})
		assign(id, group)
	}

	// Sequential chains of length >= 2 fuse into one code_exec task.
	for _, chain := range chains {
		if len(chain) < 2 || alreadyFused(chain, fused) {
			continue
		}
		id := newTaskID()
		var stmts, tools []string
		var deps []string
		for i, lid := range chain {
			n, _ := ld.NodeByID(lid)
			stmts = append(stmts, fmt.Sprintf("const v%d = %s;", i, n.Operation.Code))
			tools = append(tools, n.Operation.Tool)
			deps = append(deps, externalDeps(ld, lid, fused)...)
		}
		stmts = append(stmts, fmt.Sprintf("return v%d;", len(chain)-1))
		tasks = append(tasks, PhysicalTask{
			ID:   id,
			Kind: PhysicalCodeExec,
			Code: strings.Join(stmts, " "),
			Deps: dedupStrings(deps),
			Metadata: TaskMetadata{
				Pure:          true,
				FusedFrom:     chain,
				LogicalTools:  tools,
				FusionPattern: FusionSequential,
			},
			SandboxConfig: SandboxConfig{Scope: ScopeMinimal},
		})
		assign(id, chain)
	}

	// Everything else (standalone operations, mcp calls, loops, and any
	// eligible node that didn't end up in a chain or group) becomes its own
	// physical task.
	for _, n := range ld.Nodes {
		if fused[n.ID] || n.ParentScope != "" {
			continue
		}
		switch n.Kind {
		case LogicalTask:
			id := newTaskID()
			tasks = append(tasks, PhysicalTask{
				ID:       id,
				Kind:     PhysicalMCPCall,
				Tool:     n.Task.Tool,
				Deps:     dedupStrings(externalDeps(ld, n.ID, fused)),
				Metadata: TaskMetadata{},
				SandboxConfig: SandboxConfig{Scope: ScopeMCPStandard},
			})
			assign(id, []string{n.ID})

		case LogicalOperation:
			if !n.Operation.Executable {
				continue
			}
			id := newTaskID()
			tasks = append(tasks, PhysicalTask{
				ID:   id,
				Kind: PhysicalCodeExec,
				Tool: n.Operation.Tool,
				Code: n.Operation.Code,
				Deps: dedupStrings(externalDeps(ld, n.ID, fused)),
				Metadata: TaskMetadata{
					Pure:         n.Operation.Pure,
					LogicalTools: []string{n.Operation.Tool},
				},
				SandboxConfig: SandboxConfig{Scope: n.Operation.Scope},
			})
			assign(id, []string{n.ID})

		case LogicalLoop:
			id := newTaskID()
			tasks = append(tasks, PhysicalTask{
				ID:   id,
				Kind: PhysicalCodeExec,
				Code: n.Loop.BodyCode,
				Deps: dedupStrings(externalDeps(ld, n.ID, fused)),
				Metadata: TaskMetadata{
					LoopID:    n.ID,
					BodyTools: n.Loop.BodyTools,
				},
				SandboxConfig: SandboxConfig{Scope: ScopeMinimal, BodyTools: n.Loop.BodyTools},
			})
			assign(id, []string{n.ID})
		}
	}

	// Second pass to rewrite cross-task deps expressed as logical ids into
	// physical task ids (fusion may have merged a dependency's owner).
	for i := range tasks {
		seen := make(map[string]bool)
		var rewritten []string
		for _, d := range tasks[i].Deps {
			pid, ok := logicalToPhysical[d]
			if !ok || pid == tasks[i].ID || seen[pid] {
				continue
			}
			seen[pid] = true
			rewritten = append(rewritten, pid)
		}
		tasks[i].Deps = rewritten
	}

	return &BuildResult{
		Tasks:             tasks,
		LogicalToPhysical: logicalToPhysical,
		PhysicalToLogical: physicalToLogical,
		LogicalDAG:        ld,
	}, nil
}

// buildSequentialChains finds maximal straight-line runs of eligible
// operation nodes connected by a single sequence edge with no branching on
// either side.
func buildSequentialChains(ld *LogicalDAG, eligible map[string]bool) [][]string {
	visited := make(map[string]bool)
	var chains [][]string

	for _, n := range ld.Nodes {
		if !eligible[n.ID] || visited[n.ID] || hasSingleEligiblePredecessor(ld, n.ID, eligible) {
			continue // not a chain head
		}
		chain := []string{n.ID}
		visited[n.ID] = true
		cur := n.ID
		for {
			next, ok := singleEligibleSuccessor(ld, cur, eligible)
			if !ok || visited[next] {
				break
			}
			chain = append(chain, next)
			visited[next] = true
			cur = next
		}
		chains = append(chains, chain)
	}
	return chains
}

func hasSingleEligiblePredecessor(ld *LogicalDAG, id string, eligible map[string]bool) bool {
	preds := ld.InEdges(id, false)
	count := 0
	for _, e := range preds {
		if e.Kind != EdgeSequence {
			continue
		}
		if eligible[e.From] && singleEligibleSuccessorIs(ld, e.From, id, eligible) {
			count++
		}
	}
	return count == 1
}

func singleEligibleSuccessorIs(ld *LogicalDAG, from, to string, eligible map[string]bool) bool {
	next, ok := singleEligibleSuccessor(ld, from, eligible)
	return ok && next == to
}

// singleEligibleSuccessor returns the lone eligible node that from's only
// outgoing sequence edge points to, provided from has exactly one outgoing
// sequence edge and that target has exactly one incoming sequence edge from
// an eligible node (no fan-in).
func singleEligibleSuccessor(ld *LogicalDAG, id string, eligible map[string]bool) (string, bool) {
	var outs []LogicalEdge
	for _, e := range ld.OutEdges(id, false) {
		if e.Kind == EdgeSequence {
			outs = append(outs, e)
		}
	}
	if len(outs) != 1 || !eligible[outs[0].To] {
		return "", false
	}
	target := outs[0].To
	var ins int
	for _, e := range ld.InEdges(target, false) {
		if e.Kind == EdgeSequence {
			ins++
		}
	}
	if ins != 1 {
		return "", false
	}
	return target, true
}

// buildForkGroups collects eligible nodes sharing a non-empty ForkGroup tag,
// excluding any already claimed by a sequential chain.
func buildForkGroups(ld *LogicalDAG, eligible map[string]bool, chains [][]string) [][]string {
	inChain := make(map[string]bool)
	for _, c := range chains {
		if len(c) < 2 {
			continue
		}
		for _, id := range c {
			inChain[id] = true
		}
	}

	groups := make(map[string][]string)
	var order []string
	for _, n := range ld.Nodes {
		if !eligible[n.ID] || inChain[n.ID] || n.ForkGroup == "" {
			continue
		}
		if _, ok := groups[n.ForkGroup]; !ok {
			order = append(order, n.ForkGroup)
		}
		groups[n.ForkGroup] = append(groups[n.ForkGroup], n.ID)
	}

	var result [][]string
	for _, g := range order {
		result = append(result, groups[g])
	}
	return result
}

func alreadyFused(chain []string, fused map[string]bool) bool {
	for _, id := range chain {
		if fused[id] {
			return true
		}
	}
	return false
}

// externalDeps resolves id's incoming sequence dependencies to the logical
// ids they point from, for later rewriting into physical task ids.
func externalDeps(ld *LogicalDAG, id string, _ map[string]bool) []string {
	var deps []string
	for _, e := range ld.InEdges(id, false) {
		if e.Kind == EdgeSequence {
			deps = append(deps, e.From)
		}
	}
	return deps
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
