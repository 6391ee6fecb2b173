package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pml-systems/pml-gateway/internal/dag"
)

func TestBuildExecutedPathOrdersLogicalNodesAndSkipsNested(t *testing.T) {
	ld := &dag.LogicalDAG{
		Nodes: []dag.LogicalNode{
			{ID: "n1", Kind: dag.LogicalTask, Task: &dag.TaskNode{Tool: "fs:readFile"}},
			{ID: "n2", Kind: dag.LogicalOperation, Operation: &dag.OperationNode{Tool: "code:filter"}},
			{ID: "n3", Kind: dag.LogicalOperation, Operation: &dag.OperationNode{Tool: "code:nested"}, NestingLevel: 1},
		},
		Edges: []dag.LogicalEdge{
			{From: "n1", To: "n2", Kind: dag.EdgeSequence},
		},
	}

	build := &dag.BuildResult{
		Tasks: []dag.PhysicalTask{
			{ID: "p1", Tool: "fs:readFile"},
			{ID: "p2", Tool: "code:filter"},
		},
		LogicalToPhysical: map[string]string{"n1": "p1", "n2": "p2"},
		LogicalDAG:        ld,
	}

	results := map[string]TaskResult{
		"p1": {Duration: 100 * time.Millisecond},
		"p2": {Duration: 50 * time.Millisecond},
	}

	path := buildExecutedPath(build, results)
	require.Len(t, path, 2, "nested operation contributes no entry of its own")
	require.Equal(t, "fs:readFile", path[0].Tool)
	require.Equal(t, "code:filter", path[1].Tool)
}

func TestBuildExecutedPathApportionsFusedDuration(t *testing.T) {
	ld := &dag.LogicalDAG{
		Nodes: []dag.LogicalNode{
			{ID: "n1", Kind: dag.LogicalOperation, Operation: &dag.OperationNode{Tool: "code:filter"}},
			{ID: "n2", Kind: dag.LogicalOperation, Operation: &dag.OperationNode{Tool: "code:map"}},
		},
		Edges: []dag.LogicalEdge{
			{From: "n1", To: "n2", Kind: dag.EdgeSequence},
		},
	}
	build := &dag.BuildResult{
		Tasks: []dag.PhysicalTask{
			{ID: "fused1", Metadata: dag.TaskMetadata{FusedFrom: []string{"n1", "n2"}}},
		},
		LogicalToPhysical: map[string]string{"n1": "fused1", "n2": "fused1"},
		LogicalDAG:        ld,
	}
	results := map[string]TaskResult{"fused1": {Duration: 100 * time.Millisecond}}

	path := buildExecutedPath(build, results)
	require.Len(t, path, 2)
	require.Equal(t, int64(50), path[0].DurationMs)
	require.Equal(t, int64(50), path[1].DurationMs)
}

func TestBuildExecutedPathLoopContributesBodyTools(t *testing.T) {
	ld := &dag.LogicalDAG{
		Nodes: []dag.LogicalNode{
			{ID: "loop1", Kind: dag.LogicalLoop, Loop: &dag.LoopNode{LoopType: dag.LoopForOf, BodyTools: []string{"fs:readFile", "code:trim"}}},
			{ID: "inner1", Kind: dag.LogicalTask, ParentScope: "loop1", Task: &dag.TaskNode{Tool: "fs:readFile"}},
		},
	}
	build := &dag.BuildResult{LogicalDAG: ld}

	path := buildExecutedPath(build, nil)
	require.Len(t, path, 3)
	require.Equal(t, "loop:forOf", path[0].Tool)
	require.Equal(t, "fs:readFile", path[1].Tool)
	require.Equal(t, "code:trim", path[2].Tool)
}
