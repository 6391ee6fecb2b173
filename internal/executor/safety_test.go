package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pml-systems/pml-gateway/internal/dag"
)

func TestComputeSafeToFailPureTask(t *testing.T) {
	tasks := []dag.PhysicalTask{
		{ID: "p1", Metadata: dag.TaskMetadata{Pure: true}},
		{ID: "c1", Deps: []string{"p1"}},
	}
	safe := computeSafeToFail(tasks)
	require.True(t, safe["p1"], "pure tasks are safe-to-fail unconditionally, regardless of consumers")
	require.False(t, safe["c1"])
}

func TestComputeSafeToFailMinimalScopeTask(t *testing.T) {
	tasks := []dag.PhysicalTask{
		{ID: "t1", SandboxConfig: dag.SandboxConfig{Scope: dag.ScopeMinimal}},
	}
	safe := computeSafeToFail(tasks)
	require.True(t, safe["t1"], "minimal-scope tasks are safe-to-fail unconditionally")
}

func TestComputeSafeToFailFalseForNonMinimalImpureTask(t *testing.T) {
	tasks := []dag.PhysicalTask{
		{ID: "t1", SandboxConfig: dag.SandboxConfig{Scope: dag.ScopeNetworkAPI}},
	}
	safe := computeSafeToFail(tasks)
	require.False(t, safe["t1"])
}
