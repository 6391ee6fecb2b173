package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pml-systems/pml-gateway/internal/dag"
)

func TestPendingGateResolveApproves(t *testing.T) {
	g := NewPendingGate(nil)
	pending := []dag.PhysicalTask{{ID: "p1"}}

	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		approved, err := g.RequestApproval(context.Background(), "wf-1", "chk-1", pending)
		resultCh <- approved
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return g.Resolve("wf-1", "chk-1", true)
	}, time.Second, time.Millisecond)

	require.True(t, <-resultCh)
	require.NoError(t, <-errCh)
}

func TestPendingGateResolveDenies(t *testing.T) {
	g := NewPendingGate(nil)
	resultCh := make(chan bool, 1)
	go func() {
		approved, _ := g.RequestApproval(context.Background(), "wf-2", "chk-1", nil)
		resultCh <- approved
	}()

	require.Eventually(t, func() bool {
		return g.Resolve("wf-2", "chk-1", false)
	}, time.Second, time.Millisecond)
	require.False(t, <-resultCh)
}

func TestPendingGateResolveUnknownCheckpointReturnsFalse(t *testing.T) {
	g := NewPendingGate(nil)
	require.False(t, g.Resolve("wf-3", "no-such-checkpoint", true))
}

func TestPendingGateContextTimeoutReturnsError(t *testing.T) {
	g := NewPendingGate(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.RequestApproval(ctx, "wf-4", "chk-1", nil)
	require.Error(t, err)
}
