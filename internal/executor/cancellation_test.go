package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
)

func TestCancellationManagerCancelMarksCancelled(t *testing.T) {
	cm := NewCancellationManager(telemetry.NoopBundle())
	cancelled := false
	_, cancelFn := context.WithCancel(context.Background())
	cm.Register("wf-1", func() { cancelled = true; cancelFn() })

	require.NoError(t, cm.Cancel(context.Background(), "wf-1", "user_requested"))
	status, ok := cm.GetStatus("wf-1")
	require.True(t, ok)
	require.Equal(t, ExecutionCancelled, status)
	require.True(t, cancelled)
}

func TestCancellationManagerCancelUnknownWorkflowErrors(t *testing.T) {
	cm := NewCancellationManager(telemetry.NoopBundle())
	err := cm.Cancel(context.Background(), "missing", "reason")
	require.Error(t, err)
}

func TestCancellationManagerCleanupRemovesOldTerminalEntries(t *testing.T) {
	cm := NewCancellationManager(telemetry.NoopBundle())
	cm.Register("wf-1", func() {})
	cm.Complete("wf-1", ExecutionCompleted)

	// Not yet old enough.
	require.Equal(t, 0, cm.Cleanup(time.Hour))

	cm.mu.Lock()
	cm.active["wf-1"].CompletedAt = time.Now().Add(-2 * time.Hour)
	cm.mu.Unlock()

	require.Equal(t, 1, cm.Cleanup(time.Hour))
	_, ok := cm.GetStatus("wf-1")
	require.False(t, ok)
}

func TestCancellationManagerCancelAll(t *testing.T) {
	cm := NewCancellationManager(telemetry.NoopBundle())
	cm.Register("wf-1", func() {})
	cm.Register("wf-2", func() {})

	n := cm.CancelAll(context.Background(), "shutdown")
	require.Equal(t, 2, n)
	require.Empty(t, cm.ListActive())
}
