package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

func TestStorePersistAndGetRoundTrip(t *testing.T) {
	rdb := getRedis(t)
	s := NewStore(rdb, time.Minute, telemetry.NoopBundle())

	ws := executor.WorkflowState{
		WorkflowID: "wf-1",
		LayerIndex: 2,
		CompletedTasks: map[string]executor.TaskResult{
			"p1": {TaskID: "p1", Status: executor.TaskCompleted},
		},
	}
	require.NoError(t, s.Persist(context.Background(), ws))

	got, err := s.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, ws.WorkflowID, got.WorkflowID)
	require.Equal(t, ws.LayerIndex, got.LayerIndex)
	require.Equal(t, executor.TaskCompleted, got.CompletedTasks["p1"].Status)
}

func TestStoreGetMissingReturnsWorkflowNotFound(t *testing.T) {
	rdb := getRedis(t)
	s := NewStore(rdb, time.Minute, telemetry.NoopBundle())

	_, err := s.Get(context.Background(), "no-such-workflow")
	require.Error(t, err)
	require.True(t, errors.Is(err, toolerr.ErrWorkflowNotFound))
}

func TestStoreDeleteRemovesState(t *testing.T) {
	rdb := getRedis(t)
	s := NewStore(rdb, time.Minute, telemetry.NoopBundle())

	ws := executor.WorkflowState{WorkflowID: "wf-2"}
	require.NoError(t, s.Persist(context.Background(), ws))
	require.NoError(t, s.Delete(context.Background(), "wf-2"))

	_, err := s.Get(context.Background(), "wf-2")
	require.True(t, errors.Is(err, toolerr.ErrWorkflowNotFound))
}

func TestStoreGetRefreshesTTL(t *testing.T) {
	rdb := getRedis(t)
	s := NewStore(rdb, 50*time.Millisecond, telemetry.NoopBundle())

	ws := executor.WorkflowState{WorkflowID: "wf-3"}
	require.NoError(t, s.Persist(context.Background(), ws))

	// Touch the key just before it would expire; the refreshed TTL should
	// keep it alive past the original deadline.
	time.Sleep(30 * time.Millisecond)
	_, err := s.Get(context.Background(), "wf-3")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = s.Get(context.Background(), "wf-3")
	require.NoError(t, err, "TTL should have been refreshed by the prior Get")
}
