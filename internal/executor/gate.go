package executor

import (
	"context"

	"github.com/pml-systems/pml-gateway/internal/dag"
)

// ApprovalGate blocks until a human operator resolves the pending tasks or
// the call's context is cancelled. Implementations typically persist the
// checkpoint and the pending task set, then resume this call when a
// Continue or Abort command arrives for checkpointID.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, workflowID, checkpointID string, pending []dag.PhysicalTask) (approved bool, err error)
}

// AutoApprovalGate approves every request immediately; it is the default
// for workflows running in ApprovalModeAuto, where the layer state machine
// never calls the gate at all, and is also useful in tests.
type AutoApprovalGate struct{}

func (AutoApprovalGate) RequestApproval(context.Context, string, string, []dag.PhysicalTask) (bool, error) {
	return true, nil
}

// WorkflowState is the ephemeral, TTL-bound record an external store (see
// internal/workflow) persists so a paused or replanned workflow can resume
// after a process restart.
type WorkflowState struct {
	WorkflowID    string
	LayerIndex    int
	CompletedTasks map[string]TaskResult
	PausedAt      string // checkpoint id, empty when not paused
	PendingHIL    []string
}

// StateSink persists a WorkflowState snapshot. A nil StateSink is a valid,
// no-op choice for callers that do not need cross-restart resume.
type StateSink interface {
	Persist(ctx context.Context, ws WorkflowState) error
}
