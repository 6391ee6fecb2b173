package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pml-systems/pml-gateway/internal/telemetry"
)

// ExecutionStatus tracks one registered execution's lifecycle for the
// cancellation manager, independent of the richer WorkflowStatus the
// executor itself reports.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// CancellableExecution is one workflow's cancellation handle.
type CancellableExecution struct {
	WorkflowID   string
	CancelFunc   context.CancelFunc
	CancelReason string
	CancelledAt  time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	Status       ExecutionStatus
}

// CancellationManager tracks every in-flight workflow execution by id so
// Abort (or a process shutdown) can cancel one or all of them uniformly.
type CancellationManager struct {
	mu       sync.RWMutex
	active   map[string]*CancellableExecution
	tele     telemetry.Bundle
}

// NewCancellationManager constructs an empty manager.
func NewCancellationManager(tele telemetry.Bundle) *CancellationManager {
	return &CancellationManager{active: make(map[string]*CancellableExecution), tele: tele}
}

// Register adds workflowID to active tracking with cancelFunc as its abort
// trigger.
func (cm *CancellationManager) Register(workflowID string, cancelFunc context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[workflowID] = &CancellableExecution{
		WorkflowID: workflowID,
		CancelFunc: cancelFunc,
		StartedAt:  time.Now(),
		Status:     ExecutionRunning,
	}
}

// Cancel triggers workflowID's cancel func and records the reason.
func (cm *CancellationManager) Cancel(ctx context.Context, workflowID, reason string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	exec, ok := cm.active[workflowID]
	if !ok {
		return fmt.Errorf("workflow execution not found or already completed: %s", workflowID)
	}
	if exec.Status != ExecutionRunning {
		return fmt.Errorf("workflow execution is not running: %s (status: %s)", workflowID, exec.Status)
	}

	exec.CancelFunc()
	exec.CancelReason = reason
	exec.CancelledAt = time.Now()
	exec.Status = ExecutionCancelled

	cm.tele.Metric.IncCounter("executor_workflow_cancellations_total", 1, "reason", reason)
	return nil
}

// Complete marks workflowID's tracked status as terminal. The entry stays
// in the map for status queries until Cleanup reaps it.
func (cm *CancellationManager) Complete(workflowID string, status ExecutionStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if exec, ok := cm.active[workflowID]; ok {
		exec.Status = status
		exec.CompletedAt = time.Now()
	}
}

// GetStatus reports workflowID's tracked status.
func (cm *CancellationManager) GetStatus(workflowID string) (ExecutionStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	exec, ok := cm.active[workflowID]
	if !ok {
		return "", false
	}
	return exec.Status, true
}

// ListActive returns every execution still running.
func (cm *CancellationManager) ListActive() []*CancellableExecution {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*CancellableExecution, 0)
	for _, exec := range cm.active {
		if exec.Status == ExecutionRunning {
			out = append(out, exec)
		}
	}
	return out
}

// Cleanup removes terminal executions older than retentionPeriod, returning
// the count removed.
func (cm *CancellationManager) Cleanup(retentionPeriod time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, exec := range cm.active {
		if exec.Status == ExecutionRunning {
			continue
		}
		completion := exec.CompletedAt
		if exec.Status == ExecutionCancelled {
			completion = exec.CancelledAt
		}
		if !completion.IsZero() && now.Sub(completion) > retentionPeriod {
			delete(cm.active, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup on interval until ctx is done.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retentionPeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retentionPeriod)
		}
	}
}

// CancelAll cancels every running execution, used on process shutdown.
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancelled := 0
	for id, exec := range cm.active {
		if exec.Status == ExecutionRunning {
			exec.CancelFunc()
			exec.CancelReason = reason
			exec.CancelledAt = time.Now()
			exec.Status = ExecutionCancelled
			cm.tele.Metric.IncCounter("executor_workflow_cancellations_total", 1, "reason", reason)
			cancelled++
		}
		delete(cm.active, id)
	}
	return cancelled
}

// GetMetrics returns a point-in-time count breakdown by status.
func (cm *CancellationManager) GetMetrics() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := map[string]int{"total": len(cm.active), "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	for _, exec := range cm.active {
		switch exec.Status {
		case ExecutionRunning:
			out["running"]++
		case ExecutionCompleted:
			out["completed"]++
		case ExecutionFailed:
			out["failed"]++
		case ExecutionCancelled:
			out["cancelled"]++
		}
	}
	return out
}
