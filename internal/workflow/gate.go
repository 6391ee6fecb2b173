package workflow

import (
	"context"
	"sync"

	"github.com/pml-systems/pml-gateway/internal/dag"
	"github.com/pml-systems/pml-gateway/internal/executor"
)

// approvalWaiter is the channel a paused RequestApproval call blocks on
// until Resolve delivers an operator decision.
type approvalWaiter struct {
	approved chan bool
}

// PendingGate is the dispatcher-facing executor.ApprovalGate: it persists
// the paused checkpoint to a Store and blocks the calling layer until a
// continue_workflow command resolves it via Resolve, or the request
// context is cancelled (e.g. by the executor's own approval timeout).
//
// Workflow state is single-writer per workflow id: the dispatcher routes
// every command for a given id to the one executor goroutine that is
// paused waiting on it, so at most one waiter is ever registered per
// workflowID/checkpointID pair.
type PendingGate struct {
	store *Store

	mu      sync.Mutex
	waiters map[string]*approvalWaiter
}

// NewPendingGate builds a PendingGate. store may be nil for callers that
// don't need the paused checkpoint persisted.
func NewPendingGate(store *Store) *PendingGate {
	return &PendingGate{store: store, waiters: make(map[string]*approvalWaiter)}
}

func waiterKey(workflowID, checkpointID string) string {
	return workflowID + "/" + checkpointID
}

// RequestApproval persists the pending checkpoint and blocks until Resolve
// is called for the same workflowID/checkpointID pair, or ctx is done.
func (g *PendingGate) RequestApproval(ctx context.Context, workflowID, checkpointID string, pending []dag.PhysicalTask) (bool, error) {
	key := waiterKey(workflowID, checkpointID)
	w := &approvalWaiter{approved: make(chan bool, 1)}

	g.mu.Lock()
	g.waiters[key] = w
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiters, key)
		g.mu.Unlock()
	}()

	if g.store != nil {
		ids := make([]string, len(pending))
		for i, t := range pending {
			ids[i] = t.ID
		}
		// Merge into the snapshot already stored for this workflow so its
		// completed tasks and layer index are kept.
		ws, err := g.store.Get(ctx, workflowID)
		if err != nil {
			ws = executor.WorkflowState{WorkflowID: workflowID}
		}
		ws.PausedAt = checkpointID
		ws.PendingHIL = ids
		if err := g.store.Persist(ctx, ws); err != nil {
			return false, err
		}
	}

	select {
	case approved := <-w.approved:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers a continue_workflow command's outcome to the matching
// paused RequestApproval call. It reports false when no waiter is
// registered for workflowID/checkpointID — e.g. the approval already timed
// out or the checkpoint id is stale.
func (g *PendingGate) Resolve(workflowID, checkpointID string, approved bool) bool {
	g.mu.Lock()
	w, ok := g.waiters[waiterKey(workflowID, checkpointID)]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.approved <- approved:
	default:
	}
	return true
}
