package dispatcher

import (
	"context"

	"github.com/google/uuid"

	"github.com/pml-systems/pml-gateway/internal/capability"
	"github.com/pml-systems/pml-gateway/internal/dag"
	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// suggestionThreshold is the minimum capability-search score pml:execute
// requires before offering a suggestedDag instead of reporting no match.
const suggestionThreshold = 0.6

// gateNotification carries one layer's pending-approval set out of a
// notifyingGate to the handler blocked on it in awaitOutcome.
type gateNotification struct {
	checkpointID string
	tasks        []dag.PhysicalTask
}

// notifyingGate wraps an executor.ApprovalGate so the dispatcher can return
// an approval_required response to the caller the instant a layer gates,
// without blocking the RPC call for the full approval wait. The real
// resolution still happens through inner, which blocks the calling
// executor goroutine exactly as it would with any other ApprovalGate.
type notifyingGate struct {
	inner  executor.ApprovalGate
	notify chan<- gateNotification
}

func (g *notifyingGate) RequestApproval(ctx context.Context, workflowID, checkpointID string, pending []dag.PhysicalTask) (bool, error) {
	select {
	case g.notify <- gateNotification{checkpointID: checkpointID, tasks: pending}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return g.inner.RequestApproval(ctx, workflowID, checkpointID, pending)
}

// inflightExecution tracks one Execute/Replan call running in the
// background so a later continue_workflow command (a separate RPC call)
// can attach to its outcome. This mirrors the pending-request correlation
// idiom internal/mcpmux uses for in-flight tool calls, applied here to a
// longer-lived workflow-level rendezvous instead of a single request/reply.
type inflightExecution struct {
	approvals chan gateNotification
	done      chan struct{}
	result    *executor.WorkflowResult
	err       error
}

func (d *Dispatcher) track(workflowID string) *inflightExecution {
	inf := &inflightExecution{approvals: make(chan gateNotification), done: make(chan struct{})}
	d.mu.Lock()
	if d.inflight == nil {
		d.inflight = make(map[string]*inflightExecution)
	}
	d.inflight[workflowID] = inf
	d.mu.Unlock()
	return inf
}

func (d *Dispatcher) untrack(workflowID string) {
	d.mu.Lock()
	delete(d.inflight, workflowID)
	d.mu.Unlock()
}

func (d *Dispatcher) lookupInflight(workflowID string) (*inflightExecution, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inf, ok := d.inflight[workflowID]
	return inf, ok
}

// startExecution launches build's execution in the background against
// workflowID and returns the tracking handle awaitOutcome waits on.
func (d *Dispatcher) startExecution(workflowID string, build *dag.BuildResult, mode executor.ApprovalMode, completed map[string]executor.TaskResult) *inflightExecution {
	inf := d.track(workflowID)
	// When no real HIL gate is wired, fall back to auto-approval without the
	// notifyingGate wrapper: there is nothing pending to report, so
	// approval_required would be a spurious message the caller never needs
	// to resolve.
	var gate executor.ApprovalGate = executor.AutoApprovalGate{}
	if d.Gate != nil {
		gate = &notifyingGate{inner: d.Gate, notify: inf.approvals}
	}
	go func() {
		var res *executor.WorkflowResult
		var err error
		if completed != nil {
			res, err = d.Exec.Replan(context.Background(), workflowID, build, completed, mode, gate)
		} else {
			res, err = d.Exec.Execute(context.Background(), workflowID, build, mode, gate)
		}
		inf.result, inf.err = res, err
		close(inf.done)
	}()
	return inf
}

// awaitOutcome blocks until either the workflow's first approval gate opens
// (returning approval_required immediately) or the workflow reaches a
// terminal state (returning success or an RPC error).
func (d *Dispatcher) awaitOutcome(ctx context.Context, workflowID string, inf *inflightExecution) (any, *toolerr.RPCError) {
	select {
	case msg := <-inf.approvals:
		return executeApprovalRequiredResult{
			Status:       "approval_required",
			WorkflowID:   workflowID,
			CheckpointID: msg.checkpointID,
			Tasks:        msg.tasks,
		}, nil
	case <-inf.done:
		d.untrack(workflowID)
		return d.finalResult(workflowID, inf.result, inf.err)
	case <-ctx.Done():
		return nil, toolerr.NewRPCError(toolerr.CodeTimeout, "request cancelled while awaiting workflow outcome", nil)
	}
}

func (d *Dispatcher) finalResult(workflowID string, res *executor.WorkflowResult, err error) (any, *toolerr.RPCError) {
	if res == nil {
		return nil, toolerr.NewRPCError(toolerr.CodeInternalError, err.Error(), nil)
	}
	switch res.Status {
	case executor.WorkflowCompleted:
		return executeSuccessResult{
			Status:     "success",
			Data:       outputsOf(res),
			TraceID:    workflowID,
			WorkflowID: workflowID,
		}, nil
	case executor.WorkflowAborted:
		code := toolerr.CodeApprovalDenied
		if res.Reason == executor.ReasonApprovalTimeout {
			code = toolerr.CodeTimeout
		}
		return nil, toolerr.NewRPCError(code, "workflow "+string(res.Status)+": "+res.Reason, map[string]string{"workflowId": workflowID})
	default: // executor.WorkflowFailed
		msg := "workflow failed"
		if err != nil {
			msg = err.Error()
		}
		return nil, toolerr.NewRPCError(toolerr.CodeToolExecutionFailed, msg, map[string]string{"workflowId": workflowID})
	}
}

// outputsOf collects every task's output keyed by task id, the simplest
// faithful rendering of "data" for a caller that doesn't know the physical
// DAG's shape in advance.
func outputsOf(res *executor.WorkflowResult) map[string]any {
	out := make(map[string]any, len(res.TaskResults))
	for id, tr := range res.TaskResults {
		out[id] = tr.Output
	}
	return out
}

func (d *Dispatcher) handleExecute(ctx context.Context, params []byte) (any, *toolerr.RPCError) {
	req, errR := decodeParams[executeParams](params)
	if errR != nil {
		return nil, errR
	}

	if req.ContinueWorkflow != nil {
		return d.handleContinueWorkflow(ctx, *req.ContinueWorkflow)
	}
	if req.Intent == "" {
		return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, "intent is required", nil)
	}

	code := req.Code
	if code == "" && req.AcceptSuggestion != nil && req.AcceptSuggestion.CallName != "" {
		found, ok, err := d.resolveSuggestion(req.AcceptSuggestion.CallName)
		if err != nil {
			return nil, toolerr.NewRPCError(toolerr.CodeInternalError, err.Error(), nil)
		}
		if !ok {
			return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, "unknown capability: "+req.AcceptSuggestion.CallName, nil)
		}
		code = found
	}

	if code == "" {
		if d.Registry != nil {
			results, err := d.Registry.Search(req.Intent, capability.SearchOptions{Limit: 1})
			if err == nil && len(results) > 0 && results[0].Score >= suggestionThreshold {
				return executeSuggestionsResult{Status: "suggestions", SuggestedDag: results[0]}, nil
			}
		}
		return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, "no code supplied and no capability match found for intent", nil)
	}

	root, err := d.Parser.Parse(code)
	if err != nil {
		return nil, toolerr.NewRPCError(toolerr.CodeParseError, err.Error(), nil)
	}
	build, err := d.BuildDAG(root, code)
	if err != nil {
		return nil, toolerr.NewRPCError(buildErrorCode(err), err.Error(), nil)
	}

	mode := d.DefaultApprovalMode
	if mode == "" {
		mode = executor.ApprovalModeHIL
	}

	workflowID := uuid.New().String()
	inf := d.startExecution(workflowID, build, mode, nil)
	return d.awaitOutcome(ctx, workflowID, inf)
}

// resolveSuggestion looks a previously suggested capability up by its
// display name and returns its stored code template. args is intentionally
// not substituted into the template: capability code templates carry no
// declared parameter-binding syntax anywhere in the DAG builder's input
// contract, so accept_suggestion.args is accepted on the wire for forward
// compatibility but has nothing to bind to yet.
func (d *Dispatcher) resolveSuggestion(callName string) (string, bool, error) {
	named, ok := d.Registry.(interface {
		GetByName(ctx context.Context, name string) (capability.Capability, bool, error)
	})
	if !ok {
		return "", false, nil
	}
	c, found, err := named.GetByName(context.Background(), callName)
	if err != nil || !found {
		return "", found, err
	}
	return c.CodeTemplate, true, nil
}

func (d *Dispatcher) handleContinueWorkflow(ctx context.Context, req continueWorkflowParams) (any, *toolerr.RPCError) {
	if req.WorkflowID == "" {
		return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, "continue_workflow.workflow_id is required", nil)
	}
	inf, ok := d.lookupInflight(req.WorkflowID)
	if !ok {
		return nil, toolerr.NewRPCError(toolerr.CodeWorkflowNotFound, toolerr.ErrWorkflowNotFound.Error(), nil)
	}
	if d.State == nil || d.Resolver == nil {
		return nil, toolerr.NewRPCError(toolerr.CodeInternalError, "workflow resume is not configured", nil)
	}
	ws, err := d.State.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, toolerr.NewRPCError(toolerr.CodeWorkflowNotFound, err.Error(), nil)
	}
	if !d.Resolver.Resolve(req.WorkflowID, ws.PausedAt, req.Approved) {
		return nil, toolerr.NewRPCError(toolerr.CodeWorkflowNotFound, "no pending approval for this workflow", nil)
	}
	return d.awaitOutcome(ctx, req.WorkflowID, inf)
}
