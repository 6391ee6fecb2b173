package dispatcher

import (
	"context"

	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// handleReplan rebuilds the DAG for the suffix of a paused or between-layer
// workflow from its persisted completedTasks and resumes execution from the
// new build's layer 0. Unlike pml:execute, the response reports the shape
// of the rebuilt plan rather than waiting for the resumed run to settle:
// the caller already has workflowId and observes progress the same way it
// would for any other in-flight workflow (events, or a follow-up
// pml:execute continue_workflow once another gate opens).
func (d *Dispatcher) handleReplan(ctx context.Context, params []byte) (any, *toolerr.RPCError) {
	req, errR := decodeParams[replanParams](params)
	if errR != nil {
		return nil, errR
	}
	if req.WorkflowID == "" || req.NewRequirement == "" {
		return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, "workflow_id and new_requirement are required", nil)
	}
	if d.State == nil {
		return nil, toolerr.NewRPCError(toolerr.CodeInternalError, "workflow state store is not configured", nil)
	}

	ws, err := d.State.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, toolerr.NewRPCError(toolerr.CodeWorkflowNotFound, err.Error(), nil)
	}

	root, err := d.Parser.Parse(req.NewRequirement)
	if err != nil {
		return nil, toolerr.NewRPCError(toolerr.CodeParseError, err.Error(), nil)
	}
	build, err := d.BuildDAG(root, req.NewRequirement)
	if err != nil {
		return nil, toolerr.NewRPCError(buildErrorCode(err), err.Error(), nil)
	}

	added := 0
	for _, t := range build.Tasks {
		if _, done := ws.CompletedTasks[t.ID]; !done {
			added++
		}
	}
	newLayerCount := executor.LayerCount(build.Tasks)

	mode := d.DefaultApprovalMode
	if mode == "" {
		mode = executor.ApprovalModeHIL
	}
	d.startExecution(req.WorkflowID, build, mode, ws.CompletedTasks)

	return replanResult{Status: "replanned", AddedTasks: added, NewLayerCount: newLayerCount}, nil
}
