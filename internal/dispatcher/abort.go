package dispatcher

import (
	"context"

	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

func (d *Dispatcher) handleAbort(ctx context.Context, params []byte) (any, *toolerr.RPCError) {
	req, errR := decodeParams[abortParams](params)
	if errR != nil {
		return nil, errR
	}
	if req.WorkflowID == "" {
		return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, "workflow_id is required", nil)
	}
	if err := d.Exec.Abort(ctx, req.WorkflowID, req.Reason); err != nil {
		return nil, toolerr.NewRPCError(toolerr.CodeWorkflowNotFound, err.Error(), nil)
	}
	return abortResult{Status: "aborted"}, nil
}
