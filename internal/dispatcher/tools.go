package dispatcher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pml-systems/pml-gateway/internal/mcpmux"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

func (d *Dispatcher) handleToolsList(_ context.Context, _ []byte) (any, *toolerr.RPCError) {
	if d.Tools == nil {
		return toolsListResult{}, nil
	}
	descs := d.Tools.List()
	entries := make([]toolListEntry, len(descs))
	for i, td := range descs {
		entries[i] = toolListEntry{Name: td.FullID}
	}
	return toolsListResult{Tools: entries}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, params []byte) (any, *toolerr.RPCError) {
	req, errR := decodeParams[toolsCallParams](params)
	if errR != nil {
		return nil, errR
	}
	serverID, toolName, ok := strings.Cut(req.Name, ":")
	if !ok {
		return nil, toolerr.NewRPCError(toolerr.CodeUnknownTool, "tool name must be \"<serverId>:<toolName>\": "+req.Name, nil)
	}
	if d.Caller == nil {
		return nil, toolerr.NewRPCError(toolerr.CodeInternalError, "tool multiplexer is not configured", nil)
	}

	payload, err := json.Marshal(req.Arguments)
	if err != nil {
		return nil, toolerr.NewRPCError(toolerr.CodeInvalidParams, err.Error(), nil)
	}

	resp, err := d.Caller.CallTool(ctx, serverID, mcpmux.CallRequest{Tool: toolName, Payload: payload})
	if err != nil {
		return nil, toolerr.NewRPCError(toolerr.CodeToolExecutionFailed, err.Error(), map[string]string{
			"serverId": serverID, "toolName": toolName,
		})
	}
	if resp.Structured != nil {
		return resp.Structured, nil
	}
	var out any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &out); err != nil {
			return nil, toolerr.NewRPCError(toolerr.CodeInternalError, err.Error(), nil)
		}
	}
	return out, nil
}
