// Package dispatcher implements the gateway's JSON-RPC meta-operation
// method table: pml:discover, pml:execute, pml:abort, pml:replan, and the
// tools/list, tools/call forwarding surface. It is transport-agnostic —
// see stdio.go and httpserver.go for the two wire bindings — and depends
// on the rest of the gateway only through narrow interfaces so it can be
// tested without a live executor, registry, or tool multiplexer.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pml-systems/pml-gateway/internal/capability"
	"github.com/pml-systems/pml-gateway/internal/dag"
	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/mcpmux"
	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// Execution is the subset of *executor.Executor the dispatcher drives.
type Execution interface {
	Execute(ctx context.Context, workflowID string, build *dag.BuildResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error)
	Replan(ctx context.Context, workflowID string, newBuild *dag.BuildResult, completedTasks map[string]executor.TaskResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error)
	Abort(ctx context.Context, workflowID, reason string) error
}

// ASTParser turns guest source into the pre-parsed AST the DAG builder
// consumes. Parsing the guest language is explicitly out of this module's
// scope (see SPEC_FULL.md §1); callers wire a real parser in.
type ASTParser interface {
	Parse(code string) (dag.Node, error)
}

// CapabilitySearcher is the subset of *capability.Registry pml:discover
// searches against.
type CapabilitySearcher interface {
	Search(query string, opts capability.SearchOptions) ([]capability.SearchResult, error)
}

// ToolCatalog exposes the statically configured tool descriptors pml:discover
// and tools/list search and list over.
type ToolCatalog interface {
	List() []executor.ToolDescriptor
}

// ToolCaller is the subset of *mcpmux.Manager tools/call forwards to.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID string, req mcpmux.CallRequest) (mcpmux.CallResponse, error)
}

// WorkflowStateGetter resolves a paused workflow's persisted state, used by
// pml:replan to recover completedTasks and by pml:execute's
// continue_workflow command to validate the workflow is actually paused.
type WorkflowStateGetter interface {
	Get(ctx context.Context, workflowID string) (executor.WorkflowState, error)
}

// ApprovalResolver delivers a continue_workflow command's outcome to the
// executor goroutine blocked in ApprovalGate.RequestApproval.
type ApprovalResolver interface {
	Resolve(workflowID, checkpointID string, approved bool) bool
}

// DAGBuilder builds and fuses a logical DAG from a parsed AST root and the
// source text it was parsed from (dag.Builder.Code, needed to slice
// operation bodies verbatim by span). It is a function type rather than an
// interface because *dag.Builder is wired statelessly per call
// (Builder.Code/ResolveCapability vary per request).
type DAGBuilder func(root dag.Node, code string) (*dag.BuildResult, error)

// Dispatcher wires the method table to the rest of the gateway.
type Dispatcher struct {
	Exec       Execution
	Parser     ASTParser
	BuildDAG   DAGBuilder
	Registry   CapabilitySearcher
	Tools      ToolCatalog
	Caller     ToolCaller
	State      WorkflowStateGetter
	Gate       ApprovalGate
	Resolver   ApprovalResolver
	Tele       telemetry.Bundle

	// DefaultApprovalMode is used for pml:execute requests that don't name
	// one explicitly; ApprovalModeHIL is the safe default so an unconfigured
	// gateway never silently auto-approves risky tool calls.
	DefaultApprovalMode executor.ApprovalMode

	mu       sync.Mutex
	inflight map[string]*inflightExecution
}

// ApprovalGate is re-exported so callers can construct a Dispatcher without
// importing internal/executor directly for this one type.
type ApprovalGate = executor.ApprovalGate

// Dispatch routes one JSON-RPC method call to its handler and returns
// either a result value (to be marshaled into the response's "result"
// field) or a structured RPC error.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, *toolerr.RPCError) {
	switch method {
	case "pml:discover":
		return d.handleDiscover(ctx, params)
	case "pml:execute":
		return d.handleExecute(ctx, params)
	case "pml:abort":
		return d.handleAbort(ctx, params)
	case "pml:replan":
		return d.handleReplan(ctx, params)
	case "tools/list":
		return d.handleToolsList(ctx, params)
	case "tools/call":
		return d.handleToolsCall(ctx, params)
	default:
		return nil, toolerr.NewRPCError(toolerr.CodeMethodNotFound, "method not found: "+method, nil)
	}
}

func decodeParams[T any](params json.RawMessage) (T, *toolerr.RPCError) {
	var v T
	if len(params) == 0 {
		return v, toolerr.NewRPCError(toolerr.CodeInvalidParams, "missing params", nil)
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, toolerr.NewRPCError(toolerr.CodeInvalidParams, "invalid params: "+err.Error(), nil)
	}
	return v, nil
}

func buildErrorCode(err error) int {
	switch {
	case errors.Is(err, dag.ErrParseError):
		return toolerr.CodeParseError
	case errors.Is(err, dag.ErrUnknownTool):
		return toolerr.CodeUnknownTool
	case errors.Is(err, dag.ErrInvalidDAG):
		return toolerr.CodeInvalidParams
	default:
		return toolerr.CodeInternalError
	}
}
