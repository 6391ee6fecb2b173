package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pml-systems/pml-gateway/internal/capability"
	"github.com/pml-systems/pml-gateway/internal/dag"
	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/mcpmux"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// fakeExecution is a narrow, scriptable double for Execution.
type fakeExecution struct {
	executeFn func(ctx context.Context, workflowID string, build *dag.BuildResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error)
	replanFn  func(ctx context.Context, workflowID string, build *dag.BuildResult, completed map[string]executor.TaskResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error)
	abortFn   func(ctx context.Context, workflowID, reason string) error
}

func (f *fakeExecution) Execute(ctx context.Context, workflowID string, build *dag.BuildResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error) {
	return f.executeFn(ctx, workflowID, build, mode, gate)
}

func (f *fakeExecution) Replan(ctx context.Context, workflowID string, build *dag.BuildResult, completed map[string]executor.TaskResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error) {
	if f.replanFn != nil {
		return f.replanFn(ctx, workflowID, build, completed, mode, gate)
	}
	return f.executeFn(ctx, workflowID, build, mode, gate)
}

func (f *fakeExecution) Abort(ctx context.Context, workflowID, reason string) error {
	if f.abortFn != nil {
		return f.abortFn(ctx, workflowID, reason)
	}
	return nil
}

// fakeParser returns a fixed node regardless of source, or an error.
type fakeParser struct {
	node dag.Node
	err  error
}

func (p *fakeParser) Parse(string) (dag.Node, error) { return p.node, p.err }

type fakeNode struct{}

func (fakeNode) Kind() dag.NodeKind    { return dag.KindOther }
func (fakeNode) Span() dag.Span        { return dag.Span{} }
func (fakeNode) Children() []dag.Node  { return nil }

// fakeRegistry is a scriptable CapabilitySearcher that also exposes
// GetByName, matching the optional interface resolveSuggestion probes for.
type fakeRegistry struct {
	searchFn    func(query string, opts capability.SearchOptions) ([]capability.SearchResult, error)
	byName      map[string]capability.Capability
}

func (r *fakeRegistry) Search(query string, opts capability.SearchOptions) ([]capability.SearchResult, error) {
	return r.searchFn(query, opts)
}

func (r *fakeRegistry) GetByName(_ context.Context, name string) (capability.Capability, bool, error) {
	c, ok := r.byName[name]
	return c, ok, nil
}

type fakeCatalog struct{ descs []executor.ToolDescriptor }

func (c *fakeCatalog) List() []executor.ToolDescriptor { return c.descs }

type fakeCaller struct {
	fn func(ctx context.Context, serverID string, req mcpmux.CallRequest) (mcpmux.CallResponse, error)
}

func (c *fakeCaller) CallTool(ctx context.Context, serverID string, req mcpmux.CallRequest) (mcpmux.CallResponse, error) {
	return c.fn(ctx, serverID, req)
}

type fakeStateGetter struct {
	states map[string]executor.WorkflowState
}

func (g *fakeStateGetter) Get(_ context.Context, workflowID string) (executor.WorkflowState, error) {
	ws, ok := g.states[workflowID]
	if !ok {
		return executor.WorkflowState{}, toolerr.ErrWorkflowNotFound
	}
	return ws, nil
}

type fakeResolver struct {
	resolveFn func(workflowID, checkpointID string, approved bool) bool
}

func (r *fakeResolver) Resolve(workflowID, checkpointID string, approved bool) bool {
	return r.resolveFn(workflowID, checkpointID, approved)
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := &Dispatcher{}
	_, rpcErr := d.Dispatch(context.Background(), "pml:bogus", nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeMethodNotFound, rpcErr.Code)
}

func TestHandleAbortSuccess(t *testing.T) {
	var gotID, gotReason string
	d := &Dispatcher{Exec: &fakeExecution{abortFn: func(_ context.Context, workflowID, reason string) error {
		gotID, gotReason = workflowID, reason
		return nil
	}}}
	res, rpcErr := d.Dispatch(context.Background(), "pml:abort", mustRaw(t, abortParams{WorkflowID: "wf1", Reason: "user cancelled"}))
	require.Nil(t, rpcErr)
	require.Equal(t, abortResult{Status: "aborted"}, res)
	require.Equal(t, "wf1", gotID)
	require.Equal(t, "user cancelled", gotReason)
}

func TestHandleAbortMissingWorkflowID(t *testing.T) {
	d := &Dispatcher{Exec: &fakeExecution{}}
	_, rpcErr := d.Dispatch(context.Background(), "pml:abort", mustRaw(t, abortParams{}))
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeInvalidParams, rpcErr.Code)
}

func TestHandleAbortNotFound(t *testing.T) {
	d := &Dispatcher{Exec: &fakeExecution{abortFn: func(context.Context, string, string) error {
		return toolerr.ErrWorkflowNotFound
	}}}
	_, rpcErr := d.Dispatch(context.Background(), "pml:abort", mustRaw(t, abortParams{WorkflowID: "missing"}))
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeWorkflowNotFound, rpcErr.Code)
}

func TestHandleDiscoverMergesToolsAndCapabilities(t *testing.T) {
	d := &Dispatcher{
		Registry: &fakeRegistry{searchFn: func(query string, opts capability.SearchOptions) ([]capability.SearchResult, error) {
			return []capability.SearchResult{{Kind: "capability", ID: "cap1", Name: "nlp:summarize", Score: 0.9}}, nil
		}},
		Tools: &fakeCatalog{descs: []executor.ToolDescriptor{{FullID: "nlp:summarizeText"}, {FullID: "fs:readFile"}}},
	}
	res, rpcErr := d.Dispatch(context.Background(), "pml:discover", mustRaw(t, discoverParams{Intent: "summarize"}))
	require.Nil(t, rpcErr)
	out := res.(discoverResult)
	require.NotEmpty(t, out.Results)
	require.Equal(t, "tool", out.Results[0].Kind)
	require.Equal(t, "nlp:summarizeText", out.Results[0].ID)
	require.Equal(t, "capability", out.Results[1].Kind)
}

func TestHandleDiscoverRequiresIntent(t *testing.T) {
	d := &Dispatcher{}
	_, rpcErr := d.Dispatch(context.Background(), "pml:discover", mustRaw(t, discoverParams{}))
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeInvalidParams, rpcErr.Code)
}

func TestHandleDiscoverFilterByType(t *testing.T) {
	d := &Dispatcher{
		Registry: &fakeRegistry{searchFn: func(string, capability.SearchOptions) ([]capability.SearchResult, error) {
			t.Fatal("capability search should not run when filter.type is tool")
			return nil, nil
		}},
		Tools: &fakeCatalog{descs: []executor.ToolDescriptor{{FullID: "fs:readFile"}}},
	}
	params := discoverParams{Intent: "read a file"}
	params.Filter = &struct {
		Type     string  `json:"type"`
		MinScore float64 `json:"minScore"`
	}{Type: "tool"}
	res, rpcErr := d.Dispatch(context.Background(), "pml:discover", mustRaw(t, params))
	require.Nil(t, rpcErr)
	out := res.(discoverResult)
	for _, item := range out.Results {
		require.Equal(t, "tool", item.Kind)
	}
}

func TestHandleToolsList(t *testing.T) {
	d := &Dispatcher{Tools: &fakeCatalog{descs: []executor.ToolDescriptor{{FullID: "fs:readFile"}, {FullID: "fs:writeFile"}}}}
	res, rpcErr := d.Dispatch(context.Background(), "tools/list", nil)
	require.Nil(t, rpcErr)
	out := res.(toolsListResult)
	require.Len(t, out.Tools, 2)
}

func TestHandleToolsCallForwards(t *testing.T) {
	var gotServer, gotTool string
	d := &Dispatcher{Caller: &fakeCaller{fn: func(_ context.Context, serverID string, req mcpmux.CallRequest) (mcpmux.CallResponse, error) {
		gotServer, gotTool = serverID, req.Tool
		return mcpmux.CallResponse{Structured: map[string]any{"ok": true}}, nil
	}}}
	res, rpcErr := d.Dispatch(context.Background(), "tools/call", mustRaw(t, toolsCallParams{Name: "fs:readFile", Arguments: map[string]any{"path": "a.txt"}}))
	require.Nil(t, rpcErr)
	require.Equal(t, "fs", gotServer)
	require.Equal(t, "readFile", gotTool)
	require.Equal(t, map[string]any{"ok": true}, res)
}

func TestHandleToolsCallRejectsUnqualifiedName(t *testing.T) {
	d := &Dispatcher{Caller: &fakeCaller{fn: func(context.Context, string, mcpmux.CallRequest) (mcpmux.CallResponse, error) {
		t.Fatal("should not reach the caller")
		return mcpmux.CallResponse{}, nil
	}}}
	_, rpcErr := d.Dispatch(context.Background(), "tools/call", mustRaw(t, toolsCallParams{Name: "readFile"}))
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeUnknownTool, rpcErr.Code)
}

func TestHandleExecuteSuccessPath(t *testing.T) {
	build := &dag.BuildResult{Tasks: []dag.PhysicalTask{{ID: "t1"}}}
	d := &Dispatcher{
		Parser: &fakeParser{node: fakeNode{}},
		BuildDAG: func(dag.Node, string) (*dag.BuildResult, error) { return build, nil },
		Exec: &fakeExecution{executeFn: func(ctx context.Context, workflowID string, b *dag.BuildResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error) {
			return &executor.WorkflowResult{
				WorkflowID:  workflowID,
				Status:      executor.WorkflowCompleted,
				TaskResults: map[string]executor.TaskResult{"t1": {TaskID: "t1", Output: 42}},
			}, nil
		}},
	}
	res, rpcErr := d.Dispatch(context.Background(), "pml:execute", mustRaw(t, executeParams{Intent: "do thing", Code: "a.filter(f)"}))
	require.Nil(t, rpcErr)
	out := res.(executeSuccessResult)
	require.Equal(t, "success", out.Status)
	require.Equal(t, map[string]any{"t1": 42}, out.Data)
}

func TestHandleExecuteParseErrorMapsToParseErrorCode(t *testing.T) {
	d := &Dispatcher{Parser: &fakeParser{err: dag.ErrParseError}}
	_, rpcErr := d.Dispatch(context.Background(), "pml:execute", mustRaw(t, executeParams{Intent: "x", Code: "bad("}))
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeParseError, rpcErr.Code)
}

func TestHandleExecuteNoCodeReturnsSuggestions(t *testing.T) {
	d := &Dispatcher{
		Registry: &fakeRegistry{searchFn: func(string, capability.SearchOptions) ([]capability.SearchResult, error) {
			return []capability.SearchResult{{Kind: "capability", ID: "cap1", Name: "nlp:summarize", Score: 0.95}}, nil
		}},
	}
	res, rpcErr := d.Dispatch(context.Background(), "pml:execute", mustRaw(t, executeParams{Intent: "summarize this"}))
	require.Nil(t, rpcErr)
	out := res.(executeSuggestionsResult)
	require.Equal(t, "suggestions", out.Status)
}

func TestHandleExecuteNoCodeNoMatchIsInvalidParams(t *testing.T) {
	d := &Dispatcher{
		Registry: &fakeRegistry{searchFn: func(string, capability.SearchOptions) ([]capability.SearchResult, error) {
			return nil, nil
		}},
	}
	_, rpcErr := d.Dispatch(context.Background(), "pml:execute", mustRaw(t, executeParams{Intent: "summarize this"}))
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeInvalidParams, rpcErr.Code)
}

func TestHandleExecuteAcceptSuggestionResolvesTemplate(t *testing.T) {
	build := &dag.BuildResult{Tasks: []dag.PhysicalTask{{ID: "t1"}}}
	var gotCode string
	d := &Dispatcher{
		Parser: &fakeParser{node: fakeNode{}},
		BuildDAG: func(dag.Node, string) (*dag.BuildResult, error) { return build, nil },
		Registry: &fakeRegistry{byName: map[string]capability.Capability{
			"nlp:summarize": {Name: "nlp:summarize", CodeTemplate: "a.summarize()"},
		}},
		Exec: &fakeExecution{executeFn: func(_ context.Context, workflowID string, _ *dag.BuildResult, _ executor.ApprovalMode, _ executor.ApprovalGate) (*executor.WorkflowResult, error) {
			return &executor.WorkflowResult{WorkflowID: workflowID, Status: executor.WorkflowCompleted, TaskResults: map[string]executor.TaskResult{}}, nil
		}},
	}
	// wrap the parser to capture what code was parsed
	d.Parser = &capturingParser{capture: &gotCode}
	params := executeParams{Intent: "summarize"}
	params.AcceptSuggestion = &struct {
		CallName string         `json:"callName"`
		Args     map[string]any `json:"args"`
	}{CallName: "nlp:summarize"}
	res, rpcErr := d.Dispatch(context.Background(), "pml:execute", mustRaw(t, params))
	require.Nil(t, rpcErr)
	require.IsType(t, executeSuccessResult{}, res)
	require.Equal(t, "a.summarize()", gotCode)
}

type capturingParser struct{ capture *string }

func (p *capturingParser) Parse(code string) (dag.Node, error) {
	*p.capture = code
	return fakeNode{}, nil
}

func TestHandleExecuteApprovalRequiredThenContinue(t *testing.T) {
	build := &dag.BuildResult{Tasks: []dag.PhysicalTask{{ID: "t1"}}}
	approvalCh := make(chan bool, 1)
	d := &Dispatcher{
		Parser:   &fakeParser{node: fakeNode{}},
		BuildDAG: func(dag.Node, string) (*dag.BuildResult, error) { return build, nil },
		Gate: gateFunc(func(ctx context.Context, workflowID, checkpointID string, pending []dag.PhysicalTask) (bool, error) {
			select {
			case approved := <-approvalCh:
				return approved, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}),
		Exec: &fakeExecution{executeFn: func(ctx context.Context, workflowID string, b *dag.BuildResult, mode executor.ApprovalMode, gate executor.ApprovalGate) (*executor.WorkflowResult, error) {
			approved, err := gate.RequestApproval(ctx, workflowID, "ckpt1", b.Tasks)
			if err != nil {
				return nil, err
			}
			if !approved {
				return &executor.WorkflowResult{WorkflowID: workflowID, Status: executor.WorkflowAborted, Reason: "approval_denied"}, nil
			}
			return &executor.WorkflowResult{WorkflowID: workflowID, Status: executor.WorkflowCompleted, TaskResults: map[string]executor.TaskResult{}}, nil
		}},
		State: &fakeStateGetter{states: map[string]executor.WorkflowState{}},
	}

	res, rpcErr := d.Dispatch(context.Background(), "pml:execute", mustRaw(t, executeParams{Intent: "x", Code: "a.filter(f)"}))
	require.Nil(t, rpcErr)
	approvalRes, ok := res.(executeApprovalRequiredResult)
	require.True(t, ok, "expected approval_required, got %#v", res)
	require.Equal(t, "ckpt1", approvalRes.CheckpointID)

	workflowID := approvalRes.WorkflowID
	d.State.(*fakeStateGetter).states[workflowID] = executor.WorkflowState{WorkflowID: workflowID, PausedAt: "ckpt1"}
	d.Resolver = &fakeResolver{resolveFn: func(wfID, ckptID string, approved bool) bool {
		require.Equal(t, workflowID, wfID)
		require.Equal(t, "ckpt1", ckptID)
		approvalCh <- approved
		return true
	}}

	res2, rpcErr2 := d.Dispatch(context.Background(), "pml:execute", mustRaw(t, executeParams{
		ContinueWorkflow: &continueWorkflowParams{WorkflowID: workflowID, Approved: true},
	}))
	require.Nil(t, rpcErr2)
	successRes, ok := res2.(executeSuccessResult)
	require.True(t, ok, "expected success after continue, got %#v", res2)
	require.Equal(t, workflowID, successRes.WorkflowID)
}

type gateFunc func(ctx context.Context, workflowID, checkpointID string, pending []dag.PhysicalTask) (bool, error)

func (f gateFunc) RequestApproval(ctx context.Context, workflowID, checkpointID string, pending []dag.PhysicalTask) (bool, error) {
	return f(ctx, workflowID, checkpointID, pending)
}

func TestHandleReplanReportsShapeAndResumesInBackground(t *testing.T) {
	build := &dag.BuildResult{Tasks: []dag.PhysicalTask{{ID: "t1"}, {ID: "t2"}}}
	resumed := make(chan struct{})
	d := &Dispatcher{
		Parser:   &fakeParser{node: fakeNode{}},
		BuildDAG: func(dag.Node, string) (*dag.BuildResult, error) { return build, nil },
		State: &fakeStateGetter{states: map[string]executor.WorkflowState{
			"wf1": {WorkflowID: "wf1", CompletedTasks: map[string]executor.TaskResult{"t1": {TaskID: "t1"}}},
		}},
		Exec: &fakeExecution{
			replanFn: func(_ context.Context, workflowID string, _ *dag.BuildResult, _ map[string]executor.TaskResult, _ executor.ApprovalMode, _ executor.ApprovalGate) (*executor.WorkflowResult, error) {
				close(resumed)
				return &executor.WorkflowResult{WorkflowID: workflowID, Status: executor.WorkflowCompleted, TaskResults: map[string]executor.TaskResult{}}, nil
			},
		},
	}
	res, rpcErr := d.Dispatch(context.Background(), "pml:replan", mustRaw(t, replanParams{WorkflowID: "wf1", NewRequirement: "a.filter(f); a.map(g)"}))
	require.Nil(t, rpcErr)
	out := res.(replanResult)
	require.Equal(t, "replanned", out.Status)
	require.Equal(t, 1, out.AddedTasks) // t2 only, t1 already completed
	require.Equal(t, 1, out.NewLayerCount)

	select {
	case <-resumed:
	case <-context.Background().Done():
	}
}

func TestHandleReplanUnknownWorkflow(t *testing.T) {
	d := &Dispatcher{State: &fakeStateGetter{states: map[string]executor.WorkflowState{}}}
	_, rpcErr := d.Dispatch(context.Background(), "pml:replan", mustRaw(t, replanParams{WorkflowID: "missing", NewRequirement: "a.filter(f)"}))
	require.NotNil(t, rpcErr)
	require.Equal(t, toolerr.CodeWorkflowNotFound, rpcErr.Code)
}

func TestBuildErrorCodeMapping(t *testing.T) {
	require.Equal(t, toolerr.CodeParseError, buildErrorCode(dag.ErrParseError))
	require.Equal(t, toolerr.CodeUnknownTool, buildErrorCode(dag.ErrUnknownTool))
	require.Equal(t, toolerr.CodeInvalidParams, buildErrorCode(dag.ErrInvalidDAG))
	require.Equal(t, toolerr.CodeInternalError, buildErrorCode(context.Canceled))
}
