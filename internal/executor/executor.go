package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pml-systems/pml-gateway/internal/capability"
	"github.com/pml-systems/pml-gateway/internal/dag"
	"github.com/pml-systems/pml-gateway/internal/eventbus"
	"github.com/pml-systems/pml-gateway/internal/mcpmux"
	"github.com/pml-systems/pml-gateway/internal/sandbox"
	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// DefaultApprovalTimeout bounds how long a HIL gate waits for a Continue or
// Abort command before the workflow is moved to Aborted.
const DefaultApprovalTimeout = 10 * time.Minute

// DefaultMaxWorkers bounds the per-layer worker pool when the caller does
// not set one explicitly.
const DefaultMaxWorkers = 8

// Executor runs physical DAGs produced by the DAG builder, one workflow at
// a time per call but many workflows concurrently across calls.
type Executor struct {
	Mux      *mcpmux.Manager
	Sandbox  *sandbox.Sandbox
	Registry *capability.Registry
	Bus      eventbus.Bus
	Tele     telemetry.Bundle
	Tools    ToolRegistry
	State    StateSink // optional

	Retry           RetryPolicy
	ApprovalTimeout time.Duration
	MaxWorkers      int

	cache   *ResultCache
	cancel  *CancellationManager
	schemas *schemaValidator
	once    sync.Once
}

// New constructs an Executor with sane defaults for anything the caller
// leaves zero-valued.
func New(mux *mcpmux.Manager, sb *sandbox.Sandbox, reg *capability.Registry, bus eventbus.Bus, tele telemetry.Bundle, tools ToolRegistry) *Executor {
	return &Executor{
		Mux: mux, Sandbox: sb, Registry: reg, Bus: bus, Tele: tele, Tools: tools,
		Retry:           DefaultRetryPolicy,
		ApprovalTimeout: DefaultApprovalTimeout,
		MaxWorkers:      DefaultMaxWorkers,
		cache:           NewResultCache(1000, 30*time.Minute),
		cancel:          NewCancellationManager(tele),
		schemas:         newSchemaValidator(),
	}
}

func (e *Executor) init() {
	e.once.Do(func() {
		if e.cache == nil {
			e.cache = NewResultCache(1000, 30*time.Minute)
		}
		if e.cancel == nil {
			e.cancel = NewCancellationManager(e.Tele)
		}
		if e.schemas == nil {
			e.schemas = newSchemaValidator()
		}
		if e.Retry == (RetryPolicy{}) {
			e.Retry = DefaultRetryPolicy
		}
		if e.ApprovalTimeout == 0 {
			e.ApprovalTimeout = DefaultApprovalTimeout
		}
		if e.MaxWorkers == 0 {
			e.MaxWorkers = DefaultMaxWorkers
		}
	})
}

// Close releases the result cache's background goroutine.
func (e *Executor) Close() { e.cache.Close() }

// Abort cancels workflowID's in-flight execution, if any.
func (e *Executor) Abort(ctx context.Context, workflowID, reason string) error {
	e.init()
	return e.cancel.Cancel(ctx, workflowID, reason)
}

// Execute runs build's layers in order, gating risky layers behind gate,
// and returns the terminal WorkflowResult. gate may be nil only when mode
// is ApprovalModeAuto.
func (e *Executor) Execute(ctx context.Context, workflowID string, build *dag.BuildResult, mode ApprovalMode, gate ApprovalGate) (*WorkflowResult, error) {
	e.init()
	if gate == nil {
		gate = AutoApprovalGate{}
	}

	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	e.cancel.Register(workflowID, cancelFn)

	layers := layerTasks(build.Tasks)
	safe := computeSafeToFail(build.Tasks)
	completed := make(map[string]TaskResult)

	e.publish(eventbus.DAGStarted, workflowID, nil)

	result, err := e.runLayers(runCtx, workflowID, build, layers, 0, safe, completed, mode, gate)
	if err != nil {
		e.cancel.Complete(workflowID, ExecutionFailed)
		return result, err
	}
	e.cancel.Complete(workflowID, ExecutionCompleted)
	return result, nil
}

// Replan resumes execution of a freshly rebuilt suffix DAG, seeding
// completedTasks as pre-existing bindings per the replan contract. newBuild
// is expected to have been rebuilt by the caller (the dispatcher) from the
// current completedTasks snapshot; Replan itself only re-enters the layer
// state machine at layer 0 of the new build.
func (e *Executor) Replan(ctx context.Context, workflowID string, newBuild *dag.BuildResult, completedTasks map[string]TaskResult, mode ApprovalMode, gate ApprovalGate) (*WorkflowResult, error) {
	e.init()
	if gate == nil {
		gate = AutoApprovalGate{}
	}

	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	e.cancel.Register(workflowID, cancelFn)

	layers := layerTasks(newBuild.Tasks)
	safe := computeSafeToFail(newBuild.Tasks)
	completed := make(map[string]TaskResult, len(completedTasks))
	for k, v := range completedTasks {
		completed[k] = v
	}

	e.publish(eventbus.DAGReplanned, workflowID, nil)

	result, err := e.runLayers(runCtx, workflowID, newBuild, layers, 0, safe, completed, mode, gate)
	if err != nil {
		e.cancel.Complete(workflowID, ExecutionFailed)
		return result, err
	}
	e.cancel.Complete(workflowID, ExecutionCompleted)
	return result, nil
}

func (e *Executor) runLayers(
	ctx context.Context,
	workflowID string,
	build *dag.BuildResult,
	layers [][]dag.PhysicalTask,
	startLayer int,
	safe map[string]bool,
	completed map[string]TaskResult,
	mode ApprovalMode,
	gate ApprovalGate,
) (*WorkflowResult, error) {
	for idx := startLayer; idx < len(layers); idx++ {
		layer := layers[idx]
		if len(layer) == 0 {
			continue
		}

		if h := approvalSet(layer, e.Tools); len(h) > 0 && mode != ApprovalModeAuto {
			checkpointID := uuid.NewString()
			e.persist(ctx, WorkflowState{WorkflowID: workflowID, LayerIndex: idx, CompletedTasks: completed, PausedAt: checkpointID, PendingHIL: taskIDs(h)})

			approveCtx, cancel := context.WithTimeout(ctx, e.ApprovalTimeout)
			approved, err := gate.RequestApproval(approveCtx, workflowID, checkpointID, h)
			timedOut := approveCtx.Err() == context.DeadlineExceeded
			cancel()

			if err != nil || !approved {
				reason := ReasonApprovalDenied
				if timedOut {
					reason = ReasonApprovalTimeout
				}
				e.publishFailed(workflowID, reason)
				return e.terminalResult(workflowID, WorkflowAborted, reason, completed, build, idx), fmt.Errorf("workflow %s gated at layer %d: %s", workflowID, idx, reason)
			}
		}

		select {
		case <-ctx.Done():
			e.publishFailed(workflowID, ReasonAborted)
			return e.terminalResult(workflowID, WorkflowAborted, ReasonAborted, completed, build, idx), ctx.Err()
		default:
		}

		failed := e.runLayer(ctx, workflowID, idx, layer, completed)
		for _, f := range failed {
			if safe[f] {
				continue
			}
			e.publishFailed(workflowID, fmt.Sprintf("task %s failed", f))
			return e.terminalResult(workflowID, WorkflowFailed, fmt.Sprintf("task %s failed: %s", f, completed[f].Err), completed, build, idx), fmt.Errorf("required task %s failed: %s", f, completed[f].Err)
		}
	}

	path := buildExecutedPath(build, completed)
	e.learnCapability(ctx, workflowID, build, completed, path)
	e.publish(eventbus.DAGCompleted, workflowID, nil)

	return &WorkflowResult{
		WorkflowID:   workflowID,
		Status:       WorkflowCompleted,
		CompletedAt:  time.Now(),
		TaskResults:  completed,
		ExecutedPath: path,
		LayerCount:   len(layers),
	}, nil
}

// runLayer executes every task in layer concurrently (bounded by
// MaxWorkers), recording each into completed, and returns the ids of tasks
// that failed.
func (e *Executor) runLayer(ctx context.Context, workflowID string, layerIdx int, layer []dag.PhysicalTask, completed map[string]TaskResult) []string {
	// Tasks within a layer are independent by construction (layering is a
	// longest-path partition), so every dependency a task in this layer
	// resolves already lives in a prior, fully-settled layer. Snapshotting
	// here lets every worker read completed concurrently without a lock
	// while this layer's own results are written back only after the
	// layer settles.
	snapshot := make(map[string]TaskResult, len(completed))
	for k, v := range completed {
		snapshot[k] = v
	}

	sem := make(chan struct{}, e.MaxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string
	layerResults := make(map[string]TaskResult, len(layer))

	for _, t := range layer {
		t := t
		// Checked before the semaphore send so a free slot can't win a
		// random select tie-break against an already-closed ctx.Done().
		select {
		case <-ctx.Done():
			continue
		default:
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Abort acknowledged before this task claimed a worker slot: it
			// never starts, so it never emits dag.task.started.
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				return
			default:
			}

			e.publish(eventbus.DAGTaskStarted, workflowID, eventbus.TaskEventPayload{WorkflowID: workflowID, LayerIndex: layerIdx, TaskID: t.ID, Tool: t.Tool})
			res := e.runTask(ctx, t, snapshot)
			res.LayerIndex = layerIdx

			mu.Lock()
			layerResults[t.ID] = res
			if res.Status == TaskFailed {
				failed = append(failed, t.ID)
			}
			mu.Unlock()

			evType := eventbus.DAGTaskCompleted
			if res.Status == TaskFailed {
				evType = eventbus.DAGTaskFailed
			}
			e.publish(evType, workflowID, eventbus.TaskEventPayload{
				WorkflowID: workflowID, LayerIndex: layerIdx, TaskID: t.ID, Tool: t.Tool,
				DurationMs: res.Duration.Milliseconds(), Output: res.Output, Err: res.Err,
			})
		}()
	}
	wg.Wait()

	for id, res := range layerResults {
		completed[id] = res
	}
	return failed
}

// runTask dispatches one task to the multiplexer or sandbox, applying the
// retry policy for mcp_call tasks, and consults/populates the result cache.
func (e *Executor) runTask(ctx context.Context, t dag.PhysicalTask, completed map[string]TaskResult) TaskResult {
	key := hashTask(t, completed)
	if cached, ok := e.cache.Get(key); ok {
		cached.TaskID = t.ID
		return cached
	}

	start := time.Now()
	result := TaskResult{TaskID: t.ID, Status: TaskRunning, StartTime: start}

	switch t.Kind {
	case dag.PhysicalCodeExec:
		out, err := e.runCodeExec(ctx, t, completed)
		result = finishResult(result, out, err)
	case dag.PhysicalMCPCall:
		out, err := e.runMCPCallWithRetry(ctx, t, completed)
		result = finishResult(result, out, err)
	default:
		result = finishResult(result, nil, toolerr.Errorf("unsupported physical task kind %q", t.Kind))
	}

	if result.Status == TaskCompleted && (t.Metadata.Pure || t.SandboxConfig.Scope == dag.ScopeMinimal) {
		e.cache.Put(key, result)
	}
	return result
}

func finishResult(r TaskResult, out any, err error) TaskResult {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	r.Attempts++
	if err != nil {
		r.Status = TaskFailed
		r.Err = err.Error()
		return r
	}
	r.Status = TaskCompleted
	r.Output = out
	return r
}

func (e *Executor) runCodeExec(ctx context.Context, t dag.PhysicalTask, completed map[string]TaskResult) (any, error) {
	env := map[string]any{"deps": depsOutput(t, completed)}
	prog, err := sandbox.Compile(t.Code, env)
	if err != nil {
		return nil, err
	}
	return e.Sandbox.Run(ctx, prog, env)
}

func (e *Executor) runMCPCallWithRetry(ctx context.Context, t dag.PhysicalTask, completed map[string]TaskResult) (any, error) {
	serverID, toolName, ok := strings.Cut(t.Tool, ":")
	if !ok {
		return nil, toolerr.New(fmt.Sprintf("malformed mcp tool id %q", t.Tool))
	}

	payload, err := json.Marshal(map[string]any{"deps": depsOutput(t, completed)})
	if err != nil {
		return nil, toolerr.NewWithCause("marshal task payload", err)
	}

	if desc, ok := e.Tools.Resolve(t.Tool); ok {
		if err := e.schemas.validate(t.Tool, desc.Schema, payload); err != nil {
			prompt := toolerr.BuildRepairPrompt(t.Tool, err.Error(), "", string(desc.Schema))
			return nil, &toolerr.RetryableError{Prompt: prompt, Cause: err}
		}
	}

	policy := e.Retry
	wait := policy.InitialWait
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := e.Mux.CallTool(ctx, serverID, mcpmux.CallRequest{Tool: toolName, Payload: payload})
		if err == nil {
			if resp.Structured != nil {
				return resp.Structured, nil
			}
			var out any
			_ = json.Unmarshal(resp.Result, &out)
			return out, nil
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}
		sleep, next := nextBackoff(wait, policy, time.Now().UnixNano())
		wait = next
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, lastErr
}

func depsOutput(t dag.PhysicalTask, completed map[string]TaskResult) map[string]any {
	out := make(map[string]any, len(t.Deps))
	for _, d := range t.Deps {
		if r, ok := completed[d]; ok {
			out[d] = r.Output
		}
	}
	return out
}

func hashTask(t dag.PhysicalTask, completed map[string]TaskResult) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(struct {
		ID   string
		Kind dag.PhysicalKind
		Tool string
		Code string
		Deps map[string]any
	}{t.ID, t.Kind, t.Tool, t.Code, depsOutput(t, completed)})
	return hex.EncodeToString(h.Sum(nil))
}

func taskIDs(tasks []dag.PhysicalTask) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func (e *Executor) publish(t eventbus.Type, workflowID string, payload any) {
	if e.Bus == nil {
		return
	}
	if payload == nil {
		payload = eventbus.TaskEventPayload{WorkflowID: workflowID}
	}
	e.Bus.Publish(eventbus.Event{Type: t, Timestamp: time.Now(), Source: "executor", Payload: payload})
}

func (e *Executor) publishFailed(workflowID, reason string) {
	e.publish(eventbus.WorkflowFailed, workflowID, eventbus.WorkflowFailedPayload{WorkflowID: workflowID, Reason: reason})
}

func (e *Executor) persist(ctx context.Context, ws WorkflowState) {
	if e.State == nil {
		return
	}
	if err := e.State.Persist(ctx, ws); err != nil {
		e.Tele.Logger.Warn(ctx, "workflow state persist failed", "workflow_id", ws.WorkflowID, "error", err)
	}
}

func (e *Executor) learnCapability(ctx context.Context, workflowID string, build *dag.BuildResult, completed map[string]TaskResult, path []ExecutedStep) {
	if e.Registry == nil {
		return
	}
	code := capabilityCode(build, completed)
	tools := make([]string, 0, len(path))
	for _, s := range path {
		if s.Tool != "" {
			tools = append(tools, s.Tool)
		}
	}

	id := capability.HashCodeTemplate(code)
	saved, err := e.Registry.Save(ctx, capability.Capability{
		ID:           id,
		Name:         capability.DefaultName(capabilityNamespace(tools), id),
		CodeTemplate: code, ToolsUsed: tools, SuccessRate: 1, LastUsed: time.Now(),
	})
	if err != nil {
		e.Tele.Logger.Warn(ctx, "capability save failed", "workflow_id", workflowID, "error", err)
		return
	}
	e.publish(eventbus.CapabilityLearned, workflowID, eventbus.CapabilityPayload{CapabilityID: saved.ID, Name: saved.Name, TraceID: workflowID})
}

// capabilityCode derives a stable, replayable code template for the
// workflow by concatenating each physical task's code/tool reference in
// execution order, so identical traces content-address to the same id.
func capabilityCode(build *dag.BuildResult, completed map[string]TaskResult) string {
	var b strings.Builder
	for _, t := range build.Tasks {
		if t.Code != "" {
			b.WriteString(t.Code)
		} else {
			b.WriteString(t.Tool)
		}
		b.WriteString(";\n")
	}
	return b.String()
}

// capabilityNamespace derives a learned capability's namespace from the
// first namespaced tool its trace called (tool ids are themselves
// "namespace:action", per the tool registry), so federated search can scope
// it correctly. A trace that never called a tool (pure code_exec chains)
// falls back to capability.DefaultNamespace.
func capabilityNamespace(tools []string) string {
	for _, tool := range tools {
		if i := strings.Index(tool, ":"); i > 0 {
			return tool[:i]
		}
	}
	return capability.DefaultNamespace
}

func (e *Executor) terminalResult(workflowID string, status WorkflowStatus, reason string, completed map[string]TaskResult, build *dag.BuildResult, layerIdx int) *WorkflowResult {
	return &WorkflowResult{
		WorkflowID:  workflowID,
		Status:      status,
		Reason:      reason,
		CompletedAt: time.Now(),
		TaskResults: completed,
		LayerCount:  layerIdx + 1,
	}
}
