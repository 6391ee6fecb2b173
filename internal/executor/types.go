// Package executor runs a physical DAG produced by the DAG builder: it
// partitions tasks into strict layers, gates risky layers behind human
// approval, dispatches each task to the tool multiplexer or the code
// sandbox, retries transient tool failures, and reconstructs the logical
// executedPath for the capability registry once the workflow settles.
package executor

import (
	"encoding/json"
	"time"

	"github.com/pml-systems/pml-gateway/internal/dag"
)

// TaskStatus is one PhysicalTask's outcome within a layer.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// WorkflowStatus is the whole execution's terminal or in-flight state.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused" // waiting at a HIL gate
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowAborted   WorkflowStatus = "aborted"

	// ReasonApprovalTimeout is recorded when a HIL gate's configured
	// ApprovalTimeout elapses without a Continue or Abort command.
	ReasonApprovalTimeout = "approval_timeout"
	// ReasonAborted is recorded when Abort is invoked directly.
	ReasonAborted = "aborted"
	// ReasonApprovalDenied is recorded when a gate returns approved = false.
	ReasonApprovalDenied = "approval_denied"
)

// ApprovalMode selects whether a workflow may auto-approve HIL-gated
// layers. Per the gate contract, a layer requiring approval is only
// actually gated when the workflow is not in auto mode.
type ApprovalMode string

const (
	ApprovalModeAuto ApprovalMode = "auto"
	ApprovalModeHIL  ApprovalMode = "hil"
)

// RetryPolicy configures the exponential-backoff-with-jitter retry applied
// to transient mcp_call failures, mirroring the DAG-engine enrichment
// source's retry shape.
type RetryPolicy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy bounds retries to three attempts with a half-second
// starting backoff, doubling up to five seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     5 * time.Second,
	Multiplier:  2.0,
}

// TaskResult is one physical task's recorded outcome.
type TaskResult struct {
	TaskID     string
	Status     TaskStatus
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Output     any
	Err        string
	Attempts   int
	LayerIndex int
}

// ToolDescriptor is the immutable, post-load metadata the executor consults
// to decide whether a task needs human approval. Unknown tools (no
// descriptor on file) always require approval.
type ToolDescriptor struct {
	FullID       string
	Scope        dag.SandboxScope
	ApprovalMode ApprovalMode
	// Schema, when set, is a JSON Schema document the executor validates a
	// call's assembled payload against before dispatching it. Nil means no
	// argument validation is performed for this tool.
	Schema json.RawMessage
}

// ToolRegistry resolves a tool's full id to its descriptor. Callers whose
// tool set is not registered anywhere still work: Resolve returning
// (ToolDescriptor{}, false) is treated as "unknown tool", which always
// requires approval.
type ToolRegistry interface {
	Resolve(fullID string) (ToolDescriptor, bool)
}

// StaticToolRegistry is the simplest ToolRegistry: a fixed map loaded once
// from configuration.
type StaticToolRegistry map[string]ToolDescriptor

func (r StaticToolRegistry) Resolve(fullID string) (ToolDescriptor, bool) {
	d, ok := r[fullID]
	return d, ok
}

// WorkflowResult is the executor's return value for a completed, failed, or
// aborted workflow run.
type WorkflowResult struct {
	WorkflowID    string
	Status        WorkflowStatus
	Reason        string
	CompletedAt   time.Time
	TaskResults   map[string]TaskResult
	ExecutedPath  []ExecutedStep
	LayerCount    int
}

// ExecutedStep is one entry of the logical-view trace: a tool invocation or
// a loop, with an estimated duration apportioned across fused physical
// tasks.
type ExecutedStep struct {
	Tool       string
	DurationMs int64
}
