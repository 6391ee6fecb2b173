package dispatcher

import "github.com/pml-systems/pml-gateway/internal/dag"

// discoverParams is pml:discover's request shape.
type discoverParams struct {
	Intent  string `json:"intent"`
	Filter  *struct {
		Type     string  `json:"type"`
		MinScore float64 `json:"minScore"`
	} `json:"filter"`
	Limit          int  `json:"limit"`
	IncludeRelated bool `json:"include_related"`
}

// discoverResultItem is one hit in pml:discover's results array.
type discoverResultItem struct {
	Kind      string   `json:"kind"` // "tool" | "capability"
	ID        string   `json:"id"`
	Score     float64  `json:"score"`
	Name      string   `json:"name,omitempty"`
	ToolsUsed []string `json:"toolsUsed,omitempty"`
}

type discoverResult struct {
	Results []discoverResultItem `json:"results"`
}

// executeParams is pml:execute's request shape. Exactly one of Code,
// AcceptSuggestion, or ContinueWorkflow drives the handler's branch; Intent
// is required unless ContinueWorkflow is set (used for capability search /
// suggestion match and for the learned capability's record).
type executeParams struct {
	Intent  string `json:"intent"`
	Code    string `json:"code"`
	Options *struct {
		TimeoutMs          int64 `json:"timeout"`
		PerLayerValidation bool  `json:"per_layer_validation"`
	} `json:"options"`
	AcceptSuggestion *struct {
		CallName string         `json:"callName"`
		Args     map[string]any `json:"args"`
	} `json:"accept_suggestion"`
	ContinueWorkflow *continueWorkflowParams `json:"continue_workflow"`
}

type continueWorkflowParams struct {
	WorkflowID string `json:"workflow_id"`
	Approved   bool   `json:"approved"`
}

// executeSuccessResult is pml:execute's result when the workflow ran to
// completion.
type executeSuccessResult struct {
	Status     string `json:"status"`
	Data       any    `json:"data"`
	TraceID    string `json:"traceId"`
	WorkflowID string `json:"workflowId"`
}

// executeApprovalRequiredResult is pml:execute's result when a layer is
// gated on human approval.
type executeApprovalRequiredResult struct {
	Status       string              `json:"status"`
	WorkflowID   string              `json:"workflowId"`
	CheckpointID string              `json:"checkpointId"`
	Tasks        []dag.PhysicalTask  `json:"tasks"`
}

// executeSuggestionsResult is pml:execute's result when no code was
// supplied and a matching capability was found instead of running anything.
type executeSuggestionsResult struct {
	Status       string `json:"status"`
	SuggestedDag any    `json:"suggestedDag"`
}

// abortParams is pml:abort's request shape.
type abortParams struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
}

type abortResult struct {
	Status string `json:"status"`
}

// replanParams is pml:replan's request shape.
type replanParams struct {
	WorkflowID     string `json:"workflow_id"`
	NewRequirement string `json:"new_requirement"`
}

type replanResult struct {
	Status        string `json:"status"`
	AddedTasks    int    `json:"addedTasks"`
	NewLayerCount int    `json:"newLayerCount"`
}

// toolsListResult mirrors the MCP tools/list shape the dispatcher forwards
// to its own configured tool catalog.
type toolsListResult struct {
	Tools []toolListEntry `json:"tools"`
}

type toolListEntry struct {
	Name string `json:"name"`
}

// toolsCallParams is the standard MCP tools/call request shape. Name is the
// fully qualified "<serverId>:<toolName>" id, matching the format
// PhysicalTask.Tool already uses for mcp_call tasks.
type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
