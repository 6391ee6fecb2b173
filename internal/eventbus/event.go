// Package eventbus implements the gateway's single-process typed pub/sub: a
// closed set of execution events fanned out to bounded, drop-oldest
// per-subscriber queues so a slow consumer never blocks the publisher.
package eventbus

import "time"

// Type is one element of the closed event-type set the bus recognizes.
type Type string

const (
	ToolStart          Type = "tool.start"
	ToolEnd            Type = "tool.end"
	CapabilityStart    Type = "capability.start"
	CapabilityEnd      Type = "capability.end"
	CapabilityLearned  Type = "capability.learned"
	CapabilityMatched  Type = "capability.matched"
	DAGStarted         Type = "dag.started"
	DAGTaskStarted     Type = "dag.task.started"
	DAGTaskCompleted   Type = "dag.task.completed"
	DAGTaskFailed      Type = "dag.task.failed"
	DAGCompleted       Type = "dag.completed"
	DAGReplanned       Type = "dag.replanned"
	WorkflowFailed     Type = "workflow.failed"
	GraphSynced        Type = "graph.synced"
	Heartbeat          Type = "heartbeat"
	HealthCheck        Type = "health.check"
	MetricsSnapshot    Type = "metrics.snapshot"

	// Wildcard matches every event type when used as a subscription filter.
	Wildcard Type = "*"
)

// Event is the typed union published on the bus. Payload shape depends on
// Type; callers type-assert based on Type.
type Event struct {
	Type      Type
	Timestamp time.Time
	Source    string
	Payload   any
}

// TaskEventPayload is the payload for dag.task.{started,completed,failed}.
type TaskEventPayload struct {
	WorkflowID string
	LayerIndex int
	TaskID     string
	Tool       string
	DurationMs int64
	Output     any
	Err        string
}

// WorkflowFailedPayload is the payload for workflow.failed.
type WorkflowFailedPayload struct {
	WorkflowID string
	Reason     string
}

// CapabilityPayload is the payload for capability.{learned,matched}.
type CapabilityPayload struct {
	CapabilityID string
	Name         string
	TraceID      string
}
