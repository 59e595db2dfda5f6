package models

import "time"

// ExecutionStatus is the lifecycle state of a single user-triggered run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether status is one of the terminal states.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Execution is a single user-triggered run of the orchestrator loop,
// owning its own event stream for its lifetime.
type Execution struct {
	ID          string          `json:"id"`
	ChannelType string          `json:"channel_type"`
	ChannelID   string          `json:"channel_id"`
	UserID      string          `json:"user_id"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	InputText   string          `json:"input_text"`
	OutputText  string          `json:"output_text,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// EventType enumerates the kinds of records that make up an execution's
// event stream.
type EventType string

const (
	EventUserInput         EventType = "user-input"
	EventPlanCreated       EventType = "plan-created"
	EventLLMRequest        EventType = "llm-request"
	EventLLMResponse       EventType = "llm-response"
	EventToolCall          EventType = "tool-call"
	EventToolResult        EventType = "tool-result"
	EventFinalResponse     EventType = "final-response"
	EventApprovalRequested EventType = "approval-requested"
	EventApprovalGranted   EventType = "approval-granted"
	EventApprovalDenied    EventType = "approval-denied"
	EventCancelled         EventType = "cancelled"
	EventContextUpdated    EventType = "context-updated"
	EventError             EventType = "error"
)

// StoredEvent is a single durable record within an execution's append-only
// log. (execution_id, sequence_num) is unique and sequence numbers are
// gap-free and strictly increasing within an execution.
type StoredEvent struct {
	ID            string         `json:"id"`
	ExecutionID   string         `json:"execution_id"`
	SequenceNum   uint64         `json:"sequence_num"`
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
