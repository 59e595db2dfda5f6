// Package scheduler implements the durable proactive task scheduler: a
// polling loop over a table of tasks with next-fire/last-fire timestamps,
// atomic claim-on-dispatch, a max_concurrent dispatch semaphore, and a
// retry policy with backoff. Adapted from the polling/locking shape of
// the teacher's distributed cron-task runner, retargeted at the three
// action kinds the orchestrator core supports: natural-language prompts,
// direct tool calls, and shell commands routed through the exec tool.
package scheduler

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusEnabled  TaskStatus = "enabled"
	TaskStatusDisabled TaskStatus = "disabled"
)

// ActionType identifies how a task's action is dispatched.
type ActionType string

const (
	// ActionNaturalLanguage constructs an OrchestratorInput and calls the
	// orchestrator, the same as an inbound chat message would.
	ActionNaturalLanguage ActionType = "natural_language"
	// ActionToolCall invokes a named tool directly through the runner,
	// bypassing the orchestrator loop.
	ActionToolCall ActionType = "tool_call"
	// ActionShell routes a command string through the exec tool so the
	// same five-layer defense (validation, pipeline analysis, isolation,
	// resource limits, output sanitization) applies as it would for an
	// agent-invoked shell command.
	ActionShell ActionType = "shell"
)

// ExecutionStatus is the state of a single dispatch of a task.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimedOut  ExecutionStatus = "timed_out"
)

// RetryPolicy controls retry behavior for a failed dispatch.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	MaxBackoff time.Duration `json:"max_backoff,omitempty"`
}

// DefaultRetryPolicy mirrors the teacher's default task config backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 0,
		RetryDelay: 30 * time.Second,
		MaxBackoff: 5 * time.Minute,
	}
}

// Action is the payload a task dispatches when it fires.
type Action struct {
	Type ActionType `json:"type"`

	// Prompt is used for ActionNaturalLanguage.
	Prompt string `json:"prompt,omitempty"`

	// ToolName/ToolArgs are used for ActionToolCall.
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// Command is used for ActionShell.
	Command string `json:"command,omitempty"`
}

// ScheduledTask is a durable task with a schedule specification, matching
// spec.md's ScheduledTask: identifier, schedule spec, enabled flag,
// next/last-fire timestamps, action, retry policy, and ownership.
type ScheduledTask struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Schedule    Schedule     `json:"schedule"`
	Action      Action       `json:"action"`
	Retry       RetryPolicy  `json:"retry"`
	UserID      string       `json:"user_id"`
	ChannelID   string       `json:"channel_id,omitempty"`
	NextFire    time.Time    `json:"next_fire"`
	LastFire    *time.Time   `json:"last_fire,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Enabled reports whether the task is eligible for dispatch.
func (t *ScheduledTask) Enabled() bool { return t.Status == TaskStatusEnabled }

// TaskExecution records one dispatch attempt of a scheduled task.
type TaskExecution struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	ExecutionID   string          `json:"execution_id,omitempty"` // orchestrator execution, if ActionNaturalLanguage
	Status        ExecutionStatus `json:"status"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	AttemptNumber int             `json:"attempt_number"`
	Error         string          `json:"error,omitempty"`
}

// IsTerminal reports whether the execution has reached a final state.
func (e *TaskExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusTimedOut:
		return true
	default:
		return false
	}
}
