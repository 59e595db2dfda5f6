package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
)

// OrchestratorRunner is the narrow slice of the orchestrator loop the
// scheduler needs for ActionNaturalLanguage dispatch: construct an
// OrchestratorInput for session="scheduler", channel="system" and run it
// to completion, returning the resulting execution id.
type OrchestratorRunner interface {
	RunToCompletion(ctx context.Context, userID, prompt string) (executionID string, err error)
}

// ToolRunner is the narrow slice of the tool registry/runner the
// scheduler needs for ActionToolCall dispatch.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params json.RawMessage) (result string, isError bool, err error)
}

// ShellRunner routes a shell command through the exec tool so the same
// five-layer command defense (validation, pipeline analysis, isolation,
// resource limits, output sanitization) applies to scheduled shell
// actions as it does to agent-invoked ones.
type ShellRunner interface {
	RunShell(ctx context.Context, command string) (output string, err error)
}

// ActionDispatcher implements Dispatcher by routing each ActionType to
// the matching runner, per spec.md §4.6 step 3.
type ActionDispatcher struct {
	Orchestrator OrchestratorRunner
	Tools        ToolRunner
	Shell        ShellRunner
}

// Dispatch executes task.Action via the configured runner for its type.
func (d *ActionDispatcher) Dispatch(ctx context.Context, task *ScheduledTask) (string, error) {
	switch task.Action.Type {
	case ActionNaturalLanguage:
		if d.Orchestrator == nil {
			return "", fmt.Errorf("scheduler: no orchestrator configured for natural_language task %s", task.ID)
		}
		return d.Orchestrator.RunToCompletion(ctx, task.UserID, task.Action.Prompt)

	case ActionToolCall:
		if d.Tools == nil {
			return "", fmt.Errorf("scheduler: no tool runner configured for tool_call task %s", task.ID)
		}
		result, isError, err := d.Tools.Execute(ctx, task.Action.ToolName, task.Action.ToolArgs)
		if err != nil {
			return "", fmt.Errorf("scheduler: tool %s: %w", task.Action.ToolName, err)
		}
		if isError {
			return "", fmt.Errorf("scheduler: tool %s returned an error result: %s", task.Action.ToolName, result)
		}
		return "", nil

	case ActionShell:
		if d.Shell == nil {
			return "", fmt.Errorf("scheduler: no shell runner configured for shell task %s", task.ID)
		}
		_, err := d.Shell.RunShell(ctx, task.Action.Command)
		if err != nil {
			return "", fmt.Errorf("scheduler: shell command: %w", err)
		}
		return "", nil

	default:
		return "", fmt.Errorf("scheduler: unknown action type %q for task %s", task.Action.Type, task.ID)
	}
}
