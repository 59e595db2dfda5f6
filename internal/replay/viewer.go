// Package replay reconstructs and re-executes stored executions for
// debugging: timelines, stats, search, event chains, and dry-run/live
// rerun of a past execution against the current tool set.
package replay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/pkg/models"
)

// Viewer answers read-only questions about stored executions and can rerun
// one. It is grounded directly on the teacher's observability.Timeline/
// BuildTimeline plus the original implementation's ExecutionViewer.
type Viewer struct {
	store eventstore.Store
}

// New builds a Viewer over the given event store.
func New(store eventstore.Store) *Viewer {
	return &Viewer{store: store}
}

// ExecutionDetail is the full drill-down view of one execution.
type ExecutionDetail struct {
	Execution *models.Execution     `json:"execution"`
	Events    []*models.StoredEvent `json:"events"`
	Summary   ExecutionSummary      `json:"summary"`
	Stats     ExecutionStats        `json:"stats"`
}

// ExecutionSummary is the compact list/search row.
type ExecutionSummary struct {
	ID            string                 `json:"id"`
	ChannelType   string                 `json:"channel_type"`
	ChannelID     string                 `json:"channel_id"`
	UserID        string                 `json:"user_id"`
	Status        models.ExecutionStatus `json:"status"`
	InputPreview  string                 `json:"input_preview"`
	OutputPreview string                 `json:"output_preview,omitempty"`
	ToolCallsUsed []string               `json:"tool_calls_used"`
	HasErrors     bool                   `json:"has_errors"`
	StartedAt     time.Time              `json:"started_at"`
	DurationMs    *int64                 `json:"duration_ms,omitempty"`
	EventCount    int                    `json:"event_count"`
}

// ExecutionStats aggregates counts and durations across an execution's events.
type ExecutionStats struct {
	EventCount           int    `json:"event_count"`
	LLMRequestCount      int    `json:"llm_request_count"`
	ToolCallCount        int    `json:"tool_call_count"`
	ErrorCount           int    `json:"error_count"`
	TotalLLMDurationMs   int64  `json:"total_llm_duration_ms"`
	TotalToolDurationMs  int64  `json:"total_tool_duration_ms"`
	TotalDurationMs      *int64 `json:"total_duration_ms,omitempty"`
}

// EventChain splits an execution's events into the three debugging-relevant
// buckets: LLM request/response, tool call/result, error.
type EventChain struct {
	ExecutionID string                 `json:"execution_id"`
	LLMEvents   []*models.StoredEvent  `json:"llm_events"`
	ToolEvents  []*models.StoredEvent  `json:"tool_events"`
	ErrorEvents []*models.StoredEvent  `json:"error_events"`
}

// ExecutionComparison is the side-by-side result of compare_executions.
type ExecutionComparison struct {
	Execution1 ExecutionDetail `json:"execution1"`
	Execution2 ExecutionDetail `json:"execution2"`
	Diff       ExecutionDiff   `json:"diff"`
}

// ExecutionDiff records the notable differences between two executions.
type ExecutionDiff struct {
	InputSame           bool   `json:"input_same"`
	OutputSame          bool   `json:"output_same"`
	StatusSame          bool   `json:"status_same"`
	ToolCallCountDiff   int    `json:"tool_call_count_diff"`
	LLMRequestCountDiff int    `json:"llm_request_count_diff"`
	DurationDiffMs      *int64 `json:"duration_diff_ms,omitempty"`
}

// ReplayOptions configures rerun.
type ReplayOptions struct {
	DryRun        bool
	FromSequence  *uint64
	ToSequence    *uint64
	ToolOverrides map[string]any
	SkipTools     []string
}

// DryRunOptions returns options for a side-effect-free simulation.
func DryRunOptions() ReplayOptions { return ReplayOptions{DryRun: true} }

// ReplayStep describes what happened (or would happen) to one original event
// during a rerun.
type ReplayStep struct {
	Sequence       uint64             `json:"sequence"`
	EventType      models.EventType   `json:"event_type"`
	OriginalPayload map[string]any    `json:"original_payload"`
	ReplayPayload  map[string]any     `json:"replay_payload,omitempty"`
	Skipped        bool               `json:"skipped"`
	Overridden     bool               `json:"overridden"`
}

// ReplayResult is the outcome of rerun: the per-event plan, plus the new
// execution id when options.DryRun is false.
type ReplayResult struct {
	OriginalExecutionID string       `json:"original_execution_id"`
	NewExecutionID       string      `json:"new_execution_id,omitempty"`
	Steps                []ReplayStep `json:"steps"`
	DryRun               bool         `json:"dry_run"`
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max < 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func (v *Viewer) buildSummary(exec *models.Execution, events []*models.StoredEvent) ExecutionSummary {
	var tools []string
	seen := map[string]bool{}
	hasErrors := false
	for _, e := range events {
		if e.Type == models.EventError {
			hasErrors = true
		}
		if e.Type == models.EventToolCall {
			if name, ok := e.Payload["tool"].(string); ok && !seen[name] {
				seen[name] = true
				tools = append(tools, name)
			}
		}
	}
	var durationMs *int64
	if exec.CompletedAt != nil {
		d := exec.CompletedAt.Sub(exec.StartedAt).Milliseconds()
		durationMs = &d
	}
	return ExecutionSummary{
		ID: exec.ID, ChannelType: exec.ChannelType, ChannelID: exec.ChannelID, UserID: exec.UserID,
		Status: exec.Status, InputPreview: truncate(exec.InputText, 200), OutputPreview: truncate(exec.OutputText, 200),
		ToolCallsUsed: tools, HasErrors: hasErrors, StartedAt: exec.StartedAt, DurationMs: durationMs, EventCount: len(events),
	}
}

func buildStats(exec *models.Execution, events []*models.StoredEvent) ExecutionStats {
	stats := ExecutionStats{EventCount: len(events)}
	for _, e := range events {
		switch e.Type {
		case models.EventLLMRequest:
			stats.LLMRequestCount++
		case models.EventLLMResponse:
			if e.DurationMs != nil {
				stats.TotalLLMDurationMs += *e.DurationMs
			}
		case models.EventToolCall:
			stats.ToolCallCount++
		case models.EventToolResult:
			if e.DurationMs != nil {
				stats.TotalToolDurationMs += *e.DurationMs
			}
		case models.EventError:
			stats.ErrorCount++
		}
	}
	if exec.CompletedAt != nil {
		d := exec.CompletedAt.Sub(exec.StartedAt).Milliseconds()
		stats.TotalDurationMs = &d
	}
	return stats
}

// GetExecutionDetail returns the full drill-down view for one execution.
func (v *Viewer) GetExecutionDetail(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	exec, err := v.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := v.store.GetExecutionEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{
		Execution: exec,
		Events:    events,
		Summary:   v.buildSummary(exec, events),
		Stats:     buildStats(exec, events),
	}, nil
}

// GetTimeline returns an execution's events in chronological order (they are
// already gap-free/sequence-ordered in storage, so this is a pass-through).
func (v *Viewer) GetTimeline(ctx context.Context, executionID string) ([]*models.StoredEvent, error) {
	return v.store.GetExecutionEvents(ctx, executionID)
}

// GetStats returns aggregate statistics for an execution.
func (v *Viewer) GetStats(ctx context.Context, executionID string) (*ExecutionStats, error) {
	exec, err := v.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := v.store.GetExecutionEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}
	stats := buildStats(exec, events)
	return &stats, nil
}

// SearchExecutions does a case-insensitive substring match over input text
// across recent executions. A real full-text index is future work; this
// mirrors the original implementation's "recent + filter" placeholder.
func (v *Viewer) SearchExecutions(ctx context.Context, query string, limit int) ([]ExecutionSummary, error) {
	candidates, err := v.store.ListExecutions(ctx, eventstore.ListExecutionsOptions{Limit: limit * 2})
	if err != nil {
		return nil, err
	}
	lowerQuery := strings.ToLower(query)
	var summaries []ExecutionSummary
	for _, exec := range candidates {
		if !strings.Contains(strings.ToLower(exec.InputText), lowerQuery) {
			continue
		}
		events, err := v.store.GetExecutionEvents(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, v.buildSummary(exec, events))
		if len(summaries) >= limit {
			break
		}
	}
	return summaries, nil
}

// GetRecentSummaries returns the most recent executions, newest first.
func (v *Viewer) GetRecentSummaries(ctx context.Context, limit int) ([]ExecutionSummary, error) {
	executions, err := v.store.ListExecutions(ctx, eventstore.ListExecutionsOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	summaries := make([]ExecutionSummary, 0, len(executions))
	for _, exec := range executions {
		events, err := v.store.GetExecutionEvents(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, v.buildSummary(exec, events))
	}
	return summaries, nil
}

// GetExecutionsInRange returns executions started within [from, to], optionally
// filtered by channel.
func (v *Viewer) GetExecutionsInRange(ctx context.Context, from, to time.Time, channelType, channelID string) ([]ExecutionSummary, error) {
	opts := eventstore.ListExecutionsOptions{Since: &from, Until: &to, ChannelType: channelType, ChannelID: channelID, Limit: 1000}
	executions, err := v.store.ListExecutions(ctx, opts)
	if err != nil {
		return nil, err
	}
	summaries := make([]ExecutionSummary, 0, len(executions))
	for _, exec := range executions {
		events, err := v.store.GetExecutionEvents(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, v.buildSummary(exec, events))
	}
	return summaries, nil
}

// GetEventChain splits an execution's events into LLM/tool/error buckets for
// debugging.
func (v *Viewer) GetEventChain(ctx context.Context, executionID string) (*EventChain, error) {
	events, err := v.store.GetExecutionEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}
	chain := &EventChain{ExecutionID: executionID}
	for _, e := range events {
		switch e.Type {
		case models.EventLLMRequest, models.EventLLMResponse:
			chain.LLMEvents = append(chain.LLMEvents, e)
		case models.EventToolCall, models.EventToolResult:
			chain.ToolEvents = append(chain.ToolEvents, e)
		case models.EventError:
			chain.ErrorEvents = append(chain.ErrorEvents, e)
		}
	}
	return chain, nil
}

func toolNameOf(payload map[string]any) string {
	if v, ok := payload["tool"].(string); ok {
		return v
	}
	if v, ok := payload["tool_name"].(string); ok {
		return v
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Rerun replays an execution's events, either as a dry-run plan (no side
// effects, ReplayPayload left nil) or live (creates a new execution tagged
// replay_of in its metadata and appends the resulting events).
func (v *Viewer) Rerun(ctx context.Context, executionID string, opts ReplayOptions) (*ReplayResult, error) {
	exec, err := v.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := v.store.GetExecutionEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var filtered []*models.StoredEvent
	for _, e := range events {
		if opts.FromSequence != nil && e.SequenceNum < *opts.FromSequence {
			continue
		}
		if opts.ToSequence != nil && e.SequenceNum > *opts.ToSequence {
			continue
		}
		filtered = append(filtered, e)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].SequenceNum < filtered[j].SequenceNum })

	steps := make([]ReplayStep, 0, len(filtered))
	for _, e := range filtered {
		tool := toolNameOf(e.Payload)
		skipped := (e.Type == models.EventToolCall || e.Type == models.EventToolResult) && contains(opts.SkipTools, tool)
		_, overridden := opts.ToolOverrides[tool]
		overridden = overridden && e.Type == models.EventToolCall

		var replayPayload map[string]any
		switch {
		case opts.DryRun || skipped:
			replayPayload = nil
		case overridden:
			if v, ok := opts.ToolOverrides[tool].(map[string]any); ok {
				replayPayload = v
			}
		default:
			replayPayload = e.Payload
		}

		steps = append(steps, ReplayStep{
			Sequence: e.SequenceNum, EventType: e.Type, OriginalPayload: e.Payload,
			ReplayPayload: replayPayload, Skipped: skipped, Overridden: overridden,
		})
	}

	result := &ReplayResult{OriginalExecutionID: executionID, Steps: steps, DryRun: opts.DryRun}
	if opts.DryRun {
		return result, nil
	}

	newExec := &models.Execution{
		ChannelType: exec.ChannelType,
		ChannelID:   exec.ChannelID,
		UserID:      exec.UserID,
		ThreadID:    exec.ThreadID,
		InputText:   fmt.Sprintf("[replay:%s] %s", executionID, exec.InputText),
		Metadata: map[string]any{
			"replay_of":    executionID,
			"from_sequence": opts.FromSequence,
			"to_sequence":   opts.ToSequence,
			"skip_tools":    opts.SkipTools,
		},
	}
	if err := v.store.CreateExecution(ctx, newExec); err != nil {
		return nil, fmt.Errorf("replay: create new execution: %w", err)
	}

	for i, step := range steps {
		if step.Skipped {
			continue
		}
		payload := step.ReplayPayload
		if payload == nil {
			payload = step.OriginalPayload
		}
		seq, err := v.store.NextSequence(ctx, newExec.ID)
		if err != nil {
			return nil, fmt.Errorf("replay: next sequence: %w", err)
		}
		_ = i
		if err := v.store.Append(ctx, &models.StoredEvent{
			ExecutionID: newExec.ID, SequenceNum: seq, Type: step.EventType, Payload: payload,
		}); err != nil {
			return nil, fmt.Errorf("replay: append event: %w", err)
		}
	}

	output := exec.OutputText
	if err := v.store.UpdateExecutionStatus(ctx, newExec.ID, models.ExecutionCompleted, &output); err != nil {
		return nil, fmt.Errorf("replay: finalize new execution: %w", err)
	}

	result.NewExecutionID = newExec.ID
	return result, nil
}

// CompareExecutions builds detail views for both executions and a diff
// summarizing the notable differences between them.
func (v *Viewer) CompareExecutions(ctx context.Context, id1, id2 string) (*ExecutionComparison, error) {
	d1, err := v.GetExecutionDetail(ctx, id1)
	if err != nil {
		return nil, err
	}
	d2, err := v.GetExecutionDetail(ctx, id2)
	if err != nil {
		return nil, err
	}

	diff := ExecutionDiff{
		InputSame:           d1.Execution.InputText == d2.Execution.InputText,
		OutputSame:          d1.Execution.OutputText == d2.Execution.OutputText,
		StatusSame:          d1.Execution.Status == d2.Execution.Status,
		ToolCallCountDiff:   d1.Stats.ToolCallCount - d2.Stats.ToolCallCount,
		LLMRequestCountDiff: d1.Stats.LLMRequestCount - d2.Stats.LLMRequestCount,
	}
	if d1.Stats.TotalDurationMs != nil && d2.Stats.TotalDurationMs != nil {
		diffMs := *d1.Stats.TotalDurationMs - *d2.Stats.TotalDurationMs
		diff.DurationDiffMs = &diffMs
	}

	return &ExecutionComparison{Execution1: *d1, Execution2: *d2, Diff: diff}, nil
}
