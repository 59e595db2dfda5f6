package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/pkg/models"
)

func seedExecution(t *testing.T, store eventstore.Store) *models.Execution {
	t.Helper()
	ctx := context.Background()
	exec := &models.Execution{ChannelType: "cli", ChannelID: "local", UserID: "u1", InputText: "list files in /tmp"}
	require.NoError(t, store.CreateExecution(ctx, exec))

	events := []*models.StoredEvent{
		{Type: models.EventUserInput, Payload: map[string]any{"text": "list files"}},
		{Type: models.EventLLMRequest, Payload: map[string]any{}},
		{Type: models.EventLLMResponse, Payload: map[string]any{}},
		{Type: models.EventToolCall, Payload: map[string]any{"tool": "list_files"}},
		{Type: models.EventToolResult, Payload: map[string]any{"tool": "list_files", "output": "a.txt"}},
	}
	for _, e := range events {
		seq, err := store.NextSequence(ctx, exec.ID)
		require.NoError(t, err)
		e.ExecutionID = exec.ID
		e.SequenceNum = seq
		require.NoError(t, store.Append(ctx, e))
	}
	output := "a.txt"
	require.NoError(t, store.UpdateExecutionStatus(ctx, exec.ID, models.ExecutionCompleted, &output))
	return exec
}

func TestGetExecutionDetailBuildsSummaryAndStats(t *testing.T) {
	store := eventstore.NewMemoryStore()
	exec := seedExecution(t, store)
	viewer := New(store)

	detail, err := viewer.GetExecutionDetail(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, 5, detail.Summary.EventCount)
	require.Contains(t, detail.Summary.ToolCallsUsed, "list_files")
	require.Equal(t, 1, detail.Stats.ToolCallCount)
	require.Equal(t, 1, detail.Stats.LLMRequestCount)
	require.False(t, detail.Summary.HasErrors)
}

func TestSearchExecutionsMatchesInputSubstring(t *testing.T) {
	store := eventstore.NewMemoryStore()
	seedExecution(t, store)

	viewer := New(store)
	results, err := viewer.SearchExecutions(context.Background(), "LIST FILES", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestGetEventChainSplitsByCategory(t *testing.T) {
	store := eventstore.NewMemoryStore()
	exec := seedExecution(t, store)
	viewer := New(store)

	chain, err := viewer.GetEventChain(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, chain.LLMEvents, 2)
	require.Len(t, chain.ToolEvents, 2)
	require.Empty(t, chain.ErrorEvents)
}

func TestRerunDryRunProducesPlanWithoutSideEffects(t *testing.T) {
	store := eventstore.NewMemoryStore()
	exec := seedExecution(t, store)
	viewer := New(store)

	result, err := viewer.Rerun(context.Background(), exec.ID, DryRunOptions())
	require.NoError(t, err)
	require.True(t, result.DryRun)
	require.Empty(t, result.NewExecutionID)
	require.Len(t, result.Steps, 5)
	for _, step := range result.Steps {
		require.Nil(t, step.ReplayPayload)
	}

	all, err := store.ListExecutions(context.Background(), eventstore.ListExecutionsOptions{})
	require.NoError(t, err)
	require.Len(t, all, 1, "dry run must not create a new execution")
}

func TestRerunLiveCreatesTaggedExecution(t *testing.T) {
	store := eventstore.NewMemoryStore()
	exec := seedExecution(t, store)
	viewer := New(store)

	result, err := viewer.Rerun(context.Background(), exec.ID, ReplayOptions{})
	require.NoError(t, err)
	require.False(t, result.DryRun)
	require.NotEmpty(t, result.NewExecutionID)

	newExec, err := store.GetExecution(context.Background(), result.NewExecutionID)
	require.NoError(t, err)
	require.Equal(t, exec.ID, newExec.Metadata["replay_of"])
	require.Equal(t, models.ExecutionCompleted, newExec.Status)

	newEvents, err := store.GetExecutionEvents(context.Background(), result.NewExecutionID)
	require.NoError(t, err)
	require.Len(t, newEvents, 5)
}

func TestRerunSkipsNamedTool(t *testing.T) {
	store := eventstore.NewMemoryStore()
	exec := seedExecution(t, store)
	viewer := New(store)

	result, err := viewer.Rerun(context.Background(), exec.ID, ReplayOptions{SkipTools: []string{"list_files"}})
	require.NoError(t, err)
	skippedCount := 0
	for _, step := range result.Steps {
		if step.Skipped {
			skippedCount++
		}
	}
	require.Equal(t, 2, skippedCount)

	newEvents, err := store.GetExecutionEvents(context.Background(), result.NewExecutionID)
	require.NoError(t, err)
	require.Len(t, newEvents, 3, "skipped tool call/result events should not be appended")
}

func TestCompareExecutionsReportsDiff(t *testing.T) {
	store := eventstore.NewMemoryStore()
	exec1 := seedExecution(t, store)
	exec2 := seedExecution(t, store)
	viewer := New(store)

	cmp, err := viewer.CompareExecutions(context.Background(), exec1.ID, exec2.ID)
	require.NoError(t, err)
	require.True(t, cmp.Diff.InputSame)
	require.Equal(t, 0, cmp.Diff.ToolCallCountDiff)
}
