package llmprovider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/first-fluke/cratos/pkg/models"
)

func drain(t *testing.T, ch <-chan *CompletionChunk) []*CompletionChunk {
	t.Helper()
	var out []*CompletionChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestFakeProviderReturnsEnqueuedText(t *testing.T) {
	p := NewFakeProvider("fake", false)
	p.EnqueueText("hello")

	ch, err := p.Complete(context.Background(), &CompletionRequest{Model: "x"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	require.Equal(t, "hello", chunks[0].Text)
	require.True(t, chunks[1].Done)
	require.Len(t, p.Calls(), 1)
}

func TestFakeProviderReturnsEnqueuedToolCall(t *testing.T) {
	p := NewFakeProvider("fake", true)
	p.EnqueueToolCall(models.ToolCall{ID: "tc1", Name: "list_files"})

	ch, err := p.Complete(context.Background(), &CompletionRequest{Model: "x"})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[0].ToolCall)
	require.Equal(t, "list_files", chunks[0].ToolCall.Name)
}

func TestFakeProviderFailNextReturnsErrorWithoutConsumingQueue(t *testing.T) {
	p := NewFakeProvider("fake", false)
	p.EnqueueText("queued")
	p.FailNext(errors.New("boom"))

	_, err := p.Complete(context.Background(), &CompletionRequest{})
	require.EqualError(t, err, "boom")

	ch, err := p.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	chunks := drain(t, ch)
	require.Equal(t, "queued", chunks[0].Text)
}

func TestFakeProviderDefaultsToDoneWhenQueueEmpty(t *testing.T) {
	p := NewFakeProvider("fake", false)

	ch, err := p.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 1)
	require.True(t, chunks[0].Done)
}

func TestFakeProviderNameModelsAndSupportsTools(t *testing.T) {
	p := NewFakeProvider("fake", true)
	p.SetModels([]Model{{ID: "m1", Name: "Model One"}})

	require.Equal(t, "fake", p.Name())
	require.True(t, p.SupportsTools())
	require.Equal(t, "m1", p.Models()[0].ID)
}
