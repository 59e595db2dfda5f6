package llmprovider

import (
	"context"
	"sync"

	"github.com/first-fluke/cratos/pkg/models"
)

// FakeProvider is a deterministic Provider test double: callers enqueue the
// chunk sequences they want returned, in order, one sequence per call to
// Complete. It lets orchestrator/loop tests drive tool-call flows, thinking
// blocks, and provider errors without a network dependency.
type FakeProvider struct {
	mu sync.Mutex

	name          string
	models        []Model
	supportsTools bool

	responses [][]*CompletionChunk
	calls     []*CompletionRequest
	nextErr   error
}

// NewFakeProvider creates a FakeProvider that reports SupportsTools() and
// the given name.
func NewFakeProvider(name string, supportsTools bool) *FakeProvider {
	return &FakeProvider{name: name, supportsTools: supportsTools}
}

// EnqueueResponse registers the next chunk sequence Complete will return.
// The caller is responsible for terminating the sequence with a Done chunk.
func (f *FakeProvider) EnqueueResponse(chunks ...*CompletionChunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, chunks)
}

// EnqueueText is a convenience for the common case of a single text chunk
// followed by a Done chunk.
func (f *FakeProvider) EnqueueText(text string) {
	f.EnqueueResponse(
		&CompletionChunk{Text: text},
		&CompletionChunk{Done: true},
	)
}

// EnqueueToolCall enqueues a sequence that asks the caller to run a tool.
func (f *FakeProvider) EnqueueToolCall(call models.ToolCall) {
	f.EnqueueResponse(
		&CompletionChunk{ToolCall: &call},
		&CompletionChunk{Done: true},
	)
}

// FailNext makes the next Complete call return err instead of a chunk
// sequence, without consuming a queued response.
func (f *FakeProvider) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextErr = err
}

// Calls returns every request Complete has received, in order.
func (f *FakeProvider) Calls() []*CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*CompletionRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)

	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		f.mu.Unlock()
		return nil, err
	}

	var chunks []*CompletionChunk
	if len(f.responses) > 0 {
		chunks = f.responses[0]
		f.responses = f.responses[1:]
	} else {
		chunks = []*CompletionChunk{{Done: true}}
	}
	f.mu.Unlock()

	ch := make(chan *CompletionChunk, len(chunks))
	for _, c := range chunks {
		select {
		case <-ctx.Done():
			close(ch)
			return ch, ctx.Err()
		default:
		}
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *FakeProvider) Name() string { return f.name }

func (f *FakeProvider) Models() []Model { return f.models }

// SetModels configures the models this fake reports.
func (f *FakeProvider) SetModels(models []Model) { f.models = models }

func (f *FakeProvider) SupportsTools() bool { return f.supportsTools }
