package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/first-fluke/cratos/pkg/models"
)

// MemoryStore is an in-memory Store for tests, grounded on the teacher's
// observability.MemoryEventStore (map-backed log with secondary indices
// under a single RWMutex).
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	events     map[string][]*models.StoredEvent // keyed by execution id, sequence order
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*models.Execution),
		events:     make(map[string][]*models.StoredEvent),
	}
}

func cloneExecution(e *models.Execution) *models.Execution {
	cp := *e
	return &cp
}

func (m *MemoryStore) CreateExecution(_ context.Context, e *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	m.executions[e.ID] = cloneExecution(e)
	return nil
}

func (m *MemoryStore) UpdateExecutionStatus(_ context.Context, id string, status models.ExecutionStatus, output *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("eventstore: execution %s: %w", id, ErrNotFound)
	}
	e.Status = status
	if output != nil {
		e.OutputText = *output
	}
	if status.IsTerminal() && e.CompletedAt == nil {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("eventstore: execution %s: %w", id, ErrNotFound)
	}
	return cloneExecution(e), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, opts ListExecutionsOptions) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Execution
	for _, e := range m.executions {
		if opts.ChannelType != "" && e.ChannelType != opts.ChannelType {
			continue
		}
		if opts.ChannelID != "" && e.ChannelID != opts.ChannelID {
			continue
		}
		if opts.UserID != "" && e.UserID != opts.UserID {
			continue
		}
		if opts.Status != nil && e.Status != *opts.Status {
			continue
		}
		if opts.Since != nil && e.StartedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.StartedAt.After(*opts.Until) {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteOldExecutions(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.executions {
		if e.StartedAt.Before(cutoff) {
			delete(m.executions, id)
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) NextSequence(_ context.Context, executionID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.events[executionID])) + 1, nil
}

func (m *MemoryStore) Append(_ context.Context, e *models.StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, existing := range m.events[e.ExecutionID] {
		if existing.SequenceNum == e.SequenceNum {
			return fmt.Errorf("eventstore: execution %s sequence %d: %w", e.ExecutionID, e.SequenceNum, ErrDuplicateSequence)
		}
	}
	cp := *e
	m.events[e.ExecutionID] = append(m.events[e.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) GetExecutionEvents(_ context.Context, executionID string) ([]*models.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := append([]*models.StoredEvent(nil), m.events[executionID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].SequenceNum < events[j].SequenceNum })
	return events, nil
}

func (m *MemoryStore) GetEventsByType(ctx context.Context, executionID string, eventType models.EventType) ([]*models.StoredEvent, error) {
	all, _ := m.GetExecutionEvents(ctx, executionID)
	var out []*models.StoredEvent
	for _, e := range all {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetChildEvents(_ context.Context, parentEventID string) ([]*models.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.StoredEvent
	for _, events := range m.events {
		for _, e := range events {
			if e.ParentEventID == parentEventID {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNum < out[j].SequenceNum })
	return out, nil
}

func (m *MemoryStore) CountEvents(_ context.Context, executionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[executionID]), nil
}

func (m *MemoryStore) Close() error { return nil }
