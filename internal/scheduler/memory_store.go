package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests, mirroring the teacher's
// MemoryApprovalStore/MemoryEventStore pattern.
type MemoryStore struct {
	mu         sync.Mutex
	tasks      map[string]*ScheduledTask
	executions map[string][]*TaskExecution
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*ScheduledTask),
		executions: make(map[string][]*TaskExecution),
	}
}

func clone(t *ScheduledTask) *ScheduledTask {
	cp := *t
	return &cp
}

func (m *MemoryStore) CreateTask(_ context.Context, task *ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	m.tasks[task.ID] = clone(task)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: task %s: %w", id, ErrNotFound)
	}
	return clone(t), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return fmt.Errorf("scheduler: task %s: %w", task.ID, ErrNotFound)
	}
	m.tasks[task.ID] = clone(task)
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	delete(m.executions, id)
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, opts ListTasksOptions) ([]*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledTask
	for _, t := range m.tasks {
		if opts.UserID != "" && t.UserID != opts.UserID {
			continue
		}
		if opts.Status != nil && t.Status != *opts.Status {
			continue
		} else if opts.Status == nil && !opts.IncludeDisabled && t.Status != TaskStatusEnabled {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DueTasks(_ context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledTask
	for _, t := range m.tasks {
		if t.Status == TaskStatusEnabled && !t.NextFire.After(now) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFire.Before(out[j].NextFire) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimTask(_ context.Context, id string, expectedNextFire, newNextFire, lastFire time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	if !t.NextFire.Equal(expectedNextFire) {
		return false, nil
	}
	t.NextFire = newNextFire
	t.LastFire = &lastFire
	t.UpdatedAt = lastFire
	return true, nil
}

func (m *MemoryStore) CreateExecution(_ context.Context, exec *TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	cp := *exec
	m.executions[exec.TaskID] = append(m.executions[exec.TaskID], &cp)
	return nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions[exec.TaskID] {
		if e.ID == exec.ID {
			*e = *exec
			return nil
		}
	}
	return fmt.Errorf("scheduler: execution %s: %w", exec.ID, ErrNotFound)
}

func (m *MemoryStore) ListExecutions(_ context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execs := m.executions[taskID]
	out := make([]*TaskExecution, len(execs))
	copy(out, execs)
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
