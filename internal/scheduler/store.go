package scheduler

import (
	"context"
	"time"
)

// Store persists scheduled tasks and their execution history. The durable
// implementation backs scheduler.db with modernc.org/sqlite; an in-memory
// implementation is provided for tests.
type Store interface {
	CreateTask(ctx context.Context, task *ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	UpdateTask(ctx context.Context, task *ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, opts ListTasksOptions) ([]*ScheduledTask, error)

	// DueTasks returns enabled tasks with next_fire <= now, ordered oldest
	// first, bounded by limit.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error)

	// ClaimTask atomically advances a task's next_fire from
	// expectedNextFire to newNextFire and records last_fire, returning
	// false (no error) if another worker already claimed it. This
	// implements spec.md's "atomically claim by setting next_fire to the
	// next occurrence ... before dispatch" invariant.
	ClaimTask(ctx context.Context, id string, expectedNextFire, newNextFire, lastFire time.Time) (bool, error)

	CreateExecution(ctx context.Context, exec *TaskExecution) error
	UpdateExecution(ctx context.Context, exec *TaskExecution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error)

	Close() error
}

// ListTasksOptions filters ListTasks.
type ListTasksOptions struct {
	UserID          string
	Status          *TaskStatus
	Limit           int
	Offset          int
	IncludeDisabled bool
}
