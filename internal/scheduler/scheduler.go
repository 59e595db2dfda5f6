package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures the scheduler's poll loop and dispatch concurrency.
type Config struct {
	// CheckInterval is how often the scheduler queries for due tasks.
	CheckInterval time.Duration

	// MaxConcurrent bounds the number of tasks dispatched in parallel.
	MaxConcurrent int

	Logger *slog.Logger
}

// DefaultConfig returns sane scheduler defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Second,
		MaxConcurrent: 5,
	}
}

// Dispatcher executes a task's action. Implementations route
// ActionNaturalLanguage through the orchestrator, ActionToolCall through
// the tool runner, and ActionShell through the exec tool, per spec.md
// §4.6. It returns the orchestrator execution id when applicable.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *ScheduledTask) (executionID string, err error)
}

// Scheduler polls a Store for due tasks and dispatches them, applying a
// retry policy with backoff on failure. Grounded on the teacher's
// distributed task-runner poll loop, simplified to the single-writer
// embedded-database model (no lock-acquisition phase is needed: claiming
// a due task is a single atomic UPDATE against scheduler.db).
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	config     Config
	logger     *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// New constructs a Scheduler. If config is the zero value, DefaultConfig
// is used.
func New(store Store, dispatcher Dispatcher, config Config) *Scheduler {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		sem:        make(chan struct{}, config.MaxConcurrent),
	}
}

// Start begins the poll loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop(loopCtx)
	return nil
}

// Stop halts the poll loop and waits for in-flight dispatches to finish
// or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollDueTasks(ctx)
		}
	}
}

func (s *Scheduler) pollDueTasks(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueTasks(ctx, now, s.config.MaxConcurrent*4)
	if err != nil {
		s.logger.Error("scheduler: list due tasks", "error", err)
		return
	}
	for _, task := range due {
		task := task
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runDue(ctx, task, now)
		}()
	}
}

// runDue claims a single due task (step 2 of spec.md §4.6: atomically set
// next_fire to the next occurrence before dispatch) and, if claimed,
// dispatches it and applies the retry policy on failure.
func (s *Scheduler) runDue(ctx context.Context, task *ScheduledTask, now time.Time) {
	next, hasNext, err := task.Schedule.Next(now)
	if err != nil {
		s.logger.Error("scheduler: compute next fire", "task_id", task.ID, "error", err)
		return
	}
	if !hasNext {
		// one-shot schedule exhausted: disable rather than reclaim forever.
		task.Status = TaskStatusDisabled
		task.UpdatedAt = now
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error("scheduler: disable exhausted task", "task_id", task.ID, "error", err)
		}
		next = task.NextFire
	}

	claimed, err := s.store.ClaimTask(ctx, task.ID, task.NextFire, next, now)
	if err != nil {
		s.logger.Error("scheduler: claim task", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		return // another dispatch already claimed this tick
	}

	s.dispatchWithRetry(ctx, task, now, 1)
}

func (s *Scheduler) dispatchWithRetry(ctx context.Context, task *ScheduledTask, scheduledAt time.Time, attempt int) {
	exec := &TaskExecution{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		Status:        ExecutionStatusRunning,
		ScheduledAt:   scheduledAt,
		AttemptNumber: attempt,
	}
	started := time.Now().UTC()
	exec.StartedAt = &started
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("scheduler: create execution", "task_id", task.ID, "error", err)
		return
	}

	executionID, dispatchErr := s.dispatcher.Dispatch(ctx, task)

	finished := time.Now().UTC()
	exec.FinishedAt = &finished
	exec.ExecutionID = executionID

	if dispatchErr == nil {
		exec.Status = ExecutionStatusSucceeded
		if err := s.store.UpdateExecution(ctx, exec); err != nil {
			s.logger.Error("scheduler: update execution", "task_id", task.ID, "error", err)
		}
		return
	}

	if errors.Is(dispatchErr, context.DeadlineExceeded) {
		exec.Status = ExecutionStatusTimedOut
	} else {
		exec.Status = ExecutionStatusFailed
	}
	exec.Error = dispatchErr.Error()
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("scheduler: update execution", "task_id", task.ID, "error", err)
	}

	if attempt > task.Retry.MaxRetries {
		s.logger.Warn("scheduler: retries exhausted, leaving task on regular schedule", "task_id", task.ID, "attempts", attempt)
		return
	}

	delay := task.Retry.RetryDelay * time.Duration(1<<uint(attempt-1))
	if task.Retry.MaxBackoff > 0 && delay > task.Retry.MaxBackoff {
		delay = task.Retry.MaxBackoff
	}
	select {
	case <-time.After(delay):
		s.dispatchWithRetry(ctx, task, scheduledAt, attempt+1)
	case <-ctx.Done():
	}
}

// RunNow claims and dispatches a task immediately, regardless of its
// next_fire, used for manual triggers.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("scheduler: run now: %w", err)
	}
	s.dispatchWithRetry(ctx, task, time.Now().UTC(), 1)
	return nil
}
