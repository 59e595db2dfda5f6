package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore persists tasks and executions to a single-file SQLite
// database (scheduler.db) opened with WAL journaling, mirroring the
// single-file-embedded-engine pattern used elsewhere in this module for
// cratos.db and skills.db.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the scheduler database at
// path, or an in-memory database when path is empty.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded engine; WAL still allows concurrent readers

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			schedule_at DATETIME,
			schedule_every_ns INTEGER,
			schedule_cron TEXT,
			schedule_timezone TEXT,
			action_type TEXT NOT NULL,
			action_prompt TEXT,
			action_tool_name TEXT,
			action_tool_args TEXT,
			action_command TEXT,
			retry_max_retries INTEGER NOT NULL DEFAULT 0,
			retry_delay_ns INTEGER NOT NULL DEFAULT 0,
			retry_max_backoff_ns INTEGER NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL,
			channel_id TEXT,
			next_fire DATETIME NOT NULL,
			last_fire DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_fire)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			execution_id TEXT,
			status TEXT NOT NULL,
			scheduled_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			attempt_number INTEGER NOT NULL DEFAULT 1,
			error TEXT,
			FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, scheduled_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("scheduler: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func scheduleColumns(sched Schedule) (kind string, at sql.NullTime, everyNs sql.NullInt64, cronExpr, tz sql.NullString) {
	kind = string(sched.Kind)
	if !sched.At.IsZero() {
		at = sql.NullTime{Time: sched.At, Valid: true}
	}
	if sched.Every > 0 {
		everyNs = sql.NullInt64{Int64: int64(sched.Every), Valid: true}
	}
	if sched.CronExpr != "" {
		cronExpr = sql.NullString{String: sched.CronExpr, Valid: true}
	}
	if sched.Timezone != "" {
		tz = sql.NullString{String: sched.Timezone, Valid: true}
	}
	return
}

// CreateTask inserts a new scheduled task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := task.CreatedAt
	if now.IsZero() {
		now = task.UpdatedAt
	}
	kind, at, everyNs, cronExpr, tz := scheduleColumns(task.Schedule)
	toolArgs := ""
	if len(task.Action.ToolArgs) > 0 {
		toolArgs = string(task.Action.ToolArgs)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, name, description, status,
			schedule_kind, schedule_at, schedule_every_ns, schedule_cron, schedule_timezone,
			action_type, action_prompt, action_tool_name, action_tool_args, action_command,
			retry_max_retries, retry_delay_ns, retry_max_backoff_ns,
			user_id, channel_id, next_fire, last_fire, created_at, updated_at
		) VALUES (?,?,?,?, ?,?,?,?,?, ?,?,?,?,?, ?,?,?, ?,?,?,?,?,?)`,
		task.ID, task.Name, task.Description, string(task.Status),
		kind, at, everyNs, cronExpr, tz,
		string(task.Action.Type), task.Action.Prompt, task.Action.ToolName, toolArgs, task.Action.Command,
		task.Retry.MaxRetries, int64(task.Retry.RetryDelay), int64(task.Retry.MaxBackoff),
		task.UserID, task.ChannelID, task.NextFire, nullTimePtr(task.LastFire), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("scheduler: create task: %w", err)
	}
	return nil
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

const taskSelectColumns = `id, name, description, status,
	schedule_kind, schedule_at, schedule_every_ns, schedule_cron, schedule_timezone,
	action_type, action_prompt, action_tool_name, action_tool_args, action_command,
	retry_max_retries, retry_delay_ns, retry_max_backoff_ns,
	user_id, channel_id, next_fire, last_fire, created_at, updated_at`

func scanTask(row interface {
	Scan(dest ...any) error
}) (*ScheduledTask, error) {
	var t ScheduledTask
	var desc, channelID, cronExpr, tz, actionPrompt, actionToolName, actionToolArgs, actionCommand sql.NullString
	var scheduleAt, lastFire sql.NullTime
	var everyNs sql.NullInt64
	var status, scheduleKind, actionType string
	var retryMax int
	var retryDelayNs, retryMaxBackoffNs int64

	if err := row.Scan(
		&t.ID, &t.Name, &desc, &status,
		&scheduleKind, &scheduleAt, &everyNs, &cronExpr, &tz,
		&actionType, &actionPrompt, &actionToolName, &actionToolArgs, &actionCommand,
		&retryMax, &retryDelayNs, &retryMaxBackoffNs,
		&t.UserID, &channelID, &t.NextFire, &lastFire, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Description = desc.String
	t.ChannelID = channelID.String
	t.Status = TaskStatus(status)
	t.Retry = RetryPolicy{
		MaxRetries: retryMax,
		RetryDelay: time.Duration(retryDelayNs),
		MaxBackoff: time.Duration(retryMaxBackoffNs),
	}
	t.Schedule = Schedule{
		Kind:     ScheduleKind(scheduleKind),
		At:       scheduleAt.Time,
		Every:    time.Duration(everyNs.Int64),
		CronExpr: cronExpr.String,
		Timezone: tz.String,
	}
	t.Action = Action{
		Type:     ActionType(actionType),
		Prompt:   actionPrompt.String,
		ToolName: actionToolName.String,
		Command:  actionCommand.String,
	}
	if actionToolArgs.String != "" {
		t.Action.ToolArgs = json.RawMessage(actionToolArgs.String)
	}
	if lastFire.Valid {
		lf := lastFire.Time
		t.LastFire = &lf
	}
	return &t, nil
}

// GetTask fetches a single task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskSelectColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduler: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: get task: %w", err)
	}
	return task, nil
}

// UpdateTask overwrites a task's mutable fields.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *ScheduledTask) error {
	kind, at, everyNs, cronExpr, tz := scheduleColumns(task.Schedule)
	toolArgs := ""
	if len(task.Action.ToolArgs) > 0 {
		toolArgs = string(task.Action.ToolArgs)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET name=?, description=?, status=?,
			schedule_kind=?, schedule_at=?, schedule_every_ns=?, schedule_cron=?, schedule_timezone=?,
			action_type=?, action_prompt=?, action_tool_name=?, action_tool_args=?, action_command=?,
			retry_max_retries=?, retry_delay_ns=?, retry_max_backoff_ns=?,
			user_id=?, channel_id=?, next_fire=?, last_fire=?, updated_at=?
		WHERE id=?`,
		task.Name, task.Description, string(task.Status),
		kind, at, everyNs, cronExpr, tz,
		string(task.Action.Type), task.Action.Prompt, task.Action.ToolName, toolArgs, task.Action.Command,
		task.Retry.MaxRetries, int64(task.Retry.RetryDelay), int64(task.Retry.MaxBackoff),
		task.UserID, task.ChannelID, task.NextFire, nullTimePtr(task.LastFire), task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("scheduler: update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduler: task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task and its execution history.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("scheduler: delete task: %w", err)
	}
	return nil
}

// ListTasks returns tasks matching opts.
func (s *SQLiteStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*ScheduledTask, error) {
	var where []string
	var args []any
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*opts.Status))
	} else if !opts.IncludeDisabled {
		where = append(where, "status = ?")
		args = append(args, string(TaskStatusEnabled))
	}
	query := "SELECT " + taskSelectColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTasks returns enabled tasks whose next_fire has passed.
func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]*ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskSelectColumns+" FROM tasks WHERE status = ? AND next_fire <= ? ORDER BY next_fire ASC LIMIT ?",
		string(TaskStatusEnabled), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: due tasks: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask atomically advances next_fire, conditioned on the row still
// holding expectedNextFire — an optimistic-concurrency claim serving the
// same purpose as a SELECT ... FOR UPDATE SKIP LOCKED would in a
// multi-writer database, appropriate for this single-writer embedded
// engine opened with WAL.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id string, expectedNextFire, newNextFire, lastFire time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET next_fire = ?, last_fire = ?, updated_at = ? WHERE id = ? AND next_fire = ?",
		newNextFire, lastFire, lastFire, id, expectedNextFire,
	)
	if err != nil {
		return false, fmt.Errorf("scheduler: claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("scheduler: claim task: %w", err)
	}
	return n > 0, nil
}

// CreateExecution records a new dispatch attempt.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, task_id, execution_id, status, scheduled_at, started_at, finished_at, attempt_number, error)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		exec.ID, exec.TaskID, exec.ExecutionID, string(exec.Status), exec.ScheduledAt,
		nullTimePtr(exec.StartedAt), nullTimePtr(exec.FinishedAt), exec.AttemptNumber, exec.Error,
	)
	if err != nil {
		return fmt.Errorf("scheduler: create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists status/timing changes for an execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *TaskExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET execution_id=?, status=?, started_at=?, finished_at=?, attempt_number=?, error=?
		WHERE id=?`,
		exec.ExecutionID, string(exec.Status), nullTimePtr(exec.StartedAt), nullTimePtr(exec.FinishedAt),
		exec.AttemptNumber, exec.Error, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("scheduler: update execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions of a task.
func (s *SQLiteStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, execution_id, status, scheduled_at, started_at, finished_at, attempt_number, error
		FROM task_executions WHERE task_id = ? ORDER BY scheduled_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list executions: %w", err)
	}
	defer rows.Close()

	var out []*TaskExecution
	for rows.Next() {
		var e TaskExecution
		var executionID, errStr sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.TaskID, &executionID, &e.Status, &e.ScheduledAt, &started, &finished, &e.AttemptNumber, &errStr); err != nil {
			return nil, fmt.Errorf("scheduler: scan execution: %w", err)
		}
		e.ExecutionID = executionID.String
		e.Error = errStr.String
		if started.Valid {
			st := started.Time
			e.StartedAt = &st
		}
		if finished.Valid {
			ft := finished.Time
			e.FinishedAt = &ft
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
