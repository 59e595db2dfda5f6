package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/first-fluke/cratos/pkg/models"
)

// SQLiteStore persists executions and events to cratos.db, a single-file
// SQLite database opened with WAL journaling. Sequence allocation is
// serialized per execution with an in-process mutex keyed by execution
// id, which is sufficient because this store is the sole writer of its
// file (single-process embedded engine, same assumption the scheduler's
// SQLiteStore makes for scheduler.db).
type SQLiteStore struct {
	db *sql.DB

	seqMu   sync.Mutex
	seqLock map[string]*sync.Mutex
}

// OpenSQLiteStore opens (creating if necessary) the event store database
// at path, or an in-memory database when path is empty.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, seqLock: make(map[string]*sync.Mutex)}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			thread_id TEXT,
			status TEXT NOT NULL,
			input_text TEXT NOT NULL,
			output_text TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_channel ON executions(channel_type, channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			sequence_num INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT,
			timestamp DATETIME NOT NULL,
			duration_ms INTEGER,
			parent_event_id TEXT,
			metadata TEXT,
			UNIQUE(execution_id, sequence_num),
			FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_execution_seq ON events(execution_id, sequence_num)`,
		`CREATE INDEX IF NOT EXISTS idx_events_execution_type ON events(execution_id, event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_event_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) lockFor(executionID string) *sync.Mutex {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	m, ok := s.seqLock[executionID]
	if !ok {
		m = &sync.Mutex{}
		s.seqLock[executionID] = m
	}
	return m
}

// CreateExecution inserts an execution in pending status.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("eventstore: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, channel_type, channel_id, user_id, thread_id, status, input_text, output_text, started_at, completed_at, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ChannelType, e.ChannelID, e.UserID, nullString(e.ThreadID), string(e.Status),
		e.InputText, nullString(e.OutputText), e.StartedAt, nullTimePtr(e.CompletedAt), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("eventstore: create execution: %w", err)
	}
	return nil
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// UpdateExecutionStatus sets status, setting completed_at iff status is
// terminal. completed_at is write-once: once set it is never overwritten.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, output *string) error {
	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = time.Now().UTC()
	}
	query := `UPDATE executions SET status = ?`
	args := []any{string(status)}
	if output != nil {
		query += `, output_text = ?`
		args = append(args, *output)
	}
	if completedAt != nil {
		query += `, completed_at = COALESCE(completed_at, ?)`
		args = append(args, completedAt)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("eventstore: update execution status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("eventstore: execution %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanExecution(row interface{ Scan(dest ...any) error }) (*models.Execution, error) {
	var e models.Execution
	var threadID, outputText sql.NullString
	var completedAt sql.NullTime
	var status string
	var metadataRaw sql.NullString

	if err := row.Scan(&e.ID, &e.ChannelType, &e.ChannelID, &e.UserID, &threadID, &status,
		&e.InputText, &outputText, &e.StartedAt, &completedAt, &metadataRaw); err != nil {
		return nil, err
	}
	e.ThreadID = threadID.String
	e.OutputText = outputText.String
	e.Status = models.ExecutionStatus(status)
	if completedAt.Valid {
		ca := completedAt.Time
		e.CompletedAt = &ca
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		_ = json.Unmarshal([]byte(metadataRaw.String), &e.Metadata)
	}
	return &e, nil
}

const executionColumns = `id, channel_type, channel_id, user_id, thread_id, status, input_text, output_text, started_at, completed_at, metadata`

// GetExecution fetches a single execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("eventstore: execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns executions matching opts, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, opts ListExecutionsOptions) ([]*models.Execution, error) {
	var where []string
	var args []any
	if opts.ChannelType != "" {
		where = append(where, "channel_type = ?")
		args = append(args, opts.ChannelType)
	}
	if opts.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, opts.ChannelID)
	}
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*opts.Status))
	}
	if opts.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		where = append(where, "started_at <= ?")
		args = append(args, *opts.Until)
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteOldExecutions removes executions started before cutoff (and their
// events, via ON DELETE CASCADE), implementing the retention sweep.
func (s *SQLiteStore) DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("eventstore: delete old executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventstore: delete old executions: %w", err)
	}
	return int(n), nil
}

// NextSequence allocates the next sequence number for an execution. The
// per-execution mutex plus a MAX(sequence_num)+1 read makes allocation
// linearizable for concurrent appenders within this process; Append
// itself additionally relies on the UNIQUE(execution_id, sequence_num)
// constraint as a backstop.
func (s *SQLiteStore) NextSequence(ctx context.Context, executionID string) (uint64, error) {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(sequence_num) FROM events WHERE execution_id = ?", executionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("eventstore: next sequence: %w", err)
	}
	return uint64(max.Int64) + 1, nil
}

// Append inserts an event. Callers typically obtain SequenceNum via
// NextSequence immediately before calling Append while still holding the
// implicit per-execution ordering the caller maintains; the UNIQUE
// constraint converts a lost race into ErrDuplicateSequence rather than
// silent corruption.
func (s *SQLiteStore) Append(ctx context.Context, e *models.StoredEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal payload: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("eventstore: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, execution_id, sequence_num, event_type, payload, timestamp, duration_ms, parent_event_id, metadata)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ExecutionID, e.SequenceNum, string(e.Type), string(payload), e.Timestamp,
		e.DurationMs, nullString(e.ParentEventID), string(metadata),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("eventstore: execution %s sequence %d: %w", e.ExecutionID, e.SequenceNum, ErrDuplicateSequence)
		}
		return fmt.Errorf("eventstore: append event: %w", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanEvent(row interface{ Scan(dest ...any) error }) (*models.StoredEvent, error) {
	var ev models.StoredEvent
	var eventType string
	var payloadRaw, metadataRaw sql.NullString
	var durationMs sql.NullInt64
	var parentEventID sql.NullString

	if err := row.Scan(&ev.ID, &ev.ExecutionID, &ev.SequenceNum, &eventType, &payloadRaw,
		&ev.Timestamp, &durationMs, &parentEventID, &metadataRaw); err != nil {
		return nil, err
	}
	ev.Type = models.EventType(eventType)
	ev.ParentEventID = parentEventID.String
	if durationMs.Valid {
		d := durationMs.Int64
		ev.DurationMs = &d
	}
	if payloadRaw.Valid && payloadRaw.String != "" {
		_ = json.Unmarshal([]byte(payloadRaw.String), &ev.Payload)
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		_ = json.Unmarshal([]byte(metadataRaw.String), &ev.Metadata)
	}
	return &ev, nil
}

const eventColumns = `id, execution_id, sequence_num, event_type, payload, timestamp, duration_ms, parent_event_id, metadata`

// GetExecutionEvents returns events ordered by sequence ascending.
func (s *SQLiteStore) GetExecutionEvents(ctx context.Context, executionID string) ([]*models.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM events WHERE execution_id = ? ORDER BY sequence_num ASC", executionID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get execution events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of a given type within an execution,
// ordered by sequence ascending.
func (s *SQLiteStore) GetEventsByType(ctx context.Context, executionID string, eventType models.EventType) ([]*models.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE execution_id = ? AND event_type = ? ORDER BY sequence_num ASC",
		executionID, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("eventstore: get events by type: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetChildEvents returns events whose parent_event_id matches.
func (s *SQLiteStore) GetChildEvents(ctx context.Context, parentEventID string) ([]*models.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM events WHERE parent_event_id = ? ORDER BY sequence_num ASC", parentEventID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get child events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the number of events recorded for an execution.
func (s *SQLiteStore) CountEvents(ctx context.Context, executionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE execution_id = ?", executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("eventstore: count events: %w", err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]*models.StoredEvent, error) {
	var out []*models.StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
