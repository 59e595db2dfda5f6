// Package eventstore implements the append-only execution/event log
// backing cratos.db: create_execution, update_execution_status, append,
// and the indexed retrieval operations spec.md §4.1 names. Grounded on
// the teacher's internal/observability.EventStore interface shape
// (Record/GetByRunID/GetByType/...), generalized from an in-memory log to
// a durable single-file SQLite store, and on
// internal/memory/backend/sqlitevec/backend.go for the WAL-mode
// database/sql wiring pattern.
package eventstore

import (
	"context"
	"time"

	"github.com/first-fluke/cratos/pkg/models"
)

// Store is the event store contract. Event recording is best-effort from
// the orchestrator's point of view (a failure to append is logged, never
// propagated as an execution failure) except CreateExecution, which is a
// precondition for appending at all.
type Store interface {
	CreateExecution(ctx context.Context, e *models.Execution) error
	UpdateExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, output *string) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, opts ListExecutionsOptions) ([]*models.Execution, error)
	DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int, error)

	// Append inserts an event, failing with ErrDuplicateSequence if
	// (execution_id, sequence_num) already exists.
	Append(ctx context.Context, e *models.StoredEvent) error

	// NextSequence allocates the next sequence number for an execution
	// under a linearizable, per-execution critical section.
	NextSequence(ctx context.Context, executionID string) (uint64, error)

	GetExecutionEvents(ctx context.Context, executionID string) ([]*models.StoredEvent, error)
	GetEventsByType(ctx context.Context, executionID string, eventType models.EventType) ([]*models.StoredEvent, error)
	GetChildEvents(ctx context.Context, parentEventID string) ([]*models.StoredEvent, error)
	CountEvents(ctx context.Context, executionID string) (int, error)

	Close() error
}

// ListExecutionsOptions filters ListExecutions, covering the index-by-
// channel/user/recency access patterns spec.md §4.1 requires.
type ListExecutionsOptions struct {
	ChannelType string
	ChannelID   string
	UserID      string
	Status      *models.ExecutionStatus
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}
