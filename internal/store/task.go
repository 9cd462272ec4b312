package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/visiontune/visiontune-api/internal/domain"
)

// StatusChange carries the fields that are written together with a status
// transition. Nil fields are left untouched in the stored record.
type StatusChange struct {
	// StartedAt is set when the task enters the running state.
	StartedAt *time.Time

	// FinishedAt is set when the task enters a terminal state.
	FinishedAt *time.Time

	// Result holds the final summary for completed tasks.
	Result *domain.ResultSummary

	// Error holds the failure details for failed tasks.
	Error *domain.TaskError
}

// TaskStore defines the interface for task record persistence.
type TaskStore interface {
	// Create saves a new task record to the store.
	// Returns validation errors from the domain Task if data is invalid.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListByOwner retrieves all tasks belonging to the given owner,
	// newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*domain.Task, error)

	// ListByStatus retrieves all tasks currently in one of the given
	// statuses, ordered by creation time ascending. Used on startup to
	// recover work that was in flight when the process stopped.
	ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error)

	// UpdateStatus conditionally moves a task to a new status. The update
	// only applies if the task's current status is one of the values in
	// from; the check and the write happen in a single statement so
	// concurrent writers cannot race past each other.
	// Returns ErrTaskNotFound if the task does not exist, or ErrStaleStatus
	// if it exists but its status is not among the expected source states.
	UpdateStatus(
		ctx context.Context,
		id uuid.UUID,
		from []domain.TaskStatus,
		to domain.TaskStatus,
		change StatusChange,
	) error

	// UpdateProgress records a progress snapshot for a running task.
	// The write is a no-op returning ErrStaleStatus if the task is no
	// longer running, so late reports from a finished job cannot overwrite
	// its terminal record.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress *domain.Progress) error

	// RequestCancel sets the cancellation flag on a task. It does not
	// change the task's status; the job runner observes the flag and
	// performs the transition itself. The flag only applies while the
	// task is pending, queued or running.
	// Returns ErrTaskNotFound if the task does not exist, or
	// ErrStaleStatus if it is already in a terminal state.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// CountQueuedBefore returns how many queued tasks were created before
	// the given task, i.e. its zero-based position in the dispatch order.
	// Returns ErrTaskNotFound if the task does not exist or is not queued.
	CountQueuedBefore(ctx context.Context, id uuid.UUID) (int, error)

	// Delete removes a task record from the store by its ID.
	// Returns ErrTaskNotFound if the task does not exist.
	// Callers must remove the task's artifacts first; a record must never
	// outlive its files the other way around.
	Delete(ctx context.Context, id uuid.UUID) error

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	// This allows for multiple operations to be executed within a single transaction.
	// The transaction should be created and managed by the caller (typically a service).
	WithTx(tx *sql.Tx) TaskStore
}
