package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/platform/logger"
	"github.com/visiontune/visiontune-api/internal/store"
)

// taskColumns is the column list shared by all task SELECT statements.
// The scanTask helper depends on this order.
const taskColumns = `id, owner_id, kind, name, status, config, progress, result, error,
	cancel_requested, artifact_path, created_at, started_at, finished_at, updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.TaskStore.Create
// It saves a new task record to the database, handling domain validation.
// Returns store.ErrInvalidEntity if the owner ID doesn't exist (foreign key violation).
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return err
	}

	progress, result, taskErr, err := marshalTaskFields(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (id, owner_id, kind, name, status, config, progress, result, error,
			cancel_requested, artifact_path, created_at, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.ExecContext(
		ctx,
		query,
		task.ID,
		task.OwnerID,
		task.Kind,
		task.Name,
		task.Status,
		[]byte(task.Config),
		progress,
		result,
		taskErr,
		task.CancelRequested,
		task.ArtifactPath,
		task.CreatedAt,
		task.StartedAt,
		task.FinishedAt,
		task.UpdatedAt,
	)

	if err != nil {
		if IsForeignKeyViolation(err) {
			log.Warn("foreign key violation during task creation",
				slog.String("error", err.Error()),
				slog.String("task_id", task.ID.String()),
				slog.String("owner_id", task.OwnerID.String()))
			return fmt.Errorf("%w: owner with ID %s not found",
				store.ErrInvalidEntity, task.OwnerID)
		}

		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()),
			slog.String("owner_id", task.OwnerID.String()))
		return MapError(err)
	}

	log.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("owner_id", task.OwnerID.String()),
		slog.String("kind", string(task.Kind)))
	return nil
}

// GetByID implements store.TaskStore.GetByID
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task by ID",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, err
	}

	return task, nil
}

// ListByOwner implements store.TaskStore.ListByOwner
// Tasks are ordered newest first.
func (s *PostgresTaskStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		log.Error("failed to query tasks by owner",
			slog.String("error", err.Error()),
			slog.String("owner_id", ownerID.String()))
		return nil, err
	}

	return collectTasks(rows, log)
}

// ListByStatus implements store.TaskStore.ListByStatus
// Tasks are ordered by creation time ascending so recovered work keeps
// its original dispatch order.
func (s *PostgresTaskStore) ListByStatus(
	ctx context.Context,
	statuses ...domain.TaskStatus,
) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ANY($1)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, statusStrings(statuses))
	if err != nil {
		log.Error("failed to query tasks by status",
			slog.String("error", err.Error()))
		return nil, err
	}

	return collectTasks(rows, log)
}

// UpdateStatus implements store.TaskStore.UpdateStatus
// The status check and the write happen in a single UPDATE so concurrent
// writers racing on the same task cannot both succeed.
func (s *PostgresTaskStore) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	from []domain.TaskStatus,
	to domain.TaskStatus,
	change store.StatusChange,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, taskErr, err := marshalStatusChange(change)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET status = $1,
			started_at = COALESCE($2, started_at),
			finished_at = COALESCE($3, finished_at),
			result = COALESCE($4, result),
			error = COALESCE($5, error),
			updated_at = $6
		WHERE id = $7 AND status = ANY($8)
	`

	res, err := s.db.ExecContext(
		ctx,
		query,
		to,
		change.StartedAt,
		change.FinishedAt,
		result,
		taskErr,
		time.Now().UTC(),
		id,
		statusStrings(from),
	)
	if err != nil {
		log.Error("failed to update task status",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()),
			slog.String("to", string(to)))
		return store.NewStoreError("task", "update",
			fmt.Sprintf("status write to %s", to),
			fmt.Errorf("%w: %w", store.ErrUpdateFailed, MapError(err)))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.classifyMissedUpdate(ctx, id, log)
	}

	log.Info("task status updated",
		slog.String("task_id", id.String()),
		slog.String("to", string(to)))
	return nil
}

// UpdateProgress implements store.TaskStore.UpdateProgress
// Progress writes only apply while the task is running, so a report
// arriving after the task finished cannot disturb its terminal record.
func (s *PostgresTaskStore) UpdateProgress(
	ctx context.Context,
	id uuid.UUID,
	progress *domain.Progress,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	query := `
		UPDATE tasks
		SET progress = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, payload, time.Now().UTC(), id, domain.TaskStatusRunning)
	if err != nil {
		log.Error("failed to update task progress",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return store.NewStoreError("task", "update", "progress write",
			fmt.Errorf("%w: %w", store.ErrUpdateFailed, MapError(err)))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.classifyMissedUpdate(ctx, id, log)
	}

	return nil
}

// RequestCancel implements store.TaskStore.RequestCancel
// The flag is only settable while the task can still react to it.
// Returns store.ErrTaskNotFound if the task does not exist, or
// store.ErrStaleStatus if it has already reached a terminal state.
func (s *PostgresTaskStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE tasks
		SET cancel_requested = TRUE, updated_at = $1
		WHERE id = $2 AND status = ANY($3)
	`

	active := []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusQueued,
		domain.TaskStatusRunning,
	}
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id, statusStrings(active))
	if err != nil {
		log.Error("failed to set cancel flag",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return store.NewStoreError("task", "update", "cancel flag write",
			fmt.Errorf("%w: %w", store.ErrUpdateFailed, MapError(err)))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.classifyMissedUpdate(ctx, id, log)
	}

	log.Info("task cancellation requested", slog.String("task_id", id.String()))
	return nil
}

// CountQueuedBefore implements store.TaskStore.CountQueuedBefore
func (s *PostgresTaskStore) CountQueuedBefore(ctx context.Context, id uuid.UUID) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var createdAt time.Time
	err := s.db.QueryRowContext(
		ctx,
		`SELECT created_at FROM tasks WHERE id = $1 AND status = $2`,
		id, domain.TaskStatusQueued,
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrTaskNotFound
		}
		log.Error("failed to look up queued task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE status = $1 AND (created_at, id) < ($2, $3)`,
		domain.TaskStatusQueued, createdAt, id,
	).Scan(&count)
	if err != nil {
		log.Error("failed to count queued tasks",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return 0, err
	}

	return count, nil
}

// Delete implements store.TaskStore.Delete
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return store.NewStoreError("task", "delete", "record removal",
			fmt.Errorf("%w: %w", store.ErrDeleteFailed, MapError(err)))
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrTaskNotFound
	}

	log.Info("task deleted", slog.String("task_id", id.String()))
	return nil
}

// classifyMissedUpdate decides why a conditional UPDATE touched no rows:
// either the task is gone, or it exists in an unexpected state.
func (s *PostgresTaskStore) classifyMissedUpdate(
	ctx context.Context,
	id uuid.UUID,
	log *slog.Logger,
) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrTaskNotFound
		}
		return err
	}

	log.Debug("conditional update missed",
		slog.String("task_id", id.String()),
		slog.String("current_status", current))
	return fmt.Errorf("%w: current status %s", store.ErrStaleStatus, current)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task record in taskColumns order.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task     domain.Task
		config   []byte
		progress []byte
		result   []byte
		taskErr  []byte
	)

	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.Kind,
		&task.Name,
		&task.Status,
		&config,
		&progress,
		&result,
		&taskErr,
		&task.CancelRequested,
		&task.ArtifactPath,
		&task.CreatedAt,
		&task.StartedAt,
		&task.FinishedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Config = json.RawMessage(config)

	if len(progress) > 0 {
		task.Progress = &domain.Progress{}
		if err := json.Unmarshal(progress, task.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
	}
	if len(result) > 0 {
		task.Result = &domain.ResultSummary{}
		if err := json.Unmarshal(result, task.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if len(taskErr) > 0 {
		task.Error = &domain.TaskError{}
		if err := json.Unmarshal(taskErr, task.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	return &task, nil
}

// collectTasks drains rows into a slice, always returning a non-nil slice.
func collectTasks(rows *sql.Rows, log *slog.Logger) ([]*domain.Task, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	tasks := []*domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", slog.String("error", err.Error()))
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		log.Error("error after scanning rows", slog.String("error", err.Error()))
		return nil, err
	}

	return tasks, nil
}

// marshalTaskFields serializes the task's optional JSON columns.
func marshalTaskFields(task *domain.Task) (progress, result, taskErr []byte, err error) {
	if task.Progress != nil {
		progress, err = json.Marshal(task.Progress)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal progress: %w", err)
		}
	}
	if task.Result != nil {
		result, err = json.Marshal(task.Result)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	if task.Error != nil {
		taskErr, err = json.Marshal(task.Error)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal error: %w", err)
		}
	}
	return progress, result, taskErr, nil
}

// marshalStatusChange serializes the optional JSON fields of a status change.
func marshalStatusChange(change store.StatusChange) (result, taskErr []byte, err error) {
	if change.Result != nil {
		result, err = json.Marshal(change.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	if change.Error != nil {
		taskErr, err = json.Marshal(change.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal error: %w", err)
		}
	}
	return result, taskErr, nil
}

// statusStrings converts statuses to plain strings for array parameters.
func statusStrings(statuses []domain.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
