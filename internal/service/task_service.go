package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/visiontune/visiontune-api/internal/artifact"
	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/store"
	"github.com/visiontune/visiontune-api/internal/task"
)

// Upload file names inside a task's input directory.
const (
	datasetArchiveName = "dataset.zip"
	modelUploadName    = "model.pt"
)

// CancelSignaler notifies the in-process job engine that a running task
// should stop. Implemented by task.Engine.
type CancelSignaler interface {
	// SignalCancel flags a locally running job for cancellation.
	// Returns false if the task is not running in this process.
	SignalCancel(taskID uuid.UUID) bool

	// IsRunning reports whether the task is executing in this process.
	IsRunning(taskID uuid.UUID) bool
}

// SubmitRequest carries everything needed to create a new task.
type SubmitRequest struct {
	Kind   domain.TaskKind
	Name   string
	Config json.RawMessage

	// Dataset is the uploaded dataset archive. Required.
	Dataset io.Reader

	// Model is an optional uploaded model checkpoint, used when the
	// config names neither a preset nor a previous fine-tune.
	Model io.Reader
}

// TaskDetail is a task together with its position in the dispatch queue.
type TaskDetail struct {
	Task *domain.Task

	// QueuePosition is the zero-based number of queued tasks ahead of
	// this one. Nil unless the task is queued.
	QueuePosition *int

	// QueueTotal is the number of tasks waiting for dispatch, including
	// this one. Nil when only the stored count is available.
	QueueTotal *int
}

// TaskService defines the task lifecycle operations exposed to the API.
type TaskService interface {
	// Submit validates a submission, stages its uploads, creates the
	// task record and hands it to the dispatch queue.
	Submit(ctx context.Context, ownerID uuid.UUID, req SubmitRequest) (*domain.Task, error)

	// Get retrieves one of the owner's tasks with queue position attached.
	// Returns store.ErrTaskNotFound for unknown IDs and for tasks owned
	// by someone else.
	Get(ctx context.Context, ownerID, taskID uuid.UUID) (*TaskDetail, error)

	// List retrieves all of the owner's tasks, newest first.
	List(ctx context.Context, ownerID uuid.UUID) ([]*domain.Task, error)

	// Cancel requests cancellation of a task. Safe to call repeatedly;
	// cancelling a task that already finished is a no-op.
	Cancel(ctx context.Context, ownerID, taskID uuid.UUID) error

	// Delete removes a task's artifacts and then its record. Only
	// terminal tasks can be deleted; ErrTaskActive otherwise.
	Delete(ctx context.Context, ownerID, taskID uuid.UUID) error

	// Logs returns up to n trailing lines of the task's job log.
	Logs(ctx context.Context, ownerID, taskID uuid.UUID, n int) ([]string, error)

	// OutputArchive streams a zip of the task's output directory to w.
	// Only completed tasks have outputs; anything else returns
	// ErrTaskNotCompleted.
	OutputArchive(ctx context.Context, ownerID, taskID uuid.UUID, w io.Writer) error
}

// taskServiceImpl implements TaskService.
type taskServiceImpl struct {
	taskStore store.TaskStore
	artifacts *artifact.Manager
	broker    task.Broker
	signaler  CancelSignaler
	logger    *slog.Logger
}

var _ TaskService = (*taskServiceImpl)(nil)

// NewTaskService creates a new TaskService with its dependencies.
func NewTaskService(
	taskStore store.TaskStore,
	artifacts *artifact.Manager,
	broker task.Broker,
	signaler CancelSignaler,
	logger *slog.Logger,
) (TaskService, error) {
	if taskStore == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if artifacts == nil {
		return nil, errors.New("artifact manager cannot be nil")
	}
	if broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if signaler == nil {
		return nil, errors.New("cancel signaler cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &taskServiceImpl{
		taskStore: taskStore,
		artifacts: artifacts,
		broker:    broker,
		signaler:  signaler,
		logger:    logger.With("component", "task_service"),
	}, nil
}

func (s *taskServiceImpl) Submit(
	ctx context.Context,
	ownerID uuid.UUID,
	req SubmitRequest,
) (*domain.Task, error) {
	log := s.logger.With(slog.String("owner_id", ownerID.String()))

	if req.Kind != domain.TaskKindFinetune && req.Kind != domain.TaskKindValidate {
		return nil, fmt.Errorf("%w: unknown task kind %q", domain.ErrValidation, req.Kind)
	}
	if req.Dataset == nil {
		return nil, ErrMissingDataset
	}

	// Reject malformed configs before anything touches disk.
	if _, err := task.ParseJobConfig(req.Config); err != nil {
		return nil, err
	}

	t, err := domain.NewTask(ownerID, req.Kind, req.Name, req.Config)
	if err != nil {
		return nil, err
	}

	paths, err := s.artifacts.Allocate(ownerID, req.Kind, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate task directories: %w", err)
	}
	t.ArtifactPath = paths.Root

	if err := s.taskStore.Create(ctx, t); err != nil {
		if purgeErr := s.artifacts.Purge(paths.Root); purgeErr != nil {
			log.Error("failed to purge directories after create failure",
				slog.String("error", purgeErr.Error()))
		}
		return nil, fmt.Errorf("failed to create task record: %w", err)
	}

	log = log.With(slog.String("task_id", t.ID.String()))

	if err := s.stageUploads(req, paths); err != nil {
		s.abandonSubmission(ctx, t, paths, log)
		return nil, err
	}

	if err := s.enqueue(ctx, t, log); err != nil {
		return nil, err
	}

	log.Info("task submitted", slog.String("kind", string(t.Kind)))
	return t, nil
}

// stageUploads writes the uploaded files into the task's input directory
// and extracts the dataset archive.
func (s *taskServiceImpl) stageUploads(req SubmitRequest, paths artifact.Paths) error {
	archivePath := filepath.Join(paths.Input, datasetArchiveName)
	if _, err := s.artifacts.StageUpload(archivePath, req.Dataset); err != nil {
		return err
	}

	if req.Model != nil {
		modelPath := filepath.Join(paths.Input, modelUploadName)
		if _, err := s.artifacts.StageUpload(modelPath, req.Model); err != nil {
			return err
		}
	}

	if err := s.artifacts.ExtractDataset(archivePath, paths.Dataset); err != nil {
		if errors.Is(err, artifact.ErrUnsafeArchivePath) {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return fmt.Errorf("%w: dataset archive is not a valid zip: %v", domain.ErrValidation, err)
	}

	return nil
}

// abandonSubmission undoes a half-created submission: artifacts first,
// record second, so a crash in between leaves a record pointing at
// nothing rather than orphaned files with no record.
func (s *taskServiceImpl) abandonSubmission(
	ctx context.Context,
	t *domain.Task,
	paths artifact.Paths,
	log *slog.Logger,
) {
	if err := s.artifacts.Purge(paths.Root); err != nil {
		log.Error("failed to purge abandoned submission",
			slog.String("error", err.Error()))
		return
	}
	if err := s.taskStore.Delete(ctx, t.ID); err != nil {
		log.Error("failed to delete abandoned submission",
			slog.String("error", err.Error()))
	}
}

// enqueue moves a fresh task into the dispatch queue. A full or closed
// queue fails the task so the client sees a terminal record, not a
// submission stuck in pending forever.
func (s *taskServiceImpl) enqueue(ctx context.Context, t *domain.Task, log *slog.Logger) error {
	err := s.taskStore.UpdateStatus(ctx, t.ID,
		[]domain.TaskStatus{domain.TaskStatusPending},
		domain.TaskStatusQueued,
		store.StatusChange{})
	if err != nil {
		return fmt.Errorf("failed to queue task: %w", err)
	}
	t.Status = domain.TaskStatusQueued

	if err := s.broker.Enqueue(t.ID); err != nil {
		now := time.Now().UTC()
		failErr := s.taskStore.UpdateStatus(ctx, t.ID,
			[]domain.TaskStatus{domain.TaskStatusQueued},
			domain.TaskStatusFailed,
			store.StatusChange{
				FinishedAt: &now,
				Error: &domain.TaskError{
					Code:    domain.ErrCodeQueueError,
					Message: "task could not be queued for dispatch",
				},
			})
		if failErr != nil {
			log.Error("failed to record queue failure",
				slog.String("error", failErr.Error()))
		}
		t.Status = domain.TaskStatusFailed
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

func (s *taskServiceImpl) Get(ctx context.Context, ownerID, taskID uuid.UUID) (*TaskDetail, error) {
	t, err := s.getOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}

	detail := &TaskDetail{Task: t}
	if t.Status == domain.TaskStatusQueued {
		// The broker knows the live dispatch order; fall back to the
		// stored count for tasks queued by another instance. The
		// fallback cannot see the queue depth, so it reports position only.
		if pos, total, ok := s.broker.EstimatePosition(t.ID); ok {
			detail.QueuePosition = &pos
			detail.QueueTotal = &total
			return detail, nil
		}
		pos, err := s.taskStore.CountQueuedBefore(ctx, t.ID)
		if err == nil {
			detail.QueuePosition = &pos
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to compute queue position: %w", err)
		}
		// ErrNotFound: the task left the queue between the two reads.
	}

	return detail, nil
}

func (s *taskServiceImpl) List(ctx context.Context, ownerID uuid.UUID) ([]*domain.Task, error) {
	tasks, err := s.taskStore.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (s *taskServiceImpl) Cancel(ctx context.Context, ownerID, taskID uuid.UUID) error {
	log := s.logger.With(slog.String("task_id", taskID.String()))

	t, err := s.getOwned(ctx, ownerID, taskID)
	if err != nil {
		return err
	}

	if t.Status.IsTerminal() {
		log.Debug("cancel ignored for finished task", slog.String("status", string(t.Status)))
		return nil
	}

	// Set the stored flag first: whichever worker touches the task next
	// sees it, even on another instance.
	if err := s.taskStore.RequestCancel(ctx, t.ID); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			// Finished between the read and the write; nothing to cancel.
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrTaskNotFound
		}
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	if t.Status == domain.TaskStatusPending || t.Status == domain.TaskStatusQueued {
		if t.Status == domain.TaskStatusQueued {
			s.broker.Revoke(t.ID)
		}
		now := time.Now().UTC()
		err := s.taskStore.UpdateStatus(ctx, t.ID,
			[]domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusQueued},
			domain.TaskStatusCancelled,
			store.StatusChange{FinishedAt: &now})
		if err == nil {
			log.Info("task cancelled", slog.String("from", string(t.Status)))
			return nil
		}
		if !errors.Is(err, store.ErrStaleStatus) {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		// Raced into running (or a worker already cancelled it); the
		// stored flag plus the signal below cover the running case.
	}

	if s.signaler.SignalCancel(t.ID) {
		log.Info("cancellation signalled to running job")
	}
	return nil
}

func (s *taskServiceImpl) Delete(ctx context.Context, ownerID, taskID uuid.UUID) error {
	log := s.logger.With(slog.String("task_id", taskID.String()))

	t, err := s.getOwned(ctx, ownerID, taskID)
	if err != nil {
		return err
	}

	// Deletion is terminal-only: anything still in flight must be
	// cancelled first and polled until it settles.
	if !t.Status.IsTerminal() || s.signaler.IsRunning(t.ID) {
		return ErrTaskActive
	}

	// Artifacts go first. If the purge fails the record survives and
	// points at the leftovers; deleting the record first would strand
	// them with nothing to find them by.
	if t.ArtifactPath != "" {
		if err := s.artifacts.Purge(t.ArtifactPath); err != nil {
			return fmt.Errorf("failed to purge task artifacts: %w", err)
		}
	}

	if err := s.taskStore.Delete(ctx, t.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete task record: %w", err)
	}

	log.Info("task deleted")
	return nil
}

func (s *taskServiceImpl) Logs(
	ctx context.Context,
	ownerID, taskID uuid.UUID,
	n int,
) ([]string, error) {
	t, err := s.getOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}

	paths := artifact.PathsFor(t.ArtifactPath)
	lines, err := artifact.TailLines(paths.LogFile, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read task log: %w", err)
	}
	return lines, nil
}

func (s *taskServiceImpl) OutputArchive(
	ctx context.Context,
	ownerID, taskID uuid.UUID,
	w io.Writer,
) error {
	t, err := s.getOwned(ctx, ownerID, taskID)
	if err != nil {
		return err
	}

	if t.Status != domain.TaskStatusCompleted {
		return ErrTaskNotCompleted
	}

	paths := artifact.PathsFor(t.ArtifactPath)
	if err := s.artifacts.ArchiveOutput(paths.Output, w); err != nil {
		return err
	}
	return nil
}

// getOwned loads a task and hides other owners' tasks behind not-found,
// so IDs cannot be probed across accounts.
func (s *taskServiceImpl) getOwned(
	ctx context.Context,
	ownerID, taskID uuid.UUID,
) (*domain.Task, error) {
	t, err := s.taskStore.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, store.ErrTaskNotFound
	}
	return t, nil
}
