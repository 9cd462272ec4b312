package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/visiontune/visiontune-api/internal/artifact"
	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/ml"
	"github.com/visiontune/visiontune-api/internal/store"
)

// dbCancelCheckEvery controls how often the cancel predicate re-reads
// the stored cancellation flag instead of only the in-memory signal.
// With the runner polling twice a second this lands around every 5s.
const dbCancelCheckEvery = 10

// uploadedModelFileName is where a user-supplied base model sits in the
// task's input directory.
const uploadedModelFileName = "model.pt"

// EngineConfig holds configuration for the job engine.
type EngineConfig struct {
	// WorkerCount determines how many jobs run concurrently.
	WorkerCount int

	// StuckTaskAge is how long a running task may go without a progress
	// write before the reconciler flags it.
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to look for stuck tasks.
	// If zero, defaults to 5 minutes.
	StuckTaskCheckInterval time.Duration
}

// jobHandle tracks one in-flight job so cancellation requests can reach
// its cancel predicate without a database round-trip.
type jobHandle struct {
	cancelRequested atomic.Bool
}

// Engine drives queued tasks through the ML runner. It owns the worker
// pool, startup recovery, and the stuck-task reconciler.
type Engine struct {
	taskStore store.TaskStore
	broker    Broker
	runner    ml.Runner
	artifacts *artifact.Manager
	config    EngineConfig
	logger    *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]*jobHandle
}

// NewEngine creates a job engine. All dependencies are required; logger
// may be nil, in which case the default logger is used.
func NewEngine(
	taskStore store.TaskStore,
	broker Broker,
	runner ml.Runner,
	artifacts *artifact.Manager,
	config EngineConfig,
	logger *slog.Logger,
) *Engine {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.StuckTaskCheckInterval == 0 {
		config.StuckTaskCheckInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		taskStore:  taskStore,
		broker:     broker,
		runner:     runner,
		artifacts:  artifacts,
		config:     config,
		logger:     logger.With(slog.String("component", "task_engine")),
		ctx:        ctx,
		cancelFunc: cancel,
		running:    make(map[uuid.UUID]*jobHandle),
	}
}

// Start recovers interrupted work and launches the worker pool.
func (e *Engine) Start() error {
	if err := e.Recover(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for i := 0; i < e.config.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.stuckTaskMonitor()

	e.logger.Info("task engine started",
		slog.Int("worker_count", e.config.WorkerCount))
	return nil
}

// Stop shuts the engine down: running jobs get a cancellation signal,
// and Stop blocks until all workers have exited.
func (e *Engine) Stop() {
	e.cancelFunc()
	e.broker.Close()
	e.wg.Wait()
	e.logger.Info("task engine stopped")
}

// SignalCancel delivers a cancellation request to a job if it is
// currently running in this process. Reports whether it was.
func (e *Engine) SignalCancel(taskID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	handle, ok := e.running[taskID]
	if ok {
		handle.cancelRequested.Store(true)
	}
	return ok
}

// IsRunning reports whether the engine is executing the given task.
func (e *Engine) IsRunning(taskID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// Recover reconciles task records with reality after a restart.
// Queued and pending tasks are re-enqueued in their original order;
// running tasks are marked failed, because a training process does not
// survive its parent and silently re-running one is not safe.
func (e *Engine) Recover() error {
	ctx := context.Background()

	interrupted, err := e.taskStore.ListByStatus(ctx,
		domain.TaskStatusPending, domain.TaskStatusQueued, domain.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list unfinished tasks: %w", err)
	}

	var requeued, failed int
	for _, t := range interrupted {
		switch t.Status {
		case domain.TaskStatusRunning:
			now := time.Now().UTC()
			err := e.taskStore.UpdateStatus(ctx, t.ID,
				[]domain.TaskStatus{domain.TaskStatusRunning},
				domain.TaskStatusFailed,
				store.StatusChange{
					FinishedAt: &now,
					Error: &domain.TaskError{
						Code:    domain.ErrCodeWorkerLost,
						Message: "worker stopped while the job was running",
					},
				})
			if err != nil {
				e.logger.Error("failed to fail interrupted task",
					slog.String("task_id", t.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
			failed++

		case domain.TaskStatusPending:
			// A pending record means the process stopped between
			// creation and dispatch; push it through the queue now.
			err := e.taskStore.UpdateStatus(ctx, t.ID,
				[]domain.TaskStatus{domain.TaskStatusPending},
				domain.TaskStatusQueued, store.StatusChange{})
			if err != nil {
				e.logger.Error("failed to queue recovered task",
					slog.String("task_id", t.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
			if err := e.broker.Enqueue(t.ID); err != nil {
				e.logger.Error("failed to requeue recovered task",
					slog.String("task_id", t.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
			requeued++

		case domain.TaskStatusQueued:
			if err := e.broker.Enqueue(t.ID); err != nil {
				e.logger.Error("failed to requeue task",
					slog.String("task_id", t.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
			requeued++
		}
	}

	e.logger.Info("task recovery complete",
		slog.Int("requeued", requeued),
		slog.Int("failed_as_lost", failed))
	return nil
}

// worker consumes task IDs from the broker until shutdown.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	e.logger.Debug("starting worker", slog.Int("worker_id", id))

	for {
		select {
		case <-e.ctx.Done():
			e.logger.Debug("stopping worker", slog.Int("worker_id", id))
			return

		case taskID, ok := <-e.broker.Dequeue():
			if !ok {
				e.logger.Debug("dispatch queue closed, stopping worker",
					slog.Int("worker_id", id))
				return
			}
			e.processTask(taskID, id)
		}
	}
}

// processTask executes a single dequeued task end to end.
func (e *Engine) processTask(taskID uuid.UUID, workerID int) {
	ctx := e.ctx
	log := e.logger.With(
		slog.String("task_id", taskID.String()),
		slog.Int("worker_id", workerID),
	)

	revoked := e.broker.Acknowledge(taskID)

	t, err := e.taskStore.GetByID(ctx, taskID)
	if err != nil {
		// Deleted while waiting; nothing to do.
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("dequeued task no longer exists")
			return
		}
		log.Error("failed to load dequeued task", slog.String("error", err.Error()))
		return
	}

	// A cancellation that arrived while the task was waiting wins
	// before any work starts.
	if revoked || t.CancelRequested {
		e.finishCancelled(ctx, t, domain.TaskStatusQueued, log)
		return
	}

	// Input validation happens before the task is ever marked running,
	// so a bad submission fails straight out of the queue.
	job, err := e.prepareJob(ctx, t)
	if err != nil {
		e.failTask(ctx, t, domain.TaskStatusQueued, err, log)
		return
	}

	now := time.Now().UTC()
	err = e.taskStore.UpdateStatus(ctx, t.ID,
		[]domain.TaskStatus{domain.TaskStatusQueued},
		domain.TaskStatusRunning,
		store.StatusChange{StartedAt: &now})
	if err != nil {
		// Raced with a cancel or delete; whoever won has recorded it.
		log.Debug("task not in queued state anymore, skipping",
			slog.String("error", err.Error()))
		return
	}

	handle := &jobHandle{}
	e.mu.Lock()
	e.running[t.ID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, t.ID)
		e.mu.Unlock()
	}()

	log.Info("job started", slog.String("kind", string(t.Kind)))

	summary, runErr := e.runJob(ctx, t, job, handle, log)

	switch {
	case runErr == nil:
		now := time.Now().UTC()
		err := e.taskStore.UpdateStatus(ctx, t.ID,
			[]domain.TaskStatus{domain.TaskStatusRunning},
			domain.TaskStatusCompleted,
			store.StatusChange{FinishedAt: &now, Result: summary})
		if err != nil {
			log.Error("failed to record completion", slog.String("error", err.Error()))
			return
		}
		log.Info("job completed")

	case errors.Is(runErr, ml.ErrCancelled):
		e.finishCancelled(ctx, t, domain.TaskStatusRunning, log)
		// Best effort: a cancelled run's half-written weights are
		// useless, but the log stays for inspection.
		if err := e.artifacts.DiscardOutputs(artifact.PathsFor(t.ArtifactPath).Output); err != nil {
			log.Warn("failed to discard partial outputs", slog.String("error", err.Error()))
		}

	case errors.Is(runErr, context.Canceled):
		// Engine shutdown, not a job failure: recovery deals with the
		// record on next start.
		log.Info("job interrupted by shutdown")

	default:
		e.failTask(ctx, t, domain.TaskStatusRunning, runErr, log)
	}
}

// prepareJob validates and resolves a task's inputs into a runnable job.
func (e *Engine) prepareJob(ctx context.Context, t *domain.Task) (ml.Job, error) {
	cfg, err := ParseJobConfig(t.Config)
	if err != nil {
		return ml.Job{}, err
	}

	paths := artifact.PathsFor(t.ArtifactPath)

	descriptorPath, err := PrepareDescriptor(paths.Dataset)
	if err != nil {
		return ml.Job{}, err
	}

	model, err := e.resolveModel(ctx, t, cfg, paths)
	if err != nil {
		return ml.Job{}, err
	}

	return ml.Job{
		Kind:       t.Kind,
		Model:      model,
		DataConfig: descriptorPath,
		OutputDir:  paths.Output,
		LogFile:    paths.LogFile,
		Epochs:     cfg.Epochs,
		BatchSize:  cfg.BatchSize,
		ImageSize:  cfg.ImageSize,
	}, nil
}

// runJob hands a prepared job to the ML runner.
func (e *Engine) runJob(
	ctx context.Context,
	t *domain.Task,
	job ml.Job,
	handle *jobHandle,
	log *slog.Logger,
) (*domain.ResultSummary, error) {
	// Recorded progress never moves backwards: a runner replaying an
	// earlier snapshot must not overwrite a later one.
	lastStep := -1
	onProgress := func(progress domain.Progress) {
		if progress.CurrentStep < lastStep {
			log.Debug("ignoring progress regression",
				slog.Int("reported_step", progress.CurrentStep),
				slog.Int("recorded_step", lastStep))
			return
		}
		lastStep = progress.CurrentStep
		if err := e.taskStore.UpdateProgress(ctx, t.ID, &progress); err != nil {
			log.Debug("progress write skipped", slog.String("error", err.Error()))
		}
	}

	// Cancellation reaches a running job two ways: the in-memory signal
	// set by SignalCancel, and the stored flag, re-read occasionally so
	// requests routed to another instance still land.
	polls := 0
	cancelled := func() bool {
		if handle.cancelRequested.Load() {
			return true
		}
		polls++
		if polls%dbCancelCheckEvery == 0 {
			current, err := e.taskStore.GetByID(ctx, t.ID)
			if err == nil && current.CancelRequested {
				return true
			}
		}
		return false
	}

	return e.runner.Run(ctx, job, onProgress, cancelled)
}

// resolveModel turns the configured model reference into something the
// trainer can load.
func (e *Engine) resolveModel(
	ctx context.Context,
	t *domain.Task,
	cfg JobConfig,
	paths artifact.Paths,
) (string, error) {
	if refID, isRef, err := FinetuneRef(cfg.Model); isRef {
		if err != nil {
			return "", err
		}
		return e.resolveFinetuneWeights(ctx, t, refID)
	}

	if cfg.Model != "" {
		if !IsPresetModel(cfg.Model) {
			return "", fmt.Errorf("%w: unknown model %q", domain.ErrValidation, cfg.Model)
		}
		return cfg.Model, nil
	}

	uploaded := filepath.Join(paths.Input, uploadedModelFileName)
	if _, err := os.Stat(uploaded); err == nil {
		return uploaded, nil
	}

	return "", fmt.Errorf("%w: no model configured and none uploaded", domain.ErrValidation)
}

// resolveFinetuneWeights locates the best checkpoint of a completed
// fine-tune task owned by the same user.
func (e *Engine) resolveFinetuneWeights(
	ctx context.Context,
	t *domain.Task,
	refID uuid.UUID,
) (string, error) {
	ref, err := e.taskStore.GetByID(ctx, refID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: referenced fine-tune task not found", domain.ErrValidation)
		}
		return "", err
	}
	if ref.OwnerID != t.OwnerID || ref.Kind != domain.TaskKindFinetune {
		return "", fmt.Errorf("%w: referenced fine-tune task not found", domain.ErrValidation)
	}
	if ref.Status != domain.TaskStatusCompleted {
		return "", fmt.Errorf("%w: referenced fine-tune task has not completed", domain.ErrValidation)
	}

	refPaths := artifact.PathsFor(ref.ArtifactPath)
	weights := filepath.Join(refPaths.Output, "weights", "best.pt")
	if _, err := os.Stat(weights); err != nil {
		return "", fmt.Errorf("%w: referenced fine-tune task has no weights", domain.ErrValidation)
	}
	return weights, nil
}

// finishCancelled moves a task from the given state to cancelled.
func (e *Engine) finishCancelled(
	ctx context.Context,
	t *domain.Task,
	from domain.TaskStatus,
	log *slog.Logger,
) {
	now := time.Now().UTC()
	err := e.taskStore.UpdateStatus(ctx, t.ID,
		[]domain.TaskStatus{from},
		domain.TaskStatusCancelled,
		store.StatusChange{FinishedAt: &now})
	if err != nil {
		log.Error("failed to record cancellation", slog.String("error", err.Error()))
		return
	}
	log.Info("job cancelled", slog.String("from", string(from)))
}

// failTask records a job failure with a classified error code.
func (e *Engine) failTask(
	ctx context.Context,
	t *domain.Task,
	from domain.TaskStatus,
	runErr error,
	log *slog.Logger,
) {
	code := domain.ErrCodeRuntimeFault
	if errors.Is(runErr, domain.ErrValidation) {
		code = classifyValidationFailure(runErr)
	}

	now := time.Now().UTC()
	err := e.taskStore.UpdateStatus(ctx, t.ID,
		[]domain.TaskStatus{from},
		domain.TaskStatusFailed,
		store.StatusChange{
			FinishedAt: &now,
			Error: &domain.TaskError{
				Code:    code,
				Message: runErr.Error(),
			},
		})
	if err != nil {
		log.Error("failed to record job failure", slog.String("error", err.Error()))
		return
	}
	log.Error("job failed",
		slog.String("error", runErr.Error()),
		slog.String("code", code))
}

// classifyValidationFailure picks the task error code for a validation
// error raised during job preparation.
func classifyValidationFailure(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "dataset descriptor"):
		return domain.ErrCodeDatasetInvalid
	case strings.Contains(msg, "model") || strings.Contains(msg, "weights"):
		return domain.ErrCodeModelMissing
	default:
		return domain.ErrCodeConfigInvalid
	}
}

// stuckTaskMonitor periodically flags running tasks whose last update is
// older than the configured age. Unlike queue workers that can safely
// retry idempotent work, a training run cannot be blindly restarted, so
// stuck tasks are surfaced rather than requeued. A stuck task no longer
// tracked by this process is marked failed as lost.
func (e *Engine) stuckTaskMonitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			e.reconcileStuckTasks()
		}
	}
}

// reconcileStuckTasks runs one pass of the stuck-task check.
func (e *Engine) reconcileStuckTasks() {
	ctx := context.Background()

	if e.config.StuckTaskAge <= 0 {
		return
	}

	running, err := e.taskStore.ListByStatus(ctx, domain.TaskStatusRunning)
	if err != nil {
		e.logger.Error("failed to check for stuck tasks", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().UTC().Add(-e.config.StuckTaskAge)
	for _, t := range running {
		if t.UpdatedAt.After(cutoff) {
			continue
		}

		if e.IsRunning(t.ID) {
			e.logger.Warn("task running without recent progress",
				slog.String("task_id", t.ID.String()),
				slog.Time("last_update", t.UpdatedAt))
			continue
		}

		// Running in the database but not here: the job is gone.
		now := time.Now().UTC()
		err := e.taskStore.UpdateStatus(ctx, t.ID,
			[]domain.TaskStatus{domain.TaskStatusRunning},
			domain.TaskStatusFailed,
			store.StatusChange{
				FinishedAt: &now,
				Error: &domain.TaskError{
					Code:    domain.ErrCodeWorkerLost,
					Message: "no worker is executing this task",
				},
			})
		if err != nil {
			e.logger.Error("failed to fail orphaned task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		e.logger.Warn("orphaned running task marked failed",
			slog.String("task_id", t.ID.String()))
	}
}
