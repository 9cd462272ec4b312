package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies which ML operation a task performs.
type TaskKind string

// Supported task kinds.
const (
	TaskKindFinetune TaskKind = "finetune"
	TaskKindValidate TaskKind = "validate"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// transitions enumerates the edges of the task state machine. Terminal
// statuses have no outgoing edges; the store's compare-and-set rejects
// anything not listed here.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusQueued, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next follows an edge of the
// state machine.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Common validation errors for Task.
var (
	ErrEmptyTaskID      = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwnerID = errors.New("task owner ID cannot be empty")
	ErrInvalidTaskKind  = errors.New("invalid task kind")
	ErrInvalidTaskState = errors.New("invalid task status")
)

// Progress is the worker-written snapshot of a running task. Only the latest
// snapshot is kept; writes are last-write-wins.
type Progress struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Message     string `json:"message,omitempty"`
	Throughput  string `json:"throughput,omitempty"`
}

// ResultSummary is the worker-written outcome of a completed task. Finetune
// tasks record the best epoch alongside their final metrics; validate tasks
// record metrics only.
type ResultSummary struct {
	BestEpoch *int               `json:"best_epoch,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// TaskError captures a failure in a machine-readable form.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes set on failed tasks.
const (
	ErrCodeDatasetInvalid = "dataset_invalid"
	ErrCodeModelMissing   = "model_missing"
	ErrCodeConfigInvalid  = "config_invalid"
	ErrCodeQueueError     = "queue_error"
	ErrCodeRuntimeFault   = "runtime_fault"
	ErrCodeWorkerLost     = "worker_lost"
)

// Task represents one submitted fine-tune or validate job together with its
// lifecycle state. The status field only ever advances along the state
// machine edges; progress, result and error are each authoritative only for
// the status they belong to.
type Task struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	Kind            TaskKind        `json:"kind"`
	Name            string          `json:"name"`
	Status          TaskStatus      `json:"status"`
	Config          json.RawMessage `json:"config"`
	Progress        *Progress       `json:"progress,omitempty"`
	Result          *ResultSummary  `json:"result,omitempty"`
	Error           *TaskError      `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	ArtifactPath    string          `json:"artifact_path"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewTask creates a new Task in pending status for the given owner. It
// generates the task ID and sets the creation/update timestamps.
// Returns an error if validation fails.
func NewTask(ownerID uuid.UUID, kind TaskKind, name string, config json.RawMessage) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Kind:      kind,
		Name:      name,
		Status:    TaskStatusPending,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if task.Name == "" {
		task.Name = string(kind) + " task " + task.ID.String()[:8]
	}

	if len(task.Config) == 0 {
		task.Config = json.RawMessage("{}")
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwnerID
	}

	if !isValidTaskKind(t.Kind) {
		return ErrInvalidTaskKind
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskState
	}

	return nil
}

// isValidTaskKind checks if the given kind is a supported TaskKind.
func isValidTaskKind(kind TaskKind) bool {
	switch kind {
	case TaskKindFinetune, TaskKindValidate:
		return true
	default:
		return false
	}
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
