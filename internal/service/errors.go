package service

import "errors"

// Common service-level errors
var (
	// ErrTaskActive indicates deletion was refused because the task has
	// not reached a terminal state yet. Cancel it and poll first.
	ErrTaskActive = errors.New("task is still pending, queued or running")

	// ErrTaskNotCompleted indicates the task's outputs were requested
	// before the task finished successfully.
	ErrTaskNotCompleted = errors.New("task has not completed")

	// ErrMissingDataset indicates a submission arrived without the
	// required dataset archive.
	ErrMissingDataset = errors.New("dataset archive is required")
)
