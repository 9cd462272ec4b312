package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/service"
)

// Common request/response structures

// RegisterRequest defines the payload for the user registration endpoint.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=1,max=80"`
	Password string `json:"password" validate:"required,min=12,max=72"`
}

// LoginRequest defines the payload for the user login endpoint.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=1"`
}

// AuthResponse defines the successful response for authentication endpoints.
type AuthResponse struct {
	UserID      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"token"`
}

// TaskResponse is the wire representation of a task.
type TaskResponse struct {
	ID              uuid.UUID             `json:"id"`
	Kind            domain.TaskKind       `json:"kind"`
	Name            string                `json:"name"`
	Status          domain.TaskStatus     `json:"status"`
	Config          json.RawMessage       `json:"config"`
	Progress        *domain.Progress      `json:"progress,omitempty"`
	Result          *domain.ResultSummary `json:"result,omitempty"`
	Error           *domain.TaskError     `json:"error,omitempty"`
	CancelRequested bool                  `json:"cancel_requested"`
	QueuePosition   *int                  `json:"queue_position,omitempty"`
	QueueTotal      *int                  `json:"queue_total,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
}

// newTaskResponse converts a task to its wire form. Artifact locations
// stay server-side. Of the four conditional fields (progress,
// queue_position, result, error) only the one matching the current
// status is populated, so a failed task does not also show the stale
// progress of its final run.
func newTaskResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		Kind:            t.Kind,
		Name:            t.Name,
		Status:          t.Status,
		Config:          t.Config,
		CancelRequested: t.CancelRequested,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		FinishedAt:      t.FinishedAt,
	}

	switch t.Status {
	case domain.TaskStatusRunning:
		resp.Progress = t.Progress
	case domain.TaskStatusCompleted:
		resp.Result = t.Result
	case domain.TaskStatusFailed:
		resp.Error = t.Error
	}

	return resp
}

func newTaskDetailResponse(d *service.TaskDetail) TaskResponse {
	resp := newTaskResponse(d.Task)
	resp.QueuePosition = d.QueuePosition
	resp.QueueTotal = d.QueueTotal
	return resp
}

// TaskListResponse wraps the task collection endpoint's payload.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// LogsResponse carries the trailing lines of a task's job log.
type LogsResponse struct {
	Lines []string `json:"lines"`
}

// PresetsResponse lists the model checkpoints available without an upload.
type PresetsResponse struct {
	Models []string `json:"models"`
}
