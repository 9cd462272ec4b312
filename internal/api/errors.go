package api

import (
	"errors"
	"net/http"

	"github.com/visiontune/visiontune-api/internal/api/shared"
	"github.com/visiontune/visiontune-api/internal/artifact"
	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/service"
	"github.com/visiontune/visiontune-api/internal/service/auth"
	"github.com/visiontune/visiontune-api/internal/store"
	"github.com/visiontune/visiontune-api/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized

	// Not found errors
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, artifact.ErrNoOutputFiles):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, service.ErrTaskActive),
		errors.Is(err, service.ErrTaskNotCompleted),
		errors.Is(err, store.ErrStaleStatus):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, service.ErrMissingDataset):
		return http.StatusBadRequest

	// Payload limits
	case errors.Is(err, artifact.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge

	// Backpressure
	case errors.Is(err, task.ErrQueueFull),
		errors.Is(err, task.ErrQueueClosed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-facing message for the
// error. Unknown errors collapse to a generic message.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, domain.ErrUnauthorized):
		return "Invalid credentials"

	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, store.ErrUserNotFound):
		return "User not found"

	case errors.Is(err, artifact.ErrNoOutputFiles):
		return "Task has no output files"

	case errors.Is(err, store.ErrUsernameExists):
		return "Username already exists"

	case errors.Is(err, service.ErrTaskActive):
		return "Task has not finished; cancel it first"

	case errors.Is(err, service.ErrTaskNotCompleted):
		return "Task has not completed"

	case errors.Is(err, store.ErrStaleStatus):
		return "Task changed state; retry the request"

	case errors.Is(err, service.ErrMissingDataset):
		return "A dataset archive is required"

	case errors.Is(err, artifact.ErrUploadTooLarge):
		return "Uploaded file exceeds the size limit"

	case errors.Is(err, task.ErrQueueFull), errors.Is(err, task.ErrQueueClosed):
		return "Server is at capacity; try again later"

	case errors.Is(err, domain.ErrValidation):
		// Validation messages are written to be shown; the wrapped
		// details never include paths or internals.
		return err.Error()

	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid identifier format"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError maps err to a status code and safe message, then writes
// the response and logs the underlying error. An explicit userMessage
// overrides the mapped one.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, userMessage string) {
	status := MapErrorToStatusCode(err)
	if userMessage == "" {
		userMessage = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, userMessage, err)
}
