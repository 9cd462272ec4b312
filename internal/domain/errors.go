package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidTransition is returned when a task status change does not
	// follow an edge of the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminalStatus is returned when an operation attempts to modify a
	// task that has already reached a terminal status.
	ErrTerminalStatus = errors.New("task is in a terminal status")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)
