package workflow

import (
	"errors"
	"fmt"
)

// Error represents domain-specific errors for workflow sessions
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (e Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s %v", e.Code, e.Message, e.Details)
}

// Is matches on the error code so that errors carrying details still match the sentinel
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Common workflow errors
var (
	// ErrNotFound indicates the session was not found
	ErrNotFound = Error{
		Code:    "WF_NOT_FOUND",
		Message: "Workflow session not found",
	}

	// ErrAlreadyRunning indicates the project already has an active session
	ErrAlreadyRunning = Error{
		Code:    "WF_ALREADY_RUNNING",
		Message: "An active workflow session already exists for this project",
	}

	// ErrConflict indicates a concurrent writer changed the session first
	ErrConflict = Error{
		Code:    "WF_CONFLICT",
		Message: "Workflow session was modified concurrently",
	}

	// ErrInvalidState indicates the operation is not allowed in the current stage
	ErrInvalidState = Error{
		Code:    "WF_INVALID_STATE",
		Message: "Operation not allowed in the current session state",
	}

	// ErrDuplicateSession indicates a session with the same id already exists
	ErrDuplicateSession = Error{
		Code:    "WF_DUPLICATE_SESSION",
		Message: "Workflow session id already exists",
	}

	// ErrInvalidStage indicates an unknown stage name
	ErrInvalidStage = Error{
		Code:    "WF_INVALID_STAGE",
		Message: "Invalid stage",
	}

	// ErrInvalidDecision indicates an unknown feedback decision
	ErrInvalidDecision = Error{
		Code:    "WF_INVALID_DECISION",
		Message: "Invalid feedback decision",
	}

	// ErrValidation indicates malformed input, e.g. an empty document
	ErrValidation = Error{
		Code:    "WF_VALIDATION",
		Message: "Invalid input",
	}
)

// NewError creates a new workflow error with details
func NewError(code, message string, details map[string]interface{}) Error {
	return Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WithDetails adds details to an existing error
func (e Error) WithDetails(details map[string]interface{}) Error {
	e.Details = details
	return e
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyRunning checks if the error is an already running error
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}

// IsConflict checks if the error is an optimistic concurrency conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInvalidState checks if the error is an invalid state error
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsDuplicateSession checks if the error is a duplicate session error
func IsDuplicateSession(err error) bool {
	return errors.Is(err, ErrDuplicateSession)
}

// IsInvalidDecision checks if the error is an invalid decision error
func IsInvalidDecision(err error) bool {
	return errors.Is(err, ErrInvalidDecision)
}

// IsInvalidStage checks if the error is an invalid stage error
func IsInvalidStage(err error) bool {
	return errors.Is(err, ErrInvalidStage)
}

// IsValidation checks if the error is an input validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
