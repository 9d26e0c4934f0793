// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/sandflow/pkg/approval"
	"github.com/dukex/sandflow/pkg/graph"
	"github.com/dukex/sandflow/pkg/persistence"
	"github.com/dukex/sandflow/pkg/scheduler"
	"github.com/go-playground/validator/v10"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidStatus    = errors.New("invalid workflow status")
	ErrInvalidSchema    = errors.New("invalid input schema")

	// Lookup Errors (404 Not Found).
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
	ErrAgentNotFound    = persistence.ErrAgentNotFound
	ErrRunNotFound      = persistence.ErrRunNotFound
	ErrAgentRunNotFound = persistence.ErrAgentRunNotFound

	// Business Logic Conflicts (409 Conflict).
	ErrWorkflowInactive    = scheduler.ErrWorkflowInactive
	ErrWorkflowBusy        = errors.New("workflow has runs in progress")
	ErrRunFinished         = scheduler.ErrRunTerminal
	ErrNotAwaitingApproval = approval.ErrNotAwaitingApproval
	ErrDuplicateRun        = persistence.ErrDuplicateRun
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	var fieldErrs validator.ValidationErrors

	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidSchema) ||
		graph.IsValidationError(err) ||
		errors.As(err, &fieldErrs)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowInactive) ||
		errors.Is(err, ErrWorkflowBusy) ||
		errors.Is(err, ErrRunFinished) ||
		errors.Is(err, ErrNotAwaitingApproval) ||
		errors.Is(err, ErrDuplicateRun)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error with context.
func NewConflictError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
