package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable name of a failure category. It prefixes task error
// strings ("HandlerTimeout: ...") and is stored in step observations.
type ErrorKind string

const (
	KindUnknownCapability ErrorKind = "UnknownCapability"
	KindSchemaError       ErrorKind = "SchemaError"
	KindConflict          ErrorKind = "ConflictError"
	KindStepLimitExceeded ErrorKind = "StepLimitExceeded"
	KindHandlerTimeout    ErrorKind = "HandlerTimeout"
	KindHandlerFailure    ErrorKind = "HandlerFailure"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// StepNotFoundError is returned when a step index is outside a task's history.
type StepNotFoundError struct {
	TaskID    string
	StepIndex int
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("step %d not found in task %s", e.StepIndex, e.TaskID)
}

// TaskTerminalError is returned when a mutation targets a task that already finished.
type TaskTerminalError struct {
	TaskID string
	Status Status
}

func (e *TaskTerminalError) Error() string {
	return fmt.Sprintf("task %s is terminal with status %s", e.TaskID, e.Status)
}

// UnknownCapabilityError is returned when no handler is registered under a name.
type UnknownCapabilityError struct {
	Capability string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("no handler registered for capability %q", e.Capability)
}

// DuplicateCapabilityError is returned when a capability name is registered twice.
type DuplicateCapabilityError struct {
	Capability string
}

func (e *DuplicateCapabilityError) Error() string {
	return fmt.Sprintf("capability %q already registered", e.Capability)
}

// SchemaError is returned when a payload does not satisfy a capability schema.
type SchemaError struct {
	Capability string
	Direction  string // "input" or "output"
	Detail     string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s for capability %q does not match schema: %s", e.Direction, e.Capability, e.Detail)
}

// ConflictError is returned when a write loses a race: a stale batch, or a
// second, different observation for the same step.
type ConflictError struct {
	TaskID    string
	StepIndex int // -1 when the conflict is not about a single step
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.StepIndex < 0 {
		return fmt.Sprintf("conflict on task %s: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("conflict on task %s step %d: %s", e.TaskID, e.StepIndex, e.Reason)
}

// StepLimitExceededError is returned when a task would grow beyond its step budget.
type StepLimitExceededError struct {
	TaskID string
	Limit  int
}

func (e *StepLimitExceededError) Error() string {
	return fmt.Sprintf("task %s exceeded the limit of %d steps", e.TaskID, e.Limit)
}

// HandlerTimeoutError is returned when a handler does not finish within its deadline.
type HandlerTimeoutError struct {
	Capability string
	Timeout    string
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %q did not finish within %s", e.Capability, e.Timeout)
}

// HandlerFailureError wraps an error returned (or panicked) by a handler.
type HandlerFailureError struct {
	Capability string
	Err        error
}

func (e *HandlerFailureError) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Capability, e.Err)
}

func (e *HandlerFailureError) Unwrap() error { return e.Err }

// RateLimitExceededError is returned when a key exceeds its rate limit.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// StoreUnavailableError marks a task store backend failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("task store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// QueueUnavailableError marks a queue backend failure.
type QueueUnavailableError struct {
	Op  string
	Err error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue unavailable during %s: %v", e.Op, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

// KindOf maps an error to its ErrorKind. Errors outside the taxonomy map to
// KindHandlerFailure.
func KindOf(err error) ErrorKind {
	var (
		unknown  *UnknownCapabilityError
		schema   *SchemaError
		conflict *ConflictError
		limit    *StepLimitExceededError
		timeout  *HandlerTimeoutError
	)
	switch {
	case errors.As(err, &unknown):
		return KindUnknownCapability
	case errors.As(err, &schema):
		return KindSchemaError
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &limit):
		return KindStepLimitExceeded
	case errors.As(err, &timeout):
		return KindHandlerTimeout
	default:
		return KindHandlerFailure
	}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsTerminal reports whether err is a TaskTerminalError.
func IsTerminal(err error) bool {
	var t *TaskTerminalError
	return errors.As(err, &t)
}

// IsNotFound reports whether err is a TaskNotFoundError.
func IsNotFound(err error) bool {
	var n *TaskNotFoundError
	return errors.As(err, &n)
}
