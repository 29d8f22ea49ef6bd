package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeTimeout matches a deadline or cancellation error from a task
	ErrorTypeTimeout = "timeout"

	// ErrorTypeTransient matches backpressure-style errors (rate limits,
	// temporarily unavailable collaborators) that are worth retrying
	ErrorTypeTransient = "transient"

	// ErrorTypeTaskFailed matches any task error that is neither a timeout
	// nor explicitly fatal. Unknown errors default to this type so that the
	// retry policy gets a chance to recover them.
	ErrorTypeTaskFailed = "task_failed"

	// ErrorTypeFatal indicates an error that must never be retried. Errors
	// are only classified as fatal when a task says so explicitly.
	ErrorTypeFatal = "fatal"
)

// TaskError is a structured error with a classification type. It supports
// Go's error wrapping patterns with Unwrap().
type TaskError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *TaskError) Unwrap() error {
	return e.Wrapped
}

// NewTaskError creates a TaskError with the given type and cause. The type
// may be any string; the constants above are the ones the executor and
// coordinator act on.
func NewTaskError(errorType, cause string) *TaskError {
	return &TaskError{Type: errorType, Cause: cause}
}

// ClassifyTaskError classifies an arbitrary error into a TaskError.
func ClassifyTaskError(err error) *TaskError {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TaskError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	lowered := strings.ToLower(err.Error())
	if strings.Contains(lowered, "timeout") || strings.Contains(lowered, "deadline") {
		return &TaskError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	if strings.Contains(lowered, "rate limit") || strings.Contains(lowered, "unavailable") {
		return &TaskError{Type: ErrorTypeTransient, Cause: err.Error(), Wrapped: err}
	}
	return &TaskError{Type: ErrorTypeTaskFailed, Cause: err.Error(), Wrapped: err}
}

// IsTimeout reports whether the error classifies as a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyTaskError(err).Type == ErrorTypeTimeout
}

// GuardViolationError reports a decision node whose edge guards did not
// select exactly one outgoing edge. This is a definition bug: the execution
// fails and is not retried.
type GuardViolationError struct {
	NodeID  string
	Matched []string
}

func (e *GuardViolationError) Error() string {
	if len(e.Matched) == 0 {
		return fmt.Sprintf("no edge guard matched at decision node %q", e.NodeID)
	}
	return fmt.Sprintf("multiple edge guards matched at decision node %q: %s",
		e.NodeID, strings.Join(e.Matched, ", "))
}

// ErrThreadActive is returned by Execute when the thread already has a
// non-terminal execution in flight.
var ErrThreadActive = errors.New("thread already has an active execution")
