package executor

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned by Execute when it stopped because cancellation
// was requested.
var ErrCancelled = errors.New("execution cancelled")

// Suspension is returned by Execute when the job must wait for the requester.
type Suspension struct {
	Kind      string
	Challenge string
	Prompt    string
	Aux       map[string]string
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("awaiting %s input", s.Kind)
}

// ExecutionError is a failed attempt. Recoverable failures are retried with
// backoff; the rest fail the job at once.
type ExecutionError struct {
	Code        string
	Message     string
	Recoverable bool
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Permanent returns a non-recoverable ExecutionError.
func Permanent(code, message string, err error) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Err: err}
}

// Transient returns a recoverable ExecutionError.
func Transient(code, message string, err error) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Recoverable: true, Err: err}
}

// Error codes used by the built-in executors.
const (
	CodePortalUnavailable = "PORTAL_UNAVAILABLE"
	CodePortalRejected    = "PORTAL_REJECTED"
	CodeInputRejected     = "INPUT_REJECTED"
	CodeInvalidParameters = "INVALID_PARAMETERS"
)

// FromPortal turns a portal error into an ExecutionError. Errors that report
// themselves as temporary, and deadline overruns, are recoverable.
func FromPortal(step string, err error) error {
	if err == nil {
		return nil
	}
	var temp interface{ Temporary() bool }
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(CodePortalUnavailable, step+" timed out", err)
	case errors.As(err, &temp) && temp.Temporary():
		return Transient(CodePortalUnavailable, step+" failed", err)
	}
	return Permanent(CodePortalRejected, step+" rejected", err)
}

// IsRecoverable reports whether a failed attempt may be retried. Errors that
// are not ExecutionErrors are treated as recoverable.
func IsRecoverable(err error) bool {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Recoverable
	}
	return true
}
