package controller

import (
	"errors"
	"fmt"

	"github.com/bc-dunia/fleetbench/internal/lifecycle"
)

// ErrStopRequested is the cause of an Error reporting a run that ended
// because Stop was called.
var ErrStopRequested = errors.New("stop requested")

// Error is a typed run error that callers can inspect to choose an exit
// status.
type Error struct {
	Kind    ErrorKind
	RunID   string
	Phase   lifecycle.RunPhase
	Message string
	Cause   error
}

// ErrorKind categorizes run errors.
type ErrorKind int

const (
	// ErrKindAutomation reports a failed automation layer call.
	ErrKindAutomation ErrorKind = iota
	// ErrKindInterrupted reports a run ended by Stop or context cancellation.
	ErrKindInterrupted
	// ErrKindConfig reports an unusable plan or controller configuration.
	ErrKindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindAutomation:
		return "automation"
	case ErrKindInterrupted:
		return "interrupted"
	case ErrKindConfig:
		return "config"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewAutomationError wraps a failed setup, workload or teardown call.
func NewAutomationError(runID string, phase lifecycle.RunPhase, cause error) *Error {
	return &Error{
		Kind:    ErrKindAutomation,
		RunID:   runID,
		Phase:   phase,
		Message: fmt.Sprintf("automation failed during %s", phase),
		Cause:   cause,
	}
}

// NewInterruptedError reports a run interrupted during phase.
func NewInterruptedError(runID string, phase lifecycle.RunPhase, cause error) *Error {
	return &Error{
		Kind:    ErrKindInterrupted,
		RunID:   runID,
		Phase:   phase,
		Message: fmt.Sprintf("run interrupted during %s", phase),
		Cause:   cause,
	}
}

// NewConfigError reports an unusable configuration.
func NewConfigError(runID, message string) *Error {
	return &Error{
		Kind:    ErrKindConfig,
		RunID:   runID,
		Message: message,
	}
}

// AsError attempts to convert an error to an *Error.
// Returns nil if not possible.
func AsError(err error) *Error {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr
	}
	return nil
}

// IsAutomation checks if the error is an automation error.
func IsAutomation(err error) bool {
	cErr := AsError(err)
	return cErr != nil && cErr.Kind == ErrKindAutomation
}

// IsInterrupted checks if the error is an interruption.
func IsInterrupted(err error) bool {
	cErr := AsError(err)
	return cErr != nil && cErr.Kind == ErrKindInterrupted
}

// IsConfig checks if the error is a configuration error.
func IsConfig(err error) bool {
	cErr := AsError(err)
	return cErr != nil && cErr.Kind == ErrKindConfig
}
