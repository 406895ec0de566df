package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an orchestration error.
type ErrorClass string

const (
	// ErrorClassRegistration indicates an invalid procedure registration.
	// Registration errors are fatal before the first iteration.
	ErrorClassRegistration ErrorClass = "registration"

	// ErrorClassResolution indicates a requested context value was not available.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassFault indicates an uncaught error or panic in a procedure.
	ErrorClassFault ErrorClass = "fault"

	// ErrorClassIsolation indicates the isolation unit crashed, stalled,
	// was terminated, or produced an unusable payload.
	ErrorClassIsolation ErrorClass = "isolation"

	// ErrorClassRelease indicates one or more release actions failed while
	// a resource stack was unwound. Release errors are reported, never propagated.
	ErrorClassRelease ErrorClass = "release"
)

// Common error codes.
const (
	ErrCodeUnknownSlot       = "UNKNOWN_SLOT"
	ErrCodeUnknownRequest    = "UNKNOWN_REQUEST"
	ErrCodeIllegalRequest    = "ILLEGAL_REQUEST"
	ErrCodeDuplicateRequest  = "DUPLICATE_REQUEST"
	ErrCodeDuplicateSequence = "DUPLICATE_TEST_SEQUENCE"
	ErrCodeMissingSequence   = "MISSING_TEST_SEQUENCE"
	ErrCodeNotProduced       = "NOT_PRODUCED"
	ErrCodePanic             = "PANIC"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCrashed           = "CRASHED"
	ErrCodeTerminated        = "TERMINATED"
	ErrCodeChannel           = "CHANNEL_ERROR"
)

// Sentinel errors for registry checks.
var (
	// ErrDuplicateTestSequence is returned when a second test sequence is registered.
	ErrDuplicateTestSequence = NewRegistrationError("test sequence already registered", nil).
					WithCode(ErrCodeDuplicateSequence)

	// ErrMissingTestSequence is returned by Registry.Check when no test sequence is registered.
	ErrMissingTestSequence = NewRegistrationError("no test sequence registered", nil).
				WithCode(ErrCodeMissingSequence)
)

// EngineError represents a classified error with orchestration context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Slot is the procedure slot involved, if any.
	Slot Slot `json:"slot,omitempty"`

	// CycleID is the iteration the error occurred in, if any.
	CycleID string `json:"cycle_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Slot != "" {
		msg = fmt.Sprintf("%s (slot=%s)", msg, e.Slot)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRegistrationError creates a new registration error.
func NewRegistrationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassRegistration, Message: message, Err: err}
}

// NewResolutionError creates a new resolution error.
func NewResolutionError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassResolution, Message: message, Err: err}
}

// NewFaultError creates a new procedure fault.
func NewFaultError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassFault, Message: message, Err: err}
}

// NewIsolationError creates a new isolation error.
func NewIsolationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassIsolation, Message: message, Err: err}
}

// NewReleaseError creates a new release error.
func NewReleaseError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassRelease, Message: message, Err: err}
}

// WithSlot adds slot context to an error.
func (e *EngineError) WithSlot(slot Slot) *EngineError {
	e.Slot = slot
	return e
}

// WithCycle adds the iteration ID to an error.
func (e *EngineError) WithCycle(cycleID string) *EngineError {
	e.CycleID = cycleID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// PanicError wraps a value recovered from a panicking procedure.
type PanicError struct {
	Value interface{}
	Stack string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

func isClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsRegistrationError returns true if the error is a registration error.
func IsRegistrationError(err error) bool {
	return isClass(err, ErrorClassRegistration)
}

// IsResolutionError returns true if the error is a resolution error.
func IsResolutionError(err error) bool {
	return isClass(err, ErrorClassResolution)
}

// IsFault returns true if the error is a procedure fault.
func IsFault(err error) bool {
	return isClass(err, ErrorClassFault)
}

// IsIsolationError returns true if the error came from the isolation boundary.
func IsIsolationError(err error) bool {
	return isClass(err, ErrorClassIsolation)
}

// IsReleaseError returns true if the error was raised while unwinding a stack.
func IsReleaseError(err error) bool {
	return isClass(err, ErrorClassRelease)
}

// IsPanic returns true if the error chain carries a recovered panic.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}
