package engine

import (
	"errors"
	"fmt"
)

// FailureSignal is returned by a procedure to fail the current UUT on purpose.
// It is a verdict, not a fault.
type FailureSignal struct {
	Reason string
}

func (f *FailureSignal) Error() string {
	return fmt.Sprintf("test failed: %s", f.Reason)
}

// Fail returns a FailureSignal with the given reason.
func Fail(reason string) error {
	return &FailureSignal{Reason: reason}
}

// Failf returns a FailureSignal with a formatted reason.
func Failf(format string, args ...interface{}) error {
	return Fail(fmt.Sprintf(format, args...))
}

// QuitSignal is returned by a procedure to request a voluntary quit of the station.
type QuitSignal struct {
	Reason string
}

func (q *QuitSignal) Error() string {
	return fmt.Sprintf("quit requested: %s", q.Reason)
}

// Quit returns a QuitSignal with the given reason.
func Quit(reason string) error {
	return &QuitSignal{Reason: reason}
}

// IsFailure returns true if the error chain holds a FailureSignal.
func IsFailure(err error) bool {
	var f *FailureSignal
	return errors.As(err, &f)
}

// IsQuit returns true if the error chain holds a QuitSignal.
func IsQuit(err error) bool {
	var q *QuitSignal
	return errors.As(err, &q)
}

// quitReason extracts the reason of a QuitSignal in err.
func quitReason(err error) (string, bool) {
	var q *QuitSignal
	if errors.As(err, &q) {
		return q.Reason, true
	}
	return "", false
}
