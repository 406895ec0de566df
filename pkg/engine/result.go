package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Verdict is the tag of a TestResult.
type Verdict string

const (
	// VerdictPassed indicates the UUT passed.
	VerdictPassed Verdict = "passed"

	// VerdictFailed indicates the UUT failed. The result carries a reason.
	VerdictFailed Verdict = "failed"

	// VerdictCustom indicates a user-defined result. The result carries a payload.
	VerdictCustom Verdict = "custom"
)

// Validate checks if the verdict is known.
func (v Verdict) Validate() error {
	switch v {
	case VerdictPassed, VerdictFailed, VerdictCustom:
		return nil
	default:
		return fmt.Errorf("invalid verdict: %s", v)
	}
}

// TestResult is the outcome of one iteration. Exactly one is produced per UUT.
//
// Payload holds the original value in-process and its decoded JSON form once
// the result has crossed the isolation boundary; use BindPayload to read it
// back into a concrete type either way.
type TestResult struct {
	Verdict Verdict     `json:"verdict"`
	Reason  string      `json:"reason,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Passed returns a passing result.
func Passed() TestResult {
	return TestResult{Verdict: VerdictPassed}
}

// Failed returns a failing result with the given reason.
func Failed(reason string) TestResult {
	return TestResult{Verdict: VerdictFailed, Reason: reason}
}

// Failedf returns a failing result with a formatted reason.
func Failedf(format string, args ...interface{}) TestResult {
	return Failed(fmt.Sprintf(format, args...))
}

// Custom returns a user-defined result carrying payload.
func Custom(payload interface{}) TestResult {
	return TestResult{Verdict: VerdictCustom, Payload: payload}
}

// IsPassed returns true if the verdict is passed.
func (r TestResult) IsPassed() bool {
	return r.Verdict == VerdictPassed
}

// IsFailed returns true if the verdict is failed.
func (r TestResult) IsFailed() bool {
	return r.Verdict == VerdictFailed
}

// IsCustom returns true if the verdict is custom.
func (r TestResult) IsCustom() bool {
	return r.Verdict == VerdictCustom
}

// String renders the result for logs.
func (r TestResult) String() string {
	switch r.Verdict {
	case VerdictFailed:
		return fmt.Sprintf("failed: %s", r.Reason)
	case VerdictCustom:
		return fmt.Sprintf("custom: %v", r.Payload)
	default:
		return string(r.Verdict)
	}
}

// BindPayload decodes a custom payload into target.
func (r TestResult) BindPayload(target interface{}) error {
	return bindValue(r.Payload, target)
}

// ResultCarrier is implemented by user-defined return types that carry their
// own TestResult. A test sequence returning a carrier reports that result
// unchanged.
type ResultCarrier interface {
	CarriedResult() TestResult
}

// Outcome is what a test sequence left behind: its return value or its error.
// Panics are converted into a *PanicError before evaluation.
type Outcome struct {
	Value interface{}
	Err   error
}

// Evaluate determines the TestResult of an outcome. The rules apply in order:
//
//  1. the error chain holds a *FailureSignal: Failed with its reason
//  2. any other error: Failed with the fault description
//  3. the value is a TestResult, *TestResult or ResultCarrier: passed through
//  4. anything else, including false and nil: Passed
func Evaluate(o Outcome) TestResult {
	if o.Err != nil {
		var failure *FailureSignal
		if errors.As(o.Err, &failure) {
			return Failed(failure.Reason)
		}
		return Failed(o.Err.Error())
	}

	switch v := o.Value.(type) {
	case TestResult:
		return normalize(v)
	case *TestResult:
		if v != nil {
			return normalize(*v)
		}
	case ResultCarrier:
		return normalize(v.CarriedResult())
	}
	return Passed()
}

func normalize(r TestResult) TestResult {
	if r.Verdict == "" {
		r.Verdict = VerdictPassed
	}
	if err := r.Verdict.Validate(); err != nil {
		return Failed(err.Error())
	}
	return r
}

// TestResultInfo summarizes one iteration for UUTRecovery and ResultHandler.
type TestResultInfo struct {
	// CycleID identifies the iteration.
	CycleID string `json:"cycle_id"`

	// Result is the evaluated outcome of the test sequence.
	Result TestResult `json:"result"`

	// Steps are the step records reported by the test sequence.
	Steps []*StepRecord `json:"steps,omitempty"`

	// StartedAt is when the test sequence was started.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the outcome was collected.
	FinishedAt time.Time `json:"finished_at"`

	// Duration is the wall time of the test sequence.
	Duration time.Duration `json:"duration"`

	// Terminated is set when the result came from a forced termination.
	Terminated bool `json:"terminated,omitempty"`
}

// bindValue decodes value into target. Raw JSON is decoded directly; any
// other value is marshalled first so in-process and isolated values bind the
// same way.
func bindValue(value interface{}, target interface{}) error {
	var data []byte
	switch v := value.(type) {
	case json.RawMessage:
		data = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode value: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		data = []byte("null")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}
