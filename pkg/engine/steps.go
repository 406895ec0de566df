package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/testrig/testrig/pkg/telemetry"
)

// StepStatus is the outcome of a test step.
type StepStatus string

const (
	// StepPassed indicates the step completed without a failure.
	StepPassed StepStatus = "passed"

	// StepFailed indicates the step reported a failure verdict.
	StepFailed StepStatus = "failed"

	// StepErrored indicates the step returned an error or panicked.
	StepErrored StepStatus = "errored"
)

func (s StepStatus) rank() int {
	switch s {
	case StepFailed:
		return 1
	case StepErrored:
		return 2
	default:
		return 0
	}
}

// MergeStatus returns the more severe of two statuses (passed < failed < errored).
func MergeStatus(a, b StepStatus) StepStatus {
	if b.rank() > a.rank() {
		return b
	}
	if a == "" {
		return StepPassed
	}
	return a
}

// StepRecord is the report of one step and its sub-steps.
type StepRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Path         string          `json:"path"`
	Status       StepStatus      `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	AbortOnError bool            `json:"abort_on_error"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Duration     time.Duration   `json:"duration"`
	Logs         []string        `json:"logs,omitempty"`
	Children     []*StepRecord   `json:"children,omitempty"`
}

// StepEvent notifies an observer that a step started or finished.
type StepEvent struct {
	Record   *StepRecord
	Finished bool
}

// StepObserver receives step events as they happen.
type StepObserver func(StepEvent)

// StepFunc is the body of a step.
type StepFunc func(ctx context.Context, step *Step) (interface{}, error)

type stepOptions struct {
	abortOnError bool
}

// StepOption configures a single step.
type StepOption func(*stepOptions)

// ContinueOnError records a non-passing step without failing the caller.
func ContinueOnError() StepOption {
	return func(o *stepOptions) {
		o.abortOnError = false
	}
}

// StepRecorder runs named steps inside a test sequence and records their outcome.
type StepRecorder struct {
	mu       sync.Mutex
	roots    []*StepRecord
	logger   *telemetry.Logger
	observer StepObserver
}

// NewStepRecorder creates a recorder. observer may be nil.
func NewStepRecorder(logger *telemetry.Logger, observer StepObserver) *StepRecorder {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &StepRecorder{logger: logger, observer: observer}
}

// Run executes a top-level step. With the default options a failing or
// erroring step returns a FailureSignal, which fails the test sequence when
// propagated.
func (r *StepRecorder) Run(ctx context.Context, name string, fn StepFunc, opts ...StepOption) (interface{}, error) {
	return r.run(ctx, nil, name, fn, opts)
}

// Records returns the recorded top-level steps.
func (r *StepRecorder) Records() []*StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*StepRecord(nil), r.roots...)
}

// Status returns the merged status of all recorded steps.
func (r *StepRecorder) Status() StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := StepPassed
	for _, rec := range r.roots {
		status = MergeStatus(status, rec.Status)
	}
	return status
}

// Step is the handle a running step uses to log and to start sub-steps.
type Step struct {
	record   *StepRecord
	recorder *StepRecorder
	logger   *telemetry.Logger
}

// ID returns the call ID of the step.
func (s *Step) ID() string {
	return s.record.ID
}

// Path returns the slash-separated ancestry of the step.
func (s *Step) Path() string {
	return s.record.Path
}

// Logger returns a logger whose messages are also captured into the step record.
func (s *Step) Logger() *telemetry.Logger {
	return s.logger
}

// Run executes a sub-step.
func (s *Step) Run(ctx context.Context, name string, fn StepFunc, opts ...StepOption) (interface{}, error) {
	return s.recorder.run(ctx, s.record, name, fn, opts)
}

func (r *StepRecorder) run(ctx context.Context, parent *StepRecord, name string, fn StepFunc, opts []StepOption) (interface{}, error) {
	o := stepOptions{abortOnError: true}
	for _, opt := range opts {
		opt(&o)
	}

	rec := &StepRecord{
		ID:           uuid.New().String(),
		Name:         name,
		Path:         name,
		AbortOnError: o.abortOnError,
		StartedAt:    time.Now(),
	}

	r.mu.Lock()
	if parent != nil {
		rec.Path = parent.Path + "/" + name
		parent.Children = append(parent.Children, rec)
	} else {
		r.roots = append(r.roots, rec)
	}
	r.mu.Unlock()

	logger := r.logger.WithField("step", rec.Path).Capture(zerolog.DebugLevel, func(level zerolog.Level, msg string) {
		r.mu.Lock()
		rec.Logs = append(rec.Logs, fmt.Sprintf("%s %s", level.String(), msg))
		r.mu.Unlock()
	})
	step := &Step{record: rec, recorder: r, logger: logger}
	r.notify(rec, false)

	value, err := callStep(ctx, step, fn)

	own, reason := inferStepStatus(value, err)
	r.mu.Lock()
	rec.FinishedAt = time.Now()
	rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	rec.Reason = reason
	status := own
	for _, child := range rec.Children {
		status = MergeStatus(status, child.Status)
	}
	rec.Status = status
	if err == nil && value != nil {
		if data, mErr := json.Marshal(value); mErr == nil {
			rec.Result = data
		}
	}
	r.mu.Unlock()
	r.notify(rec, true)

	r.logger.WithField("step", rec.Path).
		WithField("status", string(status)).
		WithField("duration", rec.Duration.String()).
		Debug("step finished")

	if err != nil && (IsQuit(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return value, err
	}
	if own == StepPassed || !o.abortOnError {
		return value, nil
	}
	if IsFailure(err) {
		return value, &FailureSignal{Reason: reason}
	}
	return value, &FailureSignal{Reason: fmt.Sprintf("step %s %s: %s", rec.Path, own, reason)}
}

func (r *StepRecorder) notify(rec *StepRecord, finished bool) {
	if r.observer == nil {
		return
	}
	r.observer(StepEvent{Record: rec, Finished: finished})
}

func callStep(ctx context.Context, step *Step, fn StepFunc) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = &PanicError{Value: rec, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, step)
}

func inferStepStatus(value interface{}, err error) (StepStatus, string) {
	if err != nil {
		var failure *FailureSignal
		if errors.As(err, &failure) {
			return StepFailed, failure.Reason
		}
		return StepErrored, err.Error()
	}
	result := Evaluate(Outcome{Value: value})
	if result.IsFailed() {
		return StepFailed, result.Reason
	}
	return StepPassed, ""
}
