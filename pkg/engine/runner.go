package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/testrig/testrig/pkg/telemetry"
)

// Invocation is everything the test sequence needs to run once. Only
// SystemSetupData and UUTSetupData cross the isolation boundary, and both must
// be JSON-serializable for isolated runners.
type Invocation struct {
	CycleID         string
	SystemSetupData interface{}
	UUTSetupData    interface{}

	// Procedure is the registered test sequence. Isolated runners do not send
	// it; the worker looks up its own registration.
	Procedure *Procedure `json:"-"`

	// Observer receives step events while the sequence runs. Optional.
	Observer StepObserver `json:"-"`
}

// SequenceOutcome is what comes back from one test sequence run.
type SequenceOutcome struct {
	// Data is the TestSequenceData: the returned value, or nil on a fault.
	Data interface{}

	// Result is the evaluated TestResult.
	Result TestResult

	// Steps are the step records reported by the sequence.
	Steps []*StepRecord

	// Quit is set when the sequence requested a voluntary quit.
	Quit       bool
	QuitReason string

	// Terminated is set when the unit was stopped by the orchestrator.
	Terminated bool

	// Err is the fault behind a failed result, if any.
	Err error
}

// SequenceRunner runs the test sequence behind an isolation boundary.
// A crash, stall or forced termination of the unit must come back as an
// outcome with a Failed result; the returned error is reserved for
// infrastructure failures that prevented the unit from running at all, and
// the station maps it to a Failed result too.
type SequenceRunner interface {
	RunSequence(ctx context.Context, inv *Invocation) (*SequenceOutcome, error)
}

// SequenceExecutor runs a test sequence in the current process.
type SequenceExecutor func(ctx context.Context, inv *Invocation) *SequenceOutcome

// WorkerRunner is implemented by runners whose isolation unit is a copy of
// the station process. When WorkerMode reports true, Station.Run serves a
// single invocation instead of running the lifecycle.
type WorkerRunner interface {
	SequenceRunner
	WorkerMode() bool
	ServeWorker(ctx context.Context, exec SequenceExecutor) error
}

// ExecuteSequence runs proc for inv in the current goroutine and evaluates its result.
func ExecuteSequence(ctx context.Context, proc *Procedure, inv *Invocation, logger *telemetry.Logger) *SequenceOutcome {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	logger = logger.WithSlot(string(SlotTestSequence))
	if inv.CycleID != "" {
		logger = logger.WithCycleID(inv.CycleID)
	}

	in := &Inputs{
		slot:    SlotTestSequence,
		cycleID: inv.CycleID,
		values:  make(map[Request]interface{}, len(proc.Requests)),
		logger:  logger,
		steps:   NewStepRecorder(logger, inv.Observer),
	}
	if proc.Requested(SystemSetupDataRequest) {
		in.values[SystemSetupDataRequest] = inv.SystemSetupData
	}
	if proc.Requested(UUTSetupDataRequest) {
		in.values[UUTSetupDataRequest] = inv.UUTSetupData
	}

	value, err := callProcedure(ctx, proc, in)
	out := &SequenceOutcome{Steps: in.steps.Records()}

	if reason, ok := quitReason(err); ok {
		out.Quit = true
		out.QuitReason = reason
		out.Result = Failed(err.Error())
		return out
	}

	if err == nil && value != nil {
		if _, mErr := json.Marshal(value); mErr != nil {
			err = NewFaultError("test sequence data is not serializable", mErr).
				WithSlot(SlotTestSequence).WithCode(ErrCodeChannel)
			value = nil
		}
	}

	out.Result = Evaluate(Outcome{Value: value, Err: err})
	if out.Result.IsPassed() {
		if rec := firstNonPassingStep(out.Steps); rec != nil {
			out.Result = Failed(fmt.Sprintf("step %s %s: %s", rec.Path, rec.Status, rec.Reason))
		}
	}
	if err == nil {
		out.Data = value
	} else if !IsFailure(err) {
		out.Err = err
	}
	return out
}

// firstNonPassingStep returns the innermost record of the first step tree
// that did not pass.
func firstNonPassingStep(records []*StepRecord) *StepRecord {
	for _, rec := range records {
		if rec.Status == StepPassed {
			continue
		}
		if child := firstNonPassingStep(rec.Children); child != nil {
			return child
		}
		return rec
	}
	return nil
}

func callProcedure(ctx context.Context, proc *Procedure, in *Inputs) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = &PanicError{Value: rec, Stack: string(debug.Stack())}
		}
	}()
	return proc.Run(ctx, in)
}

// InProcessRunner runs the test sequence on a goroutine of the station
// process. Panics are contained and a sequence that outlives its timeout or
// the station context is reported as terminated and abandoned; it cannot be
// killed. Use it for development and tests.
type InProcessRunner struct {
	// Timeout bounds one sequence run. Zero means no limit.
	Timeout time.Duration

	Logger *telemetry.Logger
}

// NewInProcessRunner creates an in-process runner.
func NewInProcessRunner(timeout time.Duration, logger *telemetry.Logger) *InProcessRunner {
	return &InProcessRunner{Timeout: timeout, Logger: logger}
}

// RunSequence implements SequenceRunner.
func (r *InProcessRunner) RunSequence(ctx context.Context, inv *Invocation) (*SequenceOutcome, error) {
	if inv == nil || inv.Procedure == nil {
		return nil, NewIsolationError("invocation has no test sequence", nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, r.Timeout)
		defer cancel()
	}

	done := make(chan *SequenceOutcome, 1)
	go func() {
		done <- ExecuteSequence(runCtx, inv.Procedure, inv, r.Logger)
	}()

	select {
	case out := <-done:
		return out, nil
	case <-runCtx.Done():
		code := ErrCodeTerminated
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			code = ErrCodeTimeout
		}
		err := NewIsolationError("test sequence terminated", runCtx.Err()).
			WithSlot(SlotTestSequence).WithCode(code)
		return &SequenceOutcome{
			Result:     Failed(fmt.Sprintf("test sequence terminated: %v", runCtx.Err())),
			Terminated: true,
			Err:        err,
		}, nil
	}
}
