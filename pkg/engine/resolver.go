package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/testrig/testrig/pkg/telemetry"
)

// ErrNotRequested is returned by Inputs.Bind for a value the procedure did not request.
var ErrNotRequested = errors.New("value was not requested by this procedure")

// Scope holds the context values and resource stacks of a running station.
// SystemSetupData and the system stack live for the whole run; everything
// else is reset by BeginCycle.
type Scope struct {
	mu          sync.RWMutex
	values      map[Request]interface{}
	systemStack *ResourceStack
	uutStack    *ResourceStack
	cycleID     string
}

// NewScope creates a scope around the system resource stack.
func NewScope(system *ResourceStack) *Scope {
	return &Scope{
		values:      make(map[Request]interface{}),
		systemStack: system,
	}
}

// BeginCycle drops every per-iteration value and installs a fresh UUT stack.
func (s *Scope) BeginCycle(cycleID string, uut *ResourceStack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, UUTSetupDataRequest)
	delete(s.values, TestSequenceDataRequest)
	delete(s.values, TestResultInfoRequest)
	s.uutStack = uut
	s.cycleID = cycleID
}

// Produce records the value of a data request. A nil value counts as produced.
func (s *Scope) Produce(req Request, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[req] = value
}

// Value returns a produced value.
func (s *Scope) Value(req Request) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[req]
	return v, ok
}

// CycleID returns the ID of the current iteration.
func (s *Scope) CycleID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycleID
}

func (s *Scope) stack(req Request) *ResourceStack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if req == SystemResourceStackRequest {
		return s.systemStack
	}
	return s.uutStack
}

// Resolver builds the inputs of a procedure from a scope. It never mutates the scope.
type Resolver struct {
	logger *telemetry.Logger
}

// NewResolver creates a resolver. Procedures receive child loggers of logger.
func NewResolver(logger *telemetry.Logger) *Resolver {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Resolver{logger: logger}
}

// Resolve produces the inputs proc asked for. A request whose value has not
// been produced yet is a resolution error.
func (r *Resolver) Resolve(slot Slot, proc *Procedure, scope *Scope) (*Inputs, error) {
	in := &Inputs{
		slot:    slot,
		cycleID: scope.CycleID(),
		values:  make(map[Request]interface{}, len(proc.Requests)),
		logger:  r.logger.WithSlot(string(slot)),
	}
	if in.cycleID != "" {
		in.logger = in.logger.WithCycleID(in.cycleID)
	}

	for _, req := range proc.Requests {
		if !IsLegal(slot, req) {
			return nil, NewResolutionError(fmt.Sprintf("request %s is not available to this slot", req), nil).
				WithSlot(slot).WithCode(ErrCodeIllegalRequest)
		}
		if req.IsStack() {
			stack := scope.stack(req)
			if stack == nil {
				return nil, NewResolutionError(fmt.Sprintf("%s is not available", req), nil).
					WithSlot(slot).WithCode(ErrCodeNotProduced)
			}
			in.stack = stack
			continue
		}
		value, ok := scope.Value(req)
		if !ok {
			return nil, NewResolutionError(
				fmt.Sprintf("%s has not been produced by %s yet", req, producedBy[req]), nil).
				WithSlot(slot).WithCode(ErrCodeNotProduced)
		}
		in.values[req] = value
	}
	return in, nil
}

// Inputs is the resolved view a procedure runs against.
type Inputs struct {
	slot    Slot
	cycleID string
	values  map[Request]interface{}
	stack   *ResourceStack
	steps   *StepRecorder
	logger  *telemetry.Logger
}

// Slot returns the slot the procedure runs in.
func (in *Inputs) Slot() Slot {
	return in.slot
}

// CycleID returns the current iteration ID, empty during system setup.
func (in *Inputs) CycleID() string {
	return in.cycleID
}

// Has reports whether the value of req was resolved.
func (in *Inputs) Has(req Request) bool {
	_, ok := in.values[req]
	return ok
}

// Value returns the resolved value of req.
func (in *Inputs) Value(req Request) interface{} {
	return in.values[req]
}

// SystemSetupData returns the value produced by the system setup procedure.
func (in *Inputs) SystemSetupData() interface{} {
	return in.values[SystemSetupDataRequest]
}

// UUTSetupData returns the value produced by the UUT setup procedure.
func (in *Inputs) UUTSetupData() interface{} {
	return in.values[UUTSetupDataRequest]
}

// TestSequenceData returns the value produced by the test sequence.
// It is nil when the test sequence faulted.
func (in *Inputs) TestSequenceData() interface{} {
	return in.values[TestSequenceDataRequest]
}

// TestResultInfo returns the summary of the current iteration.
func (in *Inputs) TestResultInfo() *TestResultInfo {
	info, _ := in.values[TestResultInfoRequest].(*TestResultInfo)
	return info
}

// ResourceStack returns the requested resource stack, or nil.
func (in *Inputs) ResourceStack() *ResourceStack {
	return in.stack
}

// Steps returns the step recorder. It is only set for the test sequence.
func (in *Inputs) Steps() *StepRecorder {
	return in.steps
}

// Logger returns a logger tagged with the slot and iteration.
func (in *Inputs) Logger() *telemetry.Logger {
	return in.logger
}

// Bind decodes the value of req into target. Values that crossed the
// isolation boundary arrive as raw JSON; Bind handles both forms.
func (in *Inputs) Bind(req Request, target interface{}) error {
	value, ok := in.values[req]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRequested, req)
	}
	if err := bindValue(value, target); err != nil {
		return fmt.Errorf("bind %s: %w", req, err)
	}
	return nil
}
