package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testrig/testrig/pkg/telemetry"
)

// Config holds the station settings the engine itself needs.
type Config struct {
	// Name identifies the station in logs, metrics and events.
	Name string

	// MaxCycles requests a voluntary quit after this many iterations. Zero means unlimited.
	MaxCycles int

	// SequenceTimeout bounds the test sequence when the default in-process runner is used.
	SequenceTimeout time.Duration

	// MonitorInterval is the polling period of the health monitor. Zero disables polling.
	MonitorInterval time.Duration
}

// ErrorHandler receives every fault surfaced outside the test sequence.
type ErrorHandler func(slot Slot, err error)

// Option configures a Station.
type Option func(*Station)

// WithRunner sets the runner used for the test sequence.
func WithRunner(r SequenceRunner) Option {
	return func(s *Station) {
		s.runner = r
	}
}

// WithTelemetry wires logging, tracing, metrics and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Station) {
		s.tel = t
	}
}

// WithLogger overrides the station logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Station) {
		s.logger = l
	}
}

// WithErrorHandler installs an operator error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Station) {
		s.errorHandler = h
	}
}

// WithRegistry uses a pre-populated registry.
func WithRegistry(r *Registry) Option {
	return func(s *Station) {
		s.registry = r
	}
}

// Station is the orchestrator. It drives system setup once, then repeats
// the per-UUT iteration until a voluntary quit or an external interrupt,
// and finally unwinds the system resource stack.
type Station struct {
	cfg          Config
	registry     *Registry
	resolver     *Resolver
	runner       SequenceRunner
	tel          *telemetry.Telemetry
	logger       *telemetry.Logger
	errorHandler ErrorHandler
	monitor      *Monitor

	mu          sync.Mutex
	state       State
	cancel      context.CancelCauseFunc
	quitReason  string
	pendingQuit string
	holds       int
	cycles      int
	fatal       error
}

// New creates a station. Without WithRunner the test sequence runs on an
// InProcessRunner, which cannot kill a stalled sequence; pass an isolating
// runner such as isolation.ProcessRunner for real isolation.
func New(cfg Config, opts ...Option) *Station {
	if cfg.Name == "" {
		cfg.Name = "station"
	}
	s := &Station{
		cfg:   cfg,
		state: StateInit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel = telemetry.NewNop()
	}
	if s.logger == nil {
		s.logger = s.tel.Logger
	}
	s.logger = s.logger.NewComponentLogger("station").WithStation(cfg.Name)
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.runner == nil {
		s.runner = NewInProcessRunner(cfg.SequenceTimeout, s.logger)
	}
	s.resolver = NewResolver(s.logger)
	s.monitor = NewMonitor(cfg.MonitorInterval, s.logger)
	return s
}

// Name returns the station name.
func (s *Station) Name() string {
	return s.cfg.Name
}

// Registry returns the procedure registry.
func (s *Station) Registry() *Registry {
	return s.registry
}

// Monitor returns the health monitor.
func (s *Station) Monitor() *Monitor {
	return s.monitor
}

// State returns the current lifecycle state.
func (s *Station) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycles returns the number of iterations started so far.
func (s *Station) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// QuitReason returns the reason of the accepted voluntary quit, if any.
func (s *Station) QuitReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitReason
}

// Register binds a procedure to a slot.
func (s *Station) Register(slot Slot, proc Procedure) error {
	return s.registry.Register(slot, proc)
}

// RegisterSystemSetup registers the system setup procedure.
func (s *Station) RegisterSystemSetup(fn ProcedureFunc, requests ...Request) error {
	return s.Register(SlotSystemSetup, Procedure{Run: fn, Requests: requests})
}

// RegisterTestBedPreparation registers the test-bed preparation procedure.
func (s *Station) RegisterTestBedPreparation(fn ProcedureFunc, requests ...Request) error {
	return s.Register(SlotTestBedPreparation, Procedure{Run: fn, Requests: requests})
}

// RegisterUUTSetup registers the UUT setup procedure.
func (s *Station) RegisterUUTSetup(fn ProcedureFunc, requests ...Request) error {
	return s.Register(SlotUUTSetup, Procedure{Run: fn, Requests: requests})
}

// RegisterTestSequence registers the test sequence.
func (s *Station) RegisterTestSequence(fn ProcedureFunc, requests ...Request) error {
	return s.Register(SlotTestSequence, Procedure{Run: fn, Requests: requests})
}

// RegisterUUTRecovery registers the UUT recovery procedure.
func (s *Station) RegisterUUTRecovery(fn ProcedureFunc, requests ...Request) error {
	return s.Register(SlotUUTRecovery, Procedure{Run: fn, Requests: requests})
}

// RegisterResultHandler registers the result handler.
func (s *Station) RegisterResultHandler(fn ProcedureFunc, requests ...Request) error {
	return s.Register(SlotResultHandler, Procedure{Run: fn, Requests: requests})
}

// Quit requests a voluntary quit. While a quit hold is active the request is
// deferred until the last hold is released.
func (s *Station) Quit(reason string) {
	s.mu.Lock()
	if s.holds > 0 {
		if s.pendingQuit == "" {
			s.pendingQuit = reason
		}
		s.mu.Unlock()
		s.logger.WithField("reason", reason).Warn("quit deferred until hold is released")
		return
	}
	if s.quitReason != "" {
		s.mu.Unlock()
		return
	}
	s.quitReason = reason
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.WithField("reason", reason).Info("quit requested")
	_ = s.tel.Events.PublishQuitRequested(s.cfg.Name, reason)
	if cancel != nil {
		cancel(&QuitSignal{Reason: reason})
	}
}

// HoldQuit defers voluntary quits until the returned release func is called.
// External interrupts are never deferred.
func (s *Station) HoldQuit() (release func()) {
	s.mu.Lock()
	s.holds++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.holds--
			var pending string
			if s.holds == 0 {
				pending = s.pendingQuit
				s.pendingQuit = ""
			}
			s.mu.Unlock()
			if pending != "" {
				s.Quit(pending)
			}
		})
	}
}

// Run executes the lifecycle until a voluntary quit or until ctx is cancelled.
// It returns an error when registration is incomplete, when system setup
// faults, or when the health monitor stopped the station. When the runner is
// in worker mode, Run serves a single test sequence invocation instead.
func (s *Station) Run(ctx context.Context) error {
	if err := s.registry.Check(); err != nil {
		return err
	}

	if w, ok := s.runner.(WorkerRunner); ok && w.WorkerMode() {
		proc, _ := s.registry.Get(SlotTestSequence)
		return w.ServeWorker(ctx, func(ctx context.Context, inv *Invocation) *SequenceOutcome {
			return ExecuteSequence(ctx, proc, inv, s.logger)
		})
	}

	s.mu.Lock()
	if s.state != StateInit {
		s.mu.Unlock()
		return fmt.Errorf("station %s already started", s.cfg.Name)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	if s.quitReason != "" {
		cancel(&QuitSignal{Reason: s.quitReason})
	}
	s.mu.Unlock()
	defer cancel(nil)

	s.logger.WithField("slots", s.registry.Registered()).Info("station starting")

	systemStack := NewResourceStack(ScopeSystem, s.logger)
	scope := NewScope(systemStack)

	runErr := s.lifecycle(runCtx, scope)
	s.terminate(ctx, runCtx, systemStack)
	return runErr
}

func (s *Station) lifecycle(ctx context.Context, scope *Scope) error {
	if ctx.Err() != nil {
		return nil
	}

	value, err := s.invoke(ctx, SlotSystemSetup, scope)
	if err != nil {
		if reason, ok := quitReason(err); ok {
			s.Quit(reason)
			return nil
		}
		return s.surface(SlotSystemSetup, "", err)
	}
	scope.Produce(SystemSetupDataRequest, value)

	s.monitor.start(ctx)
	defer s.monitor.stop()

	for {
		s.checkMonitor()
		if ctx.Err() != nil {
			return s.fatalErr()
		}

		s.runCycle(ctx, scope)

		if n := s.Cycles(); s.cfg.MaxCycles > 0 && n >= s.cfg.MaxCycles {
			s.Quit(fmt.Sprintf("cycle limit of %d reached", s.cfg.MaxCycles))
		}
	}
}

func (s *Station) runCycle(ctx context.Context, scope *Scope) {
	cycleID := uuid.New().String()
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()

	logger := s.logger.WithCycleID(cycleID)
	uutStack := NewResourceStack(ScopeUUT, logger)
	scope.BeginCycle(cycleID, uutStack)

	ctx, span := s.tel.Tracer.StartCycleSpan(ctx, s.cfg.Name, cycleID)
	defer span.End()

	started := time.Now()
	s.tel.Metrics.RecordCycleStarted(s.cfg.Name)
	_ = s.tel.Events.PublishCycleStarted(s.cfg.Name, cycleID)
	logger.Info("cycle started")

	var result *TestResult
	defer func() {
		s.unwind(ctx, uutStack)
		duration := time.Since(started)
		verdict, reason := "aborted", ""
		if result != nil {
			verdict, reason = string(result.Verdict), result.Reason
		}
		s.tel.Metrics.RecordCycleCompleted(s.cfg.Name, verdict, duration)
		_ = s.tel.Events.PublishCycleCompleted(s.cfg.Name, cycleID, verdict, reason, duration)
		logger.WithField("verdict", verdict).WithField("duration", duration.String()).Info("cycle finished")
	}()

	if _, ok := s.runSlot(ctx, SlotTestBedPreparation, scope); !ok {
		return
	}
	value, ok := s.runSlot(ctx, SlotUUTSetup, scope)
	if !ok {
		return
	}
	scope.Produce(UUTSetupDataRequest, value)

	s.checkMonitor()
	if ctx.Err() != nil {
		return
	}

	info := s.runTestSequence(ctx, scope, cycleID, logger)
	result = &info.Result

	// The UUT stack is released before recovery runs.
	s.unwind(ctx, uutStack)

	if ctx.Err() != nil {
		return
	}
	if _, ok := s.runSlot(ctx, SlotUUTRecovery, scope); !ok {
		return
	}
	s.runSlot(ctx, SlotResultHandler, scope)
}

// runSlot invokes an optional slot. ok is false when the iteration must stop.
func (s *Station) runSlot(ctx context.Context, slot Slot, scope *Scope) (value interface{}, ok bool) {
	value, err := s.invoke(ctx, slot, scope)
	if err != nil {
		if reason, isQuit := quitReason(err); isQuit {
			s.Quit(reason)
			return nil, ctx.Err() == nil
		}
		_ = s.surface(slot, scope.CycleID(), err)
		return nil, false
	}
	return value, ctx.Err() == nil
}

// invoke resolves and calls the procedure of slot. Unregistered slots produce nil.
func (s *Station) invoke(ctx context.Context, slot Slot, scope *Scope) (interface{}, error) {
	proc, registered := s.registry.Get(slot)
	if !registered {
		return nil, nil
	}
	s.setState(stateForSlot[slot])

	in, err := s.resolver.Resolve(slot, proc, scope)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tel.Tracer.StartSlotSpan(ctx, string(slot), scope.CycleID())
	defer span.End()

	started := time.Now()
	value, err := callProcedure(ctx, proc, in)
	s.tel.Metrics.RecordSlot(string(slot), time.Since(started), err != nil && !IsQuit(err))
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return value, err
}

func (s *Station) runTestSequence(ctx context.Context, scope *Scope, cycleID string, logger *telemetry.Logger) *TestResultInfo {
	s.setState(StateTestSequence)
	proc, _ := s.registry.Get(SlotTestSequence)
	started := time.Now()

	var out *SequenceOutcome
	in, err := s.resolver.Resolve(SlotTestSequence, proc, scope)
	if err != nil {
		out = &SequenceOutcome{Result: Failed(err.Error()), Err: err}
	} else {
		spanCtx, span := s.tel.Tracer.StartSlotSpan(ctx, string(SlotTestSequence), cycleID)
		inv := &Invocation{
			CycleID:         cycleID,
			SystemSetupData: in.Value(SystemSetupDataRequest),
			UUTSetupData:    in.Value(UUTSetupDataRequest),
			Procedure:       proc,
			Observer:        stepLogger(logger),
		}
		out, err = s.runner.RunSequence(spanCtx, inv)
		if err != nil {
			out = &SequenceOutcome{Result: Failed(err.Error()), Err: err}
		} else if out == nil {
			err = NewIsolationError("runner returned no outcome", nil).WithSlot(SlotTestSequence)
			out = &SequenceOutcome{Result: Failed(err.Error()), Err: err}
		}
		if out.Err != nil {
			telemetry.RecordError(span, out.Err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}

	finished := time.Now()
	s.tel.Metrics.RecordSlot(string(SlotTestSequence), finished.Sub(started), out.Err != nil)
	if out.Terminated {
		reason := "terminated"
		var ee *EngineError
		if errors.As(out.Err, &ee) && ee.Code != "" {
			reason = ee.Code
		}
		s.tel.Metrics.RecordIsolationTermination(reason)
	}
	if out.Err != nil {
		logger.WithError(out.Err).Warn("test sequence faulted")
	}

	info := &TestResultInfo{
		CycleID:    cycleID,
		Result:     out.Result,
		Steps:      out.Steps,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		Terminated: out.Terminated,
	}
	scope.Produce(TestSequenceDataRequest, out.Data)
	scope.Produce(TestResultInfoRequest, info)

	logger.WithField("result", out.Result.String()).Info("test sequence finished")
	if out.Quit {
		s.Quit(out.QuitReason)
	}
	return info
}

// surface reports a fault through logs, metrics, events and the error handler.
func (s *Station) surface(slot Slot, cycleID string, err error) error {
	var ee *EngineError
	if !errors.As(err, &ee) {
		ee = NewFaultError("procedure failed", err)
		if IsPanic(err) {
			ee.WithCode(ErrCodePanic)
		}
		err = ee
	}
	ee.WithSlot(slot).WithCycle(cycleID)

	logger := s.logger.WithSlot(string(slot)).WithError(err)
	if cycleID != "" {
		logger = logger.WithCycleID(cycleID)
	}
	logger.Error("procedure fault")
	_ = s.tel.Events.PublishSlotFault(s.cfg.Name, cycleID, string(slot), err)

	if s.errorHandler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.WithField("panic", fmt.Sprint(r)).Error("error handler panicked")
				}
			}()
			s.errorHandler(slot, err)
		}()
	}
	return err
}

func (s *Station) unwind(ctx context.Context, stack *ResourceStack) {
	if stack.Closed() {
		return
	}
	if err := stack.UnwindAll(context.WithoutCancel(ctx)); err != nil {
		s.tel.Metrics.RecordReleaseFault(stack.Scope())
		s.logger.WithError(err).WithField("stack", stack.Scope()).Warn("resource stack unwound with errors")
	}
}

func (s *Station) terminate(parent, runCtx context.Context, systemStack *ResourceStack) {
	s.setState(StateTerminating)

	cause := context.Cause(runCtx)
	var q *QuitSignal
	switch {
	case errors.As(cause, &q):
		s.logger.WithField("reason", q.Reason).Info("station terminating after quit")
	case parent.Err() != nil:
		s.logger.WithField("cause", fmt.Sprint(cause)).Info("station terminating after interrupt")
	default:
		s.logger.Info("station terminating")
	}

	s.unwind(parent, systemStack)
	s.setState(StateTerminated)
	s.logger.WithField("cycles", s.Cycles()).Info("station terminated")
}

func (s *Station) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.WithField("state", string(state)).Debug("state changed")
	_ = s.tel.Events.PublishStationState(s.cfg.Name, string(state))
}

func (s *Station) checkMonitor() {
	err := s.monitor.Err()
	if err == nil {
		return
	}
	s.mu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = fmt.Errorf("test system monitor stopped the station: %w", err)
	}
	s.mu.Unlock()
	if first {
		s.Quit(fmt.Sprintf("test system monitor: %v", err))
	}
}

func (s *Station) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// stepLogger logs step progress as the sequence reports it.
func stepLogger(logger *telemetry.Logger) StepObserver {
	return func(ev StepEvent) {
		l := logger.WithField("step", ev.Record.Path)
		if !ev.Finished {
			l.Debug("step started")
			return
		}
		l.WithField("status", string(ev.Record.Status)).Info("step finished")
	}
}
