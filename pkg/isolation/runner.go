package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/testrig/testrig/pkg/engine"
	"github.com/testrig/testrig/pkg/isolation/protocol"
	"github.com/testrig/testrig/pkg/telemetry"
)

// EnvWorker is set to "1" in the environment of an isolation unit.
const EnvWorker = "TESTRIG_ISOLATION_WORKER"

// Config configures a ProcessRunner.
type Config struct {
	// SequenceTimeout bounds one test sequence run, measured from INVOKE.
	// Zero means no limit.
	SequenceTimeout time.Duration

	// KillGrace is how long a unit gets to exit after SIGTERM before it is killed.
	KillGrace time.Duration

	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration

	// MaxMessageBytes bounds one protocol message in either direction.
	MaxMessageBytes int

	// Executable is the unit binary. Empty means the running executable.
	Executable string

	// Args are passed to the unit.
	Args []string

	// Env is appended to the station's environment for the unit.
	Env []string
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		KillGrace:       5 * time.Second,
		StartupTimeout:  10 * time.Second,
		MaxMessageBytes: protocol.DefaultMaxMessageBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	return c
}

// IsWorker reports whether the current process is an isolation unit.
func IsWorker() bool {
	return os.Getenv(EnvWorker) == "1"
}

// ProcessRunner runs each test sequence in a fresh child process.
type ProcessRunner struct {
	cfg    Config
	logger *telemetry.Logger
}

var _ engine.WorkerRunner = (*ProcessRunner)(nil)

// NewProcessRunner creates a process runner.
func NewProcessRunner(cfg Config, logger *telemetry.Logger) *ProcessRunner {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ProcessRunner{
		cfg:    cfg.withDefaults(),
		logger: logger.NewComponentLogger("isolation"),
	}
}

// WorkerMode implements engine.WorkerRunner.
func (r *ProcessRunner) WorkerMode() bool {
	return IsWorker()
}

// RunSequence implements engine.SequenceRunner. It spawns one unit, hands it
// the invocation and collects the outcome. Crashes, stalls and terminations
// come back as an outcome; the error is reserved for a unit that could not
// be started.
func (r *ProcessRunner) RunSequence(ctx context.Context, inv *engine.Invocation) (*engine.SequenceOutcome, error) {
	if inv == nil {
		return nil, engine.NewIsolationError("invocation is nil", nil).WithSlot(engine.SlotTestSequence)
	}
	cycleID := inv.CycleID
	if cycleID == "" {
		cycleID = uuid.NewString()
	}
	logger := r.logger.WithCycleID(cycleID)

	invoke, err := newInvoke(cycleID, inv)
	if err != nil {
		return failure(engine.NewIsolationError("test sequence inputs cannot cross the isolation boundary", err).
			WithSlot(engine.SlotTestSequence).WithCycle(cycleID).WithCode(engine.ErrCodeChannel), false), nil
	}

	u, err := r.start(logger)
	if err != nil {
		return nil, engine.NewIsolationError("failed to start isolation unit", err).
			WithSlot(engine.SlotTestSequence).WithCycle(cycleID)
	}
	defer u.close()

	return r.supervise(ctx, u, invoke, inv.Observer, logger), nil
}

func newInvoke(cycleID string, inv *engine.Invocation) (*protocol.InvokeMessage, error) {
	invoke := &protocol.InvokeMessage{CycleID: cycleID}
	var err error
	if inv.SystemSetupData != nil {
		if invoke.SystemSetupData, err = json.Marshal(inv.SystemSetupData); err != nil {
			return nil, fmt.Errorf("system setup data: %w", err)
		}
	}
	if inv.UUTSetupData != nil {
		if invoke.UUTSetupData, err = json.Marshal(inv.UUTSetupData); err != nil {
			return nil, fmt.Errorf("uut setup data: %w", err)
		}
	}
	return invoke, nil
}

// unit is one running isolation unit.
type unit struct {
	cmd    *exec.Cmd
	invoke *os.File // write end of the unit's invoke channel
	result *os.File // read end of the unit's result channel
	stdout *lineLogger
	stderr *lineLogger

	done    chan struct{}
	waitErr error
}

func (r *ProcessRunner) start(logger *telemetry.Logger) (*unit, error) {
	exe := r.cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
	}

	invokeR, invokeW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create invoke pipe: %w", err)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		_ = invokeR.Close()
		_ = invokeW.Close()
		return nil, fmt.Errorf("failed to create result pipe: %w", err)
	}

	u := &unit{
		invoke: invokeW,
		result: resultR,
		stdout: newLineLogger(logger, "stdout"),
		stderr: newLineLogger(logger, "stderr"),
		done:   make(chan struct{}),
	}

	cmd := exec.Command(exe, r.cfg.Args...)
	cmd.Env = append(append(os.Environ(), EnvWorker+"=1"), r.cfg.Env...)
	cmd.Stdout = u.stdout
	cmd.Stderr = u.stderr
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = r.cfg.KillGrace
	attachChannel(cmd, invokeR, resultW)
	u.cmd = cmd

	err = cmd.Start()
	// The unit has its own copies of these ends now.
	_ = invokeR.Close()
	_ = resultW.Close()
	if err != nil {
		_ = invokeW.Close()
		_ = resultR.Close()
		return nil, err
	}

	go func() {
		u.waitErr = cmd.Wait()
		close(u.done)
	}()

	logger.WithField("pid", cmd.Process.Pid).Debug("isolation unit started")
	return u, nil
}

func (u *unit) close() {
	_ = u.invoke.Close()
	_ = u.result.Close()
	<-u.done
	u.stdout.Flush()
	u.stderr.Flush()
}

func (u *unit) exitStatus() string {
	if u.cmd.ProcessState != nil {
		return u.cmd.ProcessState.String()
	}
	if u.waitErr != nil {
		return u.waitErr.Error()
	}
	return "unknown exit status"
}

type decoded struct {
	msg *protocol.Message
	err error
}

func readMessages(r io.Reader, maxBytes int, out chan<- decoded, stop <-chan struct{}) {
	dec := protocol.NewDecoder(r, maxBytes)
	for {
		msg, err := dec.Decode()
		select {
		case out <- decoded{msg: msg, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *ProcessRunner) supervise(ctx context.Context, u *unit, invoke *protocol.InvokeMessage, observer engine.StepObserver, logger *telemetry.Logger) *engine.SequenceOutcome {
	cycleID := invoke.CycleID

	msgs := make(chan decoded)
	stop := make(chan struct{})
	defer close(stop)
	go readMessages(u.result, r.cfg.MaxMessageBytes, msgs, stop)

	startup := time.NewTimer(r.cfg.StartupTimeout)
	defer startup.Stop()

	var (
		ready    bool
		deadline <-chan time.Time
		seqTimer *time.Timer
		drain    <-chan time.Time
		sendErr  chan error
		exited   = u.done
	)
	defer func() {
		if seqTimer != nil {
			seqTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.terminate(u, cycleID, engine.ErrCodeTerminated,
				fmt.Sprintf("test sequence terminated: %v", context.Cause(ctx)), logger)

		case <-startup.C:
			return r.terminate(u, cycleID, engine.ErrCodeTimeout,
				fmt.Sprintf("isolation unit not ready after %s", r.cfg.StartupTimeout), logger)

		case <-deadline:
			return r.terminate(u, cycleID, engine.ErrCodeTimeout,
				fmt.Sprintf("test sequence timed out after %s", r.cfg.SequenceTimeout), logger)

		case err := <-sendErr:
			sendErr = nil
			if err != nil {
				return r.terminate(u, cycleID, engine.ErrCodeChannel,
					fmt.Sprintf("failed to send invocation: %v", err), logger)
			}

		case <-exited:
			// Output written just before exit may still be in the pipe.
			exited = nil
			drain = time.After(r.cfg.KillGrace)

		case <-drain:
			return r.crashed(u, cycleID, logger)

		case m := <-msgs:
			if m.err != nil {
				if errors.Is(m.err, io.EOF) {
					return r.crashed(u, cycleID, logger)
				}
				return r.terminate(u, cycleID, engine.ErrCodeChannel,
					fmt.Sprintf("isolation channel error: %v", m.err), logger)
			}

			switch m.msg.Type {
			case protocol.MessageTypeReady:
				if ready {
					logger.Warn("ignoring duplicate READY from isolation unit")
					continue
				}
				ready = true
				startup.Stop()

				var hello protocol.ReadyMessage
				if err := protocol.ParseData(m.msg.Data, &hello); err == nil {
					logger.WithFields(map[string]interface{}{
						"pid":     hello.PID,
						"version": hello.Version,
					}).Debug("isolation unit ready")
				}

				sendErr = make(chan error, 1)
				go func(ch chan<- error) {
					ch <- protocol.NewEncoder(u.invoke, r.cfg.MaxMessageBytes).EncodeInvoke(invoke)
				}(sendErr)

				if r.cfg.SequenceTimeout > 0 {
					seqTimer = time.NewTimer(r.cfg.SequenceTimeout)
					deadline = seqTimer.C
				}

			case protocol.MessageTypeEvent:
				if observer == nil {
					continue
				}
				var ev protocol.EventMessage
				if err := protocol.ParseData(m.msg.Data, &ev); err != nil {
					logger.WithError(err).Warn("dropping malformed step event")
					continue
				}
				observer(stepEvent(&ev))

			case protocol.MessageTypeDone:
				var done protocol.DoneMessage
				if err := protocol.ParseData(m.msg.Data, &done); err != nil {
					return r.terminate(u, cycleID, engine.ErrCodeChannel, err.Error(), logger)
				}
				out, err := outcomeFromDone(cycleID, &done)
				if err != nil {
					return r.terminate(u, cycleID, engine.ErrCodeChannel,
						fmt.Sprintf("invalid outcome from isolation unit: %v", err), logger)
				}
				r.reap(u, logger)
				return out

			case protocol.MessageTypeError:
				var msg protocol.ErrorMessage
				if err := protocol.ParseData(m.msg.Data, &msg); err != nil {
					return r.terminate(u, cycleID, engine.ErrCodeChannel, err.Error(), logger)
				}
				r.reap(u, logger)
				code := msg.Code
				if code == "" {
					code = engine.ErrCodeCrashed
				}
				err := engine.NewIsolationError(msg.Message, nil).
					WithSlot(engine.SlotTestSequence).WithCycle(cycleID).WithCode(code)
				logger.WithError(err).Warn("isolation unit reported an error")
				return failure(err, code == engine.ErrCodeTerminated)

			case protocol.MessageTypeExit:
				logger.Debug("isolation unit exiting without an outcome")

			default:
				return r.terminate(u, cycleID, engine.ErrCodeChannel,
					fmt.Sprintf("unexpected %s message from isolation unit", m.msg.Type), logger)
			}
		}
	}
}

func stepEvent(ev *protocol.EventMessage) engine.StepEvent {
	return engine.StepEvent{
		Record: &engine.StepRecord{
			ID:     ev.StepID,
			Name:   ev.Step,
			Path:   ev.Path,
			Status: engine.StepStatus(ev.Status),
			Reason: ev.Reason,
		},
		Finished: ev.Finished,
	}
}

// outcomeFromDone decodes a DONE message. Values arrive in their generic
// JSON form.
func outcomeFromDone(cycleID string, done *protocol.DoneMessage) (*engine.SequenceOutcome, error) {
	if done.CycleID != cycleID {
		return nil, fmt.Errorf("outcome is for cycle %q, expected %q", done.CycleID, cycleID)
	}

	out := &engine.SequenceOutcome{
		Quit:       done.Quit,
		QuitReason: done.QuitReason,
	}
	if err := json.Unmarshal(done.Result, &out.Result); err != nil {
		return nil, fmt.Errorf("test result: %w", err)
	}
	if err := out.Result.Verdict.Validate(); err != nil {
		return nil, err
	}
	if len(done.Data) > 0 {
		if err := json.Unmarshal(done.Data, &out.Data); err != nil {
			return nil, fmt.Errorf("test sequence data: %w", err)
		}
	}
	if len(done.Steps) > 0 {
		if err := json.Unmarshal(done.Steps, &out.Steps); err != nil {
			return nil, fmt.Errorf("steps: %w", err)
		}
	}
	if done.Fault != "" {
		out.Err = engine.NewFaultError("test sequence faulted in isolation unit", errors.New(done.Fault)).
			WithSlot(engine.SlotTestSequence).WithCycle(cycleID).WithCode(done.FaultCode)
	}
	return out, nil
}

func failure(err *engine.EngineError, terminated bool) *engine.SequenceOutcome {
	return &engine.SequenceOutcome{
		Result:     engine.Failed(err.Message),
		Terminated: terminated,
		Err:        err,
	}
}

// crashed reports a unit that went away without an outcome.
func (r *ProcessRunner) crashed(u *unit, cycleID string, logger *telemetry.Logger) *engine.SequenceOutcome {
	r.reap(u, logger)
	err := engine.NewIsolationError(fmt.Sprintf("isolation unit exited unexpectedly: %s", u.exitStatus()), nil).
		WithSlot(engine.SlotTestSequence).WithCycle(cycleID).WithCode(engine.ErrCodeCrashed)
	logger.WithError(err).Warn("isolation unit crashed")
	return failure(err, false)
}

// terminate stops the unit and reports the sequence as terminated.
func (r *ProcessRunner) terminate(u *unit, cycleID, code, reason string, logger *telemetry.Logger) *engine.SequenceOutcome {
	logger.WithField("code", code).Warn(reason)
	r.stop(u, logger)
	err := engine.NewIsolationError(reason, nil).
		WithSlot(engine.SlotTestSequence).WithCycle(cycleID).WithCode(code)
	return failure(err, true)
}

// reap waits for a unit that has finished talking to exit on its own.
func (r *ProcessRunner) reap(u *unit, logger *telemetry.Logger) {
	select {
	case <-u.done:
		return
	case <-time.After(r.cfg.KillGrace):
	}
	logger.Warn("isolation unit did not exit after reporting")
	r.stop(u, logger)
}

// stop sends SIGTERM, waits KillGrace, then kills the unit's process group.
func (r *ProcessRunner) stop(u *unit, logger *telemetry.Logger) {
	select {
	case <-u.done:
		return
	default:
	}

	if err := terminateUnit(u.cmd.Process, false); err != nil {
		logger.WithError(err).Warn("failed to signal isolation unit")
	}
	select {
	case <-u.done:
		return
	case <-time.After(r.cfg.KillGrace):
	}

	logger.WithField("grace", r.cfg.KillGrace.String()).Warn("isolation unit ignored SIGTERM, killing")
	if err := terminateUnit(u.cmd.Process, true); err != nil {
		logger.WithError(err).Error("failed to kill isolation unit")
	}
	<-u.done
}
