package isolation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/testrig/testrig/pkg/engine"
	"github.com/testrig/testrig/pkg/isolation/protocol"
	"github.com/testrig/testrig/pkg/telemetry"
)

// ServeWorker implements engine.WorkerRunner. It serves one invocation over
// the channel inherited from the station and returns once the outcome has
// been sent. SIGTERM and interrupt abandon the running sequence and report
// it as terminated.
func (r *ProcessRunner) ServeWorker(ctx context.Context, exec engine.SequenceExecutor) error {
	in, out, err := workerChannel()
	if err != nil {
		return engine.NewIsolationError("failed to open isolation channel", err)
	}
	defer func() {
		_ = in.Close()
		_ = out.Close()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serveWorker(ctx, in, out, exec, r.cfg.MaxMessageBytes, r.logger)
}

func serveWorker(ctx context.Context, r io.Reader, w io.Writer, exec engine.SequenceExecutor, maxBytes int, logger *telemetry.Logger) error {
	enc := protocol.NewEncoder(w, maxBytes)
	dec := protocol.NewDecoder(r, maxBytes)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  protocol.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	invoke, err := dec.DecodeInvoke()
	if err != nil {
		_ = enc.EncodeError(&protocol.ErrorMessage{Code: engine.ErrCodeChannel, Message: err.Error()})
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "invalid invocation", ExitCode: 1})
		return fmt.Errorf("failed to read invocation: %w", err)
	}

	logger = logger.WithCycleID(invoke.CycleID)
	inv, err := invocation(invoke, enc, logger)
	if err != nil {
		_ = enc.EncodeError(&protocol.ErrorMessage{CycleID: invoke.CycleID, Code: engine.ErrCodeChannel, Message: err.Error()})
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "invalid invocation", ExitCode: 1})
		return err
	}

	started := time.Now()
	result := make(chan *engine.SequenceOutcome, 1)
	go func() {
		result <- exec(ctx, inv)
	}()

	var out *engine.SequenceOutcome
	select {
	case out = <-result:
	case <-ctx.Done():
		logger.Warn("test sequence terminated")
		_ = enc.EncodeError(&protocol.ErrorMessage{
			CycleID: invoke.CycleID,
			Code:    engine.ErrCodeTerminated,
			Message: fmt.Sprintf("test sequence terminated: %v", context.Cause(ctx)),
		})
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "terminated", ExitCode: 1})
		return nil
	}

	done, err := doneMessage(invoke.CycleID, out, time.Since(started))
	if err == nil {
		err = enc.EncodeDone(done)
	}
	if err != nil {
		logger.WithError(err).Error("failed to send test sequence outcome")
		if sendErr := enc.EncodeError(&protocol.ErrorMessage{
			CycleID: invoke.CycleID,
			Code:    engine.ErrCodeChannel,
			Message: fmt.Sprintf("test sequence outcome cannot cross the isolation boundary: %v", err),
		}); sendErr != nil {
			return fmt.Errorf("failed to send error: %w", sendErr)
		}
	}

	_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "done"})
	return nil
}

func invocation(invoke *protocol.InvokeMessage, enc *protocol.Encoder, logger *telemetry.Logger) (*engine.Invocation, error) {
	inv := &engine.Invocation{CycleID: invoke.CycleID}
	if err := decodeValue(invoke.SystemSetupData, &inv.SystemSetupData); err != nil {
		return nil, fmt.Errorf("system setup data: %w", err)
	}
	if err := decodeValue(invoke.UUTSetupData, &inv.UUTSetupData); err != nil {
		return nil, fmt.Errorf("uut setup data: %w", err)
	}

	inv.Observer = func(ev engine.StepEvent) {
		msg := &protocol.EventMessage{
			CycleID:  invoke.CycleID,
			StepID:   ev.Record.ID,
			Step:     ev.Record.Name,
			Path:     ev.Record.Path,
			Status:   string(ev.Record.Status),
			Reason:   ev.Record.Reason,
			Finished: ev.Finished,
		}
		if err := enc.EncodeEvent(msg); err != nil {
			logger.WithError(err).Debug("failed to send step event")
		}
	}
	return inv, nil
}

func decodeValue(data json.RawMessage, target *interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func doneMessage(cycleID string, out *engine.SequenceOutcome, elapsed time.Duration) (*protocol.DoneMessage, error) {
	done := &protocol.DoneMessage{
		CycleID:    cycleID,
		Quit:       out.Quit,
		QuitReason: out.QuitReason,
		Duration:   elapsed.Seconds(),
	}

	var err error
	if done.Result, err = json.Marshal(out.Result); err != nil {
		return nil, fmt.Errorf("failed to encode test result: %w", err)
	}
	if out.Data != nil {
		if done.Data, err = json.Marshal(out.Data); err != nil {
			return nil, fmt.Errorf("failed to encode test sequence data: %w", err)
		}
	}
	if len(out.Steps) > 0 {
		if done.Steps, err = json.Marshal(out.Steps); err != nil {
			return nil, fmt.Errorf("failed to encode steps: %w", err)
		}
	}
	if out.Err != nil {
		done.Fault = out.Err.Error()
		done.FaultCode = faultCode(out.Err)
	}
	return done, nil
}

func faultCode(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	if engine.IsPanic(err) {
		return engine.ErrCodePanic
	}
	return ""
}
