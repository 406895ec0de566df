package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/pkg/engine"
	"github.com/testrig/testrig/pkg/isolation/protocol"
	"github.com/testrig/testrig/pkg/telemetry"
)

// scenarioEnv selects the test sequence an isolation unit runs when the test
// binary is re-executed as a unit.
const scenarioEnv = "TESTRIG_TEST_SCENARIO"

var scenarios = map[string]engine.ProcedureFunc{
	"pass": func(_ context.Context, in *engine.Inputs) (interface{}, error) {
		return map[string]interface{}{"serial": in.UUTSetupData()}, nil
	},
	"fail": func(context.Context, *engine.Inputs) (interface{}, error) {
		return nil, engine.Fail("rail at 3.9V")
	},
	"panic": func(context.Context, *engine.Inputs) (interface{}, error) {
		panic("probe shorted")
	},
	"crash": func(context.Context, *engine.Inputs) (interface{}, error) {
		os.Exit(3)
		return nil, nil
	},
	"hang": func(context.Context, *engine.Inputs) (interface{}, error) {
		select {}
	},
	"quit": func(context.Context, *engine.Inputs) (interface{}, error) {
		return nil, engine.Quit("operator stop")
	},
	"noise": func(context.Context, *engine.Inputs) (interface{}, error) {
		fmt.Println("reading fixture eeprom")
		fmt.Fprintln(os.Stderr, "fixture warning")
		return "ok", nil
	},
	"oversize": func(context.Context, *engine.Inputs) (interface{}, error) {
		return strings.Repeat("x", 8192), nil
	},
	"echo": func(_ context.Context, in *engine.Inputs) (interface{}, error) {
		return map[string]interface{}{
			"system": in.SystemSetupData(),
			"uut":    in.UUTSetupData(),
		}, nil
	},
	"partial": func(ctx context.Context, in *engine.Inputs) (interface{}, error) {
		_, err := in.Steps().Run(ctx, "measure", func(context.Context, *engine.Step) (interface{}, error) {
			return nil, engine.Fail("voltage out of range")
		}, engine.ContinueOnError())
		return nil, err
	},
	"steps": func(ctx context.Context, in *engine.Inputs) (interface{}, error) {
		_, err := in.Steps().Run(ctx, "power", func(ctx context.Context, step *engine.Step) (interface{}, error) {
			return step.Run(ctx, "rails", func(context.Context, *engine.Step) (interface{}, error) {
				return nil, nil
			})
		})
		return nil, err
	},
}

func TestMain(m *testing.M) {
	if IsWorker() {
		os.Exit(runUnit(os.Getenv(scenarioEnv)))
	}
	os.Exit(m.Run())
}

// runUnit is the body of the re-executed test binary.
func runUnit(scenario string) int {
	switch scenario {
	case "silent":
		select {}
	case "stubborn":
		return stubbornUnit()
	}

	proc, ok := scenarios[scenario]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", scenario)
		return 2
	}

	station := engine.New(engine.Config{Name: "unit"}, engine.WithRunner(NewProcessRunner(DefaultConfig(), nil)))
	if err := station.RegisterTestSequence(proc, engine.SystemSetupDataRequest, engine.UUTSetupDataRequest); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := station.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// stubbornUnit reports ready and then ignores SIGTERM forever.
func stubbornUnit() int {
	signal.Ignore(syscall.SIGTERM)
	_, out, err := workerChannel()
	if err != nil {
		return 2
	}
	enc := protocol.NewEncoder(out, 0)
	if err := enc.EncodeReady(&protocol.ReadyMessage{Version: protocol.Version, PID: os.Getpid()}); err != nil {
		return 2
	}
	select {}
}

func testRunner(t *testing.T, scenario string, opts ...func(*Config)) *ProcessRunner {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Executable = exe
	cfg.Args = []string{"-test.run=^$"}
	cfg.Env = []string{scenarioEnv + "=" + scenario}
	cfg.SequenceTimeout = 10 * time.Second
	cfg.KillGrace = 500 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewProcessRunner(cfg, nil)
}

func run(t *testing.T, r *ProcessRunner, inv *engine.Invocation) *engine.SequenceOutcome {
	t.Helper()
	if inv.CycleID == "" {
		inv.CycleID = "cycle-1"
	}
	out, err := r.RunSequence(context.Background(), inv)
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func errCode(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func TestProcessRunnerPass(t *testing.T) {
	out := run(t, testRunner(t, "pass"), &engine.Invocation{UUTSetupData: "SN-1"})

	assert.True(t, out.Result.IsPassed(), out.Result.String())
	assert.Equal(t, map[string]interface{}{"serial": "SN-1"}, out.Data)
	assert.NoError(t, out.Err)
	assert.False(t, out.Terminated)
}

func TestProcessRunnerFailureVerdict(t *testing.T) {
	out := run(t, testRunner(t, "fail"), &engine.Invocation{})

	assert.Equal(t, engine.Failed("rail at 3.9V"), out.Result)
	assert.Nil(t, out.Data)
	assert.NoError(t, out.Err)
}

func TestProcessRunnerPanic(t *testing.T) {
	out := run(t, testRunner(t, "panic"), &engine.Invocation{})

	assert.True(t, out.Result.IsFailed())
	assert.Contains(t, out.Result.Reason, "probe shorted")
	assert.True(t, engine.IsFault(out.Err))
	assert.Equal(t, engine.ErrCodePanic, errCode(out.Err))
	assert.False(t, out.Terminated)
}

func TestProcessRunnerCrash(t *testing.T) {
	out := run(t, testRunner(t, "crash"), &engine.Invocation{})

	assert.True(t, out.Result.IsFailed())
	assert.Contains(t, out.Result.Reason, "exit status 3")
	assert.True(t, engine.IsIsolationError(out.Err))
	assert.Equal(t, engine.ErrCodeCrashed, errCode(out.Err))
	assert.False(t, out.Terminated)
}

func TestProcessRunnerTimeout(t *testing.T) {
	r := testRunner(t, "hang", func(c *Config) { c.SequenceTimeout = 200 * time.Millisecond })

	start := time.Now()
	out := run(t, r, &engine.Invocation{})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, out.Terminated)
	assert.True(t, out.Result.IsFailed())
	assert.Equal(t, engine.ErrCodeTimeout, errCode(out.Err))
}

func TestProcessRunnerKillsUnitIgnoringSIGTERM(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no SIGTERM on windows")
	}
	r := testRunner(t, "stubborn", func(c *Config) {
		c.SequenceTimeout = 200 * time.Millisecond
		c.KillGrace = 200 * time.Millisecond
	})

	start := time.Now()
	out := run(t, r, &engine.Invocation{})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, out.Terminated)
	assert.Equal(t, engine.ErrCodeTimeout, errCode(out.Err))
}

func TestProcessRunnerStartupTimeout(t *testing.T) {
	r := testRunner(t, "silent", func(c *Config) { c.StartupTimeout = 200 * time.Millisecond })

	out := run(t, r, &engine.Invocation{})

	assert.True(t, out.Terminated)
	assert.Equal(t, engine.ErrCodeTimeout, errCode(out.Err))
	assert.Contains(t, out.Result.Reason, "not ready")
}

func TestProcessRunnerContinuedStepFailure(t *testing.T) {
	out := run(t, testRunner(t, "partial"), &engine.Invocation{})

	assert.True(t, out.Result.IsFailed())
	assert.Contains(t, out.Result.Reason, "voltage out of range")
	require.Len(t, out.Steps, 1)
	assert.Equal(t, engine.StepFailed, out.Steps[0].Status)
	assert.NoError(t, out.Err)
}

func TestProcessRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(300*time.Millisecond, cancel)

	out, err := testRunner(t, "hang").RunSequence(ctx, &engine.Invocation{CycleID: "cycle-1"})
	require.NoError(t, err)

	assert.True(t, out.Terminated)
	assert.Equal(t, engine.ErrCodeTerminated, errCode(out.Err))
}

func TestProcessRunnerQuit(t *testing.T) {
	out := run(t, testRunner(t, "quit"), &engine.Invocation{})

	assert.True(t, out.Quit)
	assert.Equal(t, "operator stop", out.QuitReason)
	assert.True(t, out.Result.IsFailed())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProcessRunnerForwardsUnitOutput(t *testing.T) {
	var logs syncBuffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "debug", Format: "json"}, &logs)

	r := testRunner(t, "noise")
	r.logger = logger

	out := run(t, r, &engine.Invocation{})

	assert.True(t, out.Result.IsPassed())
	assert.Equal(t, "ok", out.Data)
	assert.Contains(t, logs.String(), "reading fixture eeprom")
	assert.Contains(t, logs.String(), "fixture warning")
}

func TestProcessRunnerInputsRoundTrip(t *testing.T) {
	out := run(t, testRunner(t, "echo"), &engine.Invocation{
		SystemSetupData: map[string]interface{}{"rack": "A", "slots": []int{1, 2}},
		UUTSetupData:    "SN-9",
	})

	require.True(t, out.Result.IsPassed())
	assert.Equal(t, map[string]interface{}{
		"system": map[string]interface{}{"rack": "A", "slots": []interface{}{float64(1), float64(2)}},
		"uut":    "SN-9",
	}, out.Data)
}

func TestProcessRunnerStepEvents(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	inv := &engine.Invocation{Observer: func(ev engine.StepEvent) {
		mu.Lock()
		defer mu.Unlock()
		state := "start"
		if ev.Finished {
			state = "end"
		}
		seen = append(seen, state+" "+ev.Record.Path)
	}}

	out := run(t, testRunner(t, "steps"), inv)

	require.True(t, out.Result.IsPassed())
	require.Len(t, out.Steps, 1)
	assert.Equal(t, "power", out.Steps[0].Name)
	require.Len(t, out.Steps[0].Children, 1)
	assert.Equal(t, engine.StepPassed, out.Steps[0].Children[0].Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start power", "start power/rails", "end power/rails", "end power"}, seen)
}

func TestProcessRunnerOversizeOutcome(t *testing.T) {
	r := testRunner(t, "oversize", func(c *Config) { c.MaxMessageBytes = 2048 })

	out := run(t, r, &engine.Invocation{})

	assert.True(t, out.Result.IsFailed())
	assert.Equal(t, engine.ErrCodeChannel, errCode(out.Err))
}

func TestProcessRunnerUnserializableInput(t *testing.T) {
	r := testRunner(t, "pass", func(c *Config) { c.Executable = "/nonexistent/unit" })

	out := run(t, r, &engine.Invocation{UUTSetupData: make(chan int)})

	assert.True(t, out.Result.IsFailed())
	assert.Equal(t, engine.ErrCodeChannel, errCode(out.Err))
}

func TestProcessRunnerStartFailure(t *testing.T) {
	r := testRunner(t, "pass", func(c *Config) { c.Executable = "/nonexistent/unit" })

	_, err := r.RunSequence(context.Background(), &engine.Invocation{CycleID: "c"})
	assert.True(t, engine.IsIsolationError(err))
}

func TestProcessRunnerInStation(t *testing.T) {
	station := engine.New(engine.Config{Name: "bench"}, engine.WithRunner(testRunner(t, "pass")))

	require.NoError(t, station.RegisterUUTSetup(func(context.Context, *engine.Inputs) (interface{}, error) {
		return "SN-42", nil
	}))
	require.NoError(t, station.RegisterTestSequence(scenarios["pass"], engine.UUTSetupDataRequest))

	var info *engine.TestResultInfo
	var data interface{}
	require.NoError(t, station.RegisterResultHandler(func(_ context.Context, in *engine.Inputs) (interface{}, error) {
		info = in.TestResultInfo()
		data = in.TestSequenceData()
		return nil, engine.Quit("done")
	}, engine.TestResultInfoRequest, engine.TestSequenceDataRequest))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, station.Run(ctx))

	require.NotNil(t, info)
	assert.True(t, info.Result.IsPassed())
	assert.Equal(t, map[string]interface{}{"serial": "SN-42"}, data)
}

func TestProcessRunnerInStationInterrupted(t *testing.T) {
	station := engine.New(engine.Config{Name: "bench"}, engine.WithRunner(testRunner(t, "hang")))

	var mu sync.Mutex
	var events []string
	record := func(ev string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	require.NoError(t, station.RegisterSystemSetup(func(_ context.Context, in *engine.Inputs) (interface{}, error) {
		return nil, in.ResourceStack().Defer("rack", func() { record("system-release") })
	}, engine.SystemResourceStackRequest))
	require.NoError(t, station.RegisterUUTSetup(func(_ context.Context, in *engine.Inputs) (interface{}, error) {
		return nil, in.ResourceStack().Defer("dut", func() { record("uut-release") })
	}, engine.UUTResourceStackRequest))
	require.NoError(t, station.RegisterTestSequence(scenarios["hang"]))
	require.NoError(t, station.RegisterResultHandler(func(context.Context, *engine.Inputs) (interface{}, error) {
		record("handler")
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(500*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- station.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("station did not terminate after interrupt")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"uut-release", "system-release"}, events)
	assert.Equal(t, engine.StateTerminated, station.State())
	assert.Empty(t, station.QuitReason())
}
