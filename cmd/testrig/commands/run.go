package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/testrig/testrig/pkg/broadcast"
	"github.com/testrig/testrig/pkg/config"
	"github.com/testrig/testrig/pkg/control"
	"github.com/testrig/testrig/pkg/engine"
	"github.com/testrig/testrig/pkg/isolation"
	"github.com/testrig/testrig/pkg/stores"
	"github.com/testrig/testrig/pkg/telemetry"
)

type runOptions struct {
	cycles    int
	inProcess bool
	quitFile  string
	failRate  float64
	stepDelay time.Duration
}

// runSummary is printed when the station stops.
type runSummary struct {
	Station    string `json:"station"`
	Cycles     int    `json:"cycles"`
	State      string `json:"state"`
	QuitReason string `json:"quit_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo test station",
		Long: `Run a simulated power-supply test station until it is told to quit.

The station quits when the cycle limit is reached, when the quit file
appears, when a quit command arrives over MQTT, or on SIGINT/SIGTERM.
Each test sequence runs in a child process unless the isolation mode is
"inprocess".`,
		Example: `  # Test 10 units with the default configuration
  testrig run --cycles 10

  # Run with a config file and stop by touching a file
  testrig run -c station.yaml --quit-file /tmp/stop

  # 20% of units fail, test sequences run in the station process
  testrig run --fail-rate 0.2 --inprocess`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			return runStation(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().IntVar(&opts.cycles, "cycles", 0, "quit after this many iterations (overrides station.max_cycles)")
	cmd.Flags().BoolVar(&opts.inProcess, "inprocess", false, "run test sequences in the station process")
	cmd.Flags().StringVar(&opts.quitFile, "quit-file", "", "quit when this file appears (overrides control.quit_file)")
	cmd.Flags().Float64Var(&opts.failRate, "fail-rate", 0.1, "fraction of simulated units that fail")
	cmd.Flags().DurationVar(&opts.stepDelay, "step-delay", 100*time.Millisecond, "simulated duration of each measurement")

	return cmd
}

func (o *runOptions) apply(cmd *cobra.Command, cfg *config.StationConfig) {
	if cmd.Flags().Changed("cycles") {
		cfg.Station.MaxCycles = o.cycles
	}
	if o.inProcess {
		cfg.Isolation.Mode = config.IsolationInProcess
	}
	if o.quitFile != "" {
		cfg.Control.QuitFile = o.quitFile
	}
}

func runStation(ctx context.Context, cfg *config.StationConfig, opts *runOptions) error {
	worker := !cfg.InProcess() && isolation.IsWorker()

	telCfg := cfg.ToTelemetryConfig()
	if worker {
		// The unit reports through the station; its own telemetry stays local.
		telCfg.Logging.Output = "stderr"
		telCfg.Tracing.Enabled = false
		telCfg.Metrics.Enabled = false
		telCfg.Events.Enabled = false
	}
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	logger := tel.Logger.WithStation(cfg.Station.Name)

	var runner engine.SequenceRunner
	if cfg.InProcess() {
		runner = engine.NewInProcessRunner(cfg.Isolation.SequenceTimeout.Std(), logger)
	} else {
		icfg := cfg.ToIsolationConfig()
		icfg.Args = os.Args[1:]
		runner = isolation.NewProcessRunner(icfg, logger)
	}

	station := engine.New(cfg.ToEngineConfig(),
		engine.WithRunner(runner),
		engine.WithTelemetry(tel),
		engine.WithLogger(logger),
		engine.WithErrorHandler(func(slot engine.Slot, err error) {
			logger.WithSlot(string(slot)).WithError(err).Warn("Operator attention required")
		}),
	)

	bench := newDemoBench(opts.failRate, opts.stepDelay)
	if err := bench.register(station); err != nil {
		return err
	}
	result := bench.resultHandler()

	if worker {
		if err := station.Register(engine.SlotResultHandler, result); err != nil {
			return err
		}
		return station.Run(ctx)
	}

	if cfg.Store.Enabled {
		store, err := stores.Open(ctx, cfg.ToStoreConfig())
		if err != nil {
			return fmt.Errorf("failed to open result store: %w", err)
		}
		defer store.Close()
		next := result
		result = stores.NewResultRecorder(store, cfg.Station.Name, &next, logger).Procedure()
		logger.WithField("path", cfg.Store.Path).Info("Recording results")
	}
	if err := station.Register(engine.SlotResultHandler, result); err != nil {
		return err
	}

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if cfg.Control.QuitFile != "" {
		watcher, err := control.NewQuitFileWatcher(cfg.Control.QuitFile, station.Quit,
			control.WithDebounce(cfg.Control.Debounce.Std()),
			control.WithRemove(),
			control.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	if cfg.Broadcast.Enabled {
		pub, err := broadcast.Connect(cfg.ToBroadcastConfig(), logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.WithError(err).Warn("Failed to publish offline status")
			}
		}()
		if !cfg.Telemetry.Events.Enabled {
			logger.Warn("Telemetry events are disabled, only status is broadcast")
		}
		pub.Attach(tel.Events)
		if err := pub.ListenQuit(station.Quit); err != nil {
			return fmt.Errorf("failed to subscribe to quit commands: %w", err)
		}
	}

	runErr := station.Run(ctx)
	return printSummary(runSummary{
		Station:    station.Name(),
		Cycles:     station.Cycles(),
		State:      string(station.State()),
		QuitReason: station.QuitReason(),
	}, runErr)
}

func printSummary(sum runSummary, runErr error) error {
	if runErr != nil {
		sum.Error = runErr.Error()
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	} else {
		fmt.Printf("Station %s stopped after %d cycles", sum.Station, sum.Cycles)
		if sum.QuitReason != "" {
			fmt.Printf(" (%s)", sum.QuitReason)
		}
		fmt.Println()
	}
	return runErr
}
