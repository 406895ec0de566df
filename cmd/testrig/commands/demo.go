package commands

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/testrig/testrig/pkg/engine"
)

// demoBench simulates a power-supply test bench so a station can be run
// without hardware.
type demoBench struct {
	failRate float64
	delay    time.Duration
	serials  atomic.Int64
}

// benchInfo is the system setup data of the demo bench.
type benchInfo struct {
	Instrument string    `json:"instrument"`
	OpenedAt   time.Time `json:"opened_at"`
}

// uutInfo is the UUT setup data of the demo bench.
type uutInfo struct {
	Serial  string `json:"serial"`
	Fixture int    `json:"fixture"`
}

// railReading is the value of one rail measurement step.
type railReading struct {
	Nominal float64 `json:"nominal"`
	Volts   float64 `json:"volts"`
}

func newDemoBench(failRate float64, delay time.Duration) *demoBench {
	return &demoBench{failRate: failRate, delay: delay}
}

// register binds every lifecycle slot except the result handler.
func (b *demoBench) register(s *engine.Station) error {
	if err := s.RegisterSystemSetup(b.systemSetup, engine.SystemResourceStackRequest); err != nil {
		return err
	}
	if err := s.RegisterTestBedPreparation(b.prepare, engine.SystemSetupDataRequest); err != nil {
		return err
	}
	if err := s.RegisterUUTSetup(b.uutSetup, engine.UUTResourceStackRequest); err != nil {
		return err
	}
	if err := s.RegisterTestSequence(b.testSequence, engine.SystemSetupDataRequest, engine.UUTSetupDataRequest); err != nil {
		return err
	}
	return s.RegisterUUTRecovery(b.recover, engine.UUTSetupDataRequest, engine.TestResultInfoRequest)
}

// resultHandler logs one line per iteration.
func (b *demoBench) resultHandler() engine.Procedure {
	return engine.Procedure{
		Name:     "demo_result_handler",
		Requests: []engine.Request{engine.UUTSetupDataRequest, engine.TestResultInfoRequest},
		Run: func(_ context.Context, in *engine.Inputs) (interface{}, error) {
			var uut uutInfo
			if err := in.Bind(engine.UUTSetupDataRequest, &uut); err != nil {
				return nil, err
			}
			info := in.TestResultInfo()
			in.Logger().WithFields(map[string]interface{}{
				"serial":   uut.Serial,
				"verdict":  info.Result.Verdict,
				"reason":   info.Result.Reason,
				"duration": info.Duration.String(),
			}).Info("UUT tested")
			return nil, nil
		},
	}
}

func (b *demoBench) systemSetup(_ context.Context, in *engine.Inputs) (interface{}, error) {
	info := benchInfo{Instrument: "sim-psu-01", OpenedAt: time.Now().UTC()}
	err := in.ResourceStack().Defer("instrument "+info.Instrument, func() {
		in.Logger().Info("Instrument closed")
	})
	if err != nil {
		return nil, err
	}
	in.Logger().WithField("instrument", info.Instrument).Info("Instrument opened")
	return info, nil
}

func (b *demoBench) prepare(_ context.Context, in *engine.Inputs) (interface{}, error) {
	var bench benchInfo
	if err := in.Bind(engine.SystemSetupDataRequest, &bench); err != nil {
		return nil, err
	}
	in.Logger().WithField("instrument", bench.Instrument).Debug("Test bed ready")
	return nil, nil
}

func (b *demoBench) uutSetup(_ context.Context, in *engine.Inputs) (interface{}, error) {
	n := b.serials.Add(1)
	uut := uutInfo{Serial: fmt.Sprintf("SN-%06d", n), Fixture: int(n%2) + 1}
	err := in.ResourceStack().Defer(fmt.Sprintf("fixture %d clamp", uut.Fixture), func() {
		in.Logger().WithField("serial", uut.Serial).Debug("Fixture released")
	})
	if err != nil {
		return nil, err
	}
	return uut, nil
}

func (b *demoBench) testSequence(ctx context.Context, in *engine.Inputs) (interface{}, error) {
	var uut uutInfo
	if err := in.Bind(engine.UUTSetupDataRequest, &uut); err != nil {
		return nil, err
	}
	steps := in.Steps()

	_, err := steps.Run(ctx, "power", func(ctx context.Context, step *engine.Step) (interface{}, error) {
		for _, nominal := range []float64{3.3, 5.0, 12.0} {
			_, err := step.Run(ctx, fmt.Sprintf("rail %.1fV", nominal), func(ctx context.Context, step *engine.Step) (interface{}, error) {
				if err := b.wait(ctx); err != nil {
					return nil, err
				}
				reading := railReading{Nominal: nominal, Volts: b.measure(nominal)}
				step.Logger().Debugf("measured %.3fV", reading.Volts)
				if d := reading.Volts - nominal; d > nominal*0.05 || d < -nominal*0.05 {
					return reading, engine.Failf("rail %.1fV out of tolerance: %.3fV", nominal, reading.Volts)
				}
				return reading, nil
			})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	firmware, err := steps.Run(ctx, "firmware", func(ctx context.Context, step *engine.Step) (interface{}, error) {
		if err := b.wait(ctx); err != nil {
			return nil, err
		}
		step.Logger().Info("Flashing image")
		return "2.4.1", nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"serial":   uut.Serial,
		"firmware": firmware,
	}, nil
}

func (b *demoBench) recover(_ context.Context, in *engine.Inputs) (interface{}, error) {
	info := in.TestResultInfo()
	if info != nil && info.Terminated {
		in.Logger().Warn("Test sequence was terminated, power cycling fixture")
	}
	return nil, nil
}

// measure returns a reading around nominal; failRate of readings are out of tolerance.
func (b *demoBench) measure(nominal float64) float64 {
	// Three rails are measured per UUT.
	if rand.Float64() < b.failRate/3 {
		return nominal * 1.2
	}
	return nominal * (1 + (rand.Float64()-0.5)*0.02)
}

func (b *demoBench) wait(ctx context.Context) error {
	if b.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.delay):
		return nil
	}
}
