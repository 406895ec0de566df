package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepsNestAndMergeStatus(t *testing.T) {
	rec := NewStepRecorder(nil, nil)
	ctx := context.Background()

	_, err := rec.Run(ctx, "power", func(ctx context.Context, s *Step) (interface{}, error) {
		_, _ = s.Run(ctx, "rail-3v3", func(context.Context, *Step) (interface{}, error) {
			return 3.3, nil
		})
		_, _ = s.Run(ctx, "rail-5v", func(context.Context, *Step) (interface{}, error) {
			return nil, Fail("4.1V")
		}, ContinueOnError())
		return nil, nil
	})
	require.NoError(t, err)

	roots := rec.Records()
	require.Len(t, roots, 1)
	power := roots[0]
	require.Len(t, power.Children, 2)

	assert.Equal(t, StepFailed, power.Status)
	assert.Equal(t, "power/rail-3v3", power.Children[0].Path)
	assert.Equal(t, StepPassed, power.Children[0].Status)
	assert.JSONEq(t, "3.3", string(power.Children[0].Result))
	assert.Equal(t, StepFailed, power.Children[1].Status)
	assert.Equal(t, "4.1V", power.Children[1].Reason)
	assert.False(t, power.Children[1].AbortOnError)
	assert.NotEmpty(t, power.ID)
	assert.Equal(t, StepFailed, rec.Status())
}

func TestStepAbortOnError(t *testing.T) {
	rec := NewStepRecorder(nil, nil)
	ctx := context.Background()

	_, err := rec.Run(ctx, "flash", func(context.Context, *Step) (interface{}, error) {
		return nil, errors.New("programmer not found")
	})
	require.Error(t, err)
	assert.True(t, IsFailure(err))
	assert.Contains(t, err.Error(), "flash errored: programmer not found")

	_, err = rec.Run(ctx, "verify", func(context.Context, *Step) (interface{}, error) {
		return nil, Fail("checksum mismatch")
	})
	res := Evaluate(Outcome{Err: err})
	assert.Equal(t, Failed("checksum mismatch"), res)

	_, err = rec.Run(ctx, "optional", func(context.Context, *Step) (interface{}, error) {
		return Failed("soft"), nil
	}, ContinueOnError())
	assert.NoError(t, err)

	records := rec.Records()
	assert.Equal(t, StepErrored, records[0].Status)
	assert.Equal(t, StepFailed, records[2].Status)
	assert.Equal(t, StepErrored, rec.Status())
}

func TestStepPanicIsErrored(t *testing.T) {
	rec := NewStepRecorder(nil, nil)
	_, err := rec.Run(context.Background(), "boom", func(context.Context, *Step) (interface{}, error) {
		panic("bad fixture")
	}, ContinueOnError())
	assert.NoError(t, err)
	assert.Equal(t, StepErrored, rec.Records()[0].Status)
	assert.Contains(t, rec.Records()[0].Reason, "bad fixture")
}

func TestStepPropagatesQuitAndCancel(t *testing.T) {
	rec := NewStepRecorder(nil, nil)

	_, err := rec.Run(context.Background(), "operator", func(context.Context, *Step) (interface{}, error) {
		return nil, Quit("operator stop")
	}, ContinueOnError())
	assert.True(t, IsQuit(err))

	_, err = rec.Run(context.Background(), "wait", func(context.Context, *Step) (interface{}, error) {
		return nil, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepCapturesLogsAndNotifies(t *testing.T) {
	var events []string
	rec := NewStepRecorder(nil, func(ev StepEvent) {
		state := "start"
		if ev.Finished {
			state = "end:" + string(ev.Record.Status)
		}
		events = append(events, ev.Record.Path+" "+state)
	})

	_, err := rec.Run(context.Background(), "measure", func(ctx context.Context, s *Step) (interface{}, error) {
		s.Logger().Debug("sampling")
		s.Logger().Infof("read %d samples", 16)
		_, err := s.Run(ctx, "inner", func(context.Context, *Step) (interface{}, error) { return nil, nil })
		return nil, err
	})
	require.NoError(t, err)

	logs := rec.Records()[0].Logs
	require.Len(t, logs, 2)
	assert.Equal(t, "debug sampling", logs[0])
	assert.True(t, strings.HasPrefix(logs[1], "info read 16"))

	assert.Equal(t, []string{
		"measure start",
		"measure/inner start",
		"measure/inner end:passed",
		"measure end:passed",
	}, events)
}

func TestMergeStatus(t *testing.T) {
	assert.Equal(t, StepPassed, MergeStatus("", StepPassed))
	assert.Equal(t, StepFailed, MergeStatus(StepPassed, StepFailed))
	assert.Equal(t, StepErrored, MergeStatus(StepErrored, StepFailed))
	assert.Equal(t, StepErrored, MergeStatus(StepFailed, StepErrored))
}
