package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/testrig/testrig/pkg/engine"
	"github.com/testrig/testrig/pkg/telemetry"
)

// FromResultInfo builds the stored form of one iteration.
func FromResultInfo(station string, info *engine.TestResultInfo, uut, data interface{}) (*CycleRecord, error) {
	if info == nil {
		return nil, fmt.Errorf("result info is required")
	}

	rec := &CycleRecord{
		ID:         info.CycleID,
		Station:    station,
		Verdict:    string(info.Result.Verdict),
		Reason:     info.Result.Reason,
		Terminated: info.Terminated,
		StartedAt:  info.StartedAt.UTC(),
		FinishedAt: info.FinishedAt.UTC(),
		Duration:   info.Duration,
	}

	var err error
	if rec.UUT, err = jsonBlob(uut); err != nil {
		return nil, fmt.Errorf("uut setup data: %w", err)
	}
	if rec.Data, err = jsonBlob(data); err != nil {
		return nil, fmt.Errorf("test sequence data: %w", err)
	}
	if rec.Payload, err = jsonBlob(info.Result.Payload); err != nil {
		return nil, fmt.Errorf("result payload: %w", err)
	}

	rec.Steps, err = flattenSteps(nil, info.Steps, nil)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func flattenSteps(parent *string, records []*engine.StepRecord, rows []*StepRow) ([]*StepRow, error) {
	for _, r := range records {
		status := string(r.Status)
		if status == "" {
			status = string(engine.StepErrored)
		}
		row := &StepRow{
			ID:         r.ID,
			ParentID:   parent,
			Name:       r.Name,
			Path:       r.Path,
			Status:     status,
			Reason:     r.Reason,
			StartedAt:  r.StartedAt.UTC(),
			FinishedAt: r.FinishedAt.UTC(),
			Duration:   r.Duration,
		}
		if len(r.Result) > 0 {
			s := string(r.Result)
			row.Result = &s
		}
		if len(r.Logs) > 0 {
			logs, err := jsonBlob(r.Logs)
			if err != nil {
				return nil, fmt.Errorf("step %s logs: %w", r.Path, err)
			}
			row.Logs = logs
		}
		rows = append(rows, row)

		var err error
		id := r.ID
		if rows, err = flattenSteps(&id, r.Children, rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func jsonBlob(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	var b []byte
	switch t := v.(type) {
	case json.RawMessage:
		b = t
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	s := string(b)
	if s == "null" || strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return &s, nil
}

// ResultRecorder stores every iteration outcome from the result handler slot.
type ResultRecorder struct {
	store   CycleStore
	station string
	next    *engine.Procedure
	logger  *telemetry.Logger
}

// NewResultRecorder creates a recorder for station. next, if not nil, runs
// after the cycle has been stored.
func NewResultRecorder(store CycleStore, station string, next *engine.Procedure, logger *telemetry.Logger) *ResultRecorder {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ResultRecorder{
		store:   store,
		station: station,
		next:    next,
		logger:  logger.WithField("component", "recorder"),
	}
}

// Procedure returns the result handler procedure. Its requests are the
// recorder's own plus whatever next asked for.
func (r *ResultRecorder) Procedure() engine.Procedure {
	requests := []engine.Request{
		engine.UUTSetupDataRequest,
		engine.TestSequenceDataRequest,
		engine.TestResultInfoRequest,
	}
	name := "result_recorder"
	if r.next != nil {
		for _, req := range r.next.Requests {
			if !containsRequest(requests, req) {
				requests = append(requests, req)
			}
		}
		if r.next.Name != "" {
			name = r.next.Name
		}
	}
	return engine.Procedure{
		Name:     name,
		Requests: requests,
		Run:      r.run,
	}
}

func (r *ResultRecorder) run(ctx context.Context, in *engine.Inputs) (interface{}, error) {
	rec, err := FromResultInfo(r.station, in.TestResultInfo(), in.UUTSetupData(), in.TestSequenceData())
	if err != nil {
		return nil, fmt.Errorf("failed to build cycle record: %w", err)
	}
	if err := r.store.RecordCycle(ctx, rec); err != nil {
		return nil, err
	}

	r.logger.WithCycleID(rec.ID).WithFields(map[string]interface{}{
		"verdict": rec.Verdict,
		"steps":   len(rec.Steps),
	}).Debug("Cycle recorded")

	if r.next != nil && r.next.Run != nil {
		return r.next.Run(ctx, in)
	}
	return nil, nil
}

func containsRequest(list []engine.Request, req engine.Request) bool {
	for _, r := range list {
		if r == req {
			return true
		}
	}
	return false
}
