package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Verdict values as stored.
const (
	VerdictPassed = "passed"
	VerdictFailed = "failed"
	VerdictCustom = "custom"
)

// CycleRecord is the stored result of one test iteration.
type CycleRecord struct {
	ID         string        `json:"id"`
	Station    string        `json:"station"`
	Verdict    string        `json:"verdict"`
	Reason     string        `json:"reason,omitempty"`
	Terminated bool          `json:"terminated,omitempty"`
	UUT        *string       `json:"uut,omitempty"`     // JSON blob
	Data       *string       `json:"data,omitempty"`    // JSON blob
	Payload    *string       `json:"payload,omitempty"` // JSON blob
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`

	// Steps is populated by GetCycle, in depth-first order.
	Steps []*StepRow `json:"steps,omitempty"`
}

// StepRow is one stored test step. Nesting is kept through ParentID.
type StepRow struct {
	ID         string        `json:"id"`
	CycleID    string        `json:"cycle_id"`
	ParentID   *string       `json:"parent_id,omitempty"`
	Position   int           `json:"position"`
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Status     string        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Result     *string       `json:"result,omitempty"` // JSON blob
	Logs       *string       `json:"logs,omitempty"`   // JSON array
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// CycleFilter selects cycles in ListCycles. Nil fields match everything.
type CycleFilter struct {
	Station *string
	Verdict *string
	Since   *time.Time
	Limit   int
	Offset  int
}

// Summary aggregates stored cycles for a station.
type Summary struct {
	Station    string     `json:"station"`
	Total      int        `json:"total"`
	Passed     int        `json:"passed"`
	Failed     int        `json:"failed"`
	Custom     int        `json:"custom"`
	Terminated int        `json:"terminated"`
	First      *time.Time `json:"first,omitempty"`
	Last       *time.Time `json:"last,omitempty"`
}

// Yield is the fraction of cycles that passed.
func (s *Summary) Yield() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total)
}

// CycleStore persists cycle results.
type CycleStore interface {
	RecordCycle(ctx context.Context, rec *CycleRecord) error
	GetCycle(ctx context.Context, id string) (*CycleRecord, error)
	ListCycles(ctx context.Context, filter CycleFilter) ([]*CycleRecord, error)
	Summary(ctx context.Context, station string) (*Summary, error)
	DeleteCyclesBefore(ctx context.Context, before time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
