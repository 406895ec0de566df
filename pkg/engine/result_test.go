package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type fixtureReport struct {
	Serial string
	Result TestResult
}

func (r fixtureReport) CarriedResult() TestResult {
	return r.Result
}

func TestEvaluate(t *testing.T) {
	custom := Custom(map[string]int{"bin": 3})

	tests := []struct {
		name    string
		outcome Outcome
		want    TestResult
	}{
		{
			name:    "false is passed",
			outcome: Outcome{Value: false},
			want:    Passed(),
		},
		{
			name:    "nil is passed",
			outcome: Outcome{},
			want:    Passed(),
		},
		{
			name:    "arbitrary value is passed",
			outcome: Outcome{Value: map[string]string{"k": "v"}},
			want:    Passed(),
		},
		{
			name:    "failure signal",
			outcome: Outcome{Err: Fail("voltage out of range")},
			want:    Failed("voltage out of range"),
		},
		{
			name:    "unknown verdict is failed",
			outcome: Outcome{Value: TestResult{Verdict: "maybe"}},
			want:    Failed("invalid verdict: maybe"),
		},
		{
			name:    "wrapped failure signal",
			outcome: Outcome{Err: fmt.Errorf("measure: %w", Fail("no response"))},
			want:    Failed("no response"),
		},
		{
			name:    "fault",
			outcome: Outcome{Err: errors.New("fixture disconnected")},
			want:    Failed("fixture disconnected"),
		},
		{
			name:    "failure signal wins over value",
			outcome: Outcome{Value: Passed(), Err: Fail("late failure")},
			want:    Failed("late failure"),
		},
		{
			name:    "failed result passes through",
			outcome: Outcome{Value: Failed("bad")},
			want:    Failed("bad"),
		},
		{
			name:    "pointer result passes through",
			outcome: Outcome{Value: &custom},
			want:    custom,
		},
		{
			name:    "result carrier passes through",
			outcome: Outcome{Value: fixtureReport{Serial: "SN1", Result: Failed("carrier")}},
			want:    Failed("carrier"),
		},
		{
			name:    "empty verdict is passed",
			outcome: Outcome{Value: TestResult{}},
			want:    Passed(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.outcome)
			if got.Verdict != tt.want.Verdict || got.Reason != tt.want.Reason {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateCustomUnchanged(t *testing.T) {
	payload := map[string]int{"bin": 3}
	got := Evaluate(Outcome{Value: Custom(payload)})
	if !got.IsCustom() {
		t.Fatalf("expected custom verdict, got %s", got.Verdict)
	}
	if p, ok := got.Payload.(map[string]int); !ok || p["bin"] != 3 {
		t.Errorf("payload changed: %#v", got.Payload)
	}
}

func TestEvaluatePanicIsFailed(t *testing.T) {
	got := Evaluate(Outcome{Err: &PanicError{Value: "index out of range"}})
	if !got.IsFailed() {
		t.Fatalf("expected failed, got %s", got)
	}
	if got.Reason != "panic: index out of range" {
		t.Errorf("unexpected reason %q", got.Reason)
	}
}

func TestBindPayload(t *testing.T) {
	type bin struct {
		Bin int `json:"bin"`
	}

	var direct bin
	if err := Custom(bin{Bin: 4}).BindPayload(&direct); err != nil {
		t.Fatalf("BindPayload() error = %v", err)
	}
	if direct.Bin != 4 {
		t.Errorf("direct bind = %d, want 4", direct.Bin)
	}

	var raw bin
	if err := Custom(json.RawMessage(`{"bin":7}`)).BindPayload(&raw); err != nil {
		t.Fatalf("BindPayload() error = %v", err)
	}
	if raw.Bin != 7 {
		t.Errorf("raw bind = %d, want 7", raw.Bin)
	}

	var blob []byte
	if err := Custom([]byte{0x01, 0xff}).BindPayload(&blob); err != nil {
		t.Fatalf("BindPayload() bytes error = %v", err)
	}
	if !bytes.Equal(blob, []byte{0x01, 0xff}) {
		t.Errorf("bytes bind = %v", blob)
	}
}
