package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  Version,
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
			},
		},
		{
			name:    "encode invoke message",
			msgType: MessageTypeInvoke,
			data: &InvokeMessage{
				CycleID:      "cycle-1",
				UUTSetupData: json.RawMessage(`{"serial":"SN-001"}`),
			},
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data: &EventMessage{
				CycleID:  "cycle-1",
				StepID:   "step-1",
				Step:     "power/rails",
				Status:   "passed",
				Finished: true,
			},
		},
		{
			name:    "encode exit without data",
			msgType: MessageTypeExit,
		},
		{
			name:    "invalid message type",
			msgType: "INVALID",
			data:    map[string]string{},
			wantErr: true,
		},
		{
			name:    "unserializable data",
			msgType: MessageTypeEvent,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf, 0)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if !strings.HasSuffix(buf.String(), "\n") {
					t.Errorf("message is not newline terminated: %q", buf.String())
				}
				var msg Message
				if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestEncoderValidatesPayloads(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)

	if err := enc.EncodeInvoke(&InvokeMessage{}); err == nil {
		t.Error("EncodeInvoke() accepted an invoke without cycle ID")
	}
	if err := enc.EncodeInvoke(&InvokeMessage{CycleID: "c", UUTSetupData: json.RawMessage(`{bad`)}); err == nil {
		t.Error("EncodeInvoke() accepted invalid JSON input")
	}
	if err := enc.EncodeEvent(&EventMessage{CycleID: "c"}); err == nil {
		t.Error("EncodeEvent() accepted an event without step")
	}
	if err := enc.EncodeDone(&DoneMessage{CycleID: "c"}); err == nil {
		t.Error("EncodeDone() accepted a done message without result")
	}
	if buf.Len() != 0 {
		t.Errorf("rejected messages were written: %q", buf.String())
	}
}

func TestEncoderSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 256)

	err := enc.EncodeDone(&DoneMessage{
		CycleID: "c",
		Result:  json.RawMessage(`{"verdict":"passed"}`),
		Data:    json.RawMessage(`"` + strings.Repeat("x", 512) + `"`),
	})
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("EncodeDone() error = %v, want ErrMessageTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversize message was partially written: %d bytes", buf.Len())
	}

	// The encoder stays usable after rejecting a message.
	if err := enc.EncodeExit(&ExitMessage{Reason: "done"}); err != nil {
		t.Fatalf("EncodeExit() error = %v", err)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2026-01-01T00:00:00Z","data":{"version":"1.0.0","platform":"linux","arch":"amd64","pid":1234}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode done message",
			input:   `{"type":"DONE","timestamp":"2026-01-01T00:00:00Z","data":{"cycle_id":"c","result":{"verdict":"passed"},"duration":0.2}}`,
			msgType: MessageTypeDone,
		},
		{
			name:    "decode error message",
			input:   `{"type":"ERROR","timestamp":"2026-01-01T00:00:00Z","data":{"code":"TERMINATED","message":"interrupted"}}`,
			msgType: MessageTypeError,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input+"\n"), 0)
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""), 0)
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Fatalf("Decode() error = %v, want io.EOF", err)
	}
}

func TestDecoderSizeLimit(t *testing.T) {
	line := `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z","data":{"step":"` + strings.Repeat("s", 1024) + `"}}`
	dec := NewDecoder(strings.NewReader(line+"\n"), 128)
	if _, err := dec.Decode(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Decode() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestDecodeInvoke(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		cycleID string
	}{
		{
			name:    "valid invoke",
			input:   `{"type":"INVOKE","timestamp":"2026-01-01T00:00:00Z","data":{"cycle_id":"c-1","uut_setup_data":"SN-1"}}`,
			cycleID: "c-1",
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z","data":{"step":"x"}}`,
			wantErr: true,
		},
		{
			name:    "missing cycle id",
			input:   `{"type":"INVOKE","timestamp":"2026-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input+"\n"), 0)
			invoke, err := dec.DecodeInvoke()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeInvoke() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && invoke.CycleID != tt.cycleID {
				t.Errorf("CycleID = %q, want %q", invoke.CycleID, tt.cycleID)
			}
		})
	}
}

func TestRoundTripSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)

	if err := enc.EncodeReady(&ReadyMessage{Version: Version, PID: 42}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeEvent(&EventMessage{CycleID: "c", Step: "boot"}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeDone(&DoneMessage{CycleID: "c", Result: json.RawMessage(`{"verdict":"passed"}`)}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeExit(&ExitMessage{Reason: "done"}); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf, 0)
	want := []MessageType{MessageTypeReady, MessageTypeEvent, MessageTypeDone, MessageTypeExit}
	for i, w := range want {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if msg.Type != w {
			t.Errorf("message %d type = %v, want %v", i, msg.Type, w)
		}
	}

	var ready ReadyMessage
	if err := ParseData(json.RawMessage(`{"pid":7}`), &ready); err != nil || ready.PID != 7 {
		t.Errorf("ParseData() = %+v, %v", ready, err)
	}
	if err := ParseData(json.RawMessage(`{bad}`), &ready); err == nil {
		t.Error("ParseData() accepted invalid JSON")
	}
}
