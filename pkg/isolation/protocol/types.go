// Package protocol defines the newline-delimited JSON protocol spoken between
// a station and its isolation unit.
//
// A session carries exactly one invocation:
//
//	unit    -> station  READY
//	station -> unit     INVOKE
//	unit    -> station  EVENT*   (step progress)
//	unit    -> station  DONE | ERROR
//	unit    -> station  EXIT
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version announced in READY.
const Version = "1.0.0"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the unit is ready to receive its invocation
	MessageTypeReady MessageType = "READY"
	// MessageTypeInvoke carries the inputs of the test sequence
	MessageTypeInvoke MessageType = "INVOKE"
	// MessageTypeEvent reports step progress from the unit
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries the outcome of the test sequence
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the unit could not produce an outcome
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the unit is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Message is the envelope of every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the unit is ready to receive its invocation.
type ReadyMessage struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	PID      int    `json:"pid"`
}

// InvokeMessage carries the resolved inputs of the test sequence.
type InvokeMessage struct {
	CycleID         string          `json:"cycle_id"`
	SystemSetupData json.RawMessage `json:"system_setup_data,omitempty"`
	UUTSetupData    json.RawMessage `json:"uut_setup_data,omitempty"`
}

// EventMessage reports that a step started or finished.
type EventMessage struct {
	CycleID  string `json:"cycle_id"`
	StepID   string `json:"step_id"`
	Step     string `json:"step"`
	Path     string `json:"path,omitempty"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Finished bool   `json:"finished"`
}

// DoneMessage carries the outcome of the test sequence.
type DoneMessage struct {
	CycleID    string          `json:"cycle_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Result     json.RawMessage `json:"result"`
	Steps      json.RawMessage `json:"steps,omitempty"`
	Quit       bool            `json:"quit,omitempty"`
	QuitReason string          `json:"quit_reason,omitempty"`
	Fault      string          `json:"fault,omitempty"`
	FaultCode  string          `json:"fault_code,omitempty"`
	Duration   float64         `json:"duration"` // seconds
}

// ErrorMessage indicates the unit could not produce an outcome.
type ErrorMessage struct {
	CycleID string `json:"cycle_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExitMessage is sent before the unit terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeInvoke, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the invoke message is valid.
func (m *InvokeMessage) Validate() error {
	if m.CycleID == "" {
		return fmt.Errorf("cycle ID is required")
	}
	if len(m.SystemSetupData) > 0 && !json.Valid(m.SystemSetupData) {
		return fmt.Errorf("system setup data is not valid JSON")
	}
	if len(m.UUTSetupData) > 0 && !json.Valid(m.UUTSetupData) {
		return fmt.Errorf("uut setup data is not valid JSON")
	}
	return nil
}

// Validate checks if the event message is valid.
func (m *EventMessage) Validate() error {
	if m.Step == "" {
		return fmt.Errorf("step is required")
	}
	return nil
}

// Validate checks if the done message is valid.
func (m *DoneMessage) Validate() error {
	if m.CycleID == "" {
		return fmt.Errorf("cycle ID is required")
	}
	if len(m.Result) == 0 {
		return fmt.Errorf("result is required")
	}
	return nil
}
