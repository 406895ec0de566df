package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMaxMessageBytes bounds a single encoded message.
const DefaultMaxMessageBytes = 10 * 1024 * 1024 // 10 MB

// ErrMessageTooLarge is returned for a message that exceeds the size bound.
var ErrMessageTooLarge = errors.New("protocol message exceeds size limit")

// Encoder writes protocol messages to an io.Writer. It is safe for concurrent use.
type Encoder struct {
	mu       sync.Mutex
	w        *bufio.Writer
	maxBytes int
}

// NewEncoder creates a new protocol encoder. maxBytes <= 0 selects DefaultMaxMessageBytes.
func NewEncoder(w io.Writer, maxBytes int) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Encoder{
		w:        bufio.NewWriter(w),
		maxBytes: maxBytes,
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msgBytes, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(msgBytes) >= e.maxBytes {
		return fmt.Errorf("%w: %s message is %d bytes, limit %d", ErrMessageTooLarge, msgType, len(msgBytes), e.maxBytes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeInvoke sends an INVOKE message.
func (e *Encoder) EncodeInvoke(invoke *InvokeMessage) error {
	if err := invoke.Validate(); err != nil {
		return fmt.Errorf("invalid invoke: %w", err)
	}
	return e.Encode(MessageTypeInvoke, invoke)
}

// EncodeEvent sends an EVENT message.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone sends a DONE message.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	if err := done.Validate(); err != nil {
		return fmt.Errorf("invalid done: %w", err)
	}
	return e.Encode(MessageTypeDone, done)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(err *ErrorMessage) error {
	return e.Encode(MessageTypeError, err)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder. maxBytes <= 0 selects DefaultMaxMessageBytes.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	scanner := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > maxBytes {
		initial = maxBytes
	}
	scanner.Buffer(make([]byte, initial), maxBytes)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next message from the input stream. It returns io.EOF
// once the stream is closed.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, ErrMessageTooLarge
			}
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// DecodeInvoke reads the next message and requires it to be an INVOKE.
func (d *Decoder) DecodeInvoke() (*InvokeMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeInvoke {
		return nil, fmt.Errorf("expected INVOKE message, got %s", msg.Type)
	}

	var invoke InvokeMessage
	if err := ParseData(msg.Data, &invoke); err != nil {
		return nil, err
	}
	if err := invoke.Validate(); err != nil {
		return nil, fmt.Errorf("invalid invoke: %w", err)
	}
	return &invoke, nil
}

// ParseData parses message data into a specific type.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
