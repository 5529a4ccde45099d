// Package protocol implements the line codec: one JSON object per
// newline-terminated line in both directions.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/devicelink/devicelink/internal/device"
)

type Status string

const (
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
	StatusAuthRequired Status = "auth_required"
)

// Command names understood by the dispatcher.
const (
	CmdAuth        = "auth"
	CmdSetLED      = "set_led"
	CmdSetActuator = "set_actuator"
	CmdSetAll      = "set_all"
	CmdSetAllLEDs  = "set_all_leds"
	CmdSetServo    = "set_servo"
	CmdGetStatus   = "get_status"
	CmdPing        = "ping"
)

// Fixed reply texts. Clients match on these, so they are part of the wire
// contract.
const (
	MsgGreeting       = `Send authentication: {"command":"auth","password":"your_password"}`
	MsgServerFull     = "Server full"
	MsgInvalidJSON    = "Invalid JSON"
	MsgAuthRequired   = "Authentication required"
	MsgAuthenticated  = "Authenticated"
	MsgInvalidPass    = "Invalid password"
	MsgUnknownCommand = "Unknown command"
	MsgPong           = "pong"
)

// TypeStatus tags telemetry frames.
const TypeStatus = "status"

var (
	// ErrMalformed reports a line that is not a JSON object carrying a string
	// "command" field.
	ErrMalformed = errors.New("malformed message")
	// ErrInvalidField reports a missing or mistyped command field.
	ErrInvalidField = errors.New("invalid field")
)

// FieldError names the offending field. It matches ErrInvalidField under
// errors.Is.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidField }

// Command is one decoded inbound line.
type Command struct {
	Name   string
	fields map[string]json.RawMessage
}

// Decode parses a single line (without its terminator).
func Decode(line []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &fields); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Command{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	raw, ok := fields["command"]
	if !ok {
		return Command{}, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return Command{}, fmt.Errorf("%w: command is not a string", ErrMalformed)
	}
	return Command{Name: name, fields: fields}, nil
}

func (c Command) Has(field string) bool {
	raw, ok := c.fields[field]
	return ok && !isNull(raw)
}

// Int reads an integral number. Fractional values are rejected.
func (c Command) Int(field string) (int, error) {
	raw, ok := c.fields[field]
	if !ok || isNull(raw) {
		return 0, &FieldError{Field: field, Reason: "missing"}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, &FieldError{Field: field, Reason: "not a number"}
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, &FieldError{Field: field, Reason: "not an integer"}
	}
	return int(f), nil
}

// OptionalInt is Int with a default for an absent field.
func (c Command) OptionalInt(field string, def int) (int, error) {
	if !c.Has(field) {
		return def, nil
	}
	return c.Int(field)
}

func (c Command) Bool(field string) (bool, error) {
	raw, ok := c.fields[field]
	if !ok || isNull(raw) {
		return false, &FieldError{Field: field, Reason: "missing"}
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, &FieldError{Field: field, Reason: "not a boolean"}
	}
	return b, nil
}

func (c Command) String(field string) (string, error) {
	raw, ok := c.fields[field]
	if !ok || isNull(raw) {
		return "", &FieldError{Field: field, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &FieldError{Field: field, Reason: "not a string"}
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Response answers exactly one inbound line.
type Response struct {
	Status    Status `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func Success(msg string, ts int64) Response {
	return Response{Status: StatusSuccess, Message: msg, Timestamp: ts}
}

func Error(msg string, ts int64) Response {
	return Response{Status: StatusError, Message: msg, Timestamp: ts}
}

// Telemetry is a full device snapshot. It is both the periodic broadcast
// frame and the reply to get_status.
type Telemetry struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	device.State
}

func NewTelemetry(st device.State, ts int64) Telemetry {
	return Telemetry{Type: TypeStatus, Timestamp: ts, State: st}
}

// Encode serializes v as one line. encoding/json escapes control characters
// inside strings, so the only newline is the terminator.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return append(data, '\n'), nil
}

// Clock stamps outgoing messages with milliseconds since it was created.
// time.Since reads the monotonic clock, so stamps never go backwards.
type Clock struct {
	start time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Millis() int64 {
	return time.Since(c.start).Milliseconds()
}
