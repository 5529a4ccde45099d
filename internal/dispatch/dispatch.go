// Package dispatch runs the per-session authentication state machine and is
// the single point of access to the shared device.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/device"
	"github.com/devicelink/devicelink/internal/protocol"
	"github.com/devicelink/devicelink/internal/secret"
)

// Peer is the slice of a session the dispatcher needs.
type Peer interface {
	Label() string
	Authenticated() bool
	SetAuthenticated(bool)
}

// Dispatcher maps commands to device calls. Every device access in the
// process, including the host control loop, goes through mu.
type Dispatcher struct {
	mu    sync.Mutex
	dev   device.Device
	pass  *secret.String
	clock *protocol.Clock
	log   *zap.Logger

	minAngle int
	maxAngle int
}

func New(dev device.Device, pass *secret.String, clock *protocol.Clock, minAngle, maxAngle int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		dev:      dev,
		pass:     pass,
		clock:    clock,
		log:      log.Named("dispatch"),
		minAngle: minAngle,
		maxAngle: maxAngle,
	}
}

// Exclusive runs fn with sole access to the device.
func (d *Dispatcher) Exclusive(fn func(device.Device)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.dev)
}

// Snapshot builds a telemetry frame from one consistent device read.
func (d *Dispatcher) Snapshot() protocol.Telemetry {
	d.mu.Lock()
	st := d.dev.Snapshot()
	d.mu.Unlock()
	return protocol.NewTelemetry(st, d.clock.Millis())
}

// Dispatch handles one decoded command for p and returns the single reply:
// a protocol.Response, or a protocol.Telemetry for get_status.
func (d *Dispatcher) Dispatch(p Peer, cmd protocol.Command) any {
	if cmd.Name == protocol.CmdAuth {
		return d.auth(p, cmd)
	}
	if !p.Authenticated() {
		return d.fail(protocol.MsgAuthRequired)
	}

	switch cmd.Name {
	case protocol.CmdSetLED:
		return d.setLED(cmd, "led")
	case protocol.CmdSetActuator:
		field := "index"
		if !cmd.Has(field) {
			field = "led"
		}
		return d.setLED(cmd, field)
	case protocol.CmdSetAll, protocol.CmdSetAllLEDs:
		return d.setAll(cmd)
	case protocol.CmdSetServo:
		return d.setServo(cmd)
	case protocol.CmdGetStatus:
		return d.Snapshot()
	case protocol.CmdPing:
		return d.ok(protocol.MsgPong)
	default:
		return d.fail(protocol.MsgUnknownCommand)
	}
}

func (d *Dispatcher) auth(p Peer, cmd protocol.Command) protocol.Response {
	password, err := cmd.String("password")
	if err != nil || !d.pass.Equal(password) {
		d.log.Info("authentication failed", zap.String("client", p.Label()))
		return d.fail(protocol.MsgInvalidPass)
	}
	if !p.Authenticated() {
		p.SetAuthenticated(true)
		d.log.Info("client authenticated", zap.String("client", p.Label()))
	}
	return d.ok(protocol.MsgAuthenticated)
}

func (d *Dispatcher) setLED(cmd protocol.Command, field string) protocol.Response {
	n, err := cmd.Int(field)
	if err != nil {
		return d.invalid(err)
	}
	on, err := cmd.Bool("state")
	if err != nil {
		return d.invalid(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	count := d.dev.ActuatorCount()
	if n < 1 || n > count {
		return d.fail(fmt.Sprintf("Invalid LED number (1-%d)", count))
	}
	d.dev.SetActuator(n-1, on)
	return d.ok(fmt.Sprintf("LED %d set to %s", n, onOff(on)))
}

func (d *Dispatcher) setAll(cmd protocol.Command) protocol.Response {
	on, err := cmd.Bool("state")
	if err != nil {
		return d.invalid(err)
	}

	d.mu.Lock()
	d.dev.SetAllActuators(on)
	d.mu.Unlock()
	return d.ok("All LEDs set to " + onOff(on))
}

func (d *Dispatcher) setServo(cmd protocol.Command) protocol.Response {
	idx, err := cmd.OptionalInt("servo_index", 0)
	if err != nil {
		return d.invalid(err)
	}
	angle, err := cmd.Int("angle")
	if err != nil {
		return d.invalid(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	count := d.dev.ServoCount()
	if count == 0 {
		return d.fail("No servo available")
	}
	if idx < 0 || idx >= count {
		return d.fail(fmt.Sprintf("Invalid servo index (0-%d)", count-1))
	}
	if angle < d.minAngle || angle > d.maxAngle {
		return d.fail(fmt.Sprintf("Invalid angle (%d-%d)", d.minAngle, d.maxAngle))
	}
	d.dev.SetServoAngle(idx, angle)
	return d.ok(fmt.Sprintf("Servo %d set to %d degrees", idx, angle))
}

func (d *Dispatcher) invalid(err error) protocol.Response {
	var fe *protocol.FieldError
	if errors.As(err, &fe) {
		return d.fail(fmt.Sprintf("Invalid parameter '%s'", fe.Field))
	}
	return d.fail("Invalid parameters")
}

func (d *Dispatcher) ok(msg string) protocol.Response {
	return protocol.Success(msg, d.clock.Millis())
}

func (d *Dispatcher) fail(msg string) protocol.Response {
	return protocol.Error(msg, d.clock.Millis())
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
