// Package device describes the hardware surface the protocol core drives:
// a row of LEDs, a row of buttons, one potentiometer and zero or more servos.
package device

import "math"

const (
	// AnalogMax is the full-scale reading of the 12-bit ADC.
	AnalogMax = 4095
	// AnalogRef is the ADC reference voltage.
	AnalogRef = 3.3
	// SmoothingSamples is the size of the moving-average window applied to
	// potentiometer readings.
	SmoothingSamples = 10
)

// Device is the narrow interface the dispatcher and broadcaster call into.
// Implementations are not safe for concurrent use; callers serialize access.
// Out-of-range indexes are ignored by setters and read as zero values.
type Device interface {
	ActuatorCount() int
	ActuatorState(i int) bool
	SetActuator(i int, on bool)
	SetAllActuators(on bool)

	ButtonCount() int
	ButtonState(i int) bool

	SensorRaw() int
	SensorVoltage() float64
	SensorPercent() int

	ServoCount() int
	ServoAngle(i int) int
	SetServoAngle(i, angle int)

	Snapshot() State
}

// Layout sizes a device and bounds its servos.
type Layout struct {
	LEDs     int
	Buttons  int
	Servos   int
	MinAngle int
	MaxAngle int
}

// DefaultLayout matches the reference board: five LEDs, five buttons and a
// single 0-180 degree servo.
func DefaultLayout() Layout {
	return Layout{LEDs: 5, Buttons: 5, Servos: 1, MinAngle: 0, MaxAngle: 180}
}

// Center returns the servo rest position.
func (l Layout) Center() int {
	return (l.MinAngle + l.MaxAngle) / 2
}

type LED struct {
	ID    int  `json:"id"`
	State bool `json:"state"`
}

type Button struct {
	ID      int  `json:"id"`
	Pressed bool `json:"pressed"`
}

type Analog struct {
	Raw     int     `json:"raw"`
	Voltage float64 `json:"voltage"`
	Percent int     `json:"percent"`
}

// Servo IDs are zero-based to match the servo_index command field.
type Servo struct {
	ID    int `json:"id"`
	Angle int `json:"angle"`
}

// State is one consistent read of everything observable on the device.
type State struct {
	LEDs          []LED    `json:"leds"`
	Buttons       []Button `json:"buttons"`
	Potentiometer Analog   `json:"potentiometer"`
	Servos        []Servo  `json:"servos,omitempty"`
}

// Capture reads d through its accessors. LED and button IDs are one-based.
func Capture(d Device) State {
	st := State{
		LEDs:    make([]LED, d.ActuatorCount()),
		Buttons: make([]Button, d.ButtonCount()),
		Potentiometer: Analog{
			Raw:     d.SensorRaw(),
			Voltage: d.SensorVoltage(),
			Percent: d.SensorPercent(),
		},
	}
	for i := range st.LEDs {
		st.LEDs[i] = LED{ID: i + 1, State: d.ActuatorState(i)}
	}
	for i := range st.Buttons {
		st.Buttons[i] = Button{ID: i + 1, Pressed: d.ButtonState(i)}
	}
	if n := d.ServoCount(); n > 0 {
		st.Servos = make([]Servo, n)
		for i := range st.Servos {
			st.Servos[i] = Servo{ID: i, Angle: d.ServoAngle(i)}
		}
	}
	return st
}

// Voltage converts a raw ADC reading to volts, rounded to millivolts.
func Voltage(raw int) float64 {
	v := float64(raw) * AnalogRef / AnalogMax
	return math.Round(v*1000) / 1000
}

// Percent converts a raw ADC reading to 0-100.
func Percent(raw int) int {
	return MapRange(Clamp(raw, 0, AnalogMax), 0, AnalogMax, 0, 100)
}

// MapRange re-maps x from one integer range to another using integer
// arithmetic, truncating toward zero.
func MapRange(x, inMin, inMax, outMin, outMax int) int {
	if inMax == inMin {
		return outMin
	}
	return (x-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}

func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
