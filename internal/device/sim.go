package device

// Simulated is an in-memory board. The host control loop feeds it analog
// samples and button transitions; the dispatcher drives its outputs.
type Simulated struct {
	layout  Layout
	leds    []bool
	buttons []bool
	servos  []int

	samples   [SmoothingSamples]int
	sampleIdx int
	total     int
}

func NewSimulated(layout Layout) *Simulated {
	s := &Simulated{
		layout:  layout,
		leds:    make([]bool, layout.LEDs),
		buttons: make([]bool, layout.Buttons),
		servos:  make([]int, layout.Servos),
	}
	for i := range s.servos {
		s.servos[i] = layout.Center()
	}
	return s
}

func (s *Simulated) Layout() Layout { return s.layout }

func (s *Simulated) ActuatorCount() int { return len(s.leds) }

func (s *Simulated) ActuatorState(i int) bool {
	if i < 0 || i >= len(s.leds) {
		return false
	}
	return s.leds[i]
}

func (s *Simulated) SetActuator(i int, on bool) {
	if i < 0 || i >= len(s.leds) {
		return
	}
	s.leds[i] = on
}

func (s *Simulated) SetAllActuators(on bool) {
	for i := range s.leds {
		s.leds[i] = on
	}
}

func (s *Simulated) ButtonCount() int { return len(s.buttons) }

func (s *Simulated) ButtonState(i int) bool {
	if i < 0 || i >= len(s.buttons) {
		return false
	}
	return s.buttons[i]
}

// SetButton records a debounced button level.
func (s *Simulated) SetButton(i int, pressed bool) {
	if i < 0 || i >= len(s.buttons) {
		return
	}
	s.buttons[i] = pressed
}

// FeedAnalog pushes one raw ADC sample into the smoothing window.
func (s *Simulated) FeedAnalog(raw int) {
	raw = Clamp(raw, 0, AnalogMax)
	s.total -= s.samples[s.sampleIdx]
	s.samples[s.sampleIdx] = raw
	s.total += raw
	s.sampleIdx = (s.sampleIdx + 1) % SmoothingSamples
}

// SensorRaw returns the smoothed potentiometer reading.
func (s *Simulated) SensorRaw() int { return s.total / SmoothingSamples }

func (s *Simulated) SensorVoltage() float64 { return Voltage(s.SensorRaw()) }

func (s *Simulated) SensorPercent() int { return Percent(s.SensorRaw()) }

func (s *Simulated) ServoCount() int { return len(s.servos) }

func (s *Simulated) ServoAngle(i int) int {
	if i < 0 || i >= len(s.servos) {
		return 0
	}
	return s.servos[i]
}

// SetServoAngle clamps angle to the layout range.
func (s *Simulated) SetServoAngle(i, angle int) {
	if i < 0 || i >= len(s.servos) {
		return
	}
	s.servos[i] = Clamp(angle, s.layout.MinAngle, s.layout.MaxAngle)
}

func (s *Simulated) Snapshot() State { return Capture(s) }
