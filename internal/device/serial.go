package device

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

const serialQueueSize = 32

// SerialConfig names the port a microcontroller is attached to.
type SerialConfig struct {
	Port string
	Baud int
}

// serialCommand is one line written to the microcontroller.
type serialCommand struct {
	Op    string `json:"op"`
	Index int    `json:"index"`
	State *bool  `json:"state,omitempty"`
	Angle *int   `json:"angle,omitempty"`
}

// serialReport is one sensor line read back from the microcontroller.
type serialReport struct {
	Raw     *int   `json:"raw"`
	Buttons []bool `json:"buttons"`
}

// Serial bridges the Device interface to firmware on the other end of a
// serial line. Actuator state is mirrored locally so reads never touch the
// wire; sensor state is updated by a reader goroutine.
type Serial struct {
	layout Layout
	port   io.ReadWriteCloser
	log    *zap.Logger

	// mu guards the mirror below; the reader goroutine writes sensor fields.
	mu          sync.Mutex
	leds        []bool
	buttons     []bool
	servos      []int
	raw         int
	dropped     int
	writeErrors int

	queue     chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// OpenSerial opens cfg.Port and starts bridging.
func OpenSerial(cfg SerialConfig, layout Layout, log *zap.Logger) (*Serial, error) {
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	return NewSerial(port, layout, log), nil
}

// NewSerial bridges over an already open port.
func NewSerial(port io.ReadWriteCloser, layout Layout, log *zap.Logger) *Serial {
	s := &Serial{
		layout:  layout,
		port:    port,
		log:     log.Named("serial"),
		leds:    make([]bool, layout.LEDs),
		buttons: make([]bool, layout.Buttons),
		servos:  make([]int, layout.Servos),
		queue:   make(chan []byte, serialQueueSize),
		done:    make(chan struct{}),
	}
	for i := range s.servos {
		s.servos[i] = layout.Center()
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	return err
}

func (s *Serial) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case line := <-s.queue:
			if _, err := s.port.Write(line); err != nil {
				s.mu.Lock()
				s.writeErrors++
				s.mu.Unlock()
				s.log.Warn("serial write failed", zap.Error(err))
			}
		}
	}
}

func (s *Serial) readLoop() {
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		var rep serialReport
		if err := json.Unmarshal(scanner.Bytes(), &rep); err != nil {
			s.log.Debug("ignoring serial line", zap.ByteString("line", scanner.Bytes()))
			continue
		}
		s.mu.Lock()
		if rep.Raw != nil {
			s.raw = Clamp(*rep.Raw, 0, AnalogMax)
		}
		for i := 0; i < len(rep.Buttons) && i < len(s.buttons); i++ {
			s.buttons[i] = rep.Buttons[i]
		}
		s.mu.Unlock()
	}
	select {
	case <-s.done:
	default:
		if err := scanner.Err(); err != nil {
			s.log.Warn("serial read stopped", zap.Error(err))
		} else {
			s.log.Warn("serial port closed by peer")
		}
	}
}

// enqueue never blocks the caller; a full queue drops the command.
func (s *Serial) enqueue(cmd serialCommand) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	data = append(data, '\n')
	select {
	case s.queue <- data:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Warn("serial queue full, dropping command", zap.String("op", cmd.Op))
	}
}

// Stats reports commands dropped on a full queue and failed port writes.
func (s *Serial) Stats() (dropped, writeErrors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped, s.writeErrors
}

func (s *Serial) ActuatorCount() int { return len(s.leds) }

func (s *Serial) ActuatorState(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.leds) {
		return false
	}
	return s.leds[i]
}

func (s *Serial) SetActuator(i int, on bool) {
	s.mu.Lock()
	if i < 0 || i >= len(s.leds) {
		s.mu.Unlock()
		return
	}
	s.leds[i] = on
	s.mu.Unlock()
	s.enqueue(serialCommand{Op: "led", Index: i, State: &on})
}

func (s *Serial) SetAllActuators(on bool) {
	for i := range s.leds {
		s.SetActuator(i, on)
	}
}

func (s *Serial) ButtonCount() int { return len(s.buttons) }

func (s *Serial) ButtonState(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.buttons) {
		return false
	}
	return s.buttons[i]
}

func (s *Serial) SensorRaw() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

func (s *Serial) SensorVoltage() float64 { return Voltage(s.SensorRaw()) }

func (s *Serial) SensorPercent() int { return Percent(s.SensorRaw()) }

func (s *Serial) ServoCount() int { return len(s.servos) }

func (s *Serial) ServoAngle(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.servos) {
		return 0
	}
	return s.servos[i]
}

func (s *Serial) SetServoAngle(i, angle int) {
	angle = Clamp(angle, s.layout.MinAngle, s.layout.MaxAngle)
	s.mu.Lock()
	if i < 0 || i >= len(s.servos) {
		s.mu.Unlock()
		return
	}
	s.servos[i] = angle
	s.mu.Unlock()
	s.enqueue(serialCommand{Op: "servo", Index: i, Angle: &angle})
}

func (s *Serial) Snapshot() State { return Capture(s) }
