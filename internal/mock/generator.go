// Package mock is the host control loop. It drives the board between
// protocol commands: potentiometer and button activity on the simulated
// board, an LED sweep on every button press, and servo follow.
package mock

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/device"
)

const (
	DefaultPeriod = 50 * time.Millisecond

	// ServoDeadband is the smallest target change, in degrees, that moves
	// a following servo.
	ServoDeadband = 2

	walkStep    = 100 // max raw ADC change per tick
	pressChance = 100 // one press per this many ticks, on average
	pressTicks  = 3
	sweepTicks  = 2 // ticks per LED during a sweep
	holdTicks   = 4
)

// Exclusive is satisfied by *dispatch.Dispatcher. All device access from the
// loop goes through it.
type Exclusive interface {
	Exclusive(fn func(device.Device))
}

// inputs is implemented by boards whose sensors the loop can drive.
type inputs interface {
	FeedAnalog(raw int)
	SetButton(i int, pressed bool)
}

type Options struct {
	Period              time.Duration
	FollowPotentiometer bool
	// SimulateInputs wanders the potentiometer and presses random buttons.
	// It only has an effect on boards implementing FeedAnalog/SetButton.
	SimulateInputs bool
	MinAngle       int
	MaxAngle       int
	Seed           int64
}

type sweepPhase int

const (
	sweepIdle sweepPhase = iota
	sweepOn
	sweepHold
	sweepOff
)

// Generator runs the loop. Its fields are only touched by the loop
// goroutine (or by a test calling step directly).
type Generator struct {
	dev  Exclusive
	opts Options
	rng  *rand.Rand
	log  *zap.Logger

	raw      int
	pressed  int // button held by the simulator, -1 if none
	pressFor int
	prev     []bool

	phase     sweepPhase
	sweepLED  int
	sweepWait int
}

func NewGenerator(dev Exclusive, opts Options, log *zap.Logger) *Generator {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		dev:     dev,
		opts:    opts,
		rng:     rand.New(rand.NewSource(seed)),
		log:     log.Named("host"),
		raw:     device.AnalogMax / 2,
		pressed: -1,
	}
}

// Start runs the loop in a goroutine until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.Period)
	defer ticker.Stop()

	g.log.Info("host loop started",
		zap.Duration("period", g.opts.Period),
		zap.Bool("simulate_inputs", g.opts.SimulateInputs),
		zap.Bool("follow_potentiometer", g.opts.FollowPotentiometer))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.dev.Exclusive(g.step)
		}
	}
}

func (g *Generator) step(dev device.Device) {
	if in, ok := dev.(inputs); ok && g.opts.SimulateInputs {
		g.simulateInputs(dev, in)
	}
	g.detectPresses(dev)
	g.advanceSweep(dev)
	if g.opts.FollowPotentiometer {
		g.followServo(dev)
	}
}

func (g *Generator) simulateInputs(dev device.Device, in inputs) {
	g.raw = device.Clamp(g.raw+g.rng.Intn(2*walkStep+1)-walkStep, 0, device.AnalogMax)
	in.FeedAnalog(g.raw)

	if g.pressed >= 0 {
		g.pressFor--
		if g.pressFor <= 0 {
			in.SetButton(g.pressed, false)
			g.pressed = -1
		}
		return
	}
	if n := dev.ButtonCount(); n > 0 && g.rng.Intn(pressChance) == 0 {
		g.pressed = g.rng.Intn(n)
		g.pressFor = pressTicks
		in.SetButton(g.pressed, true)
	}
}

// detectPresses starts a sweep on any rising button edge.
func (g *Generator) detectPresses(dev device.Device) {
	n := dev.ButtonCount()
	if len(g.prev) != n {
		g.prev = make([]bool, n)
	}
	for i := 0; i < n; i++ {
		now := dev.ButtonState(i)
		if now && !g.prev[i] {
			g.log.Debug("button pressed", zap.Int("button", i+1))
			if g.phase == sweepIdle {
				g.phase = sweepOn
				g.sweepLED = 0
				g.sweepWait = 0
			}
		}
		g.prev[i] = now
	}
}

// advanceSweep lights the LEDs one by one, holds, then clears them one by
// one, moving at most one LED per sweepTicks.
func (g *Generator) advanceSweep(dev device.Device) {
	if g.phase == sweepIdle {
		return
	}
	if g.sweepWait > 0 {
		g.sweepWait--
		return
	}

	count := dev.ActuatorCount()
	switch g.phase {
	case sweepOn:
		if g.sweepLED < count {
			dev.SetActuator(g.sweepLED, true)
			g.sweepLED++
			g.sweepWait = sweepTicks - 1
			return
		}
		g.phase = sweepHold
		g.sweepWait = holdTicks - 1
	case sweepHold:
		g.phase = sweepOff
		g.sweepLED = 0
		g.advanceSweep(dev)
	case sweepOff:
		if g.sweepLED < count {
			dev.SetActuator(g.sweepLED, false)
			g.sweepLED++
			g.sweepWait = sweepTicks - 1
			return
		}
		g.phase = sweepIdle
	}
}

func (g *Generator) followServo(dev device.Device) {
	if dev.ServoCount() == 0 {
		return
	}
	target := device.MapRange(dev.SensorRaw(), 0, device.AnalogMax, g.opts.MinAngle, g.opts.MaxAngle)
	diff := target - dev.ServoAngle(0)
	if diff < 0 {
		diff = -diff
	}
	if diff > ServoDeadband {
		dev.SetServoAngle(0, target)
	}
}
