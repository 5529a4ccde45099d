package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/config"
	"github.com/devicelink/devicelink/internal/device"
	"github.com/devicelink/devicelink/internal/dispatch"
	"github.com/devicelink/devicelink/internal/mock"
	"github.com/devicelink/devicelink/internal/protocol"
	"github.com/devicelink/devicelink/internal/secret"
)

func defaultTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvPassword, "pw")
	cfg, err := config.LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	return cfg
}

func TestHostOptionsSimulateOnlyWithMockFlag(t *testing.T) {
	cfg := defaultTestConfig(t)
	if cfg.Device.Driver != config.DriverSim {
		t.Fatalf("default driver = %q, want sim", cfg.Device.Driver)
	}

	if hostOptions(cfg, false).SimulateInputs {
		t.Error("default config must not simulate inputs")
	}
	if !hostOptions(cfg, true).SimulateInputs {
		t.Error("-mock should simulate inputs")
	}
}

func TestDefaultHostLoopLeavesClientLEDsAlone(t *testing.T) {
	cfg := defaultTestConfig(t)

	sim := device.NewSimulated(device.DefaultLayout())
	pass := secret.New("pw")
	defer pass.Destroy()
	disp := dispatch.New(sim, pass, protocol.NewClock(), cfg.Device.MinAngle, cfg.Device.MaxAngle, zap.NewNop())
	disp.Exclusive(func(d device.Device) { d.SetActuator(0, true) })

	opts := hostOptions(cfg, false)
	opts.Period = time.Millisecond
	opts.Seed = 7
	ctx, cancel := context.WithCancel(context.Background())
	mock.NewGenerator(disp, opts, zap.NewNop()).Start(ctx)
	time.Sleep(500 * time.Millisecond)
	cancel()

	st := disp.Snapshot()
	if !st.LEDs[0].State {
		t.Error("host loop turned off an LED a client set")
	}
	for i := 1; i < len(st.LEDs); i++ {
		if st.LEDs[i].State {
			t.Errorf("LED %d switched on by the host loop", i+1)
		}
	}
}
