package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/config"
	"github.com/devicelink/devicelink/internal/device"
	"github.com/devicelink/devicelink/internal/dispatch"
	"github.com/devicelink/devicelink/internal/logging"
	"github.com/devicelink/devicelink/internal/mirror"
	"github.com/devicelink/devicelink/internal/mock"
	"github.com/devicelink/devicelink/internal/protocol"
	"github.com/devicelink/devicelink/internal/secret"
	"github.com/devicelink/devicelink/internal/server"
	"github.com/devicelink/devicelink/internal/session"
	"github.com/devicelink/devicelink/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Simulate potentiometer and button activity")
	configPath := flag.String("config", "devicelink.yaml", "Path to config file (.yaml or .toml)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	if err := run(*configPath, *port, *mockMode); err != nil {
		fmt.Fprintf(os.Stderr, "devicelink: %v\n", err)
		os.Exit(1)
	}
}

// hostOptions configures the host control loop. Random input activity only
// runs with -mock; otherwise the simulated board stays still until a client
// drives it.
func hostOptions(cfg *config.Config, mockMode bool) mock.Options {
	return mock.Options{
		FollowPotentiometer: cfg.Device.FollowPotentiometer,
		SimulateInputs:      mockMode,
		MinAngle:            cfg.Device.MinAngle,
		MaxAngle:            cfg.Device.MaxAngle,
	}
}

func run(configPath string, port int, mockMode bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer secret.Purge()

	pass := secret.New(cfg.Auth.Password)
	cfg.Auth.Password = ""
	defer pass.Destroy()

	layout := device.Layout{
		LEDs:     cfg.Device.LEDs,
		Buttons:  cfg.Device.Buttons,
		Servos:   cfg.Device.Servos,
		MinAngle: cfg.Device.MinAngle,
		MaxAngle: cfg.Device.MaxAngle,
	}
	var dev device.Device
	switch cfg.Device.Driver {
	case config.DriverSerial:
		s, err := device.OpenSerial(device.SerialConfig{Port: cfg.Device.Serial.Port, Baud: cfg.Device.Serial.Baud}, layout, log)
		if err != nil {
			return err
		}
		defer s.Close()
		dev = s
		log.Info("using serial device", zap.String("port", cfg.Device.Serial.Port), zap.Int("baud", cfg.Device.Serial.Baud))
	default:
		dev = device.NewSimulated(layout)
		log.Info("using simulated device")
	}

	clock := protocol.NewClock()
	disp := dispatch.New(dev, pass, clock, cfg.Device.MinAngle, cfg.Device.MaxAngle, log)
	table := session.NewTable(cfg.Server.MaxClients, session.Options{MaxLineBytes: cfg.Server.MaxLineBytes}, log)
	srv := server.New(table, disp, clock, server.Options{
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
		BroadcastInterval: cfg.Server.BroadcastInterval,
		StatusInterval:    cfg.Server.StatusInterval,
		TickInterval:      cfg.Server.TickInterval,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := mock.NewGenerator(disp, hostOptions(cfg, mockMode), log)
	gen.Start(ctx)

	if cfg.MQTT.Broker != "" {
		m, err := mirror.Dial(mirror.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, log)
		if err != nil {
			return err
		}
		defer m.Close()
		srv.AddSink(m)
	}

	var wg sync.WaitGroup
	if cfg.Observer.Enabled {
		privacy := &session.PrivacyFilter{
			MaskRemotes:         cfg.Observer.MaskRemotes,
			HideUnauthenticated: cfg.Observer.HideUnauthenticated,
		}
		broadcaster := ws.NewBroadcaster(table, privacy, cfg.Observer.MaxClients, log)
		defer broadcaster.Stop()
		srv.AddSink(broadcaster)
		srv.AddObserver(broadcaster)

		var token *secret.String
		if cfg.Observer.Token != "" {
			token = secret.New(cfg.Observer.Token)
			defer token.Destroy()
		}
		observer := ws.NewServer(table, srv, broadcaster, token, cfg.Observer.AllowedOrigins, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.ListenAndServe(ctx, cfg.ObserverAddr(), observer.Handler(), log); err != nil {
				log.Error("observer stopped", zap.Error(err))
			}
		}()
	}

	err = srv.ListenAndServe(ctx, cfg.Addr())
	stop()
	wg.Wait()
	if err != nil {
		return err
	}
	log.Info("shut down cleanly")
	return nil
}
