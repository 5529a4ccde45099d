package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	EnvHost          = "DEVLINK_HOST"
	EnvPort          = "DEVLINK_PORT"
	EnvMaxClients    = "DEVLINK_MAX_CLIENTS"
	EnvPassword      = "DEVLINK_PASSWORD"
	EnvLogLevel      = "DEVLINK_LOG_LEVEL"
	EnvDeviceDriver  = "DEVLINK_DEVICE_DRIVER"
	EnvSerialPort    = "DEVLINK_SERIAL_PORT"
	EnvMQTTBroker    = "DEVLINK_MQTT_BROKER"
	EnvObserverToken = "DEVLINK_OBSERVER_TOKEN"

	DriverSim    = "sim"
	DriverSerial = "serial"

	MinPortNumber = 1
	MaxPortNumber = 65535
)

type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Device   DeviceConfig   `yaml:"device" toml:"device"`
	Observer ObserverConfig `yaml:"observer" toml:"observer"`
	MQTT     MQTTConfig     `yaml:"mqtt" toml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Host              string        `yaml:"host" toml:"host"`
	Port              int           `yaml:"port" toml:"port"`
	MaxClients        int           `yaml:"max_clients" toml:"max_clients"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval" toml:"broadcast_interval"`
	StatusInterval    time.Duration `yaml:"status_interval" toml:"status_interval"`
	TickInterval      time.Duration `yaml:"tick_interval" toml:"tick_interval"`
	MaxLineBytes      int           `yaml:"max_line_bytes" toml:"max_line_bytes"`
}

type AuthConfig struct {
	Password string `yaml:"password" toml:"password"`
}

type DeviceConfig struct {
	Driver              string       `yaml:"driver" toml:"driver"` // "sim" or "serial"
	LEDs                int          `yaml:"leds" toml:"leds"`
	Buttons             int          `yaml:"buttons" toml:"buttons"`
	Servos              int          `yaml:"servos" toml:"servos"`
	MinAngle            int          `yaml:"min_angle" toml:"min_angle"`
	MaxAngle            int          `yaml:"max_angle" toml:"max_angle"`
	FollowPotentiometer bool         `yaml:"follow_potentiometer" toml:"follow_potentiometer"`
	Serial              SerialConfig `yaml:"serial" toml:"serial"`
}

type SerialConfig struct {
	Port string `yaml:"port" toml:"port"`
	Baud int    `yaml:"baud" toml:"baud"`
}

// ObserverConfig controls the optional HTTP/WebSocket diagnostics feed.
type ObserverConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Host       string `yaml:"host" toml:"host"`
	Port       int    `yaml:"port" toml:"port"`
	MaxClients int    `yaml:"max_clients" toml:"max_clients"`

	// Token guards the observer endpoints. Empty leaves them open, which
	// is only accepted on a loopback host.
	Token          string   `yaml:"token" toml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	// MaskRemotes hashes client hosts in published session info.
	MaskRemotes         bool `yaml:"mask_remotes" toml:"mask_remotes"`
	HideUnauthenticated bool `yaml:"hide_unauthenticated" toml:"hide_unauthenticated"`
}

// MQTTConfig enables the telemetry mirror when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker" toml:"broker"` // e.g. tcp://localhost:1883
	Topic    string `yaml:"topic" toml:"topic"`
	ClientID string `yaml:"client_id" toml:"client_id"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "json" or "console"
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			MaxClients:        5,
			HeartbeatTimeout:  30 * time.Second,
			BroadcastInterval: time.Second,
			StatusInterval:    10 * time.Second,
			TickInterval:      10 * time.Millisecond,
			MaxLineBytes:      1024,
		},
		Device: DeviceConfig{
			Driver:   DriverSim,
			LEDs:     5,
			Buttons:  5,
			Servos:   1,
			MinAngle: 0,
			MaxAngle: 180,
			Serial: SerialConfig{
				Port: "/dev/ttyUSB0",
				Baud: 115200,
			},
		},
		Observer: ObserverConfig{
			Host:       "127.0.0.1",
			Port:       8081,
			MaxClients: 4,
		},
		MQTT: MQTTConfig{
			Topic:    "devicelink/telemetry",
			ClientID: "devicelink",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML or TOML (by extension) config file over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults (plus
// environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg = defaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := envString(EnvHost); v != "" {
		c.Server.Host = v
	}
	if v := envString(EnvPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.Server.Port = n
	}
	if v := envString(EnvMaxClients); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxClients, err)
		}
		c.Server.MaxClients = n
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Auth.Password = v
	}
	if v := envString(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := envString(EnvDeviceDriver); v != "" {
		c.Device.Driver = v
	}
	if v := envString(EnvSerialPort); v != "" {
		c.Device.Serial.Port = v
	}
	if v := envString(EnvMQTTBroker); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv(EnvObserverToken); v != "" {
		c.Observer.Token = v
	}
	return nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.Server.Port < MinPortNumber || c.Server.Port > MaxPortNumber {
		return fmt.Errorf("invalid server.port %d: must be in range %d..%d", c.Server.Port, MinPortNumber, MaxPortNumber)
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("invalid server.max_clients %d: must be >= 1", c.Server.MaxClients)
	}
	if c.Server.HeartbeatTimeout <= 0 {
		return errors.New("invalid server.heartbeat_timeout: must be > 0")
	}
	if c.Server.BroadcastInterval <= 0 {
		return errors.New("invalid server.broadcast_interval: must be > 0")
	}
	if c.Server.StatusInterval <= 0 {
		return errors.New("invalid server.status_interval: must be > 0")
	}
	if c.Server.TickInterval <= 0 {
		return errors.New("invalid server.tick_interval: must be > 0")
	}
	if c.Server.MaxLineBytes < 64 {
		return fmt.Errorf("invalid server.max_line_bytes %d: must be >= 64", c.Server.MaxLineBytes)
	}
	if c.Auth.Password == "" {
		return fmt.Errorf("invalid auth.password: must not be empty (or set %s)", EnvPassword)
	}

	switch c.Device.Driver {
	case DriverSim:
	case DriverSerial:
		if c.Device.Serial.Port == "" {
			return errors.New("invalid device.serial.port: required for the serial driver")
		}
		if c.Device.Serial.Baud <= 0 {
			return errors.New("invalid device.serial.baud: must be > 0")
		}
	default:
		return fmt.Errorf("invalid device.driver %q: must be %q or %q", c.Device.Driver, DriverSim, DriverSerial)
	}
	if c.Device.LEDs < 0 || c.Device.Buttons < 0 || c.Device.Servos < 0 {
		return errors.New("invalid device layout: counts must be >= 0")
	}
	if c.Device.MinAngle < 0 || c.Device.MinAngle >= c.Device.MaxAngle {
		return fmt.Errorf("invalid device angle range %d..%d", c.Device.MinAngle, c.Device.MaxAngle)
	}

	if c.Observer.Enabled {
		if c.Observer.Port < MinPortNumber || c.Observer.Port > MaxPortNumber {
			return fmt.Errorf("invalid observer.port %d: must be in range %d..%d", c.Observer.Port, MinPortNumber, MaxPortNumber)
		}
		if c.Observer.Port == c.Server.Port && c.Observer.Host == c.Server.Host {
			return errors.New("invalid observer.port: must differ from server.port")
		}
		if c.Observer.MaxClients < 1 {
			return fmt.Errorf("invalid observer.max_clients %d: must be >= 1", c.Observer.MaxClients)
		}
		if c.Observer.Token == "" && !isLoopback(c.Observer.Host) {
			return fmt.Errorf("invalid observer.token: required when observer.host %q is not loopback", c.Observer.Host)
		}
	}

	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return errors.New("invalid mqtt.topic: required when mqtt.broker is set")
	}
	return nil
}

// Addr is the protocol listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ObserverAddr is the diagnostics listen address.
func (c *Config) ObserverAddr() string {
	return fmt.Sprintf("%s:%d", c.Observer.Host, c.Observer.Port)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
