// Package mirror republishes telemetry frames to an MQTT topic.
package mirror

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// publisher is the subset of mqtt.Client the mirror uses.
type publisher interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Mirror is a server.TelemetrySink. Frames are published at QoS 0 and never
// waited on; while the broker is unreachable they are counted and dropped.
type Mirror struct {
	client publisher
	topic  string
	log    *zap.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Dial connects to cfg.Broker. If the broker is not reachable within the
// connect timeout the mirror is still returned and paho keeps retrying in
// the background.
func Dial(cfg Config, log *zap.Logger) (*Mirror, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker not configured")
	}
	log = log.Named("mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("connected to broker", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("broker connection lost", zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		log.Warn("broker not reachable yet, retrying in background", zap.String("broker", cfg.Broker))
	} else if err := tok.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}

	return newMirror(client, cfg.Topic, log), nil
}

func newMirror(client publisher, topic string, log *zap.Logger) *Mirror {
	return &Mirror{client: client, topic: topic, log: log}
}

func (m *Mirror) PublishTelemetry(frame []byte) {
	if !m.client.IsConnectionOpen() {
		m.dropped.Add(1)
		return
	}
	m.client.Publish(m.topic, 0, false, bytes.TrimSpace(frame))
	m.published.Add(1)
}

// Stats reports frames handed to the client and frames dropped while
// disconnected.
func (m *Mirror) Stats() (published, dropped uint64) {
	return m.published.Load(), m.dropped.Load()
}

func (m *Mirror) Close() {
	m.client.Disconnect(disconnectQuiesceMs)
}
