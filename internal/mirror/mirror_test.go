package mirror

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type doneToken struct{}

func (doneToken) Wait() bool { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	open         bool
	msgs         []published
	disconnected bool
}

func (f *fakeClient) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func TestPublishTelemetry(t *testing.T) {
	fc := &fakeClient{open: true}
	m := newMirror(fc, "devicelink/telemetry", zap.NewNop())

	m.PublishTelemetry([]byte(`{"type":"status","timestamp":1}` + "\n"))

	if len(fc.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(fc.msgs))
	}
	got := fc.msgs[0]
	if got.topic != "devicelink/telemetry" || got.qos != 0 || got.retained {
		t.Errorf("publish = %+v, want topic devicelink/telemetry qos 0 not retained", got)
	}
	if string(got.payload) != `{"type":"status","timestamp":1}` {
		t.Errorf("payload = %q, want frame without newline", got.payload)
	}
}

func TestPublishDropsWhileDisconnected(t *testing.T) {
	fc := &fakeClient{open: false}
	m := newMirror(fc, "t", zap.NewNop())

	m.PublishTelemetry([]byte("{}\n"))
	m.PublishTelemetry([]byte("{}\n"))
	fc.mu.Lock()
	fc.open = true
	fc.mu.Unlock()
	m.PublishTelemetry([]byte("{}\n"))

	pub, dropped := m.Stats()
	if pub != 1 || dropped != 2 {
		t.Errorf("Stats() = %d published, %d dropped; want 1, 2", pub, dropped)
	}
	if len(fc.msgs) != 1 {
		t.Errorf("client saw %d publishes, want 1", len(fc.msgs))
	}
}

func TestClose(t *testing.T) {
	fc := &fakeClient{open: true}
	newMirror(fc, "t", zap.NewNop()).Close()
	if !fc.disconnected {
		t.Error("Close did not disconnect the client")
	}
}

func TestDialRequiresBroker(t *testing.T) {
	if _, err := Dial(Config{Topic: "t"}, zap.NewNop()); err == nil {
		t.Error("Dial without a broker should fail")
	}
}
