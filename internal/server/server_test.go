package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/device"
	"github.com/devicelink/devicelink/internal/dispatch"
	"github.com/devicelink/devicelink/internal/protocol"
	"github.com/devicelink/devicelink/internal/secret"
	"github.com/devicelink/devicelink/internal/session"
)

const testPassword = "esp32_secure_2024"

type harness struct {
	srv  *Server
	disp *dispatch.Dispatcher
	addr string
	stop func() error
}

type harnessConfig struct {
	capacity int
	opts     Options
	maxLine  int
	sinks    []TelemetrySink
	obs      []SessionObserver
}

func startServer(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	if hc.capacity == 0 {
		hc.capacity = 5
	}
	if hc.opts.TickInterval == 0 {
		hc.opts.TickInterval = 2 * time.Millisecond
	}
	if hc.opts.BroadcastInterval == 0 {
		hc.opts.BroadcastInterval = time.Hour
	}
	if hc.opts.HeartbeatTimeout == 0 {
		hc.opts.HeartbeatTimeout = time.Hour
	}

	log := zap.NewNop()
	clock := protocol.NewClock()
	pass := secret.New(testPassword)
	t.Cleanup(pass.Destroy)

	dev := device.NewSimulated(device.DefaultLayout())
	disp := dispatch.New(dev, pass, clock, 0, 180, log)
	table := session.NewTable(hc.capacity, session.Options{MaxLineBytes: hc.maxLine}, log)
	srv := New(table, disp, clock, hc.opts, log)
	for _, sink := range hc.sinks {
		srv.AddSink(sink)
	}
	for _, o := range hc.obs {
		srv.AddObserver(o)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var once sync.Once
	var serveErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case serveErr = <-done:
			case <-time.After(5 * time.Second):
				serveErr = errors.New("Serve did not return")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { stop() })

	return &harness{srv: srv, disp: disp, addr: ln.Addr().String(), stop: stop}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *harness) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// dialAdmitted connects and consumes the greeting.
func (h *harness) dialAdmitted(t *testing.T) *testClient {
	t.Helper()
	c := h.dial(t)
	greet := c.read()
	require.Equal(t, "auth_required", greet["status"], "greeting: %v", greet)
	return c
}

func (h *harness) dialAuthenticated(t *testing.T) *testClient {
	t.Helper()
	c := h.dialAdmitted(t)
	resp := c.roundTrip(`{"command":"auth","password":"` + testPassword + `"}`)
	require.Equal(t, "success", resp["status"])
	require.Equal(t, "Authenticated", resp["message"])
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readWithin(d time.Duration) (map[string]any, error) {
	c.conn.SetReadDeadline(time.Now().Add(d))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *testClient) read() map[string]any {
	c.t.Helper()
	m, err := c.readWithin(2 * time.Second)
	require.NoError(c.t, err)
	return m
}

// readReply skips telemetry frames.
func (c *testClient) readReply() map[string]any {
	c.t.Helper()
	for {
		m := c.read()
		if _, isFrame := m["type"]; isFrame {
			continue
		}
		return m
	}
}

func (c *testClient) roundTrip(line string) map[string]any {
	c.t.Helper()
	c.send(line)
	return c.readReply()
}

func (c *testClient) expectClosed(within time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(within))
	for {
		_, err := c.r.ReadBytes('\n')
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatal("connection still open")
		}
		return
	}
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	m, err := c.readWithin(d)
	if err == nil {
		c.t.Fatalf("expected no traffic, got %v", m)
	}
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "expected a read timeout, got %v", err)
}

func TestGreetingOnAdmission(t *testing.T) {
	h := startServer(t, harnessConfig{})
	c := h.dial(t)

	greet := c.read()
	assert.Equal(t, "auth_required", greet["status"])
	assert.Equal(t, `Send authentication: {"command":"auth","password":"your_password"}`, greet["message"])
	assert.Contains(t, greet, "timestamp")
}

func TestUnauthenticatedCommandsRejected(t *testing.T) {
	h := startServer(t, harnessConfig{})
	c := h.dialAdmitted(t)

	for _, line := range []string{
		`{"command":"set_led","led":1,"state":true}`,
		`{"command":"set_all","state":true}`,
		`{"command":"set_servo","angle":10}`,
		`{"command":"get_status"}`,
	} {
		resp := c.roundTrip(line)
		assert.Equal(t, "error", resp["status"], line)
		assert.Equal(t, "Authentication required", resp["message"], line)
	}

	st := h.disp.Snapshot()
	for _, led := range st.LEDs {
		assert.False(t, led.State, "LED %d changed by an unauthenticated session", led.ID)
	}
	assert.Equal(t, 90, st.Servos[0].Angle)
}

func TestWrongPasswordAllowsRetry(t *testing.T) {
	h := startServer(t, harnessConfig{})
	c := h.dialAdmitted(t)

	resp := c.roundTrip(`{"command":"auth","password":"wrong"}`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Invalid password", resp["message"])

	resp = c.roundTrip(`{"command":"auth","password":"` + testPassword + `"}`)
	assert.Equal(t, "Authenticated", resp["message"])

	resp = c.roundTrip(`{"command":"ping"}`)
	assert.Equal(t, "pong", resp["message"])
}

func TestSetLEDThenGetStatus(t *testing.T) {
	h := startServer(t, harnessConfig{})
	c := h.dialAuthenticated(t)

	resp := c.roundTrip(`{"command":"set_led","led":1,"state":true}`)
	require.Equal(t, "success", resp["status"])
	assert.Equal(t, "LED 1 set to ON", resp["message"])

	c.send(`{"command":"get_status"}`)
	status := c.read()
	require.Equal(t, "status", status["type"])
	leds := status["leds"].([]any)
	require.Len(t, leds, 5)
	first := leds[0].(map[string]any)
	assert.EqualValues(t, 1, first["id"])
	assert.Equal(t, true, first["state"])
	assert.Contains(t, status, "potentiometer")
	assert.Contains(t, status, "buttons")
}

func TestServoOutOfRange(t *testing.T) {
	h := startServer(t, harnessConfig{})
	c := h.dialAuthenticated(t)

	before := h.disp.Snapshot().Servos[0].Angle
	resp := c.roundTrip(`{"command":"set_servo","angle":200}`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Invalid angle (0-180)", resp["message"])
	assert.Equal(t, before, h.disp.Snapshot().Servos[0].Angle)
}

func TestMalformedLine(t *testing.T) {
	h := startServer(t, harnessConfig{})
	c := h.dialAdmitted(t)

	resp := c.roundTrip(`not json`)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Invalid JSON", resp["message"])

	resp = c.roundTrip(`{"password":"` + testPassword + `"}`)
	assert.Equal(t, "Invalid JSON", resp["message"], "a line without command is malformed")

	// Still unauthenticated.
	resp = c.roundTrip(`{"command":"ping"}`)
	assert.Equal(t, "Authentication required", resp["message"])
}

func TestBlankLinesAreHeartbeatsOnly(t *testing.T) {
	h := startServer(t, harnessConfig{})
	c := h.dialAdmitted(t)

	c.send("")
	c.send("   ")
	c.expectSilence(100 * time.Millisecond)

	resp := c.roundTrip(`{"command":"auth","password":"` + testPassword + `"}`)
	assert.Equal(t, "Authenticated", resp["message"])
}

func TestCapacityExceeded(t *testing.T) {
	h := startServer(t, harnessConfig{capacity: 2})
	h.dialAdmitted(t)
	h.dialAdmitted(t)

	c := h.dial(t)
	resp := c.read()
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Server full", resp["message"])
	c.expectClosed(2 * time.Second)

	assert.Equal(t, 2, h.srv.Table().Len())
	assert.EqualValues(t, 1, h.srv.Diagnostics().Rejections)
}

func TestIdleSessionEvictedAndSlotReused(t *testing.T) {
	h := startServer(t, harnessConfig{
		capacity: 1,
		opts: Options{
			HeartbeatTimeout:  150 * time.Millisecond,
			BroadcastInterval: 20 * time.Millisecond,
		},
	})

	idle := h.dialAdmitted(t)
	idle.expectClosed(2 * time.Second)

	require.Eventually(t, func() bool { return h.srv.Table().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The slot is free again.
	next := h.dialAdmitted(t)
	next.send(`{"command":"auth","password":"` + testPassword + `"}`)
	assert.Equal(t, "Authenticated", next.readReply()["message"])
	assert.GreaterOrEqual(t, h.srv.Diagnostics().Evictions, uint64(1))
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	h := startServer(t, harnessConfig{
		opts: Options{
			HeartbeatTimeout:  200 * time.Millisecond,
			BroadcastInterval: 20 * time.Millisecond,
		},
	})
	c := h.dialAdmitted(t)

	for i := 0; i < 10; i++ {
		c.send("")
		time.Sleep(50 * time.Millisecond)
	}
	resp := c.roundTrip(`{"command":"ping"}`)
	assert.Equal(t, "Authentication required", resp["message"], "session should still be open")
}

func TestDisconnectedSessionFreed(t *testing.T) {
	h := startServer(t, harnessConfig{
		opts: Options{BroadcastInterval: 20 * time.Millisecond},
	})
	c := h.dialAdmitted(t)
	require.Eventually(t, func() bool { return h.srv.Table().Len() == 1 }, time.Second, 5*time.Millisecond)

	c.conn.Close()
	require.Eventually(t, func() bool { return h.srv.Table().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHalfClosedClientGetsEveryReply(t *testing.T) {
	h := startServer(t, harnessConfig{
		opts: Options{BroadcastInterval: 20 * time.Millisecond},
	})
	c := h.dialAdmitted(t)

	c.send(`{"command":"auth","password":"wrong"}`)
	c.send(`{"command":"ping"}`)
	require.NoError(t, c.conn.(*net.TCPConn).CloseWrite())

	first := c.read()
	assert.Equal(t, "Invalid password", first["message"])
	second := c.read()
	assert.Equal(t, "Authentication required", second["message"])

	c.expectClosed(2 * time.Second)
	require.Eventually(t, func() bool { return h.srv.Table().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCRLFLineAtLimitAccepted(t *testing.T) {
	h := startServer(t, harnessConfig{maxLine: 64})
	c := h.dialAdmitted(t)

	line := `{"command":"ping"}`
	line += strings.Repeat(" ", 64-len(line))
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "Authentication required", c.read()["message"])
}

func TestOverlongLineClosesSession(t *testing.T) {
	h := startServer(t, harnessConfig{
		maxLine: 128,
		opts:    Options{BroadcastInterval: 20 * time.Millisecond},
	})
	c := h.dialAdmitted(t)

	c.conn.Write([]byte(`{"command":"auth","password":"` + strings.Repeat("a", 500) + "\"}\n"))
	c.expectClosed(2 * time.Second)
	require.Eventually(t, func() bool { return h.srv.Table().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionsReceiveOnlyTheirOwnReplies(t *testing.T) {
	h := startServer(t, harnessConfig{})
	a := h.dialAuthenticated(t)
	b := h.dialAuthenticated(t)

	// Queue everything before reading so both sessions are serviced in the
	// same loop passes.
	for i := 0; i < 3; i++ {
		a.send(`{"command":"ping"}`)
	}
	b.send(`{"command":"set_led","led":2,"state":true}`)
	b.send(`{"command":"set_led","led":9,"state":true}`)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "pong", a.readReply()["message"])
	}
	assert.Equal(t, "LED 2 set to ON", b.readReply()["message"])
	assert.Equal(t, "Invalid LED number (1-5)", b.readReply()["message"])

	a.expectSilence(100 * time.Millisecond)
	b.expectSilence(100 * time.Millisecond)
}

func TestBroadcastOnlyToAuthenticated(t *testing.T) {
	h := startServer(t, harnessConfig{
		opts: Options{BroadcastInterval: 30 * time.Millisecond},
	})
	authed := h.dialAuthenticated(t)
	unauthed := h.dialAdmitted(t)

	frames := 0
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		m, err := authed.readWithin(time.Until(deadline))
		if err != nil {
			break
		}
		if m["type"] == "status" {
			frames++
		}
	}
	assert.GreaterOrEqual(t, frames, 2, "authenticated session should receive periodic telemetry")

	unauthed.expectSilence(50 * time.Millisecond)
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingSink) PublishTelemetry(frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recordingObserver) SessionEvent(ev session.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingObserver) types() []session.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestSinksAndObservers(t *testing.T) {
	sink := &recordingSink{}
	obs := &recordingObserver{}
	h := startServer(t, harnessConfig{
		opts:  Options{BroadcastInterval: 20 * time.Millisecond},
		sinks: []TelemetrySink{sink},
		obs:   []SessionObserver{obs},
	})

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"sinks receive frames even with no protocol clients")

	sink.mu.Lock()
	frame := sink.frames[0]
	sink.mu.Unlock()
	assert.True(t, strings.HasSuffix(string(frame), "\n"))
	var tel map[string]any
	require.NoError(t, json.Unmarshal(frame, &tel))
	assert.Equal(t, "status", tel["type"])

	h.dialAuthenticated(t)
	require.NoError(t, h.stop())

	assert.Equal(t, []session.EventType{
		session.EventAdmitted,
		session.EventAuthenticated,
		session.EventClosed,
	}, obs.types())
}

func TestShutdownClosesSessions(t *testing.T) {
	h := startServer(t, harnessConfig{})
	a := h.dialAuthenticated(t)
	b := h.dialAdmitted(t)

	require.NoError(t, h.stop())
	a.expectClosed(2 * time.Second)
	b.expectClosed(2 * time.Second)
	assert.Equal(t, 0, h.srv.Table().Len())

	_, err := net.DialTimeout("tcp", h.addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

type failingListener struct {
	net.Listener
}

func (failingListener) Accept() (net.Conn, error) { return nil, io.ErrUnexpectedEOF }

func TestServeReturnsAcceptError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := zap.NewNop()
	clock := protocol.NewClock()
	disp := dispatch.New(device.NewSimulated(device.DefaultLayout()), secret.New("x"), clock, 0, 180, log)
	srv := New(session.NewTable(1, session.Options{}, log), disp, clock, Options{}, log)

	err = srv.Serve(context.Background(), failingListener{ln})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDiagnostics(t *testing.T) {
	h := startServer(t, harnessConfig{capacity: 3})
	h.dialAuthenticated(t)
	h.dialAdmitted(t)

	d := h.srv.Diagnostics()
	assert.Equal(t, 2, d.Clients)
	assert.Equal(t, 3, d.Capacity)
	assert.Equal(t, 1, d.Authenticated)
	assert.Greater(t, d.Host.Goroutines, 0)
	if _, err := os.Stat("/proc/self"); err == nil {
		assert.Greater(t, d.Host.RSSBytes, uint64(0))
	}
}
