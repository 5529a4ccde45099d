package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/device"
	"github.com/devicelink/devicelink/internal/dispatch"
	"github.com/devicelink/devicelink/internal/protocol"
	"github.com/devicelink/devicelink/internal/secret"
	"github.com/devicelink/devicelink/internal/server"
	"github.com/devicelink/devicelink/internal/session"
)

const testPassword = "pw"

func startEndpoint(t *testing.T, capacity int, broadcast time.Duration) string {
	t.Helper()
	log := zap.NewNop()
	clock := protocol.NewClock()
	pass := secret.New(testPassword)
	t.Cleanup(pass.Destroy)

	dev := device.NewSimulated(device.DefaultLayout())
	disp := dispatch.New(dev, pass, clock, 0, 180, log)
	table := session.NewTable(capacity, session.Options{}, log)
	srv := server.New(table, disp, clock, server.Options{
		TickInterval:      2 * time.Millisecond,
		BroadcastInterval: broadcast,
		HeartbeatTimeout:  time.Hour,
	}, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dialAuthed(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Auth(testPassword))
	return c
}

func TestDialReadsGreeting(t *testing.T) {
	addr := startEndpoint(t, 2, time.Hour)

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, protocol.StatusAuthRequired, c.Greeting.Status)
	assert.Equal(t, protocol.MsgGreeting, c.Greeting.Message)
}

func TestDialServerFull(t *testing.T) {
	addr := startEndpoint(t, 1, time.Hour)
	dialAuthed(t, addr)

	_, err := Dial(context.Background(), addr)
	assert.ErrorIs(t, err, ErrServerFull)
}

func TestAuthRefused(t *testing.T) {
	addr := startEndpoint(t, 2, time.Hour)
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	err = c.Auth("nope")
	require.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), protocol.MsgInvalidPass)

	// The session stays open for another attempt.
	require.NoError(t, c.Auth(testPassword))
}

func TestCommands(t *testing.T) {
	addr := startEndpoint(t, 2, time.Hour)
	c := dialAuthed(t, addr)

	resp, err := c.SetLED(3, true)
	require.NoError(t, err)
	assert.Equal(t, "LED 3 set to ON", resp.Message)

	resp, err = c.SetServo(0, 45)
	require.NoError(t, err)
	assert.Equal(t, "Servo 0 set to 45 degrees", resp.Message)

	_, err = c.SetServo(0, 300)
	assert.ErrorIs(t, err, ErrCommand)

	resp, err = c.Ping()
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgPong, resp.Message)

	st, err := c.Status()
	require.NoError(t, err)
	require.Len(t, st.LEDs, 5)
	assert.True(t, st.LEDs[2].State)
	assert.False(t, st.LEDs[0].State)
	require.Len(t, st.Servos, 1)
	assert.Equal(t, 45, st.Servos[0].Angle)

	_, err = c.SetAll(true)
	require.NoError(t, err)
	st, err = c.Status()
	require.NoError(t, err)
	for _, led := range st.LEDs {
		assert.True(t, led.State, "LED %d", led.ID)
	}
}

func TestCallSkipsBroadcastFrames(t *testing.T) {
	addr := startEndpoint(t, 2, 5*time.Millisecond)
	c := dialAuthed(t, addr)

	// Let a few broadcasts queue up ahead of the reply.
	time.Sleep(50 * time.Millisecond)
	resp, err := c.Ping()
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgPong, resp.Message)
}

func TestWatcherReceivesTelemetry(t *testing.T) {
	addr := startEndpoint(t, 2, 10*time.Millisecond)

	var frames atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{Addr: addr, Password: testPassword, PingInterval: 5 * time.Millisecond}
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(protocol.Telemetry) { frames.Add(1) })
	}()

	require.Eventually(t, func() bool { return frames.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcherStopsOnBadPassword(t *testing.T) {
	addr := startEndpoint(t, 2, time.Hour)

	w := &Watcher{Addr: addr, Password: "wrong"}
	err := w.Run(context.Background(), func(protocol.Telemetry) {})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestDecodeReply(t *testing.T) {
	r, err := decodeReply([]byte(`{"type":"status","timestamp":5,"leds":[{"id":1,"state":true}],"buttons":[],"potentiometer":{"raw":1,"voltage":0,"percent":0}}`))
	require.NoError(t, err)
	require.NotNil(t, r.Telemetry)
	assert.Equal(t, int64(5), r.Telemetry.Timestamp)
	assert.True(t, r.Telemetry.LEDs[0].State)

	r, err = decodeReply([]byte(`{"status":"error","message":"Unknown command","timestamp":1}`))
	require.NoError(t, err)
	require.NotNil(t, r.Response)
	assert.Equal(t, protocol.StatusError, r.Response.Status)

	_, err = decodeReply([]byte("not json"))
	assert.Error(t, err)
}
