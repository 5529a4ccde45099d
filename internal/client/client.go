// Package client speaks the line protocol from the controlling side. It
// backs devicectl and the end-to-end tests.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/protocol"
)

const (
	DefaultTimeout = 5 * time.Second

	// pingInterval stays under the endpoint's 30s heartbeat timeout.
	pingInterval       = 25 * time.Second
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

var (
	// ErrServerFull is returned by Dial when every slot is taken.
	ErrServerFull = errors.New("server full")
	// ErrAuth is returned when the password is refused.
	ErrAuth = errors.New("authentication failed")
	// ErrCommand wraps an error reply to a command.
	ErrCommand = errors.New("command failed")
)

// Reply is one inbound line: either a Response or a telemetry frame.
type Reply struct {
	Response  *protocol.Response
	Telemetry *protocol.Telemetry
}

type envelope struct {
	Type   string          `json:"type"`
	Status protocol.Status `json:"status"`
}

func decodeReply(line []byte) (Reply, error) {
	var p envelope
	if err := json.Unmarshal(line, &p); err != nil {
		return Reply{}, fmt.Errorf("decode %q: %w", line, err)
	}
	if p.Type == protocol.TypeStatus {
		var t protocol.Telemetry
		if err := json.Unmarshal(line, &t); err != nil {
			return Reply{}, fmt.Errorf("decode telemetry: %w", err)
		}
		return Reply{Telemetry: &t}, nil
	}
	var r protocol.Response
	if err := json.Unmarshal(line, &r); err != nil {
		return Reply{}, fmt.Errorf("decode response: %w", err)
	}
	return Reply{Response: &r}, nil
}

// Client is one protocol session. Calls are serialized.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration

	mu      sync.Mutex // one request in flight
	writeMu sync.Mutex

	// Greeting is the first line the endpoint sent.
	Greeting protocol.Response
}

// Dial connects to addr and reads the greeting. A full endpoint answers
// with an error line and closes; that surfaces as ErrServerFull.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn), timeout: DefaultTimeout}

	reply, err := c.readReply(c.timeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if reply.Response == nil {
		conn.Close()
		return nil, errors.New("read greeting: unexpected telemetry frame")
	}
	c.Greeting = *reply.Response
	if c.Greeting.Status == protocol.StatusError {
		conn.Close()
		if c.Greeting.Message == protocol.MsgServerFull {
			return nil, ErrServerFull
		}
		return nil, fmt.Errorf("%w: %s", ErrCommand, c.Greeting.Message)
	}
	return c, nil
}

// SetTimeout bounds each request round trip.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) write(cmd map[string]any) error {
	line, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readReply reads one line. A zero timeout waits indefinitely.
func (c *Client) readReply(timeout time.Duration) (Reply, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	c.conn.SetReadDeadline(deadline)
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return Reply{}, fmt.Errorf("read: %w", err)
	}
	return decodeReply(line)
}

// Do sends cmd and returns its answer. Broadcast frames arriving first are
// skipped, except for get_status where any frame is a current answer.
func (c *Client) Do(cmd map[string]any) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(cmd); err != nil {
		return Reply{}, err
	}
	wantTelemetry := cmd["command"] == protocol.CmdGetStatus
	deadline := time.Now().Add(c.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Reply{}, fmt.Errorf("no reply to %v within %v", cmd["command"], c.timeout)
		}
		reply, err := c.readReply(remaining)
		if err != nil {
			return Reply{}, err
		}
		if reply.Response != nil || wantTelemetry {
			return reply, nil
		}
	}
}

// Call is Do for commands answered by a Response. Error replies come back
// wrapped in ErrCommand.
func (c *Client) Call(cmd map[string]any) (protocol.Response, error) {
	reply, err := c.Do(cmd)
	if err != nil {
		return protocol.Response{}, err
	}
	if reply.Response == nil {
		return protocol.Response{}, errors.New("unexpected telemetry frame")
	}
	if reply.Response.Status != protocol.StatusSuccess {
		return *reply.Response, fmt.Errorf("%w: %s", ErrCommand, reply.Response.Message)
	}
	return *reply.Response, nil
}

func (c *Client) Auth(password string) error {
	resp, err := c.Call(map[string]any{"command": protocol.CmdAuth, "password": password})
	if errors.Is(err, ErrCommand) {
		return fmt.Errorf("%w: %s", ErrAuth, resp.Message)
	}
	return err
}

// SetLED switches LED n (one-based).
func (c *Client) SetLED(n int, on bool) (protocol.Response, error) {
	return c.Call(map[string]any{"command": protocol.CmdSetLED, "led": n, "state": on})
}

func (c *Client) SetAll(on bool) (protocol.Response, error) {
	return c.Call(map[string]any{"command": protocol.CmdSetAll, "state": on})
}

func (c *Client) SetServo(index, angle int) (protocol.Response, error) {
	return c.Call(map[string]any{"command": protocol.CmdSetServo, "servo_index": index, "angle": angle})
}

func (c *Client) Ping() (protocol.Response, error) {
	return c.Call(map[string]any{"command": protocol.CmdPing})
}

func (c *Client) Status() (protocol.Telemetry, error) {
	reply, err := c.Do(map[string]any{"command": protocol.CmdGetStatus})
	if err != nil {
		return protocol.Telemetry{}, err
	}
	if reply.Telemetry == nil {
		return protocol.Telemetry{}, fmt.Errorf("%w: %s", ErrCommand, reply.Response.Message)
	}
	return *reply.Telemetry, nil
}

// Watcher follows the telemetry stream, reconnecting with backoff.
type Watcher struct {
	Addr     string
	Password string
	Log      *zap.Logger

	// PingInterval overrides the keepalive period, mostly for tests.
	PingInterval time.Duration
	// OnConnect, if set, runs after each successful authentication.
	OnConnect func()
}

// Run calls fn for every telemetry frame until ctx is cancelled. A refused
// password ends the watch; everything else is retried.
func (w *Watcher) Run(ctx context.Context, fn func(protocol.Telemetry)) error {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	delay := reconnectBaseDelay
	for {
		err := w.session(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuth) {
			return err
		}
		if err == nil {
			delay = reconnectBaseDelay
		}
		log.Warn("watch disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

// session runs one connection. It returns nil if the connection was
// established and later dropped, so the caller resets its backoff.
func (w *Watcher) session(ctx context.Context, fn func(protocol.Telemetry)) error {
	c, err := Dial(ctx, w.Addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Auth(w.Password); err != nil {
		return err
	}
	if w.OnConnect != nil {
		w.OnConnect()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	go w.pingLoop(ctx, c)

	for {
		reply, err := c.readReply(0)
		if err != nil {
			return nil
		}
		if reply.Telemetry != nil {
			fn(*reply.Telemetry)
		}
	}
}

func (w *Watcher) pingLoop(ctx context.Context, c *Client) {
	interval := w.PingInterval
	if interval <= 0 {
		interval = pingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(map[string]any{"command": protocol.CmdPing}); err != nil {
				return
			}
		}
	}
}
