// Package session holds per-connection protocol state and the fixed-capacity
// slot table that owns admission and eviction.
package session

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSendQueue    = 64
	DefaultInboundQueue = 32
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxLineBytes = 1024
)

// Session is one admitted connection. Protocol state (authentication,
// activity) is only changed by the server loop; the socket is serviced by a
// reader and a writer goroutine that never touch protocol state.
type Session struct {
	id     int
	label  string
	remote string
	conn   net.Conn
	log    *zap.Logger

	authenticated atomic.Bool
	connected     atomic.Bool
	readClosed    atomic.Bool
	pending       atomic.Int64 // frames queued or being written

	mu           sync.Mutex
	lastActivity time.Time

	inbound      chan []byte
	send         chan []byte
	writeTimeout time.Duration
	closeOnce    sync.Once
	done         chan struct{}
}

func newSession(id int, conn net.Conn, now time.Time, opts Options, log *zap.Logger) *Session {
	s := &Session{
		id:           id,
		label:        Label(id),
		remote:       conn.RemoteAddr().String(),
		conn:         conn,
		lastActivity: now,
		inbound:      make(chan []byte, opts.InboundQueue),
		send:         make(chan []byte, opts.SendQueue),
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
	s.log = log.With(zap.String("client", s.label), zap.String("remote", s.remote))
	s.connected.Store(true)
	go s.readPump(opts.MaxLineBytes)
	go s.writePump()
	return s
}

func (s *Session) ID() int        { return s.id }
func (s *Session) Label() string  { return s.label }
func (s *Session) Remote() string { return s.remote }

func (s *Session) Authenticated() bool { return s.authenticated.Load() }

func (s *Session) SetAuthenticated(v bool) { s.authenticated.Store(v) }

// Connected reports whether the socket can still carry replies. A peer that
// half-closed its side stays connected until its replies are flushed.
func (s *Session) Connected() bool { return s.connected.Load() }

// ReadClosed reports that the peer will send nothing more.
func (s *Session) ReadClosed() bool { return s.readClosed.Load() }

// finished reports a half-closed session with every line answered and
// every reply written.
func (s *Session) finished() bool {
	return s.readClosed.Load() && len(s.inbound) == 0 && s.pending.Load() == 0
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Drain hands fn every line that was queued when Drain was called. It never
// waits for more.
func (s *Session) Drain(fn func(line []byte)) int {
	n := len(s.inbound)
	for i := 0; i < n; i++ {
		fn(<-s.inbound)
	}
	return n
}

// Send queues one encoded frame. A full queue means the peer is not reading;
// the session is marked dead rather than allowed to stall the caller.
func (s *Session) Send(data []byte) bool {
	if !s.Connected() {
		return false
	}
	s.pending.Add(1)
	select {
	case s.send <- data:
		return true
	default:
		s.pending.Add(-1)
		s.log.Warn("send queue full, dropping client")
		s.connected.Store(false)
		return false
	}
}

// Close shuts the socket down. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		close(s.done)
		s.conn.Close()
	})
}

// Info snapshots the session for diagnostics.
func (s *Session) Info(now time.Time) Info {
	return Info{
		ID:            s.id,
		Label:         s.label,
		Remote:        s.remote,
		Authenticated: s.Authenticated(),
		Connected:     s.Connected(),
		IdleMs:        now.Sub(s.LastActivity()).Milliseconds(),
	}
}

func (s *Session) readPump(maxLine int) {
	defer s.readClosed.Store(true)

	scanner := bufio.NewScanner(s.conn)
	// Room for maxLine bytes plus a CRLF terminator. The scanner drops the CR,
	// so the limit applies to the payload alone.
	scanner.Buffer(make([]byte, 0, min(512, maxLine+2)), maxLine+2)
	for scanner.Scan() {
		if len(scanner.Bytes()) > maxLine {
			s.closeOverlong(maxLine)
			return
		}
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case s.inbound <- line:
		case <-s.done:
			return
		}
	}

	select {
	case <-s.done:
		return
	default:
	}
	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		s.closeOverlong(maxLine)
	case err != nil:
		s.log.Debug("read failed", zap.Error(err))
	default:
		s.log.Debug("peer closed connection")
	}
}

func (s *Session) closeOverlong(maxLine int) {
	s.log.Warn("line exceeds limit, closing", zap.Int("max_line_bytes", maxLine))
	s.Close()
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if s.writeTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			_, err := s.conn.Write(msg)
			s.pending.Add(-1)
			if err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.connected.Store(false)
				return
			}
		}
	}
}
