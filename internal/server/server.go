// Package server runs the protocol loop: admission, inbound dispatch,
// periodic broadcast and eviction, in that order, once per tick.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/dispatch"
	"github.com/devicelink/devicelink/internal/protocol"
	"github.com/devicelink/devicelink/internal/session"
)

const rejectWriteTimeout = time.Second

// SessionObserver is told about slot lifecycle changes. Implementations
// must not block.
type SessionObserver interface {
	SessionEvent(ev session.Event)
}

type Options struct {
	HeartbeatTimeout  time.Duration
	BroadcastInterval time.Duration
	StatusInterval    time.Duration
	TickInterval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = time.Second
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 10 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 10 * time.Millisecond
	}
	return o
}

type Server struct {
	table       *session.Table
	disp        *dispatch.Dispatcher
	clock       *protocol.Clock
	broadcaster *Broadcaster
	opts        Options
	log         *zap.Logger
	observers   []SessionObserver
	host        hostSampler

	lastBroadcast time.Time
	lastStatus    time.Time

	broadcasts atomic.Uint64
	evictions  atomic.Uint64
	rejections atomic.Uint64

	rejectWG sync.WaitGroup
}

func New(table *session.Table, disp *dispatch.Dispatcher, clock *protocol.Clock, opts Options, log *zap.Logger) *Server {
	s := &Server{
		table: table,
		disp:  disp,
		clock: clock,
		opts:  opts.withDefaults(),
		log:   log.Named("server"),
	}
	s.broadcaster = NewBroadcaster(table, disp, log)
	return s
}

// AddSink forwards every telemetry frame to sink. Call before Serve.
func (s *Server) AddSink(sink TelemetrySink) {
	s.broadcaster.AddSink(sink)
}

// AddObserver subscribes o to slot events. Call before Serve.
func (s *Server) AddObserver(o SessionObserver) {
	s.observers = append(s.observers, o)
}

func (s *Server) Table() *session.Table { return s.table }

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the loop until ctx is cancelled or the listener fails. On
// return the listener and every session are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_clients", s.table.Cap()),
		zap.Duration("heartbeat_timeout", s.opts.HeartbeatTimeout),
		zap.Duration("broadcast_interval", s.opts.BroadcastInterval))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conns := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	go s.acceptLoop(ctx, ln, conns, acceptErr)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	now := time.Now()
	s.lastBroadcast = now
	s.lastStatus = now

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ln)
			return nil
		case err := <-acceptErr:
			s.shutdown(ln)
			return fmt.Errorf("accept: %w", err)
		case now := <-ticker.C:
			s.tick(now, conns)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, conns chan<- net.Conn, errc chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			errc <- err
			return
		}
		select {
		case conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// tick runs one loop pass. Each step runs regardless of how the previous
// one went.
func (s *Server) tick(now time.Time, conns <-chan net.Conn) {
	select {
	case conn := <-conns:
		s.admit(conn, now)
	default:
	}

	s.serviceInbound(now)

	if now.Sub(s.lastBroadcast) >= s.opts.BroadcastInterval {
		s.lastBroadcast = now
		s.broadcaster.Broadcast()
		s.broadcasts.Add(1)
		s.evict(now)
	}

	if now.Sub(s.lastStatus) >= s.opts.StatusInterval {
		s.lastStatus = now
		s.logStatus(now)
	}
}

func (s *Server) admit(conn net.Conn, now time.Time) {
	remote := conn.RemoteAddr().String()
	sess, err := s.table.Admit(conn, now)
	if err != nil {
		s.rejections.Add(1)
		s.log.Warn("rejecting connection", zap.String("remote", remote), zap.Error(err))
		rejection, _ := protocol.Encode(protocol.Error(protocol.MsgServerFull, s.clock.Millis()))
		s.rejectWG.Add(1)
		go func() {
			defer s.rejectWG.Done()
			conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
			conn.Write(rejection)
			conn.Close()
		}()
		return
	}

	s.log.Info("client connected",
		zap.String("client", sess.Label()),
		zap.String("remote", remote),
		zap.Int("clients", s.table.Len()))
	greeting, _ := protocol.Encode(protocol.Response{
		Status:    protocol.StatusAuthRequired,
		Message:   protocol.MsgGreeting,
		Timestamp: s.clock.Millis(),
	})
	sess.Send(greeting)
	s.notify(session.Event{Type: session.EventAdmitted, Session: sess.Info(now)})
}

func (s *Server) serviceInbound(now time.Time) {
	s.table.ForEachLive(func(sess *session.Session) {
		sess.Drain(func(line []byte) {
			s.table.Touch(sess.ID(), now)
			if len(bytes.TrimSpace(line)) == 0 {
				return
			}
			s.handleLine(sess, line, now)
		})
	})
}

func (s *Server) handleLine(sess *session.Session, line []byte, now time.Time) {
	wasAuthenticated := sess.Authenticated()

	var reply any
	cmd, err := protocol.Decode(line)
	if err != nil {
		s.log.Debug("malformed line", zap.String("client", sess.Label()), zap.Error(err))
		reply = protocol.Error(protocol.MsgInvalidJSON, s.clock.Millis())
	} else {
		reply = s.disp.Dispatch(sess, cmd)
	}

	data, err := protocol.Encode(reply)
	if err != nil {
		s.log.Error("encode reply", zap.String("client", sess.Label()), zap.Error(err))
		return
	}
	sess.Send(data)

	if !wasAuthenticated && sess.Authenticated() {
		s.notify(session.Event{Type: session.EventAuthenticated, Session: sess.Info(now)})
	}
}

func (s *Server) evict(now time.Time) {
	for _, ev := range s.table.EvictStale(now, s.opts.HeartbeatTimeout) {
		s.evictions.Add(1)
		s.log.Info("client removed",
			zap.String("client", ev.Session.Label),
			zap.String("reason", ev.Reason),
			zap.Int64("idle_ms", ev.Session.IdleMs))
		s.notify(ev)
	}
}

func (s *Server) shutdown(ln net.Listener) {
	ln.Close()
	now := time.Now()
	infos := s.table.Infos(now)
	n := s.table.CloseAll()
	for _, info := range infos {
		s.notify(session.Event{Type: session.EventClosed, Session: info, Reason: session.ReasonShutdown})
	}
	s.rejectWG.Wait()
	s.log.Info("server stopped", zap.Int("closed_sessions", n))
}

func (s *Server) notify(ev session.Event) {
	for _, o := range s.observers {
		o.SessionEvent(ev)
	}
}

// Diagnostics summarizes the loop. It is safe to call from any goroutine.
func (s *Server) Diagnostics() Diagnostics {
	d := Diagnostics{
		Capacity:   s.table.Cap(),
		UptimeMs:   s.clock.Millis(),
		Broadcasts: s.broadcasts.Load(),
		Evictions:  s.evictions.Load(),
		Rejections: s.rejections.Load(),
		Host:       s.host.sample(),
	}
	s.table.ForEachLive(func(sess *session.Session) {
		d.Clients++
		if sess.Authenticated() {
			d.Authenticated++
		}
	})
	return d
}

func (s *Server) logStatus(now time.Time) {
	d := s.Diagnostics()
	s.log.Info("status",
		zap.Int("clients", d.Clients),
		zap.Int("capacity", d.Capacity),
		zap.Int("authenticated", d.Authenticated),
		zap.Uint64("rss_bytes", d.Host.RSSBytes),
		zap.Float64("cpu_percent", d.Host.CPUPercent))
	for _, info := range s.table.Infos(now) {
		s.log.Info("client",
			zap.String("client", info.Label),
			zap.String("remote", info.Remote),
			zap.Bool("authenticated", info.Authenticated),
			zap.Int64("idle_ms", info.IdleMs))
	}
}
