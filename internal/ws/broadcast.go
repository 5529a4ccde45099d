package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/session"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

// ErrTooManyConnections is returned by AddClient when the observer limit is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

// SessionSource lists protocol slots; *session.Table satisfies it.
type SessionSource interface {
	Infos(now time.Time) []session.Info
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func newClient(conn *websocket.Conn, b *Broadcaster) *client {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, clientSendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans telemetry frames and slot events out to observer
// websocket clients. It implements server.TelemetrySink and
// server.SessionObserver; neither path blocks on a slow client.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	sessions SessionSource
	privacy  *session.PrivacyFilter
	log      *zap.Logger

	seqMu sync.Mutex
	seq   uint64
}

// NewBroadcaster limits observers to maxConns; zero means unlimited.
func NewBroadcaster(sessions SessionSource, privacy *session.PrivacyFilter, maxConns int, log *zap.Logger) *Broadcaster {
	if privacy == nil {
		privacy = &session.PrivacyFilter{}
	}
	return &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		sessions: sessions,
		privacy:  privacy,
		log:      log.Named("observer"),
	}
}

// AddClient registers conn and queues the current slot snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	snapshot, err := b.encode(MsgSnapshot, SnapshotPayload{Sessions: b.FilterSessions(b.sessions.Infos(time.Now()))})
	if err != nil {
		b.log.Error("encode snapshot", zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		return nil, ErrTooManyConnections
	}
	c := newClient(conn, b)
	b.clients[c] = true
	if snapshot != nil {
		c.send <- snapshot
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// FilterSessions applies the privacy filter to a slot listing.
func (b *Broadcaster) FilterSessions(infos []session.Info) []session.Info {
	if b.privacy.IsNoop() {
		return infos
	}
	return b.privacy.FilterSlice(infos)
}

// PublishTelemetry wraps one protocol telemetry frame for observers.
func (b *Broadcaster) PublishTelemetry(frame []byte) {
	if b.ClientCount() == 0 {
		return
	}
	b.broadcast(MsgTelemetry, TelemetryPayload(bytes.TrimSpace(frame)))
}

// SessionEvent forwards a slot lifecycle change, subject to the privacy
// filter.
func (b *Broadcaster) SessionEvent(ev session.Event) {
	if b.ClientCount() == 0 {
		return
	}
	visible := b.FilterSessions([]session.Info{ev.Session})
	if len(visible) == 0 {
		return
	}
	ev.Session = visible[0]
	b.broadcast(MsgSession, SessionPayload(ev))
}

func (b *Broadcaster) encode(typ MessageType, payload interface{}) ([]byte, error) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seq++
	return json.Marshal(WSMessage{Type: typ, Seq: b.seq, Payload: payload})
}

func (b *Broadcaster) broadcast(typ MessageType, payload interface{}) {
	data, err := b.encode(typ, payload)
	if err != nil {
		b.log.Error("broadcast marshal error", zap.Error(err))
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn("observer too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop disconnects every observer.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
