package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrFull is returned by Admit when every slot is occupied.
var ErrFull = errors.New("session table full")

// Options tune the per-session pumps. Zero fields take the defaults.
type Options struct {
	MaxLineBytes int
	SendQueue    int
	InboundQueue int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = DefaultInboundQueue
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Table is a fixed array of slots. A slot is either empty or holds exactly
// one Session; the session's ID is its slot index.
type Table struct {
	mu    sync.Mutex
	slots []*Session
	opts  Options
	log   *zap.Logger
}

func NewTable(capacity int, opts Options, log *zap.Logger) *Table {
	return &Table{
		slots: make([]*Session, capacity),
		opts:  opts.withDefaults(),
		log:   log.Named("session"),
	}
}

// Label is the identity shown for slot id in logs and diagnostics.
func Label(id int) string {
	return fmt.Sprintf("Client_%d", id+1)
}

// Admit places conn in the first empty slot. On ErrFull the table is
// unchanged and the caller still owns conn.
func (t *Table) Admit(conn net.Conn, now time.Time) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s != nil {
			continue
		}
		s = newSession(i, conn, now, t.opts, t.log)
		t.slots[i] = s
		return s, nil
	}
	return nil, ErrFull
}

// Get returns the session in slot id, or nil.
func (t *Table) Get(id int) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

func (t *Table) Touch(id int, now time.Time) {
	if s := t.Get(id); s != nil {
		s.touch(now)
	}
}

// Close closes the session in slot id and frees the slot.
func (t *Table) Close(id int) bool {
	t.mu.Lock()
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		t.mu.Unlock()
		return false
	}
	s := t.slots[id]
	t.slots[id] = nil
	t.mu.Unlock()

	s.Close()
	return true
}

// EvictStale closes every session whose socket is gone, whose peer
// half-closed and has been fully answered, or that has been silent for longer
// than timeout, and returns what it evicted.
func (t *Table) EvictStale(now time.Time, timeout time.Duration) []Event {
	var evicted []Event

	t.mu.Lock()
	for i, s := range t.slots {
		if s == nil {
			continue
		}
		reason := ""
		switch {
		case !s.Connected(), s.finished():
			reason = ReasonDisconnected
		case now.Sub(s.LastActivity()) > timeout:
			reason = ReasonTimeout
		default:
			continue
		}
		t.slots[i] = nil
		evicted = append(evicted, Event{Type: EventClosed, Session: s.Info(now), Reason: reason})
		s.Close()
	}
	t.mu.Unlock()

	return evicted
}

// ForEachLive calls fn for each occupied slot in slot order. fn runs
// without the table lock held, so it may call back into the table.
func (t *Table) ForEachLive(fn func(*Session)) {
	for _, s := range t.live() {
		fn(s)
	}
}

func (t *Table) live() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.slots))
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll closes every session and empties the table.
func (t *Table) CloseAll() int {
	t.mu.Lock()
	closing := make([]*Session, 0, len(t.slots))
	for i, s := range t.slots {
		if s != nil {
			closing = append(closing, s)
			t.slots[i] = nil
		}
	}
	t.mu.Unlock()

	for _, s := range closing {
		s.Close()
	}
	return len(closing)
}

// Len is the number of occupied slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

func (t *Table) Cap() int { return len(t.slots) }

// Infos snapshots every occupied slot for diagnostics.
func (t *Table) Infos(now time.Time) []Info {
	live := t.live()
	out := make([]Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info(now))
	}
	return out
}
