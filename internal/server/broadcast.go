package server

import (
	"go.uber.org/zap"

	"github.com/devicelink/devicelink/internal/dispatch"
	"github.com/devicelink/devicelink/internal/protocol"
	"github.com/devicelink/devicelink/internal/session"
)

// TelemetrySink receives every encoded telemetry frame after the protocol
// clients have been served. Implementations must not block.
type TelemetrySink interface {
	PublishTelemetry(frame []byte)
}

// Broadcaster sends one snapshot per call to every authenticated, connected
// session and then to the registered sinks. Sessions whose peer half-closed
// only get their outstanding replies.
type Broadcaster struct {
	table *session.Table
	disp  *dispatch.Dispatcher
	sinks []TelemetrySink
	log   *zap.Logger
}

func NewBroadcaster(table *session.Table, disp *dispatch.Dispatcher, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		table: table,
		disp:  disp,
		log:   log.Named("broadcast"),
	}
}

// AddSink registers a sink. Call before the server starts.
func (b *Broadcaster) AddSink(sink TelemetrySink) {
	b.sinks = append(b.sinks, sink)
}

// Broadcast returns how many protocol sessions the frame was queued for.
func (b *Broadcaster) Broadcast() int {
	frame, err := protocol.Encode(b.disp.Snapshot())
	if err != nil {
		b.log.Error("encode telemetry", zap.Error(err))
		return 0
	}

	delivered := 0
	b.table.ForEachLive(func(s *session.Session) {
		if !s.Authenticated() || !s.Connected() || s.ReadClosed() {
			return
		}
		if s.Send(frame) {
			delivered++
		}
	})

	for _, sink := range b.sinks {
		sink.PublishTelemetry(frame)
	}
	return delivered
}
