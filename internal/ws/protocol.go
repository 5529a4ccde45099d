package ws

import (
	"encoding/json"

	"github.com/devicelink/devicelink/internal/session"
)

type MessageType string

const (
	MsgSnapshot  MessageType = "snapshot"
	MsgTelemetry MessageType = "telemetry"
	MsgSession   MessageType = "session"
)

// WSMessage is one websocket text frame. Seq increases by one per message
// across all clients.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is sent once when an observer connects.
type SnapshotPayload struct {
	Sessions []session.Info `json:"sessions"`
}

// TelemetryPayload is the protocol telemetry frame, passed through verbatim.
type TelemetryPayload = json.RawMessage

type SessionPayload = session.Event
