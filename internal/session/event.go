package session

// EventType classifies slot lifecycle events.
type EventType int

const (
	EventAdmitted      EventType = iota // slot occupied
	EventAuthenticated                  // UNAUTH -> AUTH
	EventClosed                         // slot freed
)

// Close reasons carried by EventClosed.
const (
	ReasonDisconnected = "disconnected"
	ReasonTimeout      = "heartbeat timeout"
	ReasonShutdown     = "shutdown"
)

var eventNames = map[EventType]string{
	EventAdmitted:      "admitted",
	EventAuthenticated: "authenticated",
	EventClosed:        "closed",
}

func (e EventType) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "unknown"
}

func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Event carries a slot snapshot to observers.
type Event struct {
	Type    EventType `json:"type"`
	Session Info      `json:"session"`
	Reason  string    `json:"reason,omitempty"`
}
