package session

// Info is a point-in-time copy of one slot, safe to retain and serialize.
type Info struct {
	ID            int    `json:"id"`
	Label         string `json:"label"`
	Remote        string `json:"remote"`
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	IdleMs        int64  `json:"idleMs"`
}
