package agora

// Credentials identify a provisioned account.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
	UserID   string `json:"user_id"`
	Token    string `json:"-"`
	DeviceID string `json:"device_id,omitempty"`
}

// Message is one event carried in a sync response.
type Message struct {
	RoomID  string
	Sender  string
	Content string
}

// SyncSnapshot is the slice of a /sync response the harness inspects.
type SyncSnapshot struct {
	NextBatch string
	Messages  []Message
}

// PresenceEvent is one frame from the presence stream.
type PresenceEvent struct {
	UserID   string `json:"user_id"`
	Presence string `json:"presence"`
}
