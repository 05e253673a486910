package push

import "encoding/json"

// Envelope is the wire frame for the in-app channel. Every message in
// either direction is a JSON object {type, data}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	MsgConnected    = "connected"
	MsgNotification = "notification"
	MsgUnreadCount  = "unread_count"
	MsgHeartbeat    = "heartbeat"
	MsgPong         = "pong"
)

// NewEnvelope marshals v into the data field.
func NewEnvelope(typ string, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Type: typ}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: data}, nil
}

// UnreadPayload is the data half of an unread_count envelope.
type UnreadPayload struct {
	Count int `json:"count"`
}
