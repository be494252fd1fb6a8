package realtime

import "encoding/json"

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeJoin      MessageType = "join"
	MessageTypeLeave     MessageType = "leave"
	MessageTypeEmit      MessageType = "emit"
	MessageTypeEvent     MessageType = "event"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeError     MessageType = "error"
	MessageTypeAck       MessageType = "ack"
)

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type   MessageType     `json:"type"`
	Room   string          `json:"room,omitempty"`
	Rooms  []string        `json:"rooms,omitempty"`
	Except []string        `json:"except,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ServerMessage represents a message to the client
type ServerMessage struct {
	Type      MessageType     `json:"type"`
	Namespace string          `json:"namespace,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}
