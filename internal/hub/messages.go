package hub

import (
	"encoding/json"
	"time"
)

// Message types on the websocket channel.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeUpdate       = "update"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// ClientMessage is sent by subscribers.
type ClientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// ServerMessage is sent to subscribers.
type ServerMessage struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// HandleMessage applies one inbound message from c and queues the reply. Any message
// counts as heartbeat activity. Malformed messages get an error reply and keep the
// connection open.
func (h *Hub) HandleMessage(c *Client, data []byte) {
	h.Touch(c)

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.send(c, ServerMessage{Type: TypeError, Message: "invalid message: " + err.Error()})
		return
	}

	switch msg.Type {
	case TypePing:
		h.send(c, ServerMessage{Type: TypePong, Timestamp: h.now().UTC()})
	case TypeSubscribe:
		if len(msg.Topics) == 0 {
			h.send(c, ServerMessage{Type: TypeError, Message: "subscribe requires at least one topic"})
			return
		}
		if err := h.Subscribe(c, msg.Topics); err != nil {
			h.send(c, ServerMessage{Type: TypeError, Message: err.Error()})
			return
		}
		h.send(c, ServerMessage{Type: TypeSubscribed, Topics: msg.Topics})
	case TypeUnsubscribe:
		if err := h.Unsubscribe(c, msg.Topics); err != nil {
			h.send(c, ServerMessage{Type: TypeError, Message: err.Error()})
			return
		}
		h.send(c, ServerMessage{Type: TypeUnsubscribed, Topics: msg.Topics})
	default:
		h.send(c, ServerMessage{Type: TypeError, Message: "unknown message type: " + msg.Type})
	}
}
