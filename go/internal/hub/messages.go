package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the discriminator overlays filter on
type MessageType string

const (
	MessageTimerUpdate  MessageType = "timer-update"
	MessageTimerStart   MessageType = "timer-start"
	MessageTimerPause   MessageType = "timer-pause"
	MessageTimerReset   MessageType = "timer-reset"
	MessageTimerAdd     MessageType = "timer-add"
	MessageEventAlert   MessageType = "event-alert"
	MessageChatMessage  MessageType = "chat-message"
	MessageConnected    MessageType = "connected"
	MessageNotification MessageType = "notification"
	MessagePong         MessageType = "pong"
)

// Message is one JSON frame. Data's fields are flattened next to type and
// timestamp so overlays read e.g. {"type":"timer-add","seconds":30,...}.
type Message struct {
	Type      MessageType
	Timestamp time.Time
	Data      any
}

// NewMessage stamps a message with the current time.
func NewMessage(t MessageType, data any) Message {
	return Message{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	if m.Data != nil {
		raw, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", m.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%s data must encode to a JSON object: %w", m.Type, err)
		}
	}

	typ, _ := json.Marshal(m.Type)
	fields["type"] = typ

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp, _ := json.Marshal(ts.UnixMilli())
	fields["timestamp"] = stamp

	return json.Marshal(fields)
}

// clientMessage is what overlays may send us.
type clientMessage struct {
	Type string `json:"type"`
}
