package realtime

import (
	"encoding/json"
	"time"
)

// Reserved client-to-server message types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Message is a realtime frame: {"type": ..., "data": {...}, "timestamp": unix-seconds}.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
	// Raw is the undecoded frame for inbound messages.
	Raw json.RawMessage `json:"-"`
}

func encodeMessage(msgType string, data map[string]any, now time.Time) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(Message{Type: msgType, Data: data, Timestamp: now.Unix()})
}

// decodeMessage parses an inbound frame. ok is false for undecodable frames or frames without a type.
func decodeMessage(raw []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		return Message{}, false
	}
	msg.Raw = append(json.RawMessage(nil), raw...)
	return msg, true
}
