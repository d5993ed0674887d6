package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	TypeEvent = "event"
	TypeReq   = "req"
	TypeRes   = "res"
)

type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrPayload     `json:"error,omitempty"`
}

type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// DecodeMessage parses one websocket frame. Frames without an op are rejected.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(msg.Op) == "" {
		return Message{}, errors.New("missing op")
	}
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage("{}")
	}
	return msg, nil
}
