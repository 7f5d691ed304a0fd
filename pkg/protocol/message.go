// Copyright 2024-2026 Aiku AI

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformed is wrapped by decode errors for payloads that are not valid
// channelstream messages.
var ErrMalformed = errors.New("malformed channelstream message")

// Message type names as sent by the server.
const (
	TypeMessage         = "message"
	TypePresence        = "presence"
	TypeUserStateChange = "user_state_change"
	TypeMessageEdit     = "message:edit"
	TypeMessageDelete   = "message:delete"
)

// Presence actions.
const (
	ActionJoined = "joined"
	ActionParted = "parted"
)

// Message is one decoded inbound realtime message.
type Message interface {
	// MessageType returns the wire "type" field.
	MessageType() string
}

// Envelope holds the fields channelstream puts on every channel message.
type Envelope struct {
	UUID      string   `json:"uuid"`
	Type      string   `json:"type"`
	User      string   `json:"user"`
	Channel   string   `json:"channel"`
	Timestamp string   `json:"timestamp"`
	Edited    string   `json:"edited,omitempty"`
	PMUsers   []string `json:"pm_users,omitempty"`
	NoHistory bool     `json:"no_history,omitempty"`
	Catchup   bool     `json:"catchup,omitempty"`

	Message map[string]any `json:"message"`
}

// ChatMessage is a regular "message" posted to a channel.
type ChatMessage struct {
	Envelope
}

// Presence reports a user joining or leaving a channel.
type Presence struct {
	Envelope
	Action string         `json:"-"`
	State  map[string]any `json:"state"`
}

// UserStateChange carries the new public state of a user.
type UserStateChange struct {
	Envelope
	State map[string]any `json:"-"`
}

// MessageEdit replaces the payload of an earlier message.
type MessageEdit struct {
	Envelope
}

// MessageDelete removes an earlier message.
type MessageDelete struct {
	Envelope
}

// Unknown is a message whose type this client does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

// Malformed is a message of a known type that lacks fields required to act
// on it.
type Malformed struct {
	Type   string
	Reason string
	Raw    json.RawMessage
}

func (ChatMessage) MessageType() string     { return TypeMessage }
func (Presence) MessageType() string        { return TypePresence }
func (UserStateChange) MessageType() string { return TypeUserStateChange }
func (MessageEdit) MessageType() string     { return TypeMessageEdit }
func (MessageDelete) MessageType() string   { return TypeMessageDelete }
func (u Unknown) MessageType() string       { return u.Type }
func (m Malformed) MessageType() string     { return m.Type }

// required lists the fields each known type must carry.
var required = map[string][]string{
	TypeMessage:         {"channel", "user"},
	TypePresence:        {"channel", "user", "message.action"},
	TypeUserStateChange: {"user", "message.state"},
	TypeMessageEdit:     {"channel", "uuid"},
	TypeMessageDelete:   {"channel", "uuid"},
}

// DecodeMessage decodes a single inbound message. Unknown types and
// known types with missing fields are returned as [Unknown] and
// [Malformed] values rather than errors; an error is only returned when raw
// is not a JSON object.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	msgType := gjson.GetBytes(raw, "type").String()
	fields, known := required[msgType]
	if !known {
		return Unknown{Type: msgType, Raw: raw}, nil
	}
	for _, field := range fields {
		val := gjson.GetBytes(raw, field)
		if !val.Exists() || val.Type == gjson.Null {
			return Malformed{Type: msgType, Reason: "missing " + field, Raw: raw}, nil
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Malformed{Type: msgType, Reason: err.Error(), Raw: raw}, nil
	}
	switch msgType {
	case TypeMessage:
		return ChatMessage{Envelope: env}, nil
	case TypePresence:
		p := Presence{Envelope: env, Action: gjson.GetBytes(raw, "message.action").String()}
		if state := gjson.GetBytes(raw, "state"); state.IsObject() {
			if err := json.Unmarshal([]byte(state.Raw), &p.State); err != nil {
				return Malformed{Type: msgType, Reason: "state: " + err.Error(), Raw: raw}, nil
			}
		}
		return p, nil
	case TypeUserStateChange:
		state := gjson.GetBytes(raw, "message.state")
		if !state.IsObject() {
			return Malformed{Type: msgType, Reason: "message.state is not an object", Raw: raw}, nil
		}
		u := UserStateChange{Envelope: env}
		if err := json.Unmarshal([]byte(state.Raw), &u.State); err != nil {
			return Malformed{Type: msgType, Reason: "message.state: " + err.Error(), Raw: raw}, nil
		}
		return u, nil
	case TypeMessageEdit:
		return MessageEdit{Envelope: env}, nil
	default:
		return MessageDelete{Envelope: env}, nil
	}
}

// DecodeBatch decodes a JSON array of inbound messages, as delivered by the
// websocket and long-poll listeners. Entries that are not JSON objects are
// reported as [Malformed] so the rest of the batch is kept.
func DecodeBatch(data []byte) ([]Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: batch: %v", ErrMalformed, err)
	}
	return DecodeRaw(raws), nil
}

// DecodeRaw decodes already split raw messages, preserving order.
func DecodeRaw(raws []json.RawMessage) []Message {
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := DecodeMessage(raw)
		if err != nil {
			msg = Malformed{Reason: err.Error(), Raw: raw}
		}
		out = append(out, msg)
	}
	return out
}
