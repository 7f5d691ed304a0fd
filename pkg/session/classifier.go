// Copyright 2024-2026 Aiku AI

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/channelstream-go/pkg/protocol"
)

// EditPolicy decides what message:edit and message:delete do to history.
type EditPolicy string

const (
	// EditPolicyIgnore recognizes edits and deletes but leaves history
	// untouched.
	EditPolicyIgnore EditPolicy = "ignore"
	// EditPolicyApply edits or removes the history entry in place.
	EditPolicyApply EditPolicy = "apply"
)

// Classifier turns inbound message batches into state intents.
type Classifier struct {
	log      zerolog.Logger
	policy   EditPolicy
	received *prometheus.CounterVec
}

// NewClassifier creates a classifier. received may be nil.
func NewClassifier(log zerolog.Logger, policy EditPolicy, received *prometheus.CounterVec) *Classifier {
	if policy == "" {
		policy = EditPolicyIgnore
	}
	return &Classifier{log: log, policy: policy, received: received}
}

// Classify returns the intents for one batch, in batch order.
func (c *Classifier) Classify(batch []protocol.Message) []Intent {
	var intents []Intent
	for _, msg := range batch {
		intents = append(intents, c.classify(msg)...)
	}
	return intents
}

func (c *Classifier) classify(msg protocol.Message) []Intent {
	c.count(msg)
	switch m := msg.(type) {
	case protocol.ChatMessage:
		return []Intent{appendMessage(m.Envelope)}
	case protocol.Presence:
		return c.classifyPresence(m)
	case protocol.UserStateChange:
		return []Intent{SetUserStates{Users: []UserState{{User: m.User, State: m.State}}}}
	case protocol.MessageEdit:
		return c.classifyEdit(m)
	case protocol.MessageDelete:
		return c.classifyDelete(m)
	case protocol.Malformed:
		c.log.Warn().
			Str("message_type", m.Type).
			Str("reason", m.Reason).
			Msg("Dropping malformed message")
		return nil
	default:
		c.log.Trace().Str("message_type", msg.MessageType()).Msg("Unhandled message type")
		return nil
	}
}

func (c *Classifier) classifyPresence(p protocol.Presence) []Intent {
	intents := []Intent{appendMessage(p.Envelope)}
	if p.Action == protocol.ActionJoined {
		return append(intents,
			SetUserStates{Users: []UserState{{User: p.User, State: p.State}}},
			AddChannelUsers{ChannelID: p.Channel, Users: []string{p.User}},
		)
	}
	return append(intents, RemoveChannelUsers{ChannelID: p.Channel, Users: []string{p.User}})
}

func (c *Classifier) classifyEdit(m protocol.MessageEdit) []Intent {
	if c.policy != EditPolicyApply {
		c.log.Debug().
			Str("channel", m.Channel).
			Str("uuid", m.UUID).
			Msg("Ignoring message edit")
		return nil
	}
	return []Intent{EditChannelMessage{
		ChannelID: m.Channel,
		UUID:      m.UUID,
		Payload:   m.Message,
		Edited:    ParseTimestamp(m.Edited),
	}}
}

func (c *Classifier) classifyDelete(m protocol.MessageDelete) []Intent {
	if c.policy != EditPolicyApply {
		c.log.Debug().
			Str("channel", m.Channel).
			Str("uuid", m.UUID).
			Msg("Ignoring message delete")
		return nil
	}
	return []Intent{DeleteChannelMessage{ChannelID: m.Channel, UUID: m.UUID}}
}

func (c *Classifier) count(msg protocol.Message) {
	if c.received == nil {
		return
	}
	label := msg.MessageType()
	switch msg.(type) {
	case protocol.Unknown:
		label = "unknown"
	case protocol.Malformed:
		label = "malformed"
	}
	c.received.WithLabelValues(label).Inc()
}

func appendMessage(env protocol.Envelope) Intent {
	return SetChannelMessages{Messages: map[string][]Message{
		env.Channel: {messageFromEnvelope(env)},
	}}
}
