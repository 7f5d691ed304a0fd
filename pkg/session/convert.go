// Copyright 2024-2026 Aiku AI

package session

import (
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/channelstream-go/pkg/protocol"
)

// timestampLayouts are the formats channelstream uses for timestamps. The
// server serializes naive UTC datetimes without a zone designator.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
}

// ParseTimestamp parses a channelstream timestamp, returning the zero time
// for empty or unparseable input.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func messageFromEnvelope(env protocol.Envelope) Message {
	return Message{
		UUID:      env.UUID,
		ChannelID: env.Channel,
		Type:      env.Type,
		Author:    env.User,
		Payload:   maps.Clone(env.Message),
		Timestamp: ParseTimestamp(env.Timestamp),
		Edited:    ParseTimestamp(env.Edited),
		PMUsers:   slices.Clone(env.PMUsers),
	}
}

// historyFromChannelInfo keeps the history entries that belong in a
// channel's history: chat messages and presence notices.
func historyFromChannelInfo(log zerolog.Logger, channelID string, info protocol.ChannelInfo) []Message {
	out := make([]Message, 0, len(info.History))
	for _, raw := range info.History {
		var env protocol.Envelope
		switch m := raw.(type) {
		case protocol.ChatMessage:
			env = m.Envelope
		case protocol.Presence:
			env = m.Envelope
		case protocol.Malformed:
			log.Warn().Str("channel", channelID).Str("type", m.Type).Str("reason", m.Reason).Msg("Dropping malformed history entry")
			continue
		default:
			log.Warn().Str("channel", channelID).Str("type", raw.MessageType()).Msg("Dropping history entry of unexpected type")
			continue
		}
		if env.Channel == "" {
			env.Channel = channelID
		}
		out = append(out, messageFromEnvelope(env))
	}
	return out
}

func userStates(users []protocol.UserInfo) []UserState {
	out := make([]UserState, 0, len(users))
	for _, u := range users {
		if u.User == "" {
			continue
		}
		out = append(out, UserState{User: u.User, State: u.State})
	}
	return out
}

// channelsInfoIntents converts a channels_info block into the intents that
// merge it into the session.
func channelsInfoIntents(log zerolog.Logger, info protocol.ChannelsInfo) []Intent {
	states := make(map[string]ChannelState, len(info.Channels))
	history := make(map[string][]Message, len(info.Channels))
	for id, ch := range info.Channels {
		states[id] = ChannelState{State: ch.State, Users: ch.Users}
		history[id] = historyFromChannelInfo(log, id, ch)
	}
	return []Intent{
		SetUserStates{Users: userStates(info.Users)},
		SetChannelStates{Channels: states},
		SetChannelMessages{Messages: history},
	}
}
