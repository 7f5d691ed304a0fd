// Copyright 2024-2026 Aiku AI

package session

import (
	"maps"
	"slices"
	"time"
)

// Intent is a recorded state mutation. The set of implementations is
// closed; every mutation of [State] is one of them.
type Intent interface {
	apply(s *State)
}

// ChannelState is the server-provided state of one channel.
type ChannelState struct {
	State map[string]any
	Users []string
}

// SetChannelStates merges channel states into the roster by channel id.
// A mentioned channel has its state and user list replaced; other channels
// are untouched.
type SetChannelStates struct {
	Channels map[string]ChannelState
}

// DelChannelState removes a channel from the roster together with its
// history.
type DelChannelState struct {
	ChannelID string
}

// AddChannelUsers adds users to a channel, creating the roster entry if
// needed.
type AddChannelUsers struct {
	ChannelID string
	Users     []string
}

// RemoveChannelUsers removes users from a channel. Removing a user that is
// not a member, or from an unknown channel, is a no-op.
type RemoveChannelUsers struct {
	ChannelID string
	Users     []string
}

// SetUserStates upserts user table entries by user id.
type SetUserStates struct {
	Users []UserState
}

// SetChannelMessages merges messages into per-channel history. A message
// whose UUID is already present in that channel replaces the old entry in
// place; any other message is appended.
type SetChannelMessages struct {
	Messages map[string][]Message
}

// EditChannelMessage replaces the payload of the history entry with UUID.
type EditChannelMessage struct {
	ChannelID string
	UUID      string
	Payload   map[string]any
	Edited    time.Time
}

// DeleteChannelMessage removes the history entry with UUID.
type DeleteChannelMessage struct {
	ChannelID string
	UUID      string
}

// SetUsername renames the local user.
type SetUsername struct {
	Username string
}

// SetEmail changes the local user's email.
type SetEmail struct {
	Email string
}

// SetIdentityState replaces the local user's state.
type SetIdentityState struct {
	State map[string]any
}

// SetSubscribedChannels replaces the local user's channel list.
type SetSubscribedChannels struct {
	Channels []string
}

// ResetSession drops the roster, the user table and all history. The
// identity is kept.
type ResetSession struct{}

func (in SetChannelStates) apply(s *State) {
	for id, cs := range in.Channels {
		ch := s.channel(id)
		ch.State = maps.Clone(cs.State)
		if ch.State == nil {
			ch.State = make(map[string]any)
		}
		ch.Users = make(map[string]struct{}, len(cs.Users))
		for _, u := range cs.Users {
			ch.Users[u] = struct{}{}
		}
	}
}

func (in DelChannelState) apply(s *State) {
	delete(s.Channels, in.ChannelID)
	delete(s.History, in.ChannelID)
}

func (in AddChannelUsers) apply(s *State) {
	ch := s.channel(in.ChannelID)
	for _, u := range in.Users {
		ch.Users[u] = struct{}{}
	}
}

func (in RemoveChannelUsers) apply(s *State) {
	ch, ok := s.Channels[in.ChannelID]
	if !ok {
		return
	}
	for _, u := range in.Users {
		delete(ch.Users, u)
	}
}

func (in SetUserStates) apply(s *State) {
	for _, u := range in.Users {
		s.Users[u.User] = UserState{User: u.User, State: maps.Clone(u.State)}
	}
}

func (in SetChannelMessages) apply(s *State) {
	for id, msgs := range in.Messages {
		history := s.History[id]
		for _, m := range msgs {
			if idx := indexOf(history, m.UUID); idx >= 0 {
				history[idx] = m
				continue
			}
			history = append(history, m)
		}
		s.History[id] = history
	}
}

func (in EditChannelMessage) apply(s *State) {
	history := s.History[in.ChannelID]
	if idx := indexOf(history, in.UUID); idx >= 0 {
		history[idx].Payload = maps.Clone(in.Payload)
		history[idx].Edited = in.Edited
	}
}

func (in DeleteChannelMessage) apply(s *State) {
	history := s.History[in.ChannelID]
	if idx := indexOf(history, in.UUID); idx >= 0 {
		s.History[in.ChannelID] = slices.Delete(history, idx, idx+1)
	}
}

func (in SetUsername) apply(s *State) {
	s.Identity.Username = in.Username
}

func (in SetEmail) apply(s *State) {
	s.Identity.Email = in.Email
}

func (in SetIdentityState) apply(s *State) {
	s.Identity.State = maps.Clone(in.State)
}

func (in SetSubscribedChannels) apply(s *State) {
	s.Identity.SubscribedChannels = slices.Clone(in.Channels)
}

func (ResetSession) apply(s *State) {
	clear(s.Channels)
	clear(s.Users)
	clear(s.History)
}

// indexOf finds the entry with uuid. Messages without a UUID never match.
func indexOf(history []Message, uuid string) int {
	if uuid == "" {
		return -1
	}
	return slices.IndexFunc(history, func(m Message) bool { return m.UUID == uuid })
}
