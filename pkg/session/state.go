// Copyright 2024-2026 Aiku AI

package session

import (
	"maps"
	"slices"
	"time"
)

// Identity is the local user as known to the session.
type Identity struct {
	Username           string
	Email              string
	State              map[string]any
	SubscribedChannels []string
}

// Channel is a roster entry: a channel the connection is subscribed to.
type Channel struct {
	ID    string
	State map[string]any
	Users map[string]struct{}
}

// HasUser reports whether user is a member of the channel.
func (c Channel) HasUser(user string) bool {
	_, ok := c.Users[user]
	return ok
}

// UserList returns the channel members in sorted order.
func (c Channel) UserList() []string {
	return slices.Sorted(maps.Keys(c.Users))
}

// UserState is a presence table entry.
type UserState struct {
	User  string
	State map[string]any
}

// Message is a history entry.
type Message struct {
	UUID      string
	ChannelID string
	Type      string
	Author    string
	Payload   map[string]any
	Timestamp time.Time
	Edited    time.Time
	PMUsers   []string
}

// Text returns the "text" field of the payload, if any.
func (m Message) Text() string {
	text, _ := m.Payload["text"].(string)
	return text
}

// State owns the three projections of a session (channel roster, user
// table and per-channel history) plus the local identity. All mutation goes
// through Dispatch.
//
// State is not safe for concurrent use; the controller serializes access.
type State struct {
	Identity Identity
	Channels map[string]*Channel
	Users    map[string]UserState
	History  map[string][]Message

	hook func(Intent)
}

// NewState creates an empty state for the given identity.
func NewState(identity Identity) *State {
	return &State{
		Identity: identity,
		Channels: make(map[string]*Channel),
		Users:    make(map[string]UserState),
		History:  make(map[string][]Message),
	}
}

// OnDispatch registers a hook called with every intent after it has been
// applied. Passing nil removes the hook.
func (s *State) OnDispatch(hook func(Intent)) {
	s.hook = hook
}

// Dispatch applies a single intent.
func (s *State) Dispatch(in Intent) {
	in.apply(s)
	if s.hook != nil {
		s.hook(in)
	}
}

// DispatchAll applies intents in order.
func (s *State) DispatchAll(intents []Intent) {
	for _, in := range intents {
		s.Dispatch(in)
	}
}

func (s *State) channel(id string) *Channel {
	ch, ok := s.Channels[id]
	if !ok {
		ch = &Channel{ID: id, State: make(map[string]any), Users: make(map[string]struct{})}
		s.Channels[id] = ch
	}
	return ch
}

// Snapshot returns a deep copy of the state that shares nothing with s.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Identity: Identity{
			Username:           s.Identity.Username,
			Email:              s.Identity.Email,
			State:              maps.Clone(s.Identity.State),
			SubscribedChannels: slices.Clone(s.Identity.SubscribedChannels),
		},
		Channels: make(map[string]Channel, len(s.Channels)),
		Users:    make(map[string]UserState, len(s.Users)),
		History:  make(map[string][]Message, len(s.History)),
	}
	for id, ch := range s.Channels {
		snap.Channels[id] = Channel{ID: ch.ID, State: maps.Clone(ch.State), Users: maps.Clone(ch.Users)}
	}
	for id, u := range s.Users {
		snap.Users[id] = UserState{User: u.User, State: maps.Clone(u.State)}
	}
	for id, msgs := range s.History {
		cp := make([]Message, len(msgs))
		for i, m := range msgs {
			m.Payload = maps.Clone(m.Payload)
			m.PMUsers = slices.Clone(m.PMUsers)
			cp[i] = m
		}
		snap.History[id] = cp
	}
	return snap
}

// Snapshot is a read-only copy of a session's projections.
type Snapshot struct {
	Identity Identity
	Channels map[string]Channel
	Users    map[string]UserState
	History  map[string][]Message
}

// ChannelIDs returns the roster channel ids in sorted order.
func (s Snapshot) ChannelIDs() []string {
	return slices.Sorted(maps.Keys(s.Channels))
}
