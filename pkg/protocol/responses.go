// Copyright 2024-2026 Aiku AI

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// UserInfo is one entry of the "users" list in channel info.
type UserInfo struct {
	User  string         `json:"user"`
	State map[string]any `json:"state"`
}

// ChannelInfo describes one channel as returned by connect and subscribe.
// Users and History are lifted out of the payload; every other key is kept
// opaque in State.
type ChannelInfo struct {
	Users   []string
	History []Message
	State   map[string]any

	history []json.RawMessage
}

func (ci *ChannelInfo) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: channel info: %v", ErrMalformed, err)
	}
	*ci = ChannelInfo{State: make(map[string]any, len(fields))}
	if raw, ok := fields["users"]; ok {
		if err := json.Unmarshal(raw, &ci.Users); err != nil {
			return fmt.Errorf("%w: channel users: %v", ErrMalformed, err)
		}
		delete(fields, "users")
	}
	if raw, ok := fields["history"]; ok {
		var history []json.RawMessage
		if err := json.Unmarshal(raw, &history); err != nil {
			return fmt.Errorf("%w: channel history: %v", ErrMalformed, err)
		}
		ci.history = history
		ci.History = DecodeRaw(history)
		delete(fields, "history")
	}
	for key, raw := range fields {
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return fmt.Errorf("%w: channel field %q: %v", ErrMalformed, key, err)
		}
		ci.State[key] = val
	}
	return nil
}

// ChannelsInfo is the "channels_info" block of connect and subscribe
// responses. History entries without a "channel" field belong to the
// channel they are listed under.
type ChannelsInfo struct {
	Users    []UserInfo             `json:"users"`
	Channels map[string]ChannelInfo `json:"channels"`
}

func (ci *ChannelsInfo) UnmarshalJSON(data []byte) error {
	type plain ChannelsInfo
	var info plain
	if err := json.Unmarshal(data, &info); err != nil {
		return err
	}
	for id, ch := range info.Channels {
		if ch.history != nil {
			ch.History = DecodeHistory(id, ch.history)
			info.Channels[id] = ch
		}
	}
	*ci = ChannelsInfo(info)
	return nil
}

// DecodeHistory decodes the history entries of channelID. An entry that
// carries no channel is attributed to channelID.
func DecodeHistory(channelID string, raws []json.RawMessage) []Message {
	out := make([]json.RawMessage, len(raws))
	for i, raw := range raws {
		out[i] = raw
		if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
			continue
		}
		if ch := gjson.GetBytes(raw, "channel"); ch.Exists() && ch.Type != gjson.Null {
			continue
		}
		if withChannel, err := sjson.SetBytes(raw, "channel", channelID); err == nil {
			out[i] = withChannel
		}
	}
	return DecodeRaw(out)
}

// ConnectResponse is the server reply to a connect request.
type ConnectResponse struct {
	ConnID       string         `json:"conn_id"`
	Username     string         `json:"username"`
	State        map[string]any `json:"state"`
	PublicState  map[string]any `json:"public_state"`
	Channels     []string       `json:"channels"`
	ChannelsInfo ChannelsInfo   `json:"channels_info"`
}

// SubscribeResponse is the server reply to a subscribe request.
type SubscribeResponse struct {
	Channels     []string     `json:"channels"`
	SubscribedTo []string     `json:"subscribed_to"`
	ChannelsInfo ChannelsInfo `json:"channels_info"`
}

// UnsubscribeResponse is the server reply to an unsubscribe request.
type UnsubscribeResponse struct {
	Channels         []string `json:"channels"`
	UnsubscribedFrom []string `json:"unsubscribed_from"`
}
