// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol defines the channelstream wire types shared by the
// transport adapter and the session core.
//
// Inbound realtime payloads are decoded once, at the transport boundary,
// into a closed set of [Message] variants: [ChatMessage], [Presence],
// [UserStateChange], [MessageEdit], [MessageDelete], plus [Unknown] for
// types the server may add later and [Malformed] for known types that are
// missing required fields. Nothing deeper in the stack inspects raw JSON.
//
// The control flow between the session controller and the transport is a
// pair of closed variant sets as well: [Command] values flow outbound and
// [Event] values flow inbound. Every event carries the connection
// generation it was produced under so that results from a superseded
// connection attempt can be discarded.
package protocol
