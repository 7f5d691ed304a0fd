// Copyright 2024-2026 Aiku AI

// Package transport talks to a channelstream server through the endpoints
// of the channelstream demo application.
//
// Connect, subscribe, unsubscribe, message and user state requests are
// JSON over HTTP. Inbound messages arrive as JSON arrays over a websocket,
// or by long-polling when the websocket cannot be dialed or
// [Config.LongPoll] is set.
package transport
