// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/channelstream-go/pkg/protocol"
)

// endpointCall records one request received by the fake server.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   map[string]any
}

// fakeChannelstream wraps an httptest.Server simulating the channelstream
// demo application. It records calls, answers with canned responses and
// lets tests push batches to connected listeners.
type fakeChannelstream struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall
	// responses maps "METHOD /path" to a JSON response body.
	responses map[string]string
	// fail maps "METHOD /path" to the number of requests that fail before
	// the endpoint starts succeeding. A negative count fails forever.
	fail       map[string]int
	failStatus map[string]int
	// noWebsocket makes the websocket endpoint answer 404.
	noWebsocket bool

	sockets chan *websocket.Conn
	polls   chan string
}

func newFakeChannelstream(t *testing.T) *fakeChannelstream {
	t.Helper()
	f := &fakeChannelstream{
		responses:  make(map[string]string),
		fail:       make(map[string]int),
		failStatus: make(map[string]int),
		sockets:    make(chan *websocket.Conn, 4),
		polls:      make(chan string, 16),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeChannelstream) record(r *http.Request) {
	call := endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone()}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &call.Body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeChannelstream) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls for "METHOD /path".
func (f *fakeChannelstream) CallsTo(key string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method+" "+c.Path == key {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeChannelstream) failing(key string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fail[key]
	if !ok || n == 0 {
		return 0, false
	}
	if n > 0 {
		f.fail[key] = n - 1
	}
	status := f.failStatus[key]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, true
}

func (f *fakeChannelstream) handler(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	switch r.URL.Path {
	case "/ws":
		f.record(r)
		f.serveWebsocket(w, r)
		return
	case "/listen":
		f.record(r)
		f.serveLongPoll(w, r)
		return
	}

	f.record(r)
	if status, ok := f.failing(key); ok {
		http.Error(w, "failure injected", status)
		return
	}
	f.mu.Lock()
	resp, ok := f.responses[key]
	f.mu.Unlock()
	if !ok {
		resp = "{}"
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, resp)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *fakeChannelstream) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	disabled := f.noWebsocket
	f.mu.Unlock()
	if disabled {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.sockets <- conn
	// Drain until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeChannelstream) serveLongPoll(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	select {
	case batch := <-f.polls:
		_, _ = io.WriteString(w, batch)
	case <-time.After(50 * time.Millisecond):
		_, _ = io.WriteString(w, "[]")
	case <-r.Context().Done():
	}
}

// Respond sets the JSON body answered for "METHOD /path".
func (f *fakeChannelstream) Respond(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = body
}

// FailNext makes the next n requests to "METHOD /path" fail with status.
// A negative n fails forever.
func (f *fakeChannelstream) FailNext(key string, n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = n
	f.failStatus[key] = status
}

// DisableWebsocket makes the websocket endpoint answer 404.
func (f *fakeChannelstream) DisableWebsocket() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noWebsocket = true
}

// Push queues a batch for the next long-poll request.
func (f *fakeChannelstream) Push(batch string) {
	f.polls <- batch
}

// Socket waits for the client to open a websocket.
func (f *fakeChannelstream) Socket(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.sockets:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket")
		return nil
	}
}

func (f *fakeChannelstream) config() Config {
	base := f.Server.URL
	return Config{
		ConnectURL:               base + "/connect",
		DisconnectURL:            base + "/disconnect",
		SubscribeURL:             base + "/subscribe",
		UnsubscribeURL:           base + "/unsubscribe",
		MessageURL:               base + "/message",
		MessageEditURL:           base + "/message",
		MessageDeleteURL:         base + "/message",
		UserStateURL:             base + "/user_state",
		WebsocketURL:             "ws" + strings.TrimPrefix(base, "http") + "/ws",
		LongPollURL:              base + "/listen",
		RequestTimeout:           2 * time.Second,
		LongPollTimeout:          2 * time.Second,
		ReconnectInitialInterval: time.Millisecond,
		ReconnectMaxInterval:     5 * time.Millisecond,
		ReconnectMaxElapsed:      time.Second,
	}
}

// startClient runs a client against f until the test ends.
func startClient(t *testing.T, f *fakeChannelstream, edit ...func(*Config)) *Client {
	t.Helper()
	cfg := f.config()
	for _, fn := range edit {
		fn(&cfg)
	}
	c := New(cfg, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

// nextEvent waits for the next transport event.
func nextEvent(t *testing.T, c *Client) protocol.Event {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// expectEvent waits for the next event and asserts its type.
func expectEvent[T protocol.Event](t *testing.T, c *Client) T {
	t.Helper()
	evt := nextEvent(t, c)
	typed, ok := evt.(T)
	if !ok {
		var zero T
		t.Fatalf("got event %T (%+v), want %T", evt, evt, zero)
	}
	return typed
}

const connectReply = `{
	"conn_id": "server-conn",
	"state": {"email": "alice@example.com"},
	"channels": ["general"],
	"channels_info": {"users": [], "channels": {"general": {"users": ["alice"], "history": []}}}
}`
