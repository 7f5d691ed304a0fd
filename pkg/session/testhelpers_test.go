// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/channelstream-go/pkg/protocol"
	"github.com/aiku/channelstream-go/pkg/reconcile"
)

// fakeAdapter records commands and evaluates the reconciler against a
// channel set the test controls.
type fakeAdapter struct {
	mu       sync.Mutex
	commands []protocol.Command
	mutators map[protocol.Phase][]protocol.Mutator
	requests []protocol.Request
	actual   []string
	events   chan protocol.Event
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		mutators: make(map[protocol.Phase][]protocol.Mutator),
		events:   make(chan protocol.Event, 16),
	}
}

func (f *fakeAdapter) Send(_ context.Context, cmd protocol.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	req := protocol.Request{Phase: cmd.CommandPhase(), Body: map[string]any{}}
	for _, fn := range f.mutators[cmd.CommandPhase()] {
		fn(&req)
	}
	f.requests = append(f.requests, req)
}

func (f *fakeAdapter) Events() <-chan protocol.Event { return f.events }

func (f *fakeAdapter) AddMutator(phase protocol.Phase, fn protocol.Mutator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutators[phase] = append(f.mutators[phase], fn)
}

func (f *fakeAdapter) CalculateSubscribe(desired, candidates []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return reconcile.Subscribe(f.actual, desired, candidates)
}

func (f *fakeAdapter) CalculateUnsubscribe(desired, candidates []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return reconcile.Unsubscribe(f.actual, desired, candidates)
}

func (f *fakeAdapter) setActual(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actual = channels
}

func (f *fakeAdapter) Commands() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.commands)
}

func (f *fakeAdapter) Requests() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

func (f *fakeAdapter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
	f.requests = nil
}

// newTestController creates an attached controller and returns it with its
// fake adapter. The initial connect command is left in the adapter's log.
func newTestController(t *testing.T, identity Identity, opts ...func(*Options)) (*Controller, *fakeAdapter) {
	t.Helper()
	adapter := newFakeAdapter()
	o := Options{Identity: identity}
	for _, fn := range opts {
		fn(&o)
	}
	c := NewController(adapter, zerolog.Nop(), o)
	c.Attach(context.Background())
	return c, adapter
}

// connectResponse builds a connect reply from JSON so tests exercise the
// same decoding as the transport.
func connectResponse(t *testing.T, data string) protocol.ConnectResponse {
	t.Helper()
	var resp protocol.ConnectResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		t.Fatalf("unmarshal connect response: %v", err)
	}
	return resp
}

func subscribeResponse(t *testing.T, data string) protocol.SubscribeResponse {
	t.Helper()
	var resp protocol.SubscribeResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		t.Fatalf("unmarshal subscribe response: %v", err)
	}
	return resp
}

// batch decodes a JSON array of messages.
func batch(t *testing.T, data string) []protocol.Message {
	t.Helper()
	msgs, err := protocol.DecodeBatch([]byte(data))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	return msgs
}

// connectAs drives a controller to Connected with the given channels and
// clears the adapter's command log.
func connectAs(t *testing.T, c *Controller, adapter *fakeAdapter, channels ...string) {
	t.Helper()
	adapter.setActual(channels...)
	infos := map[string]any{}
	for _, ch := range channels {
		infos[ch] = map[string]any{"users": []string{}, "history": []any{}}
	}
	data, err := json.Marshal(map[string]any{
		"conn_id":       "conn-1",
		"state":         map[string]any{},
		"channels":      channels,
		"channels_info": map[string]any{"users": []any{}, "channels": infos},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.HandleEvent(context.Background(), protocol.Connected{
		Generation: c.generation,
		Response:   connectResponse(t, string(data)),
	})
	if c.State() != StateConnected {
		t.Fatalf("state after connect: got %v", c.State())
	}
	adapter.Reset()
}
