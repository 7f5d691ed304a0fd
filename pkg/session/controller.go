// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/channelstream-go/pkg/protocol"
	"github.com/aiku/channelstream-go/pkg/reconcile"
)

// ErrNotConnected is returned by outbound actions while there is no
// established connection.
var ErrNotConnected = errors.New("session is not connected")

// ConnState is the connection state of a session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Adapter is the transport contract the controller relies on.
//
// Send must not block on network I/O and must run the mutators registered
// for the command's phase before it returns. Events delivers inbound events
// in order and is closed when the adapter shuts down. The Calculate methods
// evaluate the reconciler against the adapter's live channel set; a nil
// candidates slice means "all desired channels".
type Adapter interface {
	Send(ctx context.Context, cmd protocol.Command)
	Events() <-chan protocol.Event
	AddMutator(phase protocol.Phase, fn protocol.Mutator)
	CalculateSubscribe(desired, candidates []string) []string
	CalculateUnsubscribe(desired, candidates []string) []string
}

// Options configures a Controller.
type Options struct {
	Identity   Identity
	EditPolicy EditPolicy
	Metrics    *Metrics
	// OnDispatch is called with every applied intent, on the event path
	// and with the controller lock held. It must not call back into the
	// controller.
	OnDispatch func(Intent)
	// OnStateChange is called after each connection state transition,
	// under the same rules as OnDispatch.
	OnStateChange func(ConnState)
}

// Controller drives a session: it owns the connection lifecycle, folds
// transport events into the session state and issues outbound commands.
//
// Every method is serialized by a single lock, so events from Run and
// calls from the UI form one ordered event path.
type Controller struct {
	log        zerolog.Logger
	adapter    Adapter
	classifier *Classifier
	metrics    *Metrics

	mu            sync.RWMutex
	state         *State
	conn          ConnState
	generation    uint64
	guard         *reconcile.Guard
	pending       map[protocol.Phase][][]string
	target        []string
	onStateChange func(ConnState)
}

// NewController creates a controller for adapter.
func NewController(adapter Adapter, log zerolog.Logger, opts Options) *Controller {
	log = log.With().Str("component", "session").Logger()
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	c := &Controller{
		log:           log,
		adapter:       adapter,
		classifier:    NewClassifier(log, opts.EditPolicy, metrics.MessagesReceived),
		metrics:       metrics,
		state:         NewState(opts.Identity),
		guard:         reconcile.NewGuard(),
		pending:       make(map[protocol.Phase][][]string),
		onStateChange: opts.OnStateChange,
	}
	c.state.OnDispatch(opts.OnDispatch)
	return c
}

// Attach registers the controller's mutators with the adapter and starts
// the initial connection.
func (c *Controller) Attach(ctx context.Context) {
	c.adapter.AddMutator(protocol.PhaseConnect, c.injectConnectState)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connect(ctx, StateConnecting)
}

// injectConnectState adds the local user's state to connect requests. It
// runs inside Send, so the controller lock is already held.
func (c *Controller) injectConnectState(req *protocol.Request) {
	req.Body["state"] = map[string]any{
		"email":  c.state.Identity.Email,
		"status": "ready",
	}
}

// Run delivers adapter events to the controller until ctx is done or the
// adapter's event channel is closed.
func (c *Controller) Run(ctx context.Context) error {
	events := c.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(ctx, evt)
		}
	}
}

// State returns the current connection state.
func (c *Controller) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Snapshot returns a read-only copy of the session projections.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Snapshot()
}

// HandleEvent folds a single transport event into the session. Events from
// a superseded connection are dropped.
func (c *Controller) HandleEvent(ctx context.Context, evt protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evt.EventGeneration() != c.generation {
		c.metrics.IgnoredEvents.Inc()
		c.log.Debug().
			Uint64("event_generation", evt.EventGeneration()).
			Uint64("generation", c.generation).
			Msg("Dropping event from superseded connection")
		return
	}

	switch e := evt.(type) {
	case protocol.Connected:
		c.handleConnected(ctx, e)
	case protocol.Subscribed:
		c.handleSubscribed(ctx, e)
	case protocol.Unsubscribed:
		c.handleUnsubscribed(ctx, e)
	case protocol.ChannelsChanged:
		c.reconcile(ctx)
	case protocol.MessageBatch:
		c.handleBatch(e)
	case protocol.Disconnected:
		c.handleDisconnected(e)
	case protocol.RequestFailed:
		c.handleRequestFailed(e)
	}
}

func (c *Controller) handleConnected(ctx context.Context, e protocol.Connected) {
	resp := e.Response
	c.state.Dispatch(ResetSession{})
	c.state.Dispatch(SetIdentityState{State: resp.State})
	c.state.Dispatch(SetSubscribedChannels{Channels: resp.Channels})
	c.state.DispatchAll(channelsInfoIntents(c.log, resp.ChannelsInfo))
	c.setConn(StateConnected)

	c.log.Info().
		Str("username", c.state.Identity.Username).
		Strs("channels", resp.Channels).
		Msg("Connected")

	if c.target != nil {
		c.reconcile(ctx)
	}
}

// handleSubscribed and handleUnsubscribed ignore replies that arrive after
// the connection was reported lost: the projections were already given up
// and the next connect resyncs them.
func (c *Controller) handleSubscribed(ctx context.Context, e protocol.Subscribed) {
	if c.conn != StateConnected {
		c.log.Debug().Strs("subscribed_to", e.Response.SubscribedTo).Msg("Ignoring subscribe reply while not connected")
		return
	}
	resp := e.Response
	c.release(protocol.PhaseSubscribe)

	info := resp.ChannelsInfo
	if resp.SubscribedTo != nil {
		info.Channels = make(map[string]protocol.ChannelInfo, len(resp.SubscribedTo))
		for _, id := range resp.SubscribedTo {
			if ch, ok := resp.ChannelsInfo.Channels[id]; ok {
				info.Channels[id] = ch
			}
		}
	}
	c.state.Dispatch(SetSubscribedChannels{Channels: resp.Channels})
	c.state.DispatchAll(channelsInfoIntents(c.log, info))

	c.log.Debug().Strs("subscribed_to", resp.SubscribedTo).Msg("Subscribed")
	if c.target != nil {
		c.reconcile(ctx)
	}
}

func (c *Controller) handleUnsubscribed(ctx context.Context, e protocol.Unsubscribed) {
	if c.conn != StateConnected {
		c.log.Debug().Strs("unsubscribed_from", e.Response.UnsubscribedFrom).Msg("Ignoring unsubscribe reply while not connected")
		return
	}
	resp := e.Response
	c.release(protocol.PhaseUnsubscribe)

	for _, id := range resp.UnsubscribedFrom {
		c.state.Dispatch(DelChannelState{ChannelID: id})
	}
	c.state.Dispatch(SetSubscribedChannels{Channels: resp.Channels})

	c.log.Debug().Strs("unsubscribed_from", resp.UnsubscribedFrom).Msg("Unsubscribed")
	if c.target != nil {
		c.reconcile(ctx)
	}
}

func (c *Controller) handleBatch(e protocol.MessageBatch) {
	for _, in := range c.classifier.Classify(e.Messages) {
		if in = c.subscribedOnly(in); in == nil {
			continue
		}
		c.warnMissingTarget(in)
		c.state.Dispatch(in)
	}
}

// subscribedOnly strips from in the channels the user is not subscribed to,
// such as a batch delivered after its channel's unsubscribe was confirmed.
// It returns nil when nothing is left.
func (c *Controller) subscribedOnly(in Intent) Intent {
	subscribed := func(channelID string) bool {
		if slices.Contains(c.state.Identity.SubscribedChannels, channelID) {
			return true
		}
		c.log.Debug().Str("channel", channelID).Msg("Dropping update for unsubscribed channel")
		return false
	}
	var channelID string
	switch m := in.(type) {
	case SetChannelMessages:
		kept := make(map[string][]Message, len(m.Messages))
		for id, msgs := range m.Messages {
			if subscribed(id) {
				kept[id] = msgs
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return SetChannelMessages{Messages: kept}
	case AddChannelUsers:
		channelID = m.ChannelID
	case RemoveChannelUsers:
		channelID = m.ChannelID
	case EditChannelMessage:
		channelID = m.ChannelID
	case DeleteChannelMessage:
		channelID = m.ChannelID
	default:
		return in
	}
	if !subscribed(channelID) {
		return nil
	}
	return in
}

// warnMissingTarget logs edits and deletes that reference a message not in
// history. They are still dispatched and apply as a no-op.
func (c *Controller) warnMissingTarget(in Intent) {
	var channelID, uuid string
	switch m := in.(type) {
	case EditChannelMessage:
		channelID, uuid = m.ChannelID, m.UUID
	case DeleteChannelMessage:
		channelID, uuid = m.ChannelID, m.UUID
	default:
		return
	}
	if indexOf(c.state.History[channelID], uuid) < 0 {
		c.log.Debug().Str("channel", channelID).Str("uuid", uuid).Msg("Edit or delete for unknown message")
	}
}

func (c *Controller) handleDisconnected(e protocol.Disconnected) {
	c.log.Warn().Err(e.Err).Msg("Transport disconnected")
	c.resetInflight()
	c.target = nil
	c.setConn(StateDisconnected)
}

func (c *Controller) handleRequestFailed(e protocol.RequestFailed) {
	c.log.Warn().
		Err(e.Err).
		Str("phase", string(e.Phase)).
		Strs("channels", e.Channels).
		Msg("Transport request failed")
	if e.Phase == protocol.PhaseSubscribe || e.Phase == protocol.PhaseUnsubscribe {
		c.release(e.Phase)
		// The pass is abandoned; retrying is up to the caller.
		c.target = nil
	}
}

// Toggle subscribes to channel if the user is not subscribed to it and
// unsubscribes otherwise. A toggle for a channel that already has a request
// in flight is dropped.
func (c *Controller) Toggle(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != StateConnected {
		return ErrNotConnected
	}
	candidates := []string{channel}
	if slices.Contains(c.state.Identity.SubscribedChannels, channel) {
		c.issue(ctx, protocol.PhaseUnsubscribe, c.adapter.CalculateUnsubscribe(c.desired(), candidates))
	} else {
		c.issue(ctx, protocol.PhaseSubscribe, c.adapter.CalculateSubscribe(c.desired(), candidates))
	}
	return nil
}

// SetChannels replaces the desired channel set and reconciles the
// connection towards it. While disconnected the set is only recorded and
// used by the next connect.
func (c *Controller) SetChannels(ctx context.Context, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desired := dedupe(channels)
	switch c.conn {
	case StateDisconnected:
		c.state.Dispatch(SetSubscribedChannels{Channels: desired})
		c.target = nil
	case StateConnected:
		c.target = desired
		c.reconcile(ctx)
	default:
		// Reconciled once the pending connect completes.
		c.target = desired
	}
}

// reconcile runs one step of a reconciliation pass: unsubscribe first and
// only subscribe once nothing is left to unsubscribe. The pass ends when
// both deltas are empty.
func (c *Controller) reconcile(ctx context.Context) {
	if c.conn != StateConnected {
		return
	}
	desired := c.desired()
	if unsub := c.adapter.CalculateUnsubscribe(desired, nil); len(unsub) > 0 {
		c.issue(ctx, protocol.PhaseUnsubscribe, unsub)
		return
	}
	if sub := c.adapter.CalculateSubscribe(desired, nil); len(sub) > 0 {
		c.issue(ctx, protocol.PhaseSubscribe, sub)
		return
	}
	c.target = nil
}

// issue sends a subscribe or unsubscribe for the channels that have no
// request in flight yet.
func (c *Controller) issue(ctx context.Context, phase protocol.Phase, channels []string) {
	acquired := c.guard.Acquire(channels)
	if len(acquired) == 0 {
		if len(channels) > 0 {
			c.log.Debug().Str("phase", string(phase)).Strs("channels", channels).Msg("Request already in flight")
		}
		return
	}
	c.pending[phase] = append(c.pending[phase], acquired)
	if phase == protocol.PhaseSubscribe {
		c.adapter.Send(ctx, protocol.SubscribeCommand{Channels: acquired})
	} else {
		c.adapter.Send(ctx, protocol.UnsubscribeCommand{Channels: acquired})
	}
}

// release frees the channels of the oldest outstanding request of phase.
// The adapter answers requests in the order they were sent.
func (c *Controller) release(phase protocol.Phase) {
	queue := c.pending[phase]
	if len(queue) == 0 {
		return
	}
	c.guard.Release(queue[0]...)
	c.pending[phase] = queue[1:]
}

func (c *Controller) resetInflight() {
	c.guard.Reset()
	clear(c.pending)
}

func (c *Controller) desired() []string {
	if c.target != nil {
		return c.target
	}
	return c.state.Identity.SubscribedChannels
}

// SetUsername changes the local username. A change while a connection is
// established or being established is a new session: the old connection is
// dropped, local projections are cleared and a fresh connect is sent.
func (c *Controller) SetUsername(ctx context.Context, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Identity.Username == username {
		return
	}
	previous := c.state.Identity.Username
	c.state.Dispatch(SetUsername{Username: username})
	if c.conn == StateDisconnected {
		return
	}

	c.log.Info().Str("from", previous).Str("to", username).Msg("Username changed, reconnecting")
	c.adapter.Send(ctx, protocol.DisconnectCommand{})
	c.state.Dispatch(ResetSession{})
	c.connect(ctx, StateReconnecting)
}

// SetEmail changes the email sent with the next connect.
func (c *Controller) SetEmail(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Dispatch(SetEmail{Email: email})
}

// Reconnect starts a new connection with the current identity, for example
// after the transport reported a disconnect.
func (c *Controller) Reconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != StateDisconnected {
		c.adapter.Send(ctx, protocol.DisconnectCommand{})
	}
	c.connect(ctx, StateReconnecting)
}

// connect supersedes any previous connection with a new generation.
func (c *Controller) connect(ctx context.Context, next ConnState) {
	c.generation++
	c.resetInflight()
	c.setConn(next)
	c.adapter.Send(ctx, protocol.ConnectCommand{
		Generation: c.generation,
		Username:   c.state.Identity.Username,
		Channels:   slices.Clone(c.desired()),
	})
}

// Close disconnects the session. Events still in flight are ignored.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == StateDisconnected {
		return
	}
	c.adapter.Send(ctx, protocol.DisconnectCommand{})
	c.generation++
	c.resetInflight()
	c.target = nil
	c.setConn(StateDisconnected)
}

// SendMessage posts a message to channel. History is updated only when the
// server echoes the message back.
func (c *Controller) SendMessage(ctx context.Context, channel string, message map[string]any) error {
	return c.send(ctx, func(username string) protocol.Command {
		return protocol.MessageCommand{Channel: channel, User: username, Message: message}
	})
}

// EditMessage asks the server to replace the payload of a message.
func (c *Controller) EditMessage(ctx context.Context, channel, uuid string, message map[string]any) error {
	return c.send(ctx, func(string) protocol.Command {
		return protocol.EditCommand{UUID: uuid, Channel: channel, Message: message}
	})
}

// DeleteMessage asks the server to delete a message.
func (c *Controller) DeleteMessage(ctx context.Context, channel, uuid string) error {
	return c.send(ctx, func(string) protocol.Command {
		return protocol.DeleteCommand{UUID: uuid, Channel: channel}
	})
}

// ChangeStatus updates the local user's public state on the server.
func (c *Controller) ChangeStatus(ctx context.Context, state map[string]any) error {
	return c.send(ctx, func(username string) protocol.Command {
		return protocol.UserStateCommand{Username: username, UserState: state}
	})
}

func (c *Controller) send(ctx context.Context, build func(username string) protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != StateConnected {
		return ErrNotConnected
	}
	c.adapter.Send(ctx, build(c.state.Identity.Username))
	return nil
}

func (c *Controller) setConn(next ConnState) {
	if c.conn == next {
		return
	}
	c.conn = next
	c.metrics.StateTransitions.WithLabelValues(next.String()).Inc()
	if c.onStateChange != nil {
		c.onStateChange(next)
	}
}

func dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item != "" && !slices.Contains(out, item) {
			out = append(out, item)
		}
	}
	return out
}
