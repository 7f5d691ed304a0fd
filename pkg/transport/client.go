// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/channelstream-go/pkg/protocol"
	"github.com/aiku/channelstream-go/pkg/reconcile"
)

// Config holds the endpoints and tuning of a Client.
type Config struct {
	ConnectURL       string
	DisconnectURL    string
	SubscribeURL     string
	UnsubscribeURL   string
	MessageURL       string
	MessageEditURL   string
	MessageDeleteURL string
	UserStateURL     string
	WebsocketURL     string
	LongPollURL      string

	// LongPoll skips the websocket and listens by long-polling only.
	LongPoll bool
	// Headers are added to every request, including the websocket
	// handshake.
	Headers map[string]string

	RequestTimeout  time.Duration
	LongPollTimeout time.Duration

	// MessageRate limits outbound messages per second. Zero disables the
	// limit.
	MessageRate  float64
	MessageBurst int

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectMaxElapsed      time.Duration

	HTTPClient *http.Client
}

func (cfg *Config) setDefaults() {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.LongPollTimeout == 0 {
		cfg.LongPollTimeout = 60 * time.Second
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 1
	}
	if cfg.ReconnectInitialInterval == 0 {
		cfg.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxInterval == 0 {
		cfg.ReconnectMaxInterval = 30 * time.Second
	}
	if cfg.ReconnectMaxElapsed == 0 {
		cfg.ReconnectMaxElapsed = 5 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
}

// job is one queued outbound request.
type job struct {
	gen     uint64
	cmd     protocol.Command
	req     protocol.Request
	connCtx context.Context
}

// Client is a channelstream transport adapter. Commands are turned into
// HTTP requests synchronously in Send and executed in order by the single
// worker started with Run. A successful connect starts a listener that
// streams message batches over a websocket, falling back to long-polling.
type Client struct {
	log     zerolog.Logger
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	metrics *Metrics
	events  chan protocol.Event

	mu         sync.Mutex
	mutators   map[protocol.Phase][]protocol.Mutator
	generation uint64
	connID     string
	channels   []string
	connCtx    context.Context
	connCancel context.CancelFunc
	// established is set once the current connect has been adopted.
	established bool
	queue      []job
	wake       chan struct{}

	listeners sync.WaitGroup
}

// New creates a client. metrics may be nil.
func New(cfg Config, log zerolog.Logger, metrics *Metrics) *Client {
	cfg.setDefaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	limit := rate.Inf
	if cfg.MessageRate > 0 {
		limit = rate.Limit(cfg.MessageRate)
	}
	return &Client{
		log: log.With().Str("component", "transport").Logger(),
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.RequestTimeout,
		},
		limiter:  rate.NewLimiter(limit, cfg.MessageBurst),
		metrics:  metrics,
		events:   make(chan protocol.Event, 64),
		mutators: make(map[protocol.Phase][]protocol.Mutator),
		wake:     make(chan struct{}, 1),
	}
}

// Events returns the inbound event channel. It is closed when Run returns.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// AddMutator registers fn to edit every request of phase before it is
// queued.
func (c *Client) AddMutator(phase protocol.Phase, fn protocol.Mutator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutators[phase] = append(c.mutators[phase], fn)
}

// Channels returns the channels the server last reported for the current
// connection.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channels...)
}

// ConnID returns the id of the current connection, or "" when there is
// none.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client) CalculateSubscribe(desired, candidates []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return reconcile.Subscribe(c.channels, desired, candidates)
}

func (c *Client) CalculateUnsubscribe(desired, candidates []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return reconcile.Unsubscribe(c.channels, desired, candidates)
}

// Send queues cmd. It never blocks on I/O. The request is built and passed
// through the phase's mutators before Send returns.
func (c *Client) Send(_ context.Context, cmd protocol.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j := job{cmd: cmd, gen: c.generation}
	switch cmd := cmd.(type) {
	case protocol.ConnectCommand:
		c.stopConnection()
		c.generation = cmd.Generation
		c.connID = uuid.NewString()
		c.connCtx, c.connCancel = context.WithCancel(context.Background())
		j.gen = cmd.Generation
		j.connCtx = c.connCtx
	case protocol.DisconnectCommand:
		// A connect still retrying is abandoned right away. An established
		// connection is stopped by the worker so earlier requests still leave.
		if !c.established {
			c.stopConnection()
		}
	}

	j.req = c.buildRequest(cmd)
	for _, fn := range c.mutators[j.req.Phase] {
		fn(&j.req)
	}

	c.queue = append(c.queue, j)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stopConnection cancels the current connect and listener. Callers hold mu.
// A disconnect only takes effect once the worker reaches it, so requests
// queued before it still go out.
func (c *Client) stopConnection() {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.established = false
	c.channels = nil
}

func (c *Client) buildRequest(cmd protocol.Command) protocol.Request {
	req := protocol.Request{
		Phase:   cmd.CommandPhase(),
		Method:  http.MethodPost,
		Headers: maps.Clone(c.cfg.Headers),
	}
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	switch cmd := cmd.(type) {
	case protocol.ConnectCommand:
		req.URL = c.cfg.ConnectURL
		req.Body = map[string]any{
			"username": cmd.Username,
			"channels": nonNil(cmd.Channels),
			"conn_id":  c.connID,
			"state":    map[string]any{},
		}
	case protocol.DisconnectCommand:
		req.URL = c.cfg.DisconnectURL
		req.Body = map[string]any{"conn_id": c.connID}
	case protocol.SubscribeCommand:
		req.URL = c.cfg.SubscribeURL
		req.Body = map[string]any{"conn_id": c.connID, "channels": nonNil(cmd.Channels)}
	case protocol.UnsubscribeCommand:
		req.URL = c.cfg.UnsubscribeURL
		req.Body = map[string]any{"conn_id": c.connID, "channels": nonNil(cmd.Channels)}
	case protocol.MessageCommand:
		req.URL = c.cfg.MessageURL
		req.Body = map[string]any{
			"type":    protocol.TypeMessage,
			"user":    cmd.User,
			"channel": cmd.Channel,
			"message": cmd.Message,
		}
	case protocol.EditCommand:
		req.URL = c.cfg.MessageEditURL
		req.Method = http.MethodPatch
		req.Body = map[string]any{"uuid": cmd.UUID, "channel": cmd.Channel, "message": cmd.Message}
	case protocol.DeleteCommand:
		req.URL = c.cfg.MessageDeleteURL
		req.Method = http.MethodDelete
		req.Body = map[string]any{"uuid": cmd.UUID, "channel": cmd.Channel}
	case protocol.UserStateCommand:
		req.URL = c.cfg.UserStateURL
		req.Body = map[string]any{
			"username":     cmd.Username,
			"conn_id":      c.connID,
			"update_state": map[string]any{"user_state": cmd.UserState},
		}
	}
	return req
}

// Run executes queued requests until ctx is done. Events is closed once
// Run and every listener it started have returned.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.stopConnection()
		c.mu.Unlock()
		c.listeners.Wait()
		close(c.events)
	}()
	for {
		j, ok := c.next(ctx)
		if !ok {
			return ctx.Err()
		}
		c.process(ctx, j)
	}
}

func (c *Client) next(ctx context.Context) (job, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			j := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return j, true
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return job{}, false
		case <-c.wake:
		}
	}
}

func (c *Client) process(ctx context.Context, j job) {
	log := c.log.With().Str("phase", string(j.req.Phase)).Uint64("generation", j.gen).Logger()

	switch cmd := j.cmd.(type) {
	case protocol.ConnectCommand:
		c.connect(ctx, j)
		return
	case protocol.DisconnectCommand:
		c.mu.Lock()
		if c.generation == j.gen {
			c.stopConnection()
			c.connID = ""
		}
		c.mu.Unlock()
		if err := c.do(ctx, j.req, nil); err != nil {
			log.Warn().Err(err).Msg("Disconnect request failed")
		}
		return
	case protocol.SubscribeCommand:
		if !c.current(j.gen) {
			log.Debug().Msg("Skipping request for superseded connection")
			return
		}
		var resp protocol.SubscribeResponse
		if err := c.do(ctx, j.req, &resp); err != nil {
			c.fail(ctx, log, j, cmd.Channels, err)
			return
		}
		c.setChannels(j.gen, resp.Channels)
		c.emit(ctx, protocol.Subscribed{Generation: j.gen, Response: resp})
		return
	case protocol.UnsubscribeCommand:
		if !c.current(j.gen) {
			log.Debug().Msg("Skipping request for superseded connection")
			return
		}
		var resp protocol.UnsubscribeResponse
		if err := c.do(ctx, j.req, &resp); err != nil {
			c.fail(ctx, log, j, cmd.Channels, err)
			return
		}
		c.setChannels(j.gen, resp.Channels)
		c.emit(ctx, protocol.Unsubscribed{Generation: j.gen, Response: resp})
		return
	case protocol.MessageCommand:
		if err := c.limiter.Wait(ctx); err != nil {
			log.Debug().Err(err).Msg("Message dropped while waiting for rate limit")
			return
		}
	}

	if !c.current(j.gen) {
		log.Debug().Msg("Skipping request for superseded connection")
		return
	}
	if err := c.do(ctx, j.req, nil); err != nil {
		c.fail(ctx, log, j, nil, err)
	}
}

func (c *Client) fail(ctx context.Context, log zerolog.Logger, j job, channels []string, err error) {
	log.Warn().Err(err).Strs("channels", channels).Msg("Request failed")
	c.emit(ctx, protocol.RequestFailed{
		Generation: j.gen,
		Phase:      j.req.Phase,
		Channels:   channels,
		Err:        err,
	})
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Client) setChannels(gen uint64, channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		c.channels = append([]string(nil), channels...)
	}
}

func (c *Client) emit(ctx context.Context, evt protocol.Event) {
	select {
	case c.events <- evt:
	case <-ctx.Done():
	}
}

// linked returns a context cancelled when either parent or conn is done.
func linked(parent, conn context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(conn, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
