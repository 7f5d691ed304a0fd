// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/aiku/channelstream-go/pkg/protocol"
)

// errWebsocketUnavailable is returned when the first websocket dial of a
// connection fails, which switches the listener to long-polling.
var errWebsocketUnavailable = errors.New("websocket unavailable")

// connect performs the connect handshake for j and starts the listener.
func (c *Client) connect(parent context.Context, j job) {
	ctx, cancel := linked(parent, j.connCtx)
	log := c.log.With().Uint64("generation", j.gen).Logger()

	resp, err := backoff.Retry(ctx, func() (protocol.ConnectResponse, error) {
		var resp protocol.ConnectResponse
		err := c.do(ctx, j.req, &resp)
		return resp, permanentIfClientError(err)
	}, c.retryOptions("connect")...)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			log.Debug().Msg("Connect superseded")
			return
		}
		log.Error().Err(err).Msg("Connect failed")
		c.emit(parent, protocol.Disconnected{Generation: j.gen, Err: fmt.Errorf("connect: %w", err)})
		return
	}

	connID, ok := c.adoptConnection(ctx, j.gen, resp)
	if !ok {
		cancel()
		log.Debug().Msg("Connect superseded")
		return
	}
	log.Info().Str("conn_id", connID).Strs("channels", resp.Channels).Msg("Connected")
	c.emit(parent, protocol.Connected{Generation: j.gen, Response: resp})

	c.listeners.Add(1)
	go func() {
		defer c.listeners.Done()
		defer cancel()
		c.listen(ctx, j.gen, connID)
	}()
}

// adoptConnection records the server's view of a fresh connection and
// returns the connection id to listen on. It reports false when the connect
// was superseded or torn down while the reply was in flight.
func (c *Client) adoptConnection(ctx context.Context, gen uint64, resp protocol.ConnectResponse) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || ctx.Err() != nil {
		return "", false
	}
	if resp.ConnID != "" {
		c.connID = resp.ConnID
	}
	c.channels = append([]string(nil), resp.Channels...)
	c.established = true
	return c.connID, true
}

// listen streams message batches until ctx is done or the listener gives
// up, in which case Disconnected is emitted.
func (c *Client) listen(ctx context.Context, gen uint64, connID string) {
	log := c.log.With().Uint64("generation", gen).Str("conn_id", connID).Logger()

	var err error
	if !c.cfg.LongPoll && c.cfg.WebsocketURL != "" {
		err = c.listenWebsocket(ctx, gen, connID)
		if errors.Is(err, errWebsocketUnavailable) && c.cfg.LongPollURL != "" {
			log.Warn().Err(err).Msg("Falling back to long-polling")
			c.metrics.Fallbacks.Inc()
			err = c.listenLongPoll(ctx, gen, connID)
		}
	} else {
		err = c.listenLongPoll(ctx, gen, connID)
	}
	if ctx.Err() != nil {
		return
	}

	log.Warn().Err(err).Msg("Listener stopped")
	c.mu.Lock()
	if c.generation == gen {
		c.channels = nil
	}
	c.mu.Unlock()
	c.emit(ctx, protocol.Disconnected{Generation: gen, Err: fmt.Errorf("listen: %w", err)})
}

func (c *Client) listenWebsocket(ctx context.Context, gen uint64, connID string) error {
	target := withConnID(c.cfg.WebsocketURL, connID)
	conn, err := c.dial(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %w", errWebsocketUnavailable, err)
	}
	c.log.Debug().Str("ws_url", c.cfg.WebsocketURL).Msg("Websocket connected")

	for {
		err = c.readWebsocket(ctx, conn, gen)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("Websocket closed, reconnecting")

		conn, err = backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx, target)
		}, c.retryOptions("websocket")...)
		if err != nil {
			return err
		}
	}
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, target, c.header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(fmt.Errorf("websocket handshake: %w", err))
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	return conn, nil
}

func (c *Client) readWebsocket(ctx context.Context, conn *websocket.Conn, gen uint64) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.deliver(ctx, gen, data)
	}
}

func (c *Client) listenLongPoll(ctx context.Context, gen uint64, connID string) error {
	target := withConnID(c.cfg.LongPollURL, connID)
	c.log.Debug().Str("long_poll_url", c.cfg.LongPollURL).Msg("Long-polling")
	for {
		data, err := backoff.Retry(ctx, func() ([]byte, error) {
			data, err := c.poll(ctx, target)
			return data, permanentIfClientError(err)
		}, c.retryOptions("long_poll")...)
		if err != nil {
			return err
		}
		c.deliver(ctx, gen, data)
	}
}

// deliver decodes one batch and emits it. Undecodable batches are dropped.
func (c *Client) deliver(ctx context.Context, gen uint64, data []byte) {
	msgs, err := protocol.DecodeBatch(data)
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		c.log.Warn().Err(err).Int("size", len(data)).Msg("Dropping undecodable batch")
		return
	}
	if len(msgs) == 0 {
		return
	}
	c.emit(ctx, protocol.MessageBatch{Generation: gen, Messages: msgs})
}

func (c *Client) retryOptions(what string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitialInterval
	b.MaxInterval = c.cfg.ReconnectMaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.cfg.ReconnectMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.Retries.WithLabelValues(what).Inc()
			c.log.Debug().Err(err).Str("what", what).Dur("retry_in", next).Msg("Retrying")
		}),
	}
}

func (c *Client) header() http.Header {
	h := make(http.Header, len(c.cfg.Headers))
	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}
	return h
}

// permanentIfClientError marks 4xx responses as not retryable.
func permanentIfClientError(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

func withConnID(raw, connID string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("conn_id", connID)
	u.RawQuery = q.Encode()
	return u.String()
}
