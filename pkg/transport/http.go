// Copyright 2024-2026 Aiku AI

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiku/channelstream-go/pkg/protocol"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 8 << 20

// HTTPError is returned for responses with a non-2xx status.
type HTTPError struct {
	Phase      protocol.Phase
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s request failed with status %d", e.Phase, e.StatusCode)
	}
	return fmt.Sprintf("%s request failed with status %d: %s", e.Phase, e.StatusCode, e.Body)
}

// do sends req and decodes a JSON response into out, if out is non-nil.
func (c *Client) do(ctx context.Context, req protocol.Request, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, req, out)
	c.metrics.observe(req.Phase, start, err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, req protocol.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", req.Phase, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", req.Phase, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	data, err := c.exchange(httpReq, req.Phase)
	if err != nil {
		return err
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", req.Phase, err)
		}
	}
	return nil
}

// poll performs one long-poll request and returns the raw batch.
func (c *Client) poll(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LongPollTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build long-poll request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	return c.exchange(httpReq, "listen")
}

func (c *Client) exchange(httpReq *http.Request, phase protocol.Phase) ([]byte, error) {
	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", phase, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", phase, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Phase: phase, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return data, nil
}
