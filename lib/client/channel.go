/*
 * DBTunnel
 * Copyright (C) 2026  DBTunnel OSS
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package client implements the browser-side peer of the session
// query channel: a websocket wrapper that reconnects with exponential
// backoff and exposes a small request/response surface to UI code.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/jpillora/backoff"

	"github.com/dbtunnel/dbtunnel"
	"github.com/dbtunnel/dbtunnel/lib/defaults"
	"github.com/dbtunnel/dbtunnel/lib/web"
)

// Status is the connection state of a reconnecting channel.
type Status string

const (
	// StatusDisconnected means the channel is not connected and no
	// reconnect is scheduled.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means the first connection attempt is running.
	StatusConnecting Status = "connecting"
	// StatusConnected means the channel is established and accepts
	// queries.
	StatusConnected Status = "connected"
	// StatusReconnecting means the channel dropped and a reconnect is
	// running or scheduled.
	StatusReconnecting Status = "reconnecting"
)

// Config configures a ReconnectingChannel.
type Config struct {
	// URL is the websocket endpoint of the session query channel.
	URL string
	// Dialer is the websocket dialer. Defaults to
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Clock schedules reconnect attempts.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(dbtunnel.ComponentKey, dbtunnel.ComponentClient)
	}
	return nil
}

// ReconnectingChannel maintains one logical query session over a
// websocket that may drop and come back. Failed connection attempts
// are retried with exponential backoff until the attempt budget runs
// out; a server-pushed session expiry disables reconnection for good.
type ReconnectingChannel struct {
	cfg     Config
	backoff *backoff.Backoff

	// dial is replaced in tests.
	dial func(ctx context.Context) (*websocket.Conn, error)

	mu         sync.Mutex
	status     Status
	attempts   int
	inFlight   bool
	lastResult *web.QueryResult
	lastErr    error
	ws         *websocket.Conn
	expired    bool
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReconnectingChannel returns an idle channel. Call Start to
// connect.
func NewReconnectingChannel(cfg Config) (*ReconnectingChannel, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &ReconnectingChannel{
		cfg: cfg,
		backoff: &backoff.Backoff{
			Min:    defaults.ReconnectInitialDelay,
			Max:    defaults.ReconnectMaxDelay,
			Factor: 2,
			Jitter: false,
		},
		status: StatusDisconnected,
		done:   make(chan struct{}),
	}
	c.dial = func(ctx context.Context) (*websocket.Conn, error) {
		ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return ws, trace.Wrap(err)
	}
	return c, nil
}

// Start runs the connect/reconnect loop until the channel closes, the
// attempt budget runs out or the session expires.
func (c *ReconnectingChannel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.status != StatusDisconnected || c.closed {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *ReconnectingChannel) run(ctx context.Context) {
	for {
		ws, err := c.connect(ctx)
		if err != nil {
			if !c.scheduleRetry(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.status = StatusConnected
		c.attempts = 0
		c.mu.Unlock()
		c.backoff.Reset()
		c.cfg.Log.DebugContext(ctx, "Query channel connected")

		terminal := c.readLoop(ctx, ws)
		ws.Close()

		c.mu.Lock()
		c.ws = nil
		c.inFlight = false
		closed := c.closed || c.expired
		c.mu.Unlock()

		if terminal || closed {
			c.setStatus(StatusDisconnected)
			return
		}
		c.setStatus(StatusReconnecting)
		if !c.scheduleRetry(ctx) {
			return
		}
	}
}

// connect dials the endpoint and waits for the server's connected
// acknowledgement. A websocket that closes before acknowledging, for
// example with a rejection close code, counts as a failed attempt.
func (c *ReconnectingChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		if closeCode(err) == web.CloseCodeSessionEnded {
			c.markExpired()
		}
		return nil, trace.Wrap(err)
	}
	var msg web.ConnectedMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != web.MessageTypeConnected {
		ws.Close()
		return nil, trace.BadParameter("expected connected acknowledgement")
	}
	return ws, nil
}

// scheduleRetry sleeps through the backoff delay for the next attempt.
// It returns false when no further attempt may run: the budget of
// defaults.ReconnectMaxAttempts consecutive failures is spent, the
// session expired, or the channel closed.
func (c *ReconnectingChannel) scheduleRetry(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed || c.expired {
		c.mu.Unlock()
		c.setStatus(StatusDisconnected)
		return false
	}
	c.attempts++
	if c.attempts > defaults.ReconnectMaxAttempts {
		c.mu.Unlock()
		c.cfg.Log.WarnContext(ctx, "Reconnect attempt budget exhausted, giving up")
		c.setStatus(StatusDisconnected)
		return false
	}
	if c.status == StatusConnecting {
		c.status = StatusReconnecting
	}
	c.mu.Unlock()

	delay := c.backoff.Duration()
	c.cfg.Log.DebugContext(ctx, "Scheduling reconnect", "delay", delay)
	timer := c.cfg.Clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-c.done:
		c.setStatus(StatusDisconnected)
		return false
	case <-ctx.Done():
		c.setStatus(StatusDisconnected)
		return false
	}
}

// readLoop pumps server messages until the websocket dies. It returns
// true when the channel must not reconnect.
func (c *ReconnectingChannel) readLoop(ctx context.Context, ws *websocket.Conn) bool {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if closeCode(err) == web.CloseCodeSessionEnded {
				c.markExpired()
				return true
			}
			return false
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.cfg.Log.DebugContext(ctx, "Discarding malformed server message", "error", err)
			continue
		}
		switch envelope.Type {
		case web.MessageTypeQueryResult:
			var msg web.QueryResultMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			c.lastResult = &msg.Data
			c.lastErr = nil
			c.inFlight = false
			c.mu.Unlock()
		case web.MessageTypeQueryError:
			var msg web.QueryErrorMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.mu.Lock()
			c.lastErr = trace.Errorf("%v", msg.Error.Message)
			c.inFlight = false
			c.mu.Unlock()
		case web.MessageTypeSessionExpired:
			c.cfg.Log.InfoContext(ctx, "Session expired, reconnection disabled")
			c.markExpired()
			return true
		}
	}
}

// Submit sends one query over the channel. It fails immediately when
// the channel is not connected; requests are never queued.
func (c *ReconnectingChannel) Submit(query string, opts *web.QueryOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.ws == nil {
		return trace.ConnectionProblem(nil, "channel is not connected")
	}
	if c.inFlight {
		return trace.LimitExceeded("a query is already in flight")
	}
	msg := web.ExecuteQueryMessage{
		Type:    web.MessageTypeExecuteQuery,
		Query:   query,
		Options: opts,
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return trace.ConnectionProblem(err, "failed to send query")
	}
	c.inFlight = true
	return nil
}

// Status returns the current connection state.
func (c *ReconnectingChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the consecutive failed connection attempts so far.
// It resets to zero on every successful connect.
func (c *ReconnectingChannel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// InFlight reports whether a submitted query is still unanswered.
func (c *ReconnectingChannel) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// LastResult returns the most recent query result, nil if none.
func (c *ReconnectingChannel) LastResult() *web.QueryResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// LastErr returns the most recent query error, nil if none or if the
// last query succeeded.
func (c *ReconnectingChannel) LastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Expired reports whether the server declared the session expired.
func (c *ReconnectingChannel) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Close stops the reconnect loop and closes the websocket if
// connected. It blocks until the loop exits.
func (c *ReconnectingChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.Close()
	}
	c.wg.Wait()
	c.setStatus(StatusDisconnected)
	return nil
}

func (c *ReconnectingChannel) markExpired() {
	c.mu.Lock()
	c.expired = true
	c.mu.Unlock()
}

func (c *ReconnectingChannel) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// closeCode extracts the websocket close code from a read error, 0
// when the error is not a close frame.
func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return 0
}
