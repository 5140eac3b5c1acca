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

package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/dbtunnel/dbtunnel/lib/creds"
	"github.com/dbtunnel/dbtunnel/lib/db/postgres"
	"github.com/dbtunnel/dbtunnel/lib/session"
	"github.com/dbtunnel/dbtunnel/lib/tunnel"
)

// queryChannel is one established query websocket. It owns the nested
// tunnel transports for its lifetime and processes at most one query
// at a time; the physical tunnel is not protocol-multiplexed.
type queryChannel struct {
	cfg       *Config
	log       *slog.Logger
	ws        *websocket.Conn
	sessionID string
	dial      tunnelDialer

	session session.Session
	bundle  creds.Bundle
	gateway *tunnel.Handle
	relay   *tunnel.Handle

	// wmu serializes data frame writes; the query executes on its own
	// goroutine while the read loop keeps answering with rejections.
	wmu sync.Mutex

	// mu guards executing.
	mu        sync.Mutex
	executing bool

	closeOnce sync.Once
	done      chan struct{}
}

// serve walks the channel through its states: session validation,
// authorization, tunnel establishment, then the query loop. Any
// rejection closes the websocket with a state-specific close code
// before a single tunnel connection is attempted.
func (ch *queryChannel) serve(r *http.Request) {
	ctx := r.Context()

	sess, err := ch.cfg.Sessions.GetSession(ctx, ch.sessionID)
	if err != nil {
		if !trace.IsNotFound(err) {
			ch.log.WarnContext(ctx, "Failed to look up session", "error", err)
			ch.close(CloseCodeGenericError, "internal error")
			return
		}
		ch.close(CloseCodeSessionEnded, "session ended or expired")
		return
	}
	if sess.Ended() || sess.Expired(ch.cfg.Clock) {
		ch.close(CloseCodeSessionEnded, "session ended or expired")
		return
	}
	ch.session = sess

	if err := ch.cfg.Access.CheckSessionRead(ctx, r, sess); err != nil {
		ch.log.InfoContext(ctx, "Query channel rejected", "error", err)
		ch.close(CloseCodeForbidden, "forbidden")
		return
	}

	bundle, ok := ch.cfg.Creds.Get(ch.sessionID)
	if !ok {
		ch.close(CloseCodeSessionEnded, "session data not found or expired")
		return
	}
	ch.bundle = bundle

	gateway, relay, err := ch.dial(ctx, bundle)
	if err != nil {
		ch.log.WarnContext(ctx, "Failed to establish session tunnel", "error", err)
		ch.close(CloseCodeGenericError, trace.UserMessage(err))
		return
	}
	ch.gateway = gateway
	ch.relay = relay

	if err := ch.writeJSON(ConnectedMessage{Type: MessageTypeConnected}); err != nil {
		ch.log.WarnContext(ctx, "Failed to send connected acknowledgement", "error", err)
		ch.close(CloseCodeGenericError, "internal error")
		return
	}
	ch.log.DebugContext(ctx, "Query channel established", "database", bundle.Database.Name)

	ch.ws.SetReadDeadline(ch.readDeadline())
	ch.ws.SetPongHandler(func(string) error {
		ch.ws.SetReadDeadline(ch.readDeadline())
		return nil
	})
	go ch.pingLoop()
	go ch.expiryWatch(ctx)

	ch.readLoop(ctx)
	ch.close(CloseCodeGenericError, "")
}

// readLoop pumps client messages until the peer goes away. Malformed
// messages and overlapping requests are answered in place; neither
// terminates the channel.
func (ch *queryChannel) readLoop(ctx context.Context) {
	for {
		_, data, err := ch.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ExecuteQueryMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.sendError(ctx, ErrCodeValidation, "malformed message")
			continue
		}
		if msg.Type != MessageTypeExecuteQuery {
			ch.sendError(ctx, ErrCodeValidation, "unsupported message type "+msg.Type)
			continue
		}
		req, err := msg.request()
		if err != nil {
			ch.sendError(ctx, ErrCodeValidation, trace.UserMessage(err))
			continue
		}

		ch.mu.Lock()
		if ch.executing {
			ch.mu.Unlock()
			ch.sendError(ctx, ErrCodeBusy, "another query is already executing on this session")
			continue
		}
		ch.executing = true
		ch.mu.Unlock()

		go ch.execute(ctx, req)
	}
}

// execute runs one statement over the gateway transport. Failure
// returns the channel to its ready state; only the websocket dying
// tears it down.
func (ch *queryChannel) execute(ctx context.Context, req postgres.Request) {
	defer func() {
		ch.mu.Lock()
		ch.executing = false
		ch.mu.Unlock()
	}()

	executor := &postgres.Executor{Clock: ch.cfg.Clock, Log: ch.log}
	result, err := executor.Execute(ctx, ch.gateway.Conn(), ch.bundle.Database, req)
	if err != nil {
		ch.log.DebugContext(ctx, "Query failed", "error", err)
		if writeErr := ch.writeJSON(newExecutionErrorMessage(err)); writeErr != nil {
			ch.log.DebugContext(ctx, "Failed to send query error", "error", writeErr)
		}
		return
	}
	if err := ch.writeJSON(newResultMessage(result)); err != nil {
		ch.log.DebugContext(ctx, "Failed to send query result", "error", err)
	}
}

// pingLoop keeps the websocket from idling out. It stops when the
// channel closes or a ping cannot be delivered.
func (ch *queryChannel) pingLoop() {
	ticker := time.NewTicker(ch.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if err := ch.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ch.log.Debug("Failed to send ping frame", "error", err)
				ch.close(CloseCodeGenericError, "")
				return
			}
		case <-ch.done:
			return
		}
	}
}

// expiryWatch closes the channel when the session's expiry passes
// mid-channel, pushing a session_expired notification first so the
// client knows not to reconnect.
func (ch *queryChannel) expiryWatch(ctx context.Context) {
	if ch.session.Expires.IsZero() {
		return
	}
	timer := ch.cfg.Clock.NewTimer(ch.session.Expires.Sub(ch.cfg.Clock.Now()))
	defer timer.Stop()

	select {
	case <-timer.Chan():
		ch.log.InfoContext(ctx, "Session expired, closing query channel")
		if err := ch.writeJSON(SessionExpiredMessage{
			Type:    MessageTypeSessionExpired,
			Message: "session expired",
		}); err != nil {
			ch.log.DebugContext(ctx, "Failed to send session expiry notification", "error", err)
		}
		ch.close(CloseCodeSessionEnded, "session expired")
	case <-ch.done:
	}
}

func (ch *queryChannel) sendError(ctx context.Context, code, message string) {
	if err := ch.writeJSON(newErrorMessage(code, message)); err != nil {
		ch.log.DebugContext(ctx, "Failed to send error message", "error", err)
	}
}

func (ch *queryChannel) writeJSON(msg any) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	return trace.Wrap(ch.ws.WriteJSON(msg))
}

func (ch *queryChannel) readDeadline() time.Time {
	return time.Now().Add(2 * ch.cfg.KeepAliveInterval)
}

// close sends the close frame, shuts the websocket and tears the
// tunnel down inner to outer: gateway transport strictly before relay
// transport. Teardown errors are logged and swallowed; a failing leg
// never prevents closing the other.
func (ch *queryChannel) close(code int, reason string) {
	ch.closeOnce.Do(func() {
		close(ch.done)

		deadline := time.Now().Add(time.Second)
		if err := ch.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
			ch.log.Debug("Failed to send close frame", "error", err)
		}
		if err := ch.ws.Close(); err != nil {
			ch.log.Debug("Failed to close websocket", "error", err)
		}

		if ch.gateway != nil {
			if err := ch.gateway.Close(); err != nil {
				ch.log.Debug("Failed to close gateway transport", "error", err)
			}
		}
		if ch.relay != nil {
			if err := ch.relay.Close(); err != nil {
				ch.log.Debug("Failed to close relay transport", "error", err)
			}
		}
	})
}
