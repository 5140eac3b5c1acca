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
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dbtunnel/dbtunnel/lib/creds"
	"github.com/dbtunnel/dbtunnel/lib/session"
	"github.com/dbtunnel/dbtunnel/lib/tunnel"
	"github.com/dbtunnel/dbtunnel/lib/tunnel/tunneltest"
)

type allowAccess struct{}

func (allowAccess) CheckSessionRead(context.Context, *http.Request, session.Session) error {
	return nil
}

type denyAccess struct{}

func (denyAccess) CheckSessionRead(context.Context, *http.Request, session.Session) error {
	return trace.AccessDenied("caller may not read this session")
}

// channelPack is one fully wired web handler with a live fake
// relay/gateway/postgres stack behind it.
type channelPack struct {
	handler  *Handler
	web      *httptest.Server
	registry *session.Registry
	cache    *creds.Cache
	session  session.Session
	clock    clockwork.Clock
}

type packOption func(*Config)

func withClock(clock clockwork.Clock) packOption {
	return func(cfg *Config) { cfg.Clock = clock }
}

func withAccess(access AccessChecker) packOption {
	return func(cfg *Config) { cfg.Access = access }
}

func newChannelPack(t *testing.T, srv *tunneltest.Server, opts ...packOption) *channelPack {
	t.Helper()

	registry := session.NewRegistry()
	cache := creds.NewCache()
	cfg := Config{
		Sessions: registry,
		Access:   allowAccess{},
		Creds:    cache,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	handler, err := NewHandler(cfg)
	require.NoError(t, err)

	sess := session.Session{
		ID:           session.NewID(),
		Owner:        "alice",
		DatabaseName: "test",
		Status:       session.StatusActive,
		Expires:      handler.cfg.Clock.Now().Add(time.Hour),
	}
	require.NoError(t, registry.UpsertSession(sess))
	if srv != nil {
		cache.Set(sess.ID, srv.Bundle(t))
	}

	web := httptest.NewServer(handler)
	t.Cleanup(web.Close)

	return &channelPack{
		handler:  handler,
		web:      web,
		registry: registry,
		cache:    cache,
		session:  sess,
		clock:    handler.cfg.Clock,
	}
}

func (p *channelPack) dialQueryChannel(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(p.web.URL, "http") + "/v1/sessions/" + sessionID + "/query"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]json.RawMessage {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func messageType(t *testing.T, msg map[string]json.RawMessage) string {
	t.Helper()

	var typ string
	require.NoError(t, json.Unmarshal(msg["type"], &typ))
	return typ
}

func requireConnected(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.Equal(t, MessageTypeConnected, messageType(t, readMessage(t, ws)))
}

func requireCloseCode(t *testing.T, ws *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, code, closeErr.Code)
	return closeErr
}

func sendQuery(t *testing.T, ws *websocket.Conn, query string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(ExecuteQueryMessage{
		Type:  MessageTypeExecuteQuery,
		Query: query,
	}))
}

func readResult(t *testing.T, ws *websocket.Conn) QueryResult {
	t.Helper()

	msg := readMessage(t, ws)
	require.Equal(t, MessageTypeQueryResult, messageType(t, msg))
	var result QueryResult
	require.NoError(t, json.Unmarshal(msg["data"], &result))
	return result
}

func readQueryError(t *testing.T, ws *websocket.Conn) QueryError {
	t.Helper()

	msg := readMessage(t, ws)
	require.Equal(t, MessageTypeQueryError, messageType(t, msg))
	var queryErr QueryError
	require.NoError(t, json.Unmarshal(msg["error"], &queryErr))
	return queryErr
}

// trackDials wraps the handler's tunnel dialer with a counter so
// tests can assert whether establishment reached the tunnel at all.
func trackDials(h *Handler) *atomic.Int32 {
	var dials atomic.Int32
	inner := h.dialTunnel
	h.dialTunnel = func(ctx context.Context, bundle creds.Bundle) (*tunnel.Handle, *tunnel.Handle, error) {
		dials.Add(1)
		return inner(ctx, bundle)
	}
	return &dials
}

func TestChannelQueryRoundTrip(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{
		OnQuery: tunneltest.GenerateSeries(1),
	})
	pack := newChannelPack(t, srv)

	ws := pack.dialQueryChannel(t, pack.session.ID)
	requireConnected(t, ws)

	sendQuery(t, ws, "SELECT 1")
	result := readResult(t, ws)
	require.Equal(t, 1, result.RowCount)
	require.Len(t, result.Rows, 1)
	require.GreaterOrEqual(t, result.ExecutionTime, int64(0))
	require.Equal(t, "n", result.Fields[0].Name)
}

func TestChannelRejectsEndedSession(t *testing.T) {
	t.Parallel()

	pack := newChannelPack(t, nil)
	dials := trackDials(pack.handler)
	require.NoError(t, pack.registry.EndSession(pack.session.ID, session.StatusEnded))

	ws := pack.dialQueryChannel(t, pack.session.ID)
	closeErr := requireCloseCode(t, ws, CloseCodeSessionEnded)
	require.Contains(t, closeErr.Text, "session ended or expired")
	// Rejection happens before any tunnel connection attempt.
	require.Zero(t, dials.Load())
}

func TestChannelRejectsExpiredSession(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	pack := newChannelPack(t, nil, withClock(clock))
	dials := trackDials(pack.handler)

	clock.Advance(2 * time.Hour)

	ws := pack.dialQueryChannel(t, pack.session.ID)
	requireCloseCode(t, ws, CloseCodeSessionEnded)
	require.Zero(t, dials.Load())
}

func TestChannelRejectsUnknownSession(t *testing.T) {
	t.Parallel()

	pack := newChannelPack(t, nil)
	dials := trackDials(pack.handler)

	ws := pack.dialQueryChannel(t, session.NewID())
	requireCloseCode(t, ws, CloseCodeSessionEnded)
	require.Zero(t, dials.Load())
}

func TestChannelForbidden(t *testing.T) {
	t.Parallel()

	pack := newChannelPack(t, nil, withAccess(denyAccess{}))
	dials := trackDials(pack.handler)

	ws := pack.dialQueryChannel(t, pack.session.ID)
	closeErr := requireCloseCode(t, ws, CloseCodeForbidden)
	require.Equal(t, "forbidden", closeErr.Text)
	require.Zero(t, dials.Load())
}

func TestChannelMissingBundle(t *testing.T) {
	t.Parallel()

	pack := newChannelPack(t, nil)
	dials := trackDials(pack.handler)
	pack.cache.Delete(pack.session.ID)

	ws := pack.dialQueryChannel(t, pack.session.ID)
	closeErr := requireCloseCode(t, ws, CloseCodeSessionEnded)
	require.Equal(t, "session data not found or expired", closeErr.Text)
	require.Zero(t, dials.Load())
}

func TestChannelTunnelFailure(t *testing.T) {
	t.Parallel()

	pack := newChannelPack(t, nil)
	pack.cache.Set(pack.session.ID, creds.Bundle{})
	pack.handler.dialTunnel = func(context.Context, creds.Bundle) (*tunnel.Handle, *tunnel.Handle, error) {
		return nil, nil, trace.ConnectionProblem(nil, "failed to connect to relay")
	}

	ws := pack.dialQueryChannel(t, pack.session.ID)
	closeErr := requireCloseCode(t, ws, CloseCodeGenericError)
	require.Contains(t, closeErr.Text, "failed to connect to relay")
}

func TestChannelValidation(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{
		OnQuery: tunneltest.GenerateSeries(1),
	})
	pack := newChannelPack(t, srv)

	ws := pack.dialQueryChannel(t, pack.session.ID)
	requireConnected(t, ws)

	// Garbage, a wrong type, and an out-of-bounds request are each
	// answered with a validation error and leave the channel alive.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Equal(t, ErrCodeValidation, readQueryError(t, ws).Code)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe"}))
	require.Equal(t, ErrCodeValidation, readQueryError(t, ws).Code)

	require.NoError(t, ws.WriteJSON(ExecuteQueryMessage{
		Type:    MessageTypeExecuteQuery,
		Query:   "SELECT 1",
		Options: &QueryOptions{MaxRows: -5},
	}))
	require.Equal(t, ErrCodeValidation, readQueryError(t, ws).Code)

	sendQuery(t, ws, "SELECT 1")
	require.Equal(t, 1, readResult(t, ws).RowCount)
}

func TestChannelFailedQueryKeepsChannelAlive(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{
		OnQuery: func(query string) tunneltest.Response {
			if strings.HasPrefix(query, "SELEC ") {
				return tunneltest.Response{Err: &tunneltest.PGError{
					Code:    "42601",
					Message: "syntax error",
				}}
			}
			return tunneltest.GenerateSeries(1)(query)
		},
	})
	pack := newChannelPack(t, srv)

	ws := pack.dialQueryChannel(t, pack.session.ID)
	requireConnected(t, ws)

	sendQuery(t, ws, "SELEC 1")
	queryErr := readQueryError(t, ws)
	require.Equal(t, "42601", queryErr.Code)
	require.Contains(t, queryErr.Message, "syntax error")

	sendQuery(t, ws, "SELECT 1")
	require.Equal(t, 1, readResult(t, ws).RowCount)
}

func TestChannelBusy(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := tunneltest.New(t, tunneltest.Config{
		OnQuery: func(query string) tunneltest.Response {
			if query == "SELECT slow" {
				resp := tunneltest.GenerateSeries(1)(query)
				resp.Block = block
				return resp
			}
			return tunneltest.GenerateSeries(1)(query)
		},
	})
	pack := newChannelPack(t, srv)

	ws := pack.dialQueryChannel(t, pack.session.ID)
	requireConnected(t, ws)

	sendQuery(t, ws, "SELECT slow")
	sendQuery(t, ws, "SELECT 1")

	// The overlapping request is rejected while the first one is
	// unaffected and completes once the backend unblocks.
	require.Equal(t, ErrCodeBusy, readQueryError(t, ws).Code)
	close(block)
	require.Equal(t, 1, readResult(t, ws).RowCount)

	sendQuery(t, ws, "SELECT 1")
	require.Equal(t, 1, readResult(t, ws).RowCount)
}

func TestChannelSessionExpiresMidChannel(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{
		OnQuery: tunneltest.GenerateSeries(1),
	})
	clock := clockwork.NewFakeClock()
	pack := newChannelPack(t, srv, withClock(clock))

	ws := pack.dialQueryChannel(t, pack.session.ID)
	requireConnected(t, ws)

	// Wait for the expiry watchdog to arm its timer, then push the
	// clock past the session expiry.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Hour)

	msg := readMessage(t, ws)
	require.Equal(t, MessageTypeSessionExpired, messageType(t, msg))
	requireCloseCode(t, ws, CloseCodeSessionEnded)
}

// orderConn records its close into a shared log, for teardown
// ordering assertions.
type orderConn struct {
	net.Conn
	name string
	mu   *sync.Mutex
	log  *[]string
}

func (c *orderConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, c.name)
	return nil
}

func (c *orderConn) SetReadDeadline(time.Time) error  { return nil }
func (c *orderConn) SetWriteDeadline(time.Time) error { return nil }

func TestChannelCloseOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var closeLog []string

	pack := newChannelPack(t, nil)
	pack.cache.Set(pack.session.ID, creds.Bundle{})
	pack.handler.dialTunnel = func(context.Context, creds.Bundle) (*tunnel.Handle, *tunnel.Handle, error) {
		relay := tunnel.NewHandle(&orderConn{name: "relay", mu: &mu, log: &closeLog}, tunnel.ConnectionInfo{}, nil)
		gateway := tunnel.NewHandle(&orderConn{name: "gateway", mu: &mu, log: &closeLog}, tunnel.ConnectionInfo{}, relay)
		return gateway, relay, nil
	}

	ws := pack.dialQueryChannel(t, pack.session.ID)
	requireConnected(t, ws)
	require.NoError(t, ws.Close())

	// The channel tears down inner to outer: gateway transport
	// strictly before relay transport.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closeLog) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"gateway", "relay"}, closeLog)
}
