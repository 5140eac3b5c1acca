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

// Package web serves the browser-facing API, most notably the
// per-session query websocket that tunnels statements through the
// relay and gateway down to the session database.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/dbtunnel/dbtunnel"
	"github.com/dbtunnel/dbtunnel/lib/creds"
	"github.com/dbtunnel/dbtunnel/lib/defaults"
	"github.com/dbtunnel/dbtunnel/lib/session"
	"github.com/dbtunnel/dbtunnel/lib/tunnel"
)

// SessionGetter looks up browser sessions. The daemon backs it with
// session.Registry; tests supply fakes.
type SessionGetter interface {
	// GetSession returns the session with the given id, or
	// trace.NotFound.
	GetSession(ctx context.Context, id string) (session.Session, error)
}

// AccessChecker decides whether the caller of an incoming request may
// read a session.
type AccessChecker interface {
	// CheckSessionRead returns nil when the request's caller holds
	// the read capability on the session, trace.AccessDenied
	// otherwise.
	CheckSessionRead(ctx context.Context, r *http.Request, s session.Session) error
}

// AccessCheckerFunc adapts a function to the AccessChecker interface.
type AccessCheckerFunc func(ctx context.Context, r *http.Request, s session.Session) error

// CheckSessionRead calls the wrapped function.
func (f AccessCheckerFunc) CheckSessionRead(ctx context.Context, r *http.Request, s session.Session) error {
	return f(ctx, r, s)
}

// tunnelDialer establishes the nested transport for one channel:
// relay leg first, gateway leg over it. It returns both handles so
// the channel can close them inner to outer.
type tunnelDialer func(ctx context.Context, bundle creds.Bundle) (gateway, relay *tunnel.Handle, err error)

// Config holds the web handler collaborators.
type Config struct {
	// Sessions looks up browser sessions.
	Sessions SessionGetter
	// Access authorizes channel establishment.
	Access AccessChecker
	// Creds is the per-session credential cache.
	Creds *creds.Cache
	// KeepAliveInterval is the websocket ping period. Defaults to
	// defaults.KeepAliveInterval.
	KeepAliveInterval time.Duration
	// HandshakeTimeout bounds each tunnel leg's TLS handshake.
	HandshakeTimeout time.Duration
	// Clock is used for session expiry and execution timing.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Access == nil {
		return trace.BadParameter("missing parameter Access")
	}
	if c.Creds == nil {
		return trace.BadParameter("missing parameter Creds")
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(dbtunnel.ComponentKey, dbtunnel.ComponentWeb)
	}
	return nil
}

// Handler is the browser-facing HTTP handler.
type Handler struct {
	httprouter.Router

	cfg      Config
	upgrader websocket.Upgrader

	// dialTunnel is replaced in tests to inject instrumented
	// transports.
	dialTunnel tunnelDialer
}

// NewHandler returns a handler serving the session query channel.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	h.dialTunnel = h.dialSessionTunnel

	h.GET("/v1/ping", h.ping)
	h.GET("/v1/sessions/:id/query", h.sessionQueryChannel)
	return h, nil
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"server_version": dbtunnel.Version})
}

// sessionQueryChannel upgrades the request to a websocket and runs
// the channel state machine. Rejections after the upgrade surface as
// distinct close codes so the browser can tell them apart.
func (h *Handler) sessionQueryChannel(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	sessionID := p.ByName("id")
	log := h.cfg.Log.With("session_id", sessionID)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WarnContext(r.Context(), "Failed to upgrade query channel request", "error", err)
		return
	}

	ch := &queryChannel{
		cfg:       &h.cfg,
		log:       log,
		ws:        ws,
		sessionID: sessionID,
		dial:      h.dialTunnel,
		done:      make(chan struct{}),
	}
	ch.serve(r)
}

// dialSessionTunnel is the production tunnelDialer: relay leg first,
// gateway leg over it, strictly in that order. On a gateway failure
// the relay handle is closed before returning.
func (h *Handler) dialSessionTunnel(ctx context.Context, bundle creds.Bundle) (*tunnel.Handle, *tunnel.Handle, error) {
	relay, err := tunnel.DialRelay(ctx, tunnel.RelayConfig{
		Addr:             bundle.RelayAddr,
		Cert:             bundle.RelayCert,
		Key:              bundle.RelayKey,
		CAs:              bundle.RelayCAs,
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		Clock:            h.cfg.Clock,
		Log:              h.cfg.Log,
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	gateway, err := tunnel.DialGateway(ctx, relay, tunnel.GatewayConfig{
		Cert:             bundle.GatewayCert,
		Key:              bundle.GatewayKey,
		CAs:              bundle.GatewayCAs,
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		Clock:            h.cfg.Clock,
		Log:              h.cfg.Log,
	})
	if err != nil {
		if closeErr := relay.Close(); closeErr != nil {
			h.cfg.Log.DebugContext(ctx, "Failed to close relay transport after gateway failure", "error", closeErr)
		}
		return nil, nil, trace.Wrap(err)
	}
	return gateway, relay, nil
}
