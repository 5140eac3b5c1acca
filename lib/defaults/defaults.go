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

// Package defaults contains default constants set in various parts of
// the dbtunnel codebase.
package defaults

import (
	"crypto/tls"
	"time"
)

const (
	// HTTPListenPort is the default port the web API listens on.
	HTTPListenPort = 3090

	// RelayListenPort is the port assumed for a relay address that does
	// not carry an explicit port.
	RelayListenPort = 8443
)

const (
	// HandshakeTimeout bounds each of the two TLS handshakes performed
	// during session establishment. The timer is armed at connect time
	// and disarmed as soon as the handshake completes and the peer is
	// verified.
	HandshakeTimeout = 10 * time.Second

	// RelayMinTLSVersion is the protocol floor for the outer relay leg.
	RelayMinTLSVersion = tls.VersionTLS12

	// GatewayMinTLSVersion and GatewayMaxTLSVersion bound the protocol
	// window for the inner gateway leg. The gateway leg is terminated by
	// a different peer than the relay leg, so it carries its own window.
	GatewayMinTLSVersion = tls.VersionTLS12
	GatewayMaxTLSVersion = tls.VersionTLS13

	// GatewayALPNProtocol is the single application protocol identifier
	// offered during gateway negotiation. The gateway must pick it for
	// the session to proceed.
	GatewayALPNProtocol = "dbtunnel-query-v1"
)

const (
	// MaxQueryChars is the upper bound on the length of a single query
	// string, in characters.
	MaxQueryChars = 10000

	// QueryPreviewChars is how much of a failed query is echoed back in
	// execution errors.
	QueryPreviewChars = 100

	// DefaultMaxRows is the row cap applied when the client does not
	// request one.
	DefaultMaxRows = 1000

	// MaxMaxRows is the largest row cap a client may request.
	MaxMaxRows = 10000

	// DefaultQueryTimeout is the statement timeout applied when the
	// client does not request one.
	DefaultQueryTimeout = 30 * time.Second

	// MinQueryTimeout and MaxQueryTimeout bound client-requested
	// statement timeouts.
	MinQueryTimeout = 1 * time.Second
	MaxQueryTimeout = 120 * time.Second

	// DatabaseTeardownTimeout bounds the graceful teardown of a
	// short-lived database wire session after a query completes.
	DatabaseTeardownTimeout = 5 * time.Second
)

const (
	// ReconnectInitialDelay is the delay before the first reconnect
	// attempt of the client channel.
	ReconnectInitialDelay = 1 * time.Second

	// ReconnectMaxDelay caps the exponential reconnect backoff.
	ReconnectMaxDelay = 30 * time.Second

	// ReconnectMaxAttempts is how many consecutive failed reconnect
	// attempts are made before the client channel gives up permanently.
	ReconnectMaxAttempts = 5
)

const (
	// KeepAliveInterval is the interval for sending ping frames on query
	// channel websockets.
	KeepAliveInterval = 30 * time.Second

	// ReadHeadersTimeout is a default TCP timeout when we wait
	// for the response headers to arrive.
	ReadHeadersTimeout = 10 * time.Second
)
