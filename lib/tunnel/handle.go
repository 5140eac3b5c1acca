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

// Package tunnel establishes the two nested TLS legs that connect the
// web process to the gateway: an outer client-authenticated TLS
// connection to the relay and an inner mutually-authenticated TLS
// connection to the gateway layered on top of it.
package tunnel

import (
	"net"
	"sync"

	"github.com/gravitational/trace"
)

// ConnectionInfo captures handshake metadata of an established leg.
type ConnectionInfo struct {
	// Version is the negotiated TLS protocol version.
	Version uint16
	// CipherSuite is the negotiated cipher suite.
	CipherSuite uint16
	// NegotiatedProtocol is the application protocol picked during
	// ALPN. Empty on the relay leg.
	NegotiatedProtocol string
	// PeerVerified is set once the peer presented a certificate chain
	// that verified against the supplied trust material.
	PeerVerified bool
}

// Handle is an owned, live authenticated transport. A gateway handle is
// layered on top of a relay handle: its lifetime is bounded by the relay
// handle's lifetime, and closing it after the relay leg already went
// away is a no-op.
type Handle struct {
	conn   net.Conn
	info   ConnectionInfo
	parent *Handle

	mu     sync.Mutex
	closed bool
}

// NewHandle wraps an established connection. parent is nil for the
// outer relay leg, and the relay handle for the gateway leg.
func NewHandle(conn net.Conn, info ConnectionInfo, parent *Handle) *Handle {
	return &Handle{conn: conn, info: info, parent: parent}
}

// Conn returns the transport. The handle keeps ownership; callers must
// not close it directly.
func (h *Handle) Conn() net.Conn {
	return h.conn
}

// Info returns the handshake metadata recorded at establishment.
func (h *Handle) Info() ConnectionInfo {
	return h.info
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close releases the transport. It is idempotent, and when the handle
// is layered on an already-closed relay leg no close is attempted on
// the dead transport.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.parent != nil && h.parent.Closed() {
		return nil
	}
	return trace.Wrap(h.conn.Close())
}
