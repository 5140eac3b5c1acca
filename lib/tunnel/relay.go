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

package tunnel

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/dbtunnel/dbtunnel"
	"github.com/dbtunnel/dbtunnel/lib/defaults"
	"github.com/dbtunnel/dbtunnel/lib/tlsca"
	"github.com/dbtunnel/dbtunnel/lib/utils"
)

// RelayConfig is the material needed to establish the outer relay leg.
type RelayConfig struct {
	// Addr is the relay endpoint, "host" or "host:port". The default
	// relay port is assumed when omitted.
	Addr string
	// Cert and Key are the PEM-encoded client certificate presented to
	// the relay.
	Cert []byte
	Key  []byte
	// CAs is the PEM trust chain the relay is validated against.
	CAs []byte
	// HandshakeTimeout bounds the TLS handshake. Defaults to
	// defaults.HandshakeTimeout.
	HandshakeTimeout time.Duration
	// Clock is used to override time in tests.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults verifies the constraints for RelayConfig.
func (cfg *RelayConfig) CheckAndSetDefaults() error {
	if cfg.Addr == "" {
		return trace.BadParameter("missing relay address")
	}
	if len(cfg.Cert) == 0 || len(cfg.Key) == 0 {
		return trace.BadParameter("missing relay client certificate")
	}
	if len(cfg.CAs) == 0 {
		return trace.BadParameter("missing relay trust chain")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.With(dbtunnel.ComponentKey, dbtunnel.ComponentRelayTunnel)
	}
	return nil
}

// DialRelay opens the outer TLS connection to the relay, authenticating
// with the bundle's relay client certificate and validating the peer
// against the bundle's relay trust chain. The returned handle is owned
// by the caller, who is responsible for eventually closing it.
func DialRelay(ctx context.Context, cfg RelayConfig) (*Handle, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	addr, err := utils.ParseHostPort(cfg.Addr, defaults.RelayListenPort)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cert, err := tls.X509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, trace.BadParameter("failed to parse relay client certificate: %v", err)
	}
	pool, err := tlsca.CertPoolFromPEM(cfg.CAs)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to relay at %v: %v", addr, err)
	}

	conn := tls.Client(raw, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   addr.Host,
		MinVersion:   defaults.RelayMinTLSVersion,
	})

	// The timeout is armed for the handshake only. HandshakeContext
	// destroys the socket when the deadline fires; cancel disarms the
	// timer the moment the handshake returns.
	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		return nil, trace.Wrap(convertHandshakeError(err, "relay", addr.String()))
	}

	// TLS completing is not the same as the peer being authorized:
	// require a verified chain before handing the transport out.
	state := conn.ConnectionState()
	if len(state.VerifiedChains) == 0 {
		conn.Close()
		return nil, trace.AccessDenied("relay peer at %v did not present a verified certificate chain", addr)
	}

	cfg.Log.DebugContext(ctx, "Established relay leg",
		"addr", addr.String(),
		"tls_version", state.Version,
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
	)

	return NewHandle(conn, ConnectionInfo{
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		NegotiatedProtocol: state.NegotiatedProtocol,
		PeerVerified:       true,
	}, nil), nil
}
