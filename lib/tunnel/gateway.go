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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/dbtunnel/dbtunnel"
	"github.com/dbtunnel/dbtunnel/lib/defaults"
	"github.com/dbtunnel/dbtunnel/lib/tlsca"
)

// GatewayConfig is the material needed to establish the inner gateway
// leg on top of an established relay leg.
type GatewayConfig struct {
	// Cert and Key are the PEM-encoded client certificate presented to
	// the gateway.
	Cert []byte
	Key  []byte
	// CAs is the PEM trust chain the gateway is validated against.
	CAs []byte
	// ServerName is the SNI offered on the inner handshake. Defaults to
	// "gateway"; the relay does not see or route on it.
	ServerName string
	// ALPNProtocol is the single application protocol identifier
	// offered during negotiation. Defaults to
	// defaults.GatewayALPNProtocol.
	ALPNProtocol string
	// HandshakeTimeout bounds the TLS handshake. Defaults to
	// defaults.HandshakeTimeout.
	HandshakeTimeout time.Duration
	// Clock is used to override time in tests.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

// CheckAndSetDefaults verifies the constraints for GatewayConfig.
func (cfg *GatewayConfig) CheckAndSetDefaults() error {
	if len(cfg.Cert) == 0 || len(cfg.Key) == 0 {
		return trace.BadParameter("missing gateway client certificate")
	}
	if len(cfg.CAs) == 0 {
		return trace.BadParameter("missing gateway trust chain")
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "gateway"
	}
	if cfg.ALPNProtocol == "" {
		cfg.ALPNProtocol = defaults.GatewayALPNProtocol
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.With(dbtunnel.ComponentKey, dbtunnel.ComponentGatewayTunnel)
	}
	return nil
}

// DialGateway performs mutual TLS with the gateway over the established
// relay leg: the relay connection becomes the byte stream the inner TLS
// record layer runs over. The gateway leg must never be attempted
// before the relay leg succeeded; the returned handle is layered on the
// relay handle and its lifetime is bounded by it.
func DialGateway(ctx context.Context, relay *Handle, cfg GatewayConfig) (*Handle, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if relay == nil || relay.Closed() {
		return nil, trace.BadParameter("gateway leg requires an established relay leg")
	}

	cert, err := tls.X509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, trace.BadParameter("failed to parse gateway client certificate: %v", err)
	}
	pool, err := tlsca.CertPoolFromPEM(cfg.CAs)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	conn := tls.Client(relay.Conn(), &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.ServerName,
		NextProtos:   []string{cfg.ALPNProtocol},
		MinVersion:   defaults.GatewayMinTLSVersion,
		MaxVersion:   defaults.GatewayMaxTLSVersion,
	})

	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		return nil, trace.Wrap(convertHandshakeError(err, "gateway", cfg.ServerName))
	}

	state := conn.ConnectionState()
	if len(state.VerifiedChains) == 0 {
		conn.Close()
		return nil, trace.AccessDenied("gateway peer did not present a verified certificate chain")
	}
	if state.NegotiatedProtocol != cfg.ALPNProtocol {
		conn.Close()
		return nil, trace.Wrap(&ProtocolMismatchError{
			Expected:   cfg.ALPNProtocol,
			Negotiated: state.NegotiatedProtocol,
		})
	}

	cfg.Log.DebugContext(ctx, "Established gateway leg",
		"tls_version", state.Version,
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
		"alpn", state.NegotiatedProtocol,
	)

	return NewHandle(conn, ConnectionInfo{
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		NegotiatedProtocol: state.NegotiatedProtocol,
		PeerVerified:       true,
	}, relay), nil
}
