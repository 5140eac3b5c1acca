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

package tunnel_test

import (
	"context"
	"crypto/x509/pkix"
	"net"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/dbtunnel/dbtunnel/lib/creds"
	"github.com/dbtunnel/dbtunnel/lib/defaults"
	"github.com/dbtunnel/dbtunnel/lib/tlsca"
	"github.com/dbtunnel/dbtunnel/lib/tunnel"
	"github.com/dbtunnel/dbtunnel/lib/tunnel/tunneltest"
)

func relayConfig(bundle creds.Bundle) tunnel.RelayConfig {
	return tunnel.RelayConfig{
		Addr: bundle.RelayAddr,
		Cert: bundle.RelayCert,
		Key:  bundle.RelayKey,
		CAs:  bundle.RelayCAs,
	}
}

func gatewayConfig(bundle creds.Bundle) tunnel.GatewayConfig {
	return tunnel.GatewayConfig{
		Cert: bundle.GatewayCert,
		Key:  bundle.GatewayKey,
		CAs:  bundle.GatewayCAs,
	}
}

func TestDialRelay(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)
	ctx := context.Background()

	relay, err := tunnel.DialRelay(ctx, relayConfig(bundle))
	require.NoError(t, err)
	defer relay.Close()

	info := relay.Info()
	require.True(t, info.PeerVerified)
	require.GreaterOrEqual(t, info.Version, uint16(defaults.RelayMinTLSVersion))
	require.NotZero(t, info.CipherSuite)
	require.NoError(t, relay.Close())
	// close is idempotent
	require.NoError(t, relay.Close())
}

func TestDialRelayBadAddress(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)

	cfg := relayConfig(bundle)
	cfg.Addr = "relay.example.com:not-a-port"
	_, err := tunnel.DialRelay(context.Background(), cfg)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestDialRelayConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)

	// grab a port that is closed by the time we dial it
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := relayConfig(bundle)
	cfg.Addr = closedAddr
	_, err = tunnel.DialRelay(context.Background(), cfg)
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err), "expected ConnectionProblem, got %v", err)
	require.Contains(t, err.Error(), closedAddr)
}

func TestDialRelayUntrustedPeer(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)

	otherCA, err := tlsca.GenerateCertAuthority(tlsca.GenerateCAConfig{
		Entity: pkix.Name{CommonName: "imposter-ca"},
	})
	require.NoError(t, err)

	cfg := relayConfig(bundle)
	cfg.CAs = otherCA.CertPEM
	_, err = tunnel.DialRelay(context.Background(), cfg)
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestDialRelayHandshakeTimeout(t *testing.T) {
	t.Parallel()

	// a listener that accepts and then never speaks TLS
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)

	cfg := relayConfig(bundle)
	cfg.Addr = l.Addr().String()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	_, err = tunnel.DialRelay(context.Background(), cfg)
	require.Error(t, err)
	require.True(t, tunnel.IsHandshakeTimeout(err), "expected handshake timeout, got %v", err)
}

func TestDialGateway(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)
	ctx := context.Background()

	relay, err := tunnel.DialRelay(ctx, relayConfig(bundle))
	require.NoError(t, err)
	defer relay.Close()

	gateway, err := tunnel.DialGateway(ctx, relay, gatewayConfig(bundle))
	require.NoError(t, err)
	defer gateway.Close()

	info := gateway.Info()
	require.True(t, info.PeerVerified)
	require.Equal(t, defaults.GatewayALPNProtocol, info.NegotiatedProtocol)
}

func TestDialGatewayRequiresRelay(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)
	ctx := context.Background()

	// no relay leg at all
	_, err := tunnel.DialGateway(ctx, nil, gatewayConfig(bundle))
	require.True(t, trace.IsBadParameter(err))

	// relay leg that already went away
	relay, err := tunnel.DialRelay(ctx, relayConfig(bundle))
	require.NoError(t, err)
	require.NoError(t, relay.Close())
	_, err = tunnel.DialGateway(ctx, relay, gatewayConfig(bundle))
	require.True(t, trace.IsBadParameter(err))
}

func TestDialGatewayProtocolMismatch(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{DisableALPN: true})
	bundle := srv.Bundle(t)
	ctx := context.Background()

	relay, err := tunnel.DialRelay(ctx, relayConfig(bundle))
	require.NoError(t, err)
	defer relay.Close()

	gateway, err := tunnel.DialGateway(ctx, relay, gatewayConfig(bundle))
	require.Error(t, err)
	require.True(t, tunnel.IsProtocolMismatch(err), "expected protocol mismatch, got %v", err)
	require.Contains(t, err.Error(), defaults.GatewayALPNProtocol)
	require.Nil(t, gateway)
}

func TestDialGatewayUntrustedPeer(t *testing.T) {
	t.Parallel()

	srv := tunneltest.New(t, tunneltest.Config{})
	bundle := srv.Bundle(t)
	ctx := context.Background()

	relay, err := tunnel.DialRelay(ctx, relayConfig(bundle))
	require.NoError(t, err)
	defer relay.Close()

	otherCA, err := tlsca.GenerateCertAuthority(tlsca.GenerateCAConfig{
		Entity: pkix.Name{CommonName: "imposter-ca"},
	})
	require.NoError(t, err)

	cfg := gatewayConfig(bundle)
	cfg.CAs = otherCA.CertPEM
	_, err = tunnel.DialGateway(ctx, relay, cfg)
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

// closeRecorder counts Close calls on a fake transport.
type closeRecorder struct {
	net.Conn
	closes int
}

func (c *closeRecorder) Close() error {
	c.closes++
	return nil
}

func TestHandleLayeredClose(t *testing.T) {
	t.Parallel()

	relayConn := &closeRecorder{}
	gatewayConn := &closeRecorder{}

	relay := tunnel.NewHandle(relayConn, tunnel.ConnectionInfo{}, nil)
	gateway := tunnel.NewHandle(gatewayConn, tunnel.ConnectionInfo{}, relay)

	// normal order: inner then outer, one close each
	require.NoError(t, gateway.Close())
	require.NoError(t, relay.Close())
	require.Equal(t, 1, gatewayConn.closes)
	require.Equal(t, 1, relayConn.closes)

	// when the relay leg is already gone, the gateway close is not
	// attempted on the dead transport
	relayConn2 := &closeRecorder{}
	gatewayConn2 := &closeRecorder{}
	relay2 := tunnel.NewHandle(relayConn2, tunnel.ConnectionInfo{}, nil)
	gateway2 := tunnel.NewHandle(gatewayConn2, tunnel.ConnectionInfo{}, relay2)

	require.NoError(t, relay2.Close())
	require.NoError(t, gateway2.Close())
	require.Equal(t, 0, gatewayConn2.closes)
	require.Equal(t, 1, relayConn2.closes)
}
