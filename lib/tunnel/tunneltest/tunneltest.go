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

// Package tunneltest runs an in-process relay/gateway pair with a fake
// wire-level postgres backend behind it, so tunnel, bridge and channel
// tests can exercise the real TLS and database paths end to end.
package tunneltest

import (
	"crypto/tls"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/require"

	"github.com/dbtunnel/dbtunnel/lib/creds"
	"github.com/dbtunnel/dbtunnel/lib/defaults"
	"github.com/dbtunnel/dbtunnel/lib/tlsca"
	"github.com/dbtunnel/dbtunnel/lib/utils"
)

// Column describes one result column of a canned response.
type Column struct {
	// Name is the column name.
	Name string
	// TypeOID is the postgres type OID, e.g. 23 for int4, 25 for text.
	TypeOID uint32
}

// PGError is a canned wire-level error response.
type PGError struct {
	Severity string
	Code     string
	Message  string
}

// Response is what the fake backend answers a simple query with.
type Response struct {
	// Columns and Rows make up the result set. A nil row value is sent
	// as SQL NULL.
	Columns []Column
	Rows    [][]any
	// Err, when set, is sent instead of a result set.
	Err *PGError
	// Block, when set, delays the response until the channel is closed.
	Block <-chan struct{}
}

// QueryFunc produces the response for one simple query.
type QueryFunc func(query string) Response

// Config configures the fake relay/gateway pair.
type Config struct {
	// ALPNProtocols is what the fake gateway offers during negotiation.
	// Defaults to the production protocol identifier.
	ALPNProtocols []string
	// DisableALPN makes the gateway skip application protocol
	// negotiation entirely, modeling a peer that negotiates nothing.
	DisableALPN bool
	// Password, when set, makes the backend demand cleartext password
	// authentication with this value.
	Password string
	// OnQuery overrides the default query handling. The default answers
	// every query with a single "1" row.
	OnQuery QueryFunc
}

// Server is a running fake relay/gateway pair.
type Server struct {
	// Addr is the relay address to dial, host:port.
	Addr string
	// RelayCA and GatewayCA sign the two legs' material.
	RelayCA   *tlsca.CertAuthority
	GatewayCA *tlsca.CertAuthority

	cfg      Config
	listener net.Listener
	outerTLS *tls.Config
	innerTLS *tls.Config
}

// New starts a fake relay/gateway pair on a random localhost port. It
// is shut down via t.Cleanup.
func New(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.ALPNProtocols == nil {
		cfg.ALPNProtocols = []string{defaults.GatewayALPNProtocol}
	}
	if cfg.OnQuery == nil {
		cfg.OnQuery = func(string) Response {
			return Response{
				Columns: []Column{{Name: "?column?", TypeOID: 23}},
				Rows:    [][]any{{"1"}},
			}
		}
	}

	relayCA, err := tlsca.GenerateCertAuthority(tlsca.GenerateCAConfig{
		Entity: pkix.Name{CommonName: "relay-ca", Organization: []string{"tunneltest"}},
	})
	require.NoError(t, err)
	gatewayCA, err := tlsca.GenerateCertAuthority(tlsca.GenerateCAConfig{
		Entity: pkix.Name{CommonName: "gateway-ca", Organization: []string{"tunneltest"}},
	})
	require.NoError(t, err)

	relayCertPEM, relayKeyPEM, err := relayCA.IssueServer(tlsca.IssueParams{
		CommonName:  "relay",
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	})
	require.NoError(t, err)
	relayCert, err := tls.X509KeyPair(relayCertPEM, relayKeyPEM)
	require.NoError(t, err)

	gatewayCertPEM, gatewayKeyPEM, err := gatewayCA.IssueServer(tlsca.IssueParams{
		CommonName: "gateway",
		DNSNames:   []string{"gateway", "localhost"},
	})
	require.NoError(t, err)
	gatewayCert, err := tls.X509KeyPair(gatewayCertPEM, gatewayKeyPEM)
	require.NoError(t, err)

	relayPool, err := tlsca.CertPoolFromPEM(relayCA.CertPEM)
	require.NoError(t, err)
	gatewayPool, err := tlsca.CertPoolFromPEM(gatewayCA.CertPEM)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{
		Addr:      listener.Addr().String(),
		RelayCA:   relayCA,
		GatewayCA: gatewayCA,
		cfg:       cfg,
		listener:  listener,
		outerTLS: &tls.Config{
			Certificates: []tls.Certificate{relayCert},
			ClientCAs:    relayPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   defaults.RelayMinTLSVersion,
		},
		innerTLS: &tls.Config{
			Certificates: []tls.Certificate{gatewayCert},
			ClientCAs:    gatewayPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   defaults.GatewayMinTLSVersion,
			MaxVersion:   defaults.GatewayMaxTLSVersion,
		},
	}
	if !cfg.DisableALPN {
		srv.innerTLS.NextProtos = cfg.ALPNProtocols
	}

	go srv.acceptLoop()
	t.Cleanup(func() { listener.Close() })

	return srv
}

// Bundle mints a complete client-side access bundle trusted by this
// server pair.
func (s *Server) Bundle(t *testing.T) creds.Bundle {
	t.Helper()

	relayCert, relayKey, err := s.RelayCA.IssueClient(tlsca.IssueParams{CommonName: "web"})
	require.NoError(t, err)
	gatewayCert, gatewayKey, err := s.GatewayCA.IssueClient(tlsca.IssueParams{CommonName: "web"})
	require.NoError(t, err)

	return creds.Bundle{
		RelayAddr:   s.Addr,
		RelayCert:   relayCert,
		RelayKey:    relayKey,
		RelayCAs:    s.RelayCA.CertPEM,
		GatewayCert: gatewayCert,
		GatewayKey:  gatewayKey,
		GatewayCAs:  s.GatewayCA.CertPEM,
		Database: creds.Database{
			Username: "alice",
			Password: s.cfg.Password,
			Name:     "test",
		},
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if utils.IsOKNetworkError(err) {
				return
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	outer := tls.Server(conn, s.outerTLS)
	if err := outer.Handshake(); err != nil {
		return
	}
	inner := tls.Server(outer, s.innerTLS)
	if err := inner.Handshake(); err != nil {
		return
	}
	s.servePostgres(inner)
}

// servePostgres speaks enough of the postgres wire protocol to back
// the execution bridge: repeated startup/auth/query/terminate cycles
// over one long-lived gateway transport.
func (s *Server) servePostgres(conn net.Conn) {
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)

	for {
		startup, err := backend.ReceiveStartupMessage()
		if err != nil {
			return
		}
		switch startup.(type) {
		case *pgproto3.SSLRequest:
			// TLS is already terminated a layer down.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return
			}
		case *pgproto3.StartupMessage:
			if !s.authenticate(backend, conn) {
				return
			}
			if !s.queryLoop(backend, conn) {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) authenticate(backend *pgproto3.Backend, conn net.Conn) bool {
	var buf []byte
	if s.cfg.Password != "" {
		buf = (&pgproto3.AuthenticationCleartextPassword{}).Encode(buf)
		if _, err := conn.Write(buf); err != nil {
			return false
		}
		backend.SetAuthType(pgproto3.AuthTypeCleartextPassword)
		msg, err := backend.Receive()
		if err != nil {
			return false
		}
		password, ok := msg.(*pgproto3.PasswordMessage)
		if !ok || password.Password != s.cfg.Password {
			buf = (&pgproto3.ErrorResponse{
				Severity: "FATAL",
				Code:     pgerrcode.InvalidPassword,
				Message:  "password authentication failed",
			}).Encode(nil)
			conn.Write(buf)
			return false
		}
		buf = nil
	}

	buf = (&pgproto3.AuthenticationOk{}).Encode(buf)
	buf = (&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"}).Encode(buf)
	buf = (&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"}).Encode(buf)
	buf = (&pgproto3.BackendKeyData{ProcessID: 1, SecretKey: 1}).Encode(buf)
	buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
	_, err := conn.Write(buf)
	return err == nil
}

func (s *Server) queryLoop(backend *pgproto3.Backend, conn net.Conn) bool {
	for {
		msg, err := backend.Receive()
		if err != nil {
			return false
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			if !s.answer(conn, s.cfg.OnQuery(m.String)) {
				return false
			}
		case *pgproto3.Terminate:
			// One wire session is over; the transport stays up for
			// the next one.
			return true
		default:
		}
	}
}

func (s *Server) answer(conn net.Conn, resp Response) bool {
	if resp.Block != nil {
		<-resp.Block
	}

	var buf []byte
	if resp.Err != nil {
		severity := resp.Err.Severity
		if severity == "" {
			severity = "ERROR"
		}
		buf = (&pgproto3.ErrorResponse{
			Severity: severity,
			Code:     resp.Err.Code,
			Message:  resp.Err.Message,
		}).Encode(buf)
		buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
		_, err := conn.Write(buf)
		return err == nil
	}

	fields := make([]pgproto3.FieldDescription, 0, len(resp.Columns))
	for _, col := range resp.Columns {
		fields = append(fields, pgproto3.FieldDescription{
			Name:         []byte(col.Name),
			DataTypeOID:  col.TypeOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		})
	}
	buf = (&pgproto3.RowDescription{Fields: fields}).Encode(buf)
	for _, row := range resp.Rows {
		values := make([][]byte, 0, len(row))
		for _, v := range row {
			if v == nil {
				values = append(values, nil)
				continue
			}
			values = append(values, []byte(fmt.Sprint(v)))
		}
		buf = (&pgproto3.DataRow{Values: values}).Encode(buf)
	}
	buf = (&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", len(resp.Rows)))}).Encode(buf)
	buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
	_, err := conn.Write(buf)
	return err == nil
}

// GenerateSeries is a convenience QueryFunc producing n integer rows,
// for truncation tests.
func GenerateSeries(n int) QueryFunc {
	return func(string) Response {
		rows := make([][]any, 0, n)
		for i := 1; i <= n; i++ {
			rows = append(rows, []any{i})
		}
		return Response{
			Columns: []Column{{Name: "n", TypeOID: 23}},
			Rows:    rows,
		}
	}
}
