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

// Package creds holds the ephemeral per-session access bundles and the
// process-local cache that owns them for the session'"'"'s lifetime.
package creds

// Database carries the credentials the gateway-side database session is
// opened with. Never logged and never persisted.
type Database struct {
	// Username is the database login role.
	Username string
	// Password is the database password.
	Password string
	// Name is the database to connect to.
	Name string
}

// Bundle is the complete ephemeral secret material needed to establish
// both tunnel legs and execute queries for one session. All certificate
// and key fields are PEM encoded.
type Bundle struct {
	// RelayAddr is the relay endpoint, "host" or "host:port".
	RelayAddr string
	// RelayCert and RelayKey authenticate us to the relay.
	RelayCert []byte
	RelayKey  []byte
	// RelayCAs is the trust chain the relay is validated against.
	RelayCAs []byte
	// GatewayCert and GatewayKey authenticate us to the gateway on the
	// inner leg.
	GatewayCert []byte
	GatewayKey  []byte
	// GatewayCAs is the trust chain the gateway is validated against.
	GatewayCAs []byte
	// Database carries the database credentials injected at query time.
	Database Database
}
