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

// Package utils contains small helpers shared across the dbtunnel
// codebase.
package utils

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// NetAddr is a parsed network address.
type NetAddr struct {
	// Host is the hostname or IP literal, without a port.
	Host string
	// Port is the TCP port.
	Port int
}

// String returns the address in host:port form suitable for dialing.
func (a NetAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsEmpty returns true if the address has not been set.
func (a NetAddr) IsEmpty() bool {
	return a.Host == "" && a.Port == 0
}

// ParseHostPort parses an address that is either "host" or "host:port".
// The default port is applied when the address does not carry one. A port
// segment that is not a valid integer is a configuration error.
func ParseHostPort(addr string, defaultPort int) (NetAddr, error) {
	if addr == "" {
		return NetAddr{}, trace.BadParameter("missing address")
	}
	if !strings.Contains(addr, ":") {
		return NetAddr{Host: addr, Port: defaultPort}, nil
	}

	host, portString, err := net.SplitHostPort(addr)
	if err != nil {
		return NetAddr{}, trace.BadParameter("failed to parse %q: %v", addr, err)
	}
	if host == "" {
		return NetAddr{}, trace.BadParameter("missing host in %q", addr)
	}
	port, err := strconv.Atoi(portString)
	if err != nil {
		return NetAddr{}, trace.BadParameter("invalid port in %q: %v", addr, err)
	}
	if port < 1 || port > 65535 {
		return NetAddr{}, trace.BadParameter("port out of range in %q", addr)
	}
	return NetAddr{Host: host, Port: port}, nil
}

// FormatAddr is a convenience wrapper used in error messages that need a
// host/port pair even when parsing failed.
func FormatAddr(host string, port int) string {
	return fmt.Sprintf("%v:%v", host, port)
}
