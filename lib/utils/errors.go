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

package utils

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// useOfClosedNetworkConnection is a special string some parts of
	// go standard library are using that is the only way to identify
	// some errors.
	useOfClosedNetworkConnection = "use of closed network connection"

	// failedToSendCloseNotify is TLS's way of saying the peer went away
	// before the close handshake finished.
	failedToSendCloseNotify = "failed to send closeNotify"
)

// IsUseOfClosedNetworkError returns true if the specified error
// indicates the use of a closed network connection.
func IsUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), useOfClosedNetworkConnection)
}

// IsOKNetworkError returns true if the provided error received from a
// network operation is one of those that usually indicate normal
// connection close. If the error is a trace.Aggregate, all the errors
// must be OK network errors.
func IsOKNetworkError(err error) bool {
	if a, ok := trace.Unwrap(err).(trace.Aggregate); ok {
		for _, err := range a.Errors() {
			if !IsOKNetworkError(err) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, io.EOF) || IsUseOfClosedNetworkError(err) ||
		(err != nil && strings.Contains(err.Error(), failedToSendCloseNotify))
}
