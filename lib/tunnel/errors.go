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
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// ProtocolMismatchError is returned when the gateway leg completed its
// handshake but did not negotiate the expected application protocol.
type ProtocolMismatchError struct {
	// Expected is the protocol identifier that was offered.
	Expected string
	// Negotiated is what the peer picked; empty when none was
	// negotiated at all.
	Negotiated string
}

func (e *ProtocolMismatchError) Error() string {
	if e.Negotiated == "" {
		return fmt.Sprintf("gateway did not negotiate an application protocol, expected %q", e.Expected)
	}
	return fmt.Sprintf("gateway negotiated application protocol %q, expected %q", e.Negotiated, e.Expected)
}

// IsProtocolMismatch reports whether err is a ProtocolMismatchError,
// possibly wrapped.
func IsProtocolMismatch(err error) bool {
	var pmErr *ProtocolMismatchError
	return errors.As(err, &pmErr)
}

// IsHandshakeTimeout reports whether err was caused by a handshake
// exceeding its deadline.
func IsHandshakeTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// isVerifyFailure detects peer certificate verification failures, which
// surface during the TLS handshake.
func isVerifyFailure(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	return errors.As(err, &unknownAuthority) || errors.As(err, &certInvalid) || errors.As(err, &hostname)
}

// convertHandshakeError maps a handshake failure into the error
// taxonomy: deadline expiry stays recognizable as a timeout,
// verification failures become access denied with the underlying
// reason, everything else is a connection problem naming the peer.
func convertHandshakeError(err error, leg, addr string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return trace.ConnectionProblem(err, "%v handshake with %v did not complete within the allowed time", leg, addr)
	case isVerifyFailure(err):
		return trace.AccessDenied("%v peer at %v is not trusted: %v", leg, addr, err)
	default:
		return trace.ConnectionProblem(err, "%v handshake with %v failed: %v", leg, addr, err)
	}
}
