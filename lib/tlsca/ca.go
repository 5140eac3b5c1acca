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

package tlsca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// CertAuthority is a self-signed certificate authority capable of
// issuing the short-lived leaf certificates used on the tunnel legs.
type CertAuthority struct {
	// Cert is the parsed CA certificate.
	Cert *x509.Certificate
	// Signer is the CA signing key.
	Signer crypto.Signer
	// CertPEM is the PEM-encoded CA certificate, handed to peers as the
	// trust chain.
	CertPEM []byte
}

// GenerateCAConfig holds the parameters for GenerateCertAuthority.
type GenerateCAConfig struct {
	// Entity is the CA subject.
	Entity pkix.Name
	// TTL is the CA certificate lifetime.
	TTL time.Duration
	// Clock is used to set validity bounds.
	Clock clockwork.Clock
}

func (c *GenerateCAConfig) setDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
}

// GenerateCertAuthority creates a new self-signed certificate authority.
func GenerateCertAuthority(config GenerateCAConfig) (*CertAuthority, error) {
	config.setDefaults()

	key, err := generateKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// distinct serial numbers keep go from conflating authorities that
	// share a subject (happens in tests)
	config.Entity.SerialNumber = serialNumber.String()

	notBefore := config.Clock.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               config.Entity,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(config.TTL),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &CertAuthority{
		Cert:    cert,
		Signer:  key,
		CertPEM: MarshalCertificatePEM(cert),
	}, nil
}

// IssueParams describes a leaf certificate to issue.
type IssueParams struct {
	// CommonName is the leaf subject common name.
	CommonName string
	// DNSNames are the server names the certificate is valid for.
	// Ignored for client certificates.
	DNSNames []string
	// IPAddresses are IP SANs for server certificates.
	IPAddresses []net.IP
	// TTL is the leaf lifetime.
	TTL time.Duration
	// Clock is used to set validity bounds.
	Clock clockwork.Clock
}

func (p *IssueParams) setDefaults() {
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.TTL == 0 {
		p.TTL = time.Hour
	}
}

// IssueServer issues a server certificate signed by this authority.
// Returns PEM-encoded certificate and key.
func (ca *CertAuthority) IssueServer(params IssueParams) (certPEM, keyPEM []byte, err error) {
	return ca.issue(params, x509.ExtKeyUsageServerAuth)
}

// IssueClient issues a client certificate signed by this authority.
// Returns PEM-encoded certificate and key.
func (ca *CertAuthority) IssueClient(params IssueParams) (certPEM, keyPEM []byte, err error) {
	params.DNSNames = nil
	params.IPAddresses = nil
	return ca.issue(params, x509.ExtKeyUsageClientAuth)
}

func (ca *CertAuthority) issue(params IssueParams, usage x509.ExtKeyUsage) (certPEM, keyPEM []byte, err error) {
	params.setDefaults()
	if params.CommonName == "" {
		return nil, nil, trace.BadParameter("missing common name")
	}

	key, err := generateKey()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	notBefore := params.Clock.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: params.CommonName},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(params.TTL),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     params.DNSNames,
		IPAddresses:  params.IPAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, ca.Cert, key.Public(), ca.Signer)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	keyPEM, err = marshalKeyPEM(key)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return MarshalCertificatePEM(cert), keyPEM, nil
}
