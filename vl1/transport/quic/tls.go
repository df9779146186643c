package quic

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

const (
	ALPN = "vl1/1"

	certLifetime = 24 * time.Hour
)

// identityExtension carries the public identity whose signing key made the certificate.
var identityExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 53935, 1, 1}

var ErrCertificate = errors.New("quic: certificate not bound to an identity")

// newIdentityTLSConfig returns a config whose certificate is self-signed with
// the identity's signing key. Both ends present one and check that the
// embedded identity owns the certificate key.
func newIdentityTLSConfig(id *identity.Identity) (*tls.Config, error) {
	priv, err := id.SigningKey()
	if err != nil {
		return nil, err
	}
	pub, err := id.Public().MarshalBinary()
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.Address().String()},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		ExtraExtensions:       []pkix.Extension{{Id: identityExtension, Value: pub}},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, priv.Public(), priv)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
		ClientAuth:   tls.RequireAnyClientCert,
		// There is no CA; VerifyPeerCertificate checks the identity binding instead.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			if len(raw) == 0 {
				return ErrCertificate
			}
			cert, err := x509.ParseCertificate(raw[0])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCertificate, err)
			}
			_, err = peerIdentity([]*x509.Certificate{cert})
			return err
		},
	}, nil
}

// peerIdentity returns the identity a peer's certificate chain is bound to.
func peerIdentity(chain []*x509.Certificate) (*identity.Identity, error) {
	if len(chain) == 0 {
		return nil, ErrCertificate
	}
	cert := chain[0]
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificate, err)
	}
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(identityExtension) {
			continue
		}
		id, _, err := identity.UnmarshalIdentity(ext.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificate, err)
		}
		key, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok || !bytes.Equal(key, id.SigningPublicKey()) {
			return nil, ErrCertificate
		}
		return id, nil
	}
	return nil, ErrCertificate
}
