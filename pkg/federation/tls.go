package federation

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// LoadKeyPair reads this node's certificate and key and parses the leaf.
func LoadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, err
		}
	}
	return cert, nil
}

// ClientTLSConfig dials node presenting cert. The peer must present the
// node's pinned anchor, or a server certificate issued by it, and must not
// staple a revoked OCSP status. Hostname checks are replaced by the pin.
func ClientTLSConfig(cert tls.Certificate, node contracts.FederationNode, now func() time.Time) (*tls.Config, error) {
	if now == nil {
		now = time.Now
	}
	anchor, err := ParseTrustAnchor(node.TrustAnchorPEM)
	if err != nil {
		return nil, err
	}
	cfg := baseTLSConfig()
	cfg.Certificates = []tls.Certificate{cert}
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if err := VerifyPeer(node.NodeID, anchor, cs.PeerCertificates, x509.ExtKeyUsageServerAuth, now()); err != nil {
			return err
		}
		return CheckStapledOCSP(node.NodeID, cs.OCSPResponse, cs.PeerCertificates, anchor)
	}
	return cfg, nil
}

// ServerTLSConfig serves with cert and demands a client certificate on
// every connection. Which node the certificate belongs to is decided per
// request by Server against the node registry, which can change at runtime.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	cfg := baseTLSConfig()
	cfg.Certificates = []tls.Certificate{cert}
	cfg.ClientAuth = tls.RequireAnyClientCert
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("federation: client certificate required")
		}
		return nil
	}
	return cfg
}
