package federation

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
)

// ErrUntrustedPeer means a peer certificate does not match the pinned
// trust anchor.
var ErrUntrustedPeer = errors.New("federation: untrusted peer")

// TrustError explains a trust failure for one node.
type TrustError struct {
	NodeID string
	Reason string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("federation: node %s trust verification failed: %s", e.NodeID, e.Reason)
}

func (e *TrustError) Unwrap() error { return ErrUntrustedPeer }

// ParseTrustAnchor decodes the first certificate in a PEM bundle.
func ParseTrustAnchor(pemData string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("federation: trust anchor is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("federation: parse trust anchor: %w", err)
	}
	return cert, nil
}

// Fingerprint returns "sha256:<hex>" over the DER encoding of cert.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CheckAnchor fails when the anchor cannot be parsed or is outside its
// validity window at now.
func CheckAnchor(nodeID, anchorPEM string, now time.Time) (*x509.Certificate, error) {
	anchor, err := ParseTrustAnchor(anchorPEM)
	if err != nil {
		return nil, &TrustError{NodeID: nodeID, Reason: err.Error()}
	}
	if now.Before(anchor.NotBefore) || now.After(anchor.NotAfter) {
		return nil, &TrustError{NodeID: nodeID, Reason: "trust anchor outside validity window"}
	}
	return anchor, nil
}

// VerifyPeer checks a presented chain against a node's anchor. A leaf
// byte-equal to the anchor is accepted as a pin. Otherwise the anchor must
// be a CA that issues the leaf, with the usage the caller names.
func VerifyPeer(nodeID string, anchor *x509.Certificate, chain []*x509.Certificate, usage x509.ExtKeyUsage, now time.Time) error {
	if len(chain) == 0 {
		return &TrustError{NodeID: nodeID, Reason: "no certificate presented"}
	}
	leaf := chain[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return &TrustError{NodeID: nodeID, Reason: "certificate outside validity window"}
	}
	if bytes.Equal(leaf.Raw, anchor.Raw) {
		return nil
	}
	if !anchor.IsCA {
		return &TrustError{NodeID: nodeID, Reason: "certificate does not match pinned anchor"}
	}

	roots := x509.NewCertPool()
	roots.AddCert(anchor)
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	if err != nil {
		return &TrustError{NodeID: nodeID, Reason: err.Error()}
	}
	return nil
}

// CheckStapledOCSP rejects a peer whose stapled OCSP response reports the
// leaf revoked. An absent staple is accepted; issuer-less pins cannot be
// checked.
func CheckStapledOCSP(nodeID string, staple []byte, chain []*x509.Certificate, anchor *x509.Certificate) error {
	if len(staple) == 0 || len(chain) == 0 {
		return nil
	}
	issuer := anchor
	if len(chain) > 1 {
		issuer = chain[1]
	}
	if bytes.Equal(chain[0].Raw, issuer.Raw) {
		return nil
	}
	resp, err := ocsp.ParseResponseForCert(staple, chain[0], issuer)
	if err != nil {
		return &TrustError{NodeID: nodeID, Reason: "invalid OCSP staple: " + err.Error()}
	}
	if resp.Status == ocsp.Revoked {
		return &TrustError{NodeID: nodeID, Reason: "certificate revoked"}
	}
	return nil
}
