package federation

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// requestClaims bind a signature to one request body and one target node.
type requestClaims struct {
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// Signer signs outbound delegated requests with the node's TLS key, so
// the peer can check the signature against the certificate it already
// pinned during the handshake.
type Signer struct {
	nodeID string
	key    crypto.Signer
	method jwt.SigningMethod
	now    func() time.Time
}

// NewSigner wraps the private key of this node's certificate.
func NewSigner(nodeID string, key crypto.PrivateKey) (*Signer, error) {
	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("federation: private key cannot sign")
	}
	method, err := methodFor(s.Public())
	if err != nil {
		return nil, err
	}
	return &Signer{nodeID: nodeID, key: s, method: method, now: time.Now}, nil
}

func methodFor(pub crypto.PublicKey) (jwt.SigningMethod, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256, nil
		case elliptic.P384():
			return jwt.SigningMethodES384, nil
		case elliptic.P521():
			return jwt.SigningMethodES512, nil
		}
		return nil, fmt.Errorf("federation: unsupported curve %s", k.Curve.Params().Name)
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	}
	return nil, fmt.Errorf("federation: unsupported key type %T", pub)
}

// Sign returns a compact JWT over body for target.
func (s *Signer) Sign(requestID, target string, body []byte, expires time.Time) (string, error) {
	now := s.now()
	claims := requestClaims{
		BodySHA256: bodyDigest(body),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        requestID,
			Issuer:    s.nodeID,
			Audience:  jwt.ClaimStrings{target},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// VerifyRequestSignature checks a peer's signature: issued by issuer for
// audience, unexpired, bound to requestID and to the exact body bytes.
func VerifyRequestSignature(token string, pub crypto.PublicKey, issuer, audience, requestID string, body []byte, now time.Time) error {
	method, err := methodFor(pub)
	if err != nil {
		return err
	}
	var claims requestClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("federation: signature: %w", err)
	}
	if claims.ID != requestID {
		return errors.New("federation: signature bound to another request")
	}
	if claims.BodySHA256 != bodyDigest(body) {
		return errors.New("federation: signature does not match body")
	}
	return nil
}
