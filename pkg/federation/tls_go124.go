//go:build go1.24

package federation

import "crypto/tls"

// baseTLSConfig requires TLS 1.3 and prefers the X25519MLKEM768 hybrid
// post-quantum key exchange, falling back to classical X25519.
func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519MLKEM768,
			tls.X25519,
		},
		SessionTicketsDisabled: true,
	}
}

// HybridPQCSupported reports whether peer links negotiate hybrid key
// exchange.
func HybridPQCSupported() bool {
	return tls.X25519MLKEM768 != 0
}
