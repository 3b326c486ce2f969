//go:build !go1.24

package federation

import "crypto/tls"

// No hybrid ML-KEM before Go 1.24.
func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
		},
		SessionTicketsDisabled: true,
	}
}

func HybridPQCSupported() bool {
	return false
}
