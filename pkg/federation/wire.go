// Package federation delegates authorization to peer broker nodes owned by
// other organizations over mutually authenticated TLS.
//
// A delegated call passes through a fixed sequence of states. Every path
// out of the sequence other than a relayed remote decision is a deny with a
// reason that says which stage failed, so callers and auditors can tell a
// remote policy deny apart from a timeout or a trust failure.
package federation

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Wire constants.
const (
	AuthorizePath = "/federation/authorize"
	HealthPath    = "/federation/health"

	HeaderSignature       = "X-Arbiter-Signature"
	HeaderProtocolVersion = "X-Arbiter-Protocol-Version"
	HeaderDeadline        = "X-Arbiter-Deadline"
	HeaderCorrelationID   = "X-Correlation-ID"

	// ProtocolVersion is the federation wire version this build speaks.
	ProtocolVersion = "1.0.0"

	maxBodyBytes = 1 << 20
)

// protocolConstraint accepts any peer on the same major line.
var protocolConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint("^" + ProtocolVersion)
	if err != nil {
		panic(err)
	}
	return c
}()

func compatibleProtocol(v string) bool {
	pv, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return protocolConstraint.Check(pv)
}

// DelegatedRequest is the body of POST /federation/authorize.
type DelegatedRequest struct {
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	SourceNode    string         `json:"source_node"`
	Principal     string         `json:"principal"`
	ResourceID    string         `json:"resource_id"`
	CapabilityID  string         `json:"capability_id"`
	Action        string         `json:"action"`
	Context       map[string]any `json:"context,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	// Hops counts brokers the request has already crossed.
	Hops      int       `json:"hops"`
	Timestamp time.Time `json:"timestamp"`
}

// DelegatedResponse is the peer's answer.
type DelegatedResponse struct {
	Allow             bool           `json:"allow"`
	Reason            string         `json:"reason"`
	EvaluatedBy       string         `json:"evaluated_by"`
	AuditID           string         `json:"audit_id,omitempty"`
	FilteredArguments map[string]any `json:"filtered_arguments,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// errorBody is returned with non-200 statuses.
type errorBody struct {
	Error string `json:"error"`
}

// HealthStatus is served at HealthPath.
type HealthStatus struct {
	Status          string    `json:"status"`
	NodeID          string    `json:"node_id"`
	ProtocolVersion string    `json:"protocol_version"`
	Time            time.Time `json:"time"`
}

func bodyDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
