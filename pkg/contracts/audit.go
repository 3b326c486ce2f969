package contracts

import "time"

// AuditKind distinguishes decision records from invocation records.
type AuditKind string

const (
	AuditDecision   AuditKind = "decision"
	AuditInvocation AuditKind = "invocation"
	AuditRejected   AuditKind = "rejected"
)

// AuditEvent records one authorization decision or invocation outcome.
// Every event carries the correlation ID of the request that produced it.
type AuditEvent struct {
	ID            string         `json:"id"`
	Kind          AuditKind      `json:"kind"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	PrincipalID   string         `json:"principal_id"`
	ResourceID    string         `json:"resource_id,omitempty"`
	CapabilityID  string         `json:"capability_id"`
	Sensitivity   Sensitivity    `json:"sensitivity,omitempty"`
	Allow         bool           `json:"allow"`
	Reason        string         `json:"reason"`
	Path          DecisionPath   `json:"path,omitempty"`
	SourceNode    string         `json:"source_node,omitempty"`
	TargetNode    string         `json:"target_node,omitempty"`
	Success       *bool          `json:"success,omitempty"`
	Error         string         `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration_ns"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Decision returns "allow" or "deny".
func (e AuditEvent) Decision() string {
	if e.Allow {
		return "allow"
	}
	return "deny"
}

// ForwardPayload is the minimal record shipped to external sinks. It
// deliberately omits arguments and metadata.
type ForwardPayload struct {
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	PrincipalID   string    `json:"principal_id"`
	ResourceID    string    `json:"resource_id"`
	CapabilityID  string    `json:"capability_id"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
	SourceNode    string    `json:"source_node,omitempty"`
	TargetNode    string    `json:"target_node,omitempty"`
	Kind          AuditKind `json:"kind"`
}

// Payload projects e onto the forwarded schema.
func (e AuditEvent) Payload() ForwardPayload {
	return ForwardPayload{
		EventID:       e.ID,
		CorrelationID: e.CorrelationID,
		PrincipalID:   e.PrincipalID,
		ResourceID:    e.ResourceID,
		CapabilityID:  e.CapabilityID,
		Decision:      e.Decision(),
		Reason:        e.Reason,
		Timestamp:     e.Timestamp,
		SourceNode:    e.SourceNode,
		TargetNode:    e.TargetNode,
		Kind:          e.Kind,
	}
}
