package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Broker semantic convention attributes.
var (
	AttrPrincipalID  = attribute.Key("arbiter.principal.id")
	AttrCapabilityID = attribute.Key("arbiter.capability.id")
	AttrResourceID   = attribute.Key("arbiter.resource.id")
	AttrProtocol     = attribute.Key("arbiter.protocol")
	AttrSensitivity  = attribute.Key("arbiter.sensitivity")

	AttrDecisionAllow = attribute.Key("arbiter.decision.allow")
	AttrDecisionPath  = attribute.Key("arbiter.decision.path")
	AttrCorrelationID = attribute.Key("arbiter.correlation_id")

	AttrPeerNode = attribute.Key("arbiter.federation.peer")
	AttrHops     = attribute.Key("arbiter.federation.hops")
)

// RequestAttributes describes an authorization request. Only ids and
// levels are recorded, never argument values.
func RequestAttributes(principalID, capabilityID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrCapabilityID.String(capabilityID),
	}
}

// TargetAttributes describes the resolved target of a request.
func TargetAttributes(resourceID, protocol, sensitivity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrResourceID.String(resourceID),
		AttrProtocol.String(protocol),
		AttrSensitivity.String(sensitivity),
	}
}

// DecisionAttributes describes the outcome of an authorization.
func DecisionAttributes(allow bool, path, correlationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDecisionAllow.Bool(allow),
		AttrDecisionPath.String(path),
		AttrCorrelationID.String(correlationID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
