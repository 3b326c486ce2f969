package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies adapter failures.
type Kind string

const (
	KindDiscovery          Kind = "discovery"
	KindConnection         Kind = "connection"
	KindAuthentication     Kind = "authentication"
	KindValidation         Kind = "validation"
	KindResourceNotFound   Kind = "resource_not_found"
	KindCapabilityNotFound Kind = "capability_not_found"
	KindInvocation         Kind = "invocation"
	KindTimeout            Kind = "timeout"
	KindProtocol           Kind = "protocol"
	KindStreaming          Kind = "streaming"
)

// ErrUnknownProtocol is returned when no adapter is registered for a protocol.
var ErrUnknownProtocol = errors.New("adapter: unknown protocol")

// Sentinels for errors.Is matching by kind.
var (
	ErrDiscovery          = &Error{Kind: KindDiscovery}
	ErrConnection         = &Error{Kind: KindConnection}
	ErrAuthentication     = &Error{Kind: KindAuthentication}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrResourceNotFound   = &Error{Kind: KindResourceNotFound}
	ErrCapabilityNotFound = &Error{Kind: KindCapabilityNotFound}
	ErrInvocation         = &Error{Kind: KindInvocation}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrStreaming          = &Error{Kind: KindStreaming}
)

// FieldError names one invalid argument.
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Error is the single error type adapters return.
type Error struct {
	Kind         Kind
	Adapter      string
	ResourceID   string
	CapabilityID string
	Message      string
	// Fields is set for KindValidation.
	Fields []FieldError
	// ChunksDelivered is set for KindStreaming.
	ChunksDelivered int
	Err             error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Adapter != "" {
		b.WriteString(e.Adapter)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for i, f := range e.Fields {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %s", f.Path, f.Reason)
	}
	if e.Kind == KindStreaming {
		fmt.Fprintf(&b, " (after %d chunks)", e.ChunksDelivered)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrValidation) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Adapter == "" && t.Message == ""
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NewValidationError builds a KindValidation error listing bad fields.
func NewValidationError(adapter, capabilityID string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Adapter: adapter, CapabilityID: capabilityID, Fields: fields}
}

// Wrap builds an *Error of kind around err.
func Wrap(kind Kind, adapter string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Adapter: adapter, Message: fmt.Sprintf(format, args...), Err: err}
}
