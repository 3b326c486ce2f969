package rpc

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

const maxSchemaDepth = 8

// messageSchema renders md as the JSON Schema of its protojson form, so the
// adapter's schema validator can check arguments before they are encoded.
func messageSchema(md protoreflect.MessageDescriptor) map[string]any {
	return messageSchemaAt(md, 0)
}

func messageSchemaAt(md protoreflect.MessageDescriptor, depth int) map[string]any {
	if s, ok := wellKnown(md.FullName()); ok {
		return s
	}
	if depth >= maxSchemaDepth {
		return map[string]any{"type": "object"}
	}
	props := map[string]any{}
	var required []any
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		props[fd.JSONName()] = fieldSchema(fd, depth)
		if fd.Cardinality() == protoreflect.Required {
			required = append(required, fd.JSONName())
		}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	if d := string(md.FullName()); d != "" {
		s["title"] = d
	}
	return s
}

func fieldSchema(fd protoreflect.FieldDescriptor, depth int) map[string]any {
	if fd.IsMap() {
		return map[string]any{"type": "object", "additionalProperties": singularSchema(fd.MapValue(), depth)}
	}
	if fd.IsList() {
		return map[string]any{"type": "array", "items": singularSchema(fd, depth)}
	}
	return singularSchema(fd, depth)
}

func singularSchema(fd protoreflect.FieldDescriptor, depth int) map[string]any {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return map[string]any{"type": "boolean"}
	case protoreflect.StringKind:
		return map[string]any{"type": "string"}
	case protoreflect.BytesKind:
		return map[string]any{"type": "string", "contentEncoding": "base64"}
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		return map[string]any{"type": "integer"}
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		// protojson writes 64-bit integers as strings and reads either.
		return map[string]any{"type": []any{"integer", "string"}}
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return map[string]any{"type": []any{"number", "string"}}
	case protoreflect.EnumKind:
		values := fd.Enum().Values()
		enum := make([]any, 0, values.Len()*2)
		for i := 0; i < values.Len(); i++ {
			v := values.Get(i)
			enum = append(enum, string(v.Name()), int(v.Number()))
		}
		return map[string]any{"enum": enum}
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return messageSchemaAt(fd.Message(), depth+1)
	default:
		return map[string]any{}
	}
}

func wellKnown(name protoreflect.FullName) (map[string]any, bool) {
	switch name {
	case "google.protobuf.Timestamp":
		return map[string]any{"type": "string", "format": "date-time"}, true
	case "google.protobuf.Duration", "google.protobuf.FieldMask":
		return map[string]any{"type": "string"}, true
	case "google.protobuf.Struct", "google.protobuf.Any", "google.protobuf.Empty":
		return map[string]any{"type": "object"}, true
	case "google.protobuf.Value":
		return map[string]any{}, true
	case "google.protobuf.ListValue":
		return map[string]any{"type": "array"}, true
	case "google.protobuf.StringValue", "google.protobuf.BytesValue":
		return map[string]any{"type": "string"}, true
	case "google.protobuf.BoolValue":
		return map[string]any{"type": "boolean"}, true
	case "google.protobuf.Int32Value", "google.protobuf.UInt32Value":
		return map[string]any{"type": "integer"}, true
	case "google.protobuf.Int64Value", "google.protobuf.UInt64Value":
		return map[string]any{"type": []any{"integer", "string"}}, true
	case "google.protobuf.FloatValue", "google.protobuf.DoubleValue":
		return map[string]any{"type": "number"}, true
	}
	return nil, false
}
