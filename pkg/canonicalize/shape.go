package canonicalize

import (
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// JSON type tags used by Shape.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeNull    = "null"
	TypeUnknown = "unknown"
)

// Shape returns the structure of args with every leaf replaced by its JSON
// type name. Keys are NFC-normalized. Any dotted path listed in redact is
// dropped along with everything beneath it.
//
// Arrays collapse to the sorted set of their distinct element shapes, so
// ["a","b"] and ["c"] share a shape.
func Shape(args map[string]any, redact []string) map[string]any {
	drop := make(map[string]struct{}, len(redact))
	for _, p := range redact {
		drop[norm.NFC.String(strings.TrimSpace(p))] = struct{}{}
	}
	return shapeObject(args, "", drop)
}

func shapeObject(m map[string]any, prefix string, drop map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := norm.NFC.String(k)
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if _, skip := drop[path]; skip {
			continue
		}
		out[key] = shapeValue(v, path, drop)
	}
	return out
}

func shapeValue(v any, path string, drop map[string]struct{}) any {
	switch t := v.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case json.Number, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeNumber
	case map[string]any:
		return shapeObject(t, path, drop)
	case []any:
		return shapeArray(t, path, drop)
	default:
		// Structs, typed slices and the like: take their JSON view.
		raw, err := json.Marshal(t)
		if err != nil {
			return TypeUnknown
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return TypeUnknown
		}
		return shapeValue(generic, path, drop)
	}
}

func shapeArray(items []any, path string, drop map[string]struct{}) any {
	seen := make(map[string]any)
	for _, item := range items {
		s := shapeValue(item, path, drop)
		b, err := JCS(s)
		if err != nil {
			continue
		}
		seen[string(b)] = s
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

// Fingerprint identifies a (principal, capability, argument shape) triple.
// Argument values never contribute, so secrets cannot leak into a cache key.
func Fingerprint(principalID, capabilityID string, args map[string]any, redact []string) (string, error) {
	return PrefixedHash(struct {
		Principal  string         `json:"principal"`
		Capability string         `json:"capability"`
		Shape      map[string]any `json:"shape"`
	}{
		Principal:  norm.NFC.String(principalID),
		Capability: capabilityID,
		Shape:      Shape(args, redact),
	})
}
