package contracts

import (
	"sort"
	"strings"
)

// Suppress returns a copy of args with every dotted path in paths removed.
func Suppress(args map[string]any, paths []string) map[string]any {
	out := CloneMap(args)
	if out == nil {
		return nil
	}
	for _, p := range paths {
		deletePath(out, strings.Split(p, "."))
	}
	return out
}

func deletePath(m map[string]any, parts []string) {
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		delete(m, parts[0])
		return
	}
	if child, ok := m[parts[0]].(map[string]any); ok {
		deletePath(child, parts[1:])
	}
}

// SuppressedPaths lists the dotted paths present in original but missing
// from filtered. Paths that survive but change value are not reported.
func SuppressedPaths(original, filtered map[string]any) []string {
	var out []string
	collectSuppressed(original, filtered, "", &out)
	sort.Strings(out)
	return out
}

func collectSuppressed(original, filtered map[string]any, prefix string, out *[]string) {
	for k, v := range original {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		fv, ok := filtered[k]
		if !ok {
			*out = append(*out, path)
			continue
		}
		om, oIsMap := v.(map[string]any)
		fm, fIsMap := fv.(map[string]any)
		if oIsMap && fIsMap {
			collectSuppressed(om, fm, path, out)
		}
	}
}
