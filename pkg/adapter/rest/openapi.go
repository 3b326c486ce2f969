package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// specPaths are tried in order when discovery has a base URL but no spec URL.
var specPaths = []string{
	"/openapi.json",
	"/openapi.yaml",
	"/swagger.json",
	"/v3/api-docs",
	"/api-docs",
	"/docs/openapi.json",
}

var operationMethods = []string{"get", "post", "put", "patch", "delete", "head", "options"}

const maxSpecBytes = 8 << 20

// document is a parsed OpenAPI 3.x or Swagger 2.0 description. It is kept
// as generic maps since only paths, parameters and request bodies matter.
type document map[string]any

// parseDocument accepts JSON or YAML; YAML is a superset so one decoder serves both.
func parseDocument(raw []byte) (document, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	doc, _ := stringKeys(v).(map[string]any)
	if doc == nil {
		return nil, fmt.Errorf("parse openapi document: empty")
	}
	if _, ok := doc["paths"].(map[string]any); !ok {
		return nil, fmt.Errorf("parse openapi document: no paths")
	}
	return document(doc), nil
}

// stringKeys rewrites YAML maps with non-string keys (such as unquoted
// response codes) so the document can be walked and re-encoded as JSON.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	default:
		return v
	}
}

func (d document) title() string {
	if info, ok := d["info"].(map[string]any); ok {
		if t, ok := info["title"].(string); ok {
			return t
		}
	}
	return ""
}

func (d document) version() string {
	if v, ok := d["openapi"].(string); ok {
		return v
	}
	if v, ok := d["swagger"].(string); ok {
		return v
	}
	return ""
}

// resolve follows a local "#/a/b" reference. External references resolve to nil.
func (d document) resolve(ref string) map[string]any {
	path, ok := strings.CutPrefix(ref, "#/")
	if !ok {
		return nil
	}
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	m, _ := cur.(map[string]any)
	return m
}

func (d document) deref(m map[string]any) map[string]any {
	for i := 0; i < 8 && m != nil; i++ {
		ref, ok := m["$ref"].(string)
		if !ok {
			return m
		}
		m = d.resolve(ref)
	}
	return m
}

// inline returns a copy of schema with every local reference expanded, so
// the result compiles on its own. Cycles deeper than maxInline become {}.
func (d document) inline(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out, _ := d.inlineValue(schema, 0).(map[string]any)
	return out
}

const maxInline = 16

func (d document) inlineValue(v any, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["$ref"].(string); ok {
			if depth >= maxInline {
				return map[string]any{}
			}
			target := d.resolve(ref)
			if target == nil {
				return map[string]any{}
			}
			return d.inlineValue(target, depth+1)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = d.inlineValue(e, depth)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = d.inlineValue(e, depth)
		}
		return out
	default:
		return v
	}
}

// operation is one METHOD path pair.
type operation struct {
	Method      string
	Path        string
	ID          string
	Description string
	Tags        []string
	Deprecated  bool
	Secured     bool
	Params      []parameter
	Body        map[string]any
	BodyReq     bool
	Output      map[string]any
}

type parameter struct {
	Name        string
	In          string
	Required    bool
	Schema      map[string]any
	Description string
}

// property is the argument key the parameter is read from. Path parameters
// use their bare name, the rest are prefixed by location.
func (p parameter) property() string {
	if p.In == "path" {
		return p.Name
	}
	return p.In + "_" + p.Name
}

// operations lists every operation in a stable order.
func (d document) operations() []operation {
	paths, _ := d["paths"].(map[string]any)
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, globalSecurity := d["security"]
	var ops []operation
	for _, p := range keys {
		item := d.deref(asMap(paths[p]))
		if item == nil {
			continue
		}
		shared := d.parameters(item["parameters"])
		for _, m := range operationMethods {
			raw := asMap(item[m])
			if raw == nil {
				continue
			}
			op := operation{
				Method:     strings.ToUpper(m),
				Path:       p,
				ID:         stringOf(raw["operationId"]),
				Deprecated: raw["deprecated"] == true,
				Params:     mergeParams(shared, d.parameters(raw["parameters"])),
				Output:     d.outputSchema(raw),
			}
			if op.ID == "" {
				op.ID = m + strings.ReplaceAll(strings.NewReplacer("{", "", "}", "").Replace(p), "/", "_")
			}
			op.Description = stringOf(raw["description"])
			if op.Description == "" {
				op.Description = stringOf(raw["summary"])
			}
			for _, t := range asSlice(raw["tags"]) {
				if s, ok := t.(string); ok {
					op.Tags = append(op.Tags, s)
				}
			}
			_, ownSecurity := raw["security"]
			op.Secured = ownSecurity || globalSecurity
			op.Body, op.BodyReq = d.requestBody(raw)
			ops = append(ops, op)
		}
	}
	return ops
}

func (d document) parameters(v any) []parameter {
	var out []parameter
	for _, raw := range asSlice(v) {
		m := d.deref(asMap(raw))
		name := stringOf(m["name"])
		if name == "" {
			continue
		}
		p := parameter{
			Name:        name,
			In:          stringOf(m["in"]),
			Required:    m["required"] == true,
			Description: stringOf(m["description"]),
		}
		if s := d.inline(asMap(m["schema"])); s != nil {
			p.Schema = s
		} else {
			// Swagger 2.0 puts the type on the parameter itself.
			typ := stringOf(m["type"])
			if typ == "" {
				typ = "string"
			}
			p.Schema = map[string]any{"type": typ}
			if f := stringOf(m["format"]); f != "" {
				p.Schema["format"] = f
			}
		}
		if p.In == "body" {
			p.In, p.Name = "body", "body"
		}
		out = append(out, p)
	}
	return out
}

// mergeParams lets operation parameters override path-level ones.
func mergeParams(shared, own []parameter) []parameter {
	out := append([]parameter(nil), own...)
	for _, s := range shared {
		dup := false
		for _, o := range own {
			if o.Name == s.Name && o.In == s.In {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

func (d document) requestBody(op map[string]any) (map[string]any, bool) {
	rb := d.deref(asMap(op["requestBody"]))
	if rb == nil {
		return nil, false
	}
	content := asMap(rb["content"])
	media := asMap(content["application/json"])
	if media == nil {
		for k, v := range content {
			if strings.HasSuffix(k, "+json") {
				media = asMap(v)
				break
			}
		}
	}
	if media == nil {
		return nil, false
	}
	schema := d.inline(asMap(media["schema"]))
	if schema == nil {
		schema = map[string]any{}
	}
	return schema, rb["required"] == true
}

func (d document) outputSchema(op map[string]any) map[string]any {
	responses := asMap(op["responses"])
	var resp map[string]any
	for _, code := range []string{"200", "201", "202", "204", "default"} {
		if r := asMap(responses[code]); r != nil {
			resp = d.deref(r)
			break
		}
	}
	if resp == nil {
		return nil
	}
	if media := asMap(asMap(resp["content"])["application/json"]); media != nil {
		return d.inline(asMap(media["schema"]))
	}
	return d.inline(asMap(resp["schema"]))
}

// inputSchema combines parameters and the request body into one object schema.
func (op operation) inputSchema() map[string]any {
	props := map[string]any{}
	required := []any{}
	for _, p := range op.Params {
		if p.In == "body" {
			continue
		}
		s := contracts.CloneMap(p.Schema)
		if p.Description != "" {
			s["description"] = p.Description
		}
		props[p.property()] = s
		if p.Required || p.In == "path" {
			required = append(required, p.property())
		}
	}
	body := op.Body
	bodyRequired := op.BodyReq
	for _, p := range op.Params {
		if p.In == "body" {
			body, bodyRequired = p.Schema, p.Required
		}
	}
	if body != nil {
		props["body"] = body
		if bodyRequired {
			required = append(required, "body")
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var sensitivePathWords = []string{"admin", "password", "secret", "token", "key", "credential"}

// sensitivity grades an operation: writes are at least medium, and secured
// or deprecated writes high. Reads on paths naming secrets are high.
func (op operation) sensitivity() contracts.Sensitivity {
	guarded := op.Secured || op.Deprecated
	switch op.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		if guarded || op.Method == http.MethodDelete {
			return contracts.SensitivityHigh
		}
		return contracts.SensitivityMedium
	}
	lower := strings.ToLower(op.Path)
	for _, w := range sensitivePathWords {
		if strings.Contains(lower, w) {
			return contracts.SensitivityHigh
		}
	}
	if guarded {
		return contracts.SensitivityMedium
	}
	return contracts.SensitivityLow
}

// fetchDocument loads the document at specURL, or tries the usual locations
// under baseURL when specURL is empty.
func (a *Adapter) fetchDocument(ctx context.Context, baseURL, specURL string, auth Authenticator) (document, string, error) {
	candidates := []string{specURL}
	if specURL == "" {
		candidates = candidates[:0]
		for _, p := range specPaths {
			u, err := joinURL(baseURL, p)
			if err != nil {
				return nil, "", err
			}
			candidates = append(candidates, u)
		}
	}
	var lastErr error
	for _, u := range candidates {
		doc, err := a.fetchOne(ctx, u, auth)
		if err == nil {
			return doc, u, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", fmt.Errorf("no openapi document found (tried %d locations): %w", len(candidates), lastErr)
}

func (a *Adapter) fetchOne(ctx context.Context, u string, auth Authenticator) (document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9")
	if err := auth.Apply(ctx, req); err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, err
	}
	return parseDocument(raw)
}

// joinURL appends path to base, keeping any path prefix base already has.
func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u.String(), nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
