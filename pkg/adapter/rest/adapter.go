// Package rest adapts HTTP APIs described by OpenAPI documents. Each API is
// one resource; each operation in its document is one capability.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/util/resiliency"
)

const (
	Protocol = "http"
	Version  = "1.0.0"

	metaMethod      = "http_method"
	metaPath        = "http_path"
	metaOperationID = "operation_id"

	maxErrorBody = 4 << 10
)

// apiState is what the adapter remembers about one discovered API.
type apiState struct {
	doc    document
	auth   Authenticator
	client *resiliency.EnhancedClient
	caps   []contracts.Capability
}

// Adapter invokes REST operations through a retrying, circuit-broken client.
// Each resource gets its own breaker so one failing API cannot trip another.
type Adapter struct {
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	breakers   *resiliency.BreakerGroup
	client     *resiliency.EnhancedClient
	validator  *adapter.SchemaValidator
	logger     *slog.Logger

	mu   sync.Mutex
	apis map[string]*apiState
}

var (
	_ adapter.Adapter             = (*Adapter)(nil)
	_ adapter.CapabilityRefresher = (*Adapter)(nil)
	_ adapter.StreamingAdapter    = (*Adapter)(nil)
	_ adapter.LifecycleHooks      = (*Adapter)(nil)
)

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithRetries sets how often failed idempotent calls are retried.
func WithRetries(n int, backoff time.Duration) Option {
	return func(a *Adapter) {
		a.retries = n
		a.backoff = backoff
	}
}

func WithBreakers(g *resiliency.BreakerGroup) Option {
	return func(a *Adapter) { a.breakers = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    2,
		backoff:    200 * time.Millisecond,
		breakers:   resiliency.NewBreakerGroup(resiliency.DefaultBreakerConfig()),
		validator:  adapter.NewSchemaValidator(),
		logger:     slog.Default().With("component", "adapter", "protocol", Protocol),
		apis:       make(map[string]*apiState),
	}
	for _, opt := range opts {
		opt(a)
	}
	// Discovery traffic shares one breaker; invocations use per-resource ones.
	a.client = a.newClient("discovery")
	return a
}

func (a *Adapter) newClient(name string) *resiliency.EnhancedClient {
	return resiliency.NewEnhancedClient(
		resiliency.WithHTTPClient(a.httpClient),
		resiliency.WithRetries(a.retries, a.backoff),
		resiliency.WithBreaker(a.breakers.Get(name)),
	)
}

func (a *Adapter) Protocol() string        { return Protocol }
func (a *Adapter) ProtocolVersion() string { return Version }

// DiscoverResources loads the API's OpenAPI document and describes the API.
//
// Keys: base_url, and spec_url or an inline spec; optional id, name,
// sensitivity, owner_org, auth (type plus credentials) and health_path.
// With neither spec_url nor spec, well-known document paths under base_url
// are tried.
func (a *Adapter) DiscoverResources(ctx context.Context, cfg adapter.DiscoveryConfig) ([]contracts.Resource, error) {
	baseURL := strings.TrimSuffix(cfg.String("base_url"), "/")
	specURL := cfg.String("spec_url")
	if baseURL == "" && specURL == "" {
		return nil, &adapter.Error{Kind: adapter.KindDiscovery, Adapter: Protocol, Message: "missing base_url or spec_url"}
	}
	auth, err := NewAuthenticator(cfg.Map("auth"), a.httpClient)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindAuthentication, Protocol, err, "configure auth")
	}

	var doc document
	if inline := cfg.Map("spec"); inline != nil {
		raw, err := json.Marshal(inline)
		if err != nil {
			return nil, adapter.Wrap(adapter.KindDiscovery, Protocol, err, "inline spec")
		}
		if doc, err = parseDocument(raw); err != nil {
			return nil, adapter.Wrap(adapter.KindDiscovery, Protocol, err, "inline spec")
		}
	} else {
		doc, specURL, err = a.fetchDocument(ctx, baseURL, specURL, auth)
		if err != nil {
			return nil, adapter.Wrap(adapter.KindConnection, Protocol, err, "fetch openapi document")
		}
	}
	if baseURL == "" {
		if baseURL, err = serverURL(doc, specURL); err != nil {
			return nil, adapter.Wrap(adapter.KindDiscovery, Protocol, err, "determine base url")
		}
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, &adapter.Error{Kind: adapter.KindDiscovery, Adapter: Protocol, Message: "invalid base_url " + baseURL}
	}

	id := cfg.String("id")
	if id == "" {
		id = "http:" + base.Host + strings.TrimSuffix(base.Path, "/")
	}
	name := cfg.String("name")
	if name == "" {
		name = doc.title()
	}
	if name == "" {
		name = "HTTP API (" + base.Host + ")"
	}
	sens := contracts.SensitivityMedium
	if s := cfg.String("sensitivity"); s != "" {
		sens = contracts.ParseSensitivity(s)
	}
	meta := map[string]any{
		"base_url":        baseURL,
		"openapi_version": doc.version(),
		"auth_type":       auth.Type(),
	}
	if specURL != "" {
		meta["spec_url"] = specURL
	}
	if hp := cfg.String("health_path"); hp != "" {
		meta["health_path"] = hp
	}
	now := time.Now().UTC()
	res := contracts.Resource{
		ID:          id,
		Name:        name,
		Protocol:    Protocol,
		Endpoint:    baseURL,
		Sensitivity: sens,
		OwnerOrg:    cfg.String("owner_org"),
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	a.mu.Lock()
	a.apis[id] = &apiState{doc: doc, auth: auth, client: a.newClient(id)}
	a.mu.Unlock()
	a.logger.InfoContext(ctx, "http api discovered", "resource_id", id, "base_url", baseURL, "operations", len(doc.operations()))
	return []contracts.Resource{res}, nil
}

// serverURL takes the first servers entry, resolved against the document URL.
func serverURL(doc document, specURL string) (string, error) {
	for _, s := range asSlice(doc["servers"]) {
		if u := stringOf(asMap(s)["url"]); u != "" {
			ref, err := url.Parse(u)
			if err != nil {
				return "", err
			}
			if specURL == "" {
				return strings.TrimSuffix(ref.String(), "/"), nil
			}
			from, err := url.Parse(specURL)
			if err != nil {
				return "", err
			}
			return strings.TrimSuffix(from.ResolveReference(ref).String(), "/"), nil
		}
	}
	if specURL == "" {
		return "", fmt.Errorf("document declares no servers")
	}
	u, err := url.Parse(specURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

func (a *Adapter) state(id string) (*apiState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.apis[id]
	return s, ok
}

// GetCapabilities lists the API's operations, cached after the first call.
func (a *Adapter) GetCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error) {
	if s, ok := a.state(res.ID); ok {
		a.mu.Lock()
		caps := s.caps
		a.mu.Unlock()
		if caps != nil {
			return append([]contracts.Capability(nil), caps...), nil
		}
	}
	return a.RefreshCapabilities(ctx, res)
}

// RefreshCapabilities re-reads the document when it came from a URL.
func (a *Adapter) RefreshCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error) {
	s, ok := a.state(res.ID)
	specURL, _ := res.Metadata["spec_url"].(string)
	if !ok && specURL == "" {
		return nil, &adapter.Error{Kind: adapter.KindResourceNotFound, Adapter: Protocol, ResourceID: res.ID, Message: "resource was not discovered by this adapter"}
	}
	if !ok {
		s = &apiState{auth: noAuth{}, client: a.newClient(res.ID)}
	}
	doc := s.doc
	if specURL != "" {
		fresh, _, err := a.fetchDocument(ctx, "", specURL, s.auth)
		if err != nil {
			return nil, adapter.Wrap(adapter.KindConnection, Protocol, err, "refresh %s", res.ID)
		}
		doc = fresh
	}

	ops := doc.operations()
	caps := make([]contracts.Capability, 0, len(ops))
	for _, op := range ops {
		caps = append(caps, contracts.Capability{
			ID:           res.ID + ":" + op.ID,
			ResourceID:   res.ID,
			Name:         op.ID,
			Description:  op.Description,
			InputSchema:  op.inputSchema(),
			OutputSchema: op.Output,
			Sensitivity:  op.sensitivity(),
			Metadata: map[string]any{
				metaMethod:      op.Method,
				metaPath:        op.Path,
				metaOperationID: op.ID,
				"tags":          op.Tags,
				"deprecated":    op.Deprecated,
			},
		})
	}

	a.mu.Lock()
	s.doc = doc
	s.caps = caps
	a.apis[res.ID] = s
	a.mu.Unlock()
	return append([]contracts.Capability(nil), caps...), nil
}

// ValidateRequest checks the target is an HTTP operation and the arguments
// match its input schema.
func (a *Adapter) ValidateRequest(_ context.Context, req contracts.InvocationRequest) (bool, error) {
	if req.Capability == nil {
		return false, &adapter.Error{Kind: adapter.KindCapabilityNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID}
	}
	if _, _, ok := route(*req.Capability); !ok {
		return false, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Path: "capability_id", Reason: "does not name an HTTP operation"})
	}
	fields, err := a.validator.Validate(*req.Capability, req.Arguments)
	if err != nil {
		return false, adapter.Wrap(adapter.KindValidation, Protocol, err, "input schema for %s", req.CapabilityID)
	}
	if len(fields) > 0 {
		return false, adapter.NewValidationError(Protocol, req.CapabilityID, fields...)
	}
	return true, nil
}

func route(c contracts.Capability) (method, path string, ok bool) {
	method, _ = c.Metadata[metaMethod].(string)
	path, _ = c.Metadata[metaPath].(string)
	return method, path, method != "" && path != ""
}

// Invoke performs the operation. Non-2xx responses and transport failures
// come back as unsuccessful results.
func (a *Adapter) Invoke(ctx context.Context, req contracts.InvocationRequest) (*contracts.InvocationResult, error) {
	httpReq, client, err := a.buildRequest(ctx, req, "application/json")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return contracts.Failed(fmt.Sprintf("%s %s: %v", httpReq.Method, httpReq.URL.Path, err), time.Since(start)), nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	meta := map[string]any{"resource_id": req.Resource.ID, "status_code": resp.StatusCode}
	if err != nil {
		r := contracts.Failed("read response: "+err.Error(), elapsed)
		r.Metadata = meta
		return r, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		r := contracts.Failed(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), elapsed)
		r.Metadata = meta
		return r, nil
	}
	return &contracts.InvocationResult{Success: true, Result: decodeBody(resp.Header.Get("Content-Type"), body), Metadata: meta, Duration: elapsed}, nil
}

func decodeBody(contentType string, body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if json.Unmarshal(body, &v) == nil {
			return v
		}
	}
	return string(body)
}

// buildRequest maps arguments onto the operation: bare names fill path
// templates, query_ and header_ prefixes become query parameters and
// headers, and body is sent as JSON.
func (a *Adapter) buildRequest(ctx context.Context, req contracts.InvocationRequest, accept string) (*http.Request, *resiliency.EnhancedClient, error) {
	if req.Resource == nil || req.Capability == nil {
		return nil, nil, &adapter.Error{Kind: adapter.KindResourceNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID, Message: "request has no resolved target"}
	}
	method, path, ok := route(*req.Capability)
	if !ok {
		return nil, nil, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Path: "capability_id", Reason: "does not name an HTTP operation"})
	}
	s, ok := a.state(req.Resource.ID)
	if !ok {
		s = &apiState{auth: noAuth{}, client: a.newClient(req.Resource.ID)}
		a.mu.Lock()
		a.apis[req.Resource.ID] = s
		a.mu.Unlock()
	}

	query := url.Values{}
	headers := http.Header{}
	var body any
	for k, v := range req.Arguments {
		switch {
		case k == "body":
			body = v
		case strings.HasPrefix(k, "query_"):
			for _, e := range listOf(v) {
				query.Add(strings.TrimPrefix(k, "query_"), fmt.Sprint(e))
			}
		case strings.HasPrefix(k, "header_"):
			headers.Set(strings.TrimPrefix(k, "header_"), fmt.Sprint(v))
		case strings.HasPrefix(k, "cookie_"):
			headers.Add("Cookie", strings.TrimPrefix(k, "cookie_")+"="+fmt.Sprint(v))
		default:
			path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(fmt.Sprint(v)))
		}
	}
	if strings.Contains(path, "{") {
		return nil, nil, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Path: path, Reason: "unfilled path parameter"})
	}
	target, err := joinURL(req.Resource.Endpoint, path)
	if err != nil {
		return nil, nil, adapter.Wrap(adapter.KindValidation, Protocol, err, "endpoint %s", req.Resource.Endpoint)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Path: "body", Reason: err.Error()})
		}
		rdr = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, nil, adapter.Wrap(adapter.KindValidation, Protocol, err, "build request")
	}
	httpReq.Header = headers
	httpReq.Header.Set("Accept", accept)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Context.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.Context.CorrelationID)
	}
	if !idempotent(method) {
		// EnhancedClient only retries rewindable bodies.
		httpReq.GetBody = nil
	}
	if err := s.auth.Apply(ctx, httpReq); err != nil {
		return nil, nil, err
	}
	return httpReq, s.client, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func listOf(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}

// HealthCheck treats any response below 500 from the health path (or the
// base URL) as healthy. It bypasses retries and the breaker.
func (a *Adapter) HealthCheck(ctx context.Context, res contracts.Resource) bool {
	ctx, cancel := context.WithTimeout(ctx, adapter.HealthTimeout)
	defer cancel()
	target := res.Endpoint
	if hp, ok := res.Metadata["health_path"].(string); ok && hp != "" {
		u, err := joinURL(res.Endpoint, hp)
		if err != nil {
			return false
		}
		target = u
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	if s, ok := a.state(res.ID); ok {
		if s.auth.Apply(ctx, req) != nil {
			return false
		}
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return resp.StatusCode < 500
}

// OnResourceRegistered warms the capability cache.
func (a *Adapter) OnResourceRegistered(ctx context.Context, res contracts.Resource) error {
	_, err := a.GetCapabilities(ctx, res)
	return err
}

// OnResourceUnregistered forgets the API.
func (a *Adapter) OnResourceUnregistered(_ context.Context, res contracts.Resource) error {
	a.mu.Lock()
	delete(a.apis, res.ID)
	a.mu.Unlock()
	return nil
}
