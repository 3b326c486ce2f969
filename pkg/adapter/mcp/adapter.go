// Package mcp adapts Model Context Protocol tool servers. Each discovered
// server is one resource; each of its tools is one capability.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

const (
	Protocol = "mcp"
	// Version is the adapter contract version, not the MCP wire revision.
	Version = "1.0.0"

	TransportStdio      = "stdio"
	TransportSSE        = "sse"
	TransportStreamable = "http"

	metaTransport = "transport"
	metaTool      = "tool"
)

// TransportFactory opens the client side of a connection to res.
type TransportFactory func(ctx context.Context, res contracts.Resource) (mcpsdk.Transport, error)

// Adapter speaks MCP over stdio, SSE or streamable HTTP. Sessions are opened
// lazily per resource and reused.
type Adapter struct {
	client     *mcpsdk.Client
	transports TransportFactory
	httpClient *http.Client
	validator  *adapter.SchemaValidator
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	caps     map[string][]contracts.Capability
}

var (
	_ adapter.Adapter             = (*Adapter)(nil)
	_ adapter.CapabilityRefresher = (*Adapter)(nil)
	_ adapter.StreamingAdapter    = (*Adapter)(nil)
	_ adapter.LifecycleHooks      = (*Adapter)(nil)
)

type Option func(*Adapter)

// WithTransportFactory replaces how connections are opened.
func WithTransportFactory(f TransportFactory) Option {
	return func(a *Adapter) { a.transports = f }
}

// WithHTTPClient sets the client used by SSE and streamable transports.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		client:     mcpsdk.NewClient(&mcpsdk.Implementation{Name: "arbiter", Version: Version}, nil),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		validator:  adapter.NewSchemaValidator(),
		logger:     slog.Default().With("component", "adapter", "protocol", Protocol),
		sessions:   make(map[string]*mcpsdk.ClientSession),
		caps:       make(map[string][]contracts.Capability),
	}
	a.transports = a.defaultTransport
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Protocol() string        { return Protocol }
func (a *Adapter) ProtocolVersion() string { return Version }

// DiscoverResources describes the one server named by cfg and confirms it
// completes the MCP handshake.
//
// Keys: transport (stdio|sse|http), command, args, env for stdio; endpoint
// and headers for HTTP transports; optional id, name, sensitivity, owner_org.
func (a *Adapter) DiscoverResources(ctx context.Context, cfg adapter.DiscoveryConfig) ([]contracts.Resource, error) {
	transport := strings.ToLower(cfg.String(metaTransport))
	meta := map[string]any{metaTransport: transport}
	var endpoint string
	switch transport {
	case TransportStdio:
		command := cfg.String("command")
		if command == "" {
			return nil, &adapter.Error{Kind: adapter.KindDiscovery, Adapter: Protocol, Message: "missing command for stdio transport"}
		}
		args := cfg.Strings("args")
		meta["command"] = command
		meta["args"] = args
		if env := cfg.Map("env"); env != nil {
			meta["env"] = env
		}
		endpoint = strings.TrimSpace(command + " " + strings.Join(args, " "))
	case TransportSSE, TransportStreamable, "streamable":
		transport = normalizeTransport(transport)
		meta[metaTransport] = transport
		endpoint = cfg.String("endpoint")
		if endpoint == "" {
			return nil, &adapter.Error{Kind: adapter.KindDiscovery, Adapter: Protocol, Message: "missing endpoint for " + transport + " transport"}
		}
		if h := cfg.Map("headers"); h != nil {
			meta["headers"] = h
		}
	case "":
		return nil, &adapter.Error{Kind: adapter.KindDiscovery, Adapter: Protocol, Message: "missing transport in discovery config"}
	default:
		return nil, &adapter.Error{Kind: adapter.KindDiscovery, Adapter: Protocol, Message: "unsupported transport " + transport}
	}

	id := cfg.String("id")
	if id == "" {
		id = fmt.Sprintf("mcp-%s-%s", transport, uuid.NewString()[:8])
	}
	name := cfg.String("name")
	if name == "" {
		name = "MCP server (" + endpoint + ")"
	}
	sens := contracts.SensitivityMedium
	if s := cfg.String("sensitivity"); s != "" {
		sens = contracts.ParseSensitivity(s)
	}
	now := time.Now().UTC()
	res := contracts.Resource{
		ID:          id,
		Name:        name,
		Protocol:    Protocol,
		Endpoint:    endpoint,
		Sensitivity: sens,
		OwnerOrg:    cfg.String("owner_org"),
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	sess, err := a.session(ctx, res)
	if err != nil {
		return nil, err
	}
	if init := sess.InitializeResult(); init != nil && init.ServerInfo != nil {
		res.Metadata["server_name"] = init.ServerInfo.Name
		res.Metadata["server_version"] = init.ServerInfo.Version
		res.Metadata["mcp_version"] = init.ProtocolVersion
	}
	a.logger.InfoContext(ctx, "mcp server discovered", "resource_id", id, "transport", transport, "endpoint", endpoint)
	return []contracts.Resource{res}, nil
}

func normalizeTransport(t string) string {
	if t == "streamable" {
		return TransportStreamable
	}
	return t
}

// GetCapabilities lists the server's tools, cached after the first call.
func (a *Adapter) GetCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error) {
	a.mu.Lock()
	cached, ok := a.caps[res.ID]
	a.mu.Unlock()
	if ok {
		return append([]contracts.Capability(nil), cached...), nil
	}
	return a.RefreshCapabilities(ctx, res)
}

// RefreshCapabilities re-reads the tool list from the server.
func (a *Adapter) RefreshCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error) {
	sess, err := a.session(ctx, res)
	if err != nil {
		return nil, err
	}
	var (
		caps   []contracts.Capability
		cursor string
	)
	for {
		page, err := sess.ListTools(ctx, &mcpsdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			a.drop(res.ID)
			return nil, adapter.Wrap(adapter.KindConnection, Protocol, err, "list tools on %s", res.ID)
		}
		for _, t := range page.Tools {
			caps = append(caps, toCapability(res, t))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if caps == nil {
		caps = []contracts.Capability{}
	}
	a.mu.Lock()
	a.caps[res.ID] = caps
	a.mu.Unlock()
	return append([]contracts.Capability(nil), caps...), nil
}

func toCapability(res contracts.Resource, t *mcpsdk.Tool) contracts.Capability {
	sens := adapter.DetectSensitivity(t.Name, t.Description)
	if ann := t.Annotations; ann != nil && !ann.ReadOnlyHint && ann.DestructiveHint != nil && *ann.DestructiveHint {
		sens = sens.Max(contracts.SensitivityHigh)
	}
	return contracts.Capability{
		ID:           res.ID + "-" + t.Name,
		ResourceID:   res.ID,
		Name:         t.Name,
		Description:  t.Description,
		InputSchema:  asSchema(t.InputSchema),
		OutputSchema: asSchema(t.OutputSchema),
		Sensitivity:  sens,
		Metadata:     map[string]any{metaTool: t.Name},
	}
}

// asSchema turns whatever schema representation the SDK holds into a plain map.
func asSchema(v any) map[string]any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

// ValidateRequest checks the target is an MCP tool and the arguments match
// its input schema.
func (a *Adapter) ValidateRequest(_ context.Context, req contracts.InvocationRequest) (bool, error) {
	if req.Capability == nil {
		return false, &adapter.Error{Kind: adapter.KindCapabilityNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID}
	}
	if toolName(*req.Capability) == "" {
		return false, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Path: "capability_id", Reason: "does not name an MCP tool"})
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

func toolName(c contracts.Capability) string {
	if t, ok := c.Metadata[metaTool].(string); ok && t != "" {
		return t
	}
	return c.Name
}

// Invoke calls the tool. Tool-reported errors and transport failures come
// back as unsuccessful results.
func (a *Adapter) Invoke(ctx context.Context, req contracts.InvocationRequest) (*contracts.InvocationResult, error) {
	if req.Resource == nil || req.Capability == nil {
		return nil, &adapter.Error{Kind: adapter.KindResourceNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID, Message: "request has no resolved target"}
	}
	sess, err := a.session(ctx, *req.Resource)
	if err != nil {
		return contracts.Failed(err.Error(), 0), nil
	}
	start := time.Now()
	out, err := sess.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName(*req.Capability), Arguments: req.Arguments})
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			a.drop(req.Resource.ID)
		}
		return contracts.Failed(fmt.Sprintf("mcp call %s: %v", toolName(*req.Capability), err), elapsed), nil
	}
	meta := map[string]any{"resource_id": req.Resource.ID, "tool": toolName(*req.Capability)}
	if out.IsError {
		r := contracts.Failed(contentText(out.Content), elapsed)
		r.Metadata = meta
		return r, nil
	}
	return &contracts.InvocationResult{Success: true, Result: resultValue(out), Metadata: meta, Duration: elapsed}, nil
}

// InvokeStreaming delivers each content block of the tool result as a chunk.
func (a *Adapter) InvokeStreaming(ctx context.Context, req contracts.InvocationRequest, fn adapter.ChunkFunc) error {
	if req.Resource == nil || req.Capability == nil {
		return &adapter.Error{Kind: adapter.KindResourceNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID, Message: "request has no resolved target"}
	}
	sess, err := a.session(ctx, *req.Resource)
	if err != nil {
		return err
	}
	out, err := sess.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName(*req.Capability), Arguments: req.Arguments})
	if err != nil {
		return &adapter.Error{Kind: adapter.KindStreaming, Adapter: Protocol, CapabilityID: req.CapabilityID, Err: err}
	}
	if out.IsError {
		return &adapter.Error{Kind: adapter.KindInvocation, Adapter: Protocol, CapabilityID: req.CapabilityID, Message: contentText(out.Content)}
	}
	delivered := 0
	for _, c := range out.Content {
		if err := fn(contentValue(c)); err != nil {
			return &adapter.Error{Kind: adapter.KindStreaming, Adapter: Protocol, CapabilityID: req.CapabilityID, ChunksDelivered: delivered, Err: err}
		}
		delivered++
	}
	return nil
}

func resultValue(out *mcpsdk.CallToolResult) any {
	if out.StructuredContent != nil {
		return out.StructuredContent
	}
	if len(out.Content) == 1 {
		return contentValue(out.Content[0])
	}
	vals := make([]any, 0, len(out.Content))
	for _, c := range out.Content {
		vals = append(vals, contentValue(c))
	}
	return vals
}

func contentValue(c mcpsdk.Content) any {
	if t, ok := c.(*mcpsdk.TextContent); ok {
		return t.Text
	}
	return asSchema(c)
}

func contentText(cs []mcpsdk.Content) string {
	var parts []string
	for _, c := range cs {
		if t, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}

// HealthCheck pings the server.
func (a *Adapter) HealthCheck(ctx context.Context, res contracts.Resource) bool {
	ctx, cancel := context.WithTimeout(ctx, adapter.HealthTimeout)
	defer cancel()
	sess, err := a.session(ctx, res)
	if err != nil {
		return false
	}
	if err := sess.Ping(ctx, nil); err != nil {
		a.drop(res.ID)
		return false
	}
	return true
}

// OnResourceRegistered warms the capability cache.
func (a *Adapter) OnResourceRegistered(ctx context.Context, res contracts.Resource) error {
	_, err := a.GetCapabilities(ctx, res)
	return err
}

// OnResourceUnregistered closes the resource's session.
func (a *Adapter) OnResourceUnregistered(_ context.Context, res contracts.Resource) error {
	a.mu.Lock()
	delete(a.caps, res.ID)
	a.mu.Unlock()
	return a.drop(res.ID)
}

// Close ends every open session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*mcpsdk.ClientSession)
	a.mu.Unlock()
	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (a *Adapter) session(ctx context.Context, res contracts.Resource) (*mcpsdk.ClientSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[res.ID]; ok {
		return s, nil
	}
	t, err := a.transports(ctx, res)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindConnection, Protocol, err, "open transport for %s", res.ID)
	}
	s, err := a.client.Connect(ctx, t, nil)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindConnection, Protocol, err, "connect to %s", res.ID)
	}
	a.sessions[res.ID] = s
	return s, nil
}

func (a *Adapter) drop(resourceID string) error {
	a.mu.Lock()
	s, ok := a.sessions[resourceID]
	delete(a.sessions, resourceID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

func (a *Adapter) defaultTransport(_ context.Context, res contracts.Resource) (mcpsdk.Transport, error) {
	meta := adapter.DiscoveryConfig(res.Metadata)
	switch meta.String(metaTransport) {
	case TransportStdio:
		// Not bound to ctx: the server process lives as long as the session.
		cmd := exec.Command(meta.String("command"), meta.Strings("args")...)
		cmd.Env = os.Environ()
		for k, v := range meta.Map("env") {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcpsdk.SSEClientTransport{Endpoint: res.Endpoint, HTTPClient: a.clientFor(meta)}, nil
	case TransportStreamable:
		return &mcpsdk.StreamableClientTransport{Endpoint: res.Endpoint, HTTPClient: a.clientFor(meta)}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", meta.String(metaTransport))
	}
}

// clientFor adds configured static headers to every request.
func (a *Adapter) clientFor(meta adapter.DiscoveryConfig) *http.Client {
	headers := meta.Map("headers")
	if len(headers) == 0 {
		return a.httpClient
	}
	c := *a.httpClient
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.Transport = headerTransport{base: base, headers: headers}
	return &c
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]any
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range t.headers {
		r.Header.Set(k, fmt.Sprint(v))
	}
	return t.base.RoundTrip(r)
}
