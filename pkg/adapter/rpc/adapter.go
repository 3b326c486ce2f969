// Package rpc adapts gRPC services discovered through server reflection.
// Each server is one resource; each unary or server-streaming method is one
// capability. Calls are made with dynamic messages, so no generated code
// for the governed services is needed.
package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

const (
	Protocol = "grpc"
	Version  = "1.0.0"

	metaMethod    = "grpc_method"
	metaStreaming = "streaming"

	streamingNone   = "unary"
	streamingServer = "server"
	streamingClient = "client"
	streamingBidi   = "bidi"
)

type server struct {
	conn    *grpc.ClientConn
	schemas *schemaSet
	headers metadata.MD
	caps    []contracts.Capability
}

// Adapter calls gRPC methods with dynamicpb messages built from the
// reflected descriptors.
type Adapter struct {
	dialOpts    []grpc.DialOption
	callTimeout time.Duration
	validator   *adapter.SchemaValidator
	logger      *slog.Logger

	mu      sync.Mutex
	servers map[string]*server
}

var (
	_ adapter.Adapter             = (*Adapter)(nil)
	_ adapter.CapabilityRefresher = (*Adapter)(nil)
	_ adapter.StreamingAdapter    = (*Adapter)(nil)
	_ adapter.LifecycleHooks      = (*Adapter)(nil)
)

type Option func(*Adapter)

// WithDialOptions adds options to every connection, after the transport
// credentials derived from discovery config.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(a *Adapter) { a.dialOpts = append(a.dialOpts, opts...) }
}

// WithCallTimeout bounds each call that arrives without a deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.callTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		callTimeout: 30 * time.Second,
		validator:   adapter.NewSchemaValidator(),
		logger:      slog.Default().With("component", "adapter", "protocol", Protocol),
		servers:     make(map[string]*server),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Protocol() string        { return Protocol }
func (a *Adapter) ProtocolVersion() string { return Version }

// DiscoverResources connects to one server and reads its services over
// reflection.
//
// Keys: target (host:port or any gRPC target URI); optional tls, ca_file,
// server_name, services (allow list), metadata (static request headers),
// id, name, sensitivity, owner_org.
func (a *Adapter) DiscoverResources(ctx context.Context, cfg adapter.DiscoveryConfig) ([]contracts.Resource, error) {
	target := cfg.String("target")
	if target == "" {
		target = cfg.String("endpoint")
	}
	if target == "" {
		return nil, &adapter.Error{Kind: adapter.KindDiscovery, Adapter: Protocol, Message: "missing target"}
	}
	useTLS := cfg.Bool("tls")
	creds, err := transportCredentials(useTLS, cfg.String("ca_file"), cfg.String("server_name"))
	if err != nil {
		return nil, adapter.Wrap(adapter.KindAuthentication, Protocol, err, "tls for %s", target)
	}

	id := cfg.String("id")
	if id == "" {
		id = "grpc-" + uuid.NewString()[:8]
	}
	meta := map[string]any{"tls": useTLS}
	if h := cfg.Map("metadata"); h != nil {
		meta["metadata"] = h
	}
	if f := cfg.String("ca_file"); f != "" {
		meta["ca_file"] = f
	}
	if sn := cfg.String("server_name"); sn != "" {
		meta["server_name"] = sn
	}
	allow := cfg.Strings("services")
	if len(allow) > 0 {
		meta["services"] = allow
	}

	srv, err := a.connect(ctx, id, target, creds, meta)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(srv.schemas.services))
	for _, sd := range srv.schemas.services {
		names = append(names, string(sd.FullName()))
	}
	meta["grpc_services"] = names
	name := cfg.String("name")
	if name == "" {
		name = "gRPC server (" + target + ")"
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
		Endpoint:    target,
		Sensitivity: sens,
		OwnerOrg:    cfg.String("owner_org"),
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	a.logger.InfoContext(ctx, "grpc server discovered", "resource_id", id, "target", target, "services", len(names))
	return []contracts.Resource{res}, nil
}

func transportCredentials(useTLS bool, caFile, serverName string) (credentials.TransportCredentials, error) {
	if !useTLS {
		return insecure.NewCredentials(), nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return credentials.NewTLS(cfg), nil
}

// connect dials target and loads its descriptors, replacing any previous
// connection for id.
func (a *Adapter) connect(ctx context.Context, id, target string, creds credentials.TransportCredentials, meta map[string]any) (*server, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, a.dialOpts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, adapter.Wrap(adapter.KindConnection, Protocol, err, "dial %s", target)
	}
	allow := adapter.DiscoveryConfig(meta).Strings("services")
	schemas, err := reflectServer(ctx, conn, func(s string) bool {
		return len(allow) == 0 || slices.Contains(allow, s)
	})
	if err != nil {
		_ = conn.Close()
		if status.Code(err) == codes.Unimplemented {
			return nil, adapter.Wrap(adapter.KindDiscovery, Protocol, err, "%s does not serve reflection", target)
		}
		return nil, adapter.Wrap(adapter.KindConnection, Protocol, err, "reflect %s", target)
	}
	srv := &server{conn: conn, schemas: schemas, headers: metadata.MD{}}
	for k, v := range adapter.DiscoveryConfig(meta).Map("metadata") {
		srv.headers.Append(k, fmt.Sprint(v))
	}

	a.mu.Lock()
	old := a.servers[id]
	a.servers[id] = srv
	a.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return srv, nil
}

// serverFor returns the live connection for res, reconnecting from the
// resource's metadata when this adapter has not seen it yet.
func (a *Adapter) serverFor(ctx context.Context, res contracts.Resource) (*server, error) {
	a.mu.Lock()
	srv, ok := a.servers[res.ID]
	a.mu.Unlock()
	if ok {
		return srv, nil
	}
	meta := adapter.DiscoveryConfig(res.Metadata)
	creds, err := transportCredentials(meta.Bool("tls"), meta.String("ca_file"), meta.String("server_name"))
	if err != nil {
		return nil, adapter.Wrap(adapter.KindAuthentication, Protocol, err, "tls for %s", res.Endpoint)
	}
	return a.connect(ctx, res.ID, res.Endpoint, creds, res.Metadata)
}

// GetCapabilities lists the server's methods, cached after the first call.
func (a *Adapter) GetCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error) {
	srv, err := a.serverFor(ctx, res)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	caps := srv.caps
	a.mu.Unlock()
	if caps == nil {
		caps = capabilities(res, srv.schemas)
		a.mu.Lock()
		srv.caps = caps
		a.mu.Unlock()
	}
	return append([]contracts.Capability(nil), caps...), nil
}

// RefreshCapabilities re-reads descriptors over reflection.
func (a *Adapter) RefreshCapabilities(ctx context.Context, res contracts.Resource) ([]contracts.Capability, error) {
	a.mu.Lock()
	old, ok := a.servers[res.ID]
	delete(a.servers, res.ID)
	a.mu.Unlock()
	if ok {
		_ = old.conn.Close()
	}
	return a.GetCapabilities(ctx, res)
}

func capabilities(res contracts.Resource, s *schemaSet) []contracts.Capability {
	caps := []contracts.Capability{}
	for _, sd := range s.services {
		methods := sd.Methods()
		for i := 0; i < methods.Len(); i++ {
			md := methods.Get(i)
			full := "/" + string(sd.FullName()) + "/" + string(md.Name())
			caps = append(caps, contracts.Capability{
				ID:           res.ID + full,
				ResourceID:   res.ID,
				Name:         string(sd.Name()) + "." + string(md.Name()),
				Description:  string(md.FullName()),
				InputSchema:  messageSchema(md.Input()),
				OutputSchema: messageSchema(md.Output()),
				Sensitivity:  adapter.DetectSensitivity(string(md.Name()), string(sd.Name())),
				Metadata: map[string]any{
					metaMethod:    full,
					metaStreaming: streamingKind(md),
					"service":     string(sd.FullName()),
				},
			})
		}
	}
	return caps
}

func streamingKind(md protoreflect.MethodDescriptor) string {
	switch {
	case md.IsStreamingClient() && md.IsStreamingServer():
		return streamingBidi
	case md.IsStreamingClient():
		return streamingClient
	case md.IsStreamingServer():
		return streamingServer
	default:
		return streamingNone
	}
}

func methodName(c contracts.Capability) string {
	m, _ := c.Metadata[metaMethod].(string)
	return m
}

// ValidateRequest checks the arguments against the method's input schema and
// that they encode as the input message.
func (a *Adapter) ValidateRequest(ctx context.Context, req contracts.InvocationRequest) (bool, error) {
	if req.Capability == nil {
		return false, &adapter.Error{Kind: adapter.KindCapabilityNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID}
	}
	if methodName(*req.Capability) == "" {
		return false, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Path: "capability_id", Reason: "does not name a gRPC method"})
	}
	switch req.Capability.Metadata[metaStreaming] {
	case streamingClient, streamingBidi:
		return false, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Path: "capability_id", Reason: "client-streaming methods are not supported"})
	}
	fields, err := a.validator.Validate(*req.Capability, req.Arguments)
	if err != nil {
		return false, adapter.Wrap(adapter.KindValidation, Protocol, err, "input schema for %s", req.CapabilityID)
	}
	if len(fields) > 0 {
		return false, adapter.NewValidationError(Protocol, req.CapabilityID, fields...)
	}
	if req.Resource != nil {
		if _, _, err := a.prepare(ctx, req); err != nil {
			return false, err
		}
	}
	return true, nil
}

// prepare resolves the method and encodes the arguments as its input.
func (a *Adapter) prepare(ctx context.Context, req contracts.InvocationRequest) (*server, *dynamicpb.Message, error) {
	if req.Resource == nil || req.Capability == nil {
		return nil, nil, &adapter.Error{Kind: adapter.KindResourceNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID, Message: "request has no resolved target"}
	}
	srv, err := a.serverFor(ctx, *req.Resource)
	if err != nil {
		return nil, nil, err
	}
	md, err := srv.schemas.method(methodName(*req.Capability))
	if err != nil {
		return nil, nil, &adapter.Error{Kind: adapter.KindCapabilityNotFound, Adapter: Protocol, CapabilityID: req.CapabilityID, Err: err}
	}
	in := dynamicpb.NewMessage(md.Input())
	raw, err := json.Marshal(req.Arguments)
	if err != nil {
		return nil, nil, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Reason: err.Error()})
	}
	if len(req.Arguments) > 0 {
		if err := protojson.Unmarshal(raw, in); err != nil {
			return nil, nil, adapter.NewValidationError(Protocol, req.CapabilityID, adapter.FieldError{Reason: err.Error()})
		}
	}
	return srv, in, nil
}

func (a *Adapter) callContext(ctx context.Context, srv *server, req contracts.InvocationRequest) (context.Context, context.CancelFunc) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && a.callTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.callTimeout)
	}
	md := srv.headers.Copy()
	if req.Context.CorrelationID != "" {
		md.Set("x-correlation-id", req.Context.CorrelationID)
	}
	if req.PrincipalID != "" {
		md.Set("x-principal-id", req.PrincipalID)
	}
	return metadata.NewOutgoingContext(ctx, md), cancel
}

// Invoke makes a unary call. For server-streaming methods the messages are
// collected into a list. Non-OK statuses come back as unsuccessful results.
func (a *Adapter) Invoke(ctx context.Context, req contracts.InvocationRequest) (*contracts.InvocationResult, error) {
	srv, in, err := a.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	method := methodName(*req.Capability)
	md, _ := srv.schemas.method(method)
	callCtx, cancel := a.callContext(ctx, srv, req)
	defer cancel()
	meta := map[string]any{"resource_id": req.Resource.ID, metaMethod: method}

	start := time.Now()
	if md.IsStreamingServer() {
		var items []any
		err := a.stream(callCtx, srv, md, method, in, func(v any) error {
			items = append(items, v)
			return nil
		})
		elapsed := time.Since(start)
		if err != nil {
			return failed(err, elapsed, meta), nil
		}
		meta["grpc_code"] = codes.OK.String()
		return &contracts.InvocationResult{Success: true, Result: items, Metadata: meta, Duration: elapsed}, nil
	}

	out := dynamicpb.NewMessage(md.Output())
	err = srv.conn.Invoke(callCtx, method, in, out)
	elapsed := time.Since(start)
	if err != nil {
		return failed(err, elapsed, meta), nil
	}
	v, err := toValue(out)
	if err != nil {
		return failed(err, elapsed, meta), nil
	}
	meta["grpc_code"] = codes.OK.String()
	return &contracts.InvocationResult{Success: true, Result: v, Metadata: meta, Duration: elapsed}, nil
}

func failed(err error, d time.Duration, meta map[string]any) *contracts.InvocationResult {
	st := status.Convert(err)
	meta["grpc_code"] = st.Code().String()
	r := contracts.Failed(fmt.Sprintf("%s: %s", st.Code(), st.Message()), d)
	r.Metadata = meta
	return r
}

func toValue(m *dynamicpb.Message) (any, error) {
	raw, err := protojson.Marshal(m)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// InvokeStreaming delivers each message of a server-streaming method as a
// chunk. Unary methods yield their single response.
func (a *Adapter) InvokeStreaming(ctx context.Context, req contracts.InvocationRequest, fn adapter.ChunkFunc) error {
	srv, in, err := a.prepare(ctx, req)
	if err != nil {
		return err
	}
	method := methodName(*req.Capability)
	md, _ := srv.schemas.method(method)
	callCtx, cancel := a.callContext(ctx, srv, req)
	defer cancel()

	delivered := 0
	var consumerErr error
	err = a.stream(callCtx, srv, md, method, in, func(v any) error {
		if err := fn(v); err != nil {
			consumerErr = err
			return err
		}
		delivered++
		return nil
	})
	if err == nil {
		return nil
	}
	if consumerErr == nil && delivered == 0 {
		return &adapter.Error{Kind: adapter.KindInvocation, Adapter: Protocol, CapabilityID: req.CapabilityID, Err: err}
	}
	return &adapter.Error{Kind: adapter.KindStreaming, Adapter: Protocol, CapabilityID: req.CapabilityID, ChunksDelivered: delivered, Err: err}
}

func (a *Adapter) stream(ctx context.Context, srv *server, md protoreflect.MethodDescriptor, method string, in *dynamicpb.Message, emit func(any) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	desc := &grpc.StreamDesc{StreamName: string(md.Name()), ServerStreams: md.IsStreamingServer()}
	cs, err := srv.conn.NewStream(ctx, desc, method)
	if err != nil {
		return err
	}
	if err := cs.SendMsg(in); err != nil {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		out := dynamicpb.NewMessage(md.Output())
		err := cs.RecvMsg(out)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := toValue(out)
		if err != nil {
			return err
		}
		if err := emit(v); err != nil {
			return err
		}
		if !md.IsStreamingServer() {
			return nil
		}
	}
}

// HealthCheck asks the standard health service about the whole server.
// Servers without a health service are healthy if reflection answers.
func (a *Adapter) HealthCheck(ctx context.Context, res contracts.Resource) bool {
	ctx, cancel := context.WithTimeout(ctx, adapter.HealthTimeout)
	defer cancel()
	srv, err := a.serverFor(ctx, res)
	if err != nil {
		return false
	}
	resp, err := healthpb.NewHealthClient(srv.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if status.Code(err) == codes.Unimplemented {
		_, err = reflectServer(ctx, srv.conn, func(string) bool { return false })
		return err == nil
	}
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// OnResourceRegistered warms the capability cache.
func (a *Adapter) OnResourceRegistered(ctx context.Context, res contracts.Resource) error {
	_, err := a.GetCapabilities(ctx, res)
	return err
}

// OnResourceUnregistered closes the resource's connection.
func (a *Adapter) OnResourceUnregistered(_ context.Context, res contracts.Resource) error {
	a.mu.Lock()
	srv, ok := a.servers[res.ID]
	delete(a.servers, res.ID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return srv.conn.Close()
}

// Close closes every connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	servers := a.servers
	a.servers = make(map[string]*server)
	a.mu.Unlock()
	var errs []error
	for _, s := range servers {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
