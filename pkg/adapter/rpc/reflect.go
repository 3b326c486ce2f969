package rpc

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// internalServices are served by most gRPC servers but are plumbing, not
// capabilities.
var internalServices = []string{"grpc.reflection.", "grpc.health.", "grpc.channelz."}

func internal(service string) bool {
	for _, p := range internalServices {
		if strings.HasPrefix(service, p) {
			return true
		}
	}
	return false
}

// schemaSet is everything reflection told us about a server.
type schemaSet struct {
	files    *protoregistry.Files
	services []protoreflect.ServiceDescriptor
}

// method looks up "pkg.Service/Method".
func (s *schemaSet) method(full string) (protoreflect.MethodDescriptor, error) {
	svc, name, ok := strings.Cut(strings.TrimPrefix(full, "/"), "/")
	if !ok {
		return nil, fmt.Errorf("malformed method name %q", full)
	}
	d, err := s.files.FindDescriptorByName(protoreflect.FullName(svc))
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svc, err)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a service", svc)
	}
	md := sd.Methods().ByName(protoreflect.Name(name))
	if md == nil {
		return nil, fmt.Errorf("service %s has no method %s", svc, name)
	}
	return md, nil
}

// reflectServer asks the server for its services and their file
// descriptors over the v1 reflection API. Only services accepted by keep
// are resolved.
func reflectServer(ctx context.Context, conn grpc.ClientConnInterface, keep func(string) bool) (*schemaSet, error) {
	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("open reflection stream: %w", err)
	}
	defer func() { _ = stream.CloseSend() }()

	ask := func(req *reflectionpb.ServerReflectionRequest) (*reflectionpb.ServerReflectionResponse, error) {
		if err := stream.Send(req); err != nil {
			return nil, err
		}
		resp, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		if e := resp.GetErrorResponse(); e != nil {
			return nil, fmt.Errorf("reflection error %d: %s", e.GetErrorCode(), e.GetErrorMessage())
		}
		return resp, nil
	}

	resp, err := ask(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_ListServices{ListServices: "*"},
	})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	var names []string
	for _, s := range resp.GetListServicesResponse().GetService() {
		if !internal(s.GetName()) && keep(s.GetName()) {
			names = append(names, s.GetName())
		}
	}

	// The server sends each file once per stream along with any
	// dependencies it has not sent yet.
	seen := map[string]*descriptorpb.FileDescriptorProto{}
	for _, name := range names {
		resp, err := ask(&reflectionpb.ServerReflectionRequest{
			MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: name},
		})
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", name, err)
		}
		for _, raw := range resp.GetFileDescriptorResponse().GetFileDescriptorProto() {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(raw, fd); err != nil {
				return nil, fmt.Errorf("decode descriptor for %s: %w", name, err)
			}
			seen[fd.GetName()] = fd
		}
	}

	set := &descriptorpb.FileDescriptorSet{}
	for _, fd := range seen {
		set.File = append(set.File, fd)
	}
	files, err := protodesc.NewFiles(set)
	if err != nil {
		return nil, fmt.Errorf("build descriptors: %w", err)
	}
	out := &schemaSet{files: files}
	for _, name := range names {
		d, err := files.FindDescriptorByName(protoreflect.FullName(name))
		if err != nil {
			return nil, fmt.Errorf("service %s missing from descriptors: %w", name, err)
		}
		if sd, ok := d.(protoreflect.ServiceDescriptor); ok {
			out.services = append(out.services, sd)
		}
	}
	return out, nil
}
