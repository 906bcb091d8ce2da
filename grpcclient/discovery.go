package grpcclient

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	reflectpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	"caikitnlp/nlp"
)

// Reflected symbols the client cannot operate without. Anything else (the
// embedding/similarity/rerank request types) resolves lazily on first use so
// older servers keep working.
const (
	symGenerationRequest = "caikit.runtime.Nlp.TextGenerationTaskRequest"
	symStreamingRequest  = "caikit.runtime.Nlp.ServerStreamingTextGenerationTaskRequest"
	symGeneratedResult   = "caikit_data_model.nlp.GeneratedTextResult"
	symNlpService        = "caikit.runtime.Nlp.NlpService"
	symInfoService       = "caikit.runtime.info.InfoService"
)

// schema holds the descriptors discovered from the server at construction
// time. Immutable after discovery; safe for concurrent reads.
type schema struct {
	files *protoregistry.Files

	genReq    protoreflect.MessageDescriptor
	streamReq protoreflect.MessageDescriptor
	result    protoreflect.MessageDescriptor
	nlpSvc    protoreflect.ServiceDescriptor
	infoSvc   protoreflect.ServiceDescriptor
}

// discoverSchema walks the server's reflection endpoint and resolves the
// descriptors this client depends on. A missing symbol is fatal: it means
// the server and client disagree about the runtime version.
func discoverSchema(ctx context.Context, conn grpc.ClientConnInterface) (*schema, error) {
	stream, err := reflectpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, mapRPCError(err)
	}
	defer func() { _ = stream.CloseSend() }()

	fetched := map[string]*descriptorpb.FileDescriptorProto{}
	for _, sym := range []string{
		symGenerationRequest, symStreamingRequest, symGeneratedResult,
		symNlpService, symInfoService,
	} {
		if err := fetchFileContainingSymbol(stream, sym, fetched); err != nil {
			return nil, err
		}
	}

	set := &descriptorpb.FileDescriptorSet{}
	for _, fd := range fetched {
		set.File = append(set.File, fd)
	}
	files, err := protodesc.NewFiles(set)
	if err != nil {
		return nil, nlp.WrapErr(nlp.KindSchemaMismatch, "reflected descriptors do not assemble: "+err.Error(), err)
	}

	s := &schema{files: files}
	if s.genReq, err = messageDescriptor(files, symGenerationRequest); err != nil {
		return nil, err
	}
	if s.streamReq, err = messageDescriptor(files, symStreamingRequest); err != nil {
		return nil, err
	}
	if s.result, err = messageDescriptor(files, symGeneratedResult); err != nil {
		return nil, err
	}
	if s.nlpSvc, err = serviceDescriptor(files, symNlpService); err != nil {
		return nil, err
	}
	if s.infoSvc, err = serviceDescriptor(files, symInfoService); err != nil {
		return nil, err
	}
	return s, nil
}

// fetchFileContainingSymbol asks the reflection stream for the file that
// defines symbol, then chases any dependency files not yet fetched.
func fetchFileContainingSymbol(stream reflectpb.ServerReflection_ServerReflectionInfoClient, symbol string, into map[string]*descriptorpb.FileDescriptorProto) error {
	req := &reflectpb.ServerReflectionRequest{
		MessageRequest: &reflectpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: symbol},
	}
	return fetchFiles(stream, req, symbol, into)
}

func fetchFileByName(stream reflectpb.ServerReflection_ServerReflectionInfoClient, name string, into map[string]*descriptorpb.FileDescriptorProto) error {
	req := &reflectpb.ServerReflectionRequest{
		MessageRequest: &reflectpb.ServerReflectionRequest_FileByFilename{FileByFilename: name},
	}
	return fetchFiles(stream, req, name, into)
}

func fetchFiles(stream reflectpb.ServerReflection_ServerReflectionInfoClient, req *reflectpb.ServerReflectionRequest, what string, into map[string]*descriptorpb.FileDescriptorProto) error {
	if err := stream.Send(req); err != nil {
		return mapRPCError(err)
	}
	rsp, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nlp.Errf(nlp.KindConnectionFailed, "reflection stream closed while resolving %s", what)
		}
		return mapRPCError(err)
	}

	switch m := rsp.MessageResponse.(type) {
	case *reflectpb.ServerReflectionResponse_FileDescriptorResponse:
		var deps []string
		for _, raw := range m.FileDescriptorResponse.GetFileDescriptorProto() {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(raw, fd); err != nil {
				return nlp.WrapErr(nlp.KindSchemaMismatch, "reflected descriptor for "+what+" does not parse", err)
			}
			if _, ok := into[fd.GetName()]; ok {
				continue
			}
			into[fd.GetName()] = fd
			deps = append(deps, fd.GetDependency()...)
		}
		for _, dep := range deps {
			if _, ok := into[dep]; ok {
				continue
			}
			if err := fetchFileByName(stream, dep, into); err != nil {
				return err
			}
		}
		return nil

	case *reflectpb.ServerReflectionResponse_ErrorResponse:
		e := m.ErrorResponse
		if codes.Code(e.GetErrorCode()) == codes.NotFound {
			return nlp.Errf(nlp.KindSchemaMismatch, "server schema is missing %s", what)
		}
		return nlp.Errf(nlp.KindRuntimeFailure, "reflection lookup of %s failed: %s", what, e.GetErrorMessage())

	default:
		return nlp.Errf(nlp.KindRuntimeFailure, "unexpected reflection response %T while resolving %s", m, what)
	}
}

func messageDescriptor(files *protoregistry.Files, name string) (protoreflect.MessageDescriptor, error) {
	d, err := files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, nlp.Errf(nlp.KindSchemaMismatch, "server schema is missing %s", name)
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, nlp.Errf(nlp.KindSchemaMismatch, "%s is not a message type", name)
	}
	return md, nil
}

func serviceDescriptor(files *protoregistry.Files, name string) (protoreflect.ServiceDescriptor, error) {
	d, err := files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, nlp.Errf(nlp.KindSchemaMismatch, "server schema is missing %s", name)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, nlp.Errf(nlp.KindSchemaMismatch, "%s is not a service", name)
	}
	return sd, nil
}

// method resolves a method on a discovered service, lazily.
func (s *schema) method(svc protoreflect.ServiceDescriptor, name string) (protoreflect.MethodDescriptor, error) {
	m := svc.Methods().ByName(protoreflect.Name(name))
	if m == nil {
		return nil, nlp.Errf(nlp.KindSchemaMismatch, "server schema is missing %s.%s", svc.FullName(), name)
	}
	return m, nil
}

func fullMethod(m protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", m.Parent().(protoreflect.ServiceDescriptor).FullName(), m.Name())
}

// describeMessage walks a message descriptor into a name→kind tree. Nested
// message fields recurse; recursion through a type already on the path is
// cut off with the type name.
func describeMessage(md protoreflect.MessageDescriptor, seen map[protoreflect.FullName]bool) nlp.Schema {
	out := nlp.Schema{}
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		out[string(fd.Name())] = describeField(fd, seen)
	}
	return out
}

func describeField(fd protoreflect.FieldDescriptor, seen map[protoreflect.FullName]bool) any {
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind:
		name := fd.Message().FullName()
		if seen[name] {
			return string(name)
		}
		seen[name] = true
		defer delete(seen, name)
		return describeMessage(fd.Message(), seen)
	case protoreflect.EnumKind:
		return string(fd.Enum().FullName())
	default:
		return fd.Kind().String()
	}
}
