package grpcclient

import (
	"context"
	"fmt"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	reflectpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The runtime schema is assembled as raw descriptors, the same shape a real
// server would hand back over reflection. withStreaming toggles whether the
// streaming task exists so version skew can be simulated.
func testDescriptors(withStreaming bool) *descriptorpb.FileDescriptorSet {
	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	i64 := descriptorpb.FieldDescriptorProto_TYPE_INT64
	dbl := descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	bl := descriptorpb.FieldDescriptorProto_TYPE_BOOL
	enum := descriptorpb.FieldDescriptorProto_TYPE_ENUM
	msg := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	opt := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	rep := descriptorpb.FieldDescriptorProto_LABEL_REPEATED

	field := func(name string, num int32, t descriptorpb.FieldDescriptorProto_Type, label descriptorpb.FieldDescriptorProto_Label, typeName string) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(num),
			Type:   t.Enum(),
			Label:  label.Enum(),
		}
		if typeName != "" {
			f.TypeName = proto.String(typeName)
		}
		return f
	}

	dataModel := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("caikit_data_model/nlp.proto"),
		Package: proto.String("caikit_data_model.nlp"),
		Syntax:  proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("FinishReason"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("NOT_FINISHED"), Number: proto.Int32(0)},
				{Name: proto.String("MAX_TOKENS"), Number: proto.Int32(1)},
				{Name: proto.String("EOS_TOKEN"), Number: proto.Int32(2)},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("GeneratedTextResult"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("generated_text", 1, str, opt, ""),
					field("generated_tokens", 2, i64, opt, ""),
					field("finish_reason", 3, enum, opt, ".caikit_data_model.nlp.FinishReason"),
				},
			},
			{
				Name: proto.String("EmbeddingResult"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("values", 1, dbl, rep, ""),
				},
			},
		},
	}

	genFields := []*descriptorpb.FieldDescriptorProto{
		field("text", 1, str, opt, ""),
		field("max_new_tokens", 2, i64, opt, ""),
		field("min_new_tokens", 3, i64, opt, ""),
		field("preserve_input_text", 4, bl, opt, ""),
	}
	nlpFile := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("caikit_runtime_Nlp.proto"),
		Package:    proto.String("caikit.runtime.Nlp"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"caikit_data_model/nlp.proto"},
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: proto.String("TextGenerationTaskRequest"), Field: genFields},
			{
				Name: proto.String("EmbeddingTaskRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("text", 1, str, opt, ""),
					field("truncate_input_tokens", 2, i64, opt, ""),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("NlpService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				{
					Name:       proto.String("TextGenerationTaskPredict"),
					InputType:  proto.String(".caikit.runtime.Nlp.TextGenerationTaskRequest"),
					OutputType: proto.String(".caikit_data_model.nlp.GeneratedTextResult"),
				},
				{
					Name:       proto.String("EmbeddingTaskPredict"),
					InputType:  proto.String(".caikit.runtime.Nlp.EmbeddingTaskRequest"),
					OutputType: proto.String(".caikit_data_model.nlp.EmbeddingResult"),
				},
			},
		}},
	}
	if withStreaming {
		nlpFile.MessageType = append(nlpFile.MessageType, &descriptorpb.DescriptorProto{
			Name:  proto.String("ServerStreamingTextGenerationTaskRequest"),
			Field: genFields,
		})
		nlpFile.Service[0].Method = append(nlpFile.Service[0].Method, &descriptorpb.MethodDescriptorProto{
			Name:            proto.String("ServerStreamingTextGenerationTaskPredict"),
			InputType:       proto.String(".caikit.runtime.Nlp.ServerStreamingTextGenerationTaskRequest"),
			OutputType:      proto.String(".caikit_data_model.nlp.GeneratedTextResult"),
			ServerStreaming: proto.Bool(true),
		})
	}

	infoFile := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("caikit_runtime_info.proto"),
		Package: proto.String("caikit.runtime.info"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: proto.String("ModelInfoRequest")},
			{
				Name: proto.String("ModelInfo"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("name", 1, str, opt, ""),
					field("module_id", 2, str, opt, ""),
					field("loaded", 3, bl, opt, ""),
				},
			},
			{
				Name: proto.String("ModelInfoResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("models", 1, msg, rep, ".caikit.runtime.info.ModelInfo"),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("InfoService"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("GetModelsInfo"),
				InputType:  proto.String(".caikit.runtime.info.ModelInfoRequest"),
				OutputType: proto.String(".caikit.runtime.info.ModelInfoResponse"),
			}},
		}},
	}

	return &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{dataModel, nlpFile, infoFile},
	}
}

type testRuntime struct {
	files *protoregistry.Files

	genReq    protoreflect.MessageDescriptor
	streamReq protoreflect.MessageDescriptor
	result    protoreflect.MessageDescriptor
	embReq    protoreflect.MessageDescriptor
	embRes    protoreflect.MessageDescriptor
	infoReq   protoreflect.MessageDescriptor
	infoRes   protoreflect.MessageDescriptor
}

func (rt *testRuntime) message(t *testing.T, name string) protoreflect.MessageDescriptor {
	t.Helper()
	d, err := rt.files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		t.Fatalf("descriptor %s: %v", name, err)
	}
	return d.(protoreflect.MessageDescriptor)
}

// startRuntime serves the descriptor set over reflection with stubbed task
// handlers and returns a channel connected to it.
func startRuntime(t *testing.T, withStreaming bool) *grpc.ClientConn {
	t.Helper()

	files, err := protodesc.NewFiles(testDescriptors(withStreaming))
	if err != nil {
		t.Fatalf("assembling descriptors: %v", err)
	}
	rt := &testRuntime{files: files}
	rt.genReq = rt.message(t, "caikit.runtime.Nlp.TextGenerationTaskRequest")
	rt.result = rt.message(t, "caikit_data_model.nlp.GeneratedTextResult")
	rt.embReq = rt.message(t, "caikit.runtime.Nlp.EmbeddingTaskRequest")
	rt.embRes = rt.message(t, "caikit_data_model.nlp.EmbeddingResult")
	rt.infoReq = rt.message(t, "caikit.runtime.info.ModelInfoRequest")
	rt.infoRes = rt.message(t, "caikit.runtime.info.ModelInfoResponse")
	if withStreaming {
		rt.streamReq = rt.message(t, "caikit.runtime.Nlp.ServerStreamingTextGenerationTaskRequest")
	}

	s := grpc.NewServer()
	nlpDesc := &grpc.ServiceDesc{
		ServiceName: "caikit.runtime.Nlp.NlpService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "TextGenerationTaskPredict", Handler: rt.unary(rt.genReq, rt.generate)},
			{MethodName: "EmbeddingTaskPredict", Handler: rt.unary(rt.embReq, rt.embedding)},
		},
		Metadata: "caikit_runtime_Nlp.proto",
	}
	if withStreaming {
		nlpDesc.Streams = []grpc.StreamDesc{{
			StreamName:    "ServerStreamingTextGenerationTaskPredict",
			Handler:       rt.generateStream,
			ServerStreams: true,
		}}
	}
	s.RegisterService(nlpDesc, rt)
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "caikit.runtime.info.InfoService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetModelsInfo", Handler: rt.unary(rt.infoReq, rt.modelsInfo)},
		},
		Metadata: "caikit_runtime_info.proto",
	}, rt)
	reflectpb.RegisterServerReflectionServer(s, reflection.NewServerV1(reflection.ServerOptions{
		Services:           s,
		DescriptorResolver: files,
		ExtensionResolver:  protoregistry.GlobalTypes,
	}))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (rt *testRuntime) unary(in protoreflect.MessageDescriptor, fn func(ctx context.Context, req *dynamicpb.Message) (proto.Message, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		req := dynamicpb.NewMessage(in)
		if err := dec(req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

func modelFromContext(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get("mm-model-id")
	if len(ids) == 0 || ids[0] == "" {
		return "", status.Error(codes.InvalidArgument, "missing mm-model-id header")
	}
	if ids[0] == "missing-model" {
		return "", status.Errorf(codes.NotFound, "Model '%s' not loaded", ids[0])
	}
	return ids[0], nil
}

func (rt *testRuntime) newResult(text string, tokens int64, reason string) *dynamicpb.Message {
	out := dynamicpb.NewMessage(rt.result)
	fields := rt.result.Fields()
	out.Set(fields.ByName("generated_text"), protoreflect.ValueOfString(text))
	out.Set(fields.ByName("generated_tokens"), protoreflect.ValueOfInt64(tokens))
	fd := fields.ByName("finish_reason")
	ev := fd.Enum().Values().ByName(protoreflect.Name(reason))
	out.Set(fd, protoreflect.ValueOfEnum(ev.Number()))
	return out
}

// generate echoes the request knobs back so tests can assert they crossed
// the wire.
func (rt *testRuntime) generate(ctx context.Context, req *dynamicpb.Message) (proto.Message, error) {
	if _, err := modelFromContext(ctx); err != nil {
		return nil, err
	}
	fields := req.Descriptor().Fields()
	text := req.Get(fields.ByName("text")).String()
	maxTok := req.Get(fields.ByName("max_new_tokens")).Int()
	minTok := req.Get(fields.ByName("min_new_tokens")).Int()
	return rt.newResult(fmt.Sprintf("%s|max=%d|min=%d", text, maxTok, minTok), 3, "MAX_TOKENS"), nil
}

func (rt *testRuntime) generateStream(_ any, stream grpc.ServerStream) error {
	req := dynamicpb.NewMessage(rt.streamReq)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	if _, err := modelFromContext(stream.Context()); err != nil {
		return err
	}
	for _, chunk := range []string{"Hello", " world"} {
		if err := stream.SendMsg(rt.newResult(chunk, 0, "NOT_FINISHED")); err != nil {
			return err
		}
	}
	return stream.SendMsg(rt.newResult("!", 3, "EOS_TOKEN"))
}

func (rt *testRuntime) embedding(ctx context.Context, req *dynamicpb.Message) (proto.Message, error) {
	if _, err := modelFromContext(ctx); err != nil {
		return nil, err
	}
	out := dynamicpb.NewMessage(rt.embRes)
	list := out.Mutable(rt.embRes.Fields().ByName("values")).List()
	list.Append(protoreflect.ValueOfFloat64(0.25))
	list.Append(protoreflect.ValueOfFloat64(0.5))
	return out, nil
}

func (rt *testRuntime) modelsInfo(context.Context, *dynamicpb.Message) (proto.Message, error) {
	out := dynamicpb.NewMessage(rt.infoRes)
	list := out.Mutable(rt.infoRes.Fields().ByName("models")).List()
	infoFields := rt.infoRes.Fields().ByName("models").Message().Fields()
	for _, m := range []struct {
		name, module string
		loaded       bool
	}{
		{"flan-t5-small-caikit", "text-generation", true},
		{"bge-large-en-caikit", "embedding", false},
	} {
		v := list.NewElement()
		mm := v.Message()
		mm.Set(infoFields.ByName("name"), protoreflect.ValueOfString(m.name))
		mm.Set(infoFields.ByName("module_id"), protoreflect.ValueOfString(m.module))
		mm.Set(infoFields.ByName("loaded"), protoreflect.ValueOfBool(m.loaded))
		list.Append(v)
	}
	return out, nil
}
