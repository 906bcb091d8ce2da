package grpcclient

import (
	"context"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"caikitnlp/internal/telemetry"
	"caikitnlp/nlp"
)

// GenerateStream opens a server-streaming generation call. The returned
// stream is single-pass and forward-only; Close cancels the call so
// abandoning iteration early releases the underlying stream.
func (c *Client) GenerateStream(ctx context.Context, modelID, text string, params map[string]any) (out nlp.ResultStream, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "generate_stream", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	c.log.Info("calling streaming text generation", "model_id", modelID)

	req, err := buildRequest(c.sch.streamReq, withParam(params, "text", text))
	if err != nil {
		return nil, err
	}
	m, err := c.sch.method(c.sch.nlpSvc, methodGenerateStream)
	if err != nil {
		return nil, err
	}

	// no default deadline here: generation streams outlive unary budgets,
	// the caller bounds them via ctx
	sctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, modelIDHeader, modelID))
	desc := &grpc.StreamDesc{StreamName: string(m.Name()), ServerStreams: true}
	cs, err := c.conn.NewStream(sctx, desc, fullMethod(m))
	if err != nil {
		cancel()
		return nil, mapRPCError(err)
	}
	if err := cs.SendMsg(req); err != nil {
		cancel()
		return nil, mapRPCError(err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, mapRPCError(err)
	}
	return &resultStream{cs: cs, out: c.sch.result, cancel: cancel}, nil
}

type resultStream struct {
	cs     grpc.ClientStream
	out    protoreflect.MessageDescriptor
	cancel context.CancelFunc
	done   bool
}

func (s *resultStream) Recv() (nlp.StreamChunk, error) {
	if s.done {
		return nlp.StreamChunk{}, io.EOF
	}
	msg := dynamicpb.NewMessage(s.out)
	if err := s.cs.RecvMsg(msg); err != nil {
		s.done = true
		s.cancel()
		if err == io.EOF {
			return nlp.StreamChunk{}, io.EOF
		}
		return nlp.StreamChunk{}, mapRPCError(err)
	}
	telemetry.CountStreamFrame(transportName)
	return chunkFromResult(msg), nil
}

func (s *resultStream) Close() error {
	s.done = true
	s.cancel()
	return nil
}

func chunkFromResult(msg *dynamicpb.Message) nlp.StreamChunk {
	var chunk nlp.StreamChunk
	fields := msg.Descriptor().Fields()
	if fd := fields.ByName("generated_text"); fd != nil {
		chunk.GeneratedText = msg.Get(fd).String()
	}
	if fd := fields.ByName("generated_tokens"); fd != nil {
		chunk.GeneratedTokens = msg.Get(fd).Int()
	}
	if fd := fields.ByName("finish_reason"); fd != nil {
		switch fd.Kind() {
		case protoreflect.EnumKind:
			num := msg.Get(fd).Enum()
			if ev := fd.Enum().Values().ByNumber(num); ev != nil {
				chunk.FinishReason = string(ev.Name())
			}
		case protoreflect.StringKind:
			chunk.FinishReason = msg.Get(fd).String()
		}
	}
	chunk.Finished = chunk.FinishReason != "" && chunk.FinishReason != "NOT_FINISHED"
	return chunk
}
