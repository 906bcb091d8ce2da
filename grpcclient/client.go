// Package grpcclient talks to a caikit NLP runtime over gRPC. The protocol
// schema is not compiled in: message and service descriptors are discovered
// from the server's reflection endpoint at construction time and requests
// are assembled dynamically against them.
package grpcclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"caikitnlp/config"
	"caikitnlp/internal/logging"
	"caikitnlp/internal/telemetry"
	"caikitnlp/nlp"
)

const (
	transportName = "grpc"

	// modelIDHeader routes the call to a loaded model on the server.
	modelIDHeader = "mm-model-id"

	methodGenerate       = "TextGenerationTaskPredict"
	methodGenerateStream = "ServerStreamingTextGenerationTaskPredict"
	methodEmbedding      = "EmbeddingTaskPredict"
	methodSimilarity     = "SentenceSimilarityTaskPredict"
	methodRerank         = "RerankTaskPredict"
	methodModelsInfo     = "GetModelsInfo"
)

// Client implements nlp.Client over a gRPC channel. Not safe for concurrent
// mutation; the discovered schema is immutable and safe for concurrent
// reads.
type Client struct {
	conn    *grpc.ClientConn
	ownConn bool
	timeout time.Duration
	sch     *schema
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ nlp.Client = (*Client)(nil)

// New is the canonical constructor: it builds the channel from the
// connection descriptor and performs schema discovery. Discovery failures
// are fatal here, not deferred to the first call.
func New(cfg *config.Config) (*Client, error) {
	conn, err := BuildChannel(cfg)
	if err != nil {
		return nil, err
	}
	c, err := NewFromChannel(conn, cfg.Timeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.ownConn = true
	return c, nil
}

// NewFromChannel wraps an already-built channel. A thin overload over New;
// the caller keeps ownership of conn and must close it.
func NewFromChannel(conn *grpc.ClientConn, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sch, err := discoverSchema(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: timeout, sch: sch, log: logging.With(transportName)}, nil
}

// Close releases the channel. Safe to call more than once; only the first
// call closes.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.ownConn {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.log.Warn("closing channel", "err", err)
		return err
	}
	return nil
}

// Generate runs unary text generation and returns the generated text.
func (c *Client) Generate(ctx context.Context, modelID, text string, params map[string]any) (out string, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "generate", start, err) }(time.Now())
	if modelID == "" {
		return "", nlp.ErrEmptyModelID()
	}
	c.log.Info("calling text generation", "model_id", modelID)

	req, err := buildRequest(c.sch.genReq, withParam(params, "text", text))
	if err != nil {
		return "", err
	}
	m, err := c.sch.method(c.sch.nlpSvc, methodGenerate)
	if err != nil {
		return "", err
	}
	rsp, err := c.invoke(ctx, fullMethod(m), modelID, req, c.sch.result)
	if err != nil {
		return "", err
	}
	return generatedText(rsp)
}

// Embedding computes an embedding for text and returns the decoded result
// object.
func (c *Client) Embedding(ctx context.Context, modelID, text string, params map[string]any) (out map[string]any, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "embedding", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	return c.taskPredict(ctx, methodEmbedding, modelID, withParam(params, "text", text))
}

// SentenceSimilarity scores sentences against a source sentence.
func (c *Client) SentenceSimilarity(ctx context.Context, modelID, source string, sentences []string, params map[string]any) (out map[string]any, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "sentence_similarity", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	p := withParam(params, "source_sentence", source)
	p["sentences"] = sentences
	return c.taskPredict(ctx, methodSimilarity, modelID, p)
}

// Rerank orders documents by relevance to the query.
func (c *Client) Rerank(ctx context.Context, modelID, query string, documents []map[string]any, params map[string]any) (out map[string]any, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "rerank", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	p := withParam(params, "query", query)
	p["documents"] = documents
	return c.taskPredict(ctx, methodRerank, modelID, p)
}

// ListModels queries the info service for the models the server has loaded.
func (c *Client) ListModels(ctx context.Context) (out []nlp.ModelInfo, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "list_models", start, err) }(time.Now())

	m, err := c.sch.method(c.sch.infoSvc, methodModelsInfo)
	if err != nil {
		return nil, err
	}
	rsp, err := c.invoke(ctx, fullMethod(m), "", dynamicpb.NewMessage(m.Input()), m.Output())
	if err != nil {
		return nil, err
	}
	decoded, err := messageToMap(rsp)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Models []nlp.ModelInfo `json:"models"`
	}
	if err := nlp.DecodeJSON(decoded, &parsed); err != nil {
		return nil, nlp.WrapErr(nlp.KindRuntimeFailure, "models listing does not parse: "+err.Error(), err)
	}
	return parsed.Models, nil
}

// DescribeParameters walks the discovered generation request type into a
// field name to type name tree.
func (c *Client) DescribeParameters(_ context.Context) (nlp.Schema, error) {
	return describeMessage(c.sch.genReq, map[protoreflect.FullName]bool{}), nil
}

// taskPredict is the shared unary dispatch: resolve the method lazily,
// build the request against its input type, normalize the result through
// protojson so both transports present one shape.
func (c *Client) taskPredict(ctx context.Context, methodName, modelID string, params map[string]any) (map[string]any, error) {
	m, err := c.sch.method(c.sch.nlpSvc, methodName)
	if err != nil {
		return nil, err
	}
	req, err := buildRequest(m.Input(), params)
	if err != nil {
		return nil, err
	}
	rsp, err := c.invoke(ctx, fullMethod(m), modelID, req, m.Output())
	if err != nil {
		return nil, err
	}
	return messageToMap(rsp)
}

func (c *Client) invoke(ctx context.Context, method, modelID string, req *dynamicpb.Message, out protoreflect.MessageDescriptor) (*dynamicpb.Message, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	if modelID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, modelIDHeader, modelID)
	}
	rsp := dynamicpb.NewMessage(out)
	if err := c.conn.Invoke(ctx, method, req, rsp); err != nil {
		return nil, mapRPCError(err)
	}
	return rsp, nil
}

// callCtx applies the default timeout when the caller supplied no deadline.
func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// mapRPCError folds gRPC status codes into the client error taxonomy,
// keeping the server-supplied detail text verbatim. Application-level
// failures the server reports (a model not loaded, inference errors) land in
// RuntimeFailure; NotFound is reserved for missing certificate files.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return nlp.WrapErr(nlp.KindRuntimeFailure, err.Error(), err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return nlp.WrapErr(nlp.KindConnectionFailed, st.Message(), err)
	case codes.InvalidArgument:
		return nlp.WrapErr(nlp.KindInvalidArgument, st.Message(), err)
	case codes.Unimplemented:
		return nlp.WrapErr(nlp.KindSchemaMismatch, st.Message(), err)
	default:
		return nlp.WrapErr(nlp.KindRuntimeFailure, st.Message(), err)
	}
}

func withParam(params map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, pv := range params {
		out[k] = pv
	}
	out[key] = v
	return out
}

func generatedText(rsp *dynamicpb.Message) (string, error) {
	fd := rsp.Descriptor().Fields().ByName("generated_text")
	if fd == nil {
		return "", nlp.Errf(nlp.KindRuntimeFailure, "generated text is missing")
	}
	return rsp.Get(fd).String(), nil
}

func messageToMap(msg *dynamicpb.Message) (map[string]any, error) {
	raw, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg)
	if err != nil {
		return nil, nlp.WrapErr(nlp.KindRuntimeFailure, "response does not encode as JSON: "+err.Error(), err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nlp.WrapErr(nlp.KindRuntimeFailure, "response does not decode: "+err.Error(), err)
	}
	return out, nil
}
