package nlp

import (
	"context"
	"encoding/json"
)

// Client is the transport-independent surface of a caikit NLP runtime.
// The engine behind it may speak gRPC (reflection-discovered schemas) or
// HTTP/REST; callers see one contract.
type Client interface {
	// Generate runs text generation and returns the generated text.
	Generate(ctx context.Context, modelID, text string, params map[string]any) (string, error)

	// GenerateStream runs server-streaming text generation. The returned
	// stream is single-pass; Close releases the underlying call when
	// iteration is abandoned early.
	GenerateStream(ctx context.Context, modelID, text string, params map[string]any) (ResultStream, error)

	// Embedding computes an embedding vector for the given text.
	Embedding(ctx context.Context, modelID, text string, params map[string]any) (map[string]any, error)

	// SentenceSimilarity scores sentences against a source sentence.
	SentenceSimilarity(ctx context.Context, modelID, source string, sentences []string, params map[string]any) (map[string]any, error)

	// Rerank orders documents by relevance to the query.
	Rerank(ctx context.Context, modelID, query string, documents []map[string]any, params map[string]any) (map[string]any, error)

	// ListModels reports the models loaded on the server.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// DescribeParameters reports the parameters a generation call accepts,
	// as a tree of field name to type name (or nested tree).
	DescribeParameters(ctx context.Context) (Schema, error)

	// Close releases the underlying channel/connection. Safe to call twice.
	Close() error
}

// ResultStream yields partial generation results in order. Recv returns
// io.EOF once the server has sent the terminal chunk.
type ResultStream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// StreamChunk is one incremental generation result.
type StreamChunk struct {
	GeneratedText   string
	GeneratedTokens int64
	FinishReason    string
	Finished        bool
}

// ModelInfo describes one model loaded on the server.
type ModelInfo struct {
	Name     string `json:"name"`
	ModuleID string `json:"module_id"`
	Loaded   bool   `json:"loaded"`
}

// Schema maps a field name to either a primitive type name (string) or a
// nested Schema for message-typed fields.
type Schema map[string]any

// DecodeJSON is a small helper for tests and callers that want typed access
// to the raw maps returned by Embedding and friends.
func DecodeJSON(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
