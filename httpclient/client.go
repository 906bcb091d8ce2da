// Package httpclient talks to a caikit NLP runtime over its REST surface:
// JSON task endpoints plus an event-stream endpoint for streamed
// generation.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"caikitnlp/config"
	"caikitnlp/internal/certs"
	"caikitnlp/internal/logging"
	"caikitnlp/internal/telemetry"
	"caikitnlp/nlp"
)

const (
	transportName = "http"

	pathGenerate       = "/api/v1/task/text-generation"
	pathGenerateStream = "/api/v1/task/server-streaming-text-generation"
	pathEmbedding      = "/api/v1/task/embedding"
	pathSimilarity     = "/api/v1/task/sentence-similarity"
	pathRerank         = "/api/v1/task/rerank"
	pathModels         = "/info/models"
	pathOpenAPI        = "/openapi.json"
	pathHealth         = "/health"
)

// Default generation parameters sent when the caller supplies none.
var defaultParameters = map[string]any{
	"max_new_tokens": 200,
	"min_new_tokens": 10,
}

// Client implements nlp.Client over HTTP. TLS material is resolved once at
// construction; per-call timeouts come from the caller's context or the
// configured default.
type Client struct {
	base    string
	hc      *http.Client
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ nlp.Client = (*Client)(nil)

// New validates the connection descriptor and builds the client. The
// scheme follows the security mode: plaintext unless TLS material or
// skip_verify asks for https.
func New(cfg *config.Config) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "a non-empty host name is required")
	}
	if cfg.Port <= 0 {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "a positive port is required, got %d", cfg.Port)
	}
	if cfg.Insecure && (cfg.HasTLSMaterial() || cfg.SkipVerify) {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "insecure mode excludes certificate material and skip_verify")
	}
	if cfg.SkipVerify && cfg.HasCA() {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "skip_verify contradicts an explicit CA certificate")
	}
	if cfg.HasClientCert() != cfg.HasClientKey() {
		return nil, nlp.Errf(nlp.KindInvalidArgument, "client certificate and client key must be given together")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	scheme := "https"
	if cfg.Insecure || (!cfg.HasTLSMaterial() && !cfg.SkipVerify) {
		scheme = "http"
	}
	c := &Client{
		base:    fmt.Sprintf("%s://%s:%d", scheme, strings.TrimSpace(cfg.Host), cfg.Port),
		timeout: timeout,
		log:     logging.With(transportName),
	}

	tc, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		c.hc = &http.Client{}
	} else {
		c.hc = &http.Client{Transport: &http.Transport{TLSClientConfig: tc}}
	}
	return c, nil
}

func tlsConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.HasTLSMaterial() && !cfg.SkipVerify {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.SkipVerify {
		tc.InsecureSkipVerify = true //nolint:gosec // explicit opt-out by the caller
		logging.With(transportName).Warn("skip_verify set: server certificate is not checked")
	}
	if cfg.HasCA() {
		ca, err := resolveMaterial(certs.Source{PEM: cfg.CACertPEM, Path: cfg.CACert})
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, nlp.Errf(nlp.KindInvalidArgument, "CA material contains no parsable certificate")
		}
		tc.RootCAs = pool
	}
	if cfg.HasClientCert() {
		cert, err := resolveMaterial(certs.Source{PEM: cfg.ClientCertPEM, Path: cfg.ClientCert})
		if err != nil {
			return nil, err
		}
		key, err := resolveMaterial(certs.Source{PEM: cfg.ClientKeyPEM, Path: cfg.ClientKey})
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, nlp.WrapErr(nlp.KindInvalidArgument, "client certificate/key pair does not parse", err)
		}
		tc.Certificates = []tls.Certificate{pair}
	}
	return tc, nil
}

func resolveMaterial(src certs.Source) ([]byte, error) {
	raw, err := certs.Resolve(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nlp.WrapErr(nlp.KindNotFound, "certificate file "+src.Path+" does not exist", err)
		}
		return nil, nlp.WrapErr(nlp.KindInvalidArgument, err.Error(), err)
	}
	return raw, nil
}

// Close marks the client closed and drops idle connections. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.hc.CloseIdleConnections()
	return nil
}

// Generate posts a text-generation task and returns the generated text.
func (c *Client) Generate(ctx context.Context, modelID, text string, params map[string]any) (out string, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "generate", start, err) }(time.Now())
	if modelID == "" {
		return "", nlp.ErrEmptyModelID()
	}
	c.log.Info("calling text generation", "model_id", modelID)

	body, err := c.postJSON(ctx, pathGenerate, generateRequest(modelID, text, params))
	if err != nil {
		return "", err
	}
	s, ok := body["generated_text"].(string)
	if !ok {
		return "", nlp.Errf(nlp.KindRuntimeFailure, "generated text is missing")
	}
	return s, nil
}

// Embedding posts an embedding task and returns the decoded result object.
func (c *Client) Embedding(ctx context.Context, modelID, text string, params map[string]any) (out map[string]any, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "embedding", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	return c.postJSON(ctx, pathEmbedding, taskRequest(modelID, text, params))
}

// SentenceSimilarity posts a sentence-similarity task.
func (c *Client) SentenceSimilarity(ctx context.Context, modelID, source string, sentences []string, params map[string]any) (out map[string]any, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "sentence_similarity", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	payload := map[string]any{
		"model_id": modelID,
		"inputs": map[string]any{
			"source_sentence": source,
			"sentences":       sentences,
		},
	}
	if len(params) > 0 {
		payload["parameters"] = params
	}
	return c.postJSON(ctx, pathSimilarity, payload)
}

// Rerank posts a rerank task.
func (c *Client) Rerank(ctx context.Context, modelID, query string, documents []map[string]any, params map[string]any) (out map[string]any, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "rerank", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	payload := map[string]any{
		"model_id": modelID,
		"inputs": map[string]any{
			"query":     query,
			"documents": documents,
		},
	}
	if len(params) > 0 {
		payload["parameters"] = params
	}
	return c.postJSON(ctx, pathRerank, payload)
}

// ListModels queries /info/models.
func (c *Client) ListModels(ctx context.Context) (out []nlp.ModelInfo, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "list_models", start, err) }(time.Now())

	body, err := c.getJSON(ctx, pathModels)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Models []nlp.ModelInfo `json:"models"`
	}
	if err := nlp.DecodeJSON(body, &parsed); err != nil {
		return nil, nlp.WrapErr(nlp.KindRuntimeFailure, "models listing does not parse: "+err.Error(), err)
	}
	return parsed.Models, nil
}

// Healthy probes the runtime's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	rsp, err := c.do(ctx, http.MethodGet, pathHealth, nil, "")
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return readErrorBody(rsp)
	}
	return nil
}

// generateRequest is the body shape for the generation tasks only: the
// default generation parameters are merged under the caller's overrides.
func generateRequest(modelID, text string, params map[string]any) map[string]any {
	merged := make(map[string]any, len(defaultParameters)+len(params))
	for k, v := range defaultParameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return map[string]any{
		"model_id":   modelID,
		"inputs":     text,
		"parameters": merged,
	}
}

// taskRequest is the common body shape for the other text-in tasks. No
// defaults apply; empty parameters are omitted.
func taskRequest(modelID, text string, params map[string]any) map[string]any {
	body := map[string]any{
		"model_id": modelID,
		"inputs":   text,
	}
	if len(params) > 0 {
		body["parameters"] = params
	}
	return body
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nlp.WrapErr(nlp.KindInvalidArgument, "request body does not encode as JSON: "+err.Error(), err)
	}
	rsp, err := c.do(ctx, http.MethodPost, path, raw, "application/json")
	if err != nil {
		return nil, err
	}
	return parseJSONResponse(rsp)
}

func (c *Client) getJSON(ctx context.Context, path string) (map[string]any, error) {
	rsp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	return parseJSONResponse(rsp)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	ctx, cancel := c.callCtx(ctx)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		cancel()
		return nil, nlp.WrapErr(nlp.KindInvalidArgument, err.Error(), err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rsp, err := c.hc.Do(req)
	if err != nil {
		cancel()
		return nil, nlp.WrapErr(nlp.KindConnectionFailed, err.Error(), err)
	}
	// tie the timeout to the body's lifetime so streamed reads stay valid
	rsp.Body = &cancelingBody{ReadCloser: rsp.Body, cancel: cancel}
	return rsp, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func parseJSONResponse(rsp *http.Response) (map[string]any, error) {
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return nil, readErrorBody(rsp)
	}
	var out map[string]any
	if err := json.NewDecoder(rsp.Body).Decode(&out); err != nil {
		return nil, nlp.StatusErr(nlp.KindRuntimeFailure, rsp.StatusCode, "response body is not JSON: "+err.Error())
	}
	return out, nil
}

// readErrorBody normalizes error responses: the server reports the failure
// under either "details" or "detail" depending on version, and sometimes
// not as JSON at all.
func readErrorBody(rsp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	return nlp.StatusErr(nlp.KindRuntimeFailure, rsp.StatusCode, extractDetail(raw, rsp.StatusCode))
}

func extractDetail(raw []byte, status int) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		if d := detailField(body); d != "" {
			return d
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return strings.TrimSpace(string(raw))
}

func detailField(body map[string]any) string {
	for _, key := range []string{"details", "detail"} {
		switch d := body[key].(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			return fmt.Sprintf("%v", d)
		}
	}
	return ""
}
