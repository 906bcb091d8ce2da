package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"caikitnlp/internal/sse"
	"caikitnlp/internal/telemetry"
	"caikitnlp/nlp"
)

// GenerateStream posts a streaming text-generation task. The response body
// is a line-oriented event stream reassembled into one decoded object per
// message; iteration is single-pass and Close releases the body.
func (c *Client) GenerateStream(ctx context.Context, modelID, text string, params map[string]any) (out nlp.ResultStream, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "generate_stream", start, err) }(time.Now())
	if modelID == "" {
		return nil, nlp.ErrEmptyModelID()
	}
	c.log.Info("calling streaming text generation", "model_id", modelID)

	raw, err := json.Marshal(generateRequest(modelID, text, params))
	if err != nil {
		return nil, nlp.WrapErr(nlp.KindInvalidArgument, "request body does not encode as JSON: "+err.Error(), err)
	}
	rsp, err := c.do(ctx, http.MethodPost, pathGenerateStream, raw, "application/json")
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode != http.StatusOK {
		defer rsp.Body.Close()
		return nil, readErrorBody(rsp)
	}
	return &eventStream{body: rsp.Body, sc: bufio.NewScanner(rsp.Body)}, nil
}

type eventStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	re   sse.Reassembler
	done bool
}

func (s *eventStream) Recv() (nlp.StreamChunk, error) {
	if s.done {
		return nlp.StreamChunk{}, io.EOF
	}
	for s.sc.Scan() {
		msg, ok := s.re.Push(s.sc.Bytes())
		if !ok {
			continue
		}
		return s.yield(msg)
	}
	// line source exhausted: one final decode attempt on the residual
	if err := s.sc.Err(); err != nil {
		s.close()
		return nlp.StreamChunk{}, nlp.WrapErr(nlp.KindConnectionFailed, err.Error(), err)
	}
	msg, err := s.re.Flush()
	if err != nil {
		s.close()
		return nlp.StreamChunk{}, nlp.Errf(nlp.KindMalformedStream, "stream ended with undecodable residual bytes")
	}
	if msg != nil {
		return s.yield(msg)
	}
	s.close()
	return nlp.StreamChunk{}, io.EOF
}

func (s *eventStream) yield(msg json.RawMessage) (nlp.StreamChunk, error) {
	var body map[string]any
	if err := json.Unmarshal(msg, &body); err != nil {
		s.close()
		return nlp.StreamChunk{}, nlp.WrapErr(nlp.KindMalformedStream, "stream message does not decode: "+err.Error(), err)
	}
	// an embedded error event carries both a detail and a code
	if code, detail, ok := streamError(body); ok {
		s.close()
		return nlp.StreamChunk{}, nlp.StatusErr(nlp.KindRuntimeFailure, code, detail)
	}
	generated, ok := body["generated_text"].(string)
	if !ok {
		s.close()
		return nlp.StreamChunk{}, nlp.Errf(nlp.KindRuntimeFailure, "generated text is missing")
	}
	telemetry.CountStreamFrame(transportName)
	return streamChunk(generated, body), nil
}

func (s *eventStream) Close() error {
	if s.done {
		return nil
	}
	s.close()
	return nil
}

func (s *eventStream) close() {
	s.done = true
	_ = s.body.Close()
}

// streamError detects an error event: both a "details"/"detail" field and a
// numeric "code".
func streamError(body map[string]any) (int, string, bool) {
	code, hasCode := body["code"].(float64)
	detail := detailField(body)
	if !hasCode || detail == "" {
		return 0, "", false
	}
	return int(code), detail, true
}

func streamChunk(generated string, body map[string]any) nlp.StreamChunk {
	chunk := nlp.StreamChunk{GeneratedText: generated}
	details, _ := body["details"].(map[string]any)
	if details != nil {
		if r, ok := details["finish_reason"].(string); ok {
			chunk.FinishReason = r
		}
		if n, ok := details["generated_tokens"].(float64); ok {
			chunk.GeneratedTokens = int64(n)
		}
	}
	if chunk.FinishReason == "" {
		if r, ok := body["finish_reason"].(string); ok {
			chunk.FinishReason = r
		}
	}
	chunk.Finished = chunk.FinishReason != "" && chunk.FinishReason != "NOT_FINISHED"
	return chunk
}
