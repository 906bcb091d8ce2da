// Package sse reassembles JSON messages from a line-oriented event stream.
// Each logical message is one or more `data: <bytes>` lines terminated by a
// blank line; the terminal message may omit the blank-line trailer.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrMalformed reports that the stream ended with residual bytes that never
// parsed as JSON.
var ErrMalformed = errors.New("sse: residual bytes are not valid JSON")

// Reassembler accumulates wire lines into logical messages. It is an
// explicit state machine: a Push either completes a message or leaves the
// reassembler awaiting more input; Flush drains the residual at end of
// stream.
type Reassembler struct {
	buf []byte
}

// framing field names that carry no payload bytes
var framingFields = [][]byte{
	[]byte("event"),
	[]byte("id"),
	[]byte("retry"),
}

// Push consumes one wire line (without its trailing newline). When the line
// completes a message that decodes as JSON, the decoded payload is returned
// with ok=true and the buffer is cleared. A blank line whose buffered bytes
// do not yet decode is tolerated: the buffer is kept and accumulation
// continues into the same message.
func (r *Reassembler) Push(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return r.complete()
	}

	field, payload, found := bytes.Cut(line, []byte(":"))
	if !found {
		// no field marker at all; treat the whole line as payload
		r.buf = append(r.buf, line...)
		return nil, false
	}
	for _, f := range framingFields {
		if bytes.Equal(bytes.TrimSpace(field), f) {
			return nil, false
		}
	}
	if bytes.Equal(bytes.TrimSpace(field), []byte("data")) {
		r.buf = append(r.buf, bytes.TrimPrefix(payload, []byte(" "))...)
		return nil, false
	}
	// unknown marker: the colon belongs to the payload itself
	r.buf = append(r.buf, line...)
	return nil, false
}

func (r *Reassembler) complete() (json.RawMessage, bool) {
	if len(r.buf) == 0 || !json.Valid(r.buf) {
		// message not over yet
		return nil, false
	}
	msg := json.RawMessage(append([]byte(nil), r.buf...))
	r.buf = r.buf[:0]
	return msg, true
}

// Flush makes the final decode attempt once the line source is exhausted.
// It returns (nil, nil) when no bytes are pending, the decoded message when
// the residual is valid JSON, and ErrMalformed otherwise.
func (r *Reassembler) Flush() (json.RawMessage, error) {
	if len(r.buf) == 0 {
		return nil, nil
	}
	if msg, ok := r.complete(); ok {
		return msg, nil
	}
	return nil, ErrMalformed
}

// Pending reports whether un-yielded bytes are buffered.
func (r *Reassembler) Pending() bool { return len(r.buf) > 0 }
