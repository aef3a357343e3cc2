package developerjoe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

const (
	streamFieldPrefix  = "data:"
	streamDoneSentinel = "[DONE]"
)

// streamReadSize is the size of the scratch buffer used to read from the
// underlying response body.
var streamReadSize = 4096

// StreamTerminal distinguishes "more data" from the possible ways a
// streamed reply can finish.
type StreamTerminal int

const (
	// StreamOngoing means more chunks follow.
	StreamOngoing StreamTerminal = iota

	// StreamDone means the reply finished normally.
	StreamDone

	// StreamLengthLimited means the backend stopped at its token limit.
	// The truncated reply is kept, but the session must be disabled.
	StreamLengthLimited

	// StreamContentFiltered means the backend's content filter cut the
	// reply off. The exchange is discarded but the session stays usable.
	StreamContentFiltered
)

// StreamChunk is one increment of a streaming reply: a content delta, the
// cumulative token count so far, and a terminal flag.
type StreamChunk struct {
	Delta  string
	Tokens int
	Kind   StreamTerminal
	Err    error
}

// streamDecoder turns an append-only byte stream of server-sent-event
// records into decoded chat completion chunks.
//
// It keeps a single growable buffer holding the current undelimited
// record. Incoming bytes are scanned once: a double line feed marks a
// record boundary. At each boundary the record is stripped of its field
// prefix; the "[DONE]" sentinel and empty records are discarded, anything
// else is JSON-decoded and returned. Decoding errors abort the stream -
// malformed records are never skipped.
type streamDecoder struct {
	r       io.Reader
	buf     []byte
	scratch []byte
	// scanFrom avoids rescanning bytes already known not to contain a
	// boundary; only the last byte of the previous buffer can pair with
	// the first new byte.
	scanFrom int
	eof      bool
}

func newStreamDecoder(r io.Reader) *streamDecoder {
	return &streamDecoder{
		r:       r,
		scratch: make([]byte, streamReadSize),
	}
}

// Next returns the next decoded record, or io.EOF when the stream is
// exhausted. Any other error is fatal to the stream.
func (d *streamDecoder) Next() (openai.ChatCompletionStreamResponse, error) {
	var record openai.ChatCompletionStreamResponse
	for {
		if i := bytes.Index(d.buf[d.scanFrom:], []byte("\n\n")); i >= 0 {
			end := d.scanFrom + i
			raw := d.buf[:end]
			d.buf = d.buf[end+2:]
			d.scanFrom = 0

			data, keep, err := stripStreamRecord(raw)
			if err != nil {
				return record, err
			}
			if !keep {
				continue
			}
			if err = json.Unmarshal(data, &record); err != nil {
				return record, fmt.Errorf(
					"%w: %v", ErrMalformedStreamRecord, err,
				)
			}
			return record, nil
		}

		if d.eof {
			// a trailing record without a final boundary still counts
			leftover := bytes.TrimSpace(d.buf)
			d.buf = nil
			if len(leftover) == 0 {
				return record, io.EOF
			}
			data, keep, err := stripStreamRecord(leftover)
			if err != nil {
				return record, err
			}
			if !keep {
				return record, io.EOF
			}
			if err = json.Unmarshal(data, &record); err != nil {
				return record, fmt.Errorf(
					"%w: %v", ErrMalformedStreamRecord, err,
				)
			}
			return record, nil
		}

		if len(d.buf) > 0 {
			d.scanFrom = len(d.buf) - 1
		}
		n, err := d.r.Read(d.scratch)
		if n > 0 {
			d.buf = append(d.buf, d.scratch[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			return record, fmt.Errorf("%w: %v", ErrBackendConnection, err)
		}
	}
}

// stripStreamRecord strips the field-name prefix from a raw SSE record and
// reports whether the record carries data worth decoding. Sentinel and
// empty records are dropped; records without the expected prefix are
// malformed.
func stripStreamRecord(raw []byte) (data []byte, keep bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, nil
	}
	if !bytes.HasPrefix(raw, []byte(streamFieldPrefix)) {
		return nil, false, fmt.Errorf(
			"%w: missing %q prefix", ErrMalformedStreamRecord, streamFieldPrefix,
		)
	}
	data = bytes.TrimSpace(raw[len(streamFieldPrefix):])
	if len(data) == 0 || bytes.Equal(data, []byte(streamDoneSentinel)) {
		return nil, false, nil
	}
	return data, true, nil
}

// terminalKind maps a decoded record's finish reason onto the chunk
// terminal flag.
func terminalKind(reason openai.FinishReason) StreamTerminal {
	switch reason {
	case openai.FinishReasonNull, "":
		return StreamOngoing
	case openai.FinishReasonLength:
		return StreamLengthLimited
	case openai.FinishReasonContentFilter:
		return StreamContentFiltered
	default:
		return StreamDone
	}
}

// ResponseStream is the decoded sequence of StreamChunk values for one
// streaming ask. Recv blocks on the underlying transport; the caller owns
// Close.
type ResponseStream struct {
	dec    *streamDecoder
	body   io.Closer
	count  func(string) int
	tokens int
	done   bool
}

// Recv returns the next chunk. After a terminal chunk (or an error),
// subsequent calls return io.EOF.
func (s *ResponseStream) Recv() (StreamChunk, error) {
	if s.done {
		return StreamChunk{}, io.EOF
	}
	record, err := s.dec.Next()
	if err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			// stream ended without an explicit finish reason
			return StreamChunk{Kind: StreamDone, Tokens: s.tokens}, nil
		}
		return StreamChunk{}, err
	}
	if len(record.Choices) == 0 {
		return StreamChunk{Tokens: s.tokens}, nil
	}
	choice := record.Choices[0]
	chunk := StreamChunk{
		Delta: choice.Delta.Content,
		Kind:  terminalKind(choice.FinishReason),
	}
	if chunk.Delta != "" && s.count != nil {
		s.tokens += s.count(chunk.Delta)
	}
	chunk.Tokens = s.tokens
	if chunk.Kind != StreamOngoing {
		s.done = true
	}
	return chunk, nil
}

// Close releases the underlying transport.
func (s *ResponseStream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
