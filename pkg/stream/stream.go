// Package stream encodes run frames in the event-stream wire format and
// decodes them back. Every frame is an "event:" line naming the frame
// type, a "data:" line carrying the JSON payload, and a blank line:
//
//	event: step_result
//	data: {"step_order":1,...}
//
// A final_output or error frame ends the stream.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rhuss/rulechain/pkg/api"
)

// ErrClosed is returned when a frame is encoded after a terminal frame.
var ErrClosed = errors.New("stream already terminated")

// defaultSourceSize is the largest source text the server accepts unless
// engine.max_source_text_size says otherwise.
const defaultSourceSize = 1 << 20

// FrameSizeFor returns the data line size needed for a frame carrying text
// of up to n bytes. JSON spells a control byte as a six-byte escape.
func FrameSizeFor(n int) int {
	return 6*n + 64<<10
}

// Encoder writes frames to an io.Writer.
type Encoder struct {
	w      io.Writer
	closed bool
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame. Once a terminal frame is written the Encoder
// rejects further frames with ErrClosed.
func (e *Encoder) Encode(f api.Frame) error {
	if e.closed {
		return ErrClosed
	}
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	if f.Type.IsTerminal() {
		e.closed = true
	}
	return nil
}

// Marshal returns the wire form of a single frame.
func Marshal(f api.Frame) ([]byte, error) {
	payload := f.Payload()
	if payload == nil {
		return nil, fmt.Errorf("frame %q has no payload", f.Type)
	}
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(string(f.Type))
	b.WriteString("\ndata: ")
	// Text is sent verbatim; '<', '>' and '&' are not HTML-escaped.
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("marshaling %s frame: %w", f.Type, err)
	}
	// Encode ended the data line.
	b.WriteString("\n")
	return b.Bytes(), nil
}

// Decoder reads frames from an io.Reader.
type Decoder struct {
	sc *bufio.Scanner
}

// DecoderOption configures a Decoder.
type DecoderOption func(*decoderOptions)

type decoderOptions struct {
	maxFrameSize int
}

// WithMaxFrameSize bounds a single data line. The default fits frames of a
// run whose source text is at most 1MB; use FrameSizeFor to follow a server
// configured for larger sources.
func WithMaxFrameSize(n int) DecoderOption {
	return func(o *decoderOptions) { o.maxFrameSize = n }
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	o := decoderOptions{maxFrameSize: FrameSizeFor(defaultSourceSize)}
	for _, opt := range opts {
		opt(&o)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), o.maxFrameSize)
	return &Decoder{sc: sc}
}

// Next returns the next frame, or io.EOF when the input ends cleanly
// between frames. Comment lines (starting with ':') and unknown fields
// are ignored. Multiple data lines of one frame are joined with newlines.
func (d *Decoder) Next() (api.Frame, error) {
	var (
		event string
		data  []string
		seen  bool
	)
	for d.sc.Scan() {
		line := d.sc.Text()
		if line == "" {
			if !seen {
				continue
			}
			if event == "" {
				return api.Frame{}, fmt.Errorf("frame without event type")
			}
			return api.DecodeFrame(api.FrameType(event), []byte(strings.Join(data, "\n")))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := d.sc.Err(); err != nil {
		return api.Frame{}, err
	}
	if seen {
		return api.Frame{}, io.ErrUnexpectedEOF
	}
	return api.Frame{}, io.EOF
}

// Fold decodes r to the end and folds the frames into the response the
// synchronous path would have returned. A stream that ends in an error
// frame returns that *api.APIError; a stream cut off before a terminal
// frame returns a stream_interrupted error.
func Fold(r io.Reader, opts ...DecoderOption) (*api.RuleChainExecuteResponse, error) {
	return FoldFunc(r, nil, opts...)
}

// FoldFunc is Fold with a callback invoked for every decoded frame before
// it is folded, e.g. to print progress.
func FoldFunc(r io.Reader, fn func(api.Frame), opts ...DecoderOption) (*api.RuleChainExecuteResponse, error) {
	dec := NewDecoder(r, opts...)
	var acc api.Accumulator
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if fn != nil {
			fn(f)
		}
		if err := acc.Add(f); err != nil {
			return nil, err
		}
		if acc.Done() {
			break
		}
	}
	return acc.Response()
}
