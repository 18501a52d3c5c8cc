package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/observability"
	"github.com/rhuss/rulechain/pkg/stream"
	"github.com/rhuss/rulechain/pkg/transport"
)

// writerState tracks the state of an SSE ResponseWriter.
type writerState int

const (
	writerIdle      writerState = iota // Initial state, no writes yet
	writerStreaming                    // WriteFrame has been called at least once
	writerCompleted                    // Terminal frame sent or a JSON body written
)

// sseResponseWriter implements transport.ResponseWriter for HTTP/SSE responses.
// It handles both streaming (SSE) and non-streaming (JSON) output.
type sseResponseWriter struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	enc *stream.Encoder

	mu       sync.Mutex
	state    writerState
	streamed bool
	gauged   bool

	// onRunStarted is called when the metadata frame is written, providing
	// the run ID for in-flight registry registration.
	onRunStarted func(runID string)
}

var _ transport.ResponseWriter = (*sseResponseWriter)(nil)

// newSSEResponseWriter creates a new ResponseWriter wrapping an http.ResponseWriter.
// The onStarted callback is called with the run ID when the metadata frame
// is written (may be nil if not needed).
func newSSEResponseWriter(w http.ResponseWriter, onStarted func(runID string)) *sseResponseWriter {
	return &sseResponseWriter{
		w:            w,
		rc:           http.NewResponseController(w),
		enc:          stream.NewEncoder(w),
		onRunStarted: onStarted,
	}
}

// WriteFrame sends a single frame in the event-stream format and flushes
// it immediately. A final_output or error frame completes the writer.
func (s *sseResponseWriter) WriteFrame(ctx context.Context, frame api.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write frame: writer is completed")
	}

	// First frame: set SSE headers.
	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
		s.streamed = true
		s.gauged = true
		observability.StreamingConnections.Inc()
	}

	if frame.Type == api.FrameMetadata && frame.Metadata != nil && s.onRunStarted != nil {
		s.onRunStarted(frame.Metadata.RunID)
		s.onRunStarted = nil
	}

	if err := s.enc.Encode(frame); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	if frame.Type.IsTerminal() {
		s.state = writerCompleted
		s.releaseGauge()
	}
	return nil
}

// WriteResponse sends a complete synchronous JSON response.
func (s *sseResponseWriter) WriteResponse(ctx context.Context, resp *api.RuleChainExecuteResponse) error {
	return s.writeJSON(resp)
}

// WriteDryRun sends a dry-run estimate as JSON.
func (s *sseResponseWriter) WriteDryRun(ctx context.Context, resp *api.RuleChainDryRunResponse) error {
	return s.writeJSON(resp)
}

func (s *sseResponseWriter) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerStreaming {
		return errors.New("cannot write response: streaming has already started")
	}
	if s.state == writerCompleted {
		return errors.New("cannot write response: writer is completed")
	}

	s.w.Header().Set("Content-Type", "application/json")
	s.state = writerCompleted

	if err := json.NewEncoder(s.w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *sseResponseWriter) Flush() error {
	return s.rc.Flush()
}

// hasStartedStreaming returns true if at least one frame has been written.
func (s *sseResponseWriter) hasStartedStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}

// isCompleted reports whether a terminal frame or a JSON body was written.
func (s *sseResponseWriter) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == writerCompleted
}

// close releases the streaming gauge for a stream that ended without a
// terminal frame, such as after a client disconnect.
func (s *sseResponseWriter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseGauge()
}

func (s *sseResponseWriter) releaseGauge() {
	if s.gauged {
		s.gauged = false
		observability.StreamingConnections.Dec()
	}
}
