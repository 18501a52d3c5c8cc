package api

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the type of a stream frame.
type FrameType string

const (
	FrameMetadata    FrameType = "metadata"
	FrameStepResult  FrameType = "step_result"
	FrameFinalOutput FrameType = "final_output"
	FrameError       FrameType = "error"
)

// IsTerminal reports whether no frame may follow a frame of this type.
func (t FrameType) IsTerminal() bool {
	return t == FrameFinalOutput || t == FrameError
}

// RunMetadata opens every frame sequence.
type RunMetadata struct {
	RunID        string `json:"run_id"`
	ChainID      *int64 `json:"chain_id,omitempty"`
	ChainName    string `json:"chain_name,omitempty"`
	StepCount    int    `json:"step_count"`
	OriginalText string `json:"original_text"`
}

// FinalOutput closes a successful frame sequence.
type FinalOutput struct {
	FinalOutputText    string  `json:"final_output_text"`
	TotalExecutionTime float64 `json:"total_execution_time"`
}

// Frame is one unit of the incremental execution protocol. Exactly one of
// the payload fields is set, matching Type.
type Frame struct {
	Type        FrameType
	Metadata    *RunMetadata
	StepResult  *StepExecutionResult
	FinalOutput *FinalOutput
	Error       *APIError
}

// Payload returns the payload that is serialized as the frame's data line.
func (f Frame) Payload() any {
	switch f.Type {
	case FrameMetadata:
		return f.Metadata
	case FrameStepResult:
		return f.StepResult
	case FrameFinalOutput:
		return f.FinalOutput
	case FrameError:
		return f.Error
	}
	return nil
}

// DecodeFrame reconstructs a frame from its event type and JSON data.
func DecodeFrame(t FrameType, data []byte) (Frame, error) {
	f := Frame{Type: t}
	var target any
	switch t {
	case FrameMetadata:
		f.Metadata = &RunMetadata{}
		target = f.Metadata
	case FrameStepResult:
		f.StepResult = &StepExecutionResult{}
		target = f.StepResult
	case FrameFinalOutput:
		f.FinalOutput = &FinalOutput{}
		target = f.FinalOutput
	case FrameError:
		f.Error = &APIError{}
		target = f.Error
	default:
		return f, fmt.Errorf("unknown frame type %q", t)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return f, fmt.Errorf("decoding %s frame: %w", t, err)
	}
	return f, nil
}

// MetadataFrame builds a metadata frame.
func MetadataFrame(m RunMetadata) Frame {
	return Frame{Type: FrameMetadata, Metadata: &m}
}

// StepResultFrame builds a step_result frame.
func StepResultFrame(r StepExecutionResult) Frame {
	return Frame{Type: FrameStepResult, StepResult: &r}
}

// FinalOutputFrame builds a final_output frame.
func FinalOutputFrame(text string, seconds float64) Frame {
	return Frame{Type: FrameFinalOutput, FinalOutput: &FinalOutput{FinalOutputText: text, TotalExecutionTime: seconds}}
}

// ErrorFrame builds an error frame.
func ErrorFrame(err *APIError) Frame {
	return Frame{Type: FrameError, Error: err}
}

// Accumulator folds a frame sequence into a RuleChainExecuteResponse.
// The synchronous execution path and the stream decoder both reduce
// frames through an Accumulator, so both produce the same response for
// the same sequence.
type Accumulator struct {
	resp     RuleChainExecuteResponse
	started  bool
	done     bool
	err      *APIError
	lastStep int
}

// Add folds the next frame. It rejects sequences that violate the
// protocol: a missing leading metadata frame, frames after a terminal
// frame, or step results whose order decreases. Equal orders are allowed
// because a private step and a template may share a step_order.
func (a *Accumulator) Add(f Frame) error {
	if a.done {
		return fmt.Errorf("frame %s after terminal frame", f.Type)
	}
	if !a.started && f.Type != FrameMetadata && f.Type != FrameError {
		return fmt.Errorf("frame %s before metadata", f.Type)
	}
	switch f.Type {
	case FrameMetadata:
		if a.started {
			return fmt.Errorf("duplicate metadata frame")
		}
		a.started = true
		a.resp.RunID = f.Metadata.RunID
		a.resp.OriginalText = f.Metadata.OriginalText
		a.resp.ExecutedChainID = f.Metadata.ChainID
		a.resp.ExecutedChainName = f.Metadata.ChainName
		a.resp.StepsResults = make([]StepExecutionResult, 0, f.Metadata.StepCount)
	case FrameStepResult:
		if len(a.resp.StepsResults) > 0 && f.StepResult.StepOrder < a.lastStep {
			return fmt.Errorf("step %d out of order after step %d", f.StepResult.StepOrder, a.lastStep)
		}
		a.lastStep = f.StepResult.StepOrder
		a.resp.StepsResults = append(a.resp.StepsResults, *f.StepResult)
	case FrameFinalOutput:
		a.done = true
		a.resp.FinalOutputText = f.FinalOutput.FinalOutputText
		t := f.FinalOutput.TotalExecutionTime
		a.resp.TotalExecutionTime = &t
	case FrameError:
		a.done = true
		a.err = f.Error
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return nil
}

// Done reports whether a terminal frame has been folded.
func (a *Accumulator) Done() bool {
	return a.done
}

// Partial returns the response folded so far, regardless of completion.
func (a *Accumulator) Partial() *RuleChainExecuteResponse {
	resp := a.resp
	return &resp
}

// Response returns the folded response. It returns the APIError carried
// by an error frame, or a stream_interrupted error when the sequence
// ended without a terminal frame. Partial results are never reported as
// a successful short chain.
func (a *Accumulator) Response() (*RuleChainExecuteResponse, error) {
	if a.err != nil {
		return nil, a.err
	}
	if !a.done {
		return nil, &APIError{
			Type:    ErrorTypeServerError,
			Code:    CodeStreamInterrupted,
			Message: "frame sequence ended before final_output",
		}
	}
	resp := a.resp
	return &resp, nil
}
