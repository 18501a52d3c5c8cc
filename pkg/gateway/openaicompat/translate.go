package openaicompat

import (
	"encoding/json"
	"math"

	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/gateway"
)

// FinishReasonContentFilter is the finish_reason of a response cut by the
// backend's content filter.
const FinishReasonContentFilter = "content_filter"

// TranslateToChat converts a gateway Request into a ChatCompletionRequest.
// Known override parameters map to request fields; others are dropped.
func TranslateToChat(req *gateway.Request) ChatCompletionRequest {
	cr := ChatCompletionRequest{
		Model: req.Model,
		N:     1,
	}
	if req.SystemPrefix != "" {
		cr.Messages = append(cr.Messages, ChatMessage{Role: "system", Content: req.SystemPrefix})
	}
	cr.Messages = append(cr.Messages, ChatMessage{Role: "user", Content: req.Prompt})

	if req.MaxTokens > 0 {
		n := req.MaxTokens
		cr.MaxTokens = &n
	}

	for key, v := range req.Parameters {
		switch key {
		case "temperature":
			cr.Temperature = floatParam(v)
		case "top_p":
			cr.TopP = floatParam(v)
		case "frequency_penalty":
			cr.FrequencyPenalty = floatParam(v)
		case "presence_penalty":
			cr.PresencePenalty = floatParam(v)
		case "seed":
			if f := floatParam(v); f != nil && *f == math.Trunc(*f) {
				n := int(*f)
				cr.Seed = &n
			}
		case "stop":
			cr.Stop = stringsParam(v)
		case "user":
			cr.User, _ = v.(string)
		case "response_format":
			cr.ResponseFormat = v
		case "max_tokens", "max_completion_tokens":
			// Carried in Request.MaxTokens.
		default:
			debug.Log("gateway", "dropping unsupported parameter", "name", key)
		}
	}
	return cr
}

func floatParam(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return nil
		}
	default:
		return nil
	}
	return &f
}

func stringsParam(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// TranslateResponse converts a ChatCompletionResponse into a gateway
// Response. It uses only choices[0]. A content_filter finish reason is a
// safety rejection; a response without choices is transient.
func TranslateResponse(resp *ChatCompletionResponse) (*gateway.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, gateway.NewTransientError("backend returned no choices", nil)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == FinishReasonContentFilter {
		return nil, gateway.NewSafetyError("response blocked by content filter")
	}

	out := &gateway.Response{
		Text:         ExtractContentString(choice.Message.Content),
		Model:        resp.Model,
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		out.PromptTokens = resp.Usage.PromptTokens
		out.CompletionTokens = resp.Usage.CompletionTokens
	}
	return out, nil
}

// ExtractContentString attempts to get a plain string from the message content.
// The content field in Chat Completions can be a string, nil, or a list of
// text parts.
func ExtractContentString(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var s string
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				s += text
			}
		}
		return s
	default:
		return ""
	}
}
