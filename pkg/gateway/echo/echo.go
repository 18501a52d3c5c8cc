// Package echo is a gateway adapter that returns the input text of the
// prompt unchanged. It needs no backend and is used for local runs,
// demos, and tests.
package echo

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/gateway"
)

// inputMarker separates the instructions of a rendered prompt from its
// input text.
const inputMarker = "\n\nText:\n"

// Gateway echoes the prompt's input text.
type Gateway struct{}

// New creates an echo Gateway.
func New() *Gateway {
	return &Gateway{}
}

// Factory is registered with the gateway Router under config.ProviderEcho.
func Factory(config.ProviderConfig) (gateway.Gateway, error) {
	return New(), nil
}

// Generate returns the text after the last input marker of the prompt, or
// the whole prompt when there is none. A MaxTokens limit truncates the
// echo to four characters per token.
func (g *Gateway) Generate(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := req.Prompt
	if i := strings.LastIndex(text, inputMarker); i >= 0 {
		text = text[i+len(inputMarker):]
	}

	finish := "stop"
	if req.MaxTokens > 0 && utf8.RuneCountInString(text) > req.MaxTokens*4 {
		text = string([]rune(text)[:req.MaxTokens*4])
		finish = "length"
	}

	return &gateway.Response{
		Text:             text,
		Model:            req.Model,
		FinishReason:     finish,
		PromptTokens:     (utf8.RuneCountInString(req.Prompt) + 3) / 4,
		CompletionTokens: (utf8.RuneCountInString(text) + 3) / 4,
	}, nil
}
