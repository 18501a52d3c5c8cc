package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rhuss/rulechain/pkg/gateway/openaicompat"
)

// Prompt markers that select a failure mode.
const (
	markerTransient = "[[transient]]"
	markerDown      = "[[down]]"
	markerUnsafe    = "[[unsafe]]"
	markerFiltered  = "[[filtered]]"
)

// inputMarker separates the instruction from the text a step works on.
const inputMarker = "\n\nText:\n"

type backend struct {
	safe map[string]bool

	mu   sync.Mutex
	seen map[string]int // calls per prompt, for [[transient]]
}

func newBackend(safeModels []string) *backend {
	b := &backend{safe: map[string]bool{}, seen: map[string]int{}}
	for _, m := range safeModels {
		if m = strings.TrimSpace(m); m != "" {
			b.safe[m] = true
		}
	}
	return b
}

func (b *backend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", b.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", b.handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

func (b *backend) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "invalid_request_error", nil)
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported by the mock", "invalid_request_error", nil)
		return
	}

	prompt := lastUserMessage(&req)
	model := req.Model
	if model == "" {
		model = "mock-model"
	}

	switch {
	case strings.Contains(prompt, markerDown):
		writeError(w, http.StatusServiceUnavailable, "backend unavailable", "server_error", nil)
		return
	case strings.Contains(prompt, markerTransient) && b.firstCall(model+"\x00"+prompt):
		writeError(w, http.StatusServiceUnavailable, "temporarily overloaded", "server_error", nil)
		return
	case strings.Contains(prompt, markerUnsafe) && !b.safe[model]:
		writeError(w, http.StatusBadRequest, "prompt rejected by content policy", "invalid_request_error", "content_policy_violation")
		return
	}

	finish := "stop"
	text := respond(model, prompt, req.MaxTokens)
	if strings.Contains(prompt, markerFiltered) && !b.safe[model] {
		finish = openaicompat.FinishReasonContentFilter
		text = ""
	}

	resp := openaicompat.ChatCompletionResponse{
		ID:     "chatcmpl-mock",
		Object: "chat.completion",
		Model:  model,
		Choices: []openaicompat.ChatChoice{{
			Message:      openaicompat.ChatMessage{Role: "assistant", Content: text},
			FinishReason: finish,
		}},
		Usage: &openaicompat.ChatUsage{
			PromptTokens:     len(strings.Fields(prompt)),
			CompletionTokens: len(strings.Fields(text)),
		},
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// firstCall records a call for key and reports whether it was the first.
func (b *backend) firstCall(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[key]++
	return b.seen[key] == 1
}

// respond builds the deterministic completion: the model name followed by
// the step input, cut to maxTokens words when a limit is set.
func respond(model, prompt string, maxTokens *int) string {
	input := prompt
	if i := strings.LastIndex(prompt, inputMarker); i >= 0 {
		input = prompt[i+len(inputMarker):]
	}
	for _, m := range []string{markerTransient, markerUnsafe, markerFiltered} {
		input = strings.ReplaceAll(input, m, "")
	}
	words := strings.Fields(input)
	if maxTokens != nil && *maxTokens > 0 && len(words) > *maxTokens {
		words = words[:*maxTokens]
	}
	return fmt.Sprintf("[%s] %s", model, strings.Join(words, " "))
}

func (b *backend) handleModels(w http.ResponseWriter, r *http.Request) {
	data := []map[string]any{{"id": "mock-model", "object": "model", "owned_by": "rulechain-mock"}}
	for m := range b.safe {
		data = append(data, map[string]any{"id": m, "object": "model", "owned_by": "rulechain-mock"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

func writeError(w http.ResponseWriter, status int, message, typ string, code any) {
	var body openaicompat.ChatErrorResponse
	body.Error.Message = message
	body.Error.Type = typ
	body.Error.Code = code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func lastUserMessage(req *openaicompat.ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return openaicompat.ExtractContentString(req.Messages[i].Content)
		}
	}
	return ""
}
