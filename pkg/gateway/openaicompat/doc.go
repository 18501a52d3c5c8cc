// Package openaicompat is a gateway adapter for backends that speak the
// OpenAI Chat Completions API (vLLM, LiteLLM, Ollama, OpenAI itself).
package openaicompat
