// Package gateway defines the text generation capability the engine calls
// for every step, the typed errors adapters return, and a Router that
// dispatches each call to the provider serving the requested model.
//
// Adapters live in subpackages: openaicompat talks to any OpenAI-compatible
// Chat Completions backend, echo returns its input and is used for local
// runs and tests.
package gateway
