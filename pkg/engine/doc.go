// Package engine implements the rule chain orchestrator. The Engine
// implements transport.ChainExecutor: it validates a request, resolves and
// binds the chain's steps, and then either estimates the run (dry run),
// streams it as a frame sequence, or folds that same sequence into a
// single synchronous response. Each run reads one config snapshot taken
// when it starts.
package engine
