// Package api defines the core protocol types for the rule chain engine.
//
// This package provides the data types shared by every layer: rule chains,
// step definitions, template associations, the recursive parameter sum
// type, execution requests and responses, stream frames, step state
// validation, error types, and run ID generation.
//
// The package performs no I/O. All types produce the JSON wire format used
// by the HTTP transport and the stream decoder.
//
// Core types:
//   - [RuleChain]: An ordered pipeline of private steps and template associations
//   - [StepDefinition]: The shared shape of a private step and a template body
//   - [Parameter]: A named parameter whose value is a [ParamValue] variant
//   - [ExecutionRequest]: Client request to execute or estimate a chain
//   - [RuleChainExecuteResponse], [RuleChainDryRunResponse]: Aggregate responses
//   - [Frame]: One unit of the incremental execution stream
//   - [APIError]: Structured error with type, code, param, and message
package api
