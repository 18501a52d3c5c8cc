// Package chain turns a rule chain into the concrete, ordered steps a run
// executes.
//
// The Resolver merges a chain's private steps with its template
// associations into one enabled-only sequence ordered by step_order. The
// Binder then computes, for every resolved step, the effective model,
// parameters, override parameters, and generation constraints, and
// validates the whole sequence before any model is called. A BoundStep
// renders its prompt once its input text is known.
package chain
