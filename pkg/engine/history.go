package engine

import (
	"maps"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/chain"
)

// runHistory tracks what earlier steps of a run produced: the last
// successful output, which PREVIOUS_STEP inputs read, and the named
// output variables later prompts may reference.
type runHistory struct {
	original  string
	last      string
	succeeded int
	vars      map[string]string
}

func newRunHistory(original string) *runHistory {
	return &runHistory{original: original, vars: map[string]string{}}
}

// inputFor returns the input text of bs. A PREVIOUS_STEP input reads the
// last successful output, or the original text when no step has
// succeeded yet.
func (h *runHistory) inputFor(bs *chain.BoundStep) string {
	if bs.InputSource == api.InputSourcePreviousStep && h.succeeded > 0 {
		return h.last
	}
	return h.original
}

// variables returns a copy of the output variables recorded so far.
func (h *runHistory) variables() map[string]string {
	return maps.Clone(h.vars)
}

// record stores the output of a successful step.
func (h *runHistory) record(bs *chain.BoundStep, output string) {
	h.last = output
	h.succeeded++
	if bs.OutputVariable != "" {
		h.vars[bs.OutputVariable] = output
	}
}

// final returns the last successful output and whether any step succeeded.
func (h *runHistory) final() (string, bool) {
	return h.last, h.succeeded > 0
}
