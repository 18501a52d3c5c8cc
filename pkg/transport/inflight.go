package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRunCancelled is the cancellation cause of a run stopped through
// Cancel, as opposed to a client that went away.
var ErrRunCancelled = errors.New("run cancelled by request")

// RunRegistry tracks the streaming runs of this process by run id so a
// cancel request can stop one. Safe for concurrent use.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*registeredRun
}

type registeredRun struct {
	cancel  context.CancelCauseFunc
	started time.Time
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*registeredRun)}
}

// Register records a run and returns the function that forgets it again.
// Release only removes this registration, so a stale release cannot drop
// a later run that reused the id.
func (r *RunRegistry) Register(id string, cancel context.CancelCauseFunc) (release func()) {
	run := &registeredRun{cancel: cancel, started: time.Now()}
	r.mu.Lock()
	r.runs[id] = run
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.runs[id] == run {
			delete(r.runs, id)
		}
	}
}

// Cancel stops the run with ErrRunCancelled as its cause and forgets it.
// It returns how long the run had been in flight, and false when no run
// with that id is in flight.
func (r *RunRegistry) Cancel(id string) (time.Duration, bool) {
	r.mu.Lock()
	run, ok := r.runs[id]
	delete(r.runs, id)
	r.mu.Unlock()

	if !ok {
		return 0, false
	}
	run.cancel(ErrRunCancelled)
	return time.Since(run.started), true
}

// Len returns the number of runs in flight.
func (r *RunRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
