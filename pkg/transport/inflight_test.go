package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRunRegistryCancelSetsCause(t *testing.T) {
	r := NewRunRegistry()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	r.Register("run_a", cancel)
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	age, ok := r.Cancel("run_a")
	if !ok {
		t.Fatal("Cancel should report the registered run")
	}
	if age < 0 {
		t.Errorf("age = %v", age)
	}
	if ctx.Err() == nil {
		t.Fatal("context should be cancelled")
	}
	if !errors.Is(context.Cause(ctx), ErrRunCancelled) {
		t.Errorf("cause = %v, want ErrRunCancelled", context.Cause(ctx))
	}

	if _, ok := r.Cancel("run_a"); ok {
		t.Error("second Cancel should report false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRunRegistryCancelUnknown(t *testing.T) {
	r := NewRunRegistry()
	if _, ok := r.Cancel("run_missing"); ok {
		t.Error("Cancel should report false for an unknown id")
	}
}

func TestRunRegistryRelease(t *testing.T) {
	r := NewRunRegistry()
	called := false
	release := r.Register("run_a", func(error) { called = true })

	release()
	release()

	if _, ok := r.Cancel("run_a"); ok {
		t.Error("released run should not be cancellable")
	}
	if called {
		t.Error("release must not cancel the run")
	}
}

func TestRunRegistryStaleReleaseKeepsNewerRun(t *testing.T) {
	r := NewRunRegistry()
	stale := r.Register("run_a", func(error) {})
	r.Register("run_a", func(error) {})

	stale()

	if r.Len() != 1 {
		t.Errorf("Len = %d, want the newer registration to remain", r.Len())
	}
}

func TestRunRegistryConcurrentAccess(t *testing.T) {
	r := NewRunRegistry()
	var wg sync.WaitGroup

	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("run_%d", i)
			release := r.Register(id, func(error) {})
			if i%2 == 0 {
				r.Cancel(id)
			} else {
				release()
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len = %d after all runs finished, want 0", r.Len())
	}
}
