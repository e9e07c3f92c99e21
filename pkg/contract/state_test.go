package contract

import (
	"errors"
	"testing"

	"github.com/annidx/annidx/pkg/errs"
)

func TestBuilderLifecycleHappyPath(t *testing.T) {
	var l BuilderLifecycle
	if err := l.RequireOpen("Add"); !errors.Is(err, errs.ErrWrongState) {
		t.Fatalf("expected Add before Open to fail with ErrWrongState, got %v", err)
	}
	if err := l.RequireOpenTransition(); err != nil {
		t.Fatalf("Open from Uninitialized: %v", err)
	}
	if err := l.RequireOpen("Add"); err != nil {
		t.Fatalf("Add after Open: %v", err)
	}
	if err := l.RequireOpenTransition(); !errors.Is(err, errs.ErrWrongState) {
		t.Fatalf("expected re-Open to fail with ErrWrongState, got %v", err)
	}
	if err := l.RequireCloseTransition(); err != nil {
		t.Fatalf("Close from Open: %v", err)
	}
	if err := l.RequireOpen("Add"); !errors.Is(err, errs.ErrWrongState) {
		t.Fatalf("expected Add after Close to fail with ErrWrongState, got %v", err)
	}
}

func TestSearcherLifecycle(t *testing.T) {
	var l SearcherLifecycle
	if err := l.RequireLoaded("Search"); !errors.Is(err, errs.ErrWrongState) {
		t.Fatalf("expected Search before ReadIndex to fail, got %v", err)
	}
	l.MarkLoaded()
	if err := l.RequireLoaded("Search"); err != nil {
		t.Fatalf("Search after ReadIndex: %v", err)
	}
	// Re-read_index is permitted and stays Loaded.
	l.MarkLoaded()
	if l.State() != SearcherLoaded {
		t.Fatalf("expected state to remain Loaded")
	}
}
