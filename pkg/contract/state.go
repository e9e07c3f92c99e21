package contract

import "github.com/annidx/annidx/pkg/errs"

// BuilderState is the Builder lifecycle (spec §5.1): open requires
// Uninitialized; add/flush require Open; close transitions Open ->
// Closed. Any other transition is an error. Concrete builders embed
// this to get the state checks for free.
type BuilderState int

const (
	BuilderUninitialized BuilderState = iota
	BuilderOpen
	BuilderClosed
)

func (s BuilderState) String() string {
	switch s {
	case BuilderUninitialized:
		return "uninitialized"
	case BuilderOpen:
		return "open"
	case BuilderClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BuilderLifecycle tracks and validates Builder state transitions.
type BuilderLifecycle struct {
	state BuilderState
}

func (l *BuilderLifecycle) State() BuilderState { return l.state }

func (l *BuilderLifecycle) RequireOpenTransition() error {
	if l.state != BuilderUninitialized {
		return errs.WrapErr("Builder.Open", errs.ErrWrongState)
	}
	l.state = BuilderOpen
	return nil
}

func (l *BuilderLifecycle) RequireOpen(op string) error {
	if l.state != BuilderOpen {
		return errs.WrapErr(op, errs.ErrWrongState)
	}
	return nil
}

func (l *BuilderLifecycle) RequireCloseTransition() error {
	if l.state != BuilderOpen {
		return errs.WrapErr("Builder.Close", errs.ErrWrongState)
	}
	l.state = BuilderClosed
	return nil
}

// SearcherState is the Searcher lifecycle (spec §5.1): read_index
// transitions to Loaded; search calls require Loaded;
// set_search_param* is permitted in either state.
type SearcherState int

const (
	SearcherConstructed SearcherState = iota
	SearcherLoaded
)

func (s SearcherState) String() string {
	switch s {
	case SearcherConstructed:
		return "constructed"
	case SearcherLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// SearcherLifecycle tracks and validates Searcher state transitions.
type SearcherLifecycle struct {
	state SearcherState
}

func (l *SearcherLifecycle) State() SearcherState { return l.state }

// MarkLoaded transitions to Loaded; idempotent, since re-read_index is
// permitted and simply replaces the pinned handle.
func (l *SearcherLifecycle) MarkLoaded() {
	l.state = SearcherLoaded
}

func (l *SearcherLifecycle) RequireLoaded(op string) error {
	if l.state != SearcherLoaded {
		return errs.WrapErr(op, errs.ErrWrongState)
	}
	return nil
}
