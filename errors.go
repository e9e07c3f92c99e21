package annidx

import "github.com/annidx/annidx/pkg/errs"

// The error-handling primitives live in pkg/errs (a dependency-free
// leaf package) so pkg/contract and the engine packages can use them
// without importing this root package back. These are re-exports for
// callers of the facade.
type (
	RecoverableError = errs.RecoverableError
	FatalPanic       = errs.FatalPanic
)

var (
	ErrInvalidArgument = errs.ErrInvalidArgument
	ErrNotFound        = errs.ErrNotFound
	ErrClosed          = errs.ErrClosed
	ErrWrongState      = errs.ErrWrongState
	ErrCorrupt         = errs.ErrCorrupt

	WrapErr = errs.WrapErr
	Fatalf  = errs.Fatalf
)
