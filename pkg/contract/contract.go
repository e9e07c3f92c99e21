// Package contract defines the family-agnostic Builder / Writer /
// Reader / Searcher lifecycle (spec §4.2) and the factory that
// dispatches each to a concrete per-family engine keyed by
// meta.IndexType (spec §6 "Factories take a meta and return the
// appropriate concrete implementation for index_type").
package contract

import (
	"context"

	"github.com/annidx/annidx/pkg/filter"
	"github.com/annidx/annidx/pkg/meta"
)

// ColumnBatch is one batch of rows passed to Builder.Add: Vectors is a
// flattened row-major buffer of Count rows of Dim floats each; RowIDs,
// when non-nil, supplies custom row ids (otherwise ids are assigned
// sequentially starting at the builder's current row count);
// NullFlags, when non-nil, marks rows to skip.
type ColumnBatch struct {
	Vectors   []float32
	Dim       int
	Count     int
	RowIDs    []int64
	NullFlags []bool
}

// AddOptions controls buffer ownership semantics for Builder.Add.
type AddOptions struct {
	// InputsLiveLongerThanThis permits the builder to retain a
	// reference to the batch's backing arrays instead of copying them,
	// valid until Flush.
InputsLiveLongerThanThis bool
}

// FlushOptions controls Builder.Flush's cache-pinning behavior.
type FlushOptions struct {
	WriteCache bool
	CacheKey   string
}

// Handle is the opaque, tagged-union index payload produced by a
// Builder and consumed by a Searcher (spec C4): the cache stores this
// value directly, keyed by path or cache key, with no further
// indirection.
type Handle interface {
	// Meta returns the descriptor this handle was built or loaded
	// from.
	Meta() *meta.IndexMeta
	// Ntotal returns the number of live rows in the index.
	Ntotal() int64
	// MemoryWeight estimates the handle's resident byte size, used as
	// the cache entry's weight.
	MemoryWeight() int64
}

// Builder is the state machine {Uninitialized -> Open -> Closed} that
// accepts typed column batches and produces an owned Handle (spec
// §4.2, §5 "Builder").
type Builder interface {
	// Open transitions Uninitialized -> Open. An empty path means
	// in-memory; a non-empty path is remembered for Flush.
	Open(path string) error
	// Add appends a batch. Requires Open.
	Add(ctx context.Context, batch ColumnBatch, opts AddOptions) error
	// Flush trains if needed, serializes unless memory-only, and
	// optionally inserts the resulting handle into the cache.
	Flush(ctx context.Context, opts FlushOptions) (Handle, error)
	// Close drops buffered input references and transitions Open ->
	// Closed.
	Close() error
}

// Writer serializes a Handle to path, or pins it into the cache
// without touching disk when memoryOnly is requested and the meta's
// write_index_cache option is set (spec §4.2 "Writer").
type Writer interface {
	Write(ctx context.Context, h Handle, path string, memoryOnly bool) error
}

// Reader loads a Handle from path (spec §4.2 "Reader"). The HNSW,
// IVF-Flat and IVF-PQ readers always decode the file: they neither
// look the path up in the cache nor insert the loaded handle into it,
// whatever the meta's read_index_cache option says.
type Reader interface {
	Read(ctx context.Context, path string) (Handle, error)
}

// SearchParams is the per-call search-parameter blob, mutable via
// SetItem/SetAll for JSON-patch-style overrides (spec §4.2
// "Searcher").
type SearchParams struct {
	meta.Section
}

// SetItem sets a single search parameter. Unknown keys are accepted
// here since the patch format is intentionally open; each engine's
// SetSearchParamItem checks a key against the family's known key set
// before storing it (spec §4.2).
func (p *SearchParams) SetItem(key string, value any) {
	if p.Section == nil {
		p.Section = meta.Section{}
	}
	p.Section[key] = value
}

// QueryResult is a single top-k or range-search hit.
type QueryResult struct {
	ID       int64
	Distance float32
}

// Searcher is the state machine {Constructed -> Loaded} that holds an
// index handle, a reader, and a search-params blob (spec §4.2, §5
// "Searcher").
type Searcher interface {
	// ReadIndex transitions Constructed -> Loaded (or replaces the
	// pinned handle if already Loaded, atomically w.r.t. concurrent
	// searches per the caller's own synchronization).
	ReadIndex(ctx context.Context, path string) error
	// SetSearchParamItem overrides one search parameter. Permitted in
	// either state.
	SetSearchParamItem(key string, value any) error
	// SetSearchParams replaces the entire search-params blob from a
	// JSON document. Permitted in either state.
	SetSearchParams(jsonDoc []byte) error
	// Search performs top-k search. Requires Loaded.
	Search(ctx context.Context, query []float32, k int, f filter.IdFilter) ([]QueryResult, error)
	// RangeSearch performs a radius-bounded search. limit <= 0 means
	// unbounded (subject to the engine's own traversal budget).
	// Requires Loaded.
	RangeSearch(ctx context.Context, query []float32, radius float32, limit int, f filter.IdFilter) ([]QueryResult, error)
}
