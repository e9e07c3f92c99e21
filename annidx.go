// Package annidx is the embeddable ANN vector-index library's
// programmatic surface: five object types — IndexMeta, IndexBuilder,
// IndexWriter, IndexReader, AnnSearcher — backed by the per-family
// engines in pkg/index, dispatched through pkg/contract's factory
// keyed by meta.IndexType (spec §6).
package annidx

import (
	"github.com/annidx/annidx/pkg/cache"
	"github.com/annidx/annidx/pkg/contract"
	"github.com/annidx/annidx/pkg/filter"
	"github.com/annidx/annidx/pkg/meta"

	// Blank-imported so the HNSW/IVF-Flat/IVF-PQ engines register
	// their Builder/Searcher/Writer/Reader factories on package init,
	// before any contract.New* call in this package can run.
	_ "github.com/annidx/annidx/pkg/index"
)

// Re-exported meta types and constructors, so callers never need to
// import pkg/meta directly for ordinary use.
type (
	IndexMeta   = meta.IndexMeta
	IndexFamily = meta.IndexFamily
	IndexType   = meta.IndexType
	MetricType  = meta.MetricType
)

const (
	FamilyVector = meta.FamilyVector
	FamilyText   = meta.FamilyText

	FaissHNSW    = meta.FaissHNSW
	FaissIVFFlat = meta.FaissIVFFlat
	FaissIVFPQ   = meta.FaissIVFPQ

	L2               = meta.L2
	CosineSimilarity = meta.CosineSimilarity
	InnerProduct     = meta.InnerProduct
	CosineDistance   = meta.CosineDistance
)

// NewIndexMeta creates an empty, versioned meta for family/typ. Use
// the embedded With* setters to populate sections.
func NewIndexMeta(family IndexFamily, typ IndexType) *IndexMeta {
	return meta.New(family, typ)
}

// ColumnBatch, AddOptions, FlushOptions, QueryResult, and SearchParams
// are re-exported from pkg/contract unchanged.
type (
	ColumnBatch  = contract.ColumnBatch
	AddOptions   = contract.AddOptions
	FlushOptions = contract.FlushOptions
	QueryResult  = contract.QueryResult
)

// IdFilter is re-exported from pkg/filter.
type IdFilter = filter.IdFilter

// IndexBuilder is the {Uninitialized -> Open -> Closed} builder
// object, constructed for a given meta via NewIndexBuilder.
type IndexBuilder struct {
	contract.Builder
}

// NewIndexBuilder dispatches to the registered builder factory for
// m.IndexType. A nil cache uses the process-wide default (spec §6,
// "a single process-wide 1 GiB LRU cache instance").
func NewIndexBuilder(m *IndexMeta, c *cache.Cache) (*IndexBuilder, error) {
	b, err := contract.NewBuilder(m, c)
	if err != nil {
		return nil, WrapErr("NewIndexBuilder", err)
	}
	return &IndexBuilder{Builder: b}, nil
}

// IndexWriter serializes a previously-built Handle.
type IndexWriter struct {
	contract.Writer
}

// NewIndexWriter dispatches to the registered writer factory for
// m.IndexType.
func NewIndexWriter(m *IndexMeta, c *cache.Cache) (*IndexWriter, error) {
	w, err := contract.NewWriter(m, c)
	if err != nil {
		return nil, WrapErr("NewIndexWriter", err)
	}
	return &IndexWriter{Writer: w}, nil
}

// IndexReader loads a Handle from disk without driving a Searcher's
// state machine.
type IndexReader struct {
	contract.Reader
}

// NewIndexReader dispatches to the registered reader factory for
// m.IndexType.
func NewIndexReader(m *IndexMeta, c *cache.Cache) (*IndexReader, error) {
	r, err := contract.NewReader(m, c)
	if err != nil {
		return nil, WrapErr("NewIndexReader", err)
	}
	return &IndexReader{Reader: r}, nil
}

// AnnSearcher is the {Constructed -> Loaded} searcher object.
type AnnSearcher struct {
	contract.Searcher
}

// NewAnnSearcher dispatches to the registered searcher factory for
// m.IndexType.
func NewAnnSearcher(m *IndexMeta, c *cache.Cache) (*AnnSearcher, error) {
	s, err := contract.NewSearcher(m, c)
	if err != nil {
		return nil, WrapErr("NewAnnSearcher", err)
	}
	return &AnnSearcher{Searcher: s}, nil
}

// DefaultCache returns the process-wide default cache instance (spec
// §6).
func DefaultCache() *cache.Cache { return cache.Default() }
