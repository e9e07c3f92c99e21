package contract

import (
	"fmt"

	"github.com/annidx/annidx/pkg/cache"
	"github.com/annidx/annidx/pkg/meta"
)

// BuilderFactory constructs a family-specific Builder for m.
type BuilderFactory func(m *meta.IndexMeta, c *cache.Cache) (Builder, error)

// SearcherFactory constructs a family-specific Searcher for m.
type SearcherFactory func(m *meta.IndexMeta, c *cache.Cache) (Searcher, error)

// WriterFactory constructs a family-specific Writer for m.
type WriterFactory func(m *meta.IndexMeta, c *cache.Cache) (Writer, error)

// ReaderFactory constructs a family-specific Reader for m.
type ReaderFactory func(m *meta.IndexMeta, c *cache.Cache) (Reader, error)

var (
	builderFactories  = map[meta.IndexType]BuilderFactory{}
	searcherFactories = map[meta.IndexType]SearcherFactory{}
	writerFactories   = map[meta.IndexType]WriterFactory{}
	readerFactories   = map[meta.IndexType]ReaderFactory{}
)

// RegisterBuilderFactory binds a BuilderFactory to an IndexType. Each
// engine package calls this from an init() to register itself,
// keeping the factory dispatch table (spec §4.2 "factory keyed by
// index_type") decoupled from the concrete engines.
func RegisterBuilderFactory(t meta.IndexType, f BuilderFactory) {
	builderFactories[t] = f
}

// RegisterSearcherFactory binds a SearcherFactory to an IndexType.
func RegisterSearcherFactory(t meta.IndexType, f SearcherFactory) {
	searcherFactories[t] = f
}

// RegisterWriterFactory binds a WriterFactory to an IndexType.
func RegisterWriterFactory(t meta.IndexType, f WriterFactory) {
	writerFactories[t] = f
}

// RegisterReaderFactory binds a ReaderFactory to an IndexType.
func RegisterReaderFactory(t meta.IndexType, f ReaderFactory) {
	readerFactories[t] = f
}

// NewBuilder dispatches to the registered BuilderFactory for
// m.IndexType, using the process-wide default cache unless c is
// supplied.
func NewBuilder(m *meta.IndexMeta, c *cache.Cache) (Builder, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	f, ok := builderFactories[m.IndexType]
	if !ok {
		return nil, fmt.Errorf("contract: no builder registered for index_type %q", m.IndexType)
	}
	if c == nil {
		c = cache.Default()
	}
	return f(m, c)
}

// NewSearcher dispatches to the registered SearcherFactory for
// m.IndexType, using the process-wide default cache unless c is
// supplied.
func NewSearcher(m *meta.IndexMeta, c *cache.Cache) (Searcher, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	f, ok := searcherFactories[m.IndexType]
	if !ok {
		return nil, fmt.Errorf("contract: no searcher registered for index_type %q", m.IndexType)
	}
	if c == nil {
		c = cache.Default()
	}
	return f(m, c)
}

// NewWriter dispatches to the registered WriterFactory for m.IndexType.
func NewWriter(m *meta.IndexMeta, c *cache.Cache) (Writer, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	f, ok := writerFactories[m.IndexType]
	if !ok {
		return nil, fmt.Errorf("contract: no writer registered for index_type %q", m.IndexType)
	}
	if c == nil {
		c = cache.Default()
	}
	return f(m, c)
}

// NewReader dispatches to the registered ReaderFactory for m.IndexType.
func NewReader(m *meta.IndexMeta, c *cache.Cache) (Reader, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	f, ok := readerFactories[m.IndexType]
	if !ok {
		return nil, fmt.Errorf("contract: no reader registered for index_type %q", m.IndexType)
	}
	if c == nil {
		c = cache.Default()
	}
	return f(m, c)
}
