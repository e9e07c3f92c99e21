package index

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/annidx/annidx/internal/encoding"
	"github.com/annidx/annidx/pkg/cache"
	"github.com/annidx/annidx/pkg/codec"
	"github.com/annidx/annidx/pkg/contract"
	"github.com/annidx/annidx/pkg/filter"
	"github.com/annidx/annidx/pkg/meta"
	"github.com/annidx/annidx/pkg/vectorview"
)

func init() {
	contract.RegisterBuilderFactory(meta.FaissHNSW, newHNSWBuilder)
	contract.RegisterSearcherFactory(meta.FaissHNSW, newHNSWSearcher)
	contract.RegisterWriterFactory(meta.FaissHNSW, newHNSWWriter)
	contract.RegisterReaderFactory(meta.FaissHNSW, newHNSWReader)
}

// hnswWriter/hnswReader are the standalone C5 Writer/Reader, used when
// a caller wants to serialize or load a handle without also driving a
// Builder or Searcher's state machine.
type hnswWriter struct {
	cache *cache.Cache
}

func newHNSWWriter(m *meta.IndexMeta, c *cache.Cache) (contract.Writer, error) {
	return &hnswWriter{cache: c}, nil
}

func (w *hnswWriter) Write(ctx context.Context, h contract.Handle, path string, memoryOnly bool) error {
	hh, ok := h.(*hnswHandle)
	if !ok {
		return fmt.Errorf("hnsw: writer: handle is not an HNSW handle")
	}
	if !memoryOnly {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("hnsw: write: %w", err)
		}
		defer f.Close()
		if err := codec.Encode(f, hh.m, snapshotHNSW(hh.graph)); err != nil {
			return err
		}
	}
	if hh.m.Extra.OptionalBool("write_index_cache", false) {
		key := hh.m.Extra.OptionalString("custom_cache_key", path)
		hnd := w.cache.Insert(key, hh, hh.MemoryWeight(), cache.Normal, nil)
		hnd.Release()
	}
	return nil
}

type hnswReader struct{}

func newHNSWReader(m *meta.IndexMeta, c *cache.Cache) (contract.Reader, error) {
	return &hnswReader{}, nil
}

func (r *hnswReader) Read(ctx context.Context, path string) (contract.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hnsw: read: %w", err)
	}
	defer f.Close()
	var snap hnswSnapshot
	m2, err := codec.Decode(f, &snap)
	if err != nil {
		return nil, err
	}
	return &hnswHandle{m: m2, graph: restoreHNSW(snap)}, nil
}

// hnswSnapshot is the gob-serializable form of HNSW (spec C8 payload),
// generalizing the teacher's gob-based HNSW.Save/Load to int64 ids and
// the cosine pre-transform flag.
type hnswSnapshot struct {
	M, MaxM, EfConstruction int
	Normalize               bool
	EntryPoint              int64
	HasEntry                bool
	Nodes                   []hnswNodeSnapshot
}

type hnswNodeSnapshot struct {
	ID        int64
	Vector    []float32
	Level     int
	Neighbors [][]int64
	Deleted   bool
}

func snapshotHNSW(h *HNSW) hnswSnapshot {
	s := hnswSnapshot{M: h.M, MaxM: h.MaxM, EfConstruction: h.EfConstruction, Normalize: h.Normalize, EntryPoint: h.EntryPoint, HasEntry: h.hasEntry}
	for _, n := range h.Nodes {
		s.Nodes = append(s.Nodes, hnswNodeSnapshot{ID: n.ID, Vector: n.Vector, Level: n.Level, Neighbors: n.Neighbors, Deleted: n.Deleted})
	}
	return s
}

func restoreHNSW(s hnswSnapshot) *HNSW {
	h := NewHNSW(s.M, s.EfConstruction, s.Normalize, 42)
	h.MaxM = s.MaxM
	h.EntryPoint = s.EntryPoint
	h.hasEntry = s.HasEntry
	for _, n := range s.Nodes {
		h.Nodes[n.ID] = &hnswNode{ID: n.ID, Vector: n.Vector, Level: n.Level, Neighbors: n.Neighbors, Deleted: n.Deleted}
	}
	return h
}

// hnswHandle is the C4 tagged-union payload for the HNSW family: the
// cache stores this value directly, keyed by path or cache key.
type hnswHandle struct {
	m     *meta.IndexMeta
	graph *HNSW
}

func (h *hnswHandle) Meta() *meta.IndexMeta { return h.m }
func (h *hnswHandle) Ntotal() int64         { return int64(h.graph.Size()) }
func (h *hnswHandle) MemoryWeight() int64 {
	dim, _ := h.m.Dim()
	return int64(len(h.graph.Nodes)) * int64(dim) * 4
}

type hnswBuilder struct {
	contract.BuilderLifecycle
	m        *meta.IndexMeta
	cache    *cache.Cache
	dim      int
	graph    *HNSW
	path     string
	rowCount int64
}

func newHNSWBuilder(m *meta.IndexMeta, c *cache.Cache) (contract.Builder, error) {
	dim, err := m.Dim()
	if err != nil {
		return nil, err
	}
	metricType, err := m.Metric()
	if err != nil {
		return nil, err
	}
	mParam, err := m.Index.RequiredInt("M")
	if err != nil {
		return nil, err
	}
	efc, err := m.Index.RequiredInt("efConstruction")
	if err != nil {
		return nil, err
	}
	normalize := metricType == meta.CosineSimilarity && !m.IsVectorNormed()
	return &hnswBuilder{
		m:     m,
		cache: c,
		dim:   dim,
		graph: NewHNSW(int(mParam), int(efc), normalize, 42),
	}, nil
}

func (b *hnswBuilder) Open(path string) error {
	if err := b.RequireOpenTransition(); err != nil {
		return err
	}
	b.path = path
	return nil
}

func (b *hnswBuilder) Add(ctx context.Context, batch contract.ColumnBatch, opts contract.AddOptions) error {
	if err := b.RequireOpen("Builder.Add"); err != nil {
		return err
	}
	if batch.Dim != b.dim {
		return fmt.Errorf("hnsw: dimension mismatch: index is %d, batch is %d", b.dim, batch.Dim)
	}
	for i := 0; i < batch.Count; i++ {
		if batch.NullFlags != nil && batch.NullFlags[i] {
			continue
		}
		id := b.rowCount
		if batch.RowIDs != nil {
			id = batch.RowIDs[i]
		}
		b.rowCount++
		row := batch.Vectors[i*b.dim : (i+1)*b.dim]
		if err := encoding.ValidateVector(row); err != nil {
			return fmt.Errorf("hnsw: row %d: %w", id, err)
		}
		b.graph.Insert(id, row)
	}
	return nil
}

func (b *hnswBuilder) Flush(ctx context.Context, opts contract.FlushOptions) (contract.Handle, error) {
	if err := b.RequireOpen("Builder.Flush"); err != nil {
		return nil, err
	}
	h := &hnswHandle{m: b.m, graph: b.graph}

	if b.path != "" {
		f, err := os.Create(b.path)
		if err != nil {
			return nil, fmt.Errorf("hnsw: flush: %w", err)
		}
		defer f.Close()
		if err := codec.Encode(f, b.m, snapshotHNSW(b.graph)); err != nil {
			return nil, err
		}
	}

	if opts.WriteCache {
		key := opts.CacheKey
		if key == "" {
			key = b.path
		}
		if key != "" {
			hnd := b.cache.Insert(key, h, h.MemoryWeight(), cache.Normal, nil)
			hnd.Release()
		}
	}
	return h, nil
}

func (b *hnswBuilder) Close() error {
	if err := b.RequireCloseTransition(); err != nil {
		return err
	}
	b.graph = nil
	return nil
}

type hnswSearcher struct {
	contract.SearcherLifecycle
	m      *meta.IndexMeta
	cache  *cache.Cache
	params contract.SearchParams
	graph  *HNSW
	handle *cache.Handle
}

func newHNSWSearcher(m *meta.IndexMeta, c *cache.Cache) (contract.Searcher, error) {
	params := contract.SearchParams{Section: meta.Section{}}
	for k, v := range m.Search {
		params.SetItem(k, v)
	}
	return &hnswSearcher{m: m, cache: c, params: params}, nil
}

func (s *hnswSearcher) swapHandle(hnd *cache.Handle, h *hnswHandle) {
	if s.handle != nil {
		s.handle.Release()
	}
	s.handle = hnd
	s.graph = h.graph
}

func (s *hnswSearcher) ReadIndex(ctx context.Context, path string) error {
	key := s.m.Extra.OptionalString("custom_cache_key", path)
	useCache := s.m.Extra.OptionalBool("read_index_cache", true)
	forceOverwrite := s.m.Extra.OptionalBool("force_read_and_overwrite_cache", false)

	if useCache && !forceOverwrite {
		if hnd, ok := s.cache.Lookup(key); ok {
			s.swapHandle(hnd, hnd.Value().(*hnswHandle))
			s.MarkLoaded()
			return nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hnsw: read_index: %w", err)
	}
	defer f.Close()
	var snap hnswSnapshot
	m2, err := codec.Decode(f, &snap)
	if err != nil {
		return err
	}
	h := &hnswHandle{m: m2, graph: restoreHNSW(snap)}

	if useCache {
		hnd := s.cache.Insert(key, h, h.MemoryWeight(), cache.Normal, nil)
		s.swapHandle(hnd, h)
	} else {
		if s.handle != nil {
			s.handle.Release()
			s.handle = nil
		}
		s.graph = h.graph
	}
	s.MarkLoaded()
	return nil
}

func (s *hnswSearcher) SetSearchParamItem(key string, value any) error {
	switch key {
	case "efSearch", "check_relative_distance":
		s.params.SetItem(key, value)
		return nil
	default:
		return fmt.Errorf("hnsw: unknown search param %q", key)
	}
}

func (s *hnswSearcher) SetSearchParams(jsonDoc []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(jsonDoc, &patch); err != nil {
		return fmt.Errorf("hnsw: set_search_params: %w", err)
	}
	for k, v := range patch {
		if err := s.SetSearchParamItem(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *hnswSearcher) efSearch(k int) int {
	ef := int(s.params.Section.OptionalInt("efSearch", int64(k)))
	if ef < k {
		ef = k
	}
	return ef
}

func (s *hnswSearcher) Search(ctx context.Context, query []float32, k int, f filter.IdFilter) ([]contract.QueryResult, error) {
	if err := s.RequireLoaded("Searcher.Search"); err != nil {
		return nil, err
	}
	ef := s.efSearch(k)
	// Over-fetch so a non-trivial id-filter still has candidates left
	// to satisfy k after rejection.
	raw := s.graph.Search(query, ef*4+k, ef)
	out := make([]contract.QueryResult, 0, k)
	for _, r := range raw {
		if f != nil && !f.IsMember(r.ID) {
			continue
		}
		out = append(out, contract.QueryResult{ID: r.ID, Distance: r.Distance})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (s *hnswSearcher) RangeSearch(ctx context.Context, query []float32, radius float32, limit int, f filter.IdFilter) ([]contract.QueryResult, error) {
	if err := s.RequireLoaded("Searcher.RangeSearch"); err != nil {
		return nil, err
	}
	metricType, err := s.m.Metric()
	if err != nil {
		return nil, err
	}

	// radius (and CosineThresholdToL2's output) are squared-L2 units,
	// matching every other engine's RangeSearch convention, but
	// HNSW.RangeSearchWithLimit/RangeSearchUnbounded compare against
	// EuclideanDistance's actual (square-rooted) L2 units — take the
	// square root once here rather than inside the graph traversal.
	squaredL2Radius := radius
	descending := false
	switch metricType {
	case meta.CosineSimilarity:
		thr, err := vectorview.CosineThresholdToL2(float64(radius))
		if err != nil {
			return nil, err
		}
		squaredL2Radius = float32(thr)
		descending = true
	case meta.InnerProduct:
		return nil, fmt.Errorf("hnsw: range search is not supported for inner-product metric")
	}
	l2Radius := float32(math.Sqrt(float64(squaredL2Radius)))

	accept := func(id int64) bool { return f == nil || f.IsMember(id) }

	ef := s.efSearch(1)
	var raw []hnswResult
	if limit > 0 {
		raw = s.graph.RangeSearchWithLimit(query, l2Radius, limit, ef, accept)
	} else {
		raw = s.graph.RangeSearchUnbounded(query, l2Radius, ef, accept)
	}

	out := make([]contract.QueryResult, 0, len(raw))
	for _, r := range raw {
		// r.Distance is actual (square-rooted) L2; square it back to
		// the squared-L2 units this RangeSearch's callers expect
		// (matching IVF-PQ/IVF-Flat), before any cosine conversion.
		squared := r.Distance * r.Distance
		d := squared
		if descending {
			d = float32(vectorview.L2ToCosineSimilarity(float64(squared)))
		}
		out = append(out, contract.QueryResult{ID: r.ID, Distance: d})
	}
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Distance > out[j].Distance })
	}
	return out, nil
}
