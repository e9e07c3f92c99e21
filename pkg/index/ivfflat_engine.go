package index

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
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
	contract.RegisterBuilderFactory(meta.FaissIVFFlat, newIVFFlatBuilder)
	contract.RegisterSearcherFactory(meta.FaissIVFFlat, newIVFFlatSearcher)
	contract.RegisterWriterFactory(meta.FaissIVFFlat, newIVFFlatWriter)
	contract.RegisterReaderFactory(meta.FaissIVFFlat, newIVFFlatReader)
}

type ivfflatWriter struct {
	cache *cache.Cache
}

func newIVFFlatWriter(m *meta.IndexMeta, c *cache.Cache) (contract.Writer, error) {
	return &ivfflatWriter{cache: c}, nil
}

func (w *ivfflatWriter) Write(ctx context.Context, h contract.Handle, path string, memoryOnly bool) error {
	hh, ok := h.(*ivfflatHandle)
	if !ok {
		return fmt.Errorf("ivfflat: writer: handle is not an IVF-Flat handle")
	}
	if !memoryOnly {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("ivfflat: write: %w", err)
		}
		defer f.Close()
		if err := codec.Encode(f, hh.m, snapshotIVFFlat(hh.idx)); err != nil {
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

type ivfflatReader struct{}

func newIVFFlatReader(m *meta.IndexMeta, c *cache.Cache) (contract.Reader, error) {
	return &ivfflatReader{}, nil
}

func (r *ivfflatReader) Read(ctx context.Context, path string) (contract.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ivfflat: read: %w", err)
	}
	defer f.Close()
	var snap ivfflatSnapshot
	m2, err := codec.Decode(f, &snap)
	if err != nil {
		return nil, err
	}
	return &ivfflatHandle{m: m2, idx: restoreIVFFlat(snap)}, nil
}

// ivfflatSnapshot is the gob-serializable payload for the IVF-Flat
// family (spec C8): coarse centroids plus each list's raw vectors.
type ivfflatSnapshot struct {
	Dim, Nlist int
	Centroids  [][]float32
	Lists      []ivfFlatListSnapshot
}

type ivfFlatListSnapshot struct {
	IDs     []int64
	Vectors [][]float32
}

func snapshotIVFFlat(idx *IVFFlat) ivfflatSnapshot {
	s := ivfflatSnapshot{Dim: idx.Dim, Nlist: idx.Nlist}
	for i := 0; i < idx.Nlist; i++ {
		v, _ := idx.Coarse.Vector(int64(i))
		s.Centroids = append(s.Centroids, v)
	}
	for _, l := range idx.Lists {
		s.Lists = append(s.Lists, ivfFlatListSnapshot{IDs: l.ids, Vectors: l.vectors})
	}
	return s
}

func restoreIVFFlat(s ivfflatSnapshot) *IVFFlat {
	idx := NewIVFFlat(s.Dim, s.Nlist)
	for i, c := range s.Centroids {
		idx.Coarse.Add(int64(i), c)
	}
	idx.Lists = make([]ivfFlatList, s.Nlist)
	for i, l := range s.Lists {
		idx.Lists[i] = ivfFlatList{ids: l.IDs, vectors: l.Vectors}
	}
	return idx
}

type ivfflatHandle struct {
	m   *meta.IndexMeta
	idx *IVFFlat
}

func (h *ivfflatHandle) Meta() *meta.IndexMeta { return h.m }
func (h *ivfflatHandle) Ntotal() int64         { return int64(h.idx.Ntotal()) }
func (h *ivfflatHandle) MemoryWeight() int64 {
	return int64(h.idx.Ntotal()) * int64(h.idx.Dim) * 4
}

type ivfflatBuilder struct {
	contract.BuilderLifecycle
	m        *meta.IndexMeta
	cache    *cache.Cache
	dim      int
	nlist    int
	path     string
	rowCount int64
	rowIDs   []int64
	vectors  [][]float32
}

func newIVFFlatBuilder(m *meta.IndexMeta, c *cache.Cache) (contract.Builder, error) {
	dim, err := m.Dim()
	if err != nil {
		return nil, err
	}
	nlist, err := m.Index.RequiredInt("nlist")
	if err != nil {
		return nil, err
	}
	return &ivfflatBuilder{m: m, cache: c, dim: dim, nlist: int(nlist)}, nil
}

func (b *ivfflatBuilder) Open(path string) error {
	if err := b.RequireOpenTransition(); err != nil {
		return err
	}
	b.path = path
	return nil
}

func (b *ivfflatBuilder) Add(ctx context.Context, batch contract.ColumnBatch, opts contract.AddOptions) error {
	if err := b.RequireOpen("Builder.Add"); err != nil {
		return err
	}
	if batch.Dim != b.dim {
		return fmt.Errorf("ivfflat: dimension mismatch: index is %d, batch is %d", b.dim, batch.Dim)
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
		row := make([]float32, b.dim)
		copy(row, batch.Vectors[i*b.dim:(i+1)*b.dim])
		if err := encoding.ValidateVector(row); err != nil {
			return fmt.Errorf("ivfflat: row %d: %w", id, err)
		}
		b.rowIDs = append(b.rowIDs, id)
		b.vectors = append(b.vectors, row)
	}
	return nil
}

func (b *ivfflatBuilder) Flush(ctx context.Context, opts contract.FlushOptions) (contract.Handle, error) {
	if err := b.RequireOpen("Builder.Flush"); err != nil {
		return nil, err
	}
	idx := NewIVFFlat(b.dim, b.nlist)
	rng := rand.New(rand.NewSource(42)).Float64
	if err := idx.Train(b.vectors, rng); err != nil {
		return nil, fmt.Errorf("ivfflat: flush: %w", err)
	}
	for i, v := range b.vectors {
		if err := idx.Add(b.rowIDs[i], v); err != nil {
			return nil, fmt.Errorf("ivfflat: flush: %w", err)
		}
	}

	h := &ivfflatHandle{m: b.m, idx: idx}

	if b.path != "" {
		f, err := os.Create(b.path)
		if err != nil {
			return nil, fmt.Errorf("ivfflat: flush: %w", err)
		}
		defer f.Close()
		if err := codec.Encode(f, b.m, snapshotIVFFlat(idx)); err != nil {
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

func (b *ivfflatBuilder) Close() error {
	if err := b.RequireCloseTransition(); err != nil {
		return err
	}
	b.vectors = nil
	b.rowIDs = nil
	return nil
}

type ivfflatSearcher struct {
	contract.SearcherLifecycle
	m      *meta.IndexMeta
	cache  *cache.Cache
	params contract.SearchParams
	idx    *IVFFlat
	handle *cache.Handle
}

func newIVFFlatSearcher(m *meta.IndexMeta, c *cache.Cache) (contract.Searcher, error) {
	params := contract.SearchParams{Section: meta.Section{}}
	for k, v := range m.Search {
		params.SetItem(k, v)
	}
	return &ivfflatSearcher{m: m, cache: c, params: params}, nil
}

func (s *ivfflatSearcher) swapHandle(hnd *cache.Handle, h *ivfflatHandle) {
	if s.handle != nil {
		s.handle.Release()
	}
	s.handle = hnd
	s.idx = h.idx
}

func (s *ivfflatSearcher) ReadIndex(ctx context.Context, path string) error {
	key := s.m.Extra.OptionalString("custom_cache_key", path)
	useCache := s.m.Extra.OptionalBool("read_index_cache", true)
	forceOverwrite := s.m.Extra.OptionalBool("force_read_and_overwrite_cache", false)

	if useCache && !forceOverwrite {
		if hnd, ok := s.cache.Lookup(key); ok {
			s.swapHandle(hnd, hnd.Value().(*ivfflatHandle))
			s.MarkLoaded()
			return nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ivfflat: read_index: %w", err)
	}
	defer f.Close()
	var snap ivfflatSnapshot
	m2, err := codec.Decode(f, &snap)
	if err != nil {
		return err
	}
	h := &ivfflatHandle{m: m2, idx: restoreIVFFlat(snap)}

	if useCache {
		hnd := s.cache.Insert(key, h, h.MemoryWeight(), cache.Normal, nil)
		s.swapHandle(hnd, h)
	} else {
		if s.handle != nil {
			s.handle.Release()
			s.handle = nil
		}
		s.idx = h.idx
	}
	s.MarkLoaded()
	return nil
}

func (s *ivfflatSearcher) SetSearchParamItem(key string, value any) error {
	switch key {
	case "nprobe":
		s.params.SetItem(key, value)
		return nil
	default:
		return fmt.Errorf("ivfflat: unknown search param %q", key)
	}
}

func (s *ivfflatSearcher) SetSearchParams(jsonDoc []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(jsonDoc, &patch); err != nil {
		return fmt.Errorf("ivfflat: set_search_params: %w", err)
	}
	for k, v := range patch {
		if err := s.SetSearchParamItem(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *ivfflatSearcher) nprobe() int {
	return int(s.params.Section.OptionalInt("nprobe", 1))
}

func (s *ivfflatSearcher) Search(ctx context.Context, query []float32, k int, f filter.IdFilter) ([]contract.QueryResult, error) {
	if err := s.RequireLoaded("Searcher.Search"); err != nil {
		return nil, err
	}
	accept := func(id int64) bool { return f == nil || f.IsMember(id) }
	raw := s.idx.SearchTopK(query, k, s.nprobe(), accept)
	out := make([]contract.QueryResult, 0, len(raw))
	for _, r := range raw {
		out = append(out, contract.QueryResult{ID: r.ID, Distance: r.Distance})
	}
	return out, nil
}

func (s *ivfflatSearcher) RangeSearch(ctx context.Context, query []float32, radius float32, limit int, f filter.IdFilter) ([]contract.QueryResult, error) {
	if err := s.RequireLoaded("Searcher.RangeSearch"); err != nil {
		return nil, err
	}
	metricType, err := s.m.Metric()
	if err != nil {
		return nil, err
	}

	l2Radius := radius
	descending := false
	switch metricType {
	case meta.CosineSimilarity:
		thr, err := vectorview.CosineThresholdToL2(float64(radius))
		if err != nil {
			return nil, err
		}
		l2Radius = float32(thr)
		descending = true
	case meta.InnerProduct:
		return nil, fmt.Errorf("ivfflat: range search is not supported for inner-product metric")
	}

	accept := func(id int64) bool { return f == nil || f.IsMember(id) }
	raw := s.idx.RangeSearch(query, l2Radius, s.nprobe(), accept)

	if limit > 0 && len(raw) > limit {
		raw = raw[:limit]
	}

	out := make([]contract.QueryResult, 0, len(raw))
	for _, r := range raw {
		d := r.Distance
		if descending {
			d = float32(vectorview.L2ToCosineSimilarity(float64(d)))
		}
		out = append(out, contract.QueryResult{ID: r.ID, Distance: d})
	}
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Distance > out[j].Distance })
	}
	return out, nil
}
