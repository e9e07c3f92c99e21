package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"

	"github.com/annidx/annidx/internal/encoding"
	"github.com/annidx/annidx/pkg/blockcache"
	"github.com/annidx/annidx/pkg/cache"
	"github.com/annidx/annidx/pkg/codec"
	"github.com/annidx/annidx/pkg/contract"
	"github.com/annidx/annidx/pkg/filter"
	"github.com/annidx/annidx/pkg/meta"
	"github.com/annidx/annidx/pkg/vectorview"
)

func init() {
	contract.RegisterBuilderFactory(meta.FaissIVFPQ, newIVFPQBuilder)
	contract.RegisterSearcherFactory(meta.FaissIVFPQ, newIVFPQSearcher)
	contract.RegisterWriterFactory(meta.FaissIVFPQ, newIVFPQWriter)
	contract.RegisterReaderFactory(meta.FaissIVFPQ, newIVFPQReader)
}

type ivfpqWriter struct {
	cache *cache.Cache
}

func newIVFPQWriter(m *meta.IndexMeta, c *cache.Cache) (contract.Writer, error) {
	return &ivfpqWriter{cache: c}, nil
}

func (w *ivfpqWriter) Write(ctx context.Context, h contract.Handle, path string, memoryOnly bool) error {
	hh, ok := h.(*ivfpqHandle)
	if !ok {
		return fmt.Errorf("ivfpq: writer: handle is not an IVF-PQ handle")
	}
	if !memoryOnly {
		snap := snapshotIVFPQ(hh.idx)
		if hh.m.Extra.OptionalBool("cache_index_block", false) {
			descs, err := writeBlockSidecar(blockSidecarPath(path), hh.idx)
			if err != nil {
				return err
			}
			snap.BlockListDescriptors = descs
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("ivfpq: write: %w", err)
		}
		defer f.Close()
		if err := codec.Encode(f, hh.m, snap); err != nil {
			return err
		}
	}
	if hh.m.Extra.OptionalBool("write_index_cache", false) {
		key := hh.m.Extra.OptionalString("custom_cache_key", path)
		hnd := w.cache.Insert(key, hh, hh.MemoryWeight(), cache.Normal, deleteIVFPQHandle)
		hnd.Release()
	}
	return nil
}

type ivfpqReader struct {
	cache *cache.Cache
}

func newIVFPQReader(m *meta.IndexMeta, c *cache.Cache) (contract.Reader, error) {
	return &ivfpqReader{cache: c}, nil
}

func (r *ivfpqReader) Read(ctx context.Context, path string) (contract.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ivfpq: read: %w", err)
	}
	defer f.Close()
	var snap ivfpqSnapshot
	m2, err := codec.Decode(f, &snap)
	if err != nil {
		return nil, err
	}
	idx, err := restoreIVFPQ(snap)
	if err != nil {
		return nil, err
	}
	attachBlockSource(idx, snap, path, r.cache)
	return &ivfpqHandle{m: m2, idx: idx}, nil
}

// ivfpqSnapshot is the gob-serializable payload for the IVF-PQ family
// (spec C8, C7): the coarse centroids, the trained codebooks, and the
// inverted lists with their parallel reconstruction-error arrays.
// BlockListDescriptors is non-empty only when the meta requested
// cache_index_block at write time, mirroring the sidecar "<path>.blk"
// file laid out by writeBlockSidecar (spec §4.4.5).
type ivfpqSnapshot struct {
	Dim, Nlist, M, Nbits int
	ByResidual           bool
	Confidence           float32
	Centroids            [][]float32
	Codebooks            [][][]float32
	Lists                []ivfListSnapshot
	BlockListDescriptors []blockcache.ListDescriptor
}

// blockSidecarPath derives the block-cache sidecar path from the main
// index file path (spec §4.4.5's separate "ilbc" on-disk region,
// stored here as its own file rather than a region within path since
// the gob envelope isn't itself block-aligned).
func blockSidecarPath(path string) string { return path + ".blk" }

// writeBlockSidecar lays out idx's inverted lists as a sequence of
// {codes, ids} spans (spec §4.4.5: "ids follows codes * entry_count"),
// one after another with no padding, and returns the per-list
// descriptors blockcache.BlockStore needs to serve aligned-window
// reads back out of it.
func writeBlockSidecar(blkPath string, idx *IVFPQ) ([]blockcache.ListDescriptor, error) {
	f, err := os.Create(blkPath)
	if err != nil {
		return nil, fmt.Errorf("ivfpq: write block sidecar: %w", err)
	}
	defer f.Close()

	codeSize := idx.PQ.M
	descs := make([]blockcache.ListDescriptor, len(idx.Lists))
	var offset int64
	idBuf := make([]byte, 8)
	for i, l := range idx.Lists {
		descs[i] = blockcache.ListDescriptor{ByteOffset: offset, EntryCount: len(l.ids), CodeSize: codeSize}
		for _, code := range l.codes {
			if _, err := f.Write(code); err != nil {
				return nil, fmt.Errorf("ivfpq: write block sidecar: %w", err)
			}
		}
		for _, id := range l.ids {
			binary.LittleEndian.PutUint64(idBuf, uint64(id))
			if _, err := f.Write(idBuf); err != nil {
				return nil, fmt.Errorf("ivfpq: write block sidecar: %w", err)
			}
		}
		offset += int64(len(l.ids)) * (int64(codeSize) + 8)
	}
	return descs, nil
}

// attachBlockSource opens path's block-cache sidecar and installs it
// on idx when snap carries list descriptors for it, i.e. the index was
// written with cache_index_block set. A missing or unreadable sidecar
// is not fatal: idx simply keeps scanning its resident Lists, so a
// sidecar deleted out from under a reader degrades rather than breaks
// reads.
func attachBlockSource(idx *IVFPQ, snap ivfpqSnapshot, path string, c *cache.Cache) {
	if len(snap.BlockListDescriptors) == 0 {
		return
	}
	bs, err := blockcache.Open(blockSidecarPath(path), c)
	if err != nil {
		return
	}
	bs.SetLists(snap.BlockListDescriptors)
	idx.BlockSource = bs
}

type ivfListSnapshot struct {
	IDs    []int64
	Codes  [][]byte
	Errors []float32
}

func snapshotIVFPQ(idx *IVFPQ) ivfpqSnapshot {
	s := ivfpqSnapshot{
		Dim: idx.Dim, Nlist: idx.Nlist, M: idx.PQ.M, Nbits: idx.PQ.Nbits,
		ByResidual: idx.ByResidual, Confidence: idx.Confidence,
		Codebooks: idx.PQ.Codebooks,
	}
	for i := 0; i < idx.Nlist; i++ {
		v, _ := idx.Coarse.Vector(int64(i))
		s.Centroids = append(s.Centroids, v)
	}
	for _, l := range idx.Lists {
		s.Lists = append(s.Lists, ivfListSnapshot{IDs: l.ids, Codes: l.codes, Errors: l.errors})
	}
	return s
}

func restoreIVFPQ(s ivfpqSnapshot) (*IVFPQ, error) {
	idx, err := NewIVFPQ(s.Dim, s.Nlist, s.M, s.Nbits, s.ByResidual)
	if err != nil {
		return nil, err
	}
	idx.Confidence = s.Confidence
	for i, c := range s.Centroids {
		idx.Coarse.Add(int64(i), c)
	}
	idx.PQ.Codebooks = s.Codebooks
	idx.PQ.Trained = true
	idx.Lists = make([]ivfList, s.Nlist)
	for i, l := range s.Lists {
		idx.Lists[i] = ivfList{ids: l.IDs, codes: l.Codes, errors: l.Errors}
	}
	return idx, nil
}

// deleteIVFPQHandle closes a handle's attached block-cache source, if
// any, when the cache evicts or erases it, so the O_DIRECT file
// descriptor doesn't outlive the handle.
func deleteIVFPQHandle(key string, value any) {
	h, ok := value.(*ivfpqHandle)
	if !ok || h.idx.BlockSource == nil {
		return
	}
	h.idx.BlockSource.Close()
}

// ivfpqHandle is the C4 tagged-union payload for the IVF-PQ family.
type ivfpqHandle struct {
	m   *meta.IndexMeta
	idx *IVFPQ
}

func (h *ivfpqHandle) Meta() *meta.IndexMeta { return h.m }
func (h *ivfpqHandle) Ntotal() int64         { return int64(h.idx.Ntotal()) }
func (h *ivfpqHandle) MemoryWeight() int64 {
	return int64(h.idx.Ntotal()) * int64(h.idx.PQ.M)
}

type ivfpqBuilder struct {
	contract.BuilderLifecycle
	m          *meta.IndexMeta
	cache      *cache.Cache
	dim        int
	nlist      int
	numSub     int
	nbits      int
	byResidual bool
	path       string
	rowCount   int64
	rowIDs     []int64
	vectors    [][]float32
}

func newIVFPQBuilder(m *meta.IndexMeta, c *cache.Cache) (contract.Builder, error) {
	dim, err := m.Dim()
	if err != nil {
		return nil, err
	}
	nlist, err := m.Index.RequiredInt("nlist")
	if err != nil {
		return nil, err
	}
	numSub, err := m.Index.RequiredInt("M")
	if err != nil {
		return nil, err
	}
	nbits, err := m.Index.RequiredInt("nbits")
	if err != nil {
		return nil, err
	}
	return &ivfpqBuilder{
		m: m, cache: c, dim: dim,
		nlist: int(nlist), numSub: int(numSub), nbits: int(nbits),
		byResidual: m.Index.OptionalBool("by_residual", true),
	}, nil
}

func (b *ivfpqBuilder) Open(path string) error {
	if err := b.RequireOpenTransition(); err != nil {
		return err
	}
	b.path = path
	return nil
}

func (b *ivfpqBuilder) Add(ctx context.Context, batch contract.ColumnBatch, opts contract.AddOptions) error {
	if err := b.RequireOpen("Builder.Add"); err != nil {
		return err
	}
	if batch.Dim != b.dim {
		return fmt.Errorf("ivfpq: dimension mismatch: index is %d, batch is %d", b.dim, batch.Dim)
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
			return fmt.Errorf("ivfpq: row %d: %w", id, err)
		}
		b.rowIDs = append(b.rowIDs, id)
		b.vectors = append(b.vectors, row)
	}
	return nil
}

// Flush trains the coarse quantizer and product quantizer against the
// full buffered vector set, encodes every buffered vector into its
// assigned list, and checks the reconstruction-error invariant before
// handing back a handle (spec §4.4.1: training is necessarily a
// whole-dataset operation, so every Flush retrains from scratch on
// everything buffered so far).
func (b *ivfpqBuilder) Flush(ctx context.Context, opts contract.FlushOptions) (contract.Handle, error) {
	if err := b.RequireOpen("Builder.Flush"); err != nil {
		return nil, err
	}
	idx, err := NewIVFPQ(b.dim, b.nlist, b.numSub, b.nbits, b.byResidual)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(42)).Float64
	if err := idx.Train(b.vectors, rng); err != nil {
		return nil, fmt.Errorf("ivfpq: flush: %w", err)
	}
	for i, v := range b.vectors {
		if err := idx.Add(b.rowIDs[i], v); err != nil {
			return nil, fmt.Errorf("ivfpq: flush: %w", err)
		}
	}
	idx.CheckInvariant()

	h := &ivfpqHandle{m: b.m, idx: idx}

	if b.path != "" {
		snap := snapshotIVFPQ(idx)
		if b.m.Extra.OptionalBool("cache_index_block", false) {
			descs, err := writeBlockSidecar(blockSidecarPath(b.path), idx)
			if err != nil {
				return nil, err
			}
			snap.BlockListDescriptors = descs
		}
		f, err := os.Create(b.path)
		if err != nil {
			return nil, fmt.Errorf("ivfpq: flush: %w", err)
		}
		defer f.Close()
		if err := codec.Encode(f, b.m, snap); err != nil {
			return nil, err
		}
		if len(snap.BlockListDescriptors) > 0 {
			attachBlockSource(idx, snap, b.path, b.cache)
		}
	}

	if opts.WriteCache {
		key := opts.CacheKey
		if key == "" {
			key = b.path
		}
		if key != "" {
			hnd := b.cache.Insert(key, h, h.MemoryWeight(), cache.Normal, deleteIVFPQHandle)
			hnd.Release()
		}
	}
	return h, nil
}

func (b *ivfpqBuilder) Close() error {
	if err := b.RequireCloseTransition(); err != nil {
		return err
	}
	b.vectors = nil
	b.rowIDs = nil
	return nil
}

type ivfpqSearcher struct {
	contract.SearcherLifecycle
	m      *meta.IndexMeta
	cache  *cache.Cache
	params contract.SearchParams
	idx    *IVFPQ
	handle *cache.Handle
}

func newIVFPQSearcher(m *meta.IndexMeta, c *cache.Cache) (contract.Searcher, error) {
	params := contract.SearchParams{Section: meta.Section{}}
	for k, v := range m.Search {
		params.SetItem(k, v)
	}
	return &ivfpqSearcher{m: m, cache: c, params: params}, nil
}

func (s *ivfpqSearcher) swapHandle(hnd *cache.Handle, h *ivfpqHandle) {
	if s.handle != nil {
		s.handle.Release()
	}
	s.handle = hnd
	s.idx = h.idx
}

func (s *ivfpqSearcher) ReadIndex(ctx context.Context, path string) error {
	key := s.m.Extra.OptionalString("custom_cache_key", path)
	useCache := s.m.Extra.OptionalBool("read_index_cache", true)
	forceOverwrite := s.m.Extra.OptionalBool("force_read_and_overwrite_cache", false)

	if useCache && !forceOverwrite {
		if hnd, ok := s.cache.Lookup(key); ok {
			s.swapHandle(hnd, hnd.Value().(*ivfpqHandle))
			s.MarkLoaded()
			return nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ivfpq: read_index: %w", err)
	}
	defer f.Close()
	var snap ivfpqSnapshot
	m2, err := codec.Decode(f, &snap)
	if err != nil {
		return err
	}
	idx, err := restoreIVFPQ(snap)
	if err != nil {
		return err
	}
	attachBlockSource(idx, snap, path, s.cache)
	h := &ivfpqHandle{m: m2, idx: idx}

	if useCache {
		hnd := s.cache.Insert(key, h, h.MemoryWeight(), cache.Normal, deleteIVFPQHandle)
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

func (s *ivfpqSearcher) SetSearchParamItem(key string, value any) error {
	switch key {
	case "nprobe", "range_search_confidence", "parallel_mode":
		s.params.SetItem(key, value)
		return nil
	default:
		return fmt.Errorf("ivfpq: unknown search param %q", key)
	}
}

func (s *ivfpqSearcher) SetSearchParams(jsonDoc []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(jsonDoc, &patch); err != nil {
		return fmt.Errorf("ivfpq: set_search_params: %w", err)
	}
	for k, v := range patch {
		if err := s.SetSearchParamItem(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *ivfpqSearcher) nprobe() int {
	return int(s.params.Section.OptionalInt("nprobe", 1))
}

func (s *ivfpqSearcher) Search(ctx context.Context, query []float32, k int, f filter.IdFilter) ([]contract.QueryResult, error) {
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

func (s *ivfpqSearcher) RangeSearch(ctx context.Context, query []float32, radius float32, limit int, f filter.IdFilter) ([]contract.QueryResult, error) {
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
		return nil, fmt.Errorf("ivfpq: range search is not supported for inner-product metric")
	}

	alpha := float32(s.params.Section.OptionalFloat("range_search_confidence", float64(s.idx.Confidence)))
	accept := func(id int64) bool { return f == nil || f.IsMember(id) }
	raw := s.idx.RangeSearch(query, l2Radius, s.nprobe(), alpha, accept)

	if limit > 0 {
		sort.Slice(raw, func(i, j int) bool { return raw[i].Distance < raw[j].Distance })
		if len(raw) > limit {
			raw = raw[:limit]
		}
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
