package index

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/annidx/annidx/pkg/cache"
	"github.com/annidx/annidx/pkg/contract"
	"github.com/annidx/annidx/pkg/meta"
)

func newTestIVFPQMeta(dim, nlist, m, nbits int) *meta.IndexMeta {
	return meta.New(meta.FamilyVector, meta.FaissIVFPQ).
		WithCommon("dim", int64(dim)).
		WithCommon("metric_type", string(meta.L2)).
		WithIndex("nlist", int64(nlist)).
		WithIndex("M", int64(m)).
		WithIndex("nbits", int64(nbits)).
		WithIndex("by_residual", true).
		WithSearch("nprobe", int64(nlist))
}

func randomVectorsIVFPQ(n, dim int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float32, n*dim)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}

func TestIVFPQBuilderFlushAndSearch(t *testing.T) {
	dim, nlist, numSub, nbits := 16, 4, 4, 4
	idxMeta := newTestIVFPQMeta(dim, nlist, numSub, nbits)
	c := cache.New(1<<20, 1)

	b, err := contract.NewBuilder(idxMeta, c)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ivfpq.bin")
	if err := b.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}

	n := 200
	vecs := randomVectorsIVFPQ(n, dim, 7)
	if err := b.Add(context.Background(), contract.ColumnBatch{Vectors: vecs, Dim: dim, Count: n}, contract.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h, err := b.Flush(context.Background(), contract.FlushOptions{})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.Ntotal() != int64(n) {
		t.Fatalf("Ntotal = %d, want %d", h.Ntotal(), n)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected flush to write %s: %v", path, err)
	}

	s, err := contract.NewSearcher(idxMeta, c)
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	if err := s.ReadIndex(context.Background(), path); err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}

	query := vecs[0:dim]
	results, err := s.Search(context.Background(), query, 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("Search returned %d results, want 5", len(results))
	}

	rangeResults, err := s.RangeSearch(context.Background(), query, 100, 0, nil)
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	if len(rangeResults) == 0 {
		t.Fatalf("RangeSearch returned no results for a generous radius")
	}
}

func TestIVFPQEngineReconstructionErrorInvariant(t *testing.T) {
	dim, nlist, m, nbits := 8, 3, 2, 3
	idx, err := NewIVFPQ(dim, nlist, m, nbits, true)
	if err != nil {
		t.Fatalf("NewIVFPQ: %v", err)
	}
	n := 60
	vectors := make([][]float32, n)
	r := rand.New(rand.NewSource(11))
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()
		}
		vectors[i] = v
	}
	if err := idx.Train(vectors, r.Float64); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range vectors {
		if err := idx.Add(int64(i), v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	idx.CheckInvariant()
}

func TestIVFPQRangeSearchConfidenceWidensResults(t *testing.T) {
	dim, nlist, m, nbits := 8, 3, 2, 3
	idx, err := NewIVFPQ(dim, nlist, m, nbits, true)
	if err != nil {
		t.Fatalf("NewIVFPQ: %v", err)
	}
	n := 80
	vectors := make([][]float32, n)
	r := rand.New(rand.NewSource(21))
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()
		}
		vectors[i] = v
	}
	if err := idx.Train(vectors, r.Float64); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range vectors {
		if err := idx.Add(int64(i), v); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	query := vectors[0]
	unbound := idx.RangeSearch(query, 2.0, nlist, 0, nil)
	sound := idx.RangeSearch(query, 2.0, nlist, 1.0, nil)
	if len(sound) < len(unbound) {
		t.Fatalf("confidence-bounded range search returned fewer hits (%d) than the unsound ADC filter (%d)", len(sound), len(unbound))
	}
}

// TestIVFPQBlockCacheHitPath exercises the block-cache inverted-list
// store wired into the IVF-PQ searcher (spec §8.4 "block-cache hit
// path"): with cache_index_block set, the second identical query's
// lookup_count - hit_count delta must be unchanged from the first.
func TestIVFPQBlockCacheHitPath(t *testing.T) {
	dim, nlist, numSub, nbits := 16, 4, 4, 4
	idxMeta := newTestIVFPQMeta(dim, nlist, numSub, nbits).
		WithExtra("cache_index_block", true)
	c := cache.New(1<<20, 1)

	b, err := contract.NewBuilder(idxMeta, c)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ivfpq.bin")
	if err := b.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}

	n := 200
	vecs := randomVectorsIVFPQ(n, dim, 9)
	if err := b.Add(context.Background(), contract.ColumnBatch{Vectors: vecs, Dim: dim, Count: n}, contract.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h, err := b.Flush(context.Background(), contract.FlushOptions{})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path + ".blk"); err != nil {
		t.Fatalf("expected flush to write block sidecar %s: %v", path+".blk", err)
	}

	hh, ok := h.(*ivfpqHandle)
	if !ok {
		t.Fatalf("handle is not *ivfpqHandle")
	}
	if hh.idx.BlockSource == nil {
		t.Fatalf("expected Flush to attach a BlockSource when cache_index_block is set")
	}

	s, err := contract.NewSearcher(idxMeta, cache.New(1<<20, 1))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	if err := s.ReadIndex(context.Background(), path); err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	ss, ok := s.(*ivfpqSearcher)
	if !ok {
		t.Fatalf("searcher is not *ivfpqSearcher")
	}
	if ss.idx.BlockSource == nil {
		t.Fatalf("expected ReadIndex to attach a BlockSource when cache_index_block is set")
	}

	query := vecs[0:dim]
	if _, err := s.Search(context.Background(), query, 5, nil); err != nil {
		t.Fatalf("Search (first): %v", err)
	}
	firstDelta := ss.idx.BlockSource.LookupCount() - ss.idx.BlockSource.HitCount()

	if _, err := s.Search(context.Background(), query, 5, nil); err != nil {
		t.Fatalf("Search (second): %v", err)
	}
	secondDelta := ss.idx.BlockSource.LookupCount() - ss.idx.BlockSource.HitCount()

	if secondDelta != firstDelta {
		t.Fatalf("lookup_count - hit_count changed across identical queries: first=%d second=%d", firstDelta, secondDelta)
	}
}
