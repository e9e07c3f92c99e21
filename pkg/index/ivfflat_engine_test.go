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

func newTestIVFFlatMeta(dim, nlist int) *meta.IndexMeta {
	return meta.New(meta.FamilyVector, meta.FaissIVFFlat).
		WithCommon("dim", int64(dim)).
		WithCommon("metric_type", string(meta.L2)).
		WithIndex("nlist", int64(nlist)).
		WithSearch("nprobe", int64(nlist))
}

func TestIVFFlatBuilderFlushAndSearch(t *testing.T) {
	dim, nlist := 8, 4
	idxMeta := newTestIVFFlatMeta(dim, nlist)
	c := cache.New(1<<20, 1)

	b, err := contract.NewBuilder(idxMeta, c)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ivfflat.bin")
	if err := b.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}

	n := 100
	r := rand.New(rand.NewSource(13))
	vecs := make([]float32, n*dim)
	for i := range vecs {
		vecs[i] = r.Float32()*2 - 1
	}
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
	if results[0].ID != 0 || results[0].Distance != 0 {
		t.Fatalf("expected exact self-match for query vector 0, got %+v", results[0])
	}
}
