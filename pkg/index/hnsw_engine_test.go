package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/annidx/annidx/pkg/cache"
	"github.com/annidx/annidx/pkg/contract"
	"github.com/annidx/annidx/pkg/meta"
)

func newTestHNSWMeta(dim int) *meta.IndexMeta {
	return meta.New(meta.FamilyVector, meta.FaissHNSW).
		WithCommon("dim", int64(dim)).
		WithCommon("metric_type", string(meta.L2)).
		WithIndex("M", int64(8)).
		WithIndex("efConstruction", int64(64)).
		WithSearch("efSearch", int64(32))
}

func TestHNSWBuilderCloseWithoutFlush(t *testing.T) {
	m := newTestHNSWMeta(4)
	c := cache.New(1<<20, 1)

	b, err := contract.NewBuilder(m, c)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	vecs := []float32{
		0, 0, 0, 0,
		1, 0, 0, 0,
		0, 1, 0, 0,
		10, 10, 10, 10,
	}
	if err := b.Add(context.Background(), contract.ColumnBatch{Vectors: vecs, Dim: 4, Count: 4}, contract.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Close is valid without an intervening Flush: flush is optional,
	// memory-only builders simply discard their buffered graph.
	if err := b.Close(); err != nil {
		t.Fatalf("Close without flush: %v", err)
	}
	if err := b.Open(""); err == nil {
		t.Fatalf("expected re-Open after Close to fail")
	}
}

func TestHNSWBuilderFlushAndSearch(t *testing.T) {
	m := newTestHNSWMeta(4)
	c := cache.New(1<<20, 1)

	b, err := contract.NewBuilder(m, c)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	path := filepath.Join(t.TempDir(), "index.bin")
	if err := b.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}

	vecs := []float32{
		0, 0, 0, 0,
		1, 0, 0, 0,
		0, 1, 0, 0,
		10, 10, 10, 10,
	}
	if err := b.Add(context.Background(), contract.ColumnBatch{Vectors: vecs, Dim: 4, Count: 4}, contract.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := b.Flush(context.Background(), contract.FlushOptions{}); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected flush to write %s: %v", path, err)
	}

	s, err := contract.NewSearcher(m, c)
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	if err := s.ReadIndex(context.Background(), path); err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}

	results, err := s.Search(context.Background(), []float32{0, 0, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 0 {
		t.Fatalf("Search results = %+v, want id 0 as nearest", results)
	}
}

func TestHNSWRangeSearchL2UnitsMatchSquaredRadius(t *testing.T) {
	m := newTestHNSWMeta(4)
	c := cache.New(1<<20, 1)

	b, err := contract.NewBuilder(m, c)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// squared L2 from (0,0,0,0): id1/id2 = 1, id3 = 400.
	vecs := []float32{
		0, 0, 0, 0,
		1, 0, 0, 0,
		0, 1, 0, 0,
		10, 10, 10, 10,
	}
	if err := b.Add(context.Background(), contract.ColumnBatch{Vectors: vecs, Dim: 4, Count: 4}, contract.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h, err := b.Flush(context.Background(), contract.FlushOptions{})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	s, err := contract.NewSearcher(m, cache.New(1<<20, 1))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	path := filepath.Join(t.TempDir(), "index.bin")
	w, err := contract.NewWriter(m, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(context.Background(), h, path, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.ReadIndex(context.Background(), path); err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}

	// radius is squared-L2 (1.0): must include id0 (dist 0), id1 and
	// id2 (dist exactly 1, boundary-inclusive), but exclude id3 (dist
	// 400). At radius exactly 1 squared and square-rooted units
	// coincide, so this case alone cannot tell them apart; the cosine
	// test below uses a boundary where they differ.
	results, err := s.RangeSearch(context.Background(), []float32{0, 0, 0, 0}, 1.0, 0, nil)
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	got := map[int64]bool{}
	for _, r := range results {
		got[r.ID] = true
	}
	if !got[0] || !got[1] || !got[2] || got[3] {
		t.Fatalf("RangeSearch(radius=1.0) = %+v, want ids {0,1,2} and not 3", results)
	}
}

func TestHNSWRangeSearchCosineBoundaryIncludesThreshold(t *testing.T) {
	m := meta.New(meta.FamilyVector, meta.FaissHNSW).
		WithCommon("dim", int64(2)).
		WithCommon("metric_type", string(meta.CosineSimilarity)).
		WithIndex("M", int64(8)).
		WithIndex("efConstruction", int64(64)).
		WithSearch("efSearch", int64(32))
	c := cache.New(1<<20, 1)

	b, err := contract.NewBuilder(m, c)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.Open(""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// id0 at angle 0, id1 at cos(theta) = 0.9 exactly (the query
	// threshold boundary), id2 diametrically opposed (cos = -1).
	vecs := []float32{
		1, 0,
		0.9, 0.4358899,
		-1, 0,
	}
	if err := b.Add(context.Background(), contract.ColumnBatch{Vectors: vecs, Dim: 2, Count: 3}, contract.AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	h, err := b.Flush(context.Background(), contract.FlushOptions{})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	s, err := contract.NewSearcher(m, cache.New(1<<20, 1))
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	path := filepath.Join(t.TempDir(), "index.bin")
	w, err := contract.NewWriter(m, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(context.Background(), h, path, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.ReadIndex(context.Background(), path); err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}

	// radius=0.9 is the cosine-similarity threshold tau: id1 sits
	// exactly at tau and must be included (previously excluded by the
	// unit mismatch: sqrt(0.2) ~= 0.447 was compared against the
	// squared-L2 radius 0.2 and rejected).
	results, err := s.RangeSearch(context.Background(), []float32{1, 0}, 0.9, 0, nil)
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	got := map[int64]bool{}
	for _, r := range results {
		got[r.ID] = true
	}
	if !got[0] || !got[1] || got[2] {
		t.Fatalf("RangeSearch(cosine tau=0.9) = %+v, want ids {0,1} and not 2", results)
	}
}
