package index

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
)

// IVFFlat is the inverted-file family without product quantization:
// each list stores its members' raw float32 vectors, so search within
// a probed list is exact L2 rather than ADC. Grounded on the
// teacher's IVFIndex (ivf.go) — same coarse-quantizer/inverted-list
// shape, generalized from string ids to int64 row ids and from a
// single flat Vectors/IDs slice pair to per-list storage so deletion
// and reconstruction don't require rewriting shared index arrays.
type IVFFlat struct {
	Dim   int
	Nlist int
	Coarse *CoarseQuantizer
	Lists []ivfFlatList
}

type ivfFlatList struct {
	ids     []int64
	vectors [][]float32
}

// NewIVFFlat creates an untrained IVF-Flat engine.
func NewIVFFlat(dim, nlist int) *IVFFlat {
	return &IVFFlat{
		Dim:    dim,
		Nlist:  nlist,
		Coarse: NewCoarseQuantizer(dim),
		Lists:  make([]ivfFlatList, nlist),
	}
}

// Train learns the coarse centroids via k-means.
func (idx *IVFFlat) Train(vectors [][]float32, rng func() float64) error {
	if len(vectors) < idx.Nlist {
		return fmt.Errorf("ivfflat: need at least %d training vectors, got %d", idx.Nlist, len(vectors))
	}
	centroids := KMeans(vectors, idx.Nlist, 20, rng)
	idx.Coarse.Reset()
	for i, c := range centroids {
		idx.Coarse.Add(int64(i), c)
	}
	return nil
}

// Add assigns vector to its nearest centroid's list, storing it raw.
func (idx *IVFFlat) Add(id int64, vector []float32) error {
	if idx.Coarse.Len() == 0 {
		return fmt.Errorf("ivfflat: not trained")
	}
	cid, _, _ := idx.Coarse.Nearest(vector)
	v := make([]float32, len(vector))
	copy(v, vector)
	list := &idx.Lists[cid]
	list.ids = append(list.ids, id)
	list.vectors = append(list.vectors, v)
	return nil
}

// Ntotal returns the total number of stored vectors.
func (idx *IVFFlat) Ntotal() int {
	n := 0
	for _, l := range idx.Lists {
		n += len(l.ids)
	}
	return n
}

func (idx *IVFFlat) effectiveNprobe(nprobe int) int {
	if nprobe <= 0 || nprobe > idx.Nlist {
		return idx.Nlist
	}
	return nprobe
}

// SearchTopK scans the nprobe nearest lists exactly, returning the k
// nearest by squared L2.
func (idx *IVFFlat) SearchTopK(query []float32, k, nprobe int, accept func(id int64) bool) []ivfResult {
	nprobe = idx.effectiveNprobe(nprobe)
	centroidIDs, _ := idx.Coarse.TopK(query, nprobe)

	h := &coarseMaxHeap{}
	heap.Init(h)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, cid := range centroidIDs {
		wg.Add(1)
		go func(cid int64) {
			defer wg.Done()
			list := idx.Lists[cid]
			mu.Lock()
			defer mu.Unlock()
			for j, v := range list.vectors {
				id := list.ids[j]
				if accept != nil && !accept(id) {
					continue
				}
				d := squaredL2(query, v)
				if h.Len() < k {
					heap.Push(h, coarseHeapItem{id: id, distance: d})
				} else if k > 0 && d < (*h)[0].distance {
					heap.Pop(h)
					heap.Push(h, coarseHeapItem{id: id, distance: d})
				}
			}
		}(cid)
	}
	wg.Wait()

	out := make([]coarseHeapItem, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(coarseHeapItem)
	}
	results := make([]ivfResult, len(out))
	for i, it := range out {
		results[i] = ivfResult{ID: it.id, Distance: it.distance}
	}
	return results
}

// RangeSearch scans the nprobe nearest lists exactly, returning every
// entry within radius (squared L2 units). No reconstruction-error
// bound applies since IVF-Flat stores exact vectors.
func (idx *IVFFlat) RangeSearch(query []float32, radius float32, nprobe int, accept func(id int64) bool) []ivfResult {
	nprobe = idx.effectiveNprobe(nprobe)
	centroidIDs, _ := idx.Coarse.TopK(query, nprobe)

	partials := make([][]ivfResult, len(centroidIDs))
	var wg sync.WaitGroup
	for w, cid := range centroidIDs {
		wg.Add(1)
		go func(w int, cid int64) {
			defer wg.Done()
			list := idx.Lists[cid]
			var local []ivfResult
			for j, v := range list.vectors {
				id := list.ids[j]
				if accept != nil && !accept(id) {
					continue
				}
				d := squaredL2(query, v)
				if d <= radius {
					local = append(local, ivfResult{ID: id, Distance: d})
				}
			}
			partials[w] = local
		}(w, cid)
	}
	wg.Wait()

	var merged []ivfResult
	for _, p := range partials {
		merged = append(merged, p...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Distance < merged[j].Distance })
	return merged
}
