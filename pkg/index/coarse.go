// Package index holds the per-family engines dispatched by
// pkg/contract's factory: the HNSW adapter (C6), the IVF-PQ engine
// (C7), and the IVF-Flat family, plus the flat L2 coarse quantizer
// shared by both IVF families.
package index

import (
	"container/heap"
	"math"
)

// CoarseQuantizer is a brute-force L2 nearest-centroid index over
// int64-keyed rows, used as the coarse quantizer of both the IVF-PQ
// and the IVF-Flat family (IVF-Flat scans its own per-list vectors
// for the exact per-list search). Adapted
// from the teacher's string-keyed FlatIndex: rows are indexed by
// int64 id instead of string, since every id in this module is a row
// id, never an opaque string key.
type CoarseQuantizer struct {
	dim     int
	ids     []int64
	vectors [][]float32
}

// NewCoarseQuantizer creates an empty quantizer over dim-dimensional
// vectors.
func NewCoarseQuantizer(dim int) *CoarseQuantizer {
	return &CoarseQuantizer{dim: dim}
}

// Add appends one row, copying its backing vector.
func (q *CoarseQuantizer) Add(id int64, vector []float32) {
	v := make([]float32, len(vector))
	copy(v, vector)
	q.ids = append(q.ids, id)
	q.vectors = append(q.vectors, v)
}

// Reset drops all rows.
func (q *CoarseQuantizer) Reset() {
	q.ids = nil
	q.vectors = nil
}

// Len returns the number of rows.
func (q *CoarseQuantizer) Len() int { return len(q.ids) }

// Nearest returns the id of the row closest to query by squared L2.
func (q *CoarseQuantizer) Nearest(query []float32) (int64, float32, bool) {
	if len(q.ids) == 0 {
		return 0, 0, false
	}
	best := squaredL2(query, q.vectors[0])
	bestID := q.ids[0]
	for i := 1; i < len(q.ids); i++ {
		d := squaredL2(query, q.vectors[i])
		if d < best {
			best = d
			bestID = q.ids[i]
		}
	}
	return bestID, best, true
}

// Vector returns the stored vector for id, by linear scan.
func (q *CoarseQuantizer) Vector(id int64) ([]float32, bool) {
	for i, x := range q.ids {
		if x == id {
			return q.vectors[i], true
		}
	}
	return nil, false
}

// TopK returns the k nearest rows' ids and squared-L2 distances, in
// ascending distance order, via a bounded max-heap (teacher's
// flatMaxHeap idiom generalized to int64 ids).
func (q *CoarseQuantizer) TopK(query []float32, k int) ([]int64, []float32) {
	if k <= 0 || len(q.ids) == 0 {
		return nil, nil
	}
	h := &coarseMaxHeap{}
	heap.Init(h)
	for i, id := range q.ids {
		d := squaredL2(query, q.vectors[i])
		if h.Len() < k {
			heap.Push(h, coarseHeapItem{id: id, distance: d})
		} else if d < (*h)[0].distance {
			heap.Pop(h)
			heap.Push(h, coarseHeapItem{id: id, distance: d})
		}
	}
	out := make([]coarseHeapItem, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(coarseHeapItem)
	}
	ids := make([]int64, len(out))
	dists := make([]float32, len(out))
	for i, it := range out {
		ids[i] = it.id
		dists[i] = it.distance
	}
	return ids, dists
}

// KMeans runs Lloyd's algorithm over vectors, returning nlist
// centroids. Grounded on the teacher's kMeansIVF/kMeans (ivf.go,
// product_quantization.go): random seed assignment, iterate
// assign/update to a fixed iteration count, re-seed any centroid that
// collapses to zero assigned points.
func KMeans(vectors [][]float32, nlist int, iterations int, rng func() float64) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, nlist)
	for i := 0; i < nlist; i++ {
		src := vectors[int(rng()*float64(len(vectors)))%len(vectors)]
		c := make([]float32, dim)
		copy(c, src)
		centroids[i] = c
	}

	assign := make([]int, len(vectors))
	for iter := 0; iter < iterations; iter++ {
		for i, v := range vectors {
			best := 0
			bestDist := squaredL2(v, centroids[0])
			for c := 1; c < nlist; c++ {
				d := squaredL2(v, centroids[c])
				if d < bestDist {
					bestDist = d
					best = c
				}
			}
			assign[i] = best
		}

		sums := make([][]float32, nlist)
		counts := make([]int, nlist)
		for c := range sums {
			sums[c] = make([]float32, dim)
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += v[d]
			}
		}
		for c := 0; c < nlist; c++ {
			if counts[c] == 0 {
				src := vectors[int(rng()*float64(len(vectors)))%len(vectors)]
				copy(centroids[c], src)
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = sums[c][d] / float32(counts[c])
			}
		}
	}
	return centroids
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}

func l2Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(squaredL2(v, make([]float32, len(v))))))
}

type coarseHeapItem struct {
	id       int64
	distance float32
}

type coarseMaxHeap []coarseHeapItem

func (h coarseMaxHeap) Len() int           { return len(h) }
func (h coarseMaxHeap) Less(i, j int) bool { return h[i].distance > h[j].distance }
func (h coarseMaxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *coarseMaxHeap) Push(x any) {
	*h = append(*h, x.(coarseHeapItem))
}

func (h *coarseMaxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}
