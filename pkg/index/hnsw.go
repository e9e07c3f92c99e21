package index

import (
	"container/heap"
	"math"
	"math/rand"
)

// hnswNode is one graph node. Vector is always stored post-pre-transform
// (i.e. L2-normalized already, when a pre-transform is installed), so
// every distance computed against it uses the raw L2 distance function.
type hnswNode struct {
	ID        int64
	Vector    []float32
	Level     int
	Neighbors [][]int64
	Deleted   bool
}

// HNSW implements Hierarchical Navigable Small World search (spec C6),
// adapted from the teacher's string-keyed HNSW: ids are int64 row ids
// throughout, and an optional pre-transform (L2-normalize) is applied
// at Insert and Search time when the index metric is cosine and the
// caller's vectors are not already unit-normed (spec §4.3).
type HNSW struct {
	M              int
	MaxM           int
	EfConstruction int
	Normalize      bool // pre-transform: L2-normalize on insert/search

	Nodes      map[int64]*hnswNode
	EntryPoint int64
	hasEntry   bool

	rng *rand.Rand
}

// NewHNSW creates an HNSW graph with the given build parameters.
// normalize installs the cosine pre-transform.
func NewHNSW(m, efConstruction int, normalize bool, seed int64) *HNSW {
	return &HNSW{
		M:              m,
		MaxM:           m * 2,
		EfConstruction: efConstruction,
		Normalize:      normalize,
		Nodes:          make(map[int64]*hnswNode),
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func (h *HNSW) preTransform(v []float32) []float32 {
	if !h.Normalize {
		return v
	}
	return Normalize(v)
}

// Normalize returns an L2-normalized copy of v (zero vectors pass
// through unchanged), matching the cosine pre-transform described in
// spec §4.3 and §4.6.
func Normalize(v []float32) []float32 {
	n := l2Norm(v)
	if n == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func (h *HNSW) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 {
		level++
		if level > 16 {
			break
		}
	}
	return level
}

// Insert adds id/vector to the graph.
func (h *HNSW) Insert(id int64, vector []float32) {
	v := h.preTransform(vector)
	stored := make([]float32, len(v))
	copy(stored, v)

	level := h.selectLevel()
	node := &hnswNode{ID: id, Vector: stored, Level: level, Neighbors: make([][]int64, level+1)}
	h.Nodes[id] = node

	if !h.hasEntry {
		h.EntryPoint = id
		h.hasEntry = true
		return
	}

	entryNode := h.Nodes[h.EntryPoint]
	currNearest := []int64{h.EntryPoint}
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = h.searchLayerClosest(stored, currNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		m := h.M
		if lc == 0 {
			m = h.MaxM
		}
		candidates := h.searchLayer(stored, currNearest, h.EfConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(stored, candidates, m)
		node.Neighbors[lc] = neighbors

		for _, nb := range neighbors {
			h.addConnection(nb, id, lc)
			neighborNode := h.Nodes[nb]
			maxConn := h.M
			if lc == 0 {
				maxConn = h.MaxM
			}
			if lc < len(neighborNode.Neighbors) && len(neighborNode.Neighbors[lc]) > maxConn {
				neighborNode.Neighbors[lc] = h.selectNeighborsHeuristic(neighborNode.Vector, neighborNode.Neighbors[lc], maxConn)
			}
		}
		currNearest = neighbors
	}

	if level > h.Nodes[h.EntryPoint].Level {
		h.EntryPoint = id
	}
}

func (h *HNSW) addConnection(from, to int64, layer int) {
	fromNode, exists := h.Nodes[from]
	if !exists || layer >= len(fromNode.Neighbors) {
		return
	}
	for _, nb := range fromNode.Neighbors[layer] {
		if nb == to {
			return
		}
	}
	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}

func (h *HNSW) searchLayer(query []float32, entryPoints []int64, ef int, layer int) []int64 {
	visited := make(map[int64]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{}

	for _, point := range entryPoints {
		dist := EuclideanDistance(query, h.Nodes[point].Vector)
		heap.Push(candidates, &heapItem{id: point, dist: dist})
		heap.Push(dynamicList, &heapItem{id: point, dist: -dist})
		visited[point] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*dynamicList)[0].dist {
				break
			}
		}
		current := heap.Pop(candidates).(*heapItem)
		currentNode := h.Nodes[current.id]
		if layer >= len(currentNode.Neighbors) {
			continue
		}
		for _, nb := range currentNode.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			dist := EuclideanDistance(query, h.Nodes[nb].Vector)
			if dynamicList.Len() < ef || dist < -(*dynamicList)[0].dist {
				heap.Push(candidates, &heapItem{id: nb, dist: dist})
				heap.Push(dynamicList, &heapItem{id: nb, dist: -dist})
				if dynamicList.Len() > ef {
					heap.Pop(dynamicList)
				}
			}
		}
	}

	result := make([]int64, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		result = append(result, heap.Pop(dynamicList).(*heapItem).id)
	}
	for i := 0; i < len(result)/2; i++ {
		result[i], result[len(result)-1-i] = result[len(result)-1-i], result[i]
	}
	return result
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []int64, num, layer int) []int64 {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []int64, m int) []int64 {
	if len(candidates) <= m {
		return candidates
	}
	type distPair struct {
		id   int64
		dist float32
	}
	pairs := make([]distPair, len(candidates))
	for i, c := range candidates {
		pairs[i] = distPair{id: c, dist: EuclideanDistance(query, h.Nodes[c].Vector)}
	}
	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	result := make([]int64, 0, m)
	for i := 0; i < m && i < len(pairs); i++ {
		result = append(result, pairs[i].id)
	}
	return result
}

// hnswResult is one ranked hit.
type hnswResult struct {
	ID       int64
	Distance float32
}

// Search performs top-k search: standard HNSW descent from the entry
// point, ef >= k (spec §4.3 "Top-k").
func (h *HNSW) Search(query []float32, k, ef int) []hnswResult {
	if !h.hasEntry {
		return nil
	}
	if ef < k {
		ef = k
	}
	q := h.preTransform(query)

	entryNode := h.Nodes[h.EntryPoint]
	currNearest := []int64{h.EntryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(q, currNearest, 1, layer)
	}
	candidates := h.searchLayer(q, currNearest, ef, 0)

	results := make([]hnswResult, 0, len(candidates))
	for _, c := range candidates {
		node := h.Nodes[c]
		if node.Deleted {
			continue
		}
		results = append(results, hnswResult{ID: c, Distance: EuclideanDistance(q, node.Vector)})
	}
	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Distance < results[i].Distance {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// RangeSearchWithLimit performs a top-max(ef,limit) search, keeping
// the ascending-distance prefix within radius and truncating to limit
// (spec §4.3 "Range search with limit > 0"). radius and the returned
// Distance are actual (square-rooted) L2 units, matching
// EuclideanDistance throughout this file — callers at the engine
// boundary that hold a squared-L2 radius (as IVF-PQ/IVF-Flat do) must
// take its square root before calling in. accept, if non-nil, composes
// an id-filter predicate into the scan.
func (h *HNSW) RangeSearchWithLimit(query []float32, radius float32, limit, ef int, accept func(id int64) bool) []hnswResult {
	n := ef
	if limit > n {
		n = limit
	}
	results := h.Search(query, n, ef)
	out := make([]hnswResult, 0, len(results))
	for _, r := range results {
		if r.Distance > radius {
			break
		}
		if accept != nil && !accept(r.ID) {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RangeSearchUnbounded performs a bounded-candidate best-first
// traversal at level 0 (spec §4.3 "Range search with limit <= 0"):
// the candidate heap is seeded from the greedy upper-level descent,
// and the traversal stops after ef expansions or an empty heap. radius
// and the returned Distance are actual (square-rooted) L2 units, same
// as RangeSearchWithLimit. accept is the combined
// distance-predicate-and-id-filter test.
func (h *HNSW) RangeSearchUnbounded(query []float32, radius float32, ef int, accept func(id int64) bool) []hnswResult {
	if !h.hasEntry {
		return nil
	}
	q := h.preTransform(query)

	entryNode := h.Nodes[h.EntryPoint]
	currNearest := []int64{h.EntryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(q, currNearest, 1, layer)
	}

	visited := make(map[int64]bool)
	candidates := &distHeap{}
	for _, p := range currNearest {
		d := EuclideanDistance(q, h.Nodes[p].Vector)
		heap.Push(candidates, &heapItem{id: p, dist: d})
		visited[p] = true
	}

	var out []hnswResult
	expansions := 0
	for candidates.Len() > 0 && expansions < ef {
		cur := heap.Pop(candidates).(*heapItem)
		expansions++
		node := h.Nodes[cur.id]
		if !node.Deleted && cur.dist <= radius && accept(cur.id) {
			out = append(out, hnswResult{ID: cur.id, Distance: cur.dist})
		}
		if len(node.Neighbors) == 0 {
			continue
		}
		for _, nb := range node.Neighbors[0] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := EuclideanDistance(q, h.Nodes[nb].Vector)
			heap.Push(candidates, &heapItem{id: nb, dist: d})
		}
	}
	return out
}

// Delete soft-deletes id, reassigning the entry point if necessary.
func (h *HNSW) Delete(id int64) bool {
	node, exists := h.Nodes[id]
	if !exists {
		return false
	}
	node.Deleted = true
	if h.EntryPoint == id {
		h.hasEntry = false
		for nid, n := range h.Nodes {
			if !n.Deleted {
				h.EntryPoint = nid
				h.hasEntry = true
				break
			}
		}
	}
	return true
}

// Size returns the number of live (non-deleted) nodes.
func (h *HNSW) Size() int {
	n := 0
	for _, node := range h.Nodes {
		if !node.Deleted {
			n++
		}
	}
	return n
}

type heapItem struct {
	id   int64
	dist float32
}

type distHeap []*heapItem

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// EuclideanDistance is the L2 distance used throughout the HNSW graph
// (vectors are pre-transformed to unit norm before insertion when the
// metric is cosine, so L2 distance on the stored vectors already
// reflects the requested metric).
func EuclideanDistance(a, b []float32) float32 {
	return float32(math.Sqrt(float64(squaredL2(a, b))))
}
