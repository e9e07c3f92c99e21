package index

import "testing"

func TestCoarseQuantizerNearestAndTopK(t *testing.T) {
	q := NewCoarseQuantizer(2)
	q.Add(1, []float32{0, 0})
	q.Add(2, []float32{10, 0})
	q.Add(3, []float32{0, 10})

	id, _, ok := q.Nearest([]float32{1, 1})
	if !ok || id != 1 {
		t.Fatalf("Nearest = (%d, %v), want id 1", id, ok)
	}

	ids, dists := q.TopK([]float32{0, 0}, 2)
	if len(ids) != 2 || ids[0] != 1 {
		t.Fatalf("TopK ids = %v, want [1, ...]", ids)
	}
	if dists[0] != 0 {
		t.Fatalf("TopK dists[0] = %v, want 0", dists[0])
	}
}

func TestCoarseQuantizerVectorLookup(t *testing.T) {
	q := NewCoarseQuantizer(2)
	q.Add(5, []float32{3, 4})
	v, ok := q.Vector(5)
	if !ok || v[0] != 3 || v[1] != 4 {
		t.Fatalf("Vector(5) = %v, %v", v, ok)
	}
	if _, ok := q.Vector(6); ok {
		t.Fatalf("expected miss for unknown id")
	}
}

func TestKMeansConverges(t *testing.T) {
	vectors := [][]float32{
		{0, 0}, {0, 1}, {1, 0},
		{10, 10}, {10, 11}, {11, 10},
	}
	seed := 0.0
	rng := func() float64 {
		seed += 0.37
		if seed >= 1 {
			seed -= 1
		}
		return seed
	}
	centroids := KMeans(vectors, 2, 10, rng)
	if len(centroids) != 2 {
		t.Fatalf("expected 2 centroids, got %d", len(centroids))
	}
	// One centroid should land near the origin cluster, the other near (10,10).
	d0 := squaredL2(centroids[0], []float32{0, 0})
	d1 := squaredL2(centroids[1], []float32{0, 0})
	near, far := centroids[0], centroids[1]
	if d1 < d0 {
		near, far = centroids[1], centroids[0]
	}
	if squaredL2(near, []float32{0, 0}) > 9 {
		t.Fatalf("expected a centroid near origin cluster, got %v", near)
	}
	if squaredL2(far, []float32{10, 10}) > 9 {
		t.Fatalf("expected a centroid near (10,10) cluster, got %v", far)
	}
}
