// Package quantization implements Product Quantization: residual
// subvectors are clustered independently per subspace into 2^nbits
// centroids, and a vector is encoded as one centroid index per
// subspace (spec §4.4, C7 "Product quantization").
package quantization

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ProductQuantizer implements Product Quantization for vector
// compression. Nbits generalizes the teacher's fixed "K <= 256 for
// byte encoding" constraint into a configurable centroid count per
// the meta's index.nbits parameter (spec §3); nbits is still capped
// at 8 so the one-byte-per-subspace code layout holds.
type ProductQuantizer struct {
	M         int // number of subspaces
	Nbits     int // bits per subspace code; K = 2^Nbits
	K         int // centroids per subspace
	D         int // original dimension
	SubDim    int // dimension per subspace (D/M)
	Codebooks [][][]float32
	Trained   bool
	TrainSize int
}

// NewProductQuantizer creates an untrained PQ instance. nbits must be
// in [1, 8] so codes fit one byte per subspace.
func NewProductQuantizer(dimension, numSubspaces, nbits int) (*ProductQuantizer, error) {
	if dimension%numSubspaces != 0 {
		return nil, fmt.Errorf("quantization: dimension %d must be divisible by M %d", dimension, numSubspaces)
	}
	if nbits < 1 || nbits > 8 {
		return nil, fmt.Errorf("quantization: nbits must be in [1, 8], got %d", nbits)
	}
	return &ProductQuantizer{
		M:         numSubspaces,
		Nbits:     nbits,
		K:         1 << nbits,
		D:         dimension,
		SubDim:    dimension / numSubspaces,
		Codebooks: make([][][]float32, numSubspaces),
	}, nil
}

// Train learns the per-subspace codebooks from training vectors via
// independent k-means runs (one per subspace), grounded on the
// teacher's Train/kMeans (product_quantization.go).
func (pq *ProductQuantizer) Train(vectors [][]float32, rng func() float64) error {
	if len(vectors) < pq.K {
		return fmt.Errorf("quantization: need at least %d training vectors, got %d", pq.K, len(vectors))
	}
	pq.TrainSize = len(vectors)

	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		end := start + pq.SubDim
		subvectors := make([][]float32, len(vectors))
		for i, vec := range vectors {
			subvectors[i] = vec[start:end]
		}
		pq.Codebooks[m] = kMeans(subvectors, pq.K, 20, rng)
	}

	pq.Trained = true
	return nil
}

// Encode compresses a vector into one code byte per subspace.
func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if !pq.Trained {
		return nil, errors.New("quantization: not trained")
	}
	if len(vector) != pq.D {
		return nil, fmt.Errorf("quantization: vector dim %d != quantizer dim %d", len(vector), pq.D)
	}

	codes := make([]byte, pq.M)
	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		subvec := vector[start : start+pq.SubDim]
		minDist := float32(math.MaxFloat32)
		minIdx := 0
		for k := 0; k < pq.K; k++ {
			d := euclideanDistance(subvec, pq.Codebooks[m][k])
			if d < minDist {
				minDist = d
				minIdx = k
			}
		}
		codes[m] = byte(minIdx)
	}
	return codes, nil
}

// Decode reconstructs an approximate vector from codes.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.Trained {
		return nil, errors.New("quantization: not trained")
	}
	if len(codes) != pq.M {
		return nil, fmt.Errorf("quantization: codes length %d != M %d", len(codes), pq.M)
	}

	vector := make([]float32, pq.D)
	for m := 0; m < pq.M; m++ {
		idx := int(codes[m])
		if idx >= pq.K {
			return nil, fmt.Errorf("quantization: invalid code %d for subspace %d", idx, m)
		}
		start := m * pq.SubDim
		copy(vector[start:start+pq.SubDim], pq.Codebooks[m][idx])
	}
	return vector, nil
}

// ReconstructionError returns the L2 distance between vector and its
// PQ reconstruction — the per-entry epsilon stored by the IVF-PQ
// engine for confidence-scaled range search (spec §4.4).
func (pq *ProductQuantizer) ReconstructionError(vector []float32, codes []byte) (float32, error) {
	recon, err := pq.Decode(codes)
	if err != nil {
		return 0, err
	}
	return euclideanDistance(vector, recon), nil
}

// DistanceTable precomputes, for each subspace, the squared distance
// from query's subvector to every centroid — the ADC precomputation
// shared by ComputeDistance and SearchPQ. Squared (not Euclidean)
// per-subspace distances are summed by SumTable so the total equals
// the squared L2 distance between query and a code's reconstruction,
// the quantity the reconstruction-error bound is stated in terms of.
func (pq *ProductQuantizer) DistanceTable(query []float32) [][]float32 {
	table := make([][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		start := m * pq.SubDim
		subquery := query[start : start+pq.SubDim]
		table[m] = make([]float32, pq.K)
		for k := 0; k < pq.K; k++ {
			table[m][k] = squaredDistance(subquery, pq.Codebooks[m][k])
		}
	}
	return table
}

// ComputeDistance returns the squared asymmetric (ADC) distance
// between codes and query, using a freshly computed distance table.
func (pq *ProductQuantizer) ComputeDistance(codes []byte, query []float32) (float32, error) {
	if !pq.Trained {
		return 0, errors.New("quantization: not trained")
	}
	table := pq.DistanceTable(query)
	return SumTable(table, codes), nil
}

// SumTable sums a precomputed squared-distance table over codes — the
// inner loop of ADC distance computation, factored out so callers
// holding a table across many codes (IVF-PQ's per-list scan) don't
// recompute it. The result is a squared L2 distance.
func SumTable(table [][]float32, codes []byte) float32 {
	var total float32
	for m, c := range codes {
		total += table[m][c]
	}
	return total
}

// SearchPQ performs brute-force ADC search over codes using one
// precomputed distance table, returning the topK nearest in ascending
// distance order.
func (pq *ProductQuantizer) SearchPQ(query []float32, codes [][]byte, topK int) ([]int, []float32) {
	if !pq.Trained || len(codes) == 0 {
		return nil, nil
	}
	table := pq.DistanceTable(query)

	type result struct {
		idx  int
		dist float32
	}
	results := make([]result, len(codes))
	for i, code := range codes {
		results[i] = result{idx: i, dist: SumTable(table, code)}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })

	k := topK
	if k > len(results) {
		k = len(results)
	}
	indices := make([]int, k)
	distances := make([]float32, k)
	for i := 0; i < k; i++ {
		indices[i] = results[i].idx
		distances[i] = results[i].dist
	}
	return indices, distances
}

// CompressionRatio returns the ratio of raw float32 storage to PQ code
// storage.
func (pq *ProductQuantizer) CompressionRatio() float32 {
	return float32(pq.D*4) / float32(pq.M)
}

// SerializeCodebooks encodes the trained codebooks to bytes: a
// {M, Nbits, D, SubDim} header followed by the flattened centroid
// data, little-endian throughout (teacher's
// Serialize/DeserializeCodebooks idiom, generalized to carry Nbits
// instead of re-deriving K).
func (pq *ProductQuantizer) SerializeCodebooks() []byte {
	if !pq.Trained {
		return nil
	}
	size := 4*4 + pq.M*pq.K*pq.SubDim*4
	buf := make([]byte, size)
	offset := 0
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[offset:], v)
		offset += 4
	}
	putU32(uint32(pq.M))
	putU32(uint32(pq.Nbits))
	putU32(uint32(pq.D))
	putU32(uint32(pq.SubDim))
	for m := 0; m < pq.M; m++ {
		for k := 0; k < pq.K; k++ {
			for d := 0; d < pq.SubDim; d++ {
				putU32(math.Float32bits(pq.Codebooks[m][k][d]))
			}
		}
	}
	return buf
}

// DeserializeCodebooks loads codebooks previously written by
// SerializeCodebooks.
func (pq *ProductQuantizer) DeserializeCodebooks(data []byte) error {
	if len(data) < 16 {
		return errors.New("quantization: invalid codebook data")
	}
	offset := 0
	getU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		return v
	}
	pq.M = int(getU32())
	pq.Nbits = int(getU32())
	pq.K = 1 << pq.Nbits
	pq.D = int(getU32())
	pq.SubDim = int(getU32())

	pq.Codebooks = make([][][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		pq.Codebooks[m] = make([][]float32, pq.K)
		for k := 0; k < pq.K; k++ {
			pq.Codebooks[m][k] = make([]float32, pq.SubDim)
			for d := 0; d < pq.SubDim; d++ {
				pq.Codebooks[m][k][d] = math.Float32frombits(getU32())
			}
		}
	}
	pq.Trained = true
	return nil
}

// kMeans runs Lloyd's algorithm to convergence or maxIters, whichever
// comes first. rng supplies reproducible centroid seeding (tests pass
// a deterministic generator; production callers pass math/rand).
func kMeans(vectors [][]float32, k int, maxIters int, rng func() float64) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	used := make(map[int]bool)
	for i := 0; i < k; i++ {
		idx := int(rng() * float64(len(vectors)))
		for used[idx] {
			idx = (idx + 1) % len(vectors)
		}
		used[idx] = true
		centroids[i] = make([]float32, dim)
		copy(centroids[i], vectors[idx])
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, c := range centroids {
				d := euclideanDistance(vec, c)
				if d < minDist {
					minDist = d
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += vec[d]
			}
		}
		for i := range centroids {
			if counts[i] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[i][d] = sums[i][d] / float32(counts[i])
			}
		}
	}
	return centroids
}

func euclideanDistance(a, b []float32) float32 {
	return float32(math.Sqrt(float64(squaredDistance(a, b))))
}

func squaredDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}
