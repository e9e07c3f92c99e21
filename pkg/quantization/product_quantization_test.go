package quantization

import (
	"math"
	"math/rand"
	"testing"
)

func deterministicRNG(seed int64) func() float64 {
	r := rand.New(rand.NewSource(seed))
	return r.Float64
}

func TestProductQuantizer(t *testing.T) {
	dim := 128
	numSubspaces := 8
	nbits := 4 // K = 16

	pq, err := NewProductQuantizer(dim, numSubspaces, nbits)
	if err != nil {
		t.Fatalf("Failed to create PQ: %v", err)
	}

	if pq.D != dim {
		t.Errorf("Expected dimension %d, got %d", dim, pq.D)
	}
	if pq.M != numSubspaces {
		t.Errorf("Expected %d subspaces, got %d", numSubspaces, pq.M)
	}
	if pq.K != 16 {
		t.Errorf("Expected 16 centroids, got %d", pq.K)
	}
	if pq.SubDim != dim/numSubspaces {
		t.Errorf("Expected subdim %d, got %d", dim/numSubspaces, pq.SubDim)
	}
}

func TestProductQuantizerInvalidParams(t *testing.T) {
	if _, err := NewProductQuantizer(127, 8, 4); err == nil {
		t.Error("Expected error for indivisible dimension")
	}
	if _, err := NewProductQuantizer(128, 8, 9); err == nil {
		t.Error("Expected error for nbits > 8")
	}
	if _, err := NewProductQuantizer(128, 8, 0); err == nil {
		t.Error("Expected error for nbits < 1")
	}
}

func TestProductQuantizerTrainEncodeDecode(t *testing.T) {
	dim := 64
	numVectors := 100

	pq, _ := NewProductQuantizer(dim, 4, 3) // K=8

	vectors := generateTestVectorsPQ(numVectors, dim)
	if err := pq.Train(vectors, deterministicRNG(1)); err != nil {
		t.Fatalf("Failed to train: %v", err)
	}
	if !pq.Trained {
		t.Error("PQ should be trained")
	}

	testVec := vectors[0]
	encoded, err := pq.Encode(testVec)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if len(encoded) != pq.M {
		t.Errorf("Expected %d bytes, got %d", pq.M, len(encoded))
	}

	decoded, err := pq.Decode(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(decoded) != dim {
		t.Errorf("Expected decoded dimension %d, got %d", dim, len(decoded))
	}

	mse := calculateMSE(testVec, decoded)
	t.Logf("Reconstruction MSE: %.6f", mse)
	if mse > 0.5 {
		t.Error("Reconstruction error too high")
	}
}

func TestProductQuantizerReconstructionError(t *testing.T) {
	dim := 32
	pq, _ := NewProductQuantizer(dim, 4, 3)
	vectors := generateTestVectorsPQ(50, dim)
	if err := pq.Train(vectors, deterministicRNG(2)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	codes, err := pq.Encode(vectors[0])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	eps, err := pq.ReconstructionError(vectors[0], codes)
	if err != nil {
		t.Fatalf("ReconstructionError: %v", err)
	}
	if eps < 0 {
		t.Errorf("reconstruction error must be non-negative, got %v", eps)
	}
}

func TestProductQuantizerSearch(t *testing.T) {
	dim := 32
	numVectors := 50

	pq, _ := NewProductQuantizer(dim, 4, 3)
	vectors := generateTestVectorsPQ(numVectors, dim)
	if err := pq.Train(vectors, deterministicRNG(3)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	codes := make([][]byte, numVectors)
	for i, vec := range vectors {
		encoded, _ := pq.Encode(vec)
		codes[i] = encoded
	}

	query := vectors[0]
	indices, distances := pq.SearchPQ(query, codes, 5)

	if len(indices) != 5 {
		t.Errorf("Expected 5 results, got %d", len(indices))
	}
	if indices[0] != 0 {
		t.Errorf("Expected first result to be index 0, got %d", indices[0])
	}
	for i := 1; i < len(distances); i++ {
		if distances[i] < distances[i-1] {
			t.Error("Distances not in ascending order")
		}
	}
}

func TestProductQuantizerCompressionRatio(t *testing.T) {
	pq, _ := NewProductQuantizer(512, 8, 8)
	ratio := pq.CompressionRatio()
	expectedRatio := float32(512*4) / float32(8)
	if math.Abs(float64(ratio-expectedRatio)) > 0.01 {
		t.Errorf("Expected compression ratio %.2f, got %.2f", expectedRatio, ratio)
	}
}

func TestProductQuantizerSerialization(t *testing.T) {
	dim := 16
	pq, _ := NewProductQuantizer(dim, 2, 2) // K=4

	vectors := generateTestVectorsPQ(20, dim)
	if err := pq.Train(vectors, deterministicRNG(4)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	data := pq.SerializeCodebooks()
	if data == nil {
		t.Fatal("Serialization returned nil")
	}

	pq2, _ := NewProductQuantizer(dim, 2, 2)
	if err := pq2.DeserializeCodebooks(data); err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	if !pq2.Trained {
		t.Error("Deserialized PQ should be trained")
	}

	testVec := vectors[0]
	encoded1, _ := pq.Encode(testVec)
	encoded2, _ := pq2.Encode(testVec)
	for i := range encoded1 {
		if encoded1[i] != encoded2[i] {
			t.Error("Encoded results differ after serialization")
		}
	}
}

func TestProductQuantizerNotTrained(t *testing.T) {
	pq, _ := NewProductQuantizer(32, 4, 3)
	vec := make([]float32, 32)

	if _, err := pq.Encode(vec); err == nil {
		t.Error("Expected error when encoding with untrained quantizer")
	}
	if _, err := pq.Decode([]byte{0, 0, 0, 0}); err == nil {
		t.Error("Expected error when decoding with untrained quantizer")
	}
}

func generateTestVectorsPQ(n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(42))
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = rng.Float32()*2 - 1
		}
		vectors[i] = vec
	}
	return vectors
}

func calculateMSE(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum / float32(len(a))
}

func BenchmarkPQEncode(b *testing.B) {
	pq, _ := NewProductQuantizer(512, 8, 8)
	vectors := generateTestVectorsPQ(1000, 512)
	if err := pq.Train(vectors, rand.New(rand.NewSource(5)).Float64); err != nil {
		b.Fatalf("Train failed: %v", err)
	}

	vec := vectors[0]
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pq.Encode(vec); err != nil {
			b.Fatalf("Encode failed: %v", err)
		}
	}
}

func BenchmarkPQSearch(b *testing.B) {
	pq, _ := NewProductQuantizer(128, 8, 8)
	vectors := generateTestVectorsPQ(10000, 128)
	if err := pq.Train(vectors, rand.New(rand.NewSource(6)).Float64); err != nil {
		b.Fatalf("Train failed: %v", err)
	}

	codes := make([][]byte, len(vectors))
	for i, vec := range vectors {
		codes[i], _ = pq.Encode(vec)
	}

	query := vectors[0]
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pq.SearchPQ(query, codes, 10)
	}
}
