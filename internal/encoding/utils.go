// Package encoding holds small input-validation helpers shared by the
// per-family Builder.Add implementations.
package encoding

import (
	"errors"
	"math"
)

// ErrInvalidVector is returned when a vector contains a NaN or
// infinite component.
var ErrInvalidVector = errors.New("encoding: vector contains NaN or Inf")

// ValidateVector rejects NaN/Inf components before a row reaches any
// distance computation, where they would silently poison k-means
// centroids or corrupt a graph's distance ordering.
func ValidateVector(vector []float32) error {
	for _, val := range vector {
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}
