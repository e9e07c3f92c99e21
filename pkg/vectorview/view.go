// Package vectorview provides type-tagged sequence views over column
// inputs and the metric transforms used to reconcile cosine similarity
// with an L2 substrate.
package vectorview

import "fmt"

// ElemType tags the primitive element type carried by a view. Only
// Float32 is accepted for vector data; the others exist so the same
// view shapes can describe row ids and auxiliary columns.
type ElemType int

const (
	Float32 ElemType = iota
	Int64
	Uint8
)

func (t ElemType) String() string {
	switch t {
	case Float32:
		return "f32"
	case Int64:
		return "i64"
	case Uint8:
		return "u8"
	default:
		return "unknown"
	}
}

// FixedArrayView describes `Size` rows of `Dim` elements each, packed
// contiguously in Data.
type FixedArrayView struct {
	Data []float32
	Dim  int
	Size int
	Elem ElemType
}

// Row returns row i as a sub-slice of Data (no copy).
func (v FixedArrayView) Row(i int) ([]float32, error) {
	if i < 0 || i >= v.Size {
		return nil, fmt.Errorf("vectorview: row index %d out of range [0,%d)", i, v.Size)
	}
	start := i * v.Dim
	return v.Data[start : start+v.Dim], nil
}

// Validate checks internal consistency of a fixed-array view.
func (v FixedArrayView) Validate() error {
	if v.Elem != Float32 {
		return fmt.Errorf("vectorview: only f32 elements are accepted for vector data, got %s", v.Elem)
	}
	if v.Dim <= 0 {
		return fmt.Errorf("vectorview: dim must be > 0, got %d", v.Dim)
	}
	if len(v.Data) != v.Dim*v.Size {
		return fmt.Errorf("vectorview: data length %d does not match size*dim=%d", len(v.Data), v.Dim*v.Size)
	}
	return nil
}

// VariableArrayView describes Size rows, row i occupying
// Data[Offsets[i]:Offsets[i+1]]. Builders accepting this view for
// vector data must assert Offsets[i+1]-Offsets[i] == dim for every i.
type VariableArrayView struct {
	Data    []float32
	Offsets []int
	Size    int
	Elem    ElemType
}

// Row returns row i as a sub-slice of Data (no copy).
func (v VariableArrayView) Row(i int) ([]float32, error) {
	if i < 0 || i >= v.Size {
		return nil, fmt.Errorf("vectorview: row index %d out of range [0,%d)", i, v.Size)
	}
	return v.Data[v.Offsets[i]:v.Offsets[i+1]], nil
}

// ValidateDim asserts every row has exactly dim elements, per spec.
func (v VariableArrayView) ValidateDim(dim int) error {
	if v.Elem != Float32 {
		return fmt.Errorf("vectorview: only f32 elements are accepted for vector data, got %s", v.Elem)
	}
	if len(v.Offsets) != v.Size+1 {
		return fmt.Errorf("vectorview: offsets length %d must equal size+1=%d", len(v.Offsets), v.Size+1)
	}
	for i := 0; i < v.Size; i++ {
		if v.Offsets[i+1]-v.Offsets[i] != dim {
			return fmt.Errorf("vectorview: row %d has width %d, expected %d", i, v.Offsets[i+1]-v.Offsets[i], dim)
		}
	}
	return nil
}

// PrimitiveView describes Size scalar elements, e.g. row ids or null
// flags.
type PrimitiveView struct {
	Data []int64
	Size int
	Elem ElemType
}

// Validate checks internal consistency of a primitive view.
func (v PrimitiveView) Validate() error {
	if len(v.Data) != v.Size {
		return fmt.Errorf("vectorview: data length %d does not match size %d", len(v.Data), v.Size)
	}
	return nil
}
