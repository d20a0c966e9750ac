package tensor

import "fmt"

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Flatten collapses every dimension from startDim onwards into one.
//
//	Shape{8, 4, 3, 3}.Flatten(1) == Shape{8, 36}
func (s Shape) Flatten(startDim int) Shape {
	if startDim >= len(s) {
		return s.Clone()
	}
	out := make(Shape, 0, startDim+1)
	out = append(out, s[:startDim]...)
	return append(out, Shape(s[startDim:]).NumElements())
}

// Int64s converts the shape to []int64 (SafeTensors header representation).
func (s Shape) Int64s() []int64 {
	out := make([]int64, len(s))
	for i, dim := range s {
		out[i] = int64(dim)
	}
	return out
}
